package main

import (
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

var (
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	bold   = lipgloss.NewStyle().Bold(true)
	label  = lipgloss.NewStyle().Foreground(lipgloss.Color("248")).Width(12)
)

func progressBar(percent float64) string {
	bar := progress.New(progress.WithSolidFill("10"), progress.WithWidth(30), progress.WithoutPercentage())
	return bar.ViewAs(percent / 100)
}
