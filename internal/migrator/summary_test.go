package migrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		s    Summary
		want int
	}{
		{"clean", Summary{Total: 3, Completed: 3}, ExitOK},
		{"skipped only", Summary{Total: 3, Skipped: 3}, ExitOK},
		{"failed files", Summary{Total: 3, Completed: 2, Failed: 1}, ExitFailedFiles},
		{"aborted", Summary{Aborted: true}, ExitStopped},
		{"interrupted with failures", Summary{Interrupted: true, Failed: 2}, ExitStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.ExitCode())
		})
	}
}

func TestSummaryRates(t *testing.T) {
	s := Summary{Attempted: 20, Bytes: 4096}
	s.finish(4 * time.Second)
	assert.Equal(t, 5.0, s.FilesPerSec)
	assert.Equal(t, 1024.0, s.BytesPerSec)

	assert.Equal(t, 100.0, Summary{}.PercentComplete())
	assert.Equal(t, 50.0, Summary{Total: 4, Completed: 1, Skipped: 1, Pending: 2}.PercentComplete())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "unknown", State(42).String())
}
