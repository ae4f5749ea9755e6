package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/lakelift/internal/ledger"
	"github.com/openmined/lakelift/internal/utils"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const statusRateWindow = 5

type statusReport struct {
	ledger   string
	snap     ledger.Snapshot
	reasons  []ledger.FailureReason
	failures []ledger.Attempt
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration progress from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")
			interval, _ := cmd.Flags().GetDuration("interval")
			failures, _ := cmd.Flags().GetInt("failures")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ResolveLedger(); err != nil {
				return err
			}
			journal := cfg.Journal
			if journal == "" {
				journal = ledger.AttemptLogPath(cfg.Ledger)
			}
			cmd.SilenceUsage = true

			out := cmd.OutOrStdout()
			show := func() error {
				rep, err := collectStatus(cmd.Context(), cfg.Ledger, journal, failures)
				if err != nil {
					return err
				}
				printStatus(out, rep)
				return nil
			}

			if !watch {
				return show()
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := show(); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
					fmt.Fprintln(out, gray.Render("-- "+time.Now().Format(time.TimeOnly)))
				}
			}
		},
	}

	cmd.Flags().BoolP("watch", "w", false, "keep printing the status")
	cmd.Flags().Duration("interval", 10*time.Second, "refresh interval for --watch")
	cmd.Flags().Int("failures", 0, "list up to this many failed files from the attempt journal")
	cmd.Flags().String("journal", "", "attempt journal database (default next to the ledger)")
	return cmd
}

// collectStatus reads the ledger and, when asked for failures, the attempt
// journal. Neither read takes the ledger lock, so a running migration is not
// disturbed.
func collectStatus(ctx context.Context, ledgerPath, journalPath string, failures int) (statusReport, error) {
	rep := statusReport{ledger: ledgerPath}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		snap, err := ledger.ReadSnapshot(ledgerPath)
		if err != nil {
			return err
		}
		rep.snap = snap
		return nil
	})

	if failures > 0 && utils.FileExists(journalPath) {
		g.Go(func() error {
			log, err := ledger.OpenAttemptLog(gctx, journalPath)
			if err != nil {
				return err
			}
			defer log.Close()

			if rep.reasons, err = log.FailureReasons(gctx); err != nil {
				return err
			}
			rep.failures, err = log.FailureSummary(gctx, failures)
			return err
		})
	}

	return rep, g.Wait()
}

func printStatus(w io.Writer, rep statusReport) {
	s := rep.snap
	row := func(name, value string) {
		fmt.Fprintln(w, label.Render(name), value)
	}

	saved := "never saved"
	if !s.LastSavedTimestamp.IsZero() {
		saved = "saved " + humanize.Time(s.LastSavedTimestamp)
	}
	row("Ledger", fmt.Sprintf("%s %s", rep.ledger, gray.Render("("+saved+")")))
	row("Files", fmt.Sprintf("%s %s %.1f%%", humanize.Comma(int64(s.TotalFiles)), progressBar(s.PercentComplete()), s.PercentComplete()))
	row("Completed", green.Render(humanize.Comma(int64(s.CompletedCount))))
	row("Skipped", humanize.Comma(int64(s.SkippedCount)))
	if s.FailedCount > 0 {
		row("Failed", red.Render(humanize.Comma(int64(s.FailedCount))))
	} else {
		row("Failed", "0")
	}
	row("Pending", humanize.Comma(int64(s.PendingCount)))
	if s.InProgressCount > 0 {
		row("In progress", yellow.Render(humanize.Comma(int64(s.InProgressCount))))
	}
	row("Transferred", humanize.IBytes(uint64(s.BytesTransferred)))
	row("Batches", fmt.Sprintf("%d run, next #%d", len(s.Batches), s.NextBatchID))

	rate := s.Rate(statusRateWindow)
	if rate > 0 {
		row("Rate", fmt.Sprintf("%.2f files/s over the last %d batches", rate, min(statusRateWindow, len(s.Batches))))
		if left := s.PendingCount + s.InProgressCount; left > 0 {
			eta := time.Duration(float64(left) / rate * float64(time.Second))
			row("ETA", fmt.Sprintf("%s (%s)", eta.Round(time.Minute), time.Now().Add(eta).Format(time.DateTime)))
		}
	}

	if len(rep.reasons) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, bold.Render("Failures by class"))
		for _, r := range rep.reasons {
			row(r.Status, humanize.Comma(int64(r.Files)))
		}
	}
	if len(rep.failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, bold.Render("Latest failures"))
		for _, a := range rep.failures {
			fmt.Fprintf(w, "%s %s %s\n", red.Render(a.Path), gray.Render(fmt.Sprintf("attempt %d, %s:", a.Attempt, humanize.Time(a.CreatedAt()))), a.Detail)
		}
	}
}
