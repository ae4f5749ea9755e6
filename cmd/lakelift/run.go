package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/lakelift/internal/config"
	"github.com/openmined/lakelift/internal/migrator"
	"github.com/openmined/lakelift/internal/scheduler"
	"github.com/openmined/lakelift/internal/transfer"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Upload every pending candidate and record progress in the ledger",
		Long: `Upload the files listed in the candidates document to OneLake.

Progress is saved after every batch. An interrupted or aborted run is resumed
by running the same command again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			candidates, err := transfer.LoadCandidates(cfg.Candidates)
			if err != nil {
				return err
			}

			m, err := migrator.New(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			slog.Info("lakelift run",
				"config", cfg.Path,
				"ledger", cfg.Ledger,
				"target", cfg.Store.ResourceURL(""),
				"onExisting", cfg.Store.OnExisting,
				"concurrency", cfg.Concurrency,
				"batchSize", cfg.BatchSize,
			)

			summary, err := m.Run(cmd.Context(), candidates)
			if err != nil {
				return err
			}

			printSummary(cmd.OutOrStdout(), summary)
			if code := summary.ExitCode(); code != migrator.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.String("candidates", "", "enumeration cache document listing the files to upload")
	f.String("on-existing", "", "what to do when the destination exists: skip or overwrite")
	f.String("workspace", "", "OneLake workspace")
	f.String("container", "", "lakehouse or container inside the workspace")
	f.String("prefix", "Files", "path prefix inside the container")
	f.String("endpoint", "", "OneLake DFS endpoint")
	f.IntP("concurrency", "j", scheduler.DefaultConcurrency, "concurrent uploads")
	f.IntP("batch-size", "b", scheduler.DefaultBatchSize, "files per batch")
	f.Int64("batch-bytes", 0, "target bytes per batch, 0 uses a fixed batch size")
	f.Duration("batch-pause", config.DefaultBatchPause, "pause between batches")
	f.Int("start-batch", 1, "first batch to run, counted over the remaining files")
	f.Int("max-batches", 0, "stop after this many batches, 0 runs all")
	f.Bool("test-run", false, fmt.Sprintf("only run the first %d batches", config.TestRunBatches))
	f.Bool("retry-failed", false, "back up the ledger and retry files that failed before")
	f.Bool("dry-run", false, "report the remaining work without uploading")
	f.Int64("bandwidth-limit", 0, "upload cap in bytes per second, 0 is unlimited")
	f.String("token-env-file", "", "env file holding ACCESS_TOKEN")
	f.StringSlice("token-command", nil, "command that rewrites the token env file")
	f.String("source-root", "", "base directory for relative candidate paths")
	f.String("journal", "", "attempt journal database (default next to the ledger)")
	return cmd
}

func printSummary(w io.Writer, s migrator.Summary) {
	title := "Migration summary"
	if s.DryRun {
		title = "Dry run"
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, bold.Render(title))

	row := func(name, value string) {
		fmt.Fprintln(w, label.Render(name), value)
	}
	row("Files", fmt.Sprintf("%s %s %.1f%%", humanize.Comma(int64(s.Total)), progressBar(s.PercentComplete()), s.PercentComplete()))
	row("Completed", green.Render(humanize.Comma(int64(s.Completed))))
	row("Skipped", humanize.Comma(int64(s.Skipped)))
	if s.Failed > 0 {
		row("Failed", red.Render(humanize.Comma(int64(s.Failed))))
	} else {
		row("Failed", "0")
	}
	row("Pending", humanize.Comma(int64(s.Pending)))
	if s.Invalid > 0 {
		row("Invalid", yellow.Render(humanize.Comma(int64(s.Invalid))))
	}
	if s.Duplicates > 0 {
		row("Duplicates", yellow.Render(humanize.Comma(int64(s.Duplicates))))
	}

	if s.DryRun {
		row("To upload", fmt.Sprintf("%s files in %d batches", humanize.Comma(int64(s.Attempted)), s.Batches))
		return
	}

	row("This run", fmt.Sprintf("%s files, %s in %d batches", humanize.Comma(int64(s.Attempted)), humanize.IBytes(uint64(s.Bytes)), s.Batches))
	row("Elapsed", s.Elapsed.Round(time.Second).String())
	row("Throughput", fmt.Sprintf("%.2f files/s, %s/s", s.FilesPerSec, humanize.IBytes(uint64(s.BytesPerSec))))
	if s.Backup != "" {
		row("Backup", gray.Render(s.Backup))
	}

	switch {
	case s.Aborted || s.Interrupted:
		fmt.Fprintln(w, yellow.Render("Stopped: "+s.Reason))
		fmt.Fprintln(w, cyan.Render(s.Resume()))
	case s.Failed > 0:
		fmt.Fprintln(w, yellow.Render("Some files failed, see "+s.Ledger+" or run `lakelift status --failures`"))
	}
}
