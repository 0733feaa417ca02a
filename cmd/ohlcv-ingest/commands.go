package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnayoung/go-ohlcv-ingest/internal/app"
	"github.com/johnayoung/go-ohlcv-ingest/internal/ingest"
)

type runFlags struct {
	series   []string
	storage  string
	lookback time.Duration
	start    string
	end      string
}

func newRunCmd(g *globalOptions) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest every series from its cursor up to the last closed interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), g, f.storage, func(ctx context.Context, a *app.App) error {
				series, err := a.Series(f.series)
				if err != nil {
					return usageError("%v", err)
				}

				summary := a.Runner.RunAll(ctx, series, opts)
				if err := printSummary(cmd.OutOrStdout(), g.output, summary); err != nil {
					return err
				}
				return summaryExit(summary)
			})
		},
	}

	cmd.Flags().StringSliceVar(&f.series, "series", nil, "series to ingest, e.g. BTC-USD:1m (default: configured series)")
	cmd.Flags().StringVar(&f.storage, "storage", "", "override the storage backend (duckdb, postgres, parquet, memory)")
	cmd.Flags().DurationVar(&f.lookback, "lookback", 0, "window for series without a cursor, e.g. 72h")
	cmd.Flags().StringVar(&f.start, "start", "", "explicit window start (RFC3339)")
	cmd.Flags().StringVar(&f.end, "end", "", "explicit window end (RFC3339)")
	return cmd
}

// options converts the flags into engine run options.
func (f *runFlags) options() (ingest.RunOptions, error) {
	var opts ingest.RunOptions
	if f.lookback < 0 {
		return opts, usageError("--lookback must not be negative")
	}
	opts.Lookback = f.lookback

	if f.start != "" {
		t, err := time.Parse(time.RFC3339, f.start)
		if err != nil {
			return opts, usageError("invalid --start, use RFC3339: %v", err)
		}
		opts.Start = t.UTC()
	}
	if f.end != "" {
		t, err := time.Parse(time.RFC3339, f.end)
		if err != nil {
			return opts, usageError("invalid --end, use RFC3339: %v", err)
		}
		opts.End = t.UTC()
	}

	if !opts.Start.IsZero() && !opts.End.IsZero() && !opts.End.After(opts.Start) {
		return opts, usageError("--end must be after --start")
	}
	return opts, nil
}

func newBackfillCmd(g *globalOptions) *cobra.Command {
	var series []string
	var storage string

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-request chunks skipped by earlier runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, storage, func(ctx context.Context, a *app.App) error {
				ids, err := a.Series(series)
				if err != nil {
					return usageError("%v", err)
				}

				summary := a.Runner.BackfillAll(ctx, ids, "")
				if err := printSummary(cmd.OutOrStdout(), g.output, summary); err != nil {
					return err
				}
				return summaryExit(summary)
			})
		},
	}

	cmd.Flags().StringSliceVar(&series, "series", nil, "series to backfill (default: configured series)")
	cmd.Flags().StringVar(&storage, "storage", "", "override the storage backend")
	return cmd
}

func newStatusCmd(g *globalOptions) *cobra.Command {
	var series []string
	var storage string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the cursor and stored candle count of each series",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, storage, func(ctx context.Context, a *app.App) error {
				ids, err := a.Series(series)
				if err != nil {
					return usageError("%v", err)
				}

				statuses := a.Status(ctx, ids)
				if err := printStatus(cmd.OutOrStdout(), g.output, statuses); err != nil {
					return err
				}

				failed := 0
				for _, st := range statuses {
					if st.Error != "" {
						failed++
					}
				}
				return countExit(failed, len(statuses), "status")
			})
		},
	}

	cmd.Flags().StringSliceVar(&series, "series", nil, "series to report (default: configured series)")
	cmd.Flags().StringVar(&storage, "storage", "", "override the storage backend")
	return cmd
}

func newCheckCmd(g *globalOptions) *cobra.Command {
	var series []string
	var storage string
	var remote bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the stored schema of each series without writing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, storage, func(ctx context.Context, a *app.App) error {
				ids, err := a.Series(series)
				if err != nil {
					return usageError("%v", err)
				}

				results := a.Check(ctx, ids, remote)
				if err := printCheck(cmd.OutOrStdout(), g.output, results); err != nil {
					return err
				}

				failed := 0
				for _, r := range results {
					if !r.OK() {
						failed++
					}
				}
				return countExit(failed, len(results), "check")
			})
		},
	}

	cmd.Flags().StringSliceVar(&series, "series", nil, "series to check (default: configured series)")
	cmd.Flags().StringVar(&storage, "storage", "", "override the storage backend")
	cmd.Flags().BoolVar(&remote, "remote", false, "also verify that each product exists upstream")
	return cmd
}

// withApp opens the application, runs fn and closes the application again.
func withApp(ctx context.Context, g *globalOptions, storage string, fn func(ctx context.Context, a *app.App) error) error {
	a, err := g.open(ctx, storage)
	if err != nil {
		return err
	}

	err = fn(ctx, a)
	if closeErr := a.Close(); closeErr != nil && err == nil {
		return exitWith(ExitFatal, fmt.Errorf("close: %w", closeErr))
	}
	return err
}

// summaryExit maps a batch outcome to an exit code.
func summaryExit(s *ingest.RunSummary) error {
	switch {
	case s.Interrupted():
		return exitWith(ExitInterrupt, errors.New("interrupted"))
	case s.Status() == ingest.StatusFailed:
		return exitWith(ExitFatal, fmt.Errorf("all %d series failed", len(s.Reports)))
	case s.Status() == ingest.StatusPartial:
		return exitWith(ExitPartial, errors.New("some series failed or skipped chunks"))
	default:
		return nil
	}
}

func countExit(failed, total int, what string) error {
	switch {
	case failed == 0:
		return nil
	case failed == total:
		return exitWith(ExitFatal, fmt.Errorf("%s failed for all %d series", what, total))
	default:
		return exitWith(ExitPartial, fmt.Errorf("%s failed for %d of %d series", what, failed, total))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, format string, s *ingest.RunSummary) error {
	if format == "json" {
		return writeJSON(w, struct {
			*ingest.RunSummary
			Status ingest.Status `json:"status"`
		}{s, s.Status()})
	}

	fetched, stored, skipped, gaps := s.Totals()
	fmt.Fprintf(w, "run %s: %s (%d series, fetched=%d stored=%d skipped_chunks=%d gaps=%d, %s)\n",
		s.RunID, s.Status(), len(s.Reports), fetched, stored, skipped, gaps,
		s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))

	for _, r := range s.Reports {
		if r.Failed() {
			fmt.Fprintf(w, "  %-14s FAILED  %s\n", r.Series, r.Error)
			continue
		}
		fmt.Fprintf(w, "  %-14s %s  [%s, %s)  fetched=%d stored=%d duplicates=%d dropped=%d skipped=%d resolved=%d gaps=%d cursor=%s\n",
			r.Series, r.State,
			formatTime(r.Start), formatTime(r.End),
			r.Fetched, r.Stored, r.Duplicates, r.Dropped,
			len(r.Skipped), r.Resolved, len(r.Gaps),
			formatTime(r.Cursor))
	}
	return nil
}

func printStatus(w io.Writer, format string, statuses []app.SeriesStatus) error {
	if format == "json" {
		return writeJSON(w, statuses)
	}

	for _, st := range statuses {
		if st.Error != "" {
			fmt.Fprintf(w, "%-14s ERROR  %s\n", st.Series, st.Error)
			continue
		}
		cursor, latest := "none", "none"
		if st.Cursor != nil {
			cursor = formatTime(*st.Cursor)
		}
		if st.Latest != nil {
			latest = formatTime(*st.Latest)
		}
		fmt.Fprintf(w, "%-14s cursor=%s latest=%s stored=%d pending_chunks=%d\n",
			st.Series, cursor, latest, st.Stored, st.Pending)
	}
	return nil
}

func printCheck(w io.Writer, format string, results []app.CheckResult) error {
	if format == "json" {
		type entry struct {
			app.CheckResult
			Error string `json:"error,omitempty"`
		}
		out := make([]entry, len(results))
		for i, r := range results {
			out[i] = entry{CheckResult: r}
			if r.Err != nil {
				out[i].Error = r.Err.Error()
			}
		}
		return writeJSON(w, out)
	}

	for _, r := range results {
		line := fmt.Sprintf("%-14s schema=%s", r.Series, r.Schema)
		if r.Product != "" {
			line += " product=" + r.Product
		}
		if r.Err != nil {
			line += "  error: " + r.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
