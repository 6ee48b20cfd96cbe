package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-jobs/internal/coordinator"
	"github.com/ChuLiYu/beaver-jobs/internal/dlq"
	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// dlq 子命令
// ============================================================================

// filterFlags list / export / retry 共用的篩選旗標
type filterFlags struct {
	errorKind string
	eligible  string // "" | true | false
	signature string
	after     string
	before    string
	limit     int
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.errorKind, "error-kind", "", "only items whose history contains this error kind")
	cmd.Flags().StringVar(&f.eligible, "eligible", "", "filter by reprocess_eligible (true|false)")
	cmd.Flags().StringVar(&f.signature, "signature", "", "substring of the error signature")
	cmd.Flags().StringVar(&f.after, "after", "", "last attempt at or after this RFC3339 time")
	cmd.Flags().StringVar(&f.before, "before", "", "last attempt before this RFC3339 time")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum number of items (0 = no limit)")
}

// build 把旗標轉為 dlq.Filter
func (f *filterFlags) build() (dlq.Filter, error) {
	filter := dlq.Filter{
		ErrorKind: types.ErrorKind(f.errorKind),
		Signature: f.signature,
		Limit:     f.limit,
	}
	switch f.eligible {
	case "":
	case "true", "false":
		v := f.eligible == "true"
		filter.ReprocessEligible = &v
	default:
		return dlq.Filter{}, fmt.Errorf("invalid --eligible %q: want true or false", f.eligible)
	}

	var err error
	if filter.After, err = parseTime("after", f.after); err != nil {
		return dlq.Filter{}, err
	}
	if filter.Before, err = parseTime("before", f.before); err != nil {
		return dlq.Filter{}, err
	}
	return filter, nil
}

func parseTime(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s: %w", flag, err)
	}
	return t, nil
}

func buildDLQCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage the dead letter queue",
	}

	cmd.AddCommand(buildDLQListCommand(opts))
	cmd.AddCommand(buildDLQInspectCommand(opts))
	cmd.AddCommand(buildDLQAnalyzeCommand(opts))
	cmd.AddCommand(buildDLQExportCommand(opts))
	cmd.AddCommand(buildDLQPurgeCommand(opts))
	cmd.AddCommand(buildDLQRetryCommand(opts))
	cmd.AddCommand(buildDLQStatsCommand(opts))
	cmd.AddCommand(buildDLQClearCommand(opts))

	return cmd
}

// withQueue 開啟環境與 job 的事件日誌後執行 fn
func withQueue(cmd *cobra.Command, opts *options, jobID string, fn func(e *env, q *dlq.Queue) error) error {
	e, err := openEnv(cmd, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	return e.withJournal(jobID, func(sink eventlog.Sink) error {
		return fn(e, e.queue(jobID, sink))
	})
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func buildDLQListCommand(opts *options) *cobra.Command {
	var ff filterFlags

	cmd := &cobra.Command{
		Use:   "list <job-id>",
		Short: "List dead-lettered items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ff.build()
			if err != nil {
				return err
			}
			return withQueue(cmd, opts, args[0], func(e *env, q *dlq.Queue) error {
				entries, err := q.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(e.out, "DLQ is empty")
					return nil
				}

				tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ITEM\tFAILURES\tLAST ATTEMPT\tELIGIBLE\tSIGNATURE")
				for _, entry := range entries {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%t\t%s\n",
						entry.ItemID, entry.FailureCount,
						entry.LastAttempt.Format(time.RFC3339),
						entry.ReprocessEligible, entry.ErrorSignature)
				}
				return tw.Flush()
			})
		},
	}

	ff.register(cmd)
	return cmd
}

func buildDLQInspectCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <job-id> <item-id>",
		Short: "Show one dead-lettered item with its failure history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, opts, args[0], func(e *env, q *dlq.Queue) error {
				entry, err := q.Get(cmd.Context(), types.ItemID(args[1]))
				if err != nil {
					return err
				}
				return writeJSON(e.out, entry)
			})
		},
	}
}

func buildDLQAnalyzeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <job-id>",
		Short: "Group failures by error signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, opts, args[0], func(e *env, q *dlq.Queue) error {
				analysis, err := q.Analyze(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(e.out, analysis)
			})
		},
	}
}

func buildDLQExportCommand(opts *options) *cobra.Command {
	var (
		ff     filterFlags
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Export dead-lettered items as JSON or JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ff.build()
			if err != nil {
				return err
			}
			return withQueue(cmd, opts, args[0], func(e *env, q *dlq.Queue) error {
				w := e.out
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}

				n, err := q.Export(cmd.Context(), w, format, filter)
				if err != nil {
					return err
				}
				if output != "" && output != "-" {
					fmt.Fprintf(e.out, "Exported %d items to %s\n", n, output)
				}
				return nil
			})
		},
	}

	ff.register(cmd)
	cmd.Flags().StringVar(&format, "format", "json", "export format: json | jsonl")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func buildDLQPurgeCommand(opts *options) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge <job-id>",
		Short: "Remove items whose last attempt is older than --older-than",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return withQueue(cmd, opts, args[0], func(e *env, q *dlq.Queue) error {
				n, err := q.Purge(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(e.out, "Purged %d items\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age threshold, e.g. 72h")
	return cmd
}

func buildDLQRetryCommand(opts *options) *cobra.Command {
	var (
		ff  filterFlags
		dro coordinator.DLQRetryOptions
	)

	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Reprocess eligible dead-lettered items in a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ff.build()
			if err != nil {
				return err
			}
			if dro.MaxRetries < 0 {
				return errors.New("--max-retries must not be negative")
			}
			if dro.Timeout < 0 {
				return errors.New("--timeout must not be negative")
			}
			dro.Filter = filter

			e, err := openEnv(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			jobID := args[0]
			return e.withJournal(jobID, func(sink eventlog.Sink) error {
				c, err := e.coordinator(sink)
				if err != nil {
					return err
				}
				return e.runJob(cmd.Context(), func(ctx context.Context) error {
					report, err := c.RetryDLQ(ctx, jobID, dro)
					if errors.Is(err, coordinator.ErrNothingToReprocess) {
						fmt.Fprintln(e.out, "No items to reprocess")
						return nil
					}
					printReport(e.out, report)
					return err
				})
			})
		},
	}

	ff.register(cmd)
	cmd.Flags().IntVar(&dro.MaxParallel, "max-parallel", 0, "override max_parallel")
	cmd.Flags().IntVar(&dro.MaxRetries, "max-retries", 0, "override retry.attempts for reprocessed items")
	cmd.Flags().DurationVar(&dro.Timeout, "timeout", 0, "override the per-attempt agent timeout, e.g. 30s")
	cmd.Flags().BoolVar(&dro.Force, "force", false, "include items not eligible for reprocessing")
	return cmd
}

func buildDLQStatsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <job-id>",
		Short: "Show DLQ size, capacity and error categories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, opts, args[0], func(e *env, q *dlq.Queue) error {
				stats, err := q.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(e.out, stats)
			})
		},
	}
}

func buildDLQClearCommand(opts *options) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear <job-id>",
		Short: "Remove every item from a job's DLQ",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			return withQueue(cmd, opts, args[0], func(e *env, q *dlq.Queue) error {
				n, err := q.Clear(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(e.out, "Cleared %d items\n", n)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}
