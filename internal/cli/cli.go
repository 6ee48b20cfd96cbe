// ============================================================================
// Beaver-Jobs CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 以 Cobra 提供 job 的執行、恢復、檢視與 DLQ 管理
//
// Command Structure:
//   beaver-jobs                          # Root command
//   ├── run [job-id]                     # 從 setup 開始執行新的 job
//   ├── resume <job-id>                  # 從 checkpoint 繼續
//   │   ├── --force                      # 恢復 Failed 的 job，重新接納 DLQ 項目
//   │   ├── --max-parallel N
//   │   ├── --max-additional-retries N
//   │   ├── --skip-validation
//   │   └── --from-checkpoint V
//   ├── status [job-id]                  # job 列表或單一 job 的版本歷史
//   ├── rollback <job-id> <version>      # 以舊版本內容寫入新版本
//   ├── events <job-id>                  # 重播事件日誌
//   ├── archive <job-id>                 # 把最新 checkpoint 交給歸檔器（file / s3）
//   └── dlq {list|inspect|analyze|export|purge|retry|stats|clear}
//
// Configuration:
//   YAML 設定檔（預設 configs/default.yaml），啟動時先載入 .env。
//   未明確指定 --config 且預設檔不存在時使用內建預設值。
//
// State Layout (storage.state_dir):
//   checkpoints/<job>/checkpoint-<v>.json   # checkpoint_backend: file
//   locks/<job>.lock                        # resume lock
//   dlq/<job>/...                           # dlq_backend: file
//   events/<job>.jsonl                      # 事件日誌
//   workspaces/<agent>/                     # agent.isolation: dir
//
// Signal Handling:
//   run / resume / dlq retry 在 SIGINT、SIGTERM 時停止分派，等待執行中的
//   agent（最多 shutdown_timeout），寫入最後的 checkpoint 後結束。
//
// Exit Codes:
//   0 成功；其他錯誤（含 resume lock 衝突，訊息列出持有者 pid / hostname /
//   acquired_at）皆為非 0。
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-jobs/internal/agent"
	"github.com/ChuLiYu/beaver-jobs/internal/checkpoint"
	"github.com/ChuLiYu/beaver-jobs/internal/config"
	"github.com/ChuLiYu/beaver-jobs/internal/coordinator"
	"github.com/ChuLiYu/beaver-jobs/internal/dlq"
	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/internal/ids"
	"github.com/ChuLiYu/beaver-jobs/internal/logging"
	"github.com/ChuLiYu/beaver-jobs/internal/metrics"
	"github.com/ChuLiYu/beaver-jobs/internal/resumelock"
)

const defaultConfigFile = "configs/default.yaml"

// options 全域旗標
type options struct {
	configFile string
	envFile    string
	debug      bool
	noColor    bool
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "beaver-jobs",
		Short: "Beaver-Jobs: a resumable, fault-tolerant job engine",
		Long: `Beaver-Jobs runs setup → map → reduce jobs with:
- Versioned checkpoints and crash-safe resume
- Retry policies with backoff, budgets and a circuit breaker
- A dead letter queue with failure analysis
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDotEnv(opts.envFile)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigFile, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored log output")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildResumeCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildRollbackCommand(opts))
	rootCmd.AddCommand(buildEventsCommand(opts))
	rootCmd.AddCommand(buildArchiveCommand(opts))
	rootCmd.AddCommand(buildDLQCommand(opts))

	return rootCmd
}

// loadDotEnv 載入 .env；檔案不存在時略過
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// loadConfig 讀取設定檔；未明確指定且預設檔不存在時使用預設值
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// ============================================================================
// 執行環境
// ============================================================================

// env 由設定建立的所有 store 與協作者
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	fs      afero.Fs
	out     io.Writer
	metrics *metrics.Collector

	checkpoints *checkpoint.Manager
	ckStore     checkpoint.Store
	locks       *resumelock.Manager
	dlqStore    dlq.Store
}

// openEnv 載入設定並建立 store
func openEnv(cmd *cobra.Command, opts *options) (*env, error) {
	cfg, err := loadConfig(opts.configFile, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}

	logger, err := logging.Setup(cmd.ErrOrStderr(), logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Debug:   opts.debug,
		NoColor: opts.noColor,
	})
	if err != nil {
		return nil, err
	}

	e := &env{
		cfg:     cfg,
		logger:  logger,
		fs:      afero.NewOsFs(),
		out:     cmd.OutOrStdout(),
		metrics: metrics.NewCollector(),
	}
	if err := e.open(cmd.Context()); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *env) path(parts ...string) string {
	return filepath.Join(append([]string{e.cfg.Storage.StateDir}, parts...)...)
}

// open 依 storage 設定建立 checkpoint、DLQ、lock
func (e *env) open(ctx context.Context) error {
	s := e.cfg.Storage

	switch s.CheckpointBackend {
	case "postgres", "sqlite":
		store, err := checkpoint.NewSQLStore(ctx, checkpoint.SQLConfig{
			Backend: s.CheckpointBackend,
			DSN:     s.CheckpointDSN,
		})
		if err != nil {
			return err
		}
		e.ckStore = store
	default:
		e.ckStore = checkpoint.NewFileStore(e.fs, e.path("checkpoints"))
	}

	ckOpts := []checkpoint.Option{
		checkpoint.WithRetention(s.CheckpointRetain),
		checkpoint.WithLogger(e.logger),
		checkpoint.WithWriteObserver(e.metrics.ObserveCheckpoint),
	}
	switch s.ArchiveBackend {
	case "file":
		dir := s.ArchiveDir
		if dir == "" {
			dir = e.path("archive")
		}
		ckOpts = append(ckOpts, checkpoint.WithArchiver(checkpoint.NewFileArchiver(e.fs, dir)))
	case "s3":
		archiver, err := checkpoint.NewS3Archiver(ctx, checkpoint.S3Config{
			Bucket: s.S3.Bucket,
			Prefix: s.S3.Prefix,
			Region: s.S3.Region,
		})
		if err != nil {
			return err
		}
		ckOpts = append(ckOpts, checkpoint.WithArchiver(archiver))
	}
	e.checkpoints = checkpoint.NewManager(e.ckStore, ckOpts...)

	switch s.DLQBackend {
	case "redis":
		store, err := dlq.NewRedisStore(ctx, s.Redis)
		if err != nil {
			return err
		}
		e.dlqStore = store
	default:
		e.dlqStore = dlq.NewFileStore(e.fs, e.path("dlq"))
	}

	e.locks = resumelock.NewManager(e.fs, e.path("locks"), resumelock.WithLogger(e.logger))
	return nil
}

// Close 關閉 store 連線
func (e *env) Close() error {
	var errs []error
	if e.ckStore != nil {
		errs = append(errs, e.ckStore.Close())
	}
	if e.dlqStore != nil {
		errs = append(errs, e.dlqStore.Close())
	}
	return errors.Join(errs...)
}

// journal 開啟 job 的事件日誌
func (e *env) journal(jobID string) (*eventlog.Journal, error) {
	return eventlog.Open(e.fs, e.path("events", jobID+".jsonl"),
		eventlog.WithBufferSize(e.cfg.Storage.EventBufferSize),
		eventlog.WithFlushInterval(e.cfg.Storage.EventFlushInterval),
		eventlog.WithSyncOn(eventlog.EventItemCompleted, eventlog.EventCheckpointCreated))
}

// queue 建立 job 的 DLQ，事件寫入該 job 的日誌
func (e *env) queue(jobID string, sink eventlog.Sink) *dlq.Queue {
	maxItems := e.cfg.Job.DLQMaxItems
	if maxItems <= 0 {
		maxItems = dlq.DefaultMaxItems
	}
	return dlq.New(e.dlqStore, jobID,
		dlq.WithMaxItems(maxItems),
		dlq.WithEvents(eventlog.NewEmitter(sink, jobID, e.logger)),
		dlq.WithRecorder(e.metrics),
		dlq.WithLogger(e.logger))
}

// coordinator 以設定建立 Coordinator
func (e *env) coordinator(sink eventlog.Sink) (*coordinator.Coordinator, error) {
	job := e.cfg.Job

	var isolation agent.Isolation = agent.NoIsolation{}
	if job.Agent.Isolation == "dir" {
		isolation = agent.NewDirIsolation(e.fs, e.path("workspaces"))
	}

	executor := agent.NewCommandExecutor(job.Agent.Command,
		agent.WithShell(job.Agent.Shell),
		agent.WithEnv(job.Agent.Env...),
		agent.WithLogger(e.logger))

	return coordinator.New(job, coordinator.Deps{
		Checkpoints: e.checkpoints,
		Locks:       e.locks,
		DLQ:         e.dlqStore,
		Executor:    executor,
		Isolation:   isolation,
	},
		coordinator.WithLogger(e.logger),
		coordinator.WithMetrics(e.metrics),
		coordinator.WithEvents(sink),
		coordinator.WithFs(e.fs),
		coordinator.WithStepRunner(agent.NewStepRunner("", e.logger, job.Agent.Env...)),
	)
}

// runJob 在 signal context 下執行 fn；啟用 metrics 時同時提供 /metrics
func (e *env) runJob(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !e.cfg.Metrics.Enabled {
		return fn(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)
	g.Go(func() error {
		return e.metrics.Serve(serveCtx, e.cfg.Metrics.Addr)
	})
	g.Go(func() error {
		defer stopServe()
		return fn(gctx)
	})
	return g.Wait()
}

// ============================================================================
// run / resume
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	var maxParallel int

	cmd := &cobra.Command{
		Use:   "run [job-id]",
		Short: "Start a new job from its setup phase",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.cfg.ValidateJob(); err != nil {
				return err
			}
			if maxParallel > 0 {
				e.cfg.Job.MaxParallel = maxParallel
			}

			jobID := ids.NewJobID()
			if len(args) == 1 {
				jobID = args[0]
			}
			return e.withJournal(jobID, func(sink eventlog.Sink) error {
				c, err := e.coordinator(sink)
				if err != nil {
					return err
				}
				fmt.Fprintf(e.out, "Job %s started\n", jobID)
				return e.runJob(cmd.Context(), func(ctx context.Context) error {
					report, err := c.Run(ctx, jobID)
					printReport(e.out, report)
					return err
				})
			})
		},
	}

	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "override job.max_parallel")
	return cmd
}

func buildResumeCommand(opts *options) *cobra.Command {
	var ro coordinator.ResumeOptions

	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a job from its latest (or a chosen) checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
					report, err := c.Resume(ctx, jobID, ro)
					if report != nil && len(report.Recovered) > 0 {
						fmt.Fprintf(e.out, "Recovered %d completed items from the event log\n", len(report.Recovered))
					}
					if report != nil && len(report.Reset) > 0 {
						fmt.Fprintf(e.out, "Reset %d interrupted items to pending\n", len(report.Reset))
					}
					printReport(e.out, report)
					return err
				})
			})
		},
	}

	cmd.Flags().BoolVar(&ro.Force, "force", false, "resume a failed job and re-admit dead-lettered items")
	cmd.Flags().IntVar(&ro.MaxParallel, "max-parallel", 0, "override max_parallel")
	cmd.Flags().IntVar(&ro.MaxAdditionalRetries, "max-additional-retries", 1, "extra attempts for re-admitted items")
	cmd.Flags().BoolVar(&ro.SkipValidation, "skip-validation", false, "skip checkpoint integrity validation")
	cmd.Flags().IntVar(&ro.FromCheckpoint, "from-checkpoint", 0, "resume from the newest version <= V (0 = latest)")
	return cmd
}

// withJournal 開啟事件日誌，fn 結束後 flush 並關閉
func (e *env) withJournal(jobID string, fn func(sink eventlog.Sink) error) error {
	journal, err := e.journal(jobID)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := journal.Close(); cerr != nil {
			e.logger.Warn("Failed to close event log", "job_id", jobID, "error", cerr)
		}
	}()
	return fn(journal)
}

func printReport(w io.Writer, r *coordinator.Report) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "Job %s: %s (checkpoint v%d)\n", r.JobID, r.Phase, r.CheckpointVersion)
	fmt.Fprintf(w, "  total %d, completed %d, failed %d, dead-lettered %d, pending %d\n",
		r.Stats.Total, r.Stats.Completed, r.Stats.Failed, r.Stats.DeadLettered, r.Stats.Pending)
	if r.FailedItems > 0 || r.GlobalRetries > 0 {
		fmt.Fprintf(w, "  failed items %d, global retries %d\n", r.FailedItems, r.GlobalRetries)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
}

// ============================================================================
// status / rollback / events
// ============================================================================

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job status and checkpoint history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			if len(args) == 0 {
				return showJobs(cmd.Context(), e)
			}
			return showJob(cmd.Context(), e, args[0])
		},
	}
}

func showJobs(ctx context.Context, e *env) error {
	jobs, err := e.checkpoints.Jobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(e.out, "No jobs")
		return nil
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tPHASE\tVERSION\tCOMPLETED\tTOTAL\tUPDATED")
	for _, job := range jobs {
		cp, err := e.checkpoints.Load(ctx, job, 0, false)
		if err != nil {
			fmt.Fprintf(tw, "%s\t?\t-\t-\t-\t%v\n", job, err)
			continue
		}
		info := cp.Summary()
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			job, info.Phase, info.Version, info.Completed, info.Total, info.Timestamp.Format(time.RFC3339))
	}
	return tw.Flush()
}

func showJob(ctx context.Context, e *env, jobID string) error {
	infos, err := e.checkpoints.List(ctx, jobID)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return fmt.Errorf("job %s has no checkpoints", jobID)
	}

	fmt.Fprintf(e.out, "Job %s\n", jobID)
	if lock, err := e.locks.Inspect(jobID); err == nil && lock != nil {
		state := "held"
		if e.locks.IsStale(lock) {
			state = "stale"
		}
		fmt.Fprintf(e.out, "Resume lock: %s by pid %d on %s since %s\n",
			state, lock.PID, lock.Hostname, lock.AcquiredAt.Format(time.RFC3339))
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tPHASE\tTIMESTAMP\tCOMPLETED\tFAILED\tPENDING\tTOTAL")
	for _, info := range infos {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\n",
			info.Version, info.Phase, info.Timestamp.Format(time.RFC3339),
			info.Completed, info.Failed, info.Pending, info.Total)
	}
	return tw.Flush()
}

func buildRollbackCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <job-id> <version>",
		Short: "Write a new checkpoint version with the content of an older one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var version int
			if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil || version < 1 {
				return fmt.Errorf("invalid version %q", args[1])
			}

			e, err := openEnv(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			jobID := args[0]
			return e.locks.WithLock(jobID, func(*resumelock.Guard) error {
				next, err := e.checkpoints.Rollback(cmd.Context(), jobID, version)
				if err != nil {
					return err
				}
				fmt.Fprintf(e.out, "Job %s rolled back to v%d as v%d\n", jobID, version, next)
				return nil
			})
		},
	}
}

func buildEventsCommand(opts *options) *cobra.Command {
	var eventType string

	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "Replay a job's event log as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			enc := json.NewEncoder(e.out)
			return eventlog.Replay(e.fs, e.path("events", args[0]+".jsonl"), func(ev eventlog.Event) error {
				if eventType != "" && string(ev.Type) != eventType {
					return nil
				}
				return enc.Encode(ev)
			})
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "only show events of this type")
	return cmd
}

func buildArchiveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <job-id>",
		Short: "Copy the latest checkpoint to the configured archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			location, err := e.checkpoints.Archive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if location == "" {
				fmt.Fprintln(e.out, "No archive backend configured")
				return nil
			}
			fmt.Fprintf(e.out, "Job %s archived to %s\n", args[0], location)
			return nil
		},
	}
}
