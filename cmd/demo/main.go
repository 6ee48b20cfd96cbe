package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/ChuLiYu/beaver-jobs/internal/agent"
	"github.com/ChuLiYu/beaver-jobs/internal/checkpoint"
	"github.com/ChuLiYu/beaver-jobs/internal/config"
	"github.com/ChuLiYu/beaver-jobs/internal/coordinator"
	"github.com/ChuLiYu/beaver-jobs/internal/dlq"
	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/internal/logging"
	"github.com/ChuLiYu/beaver-jobs/internal/resumelock"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// Crash / resume demo:
//
//	go run ./cmd/demo start     # 1000 個模擬項目，執行中按 Ctrl+C
//	go run ./cmd/demo recover   # 從最新 checkpoint 繼續
//
// agent 以 sleep 模擬，約 10% 的項目會失敗並進入 DLQ。
const (
	demoDir   = ".beaver-demo"
	demoJob   = "crash-demo"
	demoItems = 1000
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	logger, err := logging.Setup(os.Stderr, logging.Options{Level: "warn"})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	fs := afero.NewOsFs()
	input := filepath.Join(demoDir, "items.json")
	if mode == "start" {
		if err := writeItems(input); err != nil {
			log.Fatalf("Failed to write demo items: %v", err)
		}
	}

	cfg := config.Default().Job
	cfg.Name = "crash-demo"
	cfg.Input = input
	cfg.Agent.Isolation = "none"
	cfg.MaxParallel = 8
	cfg.CheckpointEvery = 20
	cfg.Retry.Attempts = 2
	cfg.Retry.InitialDelay = 50 * time.Millisecond
	cfg.Retry.RetryOn = []string{"timeout"}
	cfg.ShutdownTimeout = 2 * time.Second

	journal, err := eventlog.Open(fs, filepath.Join(demoDir, "events", demoJob+".jsonl"),
		eventlog.WithSyncOn(eventlog.EventItemCompleted, eventlog.EventCheckpointCreated))
	if err != nil {
		log.Fatalf("Failed to open event log: %v", err)
	}
	defer journal.Close()

	c, err := coordinator.New(cfg, coordinator.Deps{
		Checkpoints: checkpoint.NewManager(checkpoint.NewFileStore(fs, filepath.Join(demoDir, "checkpoints"))),
		Locks:       resumelock.NewManager(fs, filepath.Join(demoDir, "locks")),
		DLQ:         dlq.NewFileStore(fs, filepath.Join(demoDir, "dlq")),
		Executor:    agent.ExecutorFunc(simulate),
	}, coordinator.WithLogger(logger), coordinator.WithEvents(journal), coordinator.WithFs(fs))
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var report *coordinator.Report
	switch mode {
	case "start":
		fmt.Printf("✓ Running %d items with %d agents\n", demoItems, cfg.MaxParallel)
		fmt.Printf("💡 Press Ctrl+C to interrupt, then run 'go run ./cmd/demo recover'\n\n")
		report, err = c.Run(ctx, demoJob)
	case "recover":
		report, err = c.Resume(ctx, demoJob, coordinator.ResumeOptions{})
		if report != nil {
			fmt.Printf("✓ Recovered %d completed items from the event log\n", len(report.Recovered))
			fmt.Printf("✓ Reset %d in-flight items to pending\n", len(report.Reset))
		}
	default:
		log.Fatalf("Unknown mode %q", mode)
	}

	if report != nil {
		s := report.Stats
		fmt.Printf("\n📊 Status (checkpoint v%d, phase %s):\n", report.CheckpointVersion, report.Phase)
		fmt.Printf("  Pending:       %d\n", s.Pending)
		fmt.Printf("  Completed:     %d\n", s.Completed)
		fmt.Printf("  Dead-lettered: %d\n", s.DeadLettered)
		fmt.Printf("  ─────────────────\n")
		fmt.Printf("  Total:         %d\n", s.Total)
	}
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Println("\n✓ Interrupted; state saved")
	case err != nil:
		log.Fatalf("Job failed: %v", err)
	}
}

// writeItems 產生輸入檔
func writeItems(path string) error {
	items := make([]map[string]interface{}, 0, demoItems)
	for i := 1; i <= demoItems; i++ {
		items = append(items, map[string]interface{}{"task": fmt.Sprintf("job_%d", i)})
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// simulate 模擬 agent：10-50ms，10% 失敗
func simulate(ctx context.Context, req agent.Request) (*types.AgentResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(10+rand.Intn(40)) * time.Millisecond):
	}
	if rand.Float64() < 0.1 {
		return nil, agent.NewError(types.KindCommandFailed, "simulated failure on %s", req.Item.ID)
	}
	return &types.AgentResult{
		AgentID:    req.AgentID,
		WorkItemID: req.Item.ID,
		Status:     types.AgentSuccess,
	}, nil
}
