package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/scrypster/conductor/internal/config"
	"github.com/scrypster/conductor/internal/engine"
	"github.com/scrypster/conductor/internal/storage"
	"github.com/scrypster/conductor/internal/storage/postgres"
	"github.com/scrypster/conductor/internal/storage/sqlite"
)

// store is the joint surface both backends satisfy.
type store interface {
	storage.TaskStore
	storage.MemoryStore
	storage.KnowledgeStore
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	conversation := flag.Int64("conversation", 0, "Drain a single conversation and exit")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadConfigFile(*configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	st, err := openStore(cfg, *dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer st.Close()

	memory, err := engine.NewMemoryManager(st, engine.MemoryConfig{
		KeepPerType:   cfg.Memory.KeepPerType,
		HalfLifeHours: cfg.Memory.HalfLifeHours,
		ShortTermTTL:  cfg.Memory.ShortTermTTL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize memory manager: %v", err)
	}
	knowledge, err := engine.NewKnowledge(st, cfg.Knowledge.EntityCacheSize)
	if err != nil {
		log.Fatalf("Failed to initialize knowledge service: %v", err)
	}

	// The binary ships a pass-through executor: it acknowledges each task so
	// pipelines can be drained and inspected. Real deployments embed the
	// engine and supply their own Executor.
	executor := engine.ExecutorFunc(func(ctx context.Context, req engine.ExecutionRequest) (*engine.ExecutionResult, error) {
		log.Printf("executing task %d (%s) attempt %s", req.Task.ID, req.Task.TaskType, req.AttemptID)
		return &engine.ExecutionResult{Result: "acknowledged"}, nil
	})

	sched, err := engine.NewScheduler(engine.SchedulerConfig{
		MaxRetries:        cfg.Scheduler.MaxRetries,
		BackoffBase:       cfg.Scheduler.BackoffBase,
		BackoffCap:        cfg.Scheduler.BackoffCap,
		Propagation:       engine.Propagation(cfg.Scheduler.Propagation),
		Workers:           cfg.Scheduler.Workers,
		DispatchPerSecond: cfg.Scheduler.DispatchPerSecond,
		ExecTimeout:       cfg.Scheduler.ExecTimeout,
	}, st, executor, memory, knowledge)
	if err != nil {
		log.Fatalf("Failed to initialize scheduler: %v", err)
	}
	defer sched.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *conversation != 0 {
		report, err := sched.RunConversation(ctx, *conversation)
		if err != nil {
			log.Fatalf("Failed to drain conversation %d: %v", *conversation, err)
		}
		log.Printf("conversation %d: completed=%d failed=%d cancelled=%d drained=%v blocked=%v",
			*conversation, report.Completed, report.Failed, report.Cancelled, report.Drained, report.BlockedIDs)
		return
	}

	// Periodic retention sweep. Eviction runs per conversation from Maintain;
	// the global sweep here reclaims expired records across all of them.
	sweepInterval := cfg.Memory.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := st.SweepExpired(ctx, time.Now())
				if err != nil {
					log.Printf("retention sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("retention sweep removed %d expired memories", n)
				}
			}
		}
	}()

	log.Printf("conductor running (storage=%s)", cfg.Storage.Engine)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
	sched.Close()
}

func openStore(cfg *config.Config, dbPath string) (store, error) {
	if dbPath != "" {
		return sqlite.Open(dbPath)
	}
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.Open(cfg.Storage.PostgresDSN)
	default:
		return sqlite.Open(filepath.Join(cfg.Storage.DataPath, "conductor.db"))
	}
}
