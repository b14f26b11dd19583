package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/loomhq/loom/internal/activity"
	"github.com/loomhq/loom/internal/api"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/replay"
	"github.com/loomhq/loom/internal/scheduler"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/timer"
	"github.com/loomhq/loom/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	logger.Info("loom: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"task_queue", cfg.TaskQueue,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	workflows := replay.NewRegistry()
	activities := activity.NewRegistry()
	registerSamples(workflows, activities)

	runner := replay.NewRunner(workflows)
	eng := engine.NewEngine(db, runner, logger, engine.WithActivityDefaults(activities))
	sched := scheduler.New(db, logger,
		scheduler.WithLeaseDuration(cfg.LeaseDuration),
		scheduler.WithPollInterval(cfg.PollInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	sweeper := scheduler.NewSweeper(db, eng, logger, cfg.SweepInterval, nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	timers := timer.New(db, eng, logger, cfg.TimerInterval, nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		timers.Run(ctx)
	}()

	w := worker.New(worker.Config{
		Queue:         cfg.TaskQueue,
		DecisionSlots: cfg.DecisionSlots,
		ActivitySlots: cfg.ActivitySlots,
	}, eng, sched, activities, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	srv := api.NewServer(cfg.ListenAddr, db, eng, workflows, activities, logger)
	if err := srv.Run(ctx); err != nil {
		stop()
		wg.Wait()
		log.Fatalf("server error: %v", err)
	}

	wg.Wait()
	logger.Info("loom: stopped")
}
