package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"

	"churn-analytics/feature-pipeline/internal/config"
	"churn-analytics/feature-pipeline/internal/pipeline"
	"churn-analytics/feature-pipeline/internal/server"
	"churn-analytics/feature-pipeline/internal/util"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	var (
		cfgPath  = flag.String("config", "config.yml", "path to YAML config")
		interval = flag.Duration("interval", 5*time.Minute, "micro-batch interval")
		once     = flag.Bool("once", false, "run a single batch then exit")
		verbose  = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	log.Printf("feature-pipeline %s starting...", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := util.NewLogger(*verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner, err := pipeline.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("build pipeline: %v", err)
	}
	defer runner.Close()

	admin := server.New(cfg.Server, runner.Status)
	go func() {
		logger.Info("admin server on %s", admin.Addr())
		if err := admin.Serve(); err != nil {
			logger.Error("admin server: %v", err)
		}
	}()

	runBatch := func() {
		if err := runner.RunBatch(ctx); err != nil {
			logger.Error("batch failed: %v", err)
		}
	}

	runBatch()
	if !*once {
		// SingletonMode: a slow batch must finish before the next starts;
		// overlapping runs would race on the shared clean history.
		scheduler := gocron.NewScheduler(time.UTC)
		if _, err := scheduler.Every(*interval).SingletonMode().Do(runBatch); err != nil {
			log.Fatalf("schedule batches: %v", err)
		}
		scheduler.StartAsync()
		logger.Info("scheduled micro-batches every %s", interval.String())

		<-ctx.Done()
		scheduler.Stop()
	}

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin shutdown: %v", err)
	}
	logger.Info("stopped")
}
