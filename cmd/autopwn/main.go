package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/doomedramen/autopwn/internal/config"
	"github.com/doomedramen/autopwn/internal/db"
	"github.com/doomedramen/autopwn/internal/engine"
	"github.com/doomedramen/autopwn/internal/extractor"
	"github.com/doomedramen/autopwn/internal/hardware"
	"github.com/doomedramen/autopwn/internal/models"
	"github.com/doomedramen/autopwn/internal/processor"
	"github.com/doomedramen/autopwn/internal/repository"
	"github.com/doomedramen/autopwn/internal/server"
	"github.com/doomedramen/autopwn/internal/watcher"
	"github.com/doomedramen/autopwn/pkg/debug"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		debug.Debug("No .env file found, using environment variables")
	}
	debug.Reinitialize()

	cfg, err := config.Load()
	if err != nil {
		debug.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		debug.Error("Failed to prepare directories: %v", err)
		os.Exit(1)
	}

	database, err := db.Connect(cfg.DatabasePath)
	if err != nil {
		debug.Error("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer database.Close()

	captureRepo := repository.NewCaptureRepository(database)
	jobRepo := repository.NewJobRepository(database)

	poolSizes := map[models.DeviceClass]int{
		models.DeviceCPU: cfg.CPUConcurrency,
		models.DeviceGPU: cfg.GPUConcurrency,
	}
	if cpuInfo, err := hardware.DetectCPU(); err == nil {
		if os.Getenv("AUTOPWN_CPU_CONCURRENCY") == "" {
			poolSizes[models.DeviceCPU] = cpuInfo.DefaultCPUSlots()
		}
	} else {
		debug.Warning("CPU detection failed: %v", err)
	}

	hashcat := engine.NewHashcatEngine(cfg.HashcatBinary, cfg.DataPath, cfg.JobTimeout)
	proc := processor.New(jobRepo, hashcat, poolSizes)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := proc.Start(ctx); err != nil {
		debug.Error("Failed to start job processor: %v", err)
		os.Exit(1)
	}

	ext := extractor.New(cfg, captureRepo, jobRepo, proc.Notify)
	watch := watcher.New(cfg, captureRepo, ext)
	if err := watch.Start(ctx); err != nil {
		debug.Error("Failed to start file watcher: %v", err)
		os.Exit(1)
	}

	statusServer := server.New(cfg.HTTPAddr, jobRepo, captureRepo, proc)
	statusServer.Start()

	debug.Info("autopwn pipeline running (captures: %s, device default: %s)",
		cfg.CapturesPath, cfg.DefaultDevice)

	<-ctx.Done()
	debug.Info("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		debug.Warning("Status listener shutdown: %v", err)
	}

	// The cancelled context stops new claims and watch events; in-flight
	// cracking runs are cancelled by the engine and requeued. Anything that
	// slips through is caught by orphan recovery on the next start.
	done := make(chan struct{})
	go func() {
		watch.Wait()
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
		debug.Info("Shutdown complete")
	case <-shutdownCtx.Done():
		debug.Warning("Shutdown timed out, exiting with work in flight")
	}
}
