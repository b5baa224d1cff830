package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/outbound-voice-agent/internal/app"
	"github.com/acme/outbound-voice-agent/internal/pbx"
	"github.com/acme/outbound-voice-agent/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		_ = container.Close(closeCtx)
	}()

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-voiceagent")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	calls, err := container.Calls()
	if err != nil {
		log.Fatalf("failed to build call components: %v", err)
	}

	if err := connectPBX(ctx, calls.PBX, container.Config.PBX.ReconnectDelay); err != nil {
		log.Fatalf("failed to connect to pbx: %v", err)
	}

	// attempts orphaned by a previous run are failed before new calls are admitted
	if err := calls.Admission.Reconcile(ctx); err != nil {
		container.Logger.Warn("voiceagent: startup reconcile failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return calls.AudioBridge.ListenAndServe(gctx) })
	g.Go(func() error { return calls.Admission.Run(gctx) })
	g.Go(func() error { return calls.Scheduler.Run(gctx) })

	container.Logger.Info("voiceagent: running",
		zap.Int("max_concurrent_calls", calls.Admission.MaxConcurrent()),
		zap.String("audio_bridge", container.Config.AudioBridge.ListenAddress))

	runErr := g.Wait()

	// live calls hang up and write their final status before the stores close
	calls.Admission.Shutdown()
	grace := container.Config.PBX.ActionTimeout + container.Config.CallAttempt.FinalizeTimeout + 5*time.Second
	drainCtx, drainCancel := context.WithTimeout(context.Background(), grace)
	if err := calls.Factory.Wait(drainCtx); err != nil {
		container.Logger.Warn("voiceagent: call handlers still running at shutdown", zap.Error(err))
	}
	drainCancel()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Fatalf("voiceagent terminated: %v", runErr)
	}
}

func connectPBX(ctx context.Context, client *pbx.Client, delay time.Duration) error {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for {
		ok, err := client.Connect(ctx)
		if ok {
			return nil
		}
		log.Printf("pbx login failed, retrying in %s: %v", delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
