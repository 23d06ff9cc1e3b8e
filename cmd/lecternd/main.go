// Lectern daemon - coordinates recording, upload, and library sync
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lecternhq/lectern/internal/audio"
	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/deeplink"
	"github.com/lecternhq/lectern/internal/media"
	"github.com/lecternhq/lectern/internal/pending"
	"github.com/lecternhq/lectern/internal/reconcile"
	"github.com/lecternhq/lectern/internal/remote"
	"github.com/lecternhq/lectern/internal/server"
	"github.com/lecternhq/lectern/internal/telemetry"
	"github.com/lecternhq/lectern/internal/upload"
)

func main() {
	// Env files are optional; deployments may set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	captureDir := filepath.Join(cfg.DataDir, "captures")
	tmpDir := filepath.Join(cfg.DataDir, "tmp")
	for _, dir := range []string{captureDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	// Identity first: everything downstream is keyed by user id.
	auth, err := remote.NewAnonymousAuth(cfg.SyncBaseURL, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	if err := auth.SignIn(ctx); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	user := auth.UserID()
	slog.Info("signed in", "user", user)

	client := remote.NewClient(cfg.SyncBaseURL, cfg.SyncWSURL, auth)
	blobs, err := remote.NewSupabaseBlobStore(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	store, err := pending.NewFileStore(filepath.Join(cfg.DataDir, "pending"))
	if err != nil {
		return fmt.Errorf("init pending store: %w", err)
	}
	links, err := deeplink.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("init deeplink store: %w", err)
	}

	// Telemetry: local log + prometheus always, batching exporter when configured.
	sinks := telemetry.MultiSink{telemetry.SlogSink{}, telemetry.PromSink{}}
	if cfg.TelemetryURL != "" {
		exporter := telemetry.NewExporter(cfg.TelemetryURL, cfg.TelemetryBatchSize, cfg.TelemetryFlushInterval)
		sinks = append(sinks, exporter)
		defer exporter.Stop()
	}
	ledger := telemetry.NewLedger(sinks)

	reconciler := reconcile.New(reconcile.Options{
		Docs:          client,
		Blobs:         blobs,
		Store:         store,
		Summaries:     client,
		Ledger:        ledger,
		User:          user,
		SummaryTTL:    cfg.StuckSummaryTTL,
		SweepInterval: cfg.SweepInterval,
	})

	uploads := upload.New(upload.Options{
		Store:      store,
		Docs:       client,
		Blobs:      blobs,
		Transcoder: media.NewTranscoder(cfg.FFmpegPath),
		Ledger:     ledger,
		Notify:     reconciler,
		User:       user,
		TmpDir:     tmpDir,
		MaxBytes:   cfg.MaxUploadBytes,
		MaxMinutes: cfg.MaxRecordingMinutes,
		Quota:      reconciler.Quota,
	})

	recorder := audio.NewRecorder(audio.NewPortAudioEngine(), audio.Granted(), audio.Options{
		TmpDir:      captureDir,
		SampleRate:  cfg.SampleRate,
		Channels:    cfg.Channels,
		MeterRateHz: cfg.MeterRateHz,
	})

	// Recovery re-enters uploads that survived the last process.
	if err := uploads.Start(ctx); err != nil {
		slog.Warn("upload recovery failed", "error", err)
	}

	feed, err := client.Feed(ctx, user)
	if err != nil {
		return fmt.Errorf("open remote feed: %w", err)
	}
	go reconciler.Run(ctx, feed)
	go reconciler.RunSweeper(ctx)

	srv := server.New(server.Options{
		Recorder:     recorder,
		Uploads:      uploads,
		Library:      reconciler,
		Folders:      client,
		Accounts:     client,
		Links:        links,
		Blobs:        blobs,
		SignedURLTTL: cfg.SignedURLTTL,
		User:         user,
		SignOut: func() error {
			if err := store.Replace(user, nil); err != nil {
				return err
			}
			return auth.SignOut()
		},
	})

	// Start HTTP server
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("lectern daemon starting", "http", cfg.HTTPAddr, "sync", cfg.SyncBaseURL)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	// Finalize any live capture so the take stays readable; interrupted
	// uploads resume from the pending store on next start.
	if take, err := recorder.Stop(); take != nil {
		slog.Info("capture interrupted by shutdown, take kept", "file", take.Path, "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
