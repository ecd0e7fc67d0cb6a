// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"secure-storage-service/config"
	"secure-storage-service/internal/app"
	"secure-storage-service/internal/handler"
	"secure-storage-service/internal/infra"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// トレーサーはロガーより先に初期化する
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	if err := infra.SetupLogger(os.Stdout, cfg); err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			slog.Error("failed to close application", "error", err)
		}
	}()

	health := handler.NewHealthHandler()
	var router http.Handler = handler.NewRouter(handler.Handlers{
		Health:    health,
		Rotation:  handler.NewRotationHandler(application.Rotation),
		Secret:    handler.NewSecretHandler(application.Secrets),
		Migration: handler.NewMigrationHandler(application.Migration),
	})
	if cfg.OtelEnabled {
		router = otelhttp.NewHandler(router, cfg.OtelServiceName)
	}

	if err := application.Rotation.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping rotation: %w", err)
	}

	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	go application.Rotation.RunScheduler(schedCtx, cfg.RotationCheckInterval)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		health.SetReady(false)
		stopScheduler()

		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	health.SetReady(true)
	slog.Info("starting server",
		"port", cfg.Port,
		"current_key_version", application.Rotation.Status().CurrentKeyVersion.ID,
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	// バックグラウンドの再暗号化を待ってから閉じる
	application.Rotation.Wait()
	slog.Info("server stopped")
	return nil
}
