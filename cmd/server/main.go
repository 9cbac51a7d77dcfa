// Package main provides the entry point for the imagereel HTTP server.
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

	"golang.org/x/sync/errgroup"

	"github.com/maauso/imagereel/internal/bootstrap"
	"github.com/maauso/imagereel/internal/config"
	"github.com/maauso/imagereel/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting imagereel",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("temp_dir", cfg.TempDir),
		slog.String("music_dir", cfg.MusicDir),
		slog.Duration("ffmpeg_timeout", cfg.FFmpegTimeout),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("job_db", cfg.JobDBPath != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("failed to release resources", slog.String("error", err.Error()))
		}
	}()

	handlers := server.NewHandlers(deps.Composer, logger,
		server.WithMusicLister(deps.Music),
		server.WithProcessCounter(deps.Processes),
		server.WithMaxUploadBytes(cfg.MaxUploadBytes()),
		server.WithEncoderTimeout(cfg.FFmpegTimeout),
	)
	routerCfg := server.DefaultConfig()
	if origins := cfg.Origins(); len(origins) > 0 {
		routerCfg.AllowedOrigins = origins
	}
	router := server.NewRouter(handlers, logger, routerCfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
		// Synchronous compositions extend their own deadline per image.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return deps.Processes.Sweep(gctx, cfg.SweepInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Background jobs are cancelled and record their failure before the
		// repository is closed.
		if werr := deps.Composer.Shutdown(shutdownCtx); werr != nil {
			logger.Warn("background jobs still running", slog.String("error", werr.Error()))
		}
		if n := deps.Processes.TerminateAll(); n > 0 {
			logger.Warn("terminated running encoders", slog.Int("count", n))
		}
		if err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped gracefully")
	return nil
}
