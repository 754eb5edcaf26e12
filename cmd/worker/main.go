package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lexa946/downloader-video/internal/config"
	"github.com/lexa946/downloader-video/internal/media"
	"github.com/lexa946/downloader-video/internal/provider"
	"github.com/lexa946/downloader-video/internal/queue"
	"github.com/lexa946/downloader-video/internal/store"
	"github.com/lexa946/downloader-video/internal/worker"
)

func main() {
	// Initialize structured logging with JSON handler
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Received signal, shutting down gracefully", "signal", sig)
		cancel()
	}()

	st, err := store.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to connect to task store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	q, err := queue.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to connect to download queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	ffmpeg := media.New(cfg.FFmpegPath)
	registry := provider.NewRegistry(
		provider.NewVK(ffmpeg),
		provider.NewRuTube(ffmpeg),
		provider.NewTikTok(ffmpeg),
		provider.NewYouTube(ffmpeg),
		provider.NewInstagram(ffmpeg, cfg.InstagramCookieFile),
	)

	w := worker.New(st, q, registry, ffmpeg, cfg)
	if err := w.Run(ctx); err != nil {
		slog.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Worker exited gracefully")
}
