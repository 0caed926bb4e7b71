// Package main запускает HTTP-сервер сервиса баллов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/points-system/internal/config"
	"github.com/mmeshcher/points-system/internal/handler"
	"github.com/mmeshcher/points-system/internal/limits"
	"github.com/mmeshcher/points-system/internal/repository"
	"github.com/mmeshcher/points-system/internal/service"
	"github.com/mmeshcher/points-system/internal/sweep"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	lim := limits.NewService(repo, limits.Defaults{
		MinAwardAmount:      cfg.MinAwardAmount,
		MaxAwardAmount:      cfg.MaxAwardAmount,
		MaxBalancePerMember: cfg.MaxBalancePerMember,
		DefaultExpiryDays:   cfg.DefaultExpiryDays,
		MinExpiryDays:       cfg.MinExpiryDays,
		MaxExpiryDays:       cfg.MaxExpiryDays,
	})
	if err := lim.Seed(context.Background()); err != nil {
		sugar.Fatalw("configuration seed error", "error", err.Error())
	}

	svc := service.NewService(repo, lim, logger)

	sweeper := sweep.NewSweeper(repo, cfg.SweepInterval, logger)

	h := handler.NewHandler(svc, lim, logger)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового процесса пометки просроченных партий
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting points server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
