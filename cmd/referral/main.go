// Package main запускает HTTP-сервер реферальной системы.
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

	"github.com/mmeshcher/referral-system/internal/config"
	"github.com/mmeshcher/referral-system/internal/handler"
	"github.com/mmeshcher/referral-system/internal/middleware"
	"github.com/mmeshcher/referral-system/internal/notifier"
	"github.com/mmeshcher/referral-system/internal/repository"
	"github.com/mmeshcher/referral-system/internal/service"
)

// newRepository выбирает хранилище: PostgreSQL при заданном DATABASE_URI,
// иначе хранилище в памяти без персистентности между перезапусками.
func newRepository(cfg *config.Config, sugar *zap.SugaredLogger) (service.Repository, error) {
	if cfg.DatabaseURI == "" {
		sugar.Info("database URI is empty, using in-memory store")
		return repository.NewMemoryRepository(), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := newRepository(cfg, sugar)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}

	var payoutNotifier service.PayoutNotifier
	if cfg.WebhookAddress != "" {
		payoutNotifier = notifier.NewClient(cfg.WebhookAddress)
	}

	svc := service.NewService(repo, payoutNotifier)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой доставки уведомлений о начислениях
	g.Go(func() error {
		svc.StartPayoutNotifications(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting referral server", "addr", cfg.RunAddress)
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
