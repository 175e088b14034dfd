// Package main запускает HTTP-сервер сервиса FLUX.
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

	"github.com/mmeshcher/flux-system/internal/config"
	"github.com/mmeshcher/flux-system/internal/handler"
	"github.com/mmeshcher/flux-system/internal/middleware"
	"github.com/mmeshcher/flux-system/internal/notifier"
	"github.com/mmeshcher/flux-system/internal/realtime"
	"github.com/mmeshcher/flux-system/internal/repository"
	"github.com/mmeshcher/flux-system/internal/service"
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

	// Брокер уведомлений опционален: без него коды доставок передаёт
	// компания вручную через API.
	var codeNotifier service.Notifier
	if cfg.AMQPURI != "" {
		n, err := notifier.New(cfg.AMQPURI, logger)
		if err != nil {
			sugar.Fatalw("notifier initialization error", "error", err.Error())
		}
		defer n.Close()
		codeNotifier = n
	}

	hub := realtime.NewHub(logger)

	svc := service.NewService(repo, codeNotifier, hub)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, hub)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting flux server", "addr", cfg.RunAddress)
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
