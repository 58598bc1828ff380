// Package main запускает HTTP-сервер сервиса authgate.
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

	"github.com/mmeshcher/authgate-system/internal/audit"
	"github.com/mmeshcher/authgate-system/internal/clock"
	"github.com/mmeshcher/authgate-system/internal/config"
	"github.com/mmeshcher/authgate-system/internal/handler"
	"github.com/mmeshcher/authgate-system/internal/identity"
	"github.com/mmeshcher/authgate-system/internal/middleware"
	"github.com/mmeshcher/authgate-system/internal/repository"
	"github.com/mmeshcher/authgate-system/internal/service"
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

	clk := clock.System{}

	auditLogger := audit.NewLogger(repo, logger, clk, cfg.AuditFlushInterval)

	identityClient := identity.NewClient(cfg.IdentityProviderAddress)

	svc := service.NewService(repo, identityClient, auditLogger, clk, logger, service.RateLimitPolicy{
		MaxAttempts: cfg.LoginMaxAttempts,
		Window:      cfg.LoginWindow,
		Block:       cfg.LoginBlock,
	})
	defer svc.Close()

	session := middleware.NewSessionMiddleware(cfg.SessionSecret)
	h := handler.NewHandler(svc, logger, session, clk)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового сброса буфера аудита
	auditLogger.Start(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting authgate server", "addr", cfg.RunAddress)
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

		// Остаток буфера аудита сбрасывается до закрытия пула БД.
		auditLogger.Stop()

		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
