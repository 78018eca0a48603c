// Package main запускает HTTP-сервер сервиса marketpay.
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
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/marketpay/internal/config"
	"github.com/mmeshcher/marketpay/internal/escrow"
	"github.com/mmeshcher/marketpay/internal/gateway"
	"github.com/mmeshcher/marketpay/internal/handler"
	"github.com/mmeshcher/marketpay/internal/ledger"
	"github.com/mmeshcher/marketpay/internal/middleware"
	"github.com/mmeshcher/marketpay/internal/repository"
	"github.com/mmeshcher/marketpay/internal/service"
	"github.com/mmeshcher/marketpay/internal/webhook"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	var store repository.Store
	if cfg.DatabaseURI != "" {
		store, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory store")
		store = repository.NewMemoryRepository()
	}

	if cfg.PaystackSecretKey == "" {
		sugar.Warn("PAYSTACK_SECRET_KEY is empty, gateway calls and webhooks will be rejected")
	}
	gw := gateway.NewClient(cfg.PaystackBaseURL, cfg.PaystackSecretKey, cfg.GatewayTimeout)

	wallets := ledger.NewManager(store)
	escrows := escrow.NewEngine(store, wallets, logger.Named("escrow"))

	svc := service.NewService(store, wallets, escrows, gw, logger.Named("settlement"), service.Options{
		FeePercent:            cfg.FeePercent,
		GatewayTimeout:        cfg.GatewayTimeout,
		WithdrawalGracePeriod: cfg.WithdrawalGracePeriod,
		RecoveryInterval:      cfg.RecoveryInterval,
	})
	defer svc.Close()

	ingestor := webhook.NewIngestor(store, wallets, gw, svc, logger.Named("webhook"))

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, ingestor, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая компенсация выводов с неизвестным исходом
	g.Go(func() error {
		svc.StartWithdrawalRecovery(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting marketpay server", "addr", cfg.RunAddress)
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

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
