// Package main запускает HTTP-сервер сервиса выставления счетов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/invoicing-system/internal/config"
	"github.com/mmeshcher/invoicing-system/internal/credential"
	"github.com/mmeshcher/invoicing-system/internal/crypto"
	"github.com/mmeshcher/invoicing-system/internal/handler"
	"github.com/mmeshcher/invoicing-system/internal/invoicepdf"
	"github.com/mmeshcher/invoicing-system/internal/limiter"
	"github.com/mmeshcher/invoicing-system/internal/mailer"
	"github.com/mmeshcher/invoicing-system/internal/metrics"
	"github.com/mmeshcher/invoicing-system/internal/middleware"
	"github.com/mmeshcher/invoicing-system/internal/oauth"
	"github.com/mmeshcher/invoicing-system/internal/repository"
	"github.com/mmeshcher/invoicing-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	policy, err := limiter.ParsePolicy(cfg.SendRecordPolicy)
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	enc, err := crypto.NewAESEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		sugar.Fatalw("token encryption initialization error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, enc)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	oauthClient := oauth.NewClient(cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret)
	lifecycle := credential.NewLifecycle(repo, oauthClient,
		credential.WithTimeout(cfg.ExternalTimeout),
		credential.WithLogger(logger.Named("credential")),
		credential.WithObserver(m),
	)

	sender := mailer.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, logger.Named("mailer"))

	svc := service.NewService(repo, lifecycle, sender, invoicepdf.NewRenderer(),
		service.Config{
			Provider:    cfg.OAuthProvider,
			MaxSends:    cfg.MaxSendAttempts,
			Policy:      policy,
			SendTimeout: cfg.ExternalTimeout,
		},
		service.WithLogger(logger.Named("service")),
		service.WithMetrics(m),
	)
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is empty, sessions will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret, middleware.DefaultAuthTTL)
	h := handler.NewHandler(svc, logger, authMiddleware, m)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting invoicing server",
			"addr", cfg.RunAddress,
			"provider", cfg.OAuthProvider,
			"maxSendAttempts", cfg.MaxSendAttempts,
			"recordPolicy", policy,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ExternalTimeout+5*time.Second)
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
