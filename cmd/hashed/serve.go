package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/hashed-guard/internal/agent"
	"github.com/xela07ax/hashed-guard/internal/gateway"
	"github.com/xela07ax/hashed-guard/internal/infra/auth"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tool gateway with background policy sync and audit delivery",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Рантайм агента
	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Initialize(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}

	// 2. Шлюз
	opts := []gateway.Option{gateway.WithGatherer(a.Registry()), gateway.WithHealth(a.Health)}
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			_ = a.Shutdown(context.Background())
			return err
		}
		opts = append(opts, gateway.WithAuth(auth.NewRSAValidator(pub, auth.WithIssuer(cfg.Auth.Issuer), auth.WithLeeway(cfg.Auth.Leeway))))
	} else {
		logger.Warn("gateway auth disabled: set auth.public_key_path to require RS256 tokens")
	}
	gw := gateway.NewServer(a.Policy(), logger, opts...)

	tools, err := a.Tools()
	if err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}
	for name, op := range tools {
		gw.Register(name, op)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway started", zap.String("addr", srv.Addr), zap.Strings("tools", gw.Tools()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 3. Ждем сигнал или падение сервера
	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("gateway failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", zap.Error(err))
	}
	return errors.Join(serveErr, a.Shutdown(shutdownCtx))
}
