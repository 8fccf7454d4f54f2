package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vaultops/internal/idempotency"
	"vaultops/internal/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load("json")
			if err != nil {
				return err
			}
			gin.SetMode(gin.ReleaseMode)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := idempotency.Open(ctx, cfg.Store)
			if err != nil {
				return errors.Wrap(err, "idempotency store")
			}
			defer store.Close()

			ch, closeChain, err := openChain(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeChain()

			srv, err := server.NewServer(cfg, ch, store, logrus.StandardLogger())
			if err != nil {
				return err
			}

			if err := srv.Balances().Refresh(ctx, cfg.Resolved().TokenAddresses()...); err != nil {
				logrus.WithError(err).Warn("initial balance refresh incomplete")
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logrus.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
