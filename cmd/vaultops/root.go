package main

import (
	"context"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vaultops/internal/chain"
	"vaultops/internal/config"
	"vaultops/internal/server"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "vaultops",
		Short:         "Sign and track vault deposits, withdrawals and locks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./configs/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(
		newServeCmd(opts),
		newExecCmd(opts),
		newListCmd(opts),
	)
	return cmd
}

// load reads .env and the config, then applies the log settings.
func (o *rootOptions) load(defaultFormat string) (*config.AppConfig, error) {
	if err := godotenv.Load(o.envFile); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("could not load env file")
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg.Log, defaultFormat); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig, defaultFormat string) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrap(err, "log.level")
	}
	logrus.SetLevel(level)

	format := cfg.Format
	if format == "" {
		format = defaultFormat
	}
	switch format {
	case "json":
		logrus.SetFormatter(new(logrus.JSONFormatter))
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("unknown log.format %q", format)
	}
	return nil
}

// closer releases a chain connection.
type closer func()

// openChain signs with the configured key, or runs against an in-memory
// chain when none is set.
func openChain(ctx context.Context, cfg *config.AppConfig) (server.Chain, closer, error) {
	if !cfg.Chain.Live() {
		if !common.IsHexAddress(cfg.Chain.FakeAccount) {
			return nil, nil, errors.Errorf("chain.fake_account: malformed address %q", cfg.Chain.FakeAccount)
		}
		logrus.Warn("no chain.private_key set; using the in-memory chain")
		return chain.NewFakeProvider(common.HexToAddress(cfg.Chain.FakeAccount)), func() {}, nil
	}

	p, err := chain.NewEthProvider(ctx, chain.EthProviderConfig{
		RPCURL:        cfg.Chain.RPCURL,
		PrivateKeyHex: cfg.Chain.PrivateKey,
		PollInterval:  cfg.Chain.PollInterval,
		Logger:        logrus.StandardLogger(),
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "chain provider")
	}
	if err := cfg.Resolved().VerifyDecimals(ctx, p); err != nil {
		p.Close()
		return nil, nil, err
	}
	logrus.WithFields(logrus.Fields{
		"account":  p.Address().Hex(),
		"chain_id": p.ChainID().String(),
	}).Info("connected to rpc")
	return p, p.Close, nil
}
