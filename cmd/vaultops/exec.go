package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"vaultops/internal/actions"
	"vaultops/internal/amount"
	"vaultops/internal/balance"
	"vaultops/internal/config"
	"vaultops/internal/server"
	"vaultops/internal/txrunner"
	"vaultops/internal/txstatus"
)

var errAborted = errors.New("aborted by user")

type execOptions struct {
	vault     string
	operation string
	amount    string
	max       bool
	yes       bool
}

func newExecCmd(root *rootOptions) *cobra.Command {
	opts := &execOptions{}

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Sign and submit one action, then wait for its receipt",
		Example: `  vaultops exec --vault yvusdc --op deposit --amount 100.5
  vaultops exec --vault yvusdc --op withdraw --max --yes
  vaultops exec --vault vecrv --op claim`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load("text")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ch, closeChain, err := openChain(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeChain()

			confirm := confirmFunc(opts.yes)
			res, err := runAction(ctx, cfg, ch, *opts, confirm, logrus.StandardLogger())
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			if !res.OK() {
				return res.Err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.vault, "vault", "", "registered vault name")
	cmd.Flags().StringVar(&opts.operation, "op", "", "operation: deposit, withdraw, lock or claim")
	cmd.Flags().StringVar(&opts.amount, "amount", "", "amount in token units, e.g. 100.5")
	cmd.Flags().BoolVar(&opts.max, "max", false, "spend the whole balance")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "skip the confirmation prompt")
	_ = cmd.MarkFlagRequired("vault")
	_ = cmd.MarkFlagRequired("op")
	cmd.MarkFlagsMutuallyExclusive("amount", "max")
	return cmd
}

// confirmer asks before anything is signed.
type confirmer func(summary string) error

func confirmFunc(skip bool) confirmer {
	if skip || !term.IsTerminal(int(os.Stdin.Fd())) {
		return func(string) error { return nil }
	}
	return func(summary string) error {
		prompt := promptui.Prompt{
			Label:     summary,
			IsConfirm: true,
		}
		if _, err := prompt.Run(); err != nil {
			if err == promptui.ErrAbort || err == promptui.ErrInterrupt || err == promptui.ErrEOF {
				return errAborted
			}
			return err
		}
		return nil
	}
}

type execResult struct {
	action actions.Action
	amount *amount.Amount
	status txstatus.Status
	txrunner.Result
}

func runAction(ctx context.Context, cfg *config.AppConfig, ch server.Chain, opts execOptions, confirm confirmer, logger logrus.FieldLogger) (execResult, error) {
	action, err := actions.NewCatalog(cfg.Resolved()).Resolve(opts.vault, opts.operation)
	if err != nil {
		return execResult{}, err
	}
	cache := balance.NewCache(ch, ch.Address(), logger)

	var amt *amount.Amount
	switch {
	case !action.NeedsAmount():
		if opts.amount != "" || opts.max {
			return execResult{}, errors.Errorf("%s takes no amount", action.Operation)
		}
	case opts.max:
		if !action.SupportsMax() {
			return execResult{}, actions.ErrMaxUnsupported
		}
		if err := cache.Refresh(ctx, action.MaxSource); err != nil {
			return execResult{}, err
		}
		entry, _ := cache.Get(action.MaxSource)
		a := amount.FromBalance(entry.Raw, action.Decimals)
		amt = &a
	case opts.amount != "":
		a, ok := amount.FromInput(opts.amount, action.Decimals)
		if !ok {
			return execResult{}, errors.Errorf("invalid amount %q", opts.amount)
		}
		amt = &a
	}

	summary := fmt.Sprintf("%s on %s from %s", action.Operation, action.Vault.Name, ch.Address().Hex())
	if amt != nil {
		summary = fmt.Sprintf("%s %s on %s from %s", action.Operation, amt, action.Vault.Name, ch.Address().Hex())
	}
	if err := confirm(summary); err != nil {
		return execResult{}, err
	}

	bound, err := action.Bind()
	if err != nil {
		return execResult{}, err
	}
	runner, err := txrunner.New(ch, bound, txrunner.Options{
		Validate:       action.Preflight(ch, ch.Address(), nil),
		OnSuccess:      action.RefreshAfter(cache),
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		Logger:         logger.WithField("vault", action.Vault.Name),
	})
	if err != nil {
		return execResult{}, err
	}

	tracker := txstatus.NewTracker()
	res := runner.Execute(ctx, tracker, amt)
	return execResult{action: action, amount: amt, status: tracker.Get(), Result: res}, nil
}

func printResult(w io.Writer, res execResult) {
	label := color.New(color.FgGreen, color.Bold)
	if !res.OK() {
		label = color.New(color.FgRed, color.Bold)
	}
	label.Fprintf(w, "%s\n", res.status)

	fmt.Fprintf(w, "  vault:     %s\n", res.action.Vault.Name)
	fmt.Fprintf(w, "  operation: %s\n", res.action.Operation)
	if res.amount != nil {
		fmt.Fprintf(w, "  amount:    %s\n", res.amount.String())
	}
	if res.TxHash != (common.Hash{}) {
		fmt.Fprintf(w, "  tx:        %s\n", res.TxHash.Hex())
	}
	if res.Receipt != nil && res.Receipt.BlockNumber != nil {
		fmt.Fprintf(w, "  block:     %s (gas %d)\n", res.Receipt.BlockNumber, res.Receipt.GasUsed)
	}
	if res.Err != nil {
		color.New(color.FgYellow).Fprintf(w, "  %s: %v\n", res.Kind(), res.Err)
	}
}
