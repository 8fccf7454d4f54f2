package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"vaultops/internal/actions"
)

func newListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered vaults and their operations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load("text")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			bold := color.New(color.Bold)
			for _, v := range cfg.Resolved().Vaults() {
				bold.Fprintf(out, "%s", v.Name)
				fmt.Fprintf(out, " (%s, %s) %s\n", v.Kind, v.Token.Symbol, v.Address.Hex())
				fmt.Fprintf(out, "  operations: %s\n", strings.Join(actions.Operations(v.Kind), ", "))
			}
			return nil
		},
	}
}
