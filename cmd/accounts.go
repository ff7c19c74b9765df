/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/baseapp/apiserver/config"
	"github.com/baseapp/apiserver/internal/server"
	"github.com/baseapp/apiserver/internal/services"
	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Account maintenance",
}

var purgeUnverifiedCmd = &cobra.Command{
	Use:   "purge-unverified",
	Short: "Delete every account that never verified its email",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := newLogger(cfg)
		ctx := cmd.Context()

		accounts, err := server.OpenAccountStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer accounts.Close()

		n, err := services.NewAccountService(accounts.Repo, logger).PurgeUnverified(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d unverified accounts\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(purgeUnverifiedCmd)
}
