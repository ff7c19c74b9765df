/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"os"

	"github.com/baseapp/apiserver/config"
	"github.com/baseapp/apiserver/internal/mq"
	"github.com/baseapp/apiserver/internal/notify"
	"github.com/spf13/cobra"
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Delivers queued verification and reset emails",
	Long: `Consumes notifications published by the API server and hands them to
the email sender. Requires MQ_BACKEND to name a shared broker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := newLogger(cfg)
		ctx := cmd.Context()

		if cfg.MQ.Backend == mq.BackendMemory {
			return errors.New("the memory queue only lives inside the server process")
		}
		queue, err := mq.Open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if queue == nil {
			return errors.New("MQ_BACKEND is none, nothing to consume")
		}
		defer queue.Close()

		worker := notify.NewWorker(queue, cfg.MQ.NotificationChannel, notify.NewConsoleSender(os.Stdout), logger)
		return worker.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
