package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wirebench/wirebench-go/harness"
	"github.com/wirebench/wirebench-go/substrate"
)

func main() {
	var (
		services   []string
		asyncOnly  bool
		syncOnly   bool
		configDir  string
		receivers  int
		asyncRecvs int
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "bench-harness",
		Short: "Run benchmark scenarios across substrates and collect one report line per run",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			cfg, err := harness.LoadConfig(configDir)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("receivers") {
				cfg.Receivers = receivers
			}
			if cmd.Flags().Changed("async-receivers") {
				cfg.AsyncReceivers = asyncRecvs
			}

			for _, svc := range services {
				if _, err := substrate.New(svc); err != nil {
					return fmt.Errorf("unknown service %q, valid: %s",
						svc, strings.Join(substrate.Services(), ", "))
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			h := harness.New(cfg, logger)
			for _, svc := range services {
				for _, asyncSender := range senderModes(syncOnly, asyncOnly) {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					record, err := h.Run(ctx, harness.Scenario{
						Service:     svc,
						AsyncSender: asyncSender,
					})
					if err != nil {
						logger.Error("scenario failed", "service", svc, "error", err)
						continue
					}
					logger.Info("scenario recorded",
						"service", svc, "sender_mode", record["sender_mode"])
				}
			}
			return nil
		},
	}

	rootCmd.Flags().StringSliceVar(&services, "services", []string{substrate.ServiceRabbitMQ},
		"substrates to benchmark")
	rootCmd.Flags().BoolVar(&asyncOnly, "async-only", false, "run only the async sender mode")
	rootCmd.Flags().BoolVar(&syncOnly, "sync-only", false, "run only the sync sender mode")
	rootCmd.Flags().StringVar(&configDir, "config-dir", ".", "directory containing bench.yaml")
	rootCmd.Flags().IntVar(&receivers, "receivers", 3, "sync receiver count override")
	rootCmd.Flags().IntVar(&asyncRecvs, "async-receivers", 0, "async receiver count override")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func senderModes(syncOnly, asyncOnly bool) []bool {
	switch {
	case syncOnly:
		return []bool{false}
	case asyncOnly:
		return []bool{true}
	default:
		return []bool{false, true}
	}
}
