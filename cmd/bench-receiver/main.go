package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wirebench/wirebench-go/messaging"
	"github.com/wirebench/wirebench-go/substrate"
)

func main() {
	var (
		service        string
		id             int
		async          bool
		workers        int
		host           string
		port           int
		handlerTimeout time.Duration
		verbose        bool
	)

	rootCmd := &cobra.Command{
		Use:   "bench-receiver",
		Short: "Consume benchmark messages for one target identity and acknowledge each",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id < 0 {
				return errors.New("--id is required and must be >= 0")
			}
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			opts := []substrate.Option{
				substrate.WithReceiverID(id),
				substrate.WithLogger(logger),
			}
			if host != "" {
				opts = append(opts, substrate.WithHost(host))
			}
			if port > 0 {
				opts = append(opts, substrate.WithBasePort(port))
			}
			binding, err := substrate.New(service, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			interceptors := []messaging.Interceptor{
				messaging.NewTimeoutInterceptor(handlerTimeout),
			}
			if verbose {
				interceptors = append(interceptors, messaging.NewLoggingInterceptor(logger))
			}
			recvOpts := []messaging.ReceiverOption{
				messaging.WithReceiverLogger(logger),
				messaging.WithInterceptors(interceptors...),
			}

			if async {
				recv := messaging.NewAsyncReceiver(binding, id, workers, recvOpts...)
				if err := recv.Connect(ctx); err != nil {
					return fmt.Errorf("connect %s: %w", service, err)
				}
				err = recv.Run(ctx)
			} else {
				recv := messaging.NewReceiver(binding, id, recvOpts...)
				if err := recv.Connect(ctx); err != nil {
					return fmt.Errorf("connect %s: %w", service, err)
				}
				err = recv.Run(ctx)
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	rootCmd.Flags().StringVar(&service, "service", substrate.ServiceRabbitMQ,
		fmt.Sprintf("substrate to receive on (%v)", substrate.Services()))
	rootCmd.Flags().IntVar(&id, "id", -1, "receiver target identity (required)")
	rootCmd.Flags().BoolVar(&async, "async", false, "handle messages with a worker pool")
	rootCmd.Flags().IntVar(&workers, "workers", 4, "worker pool size for --async")
	rootCmd.Flags().StringVar(&host, "host", "", "broker host override")
	rootCmd.Flags().IntVar(&port, "port", 0, "broker base port override")
	rootCmd.Flags().DurationVar(&handlerTimeout, "handler-timeout", 30*time.Second, "per-message handler timeout")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
