package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wirebench/wirebench-go/internal/dataset"
	"github.com/wirebench/wirebench-go/messaging"
	"github.com/wirebench/wirebench-go/substrate"
)

func main() {
	var (
		service     string
		dataPath    string
		reportPath  string
		receivers   int
		async       bool
		concurrency int
		batchSize   int
		timeout     time.Duration
		noAck       bool
		host        string
		port        int
		verbose     bool
	)

	rootCmd := &cobra.Command{
		Use:   "bench-sender",
		Short: "Send the test data set through one substrate and report statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			records, err := dataset.Load(dataPath)
			if err != nil {
				return err
			}
			msgs, err := buildBatch(records, receivers)
			if err != nil {
				return err
			}

			opts := []substrate.Option{
				substrate.WithReceiverCount(receivers),
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

			batchOpts := messaging.BatchOptions{WaitForAck: !noAck, Timeout: timeout}
			logger.Info("run starting",
				"service", service, "messages", len(msgs), "async", async, "receivers", receivers)

			var report messaging.Report
			if async {
				sender := messaging.NewAsyncSender(binding,
					messaging.WithConcurrency(concurrency),
					messaging.WithBatchSize(batchSize),
					messaging.WithAsyncLogger(logger))
				defer sender.Disconnect()
				report = sender.RunPerformanceTest(ctx, msgs, batchOpts)
			} else {
				sender := messaging.NewSender(binding, messaging.WithSenderLogger(logger))
				defer sender.Disconnect()
				report = sender.RunPerformanceTest(ctx, msgs, batchOpts)
			}

			if err := messaging.AppendReportLine(reportPath, report); err != nil {
				return err
			}

			// The harness streams stdout; the report line goes there too.
			line, err := json.Marshal(report)
			if err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			fmt.Println(string(line))
			return nil
		},
	}

	rootCmd.Flags().StringVar(&service, "service", substrate.ServiceRabbitMQ,
		fmt.Sprintf("substrate to send on (%v)", substrate.Services()))
	rootCmd.Flags().StringVar(&dataPath, "data", "test_data.json", "test data file")
	rootCmd.Flags().StringVar(&reportPath, "report", "report.txt", "report file to append to")
	rootCmd.Flags().IntVar(&receivers, "receivers", 3, "receiver fleet size for target assignment")
	rootCmd.Flags().BoolVar(&async, "async", false, "dispatch sends concurrently")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", messaging.DefaultConcurrency, "in-flight send bound for --async")
	rootCmd.Flags().IntVar(&batchSize, "batch-size", 0, "split the run into waves of this size (0 = one wave)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", messaging.DefaultAckTimeout, "per-message acknowledgment timeout")
	rootCmd.Flags().BoolVar(&noAck, "no-ack", false, "fire and forget, skip acknowledgments")
	rootCmd.Flags().StringVar(&host, "host", "", "broker host override")
	rootCmd.Flags().IntVar(&port, "port", 0, "broker base port override")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildBatch maps the ordered records onto the receiver fleet, wrapping
// each target modulo the fleet size.
func buildBatch(records []dataset.Record, receivers int) ([]messaging.BatchMessage, error) {
	if receivers <= 0 {
		return nil, errors.New("--receivers must be positive")
	}
	msgs := make([]messaging.BatchMessage, len(records))
	for i, rec := range records {
		msgs[i] = messaging.BatchMessage{
			MessageID: rec.MessageID,
			Target:    rec.Target % receivers,
			Topic:     rec.Topic,
			Payload:   rec.Payload,
			Metadata:  rec.Metadata,
		}
	}
	return msgs, nil
}
