package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-bus"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/persistence"
	"github.com/glimte/mmate-bus/uri"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mmate-bus",
		Short: "Operate the mmate in-process message bus",
		Long: `mmate-bus inspects destinations, pings queues, recovers durable envelopes
and runs an in-process demo of the delivery engine. Configuration is read
from MMATE_* environment variables.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	logger := func() *slog.Logger {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	// Durable command
	durableCmd := &cobra.Command{
		Use:   "durable <address>...",
		Short: "Show whether destinations are durable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%-50s %-10s %-20s\n", "Address", "Scheme", "Mode")
			fmt.Println(strings.Repeat("-", 80))
			for _, address := range args {
				if _, err := uri.Parse(address); err != nil {
					return err
				}
				mode := "lightweight"
				if uri.IsDurable(address) {
					mode = "durable"
				}
				fmt.Printf("%-50s %-10s %-20s\n", truncate(address, 50), uri.Scheme(address), mode)
			}
			return nil
		},
	}

	// Ping command
	pingCmd := &cobra.Command{
		Use:   "ping <address>",
		Short: "Check that a destination accepts envelopes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := messaging.LoadConfig()
			if err != nil {
				return err
			}
			bus, closeBus, err := startBus(ctx, cfg, logger(), nil)
			if err != nil {
				return err
			}
			defer closeBus()

			start := time.Now()
			if err := bus.Ping(ctx, args[0]); err != nil {
				return fmt.Errorf("ping %s failed: %w", args[0], err)
			}
			fmt.Printf("%s accepted ping in %s\n", args[0], time.Since(start).Round(time.Microsecond))
			return nil
		},
	}

	// Recover command
	var (
		pebbleDir   string
		redisAddr   string
		deadLetters bool
	)
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "List envelopes waiting in a durable store",
		Long:  "List the pending envelopes of a pebble or Redis store, or its dead letters with --dead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := messaging.LoadConfig()
			if err != nil {
				return err
			}
			if pebbleDir != "" {
				cfg.PebbleDir = pebbleDir
			}
			if redisAddr != "" {
				cfg.RedisAddr = redisAddr
			}
			if cfg.PebbleDir == "" && cfg.RedisAddr == "" {
				return fmt.Errorf("a store is required: use --pebble-dir, --redis-addr or MMATE_PEBBLE_DIR")
			}

			store, err := cfg.OpenStore(logger())
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()

			if deadLetters {
				dead, err := store.DeadLetters(ctx)
				if err != nil {
					return fmt.Errorf("failed to read dead letters: %w", err)
				}
				printDeadLetters(dead)
				return nil
			}

			pending, err := store.RecoverPending(ctx)
			if err != nil {
				return fmt.Errorf("failed to read pending envelopes: %w", err)
			}
			printPending(pending)
			return nil
		},
	}
	recoverCmd.Flags().StringVar(&pebbleDir, "pebble-dir", "", "Pebble store directory")
	recoverCmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address of the store")
	recoverCmd.Flags().BoolVar(&deadLetters, "dead", false, "List dead letters instead of pending envelopes")

	// Demo command
	var (
		count   int
		threads int
	)
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run orders through a sequential and a parallel local queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := messaging.LoadConfig()
			if err != nil {
				return err
			}
			return runDemo(ctx, cfg, logger(), count, threads)
		},
	}
	demoCmd.Flags().IntVarP(&count, "count", "n", 10, "Number of orders to send")
	demoCmd.Flags().IntVarP(&threads, "threads", "t", 4, "Parallelism of the audit queue")

	// Health command
	var (
		destinations    []string
		deadLetterLimit int
	)
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check the store, the broker and destinations of a bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := messaging.LoadConfig()
			if err != nil {
				return err
			}
			client, err := startClient(ctx, cfg, logger(), nil,
				mmate.WithDeadLetterLimit(deadLetterLimit),
				mmate.WithHealthCheckers(health.NewMemoryChecker(512, 1024)),
			)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				client.Close(closeCtx)
			}()

			for _, address := range destinations {
				client.AddHealthCheckers(health.NewDestinationChecker(client.Bus(), address))
			}
			report := client.Health(ctx)
			printHealth(report)

			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("bus is unhealthy")
			}
			return nil
		},
	}
	healthCmd.Flags().StringSliceVarP(&destinations, "destination", "d", nil, "Extra destinations to ping")
	healthCmd.Flags().IntVar(&deadLetterLimit, "dead-letter-limit", 100, "Dead letters that degrade the store check, 0 disables")

	rootCmd.AddCommand(durableCmd, pingCmd, recoverCmd, healthCmd, demoCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// startBus builds a client from cfg and returns its started bus. The
// returned func closes the bus and then its store.
func startBus(ctx context.Context, cfg messaging.Config, logger *slog.Logger, configure func(*messaging.Options) error, options ...mmate.ClientOption) (*messaging.Bus, func(), error) {
	client, err := startClient(ctx, cfg, logger, configure, options...)
	if err != nil {
		return nil, nil, err
	}
	closeBus := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Error("failed to close client", "error", err)
		}
	}
	return client.Bus(), closeBus, nil
}

func startClient(ctx context.Context, cfg messaging.Config, logger *slog.Logger, configure func(*messaging.Options) error, options ...mmate.ClientOption) (*mmate.Client, error) {
	options = append([]mmate.ClientOption{mmate.WithLogger(logger), mmate.WithConfigure(configure)}, options...)
	return mmate.NewClientWithConfig(ctx, cfg, options...)
}

// Output formatting functions

func printPending(envs []*contracts.Envelope) {
	if len(envs) == 0 {
		fmt.Println("No pending envelopes")
		return
	}

	fmt.Printf("%-38s %-30s %-35s %-8s %-10s\n", "ID", "Message Type", "Destination", "Attempts", "Status")
	fmt.Println(strings.Repeat("-", 125))

	for _, env := range envs {
		fmt.Printf("%-38s %-30s %-35s %-8d %-10s\n",
			env.ID,
			truncate(env.MessageType, 30),
			truncate(env.Destination, 35),
			env.Attempts,
			env.Status,
		)
	}
}

func printDeadLetters(dead []persistence.DeadLetter) {
	if len(dead) == 0 {
		fmt.Println("No dead letters")
		return
	}

	for i, dl := range dead {
		fmt.Printf("Dead letter %d:\n", i+1)
		fmt.Printf("  ID: %s\n", dl.Envelope.ID)
		fmt.Printf("  Type: %s\n", dl.Envelope.MessageType)
		fmt.Printf("  Destination: %s\n", dl.Envelope.Destination)
		fmt.Printf("  Attempts: %d\n", dl.Envelope.Attempts)
		fmt.Printf("  Failed At: %s\n", dl.FailedAt.Format(time.RFC3339))
		fmt.Printf("  Exception: %s: %s\n", dl.ExceptionType, truncate(dl.ExceptionMessage, 100))
		fmt.Printf("  Body Preview: %s\n", truncate(string(dl.Envelope.Data), 100))
		fmt.Println(strings.Repeat("-", 60))
	}
}

func printHealth(report health.Report) {
	fmt.Printf("Overall: %s\n\n", report.Status)
	fmt.Printf("%-40s %-10s %-10s %s\n", "Check", "Status", "Duration", "Message")
	fmt.Println(strings.Repeat("-", 100))
	for _, c := range report.Checks {
		message := c.Message
		if c.Error != "" {
			message += ": " + c.Error
		}
		fmt.Printf("%-40s %-10s %-10s %s\n",
			truncate(c.Name, 40),
			c.Status,
			c.Duration.Round(time.Microsecond),
			truncate(message, 60),
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
