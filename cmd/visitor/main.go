package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/model/envelope"
	"github.com/zhouzirui/visitor-relay/pkg/relayclient"
)

var (
	relayURL    string
	maxAttempts int
	retryDelay  time.Duration
	verbose     bool

	rootCmd = &cobra.Command{
		Use:   "visitor",
		Short: "Chat with the operator from a terminal",
		Long:  `Connects to a relay as a visitor. Each line read from stdin is sent to the operator; replies are printed as they arrive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.Flags().StringVar(&relayURL, "url", "ws://localhost:8080/ws", "relay websocket URL")
	rootCmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "consecutive failed dials before giving up")
	rootCmd.Flags().DurationVar(&retryDelay, "retry-delay", 3*time.Second, "delay between reconnect attempts")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log connection details to stderr")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	zl := zap.NewNop()
	if verbose {
		var err error
		if zl, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	defer zl.Sync()

	client := relayclient.New(relayclient.Options{
		URL:         relayURL,
		MaxAttempts: maxAttempts,
		RetryDelay:  retryDelay,
		Logger:      zl,
		OnMessage: func(chat envelope.Chat) {
			fmt.Printf("operator: %s\n", chat.Content)
		},
		OnError: func(msg string) {
			fmt.Fprintf(os.Stderr, "relay: %s\n", msg)
		},
		OnStateChange: func(s relayclient.State) {
			fmt.Fprintf(os.Stderr, "[%s]\n", s)
		},
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			err := client.SendWhenConnected(scanner.Text())
			switch {
			case errors.Is(err, relayclient.ErrEmptyMessage):
			case err != nil:
				fmt.Fprintf(os.Stderr, "not sent: %v\n", err)
			}
		}
		cancel()
	}()

	err := client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
