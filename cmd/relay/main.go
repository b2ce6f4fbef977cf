package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/config"
	"github.com/zhouzirui/visitor-relay/internal/handler"
	"github.com/zhouzirui/visitor-relay/internal/handler/relay"
	"github.com/zhouzirui/visitor-relay/internal/handler/webhook"
	"github.com/zhouzirui/visitor-relay/internal/metrics"
	"github.com/zhouzirui/visitor-relay/internal/service/correlation"
	"github.com/zhouzirui/visitor-relay/internal/service/session"
	"github.com/zhouzirui/visitor-relay/internal/service/supervisor"
	"github.com/zhouzirui/visitor-relay/internal/service/telegram"
	"github.com/zhouzirui/visitor-relay/pkg/logger"
)

var version = "dev"

var (
	envFile string
	addr    string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of relay",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay version %s\n", version)
		},
	}

	rootCmd = &cobra.Command{
		Use:   "relay",
		Short: "Visitor chat relay",
		Long:  `Relays website visitor chat to an operator Telegram chat and routes replies back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to a .env file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides PORT")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if err := godotenv.Load(envFile); err != nil {
		log.Printf("warning: failed to load %s: %v", envFile, err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	zl, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zl.Sync()

	m := metrics.New("relay")

	table, err := correlation.NewTable(zl, cfg.Correlation)
	if err != nil {
		zl.Error("failed to initialise correlation store", zap.Error(err))
		return err
	}
	if closer, ok := table.(io.Closer); ok {
		defer closer.Close()
	}

	registry := session.NewRegistry(zl, table, session.WithMetrics(m))
	sup := supervisor.New(zl, registry, m, supervisor.Options{
		HeartbeatInterval:   cfg.Relay.HeartbeatInterval,
		SweepInterval:       cfg.Relay.SweepInterval,
		InactivityThreshold: cfg.Relay.InactivityThreshold,
	})

	botClient := telegram.NewClient(zl, cfg.Telegram)
	gateway := telegram.NewGateway(zl, botClient, table, registry, m, cfg.Telegram.ChatID)

	router := handler.NewRouter(handler.Deps{
		Logger:   zl,
		Sessions: registry,
		Metrics:  m,
		WebSocket: relay.NewWebSocketHandler(zl, registry, gateway, sup, m, relay.Options{
			AllowedOrigins:  cfg.Server.AllowedOrigins,
			WriteTimeout:    cfg.Relay.WriteTimeout,
			MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		}),
		Webhook:        webhook.New(zl, gateway, cfg.Telegram.WebhookSecret),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	supCtx, cancelSup := context.WithCancel(ctx)
	supDone := make(chan struct{})
	go func() {
		sup.Run(supCtx)
		close(supDone)
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	zl.Info("relay listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("version", version),
		zap.String("correlation_store", cfg.Correlation.Store))

	err = runServer(ctx, srv, registry)

	cancelSup()
	<-supDone
	if err != nil {
		zl.Error("server error", zap.Error(err))
		return err
	}
	zl.Info("relay stopped")
	return nil
}

// runServer serves until ctx is cancelled, then closes every visitor session
// and drains in-flight requests. Hijacked websocket connections are not
// tracked by Shutdown, so the registry closes them first.
func runServer(ctx context.Context, srv *http.Server, registry *session.Registry) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		registry.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
