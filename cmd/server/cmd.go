package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"contoso.com/enterprise-chat-agent/internal/api"
	"contoso.com/enterprise-chat-agent/internal/config"
	"contoso.com/enterprise-chat-agent/internal/core"
	"contoso.com/enterprise-chat-agent/internal/logging"
	"contoso.com/enterprise-chat-agent/internal/store"
	"contoso.com/enterprise-chat-agent/internal/telemetry"
	"contoso.com/enterprise-chat-agent/internal/tools"
)

const shutdownTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	params := &struct {
		Port     string
		EnvFiles []string
	}{}
	cmd := &cobra.Command{
		Use:           "chat-agent",
		Short:         "Enterprise chat agent HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(params.EnvFiles...)
			if err != nil {
				return err
			}
			if params.Port != "" {
				cfg.HTTPPort = params.Port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&params.Port, "port", "p", "", "Port to listen on (overrides HTTP_PORT)")
	cmd.Flags().StringSliceVar(&params.EnvFiles, "env-file", nil, "Env files to load before reading the environment")

	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the service version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.Version)
		},
	}
}

func openContainer(cfg *config.Config, logger *slog.Logger) (store.Container, error) {
	switch cfg.StoreBackend {
	case config.BackendPebble:
		return store.NewPebbleContainer(cfg.PebbleDir, logger)
	default:
		return store.NewSQLiteContainer(cfg.DatabaseURL)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	shutdownTracing := telemetry.Setup(cfg.TracingEnabled, logger, config.Version)
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to shutdown tracer provider", "error", err)
		}
	}()

	container, err := openContainer(cfg, logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s store", cfg.StoreBackend)
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	kb, err := tools.LoadKnowledgeBase(cfg.KnowledgeBaseFile)
	if err != nil {
		return err
	}
	registry, err := tools.NewBuiltinRegistry(logger, tools.NewWeather(nil), kb)
	if err != nil {
		return err
	}

	chatService := core.NewChatService(
		store.NewConversationStore(container, logger),
		registry,
		core.KeywordPlanner{},
		logger,
	)
	router := api.NewRouter(
		api.NewAPIHandler(chatService, cfg.MessagePageLimit, logger),
		logger,
		api.RouterOptions{CORSAllowedOrigins: cfg.CORSAllowedOrigins},
	)

	addr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", "error", err)
		}
	}()

	logger.Info("server started",
		"addr", addr,
		"store_backend", cfg.StoreBackend,
		"tools", len(registry.Definitions()),
		"knowledge_entries", kb.Len(),
		"version", config.Version,
	)
	defer logger.Info("server stopped")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "could not listen on %s", addr)
	}
	<-shutdownDone
	return nil
}
