package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"FlowChat/controllers"
	"FlowChat/middleware"
	"FlowChat/pkg/config"
	"FlowChat/pkg/flow"
	"FlowChat/pkg/logger"
	"FlowChat/pkg/resumable"
	"FlowChat/pkg/store"
	"FlowChat/routes"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "flowchat",
	Short:        "flowchat relays chat turns to a Langflow flow and streams the answers",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, logger.New(cfg.IsProduction))
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the message table and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.New(cfg.IsProduction)
		db, err := store.Open(cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		if err := store.Migrate(db); err != nil {
			return err
		}
		log.Info().Msg("migrations completed")
		return store.New(db).Close()
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	return cfg, errors.Wrap(err, "load config")
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	db, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		return err
	}
	st := store.New(db, store.WithHistoryCache(cfg.HistoryCacheMaxItems, time.Duration(cfg.HistoryCacheTTLSeconds)*time.Second))
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
	}()

	fc, err := flow.NewClient(flow.Config{
		BaseURL: cfg.LangflowBaseURL,
		FlowID:  cfg.LangflowFlowID,
		APIKey:  cfg.LangflowAPIKey,
		Stream:  cfg.LangflowStream,
	}, flow.WithLogger(log.With().Str("component", "flow").Logger()))
	if err != nil {
		return err
	}

	registry := resumable.Disabled()
	if cfg.ResumeEnabled() {
		r, err := resumable.NewRedis(ctx, cfg.RedisURL, log)
		if err != nil {
			return err
		}
		registry = r
		log.Info().Msg("connected to Redis, streams are resumable")
	} else {
		log.Info().Msg("resumable streams are disabled due to missing REDIS_URL")
	}
	defer func() {
		if err := registry.Close(); err != nil {
			log.Error().Err(err).Msg("registry close error")
		}
	}()

	middleware.SetRateLimitConfig(
		time.Duration(cfg.RateLimitWindowSeconds)*time.Second,
		cfg.RateLimitCapacity,
		cfg.SessionConcurrencyLimit,
	)

	h := controllers.NewChat(st, fc, registry, cfg, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routes.NewEngine(cfg, h, log),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// no WriteTimeout: answers are streamed for as long as the flow runs
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.AppEnv).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutdownCtx), "shutdown")
	})
	err = eg.Wait()
	log.Info().Msg("server shutdown complete")
	return err
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (env vars take precedence)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
