package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/thereceipt/fax-engine/internal/api"
	"github.com/thereceipt/fax-engine/internal/auth"
	"github.com/thereceipt/fax-engine/internal/broker"
	"github.com/thereceipt/fax-engine/internal/config"
	"github.com/thereceipt/fax-engine/internal/expand"
	"github.com/thereceipt/fax-engine/internal/logging"
	"github.com/thereceipt/fax-engine/internal/recipe"
	"github.com/thereceipt/fax-engine/internal/registry"
	"github.com/thereceipt/fax-engine/internal/store"
)

// Version is set during build via ldflags
var Version = "dev"

var (
	configFile string
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "fax-server",
		Short:         "Compiles fax scripts and delivers them to printers",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (yaml, toml or json)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	logger := logging.Default(cfg.Log.Level, cfg.Log.Pretty)
	logger.Info().Str("version", Version).Msg("fax engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scripts, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open script store: %w", err)
	}
	defer scripts.Close()

	publisher := connectBroker(ctx, cfg, logger)
	defer publisher.Close()

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load timezone: %w", err)
	}

	provider := recipe.NewMealDB(
		recipe.WithURL(cfg.Recipe.URL),
		recipe.WithTimeout(cfg.Recipe.Timeout),
	)
	pipeline := expand.New(provider, logger, expand.WithLocation(location))

	devices, err := registry.New(cfg.Registry.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open device registry: %w", err)
	}

	server := api.NewServer(pipeline, scripts, publisher, logger,
		api.WithSecret(cfg.ESPSecretKey),
		api.WithTopic(cfg.MQTT.Topic),
		api.WithGate(gateFor(cfg.Auth)),
		api.WithRegistry(devices),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
	)

	if cfg.ESPSecretKey == "" {
		logger.Warn().Msg("no device secret configured, script.txt is public")
	}

	if err := server.Run(ctx, cfg.Addr()); err != nil {
		return err
	}

	logger.Info().Msg("fax engine stopped")
	return nil
}

// connectBroker opens the broker connection. An unreachable broker is not
// fatal: the client keeps retrying and broadcasts fail until it connects.
func connectBroker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *broker.MQTT {
	publisher := broker.NewMQTT(broker.MQTTConfig{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		PublishTimeout: cfg.MQTT.PublishTimeout,
	}, logger)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.MQTT.ConnectTimeout)
	defer cancel()

	if err := publisher.Connect(connectCtx); err != nil {
		logger.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("broker unreachable, retrying in background")
	}

	return publisher
}

func gateFor(cfg config.AuthConfig) auth.Gate {
	if !cfg.Enabled {
		return auth.Open{}
	}
	return auth.CookieGate{Name: cfg.CookieName, Value: cfg.CookieValue}
}
