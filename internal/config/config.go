// Package config loads fax-engine settings from defaults, an optional
// config file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Config is the complete service configuration
type Config struct {
	Server       ServerConfig   `mapstructure:"server"`
	ESPSecretKey string         `mapstructure:"esp_secret_key"`
	Database     DatabaseConfig `mapstructure:"database"`
	MQTT         MQTTConfig     `mapstructure:"mqtt"`
	Recipe       RecipeConfig   `mapstructure:"recipe"`
	Timezone     string         `mapstructure:"timezone"`
	Auth         AuthConfig     `mapstructure:"auth"`
	Registry     RegistryConfig `mapstructure:"registry"`
	Log          LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // extra browser origins for /ws
}

// DatabaseConfig configures the script store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// MQTTConfig configures the broadcast broker
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Topic          string        `mapstructure:"topic"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// RecipeConfig configures the recipe provider
type RecipeConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuthConfig configures the session gate
type AuthConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	CookieName  string `mapstructure:"cookie_name"`
	CookieValue string `mapstructure:"cookie_value"`
}

// RegistryConfig configures the device registry
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// DefaultPort is the default HTTP port
const DefaultPort = 12212

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("esp_secret_key", "")
	v.SetDefault("database.path", "fax.db")
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "fax/all")
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.publish_timeout", 10*time.Second)
	v.SetDefault("recipe.url", "https://www.themealdb.com/api/json/v1/1/random.php")
	v.SetDefault("recipe.timeout", 7*time.Second)
	v.SetDefault("timezone", "America/Los_Angeles")
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.cookie_name", "auth")
	v.SetDefault("auth.cookie_value", "ok")
	v.SetDefault("registry.path", "device_registry.json")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	cfg, err := load(viper.New(), "")
	if err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load reads configuration. configFile may be empty. Environment variables
// use the FAX_ prefix with '.' replaced by '_' (FAX_MQTT_BROKER); the
// legacy ESP_SECRET_KEY and SERVER_PORT names are honored too.
func Load(configFile string) (*Config, error) {
	return load(viper.New(), configFile)
}

func load(v *viper.Viper, configFile string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("FAX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("esp_secret_key", "FAX_ESP_SECRET_KEY", "ESP_SECRET_KEY")
	_ = v.BindEnv("server.port", "FAX_SERVER_PORT", "SERVER_PORT")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.MQTT.Topic == "" {
		return errors.New("mqtt.topic is required")
	}
	if c.Recipe.Timeout <= 0 {
		return fmt.Errorf("invalid recipe.timeout: %s", c.Recipe.Timeout)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
