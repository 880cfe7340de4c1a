package app

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage tier names accepted in Config.
const (
	TierFile     = "file"
	TierMemory   = "memory"
	TierRedis    = "redis"
	TierVault    = "vault"
	TierPostgres = "postgres"
	TierNone     = "none"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	Home           string        `mapstructure:"home"`      // state directory, e.g. $HOME/.cipherlink
	RelayURL       string        `mapstructure:"relay_url"` // key directory base URL
	Username       string        `mapstructure:"username"`
	DeviceName     string        `mapstructure:"device_name"`
	FastTier       string        `mapstructure:"fast_tier"`    // file | memory | redis
	DurableTier    string        `mapstructure:"durable_tier"` // vault | postgres | none
	RedisURL       string        `mapstructure:"redis_url"`
	PostgresDSN    string        `mapstructure:"postgres_dsn"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Retries        int           `mapstructure:"retries"`
	Debug          bool          `mapstructure:"debug"`

	// Passphrase seals the durable tier. Flag or environment only.
	Passphrase string `mapstructure:"-"`
	// HTTP is optional; defaults to a client with RequestTimeout.
	HTTP *http.Client `mapstructure:"-"`
}

// NewViper returns a viper instance with defaults, CIPHERLINK_* environment
// overrides and, if found, the config file. configFile may be empty, in
// which case cipherlink.yaml is looked up in the home directory and ".".
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	home := defaultHome()
	v.SetDefault("home", home)
	v.SetDefault("relay_url", "http://127.0.0.1:8080")
	v.SetDefault("username", "")
	v.SetDefault("device_name", hostname())
	v.SetDefault("fast_tier", TierFile)
	v.SetDefault("durable_tier", TierVault)
	v.SetDefault("redis_url", "")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("request_timeout", 5*time.Second)
	v.SetDefault("retries", 2)
	v.SetDefault("debug", false)

	v.SetEnvPrefix("CIPHERLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("passphrase")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("cipherlink")
		v.SetConfigType("yaml")
		v.AddConfigPath(home)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// LoadConfig decodes and validates the configuration held by v.
func LoadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if v.InConfig("passphrase") {
		return Config{}, errors.New("passphrase must not be stored in the config file")
	}
	cfg.Passphrase = v.GetString("passphrase")
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks tier names and the settings each tier needs.
func (c Config) Validate() error {
	switch c.FastTier {
	case TierFile, TierMemory:
	case TierRedis:
		if c.RedisURL == "" {
			return errors.New("fast_tier redis needs redis_url")
		}
	default:
		return fmt.Errorf("unknown fast_tier %q", c.FastTier)
	}
	switch c.DurableTier {
	case TierVault, TierNone:
	case TierPostgres:
		if c.PostgresDSN == "" {
			return errors.New("durable_tier postgres needs postgres_dsn")
		}
		if c.Passphrase == "" {
			return errors.New("durable_tier postgres needs a passphrase (-p or CIPHERLINK_PASSPHRASE)")
		}
	default:
		return fmt.Errorf("unknown durable_tier %q", c.DurableTier)
	}
	if c.RequestTimeout < 0 || c.Retries < 0 {
		return errors.New("request_timeout and retries must not be negative")
	}
	return nil
}

func defaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".cipherlink"
	}
	return filepath.Join(dir, ".cipherlink")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "cli"
	}
	return h
}
