package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CUPID"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DatabaseDriverSQLite
	defaultDatabasePath    = "cupid.db"
	defaultLogLevel        = "info"
	defaultTokenIssuer     = "cupid-auth"
	defaultBatchSize       = 500
	defaultLookbackBlocks  = 5_000_000
	defaultSyncConcurrency = 4
	defaultRetryInitial    = 2 * time.Second
	defaultRetryMax        = time.Minute
	defaultSendBuffer      = 64
)

const (
	// DatabaseDriverSQLite selects the embedded SQLite store.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects a PostgreSQL server reached through database.dsn.
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server and the chain synchronizer.
type AppConfig struct {
	HTTPAddress        string
	DatabaseDriver     string
	DatabasePath       string
	DatabaseDSN        string
	LogLevel           string
	SigningSecret      string
	TokenIssuer        string
	ChainWebsocketURL  string
	MatchMakingAddress string
	SoulboundAddress   string
	SyncBatchSize      uint64
	SyncLookback       uint64
	SyncConcurrency    int
	SyncRetryInitial   time.Duration
	SyncRetryMax       time.Duration
	AllowedOrigins     []string
	SendBuffer         int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("sync.batch_size", defaultBatchSize)
	configViper.SetDefault("sync.lookback_blocks", defaultLookbackBlocks)
	configViper.SetDefault("sync.concurrency", defaultSyncConcurrency)
	configViper.SetDefault("sync.retry_initial", defaultRetryInitial)
	configViper.SetDefault("sync.retry_max", defaultRetryMax)
	configViper.SetDefault("gateway.allowed_origins", []string{"*"})
	configViper.SetDefault("gateway.send_buffer", defaultSendBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenIssuer:        configViper.GetString("auth.issuer"),
		ChainWebsocketURL:  strings.TrimSpace(configViper.GetString("chain.ws_url")),
		MatchMakingAddress: normalizeAddress(configViper.GetString("chain.matchmaking_address")),
		SoulboundAddress:   normalizeAddress(configViper.GetString("chain.soulbound_address")),
		SyncBatchSize:      configViper.GetUint64("sync.batch_size"),
		SyncLookback:       configViper.GetUint64("sync.lookback_blocks"),
		SyncConcurrency:    configViper.GetInt("sync.concurrency"),
		SyncRetryInitial:   configViper.GetDuration("sync.retry_initial"),
		SyncRetryMax:       configViper.GetDuration("sync.retry_max"),
		AllowedOrigins:     configViper.GetStringSlice("gateway.allowed_origins"),
		SendBuffer:         configViper.GetInt("gateway.send_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.ChainWebsocketURL == "" {
		return fmt.Errorf("chain.ws_url is required")
	}
	if c.MatchMakingAddress == "" && c.SoulboundAddress == "" {
		return fmt.Errorf("at least one of chain.matchmaking_address or chain.soulbound_address is required")
	}
	if c.SyncBatchSize == 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive")
	}
	return nil
}

func normalizeAddress(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
