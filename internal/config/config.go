package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/lazuardy/storefront/internal/log"
)

type Application struct {
	Env       string `mapstructure:"env"        json:"env"`
	Host      string `mapstructure:"host"       json:"host"`
	SecretKey string `mapstructure:"secret_key" json:"-"`
	Port      int    `mapstructure:"port"       json:"port"`
}

type Database struct {
	Name           string `mapstructure:"name"            json:"name"`
	Host           string `mapstructure:"host"            json:"host"`
	MigrationPath  string `mapstructure:"migration_path"  json:"migration_path"`
	Password       string `mapstructure:"password"        json:"-"`
	Username       string `mapstructure:"username"        json:"username"`
	MaxConnections int    `mapstructure:"max_connections" json:"max_connections"`
	MinConnections int    `mapstructure:"min_connections" json:"min_connections"`
	Port           uint16 `mapstructure:"port"            json:"port"`
}

type Cache struct {
	Host     string `mapstructure:"host"     json:"host"`
	Password string `mapstructure:"password" json:"-"`
	Database int    `mapstructure:"database" json:"database"`
	Port     uint16 `mapstructure:"port"     json:"port"`
}

type Worker struct {
	// ExpiryDelay is how long a non-empty cart may sit untouched before
	// its reservations are returned to stock.
	ExpiryDelay    time.Duration `mapstructure:"expiry_delay"    json:"expiry_delay"`
	PollInterval   time.Duration `mapstructure:"poll_interval"   json:"poll_interval"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"  json:"sweep_interval"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"    json:"backoff_base"`
	MaxAttempts    int           `mapstructure:"max_attempts"    json:"max_attempts"`
	Concurrency    int           `mapstructure:"concurrency"     json:"concurrency"`
	ClaimBatchSize int           `mapstructure:"claim_batch"     json:"claim_batch"`
}

type Payment struct {
	GatewayURL string `mapstructure:"gateway_url" json:"gateway_url"`
	CouponURL  string `mapstructure:"coupon_url"  json:"coupon_url"`
}

type Otel struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
}

type Config struct {
	Database    `mapstructure:"db"          json:"db"`
	Cache       `mapstructure:"cache"       json:"cache"`
	Application `mapstructure:"application" json:"application"`
	Worker      `mapstructure:"worker"      json:"worker"`
	Payment     `mapstructure:"payment"     json:"payment"`
	Otel        `mapstructure:"otel"        json:"otel"`
}

var (
	once   sync.Once
	config *Config
)

func InitConfig(c context.Context, filename string) *Config {
	cfg := Config{}
	once.Do(func() {
		logger := zerolog.Ctx(c).
			With().
			Str(log.KeyTag, "main InitConfig").
			Str(log.KeyProcess, "init config").
			Str("filename", filename).
			Logger()

		viper.SetConfigName(filename)
		viper.AddConfigPath("./env")
		viper.SetConfigType("yaml")
		viper.AutomaticEnv()

		viper.SetDefault("worker.expiry_delay", 30*time.Minute)
		viper.SetDefault("worker.poll_interval", time.Second)
		viper.SetDefault("worker.sweep_interval", 5*time.Minute)
		viper.SetDefault("worker.backoff_base", 5*time.Second)
		viper.SetDefault("worker.max_attempts", 20)
		viper.SetDefault("worker.concurrency", 4)
		viper.SetDefault("worker.claim_batch", 32)

		logger = logger.With().Str(log.KeyProcess, "reading config").Logger()
		logger.Info().Msg("reading config")
		err := viper.ReadInConfig()
		if err != nil {
			err = fmt.Errorf("error when reading config with error=%w", err)
			logger.Fatal().Err(err).Msg(err.Error())
		}
		logger.Info().Msg("read config")

		logger = logger.With().Str(log.KeyProcess, "unmarshaling config").Logger()
		logger.Info().Msg("unmarshaling config")
		err = viper.Unmarshal(&cfg)
		if err != nil {
			err = fmt.Errorf("error unmarshaling config with error=%w", err)
			logger.Fatal().Err(err).Msg(err.Error())
		}
		config = &cfg
		logger = logger.With().Any(log.KeyConfig, cfg).Logger()
		logger.Info().Msg("unmarshaled config")
	})
	return config
}
