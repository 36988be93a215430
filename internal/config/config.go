/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the loyalty-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventExchange             string `mapstructure:"EVENT_EXCHANGE"`
	ActivityEventQueue        string `mapstructure:"ACTIVITY_EVENT_QUEUE"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	WebhookRetryCap           int    `mapstructure:"WEBHOOK_RETRY_CAP"`
	WebhookTimeoutSeconds     int    `mapstructure:"WEBHOOK_TIMEOUT_SECONDS"`
	RuleCacheTTLSeconds       int    `mapstructure:"RULE_CACHE_TTL_SECONDS"`
	RedeemRateLimitPerMinute  int    `mapstructure:"REDEEM_RATE_LIMIT_PER_MINUTE"`
	AtRiskSweepSchedule       string `mapstructure:"AT_RISK_SWEEP_SCHEDULE"`
	WebhookRedriveSchedule    string `mapstructure:"WEBHOOK_REDRIVE_SCHEDULE"`
	WebhookRedriveStaleMins   int    `mapstructure:"WEBHOOK_REDRIVE_STALE_MINUTES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("EVENT_EXCHANGE", "loyalty.events")
	viper.SetDefault("ACTIVITY_EVENT_QUEUE", "loyalty_service.activity_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "loyalty:rate_limit")
	viper.SetDefault("WEBHOOK_RETRY_CAP", 3)
	viper.SetDefault("WEBHOOK_TIMEOUT_SECONDS", 10)
	viper.SetDefault("RULE_CACHE_TTL_SECONDS", 5)
	viper.SetDefault("REDEEM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("AT_RISK_SWEEP_SCHEDULE", "15 0 * * *")
	viper.SetDefault("WEBHOOK_REDRIVE_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("WEBHOOK_REDRIVE_STALE_MINUTES", 15)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LOYALTY_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("ACTIVITY_EVENT_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LOYALTY_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("WEBHOOK_RETRY_CAP")
	_ = viper.BindEnv("WEBHOOK_TIMEOUT_SECONDS")
	_ = viper.BindEnv("RULE_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("REDEEM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("AT_RISK_SWEEP_SCHEDULE")
	_ = viper.BindEnv("WEBHOOK_REDRIVE_SCHEDULE")
	_ = viper.BindEnv("WEBHOOK_REDRIVE_STALE_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LOYALTY_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "loyalty:rate_limit"
	}

	if config.WebhookRetryCap <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive webhook retry cap; coercing to default\" value=%d", config.WebhookRetryCap)
		config.WebhookRetryCap = 3
	}
	if config.RuleCacheTTLSeconds < 0 {
		config.RuleCacheTTLSeconds = 0
	}
	if config.WebhookRedriveStaleMins <= 0 {
		config.WebhookRedriveStaleMins = 15
	}

	return
}
