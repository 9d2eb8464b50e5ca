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

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	CallbackEventQueue          string `mapstructure:"CALLBACK_EVENT_QUEUE"`
	CallbackEventExchange       string `mapstructure:"CALLBACK_EVENT_EXCHANGE"`
	CallbackEventRoutingKey     string `mapstructure:"CALLBACK_EVENT_ROUTING_KEY"`
	AzamPayAuthBaseURL          string `mapstructure:"AZAMPAY_AUTH_BASE_URL"`
	AzamPayBaseURL              string `mapstructure:"AZAMPAY_BASE_URL"`
	AzamPayAppName              string `mapstructure:"AZAMPAY_APP_NAME"`
	AzamPayClientID             string `mapstructure:"AZAMPAY_CLIENT_ID"`
	AzamPayClientSecret         string `mapstructure:"AZAMPAY_CLIENT_SECRET"`
	AuthJWKSURL                 string `mapstructure:"AUTH_JWKS_URL"`
	InternalAPIKey              string `mapstructure:"INTERNAL_API_KEY"`
	WebhookRateLimitPerMinute   int    `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
	GrantExpirySweepSchedule    string `mapstructure:"GRANT_EXPIRY_SWEEP_SCHEDULE"`
	SeedPricingCatalogOnStartup bool   `mapstructure:"SEED_PRICING_CATALOG_ON_STARTUP"`
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
	viper.SetDefault("CALLBACK_EVENT_QUEUE", "settlement_service.gateway_callbacks")
	viper.SetDefault("CALLBACK_EVENT_EXCHANGE", "gateway_events")
	viper.SetDefault("CALLBACK_EVENT_ROUTING_KEY", "azampay.callback")
	viper.SetDefault("AZAMPAY_AUTH_BASE_URL", "https://authenticator-sandbox.azampay.co.tz")
	viper.SetDefault("AZAMPAY_BASE_URL", "https://sandbox.azampay.co.tz")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "settlement:rate_limit")
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("GRANT_EXPIRY_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("SEED_PRICING_CATALOG_ON_STARTUP", true)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CALLBACK_EVENT_QUEUE")
	_ = viper.BindEnv("CALLBACK_EVENT_EXCHANGE")
	_ = viper.BindEnv("CALLBACK_EVENT_ROUTING_KEY")
	_ = viper.BindEnv("AZAMPAY_AUTH_BASE_URL")
	_ = viper.BindEnv("AZAMPAY_BASE_URL")
	_ = viper.BindEnv("AZAMPAY_APP_NAME")
	_ = viper.BindEnv("AZAMPAY_CLIENT_ID")
	_ = viper.BindEnv("AZAMPAY_CLIENT_SECRET")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("GRANT_EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("SEED_PRICING_CATALOG_ON_STARTUP")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "settlement:rate_limit"
	}

	if config.WebhookRateLimitPerMinute <= 0 {
		config.WebhookRateLimitPerMinute = 120
	}
	if strings.TrimSpace(config.GrantExpirySweepSchedule) == "" {
		config.GrantExpirySweepSchedule = "*/5 * * * *"
	}

	return
}
