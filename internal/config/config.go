package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "LEDGERLINK"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "ledgerlink.db"
	defaultLogLevel         = "info"
	defaultCookieName       = "ledgerlink_session"
	defaultExchangeBaseURL  = "https://api.binance.com"
	defaultProcessorBaseURL = "https://bpay.binanceapi.com"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SessionSigningSecret string
	SessionCookieName    string
	VaultMasterKey       string
	ExchangeBaseURL      string
	ProcessorBaseURL     string
	ProcessorKeyID       string
	ProcessorSecret      string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("exchange.base_url", defaultExchangeBaseURL)
	configViper.SetDefault("processor.base_url", defaultProcessorBaseURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		VaultMasterKey:       configViper.GetString("vault.master_key"),
		ExchangeBaseURL:      configViper.GetString("exchange.base_url"),
		ProcessorBaseURL:     configViper.GetString("processor.base_url"),
		ProcessorKeyID:       configViper.GetString("processor.key_id"),
		ProcessorSecret:      configViper.GetString("processor.secret"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.VaultMasterKey) == "" {
		return fmt.Errorf("vault.master_key is required")
	}
	if strings.TrimSpace(c.ExchangeBaseURL) == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if strings.TrimSpace(c.ProcessorBaseURL) == "" {
		return fmt.Errorf("processor.base_url is required")
	}
	if strings.TrimSpace(c.ProcessorKeyID) == "" {
		return fmt.Errorf("processor.key_id is required")
	}
	if strings.TrimSpace(c.ProcessorSecret) == "" {
		return fmt.Errorf("processor.secret is required")
	}
	return nil
}
