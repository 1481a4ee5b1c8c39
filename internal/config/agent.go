package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultAgentDatabasePath   = "memex-agent.db"
	defaultAgentControlAddress = "127.0.0.1:8787"
	defaultSyncFrequency       = 20 * time.Minute
	defaultProductType         = "ext"
)

// AgentConfig captures runtime configuration for a device agent.
type AgentConfig struct {
	DatabasePath      string
	ServerURL         string
	AccessToken       string
	UserID            string
	ControlAddress    string
	LogFile           string
	LogLevel          string
	SyncFrequency     time.Duration
	Encryption        bool
	FilterPassiveData bool
	PostProcessing    bool
	ProductType       string
	DevicePlatform    string
}

func applyAgentDefaults(configViper *viper.Viper) {
	configViper.SetDefault("agent.database_path", defaultAgentDatabasePath)
	configViper.SetDefault("agent.control_address", defaultAgentControlAddress)
	configViper.SetDefault("sync.frequency", defaultSyncFrequency)
	configViper.SetDefault("sync.encryption", true)
	configViper.SetDefault("sync.filter_passive_data", false)
	configViper.SetDefault("sync.post_processing", true)
	configViper.SetDefault("device.product_type", defaultProductType)
}

// LoadAgent parses device agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		DatabasePath:      configViper.GetString("agent.database_path"),
		ServerURL:         configViper.GetString("agent.server_url"),
		AccessToken:       configViper.GetString("agent.access_token"),
		UserID:            configViper.GetString("agent.user_id"),
		ControlAddress:    configViper.GetString("agent.control_address"),
		LogFile:           configViper.GetString("agent.log_file"),
		LogLevel:          configViper.GetString("log.level"),
		SyncFrequency:     configViper.GetDuration("sync.frequency"),
		Encryption:        configViper.GetBool("sync.encryption"),
		FilterPassiveData: configViper.GetBool("sync.filter_passive_data"),
		PostProcessing:    configViper.GetBool("sync.post_processing"),
		ProductType:       configViper.GetString("device.product_type"),
		DevicePlatform:    configViper.GetString("device.platform"),
	}
	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("agent.database_path is required")
	}
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("agent.server_url is required")
	}
	if parsed, err := url.Parse(c.ServerURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("agent.server_url must be an absolute url")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("agent.access_token is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("agent.user_id is required")
	}
	if c.SyncFrequency <= 0 {
		return fmt.Errorf("sync.frequency must be positive")
	}
	if c.ProductType != "ext" && c.ProductType != "app" {
		return fmt.Errorf("device.product_type must be ext or app")
	}
	return nil
}
