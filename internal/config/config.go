package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	SignalingURL string        `mapstructure:"signaling_url"`
	BackendURL   string        `mapstructure:"backend_url"`
	Secret       string        `mapstructure:"secret"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`

	Security SecurityConfig `mapstructure:"security"`
	Quality  QualityConfig  `mapstructure:"quality"`
	ICE      ICEConfig      `mapstructure:"ice"`
}

type SecurityConfig struct {
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	// OriginFailOpen keeps the origin allow-list check permissive when the
	// check itself errors. Inherited availability trade-off; flip to false
	// to fail closed.
	OriginFailOpen bool `mapstructure:"origin_fail_open"`
}

type QualityConfig struct {
	SampleInterval       time.Duration `mapstructure:"sample_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	HistorySize          int           `mapstructure:"history_size"`
}

type ICEConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`
	TURNServers []string `mapstructure:"turn_servers"`
	TURNUser    string   `mapstructure:"turn_user"`
	TURNPass    string   `mapstructure:"turn_pass"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("signaling_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("backend_url", "http://localhost:3000/api")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("security.token_ttl", "1h")
	v.SetDefault("security.session_timeout", "60m")
	v.SetDefault("security.origin_fail_open", true)
	v.SetDefault("quality.sample_interval", "2s")
	v.SetDefault("quality.max_reconnect_attempts", 5)
	v.SetDefault("quality.history_size", 30)
	v.SetDefault("ice.stun_servers", []string{"stun:stun.l.google.com:19302"})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
