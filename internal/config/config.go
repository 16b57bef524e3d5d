package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	ReadLimit  int64  `mapstructure:"read_limit"`
	Secret     string `mapstructure:"secret"`

	// ServerURL is the relay endpoint the dialer client connects to.
	ServerURL string `mapstructure:"server_url"`

	// StunURLs configure the ICE servers used by the peer connection.
	StunURLs []string `mapstructure:"stun_urls"`

	// RingTimeout bounds how long an unanswered outbound call rings
	// before the caller gives up. Zero disables the timeout.
	RingTimeout time.Duration `mapstructure:"ring_timeout"`

	// CallRateLimit / CallRateWindow throttle call-request spam per peer.
	CallRateLimit  int           `mapstructure:"call_rate_limit"`
	CallRateWindow time.Duration `mapstructure:"call_rate_window"`
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
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("stun_urls", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("call_rate_limit", 5)
	v.SetDefault("call_rate_window", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Static: %s\n", cfg.Mode, cfg.Port, cfg.StaticPath)
	return &cfg, nil
}
