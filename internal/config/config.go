package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type GatewayConfig struct {
	URL         string        `mapstructure:"url"`
	APISecret   string        `mapstructure:"api_secret"`
	Mock        bool          `mapstructure:"mock"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	DBPath     string        `mapstructure:"db_path"`
	Gateway    GatewayConfig `mapstructure:"gateway"`
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
	v.SetDefault("ping_period", "54s")
	v.SetDefault("db_path", "intercom.db")
	v.SetDefault("gateway.url", "ws://localhost:8188")
	v.SetDefault("gateway.mock", false)
	v.SetDefault("gateway.retry_delay", "10s")
	v.SetDefault("gateway.call_timeout", "8s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Gateway: %s\n", cfg.Mode, cfg.Port, cfg.Gateway.URL)
	return &cfg, nil
}
