// Config loading for the bridge: a printer.cfg INI file plus
// environment overrides, read with spf13/viper.
//
// Grounded on other_examples/flyingrobots-go-redis-work-queue's
// internal/config/config.go (viper + mapstructure tags, env
// overrides) generalized from that project's YAML config to the INI
// format original_source's printer.cfg actually uses.
package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConnectConfig holds everything needed to reach the cloud control
// service.
type ConnectConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	Token   string `mapstructure:"token"`
	TLS     bool   `mapstructure:"tls"`
}

// SerialConfig holds the local link to the printer.
type SerialConfig struct {
	Port     string `mapstructure:"port"`
	Baudrate int    `mapstructure:"baudrate"`
}

// IntervalsConfig holds the bridge's own timing knobs.
type IntervalsConfig struct {
	QuitInterval           time.Duration `mapstructure:"quit_interval"`
	StatusUpdateInterval   time.Duration `mapstructure:"status_update_interval"`
	TelemetrySendInterval  time.Duration `mapstructure:"telemetry_send_interval"`
}

// Config is the bridge's full configuration.
type Config struct {
	Connect   ConnectConfig   `mapstructure:"connect"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Intervals IntervalsConfig `mapstructure:"intervals"`
}

func (c *Config) baseURL() string {
	scheme := "http"
	if c.Connect.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Connect.Address, c.Connect.Port)
}

func defaultViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("ini")
	v.SetEnvPrefix("PRUSALINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("connect.token", "")
	v.SetDefault("connect.address", "connect.prusa3d.com")
	v.SetDefault("connect.port", 443)
	v.SetDefault("connect.tls", true)
	v.SetDefault("serial.port", "/dev/ttyACM0")
	v.SetDefault("serial.baudrate", 115200)
	v.SetDefault("intervals.quit_interval", "500ms")
	v.SetDefault("intervals.status_update_interval", "1s")
	v.SetDefault("intervals.telemetry_send_interval", "5s")
	return v
}

// LoadConfig reads the printer.cfg-style INI file at path, applying
// defaults for anything it doesn't set and environment overrides
// (PRUSALINK_CONNECT_TOKEN, etc.) on top of that.
func LoadConfig(path string) (*Config, error) {
	v := defaultViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if cfg.Connect.Token == "" {
		return nil, fmt.Errorf("config: %s has no connect.token set", path)
	}
	return &cfg, nil
}
