// Package config загружает конфигурацию ядра сигнализации из YAML файла
// и переменных окружения XMPPCALL_*.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "XMPPCALL"

type Config struct {
	Signaling SignalingConfig `mapstructure:"signaling"`
	Call      CallConfig      `mapstructure:"call"`
	RTC       RTCConfig       `mapstructure:"rtc"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

type SignalingConfig struct {
	// IQTimeout ожидание ответа на session-initiate/session-accept
	IQTimeout time.Duration `mapstructure:"iq_timeout"`
	// CandidateSendDelay задержка отправки локальных кандидатов после описания
	CandidateSendDelay time.Duration `mapstructure:"candidate_send_delay"`
}

type CallConfig struct {
	PermissionTimeout time.Duration `mapstructure:"permission_timeout"`
}

type RTCConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Addr      string `mapstructure:"addr"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("signaling.iq_timeout", "30s")
	v.SetDefault("signaling.candidate_send_delay", "100ms")
	v.SetDefault("call.permission_timeout", "5s")
	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "xmpp_call")
	v.SetDefault("metrics.addr", ":9109")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
}

// Default возвращает конфигурацию по умолчанию без чтения файла и окружения
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Значения по умолчанию всегда декодируются
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load читает конфигурацию. Пустой path означает только значения
// по умолчанию и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения
func (c *Config) Validate() error {
	if c.Signaling.IQTimeout <= 0 {
		return fmt.Errorf("signaling.iq_timeout must be positive, got %s", c.Signaling.IQTimeout)
	}
	if c.Signaling.CandidateSendDelay < 0 {
		return fmt.Errorf("signaling.candidate_send_delay must not be negative, got %s", c.Signaling.CandidateSendDelay)
	}
	if c.Call.PermissionTimeout <= 0 {
		return fmt.Errorf("call.permission_timeout must be positive, got %s", c.Call.PermissionTimeout)
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return fmt.Errorf("metrics.namespace is required when metrics are enabled")
	}
	return nil
}
