// Package config загружает конфигурацию roomphone из YAML файла и окружения.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/arzzra/roomphone/pkg/audiomix"
	"github.com/arzzra/roomphone/pkg/callroom"
	"github.com/arzzra/roomphone/pkg/prefs"
	"github.com/arzzra/roomphone/pkg/sipua"
	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения: ROOMPHONE_SIP_URI перекрывает sip.uri
const EnvPrefix = "ROOMPHONE"

// Config полная конфигурация приложения
type Config struct {
	// Domain - SIP домен для коротких номеров
	Domain string `mapstructure:"domain"`

	Log   LogConfig               `mapstructure:"log"`
	HTTP  HTTPConfig              `mapstructure:"http"`
	Phone callroom.Config         `mapstructure:"phone"`
	SIP   sipua.Config            `mapstructure:"sip"`
	Audio audiomix.PlatformConfig `mapstructure:"audio"`
	Prefs prefs.Config            `mapstructure:"prefs"`
}

// LogConfig настройки журнала
type LogConfig struct {
	// Level - debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format - text или json
	Format string `mapstructure:"format"`
}

// HTTPConfig настройки управляющего HTTP API
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// Mode - режим gin: release, debug, test
	Mode string `mapstructure:"mode"`
}

func setDefaults(v *viper.Viper) {
	phone := callroom.DefaultConfig()
	sip := sipua.DefaultConfig()

	v.SetDefault("domain", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("http.addr", "127.0.0.1:8089")
	v.SetDefault("http.mode", "release")

	v.SetDefault("phone.default_device", phone.DefaultDevice)
	v.SetDefault("phone.uri_scheme", phone.URIScheme)
	v.SetDefault("phone.reject_status_code", phone.RejectStatusCode)
	v.SetDefault("phone.reject_reason", phone.RejectReason)
	v.SetDefault("phone.operation_timeout", phone.OperationTimeout)

	v.SetDefault("sip.uri", sip.URI)
	v.SetDefault("sip.display_name", sip.DisplayName)
	v.SetDefault("sip.user_agent", sip.UserAgent)
	v.SetDefault("sip.endpoints", sip.Endpoints)
	v.SetDefault("sip.rtp_host", sip.RTPHost)
	v.SetDefault("sip.rtp_port_min", sip.RTPPortMin)
	v.SetDefault("sip.rtp_port_max", sip.RTPPortMax)
	v.SetDefault("sip.dscp", sip.DSCP)
	v.SetDefault("sip.request_timeout", sip.RequestTimeout)
	v.SetDefault("sip.jitter_depth", sip.JitterDepth)

	v.SetDefault("prefs.driver", prefs.DriverMemory)
	v.SetDefault("prefs.path", "")
}

// Load читает конфигурацию. Пустой path означает поиск roomphone.yaml в
// текущем каталоге и ./config; отсутствие файла не ошибка.
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
	} else {
		v.SetConfigName("roomphone")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
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

// Validate проверяет все разделы конфигурации
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: неизвестный формат %q", c.Log.Format)
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr: адрес не задан")
	}
	if err := c.Phone.Validate(); err != nil {
		return fmt.Errorf("phone: %w", err)
	}
	if err := c.SIP.Validate(); err != nil {
		return fmt.Errorf("sip: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	if c.Prefs.Driver == prefs.DriverSQLite && c.Prefs.Path == "" {
		return errors.New("prefs.path: путь обязателен для sqlite")
	}
	return nil
}

// NewLogger создает slog логгер по настройкам журнала
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
