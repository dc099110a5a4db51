package callroom

import (
	"log/slog"
	"time"
)

// Config конфигурация Phone
type Config struct {
	// DefaultDevice - устройство по умолчанию, если в настройках ничего не сохранено
	DefaultDevice string `mapstructure:"default_device"`

	// URIScheme - схема для построения адресов из короткого номера
	URIScheme string `mapstructure:"uri_scheme"`

	// RejectStatusCode - код отказа входящим вызовам в режиме "не беспокоить"
	RejectStatusCode int    `mapstructure:"reject_status_code"`
	RejectReason     string `mapstructure:"reject_reason"`

	// OperationTimeout - таймаут на одну операцию с медиа или сигнализацией
	// внутри реконсиляции (0 = без ограничений)
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		DefaultDevice:    "default",
		URIScheme:        "sip",
		RejectStatusCode: 486,
		RejectReason:     "Busy Here",
		OperationTimeout: 10 * time.Second,
	}
}

// Validate проверяет конфигурацию и заполняет пустые значения
func (c *Config) Validate() error {
	if c.DefaultDevice == "" {
		c.DefaultDevice = "default"
	}
	if c.URIScheme == "" {
		c.URIScheme = "sip"
	}
	if c.RejectStatusCode == 0 {
		c.RejectStatusCode = 486
		if c.RejectReason == "" {
			c.RejectReason = "Busy Here"
		}
	}
	if c.RejectStatusCode < 400 || c.RejectStatusCode > 699 {
		return &Error{Code: ErrorCodeInvalidConfig, Message: "код отказа должен быть в диапазоне 400-699"}
	}
	if c.OperationTimeout < 0 {
		return &Error{Code: ErrorCodeInvalidConfig, Message: "отрицательный таймаут операции"}
	}
	return nil
}

// Dependencies внешние зависимости Phone
type Dependencies struct {
	NewUserAgent UAFactory
	Platform     MediaPlatform
	Preferences  Preferences

	// Logger - если nil, используется slog.Default()
	Logger *slog.Logger

	// Metrics - если nil, метрики создаются без регистрации
	Metrics *Metrics
}

// InitParams параметры инициализации user agent'а
type InitParams struct {
	Configuration UAConfig

	// Endpoints - адреса транспортов; дополняют Configuration.Endpoints
	Endpoints []string
	Listeners []Subscription

	// Domain - SIP домен для построения адресов из коротких номеров
	Domain  string
	Options CallOptions
}

// Subscription подписка на событие, передаваемая при инициализации
type Subscription struct {
	Kind    EventKind
	Handler Handler
}
