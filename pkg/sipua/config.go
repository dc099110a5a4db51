package sipua

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Config конфигурация SIP user agent'а
type Config struct {
	// URI - собственный адрес (sip:user@host)
	URI         string `mapstructure:"uri"`
	DisplayName string `mapstructure:"display_name"`
	UserAgent   string `mapstructure:"user_agent"`

	// Endpoints - транспорты для прослушивания: udp://host:port, tcp://host:port
	Endpoints []string `mapstructure:"endpoints"`

	// RTPHost - адрес для RTP сокетов и SDP; пустой берется из первого транспорта
	RTPHost    string `mapstructure:"rtp_host"`
	RTPPortMin int    `mapstructure:"rtp_port_min"`
	RTPPortMax int    `mapstructure:"rtp_port_max"`

	// DSCP - маркировка RTP трафика (46 = EF), 0 отключает маркировку
	DSCP int `mapstructure:"dscp"`

	// RequestTimeout - таймаут внутридиалоговых запросов (BYE, re-INVITE, REFER)
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// JitterDepth - глубина буфера переупорядочивания RTP в пакетах
	JitterDepth int `mapstructure:"jitter_depth"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		URI:            "sip:roomphone@127.0.0.1",
		UserAgent:      "RoomPhone/1.0",
		Endpoints:      []string{"udp://127.0.0.1:5060"},
		RTPPortMin:     10000,
		RTPPortMax:     20000,
		DSCP:           46,
		RequestTimeout: 5 * time.Second,
		JitterDepth:    3,
	}
}

// Validate проверяет конфигурацию и заполняет значения по умолчанию
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.URI == "" {
		c.URI = def.URI
	}
	var uri sip.Uri
	if err := sip.ParseUri(c.URI, &uri); err != nil {
		return fmt.Errorf("некорректный URI %q: %w", c.URI, err)
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if len(c.Endpoints) == 0 {
		c.Endpoints = def.Endpoints
	}
	for _, ep := range c.Endpoints {
		if _, err := parseEndpoint(ep); err != nil {
			return err
		}
	}
	if c.RTPPortMin == 0 && c.RTPPortMax == 0 {
		c.RTPPortMin, c.RTPPortMax = def.RTPPortMin, def.RTPPortMax
	}
	if c.RTPPortMin <= 0 || c.RTPPortMax > 65535 || c.RTPPortMin >= c.RTPPortMax {
		return fmt.Errorf("неверный диапазон RTP портов: %d-%d", c.RTPPortMin, c.RTPPortMax)
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP %d вне диапазона 0-63", c.DSCP)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.JitterDepth <= 0 {
		c.JitterDepth = def.JitterDepth
	}
	if c.RTPHost == "" {
		ep, _ := parseEndpoint(c.Endpoints[0])
		c.RTPHost = ep.host
	}
	return nil
}

// endpoint разобранный адрес транспорта
type endpoint struct {
	network string
	host    string
	port    int
}

func (e endpoint) addr() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// parseEndpoint разбирает адрес вида udp://host:port
func parseEndpoint(raw string) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("некорректный транспорт %q: %w", raw, err)
	}
	network := strings.ToLower(u.Scheme)
	switch network {
	case "udp", "tcp", "ws":
	default:
		return endpoint{}, fmt.Errorf("неподдерживаемый транспорт %q", raw)
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return endpoint{}, fmt.Errorf("некорректный адрес транспорта %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return endpoint{}, fmt.Errorf("некорректный порт транспорта %q", raw)
	}
	return endpoint{network: network, host: host, port: port}, nil
}
