// Package config loads and validates the proxy's JSON configuration
// file: the process entry point's only collaborator, matching
// spec.md's §6 configuration contract.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	apperrors "github.com/carlosrabelo/ocppproxy/pkg/errors"
)

// UpstreamConfig holds the `[EXPANSION]` options layered on top of an
// upstream's required URL (`primaryUrl`/`secondaryUrl`): whether to
// pass the client's Authorization/User-Agent headers through, and an
// optional SOCKS5 egress proxy.
type UpstreamConfig struct {
	PassAuthorization bool `json:"passAuthorization"`
	PassUserAgent     bool `json:"passUserAgent"`
	Socks             *struct {
		Enabled  bool   `json:"enabled"`
		Type     string `json:"type"`
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"socksProxy,omitempty"`
}

// RateLimitConfig holds the same fields as ratelimit.Config, under
// camelCase JSON keys (ratelimit.Config's own tags are snake_case).
type RateLimitConfig struct {
	Enabled                 bool `json:"enabled"`
	MaxConnectionsPerIP     int  `json:"maxConnectionsPerIP"`
	MaxConnectionsPerMinute int  `json:"maxConnectionsPerMinute"`
	BanDurationSeconds      int  `json:"banDurationSeconds"`
	CleanupIntervalSeconds  int  `json:"cleanupIntervalSeconds"`
}

// NotifyConfig mirrors notifier.Config's JSON shape.
type NotifyConfig struct {
	ConnectedToProxy         bool `json:"connectedToProxy"`
	DisconnectedFromProxy    bool `json:"disconnectedFromProxy"`
	ConnectedToUpstream      bool `json:"connectedToUpstream"`
	DisconnectedFromUpstream bool `json:"disconnectedFromUpstream"`
	StatusNotification       bool `json:"statusNotification"`
	StartTransaction         bool `json:"startTransaction"`
	StopTransaction          bool `json:"stopTransaction"`

	Email *struct {
		Host        string   `json:"host"`
		Port        int      `json:"port"`
		Username    string   `json:"username"`
		Password    string   `json:"password"`
		FromAddress string   `json:"fromAddress"`
		ToAddresses []string `json:"toAddresses"`
		UseTLS      bool     `json:"useTLS"`
	} `json:"email,omitempty"`

	Pushover *struct {
		Token string `json:"token"`
		User  string `json:"user"`
	} `json:"pushover,omitempty"`
}

// Config is the root configuration object, decoded from a single JSON
// file read once at startup.
type Config struct {
	Proxy struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"proxy"`

	// Admin serves /healthz, /status, and /metrics on a separate
	// listen address, mirroring the teacher's split between the
	// client-facing proxy port and its own HTTP admin port.
	Admin struct {
		Listen string `json:"listen,omitempty"`
	} `json:"admin,omitempty"`

	PrimaryURL   string `json:"primaryUrl"`
	SecondaryURL string `json:"secondaryUrl,omitempty"`

	PrimaryUpstream   UpstreamConfig `json:"primaryUpstream,omitempty"`
	SecondaryUpstream UpstreamConfig `json:"secondaryUpstream,omitempty"`

	LogLevel string `json:"logLevel,omitempty"`

	RateLimit *RateLimitConfig `json:"rateLimit,omitempty"`
	Notify    *NotifyConfig    `json:"notify,omitempty"`
}

var validLogLevels = map[string]bool{"error": true, "warn": true, "info": true, "debug": true}

// Load reads path, decodes it as JSON, applies defaults, and
// validates it. Any failure is a fatal startup error wrapped in an
// *errors.AppError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap("CONFIG_READ", "reading configuration file", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, apperrors.Wrap("CONFIG_PARSE", "parsing configuration file", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RateLimit == nil {
		c.RateLimit = &RateLimitConfig{Enabled: false}
	}
	if c.RateLimit.CleanupIntervalSeconds == 0 {
		c.RateLimit.CleanupIntervalSeconds = 60
	}
	if c.RateLimit.BanDurationSeconds == 0 {
		c.RateLimit.BanDurationSeconds = 300
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = fmt.Sprintf("%s:%d", c.Proxy.Host, c.Proxy.Port+1)
	}
}

func (c *Config) validate() error {
	if c.Proxy.Host == "" {
		return apperrors.New("CONFIG_INVALID", "proxy.host is required")
	}
	if c.Proxy.Port == 0 {
		return apperrors.New("CONFIG_INVALID", "proxy.port is required")
	}
	if c.PrimaryURL == "" {
		return apperrors.New("CONFIG_INVALID", "primaryUrl is required")
	}
	if !strings.HasSuffix(c.PrimaryURL, "/") {
		return apperrors.New("CONFIG_INVALID", "primaryUrl must end with a trailing '/'")
	}
	if c.SecondaryURL != "" && !strings.HasSuffix(c.SecondaryURL, "/") {
		return apperrors.New("CONFIG_INVALID", "secondaryUrl must end with a trailing '/'")
	}
	if !validLogLevels[c.LogLevel] {
		return apperrors.New("CONFIG_INVALID", fmt.Sprintf("logLevel %q is not one of error|warn|info|debug", c.LogLevel))
	}
	return nil
}

// Listen returns the host:port string the HTTP server should bind to.
func (c *Config) Listen() string {
	return fmt.Sprintf("%s:%d", c.Proxy.Host, c.Proxy.Port)
}
