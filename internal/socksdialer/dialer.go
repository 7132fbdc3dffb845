// Package socksdialer provides optional SOCKS5 egress for upstream dials.
package socksdialer

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// Config holds SOCKS proxy configuration for one upstream.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"` // must be "socks5"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"` // optional authentication
	Password string `json:"password"` // optional authentication
}

// Dialer wraps SOCKS5 proxy dialing, falling back to a plain direct
// dialer when the config is disabled.
type Dialer struct {
	config *Config
	dialer proxy.Dialer
}

// New creates a new SOCKS-aware dialer.
func New(config *Config) (*Dialer, error) {
	if config == nil || !config.Enabled {
		return &Dialer{
			config: &Config{},
			dialer: &net.Dialer{Timeout: 10 * time.Second},
		}, nil
	}

	if config.Type != "socks5" {
		return nil, fmt.Errorf("unsupported proxy type: %s (must be 'socks5')", config.Type)
	}
	if config.Host == "" || config.Port == 0 {
		return nil, fmt.Errorf("proxy host and port are required when proxy is enabled")
	}

	proxyAddr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	authURL := &url.URL{Scheme: "socks5", Host: proxyAddr}
	if config.Username != "" {
		authURL.User = url.UserPassword(config.Username, config.Password)
	}

	d, err := proxy.FromURL(authURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS proxy dialer: %w", err)
	}

	return &Dialer{config: config, dialer: d}, nil
}

// Dial opens a network connection through the configured proxy, or
// directly when disabled.
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.dialer.Dial(network, address)
}

// DialContext opens a network connection with context cancellation.
// Falls back to a goroutine-backed select when the underlying dialer
// doesn't support context natively.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if dialerCtx, ok := d.dialer.(interface {
		DialContext(context.Context, string, string) (net.Conn, error)
	}); ok {
		return dialerCtx.DialContext(ctx, network, address)
	}

	done := make(chan struct{})
	var conn net.Conn
	var err error

	go func() {
		conn, err = d.dialer.Dial(network, address)
		close(done)
	}()

	select {
	case <-done:
		return conn, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsEnabled reports whether SOCKS proxying is configured and enabled.
func (d *Dialer) IsEnabled() bool {
	return d.config.Enabled
}
