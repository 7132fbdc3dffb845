// ocppproxy - OCPP 1.6-J WebSocket Proxy
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carlosrabelo/ocppproxy/internal/config"
	"github.com/carlosrabelo/ocppproxy/internal/listener"
	"github.com/carlosrabelo/ocppproxy/internal/metrics"
	"github.com/carlosrabelo/ocppproxy/internal/notifier"
	"github.com/carlosrabelo/ocppproxy/internal/ratelimit"
	"github.com/carlosrabelo/ocppproxy/internal/socksdialer"
	"github.com/carlosrabelo/ocppproxy/pkg/logger"
)

func main() {
	cfgFile := flag.String("config", "config.json", "Path to configuration file")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Println("ocppproxy v0.0.1")
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		logger.Error("failed to load config: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	mcol := metrics.NewCollector()
	pc := metrics.InitPrometheus("ocppproxy")
	syncer := metrics.NewSyncer(pc)

	notify := notifier.New(toNotifierConfig(cfg), mcol)
	rl := ratelimit.NewLimiter(toRateLimitConfig(cfg.RateLimit))

	lst := listener.New(listener.Options{
		Upstreams:   buildUpstreams(cfg),
		Notifier:    notify,
		Metrics:     mcol,
		RateLimiter: rl,
	})

	go syncMetricsLoop(ctx, syncer, mcol, 5*time.Second)
	go serveAdmin(ctx, cfg.Admin.Listen, lst, mcol, rl)

	srv := &http.Server{Addr: cfg.Listen(), Handler: lst}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("proxy: listening on %s", cfg.Listen())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("proxy: listen error: %v", err)
			cancel()
		}
	}()

	<-sigCh
	logger.Info("shutting down...")
	lst.CloseAll()
	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("shutdown complete")
}

// buildUpstreams assembles the listener's upstream list, position-
// significant: the primary always occupies ordinal 0.
func buildUpstreams(cfg *config.Config) []listener.UpstreamConfig {
	upstreams := []listener.UpstreamConfig{
		{
			Name:              "PRI",
			BaseURL:           cfg.PrimaryURL,
			PassAuthorization: cfg.PrimaryUpstream.PassAuthorization,
			PassUserAgent:     cfg.PrimaryUpstream.PassUserAgent,
			Socks:             toSocksConfig(cfg.PrimaryUpstream.Socks),
		},
	}
	if cfg.SecondaryURL != "" {
		upstreams = append(upstreams, listener.UpstreamConfig{
			Name:              "SEC",
			BaseURL:           cfg.SecondaryURL,
			PassAuthorization: cfg.SecondaryUpstream.PassAuthorization,
			PassUserAgent:     cfg.SecondaryUpstream.PassUserAgent,
			Socks:             toSocksConfig(cfg.SecondaryUpstream.Socks),
		})
	}
	return upstreams
}

func toSocksConfig(s *struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}) *socksdialer.Config {
	if s == nil {
		return nil
	}
	return &socksdialer.Config{
		Enabled:  s.Enabled,
		Type:     s.Type,
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
	}
}

func toRateLimitConfig(c *config.RateLimitConfig) *ratelimit.Config {
	if c == nil {
		return nil
	}
	return &ratelimit.Config{
		Enabled:                 c.Enabled,
		MaxConnectionsPerIP:     c.MaxConnectionsPerIP,
		MaxConnectionsPerMinute: c.MaxConnectionsPerMinute,
		BanDurationSeconds:      c.BanDurationSeconds,
		CleanupIntervalSeconds:  c.CleanupIntervalSeconds,
	}
}

func toNotifierConfig(cfg *config.Config) notifier.Config {
	if cfg.Notify == nil {
		return notifier.Config{}
	}
	n := cfg.Notify
	out := notifier.Config{
		Events: notifier.Events{
			ConnectedToProxy:         n.ConnectedToProxy,
			DisconnectedFromProxy:    n.DisconnectedFromProxy,
			ConnectedToUpstream:      n.ConnectedToUpstream,
			DisconnectedFromUpstream: n.DisconnectedFromUpstream,
			StatusNotification:       n.StatusNotification,
			StartTransaction:         n.StartTransaction,
			StopTransaction:          n.StopTransaction,
		},
	}
	if n.Email != nil {
		out.Email = &notifier.EmailConfig{
			Host:        n.Email.Host,
			Port:        n.Email.Port,
			Username:    n.Email.Username,
			Password:    n.Email.Password,
			FromAddress: n.Email.FromAddress,
			ToAddresses: n.Email.ToAddresses,
			UseTLS:      n.Email.UseTLS,
		}
	}
	if n.Pushover != nil {
		out.Pushover = &notifier.PushoverConfig{
			Token: n.Pushover.Token,
			User:  n.Pushover.User,
		}
	}
	return out
}

// syncMetricsLoop periodically copies the atomic Collector counters
// onto their Prometheus counterparts until ctx is cancelled.
func syncMetricsLoop(ctx context.Context, syncer *metrics.Syncer, mcol *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncer.Sync(mcol)
		}
	}
}

// serveAdmin runs the /healthz, /status, and /metrics HTTP server on
// its own listen address, separate from the client-facing proxy port.
func serveAdmin(ctx context.Context, addr string, lst *listener.Listener, mcol *metrics.Collector, rl *ratelimit.Limiter) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]interface{}{
			"sessions":  lst.SessionCount(),
			"metrics":   mcol.Snapshot(),
			"ratelimit": rl.GetGlobalStats(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("admin: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("admin: listen error: %v", err)
	}
}
