package ratelimit

import (
	"testing"
	"time"
)

func TestNewLimiter(t *testing.T) {
	cfg := &Config{
		Enabled:                 true,
		MaxConnectionsPerIP:     10,
		MaxConnectionsPerMinute: 60,
		BanDurationSeconds:      300,
		CleanupIntervalSeconds:  60,
	}

	l := NewLimiter(cfg)

	if l == nil {
		t.Fatal("NewLimiter returned nil")
	}
	if l.cfg != cfg {
		t.Error("Config not set correctly")
	}
	if l.stats == nil {
		t.Error("Stats map not initialized")
	}
}

func TestNewLimiterWithNilConfig(t *testing.T) {
	l := NewLimiter(nil)

	if l == nil {
		t.Fatal("NewLimiter returned nil")
	}
	if l.cfg == nil {
		t.Error("Default config not created")
	}
	if l.cfg.Enabled {
		t.Error("Default config should have Enabled = false")
	}
}

func TestAllowDisabled(t *testing.T) {
	cfg := &Config{
		Enabled: false,
	}

	l := NewLimiter(cfg)

	// Should always allow when disabled
	for i := 0; i < 100; i++ {
		if !l.Allow("192.168.1.1") {
			t.Errorf("Connection %d should be allowed when limiter is disabled", i)
		}
	}
}

func TestAllowRejectsEmptyIP(t *testing.T) {
	l := NewLimiter(&Config{Enabled: true, MaxConnectionsPerIP: 10})

	if l.Allow("") {
		t.Error("Allow(\"\") should be rejected")
	}
}

func TestMaxConnectionsPerIP(t *testing.T) {
	cfg := &Config{
		Enabled:                 true,
		MaxConnectionsPerIP:     5,
		MaxConnectionsPerMinute: 0, // Disable this limit
		BanDurationSeconds:      300,
		CleanupIntervalSeconds:  0,
	}

	l := NewLimiter(cfg)
	ip := "192.168.1.1"

	// Should allow up to MaxConnectionsPerIP
	for i := 0; i < cfg.MaxConnectionsPerIP; i++ {
		if !l.Allow(ip) {
			t.Errorf("Connection %d should be allowed", i+1)
		}
	}

	// Should reject the next connection
	if l.Allow(ip) {
		t.Error("Connection should be rejected when limit exceeded")
	}

	// Release one connection
	l.Release(ip)

	// Should allow one more connection now
	if !l.Allow(ip) {
		t.Error("Connection should be allowed after releasing one")
	}
}

func TestMaxConnectionsPerMinute(t *testing.T) {
	cfg := &Config{
		Enabled:                 true,
		MaxConnectionsPerIP:     0, // Disable this limit
		MaxConnectionsPerMinute: 5,
		BanDurationSeconds:      1, // Short ban for testing
		CleanupIntervalSeconds:  0,
	}

	l := NewLimiter(cfg)
	ip := "192.168.1.2"

	// Should allow up to MaxConnectionsPerMinute
	for i := 0; i < cfg.MaxConnectionsPerMinute; i++ {
		if !l.Allow(ip) {
			t.Errorf("Connection %d should be allowed", i+1)
		}
		// Release immediately to not hit MaxConnectionsPerIP
		l.Release(ip)
	}

	// Should reject and ban
	if l.Allow(ip) {
		t.Error("Connection should be rejected when per-minute limit exceeded")
	}

	// Wait for the ban to expire; the connection-time window was reset when the ban began
	time.Sleep(1200 * time.Millisecond)

	// Ban should have expired, so connections resume
	if !l.Allow(ip) {
		t.Error("Connection should be allowed after ban duration")
	}
}

func TestReleaseConnection(t *testing.T) {
	cfg := &Config{
		Enabled:                 true,
		MaxConnectionsPerIP:     3,
		MaxConnectionsPerMinute: 0,
		BanDurationSeconds:      300,
		CleanupIntervalSeconds:  0,
	}

	l := NewLimiter(cfg)
	ip := "192.168.1.3"

	// Add 3 connections
	for i := 0; i < 3; i++ {
		if !l.Allow(ip) {
			t.Fatalf("Connection %d should be allowed", i+1)
		}
	}

	// Should be at limit
	if l.Allow(ip) {
		t.Error("Should be at connection limit")
	}

	// Release all connections
	for i := 0; i < 3; i++ {
		l.Release(ip)
	}

	// Should allow new connection
	if !l.Allow(ip) {
		t.Error("Connection should be allowed after releasing all")
	}
}

func TestGetGlobalStats(t *testing.T) {
	cfg := &Config{
		Enabled:                 true,
		MaxConnectionsPerIP:     10,
		MaxConnectionsPerMinute: 60,
		BanDurationSeconds:      300,
		CleanupIntervalSeconds:  0,
	}

	l := NewLimiter(cfg)

	l.Allow("192.168.1.10")
	l.Allow("192.168.1.11")
	l.Allow("192.168.1.11")

	stats := l.GetGlobalStats()
	if stats == nil {
		t.Fatal("GetGlobalStats returned nil")
	}

	if stats["total_ips"] != 2 {
		t.Errorf("Expected 2 total IPs, got %v", stats["total_ips"])
	}
	if stats["total_active"] != 3 {
		t.Errorf("Expected 3 total active, got %v", stats["total_active"])
	}
	if stats["max_per_ip"] != 10 {
		t.Errorf("Expected max_per_ip 10, got %v", stats["max_per_ip"])
	}
}

func TestCleanup(t *testing.T) {
	cfg := &Config{
		Enabled:                 true,
		MaxConnectionsPerIP:     10,
		MaxConnectionsPerMinute: 60,
		BanDurationSeconds:      0,
		CleanupIntervalSeconds:  0,
	}

	l := NewLimiter(cfg)

	// Add and release a connection
	ip := "192.168.1.20"
	l.Allow(ip)
	l.Release(ip)

	// Manually set an old timestamp
	l.mu.Lock()
	if stats, exists := l.stats[ip]; exists {
		stats.mu.Lock()
		stats.connectionTimes[0] = time.Now().Add(-10 * time.Minute)
		stats.mu.Unlock()
	}
	l.mu.Unlock()

	// Run cleanup
	l.cleanup()

	// IP should be removed
	l.mu.RLock()
	_, exists := l.stats[ip]
	l.mu.RUnlock()

	if exists {
		t.Error("Old entry should be cleaned up")
	}
}

func TestConcurrentAccess(t *testing.T) {
	cfg := &Config{
		Enabled:                 true,
		MaxConnectionsPerIP:     100,
		MaxConnectionsPerMinute: 1000,
		BanDurationSeconds:      60,
		CleanupIntervalSeconds:  0,
	}

	l := NewLimiter(cfg)

	// Run concurrent operations
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			ip := "192.168.1.100"
			for j := 0; j < 50; j++ {
				l.Allow(ip)
				l.GetGlobalStats()
				l.Release(ip)
			}
			done <- true
		}(i)
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}

	// Should not panic and should have stats
	stats := l.GetGlobalStats()
	if stats == nil {
		t.Error("GetGlobalStats returned nil after concurrent access")
	}
}
