package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}

	if cfg.RPC.Endpoint != "" {
		u, err := url.Parse(cfg.RPC.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("rpc.endpoint must be an http(s) URL")
		}
	}
	if cfg.RPC.Timeout < 0 {
		return fmt.Errorf("rpc.timeout must not be negative")
	}
	if cfg.RPC.Workers < 0 || cfg.RPC.Workers > 64 {
		return fmt.Errorf("rpc.workers must be in range [0, 64]")
	}
	if cfg.RPC.BatchSize == 0 {
		return fmt.Errorf("rpc.batchsize must be positive")
	}

	if cfg.Breaker.OpenDuration < 0 {
		return fmt.Errorf("breaker.open must not be negative")
	}

	l := cfg.Liveness
	if l.SlowAfter < 0 || l.SyncAfter < 0 || l.StallAfter < 0 || l.MinPeers < 0 {
		return fmt.Errorf("liveness thresholds must not be negative")
	}
	if l.SlowAfter > 0 && l.StallAfter > 0 && l.StallAfter < l.SlowAfter {
		return fmt.Errorf("liveness.stall must not be shorter than liveness.slow")
	}

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Addr); err != nil {
			return fmt.Errorf("api.addr: %w", err)
		}
		for _, entry := range cfg.API.AllowedIPs {
			if net.ParseIP(entry) == nil {
				if _, _, err := net.ParseCIDR(entry); err != nil {
					return fmt.Errorf("api.allowed: invalid IP or CIDR %q", entry)
				}
			}
		}
	}

	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
		if strings.TrimSpace(cfg.Metrics.Namespace) == "" {
			return fmt.Errorf("metrics.namespace is required when metrics are enabled")
		}
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}

	return nil
}
