package config

import (
	"time"

	"github.com/Klingon-tech/klingnet-consensus/internal/breaker"
	"github.com/Klingon-tech/klingnet-consensus/internal/rpcclient"
)

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	bc := breaker.DefaultConfig()
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Journal: JournalConfig{
			Enabled: true,
		},
		RPC: RPCConfig{
			// Reference node RPC, e.g. a local klingnetd.
			Endpoint:  "",
			Timeout:   rpcclient.DefaultTimeout,
			Workers:   rpcclient.DefaultFetchWorkers,
			BatchSize: 256,
		},
		Breaker: BreakerConfig{
			FailureThreshold: bc.FailureThreshold,
			SuccessThreshold: bc.SuccessThreshold,
			OpenDuration:     bc.OpenDuration,
		},
		API: APIConfig{
			Enabled:    false,
			Addr:       "127.0.0.1:8547",
			AllowedIPs: []string{"127.0.0.1"},
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Addr:      "127.0.0.1:9464",
			Namespace: "klingnet",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Breaker.OpenDuration = 10 * time.Second
	cfg.API.Addr = "127.0.0.1:8647"
	cfg.Metrics.Addr = "127.0.0.1:9465"
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
