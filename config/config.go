// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: Defined in genesis, immutable, must match across all nodes
//   - Node settings: Runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Klingon-tech/klingnet-consensus/internal/breaker"
	"github.com/Klingon-tech/klingnet-consensus/internal/liveness"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	// Core
	Network     NetworkType `conf:"network"`
	DataDir     string      `conf:"datadir"`
	GenesisFile string      `conf:"genesis"`      // Overrides the built-in genesis for Network
	GenesisHash string      `conf:"genesis.hash"` // Overrides the genesis block_hash

	// Event journal
	Journal JournalConfig

	// Reference node the headers are read from
	RPC RPCConfig

	// Circuit breakers around external calls
	Breaker BreakerConfig

	// Liveness thresholds
	Liveness LivenessConfig

	// Verifier query API
	API APIConfig

	// Prometheus metrics
	Metrics MetricsConfig

	// Logging
	Log LogConfig
}

// JournalConfig holds event journal settings.
type JournalConfig struct {
	Enabled  bool `conf:"journal.enabled"`
	InMemory bool `conf:"journal.inmemory"` // Keep the journal in memory only (testing)
}

// RPCConfig holds the reference node client settings.
type RPCConfig struct {
	Endpoint  string        `conf:"rpc.endpoint"` // Empty disables header sync
	Timeout   time.Duration `conf:"rpc.timeout"`
	Workers   int           `conf:"rpc.workers"`   // Concurrent header requests
	BatchSize uint64        `conf:"rpc.batchsize"` // Headers fetched per round
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold uint32        `conf:"breaker.failures"`
	SuccessThreshold uint32        `conf:"breaker.successes"`
	OpenDuration     time.Duration `conf:"breaker.open"`
}

// LivenessConfig holds block arrival thresholds. Zero durations are derived
// from the genesis block time.
type LivenessConfig struct {
	SlowAfter  time.Duration `conf:"liveness.slow"`
	SyncAfter  time.Duration `conf:"liveness.sync"`
	StallAfter time.Duration `conf:"liveness.stall"`
	MinPeers   int           `conf:"liveness.minpeers"`
}

// APIConfig holds the verifier's JSON-RPC server settings.
type APIConfig struct {
	Enabled     bool     `conf:"api.enabled"`
	Addr        string   `conf:"api.addr"`
	AllowedIPs  []string `conf:"api.allowed"`
	CORSOrigins []string `conf:"api.cors"` // Allowed CORS origins ("*" = all).
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `conf:"metrics.enabled"`
	Addr      string `conf:"metrics.addr"`
	Namespace string `conf:"metrics.namespace"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// BreakerSettings converts the node settings into a breaker config.
func (c *Config) BreakerSettings() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		OpenDuration:     c.Breaker.OpenDuration,
	}
}

// ApplyLiveness overrides the non-zero liveness thresholds in lc.
func (c *Config) ApplyLiveness(lc liveness.Config) liveness.Config {
	if c.Liveness.SlowAfter > 0 {
		lc.SlowAfter = c.Liveness.SlowAfter
	}
	if c.Liveness.SyncAfter > 0 {
		lc.SyncAfter = c.Liveness.SyncAfter
	}
	if c.Liveness.StallAfter > 0 {
		lc.StallAfter = c.Liveness.StallAfter
	}
	lc.MinPeers = c.Liveness.MinPeers
	return lc
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet
//	macOS:   ~/Library/Application Support/Klingnet
//	Windows: %APPDATA%\Klingnet
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingnet")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingnet")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingnet")
	default:
		return filepath.Join(home, ".klingnet")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// ConsensusDir returns the consensus database directory.
func (c *Config) ConsensusDir() string {
	return filepath.Join(c.ChainDataDir(), "consensus")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingnet-verify.conf")
}

// Genesis returns the genesis for the node: GenesisFile when set, otherwise
// the built-in genesis for Network.
func (c *Config) Genesis() (*Genesis, error) {
	var g *Genesis
	if c.GenesisFile != "" {
		loaded, err := LoadGenesis(c.GenesisFile)
		if err != nil {
			return nil, err
		}
		g = loaded
	} else {
		g = GenesisFor(c.Network)
	}
	if c.GenesisHash != "" {
		g.BlockHash = c.GenesisHash
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
