package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, NOT protocol rules.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value
	case "genesis":
		cfg.GenesisFile = value
	case "genesis.hash":
		cfg.GenesisHash = value

	// Journal
	case "journal.enabled", "journal":
		cfg.Journal.Enabled = parseBool(value)
	case "journal.inmemory":
		cfg.Journal.InMemory = parseBool(value)

	// Reference node RPC
	case "rpc.endpoint", "rpc":
		cfg.RPC.Endpoint = value
	case "rpc.timeout":
		cfg.RPC.Timeout, err = time.ParseDuration(value)
	case "rpc.workers":
		cfg.RPC.Workers, err = strconv.Atoi(value)
	case "rpc.batchsize":
		cfg.RPC.BatchSize, err = strconv.ParseUint(value, 10, 64)

	// Circuit breaker
	case "breaker.failures":
		cfg.Breaker.FailureThreshold, err = parseUint32(value)
	case "breaker.successes":
		cfg.Breaker.SuccessThreshold, err = parseUint32(value)
	case "breaker.open":
		cfg.Breaker.OpenDuration, err = time.ParseDuration(value)

	// Liveness
	case "liveness.slow":
		cfg.Liveness.SlowAfter, err = time.ParseDuration(value)
	case "liveness.sync":
		cfg.Liveness.SyncAfter, err = time.ParseDuration(value)
	case "liveness.stall":
		cfg.Liveness.StallAfter, err = time.ParseDuration(value)
	case "liveness.minpeers":
		cfg.Liveness.MinPeers, err = strconv.Atoi(value)

	// Verifier API
	case "api.enabled", "api":
		cfg.API.Enabled = parseBool(value)
	case "api.addr":
		cfg.API.Addr = value
	case "api.allowed":
		cfg.API.AllowedIPs = parseStringList(value)
	case "api.cors":
		cfg.API.CORSOrigins = parseStringList(value)

	// Metrics
	case "metrics.enabled", "metrics":
		cfg.Metrics.Enabled = parseBool(value)
	case "metrics.addr":
		cfg.Metrics.Addr = value
	case "metrics.namespace":
		cfg.Metrics.Namespace = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Klingnet Consensus Verifier Configuration
#
# This file contains NODE settings only.
# Protocol rules (validators, rewards, finality, slashing) are defined in
# the genesis configuration and cannot be changed without a hard fork.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet)
# datadir = ~/.klingnet

# Custom genesis file (default: built-in genesis for the network)
# genesis = /path/to/genesis.json

# Genesis block hash served by the reference node at height 0
# genesis.hash = <hex>

# ============================================================================
# Event Journal
# ============================================================================

journal.enabled = true
# journal.inmemory = false

# ============================================================================
# Reference Node RPC
# ============================================================================

# Header source; leave empty to only replay the journal
# rpc.endpoint = http://127.0.0.1:` + defaultRPCPort(network) + `
rpc.timeout = 10s
rpc.workers = 8
rpc.batchsize = 256

# ============================================================================
# Circuit Breaker
# ============================================================================

# breaker.failures = 5
# breaker.successes = 2
# breaker.open = 30s

# ============================================================================
# Liveness (defaults derive from the genesis block time)
# ============================================================================

# liveness.slow = 9s
# liveness.sync = 30s
# liveness.stall = 2m
# liveness.minpeers = 0

# ============================================================================
# Verifier API (JSON-RPC)
# ============================================================================

api.enabled = false
# api.addr = 127.0.0.1:` + defaultAPIPort(network) + `
# Allowed client IPs or CIDRs
# api.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# api.cors = http://localhost:3000

# ============================================================================
# Metrics
# ============================================================================

metrics.enabled = false
# metrics.addr = 127.0.0.1:9464
# metrics.namespace = klingnet

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

func defaultRPCPort(network NetworkType) string {
	if network == Testnet {
		return "8645"
	}
	return "8545"
}

func defaultAPIPort(network NetworkType) string {
	if network == Testnet {
		return "8647"
	}
	return "8547"
}
