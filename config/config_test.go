package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-consensus/internal/liveness"
)

func TestDefault_Valid(t *testing.T) {
	for _, n := range []NetworkType{Mainnet, Testnet} {
		cfg := Default(n)
		if cfg.Network != n {
			t.Errorf("Default(%s).Network = %s", n, cfg.Network)
		}
		if err := Validate(cfg); err != nil {
			t.Errorf("Default(%s) invalid: %v", n, err)
		}
	}
}

func TestLoadFile_ParsesKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.conf")
	content := `# comment
network = testnet
rpc.endpoint = "http://127.0.0.1:8645"
rpc.timeout = 3s
rpc.workers = 4
breaker.failures = 7
breaker.open = 1m
liveness.stall = 90s
metrics.enabled = yes
journal.enabled = off
api = on
api.allowed = 127.0.0.1, 10.0.0.0/8
unknown.key = ignored
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if values["rpc.endpoint"] != "http://127.0.0.1:8645" {
		t.Errorf("quotes not stripped: %q", values["rpc.endpoint"])
	}

	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if cfg.Network != Testnet {
		t.Errorf("network = %s, want testnet", cfg.Network)
	}
	if cfg.RPC.Timeout != 3*time.Second || cfg.RPC.Workers != 4 {
		t.Errorf("rpc = %+v", cfg.RPC)
	}
	if cfg.Breaker.FailureThreshold != 7 || cfg.Breaker.OpenDuration != time.Minute {
		t.Errorf("breaker = %+v", cfg.Breaker)
	}
	if !cfg.API.Enabled || len(cfg.API.AllowedIPs) != 2 || cfg.API.AllowedIPs[1] != "10.0.0.0/8" {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Liveness.StallAfter != 90*time.Second {
		t.Errorf("liveness.stall = %s, want 90s", cfg.Liveness.StallAfter)
	}
	if !cfg.Metrics.Enabled || cfg.Journal.Enabled {
		t.Errorf("metrics = %v, journal = %v", cfg.Metrics.Enabled, cfg.Journal.Enabled)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("values = %v, want empty", values)
	}
}

func TestLoadFile_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.conf")
	if err := os.WriteFile(path, []byte("network testnet\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for line without '='")
	}
}

func TestApplyFileConfig_BadValue(t *testing.T) {
	for _, kv := range [][2]string{
		{"rpc.timeout", "soon"},
		{"rpc.workers", "many"},
		{"breaker.failures", "-1"},
		{"liveness.minpeers", "x"},
	} {
		cfg := DefaultMainnet()
		err := ApplyFileConfig(cfg, map[string]string{kv[0]: kv[1]})
		if err == nil || !strings.Contains(err.Error(), kv[0]) {
			t.Errorf("%s=%s: err = %v, want error naming the key", kv[0], kv[1], err)
		}
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad network", func(c *Config) { c.Network = "devnet" }},
		{"endpoint without scheme", func(c *Config) { c.RPC.Endpoint = "127.0.0.1:8545" }},
		{"negative timeout", func(c *Config) { c.RPC.Timeout = -time.Second }},
		{"too many workers", func(c *Config) { c.RPC.Workers = 100 }},
		{"zero batch", func(c *Config) { c.RPC.BatchSize = 0 }},
		{"negative open", func(c *Config) { c.Breaker.OpenDuration = -1 }},
		{"stall before slow", func(c *Config) {
			c.Liveness.SlowAfter = time.Minute
			c.Liveness.StallAfter = time.Second
		}},
		{"metrics without port", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = "localhost"
		}},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"api without port", func(c *Config) {
			c.API.Enabled = true
			c.API.Addr = "localhost"
		}},
		{"api bad allowed entry", func(c *Config) {
			c.API.Enabled = true
			c.API.AllowedIPs = []string{"not-an-ip"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMainnet()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := Validate(nil); err == nil {
		t.Fatal("Validate(nil) should fail")
	}
}

func TestParseArgs(t *testing.T) {
	f, err := ParseArgs([]string{
		"--testnet",
		"--rpc=http://127.0.0.1:8645",
		"--rpc-timeout=2s",
		"--journal=false",
		"--max-height=500",
		"--log-json",
	}, io.Discard)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if f.Network != "testnet" || f.MaxHeight != 500 {
		t.Errorf("flags = %+v", f)
	}

	cfg := DefaultTestnet()
	ApplyFlags(cfg, f)
	if cfg.RPC.Endpoint != "http://127.0.0.1:8645" || cfg.RPC.Timeout != 2*time.Second {
		t.Errorf("rpc = %+v", cfg.RPC)
	}
	if cfg.Journal.Enabled {
		t.Error("--journal=false not applied")
	}
	if !cfg.Log.JSON {
		t.Error("--log-json not applied")
	}
	// Unset bool flags leave the config alone.
	if cfg.Metrics.Enabled {
		t.Error("metrics enabled without --metrics")
	}
}

func TestParseArgs_PositionalStopsParsing(t *testing.T) {
	if _, err := ParseArgs([]string{"--journal", "extra", "--log-json"}, io.Discard); err == nil {
		t.Fatal("expected error for flag after positional argument")
	}
}

func TestLoadWithFlags(t *testing.T) {
	dir := t.TempDir()
	f, err := ParseArgs([]string{"--datadir=" + dir, "--testnet", "--metrics"}, io.Discard)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	cfg, err := LoadWithFlags(f)
	if err != nil {
		t.Fatalf("LoadWithFlags: %v", err)
	}
	if cfg.Network != Testnet || !cfg.Metrics.Enabled {
		t.Errorf("cfg = %+v", cfg)
	}
	if _, err := os.Stat(cfg.ConfigFile()); err != nil {
		t.Errorf("default config not written: %v", err)
	}
	if _, err := os.Stat(cfg.ConsensusDir()); err != nil {
		t.Errorf("consensus dir not created: %v", err)
	}

	// The written default file loads back cleanly.
	values, err := LoadFile(cfg.ConfigFile())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if values["network"] != "testnet" {
		t.Errorf("network in default file = %q", values["network"])
	}
}

func TestConfig_Genesis(t *testing.T) {
	cfg := DefaultTestnet()
	g, err := cfg.Genesis()
	if err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	if g.ChainID != "klingnet-testnet-1" {
		t.Errorf("chain id = %q", g.ChainID)
	}

	path := filepath.Join(t.TempDir(), "genesis.json")
	custom := TestnetGenesis()
	custom.ChainID = "klingnet-devnet-7"
	if err := custom.Save(path); err != nil {
		t.Fatal(err)
	}
	cfg.GenesisFile = path
	g, err = cfg.Genesis()
	if err != nil {
		t.Fatalf("Genesis(file): %v", err)
	}
	if g.ChainID != "klingnet-devnet-7" {
		t.Errorf("chain id = %q, want the file's", g.ChainID)
	}
}

func TestConfig_ApplyLiveness(t *testing.T) {
	cfg := DefaultMainnet()
	cfg.Liveness.SyncAfter = time.Minute
	cfg.Liveness.MinPeers = 3

	lc := cfg.ApplyLiveness(liveness.DefaultConfig())
	if lc.SyncAfter != time.Minute || lc.MinPeers != 3 {
		t.Errorf("liveness = %+v", lc)
	}
	if lc.SlowAfter != liveness.DefaultConfig().SlowAfter {
		t.Errorf("unset slow threshold changed to %s", lc.SlowAfter)
	}

	bc := cfg.BreakerSettings()
	if bc.FailureThreshold != cfg.Breaker.FailureThreshold || bc.OpenDuration != cfg.Breaker.OpenDuration {
		t.Errorf("breaker = %+v", bc)
	}
}
