package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network     string
	DataDir     string
	Config      string
	Genesis     string
	GenesisHash string

	// Journal
	Journal bool

	// Reference node RPC
	RPCEndpoint string
	RPCTimeout  time.Duration
	RPCWorkers  int

	// Sync
	Follow    bool   // Keep following the reference node until interrupted
	MaxHeight uint64 // Stop syncing at this height (0 = node tip)

	// Verifier API
	API        bool
	APIAddr    string
	APIAllowed string
	APICORS    string

	// Metrics
	Metrics     bool
	MetricsAddr string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetJournal bool
	SetAPI     bool
	SetMetrics bool
	SetLogJSON bool
}

// ParseFlags parses os.Args and exits on error.
func ParseFlags() *Flags {
	f, err := ParseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return f
}

// ParseArgs parses command-line arguments.
func ParseArgs(args []string, output io.Writer) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("klingnet-verify", flag.ContinueOnError)
	fs.SetOutput(output)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.Genesis, "genesis", "", "Genesis file path")
	fs.StringVar(&f.GenesisHash, "genesis-hash", "", "Genesis block hash served by the reference node")

	// Journal
	fs.BoolVar(&f.Journal, "journal", true, "Record and replay the event journal")

	// RPC
	fs.StringVar(&f.RPCEndpoint, "rpc", "", "Reference node JSON-RPC endpoint")
	fs.DurationVar(&f.RPCTimeout, "rpc-timeout", 0, "Timeout per RPC call")
	fs.IntVar(&f.RPCWorkers, "rpc-workers", 0, "Concurrent header requests")
	fs.BoolVar(&f.Follow, "follow", false, "Keep following the reference node until interrupted")
	fs.Uint64Var(&f.MaxHeight, "max-height", 0, "Stop syncing at this height")

	// Verifier API
	fs.BoolVar(&f.API, "api", false, "Serve the verifier JSON-RPC API")
	fs.StringVar(&f.APIAddr, "api-addr", "", "API listen address")
	fs.StringVar(&f.APIAllowed, "api-allowed", "", "Allowed API client IPs (comma-separated)")
	fs.StringVar(&f.APICORS, "api-cors", "", "Allowed CORS origins for the API (comma-separated)")

	// Metrics
	fs.BoolVar(&f.Metrics, "metrics", false, "Serve Prometheus metrics")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Metrics listen address")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	// Custom usage
	fs.Usage = func() {
		printUsage(output)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Handle --testnet shorthand
	if *testnet {
		f.Network = string(Testnet)
	}
	f.SetJournal = isFlagSet(fs, "journal")
	f.SetAPI = isFlagSet(fs, "api")
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}

	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Genesis != "" {
		cfg.GenesisFile = f.Genesis
	}
	if f.GenesisHash != "" {
		cfg.GenesisHash = f.GenesisHash
	}

	// Journal
	if f.SetJournal {
		cfg.Journal.Enabled = f.Journal
	}

	// RPC
	if f.RPCEndpoint != "" {
		cfg.RPC.Endpoint = f.RPCEndpoint
	}
	if f.RPCTimeout != 0 {
		cfg.RPC.Timeout = f.RPCTimeout
	}
	if f.RPCWorkers != 0 {
		cfg.RPC.Workers = f.RPCWorkers
	}

	// Verifier API
	if f.SetAPI {
		cfg.API.Enabled = f.API
	}
	if f.APIAddr != "" {
		cfg.API.Addr = f.APIAddr
	}
	if f.APIAllowed != "" {
		cfg.API.AllowedIPs = parseStringList(f.APIAllowed)
	}
	if f.APICORS != "" {
		cfg.API.CORSOrigins = parseStringList(f.APICORS)
	}

	// Metrics
	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage(w io.Writer) {
	usage := `Klingnet Verify - replay and verify chain consensus

Usage:
  klingnet-verify [options]
  klingnet-verify --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.klingnet)
  --config, -c    Config file path (default: <datadir>/klingnet-verify.conf)
  --genesis       Genesis file (default: built-in genesis for the network)
  --genesis-hash  Genesis block hash served by the reference node

Journal Options:
  --journal       Record and replay the event journal (default: true)

Sync Options:
  --rpc           Reference node JSON-RPC endpoint (empty: replay only)
  --rpc-timeout   Timeout per RPC call (default: 10s)
  --rpc-workers   Concurrent header requests (default: 8)
  --follow        Keep following the reference node until interrupted
  --max-height    Stop syncing at this height (default: node tip)

API Options:
  --api           Serve the verifier JSON-RPC API
  --api-addr      API listen address (default: 127.0.0.1:8547)
  --api-allowed   Allowed API client IPs (comma-separated)
  --api-cors      Allowed CORS origins for the API (comma-separated)

Metrics Options:
  --metrics       Serve Prometheus metrics
  --metrics-addr  Metrics listen address (default: 127.0.0.1:9464)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Replay the local journal and print the consensus state
  klingnet-verify

  # Sync headers from a local testnet node
  klingnet-verify --testnet --rpc=http://127.0.0.1:8645

  # Follow a node and serve metrics and the query API
  klingnet-verify --rpc=http://127.0.0.1:8545 --follow --metrics --api

Note:
  Protocol rules (validators, rewards, finality, slashing) come from the
  genesis configuration and cannot be changed at runtime.
`
	fmt.Fprint(w, usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	// Handle help/version
	if flags.Help {
		printUsage(os.Stdout)
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("klingnet-verify version 0.1.0")
		os.Exit(0)
	}

	cfg, err := LoadWithFlags(flags)
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

// LoadWithFlags builds the config from defaults, the config file and flags.
func LoadWithFlags(flags *Flags) (*Config, error) {
	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}

	// Start with defaults
	cfg := Default(network)

	// Override datadir if specified
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	// Auto-create data directories and default config on first start.
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	// Determine config file path
	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	// Load config file
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Apply file config
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. This is idempotent, safe to call on
// every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.ConsensusDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
