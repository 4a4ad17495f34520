package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Klingon-tech/klingnet-consensus/internal/checkpoint"
	"github.com/Klingon-tech/klingnet-consensus/internal/consensus"
	"github.com/Klingon-tech/klingnet-consensus/internal/finality"
	"github.com/Klingon-tech/klingnet-consensus/internal/forkchoice"
	"github.com/Klingon-tech/klingnet-consensus/internal/reward"
	"github.com/Klingon-tech/klingnet-consensus/internal/rotation"
	"github.com/Klingon-tech/klingnet-consensus/internal/slashing"
	"github.com/Klingon-tech/klingnet-consensus/internal/validator"
	"github.com/Klingon-tech/klingnet-consensus/pkg/block"
	"github.com/Klingon-tech/klingnet-consensus/pkg/crypto"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// Genesis holds the chain identity and the consensus rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "KGX")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`
	BlockHash string `json:"block_hash,omitempty"` // Hex hash the chain serves at height 0

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	Consensus  ConsensusRules  `json:"consensus"`
	Staking    StakingRules    `json:"staking"`
	Slashing   SlashingRules   `json:"slashing"`
	Checkpoint CheckpointRules `json:"checkpoint"`
}

// GenesisValidator is a validator active from height 0.
type GenesisValidator struct {
	PubKey string `json:"pubkey"` // Compressed secp256k1, hex
	Stake  uint64 `json:"stake"`  // Base units
}

// ConsensusRules defines block timing, rewards and finality.
type ConsensusRules struct {
	// Block timing
	BlockTime   int    `json:"block_time"`   // Target seconds between blocks
	EpochLength uint64 `json:"epoch_length"` // Finalized blocks per epoch

	// Initial validator set
	Validators []GenesisValidator `json:"validators"`

	// Economics
	BlockReward     uint64 `json:"block_reward"`               // Base units per block
	HalvingInterval uint64 `json:"halving_interval,omitempty"` // Blocks between reward halvings (0 = no halving)
	MaxHalvings     uint64 `json:"max_halvings,omitempty"`     // Halvings after which rewards stop (0 = never)
	MinReward       uint64 `json:"min_reward,omitempty"`       // Rewards below this are paid as zero

	// Fork choice and finality
	MaxReorgDepth   uint64 `json:"max_reorg_depth"`
	FinalityDepth   uint64 `json:"finality_depth"`   // Blocks behind head that become final
	FinalityPercent uint64 `json:"finality_percent"` // Stake share that fast-finalizes a block
}

// StakingRules defines validator set rotation.
type StakingRules struct {
	ValidatorStake  uint64 `json:"validator_stake"` // Min stake to become validator (base units)
	MaxValidators   int    `json:"max_validators"`
	ActivationDelay uint64 `json:"activation_delay"` // Epochs
	ExitDelay       uint64 `json:"exit_delay"`       // Epochs
}

// SlashingRules defines misbehaviour penalties.
type SlashingRules struct {
	MaxMissedBlocks uint64             `json:"max_missed_blocks"`
	JailDuration    uint64             `json:"jail_duration"` // Blocks
	SignatureWindow uint64             `json:"signature_window"`
	Penalties       slashing.Penalties `json:"penalties"`
}

// CheckpointRules defines long-range protection.
type CheckpointRules struct {
	Interval               uint64 `json:"interval"`
	WeakSubjectivityPeriod uint64 `json:"weak_subjectivity_period"` // Blocks
	MaxCheckpointAge       uint64 `json:"max_checkpoint_age"`       // Seconds
	MaxFutureDrift         uint64 `json:"max_future_drift"`         // Seconds
	RequireRecent          bool   `json:"require_recent"`
}

// =============================================================================
// Testnet Identity
// =============================================================================

// TestnetValidatorPubKey is the compressed public key (hex) of the testnet
// genesis validator.
const TestnetValidatorPubKey = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-mainnet-1",
		ChainName: "Klingnet Mainnet",
		Symbol:    "KGX",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Klingnet Genesis",
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				BlockTime:   3, // 3 second blocks
				EpochLength: consensus.DefaultEpochLength,
				Validators: []GenesisValidator{
					{PubKey: "03cba4d0ee4c55f5ea620393a6e6e9dafe959bfa6ddff964221126a3e41ad0487d", Stake: 2000 * Coin},
				},
				BlockReward:     20 * MilliCoin, // 0.02 coins per block
				HalvingInterval: 21_024_000,     // ~2 years of 3 second blocks
				MaxHalvings:     32,
				MaxReorgDepth:   forkchoice.DefaultMaxReorgDepth,
				FinalityDepth:   forkchoice.DefaultFinalityThreshold,
				FinalityPercent: finality.DefaultThresholdPercent,
			},
			Staking: StakingRules{
				ValidatorStake:  2000 * Coin, // 2,000 KGX to become validator
				MaxValidators:   100,
				ActivationDelay: 1,
				ExitDelay:       1,
			},
			Slashing: SlashingRules{
				MaxMissedBlocks: slashing.DefaultMaxMissedBlocks,
				JailDuration:    slashing.DefaultJailDuration,
				SignatureWindow: slashing.DefaultSignatureWindow,
				Penalties:       slashing.DefaultPenalties(),
			},
			Checkpoint: CheckpointRules{
				Interval:               100,
				WeakSubjectivityPeriod: 10_000,
				MaxCheckpointAge:       14 * 24 * 3600,
				MaxFutureDrift:         120,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-testnet-1"
	g.ChainName = "Klingnet Testnet"
	g.ExtraData = "Klingnet Testnet Genesis"

	// More relaxed rules for testnet.
	g.Protocol.Staking.ValidatorStake = 1000 * Coin // Lower than mainnet (1,000 vs 2,000)
	g.Protocol.Consensus.EpochLength = 20
	g.Protocol.Consensus.Validators = []GenesisValidator{
		{PubKey: TestnetValidatorPubKey, Stake: 1000 * Coin},
	}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if g.BlockHash != "" {
		h, err := types.HexToHash(g.BlockHash)
		if err != nil {
			return fmt.Errorf("block_hash: %w", err)
		}
		if h.IsZero() {
			return fmt.Errorf("block_hash must not be zero")
		}
	}
	if g.Protocol.Consensus.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}
	if len(g.Protocol.Consensus.Validators) == 0 {
		return fmt.Errorf("at least one genesis validator is required")
	}
	if _, err := g.validatorRecords(); err != nil {
		return err
	}

	params, err := g.params()
	if err != nil {
		return err
	}
	return params.Validate()
}

// ConsensusParams converts the protocol rules into engine parameters.
// Liveness thresholds are node settings and take their defaults, scaled to
// the block time; callers override them from Config.
func (g *Genesis) ConsensusParams() (consensus.Params, error) {
	if err := g.Validate(); err != nil {
		return consensus.Params{}, err
	}
	return g.params()
}

// GenesisRef returns the genesis block reference. BlockHash pins the hash a
// reference node serves at height 0; without it the hash is derived from the
// chain identity and timestamp.
func (g *Genesis) GenesisRef() block.Ref {
	if g.BlockHash != "" {
		if h, err := types.HexToHash(g.BlockHash); err == nil && !h.IsZero() {
			return block.Ref{Hash: h, Timestamp: g.Timestamp}
		}
	}
	return block.Genesis(g.ChainID, g.Timestamp)
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}

func (g *Genesis) params() (consensus.Params, error) {
	records, err := g.validatorRecords()
	if err != nil {
		return consensus.Params{}, err
	}
	c := g.Protocol.Consensus
	p := consensus.DefaultParams()
	p.EpochLength = c.EpochLength
	p.Validators = records
	p.Reward = reward.Schedule{
		InitialReward: c.BlockReward,
		Interval:      c.HalvingInterval,
		MaxHalvings:   c.MaxHalvings,
		MinReward:     c.MinReward,
	}
	p.ForkChoice = forkchoice.ResolverConfig{
		MaxReorgDepth:     c.MaxReorgDepth,
		FinalityThreshold: c.FinalityDepth,
	}
	p.Finality = finality.Config{ThresholdPercent: c.FinalityPercent}

	s := g.Protocol.Staking
	p.Rotation = rotation.Config{
		MinStake:        s.ValidatorStake,
		MaxValidators:   s.MaxValidators,
		ActivationDelay: s.ActivationDelay,
		ExitDelay:       s.ExitDelay,
	}

	sl := g.Protocol.Slashing
	p.Slashing = slashing.Config{
		MaxMissedBlocks: sl.MaxMissedBlocks,
		JailDuration:    sl.JailDuration,
		SignatureWindow: sl.SignatureWindow,
		Penalties:       sl.Penalties,
	}

	cp := g.Protocol.Checkpoint
	p.Checkpoint = checkpoint.Config{
		Interval:                cp.Interval,
		MaxReorgDepth:           c.MaxReorgDepth,
		WeakSubjectivityPeriod:  cp.WeakSubjectivityPeriod,
		MaxCheckpointAge:        time.Duration(cp.MaxCheckpointAge) * time.Second,
		MaxFutureDrift:          time.Duration(cp.MaxFutureDrift) * time.Second,
		RequireRecentCheckpoint: cp.RequireRecent,
	}

	bt := time.Duration(c.BlockTime) * time.Second
	p.Liveness.ExpectedBlockTime = bt
	p.Liveness.SlowAfter = 3 * bt
	p.Liveness.SyncAfter = 10 * bt
	p.Liveness.StallAfter = 40 * bt
	return p, nil
}

func (g *Genesis) validatorRecords() ([]validator.Record, error) {
	seen := make(map[types.Address]struct{}, len(g.Protocol.Consensus.Validators))
	out := make([]validator.Record, 0, len(g.Protocol.Consensus.Validators))
	for i, v := range g.Protocol.Consensus.Validators {
		pub, err := hex.DecodeString(v.PubKey)
		if err != nil || len(pub) != 33 {
			return nil, fmt.Errorf("validators[%d]: pubkey must be 33-byte compressed hex", i)
		}
		if v.Stake == 0 {
			return nil, fmt.Errorf("validators[%d]: stake must be positive", i)
		}
		addr := crypto.AddressFromPubKey(pub)
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("validators[%d]: duplicate validator %s", i, addr)
		}
		seen[addr] = struct{}{}
		out = append(out, validator.Record{
			Address:   addr,
			Stake:     v.Stake,
			PublicKey: pub,
			Active:    true,
		})
	}
	return out, nil
}
