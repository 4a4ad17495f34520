package rpc

import (
	"github.com/Klingon-tech/klingnet-consensus/internal/breaker"
	"github.com/Klingon-tech/klingnet-consensus/internal/checkpoint"
	"github.com/Klingon-tech/klingnet-consensus/internal/finality"
	"github.com/Klingon-tech/klingnet-consensus/internal/liveness"
	"github.com/Klingon-tech/klingnet-consensus/internal/validator"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeHalted         = -32010
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// HashParam is used by endpoints that take a single block hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// HeightParam is used by endpoints that take a block height.
type HeightParam struct {
	Height uint64 `json:"height"`
}

// AddressParam is used by endpoints that take a validator address.
type AddressParam struct {
	Address string `json:"address"`
}

// SignatureParam is used by consensus_submitSignature.
type SignatureParam struct {
	Hash      string `json:"hash"`
	Validator string `json:"validator"`
	Signature string `json:"signature"` // Hex Schnorr signature over the block hash.
}

// ── Result types ────────────────────────────────────────────────────────

// ChainInfoResult is returned by chain_getInfo. It matches the reference
// node's shape so a verifier can itself serve as a header source's info call.
type ChainInfoResult struct {
	ChainID         string `json:"chain_id"`
	Symbol          string `json:"symbol"`
	Height          uint64 `json:"height"`
	TipHash         string `json:"tip_hash"`
	FinalizedHeight uint64 `json:"finalized_height"`
}

// VerifyResult is returned by consensus_verifyBlock.
type VerifyResult struct {
	Hash      string `json:"hash"`
	Canonical bool   `json:"canonical"`
	Finalized bool   `json:"finalized"`
}

// FinalityResult is returned by consensus_getFinality.
type FinalityResult struct {
	Hash         string   `json:"hash"`
	Finalized    bool     `json:"finalized"`
	Tracked      bool     `json:"tracked"` // Votes are being tallied for the block.
	SignedStake  uint64   `json:"signed_stake"`
	TotalStake   uint64   `json:"total_stake"`
	StakePercent uint64   `json:"stake_percent"`
	Signers      []string `json:"signers,omitempty"`
}

// NewFinalityResult converts a gadget status.
func NewFinalityResult(hash types.Hash, st finality.Status, tracked, finalized bool) *FinalityResult {
	r := &FinalityResult{
		Hash:      hash.String(),
		Finalized: finalized,
		Tracked:   tracked,
	}
	if !tracked {
		return r
	}
	r.SignedStake = st.SignedStake
	r.TotalStake = st.TotalStake
	r.StakePercent = st.StakePercent
	r.Signers = make([]string, len(st.Signers))
	for i, a := range st.Signers {
		r.Signers[i] = a.String()
	}
	return r
}

// SignatureResult is returned by consensus_submitSignature.
type SignatureResult struct {
	Hash      string `json:"hash"`
	Finalized bool   `json:"finalized"`
}

// RewardResult is returned by consensus_getBlockReward.
type RewardResult struct {
	Height uint64 `json:"height"`
	Reward uint64 `json:"reward"`
}

// CheckpointResult describes a stored checkpoint.
type CheckpointResult struct {
	Height    uint64 `json:"height"`
	Epoch     uint64 `json:"epoch"`
	BlockHash string `json:"block_hash"`
	StateRoot string `json:"state_root,omitempty"`
	Timestamp uint64 `json:"timestamp"`
}

// NewCheckpointResult converts a checkpoint.
func NewCheckpointResult(cp checkpoint.Checkpoint) CheckpointResult {
	r := CheckpointResult{
		Height:    cp.Height,
		Epoch:     cp.Epoch,
		BlockHash: cp.BlockHash.String(),
		Timestamp: cp.Timestamp,
	}
	if cp.StateRoot != nil {
		r.StateRoot = cp.StateRoot.String()
	}
	return r
}

// ValidatorResult describes a registered validator.
type ValidatorResult struct {
	Address         string `json:"address"`
	Stake           uint64 `json:"stake"`
	Active          bool   `json:"active"`
	State           string `json:"state"`
	ActivationEpoch uint64 `json:"activation_epoch"`
	HasPublicKey    bool   `json:"has_public_key"`
	Voting          bool   `json:"voting"` // Counts toward finality (active and not jailed).
}

// NewValidatorResult converts a registry record.
func NewValidatorResult(rec validator.Record, state string, voting bool) ValidatorResult {
	return ValidatorResult{
		Address:         rec.Address.String(),
		Stake:           rec.Stake,
		Active:          rec.Active,
		State:           state,
		ActivationEpoch: rec.ActivationEpoch,
		HasPublicKey:    rec.HasPublicKey(),
		Voting:          voting,
	}
}

// ValidatorListResult is returned by validator_list.
type ValidatorListResult struct {
	Epoch      uint64            `json:"epoch"`
	TotalStake uint64            `json:"total_stake"`
	Validators []ValidatorResult `json:"validators"`
}

// BreakerResult describes one circuit breaker.
type BreakerResult struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	TotalCalls          uint64 `json:"total_calls"`
	TotalFailures       uint64 `json:"total_failures"`
	TotalRejected       uint64 `json:"total_rejected"`
	OpenedAt            int64  `json:"opened_at,omitempty"` // Unix seconds.
}

// NewBreakerResult converts breaker stats.
func NewBreakerResult(st breaker.Stats) BreakerResult {
	r := BreakerResult{
		Name:                st.Name,
		State:               st.State.String(),
		ConsecutiveFailures: st.ConsecutiveFailures,
		TotalCalls:          st.TotalCalls,
		TotalFailures:       st.TotalFailures,
		TotalRejected:       st.TotalRejected,
	}
	if !st.OpenedAt.IsZero() {
		r.OpenedAt = st.OpenedAt.Unix()
	}
	return r
}

// LivenessResult is returned by liveness_getStatus.
type LivenessResult struct {
	Action         string `json:"action"`
	Synced         bool   `json:"synced"`
	LastHeight     uint64 `json:"last_height"`
	LastBlockTime  int64  `json:"last_block_time"` // Unix seconds.
	MissedSlots    uint64 `json:"missed_slots"`
	PeerCount      int    `json:"peer_count"`
	RecoveryCount  uint64 `json:"recovery_count"`
	BlocksRecorded uint64 `json:"blocks_recorded"`
	Orphans        int    `json:"orphans"`
}

// NewLivenessResult converts monitor stats.
func NewLivenessResult(st liveness.Stats, synced bool, orphans int) *LivenessResult {
	return &LivenessResult{
		Action:         st.LastAction.String(),
		Synced:         synced,
		LastHeight:     st.LastHeight,
		LastBlockTime:  st.LastBlockTime.Unix(),
		MissedSlots:    st.MissedSlots,
		PeerCount:      st.PeerCount,
		RecoveryCount:  st.RecoveryCount,
		BlocksRecorded: st.BlocksRecorded,
		Orphans:        orphans,
	}
}
