// Package consensus composes fork choice, finality, long-range protection,
// validator rotation, slashing and liveness into the engine a client calls.
//
// Every mutation runs under the engine lock and touches components in a
// fixed order: fork choice, liveness, reorg checks, finalization,
// checkpointing, epoch rotation, unjailing, then double-sign detection.
// Component locks nest as engine, rotation, slashing, registry.
package consensus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/Klingon-tech/klingnet-consensus/internal/breaker"
	"github.com/Klingon-tech/klingnet-consensus/internal/checkpoint"
	"github.com/Klingon-tech/klingnet-consensus/internal/finality"
	"github.com/Klingon-tech/klingnet-consensus/internal/forkchoice"
	"github.com/Klingon-tech/klingnet-consensus/internal/journal"
	"github.com/Klingon-tech/klingnet-consensus/internal/liveness"
	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/internal/reward"
	"github.com/Klingon-tech/klingnet-consensus/internal/rotation"
	"github.com/Klingon-tech/klingnet-consensus/internal/slashing"
	"github.com/Klingon-tech/klingnet-consensus/internal/validator"
	"github.com/Klingon-tech/klingnet-consensus/pkg/block"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// Engine errors.
var (
	// ErrHalted wraps the safety violation that stopped the engine. A halted
	// engine refuses every mutation; an operator has to intervene.
	ErrHalted = errors.New("consensus halted")

	ErrNoValidators     = errors.New("no genesis validators")
	ErrInvalidParams    = errors.New("invalid consensus params")
	ErrNonCanonicalVote = errors.New("vote for a block off the canonical chain")
)

// DefaultEpochLength is the number of blocks per epoch.
const DefaultEpochLength = 100

// Params are the protocol rules the engine enforces.
type Params struct {
	EpochLength uint64             // Blocks per epoch, counted on finalized height.
	Validators  []validator.Record // Genesis validators; all start active.
	Reward      reward.Schedule
	ForkChoice  forkchoice.ResolverConfig
	Finality    finality.Config
	Rotation    rotation.Config
	Slashing    slashing.Config
	Checkpoint  checkpoint.Config
	Liveness    liveness.Config
	OrphanLimit int
}

// DefaultParams returns default rules with no validators.
func DefaultParams() Params {
	return Params{
		EpochLength: DefaultEpochLength,
		ForkChoice:  forkchoice.DefaultResolverConfig(),
		Finality:    finality.DefaultConfig(),
		Rotation:    rotation.DefaultConfig(),
		Slashing:    slashing.DefaultConfig(),
		Checkpoint:  checkpoint.DefaultConfig(),
		Liveness:    liveness.DefaultConfig(),
		OrphanLimit: DefaultOrphanLimit,
	}
}

// Validate checks the params.
func (p Params) Validate() error {
	if p.EpochLength == 0 {
		return fmt.Errorf("%w: epoch length must be positive", ErrInvalidParams)
	}
	if len(p.Validators) == 0 {
		return ErrNoValidators
	}
	if err := p.Reward.Validate(); err != nil {
		return fmt.Errorf("%w: reward: %v", ErrInvalidParams, err)
	}
	if err := p.Finality.Validate(); err != nil {
		return fmt.Errorf("%w: finality: %v", ErrInvalidParams, err)
	}
	if err := p.Rotation.Validate(); err != nil {
		return fmt.Errorf("%w: rotation: %v", ErrInvalidParams, err)
	}
	if err := p.Slashing.Validate(); err != nil {
		return fmt.Errorf("%w: slashing: %v", ErrInvalidParams, err)
	}
	return nil
}

// Options carries the engine's collaborators. Zero fields take defaults.
type Options struct {
	Clock    clock.Clock
	Metrics  *Metrics
	Breakers *breaker.Registry
	Journal  *journal.Journal // Records accepted inputs when set.
}

// State is a summary of the engine.
type State struct {
	Epoch            uint64     `json:"epoch"`
	Head             block.Ref  `json:"head"`
	FinalizedHeight  uint64     `json:"finalized_height"`
	FinalizedHash    types.Hash `json:"finalized_hash"`
	ActiveValidators int        `json:"active_validators"`
	TotalStake       uint64     `json:"total_stake"`
	Synced           bool       `json:"synced"`
	CircuitBroken    bool       `json:"circuit_broken"`
	Halted           bool       `json:"halted"`
}

// Engine is the consensus facade. Safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	params  Params
	clock   clock.Clock
	metrics *Metrics
	journal *journal.Journal

	registry    *validator.Registry
	forkChoice  *forkchoice.ForkChoice
	resolver    *forkchoice.Resolver
	gadget      *finality.Gadget
	checkpoints *checkpoint.Manager
	rotator     *rotation.Rotator
	slasher     *slashing.Manager
	liveness    *liveness.Monitor
	breakers    *breaker.Registry
	orphans     *OrphanPool

	set    *validator.Set // Finality voters: active and not jailed.
	jailed int
	halted error
}

// New builds an engine at genesis.
func New(params Params, genesis block.Ref, opts Options) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewRegistry(breaker.DefaultConfig(), opts.Clock)
	}

	reg := validator.NewRegistry()
	for _, rec := range params.Validators {
		rec.Active = true
		rec.ActivationEpoch = 0
		if err := reg.Register(rec); err != nil {
			return nil, fmt.Errorf("genesis validator: %w", err)
		}
	}

	fc, err := forkchoice.New(genesis)
	if err != nil {
		return nil, err
	}
	slasher, err := slashing.New(params.Slashing, reg)
	if err != nil {
		return nil, err
	}
	rotator, err := rotation.New(params.Rotation, reg, slasher)
	if err != nil {
		return nil, err
	}
	cps, err := checkpoint.New(params.Checkpoint, checkpoint.FromRef(genesis, 0), opts.Clock)
	if err != nil {
		return nil, err
	}
	orphans, err := NewOrphanPool(params.OrphanLimit)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		params:      params,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		journal:     opts.Journal,
		registry:    reg,
		forkChoice:  fc,
		resolver:    forkchoice.NewResolver(fc, params.ForkChoice),
		checkpoints: cps,
		rotator:     rotator,
		slasher:     slasher,
		liveness:    liveness.New(params.Liveness, opts.Clock),
		breakers:    opts.Breakers,
		orphans:     orphans,
	}
	e.set = e.validatorSetLocked()
	e.gadget, err = finality.New(params.Finality, e.set)
	if err != nil {
		return nil, err
	}
	fc.SetPruneHandler(e.gadget.Forget)
	e.liveness.RecordBlock(genesis.Height)
	e.updateMetricsLocked()

	klog.Consensus.Info().
		Str("genesis", genesis.String()).
		Int("validators", e.set.ActiveCount()).
		Uint64("total_stake", e.set.TotalStake()).
		Uint64("epoch_length", params.EpochLength).
		Msg("Consensus engine started")
	return e, nil
}

// VerifyBlock reports whether hash is a known block on the canonical chain.
// An unknown or side-branch block is not an error, just not verified.
func (e *Engine) VerifyBlock(hash types.Hash) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.haltedLocked(); err != nil {
		return false, err
	}
	return e.forkChoice.IsCanonical(hash), nil
}

// CheckFinality reports whether hash is final, by the trailing window or by
// stake-weighted votes. Votes only finalize a block on the canonical chain; a
// block that has enough votes but has not arrived is not final yet.
func (e *Engine) CheckFinality(hash types.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.forkChoice.IsFinalized(hash) {
		return true
	}
	return e.gadget.IsFinalized(hash) && e.forkChoice.IsCanonical(hash)
}

// GetConsensusState returns a consistent summary of the engine.
func (e *Engine) GetConsensusState() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	fin := e.forkChoice.Finalized()
	return State{
		Epoch:            e.rotator.Epoch(),
		Head:             e.forkChoice.Head(),
		FinalizedHeight:  fin.Height,
		FinalizedHash:    fin.Hash,
		ActiveValidators: e.set.ActiveCount(),
		TotalStake:       e.set.TotalStake(),
		Synced:           e.liveness.IsSynced(),
		CircuitBroken:    e.breakers.AnyOpen(),
		Halted:           e.halted != nil,
	}
}

// CalculateBlockReward returns the block reward at height.
func (e *Engine) CalculateBlockReward(height uint64) uint64 {
	return e.params.Reward.Reward(height)
}

// IsCircuitBroken reports whether any external data source is cut off.
func (e *Engine) IsCircuitBroken() bool {
	broken := e.breakers.AnyOpen()
	e.metrics.CircuitBroken.Set(boolGauge(broken))
	return broken
}

// Breakers returns the breaker registry guarding external sources.
func (e *Engine) Breakers() *breaker.Registry {
	return e.breakers
}

// Halted returns the safety violation that halted the engine, or nil.
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Head returns the canonical head.
func (e *Engine) Head() block.Ref {
	return e.forkChoice.Head()
}

// Finalized returns the finalized block.
func (e *Engine) Finalized() block.Ref {
	return e.forkChoice.Finalized()
}

// Validators returns the validators currently counted for finality.
func (e *Engine) Validators() *validator.Set {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// AllValidators returns every registered validator, pending and jailed
// members included.
func (e *Engine) AllValidators() *validator.Set {
	return e.registry.Snapshot()
}

// Epoch returns the current epoch.
func (e *Engine) Epoch() uint64 {
	return e.rotator.Epoch()
}

// ValidatorState returns addr's lifecycle state.
func (e *Engine) ValidatorState(addr types.Address) rotation.State {
	return e.rotator.State(addr)
}

// FinalityStatus returns the vote tally for hash.
func (e *Engine) FinalityStatus(hash types.Hash) (finality.Status, bool) {
	return e.gadget.Status(hash)
}

// Checkpoints returns every checkpoint in height order.
func (e *Engine) Checkpoints() []checkpoint.Checkpoint {
	return e.checkpoints.Checkpoints()
}

// SlashHistory returns every applied slash in order.
func (e *Engine) SlashHistory() []slashing.Event {
	return e.slasher.History()
}

// Liveness returns the liveness monitor statistics.
func (e *Engine) Liveness() liveness.Stats {
	return e.liveness.Stats()
}

// CheckLiveness evaluates chain progress now.
func (e *Engine) CheckLiveness() liveness.Action {
	return e.liveness.CheckLiveness()
}

// SetPeerCount reports the transport's peer count to the liveness monitor.
func (e *Engine) SetPeerCount(n int) {
	e.liveness.SetPeerCount(n)
}

// CanSyncFromScratch reports whether the checkpoints allow a genesis sync.
func (e *Engine) CanSyncFromScratch() bool {
	return e.checkpoints.CanSyncFromScratch()
}

// OrphanCount returns the number of buffered orphans.
func (e *Engine) OrphanCount() int {
	return e.orphans.Len()
}

func (e *Engine) haltedLocked() error {
	if e.halted == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrHalted, e.halted)
}

// haltLocked stops the engine on a safety violation.
func (e *Engine) haltLocked(cause error) error {
	e.halted = cause
	e.metrics.Halted.Set(1)
	klog.Consensus.Error().Err(cause).Msg("Consensus halted on safety violation")
	return fmt.Errorf("%w: %w", ErrHalted, cause)
}

// validatorSetLocked snapshots the registry with jailed validators excluded.
func (e *Engine) validatorSetLocked() *validator.Set {
	recs := e.registry.Snapshot().Records()
	jailed := 0
	for i := range recs {
		if recs[i].Active && e.slasher.IsJailed(recs[i].Address) {
			recs[i].Active = false
			jailed++
		}
	}
	e.jailed = jailed
	return validator.NewSet(recs)
}

// recordIfHalted journals an input that halted the engine, so a replay halts
// at the same point.
func (e *Engine) recordIfHalted(ev journal.Event) {
	if e.halted != nil {
		e.record(ev)
	}
}

func (e *Engine) record(ev journal.Event) {
	if e.journal == nil {
		return
	}
	if _, err := e.journal.Append(ev); err != nil {
		klog.Consensus.Error().Err(err).Str("kind", ev.Kind.String()).Msg("Failed to journal event")
	}
}

func (e *Engine) updateMetricsLocked() {
	e.metrics.Height.Set(float64(e.forkChoice.Head().Height))
	e.metrics.FinalizedHeight.Set(float64(e.forkChoice.FinalizedHeight()))
	e.metrics.Epoch.Set(float64(e.rotator.Epoch()))
	e.metrics.Validators.Set(float64(e.set.ActiveCount()))
	e.metrics.ValidatorsStake.Set(float64(e.set.TotalStake()))
	e.metrics.Jailed.Set(float64(e.jailed))
	e.metrics.Orphans.Set(float64(e.orphans.Len()))
	e.metrics.CircuitBroken.Set(boolGauge(e.breakers.AnyOpen()))
}
