// Package rotation schedules validator entries and exits on epoch
// boundaries. A validator moves Pending -> Active -> Exiting -> Removed;
// slashing below the minimum stake forces an exit.
package rotation

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/internal/slashing"
	"github.com/Klingon-tech/klingnet-consensus/internal/validator"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// Rotation errors.
var (
	ErrDuplicateRequest  = errors.New("duplicate validator request")
	ErrInvalidEpoch      = errors.New("epoch must increase")
	ErrInvalidConfig     = errors.New("invalid rotation config")
	ErrUnknownValidator  = validator.ErrUnknownValidator
	ErrInsufficientStake = validator.ErrInsufficientStake
)

// State is a validator's position in the rotation lifecycle.
type State uint8

const (
	Unknown State = iota
	Pending
	Active
	Exiting
	Removed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Exiting:
		return "exiting"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Config holds rotation parameters.
type Config struct {
	MinStake        uint64 `json:"min_stake"`
	MaxValidators   int    `json:"max_validators"`   // 0 means unlimited.
	ActivationDelay uint64 `json:"activation_delay"` // Epochs between request and activation.
	ExitDelay       uint64 `json:"exit_delay"`       // Epochs between request and removal.
}

// DefaultConfig returns the default rotation config.
func DefaultConfig() Config {
	return Config{
		MinStake:        1000,
		MaxValidators:   100,
		ActivationDelay: 1,
		ExitDelay:       1,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.ActivationDelay < 1 {
		return fmt.Errorf("%w: activation delay must be at least 1", ErrInvalidConfig)
	}
	if c.ExitDelay < 1 {
		return fmt.Errorf("%w: exit delay must be at least 1", ErrInvalidConfig)
	}
	if c.MaxValidators < 0 {
		return fmt.Errorf("%w: negative max validators", ErrInvalidConfig)
	}
	return nil
}

// PendingValidator is a queued activation.
type PendingValidator struct {
	Address         types.Address
	Stake           uint64
	ActivationEpoch uint64
}

// ExitingValidator is a scheduled removal.
type ExitingValidator struct {
	Address   types.Address
	ExitEpoch uint64
	Forced    bool
}

// EpochResult summarizes one epoch transition.
type EpochResult struct {
	Epoch     uint64
	Activated []types.Address
	Deferred  []types.Address // Due but over MaxValidators; retried next epoch.
	Removed   []types.Address
}

// Changed reports whether the active set changed.
func (r *EpochResult) Changed() bool {
	return len(r.Activated) > 0 || len(r.Removed) > 0
}

// Rotator owns the activation queue and exit schedule.
type Rotator struct {
	mu      sync.Mutex
	cfg     Config
	reg     *validator.Registry
	slasher *slashing.Manager

	epoch   uint64
	pending []types.Address // FIFO request order.
	exiting map[types.Address]*ExitingValidator
	removed map[types.Address]struct{}
}

// New creates a rotator over reg. slasher may be nil if SlashValidator is
// never called.
func New(cfg Config, reg *validator.Registry, slasher *slashing.Manager) (*Rotator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Rotator{
		cfg:     cfg,
		reg:     reg,
		slasher: slasher,
		exiting: make(map[types.Address]*ExitingValidator),
		removed: make(map[types.Address]struct{}),
	}, nil
}

// Epoch returns the current epoch.
func (r *Rotator) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// RequestValidatorAddition queues addr for activation and returns the epoch
// it becomes active in.
func (r *Rotator) RequestValidatorAddition(addr types.Address, stake uint64, pubKey []byte) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stake < r.cfg.MinStake {
		return 0, fmt.Errorf("%w: stake %d below minimum %d", ErrInsufficientStake, stake, r.cfg.MinStake)
	}
	if _, ok := r.reg.Get(addr); ok {
		return 0, fmt.Errorf("%w: %s is already active or pending", ErrDuplicateRequest, addr)
	}

	activation := r.epoch + r.cfg.ActivationDelay
	err := r.reg.Register(validator.Record{
		Address:         addr,
		Stake:           stake,
		PublicKey:       pubKey,
		ActivationEpoch: activation,
	})
	if err != nil {
		return 0, err
	}
	r.pending = append(r.pending, addr)
	delete(r.removed, addr)

	klog.Rotation.Info().
		Str("validator", addr.String()).
		Uint64("stake", stake).
		Uint64("activation_epoch", activation).
		Msg("Validator addition requested")
	return activation, nil
}

// RequestValidatorExit schedules an active validator's removal and returns
// the epoch it is removed in.
func (r *Rotator) RequestValidatorExit(addr types.Address) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exiting[addr]; ok {
		return 0, fmt.Errorf("%w: %s is already exiting", ErrDuplicateRequest, addr)
	}
	if !r.reg.IsActive(addr) {
		return 0, fmt.Errorf("%w: %s is not active", ErrUnknownValidator, addr)
	}

	exit := r.epoch + r.cfg.ExitDelay
	r.exiting[addr] = &ExitingValidator{Address: addr, ExitEpoch: exit}

	klog.Rotation.Info().
		Str("validator", addr.String()).
		Uint64("exit_epoch", exit).
		Msg("Validator exit requested")
	return exit, nil
}

// ProcessEpochTransition moves to newEpoch. Due activations run first in
// request order, capped at MaxValidators; the overflow is re-queued for the
// following epoch. Due exits then run unconditionally.
func (r *Rotator) ProcessEpochTransition(newEpoch uint64) (*EpochResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if newEpoch <= r.epoch {
		return nil, fmt.Errorf("%w: %d after %d", ErrInvalidEpoch, newEpoch, r.epoch)
	}
	r.epoch = newEpoch
	res := &EpochResult{Epoch: newEpoch}

	active := r.reg.ActiveCount()
	remaining := r.pending[:0]
	for _, addr := range r.pending {
		rec, ok := r.reg.Get(addr)
		if !ok {
			continue
		}
		if rec.ActivationEpoch > newEpoch {
			remaining = append(remaining, addr)
			continue
		}
		if r.cfg.MaxValidators > 0 && active >= r.cfg.MaxValidators {
			if err := r.reg.SetActivationEpoch(addr, newEpoch+1); err != nil {
				return nil, err
			}
			res.Deferred = append(res.Deferred, addr)
			remaining = append(remaining, addr)
			continue
		}
		if err := r.reg.Activate(addr, newEpoch); err != nil {
			return nil, err
		}
		active++
		res.Activated = append(res.Activated, addr)
	}
	r.pending = remaining

	var due []*ExitingValidator
	for _, ex := range r.exiting {
		if ex.ExitEpoch <= newEpoch {
			due = append(due, ex)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Address.Less(due[j].Address) })
	for _, ex := range due {
		if err := r.reg.Remove(ex.Address); err != nil {
			return nil, err
		}
		delete(r.exiting, ex.Address)
		r.removed[ex.Address] = struct{}{}
		res.Removed = append(res.Removed, ex.Address)
	}

	if res.Changed() || len(res.Deferred) > 0 {
		klog.Rotation.Info().
			Uint64("epoch", newEpoch).
			Int("activated", len(res.Activated)).
			Int("deferred", len(res.Deferred)).
			Int("removed", len(res.Removed)).
			Int("active", r.reg.ActiveCount()).
			Msg("Epoch transition")
	}
	return res, nil
}

// SlashValidator slashes through the slashing manager. A validator left below
// MinStake is forced out: an active one exits at the next epoch, a pending
// one is dropped from the queue.
func (r *Rotator) SlashValidator(ev *slashing.Evidence, height uint64) (*slashing.Event, error) {
	if r.slasher == nil {
		return nil, fmt.Errorf("%w: no slashing manager", ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	event, err := r.slasher.SlashValidator(ev, height)
	if err != nil {
		return nil, err
	}
	if event.StakeAfter >= r.cfg.MinStake {
		return event, nil
	}

	addr := ev.Validator
	if i := r.pendingIndexLocked(addr); i >= 0 {
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		if err := r.reg.Remove(addr); err != nil {
			return nil, err
		}
		r.removed[addr] = struct{}{}
		klog.Rotation.Warn().
			Str("validator", addr.String()).
			Uint64("stake", event.StakeAfter).
			Msg("Pending validator dropped below minimum stake")
		return event, nil
	}

	exit := r.epoch + 1
	if ex, ok := r.exiting[addr]; ok {
		if ex.ExitEpoch > exit {
			ex.ExitEpoch = exit
		}
		ex.Forced = true
	} else {
		r.exiting[addr] = &ExitingValidator{Address: addr, ExitEpoch: exit, Forced: true}
	}
	klog.Rotation.Warn().
		Str("validator", addr.String()).
		Uint64("stake", event.StakeAfter).
		Uint64("exit_epoch", exit).
		Msg("Forced exit below minimum stake")
	return event, nil
}

// State returns addr's lifecycle state.
func (r *Rotator) State(addr types.Address) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exiting[addr]; ok {
		return Exiting
	}
	if r.pendingIndexLocked(addr) >= 0 {
		return Pending
	}
	if r.reg.IsActive(addr) {
		return Active
	}
	if _, ok := r.removed[addr]; ok {
		return Removed
	}
	return Unknown
}

// Pending returns queued activations in request order.
func (r *Rotator) Pending() []PendingValidator {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PendingValidator, 0, len(r.pending))
	for _, addr := range r.pending {
		if rec, ok := r.reg.Get(addr); ok {
			out = append(out, PendingValidator{Address: addr, Stake: rec.Stake, ActivationEpoch: rec.ActivationEpoch})
		}
	}
	return out
}

// Exiting returns scheduled removals ordered by exit epoch, then address.
func (r *Rotator) Exiting() []ExitingValidator {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ExitingValidator, 0, len(r.exiting))
	for _, ex := range r.exiting {
		out = append(out, *ex)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExitEpoch != out[j].ExitEpoch {
			return out[i].ExitEpoch < out[j].ExitEpoch
		}
		return out[i].Address.Less(out[j].Address)
	})
	return out
}

func (r *Rotator) pendingIndexLocked(addr types.Address) int {
	for i, a := range r.pending {
		if a == addr {
			return i
		}
	}
	return -1
}
