// Package slashing detects validator misbehavior, burns a share of stake and
// jails offenders for a number of blocks.
package slashing

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/internal/validator"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// Slashing errors.
var (
	ErrDuplicateEvidence = errors.New("evidence already processed")
	ErrUnknownReason     = errors.New("unknown slashing reason")
	ErrInvalidPenalty    = errors.New("invalid penalty")
	ErrInvalidEvidence   = errors.New("invalid evidence")
)

// Defaults.
const (
	DefaultMaxMissedBlocks = 50
	DefaultJailDuration    = 1000
	DefaultSignatureWindow = 1000
)

// Config holds slashing parameters.
type Config struct {
	MaxMissedBlocks uint64    `json:"max_missed_blocks"` // Consecutive misses tolerated.
	JailDuration    uint64    `json:"jail_duration"`     // In blocks.
	SignatureWindow uint64    `json:"signature_window"`  // Heights of signatures kept for double-sign checks.
	Penalties       Penalties `json:"penalties"`
}

// DefaultConfig returns the default slashing config.
func DefaultConfig() Config {
	return Config{
		MaxMissedBlocks: DefaultMaxMissedBlocks,
		JailDuration:    DefaultJailDuration,
		SignatureWindow: DefaultSignatureWindow,
		Penalties:       DefaultPenalties(),
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	return c.Penalties.Validate()
}

// Evidence is a claim of misbehavior.
type Evidence struct {
	Validator    types.Address `json:"validator"`
	Reason       Reason        `json:"reason"`
	Height       uint64        `json:"height"`
	BlockHash    types.Hash    `json:"block_hash"`
	ConflictHash types.Hash    `json:"conflict_hash"` // Second block signed at Height.
	Description  string        `json:"description,omitempty"`
}

type evidenceKey struct {
	validator types.Address
	reason    Reason
	height    uint64
}

func (ev *Evidence) key() evidenceKey {
	return evidenceKey{validator: ev.Validator, reason: ev.Reason, height: ev.Height}
}

// Event is an immutable record of an applied slash.
type Event struct {
	Validator   types.Address `json:"validator"`
	Reason      Reason        `json:"reason"`
	Height      uint64        `json:"height"` // Height the slash was applied at.
	Amount      uint64        `json:"amount"`
	StakeBefore uint64        `json:"stake_before"`
	StakeAfter  uint64        `json:"stake_after"`
	Jailed      bool          `json:"jailed"`
	JailUntil   uint64        `json:"jail_until,omitempty"`
}

// JailStatus describes a jailed validator. It is dropped once the chain
// reaches Until.
type JailStatus struct {
	Validator types.Address
	Reason    Reason
	Since     uint64
	Until     uint64
}

// Manager tracks misses, signatures, jail terms and slash history.
type Manager struct {
	mu  sync.Mutex
	cfg Config
	reg *validator.Registry

	missed     map[types.Address]uint64
	signatures map[uint64]map[types.Address]types.Hash // height -> signer -> block
	seen       map[evidenceKey]struct{}
	jailed     map[types.Address]*JailStatus
	history    []Event
	total      uint64
}

// New creates a slashing manager. reg may be nil when only Slash is used.
func New(cfg Config, reg *validator.Registry) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:        cfg,
		reg:        reg,
		missed:     make(map[types.Address]uint64),
		signatures: make(map[uint64]map[types.Address]types.Hash),
		seen:       make(map[evidenceKey]struct{}),
		jailed:     make(map[types.Address]*JailStatus),
	}, nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// RecordMissedBlock bumps addr's consecutive miss counter.
func (m *Manager) RecordMissedBlock(addr types.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missed[addr]++
}

// RecordSignedBlock resets addr's consecutive miss counter.
func (m *Manager) RecordSignedBlock(addr types.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.missed, addr)
}

// MissedBlocks returns addr's consecutive miss count.
func (m *Manager) MissedBlocks(addr types.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missed[addr]
}

// CheckOffline returns Offline evidence when addr has missed more than
// MaxMissedBlocks blocks in a row.
func (m *Manager) CheckOffline(addr types.Address, height uint64) (*Evidence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.missed[addr] <= m.cfg.MaxMissedBlocks {
		return nil, false
	}
	return &Evidence{
		Validator:   addr,
		Reason:      Offline,
		Height:      height,
		Description: fmt.Sprintf("missed %d consecutive blocks", m.missed[addr]),
	}, true
}

// CheckDoubleSigning records that addr signed hash at height and returns
// DoubleSigning evidence if addr already signed a different block there.
func (m *Manager) CheckDoubleSigning(addr types.Address, height uint64, hash types.Hash) (*Evidence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.SignatureWindow > 0 && height > m.cfg.SignatureWindow {
		m.pruneSignaturesLocked(height - m.cfg.SignatureWindow)
	}

	byAddr, ok := m.signatures[height]
	if !ok {
		byAddr = make(map[types.Address]types.Hash)
		m.signatures[height] = byAddr
	}
	prev, ok := byAddr[addr]
	if !ok {
		byAddr[addr] = hash
		return nil, false
	}
	if prev == hash {
		return nil, false
	}

	klog.Slashing.Warn().
		Str("validator", addr.String()).
		Uint64("height", height).
		Str("first", prev.Short()).
		Str("second", hash.Short()).
		Msg("Double signing detected")
	return &Evidence{
		Validator:    addr,
		Reason:       DoubleSigning,
		Height:       height,
		BlockHash:    prev,
		ConflictHash: hash,
	}, true
}

// Slash applies the penalty for ev to a stake and records the event. It does
// not touch the registry; SlashValidator does.
func (m *Manager) Slash(ev *Evidence, height, stake uint64) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, err := m.prepareLocked(ev, height, stake)
	if err != nil {
		return nil, err
	}
	m.commitLocked(ev, event)
	return event, nil
}

// SlashValidator reads the validator's stake from the registry, reduces it
// by the penalty and records the event.
func (m *Manager) SlashValidator(ev *Evidence, height uint64) (*Event, error) {
	if ev == nil {
		return nil, ErrInvalidEvidence
	}
	if m.reg == nil {
		return nil, fmt.Errorf("%w: no registry", validator.ErrUnknownValidator)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.reg.Get(ev.Validator)
	if !ok {
		return nil, fmt.Errorf("%w: %s", validator.ErrUnknownValidator, ev.Validator)
	}
	event, err := m.prepareLocked(ev, height, rec.Stake)
	if err != nil {
		return nil, err
	}
	after, err := m.reg.ReduceStake(ev.Validator, event.Amount)
	if err != nil {
		return nil, fmt.Errorf("reduce stake: %w", err)
	}
	event.StakeAfter = after
	m.commitLocked(ev, event)
	return event, nil
}

// ProcessUnjail releases every validator whose term ends at or before height
// and returns them sorted.
func (m *Manager) ProcessUnjail(height uint64) []types.Address {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []types.Address
	for addr, js := range m.jailed {
		if height >= js.Until {
			released = append(released, addr)
			delete(m.jailed, addr)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i].Less(released[j]) })
	for _, addr := range released {
		klog.Slashing.Info().
			Str("validator", addr.String()).
			Uint64("height", height).
			Msg("Validator unjailed")
	}
	return released
}

// IsJailed reports whether addr is serving a jail term.
func (m *Manager) IsJailed(addr types.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jailed[addr]
	return ok
}

// JailStatus returns a copy of addr's jail record.
func (m *Manager) JailStatus(addr types.Address) (JailStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	js, ok := m.jailed[addr]
	if !ok {
		return JailStatus{}, false
	}
	return *js, true
}

// History returns a copy of every applied slash, oldest first.
func (m *Manager) History() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.history))
	copy(out, m.history)
	return out
}

// TotalSlashed returns the stake burned so far.
func (m *Manager) TotalSlashed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// PruneSignatures forgets signatures below height.
func (m *Manager) PruneSignatures(below uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneSignaturesLocked(below)
}

func (m *Manager) pruneSignaturesLocked(below uint64) {
	for h := range m.signatures {
		if h < below {
			delete(m.signatures, h)
		}
	}
}

// prepareLocked validates ev and computes the event without mutating state.
func (m *Manager) prepareLocked(ev *Evidence, height, stake uint64) (*Event, error) {
	if ev == nil || ev.Validator.IsZero() {
		return nil, ErrInvalidEvidence
	}
	if !ev.Reason.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownReason, uint8(ev.Reason))
	}
	if _, dup := m.seen[ev.key()]; dup {
		return nil, fmt.Errorf("%w: %s %s at %d", ErrDuplicateEvidence, ev.Reason, ev.Validator, ev.Height)
	}

	pen := m.cfg.Penalties.For(ev.Reason)
	amount := PenaltyAmount(stake, pen.Percent)
	event := &Event{
		Validator:   ev.Validator,
		Reason:      ev.Reason,
		Height:      height,
		Amount:      amount,
		StakeBefore: stake,
		StakeAfter:  stake - amount,
	}
	if pen.Jail {
		event.Jailed = true
		event.JailUntil = height + m.cfg.JailDuration
		if js, ok := m.jailed[ev.Validator]; ok && js.Until > event.JailUntil {
			event.JailUntil = js.Until
		}
	}
	return event, nil
}

func (m *Manager) commitLocked(ev *Evidence, event *Event) {
	m.seen[ev.key()] = struct{}{}
	m.history = append(m.history, *event)
	m.total += event.Amount
	delete(m.missed, ev.Validator)

	if event.Jailed {
		js, ok := m.jailed[ev.Validator]
		if !ok {
			js = &JailStatus{Validator: ev.Validator, Since: event.Height}
			m.jailed[ev.Validator] = js
		}
		js.Reason = ev.Reason
		js.Until = event.JailUntil
	}

	klog.Slashing.Warn().
		Str("validator", ev.Validator.String()).
		Str("reason", ev.Reason.String()).
		Uint64("amount", event.Amount).
		Uint64("stake", event.StakeAfter).
		Bool("jailed", event.Jailed).
		Uint64("jail_until", event.JailUntil).
		Msg("Validator slashed")
}

// PenaltyAmount returns floor(stake * percent / 100), capped at stake.
func PenaltyAmount(stake, percent uint64) uint64 {
	if percent >= 100 {
		return stake
	}
	hi, lo := bits.Mul64(stake, percent)
	q, _ := bits.Div64(hi, lo, 100)
	return q
}
