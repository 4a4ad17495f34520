// Package checkpoint guards against long-range attacks. It keeps an
// append-only list of finalized checkpoints, bounds reorg depth and refuses
// external checkpoints that conflict with what the node already knows.
package checkpoint

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/pkg/block"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// Checkpoint errors.
var (
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
	ErrReorgNotAllowed   = errors.New("reorg violates long-range protection")
	ErrConflict          = errors.New("finalized block conflicts with checkpoint")
)

// Checkpoint is a finalized block the node will never reorg past.
type Checkpoint struct {
	BlockHash types.Hash  `json:"block_hash"`
	Height    uint64      `json:"height"`
	Epoch     uint64      `json:"epoch"`
	StateRoot *types.Hash `json:"state_root,omitempty"`
	Timestamp uint64      `json:"timestamp"` // Unix seconds.
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("%d:%s", c.Height, c.BlockHash.Short())
}

// FromRef builds a checkpoint for a finalized block.
func FromRef(ref block.Ref, epoch uint64) Checkpoint {
	return Checkpoint{
		BlockHash: ref.Hash,
		Height:    ref.Height,
		Epoch:     epoch,
		Timestamp: ref.Timestamp,
	}
}

// Config holds long-range protection parameters.
type Config struct {
	Interval               uint64        `json:"interval"`        // Finalized blocks between automatic checkpoints.
	MaxReorgDepth          uint64        `json:"max_reorg_depth"` // Deepest reorg accepted.
	WeakSubjectivityPeriod uint64        `json:"weak_subjectivity_period"`
	MaxCheckpointAge       time.Duration `json:"max_checkpoint_age"`
	MaxFutureDrift         time.Duration `json:"max_future_drift"`

	// When set, CanSyncFromScratch requires a checkpoint younger than
	// MaxCheckpointAge.
	RequireRecentCheckpoint bool `json:"require_recent_checkpoint"`
}

// DefaultConfig returns the default long-range protection config.
func DefaultConfig() Config {
	return Config{
		Interval:               100,
		MaxReorgDepth:          100,
		WeakSubjectivityPeriod: 10_000,
		MaxCheckpointAge:       14 * 24 * time.Hour,
		MaxFutureDrift:         2 * time.Minute,
	}
}

// Manager holds the checkpoint list and the finalized height it protects.
type Manager struct {
	mu    sync.RWMutex
	cfg   Config
	clock clock.Clock

	checkpoints   []Checkpoint // Strictly increasing height.
	byHeight      map[uint64]int
	finalized     uint64
	finalizedHash types.Hash
}

// New creates a manager seeded with the genesis checkpoint. A nil clock
// uses wall time.
func New(cfg Config, genesis Checkpoint, clk clock.Clock) (*Manager, error) {
	if genesis.BlockHash.IsZero() {
		return nil, fmt.Errorf("%w: genesis checkpoint has zero hash", ErrInvalidCheckpoint)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:         cfg,
		clock:       clk,
		checkpoints:   []Checkpoint{genesis},
		byHeight:      map[uint64]int{genesis.Height: 0},
		finalized:     genesis.Height,
		finalizedHash: genesis.BlockHash,
	}, nil
}

// OnFinalized advances the finalized height and emits a checkpoint when at
// least Interval blocks were finalized since the last one. It returns the new
// checkpoint, or nil. A finalized block that differs from a stored checkpoint
// at its height returns ErrConflict and changes nothing.
func (m *Manager) OnFinalized(ref block.Ref, epoch uint64) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref.Height <= m.finalized {
		return nil, nil
	}
	if i, ok := m.byHeight[ref.Height]; ok && m.checkpoints[i].BlockHash != ref.Hash {
		return nil, fmt.Errorf("%w: %s finalized, checkpoint %s", ErrConflict, ref, m.checkpoints[i])
	}
	m.finalized = ref.Height
	m.finalizedHash = ref.Hash

	last := m.checkpoints[len(m.checkpoints)-1]
	if m.cfg.Interval == 0 || ref.Height <= last.Height || ref.Height-last.Height < m.cfg.Interval {
		return nil, nil
	}
	cp := FromRef(ref, epoch)
	if err := m.appendLocked(cp); err != nil {
		return nil, err
	}
	klog.Checkpoint.Info().
		Uint64("height", cp.Height).
		Uint64("epoch", cp.Epoch).
		Str("hash", cp.BlockHash.Short()).
		Msg("Checkpoint created")
	return &cp, nil
}

// AddCheckpoint appends cp. Its height must exceed the latest checkpoint.
func (m *Manager) AddCheckpoint(cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(cp)
}

// IsReorgAllowed reports whether a reorg of depth blocks is within bounds.
func (m *Manager) IsReorgAllowed(depth uint64) bool {
	return depth <= m.cfg.MaxReorgDepth
}

// IsWithinWeakSubjectivity reports whether height is recent enough, relative
// to the finalized height, to be trusted without a checkpoint.
func (m *Manager) IsWithinWeakSubjectivity(height uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return height+m.cfg.WeakSubjectivityPeriod >= m.finalized
}

// CheckReorg refuses a reorg whose fork point is below the latest
// checkpoint, or which is deeper than MaxReorgDepth.
func (m *Manager) CheckReorg(forkHeight, depth uint64) error {
	if !m.IsReorgAllowed(depth) {
		return fmt.Errorf("%w: depth %d exceeds %d", ErrReorgNotAllowed, depth, m.cfg.MaxReorgDepth)
	}
	m.mu.RLock()
	latest := m.checkpoints[len(m.checkpoints)-1]
	m.mu.RUnlock()
	if forkHeight < latest.Height {
		return fmt.Errorf("%w: fork at %d below checkpoint %s", ErrReorgNotAllowed, forkHeight, latest)
	}
	return nil
}

// ValidateExternalCheckpoint checks a checkpoint received from outside
// without storing it.
func (m *Manager) ValidateExternalCheckpoint(cp Checkpoint) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateExternalLocked(cp)
}

// AcceptExternalCheckpoint validates cp and stores it. On error nothing changes.
func (m *Manager) AcceptExternalCheckpoint(cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validateExternalLocked(cp); err != nil {
		klog.Checkpoint.Warn().Err(err).Str("checkpoint", cp.String()).Msg("External checkpoint rejected")
		return err
	}
	if _, known := m.byHeight[cp.Height]; known {
		return nil
	}
	return m.appendLocked(cp)
}

// CanSyncFromScratch reports whether a node starting from these checkpoints
// may sync without a trusted recent checkpoint.
func (m *Manager) CanSyncFromScratch() bool {
	if !m.cfg.RequireRecentCheckpoint {
		return true
	}
	m.mu.RLock()
	latest := m.checkpoints[len(m.checkpoints)-1]
	m.mu.RUnlock()

	now := unixSeconds(m.clock.Now())
	if latest.Timestamp >= now {
		return true
	}
	return now-latest.Timestamp <= durationSeconds(m.cfg.MaxCheckpointAge)
}

// Latest returns the highest checkpoint.
func (m *Manager) Latest() Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoints[len(m.checkpoints)-1]
}

// Checkpoints returns a copy of all checkpoints in height order.
func (m *Manager) Checkpoints() []Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Checkpoint, len(m.checkpoints))
	copy(out, m.checkpoints)
	return out
}

// At returns the checkpoint at height, if any.
func (m *Manager) At(height uint64) (Checkpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byHeight[height]
	if !ok {
		return Checkpoint{}, false
	}
	return m.checkpoints[i], true
}

// FinalizedHeight returns the finalized height the manager protects.
func (m *Manager) FinalizedHeight() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finalized
}

// Floor returns the highest checkpoint at or below height.
func (m *Manager) Floor(height uint64) (Checkpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.checkpoints), func(i int) bool { return m.checkpoints[i].Height > height })
	if i == 0 {
		return Checkpoint{}, false
	}
	return m.checkpoints[i-1], true
}

func (m *Manager) validateExternalLocked(cp Checkpoint) error {
	if cp.BlockHash.IsZero() {
		return fmt.Errorf("%w: zero block hash", ErrInvalidCheckpoint)
	}
	if i, ok := m.byHeight[cp.Height]; ok {
		if m.checkpoints[i].BlockHash != cp.BlockHash {
			return fmt.Errorf("%w: conflicts with %s", ErrInvalidCheckpoint, m.checkpoints[i])
		}
		return nil
	}
	if cp.Height < m.finalized {
		return fmt.Errorf("%w: height %d below finalized %d", ErrInvalidCheckpoint, cp.Height, m.finalized)
	}
	if cp.Height == m.finalized && cp.BlockHash != m.finalizedHash {
		return fmt.Errorf("%w: conflicts with finalized block %s at %d",
			ErrInvalidCheckpoint, m.finalizedHash.Short(), cp.Height)
	}
	limit := unixSeconds(m.clock.Now())
	if drift := durationSeconds(m.cfg.MaxFutureDrift); limit > math.MaxUint64-drift {
		limit = math.MaxUint64
	} else {
		limit += drift
	}
	if cp.Timestamp > limit {
		return fmt.Errorf("%w: timestamp %d is in the future", ErrInvalidCheckpoint, cp.Timestamp)
	}
	return nil
}

// unixSeconds converts t to Unix seconds, clamping times before 1970 to 0.
func unixSeconds(t time.Time) uint64 {
	if s := t.Unix(); s > 0 {
		return uint64(s)
	}
	return 0
}

func durationSeconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}

func (m *Manager) appendLocked(cp Checkpoint) error {
	if cp.BlockHash.IsZero() {
		return fmt.Errorf("%w: zero block hash", ErrInvalidCheckpoint)
	}
	last := m.checkpoints[len(m.checkpoints)-1]
	if cp.Height <= last.Height {
		return fmt.Errorf("%w: height %d not above latest %s", ErrInvalidCheckpoint, cp.Height, last)
	}
	m.byHeight[cp.Height] = len(m.checkpoints)
	m.checkpoints = append(m.checkpoints, cp)
	return nil
}
