// Package finality implements fast finality: a block becomes final as soon as
// validators holding at least the threshold share of active stake have signed
// it, without waiting for depth.
package finality

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/internal/validator"
	"github.com/Klingon-tech/klingnet-consensus/pkg/crypto"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// DefaultThresholdPercent is the share of active stake that finalizes a block.
const DefaultThresholdPercent = 67

// Finality errors.
var (
	ErrUnknownValidator = validator.ErrUnknownValidator
	ErrInvalidSignature = errors.New("invalid vote signature")
	ErrMissingPublicKey = errors.New("validator has no registered public key")
	ErrInvalidThreshold = errors.New("threshold percent must be in 1..100")
)

// Config holds fast finality parameters.
type Config struct {
	ThresholdPercent uint64 `json:"threshold_percent"`
}

// DefaultConfig returns the default finality config.
func DefaultConfig() Config {
	return Config{ThresholdPercent: DefaultThresholdPercent}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.ThresholdPercent == 0 || c.ThresholdPercent > 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidThreshold, c.ThresholdPercent)
	}
	return nil
}

// Status is the tally for one block.
type Status struct {
	Hash         types.Hash
	SignedStake  uint64
	TotalStake   uint64
	StakePercent uint64
	Finalized    bool
	Signers      []types.Address // Sorted.
}

type tally struct {
	signers     map[types.Address]struct{}
	signedStake uint64
	percent     uint64
	finalized   bool
	opened      uint64 // Finalized height when the first vote arrived.
}

// Gadget tallies validator signatures per block against a snapshot of the
// validator set. Finalization is irrevocable.
type Gadget struct {
	mu sync.RWMutex

	cfg       Config
	set       *validator.Set
	tallies   map[types.Hash]*tally
	finalized uint64 // Last height passed to PruneStale.

	finalizeHandler func(types.Hash)
}

// New creates a gadget over the given validator set snapshot.
func New(cfg Config, set *validator.Set) (*Gadget, error) {
	if cfg.ThresholdPercent == 0 {
		cfg.ThresholdPercent = DefaultThresholdPercent
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gadget{
		cfg:     cfg,
		set:     set,
		tallies: make(map[types.Hash]*tally),
	}, nil
}

// SetFinalizeHandler registers a callback invoked (without the lock held)
// when a block crosses the threshold.
func (g *Gadget) SetFinalizeHandler(fn func(types.Hash)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finalizeHandler = fn
}

// AddSignature counts addr's stake toward hash. It returns whether the block
// is finalized after the call. Repeated signatures are ignored.
func (g *Gadget) AddSignature(hash types.Hash, addr types.Address) (bool, error) {
	g.mu.Lock()

	if !g.set.IsActive(addr) {
		g.mu.Unlock()
		return false, fmt.Errorf("%w: %s is not an active validator", ErrUnknownValidator, addr)
	}

	t := g.tallyLocked(hash)
	if _, dup := t.signers[addr]; dup {
		finalized := t.finalized
		g.mu.Unlock()
		return finalized, nil
	}
	t.signers[addr] = struct{}{}
	t.signedStake += g.set.StakeOf(addr)

	justFinalized := g.recomputeLocked(t)
	finalized := t.finalized
	percent := t.percent
	handler := g.finalizeHandler
	g.mu.Unlock()

	if justFinalized {
		klog.Finality.Info().
			Str("block", hash.Short()).
			Uint64("percent", percent).
			Msg("Block fast-finalized")
		if handler != nil {
			handler(hash)
		}
	}
	return finalized, nil
}

// AddSignedVote verifies sig as addr's Schnorr signature over hash and then
// counts it like AddSignature.
func (g *Gadget) AddSignedVote(hash types.Hash, addr types.Address, sig []byte) (bool, error) {
	g.mu.RLock()
	rec, ok := g.set.Get(addr)
	g.mu.RUnlock()

	if !ok || !rec.Active {
		return false, fmt.Errorf("%w: %s is not an active validator", ErrUnknownValidator, addr)
	}
	if !rec.HasPublicKey() {
		return false, fmt.Errorf("%w: %s", ErrMissingPublicKey, addr)
	}
	if !crypto.VerifySignature(hash[:], sig, rec.PublicKey) {
		return false, fmt.Errorf("%w: signer %s block %s", ErrInvalidSignature, addr, hash.Short())
	}
	return g.AddSignature(hash, addr)
}

// UpdateValidatorSet swaps the snapshot and recomputes the tallies of blocks
// that are not yet final. Finalized blocks keep their status. Signers that
// left the active set no longer count.
func (g *Gadget) UpdateValidatorSet(set *validator.Set) []types.Hash {
	g.mu.Lock()

	g.set = set
	var finalized []types.Hash
	for hash, t := range g.tallies {
		if t.finalized {
			continue
		}
		t.signedStake = 0
		for addr := range t.signers {
			t.signedStake += set.StakeOf(addr)
		}
		if g.recomputeLocked(t) {
			finalized = append(finalized, hash)
		}
	}
	handler := g.finalizeHandler
	g.mu.Unlock()

	sortHashes(finalized)
	klog.Finality.Debug().
		Int("validators", set.ActiveCount()).
		Uint64("total_stake", set.TotalStake()).
		Int("finalized", len(finalized)).
		Msg("Validator set updated")
	if handler != nil {
		for _, h := range finalized {
			handler(h)
		}
	}
	return finalized
}

// IsFinalized reports whether hash has crossed the threshold.
func (g *Gadget) IsFinalized(hash types.Hash) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tallies[hash]
	return ok && t.finalized
}

// StakePercent returns floor(100 * signed / total) for hash.
func (g *Gadget) StakePercent(hash types.Hash) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if t, ok := g.tallies[hash]; ok {
		return t.percent
	}
	return 0
}

// Status returns a copy of the tally for hash.
func (g *Gadget) Status(hash types.Hash) (Status, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.tallies[hash]
	if !ok {
		return Status{}, false
	}
	return Status{
		Hash:         hash,
		SignedStake:  t.signedStake,
		TotalStake:   g.set.TotalStake(),
		StakePercent: t.percent,
		Finalized:    t.finalized,
		Signers:      sortedSigners(t.signers),
	}, true
}

// Signers returns the sorted signer addresses for hash.
func (g *Gadget) Signers(hash types.Hash) []types.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if t, ok := g.tallies[hash]; ok {
		return sortedSigners(t.signers)
	}
	return nil
}

// Forget drops tallies for blocks that left the tree. Finalized tallies are kept.
func (g *Gadget) Forget(hashes []types.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, h := range hashes {
		if t, ok := g.tallies[h]; ok && !t.finalized {
			delete(g.tallies, h)
		}
	}
}

// PruneStale drops non-final tallies that can no longer finalize anything:
// those of known blocks at or below finalized, and those of blocks still
// unknown after the finalized height moved more than window past the first
// vote. heightOf reports a block's height and whether it is known. It returns
// the number of tallies dropped.
func (g *Gadget) PruneStale(finalized, window uint64, heightOf func(types.Hash) (uint64, bool)) int {
	g.mu.Lock()
	if finalized > g.finalized {
		g.finalized = finalized
	}
	open := make(map[types.Hash]uint64)
	for h, t := range g.tallies {
		if !t.finalized {
			open[h] = t.opened
		}
	}
	g.mu.Unlock()

	// heightOf runs without the lock held.
	var stale []types.Hash
	for h, opened := range open {
		if height, ok := heightOf(h); ok {
			if height <= finalized {
				stale = append(stale, h)
			}
			continue
		}
		if finalized > opened && finalized-opened > window {
			stale = append(stale, h)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, h := range stale {
		if t, ok := g.tallies[h]; ok && !t.finalized {
			delete(g.tallies, h)
			n++
		}
	}
	return n
}

// Pending returns the number of tallies that have not finalized.
func (g *Gadget) Pending() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, t := range g.tallies {
		if !t.finalized {
			n++
		}
	}
	return n
}

// Threshold returns the configured threshold percent.
func (g *Gadget) Threshold() uint64 {
	return g.cfg.ThresholdPercent
}

func (g *Gadget) tallyLocked(hash types.Hash) *tally {
	t, ok := g.tallies[hash]
	if !ok {
		t = &tally{signers: make(map[types.Address]struct{}), opened: g.finalized}
		g.tallies[hash] = t
	}
	return t
}

// recomputeLocked refreshes the percent of a non-final tally and reports
// whether this call finalized it.
func (g *Gadget) recomputeLocked(t *tally) bool {
	if t.finalized {
		return false
	}
	t.percent = Percent(t.signedStake, g.set.TotalStake())
	if t.percent >= g.cfg.ThresholdPercent {
		t.finalized = true
		return true
	}
	return false
}

// Percent returns floor(100 * part / total), or 0 when total is 0. The
// product is computed in 128 bits.
func Percent(part, total uint64) uint64 {
	if total == 0 {
		return 0
	}
	if part > total {
		part = total
	}
	hi, lo := bits.Mul64(part, 100)
	q, _ := bits.Div64(hi, lo, total)
	return q
}

func sortedSigners(m map[types.Address]struct{}) []types.Address {
	out := make([]types.Address, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func sortHashes(hs []types.Hash) {
	sort.Slice(hs, func(i, j int) bool {
		return string(hs[i][:]) < string(hs[j][:])
	})
}
