package forkchoice

import (
	"fmt"

	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/pkg/block"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// Resolver defaults.
const (
	DefaultMaxReorgDepth     = 100
	DefaultFinalityThreshold = 32
)

// ResolverConfig bounds reorgs and sets the depth-based finality rule.
type ResolverConfig struct {
	MaxReorgDepth     uint64 `json:"max_reorg_depth"`
	FinalityThreshold uint64 `json:"finality_threshold"` // Blocks behind head that become final.
}

// DefaultResolverConfig returns the default resolver settings.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		MaxReorgDepth:     DefaultMaxReorgDepth,
		FinalityThreshold: DefaultFinalityThreshold,
	}
}

// Reorg describes the switch from one chain to another.
type Reorg struct {
	CommonAncestor types.Hash
	Depth          uint64      // Blocks rolled back from the current tip.
	Removed        []block.Ref // Ascending height.
	Added          []block.Ref // Ascending height.
}

// Resolver checks chain switches against the safety bounds and applies the
// trailing-depth finality rule to a ForkChoice.
type Resolver struct {
	fc  *ForkChoice
	cfg ResolverConfig
}

// NewResolver creates a resolver over fc. Zero config fields take defaults.
func NewResolver(fc *ForkChoice, cfg ResolverConfig) *Resolver {
	if cfg.MaxReorgDepth == 0 {
		cfg.MaxReorgDepth = DefaultMaxReorgDepth
	}
	if cfg.FinalityThreshold == 0 {
		cfg.FinalityThreshold = DefaultFinalityThreshold
	}
	return &Resolver{fc: fc, cfg: cfg}
}

// Config returns the effective configuration.
func (r *Resolver) Config() ResolverConfig {
	return r.cfg
}

// DetectReorg compares the current chain with a candidate chain and describes
// the switch. Both chains must pass ValidateChain. A reorg deeper than
// MaxReorgDepth or one that would remove a finalized block is refused; both
// are safety violations, not retryable conditions.
//
// Returns nil, nil when candidate simply extends current.
func (r *Resolver) DetectReorg(current, candidate []block.Ref) (*Reorg, error) {
	if err := ValidateChain(current); err != nil {
		return nil, fmt.Errorf("current chain: %w", err)
	}
	if err := ValidateChain(candidate); err != nil {
		return nil, fmt.Errorf("candidate chain: %w", err)
	}
	if len(current) == 0 || len(candidate) == 0 {
		return nil, nil
	}

	ancIdx, candIdx, ok := commonAncestor(current, candidate)
	if !ok {
		return nil, fmt.Errorf("%w: current %s..%s, candidate %s..%s", ErrNoCommonAncestor,
			current[0], current[len(current)-1], candidate[0], candidate[len(candidate)-1])
	}

	removed := current[ancIdx+1:]
	if len(removed) == 0 {
		return nil, nil
	}

	tip := current[len(current)-1]
	ancestor := current[ancIdx]
	depth := tip.Height - ancestor.Height

	if depth > r.cfg.MaxReorgDepth {
		klog.ForkChoice.Error().
			Uint64("depth", depth).
			Uint64("max", r.cfg.MaxReorgDepth).
			Str("ancestor", ancestor.String()).
			Msg("Reorg exceeds maximum depth")
		return nil, fmt.Errorf("%w: depth %d exceeds max %d", ErrReorgTooDeep, depth, r.cfg.MaxReorgDepth)
	}
	for _, ref := range removed {
		if r.fc.IsFinalized(ref.Hash) {
			klog.ForkChoice.Error().
				Str("block", ref.String()).
				Msg("Reorg would remove finalized block")
			return nil, fmt.Errorf("%w: reorg removes finalized block %s", ErrFinalizedConflict, ref)
		}
	}

	reorg := &Reorg{
		CommonAncestor: ancestor.Hash,
		Depth:          depth,
		Removed:        append([]block.Ref(nil), removed...),
		Added:          append([]block.Ref(nil), candidate[candIdx+1:]...),
	}
	klog.ForkChoice.Info().
		Uint64("depth", depth).
		Int("added", len(reorg.Added)).
		Str("ancestor", ancestor.String()).
		Msg("Reorg detected")
	return reorg, nil
}

// ProcessFinalization finalizes every block of chain that is at least
// FinalityThreshold blocks below the chain's tip, and returns the hashes that
// became final in ascending height order.
func (r *Resolver) ProcessFinalization(chain []block.Ref) ([]types.Hash, error) {
	if err := ValidateChain(chain); err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, nil
	}
	tip := chain[len(chain)-1]
	if tip.Height < r.cfg.FinalityThreshold {
		return nil, nil
	}
	target := tip.Height - r.cfg.FinalityThreshold

	oldFin := r.fc.FinalizedHeight()
	if target <= oldFin {
		return nil, nil
	}

	// The deepest block of the chain that qualifies.
	var candidate *block.Ref
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Height <= target {
			candidate = &chain[i]
			break
		}
	}
	if candidate == nil || candidate.Height <= oldFin {
		return nil, nil
	}

	if err := r.fc.FinalizeBlock(candidate.Hash); err != nil {
		return nil, err
	}

	newly := make([]types.Hash, 0, candidate.Height-oldFin)
	for h := oldFin + 1; h <= candidate.Height; h++ {
		if hash, ok := r.fc.CanonicalHashAt(h); ok {
			newly = append(newly, hash)
		}
	}
	return newly, nil
}

// ValidateChain checks the chain against the resolver's rules.
func (r *Resolver) ValidateChain(chain []block.Ref) error {
	return ValidateChain(chain)
}

// ValidateChain checks that every ref is structurally valid, heights strictly
// increase and each ref links to its predecessor. The error names the first
// offending index.
func ValidateChain(chain []block.Ref) error {
	for i := range chain {
		if err := chain[i].Validate(); err != nil {
			return fmt.Errorf("%w: index %d: %v", ErrInvalidChain, i, err)
		}
		if i == 0 {
			continue
		}
		prev := chain[i-1]
		if chain[i].Height <= prev.Height {
			return fmt.Errorf("%w: index %d: height %d not above %d", ErrInvalidChain, i, chain[i].Height, prev.Height)
		}
		if chain[i].ParentHash != prev.Hash {
			return fmt.Errorf("%w: index %d: parent %s does not link to %s", ErrInvalidChain, i,
				chain[i].ParentHash.Short(), prev.Hash.Short())
		}
	}
	return nil
}

// commonAncestor finds the highest block of current that candidate builds on.
// It returns the index in current and the matching index in candidate (-1
// when the candidate starts directly above the ancestor).
func commonAncestor(current, candidate []block.Ref) (int, int, bool) {
	byHeight := make(map[uint64]int, len(current))
	for i, ref := range current {
		byHeight[ref.Height] = i
	}

	for j := len(candidate) - 1; j >= 0; j-- {
		if i, ok := byHeight[candidate[j].Height]; ok && current[i].Hash == candidate[j].Hash {
			return i, j, true
		}
	}
	// Candidate may start right above a block of current.
	for i := len(current) - 1; i >= 0; i-- {
		if current[i].Hash == candidate[0].ParentHash {
			return i, -1, true
		}
	}
	return 0, 0, false
}
