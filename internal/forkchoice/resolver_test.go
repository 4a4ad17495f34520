package forkchoice

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Klingon-tech/klingnet-consensus/pkg/block"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// buildChain returns n refs above parent without touching any fork choice.
func buildChain(parent block.Ref, n int, proposer types.Address) []block.Ref {
	refs := make([]block.Ref, 0, n)
	for i := 0; i < n; i++ {
		parent = parent.Child(parent.Timestamp+3, proposer)
		refs = append(refs, parent)
	}
	return refs
}

func TestValidateChain(t *testing.T) {
	g := testGenesis()
	good := append([]block.Ref{g}, buildChain(g, 4, proposerA)...)

	if err := ValidateChain(good); err != nil {
		t.Fatalf("ValidateChain(good): %v", err)
	}
	if err := ValidateChain(nil); err != nil {
		t.Fatalf("ValidateChain(nil): %v", err)
	}

	tests := []struct {
		name  string
		chain func() []block.Ref
	}{
		{"broken link", func() []block.Ref {
			c := append([]block.Ref(nil), good...)
			c[3].ParentHash = types.Hash{0x99}
			return c
		}},
		{"height not increasing", func() []block.Ref {
			c := append([]block.Ref(nil), good...)
			c[2], c[3] = c[3], c[2]
			return c
		}},
		{"zero hash", func() []block.Ref {
			c := append([]block.Ref(nil), good...)
			c[1].Hash = types.Hash{}
			return c
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateChain(tt.chain()); !errors.Is(err, ErrInvalidChain) {
				t.Fatalf("err = %v, want ErrInvalidChain", err)
			}
		})
	}
}

func TestResolver_DetectReorg(t *testing.T) {
	fc, g := newTestForkChoice(t)
	r := NewResolver(fc, ResolverConfig{MaxReorgDepth: 3, FinalityThreshold: 10})

	trunk := extend(t, fc, g, 5, proposerA)
	current := append([]block.Ref{g}, trunk...)

	t.Run("extension is not a reorg", func(t *testing.T) {
		cand := append(append([]block.Ref(nil), current...), buildChain(trunk[4], 2, proposerA)...)
		reorg, err := r.DetectReorg(current, cand)
		if err != nil {
			t.Fatalf("DetectReorg: %v", err)
		}
		if reorg != nil {
			t.Fatalf("reorg = %+v, want nil", reorg)
		}
	})

	t.Run("shallow reorg", func(t *testing.T) {
		// Fork at height 3, drop 4 and 5.
		side := buildChain(trunk[2], 3, proposerB)
		cand := append(append([]block.Ref(nil), current[:4]...), side...)
		reorg, err := r.DetectReorg(current, cand)
		if err != nil {
			t.Fatalf("DetectReorg: %v", err)
		}
		if reorg.CommonAncestor != trunk[2].Hash {
			t.Fatalf("ancestor = %s, want %s", reorg.CommonAncestor.Short(), trunk[2].Hash.Short())
		}
		if reorg.Depth != 2 {
			t.Fatalf("depth = %d, want 2", reorg.Depth)
		}
		if diff := cmp.Diff(trunk[3:], reorg.Removed); diff != "" {
			t.Fatalf("removed mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(side, reorg.Added); diff != "" {
			t.Fatalf("added mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("candidate starting above ancestor", func(t *testing.T) {
		side := buildChain(trunk[2], 3, proposerB)
		reorg, err := r.DetectReorg(current, side)
		if err != nil {
			t.Fatalf("DetectReorg: %v", err)
		}
		if reorg.Depth != 2 || len(reorg.Added) != 3 {
			t.Fatalf("reorg depth=%d added=%d, want depth=2 added=3", reorg.Depth, len(reorg.Added))
		}
	})

	t.Run("too deep", func(t *testing.T) {
		side := buildChain(trunk[0], 6, proposerB)
		_, err := r.DetectReorg(current, side)
		if !errors.Is(err, ErrReorgTooDeep) {
			t.Fatalf("err = %v, want ErrReorgTooDeep", err)
		}
	})

	t.Run("no common ancestor", func(t *testing.T) {
		other := block.Genesis("other-chain", 1)
		cand := append([]block.Ref{other}, buildChain(other, 3, proposerB)...)
		_, err := r.DetectReorg(current, cand)
		if !errors.Is(err, ErrNoCommonAncestor) {
			t.Fatalf("err = %v, want ErrNoCommonAncestor", err)
		}
	})

	t.Run("removes finalized block", func(t *testing.T) {
		if err := fc.FinalizeBlock(trunk[3].Hash); err != nil {
			t.Fatalf("FinalizeBlock: %v", err)
		}
		side := buildChain(trunk[2], 2, proposerB)
		_, err := r.DetectReorg(current, side)
		if !errors.Is(err, ErrFinalizedConflict) {
			t.Fatalf("err = %v, want ErrFinalizedConflict", err)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		bad := []block.Ref{trunk[0], trunk[2]}
		if _, err := r.DetectReorg(bad, current); !errors.Is(err, ErrInvalidChain) {
			t.Fatalf("err = %v, want ErrInvalidChain", err)
		}
	})
}

func TestResolver_ProcessFinalization(t *testing.T) {
	fc, g := newTestForkChoice(t)
	r := NewResolver(fc, ResolverConfig{FinalityThreshold: 3})

	refs := extend(t, fc, g, 2, proposerA)
	newly, err := r.ProcessFinalization(append([]block.Ref{g}, refs...))
	if err != nil {
		t.Fatalf("ProcessFinalization: %v", err)
	}
	if len(newly) != 0 {
		t.Fatalf("finalized %d blocks below threshold, want 0", len(newly))
	}

	refs = append(refs, extend(t, fc, refs[1], 4, proposerA)...) // heights 1..6
	chain, err := fc.GetCanonicalChain(nil)
	if err != nil {
		t.Fatalf("GetCanonicalChain: %v", err)
	}
	newly, err = r.ProcessFinalization(chain)
	if err != nil {
		t.Fatalf("ProcessFinalization: %v", err)
	}
	want := []types.Hash{refs[0].Hash, refs[1].Hash, refs[2].Hash}
	if diff := cmp.Diff(want, newly); diff != "" {
		t.Fatalf("newly finalized mismatch (-want +got):\n%s", diff)
	}
	if h := fc.FinalizedHeight(); h != 3 {
		t.Fatalf("finalized height = %d, want 3", h)
	}

	// Same chain again: nothing new.
	chain, _ = fc.GetCanonicalChain(nil)
	newly, err = r.ProcessFinalization(chain)
	if err != nil {
		t.Fatalf("ProcessFinalization: %v", err)
	}
	if len(newly) != 0 {
		t.Fatalf("re-finalized %d blocks, want 0", len(newly))
	}
}

func TestResolver_Defaults(t *testing.T) {
	fc, _ := newTestForkChoice(t)
	cfg := NewResolver(fc, ResolverConfig{}).Config()
	if cfg.MaxReorgDepth != DefaultMaxReorgDepth {
		t.Fatalf("max reorg depth = %d, want %d", cfg.MaxReorgDepth, DefaultMaxReorgDepth)
	}
	if cfg.FinalityThreshold != DefaultFinalityThreshold {
		t.Fatalf("finality threshold = %d, want %d", cfg.FinalityThreshold, DefaultFinalityThreshold)
	}
}
