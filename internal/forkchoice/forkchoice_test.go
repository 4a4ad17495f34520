package forkchoice

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/pkg/block"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

func init() {
	klog.Disable()
}

var (
	proposerA = types.Address{0xaa}
	proposerB = types.Address{0xbb}
)

func testGenesis() block.Ref {
	return block.Genesis("forkchoice-test", 1_700_000_000)
}

func newTestForkChoice(t *testing.T) (*ForkChoice, block.Ref) {
	t.Helper()
	g := testGenesis()
	fc, err := New(g)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fc, g
}

// extend appends n blocks on top of parent and returns them in order.
func extend(t *testing.T, fc *ForkChoice, parent block.Ref, n int, proposer types.Address) []block.Ref {
	t.Helper()
	refs := make([]block.Ref, 0, n)
	for i := 0; i < n; i++ {
		next := parent.Child(parent.Timestamp+3, proposer)
		if err := fc.AddBlock(next); err != nil {
			t.Fatalf("AddBlock(%s): %v", next, err)
		}
		refs = append(refs, next)
		parent = next
	}
	return refs
}

func TestForkChoice_SequentialBlocks(t *testing.T) {
	fc, g := newTestForkChoice(t)
	refs := extend(t, fc, g, 5, proposerA)

	if h := fc.Head().Height; h != 5 {
		t.Fatalf("head height = %d, want 5", h)
	}
	if fc.Head().Hash != refs[4].Hash {
		t.Fatalf("head = %s, want %s", fc.Head(), refs[4])
	}
	if h := fc.FinalizedHeight(); h != 0 {
		t.Fatalf("finalized height = %d, want 0", h)
	}

	if err := fc.FinalizeBlock(refs[2].Hash); err != nil {
		t.Fatalf("FinalizeBlock: %v", err)
	}
	if h := fc.FinalizedHeight(); h != 3 {
		t.Fatalf("finalized height = %d, want 3", h)
	}
	for _, r := range refs[:3] {
		if !fc.IsFinalized(r.Hash) {
			t.Fatalf("block %s should be finalized", r)
		}
	}
	if fc.IsFinalized(refs[3].Hash) {
		t.Fatalf("block %s should not be finalized", refs[3])
	}
}

func TestForkChoice_HeaviestSubtree(t *testing.T) {
	fc, g := newTestForkChoice(t)
	trunk := extend(t, fc, g, 10, proposerA)
	fork := trunk[9]

	branchA := extend(t, fc, fork, 4, proposerA) // child + 3 descendants
	branchB := extend(t, fc, fork, 2, proposerB) // child + 1 descendant

	head := fc.Head()
	if head.Hash != branchA[3].Hash {
		t.Fatalf("head = %s, want tip of branch A %s", head, branchA[3])
	}
	if !fc.IsCanonical(branchA[0].Hash) {
		t.Fatal("branch A child should be canonical")
	}
	if fc.IsCanonical(branchB[0].Hash) {
		t.Fatal("branch B child should not be canonical")
	}
	if got := fc.DescendantCount(branchA[0].Hash); got != 3 {
		t.Fatalf("branch A descendants = %d, want 3", got)
	}
	if got := fc.DescendantCount(branchB[0].Hash); got != 1 {
		t.Fatalf("branch B descendants = %d, want 1", got)
	}
}

func TestForkChoice_TieKeepsCurrentHead(t *testing.T) {
	fc, g := newTestForkChoice(t)
	a := extend(t, fc, g, 2, proposerA)
	b := extend(t, fc, g, 2, proposerB)

	if fc.Head().Hash != a[1].Hash {
		t.Fatalf("head = %s, want first-seen branch %s", fc.Head(), a[1])
	}

	// B pulls ahead, then A catches up: head must stay on B.
	b = append(b, extend(t, fc, b[1], 1, proposerB)...)
	if fc.Head().Hash != b[2].Hash {
		t.Fatalf("head = %s, want %s", fc.Head(), b[2])
	}
	extend(t, fc, a[1], 1, proposerA)
	if fc.Head().Hash != b[2].Hash {
		t.Fatalf("head flipped to %s on equal weight, want %s", fc.Head(), b[2])
	}
}

func TestForkChoice_AddBlockErrors(t *testing.T) {
	fc, g := newTestForkChoice(t)
	refs := extend(t, fc, g, 3, proposerA)

	t.Run("duplicate is a no-op", func(t *testing.T) {
		before := fc.Len()
		if err := fc.AddBlock(refs[1]); err != nil {
			t.Fatalf("AddBlock duplicate: %v", err)
		}
		if fc.Len() != before {
			t.Fatalf("len = %d, want %d", fc.Len(), before)
		}
	})

	t.Run("orphan", func(t *testing.T) {
		orphan := block.NewRef(types.Hash{0x01}, 7, 1, proposerA)
		if err := fc.AddBlock(orphan); !errors.Is(err, ErrOrphanBlock) {
			t.Fatalf("err = %v, want ErrOrphanBlock", err)
		}
	})

	t.Run("height gap", func(t *testing.T) {
		bad := block.NewRef(refs[2].Hash, refs[2].Height+2, 1, proposerA)
		if err := fc.AddBlock(bad); !errors.Is(err, ErrInvalidBlock) {
			t.Fatalf("err = %v, want ErrInvalidBlock", err)
		}
	})

	t.Run("zero hash", func(t *testing.T) {
		if err := fc.AddBlock(block.Ref{Height: 1, ParentHash: g.Hash}); !errors.Is(err, ErrInvalidBlock) {
			t.Fatalf("err = %v, want ErrInvalidBlock", err)
		}
	})

	t.Run("fork below finalized", func(t *testing.T) {
		if err := fc.FinalizeBlock(refs[1].Hash); err != nil {
			t.Fatalf("FinalizeBlock: %v", err)
		}
		side := refs[0].Child(99, proposerB)
		if err := fc.AddBlock(side); !errors.Is(err, ErrFinalizedConflict) {
			t.Fatalf("err = %v, want ErrFinalizedConflict", err)
		}
	})
}

func TestForkChoice_FinalizeErrors(t *testing.T) {
	fc, g := newTestForkChoice(t)
	main := extend(t, fc, g, 4, proposerA)
	side := extend(t, fc, g, 1, proposerB)

	if err := fc.FinalizeBlock(types.Hash{0x42}); !errors.Is(err, ErrInvalidFinalization) {
		t.Fatalf("unknown: err = %v, want ErrInvalidFinalization", err)
	}
	if err := fc.FinalizeBlock(side[0].Hash); !errors.Is(err, ErrInvalidFinalization) {
		t.Fatalf("non-canonical: err = %v, want ErrInvalidFinalization", err)
	}

	if err := fc.FinalizeBlock(main[2].Hash); err != nil {
		t.Fatalf("FinalizeBlock: %v", err)
	}
	// Finalizing an already final ancestor is a no-op.
	if err := fc.FinalizeBlock(main[0].Hash); err != nil {
		t.Fatalf("FinalizeBlock(ancestor): %v", err)
	}
	if h := fc.FinalizedHeight(); h != 3 {
		t.Fatalf("finalized height = %d, want 3", h)
	}
}

func TestForkChoice_PruneOnFinalize(t *testing.T) {
	fc, g := newTestForkChoice(t)
	main := extend(t, fc, g, 5, proposerA)
	side := extend(t, fc, main[0], 2, proposerB)
	late := extend(t, fc, main[3], 1, proposerB) // above the new finalized block, survives

	var pruned []types.Hash
	fc.SetPruneHandler(func(h []types.Hash) { pruned = append(pruned, h...) })

	if err := fc.FinalizeBlock(main[2].Hash); err != nil {
		t.Fatalf("FinalizeBlock: %v", err)
	}
	if len(pruned) != len(side) {
		t.Fatalf("pruned %d blocks, want %d", len(pruned), len(side))
	}
	for _, r := range side {
		if fc.Has(r.Hash) {
			t.Fatalf("side block %s should be pruned", r)
		}
	}
	if !fc.Has(late[0].Hash) {
		t.Fatal("descendant of finalized block should survive pruning")
	}
	if !fc.Has(g.Hash) {
		t.Fatal("genesis must survive pruning")
	}
}

func TestForkChoice_GetCanonicalChain(t *testing.T) {
	fc, g := newTestForkChoice(t)
	main := extend(t, fc, g, 4, proposerA)
	side := extend(t, fc, g, 1, proposerB)

	chain, err := fc.GetCanonicalChain(nil)
	if err != nil {
		t.Fatalf("GetCanonicalChain: %v", err)
	}
	want := append([]block.Ref{g}, main...)
	if diff := cmp.Diff(want, chain); diff != "" {
		t.Fatalf("canonical chain mismatch (-want +got):\n%s", diff)
	}

	from := main[1].Hash
	chain, err = fc.GetCanonicalChain(&from)
	if err != nil {
		t.Fatalf("GetCanonicalChain(from): %v", err)
	}
	if diff := cmp.Diff(main[1:], chain); diff != "" {
		t.Fatalf("chain from %s mismatch (-want +got):\n%s", main[1], diff)
	}

	bad := side[0].Hash
	if _, err := fc.GetCanonicalChain(&bad); !errors.Is(err, ErrNotCanonical) {
		t.Fatalf("err = %v, want ErrNotCanonical", err)
	}
}

// forkChoiceMachine drives random block insertions and finalizations and
// checks the head and finality invariants after every step.
type forkChoiceMachine struct {
	fc      *ForkChoice
	blocks  []block.Ref
	lastFin uint64
	ts      uint64
}

func (m *forkChoiceMachine) Init(t *rapid.T) {
	g := testGenesis()
	fc, err := New(g)
	require.NoError(t, err)
	m.fc = fc
	m.blocks = []block.Ref{g}
	m.ts = g.Timestamp
}

func (m *forkChoiceMachine) AddBlock(t *rapid.T) {
	parent := m.blocks[rapid.IntRange(0, len(m.blocks)-1).Draw(t, "parent").(int)]
	m.ts++
	ref := parent.Child(m.ts, types.Address{byte(m.ts)})
	err := m.fc.AddBlock(ref)
	switch {
	case err == nil:
		m.blocks = append(m.blocks, ref)
	case errors.Is(err, ErrFinalizedConflict):
		require.Less(t, parent.Height, m.fc.FinalizedHeight()+1)
	default:
		// Parents that were pruned are orphans now.
		require.ErrorIs(t, err, ErrOrphanBlock)
		require.False(t, m.fc.Has(parent.Hash))
	}
}

func (m *forkChoiceMachine) Finalize(t *rapid.T) {
	chain, err := m.fc.GetCanonicalChain(nil)
	require.NoError(t, err)
	target := chain[rapid.IntRange(0, len(chain)-1).Draw(t, "target").(int)]
	require.NoError(t, m.fc.FinalizeBlock(target.Hash))
}

func (m *forkChoiceMachine) Check(t *rapid.T) {
	fin := m.fc.Finalized()
	head := m.fc.Head()
	require.GreaterOrEqual(t, fin.Height, m.lastFin, "finalized height went backwards")
	m.lastFin = fin.Height
	require.True(t, m.fc.IsAncestor(fin.Hash, head.Hash), "head %s does not descend from finalized %s", head, fin)
	require.True(t, m.fc.IsCanonical(fin.Hash))
}

func TestForkChoice_Properties(t *testing.T) {
	rapid.Check(t, rapid.Run(&forkChoiceMachine{}))
}
