package forkchoice

import (
	"fmt"
	"sync"

	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/pkg/block"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// PruneHandler is called after finalization with the hashes of every block
// that was dropped from the tree. It runs without the fork choice lock held.
type PruneHandler func(pruned []types.Hash)

// node is one block in the arena. Children are stored as hashes so the tree
// has no pointer cycles.
type node struct {
	ref         block.Ref
	children    []types.Hash
	descendants uint64 // Blocks below this one; maintained down to the finalized block.
	finalized   bool
}

// ForkChoice keeps the block tree and picks the canonical head with the
// heaviest-subtree rule: starting at the finalized block, repeatedly descend
// into the child with the most descendants.
type ForkChoice struct {
	mu sync.RWMutex

	nodes     map[types.Hash]*node
	root      types.Hash            // Lowest retained block (genesis).
	finalized types.Hash            // Latest finalized block.
	head      types.Hash            // Current canonical head.
	canonical map[uint64]types.Hash // height -> hash along root..head.

	pruneHandler PruneHandler
}

// New creates a fork choice rooted at genesis. Genesis is finalized.
func New(genesis block.Ref) (*ForkChoice, error) {
	if genesis.Hash.IsZero() {
		return nil, fmt.Errorf("%w: genesis hash is zero", ErrInvalidBlock)
	}
	n := &node{ref: genesis, finalized: true}
	return &ForkChoice{
		nodes:     map[types.Hash]*node{genesis.Hash: n},
		root:      genesis.Hash,
		finalized: genesis.Hash,
		head:      genesis.Hash,
		canonical: map[uint64]types.Hash{genesis.Height: genesis.Hash},
	}, nil
}

// SetPruneHandler registers a callback for pruned blocks.
func (fc *ForkChoice) SetPruneHandler(h PruneHandler) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.pruneHandler = h
}

// AddBlock inserts ref into the tree and recomputes the head. Adding a known
// block is a no-op. An unknown parent returns ErrOrphanBlock; there is no
// internal retry.
func (fc *ForkChoice) AddBlock(ref block.Ref) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if _, ok := fc.nodes[ref.Hash]; ok {
		return nil
	}
	parent, ok := fc.nodes[ref.ParentHash]
	if !ok {
		return fmt.Errorf("%w: block %s parent %s", ErrOrphanBlock, ref, ref.ParentHash.Short())
	}
	if ref.Height != parent.ref.Height+1 {
		return fmt.Errorf("%w: height %d under parent at height %d", ErrInvalidBlock, ref.Height, parent.ref.Height)
	}
	fin := fc.nodes[fc.finalized]
	if parent.ref.Height < fin.ref.Height || !fc.isAncestorLocked(fc.finalized, parent.ref.Hash) {
		return fmt.Errorf("%w: block %s forks below finalized height %d", ErrFinalizedConflict, ref, fin.ref.Height)
	}

	fc.nodes[ref.Hash] = &node{ref: ref}
	parent.children = append(parent.children, ref.Hash)

	// Descendant counts only matter from the finalized block down.
	for h := ref.ParentHash; ; {
		n := fc.nodes[h]
		n.descendants++
		if h == fc.finalized {
			break
		}
		h = n.ref.ParentHash
	}

	oldHead := fc.head
	fc.updateHeadLocked()

	if fc.head != oldHead {
		klog.ForkChoice.Debug().
			Uint64("height", fc.nodes[fc.head].ref.Height).
			Str("head", fc.head.Short()).
			Msg("Head updated")
	}
	return nil
}

// FinalizeBlock finalizes hash and every canonical ancestor of it, then prunes
// branches that no longer descend from it. hash must be on the canonical
// chain; finalizing anything else returns ErrInvalidFinalization.
func (fc *ForkChoice) FinalizeBlock(hash types.Hash) error {
	fc.mu.Lock()

	n, ok := fc.nodes[hash]
	if !ok {
		fc.mu.Unlock()
		return fmt.Errorf("%w: unknown block %s", ErrInvalidFinalization, hash.Short())
	}
	if !fc.isCanonicalLocked(n) {
		fc.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidFinalization, n.ref)
	}
	oldFin := fc.nodes[fc.finalized]
	if n.ref.Height <= oldFin.ref.Height {
		// Canonical and at or below the finalized height: already final.
		fc.mu.Unlock()
		return nil
	}

	for cur := n; cur.ref.Hash != oldFin.ref.Hash; cur = fc.nodes[cur.ref.ParentHash] {
		cur.finalized = true
	}
	fc.finalized = hash
	pruned := fc.pruneLocked(oldFin.ref.Hash, hash)
	handler := fc.pruneHandler
	fc.mu.Unlock()

	klog.ForkChoice.Info().
		Uint64("height", n.ref.Height).
		Str("hash", hash.Short()).
		Int("pruned", len(pruned)).
		Msg("Block finalized")

	if handler != nil && len(pruned) > 0 {
		handler(pruned)
	}
	return nil
}

// GetCanonicalChain returns the canonical chain from `from` (default: the
// finalized block) to the head, in ascending height order.
func (fc *ForkChoice) GetCanonicalChain(from *types.Hash) ([]block.Ref, error) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	start := fc.finalized
	if from != nil {
		start = *from
	}
	n, ok := fc.nodes[start]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, start.Short())
	}
	if !fc.isCanonicalLocked(n) {
		return nil, fmt.Errorf("%w: %s", ErrNotCanonical, n.ref)
	}

	headHeight := fc.nodes[fc.head].ref.Height
	chain := make([]block.Ref, 0, headHeight-n.ref.Height+1)
	for h := n.ref.Height; h <= headHeight; h++ {
		chain = append(chain, fc.nodes[fc.canonical[h]].ref)
	}
	return chain, nil
}

// Head returns the canonical head.
func (fc *ForkChoice) Head() block.Ref {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.nodes[fc.head].ref
}

// Finalized returns the latest finalized block.
func (fc *ForkChoice) Finalized() block.Ref {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.nodes[fc.finalized].ref
}

// FinalizedHeight returns the height of the latest finalized block.
func (fc *ForkChoice) FinalizedHeight() uint64 {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.nodes[fc.finalized].ref.Height
}

// Get returns the ref for hash if it is in the tree.
func (fc *ForkChoice) Get(hash types.Hash) (block.Ref, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	n, ok := fc.nodes[hash]
	if !ok {
		return block.Ref{}, false
	}
	return n.ref, true
}

// Has reports whether hash is in the tree.
func (fc *ForkChoice) Has(hash types.Hash) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	_, ok := fc.nodes[hash]
	return ok
}

// IsCanonical reports whether hash lies on the path from genesis to head.
func (fc *ForkChoice) IsCanonical(hash types.Hash) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	n, ok := fc.nodes[hash]
	return ok && fc.isCanonicalLocked(n)
}

// IsFinalized reports whether hash is final: canonical and at or below the
// finalized height.
func (fc *ForkChoice) IsFinalized(hash types.Hash) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	n, ok := fc.nodes[hash]
	if !ok {
		return false
	}
	return n.finalized || (fc.isCanonicalLocked(n) && n.ref.Height <= fc.nodes[fc.finalized].ref.Height)
}

// CanonicalHashAt returns the canonical block hash at height.
func (fc *ForkChoice) CanonicalHashAt(height uint64) (types.Hash, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	h, ok := fc.canonical[height]
	return h, ok
}

// IsAncestor reports whether ancestor is descendant itself or one of its ancestors.
func (fc *ForkChoice) IsAncestor(ancestor, descendant types.Hash) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.isAncestorLocked(ancestor, descendant)
}

// DescendantCount returns the subtree weight used by the head rule.
func (fc *ForkChoice) DescendantCount(hash types.Hash) uint64 {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	if n, ok := fc.nodes[hash]; ok {
		return n.descendants
	}
	return 0
}

// Len returns the number of blocks in the tree.
func (fc *ForkChoice) Len() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return len(fc.nodes)
}

// updateHeadLocked walks from the finalized block into the heaviest child at
// each level. On equal weight the child on the current head path wins, then
// the first seen, so the head never flip-flops between equal branches.
func (fc *ForkChoice) updateHeadLocked() {
	cur := fc.nodes[fc.finalized]
	for len(cur.children) > 0 {
		var best *node
		for _, ch := range cur.children {
			c := fc.nodes[ch]
			switch {
			case best == nil:
				best = c
			case c.descendants > best.descendants:
				best = c
			case c.descendants == best.descendants && fc.isCanonicalLocked(c) && !fc.isCanonicalLocked(best):
				best = c
			}
		}
		cur = best
	}
	fc.setHeadLocked(cur)
}

// setHeadLocked moves the head and repairs the canonical height index. Only
// the part of the index above the fork point is rewritten.
func (fc *ForkChoice) setHeadLocked(newHead *node) {
	oldHeight := fc.nodes[fc.head].ref.Height
	fc.head = newHead.ref.Hash

	for h := newHead.ref.Height + 1; h <= oldHeight; h++ {
		delete(fc.canonical, h)
	}
	for n := newHead; ; n = fc.nodes[n.ref.ParentHash] {
		if cur, ok := fc.canonical[n.ref.Height]; ok && cur == n.ref.Hash {
			break
		}
		fc.canonical[n.ref.Height] = n.ref.Hash
		if n.ref.Hash == fc.root {
			break
		}
	}
}

// pruneLocked drops every branch hanging off the path (oldFin, newFin] that
// does not lead to newFin. Everything outside the finalized subtree already
// went when oldFin was finalized.
func (fc *ForkChoice) pruneLocked(oldFin, newFin types.Hash) []types.Hash {
	var pruned []types.Hash
	for cur := fc.nodes[newFin]; cur.ref.Hash != oldFin; {
		parent := fc.nodes[cur.ref.ParentHash]
		for _, ch := range parent.children {
			if ch != cur.ref.Hash {
				pruned = fc.removeSubtreeLocked(ch, pruned)
			}
		}
		parent.children = []types.Hash{cur.ref.Hash}
		cur = parent
	}
	return pruned
}

func (fc *ForkChoice) removeSubtreeLocked(root types.Hash, acc []types.Hash) []types.Hash {
	stack := []types.Hash{root}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := fc.nodes[h]
		if !ok {
			continue
		}
		stack = append(stack, n.children...)
		delete(fc.nodes, h)
		acc = append(acc, h)
	}
	return acc
}

func (fc *ForkChoice) isCanonicalLocked(n *node) bool {
	h, ok := fc.canonical[n.ref.Height]
	return ok && h == n.ref.Hash
}

func (fc *ForkChoice) isAncestorLocked(ancestor, descendant types.Hash) bool {
	a, ok := fc.nodes[ancestor]
	if !ok {
		return false
	}
	d, ok := fc.nodes[descendant]
	if !ok {
		return false
	}
	for d.ref.Height > a.ref.Height {
		p, ok := fc.nodes[d.ref.ParentHash]
		if !ok {
			return false
		}
		d = p
	}
	return d.ref.Hash == a.ref.Hash
}
