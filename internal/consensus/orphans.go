package consensus

import (
	"bytes"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Klingon-tech/klingnet-consensus/pkg/block"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// DefaultOrphanLimit bounds the orphan pool.
const DefaultOrphanLimit = 256

// OrphanPool buffers blocks whose parent is not known yet. The oldest entry
// is evicted when the pool is full.
type OrphanPool struct {
	mu       sync.Mutex
	cache    *lru.Cache[types.Hash, block.Ref]
	byParent map[types.Hash]map[types.Hash]struct{}
}

// NewOrphanPool creates a pool holding at most limit blocks.
func NewOrphanPool(limit int) (*OrphanPool, error) {
	if limit <= 0 {
		limit = DefaultOrphanLimit
	}
	p := &OrphanPool{
		byParent: make(map[types.Hash]map[types.Hash]struct{}),
	}
	// The eviction callback runs inside cache calls, which only happen with
	// p.mu held.
	cache, err := lru.NewWithEvict[types.Hash, block.Ref](limit, func(hash types.Hash, ref block.Ref) {
		p.unindex(ref)
	})
	if err != nil {
		return nil, err
	}
	p.cache = cache
	return p, nil
}

// Add buffers ref. It returns false if ref was already buffered.
func (p *OrphanPool) Add(ref block.Ref) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache.Contains(ref.Hash) {
		return false
	}
	p.cache.Add(ref.Hash, ref)
	children, ok := p.byParent[ref.ParentHash]
	if !ok {
		children = make(map[types.Hash]struct{})
		p.byParent[ref.ParentHash] = children
	}
	children[ref.Hash] = struct{}{}
	return true
}

// Has reports whether hash is buffered.
func (p *OrphanPool) Has(hash types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Contains(hash)
}

// Len returns the number of buffered blocks.
func (p *OrphanPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}

// TakeChildren removes and returns the buffered children of parent, ordered
// by height then hash.
func (p *OrphanPool) TakeChildren(parent types.Hash) []block.Ref {
	p.mu.Lock()
	defer p.mu.Unlock()

	children := p.byParent[parent]
	if len(children) == 0 {
		return nil
	}
	out := make([]block.Ref, 0, len(children))
	for hash := range children {
		if ref, ok := p.cache.Peek(hash); ok {
			out = append(out, ref)
		}
	}
	for _, ref := range out {
		p.cache.Remove(ref.Hash)
	}
	delete(p.byParent, parent)

	sort.Slice(out, func(i, j int) bool {
		if out[i].Height != out[j].Height {
			return out[i].Height < out[j].Height
		}
		return bytes.Compare(out[i].Hash[:], out[j].Hash[:]) < 0
	})
	return out
}

// PruneBelow drops orphans at or below height. They can never connect once
// that height is final.
func (p *OrphanPool) PruneBelow(height uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stale []types.Hash
	for _, hash := range p.cache.Keys() {
		if ref, ok := p.cache.Peek(hash); ok && ref.Height <= height {
			stale = append(stale, hash)
		}
	}
	for _, hash := range stale {
		p.cache.Remove(hash)
	}
	return len(stale)
}

func (p *OrphanPool) unindex(ref block.Ref) {
	children := p.byParent[ref.ParentHash]
	delete(children, ref.Hash)
	if len(children) == 0 {
		delete(p.byParent, ref.ParentHash)
	}
}
