// Package forkchoice selects the canonical chain over a tree of block refs and
// guards finality: it finalizes trailing blocks, detects reorgs and rejects
// any rewrite that would touch finalized history.
package forkchoice

import "errors"

// Fork choice errors.
var (
	// ErrOrphanBlock means the parent is unknown. Callers buffer the block and
	// retry once the parent has been added.
	ErrOrphanBlock = errors.New("orphan block: parent unknown")

	// ErrInvalidFinalization means the target is not on the canonical chain.
	// It must not be retried blindly.
	ErrInvalidFinalization = errors.New("cannot finalize non-canonical block")

	ErrInvalidBlock     = errors.New("invalid block")
	ErrUnknownBlock     = errors.New("unknown block")
	ErrNotCanonical     = errors.New("block is not on the canonical chain")
	ErrNoCommonAncestor = errors.New("no common ancestor")
	ErrInvalidChain     = errors.New("invalid chain")

	// Safety violations. These are never resolved automatically.
	ErrFinalizedConflict = errors.New("conflicts with finalized block")
	ErrReorgTooDeep      = errors.New("reorg too deep")
)
