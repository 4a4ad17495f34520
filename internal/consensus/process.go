package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-consensus/internal/checkpoint"
	"github.com/Klingon-tech/klingnet-consensus/internal/forkchoice"
	"github.com/Klingon-tech/klingnet-consensus/internal/journal"
	"github.com/Klingon-tech/klingnet-consensus/internal/liveness"
	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/internal/rotation"
	"github.com/Klingon-tech/klingnet-consensus/internal/slashing"
	"github.com/Klingon-tech/klingnet-consensus/internal/validator"
	"github.com/Klingon-tech/klingnet-consensus/pkg/block"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// BlockResult describes what processing a block changed.
type BlockResult struct {
	Orphan      bool // Parent unknown; the block was buffered.
	Head        block.Ref
	Action      liveness.Action
	Reorgs      []*forkchoice.Reorg
	Finalized   []types.Hash
	Checkpoints []checkpoint.Checkpoint
	Epochs      []*rotation.EpochResult
	Unjailed    []types.Address
	Slashes     []*slashing.Event
	Connected   []block.Ref // Buffered descendants this block connected.
}

func (r *BlockResult) merge(o *BlockResult) {
	r.Reorgs = append(r.Reorgs, o.Reorgs...)
	r.Finalized = append(r.Finalized, o.Finalized...)
	r.Checkpoints = append(r.Checkpoints, o.Checkpoints...)
	r.Epochs = append(r.Epochs, o.Epochs...)
	r.Unjailed = append(r.Unjailed, o.Unjailed...)
	r.Slashes = append(r.Slashes, o.Slashes...)
	r.Action = o.Action
}

// ProcessBlock feeds a header to the engine. A block whose parent is unknown
// is buffered and reported as an orphan; it is processed automatically once
// the parent arrives. A reorg that is too deep or touches finalized history
// halts the engine, and so does a vote-finalized block that arrives off the
// canonical chain.
func (e *Engine) ProcessBlock(ctx context.Context, ref block.Ref) (*BlockResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.haltedLocked(); err != nil {
		return nil, err
	}

	res, err := e.processBlockLocked(ctx, ref)
	if err != nil {
		e.recordIfHalted(journal.BlockEvent(ref))
		return nil, err
	}
	e.record(journal.BlockEvent(ref))
	return res, nil
}

// AddSignature counts a finality vote from addr for hash and reports whether
// the votes for hash reached the threshold afterwards. A nil sig skips
// signature verification, for votes the transport already checked. Votes for a
// known block off the canonical chain are rejected with ErrNonCanonicalVote.
// A vote that finalizes a canonical block finalizes it in fork choice too; a
// block not seen yet is finalized when it arrives.
func (e *Engine) AddSignature(ctx context.Context, hash types.Hash, addr types.Address, sig []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.haltedLocked(); err != nil {
		return false, err
	}

	finalized, err := e.addSignatureLocked(hash, addr, sig)
	if err != nil {
		e.recordIfHalted(journal.SignatureEvent(hash, addr, sig))
		return false, err
	}
	e.record(journal.SignatureEvent(hash, addr, sig))
	return finalized, nil
}

// ReportMissedBlock records that addr missed its slot at height, and slashes
// it for being offline once it crosses the limit. It returns the slash, if
// one was applied.
func (e *Engine) ReportMissedBlock(ctx context.Context, addr types.Address, height uint64) (*slashing.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.haltedLocked(); err != nil {
		return nil, err
	}

	event, err := e.reportMissedLocked(addr, height)
	if err != nil {
		return nil, err
	}
	e.record(journal.MissedEvent(addr, height))
	return event, nil
}

// SubmitEvidence slashes for externally observed misbehavior at height.
func (e *Engine) SubmitEvidence(ctx context.Context, ev slashing.Evidence, height uint64) (*slashing.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.haltedLocked(); err != nil {
		return nil, err
	}

	event, err := e.submitEvidenceLocked(ev, height)
	if err != nil {
		return nil, err
	}
	e.record(journal.EvidenceEvent(ev, height))
	return event, nil
}

// RequestValidatorAddition queues a new validator and returns its activation
// epoch.
func (e *Engine) RequestValidatorAddition(ctx context.Context, addr types.Address, stake uint64, pubKey []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.haltedLocked(); err != nil {
		return 0, err
	}

	epoch, err := e.rotator.RequestValidatorAddition(addr, stake, pubKey)
	if err != nil {
		return 0, err
	}
	e.record(journal.AdditionEvent(addr, stake, pubKey))
	return epoch, nil
}

// RequestValidatorExit schedules an active validator's exit and returns the
// epoch it leaves in.
func (e *Engine) RequestValidatorExit(ctx context.Context, addr types.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.haltedLocked(); err != nil {
		return 0, err
	}

	epoch, err := e.rotator.RequestValidatorExit(addr)
	if err != nil {
		return 0, err
	}
	e.record(journal.ExitEvent(addr))
	return epoch, nil
}

// AcceptCheckpoint stores a trusted checkpoint, typically one above the local
// finalized height obtained out of band. If finality later reaches its height
// with a different block, the engine halts.
func (e *Engine) AcceptCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.haltedLocked(); err != nil {
		return err
	}

	if err := e.checkpoints.AcceptExternalCheckpoint(cp); err != nil {
		return err
	}
	e.record(journal.CheckpointEvent(cp))
	return nil
}

// processBlockLocked processes ref and then every buffered descendant it
// connects. Descendants still buffered when ctx ends stay buffered.
func (e *Engine) processBlockLocked(ctx context.Context, ref block.Ref) (*BlockResult, error) {
	res, err := e.applyBlockLocked(ref)
	if err != nil || res.Orphan {
		if res != nil {
			e.updateMetricsLocked()
		}
		return res, err
	}

	queue := []types.Hash{ref.Hash}
	for len(queue) > 0 && ctx.Err() == nil {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range e.orphans.TakeChildren(parent) {
			cres, err := e.applyBlockLocked(child)
			if err != nil {
				if e.halted != nil {
					return nil, err
				}
				klog.Consensus.Warn().Err(err).Str("block", child.String()).Msg("Buffered block rejected")
				continue
			}
			res.merge(cres)
			res.Connected = append(res.Connected, child)
			queue = append(queue, child.Hash)
		}
	}

	res.Head = e.forkChoice.Head()
	e.updateMetricsLocked()
	return res, nil
}

// applyBlockLocked runs one block through every component in order.
func (e *Engine) applyBlockLocked(ref block.Ref) (*BlockResult, error) {
	res := &BlockResult{}
	if e.forkChoice.Has(ref.Hash) {
		res.Head = e.forkChoice.Head()
		return res, nil
	}

	// Fork choice.
	oldHead := e.forkChoice.Head()
	current, err := e.forkChoice.GetCanonicalChain(nil)
	if err != nil {
		return nil, err
	}
	if err := e.forkChoice.AddBlock(ref); err != nil {
		if !errors.Is(err, forkchoice.ErrOrphanBlock) {
			return nil, err
		}
		if ref.Height <= e.forkChoice.FinalizedHeight() {
			return nil, fmt.Errorf("%w: %s is at or below finalized height", err, ref)
		}
		if e.orphans.Add(ref) {
			klog.Consensus.Debug().Str("block", ref.String()).Msg("Orphan block buffered")
		}
		res.Orphan = true
		res.Head = oldHead
		return res, nil
	}
	head := e.forkChoice.Head()

	// Votes cast before the block arrived only count for a canonical block.
	if !e.forkChoice.IsCanonical(ref.Hash) {
		if e.gadget.IsFinalized(ref.Hash) {
			klog.Consensus.Error().
				Str("block", ref.String()).
				Str("head", head.String()).
				Msg("Votes finalized a block off the canonical chain")
			return nil, e.haltLocked(fmt.Errorf("%w: %s finalized by votes", forkchoice.ErrInvalidFinalization, ref))
		}
		e.gadget.Forget([]types.Hash{ref.Hash})
	}

	// Liveness.
	e.liveness.RecordBlock(head.Height)
	res.Action = e.liveness.CheckLiveness()

	// Reorg checks.
	if head.Hash != oldHead.Hash && head.ParentHash != oldHead.Hash {
		candidate, err := e.forkChoice.GetCanonicalChain(nil)
		if err != nil {
			return nil, err
		}
		reorg, err := e.resolver.DetectReorg(current, candidate)
		if err != nil {
			return nil, e.haltLocked(err)
		}
		if reorg != nil {
			forkHeight := reorg.Removed[0].Height - 1
			if err := e.checkpoints.CheckReorg(forkHeight, reorg.Depth); err != nil {
				return nil, e.haltLocked(err)
			}
			// Votes for the abandoned branch no longer count.
			removed := make([]types.Hash, len(reorg.Removed))
			for i, r := range reorg.Removed {
				removed[i] = r.Hash
			}
			e.gadget.Forget(removed)
			res.Reorgs = append(res.Reorgs, reorg)
			e.metrics.Reorgs.Add(1)
			e.metrics.ReorgDepth.Observe(float64(reorg.Depth))
		}
	}

	// Trailing finalization, checkpoints and epoch rotation.
	chain, err := e.forkChoice.GetCanonicalChain(nil)
	if err != nil {
		return nil, err
	}
	finalized, err := e.resolver.ProcessFinalization(chain)
	if err != nil {
		return nil, e.haltLocked(err)
	}
	if err := e.onFinalizedLocked(finalized, res); err != nil {
		return nil, err
	}
	// Votes may have finalized the block before it arrived.
	if e.gadget.IsFinalized(ref.Hash) {
		if err := e.applyFastFinalityLocked([]types.Hash{ref.Hash}, res); err != nil {
			return nil, err
		}
	}

	// Unjail.
	res.Unjailed = e.slasher.ProcessUnjail(head.Height)
	if len(res.Unjailed) > 0 {
		if err := e.refreshSetLocked(res); err != nil {
			return nil, err
		}
	}

	// Proposer double signing.
	if !ref.Proposer.IsZero() {
		if ev, ok := e.slasher.CheckDoubleSigning(ref.Proposer, ref.Height, ref.Hash); ok {
			if _, known := e.registry.Get(ref.Proposer); known {
				event, err := e.slashLocked(ev, ref.Height, res)
				switch {
				case errors.Is(err, slashing.ErrDuplicateEvidence):
				case err != nil:
					return nil, err
				default:
					res.Slashes = append(res.Slashes, event)
				}
			}
		}
	}

	res.Head = e.forkChoice.Head()
	return res, nil
}

func (e *Engine) addSignatureLocked(hash types.Hash, addr types.Address, sig []byte) (bool, error) {
	if ref, known := e.forkChoice.Get(hash); known && !e.forkChoice.IsCanonical(hash) {
		return false, fmt.Errorf("%w: %s", ErrNonCanonicalVote, ref)
	}
	var (
		finalized bool
		err       error
	)
	if sig != nil {
		finalized, err = e.gadget.AddSignedVote(hash, addr, sig)
	} else {
		finalized, err = e.gadget.AddSignature(hash, addr)
	}
	if err != nil {
		return false, err
	}
	e.slasher.RecordSignedBlock(addr)

	if finalized && !e.forkChoice.IsFinalized(hash) {
		res := &BlockResult{}
		if err := e.applyFastFinalityLocked([]types.Hash{hash}, res); err != nil {
			return true, err
		}
		e.updateMetricsLocked()
	}
	return finalized, nil
}

func (e *Engine) reportMissedLocked(addr types.Address, height uint64) (*slashing.Event, error) {
	if _, ok := e.registry.Get(addr); !ok {
		return nil, fmt.Errorf("%w: %s", validator.ErrUnknownValidator, addr)
	}
	if e.slasher.IsJailed(addr) {
		return nil, nil
	}
	e.slasher.RecordMissedBlock(addr)

	ev, ok := e.slasher.CheckOffline(addr, height)
	if !ok {
		return nil, nil
	}
	event, err := e.slashLocked(ev, height, &BlockResult{})
	if errors.Is(err, slashing.ErrDuplicateEvidence) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.updateMetricsLocked()
	return event, nil
}

func (e *Engine) submitEvidenceLocked(ev slashing.Evidence, height uint64) (*slashing.Event, error) {
	if ev.Reason == slashing.DoubleSigning {
		if ev.BlockHash.IsZero() || ev.ConflictHash.IsZero() || ev.BlockHash == ev.ConflictHash {
			return nil, fmt.Errorf("%w: double signing needs two distinct block hashes", slashing.ErrInvalidEvidence)
		}
	}
	event, err := e.slashLocked(&ev, height, &BlockResult{})
	if err != nil {
		return nil, err
	}
	e.updateMetricsLocked()
	return event, nil
}

// slashLocked applies a slash through rotation, so a validator left below the
// minimum stake is forced out, then refreshes the finality voters.
func (e *Engine) slashLocked(ev *slashing.Evidence, height uint64, res *BlockResult) (*slashing.Event, error) {
	event, err := e.rotator.SlashValidator(ev, height)
	if err != nil {
		return nil, err
	}
	e.metrics.Slashes.With("reason", event.Reason.String()).Add(1)
	e.metrics.SlashedStake.Add(float64(event.Amount))
	if err := e.refreshSetLocked(res); err != nil {
		return event, err
	}
	return event, nil
}

// refreshSetLocked rebuilds the finality voters and applies any finality the
// new stake distribution produces.
func (e *Engine) refreshSetLocked(res *BlockResult) error {
	e.set = e.validatorSetLocked()
	newly := e.gadget.UpdateValidatorSet(e.set)
	return e.applyFastFinalityLocked(newly, res)
}

// applyFastFinalityLocked finalizes vote-finalized blocks in fork choice.
// Blocks not seen yet are finalized when they arrive.
func (e *Engine) applyFastFinalityLocked(hashes []types.Hash, res *BlockResult) error {
	for _, hash := range hashes {
		ref, ok := e.forkChoice.Get(hash)
		if !ok {
			continue
		}
		oldFin := e.forkChoice.FinalizedHeight()
		if ref.Height <= oldFin && e.forkChoice.IsCanonical(hash) {
			continue
		}
		if !e.forkChoice.IsCanonical(hash) {
			klog.Consensus.Error().
				Str("block", ref.String()).
				Str("head", e.forkChoice.Head().String()).
				Msg("Votes finalized a block off the canonical chain")
			return e.haltLocked(fmt.Errorf("%w: %s finalized by votes", forkchoice.ErrInvalidFinalization, ref))
		}
		if err := e.forkChoice.FinalizeBlock(hash); err != nil {
			return err
		}
		e.metrics.FastFinalized.Add(1)

		newly := make([]types.Hash, 0, ref.Height-oldFin)
		for h := oldFin + 1; h <= ref.Height; h++ {
			if ch, ok := e.forkChoice.CanonicalHashAt(h); ok {
				newly = append(newly, ch)
			}
		}
		if err := e.onFinalizedLocked(newly, res); err != nil {
			return err
		}
	}
	return nil
}

// onFinalizedLocked checkpoints newly finalized blocks and advances the epoch.
func (e *Engine) onFinalizedLocked(hashes []types.Hash, res *BlockResult) error {
	if len(hashes) == 0 {
		return nil
	}
	for _, hash := range hashes {
		ref, ok := e.forkChoice.Get(hash)
		if !ok {
			continue
		}
		cp, err := e.checkpoints.OnFinalized(ref, ref.Height/e.params.EpochLength)
		if errors.Is(err, checkpoint.ErrConflict) {
			return e.haltLocked(err)
		}
		if err != nil {
			return err
		}
		if cp != nil {
			res.Checkpoints = append(res.Checkpoints, *cp)
			e.metrics.Checkpoints.Add(1)
		}
	}
	res.Finalized = append(res.Finalized, hashes...)
	fin := e.forkChoice.FinalizedHeight()
	if n := e.orphans.PruneBelow(fin); n > 0 {
		klog.Consensus.Debug().Int("dropped", n).Msg("Pruned stale orphans")
	}
	window := e.params.ForkChoice.MaxReorgDepth
	if window == 0 {
		window = forkchoice.DefaultMaxReorgDepth
	}
	if n := e.gadget.PruneStale(fin, window, e.blockHeight); n > 0 {
		klog.Consensus.Debug().Int("dropped", n).Msg("Pruned stale vote tallies")
	}
	return e.advanceEpochLocked(res)
}

// advanceEpochLocked runs the epoch transition implied by the finalized
// height, then refreshes the finality voters.
func (e *Engine) advanceEpochLocked(res *BlockResult) error {
	target := e.forkChoice.FinalizedHeight() / e.params.EpochLength
	if target <= e.rotator.Epoch() {
		return nil
	}
	er, err := e.rotator.ProcessEpochTransition(target)
	if err != nil {
		return err
	}
	res.Epochs = append(res.Epochs, er)
	return e.refreshSetLocked(res)
}

// blockHeight returns the height of a block in the tree.
func (e *Engine) blockHeight(hash types.Hash) (uint64, bool) {
	ref, ok := e.forkChoice.Get(hash)
	return ref.Height, ok
}
