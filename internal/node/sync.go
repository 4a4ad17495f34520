package node

import (
	"context"
	"fmt"
)

// Sync pulls headers from the reference node up to its tip (or the max
// height) and feeds them to the engine in height order. It returns the
// number of headers processed. Only one sync runs at a time.
func (n *Node) Sync(ctx context.Context) (int, error) {
	if n.source == nil {
		return 0, nil
	}
	n.syncMu.Lock()
	defer n.syncMu.Unlock()

	info, err := n.source.ChainInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain info: %w", err)
	}
	if info.ChainID != "" && info.ChainID != n.genesis.ChainID {
		return 0, fmt.Errorf("%w: node has %q, genesis has %q", ErrChainMismatch, info.ChainID, n.genesis.ChainID)
	}
	tip := info.Height
	if n.maxHeight > 0 && tip > n.maxHeight {
		tip = n.maxHeight
	}

	from, err := n.forkPoint(ctx, tip)
	if err != nil {
		return 0, err
	}

	processed := 0
	for from <= tip {
		to := from + n.cfg.RPC.BatchSize - 1
		if to > tip {
			to = tip
		}
		refs, err := n.source.FetchRange(ctx, from, to)
		if err != nil {
			return processed, fmt.Errorf("fetch %d-%d: %w", from, to, err)
		}
		for _, ref := range refs {
			res, err := n.engine.ProcessBlock(ctx, ref)
			if err != nil {
				return processed, fmt.Errorf("process %s: %w", ref, err)
			}
			processed++
			for _, r := range res.Reorgs {
				n.logger.Warn().
					Uint64("depth", r.Depth).
					Str("head", res.Head.Hash.Short()).
					Msg("Chain reorganized during sync")
			}
		}
		head := n.engine.Head()
		n.logger.Info().
			Uint64("height", head.Height).
			Uint64("tip", tip).
			Uint64("finalized", n.engine.Finalized().Height).
			Msg("Synced headers")
		from = to + 1
	}
	return processed, nil
}

// forkPoint returns the first height to fetch: one above the highest local
// canonical block the reference node agrees with. It never walks below the
// finalized height.
func (n *Node) forkPoint(ctx context.Context, tip uint64) (uint64, error) {
	head := n.engine.Head()
	fin := n.engine.Finalized()

	h := head.Height
	if h > tip {
		h = tip
	}
	for {
		remote, err := n.source.HeaderByHeight(ctx, h)
		if err != nil {
			return 0, fmt.Errorf("header at %d: %w", h, err)
		}
		canonical, err := n.engine.VerifyBlock(remote.Hash)
		if err != nil {
			return 0, err
		}
		if canonical {
			return h + 1, nil
		}
		if h <= fin.Height {
			if h == 0 {
				return 0, fmt.Errorf("%w: genesis %s differs", ErrChainMismatch, remote.Hash.Short())
			}
			return 0, fmt.Errorf("%w: remote block %s at height %d is not canonical",
				ErrFinalConflict, remote.Hash.Short(), h)
		}
		h--
	}
}
