package rpcclient

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-consensus/internal/breaker"
	"github.com/Klingon-tech/klingnet-consensus/internal/forkchoice"
	"github.com/Klingon-tech/klingnet-consensus/pkg/block"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// Reference node methods.
const (
	MethodChainInfo     = "chain_getInfo"
	MethodBlockByHeight = "chain_getBlockByHeight"
	MethodBlockByHash   = "chain_getBlockByHash"
)

// DefaultFetchWorkers bounds concurrent header requests in FetchRange.
const DefaultFetchWorkers = 8

// ErrBadHeader is returned when the node serves a header that fails
// structural checks or does not match the request.
var ErrBadHeader = errors.New("bad header from node")

// ChainInfo is the chain_getInfo result.
type ChainInfo struct {
	ChainID string     `json:"chain_id"`
	Symbol  string     `json:"symbol"`
	Height  uint64     `json:"height"`
	TipHash types.Hash `json:"tip_hash"`
}

// headerResult is the subset of a served block the engine needs. Proposer is
// absent on nodes that only publish the validator signature.
type headerResult struct {
	Hash   types.Hash `json:"hash"`
	Header struct {
		PrevHash  types.Hash     `json:"prev_hash"`
		Timestamp uint64         `json:"timestamp"`
		Height    uint64         `json:"height"`
		Proposer  *types.Address `json:"proposer,omitempty"`
	} `json:"header"`
}

func (h headerResult) ref() block.Ref {
	r := block.Ref{
		Hash:       h.Hash,
		ParentHash: h.Header.PrevHash,
		Height:     h.Header.Height,
		Timestamp:  h.Header.Timestamp,
	}
	if h.Header.Proposer != nil {
		r.Proposer = *h.Header.Proposer
	}
	return r
}

type heightParam struct {
	Height uint64 `json:"height"`
}

type hashParam struct {
	Hash string `json:"hash"`
}

// HeaderSource reads block headers from a reference node. Every call goes
// through a circuit breaker; server-side RPC errors do not count against it.
type HeaderSource struct {
	client  *Client
	breaker *breaker.Breaker
	workers int
}

// NewHeaderSource wraps client. workers <= 0 uses DefaultFetchWorkers.
func NewHeaderSource(client *Client, b *breaker.Breaker, workers int) *HeaderSource {
	if workers <= 0 {
		workers = DefaultFetchWorkers
	}
	return &HeaderSource{client: client, breaker: b, workers: workers}
}

// Breaker returns the breaker guarding the source.
func (s *HeaderSource) Breaker() *breaker.Breaker {
	return s.breaker
}

// ChainInfo returns the node's chain identity and tip.
func (s *HeaderSource) ChainInfo(ctx context.Context) (*ChainInfo, error) {
	var info ChainInfo
	if err := s.call(ctx, MethodChainInfo, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// HeaderByHeight returns the canonical header at height on the node.
func (s *HeaderSource) HeaderByHeight(ctx context.Context, height uint64) (block.Ref, error) {
	var res headerResult
	if err := s.call(ctx, MethodBlockByHeight, heightParam{Height: height}, &res); err != nil {
		return block.Ref{}, err
	}
	ref := res.ref()
	if err := checkHeader(ref); err != nil {
		return block.Ref{}, err
	}
	if ref.Height != height {
		return block.Ref{}, fmt.Errorf("%w: asked for height %d, got %d", ErrBadHeader, height, ref.Height)
	}
	return ref, nil
}

// HeaderByHash returns the header with the given hash.
func (s *HeaderSource) HeaderByHash(ctx context.Context, hash types.Hash) (block.Ref, error) {
	var res headerResult
	if err := s.call(ctx, MethodBlockByHash, hashParam{Hash: hash.String()}, &res); err != nil {
		return block.Ref{}, err
	}
	ref := res.ref()
	if err := checkHeader(ref); err != nil {
		return block.Ref{}, err
	}
	if ref.Hash != hash {
		return block.Ref{}, fmt.Errorf("%w: asked for %s, got %s", ErrBadHeader, hash.Short(), ref.Hash.Short())
	}
	return ref, nil
}

// FetchRange returns the headers in [from, to], in height order. Requests run
// concurrently; the first failure cancels the rest. The result is checked to
// form a single linked chain.
func (s *HeaderSource) FetchRange(ctx context.Context, from, to uint64) ([]block.Ref, error) {
	if to < from {
		return nil, nil
	}
	refs := make([]block.Ref, to-from+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range refs {
		i := i
		g.Go(func() error {
			ref, err := s.HeaderByHeight(gctx, from+uint64(i))
			if err != nil {
				return fmt.Errorf("height %d: %w", from+uint64(i), err)
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := forkchoice.ValidateChain(refs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	return refs, nil
}

func (s *HeaderSource) call(ctx context.Context, method string, params, result interface{}) error {
	var rpcErr *RPCError
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		err := s.client.CallContext(ctx, method, params, result)
		if errors.As(err, &rpcErr) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if rpcErr != nil {
		return fmt.Errorf("%s: %w", method, rpcErr)
	}
	return nil
}

func checkHeader(ref block.Ref) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBadHeader, ref, err)
	}
	return nil
}
