package rpc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-consensus/internal/consensus"
	"github.com/Klingon-tech/klingnet-consensus/internal/finality"
	"github.com/Klingon-tech/klingnet-consensus/internal/rotation"
	"github.com/Klingon-tech/klingnet-consensus/internal/slashing"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(_ *Request) (interface{}, *Error) {
	head := s.engine.Head()
	return &ChainInfoResult{
		ChainID:         s.genesis.ChainID,
		Symbol:          s.genesis.Symbol,
		Height:          head.Height,
		TipHash:         head.Hash.String(),
		FinalizedHeight: s.engine.Finalized().Height,
	}, nil
}

// ── Consensus endpoints ─────────────────────────────────────────────────

func (s *Server) handleConsensusGetState(_ *Request) (interface{}, *Error) {
	state := s.engine.GetConsensusState()
	return &state, nil
}

func (s *Server) handleConsensusVerifyBlock(req *Request) (interface{}, *Error) {
	hash, rpcErr := parseHashParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	canonical, err := s.engine.VerifyBlock(hash)
	if err != nil {
		return nil, engineError(err)
	}
	return &VerifyResult{
		Hash:      hash.String(),
		Canonical: canonical,
		Finalized: s.engine.CheckFinality(hash),
	}, nil
}

func (s *Server) handleConsensusGetFinality(req *Request) (interface{}, *Error) {
	hash, rpcErr := parseHashParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	st, tracked := s.engine.FinalityStatus(hash)
	return NewFinalityResult(hash, st, tracked, s.engine.CheckFinality(hash)), nil
}

func (s *Server) handleConsensusSubmitSignature(ctx context.Context, req *Request) (interface{}, *Error) {
	var params SignatureParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	hash, err := types.HexToHash(params.Hash)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid hash: %v", err)}
	}
	addr, err := types.ParseAddress(params.Validator)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid validator: %v", err)}
	}
	// Votes from the API are always verified; unsigned votes are for
	// transports that already checked them.
	sig, err := hex.DecodeString(params.Signature)
	if err != nil || len(sig) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "signature must be non-empty hex"}
	}

	finalized, err := s.engine.AddSignature(ctx, hash, addr, sig)
	if err != nil {
		return nil, engineError(err)
	}
	return &SignatureResult{Hash: hash.String(), Finalized: finalized}, nil
}

func (s *Server) handleConsensusGetBlockReward(req *Request) (interface{}, *Error) {
	var params HeightParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	return &RewardResult{
		Height: params.Height,
		Reward: s.engine.CalculateBlockReward(params.Height),
	}, nil
}

func (s *Server) handleConsensusGetCheckpoints(_ *Request) (interface{}, *Error) {
	cps := s.engine.Checkpoints()
	out := make([]CheckpointResult, len(cps))
	for i, cp := range cps {
		out[i] = NewCheckpointResult(cp)
	}
	return out, nil
}

// ── Validator endpoints ─────────────────────────────────────────────────

func (s *Server) handleValidatorList(_ *Request) (interface{}, *Error) {
	voting := s.engine.Validators()
	recs := s.engine.AllValidators().Records()

	out := &ValidatorListResult{
		Epoch:      s.engine.Epoch(),
		TotalStake: voting.TotalStake(),
		Validators: make([]ValidatorResult, len(recs)),
	}
	for i, rec := range recs {
		state := s.engine.ValidatorState(rec.Address)
		out.Validators[i] = NewValidatorResult(rec, state.String(), voting.IsActive(rec.Address))
	}
	return out, nil
}

func (s *Server) handleValidatorGetStatus(req *Request) (interface{}, *Error) {
	var params AddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	addr, err := types.ParseAddress(params.Address)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid address: %v", err)}
	}

	rec, ok := s.engine.AllValidators().Get(addr)
	state := s.engine.ValidatorState(addr)
	if !ok && state == rotation.Unknown {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("validator %s not found", addr)}
	}
	rec.Address = addr
	res := NewValidatorResult(rec, state.String(), s.engine.Validators().IsActive(addr))
	return &res, nil
}

// ── Slashing endpoints ──────────────────────────────────────────────────

func (s *Server) handleSlashingGetHistory(req *Request) (interface{}, *Error) {
	history := s.engine.SlashHistory()
	if req.Params == nil {
		return history, nil
	}

	// Optional filter by validator.
	var params AddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Address == "" {
		return history, nil
	}
	addr, err := types.ParseAddress(params.Address)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid address: %v", err)}
	}
	out := make([]slashing.Event, 0)
	for _, ev := range history {
		if ev.Validator == addr {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ── Breaker and liveness endpoints ──────────────────────────────────────

func (s *Server) handleBreakerGetStatus(_ *Request) (interface{}, *Error) {
	reg := s.engine.Breakers()
	names := reg.Names()
	out := make([]BreakerResult, 0, len(names))
	for _, name := range names {
		out = append(out, NewBreakerResult(reg.Get(name).Stats()))
	}
	return out, nil
}

func (s *Server) handleLivenessGetStatus(_ *Request) (interface{}, *Error) {
	state := s.engine.GetConsensusState()
	return NewLivenessResult(s.engine.Liveness(), state.Synced, s.engine.OrphanCount()), nil
}

// ── Helpers ─────────────────────────────────────────────────────────────

func parseHashParam(req *Request) (types.Hash, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return types.Hash{}, err
	}
	if params.Hash == "" {
		return types.Hash{}, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}
	hash, err := types.HexToHash(params.Hash)
	if err != nil {
		return types.Hash{}, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid hash: %v", err)}
	}
	return hash, nil
}

// engineError maps an engine error to a JSON-RPC error.
func engineError(err error) *Error {
	switch {
	case errors.Is(err, consensus.ErrHalted):
		return &Error{Code: CodeHalted, Message: err.Error()}
	case errors.Is(err, consensus.ErrNonCanonicalVote),
		errors.Is(err, finality.ErrUnknownValidator),
		errors.Is(err, finality.ErrInvalidSignature),
		errors.Is(err, finality.ErrMissingPublicKey):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeInternalError, Message: "request canceled"}
	default:
		return &Error{Code: CodeInternalError, Message: err.Error()}
	}
}
