// Package validator owns the validator set. The Registry is the single writer
// of validator records; every other component works from immutable Set
// snapshots.
package validator

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// Registry errors.
var (
	ErrUnknownValidator   = errors.New("unknown validator")
	ErrDuplicateValidator = errors.New("validator already registered")
	ErrInsufficientStake  = errors.New("insufficient stake")
	ErrZeroAddress        = errors.New("validator address is zero")
)

// Record is the registry's view of one validator.
type Record struct {
	Address         types.Address `json:"address"`
	Stake           uint64        `json:"stake"`
	PublicKey       []byte        `json:"public_key,omitempty"` // nil when unknown
	Active          bool          `json:"active"`
	ActivationEpoch uint64        `json:"activation_epoch"`
}

// HasPublicKey reports whether a signing key is registered.
func (r Record) HasPublicKey() bool {
	return len(r.PublicKey) > 0
}

// clone returns a deep copy so callers never alias registry memory.
func (r Record) clone() Record {
	if r.PublicKey != nil {
		pk := make([]byte, len(r.PublicKey))
		copy(pk, r.PublicKey)
		r.PublicKey = pk
	}
	return r
}

func (r Record) String() string {
	return fmt.Sprintf("validator{%s stake=%d active=%t epoch=%d}", r.Address, r.Stake, r.Active, r.ActivationEpoch)
}
