package block

import "errors"

// Validation errors.
var (
	ErrZeroHash      = errors.New("block hash is zero")
	ErrMissingParent = errors.New("non-genesis block has zero parent hash")
	ErrSelfParent    = errors.New("block is its own parent")
)

// Validate checks the structural invariants of a Ref. It does not check that
// the hash matches the fields: hashes come from the reference node, whose
// header encoding is richer than Ref.
func (r Ref) Validate() error {
	if r.Hash.IsZero() {
		return ErrZeroHash
	}
	if r.Height > 0 && r.ParentHash.IsZero() {
		return ErrMissingParent
	}
	if r.Hash == r.ParentHash {
		return ErrSelfParent
	}
	return nil
}
