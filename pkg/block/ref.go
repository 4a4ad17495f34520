// Package block defines the immutable block reference that the consensus
// engine reasons about. Bodies, transactions and execution belong to the full
// node; only header identity crosses into this module.
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/klingnet-consensus/pkg/crypto"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// Ref identifies a block header. Refs form a tree through ParentHash.
type Ref struct {
	Hash       types.Hash    `json:"hash"`
	ParentHash types.Hash    `json:"parent_hash"`
	Height     uint64        `json:"height"`
	Timestamp  uint64        `json:"timestamp"` // Unix seconds
	Proposer   types.Address `json:"proposer"`
}

// NewRef builds a Ref and derives its hash from the header fields.
func NewRef(parent types.Hash, height, timestamp uint64, proposer types.Address) Ref {
	r := Ref{
		ParentHash: parent,
		Height:     height,
		Timestamp:  timestamp,
		Proposer:   proposer,
	}
	r.Hash = r.ComputeHash()
	return r
}

// Genesis derives the genesis Ref for a chain identity.
func Genesis(chainID string, timestamp uint64) Ref {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestamp)
	return Ref{
		Hash:      crypto.HashParts([]byte("genesis"), []byte(chainID), ts[:]),
		Timestamp: timestamp,
	}
}

// Child returns a Ref one block above r.
func (r Ref) Child(timestamp uint64, proposer types.Address) Ref {
	return NewRef(r.Hash, r.Height+1, timestamp, proposer)
}

// SigningBytes returns the canonical bytes hashed into a Ref.
// Format: parent_hash(32) | height(8) | timestamp(8) | proposer(20), big endian.
func (r Ref) SigningBytes() []byte {
	buf := make([]byte, 0, types.HashSize+16+types.AddressSize)
	buf = append(buf, r.ParentHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, r.Height)
	buf = binary.BigEndian.AppendUint64(buf, r.Timestamp)
	buf = append(buf, r.Proposer[:]...)
	return buf
}

// ComputeHash hashes SigningBytes with BLAKE3.
func (r Ref) ComputeHash() types.Hash {
	return crypto.Hash(r.SigningBytes())
}

// IsGenesis reports whether r sits at height 0.
func (r Ref) IsGenesis() bool {
	return r.Height == 0
}

func (r Ref) String() string {
	return fmt.Sprintf("%d:%s", r.Height, r.Hash.Short())
}
