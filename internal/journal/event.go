package journal

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-consensus/internal/checkpoint"
	"github.com/Klingon-tech/klingnet-consensus/internal/slashing"
	"github.com/Klingon-tech/klingnet-consensus/pkg/block"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// Kind identifies the consensus input an Event carries.
type Kind uint8

const (
	KindBlock Kind = iota + 1
	KindSignature
	KindValidatorAddition
	KindValidatorExit
	KindMissedBlock
	KindEvidence
	KindCheckpoint
)

var kindNames = map[Kind]string{
	KindBlock:             "block",
	KindSignature:         "signature",
	KindValidatorAddition: "validator_addition",
	KindValidatorExit:     "validator_exit",
	KindMissedBlock:       "missed_block",
	KindEvidence:          "evidence",
	KindCheckpoint:        "checkpoint",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText encodes k by name.
func (k Kind) MarshalText() ([]byte, error) {
	s, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(s), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownKind, text)
}

// Event is one externally supplied consensus input. Only the fields relevant
// to Kind are set.
type Event struct {
	Seq        uint64                 `json:"seq"`
	Kind       Kind                   `json:"kind"`
	Block      *block.Ref             `json:"block,omitempty"`
	Hash       types.Hash             `json:"hash"`
	Validator  types.Address          `json:"validator"`
	Signature  []byte                 `json:"signature,omitempty"`
	PublicKey  []byte                 `json:"public_key,omitempty"`
	Stake      uint64                 `json:"stake,omitempty"`
	Height     uint64                 `json:"height,omitempty"`
	Evidence   *slashing.Evidence     `json:"evidence,omitempty"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
}

// Validate checks that the fields Kind needs are present.
func (e *Event) Validate() error {
	switch e.Kind {
	case KindBlock:
		if e.Block == nil {
			return fmt.Errorf("%w: block event without block", ErrMalformedEvent)
		}
	case KindSignature:
		if e.Hash.IsZero() || e.Validator.IsZero() {
			return fmt.Errorf("%w: signature event needs hash and validator", ErrMalformedEvent)
		}
	case KindValidatorAddition, KindValidatorExit, KindMissedBlock:
		if e.Validator.IsZero() {
			return fmt.Errorf("%w: %s event without validator", ErrMalformedEvent, e.Kind)
		}
	case KindEvidence:
		if e.Evidence == nil {
			return fmt.Errorf("%w: evidence event without evidence", ErrMalformedEvent)
		}
	case KindCheckpoint:
		if e.Checkpoint == nil {
			return fmt.Errorf("%w: checkpoint event without checkpoint", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(e.Kind))
	}
	return nil
}

// BlockEvent records a block header.
func BlockEvent(ref block.Ref) Event {
	return Event{Kind: KindBlock, Block: &ref}
}

// SignatureEvent records a finality vote. sig may be nil for votes the
// transport already verified.
func SignatureEvent(hash types.Hash, addr types.Address, sig []byte) Event {
	return Event{Kind: KindSignature, Hash: hash, Validator: addr, Signature: sig}
}

// AdditionEvent records a validator registration request.
func AdditionEvent(addr types.Address, stake uint64, pubKey []byte) Event {
	return Event{Kind: KindValidatorAddition, Validator: addr, Stake: stake, PublicKey: pubKey}
}

// ExitEvent records a validator exit request.
func ExitEvent(addr types.Address) Event {
	return Event{Kind: KindValidatorExit, Validator: addr}
}

// MissedEvent records a missed block slot.
func MissedEvent(addr types.Address, height uint64) Event {
	return Event{Kind: KindMissedBlock, Validator: addr, Height: height}
}

// EvidenceEvent records misbehavior evidence observed at height.
func EvidenceEvent(ev slashing.Evidence, height uint64) Event {
	return Event{Kind: KindEvidence, Validator: ev.Validator, Height: height, Evidence: &ev}
}

// CheckpointEvent records a trusted checkpoint supplied from outside.
func CheckpointEvent(cp checkpoint.Checkpoint) Event {
	return Event{Kind: KindCheckpoint, Height: cp.Height, Checkpoint: &cp}
}
