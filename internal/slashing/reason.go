package slashing

import "fmt"

// Reason is the kind of misbehavior being punished.
type Reason uint8

const (
	Offline Reason = iota
	DoubleSigning
	InvalidBlock
	InvalidWeights
	Custom

	reasonCount
)

var reasonNames = [reasonCount]string{
	Offline:        "offline",
	DoubleSigning:  "double_signing",
	InvalidBlock:   "invalid_block",
	InvalidWeights: "invalid_weights",
	Custom:         "custom",
}

func (r Reason) String() string {
	if r >= reasonCount {
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
	return reasonNames[r]
}

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	return r < reasonCount
}

// MarshalText encodes the reason name.
func (r Reason) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownReason, uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a reason name.
func (r *Reason) UnmarshalText(text []byte) error {
	parsed, err := ParseReason(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseReason returns the reason with the given name.
func ParseReason(s string) (Reason, error) {
	for i, name := range reasonNames {
		if name == s {
			return Reason(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownReason, s)
}

// Penalty is the punishment applied for one reason.
type Penalty struct {
	Percent uint64 `json:"percent"` // Share of stake burned, 0..100.
	Jail    bool   `json:"jail"`
}

// Penalties maps every reason to its penalty, indexed by Reason.
type Penalties [reasonCount]Penalty

// DefaultPenalties returns the stock penalty table.
func DefaultPenalties() Penalties {
	return Penalties{
		Offline:        {Percent: 1, Jail: true},
		DoubleSigning:  {Percent: 5, Jail: true},
		InvalidBlock:   {Percent: 3},
		InvalidWeights: {Percent: 2},
		Custom:         {Percent: 1},
	}
}

// For returns the penalty for r. Unknown reasons get no penalty.
func (p Penalties) For(r Reason) Penalty {
	if !r.Valid() {
		return Penalty{}
	}
	return p[r]
}

// Validate checks that every percentage is at most 100.
func (p Penalties) Validate() error {
	for i, pen := range p {
		if pen.Percent > 100 {
			return fmt.Errorf("%w: %s penalty %d%%", ErrInvalidPenalty, Reason(i), pen.Percent)
		}
	}
	return nil
}
