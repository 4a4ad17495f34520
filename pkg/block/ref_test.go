package block

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

func TestNewRef_DeterministicHash(t *testing.T) {
	parent := types.Hash{0x01}
	a := NewRef(parent, 5, 1000, types.Address{0x02})
	b := NewRef(parent, 5, 1000, types.Address{0x02})
	if a.Hash != b.Hash {
		t.Error("same fields should produce the same hash")
	}
	c := NewRef(parent, 5, 1001, types.Address{0x02})
	if a.Hash == c.Hash {
		t.Error("different timestamp should change the hash")
	}
	if a.Hash != a.ComputeHash() {
		t.Error("stored hash should match ComputeHash")
	}
}

func TestGenesis(t *testing.T) {
	g := Genesis("klingnet-test", 1700000000)
	if g.Height != 0 || !g.ParentHash.IsZero() {
		t.Errorf("genesis = %+v, want height 0 and zero parent", g)
	}
	if g.Hash.IsZero() {
		t.Fatal("genesis hash should not be zero")
	}
	if Genesis("other", 1700000000).Hash == g.Hash {
		t.Error("chain id should be part of the genesis identity")
	}
	if err := g.Validate(); err != nil {
		t.Errorf("genesis Validate() = %v", err)
	}
}

func TestRef_Child(t *testing.T) {
	g := Genesis("c", 1)
	child := g.Child(2, types.Address{0x09})
	if child.Height != 1 || child.ParentHash != g.Hash {
		t.Errorf("child = %+v, want height 1 under genesis", child)
	}
}

func TestRef_Validate(t *testing.T) {
	tests := []struct {
		name string
		ref  Ref
		want error
	}{
		{"zero hash", Ref{Height: 1, ParentHash: types.Hash{1}}, ErrZeroHash},
		{"missing parent", Ref{Hash: types.Hash{1}, Height: 3}, ErrMissingParent},
		{"self parent", Ref{Hash: types.Hash{1}, ParentHash: types.Hash{1}, Height: 3}, ErrSelfParent},
		{"ok", NewRef(types.Hash{7}, 3, 9, types.Address{}), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.ref.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}
