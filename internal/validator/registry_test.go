package validator

import (
	"errors"
	"sync"
	"testing"

	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

func addr(b byte) types.Address {
	return types.Address{b}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Record{Address: addr(1), Stake: 100, Active: true, PublicKey: []byte{9}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec, ok := r.Get(addr(1))
	if !ok {
		t.Fatal("Get returned false after Register")
	}
	if rec.Stake != 100 || !rec.Active {
		t.Errorf("record = %v, want stake 100 active", rec)
	}

	// Returned copies must not alias registry memory.
	rec.PublicKey[0] = 0
	again, _ := r.Get(addr(1))
	if again.PublicKey[0] != 9 {
		t.Error("mutating a returned record changed the registry")
	}
}

func TestRegistry_RegisterRejects(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Record{}); !errors.Is(err, ErrZeroAddress) {
		t.Errorf("zero address: err = %v, want ErrZeroAddress", err)
	}
	r.Register(Record{Address: addr(1), Stake: 1})
	if err := r.Register(Record{Address: addr(1), Stake: 2}); !errors.Is(err, ErrDuplicateValidator) {
		t.Errorf("duplicate: err = %v, want ErrDuplicateValidator", err)
	}
}

func TestRegistry_ActiveStakeAccounting(t *testing.T) {
	r := NewRegistry()
	r.Register(Record{Address: addr(1), Stake: 100, Active: true})
	r.Register(Record{Address: addr(2), Stake: 50})

	if got := r.TotalActiveStake(); got != 100 {
		t.Errorf("TotalActiveStake = %d, want 100", got)
	}
	if err := r.Activate(addr(2), 3); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := r.TotalActiveStake(); got != 150 {
		t.Errorf("TotalActiveStake after activate = %d, want 150", got)
	}
	if got := r.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}
	rec, _ := r.Get(addr(2))
	if rec.ActivationEpoch != 3 {
		t.Errorf("ActivationEpoch = %d, want 3", rec.ActivationEpoch)
	}

	if _, err := r.ReduceStake(addr(1), 40); err != nil {
		t.Fatalf("ReduceStake: %v", err)
	}
	if got := r.TotalActiveStake(); got != 110 {
		t.Errorf("TotalActiveStake after slash = %d, want 110", got)
	}

	r.Deactivate(addr(1))
	if got := r.TotalActiveStake(); got != 50 {
		t.Errorf("TotalActiveStake after deactivate = %d, want 50", got)
	}
	r.Remove(addr(2))
	if got := r.TotalActiveStake(); got != 0 {
		t.Errorf("TotalActiveStake after remove = %d, want 0", got)
	}
	if _, ok := r.Get(addr(2)); ok {
		t.Error("removed validator still present")
	}
}

func TestRegistry_ReduceStakeBounds(t *testing.T) {
	r := NewRegistry()
	r.Register(Record{Address: addr(1), Stake: 10, Active: true})

	if _, err := r.ReduceStake(addr(1), 11); !errors.Is(err, ErrInsufficientStake) {
		t.Errorf("err = %v, want ErrInsufficientStake", err)
	}
	if got, _ := r.ReduceStake(addr(1), 10); got != 0 {
		t.Errorf("stake = %d, want 0", got)
	}
	if _, err := r.ReduceStake(addr(9), 1); !errors.Is(err, ErrUnknownValidator) {
		t.Errorf("err = %v, want ErrUnknownValidator", err)
	}
}

func TestRegistry_SnapshotIsIsolated(t *testing.T) {
	r := NewRegistry()
	r.Register(Record{Address: addr(2), Stake: 20, Active: true})
	r.Register(Record{Address: addr(1), Stake: 10, Active: true})

	snap := r.Snapshot()
	r.ReduceStake(addr(1), 5)

	if got := snap.StakeOf(addr(1)); got != 10 {
		t.Errorf("snapshot stake = %d, want 10", got)
	}
	if got := snap.TotalStake(); got != 30 {
		t.Errorf("snapshot total = %d, want 30", got)
	}
	recs := snap.Records()
	if len(recs) != 2 || recs[0].Address != addr(1) {
		t.Errorf("snapshot should be address-sorted, got %v", recs)
	}
}

func TestRegistry_Concurrency(t *testing.T) {
	r := NewRegistry()
	for i := 1; i <= 50; i++ {
		r.Register(Record{Address: addr(byte(i)), Stake: 100, Active: true})
	}
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(2)
		go func(b byte) {
			defer wg.Done()
			r.ReduceStake(addr(b), 1)
		}(byte(i))
		go func() {
			defer wg.Done()
			_ = r.Snapshot().TotalStake()
		}()
	}
	wg.Wait()
	if got := r.TotalActiveStake(); got != 50*99 {
		t.Errorf("TotalActiveStake = %d, want %d", got, 50*99)
	}
}
