package validator

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// Registry holds every known validator record and the total active stake.
// Rotation and Slashing mutate it; everything else reads Snapshots.
type Registry struct {
	mu          sync.RWMutex
	records     map[types.Address]*Record
	activeStake uint64
	activeCount int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[types.Address]*Record),
	}
}

// Register inserts a new record. Active records count toward the active stake
// immediately; genesis validators are registered that way.
func (r *Registry) Register(rec Record) error {
	if rec.Address.IsZero() {
		return ErrZeroAddress
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.Address]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateValidator, rec.Address)
	}
	cp := rec.clone()
	r.records[rec.Address] = &cp
	if cp.Active {
		r.activeStake += cp.Stake
		r.activeCount++
	}
	return nil
}

// Activate marks a registered validator active as of epoch.
func (r *Registry) Activate(addr types.Address, epoch uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, addr)
	}
	if rec.Active {
		return nil
	}
	rec.Active = true
	rec.ActivationEpoch = epoch
	r.activeStake += rec.Stake
	r.activeCount++
	return nil
}

// Deactivate removes a validator from the active set but keeps its record.
func (r *Registry) Deactivate(addr types.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, addr)
	}
	r.deactivateLocked(rec)
	return nil
}

// Remove deletes a validator record entirely.
func (r *Registry) Remove(addr types.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, addr)
	}
	r.deactivateLocked(rec)
	delete(r.records, addr)
	return nil
}

// SetActivationEpoch reschedules a pending validator.
func (r *Registry) SetActivationEpoch(addr types.Address, epoch uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, addr)
	}
	rec.ActivationEpoch = epoch
	return nil
}

// ReduceStake subtracts amount from a validator's stake and returns the new
// stake. Amounts larger than the stake are rejected, never clamped.
func (r *Registry) ReduceStake(addr types.Address, amount uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownValidator, addr)
	}
	if amount > rec.Stake {
		return rec.Stake, fmt.Errorf("%w: reduce %d from stake %d", ErrInsufficientStake, amount, rec.Stake)
	}
	rec.Stake -= amount
	if rec.Active {
		r.activeStake -= amount
	}
	return rec.Stake, nil
}

// Get returns a copy of a validator record.
func (r *Registry) Get(addr types.Address) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[addr]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// IsActive reports whether addr is in the active set.
func (r *Registry) IsActive(addr types.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[addr]
	return ok && rec.Active
}

// ActiveCount returns the number of active validators.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCount
}

// TotalActiveStake returns the stake held by active validators.
func (r *Registry) TotalActiveStake() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeStake
}

// Snapshot returns an immutable copy of every record.
func (r *Registry) Snapshot() *Set {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec.clone())
	}
	return newSet(recs)
}

func (r *Registry) deactivateLocked(rec *Record) {
	if !rec.Active {
		return
	}
	rec.Active = false
	r.activeStake -= rec.Stake
	r.activeCount--
}
