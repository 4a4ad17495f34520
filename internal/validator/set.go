package validator

import (
	"sort"

	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

// Set is an immutable, address-sorted snapshot of validator records.
// A nil *Set behaves as an empty set.
type Set struct {
	records    []Record
	index      map[types.Address]int
	totalStake uint64
	active     int
}

// NewSet builds a snapshot from records. Duplicate addresses keep the last entry.
func NewSet(records []Record) *Set {
	recs := make([]Record, 0, len(records))
	for _, r := range records {
		recs = append(recs, r.clone())
	}
	return newSet(recs)
}

func newSet(recs []Record) *Set {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Address.Less(recs[j].Address) })

	s := &Set{index: make(map[types.Address]int, len(recs))}
	for _, r := range recs {
		if i, ok := s.index[r.Address]; ok {
			s.records[i] = r
			continue
		}
		s.index[r.Address] = len(s.records)
		s.records = append(s.records, r)
	}
	for _, r := range s.records {
		if r.Active {
			s.totalStake += r.Stake
			s.active++
		}
	}
	return s
}

// Get returns a copy of the record for addr.
func (s *Set) Get(addr types.Address) (Record, bool) {
	if s == nil {
		return Record{}, false
	}
	i, ok := s.index[addr]
	if !ok {
		return Record{}, false
	}
	return s.records[i].clone(), true
}

// StakeOf returns the stake of an active validator, or 0.
func (s *Set) StakeOf(addr types.Address) uint64 {
	if s == nil {
		return 0
	}
	i, ok := s.index[addr]
	if !ok || !s.records[i].Active {
		return 0
	}
	return s.records[i].Stake
}

// IsActive reports whether addr is an active member.
func (s *Set) IsActive(addr types.Address) bool {
	if s == nil {
		return false
	}
	i, ok := s.index[addr]
	return ok && s.records[i].Active
}

// Contains reports whether addr has a record, active or not.
func (s *Set) Contains(addr types.Address) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[addr]
	return ok
}

// TotalStake returns the stake of active members.
func (s *Set) TotalStake() uint64 {
	if s == nil {
		return 0
	}
	return s.totalStake
}

// ActiveCount returns the number of active members.
func (s *Set) ActiveCount() int {
	if s == nil {
		return 0
	}
	return s.active
}

// Len returns the number of records, active or not.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}

// Records returns copies of all records in address order.
func (s *Set) Records() []Record {
	if s == nil {
		return nil
	}
	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.clone()
	}
	return out
}
