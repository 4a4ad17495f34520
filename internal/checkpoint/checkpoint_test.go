package checkpoint

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/pkg/block"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

func init() {
	klog.Disable()
}

const genesisTime = 1_700_000_000

func newManager(t *testing.T, cfg Config) (*Manager, *clock.Mock, block.Ref) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(genesisTime, 0))
	g := block.Genesis("checkpoint-test", genesisTime)
	m, err := New(cfg, FromRef(g, 0), mock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, mock, g
}

func chain(parent block.Ref, n int) []block.Ref {
	refs := make([]block.Ref, 0, n)
	for i := 0; i < n; i++ {
		parent = parent.Child(parent.Timestamp+3, types.Address{0x01})
		refs = append(refs, parent)
	}
	return refs
}

func TestManager_AutoCheckpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 10
	m, _, g := newManager(t, cfg)
	refs := chain(g, 25)

	var created []Checkpoint
	for _, r := range refs {
		cp, err := m.OnFinalized(r, r.Height/5)
		if err != nil {
			t.Fatalf("OnFinalized(%s): %v", r, err)
		}
		if cp != nil {
			created = append(created, *cp)
		}
	}
	if len(created) != 2 {
		t.Fatalf("created %d checkpoints, want 2", len(created))
	}
	if created[0].Height != 10 || created[1].Height != 20 {
		t.Fatalf("checkpoint heights = %d, %d; want 10, 20", created[0].Height, created[1].Height)
	}
	if created[1].Epoch != 4 {
		t.Fatalf("epoch = %d, want 4", created[1].Epoch)
	}
	if got := m.Latest().Height; got != 20 {
		t.Fatalf("latest height = %d, want 20", got)
	}
	if got := m.FinalizedHeight(); got != 25 {
		t.Fatalf("finalized height = %d, want 25", got)
	}
	if cp, ok := m.Floor(19); !ok || cp.Height != 10 {
		t.Fatalf("Floor(19) = %v, %v; want height 10", cp, ok)
	}

	// Stale finalization is ignored.
	if cp, err := m.OnFinalized(refs[3], 0); err != nil || cp != nil {
		t.Fatalf("OnFinalized(stale) = %v, %v; want nil, nil", cp, err)
	}
}

func TestManager_AddCheckpointIncreasing(t *testing.T) {
	m, _, _ := newManager(t, DefaultConfig())
	if err := m.AddCheckpoint(Checkpoint{BlockHash: types.Hash{1}, Height: 5}); err != nil {
		t.Fatalf("AddCheckpoint: %v", err)
	}
	for _, h := range []uint64{5, 4} {
		if err := m.AddCheckpoint(Checkpoint{BlockHash: types.Hash{2}, Height: h}); !errors.Is(err, ErrInvalidCheckpoint) {
			t.Fatalf("height %d: err = %v, want ErrInvalidCheckpoint", h, err)
		}
	}
	if len(m.Checkpoints()) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(m.Checkpoints()))
	}
}

func TestManager_CheckReorg(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReorgDepth = 10
	m, _, _ := newManager(t, cfg)
	if err := m.AddCheckpoint(Checkpoint{BlockHash: types.Hash{1}, Height: 50}); err != nil {
		t.Fatalf("AddCheckpoint: %v", err)
	}

	if err := m.CheckReorg(55, 5); err != nil {
		t.Fatalf("CheckReorg(55, 5): %v", err)
	}
	if err := m.CheckReorg(49, 5); !errors.Is(err, ErrReorgNotAllowed) {
		t.Fatalf("below checkpoint: err = %v, want ErrReorgNotAllowed", err)
	}
	if err := m.CheckReorg(60, 11); !errors.Is(err, ErrReorgNotAllowed) {
		t.Fatalf("too deep: err = %v, want ErrReorgNotAllowed", err)
	}
	if !m.IsReorgAllowed(10) || m.IsReorgAllowed(11) {
		t.Fatal("IsReorgAllowed boundary wrong")
	}
}

func TestManager_WeakSubjectivity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 0
	cfg.WeakSubjectivityPeriod = 100
	m, _, g := newManager(t, cfg)

	refs := chain(g, 500)
	if _, err := m.OnFinalized(refs[499], 0); err != nil {
		t.Fatalf("OnFinalized: %v", err)
	}
	if !m.IsWithinWeakSubjectivity(400) {
		t.Fatal("height 400 should be within the period of finalized 500")
	}
	if m.IsWithinWeakSubjectivity(399) {
		t.Fatal("height 399 should be outside the period of finalized 500")
	}
}

func TestManager_ExternalCheckpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 10
	cfg.MaxFutureDrift = time.Minute
	m, mock, g := newManager(t, cfg)
	refs := chain(g, 15)
	for _, r := range refs {
		if _, err := m.OnFinalized(r, 0); err != nil {
			t.Fatalf("OnFinalized: %v", err)
		}
	}
	now := uint64(mock.Now().Unix())

	tests := []struct {
		name string
		cp   Checkpoint
	}{
		{"zero hash", Checkpoint{Height: 30, Timestamp: now}},
		{"below finalized", Checkpoint{BlockHash: types.Hash{9}, Height: 12, Timestamp: now}},
		{"future timestamp", Checkpoint{BlockHash: types.Hash{9}, Height: 30, Timestamp: now + 120}},
		{"conflicting hash", Checkpoint{BlockHash: types.Hash{9}, Height: 10, Timestamp: now}},
		{"conflicts with finalized block", Checkpoint{BlockHash: types.Hash{9}, Height: 15, Timestamp: now}},
		{"timestamp at 2^63", Checkpoint{BlockHash: types.Hash{9}, Height: 30, Timestamp: 1 << 63}},
		{"max timestamp", Checkpoint{BlockHash: types.Hash{9}, Height: 30, Timestamp: math.MaxUint64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := m.Checkpoints()
			if err := m.AcceptExternalCheckpoint(tt.cp); !errors.Is(err, ErrInvalidCheckpoint) {
				t.Fatalf("err = %v, want ErrInvalidCheckpoint", err)
			}
			if len(m.Checkpoints()) != len(before) {
				t.Fatal("rejected checkpoint changed state")
			}
		})
	}

	// A known checkpoint is accepted without duplication.
	if err := m.AcceptExternalCheckpoint(FromRef(refs[9], 0)); err != nil {
		t.Fatalf("known checkpoint: %v", err)
	}
	ok := Checkpoint{BlockHash: types.Hash{7}, Height: 30, Timestamp: now + 30}
	if err := m.ValidateExternalCheckpoint(ok); err != nil {
		t.Fatalf("ValidateExternalCheckpoint: %v", err)
	}
	if err := m.AcceptExternalCheckpoint(ok); err != nil {
		t.Fatalf("AcceptExternalCheckpoint: %v", err)
	}
	if got, found := m.At(30); !found || got.BlockHash != ok.BlockHash {
		t.Fatalf("At(30) = %v, %v", got, found)
	}
}

func TestManager_CanSyncFromScratch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireRecentCheckpoint = true
	cfg.MaxCheckpointAge = time.Hour
	m, mock, _ := newManager(t, cfg)

	if !m.CanSyncFromScratch() {
		t.Fatal("fresh genesis checkpoint should allow sync")
	}
	mock.Add(2 * time.Hour)
	if m.CanSyncFromScratch() {
		t.Fatal("stale checkpoint should not allow sync")
	}

	// A checkpoint stamped past the int64 range is not mistaken for an old one.
	if err := m.AddCheckpoint(Checkpoint{BlockHash: types.Hash{5}, Height: 50, Timestamp: math.MaxUint64}); err != nil {
		t.Fatalf("AddCheckpoint: %v", err)
	}
	if !m.CanSyncFromScratch() {
		t.Fatal("far-future checkpoint treated as stale")
	}

	cfg.RequireRecentCheckpoint = false
	m2, mock2, _ := newManager(t, cfg)
	mock2.Add(100 * time.Hour)
	if !m2.CanSyncFromScratch() {
		t.Fatal("sync should be allowed when recent checkpoints are not required")
	}
}

func TestManager_FinalizedConflictsWithCheckpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 100
	m, mock, g := newManager(t, cfg)
	refs := chain(g, 12)

	// Trusted checkpoint ahead of local finality.
	external := Checkpoint{BlockHash: types.Hash{7}, Height: 10, Timestamp: uint64(mock.Now().Unix())}
	if err := m.AcceptExternalCheckpoint(external); err != nil {
		t.Fatalf("AcceptExternalCheckpoint: %v", err)
	}
	for _, r := range refs[:9] {
		if _, err := m.OnFinalized(r, 0); err != nil {
			t.Fatalf("OnFinalized(%s): %v", r, err)
		}
	}
	if _, err := m.OnFinalized(refs[9], 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if got := m.FinalizedHeight(); got != 9 {
		t.Fatalf("finalized = %d, want 9", got)
	}

	// A matching checkpoint lets finality pass.
	m2, _, _ := newManager(t, cfg)
	if err := m2.AcceptExternalCheckpoint(FromRef(refs[9], 0)); err != nil {
		t.Fatalf("AcceptExternalCheckpoint: %v", err)
	}
	for _, r := range refs {
		if _, err := m2.OnFinalized(r, 0); err != nil {
			t.Fatalf("OnFinalized(%s): %v", r, err)
		}
	}
	if got := m2.FinalizedHeight(); got != 12 {
		t.Fatalf("finalized = %d, want 12", got)
	}
}

func TestNew_RejectsZeroGenesis(t *testing.T) {
	if _, err := New(DefaultConfig(), Checkpoint{}, nil); !errors.Is(err, ErrInvalidCheckpoint) {
		t.Fatalf("err = %v, want ErrInvalidCheckpoint", err)
	}
}
