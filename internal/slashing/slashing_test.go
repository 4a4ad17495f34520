package slashing

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/internal/validator"
	"github.com/Klingon-tech/klingnet-consensus/pkg/types"
)

func init() {
	klog.Disable()
}

func addr(b byte) types.Address {
	return types.Address{b}
}

func newManager(t *testing.T, cfg Config, recs ...validator.Record) (*Manager, *validator.Registry) {
	t.Helper()
	reg := validator.NewRegistry()
	for _, r := range recs {
		if err := reg.Register(r); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	m, err := New(cfg, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, reg
}

func TestSlashValidator_DoubleSigning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JailDuration = 100
	m, reg := newManager(t, cfg, validator.Record{Address: addr(1), Stake: 1000, Active: true})

	ev := &Evidence{Validator: addr(1), Reason: DoubleSigning, Height: 40}
	event, err := m.SlashValidator(ev, 42)
	if err != nil {
		t.Fatalf("SlashValidator: %v", err)
	}
	if event.Amount != 50 {
		t.Fatalf("amount = %d, want 50", event.Amount)
	}
	if event.StakeAfter != 950 {
		t.Fatalf("stake after = %d, want 950", event.StakeAfter)
	}
	if !event.Jailed {
		t.Fatal("validator not jailed")
	}
	if event.JailUntil != 142 {
		t.Fatalf("jail until = %d, want 142", event.JailUntil)
	}

	rec, _ := reg.Get(addr(1))
	if rec.Stake != 950 {
		t.Fatalf("registry stake = %d, want 950", rec.Stake)
	}
	if !m.IsJailed(addr(1)) {
		t.Fatal("IsJailed = false")
	}
	if m.TotalSlashed() != 50 {
		t.Fatalf("total slashed = %d, want 50", m.TotalSlashed())
	}

	if _, err := m.SlashValidator(ev, 43); !errors.Is(err, ErrDuplicateEvidence) {
		t.Fatalf("err = %v, want ErrDuplicateEvidence", err)
	}
	rec, _ = reg.Get(addr(1))
	if rec.Stake != 950 {
		t.Fatalf("duplicate evidence changed stake to %d", rec.Stake)
	}
}

func TestSlashValidator_Unknown(t *testing.T) {
	m, _ := newManager(t, DefaultConfig())
	_, err := m.SlashValidator(&Evidence{Validator: addr(9), Reason: Offline}, 1)
	if !errors.Is(err, validator.ErrUnknownValidator) {
		t.Fatalf("err = %v, want ErrUnknownValidator", err)
	}
}

func TestSlash_NonJailingReason(t *testing.T) {
	m, _ := newManager(t, DefaultConfig())
	event, err := m.Slash(&Evidence{Validator: addr(2), Reason: InvalidBlock, Height: 5}, 5, 1000)
	if err != nil {
		t.Fatalf("Slash: %v", err)
	}
	if event.Amount != 30 {
		t.Fatalf("amount = %d, want 30", event.Amount)
	}
	if event.Jailed || m.IsJailed(addr(2)) {
		t.Fatal("InvalidBlock should not jail")
	}
}

func TestSlash_Rejects(t *testing.T) {
	m, _ := newManager(t, DefaultConfig())
	if _, err := m.Slash(nil, 1, 10); !errors.Is(err, ErrInvalidEvidence) {
		t.Fatalf("nil evidence: err = %v, want ErrInvalidEvidence", err)
	}
	if _, err := m.Slash(&Evidence{Validator: addr(1), Reason: Reason(42)}, 1, 10); !errors.Is(err, ErrUnknownReason) {
		t.Fatalf("bad reason: err = %v, want ErrUnknownReason", err)
	}
	if len(m.History()) != 0 {
		t.Fatal("rejected evidence recorded in history")
	}
}

func TestJail_ExtendsAndReleases(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JailDuration = 10
	m, _ := newManager(t, cfg)

	if _, err := m.Slash(&Evidence{Validator: addr(1), Reason: Offline, Height: 100}, 100, 1000); err != nil {
		t.Fatalf("Slash: %v", err)
	}
	if _, err := m.Slash(&Evidence{Validator: addr(1), Reason: DoubleSigning, Height: 105}, 105, 990); err != nil {
		t.Fatalf("Slash: %v", err)
	}
	js, ok := m.JailStatus(addr(1))
	if !ok {
		t.Fatal("jail status missing")
	}
	if js.Since != 100 || js.Until != 115 {
		t.Fatalf("jail = [%d, %d), want [100, 115)", js.Since, js.Until)
	}

	if got := m.ProcessUnjail(114); len(got) != 0 {
		t.Fatalf("released %v at 114, want none", got)
	}
	got := m.ProcessUnjail(115)
	if len(got) != 1 || got[0] != addr(1) {
		t.Fatalf("released %v at 115, want [%s]", got, addr(1))
	}
	if m.IsJailed(addr(1)) {
		t.Fatal("validator still jailed")
	}
}

func TestCheckOffline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMissedBlocks = 3
	m, _ := newManager(t, cfg)

	for i := 0; i < 3; i++ {
		m.RecordMissedBlock(addr(1))
	}
	if _, ok := m.CheckOffline(addr(1), 10); ok {
		t.Fatal("offline at exactly MaxMissedBlocks")
	}
	m.RecordMissedBlock(addr(1))
	ev, ok := m.CheckOffline(addr(1), 11)
	if !ok {
		t.Fatal("not offline after MaxMissedBlocks+1 misses")
	}
	if ev.Reason != Offline || ev.Height != 11 {
		t.Fatalf("evidence = %+v", ev)
	}

	m.RecordSignedBlock(addr(1))
	if n := m.MissedBlocks(addr(1)); n != 0 {
		t.Fatalf("missed = %d after signed block, want 0", n)
	}
}

func TestSlash_ResetsMissCounter(t *testing.T) {
	m, _ := newManager(t, DefaultConfig())
	m.RecordMissedBlock(addr(1))
	m.RecordMissedBlock(addr(1))
	if _, err := m.Slash(&Evidence{Validator: addr(1), Reason: Offline, Height: 2}, 2, 100); err != nil {
		t.Fatalf("Slash: %v", err)
	}
	if n := m.MissedBlocks(addr(1)); n != 0 {
		t.Fatalf("missed = %d after slash, want 0", n)
	}
}

func TestCheckDoubleSigning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SignatureWindow = 10
	m, _ := newManager(t, cfg)

	a, b := types.Hash{0x0a}, types.Hash{0x0b}
	if _, ok := m.CheckDoubleSigning(addr(1), 5, a); ok {
		t.Fatal("first signature reported as double signing")
	}
	if _, ok := m.CheckDoubleSigning(addr(1), 5, a); ok {
		t.Fatal("repeat of the same block reported as double signing")
	}
	ev, ok := m.CheckDoubleSigning(addr(1), 5, b)
	if !ok {
		t.Fatal("conflicting signature not detected")
	}
	if ev.BlockHash != a || ev.ConflictHash != b {
		t.Fatalf("evidence hashes = %s/%s, want %s/%s", ev.BlockHash.Short(), ev.ConflictHash.Short(), a.Short(), b.Short())
	}

	// Height 5 falls out of the window once height 16 is checked.
	m.CheckDoubleSigning(addr(2), 16, a)
	if _, ok := m.CheckDoubleSigning(addr(1), 5, types.Hash{0x0c}); ok {
		t.Fatal("pruned height still reports double signing")
	}
}

func TestPenalties(t *testing.T) {
	p := DefaultPenalties()
	want := map[Reason]uint64{Offline: 1, DoubleSigning: 5, InvalidBlock: 3, InvalidWeights: 2, Custom: 1}
	for r, pct := range want {
		if got := p.For(r).Percent; got != pct {
			t.Fatalf("%s percent = %d, want %d", r, got, pct)
		}
	}
	if !p.For(Offline).Jail || !p.For(DoubleSigning).Jail {
		t.Fatal("Offline and DoubleSigning must jail")
	}

	p[Custom].Percent = 101
	cfg := DefaultConfig()
	cfg.Penalties = p
	if _, err := New(cfg, nil); !errors.Is(err, ErrInvalidPenalty) {
		t.Fatalf("err = %v, want ErrInvalidPenalty", err)
	}
}

func TestReason_Text(t *testing.T) {
	for r := Offline; r < reasonCount; r++ {
		text, err := r.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d): %v", r, err)
		}
		var back Reason
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", text, err)
		}
		if back != r {
			t.Fatalf("round trip %s = %s", r, back)
		}
	}
	if _, err := ParseReason("bribery"); !errors.Is(err, ErrUnknownReason) {
		t.Fatalf("err = %v, want ErrUnknownReason", err)
	}
}

func TestPenaltyAmount(t *testing.T) {
	if got := PenaltyAmount(math.MaxUint64, 50); got != math.MaxUint64/2 {
		t.Fatalf("PenaltyAmount(max, 50) = %d, want %d", got, uint64(math.MaxUint64/2))
	}
	if got := PenaltyAmount(99, 1); got != 0 {
		t.Fatalf("PenaltyAmount(99, 1) = %d, want 0", got)
	}

	rapid.Check(t, func(t *rapid.T) {
		stake := rapid.Uint64().Draw(t, "stake").(uint64)
		pct := rapid.Uint64Range(0, 150).Draw(t, "percent").(uint64)
		amount := PenaltyAmount(stake, pct)
		require.LessOrEqual(t, amount, stake)
	})
}
