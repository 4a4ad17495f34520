// Package liveness watches block arrival and peer count and recommends what
// the node should do when the chain stops moving. It never raises: it only
// keeps counters and answers CheckLiveness.
package liveness

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
)

// Action is the recommendation returned by CheckLiveness.
type Action uint8

const (
	Healthy Action = iota
	WaitMore
	WarnSlow
	DiscoverPeers
	RequestSync
	NetworkStalled
)

func (a Action) String() string {
	switch a {
	case Healthy:
		return "healthy"
	case WaitMore:
		return "wait_more"
	case WarnSlow:
		return "warn_slow"
	case DiscoverPeers:
		return "discover_peers"
	case RequestSync:
		return "request_sync"
	case NetworkStalled:
		return "network_stalled"
	default:
		return "unknown"
	}
}

// Config holds liveness thresholds. Durations are measured from the last
// accepted block.
type Config struct {
	ExpectedBlockTime time.Duration
	SlowAfter         time.Duration
	SyncAfter         time.Duration
	StallAfter        time.Duration
	MinPeers          int
}

// DefaultConfig returns thresholds for a 3 second block time. MinPeers is 0
// because peer counts only arrive when a transport reports them.
func DefaultConfig() Config {
	return Config{
		ExpectedBlockTime: 3 * time.Second,
		SlowAfter:         9 * time.Second,
		SyncAfter:         30 * time.Second,
		StallAfter:        2 * time.Minute,
	}
}

// Stats is a snapshot of the monitor's counters.
type Stats struct {
	LastHeight     uint64
	LastBlockTime  time.Time
	MissedSlots    uint64
	PeerCount      int
	RecoveryCount  uint64
	BlocksRecorded uint64
	LastAction     Action
}

// Monitor tracks block arrival. Safe for concurrent use.
type Monitor struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock

	lastHeight uint64
	lastBlock  time.Time
	haveBlock  bool
	missed     uint64
	peers      int
	recoveries uint64
	blocks     uint64
	lastAction Action
}

// New creates a monitor. The clock starts the elapsed timer; a nil clock
// uses wall time.
func New(cfg Config, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		cfg:       cfg,
		clock:     clk,
		lastBlock: clk.Now(),
	}
}

// RecordBlock notes a new block. Heights that do not increase are ignored
// and return false.
func (m *Monitor) RecordBlock(height uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.haveBlock && height <= m.lastHeight {
		return false
	}
	m.lastHeight = height
	m.lastBlock = m.clock.Now()
	m.haveBlock = true
	m.missed = 0
	m.blocks++
	return true
}

// SetPeerCount records the current number of connected peers.
func (m *Monitor) SetPeerCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers = n
}

// CheckLiveness evaluates peers first, then the time since the last block.
func (m *Monitor) CheckLiveness() Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := m.clock.Since(m.lastBlock)
	if m.cfg.ExpectedBlockTime > 0 {
		m.missed = uint64(elapsed / m.cfg.ExpectedBlockTime)
	}

	action := m.evaluateLocked(elapsed)
	if action == NetworkStalled {
		m.recoveries++
	}
	if action != m.lastAction && action != Healthy {
		klog.Liveness.Warn().
			Str("action", action.String()).
			Dur("since_last_block", elapsed).
			Uint64("height", m.lastHeight).
			Int("peers", m.peers).
			Msg("Liveness degraded")
	}
	m.lastAction = action
	return action
}

func (m *Monitor) evaluateLocked(elapsed time.Duration) Action {
	switch {
	case m.peers < m.cfg.MinPeers:
		return DiscoverPeers
	case m.cfg.StallAfter > 0 && elapsed >= m.cfg.StallAfter:
		return NetworkStalled
	case m.cfg.SyncAfter > 0 && elapsed >= m.cfg.SyncAfter:
		return RequestSync
	case m.cfg.SlowAfter > 0 && elapsed >= m.cfg.SlowAfter:
		return WarnSlow
	case m.cfg.ExpectedBlockTime > 0 && elapsed >= m.cfg.ExpectedBlockTime:
		return WaitMore
	default:
		return Healthy
	}
}

// IsSynced reports whether the last check was Healthy or WaitMore.
func (m *Monitor) IsSynced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAction == Healthy || m.lastAction == WaitMore
}

// Stats returns a copy of the counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		LastHeight:     m.lastHeight,
		LastBlockTime:  m.lastBlock,
		MissedSlots:    m.missed,
		PeerCount:      m.peers,
		RecoveryCount:  m.recoveries,
		BlocksRecorded: m.blocks,
		LastAction:     m.lastAction,
	}
}
