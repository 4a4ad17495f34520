// Package node wires the consensus engine to its storage, journal, metrics
// and reference node into a runnable verifier that any binary can embed.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-consensus/config"
	"github.com/Klingon-tech/klingnet-consensus/internal/breaker"
	"github.com/Klingon-tech/klingnet-consensus/internal/consensus"
	"github.com/Klingon-tech/klingnet-consensus/internal/journal"
	"github.com/Klingon-tech/klingnet-consensus/internal/liveness"
	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/internal/rpc"
	"github.com/Klingon-tech/klingnet-consensus/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-consensus/internal/storage"
)

// SourceBreaker names the breaker guarding the reference node.
const SourceBreaker = "reference-rpc"

// Node errors.
var (
	ErrChainMismatch = errors.New("reference node serves a different chain")
	ErrFinalConflict = errors.New("reference node conflicts with finalized chain")
)

// Node is a fully-initialized consensus verifier.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db       storage.DB
	journal  *journal.Journal
	engine   *consensus.Engine
	breakers *breaker.Registry

	// Reference node
	source *rpcclient.HeaderSource

	// Servers
	api           *rpc.Server
	metricsServer *http.Server

	// Sync
	syncMu    sync.Mutex
	syncNow   chan struct{}
	maxHeight uint64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a Node. It opens storage, builds the engine
// and replays the journal, but does NOT start background goroutines
// (metrics, sync, liveness). Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "klingnet-verify.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, expandHome(logFile)); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return newNode(cfg, klog.WithComponent("node"))
}

// newNode builds the node with an already configured logger.
func newNode(cfg *config.Config, logger zerolog.Logger) (*Node, error) {
	// ── 2. Genesis ──────────────────────────────────────────────────
	genesis, err := cfg.Genesis()
	if err != nil {
		return nil, fmt.Errorf("load genesis: %w", err)
	}
	params, err := genesis.ConsensusParams()
	if err != nil {
		return nil, fmt.Errorf("consensus params: %w", err)
	}
	params.Liveness = cfg.ApplyLiveness(params.Liveness)

	genesisHash, err := genesis.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash genesis: %w", err)
	}
	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Str("genesis", genesisHash.Short()).
		Int("validators", len(params.Validators)).
		Int("block_time", genesis.Protocol.Consensus.BlockTime).
		Msg("Starting Klingnet consensus verifier")

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		genesis:  genesis,
		logger:   logger,
		db:       db,
		breakers: breaker.NewRegistry(cfg.BreakerSettings(), nil),
		syncNow:  make(chan struct{}, 1),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	// ── 4. Journal ──────────────────────────────────────────────────
	if cfg.Journal.Enabled {
		n.journal, err = journal.Open(storage.NewPrefixDB(db, []byte("journal/")))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	// ── 5. Consensus engine ─────────────────────────────────────────
	metrics := consensus.NopMetrics()
	if cfg.Metrics.Enabled {
		metrics = consensus.PrometheusMetrics(cfg.Metrics.Namespace, "chain_id", genesis.ChainID)
	}
	n.engine, err = consensus.New(params, genesis.GenesisRef(), consensus.Options{
		Metrics:  metrics,
		Breakers: n.breakers,
		Journal:  n.journal,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create consensus engine: %w", err)
	}

	if n.journal != nil && n.journal.Len() > 0 {
		applied, err := n.engine.Replay(n.ctx, n.journal)
		switch {
		case errors.Is(err, consensus.ErrHalted):
			// The last journaled input halted the engine; resume halted.
			logger.Error().Err(err).Uint64("events", applied).Msg("Journal replay halted consensus")
		case err != nil:
			db.Close()
			return nil, fmt.Errorf("replay journal: %w", err)
		}
		head := n.engine.Head()
		logger.Info().
			Uint64("events", applied).
			Uint64("height", head.Height).
			Str("head", head.Hash.Short()).
			Msg("Consensus state resumed from journal")
	}

	// ── 6. Reference node ───────────────────────────────────────────
	if cfg.RPC.Endpoint != "" {
		client := rpcclient.NewWithTimeout(cfg.RPC.Endpoint, cfg.RPC.Timeout)
		n.source = rpcclient.NewHeaderSource(client, n.breakers.Get(SourceBreaker), cfg.RPC.Workers)
		logger.Info().Str("endpoint", cfg.RPC.Endpoint).Msg("Reference node configured")
	}

	return n, nil
}

// Start launches background goroutines: query API, metrics server, sync
// loop and liveness monitor.
func (n *Node) Start() error {
	if n.cfg.API.Enabled {
		n.api = rpc.New(n.cfg.API.Addr, n.engine, n.genesis, n.cfg.API)
		if err := n.api.Start(); err != nil {
			n.api = nil
			return fmt.Errorf("start api: %w", err)
		}
	}

	if n.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		n.metricsServer = &http.Server{
			Addr:              n.cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error().Err(err).Str("addr", n.cfg.Metrics.Addr).Msg("Metrics server failed")
			}
		}()
		n.logger.Info().Str("addr", n.cfg.Metrics.Addr).Msg("Metrics server started")
	}

	if n.source != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runSyncLoop()
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runLivenessLoop()
	}()

	head := n.engine.Head()
	n.logger.Info().
		Uint64("height", head.Height).
		Str("head", head.Hash.Short()).
		Bool("sync", n.source != nil).
		Msg("Verifier started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	if n.api != nil {
		if err := n.api.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("API shutdown")
		}
	}
	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = n.metricsServer.Shutdown(ctx)
		cancel()
	}
	n.wg.Wait()

	if n.db != nil {
		n.db.Close()
	}
	n.logger.Info().Msg("Goodbye!")
}

// Engine returns the consensus engine.
func (n *Node) Engine() *consensus.Engine {
	return n.engine
}

// APIAddr returns the query API listen address, or "" when it is not running.
func (n *Node) APIAddr() string {
	if n.api == nil {
		return ""
	}
	return n.api.Addr()
}

// Genesis returns the genesis the node runs.
func (n *Node) Genesis() *config.Genesis {
	return n.genesis
}

// SetMaxHeight bounds how far sync goes. Zero follows the node tip.
func (n *Node) SetMaxHeight(h uint64) {
	n.syncMu.Lock()
	n.maxHeight = h
	n.syncMu.Unlock()
}

// TriggerSync asks the sync loop to run now.
func (n *Node) TriggerSync() {
	select {
	case n.syncNow <- struct{}{}:
	default:
	}
}

// ── Background loops ────────────────────────────────────────────────

func (n *Node) blockTime() time.Duration {
	return time.Duration(n.genesis.Protocol.Consensus.BlockTime) * time.Second
}

func (n *Node) runSyncLoop() {
	ticker := time.NewTicker(n.blockTime())
	defer ticker.Stop()

	for {
		if _, err := n.Sync(n.ctx); err != nil && n.ctx.Err() == nil {
			n.logger.Warn().Err(err).Msg("Header sync failed")
		}
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		case <-n.syncNow:
		}
	}
}

func (n *Node) runLivenessLoop() {
	ticker := time.NewTicker(n.blockTime())
	defer ticker.Stop()

	last := liveness.Healthy
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
		action := n.engine.CheckLiveness()
		if action != last {
			n.logger.Info().
				Str("from", last.String()).
				Str("to", action.String()).
				Msg("Liveness changed")
			last = action
		}
		if action == liveness.RequestSync && n.source != nil {
			n.TriggerSync()
		}
	}
}
