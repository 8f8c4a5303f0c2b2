// Package runtime binds one node identity to exactly one consensus
// engine, one transport, and one state manager, exposing the operations
// an external caller (the excluded surface-language executor or HTTP
// façade) drives a node through: start, propose, vote, and a restartable
// commit stream. Grounded on original_source/runtime/src/lib.rs's
// Runtime struct, which wires the same four collaborators in Rust.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/omnix-consensus/internal/config"
	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/internal/consensus/bft"
	"github.com/ruvnet/omnix-consensus/internal/consensus/memstore"
	"github.com/ruvnet/omnix-consensus/internal/consensus/raft"
	"github.com/ruvnet/omnix-consensus/internal/consensus/tendermint"
	"github.com/ruvnet/omnix-consensus/internal/consensus/transport"
	"github.com/ruvnet/omnix-consensus/internal/errors"
	"github.com/ruvnet/omnix-consensus/internal/state"
	"github.com/ruvnet/omnix-consensus/pkg/metrics"
)

// CommitEntry is one element of the commit stream: a committed log index
// paired with its payload, delivered in strict index order.
type CommitEntry struct {
	Index consensus.LogIndex
	Data  []byte
}

// Runtime is the bound (NodeId, Engine, Transport, StateManager) quartet
// described in SPEC_FULL.md §4.7. Exactly one of each lives here.
type Runtime struct {
	nodeID consensus.NodeID
	logger *zap.Logger

	engine    consensus.Engine
	transport consensus.Transport
	storage   consensus.Storage
	state     *state.Manager
	admission *proposalAdmission

	mu      sync.Mutex
	started bool

	commitMu  sync.Mutex
	commitSeq []CommitEntry
	commitCh  []chan CommitEntry
}

// New constructs every subsystem named in cfg but starts none of them;
// callers invoke Start to bring the node online.
func New(cfg *config.Config, logger *zap.Logger, metric *metrics.Metrics) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metric == nil {
		metric = metrics.NewMetrics()
	}

	nodeID := consensus.NodeID(cfg.Node.ID)
	nodes, err := peerAddressMap(nodeID, cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	selfAddr, ok := nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("runtime: node id %q has no address in its own peer list", nodeID)
	}

	consensusCfg := &consensus.Config{
		NodeID:           nodeID,
		Nodes:            nodes,
		ElectionTimeout:  durationMS(cfg.Consensus.TimeoutMS),
		HeartbeatTimeout: durationMS(cfg.Consensus.TimeoutMS) / 3,
		RequestTimeout:   durationMS(cfg.Consensus.TimeoutMS) * 2,
		MaxLogEntries:    cfg.Consensus.MaxLogEntries,
		SnapshotInterval: cfg.Consensus.SnapshotInterval,
		BatchSize:        cfg.Consensus.BatchSize,
		MaxFaulty:        cfg.Consensus.MaxFaulty,
	}

	tport := transport.NewWebSocketTransport(nodeID, selfAddr, nodes, []byte(cfg.Network.GossipKey), logger)

	store := memstore.New(memstore.Config{}, logger)

	sm := &passthroughStateMachine{}

	var engine consensus.Engine
	switch consensus.Algorithm(strings.ToLower(cfg.Consensus.Algorithm)) {
	case consensus.AlgorithmRaft, "":
		engine = raft.New(consensusCfg, tport, sm, store, logger, metric)
	case consensus.AlgorithmPBFT:
		engine = bft.New(consensusCfg, tport, sm, store, logger, metric)
	case consensus.AlgorithmTendermint:
		engine = tendermint.New(consensusCfg, tport, sm, logger, metric)
	default:
		return nil, fmt.Errorf("runtime: unknown consensus algorithm %q", cfg.Consensus.Algorithm)
	}

	stateMgr := state.New(consensusCfg, engine, tport, logger, metric)

	return newRuntime(nodeID, engine, tport, store, stateMgr, logger), nil
}

// newRuntime wires an already-constructed (Engine, Transport, Storage,
// *state.Manager) quartet into a Runtime. New builds that quartet from a
// config.Config; tests in this package build a lighter-weight one (an
// in-memory transport, a fake engine) to exercise Propose/Get/Set/Stop
// without a real socket or a full consensus round trip.
func newRuntime(nodeID consensus.NodeID, engine consensus.Engine, tport consensus.Transport, store consensus.Storage, stateMgr *state.Manager, logger *zap.Logger) *Runtime {
	rt := &Runtime{
		nodeID:    nodeID,
		logger:    logger,
		engine:    engine,
		transport: tport,
		storage:   store,
		state:     stateMgr,
		admission: newProposalAdmission(defaultAdmissionConfig(), logger),
	}
	// state.Manager already claims the engine's single OnCommit slot (for
	// Strong-write application); Runtime rides along via OnApply instead
	// of contending for that slot directly.
	stateMgr.OnApply(rt.recordCommit)
	return rt
}

// Start brings the engine up, then the state manager's gossip loop. Per
// SPEC_FULL.md §6 the transport starts before the engine; here the engine
// itself owns that call (raft.Start/PBFT.Start/tendermint.Start all start
// their transport as their first step), so Runtime does not also call
// transport.Start directly — doing so a third time alongside the engine
// and the gossip protocol's own calls would only add a redundant listener
// bind. This mirrors the same shared-transport simplification recorded
// for internal/state: every consumer of this Runtime's single transport
// currently starts it itself rather than Runtime owning one dispatch
// loop; see that package's DESIGN.md entry for the reasoning.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return nil
	}
	if err := rt.engine.Start(ctx); err != nil {
		return fmt.Errorf("runtime: start engine: %w", err)
	}
	if err := rt.state.Start(ctx); err != nil {
		return fmt.Errorf("runtime: start state manager: %w", err)
	}
	rt.started = true
	rt.logger.Info("runtime started", zap.String("node_id", string(rt.nodeID)))
	return nil
}

// Stop tears down in reverse order and releases durable storage.
func (rt *Runtime) Stop() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.started {
		return nil
	}
	_ = rt.state.Stop()
	_ = rt.engine.Stop()
	_ = rt.transport.Stop()
	rt.started = false
	return rt.storage.Close()
}

// Propose submits a value for replication, applying admission control
// before ever reaching the engine: an admission bucket exhausted here
// surfaces as Backpressure without the engine ever seeing the call.
func (rt *Runtime) Propose(ctx context.Context, data []byte) (consensus.ProposalID, error) {
	if !rt.admission.admit() {
		return "", errors.NewBackpressureError(rt.admission.outstandingCount(), rt.admission.bound())
	}

	id, err := rt.engine.Propose(ctx, data)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Vote records an externally supplied vote for proposal id.
func (rt *Runtime) Vote(ctx context.Context, id consensus.ProposalID, vote consensus.Vote) error {
	return rt.engine.VoteFor(ctx, id, vote)
}

// Get/Set delegate to the bound state manager, the Runtime's only
// caller-facing entry point into the replicated key/value store.
func (rt *Runtime) Get(key string) ([]byte, bool) { return rt.state.Get(key) }
func (rt *Runtime) Set(ctx context.Context, key string, value []byte, opts state.WriteOptions) error {
	return rt.state.Set(ctx, key, value, opts)
}

func (rt *Runtime) IsLeader() bool           { return rt.engine.IsLeader() }
func (rt *Runtime) Leader() consensus.NodeID { return rt.engine.GetLeader() }
func (rt *Runtime) Term() consensus.Term     { return rt.engine.GetTerm() }

// CommitStream returns a channel replaying every commit observed so far
// and then every future one, in strict index order. Each call is an
// independent, lazily-restartable subscription (SPEC_FULL.md §6): a late
// subscriber still sees the full history rather than only what happens
// after it subscribes.
func (rt *Runtime) CommitStream() <-chan CommitEntry {
	rt.commitMu.Lock()
	defer rt.commitMu.Unlock()

	ch := make(chan CommitEntry, len(rt.commitSeq)+16)
	for _, entry := range rt.commitSeq {
		ch <- entry
	}
	rt.commitCh = append(rt.commitCh, ch)
	return ch
}

func (rt *Runtime) recordCommit(index consensus.LogIndex, data []byte) {
	entry := CommitEntry{Index: index, Data: data}

	rt.commitMu.Lock()
	defer rt.commitMu.Unlock()
	rt.commitSeq = append(rt.commitSeq, entry)
	for _, ch := range rt.commitCh {
		select {
		case ch <- entry:
		default:
			rt.logger.Warn("runtime: commit stream subscriber too slow, dropping entry",
				zap.Uint64("index", uint64(index)))
		}
	}
}

// peerAddressMap builds the full node->address map (self included) from
// cfg.Peers entries of the form "nodeID=host:port", falling back to a
// single-node "self only" map when none are configured.
func peerAddressMap(self consensus.NodeID, netCfg config.NetworkConfig) (map[consensus.NodeID]string, error) {
	nodes := make(map[consensus.NodeID]string)
	for _, entry := range netCfg.Peers {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q, want nodeID=host:port", entry)
		}
		nodes[consensus.NodeID(parts[0])] = parts[1]
	}
	if _, ok := nodes[self]; !ok {
		nodes[self] = fmt.Sprintf("127.0.0.1:%d", netCfg.Port)
	}
	return nodes, nil
}

func durationMS(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
