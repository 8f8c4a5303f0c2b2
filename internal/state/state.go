// Package state implements the distributed key/value store shared by
// every consensus engine variant, exposing get/set under four
// consistency modes. Strong writes route through a consensus.Engine;
// Eventual, Causal, and Quorum writes all disseminate over the same
// gossip.Protocol instance, since a Transport's inbound queue is a
// single-consumer channel (§5) and gossip.Protocol already owns the sole
// reader of it for a Manager's shared transport.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/internal/consensus/crdt"
	"github.com/ruvnet/omnix-consensus/internal/consensus/gossip"
	"github.com/ruvnet/omnix-consensus/internal/errors"
	"github.com/ruvnet/omnix-consensus/pkg/metrics"
)

// ConsistencyMode selects how a Set call is replicated.
type ConsistencyMode int

const (
	Strong ConsistencyMode = iota
	Eventual
	Causal
	Quorum
)

func (m ConsistencyMode) String() string {
	switch m {
	case Strong:
		return "strong"
	case Eventual:
		return "eventual"
	case Causal:
		return "causal"
	case Quorum:
		return "quorum"
	default:
		return "unknown"
	}
}

// WriteOptions parameterizes a Set call. Threshold is only consulted when
// Mode is Quorum; it must be in (0, 1].
type WriteOptions struct {
	Mode      ConsistencyMode
	Threshold float64
}

// writeKind discriminates the payloads this package gossips, all riding
// the same gossip.Protocol.OnData callback.
type writeKind string

const (
	kindEventual    writeKind = "eventual"
	kindCausal      writeKind = "causal"
	kindQuorumWrite writeKind = "quorum_write"
	kindQuorumAck   writeKind = "quorum_ack"
)

// replicatedWrite is the JSON payload gossiped for every non-Strong write
// kind. It rides inside a wire.BodyGossipMsg, itself framed by
// gossip.Protocol, so no dedicated wire body is needed for this package.
type replicatedWrite struct {
	Kind      writeKind                   `json:"kind"`
	Key       string                      `json:"key"`
	Value     []byte                      `json:"value"`
	Clock     map[consensus.NodeID]uint64 `json:"clock,omitempty"`
	RequestID string                      `json:"request_id,omitempty"`
	Origin    consensus.NodeID            `json:"origin,omitempty"`
}

// quorumRequest tracks outstanding acknowledgements for one Quorum write.
type quorumRequest struct {
	mu     sync.Mutex
	needed int
	acked  int
	done   chan struct{}
	closed bool
}

func (r *quorumRequest) ackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acked
}

func (r *quorumRequest) ack() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.acked++
	if r.acked >= r.needed {
		r.closed = true
		close(r.done)
	}
}

// Manager is the distributed state store. One Manager is bound into
// exactly one Runtime (SPEC_FULL.md §4.7): it shares that Runtime's
// engine and transport rather than owning its own.
type Manager struct {
	mu     sync.RWMutex
	nodeID consensus.NodeID
	config *consensus.Config
	logger *zap.Logger
	metric *metrics.Metrics

	engine    consensus.Engine
	transport consensus.Transport
	gossipRef *gossip.Protocol

	applied *crdt.LWWMap

	clock         *crdt.VectorClock
	pendingCausal map[consensus.NodeID][]*replicatedWrite

	quorumTimeout time.Duration
	pendingQuorum map[string]*quorumRequest

	applyListeners []func(index consensus.LogIndex, data []byte)
}

// New constructs a Manager bound to the given engine (used for Strong
// writes, nil if this Runtime never proposes) and transport (used only
// to size quorums via Peers()); it builds its own gossip.Protocol
// instance over the same transport for every other consistency mode.
func New(config *consensus.Config, engine consensus.Engine, transport consensus.Transport, logger *zap.Logger, metric *metrics.Metrics) *Manager {
	m := &Manager{
		nodeID:        config.NodeID,
		config:        config,
		logger:        logger,
		metric:        metric,
		engine:        engine,
		transport:     transport,
		applied:       crdt.NewLWWMap(string(config.NodeID)),
		clock:         crdt.NewVectorClock(config.NodeID),
		pendingCausal: make(map[consensus.NodeID][]*replicatedWrite),
		quorumTimeout: config.RequestTimeout,
		pendingQuorum: make(map[string]*quorumRequest),
	}
	if m.quorumTimeout == 0 {
		m.quorumTimeout = 5 * time.Second
	}

	m.gossipRef = gossip.New(config, transport, logger, metric)
	m.gossipRef.OnData(m.handleGossipData)

	if engine != nil {
		engine.OnCommit(m.handleCommit)
	}

	return m
}

// Start begins the gossip dissemination protocol backing every
// non-Strong write. It does not start the transport or engine; the
// Runtime Facade owns that ordering.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.gossipRef.Start(ctx); err != nil {
		return fmt.Errorf("state manager: start gossip: %w", err)
	}
	return nil
}

func (m *Manager) Stop() error {
	return m.gossipRef.Stop()
}

// Get returns the last applied value for key, served from local state
// regardless of the consistency mode used to write it (§4.6: Strong reads
// are served from the last applied state too, since every committed
// entry is applied to the same LWWMap as every other mode's writes).
func (m *Manager) Get(key string) ([]byte, bool) {
	v, ok := m.applied.Get(key)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	return b, true
}

// Set replicates a write under the requested consistency mode.
func (m *Manager) Set(ctx context.Context, key string, value []byte, opts WriteOptions) error {
	switch opts.Mode {
	case Strong:
		return m.setStrong(ctx, key, value)
	case Eventual:
		return m.setEventual(ctx, key, value)
	case Causal:
		return m.setCausal(ctx, key, value)
	case Quorum:
		return m.setQuorum(ctx, key, value, opts.Threshold)
	default:
		return fmt.Errorf("state manager: unknown consistency mode %d", opts.Mode)
	}
}

// setStrong routes the write through the consensus engine; Get will only
// observe it once OnCommit fires for the resulting log entry.
func (m *Manager) setStrong(ctx context.Context, key string, value []byte) error {
	if m.engine == nil {
		return fmt.Errorf("state manager: no engine bound, Strong writes unavailable")
	}
	payload, err := json.Marshal(&replicatedWrite{Key: key, Value: value})
	if err != nil {
		return err
	}
	if _, err := m.engine.Propose(ctx, payload); err != nil {
		m.metric.RecordStateWrite(Strong.String(), "error")
		return err
	}
	m.metric.RecordStateWrite(Strong.String(), "proposed")
	return nil
}

// setEventual applies the write locally, then disseminates it by gossip;
// the caller observes success once the local apply completes, per §4.6.
func (m *Manager) setEventual(ctx context.Context, key string, value []byte) error {
	m.apply(key, value)

	payload, err := json.Marshal(&replicatedWrite{Kind: kindEventual, Key: key, Value: value})
	if err != nil {
		return err
	}
	if err := m.gossipRef.Gossip(ctx, payload, 0); err != nil {
		m.metric.RecordStateWrite(Eventual.String(), "gossip_error")
		return err
	}
	m.metric.RecordStateWrite(Eventual.String(), "ok")
	return nil
}

// setCausal tags the write with this replica's incremented vector clock
// and applies it locally immediately (a replica's own writes are always
// causally ready with respect to itself), then gossips the tagged write
// so remote replicas can order it against their own pending buffer.
func (m *Manager) setCausal(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.clock.Increment()
	snapshot := m.clock.Snapshot()
	m.mu.Unlock()

	m.apply(key, value)

	payload, err := json.Marshal(&replicatedWrite{Kind: kindCausal, Key: key, Value: value, Clock: snapshot, Origin: m.nodeID})
	if err != nil {
		return err
	}
	if err := m.gossipRef.Gossip(ctx, payload, 0); err != nil {
		m.metric.RecordStateWrite(Causal.String(), "gossip_error")
		return err
	}
	m.metric.RecordStateWrite(Causal.String(), "ok")
	return nil
}

// setQuorum gossips the write to every peer with full fanout and blocks
// until ceil(|peers| * threshold) acknowledgements arrive or the timeout
// elapses, in which case it fails with errors.ErrQuorumNotReached.
func (m *Manager) setQuorum(ctx context.Context, key string, value []byte, threshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("state manager: quorum threshold %f out of range (0,1]", threshold)
	}
	peers := m.transport.Peers()
	needed := int(math.Ceil(float64(len(peers)) * threshold))
	if needed == 0 {
		m.apply(key, value)
		m.metric.RecordStateWrite(Quorum.String(), "ok")
		return nil
	}

	requestID := uuid.NewString()
	req := &quorumRequest{needed: needed, done: make(chan struct{})}

	m.mu.Lock()
	m.pendingQuorum[requestID] = req
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendingQuorum, requestID)
		m.mu.Unlock()
	}()

	payload, err := json.Marshal(&replicatedWrite{Kind: kindQuorumWrite, Key: key, Value: value, RequestID: requestID, Origin: m.nodeID})
	if err != nil {
		return err
	}
	if err := m.gossipRef.Gossip(ctx, payload, len(peers)); err != nil {
		return err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, m.quorumTimeout)
	defer cancel()

	select {
	case <-req.done:
		m.apply(key, value)
		m.metric.RecordStateWrite(Quorum.String(), "ok")
		return nil
	case <-timeoutCtx.Done():
		m.metric.RecordStateWrite(Quorum.String(), "quorum_not_reached")
		return errors.NewQuorumNotReachedError(req.ackedCount(), needed)
	}
}

func (m *Manager) apply(key string, value []byte) {
	m.applied.Update(crdt.Operation{Type: crdt.SetOperation, Key: key, Value: value, NodeID: m.nodeID, Timestamp: time.Now()})
}

// OnApply registers an additional callback invoked after every committed
// entry is applied to local state. The engine's own OnCommit slot holds
// exactly one callback, already claimed by handleCommit, so a Runtime
// wanting its own view of commits (for a restartable commit stream, say)
// registers here instead of contending for that slot.
func (m *Manager) OnApply(fn func(index consensus.LogIndex, data []byte)) {
	m.mu.Lock()
	m.applyListeners = append(m.applyListeners, fn)
	m.mu.Unlock()
}

// handleCommit is the engine's OnCommit callback: every committed entry,
// regardless of which replica proposed it, is decoded and applied to the
// local LWWMap, which is how Strong reads observe Strong writes. A
// Runtime's raw Propose path shares this same commit callback but never
// wraps its payload as a replicatedWrite, so a decode failure here is
// routine rather than an error: it only means this particular entry is
// not a state-store write. Either way the raw commit still fans out to
// every OnApply listener.
func (m *Manager) handleCommit(index consensus.LogIndex, data []byte) {
	var write replicatedWrite
	if err := json.Unmarshal(data, &write); err == nil {
		m.apply(write.Key, write.Value)
	}

	m.mu.RLock()
	listeners := make([]func(consensus.LogIndex, []byte), len(m.applyListeners))
	copy(listeners, m.applyListeners)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(index, data)
	}
}

// handleGossipData is gossip.Protocol's OnData callback, dispatching by
// writeKind since every non-Strong write rides the same channel.
func (m *Manager) handleGossipData(from consensus.NodeID, payload []byte) {
	var write replicatedWrite
	if err := json.Unmarshal(payload, &write); err != nil {
		m.logger.Warn("state manager: malformed gossip payload", zap.String("from", string(from)), zap.Error(err))
		return
	}

	switch write.Kind {
	case kindCausal:
		m.applyCausal(&write)
	case kindQuorumWrite:
		m.handleQuorumWrite(from, &write)
	case kindQuorumAck:
		m.handleQuorumAck(&write)
	default:
		m.apply(write.Key, write.Value)
		m.metric.RecordStateWrite(Eventual.String(), "received")
	}
}

// applyCausal buffers an incoming causal write until every causally prior
// write (every other node's vector-clock entry at or below what this
// write's clock claims) has itself been applied, then drains whatever in
// the buffer became ready as a result.
func (m *Manager) applyCausal(write *replicatedWrite) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remote := crdt.VectorClockFromSnapshot(write.Origin, write.Clock)
	if m.causallyReadyLocked(write.Origin, remote) {
		m.clock.Merge(remote)
		m.apply(write.Key, write.Value)
		m.metric.RecordStateWrite(Causal.String(), "applied")
		m.drainPendingLocked()
		return
	}

	m.pendingCausal[write.Origin] = append(m.pendingCausal[write.Origin], write)
	m.metric.RecordStateWrite(Causal.String(), "buffered")
}

// causallyReadyLocked reports whether every causally prior write claimed
// by remote's clock has already been applied locally. Two conditions must
// both hold: every other node's entry is at or below what the local clock
// has observed (transitively-observed causal history), and origin's own
// entry is exactly one past what the local clock has observed for origin
// (strict per-origin FIFO: a node's successive writes must land in the
// order it produced them, never out of sequence).
func (m *Manager) causallyReadyLocked(origin consensus.NodeID, remote *crdt.VectorClock) bool {
	local := m.clock.Snapshot()
	for node, count := range remote.Snapshot() {
		if node == origin {
			if local[node] != count-1 {
				return false
			}
			continue
		}
		if local[node] < count {
			return false
		}
	}
	return true
}

func (m *Manager) drainPendingLocked() {
	progressed := true
	for progressed {
		progressed = false
		for origin, pending := range m.pendingCausal {
			remaining := pending[:0]
			for _, write := range pending {
				remote := crdt.VectorClockFromSnapshot(origin, write.Clock)
				if m.causallyReadyLocked(origin, remote) {
					m.clock.Merge(remote)
					m.apply(write.Key, write.Value)
					progressed = true
				} else {
					remaining = append(remaining, write)
				}
			}
			if len(remaining) == 0 {
				delete(m.pendingCausal, origin)
			} else {
				m.pendingCausal[origin] = remaining
			}
		}
	}
}

// handleQuorumWrite applies an incoming quorum write locally and gossips
// an ack back, full fanout, so the origin (and anyone else still
// counting) observes it.
func (m *Manager) handleQuorumWrite(from consensus.NodeID, write *replicatedWrite) {
	m.apply(write.Key, write.Value)

	ack := &replicatedWrite{Kind: kindQuorumAck, RequestID: write.RequestID, Origin: m.nodeID}
	payload, err := json.Marshal(ack)
	if err != nil {
		return
	}
	peers := m.transport.Peers()
	if err := m.gossipRef.Gossip(context.Background(), payload, len(peers)); err != nil {
		m.logger.Debug("state manager: quorum ack gossip failed", zap.Error(err))
	}
}

func (m *Manager) handleQuorumAck(ack *replicatedWrite) {
	m.mu.RLock()
	req, exists := m.pendingQuorum[ack.RequestID]
	m.mu.RUnlock()
	if !exists {
		return
	}
	req.ack()
}
