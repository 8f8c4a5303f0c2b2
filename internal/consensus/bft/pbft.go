// Package bft implements a contract-level Practical Byzantine Fault
// Tolerant engine: three-phase pre-prepare/prepare/commit agreement over
// a 3f+1 peer set with 2f+1 quorums. View-change is intentionally not
// implemented (§9 Open Question decision, see DESIGN.md) — this engine
// covers the steady-state happy path the consensus.Engine contract
// requires.
package bft

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/internal/errors"
	"github.com/ruvnet/omnix-consensus/internal/wire"
	"github.com/ruvnet/omnix-consensus/pkg/metrics"
)

// PBFT implements the Practical Byzantine Fault Tolerance algorithm.
type PBFT struct {
	mu     sync.RWMutex
	nodeID consensus.NodeID
	config *consensus.Config
	logger *zap.Logger
	metric *metrics.Metrics

	view        uint64
	sequenceNum uint64
	primary     consensus.NodeID
	role        consensus.Role
	faultCount  int
	totalNodes  int
	peers       map[consensus.NodeID]string

	prePrepareLog map[string]*prePrepareRecord
	prepareLog    map[string]map[consensus.NodeID]bool
	commitLog     map[string]map[consensus.NodeID]bool
	commitSent    map[string]bool // guards against re-broadcasting Commit once quorum is already reached
	requestLog    map[string][]byte
	replyLog      map[string][]byte // last reply per client/digest, for request dedup (§12 supplement)
	lastExecuted  uint64

	transport    consensus.Transport
	stateMachine consensus.StateMachine
	storage      consensus.Storage

	onCommit func(index consensus.LogIndex, data []byte)

	requestCh chan clientRequest

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type prePrepareRecord struct {
	view        uint64
	sequenceNum uint64
	digest      string
	data        []byte
}

type clientRequest struct {
	digest string
	data   []byte
}

var _ consensus.Engine = (*PBFT)(nil)

// New creates a PBFT instance. Primary selection is static: the
// lexicographically first node id in the fixed peer set (no dynamic
// view-change means no dynamic primary rotation either).
func New(config *consensus.Config, transport consensus.Transport, stateMachine consensus.StateMachine, storage consensus.Storage, logger *zap.Logger, metric *metrics.Metrics) *PBFT {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metric == nil {
		metric = metrics.NewMetrics()
	}

	peers := make(map[consensus.NodeID]string, len(config.Nodes))
	for id, addr := range config.Nodes {
		peers[id] = addr
	}
	totalNodes := len(peers)
	faultCount := config.MaxFaulty
	if faultCount == 0 && totalNodes > 0 {
		faultCount = (totalNodes - 1) / 3
	}

	p := &PBFT{
		nodeID:        config.NodeID,
		config:        config,
		logger:        logger.With(zap.String("node_id", string(config.NodeID)), zap.String("algorithm", "pbft")),
		metric:        metric,
		primary:       staticPrimary(peers),
		role:          consensus.Backup,
		faultCount:    faultCount,
		totalNodes:    totalNodes,
		peers:         peers,
		prePrepareLog: make(map[string]*prePrepareRecord),
		prepareLog:    make(map[string]map[consensus.NodeID]bool),
		commitLog:     make(map[string]map[consensus.NodeID]bool),
		commitSent:    make(map[string]bool),
		requestLog:    make(map[string][]byte),
		replyLog:      make(map[string][]byte),
		transport:     transport,
		stateMachine:  stateMachine,
		storage:       storage,
		requestCh:     make(chan clientRequest, 256),
	}
	if p.nodeID == p.primary {
		p.role = consensus.Primary
	}
	return p
}

// staticPrimary picks a deterministic primary: the smallest NodeID.
func staticPrimary(peers map[consensus.NodeID]string) consensus.NodeID {
	var primary consensus.NodeID
	first := true
	for id := range peers {
		if first || id < primary {
			primary = id
			first = false
		}
	}
	return primary
}

func (p *PBFT) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.transport.Start(p.ctx); err != nil {
		return fmt.Errorf("bft: start transport: %w", err)
	}

	p.wg.Add(2)
	go p.messageHandler()
	go p.requestHandler()

	p.logger.Info("pbft started", zap.String("primary", string(p.primary)), zap.Int("f", p.faultCount))
	return nil
}

func (p *PBFT) Stop() error {
	p.cancel()
	p.wg.Wait()
	return p.transport.Stop()
}

// Propose submits a value for agreement. Only the primary accepts
// proposals; any other node returns a NotLeader error naming the
// primary. A full request queue surfaces as Backpressure.
func (p *PBFT) Propose(ctx context.Context, data []byte) (consensus.ProposalID, error) {
	if !p.IsLeader() {
		return "", errors.NewNotLeaderError(string(p.GetLeader()))
	}
	digest := computeDigest(data)

	select {
	case p.requestCh <- clientRequest{digest: digest, data: data}:
		return consensus.ProposalID(uuid.NewString()), nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", errors.NewBackpressureError(len(p.requestCh), cap(p.requestCh))
	}
}

// VoteFor records an externally supplied Accept vote as this node's own
// Prepare, letting a caller outside the transport layer drive quorum
// (e.g. a test harness, or a co-located shard). The id is not consulted:
// the vote is recorded for every request this node has pre-prepared, in
// the same prepareLog the wire-delivered Prepare messages populate.
// Reject and Abstain votes are ignored.
func (p *PBFT) VoteFor(ctx context.Context, id consensus.ProposalID, vote consensus.Vote) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vote != consensus.VoteAccept {
		return nil
	}
	for digest := range p.prePrepareLog {
		if p.prepareLog[digest] == nil {
			p.prepareLog[digest] = make(map[consensus.NodeID]bool)
		}
		p.prepareLog[digest][p.nodeID] = true
		p.maybeSendCommitLocked(digest)
	}
	return nil
}

func (p *PBFT) OnCommit(fn func(index consensus.LogIndex, data []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCommit = fn
}

func (p *PBFT) GetState() consensus.Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.role
}

func (p *PBFT) GetLeader() consensus.NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.primary
}

func (p *PBFT) IsLeader() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.role == consensus.Primary
}

// GetTerm returns the current view, PBFT's term analogue.
func (p *PBFT) GetTerm() consensus.Term {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return consensus.Term(p.view)
}

func (p *PBFT) AddNode(nodeID consensus.NodeID, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[nodeID] = address
	p.totalNodes++
	if p.config.MaxFaulty == 0 {
		p.faultCount = (p.totalNodes - 1) / 3
	}
	return nil
}

func (p *PBFT) RemoveNode(nodeID consensus.NodeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, nodeID)
	if p.totalNodes > 1 {
		p.totalNodes--
		if p.config.MaxFaulty == 0 {
			p.faultCount = (p.totalNodes - 1) / 3
		}
	}
	return nil
}

func (p *PBFT) messageHandler() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.transport.Receive():
			p.handleMessage(msg)
		}
	}
}

func (p *PBFT) handleMessage(msg *consensus.ConsensusMessage) {
	switch msg.Type {
	case consensus.PrePrepareMsg:
		p.handlePrePrepare(msg)
	case consensus.PrepareMsg:
		p.handlePrepare(msg)
	case consensus.CommitMsg:
		p.handleCommit(msg)
	}
}

func (p *PBFT) requestHandler() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case req := <-p.requestCh:
			if p.IsLeader() {
				p.processClientRequest(req)
			}
		}
	}
}

// processClientRequest pre-prepares a request; primary only.
func (p *PBFT) processClientRequest(req clientRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.role != consensus.Primary {
		return
	}
	if _, deduped := p.replyLog[req.digest]; deduped {
		return // already executed; last-reply cache (§12 supplement)
	}

	p.sequenceNum++
	rec := &prePrepareRecord{view: p.view, sequenceNum: p.sequenceNum, digest: req.digest, data: req.data}
	p.requestLog[req.digest] = req.data
	p.prePrepareLog[req.digest] = rec

	p.broadcastPrePrepare(rec)

	// The primary's own pre-prepare stands in for its prepare vote: it
	// never sends itself a Prepare message, so without this the quorum
	// threshold below can never count the primary's agreement.
	if p.prepareLog[req.digest] == nil {
		p.prepareLog[req.digest] = make(map[consensus.NodeID]bool)
	}
	p.prepareLog[req.digest][p.nodeID] = true
	p.maybeSendCommitLocked(req.digest)
}

func (p *PBFT) handlePrePrepare(msg *consensus.ConsensusMessage) {
	body, err := wire.DecodeBody(msg.Data)
	if err != nil {
		p.logger.Warn("failed to decode PrePrepare", zap.Error(err))
		return
	}
	propose, ok := body.(*wire.BodyProposeMsg)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.From != p.primary {
		return
	}
	if msg.Term != consensus.Term(p.view) {
		return
	}
	digest := computeDigest(propose.Value)
	if digest != propose.ProposalID {
		p.logger.Warn("digest mismatch, ignoring PrePrepare", zap.String("peer", string(msg.From)))
		return
	}

	p.requestLog[digest] = propose.Value
	p.prePrepareLog[digest] = &prePrepareRecord{view: p.view, digest: digest, data: propose.Value}

	p.broadcastVote(consensus.PrepareMsg, digest)

	// Broadcast excludes the sender, so a replica never sees its own
	// Prepare message arrive over the wire; count it locally instead.
	if p.prepareLog[digest] == nil {
		p.prepareLog[digest] = make(map[consensus.NodeID]bool)
	}
	p.prepareLog[digest][p.nodeID] = true
	p.maybeSendCommitLocked(digest)
}

func (p *PBFT) handlePrepare(msg *consensus.ConsensusMessage) {
	body, err := wire.DecodeBody(msg.Data)
	if err != nil {
		return
	}
	vote, ok := body.(*wire.BodyVoteMsg)
	if !ok || msg.Term != consensus.Term(p.view) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.prepareLog[vote.ProposalID] == nil {
		p.prepareLog[vote.ProposalID] = make(map[consensus.NodeID]bool)
	}
	p.prepareLog[vote.ProposalID][msg.From] = true

	p.maybeSendCommitLocked(vote.ProposalID)
}

// maybeSendCommitLocked broadcasts Commit once 2f+1 Prepares (counting
// this node's own, recorded locally since broadcast excludes the sender)
// are seen for a digest this node has pre-prepared. Caller holds mu.
func (p *PBFT) maybeSendCommitLocked(digest string) {
	if len(p.prepareLog[digest]) < 2*p.faultCount+1 {
		return
	}
	if _, ok := p.prePrepareLog[digest]; !ok {
		return
	}
	if p.commitSent[digest] {
		return
	}
	p.commitSent[digest] = true

	p.broadcastVote(consensus.CommitMsg, digest)

	if p.commitLog[digest] == nil {
		p.commitLog[digest] = make(map[consensus.NodeID]bool)
	}
	p.commitLog[digest][p.nodeID] = true
	if len(p.commitLog[digest]) >= 2*p.faultCount+1 {
		p.executeRequestLocked(digest)
	}
}

func (p *PBFT) handleCommit(msg *consensus.ConsensusMessage) {
	body, err := wire.DecodeBody(msg.Data)
	if err != nil {
		return
	}
	vote, ok := body.(*wire.BodyVoteMsg)
	if !ok || msg.Term != consensus.Term(p.view) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.commitLog[vote.ProposalID] == nil {
		p.commitLog[vote.ProposalID] = make(map[consensus.NodeID]bool)
	}
	p.commitLog[vote.ProposalID][msg.From] = true

	if len(p.commitLog[vote.ProposalID]) >= 2*p.faultCount+1 {
		p.executeRequestLocked(vote.ProposalID)
	}
}

// executeRequestLocked applies a committed request exactly once, caching
// the reply so duplicate client resubmissions are a no-op (§12
// supplement: PBFT client-request deduplication). Caller holds mu.
func (p *PBFT) executeRequestLocked(digest string) {
	if _, already := p.replyLog[digest]; already {
		return
	}
	data, exists := p.requestLog[digest]
	if !exists {
		return
	}

	p.lastExecuted++
	entry := &consensus.LogEntry{
		Index:     consensus.LogIndex(p.lastExecuted),
		Term:      consensus.Term(p.view),
		Data:      data,
		Timestamp: time.Now(),
		Committed: true,
	}

	result, err := p.stateMachine.Apply(entry)
	if err != nil {
		p.logger.Error("failed to apply committed request", zap.Error(err))
		return
	}
	p.replyLog[digest] = result
	p.metric.SetCommitIndex(string(p.nodeID), p.lastExecuted)

	if p.onCommit != nil {
		onCommit := p.onCommit
		go onCommit(entry.Index, entry.Data)
	}
}

func (p *PBFT) broadcastPrePrepare(rec *prePrepareRecord) {
	data, err := wire.EncodeBody(&wire.BodyProposeMsg{ProposalID: rec.digest, Value: rec.data})
	if err != nil {
		p.logger.Error("failed to encode PrePrepare", zap.Error(err))
		return
	}
	msg := &consensus.ConsensusMessage{Type: consensus.PrePrepareMsg, Term: consensus.Term(p.view), From: p.nodeID, Data: data, Timestamp: time.Now()}
	if err := p.transport.Broadcast(p.ctx, msg); err != nil {
		p.logger.Warn("failed to broadcast PrePrepare", zap.Error(err))
	}
}

func (p *PBFT) broadcastVote(msgType consensus.MessageType, digest string) {
	data, err := wire.EncodeBody(&wire.BodyVoteMsg{ProposalID: digest, Vote: uint8(consensus.VoteAccept)})
	if err != nil {
		p.logger.Error("failed to encode vote", zap.Error(err))
		return
	}
	msg := &consensus.ConsensusMessage{Type: msgType, Term: consensus.Term(p.view), From: p.nodeID, Data: data, Timestamp: time.Now()}
	if err := p.transport.Broadcast(p.ctx, msg); err != nil {
		p.logger.Warn("failed to broadcast vote", zap.Error(err))
	}
}

func computeDigest(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
