// Package raft implements leader-election and log-replication consensus
// satisfying the shared consensus.Engine contract.
package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/internal/errors"
	"github.com/ruvnet/omnix-consensus/internal/wire"
	"github.com/ruvnet/omnix-consensus/pkg/metrics"
)

// Raft implements the Raft consensus algorithm.
type Raft struct {
	mu     sync.RWMutex
	nodeID consensus.NodeID
	config *consensus.Config
	logger *zap.Logger
	metric *metrics.Metrics

	// Persistent state, cached in memory and mirrored to storage on every
	// mutation.
	currentTerm consensus.Term
	votedFor    consensus.NodeID
	log         []*consensus.LogEntry

	// Volatile state.
	commitIndex consensus.LogIndex
	lastApplied consensus.LogIndex

	// Leader-only state.
	nextIndex  map[consensus.NodeID]consensus.LogIndex
	matchIndex map[consensus.NodeID]consensus.LogIndex

	role        consensus.Role
	leader      consensus.NodeID
	votes       map[consensus.NodeID]bool
	lastContact time.Time
	peers       map[consensus.NodeID]string

	transport    consensus.Transport
	stateMachine consensus.StateMachine
	storage      consensus.Storage

	onCommit func(index consensus.LogIndex, data []byte)

	stepDownCh     chan struct{}
	electionTimer  *time.Timer
	heartbeatTimer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ consensus.Engine = (*Raft)(nil)

// New creates a Raft instance bound to the given transport, state
// machine, and storage. Call Start to begin protocol execution.
func New(config *consensus.Config, transport consensus.Transport, stateMachine consensus.StateMachine, storage consensus.Storage, logger *zap.Logger, metric *metrics.Metrics) *Raft {
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

	r := &Raft{
		nodeID:       config.NodeID,
		config:       config,
		logger:       logger.With(zap.String("node_id", string(config.NodeID)), zap.String("algorithm", "raft")),
		metric:       metric,
		log:          make([]*consensus.LogEntry, 0),
		nextIndex:    make(map[consensus.NodeID]consensus.LogIndex),
		matchIndex:   make(map[consensus.NodeID]consensus.LogIndex),
		role:         consensus.Follower,
		votes:        make(map[consensus.NodeID]bool),
		peers:        peers,
		transport:    transport,
		stateMachine: stateMachine,
		storage:      storage,
		stepDownCh:   make(chan struct{}, 1),
	}
	return r
}

// Start begins the Raft consensus protocol.
func (r *Raft) Start(ctx context.Context) error {
	if err := r.loadState(); err != nil {
		return fmt.Errorf("raft: load state: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.transport.Start(r.ctx); err != nil {
		return fmt.Errorf("raft: start transport: %w", err)
	}

	r.mu.Lock()
	r.resetElectionTimer()
	r.mu.Unlock()

	r.wg.Add(3)
	go r.messageHandler()
	go r.electionHandler()
	go r.applyHandler()

	r.logger.Info("raft started", zap.Int("peers", len(r.peers)))
	return nil
}

// Stop gracefully shuts down the Raft instance.
func (r *Raft) Stop() error {
	r.cancel()
	r.wg.Wait()

	if err := r.transport.Stop(); err != nil {
		return fmt.Errorf("raft: stop transport: %w", err)
	}
	return r.saveState()
}

// Propose submits a new value to the log. Only the leader accepts
// proposals; followers return errors.ErrNotLeader naming the current
// leader.
func (r *Raft) Propose(ctx context.Context, data []byte) (consensus.ProposalID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != consensus.Leader {
		r.metric.RecordProposal(string(r.nodeID), "rejected")
		return "", errors.NewNotLeaderError(string(r.leader))
	}

	id := consensus.ProposalID(uuid.NewString())
	entry := &consensus.LogEntry{
		Index:     consensus.LogIndex(len(r.log) + 1),
		Term:      r.currentTerm,
		Data:      data,
		Timestamp: time.Now(),
	}
	r.log = append(r.log, entry)
	if err := r.storage.AppendLog([]*consensus.LogEntry{entry}); err != nil {
		r.logger.Error("failed to persist proposed entry", zap.Error(err))
	}

	r.metric.RecordProposal(string(r.nodeID), "accepted")
	r.replicateLog()
	// A single-node cluster has no follower whose reply would advance
	// commitIndex; with peers this is a no-op until replies arrive.
	r.updateCommitIndex()

	return id, nil
}

// VoteFor is a no-op: Raft's voting is internal to RequestVote/AppendEntries
// and never surfaces an externally supplied Vote.
func (r *Raft) VoteFor(ctx context.Context, id consensus.ProposalID, vote consensus.Vote) error {
	return nil
}

// OnCommit registers the callback invoked for each newly committed entry.
func (r *Raft) OnCommit(fn func(index consensus.LogIndex, data []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCommit = fn
}

func (r *Raft) GetState() consensus.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role
}

func (r *Raft) GetLeader() consensus.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leader
}

func (r *Raft) IsLeader() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role == consensus.Leader
}

func (r *Raft) GetTerm() consensus.Term {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentTerm
}

// AddNode adds a new cluster member, seeding its leader-state tracking if
// this node currently leads.
func (r *Raft) AddNode(nodeID consensus.NodeID, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[nodeID] = address
	if r.role == consensus.Leader {
		r.nextIndex[nodeID] = consensus.LogIndex(len(r.log) + 1)
		r.matchIndex[nodeID] = 0
	}
	return nil
}

// RemoveNode drops a cluster member from tracking.
func (r *Raft) RemoveNode(nodeID consensus.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, nodeID)
	delete(r.nextIndex, nodeID)
	delete(r.matchIndex, nodeID)
	delete(r.votes, nodeID)
	return nil
}

func (r *Raft) messageHandler() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.transport.Receive():
			r.metric.RecordMessageReceived(string(r.nodeID), msgTypeLabel(msg.Type))
			r.handleMessage(msg)
		}
	}
}

func (r *Raft) handleMessage(msg *consensus.ConsensusMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Term > r.currentTerm {
		r.currentTerm = msg.Term
		r.votedFor = ""
		r.stepDownLocked()
		r.persistTermAndVote()
	}

	switch msg.Type {
	case consensus.RequestVoteMsg:
		r.handleRequestVote(msg)
	case consensus.RequestVoteResponseMsg:
		r.handleRequestVoteResponse(msg)
	case consensus.AppendEntriesMsg:
		r.handleAppendEntries(msg)
	case consensus.AppendEntriesResponseMsg:
		r.handleAppendEntriesResponse(msg)
	}
}

func (r *Raft) electionHandler() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.electionTimer.C:
			r.startElection()
		case <-r.stepDownCh:
			r.mu.Lock()
			if r.role == consensus.Leader {
				r.role = consensus.Follower
				r.leader = ""
				r.resetElectionTimer()
				if r.heartbeatTimer != nil {
					r.heartbeatTimer.Stop()
				}
			}
			r.mu.Unlock()
		}
	}
}

// applyHandler applies newly committed entries to the state machine in
// index order, invoking the registered commit callback for each one.
func (r *Raft) applyHandler() {
	defer r.wg.Done()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			var toApply []*consensus.LogEntry
			for r.lastApplied < r.commitIndex {
				r.lastApplied++
				if int(r.lastApplied) <= len(r.log) {
					entry := r.log[r.lastApplied-1]
					entry.Committed = true
					toApply = append(toApply, entry)
				}
			}
			onCommit := r.onCommit
			r.metric.SetLastApplied(string(r.nodeID), uint64(r.lastApplied))
			r.mu.Unlock()

			for _, entry := range toApply {
				if _, err := r.stateMachine.Apply(entry); err != nil {
					r.logger.Error("failed to apply entry", zap.Uint64("index", uint64(entry.Index)), zap.Error(err))
				}
				if onCommit != nil {
					onCommit(entry.Index, entry.Data)
				}
			}
		}
	}
}

// startElection transitions to candidate and requests votes from every
// peer; called with no lock held.
func (r *Raft) startElection() {
	r.mu.Lock()

	r.role = consensus.Candidate
	r.currentTerm++
	r.votedFor = r.nodeID
	r.leader = ""
	r.votes = make(map[consensus.NodeID]bool)
	r.votes[r.nodeID] = true
	r.resetElectionTimer()
	r.persistTermAndVote()
	r.metric.SetCurrentTerm(string(r.nodeID), uint64(r.currentTerm))

	// A single-node cluster's self-vote is already a majority; no peer
	// will ever send a RequestVoteResponse to trigger the usual check in
	// handleRequestVoteResponse, so it must happen here too.
	if r.hasMajority() {
		r.becomeLeader()
	}

	lastLogIndex := consensus.LogIndex(len(r.log))
	lastLogTerm := consensus.Term(0)
	if len(r.log) > 0 {
		lastLogTerm = r.log[len(r.log)-1].Term
	}
	term := r.currentTerm
	peers := make([]consensus.NodeID, 0, len(r.peers))
	for id := range r.peers {
		if id != r.nodeID {
			peers = append(peers, id)
		}
	}
	r.mu.Unlock()

	r.logger.Info("starting election", zap.Uint64("term", uint64(term)))

	for _, nodeID := range peers {
		go r.sendRequestVote(nodeID, term, lastLogIndex, lastLogTerm)
	}
}

func (r *Raft) sendRequestVote(nodeID consensus.NodeID, term consensus.Term, lastLogIndex consensus.LogIndex, lastLogTerm consensus.Term) {
	body := &wire.BodyRequestVoteMsg{
		Candidate:    string(r.nodeID),
		LastLogIndex: uint64(lastLogIndex),
		LastLogTerm:  uint64(lastLogTerm),
	}
	data, err := wire.EncodeBody(body)
	if err != nil {
		r.logger.Error("failed to encode RequestVote", zap.Error(err))
		return
	}

	msg := &consensus.ConsensusMessage{
		Type:      consensus.RequestVoteMsg,
		Term:      term,
		From:      r.nodeID,
		To:        nodeID,
		Data:      data,
		Timestamp: time.Now(),
	}

	if err := r.transport.Send(r.ctx, nodeID, msg); err != nil {
		r.logger.Warn("failed to send RequestVote", zap.String("peer", string(nodeID)), zap.Error(err))
		return
	}
	r.metric.RecordMessageSent(string(r.nodeID), "request_vote")
}

// resetElectionTimer rearms the election timeout with a fresh random
// value in [timeout, 2*timeout); caller must hold mu.
func (r *Raft) resetElectionTimer() {
	if r.electionTimer != nil {
		r.electionTimer.Stop()
	}
	base := r.config.ElectionTimeout
	timeout := base + time.Duration(rand.Int63n(int64(base)))
	r.electionTimer = time.NewTimer(timeout)
}

// replicateLog fans AppendEntries out to every follower; caller must hold
// mu (or have just released it on the leader's own goroutine).
func (r *Raft) replicateLog() {
	if r.role != consensus.Leader {
		return
	}
	for nodeID := range r.nextIndex {
		if nodeID == r.nodeID {
			continue
		}
		go r.sendAppendEntries(nodeID)
	}
}

func (r *Raft) sendAppendEntries(nodeID consensus.NodeID) {
	r.mu.RLock()
	nextIndex := r.nextIndex[nodeID]
	prevLogIndex := nextIndex - 1
	prevLogTerm := consensus.Term(0)
	if prevLogIndex > 0 && int(prevLogIndex) <= len(r.log) {
		prevLogTerm = r.log[prevLogIndex-1].Term
	}

	var entries []wire.WireLogEntry
	if int(nextIndex) <= len(r.log) {
		for _, e := range r.log[nextIndex-1:] {
			entries = append(entries, wire.WireLogEntry{Index: uint64(e.Index), Term: uint64(e.Term), Data: e.Data})
		}
	}
	term := r.currentTerm
	leaderCommit := r.commitIndex
	r.mu.RUnlock()

	body := &wire.BodyAppendEntriesMsg{
		Leader:       string(r.nodeID),
		PrevLogIndex: uint64(prevLogIndex),
		PrevLogTerm:  uint64(prevLogTerm),
		Entries:      entries,
		LeaderCommit: uint64(leaderCommit),
	}
	data, err := wire.EncodeBody(body)
	if err != nil {
		r.logger.Error("failed to encode AppendEntries", zap.Error(err))
		return
	}

	msg := &consensus.ConsensusMessage{
		Type:      consensus.AppendEntriesMsg,
		Term:      term,
		From:      r.nodeID,
		To:        nodeID,
		Data:      data,
		Timestamp: time.Now(),
	}

	if err := r.transport.Send(r.ctx, nodeID, msg); err != nil {
		r.logger.Warn("failed to send AppendEntries", zap.String("peer", string(nodeID)), zap.Error(err))
		return
	}
	r.metric.RecordMessageSent(string(r.nodeID), "append_entries")
}

// stepDownLocked converts a leader to follower, notifying the election
// handler; caller must hold mu.
func (r *Raft) stepDownLocked() {
	if r.role == consensus.Leader {
		select {
		case r.stepDownCh <- struct{}{}:
		default:
		}
	}
	r.role = consensus.Follower
}

func (r *Raft) loadState() error {
	term, err := r.storage.LoadTerm()
	if err != nil {
		return err
	}
	vote, err := r.storage.LoadVote()
	if err != nil {
		return err
	}
	lastIndex, err := r.storage.LastLogIndex()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentTerm = term
	r.votedFor = vote
	if lastIndex > 0 {
		entries, err := r.storage.LoadLog(1, lastIndex)
		if err != nil {
			return err
		}
		r.log = entries
	}
	return nil
}

func (r *Raft) saveState() error {
	return r.persistTermAndVote()
}

// persistTermAndVote flushes (currentTerm, votedFor) to storage; caller
// must hold mu.
func (r *Raft) persistTermAndVote() error {
	if err := r.storage.SaveTerm(r.currentTerm); err != nil {
		return err
	}
	return r.storage.SaveVote(r.votedFor)
}

func msgTypeLabel(t consensus.MessageType) string {
	switch t {
	case consensus.RequestVoteMsg:
		return "request_vote"
	case consensus.RequestVoteResponseMsg:
		return "request_vote_response"
	case consensus.AppendEntriesMsg:
		return "append_entries"
	case consensus.AppendEntriesResponseMsg:
		return "append_entries_response"
	default:
		return "unknown"
	}
}
