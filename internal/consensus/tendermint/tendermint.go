// Package tendermint implements a contract-level Tendermint-style BFT
// engine: height/round/step bookkeeping with a single timeout per round
// (not one per step) that doubles on round advance (§4.3). Like bft.PBFT, this satisfies the
// shared consensus.Engine contract without a teacher reference —
// grounded directly on the specification's height/round/step state
// machine rather than any one example file.
package tendermint

import (
	"context"
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

// Step is a position within one round of the Tendermint state machine.
type Step int

const (
	StepPropose Step = iota
	StepPrevote
	StepPrecommit
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	case StepCommit:
		return "commit"
	default:
		return "propose"
	}
}

// Tendermint tracks height/round/step and drives one proposer-rotation
// round at a time.
type Tendermint struct {
	mu     sync.RWMutex
	nodeID consensus.NodeID
	config *consensus.Config
	logger *zap.Logger
	metric *metrics.Metrics

	height consensus.LogIndex
	round  uint64
	step   Step

	peerOrder []consensus.NodeID
	peers     map[consensus.NodeID]string

	proposal    []byte
	proposalID  string
	prevotes    map[consensus.NodeID]bool
	precommits  map[consensus.NodeID]bool
	faultCount  int
	decidedData map[consensus.LogIndex][]byte

	transport    consensus.Transport
	stateMachine consensus.StateMachine

	onCommit func(index consensus.LogIndex, data []byte)

	proposeCh chan []byte
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ consensus.Engine = (*Tendermint)(nil)

func New(config *consensus.Config, transport consensus.Transport, stateMachine consensus.StateMachine, logger *zap.Logger, metric *metrics.Metrics) *Tendermint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metric == nil {
		metric = metrics.NewMetrics()
	}

	peers := make(map[consensus.NodeID]string, len(config.Nodes))
	order := make([]consensus.NodeID, 0, len(config.Nodes))
	for id, addr := range config.Nodes {
		peers[id] = addr
		order = append(order, id)
	}
	sortNodeIDs(order)

	faultCount := config.MaxFaulty
	if faultCount == 0 && len(peers) > 0 {
		faultCount = (len(peers) - 1) / 3
	}

	timeout := config.ElectionTimeout
	if timeout == 0 {
		timeout = 200 * time.Millisecond
	}

	return &Tendermint{
		nodeID:       config.NodeID,
		config:       config,
		logger:       logger.With(zap.String("node_id", string(config.NodeID)), zap.String("algorithm", "tendermint")),
		metric:       metric,
		height:       1,
		peerOrder:    order,
		peers:        peers,
		faultCount:   faultCount,
		decidedData:  make(map[consensus.LogIndex][]byte),
		transport:    transport,
		stateMachine: stateMachine,
		proposeCh:    make(chan []byte, 64),
		timeout:      timeout,
	}
}

func (t *Tendermint) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)
	if err := t.transport.Start(t.ctx); err != nil {
		return fmt.Errorf("tendermint: start transport: %w", err)
	}

	t.wg.Add(2)
	go t.messageHandler()
	go t.roundTimeoutHandler()

	t.logger.Info("tendermint started", zap.Int("peers", len(t.peers)))
	return nil
}

func (t *Tendermint) Stop() error {
	t.cancel()
	t.wg.Wait()
	return t.transport.Stop()
}

// Propose submits a value; only the round's proposer actually broadcasts
// it, mirroring the height/round/step proposer-rotation contract.
func (t *Tendermint) Propose(ctx context.Context, data []byte) (consensus.ProposalID, error) {
	t.mu.Lock()
	if !t.isProposerLocked() {
		t.mu.Unlock()
		return "", errors.NewNotLeaderError(string(t.proposerLocked()))
	}
	t.proposal = data
	t.proposalID = computeID(data)
	t.step = StepPropose
	height, round, digest := t.height, t.round, t.proposalID
	t.mu.Unlock()

	t.broadcastPropose(height, round, digest, data)
	t.advanceToPrevote(height, round, digest)

	return consensus.ProposalID(uuid.NewString()), nil
}

// VoteFor records an externally supplied vote as this node's own
// prevote/precommit for the current round's proposal.
func (t *Tendermint) VoteFor(ctx context.Context, id consensus.ProposalID, vote consensus.Vote) error {
	if vote != consensus.VoteAccept {
		return nil
	}
	t.mu.RLock()
	height, round, digest := t.height, t.round, t.proposalID
	t.mu.RUnlock()
	if digest == "" {
		return nil
	}
	t.broadcastVote(consensus.PrepareMsg, height, digest)
	t.broadcastVote(consensus.CommitMsg, height, digest)
	return nil
}

func (t *Tendermint) OnCommit(fn func(index consensus.LogIndex, data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommit = fn
}

func (t *Tendermint) GetState() consensus.Role {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.isProposerLocked() {
		return consensus.Primary
	}
	return consensus.Backup
}

func (t *Tendermint) GetLeader() consensus.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.proposerLocked()
}

func (t *Tendermint) IsLeader() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isProposerLocked()
}

// GetTerm returns the current height, Tendermint's term analogue.
func (t *Tendermint) GetTerm() consensus.Term {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return consensus.Term(t.height)
}

func (t *Tendermint) AddNode(nodeID consensus.NodeID, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.peers[nodeID]; !exists {
		t.peerOrder = append(t.peerOrder, nodeID)
		sortNodeIDs(t.peerOrder)
	}
	t.peers[nodeID] = address
	return nil
}

func (t *Tendermint) RemoveNode(nodeID consensus.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeID)
	for i, id := range t.peerOrder {
		if id == nodeID {
			t.peerOrder = append(t.peerOrder[:i], t.peerOrder[i+1:]...)
			break
		}
	}
	return nil
}

// proposerLocked returns the round-robin proposer for the current
// height+round. Caller holds mu (R or W).
func (t *Tendermint) proposerLocked() consensus.NodeID {
	if len(t.peerOrder) == 0 {
		return ""
	}
	idx := (uint64(t.height) + t.round) % uint64(len(t.peerOrder))
	return t.peerOrder[idx]
}

func (t *Tendermint) isProposerLocked() bool {
	return t.proposerLocked() == t.nodeID
}

func (t *Tendermint) messageHandler() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case msg := <-t.transport.Receive():
			t.handleMessage(msg)
		}
	}
}

func (t *Tendermint) handleMessage(msg *consensus.ConsensusMessage) {
	switch msg.Type {
	case consensus.ProposeMsg:
		t.handlePropose(msg)
	case consensus.PrepareMsg:
		t.handleVote(msg, true)
	case consensus.CommitMsg:
		t.handleVote(msg, false)
	}
}

func (t *Tendermint) handlePropose(msg *consensus.ConsensusMessage) {
	body, err := wire.DecodeBody(msg.Data)
	if err != nil {
		return
	}
	propose, ok := body.(*wire.BodyProposeMsg)
	if !ok {
		return
	}

	t.mu.Lock()
	height := consensus.LogIndex(msg.Term)
	if height != t.height || msg.From != t.proposerLocked() {
		t.mu.Unlock()
		return
	}
	t.proposal = propose.Value
	t.proposalID = propose.ProposalID
	t.step = StepPropose
	round, digest := t.round, t.proposalID
	t.mu.Unlock()

	t.advanceToPrevote(height, round, digest)
}

// advanceToPrevote casts this node's own prevote and moves the step
// forward; called outside the lock.
func (t *Tendermint) advanceToPrevote(height consensus.LogIndex, round uint64, digest string) {
	t.mu.Lock()
	t.step = StepPrevote
	if t.prevotes == nil {
		t.prevotes = make(map[consensus.NodeID]bool)
	}
	t.prevotes[t.nodeID] = true
	t.mu.Unlock()

	t.broadcastVote(consensus.PrepareMsg, height, digest)
}

func (t *Tendermint) handleVote(msg *consensus.ConsensusMessage, isPrevote bool) {
	body, err := wire.DecodeBody(msg.Data)
	if err != nil {
		return
	}
	vote, ok := body.(*wire.BodyVoteMsg)
	if !ok {
		return
	}
	height := consensus.LogIndex(msg.Term)

	t.mu.Lock()
	defer t.mu.Unlock()

	if height != t.height || vote.ProposalID != t.proposalID {
		return
	}

	if isPrevote {
		if t.prevotes == nil {
			t.prevotes = make(map[consensus.NodeID]bool)
		}
		t.prevotes[msg.From] = true
		if len(t.prevotes) >= 2*t.faultCount+1 && t.step == StepPrevote {
			t.step = StepPrecommit
			if t.precommits == nil {
				t.precommits = make(map[consensus.NodeID]bool)
			}
			t.precommits[t.nodeID] = true
			go t.broadcastVote(consensus.CommitMsg, height, vote.ProposalID)
		}
		return
	}

	if t.precommits == nil {
		t.precommits = make(map[consensus.NodeID]bool)
	}
	t.precommits[msg.From] = true
	if len(t.precommits) >= 2*t.faultCount+1 && t.step != StepCommit {
		t.step = StepCommit
		t.decideLocked(height, vote.ProposalID)
	}
}

// decideLocked finalizes the current height's value, applies it to the
// state machine, and advances to the next height/round 0. Caller holds mu.
func (t *Tendermint) decideLocked(height consensus.LogIndex, digest string) {
	data := t.proposal
	t.decidedData[height] = data
	entry := &consensus.LogEntry{Index: height, Term: consensus.Term(height), Data: data, Timestamp: time.Now(), Committed: true}
	if _, err := t.stateMachine.Apply(entry); err != nil {
		t.logger.Error("failed to apply decided value", zap.Uint64("height", uint64(height)), zap.Error(err))
	}
	onCommit := t.onCommit
	t.metric.SetCommitIndex(string(t.nodeID), uint64(height))

	t.height++
	t.round = 0
	t.proposal = nil
	t.proposalID = ""
	t.prevotes = nil
	t.precommits = nil
	t.step = StepPropose

	if onCommit != nil {
		go onCommit(height, data)
	}
}

func (t *Tendermint) broadcastPropose(height consensus.LogIndex, round uint64, digest string, data []byte) {
	payload, err := wire.EncodeBody(&wire.BodyProposeMsg{ProposalID: digest, Value: data})
	if err != nil {
		t.logger.Error("failed to encode Propose", zap.Error(err))
		return
	}
	msg := &consensus.ConsensusMessage{Type: consensus.ProposeMsg, Term: consensus.Term(height), From: t.nodeID, Data: payload, Timestamp: time.Now()}
	if err := t.transport.Broadcast(t.ctx, msg); err != nil {
		t.logger.Warn("failed to broadcast Propose", zap.Error(err))
	}
}

func (t *Tendermint) broadcastVote(msgType consensus.MessageType, height consensus.LogIndex, digest string) {
	payload, err := wire.EncodeBody(&wire.BodyVoteMsg{ProposalID: digest, Vote: uint8(consensus.VoteAccept)})
	if err != nil {
		t.logger.Error("failed to encode vote", zap.Error(err))
		return
	}
	msg := &consensus.ConsensusMessage{Type: msgType, Term: consensus.Term(height), From: t.nodeID, Data: payload, Timestamp: time.Now()}
	if err := t.transport.Broadcast(t.ctx, msg); err != nil {
		t.logger.Warn("failed to broadcast vote", zap.Error(err))
	}
}

// nextRoundTimeout doubles per round advance (§4.3).
func (t *Tendermint) nextRoundTimeout(round uint64) time.Duration {
	d := t.timeout
	for i := uint64(0); i < round; i++ {
		d *= 2
	}
	return d
}

// roundTimeoutHandler advances to the next round (and its rotated
// proposer) when the current height/round fails to decide within its
// timeout. This is not a Byzantine-safe view-change sub-protocol (§9
// Open Question decision: out of scope here), just the liveness nudge
// the doubling-timeout contract implies.
func (t *Tendermint) roundTimeoutHandler() {
	defer t.wg.Done()

	for {
		t.mu.RLock()
		height, round := t.height, t.round
		t.mu.RUnlock()

		timer := time.NewTimer(t.nextRoundTimeout(round))
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			t.mu.Lock()
			if t.height == height && t.round == round && t.step != StepCommit {
				t.round++
				t.step = StepPropose
				t.proposal = nil
				t.proposalID = ""
				t.prevotes = nil
				t.precommits = nil
				t.logger.Info("round timed out, advancing", zap.Uint64("height", uint64(t.height)), zap.Uint64("round", t.round))
			}
			t.mu.Unlock()
		}
	}
}

func computeID(data []byte) string {
	return fmt.Sprintf("%x", data)
}

func sortNodeIDs(ids []consensus.NodeID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
