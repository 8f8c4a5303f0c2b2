// Package gossip implements epidemic dissemination and SWIM-style failure
// detection over a consensus.Transport. It backs the state store's
// Eventual consistency mode (data disseminates by gossip rather than
// through the consensus log) and feeds peer-liveness information to the
// transport layer's target selection. It is not a consensus.Engine: it
// has no log, no leader, and its liveness judgments are advisory, never
// safety-relevant.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/internal/consensus/crdt"
	"github.com/ruvnet/omnix-consensus/internal/wire"
	"github.com/ruvnet/omnix-consensus/pkg/metrics"
)

// MessageType discriminates gossip protocol messages.
type MessageType int

const (
	DataMessage MessageType = iota
	AliveMessage
	SuspectMessage
	ConfirmMessage
)

// Message is the JSON envelope carried inside a wire.BodyGossipMsg payload.
type Message struct {
	ID          string                          `json:"id"`
	Type        MessageType                     `json:"type"`
	From        consensus.NodeID                `json:"from"`
	TTL         int                             `json:"ttl"`
	Timestamp   time.Time                       `json:"timestamp"`
	VectorClock map[consensus.NodeID]uint64     `json:"vector_clock"`
	Payload     []byte                          `json:"payload"`
}

// NodeStatus is a peer's membership status as observed by this replica.
type NodeStatus int

const (
	NodeAlive NodeStatus = iota
	NodeSuspected
	NodeDead
)

// Protocol runs epidemic dissemination plus alive/suspected/confirmed-dead
// failure detection across the cluster named in its Config.
type Protocol struct {
	mu     sync.RWMutex
	nodeID consensus.NodeID
	config *consensus.Config
	logger *zap.Logger
	metric *metrics.Metrics

	nodes       map[consensus.NodeID]string
	clock       *crdt.VectorClock
	messageLog  map[string]*Message
	suspicion   map[consensus.NodeID]time.Time
	alive       map[consensus.NodeID]time.Time

	fanout      int
	gossipEvery time.Duration
	suspectTime time.Duration
	maxTTL      int

	transport consensus.Transport
	onData    func(from consensus.NodeID, payload []byte)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a gossip Protocol with fixed parameters: fanout 3, a
// 200ms gossip interval, a 5s suspicion timeout and a maximum TTL of 10.
// None of them is derived from the peer set or the election timeout.
func New(config *consensus.Config, transport consensus.Transport, logger *zap.Logger, metric *metrics.Metrics) *Protocol {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Protocol{
		nodeID:      config.NodeID,
		config:      config,
		logger:      logger,
		metric:      metric,
		nodes:       make(map[consensus.NodeID]string),
		clock:       crdt.NewVectorClock(config.NodeID),
		messageLog:  make(map[string]*Message),
		suspicion:   make(map[consensus.NodeID]time.Time),
		alive:       make(map[consensus.NodeID]time.Time),
		fanout:      3,
		gossipEvery: 200 * time.Millisecond,
		suspectTime: 5 * time.Second,
		maxTTL:      10,
		transport:   transport,
		ctx:         ctx,
		cancel:      cancel,
	}

	for id, addr := range config.Nodes {
		p.nodes[id] = addr
		p.alive[id] = time.Now()
	}

	return p
}

// OnData registers the callback invoked for each newly observed data
// message's payload. Only one callback is retained.
func (p *Protocol) OnData(fn func(from consensus.NodeID, payload []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onData = fn
}

func (p *Protocol) Start(ctx context.Context) error {
	if err := p.transport.Start(ctx); err != nil {
		return fmt.Errorf("gossip: start transport: %w", err)
	}

	p.wg.Add(3)
	go p.messageHandler()
	go p.gossipLoop()
	go p.membershipLoop()

	p.broadcastAlive()
	return nil
}

func (p *Protocol) Stop() error {
	p.cancel()
	p.wg.Wait()
	return p.transport.Stop()
}

// Gossip disseminates payload to fanout randomly selected peers and lets
// it propagate epidemically from there.
func (p *Protocol) Gossip(ctx context.Context, payload []byte, fanout int) error {
	p.mu.Lock()
	p.clock.Increment()
	msg := &Message{
		ID:          uuid.NewString(),
		Type:        DataMessage,
		From:        p.nodeID,
		TTL:         p.maxTTL,
		Timestamp:   time.Now(),
		VectorClock: p.clock.Snapshot(),
		Payload:     payload,
	}
	p.messageLog[msg.ID] = msg
	p.mu.Unlock()

	if fanout <= 0 {
		fanout = p.fanout
	}
	for _, target := range p.selectTargets(fanout) {
		p.send(ctx, target, msg)
	}
	return nil
}

func (p *Protocol) AddNode(nodeID consensus.NodeID, address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[nodeID] = address
	p.alive[nodeID] = time.Now()
}

func (p *Protocol) RemoveNode(nodeID consensus.NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, nodeID)
	delete(p.alive, nodeID)
	delete(p.suspicion, nodeID)
}

// Status reports a peer's current liveness judgment.
func (p *Protocol) Status(nodeID consensus.NodeID) NodeStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, alive := p.alive[nodeID]; alive {
		if _, suspected := p.suspicion[nodeID]; suspected {
			return NodeSuspected
		}
		return NodeAlive
	}
	return NodeDead
}

// AliveMembers returns every tracked member not yet declared dead, for
// callers (the transport layer's target selection) that want to skip
// dead peers. Suspected members are included.
func (p *Protocol) AliveMembers() []consensus.NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]consensus.NodeID, 0, len(p.alive))
	for id := range p.alive {
		result = append(result, id)
	}
	return result
}

func (p *Protocol) messageHandler() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case raw := <-p.transport.Receive():
			if raw.Type != consensus.GossipDataMsg {
				continue
			}
			body, err := wire.DecodeBody(raw.Data)
			if err != nil {
				p.logger.Warn("gossip: malformed envelope", zap.Error(err))
				continue
			}
			gossipBody, ok := body.(*wire.BodyGossipMsg)
			if !ok {
				continue
			}
			var msg Message
			if err := json.Unmarshal(gossipBody.Data, &msg); err != nil {
				p.logger.Warn("gossip: malformed message payload", zap.Error(err))
				continue
			}
			p.handleMessage(&msg)
		}
	}
}

func (p *Protocol) gossipLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.gossipEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.doRound()
		}
	}
}

func (p *Protocol) membershipLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.suspectTime / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkMembership()
			p.confirmExpiredSuspicions()
			p.cleanupMessages()
		}
	}
}

func (p *Protocol) handleMessage(msg *Message) {
	p.mu.Lock()

	if _, seen := p.messageLog[msg.ID]; seen {
		p.mu.Unlock()
		return
	}
	if msg.TTL <= 0 {
		p.mu.Unlock()
		return
	}

	p.clock.Merge(crdt.VectorClockFromSnapshot(msg.From, msg.VectorClock))
	p.messageLog[msg.ID] = msg

	switch msg.Type {
	case DataMessage:
		p.alive[msg.From] = time.Now()
		onData := p.onData
		p.mu.Unlock()
		if onData != nil {
			onData(msg.From, msg.Payload)
		}
	case AliveMessage:
		p.alive[msg.From] = time.Now()
		delete(p.suspicion, msg.From)
		p.mu.Unlock()
	case SuspectMessage:
		var suspected consensus.NodeID
		_ = json.Unmarshal(msg.Payload, &suspected)
		if _, already := p.suspicion[suspected]; !already {
			p.suspicion[suspected] = time.Now()
		}
		p.mu.Unlock()
	case ConfirmMessage:
		var confirmed consensus.NodeID
		_ = json.Unmarshal(msg.Payload, &confirmed)
		delete(p.alive, confirmed)
		delete(p.suspicion, confirmed)
		p.mu.Unlock()
	default:
		p.mu.Unlock()
	}

	if msg.TTL > 1 && rand.Float64() < 0.5 {
		p.propagate(msg)
	}
}

func (p *Protocol) doRound() {
	p.mu.RLock()
	targets := p.selectTargetsLocked(p.fanout)
	messages := make([]*Message, 0, len(p.messageLog))
	cutoff := time.Now().Add(-30 * time.Second)
	for _, msg := range p.messageLog {
		if msg.TTL > 0 && msg.Timestamp.After(cutoff) {
			messages = append(messages, msg)
		}
	}
	p.mu.RUnlock()

	ctx := p.ctx
	for _, target := range targets {
		for _, msg := range messages {
			p.send(ctx, target, msg)
		}
	}
}

func (p *Protocol) propagate(msg *Message) {
	for _, target := range p.selectTargets(p.fanout) {
		if target != msg.From {
			p.send(p.ctx, target, msg)
		}
	}
}

func (p *Protocol) selectTargets(fanout int) []consensus.NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.selectTargetsLocked(fanout)
}

func (p *Protocol) selectTargetsLocked(fanout int) []consensus.NodeID {
	candidates := make([]consensus.NodeID, 0, len(p.nodes))
	for id := range p.nodes {
		if id != p.nodeID {
			candidates = append(candidates, id)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if fanout > len(candidates) {
		fanout = len(candidates)
	}
	return candidates[:fanout]
}

func (p *Protocol) send(ctx context.Context, target consensus.NodeID, msg *Message) {
	sendCopy := *msg
	sendCopy.TTL--

	payload, err := json.Marshal(&sendCopy)
	if err != nil {
		p.logger.Warn("gossip: marshal message", zap.Error(err))
		return
	}

	body, err := wire.EncodeBody(&wire.BodyGossipMsg{Data: payload, TTL: uint8(sendCopy.TTL)})
	if err != nil {
		p.logger.Warn("gossip: encode body", zap.Error(err))
		return
	}

	consensusMsg := &consensus.ConsensusMessage{
		Type:      consensus.GossipDataMsg,
		From:      p.nodeID,
		To:        target,
		Data:      body,
		Timestamp: time.Now(),
	}
	if err := p.transport.Send(ctx, target, consensusMsg); err != nil {
		p.logger.Debug("gossip: send failed", zap.String("target", string(target)), zap.Error(err))
	}
}

func (p *Protocol) broadcastAlive() {
	p.mu.Lock()
	msg := &Message{ID: uuid.NewString(), Type: AliveMessage, From: p.nodeID, TTL: p.maxTTL, Timestamp: time.Now()}
	p.messageLog[msg.ID] = msg
	p.mu.Unlock()
	for _, target := range p.selectTargets(p.fanout) {
		p.send(p.ctx, target, msg)
	}
}

func (p *Protocol) checkMembership() {
	p.mu.Lock()
	now := time.Now()
	var newlySuspected []consensus.NodeID
	for id, lastSeen := range p.alive {
		if id == p.nodeID {
			continue
		}
		if now.Sub(lastSeen) > p.suspectTime {
			if _, already := p.suspicion[id]; !already {
				p.suspicion[id] = now
				newlySuspected = append(newlySuspected, id)
			}
		}
	}
	p.mu.Unlock()

	for _, id := range newlySuspected {
		p.broadcastAbout(SuspectMessage, id)
	}
}

func (p *Protocol) confirmExpiredSuspicions() {
	p.mu.Lock()
	now := time.Now()
	confirmTimeout := 2 * p.suspectTime
	var confirmed []consensus.NodeID
	for id, since := range p.suspicion {
		if now.Sub(since) > confirmTimeout {
			delete(p.alive, id)
			delete(p.suspicion, id)
			confirmed = append(confirmed, id)
		}
	}
	p.mu.Unlock()

	for _, id := range confirmed {
		p.broadcastAbout(ConfirmMessage, id)
	}
}

func (p *Protocol) broadcastAbout(msgType MessageType, subject consensus.NodeID) {
	payload, _ := json.Marshal(subject)
	p.mu.Lock()
	msg := &Message{ID: uuid.NewString(), Type: msgType, From: p.nodeID, TTL: p.maxTTL, Timestamp: time.Now(), Payload: payload}
	p.messageLog[msg.ID] = msg
	p.mu.Unlock()
	for _, target := range p.selectTargets(p.fanout) {
		p.send(p.ctx, target, msg)
	}
}

func (p *Protocol) cleanupMessages() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-5 * time.Minute)
	for id, msg := range p.messageLog {
		if msg.Timestamp.Before(cutoff) {
			delete(p.messageLog, id)
		}
	}
}
