package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/internal/consensus/memstore"
	"github.com/ruvnet/omnix-consensus/pkg/metrics"
)

// memNetwork wires a set of memTransports together in-process, simulating
// the peer-to-peer substrate for multi-node tests without any real
// socket I/O.
type memNetwork struct {
	mu    sync.Mutex
	nodes map[consensus.NodeID]*memTransport
}

func newMemNetwork() *memNetwork {
	return &memNetwork{nodes: make(map[consensus.NodeID]*memTransport)}
}

func (n *memNetwork) register(t *memTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[t.id] = t
}

func (n *memNetwork) deliver(to consensus.NodeID, msg *consensus.ConsensusMessage) error {
	n.mu.Lock()
	target, ok := n.nodes[to]
	n.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case target.recvCh <- msg:
	default:
	}
	return nil
}

type memTransport struct {
	id      consensus.NodeID
	network *memNetwork
	recvCh  chan *consensus.ConsensusMessage
	peers   []consensus.NodeID
}

func newMemTransport(id consensus.NodeID, network *memNetwork, peers []consensus.NodeID) *memTransport {
	t := &memTransport{
		id:      id,
		network: network,
		recvCh:  make(chan *consensus.ConsensusMessage, 256),
		peers:   peers,
	}
	network.register(t)
	return t
}

var _ consensus.Transport = (*memTransport)(nil)

func (t *memTransport) Send(ctx context.Context, nodeID consensus.NodeID, msg *consensus.ConsensusMessage) error {
	return t.network.deliver(nodeID, msg)
}

func (t *memTransport) Broadcast(ctx context.Context, msg *consensus.ConsensusMessage) error {
	for _, p := range t.peers {
		if p == t.id {
			continue
		}
		_ = t.network.deliver(p, msg)
	}
	return nil
}

func (t *memTransport) Gossip(ctx context.Context, data []byte, fanout int) error { return nil }
func (t *memTransport) Receive() <-chan *consensus.ConsensusMessage              { return t.recvCh }
func (t *memTransport) Start(ctx context.Context) error                         { return nil }
func (t *memTransport) Stop() error                                             { return nil }
func (t *memTransport) GetAddress(nodeID consensus.NodeID) string               { return string(nodeID) }
func (t *memTransport) Peers() []consensus.NodeID                               { return t.peers }

// recordingStateMachine captures every applied entry in commit order.
type recordingStateMachine struct {
	mu      sync.Mutex
	applied [][]byte
}

func (s *recordingStateMachine) Apply(entry *consensus.LogEntry) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, entry.Data)
	return nil, nil
}
func (s *recordingStateMachine) Snapshot() ([]byte, error)      { return nil, nil }
func (s *recordingStateMachine) Restore(snapshot []byte) error  { return nil }
func (s *recordingStateMachine) GetState() interface{}          { return nil }
func (s *recordingStateMachine) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

type cluster struct {
	nodes map[consensus.NodeID]*Raft
	sms   map[consensus.NodeID]*recordingStateMachine
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()

	ids := make([]consensus.NodeID, n)
	addrs := make(map[consensus.NodeID]string, n)
	for i := 0; i < n; i++ {
		id := consensus.NodeID("node-" + string(rune('1'+i)))
		ids[i] = id
		addrs[id] = string(id)
	}

	network := newMemNetwork()
	c := &cluster{nodes: make(map[consensus.NodeID]*Raft), sms: make(map[consensus.NodeID]*recordingStateMachine)}

	for _, id := range ids {
		cfg := &consensus.Config{
			NodeID:           id,
			Nodes:            addrs,
			ElectionTimeout:  30 * time.Millisecond,
			HeartbeatTimeout: 10 * time.Millisecond,
			RequestTimeout:   100 * time.Millisecond,
		}
		transport := newMemTransport(id, network, ids)
		storage := memstore.New(memstore.Config{}, zaptest.NewLogger(t))
		sm := &recordingStateMachine{}
		logger := zaptest.NewLogger(t)
		r := New(cfg, transport, sm, storage, logger, metrics.NewMetrics())
		c.nodes[id] = r
		c.sms[id] = sm
	}
	return c
}

func (c *cluster) start(t *testing.T) {
	for _, r := range c.nodes {
		require.NoError(t, r.Start(context.Background()))
	}
}

func (c *cluster) stop() {
	for _, r := range c.nodes {
		_ = r.Stop()
	}
}

func (c *cluster) leader() *Raft {
	for _, r := range c.nodes {
		if r.IsLeader() {
			return r
		}
	}
	return nil
}

func TestRaft_ElectsExactlyOneLeader(t *testing.T) {
	c := newCluster(t, 3)
	c.start(t)
	defer c.stop()

	require.Eventually(t, func() bool {
		leaders := 0
		for _, r := range c.nodes {
			if r.IsLeader() {
				leaders++
			}
		}
		return leaders == 1
	}, 2*time.Second, 5*time.Millisecond, "expected exactly one leader to emerge")
}

func TestRaft_ProposalReplicatesToAllNodes(t *testing.T) {
	c := newCluster(t, 3)
	c.start(t)
	defer c.stop()

	require.Eventually(t, func() bool { return c.leader() != nil }, 2*time.Second, 5*time.Millisecond)

	leader := c.leader()
	_, err := leader.Propose(context.Background(), []byte("set x=1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, sm := range c.sms {
			if sm.appliedCount() < 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "expected every node to apply the committed entry")
}

func TestRaft_FollowerRejectsProposal(t *testing.T) {
	c := newCluster(t, 3)
	c.start(t)
	defer c.stop()

	require.Eventually(t, func() bool { return c.leader() != nil }, 2*time.Second, 5*time.Millisecond)

	leader := c.leader()
	for id, r := range c.nodes {
		if id == leader.nodeID {
			continue
		}
		_, err := r.Propose(context.Background(), []byte("nope"))
		assert.Error(t, err)
	}
}

func TestRaft_IsLogUpToDate(t *testing.T) {
	cfg := &consensus.Config{NodeID: "n1", Nodes: map[consensus.NodeID]string{"n1": "n1"}, ElectionTimeout: 50 * time.Millisecond, HeartbeatTimeout: 10 * time.Millisecond}
	storage := memstore.New(memstore.Config{}, zaptest.NewLogger(t))
	r := New(cfg, newMemTransport("n1", newMemNetwork(), []consensus.NodeID{"n1"}), &recordingStateMachine{}, storage, zaptest.NewLogger(t), metrics.NewMetrics())

	r.log = []*consensus.LogEntry{{Index: 1, Term: 2}, {Index: 2, Term: 3}}

	assert.True(t, r.isLogUpToDate(2, 4), "higher term always wins")
	assert.False(t, r.isLogUpToDate(2, 2), "lower term always loses")
	assert.True(t, r.isLogUpToDate(2, 3), "equal term, equal length is up to date")
	assert.False(t, r.isLogUpToDate(1, 3), "equal term, shorter log is not up to date")
}
