package tendermint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/pkg/metrics"
)

type memNetwork struct {
	mu    sync.Mutex
	nodes map[consensus.NodeID]*memTransport
}

func newMemNetwork() *memNetwork { return &memNetwork{nodes: make(map[consensus.NodeID]*memTransport)} }

func (n *memNetwork) register(t *memTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[t.id] = t
}

func (n *memNetwork) deliver(to consensus.NodeID, msg *consensus.ConsensusMessage) {
	n.mu.Lock()
	target, ok := n.nodes[to]
	n.mu.Unlock()
	if ok {
		select {
		case target.recvCh <- msg:
		default:
		}
	}
}

type memTransport struct {
	id      consensus.NodeID
	network *memNetwork
	recvCh  chan *consensus.ConsensusMessage
	peers   []consensus.NodeID
}

func newMemTransport(id consensus.NodeID, network *memNetwork, peers []consensus.NodeID) *memTransport {
	t := &memTransport{id: id, network: network, recvCh: make(chan *consensus.ConsensusMessage, 256), peers: peers}
	network.register(t)
	return t
}

var _ consensus.Transport = (*memTransport)(nil)

func (t *memTransport) Send(ctx context.Context, nodeID consensus.NodeID, msg *consensus.ConsensusMessage) error {
	t.network.deliver(nodeID, msg)
	return nil
}
func (t *memTransport) Broadcast(ctx context.Context, msg *consensus.ConsensusMessage) error {
	for _, p := range t.peers {
		if p != t.id {
			t.network.deliver(p, msg)
		}
	}
	return nil
}
func (t *memTransport) Gossip(ctx context.Context, data []byte, fanout int) error { return nil }
func (t *memTransport) Receive() <-chan *consensus.ConsensusMessage              { return t.recvCh }
func (t *memTransport) Start(ctx context.Context) error                         { return nil }
func (t *memTransport) Stop() error                                             { return nil }
func (t *memTransport) GetAddress(nodeID consensus.NodeID) string               { return string(nodeID) }
func (t *memTransport) Peers() []consensus.NodeID                               { return t.peers }

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
func (s *recordingStateMachine) Snapshot() ([]byte, error)     { return nil, nil }
func (s *recordingStateMachine) Restore(snapshot []byte) error { return nil }
func (s *recordingStateMachine) GetState() interface{}         { return nil }
func (s *recordingStateMachine) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func TestTendermint_DecidesAndAdvancesHeight(t *testing.T) {
	ids := []consensus.NodeID{"node-1", "node-2", "node-3", "node-4"}
	addrs := map[consensus.NodeID]string{}
	for _, id := range ids {
		addrs[id] = string(id)
	}
	network := newMemNetwork()

	nodes := make(map[consensus.NodeID]*Tendermint)
	sms := make(map[consensus.NodeID]*recordingStateMachine)
	for _, id := range ids {
		cfg := &consensus.Config{NodeID: id, Nodes: addrs, MaxFaulty: 1, ElectionTimeout: 100 * time.Millisecond}
		transport := newMemTransport(id, network, ids)
		sm := &recordingStateMachine{}
		nodes[id] = New(cfg, transport, sm, zaptest.NewLogger(t), metrics.NewMetrics())
		sms[id] = sm
	}

	for _, n := range nodes {
		require.NoError(t, n.Start(context.Background()))
	}
	defer func() {
		for _, n := range nodes {
			_ = n.Stop()
		}
	}()

	var proposer *Tendermint
	for _, n := range nodes {
		if n.IsLeader() {
			proposer = n
		}
	}
	require.NotNil(t, proposer, "height 1 round 0 must have exactly one proposer")

	_, err := proposer.Propose(context.Background(), []byte("block-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, sm := range sms {
			if sm.appliedCount() < 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "expected every node to decide height 1")

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.GetTerm() < 2 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "expected height to advance past the decided height")
}
