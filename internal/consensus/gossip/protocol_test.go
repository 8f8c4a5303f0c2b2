package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
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

func newThreeNodeCluster(t *testing.T) map[consensus.NodeID]*Protocol {
	t.Helper()
	ids := []consensus.NodeID{"node-1", "node-2", "node-3"}
	addrs := map[consensus.NodeID]string{}
	for _, id := range ids {
		addrs[id] = string(id)
	}
	network := newMemNetwork()

	nodes := make(map[consensus.NodeID]*Protocol)
	for _, id := range ids {
		cfg := &consensus.Config{NodeID: id, Nodes: addrs}
		transport := newMemTransport(id, network, ids)
		nodes[id] = New(cfg, transport, zaptest.NewLogger(t), metrics.NewMetrics())
	}
	return nodes
}

func TestProtocol_DataMessagePropagatesToEveryNode(t *testing.T) {
	nodes := newThreeNodeCluster(t)

	received := make(map[consensus.NodeID][][]byte)
	var mu sync.Mutex
	for id, n := range nodes {
		id, n := id, n
		n.OnData(func(from consensus.NodeID, payload []byte) {
			mu.Lock()
			received[id] = append(received[id], payload)
			mu.Unlock()
		})
		require.NoError(t, n.Start(context.Background()))
	}
	defer func() {
		for _, n := range nodes {
			_ = n.Stop()
		}
	}()

	require.NoError(t, nodes["node-1"].Gossip(context.Background(), []byte("hello"), 2))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received["node-2"]) >= 1 && len(received["node-3"]) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProtocol_SuspectsThenConfirmsUnresponsivePeer(t *testing.T) {
	ids := []consensus.NodeID{"node-1", "node-2"}
	addrs := map[consensus.NodeID]string{"node-1": "node-1", "node-2": "node-2"}
	network := newMemNetwork()

	cfg1 := &consensus.Config{NodeID: "node-1", Nodes: addrs}
	p1 := New(cfg1, newMemTransport("node-1", network, ids), zaptest.NewLogger(t), metrics.NewMetrics())
	p1.suspectTime = 20 * time.Millisecond
	p1.gossipEvery = 5 * time.Millisecond

	require.NoError(t, p1.Start(context.Background()))
	defer func() { _ = p1.Stop() }()

	// node-2 never starts its own transport loop, so it never refreshes
	// liveness; node-1 should move it through suspected -> dead.
	assert.Equal(t, NodeAlive, p1.Status("node-2"))

	require.Eventually(t, func() bool {
		return p1.Status("node-2") == NodeSuspected
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return p1.Status("node-2") == NodeDead
	}, 2*time.Second, 5*time.Millisecond)
}
