package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/internal/wire"
)

func TestWebSocketTransport_SendDeliversAuthenticatedFrame(t *testing.T) {
	nodes := map[consensus.NodeID]string{
		"node-a": "127.0.0.1:19201",
		"node-b": "127.0.0.1:19202",
	}
	key := []byte("cluster-shared-key")

	a := NewWebSocketTransport("node-a", nodes["node-a"], nodes, key, zaptest.NewLogger(t))
	b := NewWebSocketTransport("node-b", nodes["node-b"], nodes, key, zaptest.NewLogger(t))

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer func() {
		_ = a.Stop()
		_ = b.Stop()
	}()

	// give the dial loops time to establish the mesh connection
	require.Eventually(t, func() bool {
		a.connMu.RLock()
		defer a.connMu.RUnlock()
		_, ok := a.connections["node-b"]
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	body, err := wire.EncodeBody(&wire.BodyVoteMsg{ProposalID: "p-7", Vote: uint8(consensus.VoteAccept)})
	require.NoError(t, err)

	msg := &consensus.ConsensusMessage{Type: consensus.VoteMsg, From: "node-a", To: "node-b", Data: body, Timestamp: time.Now()}
	require.NoError(t, a.Send(ctx, "node-b", msg))

	select {
	case got := <-b.Receive():
		assert.Equal(t, consensus.VoteMsg, got.Type)
		assert.Equal(t, consensus.NodeID("node-a"), got.From)
		decoded, err := wire.DecodeBody(got.Data)
		require.NoError(t, err)
		vote := decoded.(*wire.BodyVoteMsg)
		assert.Equal(t, uint8(consensus.VoteAccept), vote.Vote)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestWebSocketTransport_BroadcastReachesAllPeers(t *testing.T) {
	nodes := map[consensus.NodeID]string{
		"node-a": "127.0.0.1:19211",
		"node-b": "127.0.0.1:19212",
		"node-c": "127.0.0.1:19213",
	}
	key := []byte("cluster-shared-key")

	a := NewWebSocketTransport("node-a", nodes["node-a"], nodes, key, zaptest.NewLogger(t))
	b := NewWebSocketTransport("node-b", nodes["node-b"], nodes, key, zaptest.NewLogger(t))
	c := NewWebSocketTransport("node-c", nodes["node-c"], nodes, key, zaptest.NewLogger(t))

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, c.Start(ctx))
	defer func() {
		_ = a.Stop()
		_ = b.Stop()
		_ = c.Stop()
	}()

	require.Eventually(t, func() bool {
		a.connMu.RLock()
		defer a.connMu.RUnlock()
		return len(a.connections) == 2
	}, 3*time.Second, 20*time.Millisecond)

	body, err := wire.EncodeBody(&wire.BodyHeartbeatMsg{})
	require.NoError(t, err)
	msg := &consensus.ConsensusMessage{Type: consensus.HeartbeatMsg, From: "node-a", Data: body, Timestamp: time.Now()}
	require.NoError(t, a.Broadcast(ctx, msg))

	for _, recv := range []*WebSocketTransport{b, c} {
		select {
		case got := <-recv.Receive():
			assert.Equal(t, consensus.HeartbeatMsg, got.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for broadcast delivery")
		}
	}
}
