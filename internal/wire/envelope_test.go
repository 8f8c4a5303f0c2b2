package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec([]byte("test-cluster-key"))

	env := &Envelope{
		Term:   7,
		Sender: "node-1",
		Body: &BodyAppendEntriesMsg{
			Leader:       "node-1",
			PrevLogIndex: 3,
			PrevLogTerm:  6,
			Entries: []WireLogEntry{
				{Index: 4, Term: 7, Data: []byte("hello")},
			},
			LeaderCommit: 2,
		},
	}

	frame, err := codec.Encode(env)
	require.NoError(t, err)

	decoded, err := codec.Decode(frame)
	require.NoError(t, err)

	assert.Equal(t, env.Term, decoded.Term)
	assert.Equal(t, env.Sender, decoded.Sender)

	body, ok := decoded.Body.(*BodyAppendEntriesMsg)
	require.True(t, ok)
	assert.Equal(t, uint64(3), body.PrevLogIndex)
	assert.Len(t, body.Entries, 1)
	assert.Equal(t, []byte("hello"), body.Entries[0].Data)
}

func TestCodecRejectsTamperedFrame(t *testing.T) {
	codec := NewCodec([]byte("test-cluster-key"))
	frame, err := codec.Encode(&Envelope{Term: 1, Sender: "n1", Body: &BodyHeartbeatMsg{}})
	require.NoError(t, err)

	tampered := append([]byte(nil), frame...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = codec.Decode(tampered)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestCodecDifferentKeyFailsAuthentication(t *testing.T) {
	sender := NewCodec([]byte("key-a"))
	receiver := NewCodec([]byte("key-b"))

	frame, err := sender.Encode(&Envelope{Term: 1, Sender: "n1", Body: &BodyGossipMsg{Data: []byte("x"), TTL: 3}})
	require.NoError(t, err)

	_, err = receiver.Decode(frame)
	assert.ErrorIs(t, err, ErrAuthentication)
}
