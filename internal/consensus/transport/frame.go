// Package transport implements consensus.Transport over two real network
// substrates (point-to-point RPC and WebSocket broadcast) plus mDNS-based
// local peer discovery, all authenticated under the same binary envelope
// the consensus engines use for their message bodies.
package transport

import (
	"time"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/internal/wire"
)

// encodeFrame wraps a ConsensusMessage's already wire-encoded Data (the
// engine's EncodeBody output) in the envelope's own authenticated framing,
// so a real transport's wire bytes are end-to-end covered by the same MAC
// as the engine body they carry.
func encodeFrame(codec *wire.Codec, msg *consensus.ConsensusMessage) ([]byte, error) {
	env := &wire.Envelope{
		Term:   uint64(msg.Term),
		Sender: string(msg.From),
		Body: &wire.BodyTransportFrameMsg{
			MsgType:           uint8(msg.Type),
			To:                string(msg.To),
			TimestampUnixNano: msg.Timestamp.UnixNano(),
			InnerData:         msg.Data,
		},
	}
	return codec.Encode(env)
}

// decodeFrame reverses encodeFrame.
func decodeFrame(codec *wire.Codec, frame []byte) (*consensus.ConsensusMessage, error) {
	env, err := codec.Decode(frame)
	if err != nil {
		return nil, err
	}
	body, ok := env.Body.(*wire.BodyTransportFrameMsg)
	if !ok {
		return nil, wire.ErrMalformed
	}
	return &consensus.ConsensusMessage{
		Type:      consensus.MessageType(body.MsgType),
		Term:      consensus.Term(env.Term),
		From:      consensus.NodeID(env.Sender),
		To:        consensus.NodeID(body.To),
		Data:      body.InnerData,
		Timestamp: time.Unix(0, body.TimestampUnixNano),
	}, nil
}
