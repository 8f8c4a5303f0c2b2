package wire

import (
	"bytes"
	"encoding/binary"
)

// BodyProposeMsg carries a client-submitted value awaiting replication.
type BodyProposeMsg struct {
	ProposalID string
	Value      []byte
}

func (b *BodyProposeMsg) Type() BodyType { return BodyPropose }
func (b *BodyProposeMsg) encode(w *bytes.Buffer) error {
	if err := writeString(w, b.ProposalID); err != nil {
		return err
	}
	return writeBytes(w, b.Value)
}
func (b *BodyProposeMsg) decode(r *bytes.Reader) error {
	id, err := readString(r)
	if err != nil {
		return err
	}
	v, err := readBytes(r)
	if err != nil {
		return err
	}
	b.ProposalID, b.Value = id, v
	return nil
}

// BodyVoteMsg carries an externally supplied vote (PBFT/Tendermint).
type BodyVoteMsg struct {
	ProposalID string
	Vote       uint8 // VoteAccept/VoteReject/VoteAbstain
}

func (b *BodyVoteMsg) Type() BodyType { return BodyVote }
func (b *BodyVoteMsg) encode(w *bytes.Buffer) error {
	if err := writeString(w, b.ProposalID); err != nil {
		return err
	}
	return w.WriteByte(b.Vote)
}
func (b *BodyVoteMsg) decode(r *bytes.Reader) error {
	id, err := readString(r)
	if err != nil {
		return err
	}
	v, err := r.ReadByte()
	if err != nil {
		return err
	}
	b.ProposalID, b.Vote = id, v
	return nil
}

// BodyCommitMsg announces a committed value.
type BodyCommitMsg struct {
	Value []byte
}

func (b *BodyCommitMsg) Type() BodyType             { return BodyCommit }
func (b *BodyCommitMsg) encode(w *bytes.Buffer) error { return writeBytes(w, b.Value) }
func (b *BodyCommitMsg) decode(r *bytes.Reader) error {
	v, err := readBytes(r)
	if err != nil {
		return err
	}
	b.Value = v
	return nil
}

// BodyHeartbeatMsg is an empty keep-alive.
type BodyHeartbeatMsg struct{}

func (b *BodyHeartbeatMsg) Type() BodyType              { return BodyHeartbeat }
func (b *BodyHeartbeatMsg) encode(w *bytes.Buffer) error { return nil }
func (b *BodyHeartbeatMsg) decode(r *bytes.Reader) error { return nil }

// BodyRequestVoteMsg is Raft's RequestVote RPC.
type BodyRequestVoteMsg struct {
	Candidate    string
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (b *BodyRequestVoteMsg) Type() BodyType { return BodyRequestVote }
func (b *BodyRequestVoteMsg) encode(w *bytes.Buffer) error {
	if err := writeString(w, b.Candidate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, b.LastLogIndex); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, b.LastLogTerm)
}
func (b *BodyRequestVoteMsg) decode(r *bytes.Reader) error {
	c, err := readString(r)
	if err != nil {
		return err
	}
	b.Candidate = c
	if err := binary.Read(r, binary.BigEndian, &b.LastLogIndex); err != nil {
		return err
	}
	return binary.Read(r, binary.BigEndian, &b.LastLogTerm)
}

// BodyRequestVoteReplyMsg is Raft's RequestVote response.
type BodyRequestVoteReplyMsg struct {
	Granted bool
}

func (b *BodyRequestVoteReplyMsg) Type() BodyType { return BodyRequestVoteReply }
func (b *BodyRequestVoteReplyMsg) encode(w *bytes.Buffer) error {
	return writeBool(w, b.Granted)
}
func (b *BodyRequestVoteReplyMsg) decode(r *bytes.Reader) error {
	v, err := readBool(r)
	if err != nil {
		return err
	}
	b.Granted = v
	return nil
}

// WireLogEntry is the on-the-wire representation of a LogEntry.
type WireLogEntry struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// BodyAppendEntriesMsg is Raft's AppendEntries RPC.
type BodyAppendEntriesMsg struct {
	Leader       string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []WireLogEntry
	LeaderCommit uint64
}

func (b *BodyAppendEntriesMsg) Type() BodyType { return BodyAppendEntries }
func (b *BodyAppendEntriesMsg) encode(w *bytes.Buffer) error {
	if err := writeString(w, b.Leader); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, b.PrevLogIndex); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, b.PrevLogTerm); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(b.Entries))); err != nil {
		return err
	}
	for _, e := range b.Entries {
		if err := binary.Write(w, binary.BigEndian, e.Index); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, e.Term); err != nil {
			return err
		}
		if err := writeBytes(w, e.Data); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.BigEndian, b.LeaderCommit)
}
func (b *BodyAppendEntriesMsg) decode(r *bytes.Reader) error {
	leader, err := readString(r)
	if err != nil {
		return err
	}
	b.Leader = leader
	if err := binary.Read(r, binary.BigEndian, &b.PrevLogIndex); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &b.PrevLogTerm); err != nil {
		return err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return err
	}
	b.Entries = make([]WireLogEntry, n)
	for i := uint32(0); i < n; i++ {
		var e WireLogEntry
		if err := binary.Read(r, binary.BigEndian, &e.Index); err != nil {
			return err
		}
		if err := binary.Read(r, binary.BigEndian, &e.Term); err != nil {
			return err
		}
		data, err := readBytes(r)
		if err != nil {
			return err
		}
		e.Data = data
		b.Entries[i] = e
	}
	return binary.Read(r, binary.BigEndian, &b.LeaderCommit)
}

// BodyAppendEntriesReplyMsg is Raft's AppendEntries response, extended
// internally with the fast-backtrack conflict fields (§12 supplement);
// XTerm==0 means "no conflicting term" (plain nextIndex-- path).
type BodyAppendEntriesReplyMsg struct {
	Success    bool
	MatchIndex uint64
	XTerm      uint64
	XIndex     uint64
	XLen       uint64
}

func (b *BodyAppendEntriesReplyMsg) Type() BodyType { return BodyAppendEntriesReply }
func (b *BodyAppendEntriesReplyMsg) encode(w *bytes.Buffer) error {
	if err := writeBool(w, b.Success); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, b.MatchIndex); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, b.XTerm); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, b.XIndex); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, b.XLen)
}
func (b *BodyAppendEntriesReplyMsg) decode(r *bytes.Reader) error {
	v, err := readBool(r)
	if err != nil {
		return err
	}
	b.Success = v
	if err := binary.Read(r, binary.BigEndian, &b.MatchIndex); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &b.XTerm); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &b.XIndex); err != nil {
		return err
	}
	return binary.Read(r, binary.BigEndian, &b.XLen)
}

// BodyGossipMsg carries opaque epidemic-dissemination payload.
type BodyGossipMsg struct {
	Data []byte
	TTL  uint8
}

func (b *BodyGossipMsg) Type() BodyType { return BodyGossip }
func (b *BodyGossipMsg) encode(w *bytes.Buffer) error {
	if err := writeBytes(w, b.Data); err != nil {
		return err
	}
	return w.WriteByte(b.TTL)
}
func (b *BodyGossipMsg) decode(r *bytes.Reader) error {
	data, err := readBytes(r)
	if err != nil {
		return err
	}
	ttl, err := r.ReadByte()
	if err != nil {
		return err
	}
	b.Data, b.TTL = data, ttl
	return nil
}

// BodyTransportFrameMsg is the outer carrier a network Transport uses to
// move a whole ConsensusMessage (engine-level Type, recipient, send time,
// and an already wire-encoded inner body) across a socket under this
// package's authenticated framing. It is never seen by an engine: engines
// only ever encode/decode the inner body via EncodeBody/DecodeBody.
type BodyTransportFrameMsg struct {
	MsgType           uint8
	To                string
	TimestampUnixNano int64
	InnerData         []byte
}

func (b *BodyTransportFrameMsg) Type() BodyType { return BodyTransportFrame }
func (b *BodyTransportFrameMsg) encode(w *bytes.Buffer) error {
	if err := w.WriteByte(b.MsgType); err != nil {
		return err
	}
	if err := writeString(w, b.To); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, b.TimestampUnixNano); err != nil {
		return err
	}
	return writeBytes(w, b.InnerData)
}

func (b *BodyTransportFrameMsg) decode(r *bytes.Reader) error {
	msgType, err := r.ReadByte()
	if err != nil {
		return err
	}
	to, err := readString(r)
	if err != nil {
		return err
	}
	var ts int64
	if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
		return err
	}
	inner, err := readBytes(r)
	if err != nil {
		return err
	}
	b.MsgType, b.To, b.TimestampUnixNano, b.InnerData = msgType, to, ts, inner
	return nil
}

func writeBool(w *bytes.Buffer, v bool) error {
	if v {
		return w.WriteByte(1)
	}
	return w.WriteByte(0)
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}
