// Package consensus defines the shared type system and interface contract
// implemented by every consensus engine variant (Raft, PBFT, Tendermint).
package consensus

import (
	"context"
	"time"
)

// NodeID is a globally unique, opaque identifier for a cluster member.
type NodeID string

// Term is a monotonic, non-negative epoch counter.
type Term uint64

// LogIndex addresses an entry in the replicated log, indexed from 1.
type LogIndex uint64

// ProposalID is an opaque, issuer-local correlation token minted on Propose
// and retired on commit or timeout.
type ProposalID string

// Vote is the outcome a peer assigns to a proposal in protocols that expose
// explicit voting (PBFT, Tendermint). Raft's voting is internal to its own
// RequestVote messages and never surfaces a Vote value.
type Vote int

const (
	VoteAbstain Vote = iota
	VoteAccept
	VoteReject
)

func (v Vote) String() string {
	switch v {
	case VoteAccept:
		return "accept"
	case VoteReject:
		return "reject"
	default:
		return "abstain"
	}
}

// Role is a node's position in the consensus state machine.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
	// Primary/Backup are PBFT-specific roles.
	Primary
	Backup
)

func (r Role) String() string {
	switch r {
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Primary:
		return "primary"
	case Backup:
		return "backup"
	default:
		return "follower"
	}
}

// MessageType tags the body of a ConsensusMessage. The Raft and PBFT
// variants are exhaustive; Gossip/CRDT/Quorum types are shared across
// every engine since they ride the same transport.
type MessageType int

const (
	RequestVoteMsg MessageType = iota
	RequestVoteResponseMsg
	AppendEntriesMsg
	AppendEntriesResponseMsg

	PrePrepareMsg
	PrepareMsg
	CommitMsg
	CheckpointMsg
	ViewChangeMsg
	NewViewMsg

	ProposeMsg
	VoteMsg
	CommitValueMsg
	HeartbeatMsg

	GossipDataMsg
	GossipAckMsg
	GossipSyncMsg
	GossipAliveMsg
	GossipSuspectMsg
	GossipConfirmMsg

	CRDTUpdateMsg
	CRDTMergeMsg
	CRDTSyncMsg

	QuorumVoteMsg
	QuorumResultMsg
)

// ConsensusMessage is the in-memory representation of a wire Envelope
// (see internal/wire). Data carries the type-specific, already-decoded
// body; engines marshal/unmarshal the body themselves via wire.Codec.
type ConsensusMessage struct {
	Type      MessageType
	Term      Term
	From      NodeID
	To        NodeID
	Data      []byte
	Timestamp time.Time
}

// LogEntry is a single, immutable-once-committed record in the replicated
// log.
type LogEntry struct {
	Index     LogIndex
	Term      Term
	Data      []byte
	Timestamp time.Time
	Committed bool
}

// Engine is the four-operation contract every consensus variant
// implements (start, propose, vote, on_commit). It additionally exposes
// the introspection operations (GetState/GetLeader/IsLeader/GetTerm) and
// membership operations needed to wire a Runtime around it.
type Engine interface {
	// Start begins protocol execution; it returns once timers and
	// message loops are armed.
	Start(ctx context.Context) error

	// Stop gracefully tears down the engine.
	Stop() error

	// Propose submits a value for replication, returning a ProposalID
	// correlating the eventual commit.
	Propose(ctx context.Context, data []byte) (ProposalID, error)

	// VoteFor records an externally supplied vote for a proposal. It is a
	// no-op for Raft, whose voting is internal to RequestVote messages.
	VoteFor(ctx context.Context, id ProposalID, vote Vote) error

	// OnCommit registers a callback invoked for each newly committed
	// entry, in strict index order. Only one callback is retained; the
	// Runtime Facade is the only expected caller.
	OnCommit(fn func(index LogIndex, data []byte))

	GetState() Role
	GetLeader() NodeID
	IsLeader() bool
	GetTerm() Term

	AddNode(nodeID NodeID, address string) error
	RemoveNode(nodeID NodeID) error
}

// StateMachine is the application-supplied sink for committed entries.
type StateMachine interface {
	Apply(entry *LogEntry) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(snapshot []byte) error
	GetState() interface{}
}

// Transport is the peer-to-peer publish/subscribe substrate: authenticated
// broadcast to a topic, logical unicast, epidemic gossip, and delivery of
// inbound messages to a single per-node queue.
type Transport interface {
	Send(ctx context.Context, nodeID NodeID, msg *ConsensusMessage) error
	Broadcast(ctx context.Context, msg *ConsensusMessage) error
	Gossip(ctx context.Context, data []byte, fanout int) error
	Receive() <-chan *ConsensusMessage
	Start(ctx context.Context) error
	Stop() error
	GetAddress(nodeID NodeID) string
	Peers() []NodeID
}

// Storage is the durable state contract: (currentTerm, votedFor, log[])
// persisted under meta/term, meta/vote, log/<index>, plus snapshotting.
// An embedded store is assumed; this interface is the only boundary the
// engine crosses to reach it.
type Storage interface {
	SaveTerm(term Term) error
	LoadTerm() (Term, error)

	SaveVote(votedFor NodeID) error
	LoadVote() (NodeID, error)

	AppendLog(entries []*LogEntry) error
	TruncateLogFrom(index LogIndex) error
	LoadLog(startIndex, endIndex LogIndex) ([]*LogEntry, error)
	LastLogIndex() (LogIndex, error)

	SaveSnapshot(snapshot []byte, lastIncludedIndex LogIndex, lastIncludedTerm Term) error
	LoadSnapshot() (snapshot []byte, lastIncludedIndex LogIndex, lastIncludedTerm Term, err error)

	Close() error
}

// Algorithm selects a consensus engine variant.
type Algorithm string

const (
	AlgorithmRaft       Algorithm = "raft"
	AlgorithmPBFT       Algorithm = "pbft"
	AlgorithmTendermint Algorithm = "tendermint"
)

// Config configures any engine variant. Fields not meaningful to a given
// variant (e.g. MaxFaulty for Raft) are simply ignored by it.
type Config struct {
	NodeID           NodeID
	Nodes            map[NodeID]string // peer id -> address, fixed for the session (no dynamic reconfiguration)
	ElectionTimeout  time.Duration     // Raft: randomized within [timeout, 2*timeout]
	HeartbeatTimeout time.Duration
	RequestTimeout   time.Duration
	MaxLogEntries    int
	SnapshotInterval int
	BatchSize        int
	MaxFaulty        int // f, only meaningful for BFT variants
}

// Metrics is a point-in-time snapshot of engine counters, read by
// pkg/metrics for Prometheus export.
type Metrics struct {
	CurrentTerm      Term
	VotesReceived    int
	LastLogIndex     LogIndex
	CommitIndex      LogIndex
	MessagesSent     uint64
	MessagesReceived uint64
	Latency          time.Duration
}
