// Package crdt implements the state-based conflict-free replicated data
// types used by the replicated state store's Eventual and Causal
// consistency modes: G-Counter, PN-Counter, LWW-Map, OR-Set, and a
// standalone Vector Clock. Every type's Merge is commutative, associative,
// and idempotent; none of them require coordination to converge.
package crdt

import (
	"time"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
)

// CRDT is the common contract for the operation-addressed types (G-Counter,
// PN-Counter, OR-Set, LWW-Map). Vector Clock deliberately does not implement
// it: it is not keyed by Operation, it participates in causal ordering
// decisions rather than holding application state.
type CRDT interface {
	// Update applies a local operation.
	Update(operation Operation) error

	// Merge folds another replica's state into this one. other is left
	// unmodified.
	Merge(other CRDT) error

	// State returns the current logical value.
	State() interface{}

	// Clone returns a deep, independently-mutable copy.
	Clone() CRDT

	Serialize() ([]byte, error)
	Deserialize(data []byte) error
}

// OperationType discriminates the operation kinds accepted by the CRDT
// implementations in this package. Not every type accepts every kind; each
// Update rejects operations it does not understand.
type OperationType int

const (
	AddOperation OperationType = iota
	RemoveOperation
	IncrementOperation
	DecrementOperation
	SetOperation
)

// Operation is a single local mutation submitted to a CRDT's Update method.
type Operation struct {
	Type      OperationType
	Key       string
	Value     interface{}
	Timestamp time.Time
	NodeID    consensus.NodeID
}
