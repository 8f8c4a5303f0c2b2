package runtime

import "github.com/ruvnet/omnix-consensus/internal/consensus"

// passthroughStateMachine satisfies the engine-internal consensus.StateMachine
// hook without maintaining state of its own: this Runtime's actual applied
// state lives in the state.Manager's CRDT store, reached through the
// engine's OnCommit subscription (Runtime.recordCommit / state.Manager's
// own OnCommit registration), not through this hook. Apply exists because
// every engine variant calls it as part of committing an entry; there is
// nothing more for it to do here than hand the payload back.
type passthroughStateMachine struct{}

func (passthroughStateMachine) Apply(entry *consensus.LogEntry) ([]byte, error) {
	return entry.Data, nil
}

func (passthroughStateMachine) Snapshot() ([]byte, error) { return nil, nil }

func (passthroughStateMachine) Restore(snapshot []byte) error { return nil }

func (passthroughStateMachine) GetState() interface{} { return nil }

var _ consensus.StateMachine = passthroughStateMachine{}
