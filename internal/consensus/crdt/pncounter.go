package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
)

// PNCounter is a pair of G-Counters: value is positive.Value() minus
// negative.Value(), so decrements never require negative slot values.
type PNCounter struct {
	mu       sync.RWMutex
	positive *GCounter
	negative *GCounter
}

func NewPNCounter(nodeID string) *PNCounter {
	return &PNCounter{
		positive: NewGCounter(nodeID),
		negative: NewGCounter(nodeID),
	}
}

func (p *PNCounter) Update(operation Operation) error {
	switch operation.Type {
	case IncrementOperation:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.positive.Update(operation)
	case DecrementOperation:
		p.mu.Lock()
		defer p.mu.Unlock()
		op := operation
		op.Type = IncrementOperation
		return p.negative.Update(op)
	default:
		return fmt.Errorf("pncounter: unsupported operation type %v", operation.Type)
	}
}

func (p *PNCounter) Merge(other CRDT) error {
	otherPN, ok := other.(*PNCounter)
	if !ok {
		return fmt.Errorf("pncounter: cannot merge %T", other)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.positive.Merge(otherPN.positive); err != nil {
		return err
	}
	return p.negative.Merge(otherPN.negative)
}

func (p *PNCounter) State() interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int64(p.positive.Value()) - int64(p.negative.Value())
}

func (p *PNCounter) Clone() CRDT {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &PNCounter{
		positive: p.positive.Clone().(*GCounter),
		negative: p.negative.Clone().(*GCounter),
	}
}

func (p *PNCounter) Serialize() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pos, err := p.positive.Serialize()
	if err != nil {
		return nil, err
	}
	neg, err := p.negative.Serialize()
	if err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		Positive json.RawMessage `json:"positive"`
		Negative json.RawMessage `json:"negative"`
	}{Positive: pos, Negative: neg})
}

func (p *PNCounter) Deserialize(data []byte) error {
	var wire struct {
		Positive json.RawMessage `json:"positive"`
		Negative json.RawMessage `json:"negative"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.positive.Deserialize(wire.Positive); err != nil {
		return err
	}
	return p.negative.Deserialize(wire.Negative)
}
