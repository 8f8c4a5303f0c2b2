package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
)

func incOp(nodeID consensus.NodeID) Operation {
	return Operation{Type: IncrementOperation, NodeID: nodeID, Timestamp: time.Now()}
}

func TestGCounter_ConvergesAfterPairwiseMerge(t *testing.T) {
	r1 := NewGCounter("r1")
	r2 := NewGCounter("r2")
	r3 := NewGCounter("r3")

	for i := 0; i < 3; i++ {
		require.NoError(t, r1.Update(incOp("r1")))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, r2.Update(incOp("r2")))
	}
	require.NoError(t, r3.Update(incOp("r3")))

	require.NoError(t, r1.Merge(r2))
	require.NoError(t, r1.Merge(r3))
	require.NoError(t, r2.Merge(r1))
	require.NoError(t, r3.Merge(r1))

	assert.EqualValues(t, 9, r1.Value())
	assert.EqualValues(t, 9, r2.Value())
	assert.EqualValues(t, 9, r3.Value())
}

func TestGCounter_MergeIsCommutativeAssociativeIdempotent(t *testing.T) {
	x := NewGCounter("x")
	require.NoError(t, x.Update(incOp("x")))
	y := NewGCounter("y")
	require.NoError(t, y.Update(incOp("y")))
	require.NoError(t, y.Update(incOp("y")))
	z := NewGCounter("z")
	require.NoError(t, z.Update(incOp("z")))

	xy := x.Clone().(*GCounter)
	require.NoError(t, xy.Merge(y))
	yx := y.Clone().(*GCounter)
	require.NoError(t, yx.Merge(x))
	assert.Equal(t, xy.Value(), yx.Value(), "merge(x,y) == merge(y,x)")

	left := x.Clone().(*GCounter)
	require.NoError(t, left.Merge(y))
	require.NoError(t, left.Merge(z))

	right := y.Clone().(*GCounter)
	require.NoError(t, right.Merge(z))
	xRight := x.Clone().(*GCounter)
	require.NoError(t, xRight.Merge(right))
	assert.Equal(t, left.Value(), xRight.Value(), "merge(merge(x,y),z) == merge(x,merge(y,z))")

	idempotent := x.Clone().(*GCounter)
	require.NoError(t, idempotent.Merge(x))
	assert.Equal(t, x.Value(), idempotent.Value(), "merge(x,x) == x")
}

func TestPNCounter_IncrementDecrement(t *testing.T) {
	c := NewPNCounter("node-1")
	require.NoError(t, c.Update(Operation{Type: IncrementOperation, NodeID: "node-1"}))
	require.NoError(t, c.Update(Operation{Type: IncrementOperation, NodeID: "node-1"}))
	require.NoError(t, c.Update(Operation{Type: DecrementOperation, NodeID: "node-1"}))
	assert.EqualValues(t, 1, c.State())
}

func TestPNCounter_Merge(t *testing.T) {
	a := NewPNCounter("a")
	require.NoError(t, a.Update(Operation{Type: IncrementOperation, NodeID: "a"}))
	require.NoError(t, a.Update(Operation{Type: IncrementOperation, NodeID: "a"}))

	b := NewPNCounter("b")
	require.NoError(t, b.Update(Operation{Type: DecrementOperation, NodeID: "b"}))

	require.NoError(t, a.Merge(b))
	assert.EqualValues(t, 1, a.State())
}

func TestORSet_AddRemoveSurvivesConcurrentAdd(t *testing.T) {
	r1 := NewORSet("r1")
	r2 := NewORSet("r2")

	require.NoError(t, r1.Update(Operation{Type: AddOperation, Value: "x"}))

	// r2 observes r1's state, then removes x.
	require.NoError(t, r2.Merge(r1))
	require.NoError(t, r2.Update(Operation{Type: RemoveOperation, Value: "x"}))

	// r1 concurrently adds x again under a fresh tag, unseen by r2's remove.
	require.NoError(t, r1.Update(Operation{Type: AddOperation, Value: "x"}))

	require.NoError(t, r1.Merge(r2))
	require.NoError(t, r2.Merge(r1))

	assert.True(t, r1.Contains("x"), "the second add's tag was never observed by the remove")
	assert.True(t, r2.Contains("x"))
}

func TestORSet_MergeIsCommutative(t *testing.T) {
	a := NewORSet("a")
	require.NoError(t, a.Update(Operation{Type: AddOperation, Value: "apple"}))
	require.NoError(t, a.Update(Operation{Type: AddOperation, Value: "banana"}))

	b := NewORSet("b")
	require.NoError(t, b.Update(Operation{Type: AddOperation, Value: "banana"}))
	require.NoError(t, b.Update(Operation{Type: AddOperation, Value: "cherry"}))

	ab := a.Clone().(*ORSet)
	require.NoError(t, ab.Merge(b))
	ba := b.Clone().(*ORSet)
	require.NoError(t, ba.Merge(a))

	assert.ElementsMatch(t, ab.State(), ba.State())
	assert.ElementsMatch(t, []string{"apple", "banana", "cherry"}, ab.State())
}

func TestLWWMap_LaterWriteWins(t *testing.T) {
	m1 := NewLWWMap("node-1")
	require.NoError(t, m1.Update(Operation{Type: SetOperation, Key: "k", Value: "from-1"}))

	time.Sleep(2 * time.Millisecond)

	m2 := NewLWWMap("node-2")
	require.NoError(t, m2.Update(Operation{Type: SetOperation, Key: "k", Value: "from-2"}))

	require.NoError(t, m1.Merge(m2))
	v, ok := m1.Get("k")
	require.True(t, ok)
	assert.Equal(t, "from-2", v)
}

func TestLWWMap_TieBreaksDeterministicallyOnNodeHash(t *testing.T) {
	m1 := NewLWWMap("node-a")
	m2 := NewLWWMap("node-b")

	tag := lwwTag{TimeMillis: 1000}
	m1.entries["k"] = lwwEntry{Value: "from-a", Tag: lwwTag{TimeMillis: tag.TimeMillis, NodeHash: hashNodeID("node-a")}}
	m2.entries["k"] = lwwEntry{Value: "from-b", Tag: lwwTag{TimeMillis: tag.TimeMillis, NodeHash: hashNodeID("node-b")}}

	forward := m1.Clone().(*LWWMap)
	require.NoError(t, forward.Merge(m2))
	backward := m2.Clone().(*LWWMap)
	require.NoError(t, backward.Merge(m1))

	fv, _ := forward.Get("k")
	bv, _ := backward.Get("k")
	assert.Equal(t, fv, bv, "both replicas must resolve an identical-time tie the same way")
}

func TestVectorClock_CompareDetectsConcurrency(t *testing.T) {
	a := NewVectorClock("a")
	a.Increment() // a: {a:1}

	b := a.Clone()
	b.nodeID = "b"
	b.Increment() // b: {a:1, b:1}

	assert.Equal(t, Before, a.Compare(b))
	assert.Equal(t, After, b.Compare(a))

	a.Increment() // a: {a:2}
	assert.Equal(t, Concurrent, a.Compare(b), "a advanced its own slot past what b has observed, while b advanced past what a has observed")
}

func TestVectorClock_MergeIsPointwiseMax(t *testing.T) {
	a := NewVectorClock("a")
	a.clocks["x"] = 1
	a.clocks["y"] = 5

	b := NewVectorClock("b")
	b.clocks["x"] = 3
	b.clocks["y"] = 2

	a.Merge(b)
	snap := a.Snapshot()
	assert.EqualValues(t, 3, snap["x"])
	assert.EqualValues(t, 5, snap["y"])
}
