package memstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
)

func TestStore_TermRoundTrip(t *testing.T) {
	s := New(Config{}, zaptest.NewLogger(t))

	term, err := s.LoadTerm()
	require.NoError(t, err)
	assert.Equal(t, consensus.Term(0), term, "unset term defaults to zero")

	require.NoError(t, s.SaveTerm(7))
	term, err = s.LoadTerm()
	require.NoError(t, err)
	assert.Equal(t, consensus.Term(7), term)
}

func TestStore_VoteRoundTrip(t *testing.T) {
	s := New(Config{}, zaptest.NewLogger(t))

	vote, err := s.LoadVote()
	require.NoError(t, err)
	assert.Empty(t, vote)

	require.NoError(t, s.SaveVote("node-2"))
	vote, err = s.LoadVote()
	require.NoError(t, err)
	assert.Equal(t, consensus.NodeID("node-2"), vote)
}

func TestStore_AppendAndLoadLog(t *testing.T) {
	s := New(Config{}, zaptest.NewLogger(t))

	entries := []*consensus.LogEntry{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
		{Index: 3, Term: 2, Data: []byte("c")},
	}
	require.NoError(t, s.AppendLog(entries))

	loaded, err := s.LoadLog(1, 3)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, []byte("a"), loaded[0].Data)
	assert.Equal(t, []byte("c"), loaded[2].Data)

	last, err := s.LastLogIndex()
	require.NoError(t, err)
	assert.Equal(t, consensus.LogIndex(3), last)
}

func TestStore_TruncateLogFrom(t *testing.T) {
	s := New(Config{}, zaptest.NewLogger(t))

	require.NoError(t, s.AppendLog([]*consensus.LogEntry{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
		{Index: 3, Term: 1, Data: []byte("c")},
	}))

	require.NoError(t, s.TruncateLogFrom(2))

	loaded, err := s.LoadLog(1, 3)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, consensus.LogIndex(1), loaded[0].Index)
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	s := New(Config{}, zaptest.NewLogger(t))

	data, idx, term, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, consensus.LogIndex(0), idx)
	assert.Equal(t, consensus.Term(0), term)

	require.NoError(t, s.SaveSnapshot([]byte("snap"), 5, 2))

	data, idx, term, err = s.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, []byte("snap"), data)
	assert.Equal(t, consensus.LogIndex(5), idx)
	assert.Equal(t, consensus.Term(2), term)
}

func TestStore_PersistsAndReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	s := New(Config{BasePath: dir}, logger)
	require.NoError(t, s.SaveTerm(4))
	require.NoError(t, s.AppendLog([]*consensus.LogEntry{{Index: 1, Term: 4, Data: []byte("x")}}))

	assert.FileExists(t, filepath.Join(dir, "state.json"))

	reopened := New(Config{BasePath: dir}, logger)
	term, err := reopened.LoadTerm()
	require.NoError(t, err)
	assert.Equal(t, consensus.Term(4), term)

	loaded, err := reopened.LoadLog(1, 1)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, []byte("x"), loaded[0].Data)
}
