package raftlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonedb/stonekv"
)

func TestLogAppendCommitTruncate(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	assert.EqualValues(t, 0, l.Size())

	_, err = l.Append([]byte("A"))
	require.NoError(t, err)
	_, err = l.Append([]byte("B"))
	require.NoError(t, err)
	_, err = l.Append([]byte("C"))
	require.NoError(t, err)

	assert.EqualValues(t, 0, l.Size())

	require.NoError(t, l.Commit(2))
	// Two length-prefixed one-byte entries: offset 4 (past "A"'s 4-byte
	// length prefix) + size 1, then offset 9 (past "B"'s prefix) + size 1.
	assert.EqualValues(t, 10, l.Size())

	_, err = l.Truncate(2)
	require.NoError(t, err)

	assert.EqualValues(t, 2, l.Len())
	assert.EqualValues(t, 2, l.Committed())
	assert.EqualValues(t, 10, l.Size())

	v, err := l.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), v)

	v, err = l.Get(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), v)

	v, err = l.Get(3)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestLogCommitNoopAndErrors(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	_, _ = l.Append([]byte("A"))
	require.NoError(t, l.Commit(1))
	require.NoError(t, l.Commit(1)) // no-op: upTo == committed()

	err = l.Commit(5)
	assert.ErrorIs(t, err, stonekv.ErrInvalid)

	_, _ = l.Append([]byte("B"))
	require.NoError(t, l.Commit(2))
	err = l.Commit(1)
	assert.ErrorIs(t, err, stonekv.ErrInvalid)

	_, err = l.Truncate(1)
	assert.ErrorIs(t, err, stonekv.ErrInvalid)
}

func TestLogReopenPreservesCommittedLosesUncommitted(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	_, _ = l.Append([]byte("A"))
	_, _ = l.Append([]byte("B"))
	require.NoError(t, l.Commit(1))
	_, _ = l.Append([]byte("C")) // stays uncommitted
	require.NoError(t, l.Close())

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()

	assert.EqualValues(t, 1, l2.Committed())
	assert.EqualValues(t, 1, l2.Len())
	v, err := l2.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), v)
}

func TestLogScanMatchesGet(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	for _, e := range []string{"A", "B", "C", "D", "E"} {
		_, _ = l.Append([]byte(e))
	}
	require.NoError(t, l.Commit(3))

	s := l.Scan(Range{Start: Bound{Kind: stonekv.Unbounded}, End: Bound{Kind: stonekv.Unbounded}})
	var got []string
	for {
		v, ok, err := s.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(v))
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, got)

	s = l.Scan(Range{Start: Bound{Kind: stonekv.Excluded, Value: 0}, End: Bound{Kind: stonekv.Included, Value: 2}})
	got = nil
	for {
		v, ok, err := s.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(v))
	}
	assert.Equal(t, []string{"A", "B"}, got)
}

func TestLogMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, l.SetMetadata("term", []byte{0, 0, 0, 7}))
	v, ok := l.GetMetadata("term")
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0, 7}, v)
	require.NoError(t, l.Close())

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()
	v, ok = l2.GetMetadata("term")
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0, 7}, v)
}
