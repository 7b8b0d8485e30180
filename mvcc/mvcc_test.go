package mvcc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonedb/stonekv"
)

func newTestMVCC() *MVCC {
	return New(stonekv.NewMemory())
}

func TestMVCCReadWriteCommitVisibleAfterwards(t *testing.T) {
	m := newTestMVCC()

	txn, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("x"), []byte("1")))
	require.NoError(t, txn.Commit())

	read, err := m.Begin(Mode{Kind: ReadOnly})
	require.NoError(t, err)
	v, err := read.Get([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

// Scenario: T1=begin(RW); T1.set("x","1"); T1.commit();
// T2=begin(RW); T3=begin(RW); T3.set("x","3"); T3.commit(); T2.get("x")=Some("1")
func TestMVCCSnapshotIsolation(t *testing.T) {
	m := newTestMVCC()

	t1, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	require.NoError(t, t1.Set([]byte("x"), []byte("1")))
	require.NoError(t, t1.Commit())

	t2, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	t3, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)

	require.NoError(t, t3.Set([]byte("x"), []byte("3")))
	require.NoError(t, t3.Commit())

	v, err := t2.Get([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

// Scenario: T1=begin(RW); T2=begin(RW); T1.set("x","a"); T2.set("x","b") ->
// the second set fails with Serialization.
func TestMVCCDirtyWriteConflict(t *testing.T) {
	m := newTestMVCC()

	t1, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	t2, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)

	require.NoError(t, t1.Set([]byte("x"), []byte("a")))
	err = t2.Set([]byte("x"), []byte("b"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, stonekv.ErrSerialization))
}

func TestMVCCOwnWriteIsVisibleToSelf(t *testing.T) {
	m := newTestMVCC()
	txn, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)

	require.NoError(t, txn.Set([]byte("x"), []byte("a")))
	require.NoError(t, txn.Set([]byte("x"), []byte("b")))

	v, err := txn.Get([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), v)
}

func TestMVCCDeleteIsTombstoneUntilOverwritten(t *testing.T) {
	m := newTestMVCC()

	txn, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("x"), []byte("1")))
	require.NoError(t, txn.Commit())

	txn2, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	require.NoError(t, txn2.Delete([]byte("x")))
	v, err := txn2.Get([]byte("x"))
	require.NoError(t, err)
	assert.Nil(t, v)
	require.NoError(t, txn2.Commit())

	txn3, err := m.Begin(Mode{Kind: ReadOnly})
	require.NoError(t, err)
	v, err = txn3.Get([]byte("x"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMVCCReadOnlyTransactionRejectsWrites(t *testing.T) {
	m := newTestMVCC()
	txn, err := m.Begin(Mode{Kind: ReadOnly})
	require.NoError(t, err)
	err = txn.Set([]byte("x"), []byte("1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, stonekv.ErrInvalid))
}

func TestMVCCRollbackDiscardsWrites(t *testing.T) {
	m := newTestMVCC()

	txn, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("x"), []byte("1")))
	require.NoError(t, txn.Rollback())

	txn2, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	v, err := txn2.Get([]byte("x"))
	require.NoError(t, err)
	assert.Nil(t, v)
	require.NoError(t, txn2.Set([]byte("x"), []byte("2")))
	require.NoError(t, txn2.Commit())
}

func TestMVCCResumeMatchesOriginalSnapshot(t *testing.T) {
	m := newTestMVCC()

	setup, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	require.NoError(t, setup.Set([]byte("x"), []byte("1")))
	require.NoError(t, setup.Commit())

	txn, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	id := txn.ID()

	resumed, err := m.Resume(id)
	require.NoError(t, err)
	assert.Equal(t, txn.Mode(), resumed.Mode())
	v, err := resumed.Get([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestMVCCSnapshotModeReusesPersistedSnapshot(t *testing.T) {
	m := newTestMVCC()

	t1, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	require.NoError(t, t1.Set([]byte("x"), []byte("1")))
	require.NoError(t, t1.Commit())

	t2, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	version := t2.ID()

	t3, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	require.NoError(t, t3.Set([]byte("x"), []byte("3")))
	require.NoError(t, t3.Commit())

	snap, err := m.Begin(Mode{Kind: SnapshotMode, Version: version})
	require.NoError(t, err)
	v, err := snap.Get([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestMVCCScanReturnsLatestVisibleNonTombstonePerKey(t *testing.T) {
	m := newTestMVCC()

	txn, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("a"), []byte("1")))
	require.NoError(t, txn.Set([]byte("b"), []byte("2")))
	require.NoError(t, txn.Set([]byte("c"), []byte("3")))
	require.NoError(t, txn.Commit())

	txn2, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	require.NoError(t, txn2.Set([]byte("b"), []byte("2b")))
	require.NoError(t, txn2.Delete([]byte("c")))
	require.NoError(t, txn2.Commit())

	read, err := m.Begin(Mode{Kind: ReadOnly})
	require.NoError(t, err)
	it := read.Scan(stonekv.Range{Start: stonekv.UnboundedBound(), End: stonekv.UnboundedBound()})
	defer it.Close()

	var keys, values []string
	for {
		k, v, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, string(k))
		values = append(values, string(v))
	}
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, []string{"1", "2b"}, values)
}

func TestMVCCScanPrefix(t *testing.T) {
	m := newTestMVCC()

	txn, err := m.Begin(Mode{Kind: ReadWrite})
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("user:1"), []byte("a")))
	require.NoError(t, txn.Set([]byte("user:2"), []byte("b")))
	require.NoError(t, txn.Set([]byte("order:1"), []byte("c")))
	require.NoError(t, txn.Commit())

	read, err := m.Begin(Mode{Kind: ReadOnly})
	require.NoError(t, err)
	it, err := read.ScanPrefix([]byte("user:"))
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for {
		k, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, string(k))
	}
	assert.Equal(t, []string{"user:1", "user:2"}, keys)
}

func TestMVCCScanPrefixRejectsEmptyAndAllFF(t *testing.T) {
	m := newTestMVCC()
	read, err := m.Begin(Mode{Kind: ReadOnly})
	require.NoError(t, err)

	_, err = read.ScanPrefix(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, stonekv.ErrInvalid))

	_, err = read.ScanPrefix([]byte{0xFF, 0xFF})
	require.Error(t, err)
	assert.True(t, errors.Is(err, stonekv.ErrInvalid))
}

func TestModeSatisfies(t *testing.T) {
	assert.True(t, Mode{Kind: ReadWrite}.Satisfies(Mode{Kind: ReadOnly}))
	assert.True(t, Mode{Kind: SnapshotMode, Version: 5}.Satisfies(Mode{Kind: ReadOnly}))
	assert.True(t, Mode{Kind: ReadOnly}.Satisfies(Mode{Kind: ReadOnly}))
	assert.False(t, Mode{Kind: ReadOnly}.Satisfies(Mode{Kind: ReadWrite}))
}
