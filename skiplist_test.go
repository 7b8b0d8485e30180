package stonekv

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSkiplist() *Skiplist {
	return NewSkiplist(BytewiseComparator{}, NewBlockArena())
}

func TestSkiplistInsertGetDelete(t *testing.T) {
	s := newTestSkiplist()
	require.Nil(t, s.Get([]byte("a")))

	s.Insert([]byte("b"), []byte("2"))
	s.Insert([]byte("a"), []byte("1"))
	s.Insert([]byte("c"), []byte("3"))
	require.EqualValues(t, 3, s.Count())

	n := s.Get([]byte("a"))
	require.NotNil(t, n)
	assert.Equal(t, []byte("1"), n.Value())

	s.Delete([]byte("b"))
	assert.Nil(t, s.Get([]byte("b")))
	require.EqualValues(t, 2, s.Count())

	s.Delete([]byte("does-not-exist"))
	require.EqualValues(t, 2, s.Count())
}

func TestSkiplistDuplicateKeyOverwritesInPlace(t *testing.T) {
	s := newTestSkiplist()
	s.Insert([]byte("k"), []byte("v1"))
	require.EqualValues(t, 1, s.Count())
	s.Insert([]byte("k"), []byte("v2"))
	require.EqualValues(t, 1, s.Count())
	assert.Equal(t, []byte("v2"), s.Get([]byte("k")).Value())
}

func TestSkiplistOrderedTraversal(t *testing.T) {
	s := newTestSkiplist()
	keys := []string{"m", "a", "z", "c", "b", "y", "q"}
	for _, k := range keys {
		s.Insert([]byte(k), []byte(k))
	}

	var forward []string
	for n := s.GetFirst(); n != nil; n = n.Next() {
		forward = append(forward, string(n.Key()))
	}
	assert.Equal(t, []string{"a", "b", "c", "m", "q", "y", "z"}, forward)

	var backward []string
	for n := s.GetLast(); n != nil; n = n.Prev() {
		backward = append(backward, string(n.Key()))
	}
	assert.Equal(t, []string{"z", "y", "q", "m", "c", "b", "a"}, backward)
}

func TestSkiplistPositioningPrimitives(t *testing.T) {
	s := newTestSkiplist()
	for _, k := range []byte{10, 20, 30, 40} {
		s.Insert([]byte{k}, []byte{k})
	}

	assert.Equal(t, []byte{10}, s.GreaterOrEqual([]byte{10}).Key())
	assert.Equal(t, []byte{20}, s.GreaterOrEqual([]byte{15}).Key())
	assert.Nil(t, s.GreaterOrEqual([]byte{41}))

	assert.Equal(t, []byte{20}, s.FirstGreater([]byte{10}).Key())
	assert.Equal(t, []byte{10}, s.FirstGreater([]byte{5}).Key())
	assert.Nil(t, s.FirstGreater([]byte{40}))

	assert.Equal(t, []byte{10}, s.LessOrEqual([]byte{10}).Key())
	assert.Equal(t, []byte{10}, s.LessOrEqual([]byte{15}).Key())
	assert.Nil(t, s.LessOrEqual([]byte{5}))

	assert.Equal(t, []byte{10}, s.FirstLess([]byte{20}).Key())
	assert.Nil(t, s.FirstLess([]byte{10}))
}

func TestSkiplistRandomizedOrderingInvariant(t *testing.T) {
	s := newTestSkiplist()
	r := rand.New(rand.NewSource(1))
	live := map[int]bool{}
	for i := 0; i < 2000; i++ {
		k := r.Intn(500)
		key := []byte(fmt.Sprintf("%05d", k))
		if r.Intn(3) == 0 && live[k] {
			s.Delete(key)
			delete(live, k)
		} else {
			s.Insert(key, key)
			live[k] = true
		}
	}
	require.EqualValues(t, len(live), s.Count())

	var prev *Node
	n := s.GetFirst()
	count := 0
	for n != nil {
		if prev != nil {
			require.Negative(t, BytewiseComparator{}.Compare(prev.Key(), n.Key()))
		}
		count++
		prev = n
		n = n.Next()
	}
	assert.Equal(t, len(live), count)

	prev = nil
	n = s.GetLast()
	count = 0
	for n != nil {
		if prev != nil {
			require.Positive(t, BytewiseComparator{}.Compare(prev.Key(), n.Key()))
		}
		count++
		prev = n
		n = n.Prev()
	}
	assert.Equal(t, len(live), count)

	for k := range live {
		key := []byte(fmt.Sprintf("%05d", k))
		require.NotNil(t, s.Get(key))
	}
}
