package pivstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestStore builds a bare in-memory Store for sanitizer unit tests,
// without going through a device at all.
func newTestStore(count, size int) *Store {
	s := &Store{
		objects:      make([]Object, count),
		dirty:        make([]bool, count),
		objectCount:  count,
		objectSize:   size,
		reserved:     make(map[int]struct{}),
	}

	for i := range s.objects {
		s.objects[i] = Object{Magic: StoreMagic, ObjectCount: uint8(count), ObjectSize: uint16(size)}
	}

	return s
}

func (s *Store) setHead(idx int, age uint32, next uint8, name string, blobSize uint32) {
	s.objects[idx] = Object{
		Magic: StoreMagic, ObjectCount: uint8(s.objectCount), ObjectSize: uint16(s.objectSize),
		ObjectAge: age, ChunkPos: 0, NextIndex: next,
		BlobName: name, BlobSize: blobSize, BlobUnencSize: blobSize,
	}
}

func (s *Store) setBody(idx int, age uint32, pos uint16, next uint8) {
	s.objects[idx] = Object{
		Magic: StoreMagic, ObjectCount: uint8(s.objectCount), ObjectSize: uint16(s.objectSize),
		ObjectAge: age, ChunkPos: pos, NextIndex: next,
	}
}

func TestSanitizeKeepsValidChain(t *testing.T) {
	s := newTestStore(4, 512)
	s.setHead(0, 1, 1, "a", 5)
	s.setBody(1, 2, 1, 1) // terminal: next points to itself

	s.Sanitize()

	require.False(t, s.objects[0].IsEmpty())
	require.False(t, s.objects[1].IsEmpty())
	require.True(t, s.objects[2].IsEmpty())
	require.True(t, s.objects[3].IsEmpty())
}

func TestSanitizeResetsBrokenAgeSequence(t *testing.T) {
	s := newTestStore(4, 512)
	s.setHead(0, 1, 1, "a", 5)
	s.setBody(1, 9, 1, 1) // age should be 2, not 9

	s.Sanitize()

	require.True(t, s.objects[0].IsEmpty())
	// object 1 is left untouched by head 0's walk (it failed the check
	// before accepting it); it remains non-empty but unreachable, so
	// orphan collection (phase C) resets it too, since its own
	// chunk_pos != 0 so it is not itself a head candidate.
	require.True(t, s.objects[1].IsEmpty())
}

func TestSanitizeResetsOutOfRangeNext(t *testing.T) {
	s := newTestStore(4, 512)
	s.setHead(0, 1, 200, "a", 5) // next out of range

	s.Sanitize()

	require.True(t, s.objects[0].IsEmpty())
}

func TestSanitizeResetsCycle(t *testing.T) {
	s := newTestStore(4, 512)
	s.setHead(0, 1, 1, "a", 5)
	s.setBody(1, 2, 1, 0) // points back to head: cycle

	s.Sanitize()

	require.True(t, s.objects[0].IsEmpty())
	require.True(t, s.objects[1].IsEmpty())
}

func TestSanitizeDuplicateNamesKeepsHighestAge(t *testing.T) {
	s := newTestStore(4, 512)
	s.setHead(0, 1, 0, "dup", 5)
	s.setHead(1, 5, 1, "dup", 6)

	s.Sanitize()

	require.True(t, s.objects[0].IsEmpty())
	require.False(t, s.objects[1].IsEmpty())
	require.Equal(t, "dup", s.objects[1].BlobName)
}

func TestSanitizeCollectsOrphan(t *testing.T) {
	s := newTestStore(4, 512)
	s.setBody(2, 5, 0, 2) // chunk_pos 0 makes it a head candidate with no name -> nothing special; use pos 1 instead
	s.objects[2] = Object{Magic: StoreMagic, ObjectCount: 4, ObjectSize: 512, ObjectAge: 5, ChunkPos: 1, NextIndex: 2}

	s.Sanitize()

	require.True(t, s.objects[2].IsEmpty())
}

func TestSanitizeIdempotent(t *testing.T) {
	s := newTestStore(6, 512)
	s.setHead(0, 1, 1, "a", 5)
	s.setBody(1, 2, 1, 1)
	s.setHead(3, 9, 100, "broken", 1) // invalid next

	s.Sanitize()
	snapshot := make([]Object, len(s.objects))
	copy(snapshot, s.objects)

	s.Sanitize()

	require.Equal(t, snapshot, s.objects)
}
