package pivstore_test

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pivstore/pivstore"
	"github.com/pivstore/pivstore/device"
)

func newFormattedStore(t *testing.T, objectCount, objectSize int, keySlot uint8, keySlots []int) (*pivstore.PivStore, *device.Emulator) {
	t.Helper()

	emu, err := device.NewEmulator(device.EmulatorOptions{
		ObjectCount: objectCount,
		ObjectSize:  objectSize,
		KeySlots:    keySlots,
	})
	require.NoError(t, err)

	store := pivstore.New(emu)
	require.NoError(t, store.Format(pivstore.FormatOptions{
		ObjectCount:       objectCount,
		ObjectSize:        objectSize,
		EncryptionKeySlot: keySlot,
	}, "admin"))

	return store, emu
}

// Basic unencrypted round trip.
func TestScenarioBasicRoundTrip(t *testing.T) {
	store, _ := newFormattedStore(t, 12, 3052, 0x9e, nil)

	require.NoError(t, store.Store("hello", []byte("Hello, world!\n"), pivstore.StoreOptions{}, "admin"))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "hello", list[0].Name)
	require.False(t, list[0].Encrypted)
	require.Equal(t, 1, list[0].ChunkCount)
	require.EqualValues(t, 14, list[0].Size)

	got, err := store.Fetch("hello", "")
	require.NoError(t, err)
	require.Equal(t, []byte("Hello, world!\n"), got)
}

// A payload spanning multiple chunks.
func TestScenarioMultiChunkBlob(t *testing.T) {
	store, _ := newFormattedStore(t, 12, 3052, 0x9e, nil)

	payload := make([]byte, 20000)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, store.Store("big", payload, pivstore.StoreOptions{}, "admin"))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.EqualValues(t, 20000, list[0].Size)
	require.Greater(t, list[0].ChunkCount, 1)

	got, err := store.Fetch("big", "")
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got))
}

// Replace keeps the highest-age (newest) entry.
func TestScenarioReplaceSameName(t *testing.T) {
	store, _ := newFormattedStore(t, 12, 3052, 0x9e, nil)

	require.NoError(t, store.Store("x", []byte("hi"), pivstore.StoreOptions{}, "admin"))
	require.NoError(t, store.Store("x", []byte("bye"), pivstore.StoreOptions{}, "admin"))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.EqualValues(t, 3, list[0].Size)

	got, err := store.Fetch("x", "")
	require.NoError(t, err)
	require.Equal(t, []byte("bye"), got)
}

// Store-full then recovers after a remove.
func TestScenarioStoreFullThenRemove(t *testing.T) {
	store, _ := newFormattedStore(t, 12, 3052, 0x9e, nil)

	// Small enough that every blob fits in exactly one chunk, so 12 objects
	// hold exactly 12 blobs and the 13th is the one that overflows.
	blob := bytes.Repeat([]byte{0xAB}, 100)

	for i := 0; i < 12; i++ {
		name := string(rune('a' + i))
		require.NoError(t, store.Store(name, blob, pivstore.StoreOptions{}, "admin"))
	}

	err := store.Store("thirteenth", blob, pivstore.StoreOptions{}, "admin")
	require.ErrorIs(t, err, pivstore.ErrStoreFull)

	require.NoError(t, store.Remove("a", "admin"))
	require.NoError(t, store.Store("thirteenth", blob, pivstore.StoreOptions{}, "admin"))
}

// Encrypted round trip, wrong PIN surfaces PinError.
func TestScenarioEncryptedRoundTrip(t *testing.T) {
	store, _ := newFormattedStore(t, 12, 3052, 0x9e, []int{0x9e})

	require.NoError(t, store.Store("s", []byte("secret"), pivstore.StoreOptions{Encrypted: true}, "admin"))

	got, err := store.Fetch("s", "1234")
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got)

	_, err = store.Fetch("s", "wrong-pin")
	var pinErr *pivstore.PinError
	require.ErrorAs(t, err, &pinErr)
	require.Equal(t, 2, pinErr.Retries)
}

func TestFetchNotFound(t *testing.T) {
	store, _ := newFormattedStore(t, 4, 512, 0, nil)

	_, err := store.Fetch("nope", "")
	require.ErrorIs(t, err, pivstore.ErrNotFound)
}

func TestRemoveNotFound(t *testing.T) {
	store, _ := newFormattedStore(t, 4, 512, 0, nil)

	err := store.Remove("nope", "admin")
	require.ErrorIs(t, err, pivstore.ErrNotFound)
}

func TestOperationsBeforeFormatFail(t *testing.T) {
	emu, err := device.NewEmulator(device.EmulatorOptions{ObjectCount: 4, ObjectSize: 512})
	require.NoError(t, err)

	store := pivstore.New(emu)

	_, err = store.Fetch("x", "")
	require.ErrorIs(t, err, pivstore.ErrNotFormatted)
}

func TestStoreRejectsInvalidName(t *testing.T) {
	store, _ := newFormattedStore(t, 4, 512, 0, nil)

	err := store.Store("", []byte("x"), pivstore.StoreOptions{}, "admin")
	require.ErrorIs(t, err, pivstore.ErrInvalidName)
}

func TestFormatRejectsAdminMismatch(t *testing.T) {
	emu, err := device.NewEmulator(device.EmulatorOptions{ObjectCount: 4, ObjectSize: 512, AdminSecret: "secret"})
	require.NoError(t, err)

	store := pivstore.New(emu)

	err = store.Format(pivstore.FormatOptions{ObjectCount: 4, ObjectSize: 512}, "wrong")
	require.ErrorIs(t, err, pivstore.ErrAuthError)
}

// Interruption fuzz (abridged): repeatedly store/remove/list blobs against
// an emulator with a non-zero ejection probability; after every operation,
// reload and sanitize (via List) and assert that no two surviving heads
// share a name and that every entry reported by List is fetchable with
// exactly its listed size.
func TestScenarioInterruptionFuzz(t *testing.T) {
	const (
		objectCount = 8
		objectSize  = 512
	)

	rng := rand.New(rand.NewPCG(1, 2))

	emu, err := device.NewEmulator(device.EmulatorOptions{
		ObjectCount:          objectCount,
		ObjectSize:           objectSize,
		EjectionProbability:  0.03,
		Rand:                 rng,
	})
	require.NoError(t, err)

	store := pivstore.New(emu)
	require.NoError(t, store.Format(pivstore.FormatOptions{ObjectCount: objectCount, ObjectSize: objectSize}, "admin"))

	names := []string{"alpha", "beta", "gamma"}

	for i := 0; i < 500; i++ {
		name := names[rng.IntN(len(names))]

		switch rng.IntN(3) {
		case 0:
			payload := make([]byte, rng.IntN(900)+1)
			for j := range payload {
				payload[j] = byte(rng.IntN(256))
			}

			_ = store.Store(name, payload, pivstore.StoreOptions{}, "admin")
		case 1:
			_ = store.Remove(name, "admin")
		case 2:
			_, _ = store.List()
		}

		assertInvariants(t, store)
	}
}

func assertInvariants(t *testing.T, store *pivstore.PivStore) {
	t.Helper()

	list, err := store.List()
	if err != nil {
		// NotFormatted can't happen once formatted; any other error here
		// would itself be an invariant violation.
		require.NoError(t, err)
	}

	seen := map[string]bool{}

	for _, info := range list {
		require.Falsef(t, seen[info.Name], "duplicate surviving head for %q", info.Name)
		seen[info.Name] = true

		got, err := store.Fetch(info.Name, "")
		require.NoError(t, err)
		require.EqualValues(t, info.Size, len(got))
	}
}

func TestWrapDeviceIOErrorIsTemporary(t *testing.T) {
	err := &pivstore.DeviceIOError{Op: "read_object", Err: errors.New("boom"), Fatal: false}
	require.True(t, err.Temporary())

	fatal := &pivstore.DeviceIOError{Op: "write_object", Err: errors.New("boom"), Fatal: true}
	require.False(t, fatal.Temporary())
}
