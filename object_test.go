package pivstore

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestObjectRoundTripEmpty(t *testing.T) {
	o := Object{Magic: StoreMagic, ObjectCount: 12, StoreEncryptionKeySlot: 0x9e, StoreAge: 7}

	buf, err := o.Encode(3052)
	require.NoError(t, err)
	require.Len(t, buf, 3052)

	got, err := DecodeObject(buf)
	require.NoError(t, err)
	require.True(t, got.IsEmpty())

	o.ObjectSize = 3052
	if diff := cmp.Diff(o, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestObjectRoundTripHead(t *testing.T) {
	o := Object{
		Magic:                  StoreMagic,
		ObjectCount:            12,
		StoreEncryptionKeySlot: 0x9e,
		StoreAge:               3,
		ObjectAge:              3,
		ChunkPos:               0,
		NextIndex:              5,
		BlobModTime:            1234567890,
		BlobSize:               14,
		BlobEncKeySlot:         0,
		BlobUnencSize:          14,
		BlobName:               "hello",
		Payload:                []byte("Hello, world!\n"),
	}

	buf, err := o.Encode(3052)
	require.NoError(t, err)

	got, err := DecodeObject(buf)
	require.NoError(t, err)
	require.True(t, got.IsHead())
	require.Equal(t, "hello", got.BlobName)
	require.Equal(t, uint32(14), got.BlobSize)

	// Payload is padded to object capacity; only the first len(Payload)
	// bytes are meaningful per BlobSize.
	require.Equal(t, o.Payload, got.Payload[:len(o.Payload)])
	for _, b := range got.Payload[len(o.Payload):] {
		require.Zero(t, b)
	}
}

func TestObjectRoundTripBody(t *testing.T) {
	o := Object{
		Magic:                  StoreMagic,
		ObjectCount:            12,
		StoreEncryptionKeySlot: 0,
		StoreAge:               9,
		ObjectAge:              9,
		ChunkPos:               2,
		NextIndex:              3,
		Payload:                []byte("body bytes"),
	}

	buf, err := o.Encode(512)
	require.NoError(t, err)

	got, err := DecodeObject(buf)
	require.NoError(t, err)
	require.False(t, got.IsHead())
	require.Equal(t, uint16(2), got.ChunkPos)
	require.Equal(t, o.Payload, got.Payload[:len(o.Payload)])
}

func TestObjectTooShort(t *testing.T) {
	_, err := DecodeObject(make([]byte, 4))
	require.ErrorIs(t, err, ErrObjectTooShort)
}

func TestEncodeRejectsInvalidName(t *testing.T) {
	o := Object{Magic: StoreMagic, ObjectAge: 1, ChunkPos: 0, BlobName: ""}
	_, err := o.Encode(512)
	require.ErrorIs(t, err, ErrInvalidName)

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}

	o2 := Object{Magic: StoreMagic, ObjectAge: 1, ChunkPos: 0, BlobName: string(long)}
	_, err = o2.Encode(4096)
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestDecodeRejectsZeroLengthName(t *testing.T) {
	o := Object{Magic: StoreMagic, ObjectAge: 1, ChunkPos: 0, BlobName: "x"}
	buf, err := o.Encode(512)
	require.NoError(t, err)

	// Corrupt the encoded name length to zero.
	buf[offBlobNameLen] = 0

	_, err = DecodeObject(buf)
	require.ErrorIs(t, err, ErrCorruptHeader)
}

func TestHHeadMatchesBodyPlusOverhead(t *testing.T) {
	require.Equal(t, HBody+18+len("hello"), HHead("hello"))
}
