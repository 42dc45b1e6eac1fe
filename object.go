package pivstore

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// StoreMagic is the constant every object's common header must carry.
const StoreMagic uint32 = 0xF2ED5F0B

// Byte offsets within an encoded object. Offsets below offChunkPos form
// the common header present in every object; offsets at and after
// offChunkPos only apply when ObjectAge != 0; offsets at and after
// offBlobMTime only apply to head chunks (ObjectAge != 0 && ChunkPos == 0).
const (
	offMagic              = 0
	offObjectCount        = 4
	offObjectSize         = 5
	offStoreEncKeySlot    = 7
	offStoreAge           = 8
	offObjectAge          = 12
	commonHeaderSize      = 16
	offChunkPos           = commonHeaderSize
	offNextIndex          = offChunkPos + 2
	chunkHeaderSize       = commonHeaderSize + 3 // == H_body
	offBlobMTime          = chunkHeaderSize
	offBlobSize           = offBlobMTime + 8
	offBlobEncKeySlot     = offBlobSize + 4
	offBlobUnencSize      = offBlobEncKeySlot + 1
	offBlobNameLen        = offBlobUnencSize + 4
	offBlobName           = offBlobNameLen + 1
	headFixedExtraSize    = offBlobName - chunkHeaderSize // == 18
	maxBlobNameLen        = 255
)

// HBody is the fixed per-chunk overhead for a body chunk.
const HBody = chunkHeaderSize

// HHead returns the fixed overhead for a head chunk carrying the given
// blob name: H_head(name) = H_body + 18 + len(name).
func HHead(name string) int {
	return HBody + headFixedExtraSize + len(name)
}

// Object is the decoded form of one PIV data object slot. Head vs body vs
// empty is a tagged variant over ObjectAge/ChunkPos, not an inheritance
// hierarchy: callers branch with IsEmpty/IsHead.
type Object struct {
	// Common header, present in every object (empty or not).
	Magic                  uint32
	ObjectCount            uint8
	ObjectSize             uint16
	StoreEncryptionKeySlot uint8
	StoreAge               uint32
	ObjectAge              uint32 // 0 means empty

	// Chunk fields, meaningful only when ObjectAge != 0.
	ChunkPos  uint16
	NextIndex uint8

	// Head-only fields, meaningful only when IsHead().
	BlobModTime    int64 // seconds since the Unix epoch
	BlobSize       uint32
	BlobEncKeySlot uint8
	BlobUnencSize  uint32
	BlobName       string

	// Payload holds this chunk's contribution to the blob, sized to
	// whatever capacity remained in the object after the header. It is
	// not trimmed here; callers consult BlobSize/chunk position to know
	// how many trailing bytes across the whole chain are meaningful.
	Payload []byte
}

// IsEmpty reports whether this slot is unused.
func (o *Object) IsEmpty() bool { return o.ObjectAge == 0 }

// IsHead reports whether this slot carries blob metadata, i.e. is chunk
// position 0 of a non-empty chain.
func (o *Object) IsHead() bool { return o.ObjectAge != 0 && o.ChunkPos == 0 }

// Encode serializes o into exactly objectSize bytes, validating that every
// field fits its declared on-wire width and padding the tail with zeros.
func (o *Object) Encode(objectSize int) ([]byte, error) {
	if objectSize <= 0 {
		return nil, fmt.Errorf("pivstore: object size must be positive, got %d", objectSize)
	}

	if objectSize > 0xFFFF {
		return nil, fmt.Errorf("pivstore: object size %d exceeds uint16 range", objectSize)
	}

	buf := make([]byte, objectSize)

	binary.LittleEndian.PutUint32(buf[offMagic:], o.Magic)
	buf[offObjectCount] = o.ObjectCount
	binary.LittleEndian.PutUint16(buf[offObjectSize:], uint16(objectSize))
	buf[offStoreEncKeySlot] = o.StoreEncryptionKeySlot
	binary.LittleEndian.PutUint32(buf[offStoreAge:], o.StoreAge)
	binary.LittleEndian.PutUint32(buf[offObjectAge:], o.ObjectAge)

	if o.ObjectAge == 0 {
		return buf, nil
	}

	if objectSize < chunkHeaderSize {
		return nil, fmt.Errorf("pivstore: object size %d too small for a chunk header", objectSize)
	}

	binary.LittleEndian.PutUint16(buf[offChunkPos:], o.ChunkPos)
	buf[offNextIndex] = o.NextIndex

	payloadStart := chunkHeaderSize

	if o.ChunkPos == 0 {
		if len(o.BlobName) == 0 || len(o.BlobName) > maxBlobNameLen {
			return nil, fmt.Errorf("%w: name length %d out of [1,255]", ErrInvalidName, len(o.BlobName))
		}

		if !utf8.ValidString(o.BlobName) {
			return nil, fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidName)
		}

		headSize := HHead(o.BlobName)
		if objectSize < headSize {
			return nil, fmt.Errorf("pivstore: object size %d too small for head with name length %d", objectSize, len(o.BlobName))
		}

		binary.LittleEndian.PutUint64(buf[offBlobMTime:], uint64(o.BlobModTime))
		binary.LittleEndian.PutUint32(buf[offBlobSize:], o.BlobSize)
		buf[offBlobEncKeySlot] = o.BlobEncKeySlot
		binary.LittleEndian.PutUint32(buf[offBlobUnencSize:], o.BlobUnencSize)
		buf[offBlobNameLen] = byte(len(o.BlobName))
		copy(buf[offBlobName:], o.BlobName)

		payloadStart = headSize
	}

	if len(o.Payload) > objectSize-payloadStart {
		return nil, fmt.Errorf("pivstore: payload of %d bytes exceeds capacity %d", len(o.Payload), objectSize-payloadStart)
	}

	copy(buf[payloadStart:], o.Payload)

	return buf, nil
}

// DecodeObject parses one object's raw bytes. It never validates
// cross-object agreement (magic/count/size/store-key-slot vs object 0);
// that is the Store's responsibility during load, since it requires
// comparing multiple slots.
func DecodeObject(raw []byte) (Object, error) {
	if len(raw) < commonHeaderSize {
		return Object{}, ErrObjectTooShort
	}

	var o Object
	o.Magic = binary.LittleEndian.Uint32(raw[offMagic:])
	o.ObjectCount = raw[offObjectCount]
	o.ObjectSize = binary.LittleEndian.Uint16(raw[offObjectSize:])
	o.StoreEncryptionKeySlot = raw[offStoreEncKeySlot]
	o.StoreAge = binary.LittleEndian.Uint32(raw[offStoreAge:])
	o.ObjectAge = binary.LittleEndian.Uint32(raw[offObjectAge:])

	if o.ObjectAge == 0 {
		return o, nil
	}

	if len(raw) < chunkHeaderSize {
		return Object{}, ErrObjectTooShort
	}

	o.ChunkPos = binary.LittleEndian.Uint16(raw[offChunkPos:])
	o.NextIndex = raw[offNextIndex]

	payloadStart := chunkHeaderSize

	if o.ChunkPos == 0 {
		if len(raw) < offBlobName {
			return Object{}, ErrObjectTooShort
		}

		nameLen := int(raw[offBlobNameLen])
		if nameLen == 0 {
			return Object{}, fmt.Errorf("%w: head has zero-length name", ErrCorruptHeader)
		}

		if len(raw) < offBlobName+nameLen {
			return Object{}, ErrObjectTooShort
		}

		name := string(raw[offBlobName : offBlobName+nameLen])
		if !utf8.ValidString(name) {
			return Object{}, fmt.Errorf("%w: blob name is not valid UTF-8", ErrCorruptHeader)
		}

		o.BlobModTime = int64(binary.LittleEndian.Uint64(raw[offBlobMTime:]))
		o.BlobSize = binary.LittleEndian.Uint32(raw[offBlobSize:])
		o.BlobEncKeySlot = raw[offBlobEncKeySlot]
		o.BlobUnencSize = binary.LittleEndian.Uint32(raw[offBlobUnencSize:])
		o.BlobName = name

		payloadStart = offBlobName + nameLen
	}

	o.Payload = append([]byte(nil), raw[payloadStart:]...)

	return o, nil
}
