package pivstore

import (
	"fmt"
	"unicode/utf8"
)

// BlobInfo describes one blob as reported by List.
type BlobInfo struct {
	Name          string
	Encrypted     bool
	ChunkCount    int
	Size          int64
	ModifiedAtUTC int64 // seconds since the Unix epoch
}

// validateName checks the blob-name constraints common to Store/Fetch/Remove.
func validateName(name string) error {
	if len(name) == 0 || len(name) > maxBlobNameLen {
		return fmt.Errorf("%w: length %d out of [1,255]", ErrInvalidName, len(name))
	}

	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}

	return nil
}

// findHead returns the index of the head chunk named name, after Sanitize
// has already run, or -1 if none exists.
func (s *Store) findHead(name string) int {
	for i := 0; i < s.objectCount; i++ {
		obj := s.objects[i]
		if obj.IsHead() && obj.BlobName == name {
			return i
		}
	}

	return -1
}

// chainFrom walks a validated chain starting at head, returning member
// indices in order. Callers must have already run Sanitize so the chain is
// known-good.
func (s *Store) chainFrom(head int) []int {
	members := []int{head}
	cur := head

	for {
		next := int(s.objects[cur].NextIndex)
		if next == cur {
			return members
		}

		members = append(members, next)
		cur = next
	}
}

// assembleBlob concatenates chunk payloads along the chain rooted at head
// and truncates the result to the head's declared BlobSize (the on-wire
// size, pre-decryption).
func (s *Store) assembleBlob(head int) []byte {
	members := s.chainFrom(head)

	var out []byte
	for _, idx := range members {
		out = append(out, s.objects[idx].Payload...)
	}

	blobSize := int(s.objects[head].BlobSize)
	if blobSize > len(out) {
		blobSize = len(out)
	}

	return out[:blobSize]
}

// storeBlobChunks allocates and links the chunk chain for name/wireBytes,
// assigning consecutive ages starting at storeAge+1, marking every chunk
// dirty, and bumping the store's age counter.
//
// wireBytes is the on-wire payload (the envelope's output when encrypted,
// or the raw blob bytes otherwise); unencSize is the size to report to
// callers after decryption (equal to len(wireBytes) when unencrypted).
// Callers must allocate fresh indices only after resetting any existing
// same-named chain, so free-slot accounting already
// includes whatever that reset just freed.
func (s *Store) storeBlobChunks(name string, wireBytes []byte, encKeySlot uint8, unencSize uint32, mtime int64) error {
	headCap := s.objectSize - HHead(name)
	bodyCap := s.objectSize - HBody

	if headCap <= 0 || bodyCap <= 0 {
		return fmt.Errorf("pivstore: object size %d too small for name %q", s.objectSize, name)
	}

	chunkCount := 1
	remaining := len(wireBytes) - headCap

	for remaining > 0 {
		chunkCount++
		remaining -= bodyCap
	}

	indices := make([]int, 0, chunkCount)

	for i := 0; i < chunkCount; i++ {
		idx, err := s.allocateFreeIndex()
		if err != nil {
			return err
		}

		indices = append(indices, idx)
	}

	firstAge := s.bumpStoreAge(uint32(chunkCount))
	offset := 0

	for i, idx := range indices {
		age := firstAge + uint32(i)

		next := idx
		if i+1 < len(indices) {
			next = indices[i+1]
		}

		capN := bodyCap
		if i == 0 {
			capN = headCap
		}

		if capN > len(wireBytes)-offset {
			capN = len(wireBytes) - offset
		}

		chunkPayload := wireBytes[offset : offset+capN]
		offset += capN

		obj := Object{
			Magic:                  StoreMagic,
			ObjectCount:            uint8(s.objectCount),
			ObjectSize:             uint16(s.objectSize),
			StoreEncryptionKeySlot: s.storeEncryptionSlot,
			ObjectAge:              age,
			ChunkPos:               uint16(i),
			NextIndex:              uint8(next),
			Payload:                chunkPayload,
		}

		if i == 0 {
			obj.BlobModTime = mtime
			obj.BlobSize = uint32(len(wireBytes))
			obj.BlobEncKeySlot = encKeySlot
			obj.BlobUnencSize = unencSize
			obj.BlobName = name
		}

		s.commitObject(idx, obj)
	}

	return nil
}

// removeChain resets every object in the chain rooted at head, without
// bumping the store age: removal does not consume ages.
func (s *Store) removeChain(head int) {
	s.resetChain(s.chainFrom(head))
}
