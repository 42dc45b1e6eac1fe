package pivstore

import (
	"errors"
	"fmt"

	"github.com/pivstore/pivstore/device"
)

// Store holds the decoded in-memory image of every slot on the device,
// plus store-wide parameters and per-slot dirty tracking.
//
// A Store is obtained via load and is not safe for concurrent use; the
// object store core assumes one Store corresponds to one session against
// one device.
type Store struct {
	dev device.Device

	objects []Object
	dirty   []bool

	objectCount         int
	objectSize          int
	storeEncryptionSlot uint8
	storeAge            uint32

	// reserved tracks indices already handed out by allocateFreeIndex
	// within the current transaction, so a single Store call can
	// allocate several chunks without reusing an index twice before any
	// of them are marked dirty.
	reserved map[int]struct{}
}

// load reads object 0 first to discover the store-wide parameters, then
// reads and decodes every remaining slot.
//
// If object 0 cannot be decoded with the store magic, load fails with
// ErrNotFormatted. A transient read error on any single slot is retried
// once before surfacing as a DeviceIOError.
func load(dev device.Device) (*Store, error) {
	count := dev.ObjectCount()
	size := dev.ObjectSize()

	raw0, err := readWithRetry(dev, 0)
	if err != nil {
		return nil, err
	}

	obj0, decodeErr := DecodeObject(raw0)
	if decodeErr != nil || obj0.Magic != StoreMagic {
		return nil, ErrNotFormatted
	}

	s := &Store{
		dev:                 dev,
		objects:             make([]Object, count),
		dirty:               make([]bool, count),
		objectCount:         count,
		objectSize:          size,
		storeEncryptionSlot: obj0.StoreEncryptionKeySlot,
		storeAge:            obj0.StoreAge,
		reserved:            make(map[int]struct{}),
	}

	s.objects[0] = obj0

	for i := 1; i < count; i++ {
		raw, err := readWithRetry(dev, i)
		if err != nil {
			return nil, err
		}

		obj, decodeErr := DecodeObject(raw)
		if decodeErr != nil {
			// A single slot that fails to decode (ObjectTooShort or a
			// malformed head) is resolved immediately by treating it as
			// empty: sanitize's own invariants already guarantee any
			// all-zero/empty slot is trivially consistent, so
			// this produces the same end state as "sanitize resets it"
			// without threading a separate corrupt tag through the
			// chain-validation pass.
			s.objects[i] = Object{Magic: StoreMagic, ObjectCount: obj0.ObjectCount, ObjectSize: obj0.ObjectSize, StoreEncryptionKeySlot: obj0.StoreEncryptionKeySlot, StoreAge: obj0.StoreAge}
			s.dirty[i] = true

			continue
		}

		if !headersAgree(obj0, obj) {
			// Disagreement with object 0 on store-wide parameters:
			// treat as corrupt, sanitizer-reset at load time.
			s.objects[i] = Object{Magic: StoreMagic, ObjectCount: obj0.ObjectCount, ObjectSize: obj0.ObjectSize, StoreEncryptionKeySlot: obj0.StoreEncryptionKeySlot, StoreAge: obj0.StoreAge}
			s.dirty[i] = true

			continue
		}

		s.objects[i] = obj

		if obj.StoreAge > s.storeAge {
			s.storeAge = obj.StoreAge
		}
	}

	return s, nil
}

// headersAgree reports whether obj agrees with the reference object 0 on
// the store-wide parameters that must be identical across every slot.
func headersAgree(ref, obj Object) bool {
	return obj.Magic == ref.Magic &&
		obj.ObjectCount == ref.ObjectCount &&
		obj.ObjectSize == ref.ObjectSize &&
		obj.StoreEncryptionKeySlot == ref.StoreEncryptionKeySlot
}

// readWithRetry retries a single transient read failure once before
// surfacing it.
func readWithRetry(dev device.Device, id int) ([]byte, error) {
	raw, err := dev.ReadObject(id)
	if err == nil {
		return raw, nil
	}

	var ioErr *device.IOError
	if errors.As(err, &ioErr) && ioErr.Temporary() {
		raw, err = dev.ReadObject(id)
		if err == nil {
			return raw, nil
		}
	}

	return nil, wrapDeviceErr("read_object", err)
}

func wrapDeviceErr(op string, err error) error {
	var ioErr *device.IOError
	if errors.As(err, &ioErr) {
		return &DeviceIOError{Op: op, Err: ioErr.Err, Fatal: ioErr.Fatal}
	}

	if errors.Is(err, device.ErrAuth) {
		return ErrAuthError
	}

	var pinErr *device.PinError
	if errors.As(err, &pinErr) {
		return &PinError{Retries: pinErr.Retries}
	}

	return &DeviceIOError{Op: op, Err: err, Fatal: true}
}

// ObjectCount returns the fixed number of slots.
func (s *Store) ObjectCount() int { return s.objectCount }

// ObjectSize returns the fixed per-slot capacity in bytes.
func (s *Store) ObjectSize() int { return s.objectSize }

// StoreAge returns the highest age observed across all objects.
func (s *Store) StoreAge() uint32 { return s.storeAge }

// Object returns a copy of the decoded slot at index i.
func (s *Store) Object(i int) Object { return s.objects[i] }

// allocateFreeIndex returns the lowest-index slot with ObjectAge == 0 that
// has not already been reserved in this transaction, or ErrStoreFull if
// none remains.
func (s *Store) allocateFreeIndex() (int, error) {
	for i := 0; i < s.objectCount; i++ {
		if _, taken := s.reserved[i]; taken {
			continue
		}

		if s.objects[i].IsEmpty() {
			s.reserved[i] = struct{}{}

			return i, nil
		}
	}

	return 0, ErrStoreFull
}

// resetReservations clears the allocator's per-transaction bookkeeping.
// Call after a successful sync or when abandoning a failed operation
// before the Store is discarded.
func (s *Store) resetReservations() {
	s.reserved = make(map[int]struct{})
}

// commitObject writes obj into its slot in memory and marks it dirty.
func (s *Store) commitObject(index int, obj Object) {
	s.objects[index] = obj
	s.dirty[index] = true
}

// bumpStoreAge advances the store-wide age counter by n and returns the
// first newly allocated age value (storeAge+1). sync stamps the new
// StoreAge value into the header of each slot it writes; slots that are
// not dirty keep the StoreAge they were last written with, and load takes
// the highest value found across all slots.
func (s *Store) bumpStoreAge(n uint32) uint32 {
	first := s.storeAge + 1
	s.storeAge += n

	return first
}

// sync writes every dirty slot to the device in ascending index order,
// clearing each slot's dirty bit on success. Index-order commit is what
// makes post-interruption recovery deterministic.
//
// If a write fails mid-iteration, remaining dirty bits stay set; the
// caller decides whether to retry.
func (s *Store) sync(auth device.AdminToken) error {
	for i := 0; i < s.objectCount; i++ {
		if !s.dirty[i] {
			continue
		}

		obj := s.objects[i]
		obj.StoreAge = s.storeAge

		raw, err := obj.Encode(s.objectSize)
		if err != nil {
			return fmt.Errorf("pivstore: encode object %d: %w", i, err)
		}

		if err := s.dev.WriteObject(i, raw, auth); err != nil {
			return wrapDeviceErr("write_object", err)
		}

		s.dirty[i] = false
	}

	s.resetReservations()

	return nil
}
