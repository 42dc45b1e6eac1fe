package pivstore

import (
	"errors"
	"fmt"

	"github.com/pivstore/pivstore/device"
	"github.com/pivstore/pivstore/envelope"
)

// PivStore is the orchestrator: the public entry point tying the device
// abstraction, object codec, store model, sanitizer, blob I/O, and crypto
// envelope together into the store's seven public operations
// (format, store, fetch, remove, list, fsck, public_key).
//
// A PivStore corresponds to one session against one Device
// and is not safe for concurrent use.
type PivStore struct {
	dev device.Device
}

// New wraps dev with the orchestrator operations. dev is not read until the
// first operation runs.
func New(dev device.Device) *PivStore {
	return &PivStore{dev: dev}
}

// FormatOptions configures Format.
type FormatOptions struct {
	ObjectCount int
	ObjectSize  int
	// EncryptionKeySlot is the device slot holding the store's static EC
	// key pair, or 0 if the store has no associated key.
	EncryptionKeySlot uint8
}

// Format (re)initializes the store, discarding any existing contents.
func (p *PivStore) Format(opts FormatOptions, adminToken string) error {
	if opts.ObjectCount < 1 || opts.ObjectCount > 16 {
		return fmt.Errorf("pivstore: object_count_in_store %d out of [1,16]", opts.ObjectCount)
	}

	if opts.ObjectSize < 512 || opts.ObjectSize > 3052 {
		return fmt.Errorf("pivstore: object_size_in_store %d out of [512,3052]", opts.ObjectSize)
	}

	auth, err := p.dev.AuthAdmin(adminToken)
	if err != nil {
		return wrapDeviceErr("auth_admin", err)
	}

	s := &Store{
		dev:                 p.dev,
		objects:             make([]Object, opts.ObjectCount),
		dirty:               make([]bool, opts.ObjectCount),
		objectCount:         opts.ObjectCount,
		objectSize:          opts.ObjectSize,
		storeEncryptionSlot: opts.EncryptionKeySlot,
		reserved:            make(map[int]struct{}),
	}

	for i := range s.objects {
		s.objects[i] = Object{
			Magic:                  StoreMagic,
			ObjectCount:            uint8(opts.ObjectCount),
			ObjectSize:             uint16(opts.ObjectSize),
			StoreEncryptionKeySlot: opts.EncryptionKeySlot,
		}
		s.dirty[i] = true
	}

	return s.sync(auth)
}

// StoreOptions configures Store.
type StoreOptions struct {
	// Encrypted wraps the payload via the crypto envelope using the
	// store's configured encryption key slot.
	Encrypted bool
	// ModifiedAtUTC overrides the blob's modification time (seconds since
	// the Unix epoch). Zero means "now" is not assumed by this package;
	// callers integrating a clock pass it explicitly, keeping this
	// package free of a hidden time.Now() dependency.
	ModifiedAtUTC int64
}

// Store writes a named blob, replacing any existing blob with the same
// name.
func (p *PivStore) Store(name string, payload []byte, opts StoreOptions, adminToken string) error {
	if err := validateName(name); err != nil {
		return err
	}

	auth, err := p.dev.AuthAdmin(adminToken)
	if err != nil {
		return wrapDeviceErr("auth_admin", err)
	}

	s, err := load(p.dev)
	if err != nil {
		return err
	}

	s.Sanitize()

	wireBytes := payload
	unencSize := uint32(len(payload))
	encKeySlot := uint8(0)

	if opts.Encrypted {
		pub, err := p.dev.PublicKey(int(s.storeEncryptionSlot))
		if err != nil {
			return wrapDeviceErr("public_key", err)
		}

		wire, err := envelope.Encrypt(payload, pub)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCryptoError, err)
		}

		wireBytes = wire
		encKeySlot = s.storeEncryptionSlot
	}

	if existing := s.findHead(name); existing >= 0 {
		// Reset the old chain in memory before allocating, permitting
		// (but not requiring) reuse of its indices by the new chain
		// (the replace-in-place window this opens is a known,
		// accepted limitation for a single-writer session).
		s.removeChain(existing)
	}

	if err := s.storeBlobChunks(name, wireBytes, encKeySlot, unencSize, opts.ModifiedAtUTC); err != nil {
		return err
	}

	return s.sync(auth)
}

// Fetch retrieves a blob by name. pin is required (and only consulted)
// when the blob is encrypted.
func (p *PivStore) Fetch(name string, pin string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	s, err := load(p.dev)
	if err != nil {
		return nil, err
	}

	s.Sanitize()

	head := s.findHead(name)
	if head < 0 {
		return nil, ErrNotFound
	}

	wire := s.assembleBlob(head)
	headObj := s.objects[head]

	if headObj.BlobEncKeySlot == 0 {
		return wire, nil
	}

	slot := int(headObj.BlobEncKeySlot)

	plaintext, err := envelope.Decrypt(wire, func(peerPub []byte) ([]byte, error) {
		secret, err := p.dev.ECDH(slot, peerPub, pin)
		if err != nil {
			return nil, wrapDeviceErr("ecdh", err)
		}

		return secret, nil
	})
	if err != nil {
		var pinErr *PinError
		if errors.As(err, &pinErr) {
			return nil, pinErr
		}

		var ioErr *DeviceIOError
		if errors.As(err, &ioErr) {
			return nil, ioErr
		}

		return nil, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}

	if uint32(len(plaintext)) != headObj.BlobUnencSize {
		return nil, fmt.Errorf("%w: decrypted size %d does not match declared %d", ErrCryptoError, len(plaintext), headObj.BlobUnencSize)
	}

	return plaintext, nil
}

// Remove deletes a blob by name. Removal does not
// consume store ages.
func (p *PivStore) Remove(name string, adminToken string) error {
	if err := validateName(name); err != nil {
		return err
	}

	auth, err := p.dev.AuthAdmin(adminToken)
	if err != nil {
		return wrapDeviceErr("auth_admin", err)
	}

	s, err := load(p.dev)
	if err != nil {
		return err
	}

	s.Sanitize()

	head := s.findHead(name)
	if head < 0 {
		return ErrNotFound
	}

	s.removeChain(head)

	return s.sync(auth)
}

// List returns, for every surviving blob, its name, whether it is
// encrypted, chunk count, size, and modification time.
func (p *PivStore) List() ([]BlobInfo, error) {
	s, err := load(p.dev)
	if err != nil {
		return nil, err
	}

	s.Sanitize()

	var out []BlobInfo

	for i := 0; i < s.objectCount; i++ {
		obj := s.objects[i]
		if !obj.IsHead() {
			continue
		}

		out = append(out, BlobInfo{
			Name:          obj.BlobName,
			Encrypted:     obj.BlobEncKeySlot != 0,
			ChunkCount:    len(s.chainFrom(i)),
			Size:          int64(obj.BlobUnencSize),
			ModifiedAtUTC: obj.BlobModTime,
		})
	}

	return out, nil
}

// Fsck returns the full decoded image verbatim, without running Sanitize,
// for diagnostics.
func (p *PivStore) Fsck() ([]Object, error) {
	s, err := load(p.dev)
	if err != nil {
		return nil, err
	}

	out := make([]Object, s.objectCount)
	copy(out, s.objects)

	return out, nil
}

// PublicKey returns the uncompressed P-256 point held in slot.
func (p *PivStore) PublicKey(slot int) ([]byte, error) {
	pub, err := p.dev.PublicKey(slot)
	if err != nil {
		return nil, wrapDeviceErr("public_key", err)
	}

	return pub, nil
}
