package device

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync"

	atomicfile "github.com/natefinch/atomic"
)

// handle is the concrete [Handle] returned by [NewEmulator].
type handle struct{ label string }

func (h handle) String() string { return h.label }

// EmulatorOptions configures [NewEmulator].
type EmulatorOptions struct {
	// ObjectCount is the fixed number of slots. Must be > 0.
	ObjectCount int
	// ObjectSize is the fixed per-slot capacity in bytes. Must be > 0.
	ObjectSize int

	// EjectionProbability, in [0,1], is the chance that any single
	// WriteObject call is interrupted partway through: a random prefix of
	// the new bytes lands in the slot, the rest of the slot is zeroed, and
	// the call returns a fatal [IOError]. The slot's previous contents are
	// not kept, so a subsequent load sees the partially written slot, as
	// after a physical disconnection mid-transfer.
	EjectionProbability float64

	// Rand seeds the emulator's PRNG. Tests pass a deterministic source
	// (rand.New(rand.NewPCG(seed, seed))) so ejection fuzzing reproduces;
	// nil uses a process-global, non-reproducible source.
	Rand *rand.Rand

	// AdminSecret, if non-empty, is the credential AuthAdmin checks
	// against. Empty means any non-empty token is accepted.
	AdminSecret string

	// KeySlots lists device slots that should be initialized with a P-256
	// key pair at construction time, simulating a token provisioned with
	// on-device keys. PublicKey/ECDH fail with ErrNoKey for any other
	// slot.
	KeySlots []int

	// PersistPath, if non-empty, is where the emulator's slot array is
	// atomically snapshotted after every successfully completed
	// WriteObject. This lets a long-running interruption fuzz campaign survive a
	// test-process restart without corrupting its own backing file; it is
	// a convenience for the emulator itself and has nothing to do with
	// the on-device store format.
	PersistPath string
}

// Emulator is an in-memory [Device] used by every test in this module and
// by the demo CLI when no reader is attached.
type Emulator struct {
	mu sync.Mutex

	count int
	size  int

	slots [][]byte

	ejectProb float64
	rng       *rand.Rand

	adminSecret string
	authorized  map[uint64]struct{}
	nonceSeq    uint64

	keys map[int]*ecdh.PrivateKey

	persistPath string

	label string
}

// NewEmulator constructs an in-memory device with opts.ObjectCount empty
// slots of opts.ObjectSize bytes each.
func NewEmulator(opts EmulatorOptions) (*Emulator, error) {
	if opts.ObjectCount <= 0 {
		return nil, fmt.Errorf("device: object count must be positive, got %d", opts.ObjectCount)
	}

	if opts.ObjectSize <= 0 {
		return nil, fmt.Errorf("device: object size must be positive, got %d", opts.ObjectSize)
	}

	if opts.EjectionProbability < 0 || opts.EjectionProbability > 1 {
		return nil, fmt.Errorf("device: ejection probability must be in [0,1], got %v", opts.EjectionProbability)
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	e := &Emulator{
		count:       opts.ObjectCount,
		size:        opts.ObjectSize,
		slots:       make([][]byte, opts.ObjectCount),
		ejectProb:   opts.EjectionProbability,
		rng:         rng,
		adminSecret: opts.AdminSecret,
		authorized:  make(map[uint64]struct{}),
		keys:        make(map[int]*ecdh.PrivateKey),
		persistPath: opts.PersistPath,
		label:       "emulator",
	}

	for i := range e.slots {
		e.slots[i] = make([]byte, opts.ObjectSize)
	}

	if opts.PersistPath != "" {
		if err := e.loadSnapshot(opts.PersistPath); err != nil {
			return nil, err
		}
	}

	for _, slot := range opts.KeySlots {
		priv, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("device: generate key for slot %d: %w", slot, err)
		}

		e.keys[slot] = priv
	}

	return e, nil
}

// loadSnapshot populates the slot array from a prior persistLocked
// snapshot at path, leaving every slot empty if the file does not exist
// yet (the first run against a fresh PersistPath).
func (e *Emulator) loadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("device: read snapshot %s: %w", path, err)
	}

	want := e.count * e.size
	if len(data) != want {
		return fmt.Errorf("device: snapshot %s has %d bytes, want %d for %d objects of %d bytes", path, len(data), want, e.count, e.size)
	}

	for i := range e.slots {
		copy(e.slots[i], data[i*e.size:(i+1)*e.size])
	}

	return nil
}

// Handle returns the opaque handle identifying this emulated device.
func (e *Emulator) Handle() Handle { return handle{label: e.label} }

func (e *Emulator) ObjectCount() int { return e.count }
func (e *Emulator) ObjectSize() int  { return e.size }

func (e *Emulator) checkID(id int) error {
	if id < 0 || id >= e.count {
		return fmt.Errorf("device: object id %d out of range [0,%d)", id, e.count)
	}

	return nil
}

// ReadObject returns the last-written bytes for slot id.
func (e *Emulator) ReadObject(id int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkID(id); err != nil {
		return nil, &IOError{Op: "read_object", Err: err, Fatal: true}
	}

	out := make([]byte, e.size)
	copy(out, e.slots[id])

	return out, nil
}

// WriteObject writes bytes to slot id, auth permitting, possibly simulating
// an ejection partway through per EjectionProbability.
func (e *Emulator) WriteObject(id int, bytes []byte, auth AdminToken) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkID(id); err != nil {
		return &IOError{Op: "write_object", Err: err, Fatal: true}
	}

	if len(bytes) > e.size {
		return &IOError{Op: "write_object", Err: fmt.Errorf("payload %d exceeds object size %d", len(bytes), e.size), Fatal: true}
	}

	if !auth.valid {
		return ErrAuth
	}

	if _, ok := e.authorized[auth.nonce]; !ok {
		return ErrAuth
	}

	if e.ejectProb > 0 && e.rng.Float64() < e.ejectProb {
		// Partial write: land a random prefix of the new bytes, then fail
		// fatally, exactly as a physical disconnection would mid-transfer.
		cut := 0
		if len(bytes) > 0 {
			cut = e.rng.IntN(len(bytes) + 1)
		}

		dst := make([]byte, e.size)
		copy(dst, bytes[:cut])
		e.slots[id] = dst

		return &IOError{Op: "write_object", Err: fmt.Errorf("simulated ejection after %d/%d bytes", cut, len(bytes)), Fatal: true}
	}

	dst := make([]byte, e.size)
	copy(dst, bytes)
	prev := e.slots[id]
	e.slots[id] = dst

	if e.persistPath != "" {
		if err := e.persistLocked(); err != nil {
			e.slots[id] = prev

			return &IOError{Op: "write_object", Err: err, Fatal: false}
		}
	}

	return nil
}

// persistLocked snapshots the slot array to PersistPath using an atomic
// rename so a concurrently crashing test process never observes a
// half-written snapshot file. Must be called with e.mu held.
func (e *Emulator) persistLocked() error {
	var buf []byte
	for _, s := range e.slots {
		buf = append(buf, s...)
	}

	return atomicfile.WriteFile(e.persistPath, newByteReader(buf))
}

func newByteReader(b []byte) io.Reader { return &byteReader{b: b} }

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}

	n := copy(p, r.b[r.pos:])
	r.pos += n

	return n, nil
}

// PublicKey returns the uncompressed P-256 point held in slot.
func (e *Emulator) PublicKey(slot int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	priv, ok := e.keys[slot]
	if !ok {
		return nil, ErrNoKey
	}

	return priv.PublicKey().Bytes(), nil
}

// ECDH performs the on-device key agreement for slot's static private key.
//
// pin is accepted unconditionally unless it equals the sentinel
// "wrong-pin", which the emulator uses to simulate a rejected PIN in
// tests; a real token's PIN policy lives entirely on the device side of
// this interface.
func (e *Emulator) ECDH(slot int, peerPub []byte, pin string) ([]byte, error) {
	e.mu.Lock()
	priv, ok := e.keys[slot]
	e.mu.Unlock()

	if !ok {
		return nil, ErrNoKey
	}

	if pin == "wrong-pin" {
		return nil, &PinError{Retries: 2}
	}

	peerKey, err := ecdh.P256().NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("device: invalid peer point: %w", err)
	}

	secret, err := priv.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("device: ecdh: %w", err)
	}

	return secret, nil
}

// AuthAdmin accepts any non-empty token when no AdminSecret was configured,
// otherwise requires an exact match.
func (e *Emulator) AuthAdmin(token string) (AdminToken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if token == "" {
		return AdminToken{}, ErrAuth
	}

	if e.adminSecret != "" && token != e.adminSecret {
		return AdminToken{}, ErrAuth
	}

	e.nonceSeq++
	nonce := e.nonceSeq
	e.authorized[nonce] = struct{}{}

	return AdminToken{valid: true, nonce: nonce}, nil
}
