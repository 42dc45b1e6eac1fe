package device

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Transport is the low-level APDU channel a real token is reached through
// (typically PC/SC). It is intentionally minimal and owned entirely by the
// external collaborator that picks a concrete reader; Hardware never knows
// whether Transport is backed by PC/SC, a USB HID driver, or anything else.
type Transport interface {
	// SendAPDU exchanges one command/response APDU pair with the token.
	SendAPDU(apdu []byte) (response []byte, err error)
	// Serial returns the token's stable hardware serial number, as opposed
	// to whatever transport-level name (e.g. reader string) was used to
	// open the connection. Hardware uses this, never the transport name,
	// to key the interprocess lock below.
	Serial() (string, error)
}

// Hardware adapts a [Transport] to the [Device] interface.
//
// The object-store core never imports a concrete PC/SC binding; none of
// this module's source repos vendor one, so Hardware is written against the
// abstract Transport this package defines. A real deployment supplies a
// Transport implementation backed by whatever driver its target token
// requires.
type Hardware struct {
	t       Transport
	count   int
	size    int
	lockFd  *os.File
	lockPth string
}

// NewHardware wraps t. objectCount/objectSize describe the fixed store
// parameters of the physical token.
//
// An advisory file lock (flock) keyed on the token's stable serial (never
// its transport name, which can be reused across distinct physical
// tokens or renamed between sessions) is taken for the lifetime of the
// handle, so no two Hardware instances, in this process or another, can
// hold a single physical token at once.
func NewHardware(t Transport, objectCount, objectSize int) (*Hardware, error) {
	if t == nil {
		return nil, fmt.Errorf("device: transport is nil")
	}

	serial, err := t.Serial()
	if err != nil {
		return nil, fmt.Errorf("device: read serial: %w", err)
	}

	lockPath := fmt.Sprintf("%s/pivstore-%s.lock", os.TempDir(), serial)

	lockFd, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("device: open lock %q: %w", lockPath, err)
	}

	if err := unix.Flock(int(lockFd.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lockFd.Close()

		return nil, fmt.Errorf("device: token %s is already held by another process: %w", serial, err)
	}

	return &Hardware{t: t, count: objectCount, size: objectSize, lockFd: lockFd, lockPth: lockPath}, nil
}

// Close releases the interprocess lock on the underlying token.
func (h *Hardware) Close() error {
	if h.lockFd == nil {
		return nil
	}

	err := unix.Flock(int(h.lockFd.Fd()), unix.LOCK_UN)
	closeErr := h.lockFd.Close()
	h.lockFd = nil

	if err != nil {
		return fmt.Errorf("device: unlock: %w", err)
	}

	return closeErr
}

func (h *Hardware) ObjectCount() int { return h.count }
func (h *Hardware) ObjectSize() int  { return h.size }

// APDU instruction bytes for the PIV-style data-object commands this
// adapter issues. Concrete byte layouts are transport/firmware specific;
// callers supplying a Transport own the actual encoding inside SendAPDU,
// so these are kept purely symbolic markers passed through unchanged.
const (
	apduGetData    byte = 0xCB
	apduPutData    byte = 0xDB
	apduGeneralAuth byte = 0x87
)

func (h *Hardware) ReadObject(id int) ([]byte, error) {
	if id < 0 || id >= h.count {
		return nil, &IOError{Op: "read_object", Err: fmt.Errorf("object id %d out of range", id), Fatal: true}
	}

	resp, err := h.t.SendAPDU(buildAPDU(apduGetData, byte(id), nil))
	if err != nil {
		return nil, &IOError{Op: "read_object", Err: err, Fatal: isDisconnect(err)}
	}

	out := make([]byte, h.size)
	copy(out, resp)

	return out, nil
}

func (h *Hardware) WriteObject(id int, bytes []byte, auth AdminToken) error {
	if !auth.valid {
		return ErrAuth
	}

	if id < 0 || id >= h.count {
		return &IOError{Op: "write_object", Err: fmt.Errorf("object id %d out of range", id), Fatal: true}
	}

	_, err := h.t.SendAPDU(buildAPDU(apduPutData, byte(id), bytes))
	if err != nil {
		return &IOError{Op: "write_object", Err: err, Fatal: isDisconnect(err)}
	}

	return nil
}

func (h *Hardware) PublicKey(slot int) ([]byte, error) {
	resp, err := h.t.SendAPDU(buildAPDU(apduGetData, byte(slot), nil))
	if err != nil {
		return nil, &IOError{Op: "public_key", Err: err, Fatal: isDisconnect(err)}
	}

	if len(resp) != 65 {
		return nil, ErrNoKey
	}

	return resp, nil
}

func (h *Hardware) ECDH(slot int, peerPub []byte, pin string) ([]byte, error) {
	req := append([]byte{byte(len(pin))}, []byte(pin)...)
	req = append(req, peerPub...)

	resp, err := h.t.SendAPDU(buildAPDU(apduGeneralAuth, byte(slot), req))
	if err != nil {
		return nil, &IOError{Op: "ecdh", Err: err, Fatal: isDisconnect(err)}
	}

	if len(resp) == 1 {
		return nil, &PinError{Retries: int(resp[0])}
	}

	return resp, nil
}

func (h *Hardware) AuthAdmin(token string) (AdminToken, error) {
	if token == "" {
		return AdminToken{}, ErrAuth
	}

	_, err := h.t.SendAPDU(buildAPDU(0x20, 0, []byte(token)))
	if err != nil {
		return AdminToken{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	return AdminToken{valid: true}, nil
}

func buildAPDU(ins, p1 byte, data []byte) []byte {
	apdu := []byte{0x00, ins, p1, 0x00}

	if len(data) > 0 {
		apdu = append(apdu, byte(len(data)))
		apdu = append(apdu, data...)
	}

	return apdu
}

// isDisconnect reports whether err indicates the token physically went
// away (fatal, partial-write possible) as opposed to a recoverable
// transport hiccup.
func isDisconnect(err error) bool {
	var d interface{ Disconnected() bool }
	if ok := asDisconnect(err, &d); ok {
		return d.Disconnected()
	}

	return false
}

func asDisconnect(err error, target *interface{ Disconnected() bool }) bool {
	for err != nil {
		if d, ok := err.(interface{ Disconnected() bool }); ok {
			*target = d

			return true
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}

		err = u.Unwrap()
	}

	return false
}
