// Package pivstore implements the on-device object store described for a
// PIV-style hardware security token: a fixed-size, fixed-count array of
// data objects that together form a small content-addressable store with
// metadata, linked-list chunking across objects, crash consistency via
// monotonic age counters, and self-healing via a sanitization pass.
//
// pivstore is a throwaway-safe store in one specific sense: if the token's
// image is ever found inconsistent, [Store.Sanitize] resets the offending chains
// rather than attempting to repair them. It never fabricates data to paper
// over corruption.
//
// # Basic usage
//
//	dev, _ := device.NewEmulator(device.EmulatorOptions{ObjectCount: 16, ObjectSize: 3052})
//	store := pivstore.New(dev)
//
//	_ = store.Format(pivstore.FormatOptions{ObjectCount: 16, ObjectSize: 3052}, admin)
//	_ = store.Store("hello", []byte("Hello, world!\n"), pivstore.StoreOptions{}, admin)
//	data, _ := store.Fetch("hello", "")
//
// # Concurrency
//
// One Store corresponds to one session against one device: it performs
// blocking device I/O and synchronizes nothing internally. Callers that
// need concurrent access must serialize it themselves.
//
// # Error handling
//
// Errors are sentinel values in this package (ErrNotFormatted, ErrStoreFull,
// ErrNotFound, ...) compared with errors.Is. A corrupt on-device image is
// never returned as such by Store, Fetch, Remove or List: [Store.Sanitize]
// resolves it before those operations observe the image. Fsck is the
// exception: it returns the decoded image without sanitizing it.
package pivstore
