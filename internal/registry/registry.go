// Package registry implements the process-wide transfer registry: the
// UUID-indexed map of in-flight transfers, the registry-wide lock that
// protects it, and the two-level locking protocol ("acquire-both") that
// lets per-transfer I/O proceed without serializing on the registry.
package registry

import (
	"io"
	"sync"
	"time"

	"etdaemon/internal/dataaddr"
	"etdaemon/internal/errors"
	"etdaemon/internal/uuidkit"
)

// FileHandle is the subset of *os.File that a Transfer needs: read, write,
// seek and close. Tests substitute an in-memory fake; production callers
// pass an *os.File.
type FileHandle interface {
	io.Reader
	io.Writer
	io.Closer
	io.Seeker
}

// Transfer is one open file on one peer: the registry's per-session record.
// Access to FD must happen only while holding mu, which Registry's
// acquire-both helpers guarantee.
type Transfer struct {
	UUID     uuidkit.UUID
	Path     string
	OpenMode dataaddr.OpenMode
	FD       FileHandle

	mu sync.Mutex
}

// defaultBackoff is the sleep between failed non-blocking per-transfer lock
// attempts. The source daemon uses different small values per call site
// (9-42 microseconds); the exact figure is immaterial so long as it's a
// bounded handful of microseconds, so one constant serves every call site
// here.
const defaultBackoff = 25 * time.Microsecond

// Registry is the process-wide UUID -> Transfer map shared by every
// ETDServer instance in the daemon, plus the immutable set of data-channel
// addresses this host advertises to peers.
type Registry struct {
	mu        sync.Mutex
	transfers map[uuidkit.UUID]*Transfer
	dataAddrs []dataaddr.DataAddress
}

// New creates an empty registry advertising addrs as its data-channel
// endpoints.
func New(addrs []dataaddr.DataAddress) *Registry {
	cp := make([]dataaddr.DataAddress, len(addrs))
	copy(cp, addrs)
	return &Registry{
		transfers: make(map[uuidkit.UUID]*Transfer),
		dataAddrs: cp,
	}
}

// DataAddrs returns a snapshot copy of the advertised data-channel
// addresses, taken under the registry lock.
func (r *Registry) DataAddrs() []dataaddr.DataAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]dataaddr.DataAddress, len(r.dataAddrs))
	copy(cp, r.dataAddrs)
	return cp
}

// pathConflict reports whether path would violate invariant 2 if inserted
// with mode: write-class entries must have pairwise-distinct paths, and a
// write path must differ from every read path. Must be called with r.mu
// held.
func (r *Registry) pathConflict(path string, mode dataaddr.OpenMode) bool {
	for _, t := range r.transfers {
		if t.Path != path {
			continue
		}
		if mode.IsWriteMode() || t.OpenMode.IsWriteMode() {
			return true
		}
	}
	return false
}

// Insert registers a new transfer. It fails if u is already registered, or
// if path conflicts with an existing entry per invariant 2.
func (r *Registry) Insert(u uuidkit.UUID, path string, mode dataaddr.OpenMode, fd FileHandle) (*Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transfers[u]; ok {
		return nil, errors.NewConflictError("insert", u.String(), "uuid already registered")
	}
	if r.pathConflict(path, mode) {
		return nil, errors.NewConflictError("insert", path, "path already in use")
	}

	t := &Transfer{UUID: u, Path: path, OpenMode: mode, FD: fd}
	r.transfers[u] = t
	return t, nil
}

// Lookup returns the transfer registered under u, if any, under the
// registry lock. The returned pointer must not be used for I/O without
// going through WithTransfer/Remove, which enforce the acquire-both
// protocol.
func (r *Registry) Lookup(u uuidkit.UUID) (*Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[u]
	return t, ok
}

// WithTransfer runs fn against the transfer registered under u, following
// the acquire-both protocol of the two-level locking discipline: the
// registry lock is held only long enough to look up the entry and attempt a
// non-blocking acquire of its per-transfer lock; fn runs holding only the
// per-transfer lock, never the registry lock. On a failed non-blocking
// acquire the whole attempt restarts after a short sleep.
//
// A ValidationError ("not initialized") is returned if u is not registered.
// Any error fn returns is
// propagated to the caller once the per-transfer lock has been released.
func (r *Registry) WithTransfer(u uuidkit.UUID, fn func(t *Transfer) error) error {
	for {
		r.mu.Lock()
		t, ok := r.transfers[u]
		if !ok {
			r.mu.Unlock()
			return errors.NewValidationError("uuid", u.String(), "not initialized")
		}
		if !t.mu.TryLock() {
			r.mu.Unlock()
			time.Sleep(defaultBackoff)
			continue
		}
		r.mu.Unlock()

		err := fn(t)
		t.mu.Unlock()
		return err
	}
}

// Remove runs the acquire-both protocol against u, then closes its file
// handle, detaches the Transfer from the map, and reports true. It reports
// false if u was not registered. The file handle is closed while the
// per-transfer lock is still held; after the lock is released only the
// Transfer's Path is read, and the lock is never destroyed while held.
func (r *Registry) Remove(u uuidkit.UUID) (bool, error) {
	for {
		r.mu.Lock()
		t, ok := r.transfers[u]
		if !ok {
			r.mu.Unlock()
			return false, nil
		}
		if !t.mu.TryLock() {
			r.mu.Unlock()
			time.Sleep(defaultBackoff)
			continue
		}
		delete(r.transfers, u)
		r.mu.Unlock()

		var closeErr error
		if t.FD != nil {
			closeErr = t.FD.Close()
		}
		t.mu.Unlock()
		if closeErr != nil {
			return true, errors.NewFileSystemError("remove_uuid", t.Path, closeErr)
		}
		return true, nil
	}
}
