package registry

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etdaemon/internal/dataaddr"
	"etdaemon/internal/uuidkit"
)

// fakeHandle is an in-memory stand-in for an *os.File used to exercise the
// registry without touching the filesystem.
type fakeHandle struct {
	buf    bytes.Buffer
	pos    int64
	closed bool
}

func (f *fakeHandle) Read(p []byte) (int, error)  { return f.buf.Read(p) }
func (f *fakeHandle) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *fakeHandle) Seek(offset int64, whence int) (int64, error) {
	f.pos = offset
	return f.pos, nil
}
func (f *fakeHandle) Close() error {
	f.closed = true
	return nil
}

func TestInsertRejectsDuplicateUUID(t *testing.T) {
	r := New(nil)
	u := uuidkit.New()

	_, err := r.Insert(u, "/data/a", dataaddr.New, &fakeHandle{})
	require.NoError(t, err)

	_, err = r.Insert(u, "/data/b", dataaddr.New, &fakeHandle{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestInsertEnforcesPathInvariant(t *testing.T) {
	r := New(nil)

	_, err := r.Insert(uuidkit.New(), "/data/a", dataaddr.New, &fakeHandle{})
	require.NoError(t, err)

	// Two write-class entries on the same path conflict.
	_, err = r.Insert(uuidkit.New(), "/data/a", dataaddr.OverWrite, &fakeHandle{})
	assert.Error(t, err)

	// A write path must also differ from an existing read path.
	_, err = r.Insert(uuidkit.New(), "/data/b", dataaddr.Read, &fakeHandle{})
	require.NoError(t, err)
	_, err = r.Insert(uuidkit.New(), "/data/b", dataaddr.New, &fakeHandle{})
	assert.Error(t, err)

	// Multiple readers of the same path are fine.
	_, err = r.Insert(uuidkit.New(), "/data/b", dataaddr.Read, &fakeHandle{})
	assert.NoError(t, err)
}

func TestLookupMissing(t *testing.T) {
	r := New(nil)
	_, ok := r.Lookup(uuidkit.New())
	assert.False(t, ok)
}

func TestWithTransferNotFound(t *testing.T) {
	r := New(nil)
	err := r.WithTransfer(uuidkit.New(), func(t *Transfer) error { return nil })
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")
}

func TestWithTransferRunsHoldingOnlyTransferLock(t *testing.T) {
	r := New(nil)
	u := uuidkit.New()
	_, err := r.Insert(u, "/data/a", dataaddr.New, &fakeHandle{})
	require.NoError(t, err)

	ran := false
	err = r.WithTransfer(u, func(tx *Transfer) error {
		ran = true
		assert.Equal(t, "/data/a", tx.Path)
		// The registry lock must already be free for other callers.
		_, ok := r.Lookup(uuidkit.New())
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRemoveClosesAndDetaches(t *testing.T) {
	r := New(nil)
	u := uuidkit.New()
	fh := &fakeHandle{}
	_, err := r.Insert(u, "/data/a", dataaddr.New, fh)
	require.NoError(t, err)

	removed, err := r.Remove(u)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, fh.closed)

	_, ok := r.Lookup(u)
	assert.False(t, ok)

	removed, err = r.Remove(u)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestDataAddrsSnapshot(t *testing.T) {
	addrs := []dataaddr.DataAddress{{Proto: "tcp", Host: "127.0.0.1", Port: 2630}}
	r := New(addrs)

	got := r.DataAddrs()
	require.Len(t, got, 1)
	got[0].Port = 9999

	again := r.DataAddrs()
	assert.Equal(t, uint32(2630), again[0].Port)
}

func TestConcurrentWithTransferDoesNotRace(t *testing.T) {
	r := New(nil)
	u := uuidkit.New()
	_, err := r.Insert(u, "/data/a", dataaddr.New, &fakeHandle{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	overlap := false
	active := false

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.WithTransfer(u, func(t *Transfer) error {
				mu.Lock()
				if active {
					overlap = true
				}
				active = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active = false
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.False(t, overlap, "two callers held the per-transfer lock at once")
}
