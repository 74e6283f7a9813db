package etdproxy

import (
	"bufio"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etdaemon/internal/dataaddr"
	"etdaemon/internal/uuidkit"
)

// fakePeer reads one request line off its end of a pipe and lets the test
// script an arbitrary reply, standing in for a real ServerWrapper.
type fakePeer struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func newFakePeer(conn net.Conn) *fakePeer {
	return &fakePeer{conn: conn, reader: bufio.NewReader(conn), writer: bufio.NewWriter(conn)}
}

func (f *fakePeer) readRequest(t *testing.T) string {
	t.Helper()
	line, err := f.reader.ReadString('\n')
	require.NoError(t, err)
	return line[:len(line)-1]
}

func (f *fakePeer) writeLine(t *testing.T, line string) {
	t.Helper()
	_, err := f.writer.WriteString(line + "\n")
	require.NoError(t, err)
	require.NoError(t, f.writer.Flush())
}

func newPipePair() (*Proxy, *fakePeer) {
	serverConn, clientConn := net.Pipe()
	return New(clientConn), newFakePeer(serverConn)
}

func TestProxyListPath(t *testing.T) {
	p, peer := newPipePair()
	defer p.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, "list /tmp", peer.readRequest(t))
		peer.writeLine(t, "OK /tmp/a")
		peer.writeLine(t, "OK /tmp/b/")
		peer.writeLine(t, "OK")
	}()

	entries, err := p.ListPath("/tmp", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/a", "/tmp/b/"}, entries)
	<-done
}

func TestProxyRequestFileWrite(t *testing.T) {
	p, peer := newPipePair()
	defer p.Close()
	u := uuidkit.New()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, "write-file-New /out/dst.bin", peer.readRequest(t))
		peer.writeLine(t, "AlreadyHave:0")
		peer.writeLine(t, "UUID:"+u.String())
		peer.writeLine(t, "OK")
	}()

	gotUUID, existing, err := p.RequestFileWrite("/out/dst.bin", dataaddr.New)
	require.NoError(t, err)
	assert.Equal(t, u, gotUUID)
	assert.Equal(t, int64(0), existing)
	<-done
}

func TestProxyRequestFileRead(t *testing.T) {
	p, peer := newPipePair()
	defer p.Close()
	u := uuidkit.New()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, "read-file 400 /data/src.bin", peer.readRequest(t))
		peer.writeLine(t, "Remain:600")
		peer.writeLine(t, "UUID:"+u.String())
		peer.writeLine(t, "OK")
	}()

	gotUUID, remaining, err := p.RequestFileRead("/data/src.bin", 400)
	require.NoError(t, err)
	assert.Equal(t, u, gotUUID)
	assert.Equal(t, int64(600), remaining)
	<-done
}

func TestProxyDataChannelAddr(t *testing.T) {
	p, peer := newPipePair()
	defer p.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, "data-channel-addr", peer.readRequest(t))
		peer.writeLine(t, "OK <tcp/127.0.0.1:2630>")
		peer.writeLine(t, "OK")
	}()

	addrs, err := p.DataChannelAddr()
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, dataaddr.DataAddress{Proto: "tcp", Host: "127.0.0.1", Port: 2630}, addrs[0])
	<-done
}

func TestProxyRemoveUUID(t *testing.T) {
	p, peer := newPipePair()
	defer p.Close()
	u := uuidkit.New()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, "remove-uuid "+u.String(), peer.readRequest(t))
		peer.writeLine(t, "OK")
	}()

	removed, err := p.RemoveUUID(u)
	require.NoError(t, err)
	assert.True(t, removed)
	<-done
}

func TestProxyRemoveUUIDRemoteError(t *testing.T) {
	p, peer := newPipePair()
	defer p.Close()
	u := uuidkit.New()

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.readRequest(t)
		peer.writeLine(t, "ERR not initialized")
	}()

	removed, err := p.RemoveUUID(u)
	assert.Error(t, err)
	assert.False(t, removed)
	<-done
}

func TestProxySendFile(t *testing.T) {
	p, peer := newPipePair()
	defer p.Close()
	src, dst := uuidkit.New(), uuidkit.New()
	addrs := []dataaddr.DataAddress{{Proto: "tcp", Host: "127.0.0.1", Port: 2630}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		want := "send-file " + src.String() + " " + dst.String() + " 1000 <tcp/127.0.0.1:2630>"
		assert.Equal(t, want, peer.readRequest(t))
		peer.writeLine(t, "OK")
	}()

	ok, err := p.SendFile(src, dst, 1000, addrs)
	require.NoError(t, err)
	assert.True(t, ok)
	<-done
}

func TestProxyGetFileIsUnsupported(t *testing.T) {
	p, peer := newPipePair()
	defer p.Close()
	_ = peer

	ok, err := p.GetFile(uuidkit.New(), uuidkit.New(), 10, nil)
	assert.False(t, ok)
	assert.Error(t, err)
}
