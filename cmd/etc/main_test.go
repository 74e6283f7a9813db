package main

import (
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etdaemon/internal/client"
	"etdaemon/internal/dataaddr"
	"etdaemon/internal/uuidkit"
)

func TestVerifyLocalHashes(t *testing.T) {
	dir := t.TempDir()

	matchA := filepath.Join(dir, "a.txt")
	matchB := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(matchA, []byte("same contents"), 0644))
	require.NoError(t, os.WriteFile(matchB, []byte("same contents"), 0644))
	assert.NoError(t, verifyLocalHashes(matchA, matchB))

	diffB := filepath.Join(dir, "c.txt")
	require.NoError(t, os.WriteFile(diffB, []byte("different"), 0644))
	assert.Error(t, verifyLocalHashes(matchA, diffB))

	assert.Error(t, verifyLocalHashes(filepath.Join(dir, "missing"), matchB))
}

func TestNewLocalPeer(t *testing.T) {
	peer, closer, err := newLocalPeer(nil)
	require.NoError(t, err)
	defer closer()

	addrs, err := peer.DataChannelAddr()
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "tcp", addrs[0].Proto)
	assert.Equal(t, "127.0.0.1", addrs[0].Host)
	assert.NotZero(t, addrs[0].Port)
}

func TestNewLocalPeer_ReportsProgress(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.txt")
	dstPath := filepath.Join(dir, "dst.txt")
	payload := []byte("hello from the progress test")
	require.NoError(t, os.WriteFile(srcPath, payload, 0644))

	var reported int64
	progressFn := func(_ uuidkit.UUID, n int64) { atomic.AddInt64(&reported, n) }

	source, closeSource, err := newLocalPeer(progressFn)
	require.NoError(t, err)
	defer closeSource()

	dest, closeDest, err := newLocalPeer(progressFn)
	require.NoError(t, err)
	defer closeDest()

	_, err = client.Run(client.Request{
		Source:      source,
		SourcePath:  srcPath,
		Destination: dest,
		DestPath:    dstPath,
		Mode:        dataaddr.New,
		Direction:   client.Push,
	})
	require.NoError(t, err)

	// Both the source's SendFile loop and the destination's DataServer
	// pull_n loop report progress for the same bytes, once on each side.
	assert.Equal(t, 2*int64(len(payload)), atomic.LoadInt64(&reported))

	written, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, payload, written)
}

func TestConnectPeer_Local(t *testing.T) {
	peer, closer, err := connectPeer("local", time.Second, nil)
	require.NoError(t, err)
	defer closer()
	assert.NotNil(t, peer)
}

func TestDialRemotePeer_ConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, _, err = dialRemotePeer(addr, 500*time.Millisecond)
	assert.Error(t, err)
}
