// Package etdproxy implements the remote transfer agent shim: it satisfies
// etdserver.Interface by driving the control protocol over one persistent
// connection to a peer's ETDServerWrapper, rather than touching the local
// filesystem (spec.md's ETDProxy, §4.3).
package etdproxy

import (
	"bufio"
	"context"
	"net"
	"sync"

	"etdaemon/internal/ctrlproto"
	"etdaemon/internal/dataaddr"
	"etdaemon/internal/errors"
	"etdaemon/internal/uuidkit"
)

// Proxy drives one control-channel connection to a remote ETDServerWrapper,
// presenting the same etdserver.Interface capability set as a LocalServer.
// The control protocol is strictly request/response over one connection, so
// every call serializes on mu.
type Proxy struct {
	mu     sync.Mutex
	conn   net.Conn
	writer *bufio.Writer
	reader *ctrlproto.LineReader
}

// New wraps conn, which must already be connected to a peer's control
// listener, into a Proxy.
func New(conn net.Conn) *Proxy {
	return &Proxy{
		conn:   conn,
		writer: bufio.NewWriter(conn),
		reader: ctrlproto.NewLineReader(bufio.NewReaderSize(conn, ctrlproto.ListReplyBufSize), ctrlproto.ListReplyBufSize),
	}
}

// Close closes the underlying control connection.
func (p *Proxy) Close() error {
	return p.conn.Close()
}

func (p *Proxy) roundTrip(line string) error {
	return ctrlproto.WriteLine(p.writer, line)
}

// ListPath asks the peer to list path. allowTilde is not forwarded: the
// wrapper on the far end always passes allow_tilde=false to its own
// LocalServer, matching spec.md §4.5.
func (p *Proxy) ListPath(path string, allowTilde bool) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.roundTrip(ctrlproto.ListRequestLine(path)); err != nil {
		return nil, err
	}
	return ctrlproto.ReadListReply(context.Background(), p.reader)
}

// RequestFileWrite asks the peer to open path for writing under mode.
func (p *Proxy) RequestFileWrite(path string, mode dataaddr.OpenMode) (uuidkit.UUID, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.roundTrip(ctrlproto.WriteFileRequestLine(mode, path)); err != nil {
		return "", 0, err
	}
	lines, err := ctrlproto.ReadRecordReply(context.Background(), p.reader, 2)
	if err != nil {
		return "", 0, err
	}

	existingStr, err := ctrlproto.ParseKeyedLine(lines[0], "AlreadyHave")
	if err != nil {
		return "", 0, err
	}
	existing, err := ctrlproto.ParseInt64("AlreadyHave", existingStr)
	if err != nil {
		return "", 0, err
	}
	uuidStr, err := ctrlproto.ParseKeyedLine(lines[1], "UUID")
	if err != nil {
		return "", 0, err
	}
	u, err := uuidkit.Parse(uuidStr)
	if err != nil {
		return "", 0, err
	}
	return u, existing, nil
}

// RequestFileRead asks the peer to open path for reading, resuming from
// alreadyHave.
func (p *Proxy) RequestFileRead(path string, alreadyHave int64) (uuidkit.UUID, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.roundTrip(ctrlproto.ReadFileRequestLine(alreadyHave, path)); err != nil {
		return "", 0, err
	}
	lines, err := ctrlproto.ReadRecordReply(context.Background(), p.reader, 2)
	if err != nil {
		return "", 0, err
	}

	remainStr, err := ctrlproto.ParseKeyedLine(lines[0], "Remain")
	if err != nil {
		return "", 0, err
	}
	remaining, err := ctrlproto.ParseInt64("Remain", remainStr)
	if err != nil {
		return "", 0, err
	}
	uuidStr, err := ctrlproto.ParseKeyedLine(lines[1], "UUID")
	if err != nil {
		return "", 0, err
	}
	u, err := uuidkit.Parse(uuidStr)
	if err != nil {
		return "", 0, err
	}
	return u, remaining, nil
}

// DataChannelAddr asks the peer for its advertised data-channel addresses.
func (p *Proxy) DataChannelAddr() ([]dataaddr.DataAddress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.roundTrip(ctrlproto.DataChannelAddrRequestLine()); err != nil {
		return nil, err
	}
	lines, err := ctrlproto.ReadListReply(context.Background(), p.reader)
	if err != nil {
		return nil, err
	}

	out := make([]dataaddr.DataAddress, 0, len(lines))
	for _, line := range lines {
		addr, err := dataaddr.Parse(line)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// RemoveUUID asks the peer to tear down the session identified by u.
func (p *Proxy) RemoveUUID(u uuidkit.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.roundTrip(ctrlproto.RemoveUUIDRequestLine(u)); err != nil {
		return false, err
	}
	if err := ctrlproto.ReadSimpleReply(context.Background(), p.reader); err != nil {
		return false, err
	}
	return true, nil
}

// SendFile asks the peer (which must own srcUUID) to push todo bytes to the
// first reachable of addrs.
func (p *Proxy) SendFile(srcUUID, dstUUID uuidkit.UUID, todo int64, addrs []dataaddr.DataAddress) (bool, error) {
	return p.remoteTransfer(ctrlproto.SendFileRequestLine(srcUUID, dstUUID, todo, addrs))
}

// GetFile has no control-channel counterpart: the control protocol defines
// a send-file command (push) but no get-file command, since asking a
// remote peer to pull is equivalent to asking it to push -- the peer that
// ends up dialing out is whichever one the orchestrator addresses with
// send-file. A Proxy therefore only ever runs the pushing byte phase of a
// transfer; an orchestrator that wants a remote peer to pull data calls
// SendFile on the *other* peer's handle instead of GetFile on this one.
// GetFile on a Proxy always fails with a validation error; internal/client
// reaches it when a Pull request names a Proxy as its Destination.
func (p *Proxy) GetFile(srcUUID, dstUUID uuidkit.UUID, todo int64, addrs []dataaddr.DataAddress) (bool, error) {
	return false, errors.NewValidationError("op", "GetFile", "a remote peer is never asked to pull over the control channel; issue SendFile on the peer instead")
}

func (p *Proxy) remoteTransfer(line string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.roundTrip(line); err != nil {
		return false, err
	}
	if err := ctrlproto.ReadSimpleReply(context.Background(), p.reader); err != nil {
		return false, err
	}
	return true, nil
}
