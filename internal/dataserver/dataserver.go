// Package dataserver implements the data-channel server side: it reads the
// key-value framed command header off one accepted connection and then
// streams payload bytes to or from the local file of the transfer the
// header names, per spec.md §4.6/§6.3.
package dataserver

import (
	"bufio"
	"io"
	"net"
	"strings"
	"time"

	"etdaemon/internal/config"
	"etdaemon/internal/ctrlproto"
	"etdaemon/internal/dataaddr"
	"etdaemon/internal/errors"
	"etdaemon/internal/network"
	"etdaemon/internal/registry"
	"etdaemon/internal/uuidkit"
)

// maxHeaderBytes bounds the key-value header scan; the header must begin at
// byte 0 with '{' and complete within this many bytes.
const maxHeaderBytes = 4 * 1024

// scratchBufSize is the byte-phase buffer size, matching ETDServer's.
const scratchBufSize = 10 * 1024 * 1024

// DataServer serves accepted data-channel connections against a shared
// registry.
type DataServer struct {
	registry  *registry.Registry
	progress  func(uuidkit.UUID, int64)
	netStats  *network.NetworkStats
	baseDelay time.Duration
}

// New creates a DataServer backed by reg.
func New(reg *registry.Registry) *DataServer {
	return &DataServer{registry: reg}
}

// SetProgress installs a callback invoked with a transfer's UUID and the
// number of bytes just moved, once per scratch-buffer chunk, during both
// push_n and pull_n. A nil callback (the default) disables reporting.
func (d *DataServer) SetProgress(fn func(u uuidkit.UUID, n int64)) {
	d.progress = fn
}

// SetAdaptiveDelay enables the teacher's congestion-aware pacing between
// scratch-buffer chunks on push_n: cfg.AdaptiveDelay must be set, with
// cfg.MinDelay/MaxDelay bounding the delay computed from observed
// throughput. Disabled (the default) runs every chunk back-to-back.
func (d *DataServer) SetAdaptiveDelay(cfg *config.Config) {
	if cfg == nil || !cfg.AdaptiveDelay {
		d.netStats = nil
		return
	}
	d.netStats = network.NewNetworkStats(cfg)
	d.baseDelay = cfg.ChunkDelay
}

// Serve reads one command header from conn and runs the resulting push_n or
// pull_n byte phase, then closes conn.
func (d *DataServer) Serve(conn net.Conn) error {
	defer conn.Close()

	br := bufio.NewReaderSize(conn, maxHeaderBytes)
	fields, err := scanHeader(br)
	if err != nil {
		return err
	}

	uuidStr, ok := fields["uuid"]
	if !ok {
		return errors.NewProtocolError("data_header", "missing required key 'uuid'", nil)
	}
	szStr, ok := fields["sz"]
	if !ok {
		return errors.NewProtocolError("data_header", "missing required key 'sz'", nil)
	}
	pushVal, hasPush := fields["push"]
	if hasPush && pushVal != "1" {
		return errors.NewProtocolError("data_header", "push must be \"1\" if present", nil)
	}

	u, err := uuidkit.Parse(uuidStr)
	if err != nil {
		return err
	}
	sz, err := ctrlproto.ParseInt64("sz", szStr)
	if err != nil {
		return err
	}

	return d.registry.WithTransfer(u, func(t *registry.Transfer) error {
		if hasPush {
			if t.OpenMode != dataaddr.Read {
				return errors.NewValidationError("open_mode", t.OpenMode.String(), "this server was initialized, but not for reading a file")
			}
			return pushN(conn, t, sz, d.progress, d.netStats, d.baseDelay)
		}

		switch t.OpenMode {
		case dataaddr.New, dataaddr.OverWrite, dataaddr.Resume:
		case dataaddr.SkipExisting:
			return errors.NewConflictError("pull_n", t.Path, "transfer was opened SkipExisting and refuses payload")
		default:
			return errors.NewValidationError("open_mode", t.OpenMode.String(), "this server was initialized, but not for writing to file")
		}
		return pullN(br, conn, t, sz, d.progress)
	})
}

// pushN streams n bytes from the local file to the peer, then blocks on a
// 1-byte ACK. When ns is non-nil, it paces successive chunks with the
// teacher's adaptive delay instead of running them back-to-back.
func pushN(conn net.Conn, t *registry.Transfer, n int64, progress func(uuidkit.UUID, int64), ns *network.NetworkStats, baseDelay time.Duration) error {
	buf := make([]byte, scratchBufSize)
	remaining := n
	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		if _, err := io.ReadFull(t.FD, buf[:want]); err != nil {
			return errors.NewFileSystemError("push_n_read", t.Path, err)
		}
		if _, err := conn.Write(buf[:want]); err != nil {
			return errors.NewNetworkError("push_n_write", conn.RemoteAddr().String(), err)
		}
		remaining -= want
		if progress != nil {
			progress(t.UUID, want)
		}
		if ns != nil {
			ns.UpdateStats(want)
			if remaining > 0 {
				time.Sleep(ns.GetDelay(baseDelay))
			}
		}
	}

	ack := make([]byte, 1)
	if _, err := io.ReadFull(conn, ack); err != nil {
		return errors.NewNetworkError("push_n_ack", conn.RemoteAddr().String(), err)
	}
	return nil
}

// pullN streams n bytes from the peer to the local file. br is the buffered
// reader used for the header scan, so any bytes already read past the
// header's closing '}' are naturally consumed as payload before touching
// the socket again.
func pullN(br *bufio.Reader, conn net.Conn, t *registry.Transfer, n int64, progress func(uuidkit.UUID, int64)) error {
	w := io.Writer(t.FD)
	if progress != nil {
		w = &progressWriter{w: t.FD, uuid: t.UUID, report: progress}
	}
	if _, err := io.CopyN(w, br, n); err != nil {
		if err == io.EOF {
			return errors.NewNetworkError("pull_n_read", conn.RemoteAddr().String(), io.ErrUnexpectedEOF)
		}
		return errors.NewFileSystemError("pull_n_write", t.Path, err)
	}

	if _, err := conn.Write([]byte{'y'}); err != nil {
		return errors.NewNetworkError("pull_n_ack", conn.RemoteAddr().String(), err)
	}
	return nil
}

// progressWriter reports each successful Write to the supplied callback,
// letting pull_n reuse io.CopyN while still reporting chunk-by-chunk
// progress.
type progressWriter struct {
	w      io.Writer
	uuid   uuidkit.UUID
	report func(uuidkit.UUID, int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		p.report(p.uuid, int64(n))
	}
	return n, err
}

// --- header scanning (hand-written, not regexp; spec.md §9) ---

type headerScanner struct {
	br       *bufio.Reader
	consumed int
}

func (s *headerScanner) readByte() (byte, error) {
	b, err := s.br.ReadByte()
	if err != nil {
		return 0, errors.NewNetworkError("data_header_read", "", err)
	}
	s.consumed++
	if s.consumed > maxHeaderBytes {
		return 0, errors.NewProtocolError("data_header", "header exceeds 4KiB without closing '}'", nil)
	}
	return b, nil
}

func (s *headerScanner) peekByte() (byte, error) {
	b, err := s.br.Peek(1)
	if err != nil {
		return 0, errors.NewNetworkError("data_header_read", "", err)
	}
	return b[0], nil
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isKeyChar(b byte) bool {
	return isLetter(b) || isDigit(b) || b == '_' || b == '-'
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func (s *headerScanner) skipSpace() error {
	for {
		b, err := s.peekByte()
		if err != nil {
			return err
		}
		if !isWhitespace(b) {
			return nil
		}
		if _, err := s.readByte(); err != nil {
			return err
		}
	}
}

func (s *headerScanner) readKey() (string, error) {
	var sb strings.Builder
	first, err := s.readByte()
	if err != nil {
		return "", err
	}
	if !isLetter(first) {
		return "", errors.NewProtocolError("data_header", "key must start with a letter", nil)
	}
	sb.WriteByte(first)

	for {
		b, err := s.peekByte()
		if err != nil {
			return "", err
		}
		if !isKeyChar(b) {
			break
		}
		if _, err := s.readByte(); err != nil {
			return "", err
		}
		sb.WriteByte(b)
	}
	if sb.Len() < 2 {
		return "", errors.NewProtocolError("data_header", "key too short", nil)
	}
	return sb.String(), nil
}

func (s *headerScanner) readValue() (string, error) {
	b, err := s.peekByte()
	if err != nil {
		return "", err
	}
	if b == '"' {
		return s.readQuotedValue()
	}
	return s.readBareValue()
}

func (s *headerScanner) readQuotedValue() (string, error) {
	if _, err := s.readByte(); err != nil { // opening quote
		return "", err
	}
	var sb strings.Builder
	for {
		b, err := s.readByte()
		if err != nil {
			return "", err
		}
		if b == '\\' {
			next, err := s.peekByte()
			if err == nil && next == '"' {
				_, _ = s.readByte()
				sb.WriteByte('"')
				continue
			}
			sb.WriteByte('\\')
			continue
		}
		if b == '"' {
			break
		}
		sb.WriteByte(b)
	}
	return strings.TrimRight(sb.String(), "\\"), nil
}

func (s *headerScanner) readBareValue() (string, error) {
	var sb strings.Builder
	for {
		b, err := s.peekByte()
		if err != nil {
			return "", err
		}
		if isWhitespace(b) || b == ',' || b == '}' {
			break
		}
		if _, err := s.readByte(); err != nil {
			return "", err
		}
		sb.WriteByte(b)
	}
	if sb.Len() == 0 {
		return "", errors.NewProtocolError("data_header", "empty value", nil)
	}
	return sb.String(), nil
}

// scanHeader reads a "{ key:value, key:value, ... }" block starting at the
// first byte of br. Keys are case-insensitive; duplicate keys are a
// protocol error.
func scanHeader(br *bufio.Reader) (map[string]string, error) {
	s := &headerScanner{br: br}

	first, err := s.readByte()
	if err != nil {
		return nil, err
	}
	if first != '{' {
		return nil, errors.NewProtocolError("data_header", "command must begin with '{'", nil)
	}

	if err := s.skipSpace(); err != nil {
		return nil, err
	}

	fields := make(map[string]string)
	for {
		b, err := s.peekByte()
		if err != nil {
			return nil, err
		}
		if b == '}' {
			_, _ = s.readByte()
			break
		}

		key, err := s.readKey()
		if err != nil {
			return nil, err
		}
		if err := s.skipSpace(); err != nil {
			return nil, err
		}
		colon, err := s.readByte()
		if err != nil {
			return nil, err
		}
		if colon != ':' {
			return nil, errors.NewProtocolError("data_header", "expected ':' after key", nil)
		}
		if err := s.skipSpace(); err != nil {
			return nil, err
		}
		value, err := s.readValue()
		if err != nil {
			return nil, err
		}

		lkey := strings.ToLower(key)
		if _, dup := fields[lkey]; dup {
			return nil, errors.NewProtocolError("data_header", "duplicate key: "+lkey, nil)
		}
		fields[lkey] = value

		if err := s.skipSpace(); err != nil {
			return nil, err
		}
		sep, err := s.readByte()
		if err != nil {
			return nil, err
		}
		switch sep {
		case ',':
			if err := s.skipSpace(); err != nil {
				return nil, err
			}
		case '}':
			return fields, nil
		default:
			return nil, errors.NewProtocolError("data_header", "expected ',' or '}' after value", nil)
		}
	}
	return fields, nil
}
