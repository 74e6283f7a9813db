// Package etdserver implements the local transfer agent: the capability
// set {listPath, requestFileRead, requestFileWrite, dataChannelAddr,
// sendFile, getFile, removeUUID} performed against files on this host.
package etdserver

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"etdaemon/internal/dataaddr"
	"etdaemon/internal/errors"
	"etdaemon/internal/filesystem"
	"etdaemon/internal/registry"
	"etdaemon/internal/uuidkit"
)

// scratchBufSize is the buffer size used to stream file payload over the
// data channel, matching the 10 MiB scratch buffer of the reference
// implementation.
const scratchBufSize = 10 * 1024 * 1024

// Interface is the capability set shared by a local server and a remote
// proxy: callers hold one of these, never caring which.
type Interface interface {
	ListPath(path string, allowTilde bool) ([]string, error)
	RequestFileWrite(path string, mode dataaddr.OpenMode) (uuidkit.UUID, int64, error)
	RequestFileRead(path string, alreadyHave int64) (uuidkit.UUID, int64, error)
	DataChannelAddr() ([]dataaddr.DataAddress, error)
	RemoveUUID(u uuidkit.UUID) (bool, error)
	SendFile(srcUUID, dstUUID uuidkit.UUID, todo int64, addrs []dataaddr.DataAddress) (bool, error)
	GetFile(srcUUID, dstUUID uuidkit.UUID, todo int64, addrs []dataaddr.DataAddress) (bool, error)
}

// Dialer opens a data-channel connection to one advertised address. Tests
// substitute a fake; production code dials real sockets.
type Dialer func(proto, host string, port uint32) (net.Conn, error)

// DialTCP is the default Dialer: everything but "tcp" is rejected, since
// this host has no UDT transport available.
func DialTCP(proto, host string, port uint32) (net.Conn, error) {
	if proto != "tcp" {
		return nil, errors.NewNetworkError("dial", proto, fmt.Errorf("unsupported data-channel protocol %q", proto))
	}
	return net.Dial("tcp", net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10)))
}

// LocalServer performs file I/O on this host on behalf of exactly one
// transfer session, identified by UUID for its lifetime.
type LocalServer struct {
	uuid     uuidkit.UUID
	registry *registry.Registry
	dial     Dialer
	progress func(uuidkit.UUID, int64)
}

// New creates a LocalServer with a fresh UUID, backed by reg. dial is used
// to open outbound data-channel connections; a nil dial defaults to
// DialTCP.
func New(reg *registry.Registry, dial Dialer) *LocalServer {
	if dial == nil {
		dial = DialTCP
	}
	return &LocalServer{uuid: uuidkit.New(), registry: reg, dial: dial}
}

// SetProgress installs a callback invoked with this server's own UUID and
// the number of bytes just moved, once per scratch-buffer chunk, during
// SendFile and GetFile. A nil callback (the default) disables reporting.
func (s *LocalServer) SetProgress(fn func(u uuidkit.UUID, n int64)) {
	s.progress = fn
}

// UUID reports the session identifier this server owns.
func (s *LocalServer) UUID() uuidkit.UUID {
	return s.uuid
}

func normalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.NewFileSystemError("normalize_path", path, err)
	}
	return filepath.Clean(abs), nil
}

// ListPath enumerates directory entries matching path. A trailing "/"
// requests the directory's contents rather than the directory entry
// itself. Directory entries in the result carry a trailing "/".
func (s *LocalServer) ListPath(path string, allowTilde bool) ([]string, error) {
	if path == "" {
		return nil, errors.NewValidationError("path", path, "listing an empty path is not allowed")
	}

	if allowTilde && strings.Contains(path, "~") {
		// Go's path/filepath has no tilde expansion on any platform, so a
		// caller asking for it against a path that needs it always fails.
		return nil, errors.NewValidationError("path", path, "tilde expansion is not supported on this platform")
	}

	gPath := path
	if strings.HasSuffix(path, "/") {
		gPath += "*"
	}

	matches, err := filepath.Glob(gPath)
	if err != nil {
		return nil, errors.NewValidationError("path", path, "bad glob pattern")
	}

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		entry := m
		if info, statErr := os.Stat(m); statErr == nil && info.IsDir() {
			entry += "/"
		}
		out = append(out, entry)
	}
	return out, nil
}

// openFlagsFor maps a write OpenMode to the os.OpenFile flags used to
// create or reopen the target file. New and SkipExisting both create the
// file exclusively so that a pre-existing target is refused up front;
// SkipExisting's later refusal of any actual payload happens in the data
// server, not here.
func openFlagsFor(mode dataaddr.OpenMode) (int, error) {
	switch mode {
	case dataaddr.New, dataaddr.SkipExisting:
		return os.O_CREATE | os.O_EXCL | os.O_WRONLY, nil
	case dataaddr.OverWrite:
		return os.O_CREATE | os.O_TRUNC | os.O_WRONLY, nil
	case dataaddr.Resume:
		return os.O_CREATE | os.O_WRONLY, nil
	default:
		return 0, errors.NewValidationError("open_mode", mode.String(), "invalid open mode for requestFileWrite")
	}
}

// RequestFileWrite opens path for writing under mode and registers a new
// transfer under this server's UUID.
func (s *LocalServer) RequestFileWrite(path string, mode dataaddr.OpenMode) (uuidkit.UUID, int64, error) {
	if !mode.IsWriteMode() {
		return "", 0, errors.NewValidationError("open_mode", mode.String(), "invalid open mode for requestFileWrite")
	}
	if err := filesystem.ValidateFilePath(path); err != nil {
		return "", 0, err
	}

	nPath, err := normalizePath(path)
	if err != nil {
		return "", 0, err
	}

	flags, err := openFlagsFor(mode)
	if err != nil {
		return "", 0, err
	}

	if err := filesystem.SafeFileOperation("mkdir", nPath, func() error {
		return os.MkdirAll(filepath.Dir(nPath), 0755)
	}); err != nil {
		return "", 0, err
	}

	var fd *os.File
	if err := filesystem.SafeFileOperation("open", nPath, func() error {
		var openErr error
		fd, openErr = os.OpenFile(nPath, flags, 0644)
		return openErr
	}); err != nil {
		return "", 0, err
	}

	var existingSize int64
	if err := filesystem.SafeFileOperation("seek", nPath, func() error {
		var seekErr error
		existingSize, seekErr = fd.Seek(0, io.SeekEnd)
		return seekErr
	}); err != nil {
		fd.Close()
		return "", 0, err
	}

	if _, err := s.registry.Insert(s.uuid, nPath, mode, fd); err != nil {
		fd.Close()
		return "", 0, err
	}

	slog.Debug("requestFileWrite", "uuid", s.uuid.String(), "path", nPath, "mode", mode.String(), "existing_size", existingSize)
	return s.uuid, existingSize, nil
}

// RequestFileRead opens path read-only, seeks to alreadyHave, and registers
// a new Read transfer under this server's UUID.
func (s *LocalServer) RequestFileRead(path string, alreadyHave int64) (uuidkit.UUID, int64, error) {
	if err := filesystem.ValidateFilePath(path); err != nil {
		return "", 0, err
	}

	nPath, err := normalizePath(path)
	if err != nil {
		return "", 0, err
	}

	fd, err := os.OpenFile(nPath, os.O_RDONLY, 0)
	if err != nil {
		return "", 0, errors.NewFileSystemError("open", nPath, err)
	}

	size, err := fd.Seek(0, io.SeekEnd)
	if err != nil {
		fd.Close()
		return "", 0, errors.NewFileSystemError("seek", nPath, err)
	}

	if _, err := fd.Seek(alreadyHave, io.SeekStart); err != nil {
		fd.Close()
		return "", 0, errors.NewFileSystemError("seek", nPath, err)
	}

	if _, err := s.registry.Insert(s.uuid, nPath, dataaddr.Read, fd); err != nil {
		fd.Close()
		return "", 0, err
	}

	remaining := size - alreadyHave
	slog.Debug("requestFileRead", "uuid", s.uuid.String(), "path", nPath, "remaining", remaining)
	return s.uuid, remaining, nil
}

// DataChannelAddr returns the registry's advertised data-channel
// addresses.
func (s *LocalServer) DataChannelAddr() ([]dataaddr.DataAddress, error) {
	return s.registry.DataAddrs(), nil
}

// RemoveUUID tears down the session identified by u, which must equal this
// server's own UUID.
func (s *LocalServer) RemoveUUID(u uuidkit.UUID) (bool, error) {
	if u != s.uuid {
		return false, errors.NewValidationError("uuid", u.String(), "cannot remove someone else's uuid")
	}
	removed, err := s.registry.Remove(u)
	if err == nil {
		slog.Debug("removeUUID", "uuid", u.String(), "removed", removed)
	}
	return removed, err
}

// Close releases this server's session, if any, swallowing errors as the
// reference destructor does.
func (s *LocalServer) Close() {
	if _, err := s.RemoveUUID(s.uuid); err != nil {
		slog.Debug("close: removeUUID failed", "uuid", s.uuid.String(), "error", err)
	}
}

func (s *LocalServer) dialAny(addrs []dataaddr.DataAddress) (net.Conn, error) {
	tried := make([]string, 0, len(addrs))
	reasons := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		conn, err := s.dial(addr.Proto, addr.Host, addr.Port)
		if err == nil {
			return conn, nil
		}
		tried = append(tried, addr.Format())
		reasons = append(reasons, err.Error())
	}
	return nil, errors.NewConnectivityError("dial_data_channel", tried, reasons)
}

// SendFile pushes todo bytes of the local file this server has open for
// reading to the peer identified by the first reachable of addrs.
func (s *LocalServer) SendFile(srcUUID, dstUUID uuidkit.UUID, todo int64, addrs []dataaddr.DataAddress) (bool, error) {
	if srcUUID != s.uuid {
		return false, errors.NewValidationError("uuid", srcUUID.String(), "not this server's uuid")
	}

	var ok bool
	err := s.registry.WithTransfer(srcUUID, func(t *registry.Transfer) error {
		if t.OpenMode != dataaddr.Read {
			return errors.NewValidationError("open_mode", t.OpenMode.String(), "this server was initialized, but not for reading a file")
		}

		conn, err := s.dialAny(addrs)
		if err != nil {
			return err
		}
		defer conn.Close()

		header := fmt.Sprintf("{ uuid:%s, sz:%d}", dstUUID.String(), todo)
		if _, err := conn.Write([]byte(header)); err != nil {
			return errors.NewNetworkError("send_file_header", conn.RemoteAddr().String(), err)
		}

		buf := make([]byte, scratchBufSize)
		remaining := todo
		for remaining > 0 {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			if _, err := io.ReadFull(t.FD, buf[:n]); err != nil {
				return errors.NewFileSystemError("send_file_read", t.Path, err)
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return errors.NewNetworkError("send_file_write", conn.RemoteAddr().String(), err)
			}
			remaining -= n
			if s.progress != nil {
				s.progress(srcUUID, n)
			}
		}

		ack := make([]byte, 1)
		if _, err := io.ReadFull(conn, ack); err != nil {
			return errors.NewNetworkError("send_file_ack", conn.RemoteAddr().String(), err)
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// GetFile pulls todo bytes from the peer identified by the first reachable
// of addrs and writes them to the local file this server has open for
// writing. SkipExisting is deliberately excluded: a session opened that way
// must never receive payload.
func (s *LocalServer) GetFile(srcUUID, dstUUID uuidkit.UUID, todo int64, addrs []dataaddr.DataAddress) (bool, error) {
	if dstUUID != s.uuid {
		return false, errors.NewValidationError("uuid", dstUUID.String(), "not this server's uuid")
	}

	var ok bool
	err := s.registry.WithTransfer(dstUUID, func(t *registry.Transfer) error {
		switch t.OpenMode {
		case dataaddr.OverWrite, dataaddr.New, dataaddr.Resume:
		default:
			return errors.NewValidationError("open_mode", t.OpenMode.String(), "this server was initialized, but not for writing to file")
		}

		conn, err := s.dialAny(addrs)
		if err != nil {
			return err
		}
		defer conn.Close()

		header := fmt.Sprintf("{ uuid:%s, push:1, sz:%d}", srcUUID.String(), todo)
		if _, err := conn.Write([]byte(header)); err != nil {
			return errors.NewNetworkError("get_file_header", conn.RemoteAddr().String(), err)
		}

		buf := make([]byte, scratchBufSize)
		remaining := todo
		for remaining > 0 {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			read, err := conn.Read(buf[:n])
			if read > 0 {
				if _, werr := t.FD.Write(buf[:read]); werr != nil {
					return errors.NewFileSystemError("get_file_write", t.Path, werr)
				}
				remaining -= int64(read)
				if s.progress != nil {
					s.progress(dstUUID, int64(read))
				}
			}
			if err != nil {
				if err == io.EOF && remaining > 0 {
					return errors.NewNetworkError("get_file_read", conn.RemoteAddr().String(), fmt.Errorf("peer closed connection with %d bytes outstanding", remaining))
				}
				if err != io.EOF {
					return errors.NewNetworkError("get_file_read", conn.RemoteAddr().String(), err)
				}
			}
		}

		if _, err := conn.Write([]byte{'y'}); err != nil {
			return errors.NewNetworkError("get_file_ack", conn.RemoteAddr().String(), err)
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}
