// Package wrapper implements the control-channel server side: it owns one
// accepted connection and one local transfer agent, dispatches request
// lines by a hand-written scanner, and serializes replies per spec.md
// §4.5/§6.2.
package wrapper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"etdaemon/internal/ctrlproto"
	"etdaemon/internal/dataaddr"
	"etdaemon/internal/etdserver"
	"etdaemon/internal/uuidkit"
)

// errUnknownCommand signals the wrapper's one fatal, no-reply case: an
// unrecognized command closes the connection outright.
var errUnknownCommand = errors.New("unknown control command")

// ServerWrapper serves the control protocol on one accepted connection,
// dispatching to a local server. The local server always sees
// allow_tilde=false: remote tilde expansion is disabled.
type ServerWrapper struct {
	conn   net.Conn
	reader *ctrlproto.LineReader
	writer *bufio.Writer
	server etdserver.Interface
}

// New wraps conn and server into a ServerWrapper ready to Serve.
func New(conn net.Conn, server etdserver.Interface) *ServerWrapper {
	return &ServerWrapper{
		conn:   conn,
		reader: ctrlproto.NewLineReader(bufio.NewReaderSize(conn, ctrlproto.ListReplyBufSize), ctrlproto.ListReplyBufSize),
		writer: bufio.NewWriter(conn),
		server: server,
	}
}

// Serve reads and dispatches requests until a fatal error: a connection
// read/write failure, or an unrecognized command. It always closes conn
// before returning.
func (w *ServerWrapper) Serve(ctx context.Context) error {
	defer w.conn.Close()

	for {
		line, err := w.reader.ReadLine(ctx)
		if err != nil {
			return err
		}

		if err := w.dispatch(ctx, line); err != nil {
			return err
		}
	}
}

func (w *ServerWrapper) reply(line string) error {
	if err := ctrlproto.WriteLine(w.writer, line); err != nil {
		return err
	}
	return nil
}

func (w *ServerWrapper) replyErr(err error) error {
	return w.reply("ERR " + err.Error())
}

// dispatch scans the command verb by hand (no regexp) and routes to the
// matching handler. Only connection I/O failures and unknown commands are
// returned as fatal; every other error becomes this command's ERR reply.
func (w *ServerWrapper) dispatch(ctx context.Context, line string) error {
	verb, rest := splitVerb(line)

	switch {
	case verb == "list":
		return w.handleList(rest)
	case strings.HasPrefix(verb, "write-file-"):
		return w.handleWriteFile(strings.TrimPrefix(verb, "write-file-"), rest)
	case verb == "read-file":
		return w.handleReadFile(rest)
	case verb == "send-file":
		return w.handleSendFile(rest)
	case verb == "data-channel-addr":
		return w.handleDataChannelAddr()
	case verb == "remove-uuid":
		return w.handleRemoveUUID(rest)
	default:
		slog.Warn("unknown control command, closing connection", "verb", verb)
		return errUnknownCommand
	}
}

// splitVerb splits "verb rest-of-line" on the first space. rest is empty if
// there is no argument.
func splitVerb(line string) (verb, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}

func (w *ServerWrapper) handleList(path string) error {
	entries, err := w.server.ListPath(path, false)
	if err != nil {
		return w.replyErr(err)
	}
	for _, e := range entries {
		if err := w.reply("OK " + e); err != nil {
			return err
		}
	}
	return w.reply("OK")
}

func (w *ServerWrapper) handleWriteFile(modeToken, path string) error {
	mode, err := dataaddr.ParseOpenMode(modeToken)
	if err != nil {
		return w.replyErr(err)
	}
	if path == "" {
		return w.replyErr(fmt.Errorf("write-file-%s requires a path", modeToken))
	}

	uuid, existing, err := w.server.RequestFileWrite(path, mode)
	if err != nil {
		return w.replyErr(err)
	}
	if err := w.reply(fmt.Sprintf("AlreadyHave:%d", existing)); err != nil {
		return err
	}
	if err := w.reply("UUID:" + uuid.String()); err != nil {
		return err
	}
	return w.reply("OK")
}

func (w *ServerWrapper) handleReadFile(rest string) error {
	alreadyHaveStr, path := splitVerb(rest)
	if path == "" {
		return w.replyErr(fmt.Errorf("read-file requires <alreadyHave> <path>"))
	}
	alreadyHave, err := ctrlproto.ParseInt64("alreadyHave", alreadyHaveStr)
	if err != nil {
		return w.replyErr(err)
	}

	uuid, remaining, err := w.server.RequestFileRead(path, alreadyHave)
	if err != nil {
		return w.replyErr(err)
	}
	if err := w.reply(fmt.Sprintf("Remain:%d", remaining)); err != nil {
		return err
	}
	if err := w.reply("UUID:" + uuid.String()); err != nil {
		return err
	}
	return w.reply("OK")
}

func (w *ServerWrapper) handleSendFile(rest string) error {
	srcTok, rest := splitVerb(rest)
	dstTok, rest := splitVerb(rest)
	todoTok, addrTok := splitVerb(rest)

	if srcTok == "" || dstTok == "" || todoTok == "" || addrTok == "" {
		return w.replyErr(fmt.Errorf("send-file requires <srcUUID> <dstUUID> <todo> <addrs>"))
	}

	srcUUID, err := uuidkit.Parse(srcTok)
	if err != nil {
		return w.replyErr(err)
	}
	dstUUID, err := uuidkit.Parse(dstTok)
	if err != nil {
		return w.replyErr(err)
	}
	todo, err := ctrlproto.ParseInt64("todo", todoTok)
	if err != nil {
		return w.replyErr(err)
	}
	addrs, err := ctrlproto.ParseDataAddrList(addrTok)
	if err != nil {
		return w.replyErr(err)
	}

	if _, err := w.server.SendFile(srcUUID, dstUUID, todo, addrs); err != nil {
		return w.replyErr(err)
	}
	return w.reply("OK")
}

func (w *ServerWrapper) handleDataChannelAddr() error {
	addrs, err := w.server.DataChannelAddr()
	if err != nil {
		return w.replyErr(err)
	}
	for _, a := range addrs {
		if err := w.reply("OK " + a.Format()); err != nil {
			return err
		}
	}
	return w.reply("OK")
}

func (w *ServerWrapper) handleRemoveUUID(uuidTok string) error {
	u, err := uuidkit.Parse(uuidTok)
	if err != nil {
		return w.replyErr(err)
	}
	if _, err := w.server.RemoveUUID(u); err != nil {
		return w.replyErr(err)
	}
	return w.reply("OK")
}
