// Package client implements the orchestrating Client of spec.md §2: it
// sequences the six control-plane RPCs across two etdserver.Interface
// handles (each either a local server or a remote proxy) to move one file
// between two peers, without ever knowing which kind of handle it holds.
package client

import (
	"log/slog"
	"time"

	"etdaemon/internal/dataaddr"
	"etdaemon/internal/errors"
	"etdaemon/internal/etdserver"
	"etdaemon/internal/logging"
	"etdaemon/internal/uuidkit"
)

// Direction selects which side of the transfer dials out and which byte
// phase runs: spec.md §2's "sendFile(src,dst,...) on the source (push) or
// getFile(src,dst,...) on the destination (pull)".
type Direction int

const (
	Push Direction = iota
	Pull
)

// Request describes one file move between two peer handles.
type Request struct {
	Source      etdserver.Interface
	SourcePath  string
	AlreadyHave int64

	Destination etdserver.Interface
	DestPath    string
	Mode        dataaddr.OpenMode

	Direction Direction
}

// Result reports what Run actually moved.
type Result struct {
	SourceUUID       uuidkit.UUID
	DestUUID         uuidkit.UUID
	BytesTransferred int64
	Elapsed          time.Duration
}

// Run performs the six-step sequence of spec.md §2: requestFileRead on the
// source, requestFileWrite on the destination, dataChannelAddr on whichever
// side is about to receive a dial, the push-or-pull byte phase, then
// removeUUID on both sides regardless of outcome.
func Run(req Request) (*Result, error) {
	start := time.Now()

	srcUUID, remaining, err := req.Source.RequestFileRead(req.SourcePath, req.AlreadyHave)
	if err != nil {
		return nil, err
	}

	dstUUID, existing, err := req.Destination.RequestFileWrite(req.DestPath, req.Mode)
	if err != nil {
		if _, rmErr := req.Source.RemoveUUID(srcUUID); rmErr != nil {
			slog.Debug("cleanup after failed requestFileWrite", "uuid", srcUUID.String(), "error", rmErr)
		}
		return nil, err
	}

	slog.Info("transfer starting",
		"source_uuid", srcUUID.String(), "dest_uuid", dstUUID.String(),
		"src_path", req.SourcePath, "dst_path", req.DestPath,
		"already_have", req.AlreadyHave, "dest_existing", existing, "todo", remaining)

	transferErr := runByteTransfer(req, srcUUID, dstUUID, remaining)

	_, rmSrcErr := req.Source.RemoveUUID(srcUUID)
	_, rmDstErr := req.Destination.RemoveUUID(dstUUID)

	if transferErr != nil {
		logging.LogError(transferErr, "client.Run")
		return nil, transferErr
	}
	if rmSrcErr != nil {
		return nil, rmSrcErr
	}
	if rmDstErr != nil {
		return nil, rmDstErr
	}

	elapsed := time.Since(start)
	logging.LogTransferComplete(req.SourcePath, remaining, elapsed)
	return &Result{SourceUUID: srcUUID, DestUUID: dstUUID, BytesTransferred: remaining, Elapsed: elapsed}, nil
}

// runByteTransfer drives the push-or-pull byte phase exactly once. The
// registry's transfer file descriptor advances as bytes move, with no
// record of how much of todo actually landed on a failed attempt, so a
// whole-call retry here could re-read/re-write the wrong byte range (short
// reads on the source side, duplicated or skipped bytes on the
// destination); retrying would need the registry to track a resumable
// offset, which it does not. A caller that wants to retry a failed
// transfer should start a fresh RequestFileRead/RequestFileWrite pair,
// the same way a Resume open mode already lets it pick up where a
// previous attempt left off.
func runByteTransfer(req Request, srcUUID, dstUUID uuidkit.UUID, todo int64) error {
	switch req.Direction {
	case Push:
		addrs, err := req.Destination.DataChannelAddr()
		if err != nil {
			return err
		}
		ok, err := req.Source.SendFile(srcUUID, dstUUID, todo, addrs)
		return classify("send_file", ok, err)
	case Pull:
		addrs, err := req.Source.DataChannelAddr()
		if err != nil {
			return err
		}
		ok, err := req.Destination.GetFile(srcUUID, dstUUID, todo, addrs)
		return classify("get_file", ok, err)
	default:
		return errors.NewValidationError("direction", req.Direction, "unknown transfer direction")
	}
}

func classify(op string, ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewProtocolError(op, "peer reported failure without an error", nil)
	}
	return nil
}
