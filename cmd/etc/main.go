// Command etc drives one file transfer between two peers, each named as
// "local" (an in-process transfer agent this process hosts itself, with its
// own ephemeral data-channel listener) or a remote daemon's control-channel
// "host:port". It supplements spec.md's transfer subsystem with the driver
// program original_source/src/etc.cc leaves implicit.
package main

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"etdaemon/internal/client"
	"etdaemon/internal/config"
	"etdaemon/internal/dataaddr"
	"etdaemon/internal/dataserver"
	"etdaemon/internal/errors"
	"etdaemon/internal/etdproxy"
	"etdaemon/internal/etdserver"
	"etdaemon/internal/filesystem"
	"etdaemon/internal/logging"
	"etdaemon/internal/network"
	"etdaemon/internal/progress"
	"etdaemon/internal/registry"
	"etdaemon/internal/uuidkit"
)

func main() {
	if err := logging.SetupLogger(); err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}

	args, err := config.ParseClientFlags()
	if err != nil {
		slog.Error("argument error", "error", err)
		os.Exit(1)
	}
	slog.Info("etc starting", "args", args.String())

	mode, err := dataaddr.ParseOpenMode(args.Mode)
	if err != nil {
		slog.Error("bad -mode", "error", err)
		os.Exit(1)
	}

	var stats *progress.Stats
	var progressFn func(uuidkit.UUID, int64)
	if args.ShowProgress {
		stats = &progress.Stats{StartTime: time.Now(), Filename: filepath.Base(args.SourcePath)}
		if args.SourcePeer == "local" {
			if info, statErr := filesystem.GetFileInfo(args.SourcePath); statErr == nil {
				stats.TotalBytes = info.Size - args.AlreadyHave
				stats.FileSize = info.Size
			}
		}
		progressFn = func(_ uuidkit.UUID, n int64) { stats.UpdateTransferred(n) }
	}

	source, closeSource, err := connectPeer(args.SourcePeer, args.DialTimeout, progressFn)
	if err != nil {
		logging.LogError(err, "etc.connectSource")
		os.Exit(1)
	}
	defer closeSource()

	dest, closeDest, err := connectPeer(args.DestPeer, args.DialTimeout, progressFn)
	if err != nil {
		logging.LogError(err, "etc.connectDest")
		os.Exit(1)
	}
	defer closeDest()

	var reporter *progress.Reporter
	if stats != nil {
		reporter = progress.NewReporter(stats, true)
		reporter.Start()
	}

	direction := client.Push
	if !args.Push {
		direction = client.Pull
	}

	result, err := client.Run(client.Request{
		Source:      source,
		SourcePath:  args.SourcePath,
		AlreadyHave: args.AlreadyHave,
		Destination: dest,
		DestPath:    args.DestPath,
		Mode:        mode,
		Direction:   direction,
	})
	if reporter != nil {
		reporter.Stop()
	}
	if err != nil {
		logging.LogError(err, "etc.Run")
		os.Exit(1)
	}

	if args.VerifyHash && args.SourcePeer == "local" && args.DestPeer == "local" {
		if err := verifyLocalHashes(args.SourcePath, args.DestPath); err != nil {
			logging.LogError(err, "etc.verifyHash")
			os.Exit(1)
		}
	}

	logging.LogSessionEnd(true, result.BytesTransferred, result.Elapsed)
}

// verifyLocalHashes compares the MD5 hash of two files this process can read
// directly, for the local-to-local case where both paths are on this host.
func verifyLocalHashes(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return errors.NewFileSystemError("open", srcPath, err)
	}
	defer srcFile.Close()

	dstFile, err := os.Open(dstPath)
	if err != nil {
		return errors.NewFileSystemError("open", dstPath, err)
	}
	defer dstFile.Close()

	srcHash, err := filesystem.CalculateFileHash(srcFile)
	if err != nil {
		return err
	}
	dstHash, err := filesystem.CalculateFileHash(dstFile)
	if err != nil {
		return err
	}
	if srcHash != dstHash {
		return errors.NewValidationError("hash", dstHash, "destination hash does not match source hash "+srcHash)
	}

	slog.Info("hash verified", "md5", srcHash)
	return nil
}

// connectPeer resolves a peer argument to an etdserver.Interface. "local"
// spins up an in-process transfer agent with its own ephemeral data-channel
// listener; anything else is dialed as a remote daemon's control channel.
// progressFn, if non-nil, is wired into a local peer's byte-phase loops;
// remote peers report no local progress since the bytes never touch this
// process.
func connectPeer(peer string, dialTimeout time.Duration, progressFn func(uuidkit.UUID, int64)) (etdserver.Interface, func(), error) {
	if peer == "local" {
		return newLocalPeer(progressFn)
	}
	return dialRemotePeer(peer, dialTimeout)
}

// localPeer bundles a LocalServer with the ephemeral data-channel listener
// backing it, so its accept loop can be torn down once the transfer is done.
type localPeer struct {
	server   *etdserver.LocalServer
	listener net.Listener
}

func newLocalPeer(progressFn func(uuidkit.UUID, int64)) (etdserver.Interface, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, errors.NewNetworkError("listen", "127.0.0.1:0", err)
	}

	tcpAddr := listener.Addr().(*net.TCPAddr)
	reg := registry.New([]dataaddr.DataAddress{{Proto: "tcp", Host: tcpAddr.IP.String(), Port: uint32(tcpAddr.Port)}})
	srv := dataserver.New(reg)
	if progressFn != nil {
		srv.SetProgress(progressFn)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			if err := network.OptimizeTCPConnection(conn); err != nil {
				slog.Debug("local data connection tuning failed", "error", err)
			}
			go func() {
				if err := srv.Serve(conn); err != nil {
					slog.Debug("local data connection closed", "error", err)
				}
			}()
		}
	}()

	server := etdserver.New(reg, nil)
	if progressFn != nil {
		server.SetProgress(progressFn)
	}

	local := &localPeer{server: server, listener: listener}
	closer := func() {
		local.server.Close()
		local.listener.Close()
		<-done
	}
	return local.server, closer, nil
}

func dialRemotePeer(addr string, dialTimeout time.Duration) (etdserver.Interface, func(), error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, nil, errors.NewNetworkError("dial", addr, err)
	}
	if err := network.OptimizeTCPConnection(conn); err != nil {
		slog.Debug("remote control connection tuning failed", "error", err)
	}
	p := etdproxy.New(conn)
	return p, func() { p.Close() }, nil
}
