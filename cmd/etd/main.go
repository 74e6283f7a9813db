// Command etd is the e-transfer daemon: it hosts a control-channel
// listener (one wrapper.ServerWrapper per accepted connection) and a
// data-channel listener (one dataserver.DataServer per accepted
// connection) side by side, sharing a single registry.Registry.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"etdaemon/internal/config"
	"etdaemon/internal/dataaddr"
	"etdaemon/internal/dataserver"
	"etdaemon/internal/errors"
	"etdaemon/internal/etdserver"
	"etdaemon/internal/logging"
	"etdaemon/internal/network"
	"etdaemon/internal/registry"
	"etdaemon/internal/wrapper"
)

func main() {
	if err := logging.SetupLogger(); err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}

	cfg, err := config.ParseDaemonFlags()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	logging.LogConfig(cfg)

	runtime.GOMAXPROCS(cfg.Workers)
	slog.Info("runtime configured", "gomaxprocs", cfg.Workers)

	reg, err := newRegistry(cfg)
	if err != nil {
		slog.Error("failed to build registry", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	setupSignalHandling(cancel)

	dataListener, err := net.Listen("tcp", cfg.DataListenAddress)
	if err != nil {
		logging.LogError(errors.NewNetworkError("listen", cfg.DataListenAddress, err), "etd.dataListener")
		os.Exit(1)
	}
	defer dataListener.Close()

	controlListener, err := net.Listen("tcp", cfg.ControlListenAddress)
	if err != nil {
		logging.LogError(errors.NewNetworkError("listen", cfg.ControlListenAddress, err), "etd.controlListener")
		os.Exit(1)
	}
	defer controlListener.Close()

	slog.Info("etd ready", "control_listen", cfg.ControlListenAddress, "data_listen", cfg.DataListenAddress)

	dataSrv := dataserver.New(reg)
	dataSrv.SetAdaptiveDelay(cfg)

	go acceptDataConnections(ctx, dataListener, dataSrv)
	acceptControlConnections(ctx, controlListener, reg)
}

// newRegistry resolves the data-channel address this daemon advertises to
// peers and constructs the registry around it. The advertised host defaults
// to the data listener's own host; -advertise-host overrides it for daemons
// behind NAT.
func newRegistry(cfg *config.Config) (*registry.Registry, error) {
	_, portStr, err := net.SplitHostPort(cfg.DataListenAddress)
	if err != nil {
		return nil, errors.NewValidationError("data_listen_address", cfg.DataListenAddress, "must be host:port")
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, errors.NewValidationError("data_listen_address", cfg.DataListenAddress, "port must be numeric or a known service name")
	}

	host := cfg.AdvertiseHost
	if host == "" {
		host, _, err = net.SplitHostPort(cfg.DataListenAddress)
		if err != nil {
			return nil, errors.NewValidationError("data_listen_address", cfg.DataListenAddress, "must be host:port")
		}
	}

	addr := dataaddr.DataAddress{Proto: "tcp", Host: host, Port: uint32(port)}
	return registry.New([]dataaddr.DataAddress{addr}), nil
}

func acceptControlConnections(ctx context.Context, listener net.Listener, reg *registry.Registry) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Error("control accept failed", "error", err)
			continue
		}
		if err := network.OptimizeTCPConnection(conn); err != nil {
			slog.Debug("control connection tuning failed", "error", err)
		}

		go func() {
			server := etdserver.New(reg, nil)
			defer server.Close()

			w := wrapper.New(conn, server)
			if err := w.Serve(ctx); err != nil {
				slog.Debug("control connection closed", "remote_addr", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func acceptDataConnections(ctx context.Context, listener net.Listener, srv *dataserver.DataServer) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Error("data accept failed", "error", err)
			continue
		}
		if err := network.OptimizeTCPConnection(conn); err != nil {
			slog.Debug("data connection tuning failed", "error", err)
		}

		go func() {
			if err := srv.Serve(conn); err != nil {
				slog.Debug("data connection closed", "remote_addr", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func setupSignalHandling(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		os.Exit(0)
	}()
}
