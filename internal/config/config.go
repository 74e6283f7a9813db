package config

import (
	"flag"
	"fmt"
	"runtime"
	"time"
)

// Constants for default values
const (
	DefaultChunkSize  = 2 * 1024 * 1024 // 2MB
	DefaultBufferSize = 512 * 1024      // 512KB
	DefaultTimeout    = 2 * time.Minute
	DefaultRetries    = 5
	DefaultChunkDelay = 10 * time.Millisecond
	DefaultMinDelay   = 1 * time.Millisecond
	DefaultMaxDelay   = 100 * time.Millisecond
	DefaultListenAddr = "0.0.0.0:8000"
	DefaultServerAddr = "localhost:8000"
	DefaultOutputDir  = "./output"

	// Daemon (cmd/etd) defaults
	DefaultControlListenAddr = "0.0.0.0:2620"
	DefaultDataListenAddr    = "0.0.0.0:2630"
	DefaultPeerDialTimeout   = 10 * time.Second

	// Buffer size constants
	SmallWriteSize  = 8 * 1024   // 8KB
	MediumWriteSize = 32 * 1024  // 32KB
	LargeWriteSize  = 64 * 1024  // 64KB
	MaxWriteSize    = 256 * 1024 // 256KB

	// Network constants
	TCPBufferSize  = 1024 * 1024     // 1MB
	HashBufferSize = 4 * 1024 * 1024 // 4MB

	// File system constants
	StateFileExt   = ".etdaemon.state"
	LogDirPerms    = 0755
	StateFilePerms = 0644
)

// Config holds all configuration parameters for the application
type Config struct {
	// Server mode settings
	IsServer      bool
	ListenAddress string
	OutputDir     string

	// Client mode settings
	ServerAddress string
	FilePath      string

	// Common parameters
	ChunkSize     int64
	BufferSize    int
	Workers       int
	Compression   bool
	VerifyHash    bool
	ShowProgress  bool
	Timeout       time.Duration
	Retries       int
	ChunkDelay    time.Duration
	AdaptiveDelay bool
	MinDelay      time.Duration
	MaxDelay      time.Duration

	// Daemon (cmd/etd) settings: the control channel and data channel each
	// get their own listen address, and the data channel's advertised host
	// may differ from its listen host (e.g. behind NAT).
	ControlListenAddress string
	DataListenAddress    string
	AdvertiseHost        string
	PeerDialTimeout      time.Duration
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.AdaptiveDelay && (c.MinDelay <= 0 || c.MaxDelay <= 0 || c.MinDelay > c.MaxDelay) {
		return fmt.Errorf("invalid adaptive delay configuration")
	}

	if !c.IsServer && c.FilePath == "" {
		return fmt.Errorf("file path is required in client mode")
	}

	return nil
}

// ParseDaemonFlags parses command-line arguments for cmd/etd: the daemon
// hosts a control-channel listener and a data-channel listener side by
// side, so it always behaves as a server in the Config.Validate sense.
func ParseDaemonFlags() (*Config, error) {
	controlListen := flag.String("control-listen", DefaultControlListenAddr, "Address the control channel listens on")
	dataListen := flag.String("data-listen", DefaultDataListenAddr, "Address the data channel listens on")
	advertiseHost := flag.String("advertise-host", "", "Host to advertise for the data channel if different from -data-listen's host (e.g. behind NAT)")
	outputDir := flag.String("output", DefaultOutputDir, "Base directory peers may request writes under")
	workers := flag.Int("workers", runtime.NumCPU()/2, "Number of worker threads")
	timeout := flag.Duration("timeout", DefaultTimeout, "Operation timeout")
	retries := flag.Int("retries", DefaultRetries, "Number of retries for failed operations")
	peerDialTimeout := flag.Duration("peer-dial-timeout", DefaultPeerDialTimeout, "Timeout for dialing a remote peer's data channel")
	adaptiveDelay := flag.Bool("adaptive-delay", false, "pace data-channel chunks by observed throughput instead of back-to-back")
	chunkDelay := flag.Duration("chunk-delay", DefaultChunkDelay, "base delay between chunks when -adaptive-delay is set")
	minDelay := flag.Duration("min-delay", DefaultMinDelay, "lower bound for the adaptive chunk delay")
	maxDelay := flag.Duration("max-delay", DefaultMaxDelay, "upper bound for the adaptive chunk delay")

	flag.Parse()

	cfg := &Config{
		IsServer:             true,
		ListenAddress:        *controlListen,
		ControlListenAddress: *controlListen,
		DataListenAddress:    *dataListen,
		AdvertiseHost:        *advertiseHost,
		OutputDir:            *outputDir,
		Workers:              *workers,
		ChunkSize:            DefaultChunkSize,
		BufferSize:           DefaultBufferSize,
		Timeout:              *timeout,
		Retries:              *retries,
		PeerDialTimeout:      *peerDialTimeout,
		AdaptiveDelay:        *adaptiveDelay,
		ChunkDelay:           *chunkDelay,
		MinDelay:             *minDelay,
		MaxDelay:             *maxDelay,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ClientArgs describes one cmd/etc invocation: move one file between two
// peers, each identified as "local" (this process acts as the peer itself)
// or a control-channel "host:port" to dial.
type ClientArgs struct {
	SourcePeer string
	SourcePath string

	DestPeer string
	DestPath string
	Mode     string // open-mode token: New, OverWrite, Resume, SkipExisting

	Push        bool // true: sendFile on the source peer. false: getFile on the destination peer.
	AlreadyHave int64

	DialTimeout  time.Duration
	ShowProgress bool
	VerifyHash   bool
}

// Validate checks that a ClientArgs names both endpoints of a transfer.
func (c *ClientArgs) Validate() error {
	if c.SourcePeer == "" || c.DestPeer == "" {
		return fmt.Errorf("both -source-peer and -dest-peer are required")
	}
	if c.SourcePath == "" || c.DestPath == "" {
		return fmt.Errorf("both -source-path and -dest-path are required")
	}
	if c.AlreadyHave < 0 {
		return fmt.Errorf("already-have cannot be negative")
	}
	return nil
}

// String returns a string representation of the arguments for logging.
func (c *ClientArgs) String() string {
	direction := "push"
	if !c.Push {
		direction = "pull"
	}
	return fmt.Sprintf("ClientArgs{%s:%s -> %s:%s, direction: %s, mode: %s}",
		c.SourcePeer, c.SourcePath, c.DestPeer, c.DestPath, direction, c.Mode)
}

// ParseClientFlags parses command-line arguments for cmd/etc.
func ParseClientFlags() (*ClientArgs, error) {
	sourcePeer := flag.String("source-peer", "local", `source peer: "local" or a control-channel host:port`)
	sourcePath := flag.String("source-path", "", "path to read on the source peer")
	destPeer := flag.String("dest-peer", "local", `destination peer: "local" or a control-channel host:port`)
	destPath := flag.String("dest-path", "", "path to write on the destination peer")
	mode := flag.String("mode", "New", "open mode for dest-path: New, OverWrite, Resume, SkipExisting")
	push := flag.Bool("push", true, "push (sendFile on the source) instead of pull (getFile on the destination)")
	alreadyHave := flag.Int64("already-have", 0, "bytes already present at dest-path, for resuming a transfer")
	dialTimeout := flag.Duration("dial-timeout", DefaultPeerDialTimeout, "timeout for dialing a remote peer's control channel")
	showProgress := flag.Bool("progress", false, "show a console progress bar for locally-observed transfer bytes")
	verifyHash := flag.Bool("verify-hash", false, "compare an MD5 hash of source and destination after a local-to-local transfer")

	flag.Parse()

	args := &ClientArgs{
		SourcePeer:   *sourcePeer,
		SourcePath:   *sourcePath,
		DestPeer:     *destPeer,
		DestPath:     *destPath,
		Mode:         *mode,
		Push:         *push,
		AlreadyHave:  *alreadyHave,
		DialTimeout:  *dialTimeout,
		ShowProgress: *showProgress,
		VerifyHash:   *verifyHash,
	}

	if err := args.Validate(); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	return args, nil
}

// String returns a string representation of the config for logging
func (c *Config) String() string {
	mode := "Client"
	if c.IsServer {
		mode = "Server"
	}

	return fmt.Sprintf("Config{Mode: %s, ChunkSize: %d, BufferSize: %d, Workers: %d, Compression: %v, AdaptiveDelay: %v}",
		mode, c.ChunkSize, c.BufferSize, c.Workers, c.Compression, c.AdaptiveDelay)
}
