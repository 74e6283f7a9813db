// Package network carries the teacher's adaptive pacing and TCP tuning
// forward from per-chunk control into the data channel's scratch-buffer
// byte phase (internal/dataserver's push_n/pull_n).
package network

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"etdaemon/internal/config"
	"etdaemon/internal/errors"
)

// NetworkStats tracks transfer rate to drive an adaptive delay between
// scratch-buffer chunks: it backs off when throughput drops and relaxes
// when it recovers, bounded by [minDelay, maxDelay].
type NetworkStats struct {
	LastChunkTime   time.Time
	LastChunkSize   int64
	AvgTransferRate float64 // bytes per second
	DelayMultiplier float64 // adjusts delay up/down
	minDelay        time.Duration
	maxDelay        time.Duration
}

// NewNetworkStats initializes a new NetworkStats instance with values from config
func NewNetworkStats(cfg *config.Config) *NetworkStats {
	minDelay := config.DefaultMinDelay
	maxDelay := config.DefaultMaxDelay

	// Use config values if adaptive delay is enabled
	if cfg.AdaptiveDelay {
		minDelay = cfg.MinDelay
		maxDelay = cfg.MaxDelay
	}

	return &NetworkStats{
		LastChunkTime:   time.Now(),
		DelayMultiplier: 1.0,
		minDelay:        minDelay,
		maxDelay:        maxDelay,
	}
}

// UpdateStats updates network statistics based on the latest chunk transfer
func (ns *NetworkStats) UpdateStats(chunkSize int64) {
	now := time.Now()
	duration := now.Sub(ns.LastChunkTime)

	// Calculate bytes per second
	if duration > 0 {
		currentRate := float64(chunkSize) / duration.Seconds()
		prevMultiplier := ns.DelayMultiplier

		// Smooth the rate with exponential moving average
		if ns.AvgTransferRate == 0 {
			ns.AvgTransferRate = currentRate
		} else {
			ns.AvgTransferRate = 0.7*ns.AvgTransferRate + 0.3*currentRate
		}

		// Adjust delay multiplier based on transfer rate
		if currentRate < 0.7*ns.AvgTransferRate {
			ns.DelayMultiplier *= 1.2
		} else if currentRate > 1.2*ns.AvgTransferRate {
			ns.DelayMultiplier *= 0.8
		}

		// Keep multiplier in reasonable bounds
		if ns.DelayMultiplier < 0.1 {
			ns.DelayMultiplier = 0.1
		} else if ns.DelayMultiplier > 10 {
			ns.DelayMultiplier = 10
		}

		// Log significant changes in network conditions
		if ns.DelayMultiplier != prevMultiplier {
			currentRateMB := currentRate / (1024 * 1024)
			avgRateMB := ns.AvgTransferRate / (1024 * 1024)

			if ns.DelayMultiplier > prevMultiplier {
				slog.Info("Network congestion detected",
					"current_rate_mbps", fmt.Sprintf("%.2f", currentRateMB),
					"avg_rate_mbps", fmt.Sprintf("%.2f", avgRateMB),
					"delay_factor", fmt.Sprintf("%.1f", ns.DelayMultiplier))
			} else {
				slog.Info("Network improving",
					"current_rate_mbps", fmt.Sprintf("%.2f", currentRateMB),
					"avg_rate_mbps", fmt.Sprintf("%.2f", avgRateMB),
					"delay_factor", fmt.Sprintf("%.1f", ns.DelayMultiplier))
			}
		}
	}

	ns.LastChunkTime = now
	ns.LastChunkSize = chunkSize
}

// GetDelay calculates the adaptive delay based on current network conditions
func (ns *NetworkStats) GetDelay(baseDelay time.Duration) time.Duration {
	delay := time.Duration(float64(baseDelay) * ns.DelayMultiplier)

	// Apply bounds
	if delay < ns.minDelay {
		delay = ns.minDelay
	}
	if delay > ns.maxDelay {
		delay = ns.maxDelay
	}

	return delay
}

// OptimizeTCPConnection applies TCP optimizations to a connection
func OptimizeTCPConnection(conn net.Conn) error {
	tcpConn, isTCP := conn.(*net.TCPConn)
	if !isTCP {
		return nil // Not a TCP connection, skip optimizations
	}

	// Enable keep-alive to detect dead connections
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return errors.NewNetworkError("set_keepalive", conn.RemoteAddr().String(), err)
	}

	// Set keep-alive interval
	if err := tcpConn.SetKeepAlivePeriod(30 * time.Second); err != nil {
		slog.Warn("Failed to set TCP keepalive period", "error", err)
	}

	// Disable Nagle's algorithm for better performance with chunking
	if err := tcpConn.SetNoDelay(true); err != nil {
		slog.Warn("Failed to disable Nagle's algorithm", "error", err)
	}

	// Set larger buffer sizes for high throughput
	if err := tcpConn.SetReadBuffer(config.TCPBufferSize); err != nil {
		slog.Warn("Failed to set TCP read buffer", "error", err)
	}

	if err := tcpConn.SetWriteBuffer(config.TCPBufferSize); err != nil {
		slog.Warn("Failed to set TCP write buffer", "error", err)
	}

	return nil
}
