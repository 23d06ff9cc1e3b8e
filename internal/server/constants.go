// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Per-connection WebSocket message budget over a sliding window
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Cadence of live meter frames pushed while capture is active
	MeterPushInterval = 250 * time.Millisecond
)
