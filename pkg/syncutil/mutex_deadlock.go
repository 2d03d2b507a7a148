//go:build deadlock

// Package syncutil provides the lock types used across canlink. Build with
// -tags deadlock to swap in go-deadlock's detecting implementations.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// DeadlockDetection reports whether the go-deadlock implementation is active.
const DeadlockDetection = true

func init() {
	// Register holds the registry lock across a time-boxed driver start, keep
	// the detector well above that.
	deadlock.Opts.DeadlockTimeout = 20 * time.Second
}

type Mutex struct {
	deadlock.Mutex
}

type RWMutex struct {
	deadlock.RWMutex
}
