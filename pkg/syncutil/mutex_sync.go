//go:build !deadlock

// Package syncutil provides the lock types used across canlink. Build with
// -tags deadlock to swap in go-deadlock's detecting implementations.
package syncutil

import "sync"

// DeadlockDetection reports whether the go-deadlock implementation is active.
const DeadlockDetection = false

type Mutex struct {
	sync.Mutex
}

type RWMutex struct {
	sync.RWMutex
}
