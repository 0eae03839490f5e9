// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package trackedlock provides sync.Mutex and sync.RWMutex wrappers that track
// how long each lock is held.
//
// If "TrackedLock.LockHoldTimeLimit" is non-zero, an Unlock() of a lock held
// longer than the limit logs a warning with the stack traces of the Lock() and
// the Unlock(). If "TrackedLock.LockCheckPeriod" is also non-zero, a watcher
// goroutine periodically logs the locks that are currently held too long.
//
// The stripe lock blob mutex and the manager tables are trackedlock locks, so a
// stuck grant path shows up in the log long before the peer gives up on us.
//
// Locks can be used before Up() is called; they are tracked from their first
// Lock() after Up().
package trackedlock

import (
	"sync"
)

// Mutex wraps sync.Mutex to add tracking of lock hold time and the stack trace
// of the locker.
type Mutex struct {
	wrappedMutex sync.Mutex
	tracker      MutexTrack
}

// RWMutex wraps sync.RWMutex. Exclusive holds are tracked like a Mutex; shared
// holds are counted and timed but carry no stack trace.
type RWMutex struct {
	wrappedRWMutex sync.RWMutex
	tracker        MutexTrack
	readers        sharedTrack
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()

	m.tracker.lockTrack(m)
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedMutex.Unlock()
}

func (m *RWMutex) Lock() {
	m.wrappedRWMutex.Lock()

	m.tracker.lockTrack(m)
}

func (m *RWMutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedRWMutex.Unlock()
}

func (m *RWMutex) RLock() {
	m.wrappedRWMutex.RLock()

	m.readers.rLockTrack()
}

func (m *RWMutex) RUnlock() {
	m.readers.rUnlockTrack(m)

	m.wrappedRWMutex.RUnlock()
}

// HeldTooLong returns the number of times any lock was observed (at Unlock() or
// by the watcher) to be held longer than LockHoldTimeLimit since Up().
func HeldTooLong() uint64 {
	return heldTooLong()
}
