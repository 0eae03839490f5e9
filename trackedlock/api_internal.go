// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/stripelock/logger"
)

type globalsStruct struct {
	mapMutex               sync.Mutex                  // protects mutexMap
	mutexMap               map[*MutexTrack]interface{} // locks being watched, value is the wrapping lock
	lockHoldTimeLimit      time.Duration               // locks held longer then this get logged
	lockCheckPeriod        time.Duration               // check locks once each period
	lockWatcherLocksLogged int                         // max overlimit locks logged by lockWatcher()
	stopChan               chan struct{}               // time to shutdown and go home
	doneChan               chan struct{}               // shutdown complete
	lockCheckTicker        *time.Ticker                // ticker for lock check time
	heldTooLongCount       uint64                      // atomic
}

var globals globalsStruct

// stackTraceObj holds the stack trace of one goroutine. We keep a pool of them around.
type stackTraceObj struct {
	stackTrace    []byte
	stackTraceBuf [4040]byte
}

var stackTraceObjPool = sync.Pool{
	New: func() interface{} {
		return &stackTraceObj{}
	},
}

// MutexTrack is the tracking state of a lock held in exclusive mode.
type MutexTrack struct {
	isWatched bool           // true if lock is on globals.mutexMap
	locked    bool           // protected by the wrapped lock
	lockTime  time.Time      // time last lock operation completed
	lockStack *stackTraceObj // stack trace when object was last locked
}

// sharedTrack counts shared holders and the time of the oldest one.
type sharedTrack struct {
	sync.Mutex
	count     int
	firstLock time.Time
}

func heldTooLong() uint64 {
	return atomic.LoadUint64(&globals.heldTooLongCount)
}

func (mt *MutexTrack) lockTrack(wrappedLock interface{}) {
	mt.lockTime = time.Now()
	mt.locked = true

	if globals.lockHoldTimeLimit == 0 {
		return
	}

	mt.lockStack = stackTraceObjPool.Get().(*stackTraceObj)
	mt.lockStack.stackTrace = mt.lockStack.stackTraceBuf[:]
	cnt := runtime.Stack(mt.lockStack.stackTrace, false)
	mt.lockStack.stackTrace = mt.lockStack.stackTrace[0:cnt]

	// add to the set of watched locks if anybody is watching
	if !mt.isWatched && globals.lockCheckPeriod != 0 {
		globals.mapMutex.Lock()
		if globals.mutexMap != nil {
			globals.mutexMap[mt] = wrappedLock
			mt.isWatched = true
		}
		globals.mapMutex.Unlock()
	}
}

func (mt *MutexTrack) unlockTrack(wrappedLock interface{}) {
	if globals.lockHoldTimeLimit != 0 {
		now := time.Now()
		if now.Sub(mt.lockTime) >= globals.lockHoldTimeLimit {
			var buf [4040]byte
			cnt := runtime.Stack(buf[:], false)

			lockStr := "locked before lock tracking enabled\n"
			if mt.lockStack != nil {
				lockStr = string(mt.lockStack.stackTrace)
			}
			atomic.AddUint64(&globals.heldTooLongCount, 1)
			logger.Warnf("Unlock(): %T at %p locked for %f sec; stack at call to Lock():\n%s stack at Unlock():\n%s",
				wrappedLock, wrappedLock,
				float64(now.Sub(mt.lockTime))/float64(time.Second), lockStr, string(buf[:cnt]))
		}
	}

	mt.locked = false
	if mt.lockStack != nil {
		stackTraceObjPool.Put(mt.lockStack)
		mt.lockStack = nil
	}
}

func (st *sharedTrack) rLockTrack() {
	st.Lock()
	if st.count == 0 {
		st.firstLock = time.Now()
	}
	st.count++
	st.Unlock()
}

func (st *sharedTrack) rUnlockTrack(wrappedLock interface{}) {
	st.Lock()
	st.count--
	if st.count == 0 && globals.lockHoldTimeLimit != 0 {
		held := time.Since(st.firstLock)
		if held >= globals.lockHoldTimeLimit {
			atomic.AddUint64(&globals.heldTooLongCount, 1)
			logger.Warnf("RUnlock(): %T at %p held shared for %f sec", wrappedLock, wrappedLock, float64(held)/float64(time.Second))
		}
	}
	st.Unlock()
}

// longLockHolder describes a lock that is held too long
type longLockHolder struct {
	lockPtr      interface{}
	lockTime     time.Time
	lockStackStr string
}

// lockWatcher periodically checks for locks that have been held too long, and
// logs up to globals.lockWatcherLocksLogged of them, longest first.
func lockWatcher(tickChan <-chan time.Time) {
	for shutdown := false; !shutdown; {
		select {
		case <-globals.stopChan:
			shutdown = true
			logger.Infof("trackedlock lock watcher shutting down")
			// perform one last check
		case <-tickChan:
		}

		now := time.Now()
		longLockHolders := make([]*longLockHolder, 0)

		globals.mapMutex.Lock()
		for mt, lockPtr := range globals.mutexMap {
			// Unlocked locks that have been idle for a whole period stop being watched.
			// This goroutine is the only one deleting from globals.mutexMap.
			if !mt.locked {
				if now.Sub(mt.lockTime) >= globals.lockCheckPeriod {
					mt.isWatched = false
					delete(globals.mutexMap, mt)
				}
				continue
			}

			if now.Sub(mt.lockTime) > globals.lockHoldTimeLimit {
				var stackStr string
				if lockStack := mt.lockStack; lockStack != nil {
					stackStr = string(lockStack.stackTrace)
				}
				longLockHolders = append(longLockHolders, &longLockHolder{
					lockPtr:      lockPtr,
					lockTime:     mt.lockTime,
					lockStackStr: stackStr,
				})
			}
		}
		globals.mapMutex.Unlock()

		if len(longLockHolders) == 0 {
			continue
		}

		sort.Slice(longLockHolders, func(i, j int) bool {
			return longLockHolders[i].lockTime.Before(longLockHolders[j].lockTime)
		})
		if len(longLockHolders) > globals.lockWatcherLocksLogged {
			longLockHolders = longLockHolders[:globals.lockWatcherLocksLogged]
		}

		atomic.AddUint64(&globals.heldTooLongCount, uint64(len(longLockHolders)))
		for i, holder := range longLockHolders {
			logger.Warnf("trackedlock watcher: %T at %p locked for %f sec rank %d; stack at call to Lock():\n%s",
				holder.lockPtr, holder.lockPtr,
				float64(now.Sub(holder.lockTime))/float64(time.Second), i, holder.lockStackStr)
		}
	}

	globals.doneChan <- struct{}{}
}
