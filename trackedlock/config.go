// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"time"

	"github.com/NVIDIA/stripelock/conf"
	"github.com/NVIDIA/stripelock/logger"
	"github.com/NVIDIA/stripelock/transitions"
)

func parseConfMap(confMap conf.ConfMap) (err error) {
	globals.lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if err != nil {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' defaulting to '0s': %v", err)
		globals.lockHoldTimeLimit = 0
	}

	// lockHoldTimeLimit must be >= 1 sec or 0
	if globals.lockHoldTimeLimit < time.Second && globals.lockHoldTimeLimit != 0 {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less then 1 sec; defaulting to '40s'")
		globals.lockHoldTimeLimit = 40 * time.Second
	}

	globals.lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if err != nil {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' defaulting to '0s': %v", err)
		globals.lockCheckPeriod = 0
	}

	// lockCheckPeriod must be >= 1 sec or 0
	if globals.lockCheckPeriod < time.Second && globals.lockCheckPeriod != 0 {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less then 1 sec; defaulting to '20s'")
		globals.lockCheckPeriod = 20 * time.Second
	}

	globals.lockWatcherLocksLogged = 16

	err = nil
	return
}

func init() {
	transitions.Register("trackedlock", &globals)
}

func startWatcher() {
	if globals.lockCheckPeriod == 0 || globals.lockHoldTimeLimit == 0 {
		return
	}

	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})
	globals.lockCheckTicker = time.NewTicker(globals.lockCheckPeriod)
	go lockWatcher(globals.lockCheckTicker.C)
}

func stopWatcher() {
	if globals.lockCheckTicker == nil {
		return
	}

	globals.lockCheckTicker.Stop()
	globals.lockCheckTicker = nil
	globals.stopChan <- struct{}{}
	<-globals.doneChan
}

// Up initializes the package. Locks are tracked from their first Lock() after
// Up() returns.
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	err = parseConfMap(confMap)
	if err != nil {
		return
	}
	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %d sec  LockCheckPeriod %d sec",
		globals.lockHoldTimeLimit/time.Second, globals.lockCheckPeriod/time.Second)

	globals.mapMutex.Lock()
	globals.mutexMap = make(map[*MutexTrack]interface{}, 128)
	globals.mapMutex.Unlock()

	startWatcher()

	return
}

// SignaledStart does nothing; lock tracking changes take effect in SignaledFinish()
func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return
}

// SignaledFinish restarts the watcher if the limit or period changed.
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	oldCheckPeriod := globals.lockCheckPeriod
	oldTimeLimit := globals.lockHoldTimeLimit

	err = parseConfMap(confMap)
	if err != nil {
		logger.ErrorWithError(err, "cannot parse confMap")
		return
	}

	if globals.lockCheckPeriod == oldCheckPeriod && globals.lockHoldTimeLimit == oldTimeLimit {
		return
	}

	logger.Infof("trackedlock lock hold time limit/lock check period changing from %d/%d sec to %d/%d sec",
		oldTimeLimit/time.Second, oldCheckPeriod/time.Second,
		globals.lockHoldTimeLimit/time.Second, globals.lockCheckPeriod/time.Second)

	stopWatcher()

	if globals.lockCheckPeriod == 0 {
		globals.mapMutex.Lock()
		for mt := range globals.mutexMap {
			mt.isWatched = false
			delete(globals.mutexMap, mt)
		}
		globals.mapMutex.Unlock()
	}

	startWatcher()

	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	logger.Infof("trackedlock.Down() called")

	stopWatcher()

	globals.mapMutex.Lock()
	globals.mutexMap = nil
	globals.mapMutex.Unlock()

	return
}
