// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"regexp"
	"runtime"
	"strconv"
	"sync"
)

var (
	extractFnNameRE     = regexp.MustCompile(`[^\/]*$`)
	extractPkgNameRE    = regexp.MustCompile(`^[^.]*`)
	extractLastSymbolRE = regexp.MustCompile(`[^.]*$`)
)

// getGID returns the id of the calling goroutine, parsed from its stack header.
func getGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	n, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return n
}

// getFuncPackage returns the function and package of the caller level frames up,
// plus the current goroutine id.
func getFuncPackage(level int) (fn string, pkg string, gid uint64) {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return "", "", getGID()
	}
	funcPkg := extractFnNameRE.FindString(runtime.FuncForPC(pc).Name())
	pkg = extractPkgNameRE.FindString(funcPkg)
	fn = extractLastSymbolRE.FindString(funcPkg)
	gid = getGID()
	return
}

// multiWriter fans a log entry out to every registered io.Writer-like target.
type multiWriter struct {
	sync.Mutex
	writers []interface {
		Write(p []byte) (n int, err error)
	}
}

func (mw *multiWriter) addWriter(writer interface {
	Write(p []byte) (n int, err error)
}) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if err != nil {
			return
		}
	}
	n = len(p)
	return
}

func (mw *multiWriter) clear() {
	mw.Lock()
	mw.writers = nil
	mw.Unlock()
}

// write shifts the entry into LogEntries[0], dropping the oldest entry.
func (log LogTarget) write(p []byte) (n int, err error) {
	if len(log.LogBuf.LogEntries) > 0 {
		copy(log.LogBuf.LogEntries[1:], log.LogBuf.LogEntries[:len(log.LogBuf.LogEntries)-1])
		log.LogBuf.LogEntries[0] = string(p)
	}
	log.LogBuf.TotalEntries++
	n = len(p)
	return
}
