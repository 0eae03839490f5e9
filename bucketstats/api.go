// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bucketstats implements easy to use statistics collection and
// reporting. Statistics start at zero and grow as they are added to.
//
// The statistics provided are totals (Total), averages (Average), and power of
// two distributions (BucketLog2).
//
// One or more statistics are placed in a structure and registered, with a
// package name and a group name, via a call to Register() before being used.
// Registered groups are printed with SprintStats().
package bucketstats

import (
	"math/bits"
	"sync/atomic"
)

type StatStringFormat int

const (
	StatFormatParsable1 StatStringFormat = iota
)

// A Totaler can be incremented, or added to, and tracks the total value of all
// values added.
type Totaler interface {
	Increment()
	Add(value uint64)
	TotalGet() (total uint64)
	Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string)
}

// An Averager is a Totaler that also counts the values added.
type Averager interface {
	Totaler
	CountGet() (count uint64)
	AverageGet() (avg uint64)
}

// Register and initialize a set of statistics.
//
// statsStruct is a pointer to a structure which has one or more exported fields
// holding statistics. The combination of pkgName and statsGroupName must be
// unique. Whitespace, '*', ':' and '#' in names are replaced with '_'.
func Register(pkgName string, statsGroupName string, statsStruct interface{}) {
	register(pkgName, statsGroupName, statsStruct)
}

// UnRegister a set of statistics. The names may then be registered again.
func UnRegister(pkgName string, statsGroupName string) {
	unRegister(pkgName, statsGroupName)
}

// SprintStats returns the statistics of the selected groups, one per line.
//
// Use "*" to select all package names with a given group name, all
// groups with a given package name, or all groups.
func SprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string) {
	return sprintStats(stringFmt, pkgName, statsGroupName)
}

// Total is a simple totaler. It supports the Totaler interface.
//
// If Name is "" then Register() will use the name of the field.
type Total struct {
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Total) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
}

func (this *Total) Increment() {
	atomic.AddUint64(&this.total, 1)
}

func (this *Total) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Total) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// Average counts a number of items and their average size. It supports the
// Averager interface.
type Average struct {
	count uint64 // Ensure 64-bit alignment
	total uint64
	Name  string
}

func (this *Average) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
	atomic.AddUint64(&this.count, 1)
}

func (this *Average) Increment() {
	this.Add(1)
}

func (this *Average) CountGet() uint64 {
	return atomic.LoadUint64(&this.count)
}

func (this *Average) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Average) AverageGet() uint64 {
	count := atomic.LoadUint64(&this.count)
	if count == 0 {
		return 0
	}
	return atomic.LoadUint64(&this.total) / count
}

func (this *Average) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// BucketLog2 is an Average that also keeps the distribution of values. Value v
// is counted in bucket bits.Len64(v), so bucket 0 holds 0 and bucket n holds
// [2^(n-1), 2^n).
type BucketLog2 struct {
	Average
	statBuckets [65]uint64
}

func (this *BucketLog2) Add(value uint64) {
	this.Average.Add(value)
	atomic.AddUint64(&this.statBuckets[bits.Len64(value)], 1)
}

func (this *BucketLog2) Increment() {
	this.Add(1)
}

// BucketGet returns the count in each bucket up to the last non-empty one.
func (this *BucketLog2) BucketGet() (counts []uint64) {
	last := -1
	counts = make([]uint64, len(this.statBuckets))
	for i := range this.statBuckets {
		counts[i] = atomic.LoadUint64(&this.statBuckets[i])
		if counts[i] != 0 {
			last = i
		}
	}
	return counts[:last+1]
}

func (this *BucketLog2) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}
