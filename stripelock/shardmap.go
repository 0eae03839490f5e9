// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"fmt"
	"math"
	"sort"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/stripelock/logger"
)

type holderKey struct {
	first  uint64
	handle Handle
}

func compareHolderKey(key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	k1, ok := key1.(holderKey)
	if !ok {
		err = fmt.Errorf("compareHolderKey(non-holderKey,) not supported")
		return
	}
	k2, ok := key2.(holderKey)
	if !ok {
		err = fmt.Errorf("compareHolderKey(,non-holderKey) not supported")
		return
	}

	switch {
	case k1.first < k2.first:
		result = -1
	case k1.first > k2.first:
		result = 1
	case k1.handle < k2.handle:
		result = -1
	case k1.handle > k2.handle:
		result = 1
	}
	return
}

type shardWaiter struct {
	handle Handle
	seq    uint64
}

type shardEntry struct {
	index   int
	holders sortedmap.LLRBTree // holderKey to *Operation
	waiters []shardWaiter      // ascending seq
}

func (entry *shardEntry) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	k, ok := key.(holderKey)
	if !ok {
		err = fmt.Errorf("shardEntry.DumpKey() passed non-holderKey")
		return
	}
	keyAsString = fmt.Sprintf("%d/%d", k.first, k.handle)
	return
}

func (entry *shardEntry) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	op, ok := value.(*Operation)
	if !ok {
		err = fmt.Errorf("shardEntry.DumpValue() passed non-*Operation")
		return
	}
	valueAsString = op.String()
	return
}

// shardMap partitions the stripes of a blob so that holders and waiters of
// distant regions are kept apart. A divisor of zero means a single shard.
type shardMap struct {
	divisor        uint64
	defaultDivisor uint64
	tableSize      int
	count          int // active LARGE operations
	entries        []*shardEntry
}

func newShardMap(defaultDivisor uint64) (shards *shardMap) {
	shards = &shardMap{defaultDivisor: defaultDivisor}
	shards.reshard(0, 0)
	return
}

// reshard must only be called on an idle map.
func (shards *shardMap) reshard(divisor uint64, stripeCount uint64) {
	shards.divisor = divisor
	shards.tableSize = 1
	if divisor != 0 {
		shards.tableSize = int(stripeCount / divisor)
		if stripeCount%divisor != 0 || shards.tableSize == 0 {
			shards.tableSize++
		}
	}
	shards.entries = make([]*shardEntry, shards.tableSize)
	for i := range shards.entries {
		entry := &shardEntry{index: i}
		entry.holders = sortedmap.NewLLRBTree(compareHolderKey, entry)
		shards.entries[i] = entry
	}
}

func (shards *shardMap) shardFor(stripe uint64) int {
	if shards.divisor == 0 {
		return 0
	}
	return int(stripe / shards.divisor)
}

func (shards *shardMap) span(region Region) (first int, last int) {
	return shards.shardFor(region.First), shards.shardFor(region.Last)
}

// subRegion is the part of region inside shard.
func (shards *shardMap) subRegion(region Region, shard int) (sub Region) {
	sub = region
	if shards.divisor == 0 {
		return
	}
	start := uint64(shard) * shards.divisor
	end := start + shards.divisor - 1
	if sub.First < start {
		sub.First = start
	}
	if sub.Last > end {
		sub.Last = end
	}
	return
}

func (shards *shardMap) addHolder(op *Operation) {
	first, last := shards.span(op.Region)
	for s := first; s <= last; s++ {
		sub := shards.subRegion(op.Region, s)
		ok, err := shards.entries[s].holders.Put(holderKey{first: sub.First, handle: op.handle}, op)
		if err != nil || !ok {
			logger.PanicfWithError(err, "shard %d holder %v already present (ok %v)", s, op, ok)
		}
	}
}

func (shards *shardMap) removeHolder(op *Operation) {
	first, last := shards.span(op.Region)
	for s := first; s <= last; s++ {
		sub := shards.subRegion(op.Region, s)
		ok, err := shards.entries[s].holders.DeleteByKey(holderKey{first: sub.First, handle: op.handle})
		if err != nil || !ok {
			logger.PanicfWithError(err, "shard %d holder %v missing (ok %v)", s, op, ok)
		}
	}
}

// holders returns the distinct holders overlapping region.
func (shards *shardMap) holders(region Region) (ops []*Operation) {
	seen := make(map[Handle]bool)
	first, last := shards.span(region)
	for s := first; s <= last; s++ {
		tree := shards.entries[s].holders
		index, _, err := tree.BisectLeft(holderKey{first: region.Last, handle: math.MaxUint64})
		if err != nil {
			logger.PanicfWithError(err, "shard %d BisectLeft failed", s)
		}
		for i := 0; i <= index; i++ {
			_, value, ok, err := tree.GetByIndex(i)
			if err != nil || !ok {
				logger.PanicfWithError(err, "shard %d GetByIndex(%d) failed (ok %v)", s, i, ok)
			}
			op := value.(*Operation)
			if seen[op.handle] || !op.Region.overlaps(region) {
				continue
			}
			seen[op.handle] = true
			ops = append(ops, op)
		}
	}
	return
}

// allHolders returns every holder in ascending seq order.
func (shards *shardMap) allHolders() (ops []*Operation) {
	seen := make(map[Handle]bool)
	for _, entry := range shards.entries {
		n, err := entry.holders.Len()
		if err != nil {
			logger.PanicfWithError(err, "shard %d Len failed", entry.index)
		}
		for i := 0; i < n; i++ {
			_, value, _, err := entry.holders.GetByIndex(i)
			if err != nil {
				logger.PanicfWithError(err, "shard %d GetByIndex(%d) failed", entry.index, i)
			}
			op := value.(*Operation)
			if !seen[op.handle] {
				seen[op.handle] = true
				ops = append(ops, op)
			}
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].seq < ops[j].seq })
	return
}

func (shards *shardMap) enqueue(op *Operation) {
	first, last := shards.span(op.Region)
	for s := first; s <= last; s++ {
		entry := shards.entries[s]
		i := sort.Search(len(entry.waiters), func(i int) bool { return entry.waiters[i].seq > op.seq })
		entry.waiters = append(entry.waiters, shardWaiter{})
		copy(entry.waiters[i+1:], entry.waiters[i:])
		entry.waiters[i] = shardWaiter{handle: op.handle, seq: op.seq}
	}
}

func (shards *shardMap) dequeue(op *Operation) {
	first, last := shards.span(op.Region)
	for s := first; s <= last; s++ {
		entry := shards.entries[s]
		for i, waiter := range entry.waiters {
			if waiter.handle == op.handle {
				entry.waiters = append(entry.waiters[:i], entry.waiters[i+1:]...)
				break
			}
		}
	}
}

// waiters returns the distinct queued handles in ascending seq order.
func (shards *shardMap) waiters() (handles []Handle) {
	var merged []shardWaiter
	seen := make(map[Handle]bool)
	for _, entry := range shards.entries {
		for _, waiter := range entry.waiters {
			if !seen[waiter.handle] {
				seen[waiter.handle] = true
				merged = append(merged, waiter)
			}
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].seq < merged[j].seq })
	handles = make([]Handle, len(merged))
	for i, waiter := range merged {
		handles[i] = waiter.handle
	}
	return
}

func (shards *shardMap) idle() bool {
	for _, entry := range shards.entries {
		n, _ := entry.holders.Len()
		if n > 0 || len(entry.waiters) > 0 {
			return false
		}
	}
	return true
}
