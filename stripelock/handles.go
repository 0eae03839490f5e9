// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"sync"

	"github.com/google/btree"

	"github.com/NVIDIA/stripelock/cmi"
)

// A tombstone stands in for an aborted operation whose request to the peer
// is still outstanding, so that the peer's reply can be drained. returned
// is set once its stripes have been migrated to the peer since.
type tombstone struct {
	objectID  cmi.ObjectID
	region    Region
	exclusive bool
	returned  bool
}

type handleEntry struct {
	handle    Handle
	op        *Operation
	tombstone *tombstone
}

func (entry *handleEntry) Less(than btree.Item) bool {
	return entry.handle < than.(*handleEntry).handle
}

// handleTable maps correlation ids to operations. Handles are never reused.
type handleTable struct {
	sync.Mutex
	tree *btree.BTree
	last Handle
}

func newHandleTable() *handleTable {
	return &handleTable{tree: btree.New(16)}
}

func (table *handleTable) insert(op *Operation) (handle Handle) {
	table.Lock()
	defer table.Unlock()

	table.last++
	handle = table.last
	op.handle = handle
	table.tree.ReplaceOrInsert(&handleEntry{handle: handle, op: op})
	return
}

func (table *handleTable) get(handle Handle) (entry *handleEntry) {
	table.Lock()
	defer table.Unlock()

	item := table.tree.Get(&handleEntry{handle: handle})
	if item == nil {
		return nil
	}
	found := item.(*handleEntry)
	entry = &handleEntry{handle: found.handle, op: found.op}
	if found.tombstone != nil {
		tomb := *found.tombstone
		entry.tombstone = &tomb
	}
	return
}

func (table *handleTable) lookup(handle Handle) (op *Operation) {
	entry := table.get(handle)
	if entry != nil {
		op = entry.op
	}
	return
}

func (table *handleTable) remove(handle Handle) {
	table.Lock()
	table.tree.Delete(&handleEntry{handle: handle})
	table.Unlock()
}

// bury replaces the operation of handle by a tombstone.
func (table *handleTable) bury(op *Operation) {
	table.Lock()
	defer table.Unlock()

	table.tree.ReplaceOrInsert(&handleEntry{
		handle: op.handle,
		tombstone: &tombstone{
			objectID:  op.ObjectID,
			region:    op.Region,
			exclusive: op.isWrite(),
			returned:  op.priv&privReturned != 0,
		},
	})
}

// markReturned flags the tombstones of objectID selected by match.
func (table *handleTable) markReturned(objectID cmi.ObjectID, match func(region Region) bool) {
	table.Lock()
	defer table.Unlock()

	table.tree.Ascend(func(item btree.Item) bool {
		entry := item.(*handleEntry)
		if entry.tombstone != nil && entry.tombstone.objectID == objectID && match(entry.tombstone.region) {
			entry.tombstone.returned = true
		}
		return true
	})
}

// tombstones returns the tombstoned handles of objectID in ascending order.
func (table *handleTable) tombstones(objectID cmi.ObjectID) (handles []Handle) {
	table.Lock()
	defer table.Unlock()

	table.tree.Ascend(func(item btree.Item) bool {
		entry := item.(*handleEntry)
		if entry.tombstone != nil && entry.tombstone.objectID == objectID {
			handles = append(handles, entry.handle)
		}
		return true
	})
	return
}

func (table *handleTable) len() int {
	table.Lock()
	defer table.Unlock()
	return table.tree.Len()
}
