// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"fmt"

	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/logger"
)

// SlotState is the two bit ownership state of a lock slot.
type SlotState uint8

const (
	SlotExclusiveLocal SlotState = 0
	SlotShared         SlotState = 1
	slotInvalid        SlotState = 2
	SlotExclusivePeer  SlotState = 3
)

func (state SlotState) Valid() bool {
	return state == SlotExclusiveLocal || state == SlotShared || state == SlotExclusivePeer
}

func (state SlotState) String() string {
	switch state {
	case SlotExclusiveLocal:
		return "EXCLUSIVE_LOCAL"
	case SlotShared:
		return "SHARED"
	case SlotExclusivePeer:
		return "EXCLUSIVE_PEER"
	}
	return fmt.Sprintf("SlotState(%d)", uint8(state))
}

type slotFlags uint8

const (
	slotPeerOwned slotFlags = 1 << iota
	slotPeerShared
	slotPeerLease
)

type lockSlot struct {
	state         SlotState
	flags         slotFlags
	sharedRefs    uint32
	exclusiveRefs uint32
}

func (slot *lockSlot) settle() {
	switch {
	case slot.exclusiveRefs > 0:
		if slot.flags&slotPeerLease != 0 {
			slot.state = SlotExclusivePeer
		} else {
			slot.state = SlotExclusiveLocal
		}
	case slot.sharedRefs > 0:
		slot.state = SlotShared
	case slot.flags&slotPeerOwned != 0:
		slot.state = SlotExclusivePeer
	case slot.flags&slotPeerShared != 0:
		slot.state = SlotShared
	default:
		slot.state = SlotExclusiveLocal
	}
}

func (slot *lockSlot) idle() bool {
	return slot.sharedRefs == 0 && slot.exclusiveRefs == 0
}

type acquireResult uint8

const (
	acquireGranted acquireResult = iota
	acquireQueued
	acquirePeerRequired
)

type slotTable struct {
	stripesPerSlot uint64
	stripeCount    uint64
	slots          []lockSlot
}

func newSlotTable(stripeCount uint64, stripesPerSlot uint64, peerOwned bool) (table *slotTable) {
	table = &slotTable{
		stripesPerSlot: stripesPerSlot,
		stripeCount:    stripeCount,
		slots:          make([]lockSlot, (stripeCount+stripesPerSlot-1)/stripesPerSlot),
	}
	if peerOwned {
		for i := range table.slots {
			table.slots[i].flags = slotPeerOwned
			table.slots[i].settle()
		}
	}
	return
}

func (table *slotTable) indexes(region Region) (first int, last int) {
	first = int(region.First / table.stripesPerSlot)
	last = int(region.Last / table.stripesPerSlot)
	return
}

// expand widens region to whole slots, clipped to the element.
func (table *slotTable) expand(region Region) (expanded Region) {
	first, last := table.indexes(region)
	expanded.First = uint64(first) * table.stripesPerSlot
	expanded.Last = (uint64(last)+1)*table.stripesPerSlot - 1
	if expanded.Last >= table.stripeCount {
		expanded.Last = table.stripeCount - 1
	}
	return
}

// conflicts reports a collision with local holders.
func (table *slotTable) conflicts(region Region, exclusive bool) bool {
	first, last := table.indexes(region)
	for i := first; i <= last; i++ {
		slot := &table.slots[i]
		if slot.exclusiveRefs > 0 {
			return true
		}
		if exclusive && slot.sharedRefs > 0 {
			return true
		}
	}
	return false
}

// peerNeeded reports whether the peer's rights must be obtained before the
// local rights are sufficient.
func (table *slotTable) peerNeeded(region Region, exclusive bool) bool {
	first, last := table.indexes(region)
	for i := first; i <= last; i++ {
		slot := &table.slots[i]
		if slot.flags&slotPeerOwned != 0 {
			return true
		}
		if exclusive && slot.flags&slotPeerShared != 0 {
			return true
		}
	}
	return false
}

func (table *slotTable) take(region Region, exclusive bool) {
	first, last := table.indexes(region)
	for i := first; i <= last; i++ {
		slot := &table.slots[i]
		if exclusive {
			slot.exclusiveRefs++
		} else {
			slot.sharedRefs++
		}
		slot.settle()
	}
}

func (table *slotTable) release(region Region, exclusive bool) {
	first, last := table.indexes(region)
	for i := first; i <= last; i++ {
		slot := &table.slots[i]
		if exclusive {
			if slot.exclusiveRefs == 0 {
				err := blunder.NewError(blunder.CorruptSlotError, "slot %d exclusiveRefs underflow", i)
				logger.PanicfWithError(err, "release(%v, exclusive) on %s", region, table.dumpSlot(i))
			}
			slot.exclusiveRefs--
		} else {
			if slot.sharedRefs == 0 {
				err := blunder.NewError(blunder.CorruptSlotError, "slot %d sharedRefs underflow", i)
				logger.PanicfWithError(err, "release(%v, shared) on %s", region, table.dumpSlot(i))
			}
			slot.sharedRefs--
		}
		slot.settle()
	}
}

// acquire takes the refs of region when no local holder collides. A
// peer-required result holds the refs; the caller either obtains the peer's
// rights or releases them.
func (table *slotTable) acquire(region Region, exclusive bool) acquireResult {
	if table.conflicts(region, exclusive) {
		return acquireQueued
	}
	table.take(region, exclusive)
	if table.peerNeeded(region, exclusive) {
		return acquirePeerRequired
	}
	return acquireGranted
}

func (table *slotTable) setFlags(region Region, set slotFlags, clear slotFlags) {
	first, last := table.indexes(region)
	for i := first; i <= last; i++ {
		slot := &table.slots[i]
		slot.flags = (slot.flags &^ clear) | set
		slot.settle()
	}
}

func (table *slotTable) setLease(region Region, on bool) {
	if on {
		table.setFlags(region, slotPeerLease, 0)
	} else {
		table.setFlags(region, 0, slotPeerLease)
	}
}

// grantToPeer migrates rights of region to the peer.
func (table *slotTable) grantToPeer(region Region, exclusive bool) {
	if exclusive {
		table.setFlags(region, slotPeerOwned, slotPeerShared)
		return
	}
	first, last := table.indexes(region)
	for i := first; i <= last; i++ {
		slot := &table.slots[i]
		if slot.flags&slotPeerOwned == 0 {
			slot.flags |= slotPeerShared
			slot.settle()
		}
	}
}

// takeFromPeer applies a migration grant received from the peer. A read
// leaves the peer sharing the slots.
func (table *slotTable) takeFromPeer(region Region, exclusive bool) {
	if exclusive {
		table.setFlags(region, 0, slotPeerOwned|slotPeerShared)
		return
	}
	first, last := table.indexes(region)
	for i := first; i <= last; i++ {
		slot := &table.slots[i]
		if slot.flags&slotPeerOwned != 0 {
			slot.flags = (slot.flags &^ slotPeerOwned) | slotPeerShared
			slot.settle()
		}
	}
}

func (table *slotTable) reclaim(region Region) {
	table.setFlags(region, 0, slotPeerOwned|slotPeerShared)
}

func (table *slotTable) reclaimAll() {
	table.reclaim(Region{First: 0, Last: table.stripeCount - 1})
}

// yieldIdle hands every idle slot to the peer and returns how many slots
// could not be yielded.
func (table *slotTable) yieldIdle() (busy int) {
	for i := range table.slots {
		slot := &table.slots[i]
		if !slot.idle() {
			busy++
			continue
		}
		slot.flags = (slot.flags &^ slotPeerShared) | slotPeerOwned
		slot.settle()
	}
	return
}

// ownership summarizes the peer rights of the table.
func (table *slotTable) ownership() (allLocal bool, allPeer bool) {
	allLocal = true
	allPeer = true
	for i := range table.slots {
		peerRights := table.slots[i].flags & (slotPeerOwned | slotPeerShared)
		if peerRights != 0 {
			allLocal = false
		}
		if peerRights != slotPeerOwned {
			allPeer = false
		}
	}
	return
}

func (table *slotTable) validate() (err error) {
	for i := range table.slots {
		slot := &table.slots[i]
		if !slot.state.Valid() {
			err = blunder.NewError(blunder.CorruptSlotError, "invalid %s", table.dumpSlot(i))
			return
		}
		if slot.exclusiveRefs > 0 && (slot.state == SlotShared || slot.sharedRefs > 0) {
			err = blunder.NewError(blunder.CorruptSlotError, "exclusive and shared %s", table.dumpSlot(i))
			return
		}
		if slot.sharedRefs > 0 && slot.state != SlotShared {
			err = blunder.NewError(blunder.CorruptSlotError, "shared refs without SHARED %s", table.dumpSlot(i))
			return
		}
	}
	return
}

// PackedState renders the slot states at 2 bits per slot, 4 slots per byte.
func (table *slotTable) PackedState() (packed []byte) {
	packed = make([]byte, (len(table.slots)+3)/4)
	for i := range table.slots {
		packed[i/4] |= byte(table.slots[i].state) << (2 * uint(i%4))
	}
	return
}

func (table *slotTable) dumpSlot(i int) string {
	slot := &table.slots[i]
	return fmt.Sprintf("slot %d state %v flags %#x sharedRefs %d exclusiveRefs %d",
		i, slot.state, slot.flags, slot.sharedRefs, slot.exclusiveRefs)
}
