// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/stripelock/blunder"
)

func TestSlotStateValid(t *testing.T) {
	assert := assert.New(t)

	assert.True(SlotExclusiveLocal.Valid())
	assert.True(SlotShared.Valid())
	assert.True(SlotExclusivePeer.Valid())
	assert.False(SlotState(2).Valid())
	assert.Equal("EXCLUSIVE_PEER", SlotExclusivePeer.String())
	assert.Equal("SlotState(2)", slotInvalid.String())
}

func TestSlotRoundTrip(t *testing.T) {
	assert := assert.New(t)

	table := newSlotTable(16, 1, false)
	region := Region{First: 3, Last: 5}

	assert.Equal(acquireGranted, table.acquire(region, true))
	for i := 3; i <= 5; i++ {
		assert.Equal(SlotExclusiveLocal, table.slots[i].state)
		assert.Equal(uint32(1), table.slots[i].exclusiveRefs)
	}
	assert.Equal(acquireQueued, table.acquire(Region{First: 5, Last: 6}, false))
	assert.Equal(uint32(0), table.slots[6].sharedRefs, "no partial grant")
	assert.NoError(table.validate())

	table.release(region, true)
	for i := range table.slots {
		assert.Equal(lockSlot{}, table.slots[i])
	}

	assert.Equal(acquireGranted, table.acquire(Region{First: 7, Last: 7}, false))
	assert.Equal(acquireGranted, table.acquire(Region{First: 7, Last: 7}, false))
	assert.Equal(SlotShared, table.slots[7].state)
	assert.Equal(uint32(2), table.slots[7].sharedRefs)
	assert.Equal(acquireQueued, table.acquire(Region{First: 7, Last: 7}, true))
	table.release(Region{First: 7, Last: 7}, false)
	table.release(Region{First: 7, Last: 7}, false)
	assert.Equal(SlotExclusiveLocal, table.slots[7].state)
}

func TestSlotPeerRights(t *testing.T) {
	assert := assert.New(t)

	table := newSlotTable(8, 1, true)
	for i := range table.slots {
		assert.Equal(SlotExclusivePeer, table.slots[i].state)
	}

	// peer-owned slots need the peer for any access; the refs are kept
	assert.Equal(acquirePeerRequired, table.acquire(Region{First: 0, Last: 0}, false))
	assert.Equal(uint32(1), table.slots[0].sharedRefs)
	assert.Equal(SlotShared, table.slots[0].state)
	table.takeFromPeer(Region{First: 0, Last: 0}, false)
	assert.Equal(slotPeerShared, table.slots[0].flags)
	assert.False(table.peerNeeded(Region{First: 0, Last: 0}, false))
	assert.True(table.peerNeeded(Region{First: 0, Last: 0}, true))
	table.release(Region{First: 0, Last: 0}, false)
	assert.Equal(SlotShared, table.slots[0].state)

	table.takeFromPeer(Region{First: 0, Last: 1}, true)
	assert.Equal(SlotExclusiveLocal, table.slots[0].state)
	assert.Equal(SlotExclusiveLocal, table.slots[1].state)

	table.grantToPeer(Region{First: 1, Last: 1}, false)
	assert.Equal(SlotShared, table.slots[1].state)
	table.grantToPeer(Region{First: 1, Last: 1}, true)
	assert.Equal(SlotExclusivePeer, table.slots[1].state)
	assert.Equal(slotPeerOwned, table.slots[1].flags)

	// a shared migration never downgrades a peer-owned slot
	table.grantToPeer(Region{First: 1, Last: 1}, false)
	assert.Equal(slotPeerOwned, table.slots[1].flags)

	table.take(Region{First: 0, Last: 0}, true)
	table.setLease(Region{First: 0, Last: 0}, true)
	assert.Equal(SlotExclusivePeer, table.slots[0].state)
	table.release(Region{First: 0, Last: 0}, true)
	table.setLease(Region{First: 0, Last: 0}, false)
	assert.Equal(SlotExclusiveLocal, table.slots[0].state)

	allLocal, allPeer := table.ownership()
	assert.False(allLocal)
	assert.False(allPeer)

	table.reclaimAll()
	allLocal, allPeer = table.ownership()
	assert.True(allLocal)
	assert.False(allPeer)

	table.take(Region{First: 4, Last: 4}, false)
	assert.Equal(1, table.yieldIdle())
	assert.Equal(SlotShared, table.slots[4].state)
	assert.Equal(SlotExclusivePeer, table.slots[5].state)
}

func TestSlotExpandAndPack(t *testing.T) {
	assert := assert.New(t)

	table := newSlotTable(10, 4, false)
	assert.Len(table.slots, 3)
	assert.Equal(Region{First: 4, Last: 7}, table.expand(Region{First: 5, Last: 6}))
	assert.Equal(Region{First: 8, Last: 9}, table.expand(Region{First: 9, Last: 9}))
	assert.Equal(Region{First: 0, Last: 9}, table.expand(Region{First: 3, Last: 8}))

	table.take(Region{First: 4, Last: 4}, false)
	table.grantToPeer(Region{First: 8, Last: 9}, true)
	// slot 0 EXCLUSIVE_LOCAL, slot 1 SHARED, slot 2 EXCLUSIVE_PEER
	assert.Equal([]byte{0x34}, table.PackedState())
}

func TestSlotValidate(t *testing.T) {
	table := newSlotTable(4, 1, false)
	assert.NoError(t, table.validate())

	table.slots[2].exclusiveRefs = 1
	table.slots[2].sharedRefs = 1
	err := table.validate()
	assert.True(t, blunder.Is(err, blunder.CorruptSlotError))

	table.slots[2] = lockSlot{state: slotInvalid}
	assert.Error(t, table.validate())
}
