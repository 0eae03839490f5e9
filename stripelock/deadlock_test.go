// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/cmi"
)

func TestWaitForGraph(t *testing.T) {
	assert := assert.New(t)

	graph := newWaitForGraph()
	graph.addEdge(peerNode, 10)
	graph.addEdge(10, 11)
	graph.addEdge(11, 12)
	graph.addEdge(11, 12)
	assert.Len(graph.edges[11], 1)
	assert.Nil(graph.findCycle(peerNode))

	graph.addEdge(12, peerNode)
	assert.Equal([]Handle{peerNode, 10, 11, 12}, graph.findCycle(peerNode))

	// a local cycle that does not pass through the peer is not reported
	local := newWaitForGraph()
	local.addEdge(peerNode, 1)
	local.addEdge(1, 2)
	local.addEdge(2, 1)
	assert.Nil(local.findCycle(peerNode))
}

// setupPeerDeadlock has a local write waiting on the peer for stripe 50
// while the peer's request for the same stripe waits on that local write.
func setupPeerDeadlock(t *testing.T, active bool, noAbort bool) (manager *Manager,
	messenger *fakeMessenger, waiter *Operation) {

	messenger = &fakeMessenger{active: active, alive: true}
	manager = testManager(t, messenger)
	startElement(t, manager, testElement)

	waiter = submitLock(t, manager, OpcodeWriteLock, 50, 1, func(op *Operation) { op.SetNoAbort(noAbort) })
	require.Equal(t, StatusPending, waiter.Status())
	require.NotZero(t, waiter.Flags()&FlagWaitingForPeer)
	messenger.take()

	receive(t, manager, peerRequest(true, Region{First: 50, Last: 50}, 900))
	return
}

func TestDeadlockPassiveAborts(t *testing.T) {
	assert := assert.New(t)
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	manager, messenger, waiter := setupPeerDeadlock(t, false, false)

	assert.Equal(StatusAborted, waiter.Status())
	assert.Equal(FlagDeadLock, waiter.Flags()&FlagDeadLock)
	assert.True(blunder.Is(waiter.Err(), blunder.DeadlockError))
	assert.Equal(uint64(1), manager.stats.Deadlocks.TotalGet())

	// the proxy no longer waits and migrates the stripe
	sent := messenger.take()
	require.Len(t, sent, 1)
	assert.Equal(cmi.StripeWriteGrant, sent[0].Header.MessageType)
	assert.Equal(Handle(900), sent[0].Header.ReceiverHandle)
	assert.Zero(sent[0].Flags & cmi.FlagNeedRelease)
	assert.Equal(uint32(0), slotOf(t, manager, 50).exclusiveRefs)

	// the request of the victim is drained by the peer's reply
	entry := manager.handles.get(waiter.Handle())
	require.NotNil(t, entry)
	assert.NotNil(entry.tombstone)
	receive(t, manager, peerAborted(waiter))
	assert.Equal(0, manager.handles.len())

	stopElement(t, manager, testObjectID)
	assert.NoError(manager.Close())
}

func TestDeadlockPassiveRequeuesNoAbort(t *testing.T) {
	assert := assert.New(t)
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	manager, messenger, waiter := setupPeerDeadlock(t, false, true)

	assert.Equal(StatusPending, waiter.Status())
	assert.Equal(FlagDeadLock|FlagRetry, waiter.Flags()&(FlagDeadLock|FlagRetry))
	assert.Zero(waiter.Flags() & FlagWaitingForPeer)

	// local demand turns the proxy's grant into a lease
	sent := messenger.take()
	require.Len(t, sent, 1)
	lease := sent[0]
	assert.Equal(cmi.StripeWriteGrant, lease.Header.MessageType)
	assert.Equal(cmi.FlagNeedRelease, lease.Flags&cmi.FlagNeedRelease)
	assert.Equal(SlotExclusivePeer, slotOf(t, manager, 50).state)

	receive(t, manager, &cmi.StripeLockMessage{
		Header: cmi.Header{
			MessageType:    cmi.StripeRelease,
			ObjectID:       testObjectID,
			ReceiverHandle: lease.GrantHandle,
		},
		RequestHandle: 900,
		GrantHandle:   lease.GrantHandle,
	})

	// the victim holds its refs again and still waits on its first request
	assert.Equal(StatusPending, waiter.Status())
	assert.NotZero(waiter.Flags() & FlagWaitingForPeer)
	assert.Empty(messenger.take())

	receive(t, manager, peerGrant(waiter, 0))
	assert.Equal(StatusOK, waiter.Status())
	assert.NoError(waiter.Err())
	assert.Equal(SlotExclusiveLocal, slotOf(t, manager, 50).state)

	submitLock(t, manager, OpcodeWriteUnlock, 50, 1, nil)
	stopElement(t, manager, testObjectID)
	assert.NoError(manager.Close())
}

func TestDeadlockActiveWaits(t *testing.T) {
	assert := assert.New(t)
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	// the active SP owns every slot at start; give stripe 50 to the peer first
	messenger := &fakeMessenger{active: true, alive: true}
	manager := testManager(t, messenger)
	startElement(t, manager, testElement)
	receive(t, manager, peerRequest(true, Region{First: 50, Last: 50}, 800))
	messenger.take()

	waiter := submitLock(t, manager, OpcodeWriteLock, 50, 1, nil)
	require.Equal(t, StatusPending, waiter.Status())
	receive(t, manager, peerRequest(true, Region{First: 50, Last: 50}, 900))

	assert.Equal(StatusPending, waiter.Status())
	assert.Zero(waiter.Flags() & FlagDeadLock)
	assert.Equal(uint64(0), manager.stats.Deadlocks.TotalGet())
	sent := messenger.take()
	require.Len(t, sent, 1)
	assert.Equal(cmi.StripeWriteLock, sent[0].Header.MessageType)

	// the passive peer yields: its aborted victim lets our request through
	receive(t, manager, peerGrant(waiter, 0))
	assert.Equal(StatusOK, waiter.Status())
	assert.Equal(FlagGrant, waiter.Flags()&FlagGrant)
	assert.NotZero(waiter.Flags() & FlagHoldingPeer)

	submitLock(t, manager, OpcodeWriteUnlock, 50, 1, nil)
	sent = messenger.take()
	require.Len(t, sent, 1)
	assert.Equal(cmi.StripeWriteGrant, sent[0].Header.MessageType)
	assert.Equal(Handle(900), sent[0].RequestHandle)

	stopElement(t, manager, testObjectID)
	assert.Equal(cmi.StripeLockStop, messenger.take()[0].Header.MessageType)
	assert.NoError(manager.Close())
}
