// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/cmi"
	"github.com/NVIDIA/stripelock/conf"
	"github.com/NVIDIA/stripelock/transitions"
)

const testObjectID cmi.ObjectID = 0x10000a5

// 1024 user stripes, 16 paged stripes [1024,1039] and the non-paged stripe
// 1040.
var testElement = Element{
	ObjectID:     testObjectID,
	UserStripes:  1024,
	PagedStripes: 16,
	NonPaged:     true,
}

var testConfStrings = []string{
	"Logging.LogFilePath=/dev/null",
	"Logging.LogToConsole=false",
	"TrackedLock.LockHoldTimeLimit=0s",
	"TrackedLock.LockCheckPeriod=0s",
	"StripeLock.StripesPerSlot=1",
	"StripeLock.DefaultDivisor=256",
}

func testSetup(t *testing.T) (confMap conf.ConfMap) {
	confMap, err := conf.MakeConfMapFromStrings(testConfStrings)
	require.NoError(t, err)
	require.NoError(t, transitions.Up(confMap))
	return
}

func testTeardown(t *testing.T, confMap conf.ConfMap) {
	require.NoError(t, transitions.Down(confMap))
}

// fakeMessenger records what the manager sends. Replies are injected with
// Manager.ReceiveMessage.
type fakeMessenger struct {
	sync.Mutex
	active    bool
	alive     bool
	failSends bool
	sent      []*cmi.StripeLockMessage
}

func (messenger *fakeMessenger) Send(msg *cmi.StripeLockMessage) (err error) {
	messenger.Lock()
	defer messenger.Unlock()
	if messenger.failSends {
		err = blunder.NewError(blunder.NotConnectedError, "peer not connected")
		return
	}
	copied := *msg
	messenger.sent = append(messenger.sent, &copied)
	return
}

func (messenger *fakeMessenger) IsActive() bool {
	messenger.Lock()
	defer messenger.Unlock()
	return messenger.active
}

func (messenger *fakeMessenger) PeerAlive() bool {
	messenger.Lock()
	defer messenger.Unlock()
	return messenger.alive
}

func (messenger *fakeMessenger) setAlive(alive bool) {
	messenger.Lock()
	messenger.alive = alive
	messenger.Unlock()
}

// take returns and forgets the messages sent so far.
func (messenger *fakeMessenger) take() (sent []*cmi.StripeLockMessage) {
	messenger.Lock()
	defer messenger.Unlock()
	sent = messenger.sent
	messenger.sent = nil
	return
}

func testManager(t *testing.T, messenger Messenger) (manager *Manager) {
	config := DefaultConfig()
	config.Name = t.Name()
	manager, err := NewManager(config, messenger)
	require.NoError(t, err)
	return
}

func startElement(t *testing.T, manager *Manager, element Element) {
	var op Operation
	op.BuildStart(element)
	op.SetSyncMode(true)
	require.NoError(t, manager.Submit(context.Background(), &op, nil))
}

func stopElement(t *testing.T, manager *Manager, objectID cmi.ObjectID) {
	var op Operation
	op.BuildStop(objectID)
	op.SetSyncMode(true)
	require.NoError(t, manager.Submit(context.Background(), &op, nil))
}

// submitLock submits an asynchronous lock or unlock of count stripes at
// stripe.
func submitLock(t *testing.T, manager *Manager, opcode Opcode, stripe uint64, count uint64,
	setup func(op *Operation)) (op *Operation) {

	op = &Operation{}
	switch opcode {
	case OpcodeReadLock:
		op.BuildReadLock(testObjectID, stripe, count)
	case OpcodeWriteLock:
		op.BuildWriteLock(testObjectID, stripe, count)
	case OpcodeReadUnlock:
		op.BuildReadUnlock(testObjectID, stripe, count)
	case OpcodeWriteUnlock:
		op.BuildWriteUnlock(testObjectID, stripe, count)
	}
	if setup != nil {
		setup(op)
	}
	require.NoError(t, manager.Submit(context.Background(), op, nil))
	checkSlots(t, manager)
	return
}

// receive hands msg to manager as if it came from the peer.
func receive(t *testing.T, manager *Manager, msg *cmi.StripeLockMessage) {
	manager.ReceiveMessage(msg)
	checkSlots(t, manager)
}

// checkSlots validates the slot table of the test element, if started.
func checkSlots(t *testing.T, manager *Manager) {
	blob := manager.lookupBlob(testObjectID)
	if blob == nil {
		return
	}
	blob.Lock()
	err := blob.slots.validate()
	blob.Unlock()
	require.NoError(t, err)
}

func testBlob(t *testing.T, manager *Manager) *blob {
	blob := manager.lookupBlob(testObjectID)
	require.NotNil(t, blob)
	return blob
}

func slotOf(t *testing.T, manager *Manager, index int) lockSlot {
	blob := testBlob(t, manager)
	blob.Lock()
	defer blob.Unlock()
	return blob.slots.slots[index]
}

// peerRequest builds a lock request as the peer would send it.
func peerRequest(exclusive bool, region Region, sender Handle) *cmi.StripeLockMessage {
	msg := &cmi.StripeLockMessage{
		Header: cmi.Header{
			MessageType:  cmi.StripeReadLock,
			ObjectID:     testObjectID,
			SenderHandle: sender,
		},
		RequestHandle: sender,
	}
	if exclusive {
		msg.Header.MessageType = cmi.StripeWriteLock
	}
	setRegion(msg, region, exclusive)
	return msg
}

// peerGrant builds the peer's grant of the request of op.
func peerGrant(op *Operation, leaseHandle Handle) *cmi.StripeLockMessage {
	msg := &cmi.StripeLockMessage{
		Header: cmi.Header{
			MessageType:    cmi.StripeReadGrant,
			ObjectID:       op.ObjectID,
			SenderHandle:   leaseHandle,
			ReceiverHandle: op.Handle(),
		},
		RequestHandle: op.Handle(),
	}
	if op.isWrite() {
		msg.Header.MessageType = cmi.StripeWriteGrant
	}
	setRegion(msg, op.Region, op.isWrite())
	if leaseHandle != 0 {
		msg.Flags = cmi.FlagNeedRelease
		msg.GrantHandle = leaseHandle
	}
	return msg
}

func peerAborted(op *Operation) *cmi.StripeLockMessage {
	return &cmi.StripeLockMessage{
		Header: cmi.Header{
			MessageType:    cmi.StripeAborted,
			ObjectID:       op.ObjectID,
			ReceiverHandle: op.Handle(),
		},
		WriteRegion:   emptyWireRegion,
		ReadRegion:    emptyWireRegion,
		RequestHandle: op.Handle(),
	}
}

func messagesOfType(msgs []*cmi.StripeLockMessage, msgType cmi.MessageType) (matching []*cmi.StripeLockMessage) {
	for _, msg := range msgs {
		if msg.Header.MessageType == msgType {
			matching = append(matching, msg)
		}
	}
	return
}
