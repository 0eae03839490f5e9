// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"github.com/NVIDIA/stripelock/cmi"
	"github.com/NVIDIA/stripelock/logger"
)

func startMessage(objectID cmi.ObjectID, owner bool) (msg *cmi.StripeLockMessage) {
	msg = &cmi.StripeLockMessage{
		Header: cmi.Header{
			MessageType: cmi.StripeLockStart,
			ObjectID:    objectID,
		},
		WriteRegion: emptyWireRegion,
		ReadRegion:  emptyWireRegion,
	}
	if owner {
		msg.Flags = cmi.FlagStartOwner
	}
	return
}

// submitStart creates the blob of op.Element. The initial owner of the
// slots is this SP when the peer is gone, the opposite of the peer when the
// peer has started the element, and otherwise the active SP.
func (manager *Manager) submitStart(op *Operation, b *batch) {
	element := op.Element
	if element.StripeCount() == 0 {
		manager.finishIllegal(op, b, "element has no stripes")
		return
	}

	manager.Lock()
	if _, ok := manager.blobs[element.ObjectID]; ok {
		manager.Unlock()
		manager.finishIllegal(op, b, "element already started")
		return
	}

	peerAlive := manager.peerAlive()
	peerOwner, peerStarted := manager.peerStarted[element.ObjectID]

	var owner bool
	switch {
	case !peerAlive:
		owner = true
	case peerStarted:
		owner = !peerOwner
	default:
		owner = manager.isActive()
	}

	blob := newBlob(manager, element, !owner)
	manager.blobs[element.ObjectID] = blob
	manager.Unlock()

	logger.Infof("stripelock: started element %#x with %d stripes in %d slots, owner %v",
		element.ObjectID, element.StripeCount(), len(blob.slots.slots), owner)

	if peerAlive {
		b.send(startMessage(element.ObjectID, owner))
	}

	op.blob = blob
	op.status = StatusOK
	op.state = opDone
	b.complete(op)
}

// submitStop aborts the waiters of the element and completes once its
// holders have drained.
func (manager *Manager) submitStop(op *Operation, b *batch) {
	blob := manager.lookupBlob(op.ObjectID)
	if blob == nil {
		manager.finishIllegal(op, b, "element not started")
		return
	}

	blob.Lock()
	defer blob.Unlock()

	if blob.flags&BlobStopping != 0 {
		manager.finishIllegal(op, b, "element already stopping")
		return
	}

	op.blob = blob
	manager.handles.insert(op)
	op.state = opQueued
	blob.flags |= BlobStopping
	blob.stopOp = op

	blob.abortWaiters(DestroyAbortStripeLocks, b)
	for _, proxy := range blob.waitingOps() {
		if proxy.isProxy() {
			b.send(abortedReply(&proxy.Message, cmi.FlagAbortDestroy))
			blob.dropProxy(proxy)
		}
	}

	blob.dispatch(b)
}

func (blob *blob) checkStop(b *batch) {
	if blob.stopOp == nil || !blob.shards.idle() || blob.writeCount != 0 || len(blob.peerQueue) != 0 {
		return
	}

	manager := blob.manager
	objectID := blob.element.ObjectID

	manager.Lock()
	delete(manager.blobs, objectID)
	// The peer takes back every slot when it sees our stop.
	if _, ok := manager.peerStarted[objectID]; ok {
		manager.peerStarted[objectID] = true
	}
	manager.Unlock()

	for _, handle := range manager.handles.tombstones(objectID) {
		manager.handles.remove(handle)
	}

	if manager.peerAlive() {
		b.send(&cmi.StripeLockMessage{
			Header: cmi.Header{
				MessageType: cmi.StripeLockStop,
				ObjectID:    objectID,
			},
			WriteRegion: emptyWireRegion,
			ReadRegion:  emptyWireRegion,
		})
	}

	stopOp := blob.stopOp
	blob.stopOp = nil
	blob.flags &^= BlobStarted
	manager.handles.remove(stopOp.handle)
	stopOp.status = StatusOK
	stopOp.state = opDone
	b.complete(stopOp)

	logger.Infof("stripelock: stopped element %#x", objectID)
}

func (manager *Manager) receiveStart(msg *cmi.StripeLockMessage, b *batch) {
	objectID := msg.Header.ObjectID
	owner := msg.Flags&cmi.FlagStartOwner != 0

	manager.Lock()
	manager.peerStarted[objectID] = owner
	blob := manager.blobs[objectID]
	manager.Unlock()

	if blob == nil {
		return
	}

	blob.Lock()
	defer blob.Unlock()

	if !owner {
		blob.slots.reclaimAll()
		blob.dispatch(b)
		return
	}

	allLocal, _ := blob.slots.ownership()
	if !allLocal {
		return
	}
	if manager.isActive() {
		logger.Warnf("stripelock: peer claims every slot of element %#x; the active SP keeps them", objectID)
		return
	}
	busy := blob.slots.yieldIdle()
	if busy > 0 {
		logger.Warnf("stripelock: element %#x kept %d busy slots while yielding to the active SP", objectID, busy)
	}
}

func (manager *Manager) receiveStop(msg *cmi.StripeLockMessage, b *batch) {
	objectID := msg.Header.ObjectID

	manager.Lock()
	delete(manager.peerStarted, objectID)
	blob := manager.blobs[objectID]
	manager.Unlock()

	if blob == nil {
		return
	}

	blob.Lock()
	defer blob.Unlock()

	blob.dropPendingProxies()
	blob.freeLeasedProxies()
	blob.slots.reclaimAll()
	blob.dispatch(b)
}

// PeerJoined announces every started element to a peer that just came up.
func (manager *Manager) PeerJoined() {
	manager.Lock()
	blobs := make([]*blob, 0, len(manager.blobs))
	for _, blob := range manager.blobs {
		blobs = append(blobs, blob)
	}
	manager.Unlock()

	b := manager.newBatch()
	for _, blob := range blobs {
		blob.Lock()
		allLocal, allPeer := blob.slots.ownership()
		blob.Unlock()

		switch {
		case allLocal:
			b.send(startMessage(blob.element.ObjectID, true))
		case allPeer:
			b.send(startMessage(blob.element.ObjectID, false))
		default:
			logger.Warnf("stripelock: element %#x shares slots with a peer that just joined; not announced",
				blob.element.ObjectID)
		}
	}
	manager.flush(b)
}
