// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"time"

	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/cmi"
	"github.com/NVIDIA/stripelock/logger"
)

func setRegion(msg *cmi.StripeLockMessage, region Region, exclusive bool) {
	msg.WriteRegion = emptyWireRegion
	msg.ReadRegion = emptyWireRegion
	if exclusive {
		msg.WriteRegion = region.toWire()
	} else {
		msg.ReadRegion = region.toWire()
	}
}

func messageRegion(msg *cmi.StripeLockMessage, exclusive bool) Region {
	if exclusive {
		return regionFromWire(msg.WriteRegion)
	}
	return regionFromWire(msg.ReadRegion)
}

func (blob *blob) sendRequest(op *Operation, b *batch) {
	msgType := cmi.StripeReadLock
	if op.isWrite() {
		msgType = cmi.StripeWriteLock
	}
	msg := &cmi.StripeLockMessage{
		Header: cmi.Header{
			MessageType:  msgType,
			ObjectID:     op.ObjectID,
			SenderHandle: op.handle,
		},
		Packet:        op.Packet,
		RequestHandle: op.handle,
	}
	setRegion(msg, op.Region, op.isWrite())
	if op.isMonitor() {
		msg.Flags |= cmi.FlagMonitorOp
	}

	op.Message = *msg
	op.peerReq = peerReqOutstanding
	op.priv &^= privReturned
	blob.manager.stats.PeerRequestsSent.Increment()
	b.send(msg)
}

func abortedReply(request *cmi.StripeLockMessage, flags cmi.MessageFlags) *cmi.StripeLockMessage {
	return &cmi.StripeLockMessage{
		Header: cmi.Header{
			MessageType:    cmi.StripeAborted,
			ObjectID:       request.Header.ObjectID,
			ReceiverHandle: request.Header.SenderHandle,
		},
		WriteRegion:   request.WriteRegion,
		ReadRegion:    request.ReadRegion,
		Packet:        request.Packet,
		RequestHandle: request.Header.SenderHandle,
		Flags:         flags | (request.Flags & cmi.FlagMonitorOp),
	}
}

func grantReply(proxy *Operation, lease bool) (msg *cmi.StripeLockMessage) {
	msgType := cmi.StripeReadGrant
	if proxy.isWrite() {
		msgType = cmi.StripeWriteGrant
	}
	msg = &cmi.StripeLockMessage{
		Header: cmi.Header{
			MessageType:    msgType,
			ObjectID:       proxy.ObjectID,
			SenderHandle:   proxy.handle,
			ReceiverHandle: proxy.peerHandle,
		},
		Packet:        proxy.Packet,
		RequestHandle: proxy.peerHandle,
	}
	setRegion(msg, proxy.Region, proxy.isWrite())
	if lease {
		msg.Flags |= cmi.FlagNeedRelease
		msg.GrantHandle = proxy.handle
	}
	if proxy.isMonitor() {
		msg.Flags |= cmi.FlagMonitorOp
	}
	proxy.Message = *msg
	return
}

// releaseMessage ends the lease held by lockOp.
func releaseMessage(lockOp *Operation) *cmi.StripeLockMessage {
	msg := &cmi.StripeLockMessage{
		Header: cmi.Header{
			MessageType:    cmi.StripeRelease,
			ObjectID:       lockOp.ObjectID,
			SenderHandle:   lockOp.handle,
			ReceiverHandle: lockOp.grantHandle,
		},
		Packet:        lockOp.Packet,
		RequestHandle: lockOp.handle,
		GrantHandle:   lockOp.grantHandle,
	}
	setRegion(msg, lockOp.Region, lockOp.isWrite())
	return msg
}

// releaseStaleLease returns a lease granted to a request that no longer
// wants it.
func releaseStaleLease(grant *cmi.StripeLockMessage) *cmi.StripeLockMessage {
	return &cmi.StripeLockMessage{
		Header: cmi.Header{
			MessageType:    cmi.StripeRelease,
			ObjectID:       grant.Header.ObjectID,
			SenderHandle:   grant.RequestHandle,
			ReceiverHandle: grant.GrantHandle,
		},
		WriteRegion:   grant.WriteRegion,
		ReadRegion:    grant.ReadRegion,
		Packet:        grant.Packet,
		RequestHandle: grant.RequestHandle,
		GrantHandle:   grant.GrantHandle,
	}
}

// ReceiveMessage handles a lock message from the peer. It implements
// cmi.Client.
func (manager *Manager) ReceiveMessage(msg *cmi.StripeLockMessage) {
	logger.DebugfID(logger.DbgWire, "stripelock: received %v", msg)

	b := manager.newBatch()

	switch msg.Header.MessageType {
	case cmi.StripeLockStart:
		manager.receiveStart(msg, b)
	case cmi.StripeLockStop:
		manager.receiveStop(msg, b)
	case cmi.StripeWriteLock, cmi.StripeReadLock:
		manager.receiveRequest(msg, b)
	case cmi.StripeWriteGrant, cmi.StripeReadGrant:
		manager.receiveGrant(msg, b)
	case cmi.StripeRelease:
		manager.receiveRelease(msg, b)
	case cmi.StripeAborted:
		manager.receiveAborted(msg, b)
	default:
		err := blunder.NewError(blunder.ProtocolError, "unexpected %v", msg.Header.MessageType)
		logger.WarnfWithError(err, "stripelock: dropping %v", msg)
	}

	manager.flush(b)
}

func (manager *Manager) receiveRequest(msg *cmi.StripeLockMessage, b *batch) {
	manager.stats.PeerRequestsReceived.Increment()

	exclusive := msg.Header.MessageType == cmi.StripeWriteLock
	region := messageRegion(msg, exclusive)

	blob := manager.lookupBlob(msg.Header.ObjectID)
	if blob == nil {
		b.send(abortedReply(msg, cmi.FlagAbortDestroy))
		return
	}

	blob.Lock()
	defer blob.Unlock()

	if blob.flags&BlobStopping != 0 {
		b.send(abortedReply(msg, cmi.FlagAbortDestroy))
		return
	}
	if region.First > region.Last || region.Last >= blob.element.StripeCount() {
		logger.Warnf("stripelock: peer request %v outside element %#x", region, msg.Header.ObjectID)
		b.send(abortedReply(msg, 0))
		return
	}

	proxy := &Operation{
		Opcode:     lockOpcode(exclusive),
		ObjectID:   msg.Header.ObjectID,
		Region:     blob.slots.expand(region),
		Packet:     msg.Packet,
		Message:    *msg,
		count:      region.Last - region.First + 1,
		status:     StatusPending,
		flags:      FlagPeerRequest | FlagAllowHold,
		peerHandle: msg.Header.SenderHandle,
		blob:       blob,
		submitTime: time.Now(),
	}
	if !exclusive {
		proxy.priv |= privRead
	}
	if msg.Flags&cmi.FlagMonitorOp != 0 {
		proxy.flags |= FlagMonitorOp
	}
	manager.handles.insert(proxy)
	proxy.seq = manager.nextSeq()

	if !blob.tryGrantProxy(proxy, b) {
		proxy.state = opQueued
		blob.shards.enqueue(proxy)
		logger.DebugfID(logger.DbgSlots, "stripelock: queued proxy %v", proxy)
	}
	blob.dispatch(b)
}

func lockOpcode(exclusive bool) Opcode {
	if exclusive {
		return OpcodeWriteLock
	}
	return OpcodeReadLock
}

// localDemand reports a local operation waiting for stripes of proxy.
func (blob *blob) localDemand(proxy *Operation) bool {
	for _, op := range blob.localWaiters() {
		if op.Region.overlaps(proxy.Region) {
			return true
		}
	}
	return false
}

// tryGrantProxy answers a peer request once no local holder collides. With
// local demand the rights are leased, otherwise they migrate.
func (blob *blob) tryGrantProxy(proxy *Operation, b *batch) bool {
	manager := blob.manager
	exclusive := proxy.isWrite()

	if blob.slots.conflicts(proxy.Region, exclusive) {
		return false
	}
	if proxy.state == opQueued {
		blob.shards.dequeue(proxy)
	}

	lease := blob.localDemand(proxy)
	if lease {
		blob.slots.take(proxy.Region, exclusive)
		if exclusive {
			blob.slots.setLease(proxy.Region, true)
			blob.writeCount++
		}
		proxy.priv |= privLocalGrant
		blob.shards.addHolder(proxy)
		proxy.state = opGranted
		proxy.peerReq = peerReqLease
		manager.stats.LeasesGranted.Increment()
	} else {
		blob.slots.grantToPeer(proxy.Region, exclusive)
		blob.markReturned(proxy.Region)
		proxy.flags |= FlagFullSlot
		proxy.state = opDone
		manager.handles.remove(proxy.handle)
	}
	proxy.status = StatusOK
	manager.stats.GrantsSent.Increment()
	b.send(grantReply(proxy, lease))
	logger.DebugfID(logger.DbgSlots, "stripelock: granted proxy %v lease %v", proxy, lease)
	return true
}

// markReturned notes that region went to the peer while our own requests
// for it are unanswered. A migration grant answering them afterwards is
// stale and must not be applied.
func (blob *blob) markReturned(region Region) {
	for _, op := range blob.localWaiters() {
		if op.peerReq == peerReqOutstanding && blob.slots.expand(op.Region).overlaps(region) {
			op.priv |= privReturned
		}
	}
	blob.manager.handles.markReturned(blob.element.ObjectID, func(tombRegion Region) bool {
		return blob.slots.expand(tombRegion).overlaps(region)
	})
}

// takeGrantedRights applies a migration grant unless the stripes were
// handed back to the peer after the request was sent.
func (blob *blob) takeGrantedRights(region Region, exclusive bool, returned bool) {
	if returned {
		logger.Tracef("stripelock: element %#x stripes %v already went back to the peer",
			blob.element.ObjectID, region)
		return
	}
	blob.slots.takeFromPeer(region, exclusive)
}

// releaseLease ends a lease granted to the peer.
func (blob *blob) releaseLease(proxy *Operation) {
	blob.dropRefs(proxy)
	if proxy.isWrite() {
		blob.slots.setLease(proxy.Region, false)
		blob.writeCount--
	}
	proxy.peerReq = peerReqNone
	proxy.state = opDone
	blob.manager.handles.remove(proxy.handle)
	blob.manager.stats.LeasesReleased.Increment()
}

func (blob *blob) dropProxy(proxy *Operation) {
	blob.shards.dequeue(proxy)
	proxy.state = opDone
	proxy.status = StatusAborted
	blob.manager.handles.remove(proxy.handle)
}

func (blob *blob) dropPendingProxies() {
	for _, op := range blob.waitingOps() {
		if op.isProxy() {
			blob.dropProxy(op)
		}
	}
}

func (blob *blob) freeLeasedProxies() {
	for _, holder := range blob.shards.allHolders() {
		if holder.isProxy() {
			blob.releaseLease(holder)
		}
	}
}

func (manager *Manager) staleReply(msg *cmi.StripeLockMessage, b *batch, why string) {
	manager.stats.StaleReplies.Increment()
	logger.Warnf("stripelock: %s: %v", why, msg)
	if msg.Flags&cmi.FlagNeedRelease != 0 {
		b.send(releaseStaleLease(msg))
	}
}

func (manager *Manager) receiveGrant(msg *cmi.StripeLockMessage, b *batch) {
	manager.stats.GrantsReceived.Increment()

	handle := msg.Header.ReceiverHandle
	if msg.RequestHandle != handle {
		manager.staleReply(msg, b, "grant for mismatched request handle")
		return
	}
	lease := msg.Flags&cmi.FlagNeedRelease != 0
	exclusive := msg.Header.MessageType == cmi.StripeWriteGrant
	region := messageRegion(msg, exclusive)

	blob := manager.lookupBlob(msg.Header.ObjectID)
	if blob == nil {
		manager.handles.remove(handle)
		manager.staleReply(msg, b, "grant for a stopped element")
		return
	}

	blob.Lock()
	defer blob.Unlock()

	entry := manager.handles.get(handle)
	if entry == nil {
		manager.staleReply(msg, b, "grant for an unknown handle")
		return
	}
	if entry.tombstone != nil {
		manager.handles.remove(handle)
		manager.stats.StaleReplies.Increment()
		if lease {
			b.send(releaseStaleLease(msg))
		} else {
			blob.takeGrantedRights(region, exclusive, entry.tombstone.returned)
		}
		blob.dispatch(b)
		return
	}

	op := entry.op
	if op.peerReq != peerReqOutstanding {
		manager.staleReply(msg, b, "grant for a handle with no outstanding request")
		return
	}
	op.peerReq = peerReqNone
	op.Message = *msg
	returned := op.priv&privReturned != 0
	op.priv &^= privReturned
	if lease {
		manager.stats.LeasesReceived.Increment()
	}

	if op.state == opWaitingForPeer {
		if returned && !lease {
			blob.sendRequest(op, b)
			blob.dispatch(b)
			return
		}
		if lease {
			op.peerReq = peerReqLease
			op.grantHandle = msg.GrantHandle
		} else {
			blob.slots.takeFromPeer(region, exclusive)
		}
		blob.removeFromPeerQueue(op)
		op.flags |= FlagGrant
		blob.grant(op, b)
	} else {
		// A deadlock victim waiting again for its local refs.
		if lease {
			b.send(releaseStaleLease(msg))
		} else {
			blob.takeGrantedRights(region, exclusive, returned)
		}
	}
	blob.dispatch(b)
}

func (manager *Manager) receiveRelease(msg *cmi.StripeLockMessage, b *batch) {
	blob := manager.lookupBlob(msg.Header.ObjectID)
	if blob == nil {
		logger.Warnf("stripelock: release for a stopped element: %v", msg)
		return
	}

	blob.Lock()
	defer blob.Unlock()

	proxy := manager.handles.lookup(msg.Header.ReceiverHandle)
	if proxy == nil || !proxy.isProxy() || proxy.peerReq != peerReqLease {
		manager.stats.StaleReplies.Increment()
		logger.Warnf("stripelock: release of an unknown lease: %v", msg)
		return
	}
	blob.releaseLease(proxy)
	blob.dispatch(b)
}

func (manager *Manager) receiveAborted(msg *cmi.StripeLockMessage, b *batch) {
	handle := msg.Header.ReceiverHandle

	blob := manager.lookupBlob(msg.Header.ObjectID)
	if blob == nil {
		manager.handles.remove(handle)
		return
	}

	blob.Lock()
	defer blob.Unlock()

	entry := manager.handles.get(handle)
	if entry == nil {
		manager.stats.StaleReplies.Increment()
		logger.Warnf("stripelock: aborted reply for an unknown handle: %v", msg)
		return
	}
	if entry.tombstone != nil {
		manager.handles.remove(handle)
		return
	}

	op := entry.op
	if op.peerReq != peerReqOutstanding {
		manager.stats.StaleReplies.Increment()
		logger.Warnf("stripelock: aborted reply with no outstanding request: %v", msg)
		return
	}
	op.peerReq = peerReqNone
	op.Message = *msg
	if op.state == opWaitingForPeer || op.state == opQueued {
		blob.finish(op, StatusAborted, b)
	}
	blob.dispatch(b)
}

// requestFailed handles a request the messenger could not send.
func (manager *Manager) requestFailed(msg *cmi.StripeLockMessage) {
	blob := manager.lookupBlob(msg.Header.ObjectID)
	if blob == nil {
		return
	}

	b := manager.newBatch()
	blob.Lock()
	op := manager.handles.lookup(msg.Header.SenderHandle)
	if op != nil && op.state == opWaitingForPeer && op.peerReq == peerReqOutstanding {
		op.peerReq = peerReqNone
		blob.peerUnavailable(op, b)
		blob.dispatch(b)
	}
	blob.Unlock()
	manager.flush(b)
}
