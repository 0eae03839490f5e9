// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/cmi"
	"github.com/NVIDIA/stripelock/logger"
)

// peerUnavailable settles a waiting operation whose peer rights cannot be
// obtained. NP and PAGED operations take their slots over; NO_ABORT
// operations stay on the peer queue until ReleasePeerLocks.
func (blob *blob) peerUnavailable(op *Operation, b *batch) {
	op.flags |= FlagPeerLost

	switch {
	case op.priv&(privNP|privPaged) != 0:
		blob.slots.reclaim(op.Region)
		blob.removeFromPeerQueue(op)
		blob.grant(op, b)
	case op.isMonitor() || op.flags&FlagNoAbort == 0:
		blob.finish(op, StatusAborted, b)
	}
}

// PeerLost is called by the CMI service when the peer SP is gone. It
// implements cmi.Client.
func (manager *Manager) PeerLost() {
	manager.stats.PeerLostEvents.Increment()

	manager.Lock()
	manager.peerStarted = make(map[cmi.ObjectID]bool)
	blobs := make([]*blob, 0, len(manager.blobs))
	for _, blob := range manager.blobs {
		blobs = append(blobs, blob)
	}
	manager.Unlock()

	logger.Warnf("stripelock: peer lost with %d started elements", len(blobs))

	b := manager.newBatch()
	for _, blob := range blobs {
		blob.Lock()
		blob.peerLost(b)
		blob.Unlock()
	}
	manager.flush(b)
}

func (blob *blob) peerLost(b *batch) {
	manager := blob.manager
	blob.flags |= BlobPeerLost

	blob.dropPendingProxies()

	for _, op := range blob.peerQueueOps() {
		op.peerReq = peerReqNone
		blob.peerUnavailable(op, b)
	}
	for _, op := range blob.localWaiters() {
		if op.peerReq == peerReqOutstanding {
			op.peerReq = peerReqNone
			op.flags |= FlagPeerLost
		}
	}

	var handles []Handle
	for _, holder := range blob.shards.allHolders() {
		if holder.isProxy() || holder.state != opGranted {
			continue
		}
		if holder.flags&FlagHoldingPeer != 0 || holder.peerReq == peerReqLease {
			holder.flags |= FlagPeerLost
			handles = append(handles, holder.handle)
		}
	}
	if len(handles) > 0 {
		b.peerLost = append(b.peerLost, peerLostReport{objectID: blob.element.ObjectID, handles: handles})
	}

	for _, handle := range manager.handles.tombstones(blob.element.ObjectID) {
		manager.handles.remove(handle)
	}

	blob.dispatch(b)
}

// ReleasePeerLocks takes every slot of objectID back from a lost peer. It
// frees the leases the peer held and lets the waiters proceed.
func (manager *Manager) ReleasePeerLocks(objectID cmi.ObjectID) (err error) {
	blob := manager.lookupBlob(objectID)
	if blob == nil {
		err = blunder.NewError(blunder.NotStartedError, "element %#x not started", objectID)
		return
	}

	b := manager.newBatch()
	blob.Lock()
	blob.dropPendingProxies()
	blob.freeLeasedProxies()
	blob.slots.reclaimAll()
	for _, holder := range blob.shards.allHolders() {
		holder.flags &^= FlagHoldingPeer
	}
	blob.flags &^= BlobPeerLost
	blob.dispatch(b)
	blob.Unlock()
	manager.flush(b)

	logger.Infof("stripelock: released peer locks of element %#x", objectID)
	return
}
