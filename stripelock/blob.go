// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"fmt"
	"strings"
	"time"

	"github.com/NVIDIA/stripelock/logger"
	"github.com/NVIDIA/stripelock/trackedlock"
)

// BlobFlags describe the lifecycle of a lock blob.
type BlobFlags uint8

const (
	BlobStarted BlobFlags = 1 << iota
	BlobEnableHash
	BlobStopping
	BlobPeerLost
)

func (flags BlobFlags) String() string {
	var names []string
	for _, flagName := range []struct {
		flag BlobFlags
		name string
	}{
		{BlobStarted, "STARTED"},
		{BlobEnableHash, "ENABLE_HASH"},
		{BlobStopping, "STOPPING"},
		{BlobPeerLost, "PEER_LOST"},
	} {
		if flags&flagName.flag != 0 {
			names = append(names, flagName.name)
		}
	}
	return strings.Join(names, "|")
}

// blob is the lock state of one started element. Everything below the
// mutex is protected by it.
type blob struct {
	trackedlock.Mutex
	manager         *Manager
	element         Element
	slots           *slotTable
	shards          *shardMap
	peerQueue       []Handle
	writeCount      uint64
	flags           BlobFlags
	abortAttributes AbortAttributes
	stopOp          *Operation
}

func newBlob(manager *Manager, element Element, peerOwned bool) *blob {
	return &blob{
		manager: manager,
		element: element,
		slots:   newSlotTable(element.StripeCount(), manager.config.StripesPerSlot, peerOwned),
		shards:  newShardMap(manager.config.DefaultDivisor),
		flags:   BlobStarted,
	}
}

// checkRegion returns why op cannot address the element, or "". It also
// tags NP and PAGED operations.
func (blob *blob) checkRegion(op *Operation) (reason string) {
	if op.count == 0 {
		return "zero stripe count"
	}
	if op.Region.First > op.Region.Last {
		return "first stripe beyond last stripe"
	}
	if op.Region.Last >= blob.element.StripeCount() {
		return fmt.Sprintf("outside the %d stripes of the element", blob.element.StripeCount())
	}

	zone := func(stripe uint64) int {
		switch {
		case stripe < blob.element.UserStripes:
			return 0
		case stripe < blob.element.UserStripes+blob.element.PagedStripes:
			return 1
		default:
			return 2
		}
	}
	first, last := zone(op.Region.First), zone(op.Region.Last)
	if first != last {
		return "crosses the user/paged/non-paged boundary"
	}
	switch first {
	case 1:
		op.priv |= privPaged
	case 2:
		op.priv |= privNP
	}
	return ""
}

// enableHash rounds divisor up to whole slots. A divisor covering the
// whole element leaves a single shard.
func (blob *blob) enableHash(divisor uint64) {
	perSlot := blob.slots.stripesPerSlot
	stripeCount := blob.element.StripeCount()
	if rem := divisor % perSlot; rem != 0 && divisor < stripeCount {
		divisor += perSlot - rem
	}
	if divisor >= stripeCount {
		divisor = 0
	}
	blob.shards.reshard(divisor, stripeCount)
	blob.flags |= BlobEnableHash
	logger.Tracef("stripelock: element %#x hashed into %d shards of %d stripes",
		blob.element.ObjectID, blob.shards.tableSize, divisor)
}

// abortMatches decides whether attributes abort op.
func abortMatches(op *Operation, attributes AbortAttributes) bool {
	destroy := attributes&DestroyAbortStripeLocks != 0
	if op.flags&FlagNoAbort != 0 && !destroy {
		return false
	}
	return destroy || attributes&AbortStripeLocks != 0 ||
		(attributes&AbortMonitorOps != 0 && op.isMonitor())
}

func (blob *blob) lookup(handle Handle) (op *Operation) {
	op = blob.manager.handles.lookup(handle)
	if op == nil {
		logger.PanicfWithError(nil, "stripelock: element %#x queues unknown handle %d",
			blob.element.ObjectID, handle)
	}
	return
}

// waitingOps returns the operations queued in the shard map, in ascending
// seq order.
func (blob *blob) waitingOps() (ops []*Operation) {
	for _, handle := range blob.shards.waiters() {
		ops = append(ops, blob.lookup(handle))
	}
	return
}

func (blob *blob) peerQueueOps() (ops []*Operation) {
	for _, handle := range blob.peerQueue {
		ops = append(ops, blob.lookup(handle))
	}
	return
}

// localWaiters returns the local operations that are not granted yet.
func (blob *blob) localWaiters() (ops []*Operation) {
	for _, op := range blob.waitingOps() {
		if !op.isProxy() {
			ops = append(ops, op)
		}
	}
	return append(ops, blob.peerQueueOps()...)
}

func (blob *blob) removeFromPeerQueue(op *Operation) {
	for i, handle := range blob.peerQueue {
		if handle == op.handle {
			blob.peerQueue = append(blob.peerQueue[:i], blob.peerQueue[i+1:]...)
			return
		}
	}
}

func (blob *blob) submitLock(op *Operation, b *batch) {
	manager := blob.manager
	op.blob = blob

	if blob.flags&BlobStopping != 0 {
		manager.stats.Aborts.Increment()
		op.status = StatusAborted
		op.state = opDone
		b.complete(op)
		return
	}
	if reason := blob.checkRegion(op); reason != "" {
		manager.finishIllegal(op, b, reason)
		return
	}
	if abortMatches(op, blob.abortAttributes) {
		manager.stats.Aborts.Increment()
		op.status = StatusAborted
		op.state = opDone
		b.complete(op)
		return
	}

	if blob.flags&BlobEnableHash == 0 && manager.config.HashEnable &&
		blob.element.StripeCount() > blob.shards.defaultDivisor &&
		blob.shards.idle() && len(blob.peerQueue) == 0 {
		blob.enableHash(blob.shards.defaultDivisor)
	}

	manager.handles.insert(op)
	op.seq = manager.nextSeq()

	first, last := blob.shards.span(op.Region)
	if first != last {
		op.priv |= privLarge
		blob.shards.count++
		manager.stats.LargeRequests.Increment()
	}

	if blob.blockedBy(op, blob.waitingOps()) || !blob.tryGrantLocal(op, b) {
		manager.stats.Collisions.Increment()
		if op.flags&FlagAllowHold == 0 {
			manager.stats.Drops.Increment()
			blob.finish(op, StatusDropped, b)
			return
		}
		op.state = opQueued
		blob.shards.enqueue(op)
		logger.DebugfID(logger.DbgSlots, "stripelock: queued %v", op)
	}

	blob.dispatch(b)
}

// blockedBy reports whether an earlier operation of others conflicts
// with op.
func (blob *blob) blockedBy(op *Operation, others []*Operation) bool {
	for _, other := range others {
		if other.seq < op.seq && other.conflictsWith(op) {
			return true
		}
	}
	return false
}

// acquireRefs takes the local refs of op shard by shard, in ascending
// order, and rolls them all back if any shard collides. A peer-required
// result holds the refs.
func (blob *blob) acquireRefs(op *Operation) (result acquireResult) {
	exclusive := op.isWrite()
	result = acquireGranted
	first, last := blob.shards.span(op.Region)
	for s := first; s <= last; s++ {
		sub := blob.shards.subRegion(op.Region, s)
		hook := blob.manager.subAcquire
		subResult := acquireQueued
		if hook == nil || hook(op, s) {
			subResult = blob.slots.acquire(sub, exclusive)
		}
		if subResult == acquireQueued {
			for r := first; r < s; r++ {
				blob.slots.release(blob.shards.subRegion(op.Region, r), exclusive)
			}
			logger.DebugfID(logger.DbgSlots, "stripelock: %v collides in shard %d", op, s)
			return acquireQueued
		}
		if subResult == acquirePeerRequired {
			result = acquirePeerRequired
		}
	}
	return
}

// tryGrantLocal moves a new or queued local operation forward. It returns
// false, with no refs taken, on a local collision.
func (blob *blob) tryGrantLocal(op *Operation, b *batch) bool {
	if op.state == opQueued && op.priv&privLarge != 0 {
		op.flags |= FlagRetry
		blob.manager.stats.LargeRetries.Increment()
	}
	result := blob.acquireRefs(op)
	if result == acquireQueued {
		return false
	}
	if op.state == opQueued {
		blob.shards.dequeue(op)
	}
	op.priv |= privLocalGrant
	blob.shards.addHolder(op)

	if result == acquirePeerRequired {
		blob.needPeer(op, b)
	} else {
		blob.grant(op, b)
	}
	return true
}

// needPeer parks an operation holding its local refs until the peer's
// rights are obtained.
func (blob *blob) needPeer(op *Operation, b *batch) {
	manager := blob.manager
	manager.stats.Collisions.Increment()
	op.flags |= FlagPeerCollision

	if op.flags&FlagAllowHold == 0 {
		manager.stats.Drops.Increment()
		blob.finish(op, StatusDropped, b)
		return
	}

	op.flags |= FlagLocalRequest
	op.priv |= privPending
	op.state = opWaitingForPeer
	blob.peerQueue = append(blob.peerQueue, op.handle)

	if blob.flags&BlobPeerLost != 0 || !manager.peerAlive() {
		op.peerReq = peerReqNone
		blob.peerUnavailable(op, b)
		return
	}
	if op.peerReq == peerReqNone {
		blob.sendRequest(op, b)
	}
}

func (blob *blob) grant(op *Operation, b *batch) {
	manager := blob.manager
	op.state = opGranted
	op.status = StatusOK
	op.priv &^= privPending
	op.flags &^= FlagPeerCollision
	if op.isWrite() {
		blob.writeCount++
	}
	if op.flags&FlagGrant == 0 {
		manager.stats.LocalGrants.Increment()
	}
	latency := uint64(time.Since(op.submitTime) / time.Microsecond)
	manager.stats.GrantLatencyUsec.Add(latency)
	manager.stats.GrantLatencyBuckets.Add(latency)
	logger.DebugfID(logger.DbgSlots, "stripelock: granted %v", op)
	b.complete(op)
}

func (blob *blob) dropRefs(op *Operation) {
	blob.slots.release(op.Region, op.isWrite())
	blob.shards.removeHolder(op)
	op.priv &^= privLocalGrant
}

// finish terminates a local lock operation that was not granted.
func (blob *blob) finish(op *Operation, status Status, b *batch) {
	manager := blob.manager

	switch op.state {
	case opQueued:
		blob.shards.dequeue(op)
	case opWaitingForPeer:
		blob.removeFromPeerQueue(op)
	}
	if op.priv&privLocalGrant != 0 {
		blob.dropRefs(op)
	}
	if op.priv&privLarge != 0 {
		blob.shards.count--
	}
	if op.peerReq == peerReqOutstanding {
		manager.handles.bury(op)
	} else {
		manager.handles.remove(op.handle)
	}

	op.peerReq = peerReqNone
	op.priv &^= privPending
	op.state = opDone
	op.status = status
	switch status {
	case StatusAborted:
		manager.stats.Aborts.Increment()
	case StatusCancelled:
		manager.stats.Cancels.Increment()
	}
	logger.DebugfID(logger.DbgSlots, "stripelock: finished %v", op)
	b.complete(op)
}

// releaseGrant gives up the rights of a granted local lock operation.
func (blob *blob) releaseGrant(lockOp *Operation, b *batch) {
	manager := blob.manager

	blob.dropRefs(lockOp)
	if lockOp.isWrite() {
		blob.writeCount--
	}
	if lockOp.priv&privLarge != 0 {
		blob.shards.count--
	}
	if lockOp.peerReq == peerReqLease {
		if lockOp.flags&FlagPeerLost == 0 && manager.peerAlive() {
			b.send(releaseMessage(lockOp))
		}
		manager.stats.LeasesReleased.Increment()
		lockOp.peerReq = peerReqNone
	}
	lockOp.state = opDone
	manager.handles.remove(lockOp.handle)
}

func (blob *blob) submitUnlock(op *Operation, b *batch) {
	op.blob = blob

	if reason := blob.checkRegion(op); reason != "" {
		blob.manager.finishIllegal(op, b, reason)
		return
	}

	var lockOp *Operation
	for _, holder := range blob.shards.holders(op.Region) {
		if holder.isProxy() || holder.state != opGranted || holder.isWrite() != op.isWrite() ||
			holder.Region != op.Region {
			continue
		}
		if lockOp == nil || holder.seq < lockOp.seq {
			lockOp = holder
		}
	}
	if lockOp == nil {
		blob.manager.finishIllegal(op, b, "no matching grant")
		return
	}

	blob.releaseGrant(lockOp, b)
	op.flags |= lockOp.flags & FlagPeerLost
	op.status = StatusOK
	op.state = opDone
	b.complete(op)

	blob.dispatch(b)
}

// dispatch re-evaluates every waiter until nothing moves, breaking
// deadlocks with the peer as they are found.
func (blob *blob) dispatch(b *batch) {
	for {
		blob.dispatchPass(b)
		blob.markHoldingPeer()
		if !blob.breakDeadlock(b) {
			break
		}
	}
	blob.checkStop(b)
}

func (blob *blob) dispatchPass(b *batch) {
	for progress := true; progress; {
		progress = false

		// Proxies are not held behind local waiters.
		for _, op := range blob.waitingOps() {
			if op.isProxy() && blob.tryGrantProxy(op, b) {
				progress = true
			}
		}

		var blocked []*Operation
		for _, op := range blob.waitingOps() {
			if op.isProxy() || blob.blockedBy(op, blocked) || !blob.tryGrantLocal(op, b) {
				blocked = append(blocked, op)
				continue
			}
			progress = true
		}

		// Operations left without a request, after peer loss or a peer
		// stop, proceed once their slots are local again.
		for _, op := range blob.peerQueueOps() {
			if op.peerReq == peerReqNone && !blob.slots.peerNeeded(op.Region, op.isWrite()) {
				blob.removeFromPeerQueue(op)
				blob.grant(op, b)
				progress = true
			}
		}
	}
}

// markHoldingPeer flags the granted operations queued proxies wait on.
// Flags survive while the peer is lost.
func (blob *blob) markHoldingPeer() {
	if blob.flags&BlobPeerLost == 0 {
		for _, holder := range blob.shards.allHolders() {
			holder.flags &^= FlagHoldingPeer
		}
	}
	for _, op := range blob.waitingOps() {
		if !op.isProxy() {
			continue
		}
		for _, holder := range blob.shards.holders(op.Region) {
			if !holder.isProxy() && holder.state == opGranted && holder.conflictsWith(op) {
				holder.flags |= FlagHoldingPeer
			}
		}
	}
}

func (blob *blob) cancel(op *Operation, b *batch) {
	if op == blob.stopOp {
		blob.stopOp = nil
		blob.flags &^= BlobStopping
		blob.manager.handles.remove(op.handle)
		blob.manager.stats.Cancels.Increment()
		op.status = StatusCancelled
		op.state = opDone
		b.complete(op)
		return
	}
	if op.isProxy() || (op.state != opQueued && op.state != opWaitingForPeer) {
		return
	}
	blob.finish(op, StatusCancelled, b)
	blob.dispatch(b)
}

func (blob *blob) abortWaiters(attributes AbortAttributes, b *batch) {
	for _, op := range blob.localWaiters() {
		if abortMatches(op, attributes) {
			blob.finish(op, StatusAborted, b)
		}
	}
}
