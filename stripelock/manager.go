// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"context"
	"time"

	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/bucketstats"
	"github.com/NVIDIA/stripelock/cmi"
	"github.com/NVIDIA/stripelock/logger"
	"github.com/NVIDIA/stripelock/trackedlock"
)

// Manager is the stripe lock manager of one SP.
type Manager struct {
	trackedlock.Mutex // blobs, peerStarted, seq
	config            Config
	messenger         Messenger
	blobs             map[cmi.ObjectID]*blob
	peerStarted       map[cmi.ObjectID]bool // true if the peer started as owner of all slots
	seq               uint64
	handles           *handleTable
	peerLostHandler   PeerLostHandler
	stats             *managerStats
	outbox            outbox

	// subAcquire is consulted before each shard sub-acquisition; false
	// makes that shard collide.
	subAcquire func(op *Operation, shard int) bool
}

// outbox holds the messages queued under the blob locks, in queueing
// order. A single flush at a time drains it, so messages touching the same
// slots reach the peer in the order their blob lock saw them.
type outbox struct {
	trackedlock.Mutex
	queue    []*cmi.StripeLockMessage
	draining bool
}

// batch collects what must happen once the blob lock is dropped. Messages
// go straight to the outbox.
type batch struct {
	manager     *Manager
	completions []*Operation
	peerLost    []peerLostReport
}

type peerLostReport struct {
	objectID cmi.ObjectID
	handles  []Handle
}

func (manager *Manager) newBatch() *batch {
	return &batch{manager: manager}
}

func (b *batch) send(msg *cmi.StripeLockMessage) {
	if b.manager.messenger == nil {
		return
	}
	outbox := &b.manager.outbox
	outbox.Lock()
	outbox.queue = append(outbox.queue, msg)
	outbox.Unlock()
}

func (b *batch) complete(op *Operation) {
	if op.priv&privSignaled != 0 {
		return
	}
	op.priv |= privSignaled
	b.completions = append(b.completions, op)
}

// NewManager returns a Manager exchanging lock messages through messenger.
// A nil messenger runs the manager standalone: every slot is local. The
// caller registers the manager as the cmi.Client of its service.
func NewManager(config Config, messenger Messenger) (manager *Manager, err error) {
	if config.StripesPerSlot == 0 {
		config.StripesPerSlot = defaultStripesPerSlot
	}
	if config.DefaultDivisor == 0 {
		config.DefaultDivisor = defaultDivisor
	}
	if config.Name == "" {
		config.Name = "manager"
	}

	globals.Lock()
	defer globals.Unlock()

	if globals.managers == nil {
		err = blunder.NewError(blunder.NotStartedError, "stripelock is not up")
		return
	}
	if _, ok := globals.managers[config.Name]; ok {
		err = blunder.NewError(blunder.FileExistsError, "stripelock manager %s already exists", config.Name)
		return
	}

	manager = &Manager{
		config:      config,
		messenger:   messenger,
		blobs:       make(map[cmi.ObjectID]*blob),
		peerStarted: make(map[cmi.ObjectID]bool),
		handles:     newHandleTable(),
		stats:       &managerStats{},
	}
	globals.managers[config.Name] = manager
	bucketstats.Register("stripelock", config.Name, manager.stats)
	return
}

// Close releases the manager. Every element must have been stopped.
func (manager *Manager) Close() (err error) {
	manager.Lock()
	active := len(manager.blobs)
	manager.Unlock()
	if active > 0 {
		err = blunder.NewError(blunder.DevBusyError, "stripelock manager %s has %d started elements",
			manager.config.Name, active)
		return
	}

	globals.Lock()
	delete(globals.managers, manager.config.Name)
	globals.Unlock()
	bucketstats.UnRegister("stripelock", manager.config.Name)
	return
}

// SetPeerLostHandler installs the handler told about granted operations
// that were involved with a lost peer.
func (manager *Manager) SetPeerLostHandler(handler PeerLostHandler) {
	manager.Lock()
	manager.peerLostHandler = handler
	manager.Unlock()
}

func (manager *Manager) peerAlive() bool {
	return manager.messenger != nil && manager.messenger.PeerAlive()
}

func (manager *Manager) isActive() bool {
	return manager.messenger == nil || manager.messenger.IsActive()
}

func (manager *Manager) lookupBlob(objectID cmi.ObjectID) (blob *blob) {
	manager.Lock()
	blob = manager.blobs[objectID]
	manager.Unlock()
	return
}

func (manager *Manager) nextSeq() (seq uint64) {
	manager.Lock()
	manager.seq++
	seq = manager.seq
	manager.Unlock()
	return
}

// flush performs the deferred work of b. No blob lock may be held.
func (manager *Manager) flush(b *batch) {
	manager.drain()

	if len(b.peerLost) > 0 {
		manager.Lock()
		handler := manager.peerLostHandler
		manager.Unlock()
		if handler != nil {
			for _, report := range b.peerLost {
				handler(report.objectID, report.handles)
			}
		}
	}

	for _, op := range b.completions {
		close(op.done)
		if op.completion != nil {
			op.completion(op)
		}
	}
}

// drain sends the outbox in order. A caller finding a drain in progress
// leaves its messages to that drain.
func (manager *Manager) drain() {
	outbox := &manager.outbox

	outbox.Lock()
	if outbox.draining {
		outbox.Unlock()
		return
	}
	outbox.draining = true
	for len(outbox.queue) > 0 {
		msg := outbox.queue[0]
		outbox.queue[0] = nil
		outbox.queue = outbox.queue[1:]
		outbox.Unlock()

		manager.transmit(msg)

		outbox.Lock()
	}
	outbox.draining = false
	outbox.Unlock()
}

func (manager *Manager) transmit(msg *cmi.StripeLockMessage) {
	err := manager.messenger.Send(msg)
	if err != nil {
		manager.SendFailed(msg, err)
	}
}

// SendFailed handles a message that could not be sent to the peer, either
// at once or, for a throttled request, once its delay expired. It
// implements cmi.SendFailedClient.
func (manager *Manager) SendFailed(msg *cmi.StripeLockMessage, err error) {
	manager.stats.SendFailures.Increment()
	logger.WarnfWithError(err, "stripelock: send %v failed", msg)
	if msg.Header.MessageType.IsRequest() {
		manager.requestFailed(msg)
	}
}

// Submit starts op. Unless SYNC_MODE is set it returns at once and op
// completes through completion, which may already have been called when
// Submit returns. In SYNC_MODE Submit waits and returns op.Err(); a done
// ctx cancels op.
func (manager *Manager) Submit(ctx context.Context, op *Operation, completion CompletionFunc) (err error) {
	if op.status == StatusInvalid {
		err = blunder.NewError(blunder.IllegalRequestError, "operation was not built")
		return
	}
	if op.status != StatusInitialized || op.state != opInitialized {
		err = blunder.NewError(blunder.IllegalRequestError, "%v submitted twice", op)
		return
	}

	op.completion = completion
	op.done = make(chan struct{})
	op.status = StatusPending
	op.submitTime = time.Now()

	b := manager.newBatch()

	switch op.Opcode {
	case OpcodeReadLock, OpcodeWriteLock:
		manager.submitLock(op, b)
	case OpcodeReadUnlock, OpcodeWriteUnlock:
		manager.submitUnlock(op, b)
	case OpcodeStart:
		manager.submitStart(op, b)
	case OpcodeStop:
		manager.submitStop(op, b)
	default:
		manager.finishIllegal(op, b, "unknown opcode")
	}

	manager.flush(b)

	if op.flags&FlagSyncMode == 0 {
		return
	}

	select {
	case <-op.done:
	case <-ctx.Done():
		manager.Cancel(op)
		<-op.done
	}
	err = op.Err()
	return
}

// finishIllegal completes an operation that never reached a blob.
func (manager *Manager) finishIllegal(op *Operation, b *batch, reason string) {
	logger.Tracef("stripelock: %v illegal: %s", op, reason)
	manager.stats.IllegalRequests.Increment()
	op.status = StatusIllegalRequest
	op.state = opDone
	b.complete(op)
}

func (manager *Manager) submitLock(op *Operation, b *batch) {
	manager.stats.LockRequests.Increment()

	if op.flags&FlagDoNotLock != 0 {
		op.status = StatusOK
		op.state = opDone
		b.complete(op)
		return
	}

	blob := manager.lookupBlob(op.ObjectID)
	if blob == nil {
		manager.finishIllegal(op, b, "element not started")
		return
	}

	blob.Lock()
	blob.submitLock(op, b)
	blob.Unlock()
}

func (manager *Manager) submitUnlock(op *Operation, b *batch) {
	manager.stats.UnlockRequests.Increment()

	blob := manager.lookupBlob(op.ObjectID)
	if blob == nil {
		manager.finishIllegal(op, b, "element not started")
		return
	}

	blob.Lock()
	blob.submitUnlock(op, b)
	blob.Unlock()
}

// Cancel terminates a queued or waiting operation CANCELLED. Granted and
// completed operations are not affected.
func (manager *Manager) Cancel(op *Operation) {
	blob := op.blob
	if blob == nil {
		return
	}

	b := manager.newBatch()
	blob.Lock()
	blob.cancel(op, b)
	blob.Unlock()
	manager.flush(b)
}

// Abort terminates the waiting operations of objectID selected by
// attributes, and aborts new matching requests until ClearAbort.
func (manager *Manager) Abort(objectID cmi.ObjectID, attributes AbortAttributes) (err error) {
	blob := manager.lookupBlob(objectID)
	if blob == nil {
		err = blunder.NewError(blunder.NotStartedError, "element %#x not started", objectID)
		return
	}

	b := manager.newBatch()
	blob.Lock()
	blob.abortAttributes |= attributes
	blob.abortWaiters(attributes, b)
	blob.dispatch(b)
	blob.Unlock()
	manager.flush(b)
	return
}

func (manager *Manager) ClearAbort(objectID cmi.ObjectID, attributes AbortAttributes) (err error) {
	blob := manager.lookupBlob(objectID)
	if blob == nil {
		err = blunder.NewError(blunder.NotStartedError, "element %#x not started", objectID)
		return
	}

	blob.Lock()
	blob.abortAttributes &^= attributes
	blob.Unlock()
	return
}

// EnableHash re-shards an idle element with divisor stripes per shard.
func (manager *Manager) EnableHash(objectID cmi.ObjectID, divisor uint64) (err error) {
	blob := manager.lookupBlob(objectID)
	if blob == nil {
		err = blunder.NewError(blunder.NotStartedError, "element %#x not started", objectID)
		return
	}

	blob.Lock()
	defer blob.Unlock()

	if !blob.shards.idle() || len(blob.peerQueue) > 0 {
		err = blunder.NewError(blunder.TryAgainError, "element %#x is not idle", objectID)
		return
	}
	blob.enableHash(divisor)
	return
}
