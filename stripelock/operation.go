// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"fmt"
	"time"

	"github.com/NVIDIA/stripelock/cmi"
)

type opState uint8

const (
	opInitialized opState = iota
	opQueued
	opWaitingForPeer
	opGranted
	opDone
)

func (state opState) String() string {
	switch state {
	case opInitialized:
		return "initialized"
	case opQueued:
		return "queued"
	case opWaitingForPeer:
		return "waitingForPeer"
	case opGranted:
		return "granted"
	case opDone:
		return "done"
	}
	return fmt.Sprintf("opState(%d)", uint8(state))
}

type privFlags uint16

const (
	privPending privFlags = 1 << iota
	privRead
	privLocalGrant
	privNP
	privPaged
	privLarge
	privSignaled
	privReturned // stripes migrated to the peer while the request was outstanding
)

// State of the request an operation has sent to the peer.
type peerReqState uint8

const (
	peerReqNone peerReqState = iota
	peerReqOutstanding
	peerReqLease
)

// Operation is a single lock manager request. The zero value is not usable;
// call one of the Build methods first. An Operation must not be rebuilt while
// it is submitted and not yet done.
type Operation struct {
	Opcode   Opcode
	ObjectID cmi.ObjectID
	Region   Region
	Element  Element // START only
	Packet   uint64  // opaque tag of the originating I/O, carried on the wire

	// Message is the last lock message sent or received on behalf of the
	// operation.
	Message cmi.StripeLockMessage

	count       uint64
	status      Status
	flags       Flags
	priv        privFlags
	state       opState
	handle      Handle
	seq         uint64
	peerReq     peerReqState
	grantHandle Handle // the peer's proxy of a lease
	peerHandle  Handle // the requester's handle, for proxies
	completion  CompletionFunc
	done        chan struct{}
	blob        *blob
	submitTime  time.Time
}

func (op *Operation) build(opcode Opcode, objectID cmi.ObjectID, stripe uint64, count uint64) {
	*op = Operation{
		Opcode:   opcode,
		ObjectID: objectID,
		Region:   Region{First: stripe, Last: stripe + count - 1},
		count:    count,
		status:   StatusInitialized,
		flags:    FlagAllowHold,
	}
	if count == 0 {
		op.Region.Last = stripe
	}
	if opcode == OpcodeReadLock || opcode == OpcodeReadUnlock {
		op.priv = privRead
	}
}

// BuildReadLock prepares op to take shared ownership of count stripes
// starting at stripe.
func (op *Operation) BuildReadLock(objectID cmi.ObjectID, stripe uint64, count uint64) {
	op.build(OpcodeReadLock, objectID, stripe, count)
}

func (op *Operation) BuildWriteLock(objectID cmi.ObjectID, stripe uint64, count uint64) {
	op.build(OpcodeWriteLock, objectID, stripe, count)
}

// BuildReadUnlock prepares op to release a read lock of exactly the same
// stripes.
func (op *Operation) BuildReadUnlock(objectID cmi.ObjectID, stripe uint64, count uint64) {
	op.build(OpcodeReadUnlock, objectID, stripe, count)
}

func (op *Operation) BuildWriteUnlock(objectID cmi.ObjectID, stripe uint64, count uint64) {
	op.build(OpcodeWriteUnlock, objectID, stripe, count)
}

// BuildStart prepares op to create the lock blob of element.
func (op *Operation) BuildStart(element Element) {
	op.build(OpcodeStart, element.ObjectID, 0, element.StripeCount())
	op.Element = element
}

func (op *Operation) BuildStop(objectID cmi.ObjectID) {
	op.build(OpcodeStop, objectID, 0, 1)
}

func (op *Operation) setFlag(flag Flags, on bool) {
	if on {
		op.flags |= flag
	} else {
		op.flags &^= flag
	}
}

// SetSyncMode makes Submit block until the operation completes.
func (op *Operation) SetSyncMode(on bool) {
	op.setFlag(FlagSyncMode, on)
}

// SetAllowHold(false) turns a lock request into a try-lock.
func (op *Operation) SetAllowHold(on bool) {
	op.setFlag(FlagAllowHold, on)
}

func (op *Operation) SetDoNotLock(on bool) {
	op.setFlag(FlagDoNotLock, on)
}

func (op *Operation) SetNoAbort(on bool) {
	op.setFlag(FlagNoAbort, on)
}

func (op *Operation) SetMonitorOp(on bool) {
	op.setFlag(FlagMonitorOp, on)
}

func (op *Operation) Status() Status {
	return op.status
}

// Flags returns the public flags, including the ones derived from the
// operation's state.
func (op *Operation) Flags() (flags Flags) {
	flags = op.flags
	switch op.state {
	case opWaitingForPeer:
		flags |= FlagWaitingForPeer
	case opGranted:
		flags |= FlagGranted
	}
	return
}

// Handle returns the correlation id of a submitted operation, or zero.
func (op *Operation) Handle() Handle {
	return op.handle
}

// Done is closed when the operation completes.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

func (op *Operation) isWrite() bool {
	return op.priv&privRead == 0
}

func (op *Operation) isProxy() bool {
	return op.flags&FlagPeerRequest != 0
}

func (op *Operation) isMonitor() bool {
	return op.flags&FlagMonitorOp != 0
}

func (op *Operation) isLock() bool {
	return op.Opcode == OpcodeReadLock || op.Opcode == OpcodeWriteLock
}

// conflictsWith reports whether op and other cannot hold overlapping rights
// at the same time.
func (op *Operation) conflictsWith(other *Operation) bool {
	if !op.Region.overlaps(other.Region) {
		return false
	}
	return op.isWrite() || other.isWrite()
}

func (op *Operation) String() string {
	return fmt.Sprintf("%s %v handle %d seq %d state %v status %v flags %v",
		op.Opcode, op.Region, op.handle, op.seq, op.state, op.status, op.Flags())
}

// resetForRetry returns a completed lock operation to its built state,
// keeping the caller flags.
func (op *Operation) resetForRetry() {
	flags := op.flags & callerFlags
	packet := op.Packet
	op.build(op.Opcode, op.ObjectID, op.Region.First, op.count)
	op.flags = flags
	op.Packet = packet
}
