// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package stripelock arbitrates shared and exclusive ownership of stripe
// ranges of RAID metadata elements between the two storage processors of a
// dual-controller array.
//
// Each started element has a lock blob holding one lock slot per
// StripesPerSlot stripes. A local lock request that the local slots can
// satisfy is granted at once. When the peer SP owns (or shares) the slots, a
// request is sent over CMI and the operation waits for the peer's grant.
// Peer grants either migrate slot ownership or lease it for the duration of
// the lock.
//
// Operations are owned by the caller. They are built with the Build*
// methods, submitted with Manager.Submit and complete through a
// CompletionFunc, or synchronously when SYNC_MODE is set.
package stripelock

import (
	"context"
	"fmt"
	"strings"

	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/cmi"
)

// Handle is the correlation id an operation is known by, locally and on the
// wire. Zero is never a valid handle.
type Handle = cmi.CorrelationID

// Region is an inclusive range of stripes.
type Region struct {
	First uint64
	Last  uint64
}

func (region Region) String() string {
	return fmt.Sprintf("[%d,%d]", region.First, region.Last)
}

func (region Region) overlaps(other Region) bool {
	return region.First <= other.Last && other.First <= region.Last
}

func (region Region) contains(other Region) bool {
	return region.First <= other.First && other.Last <= region.Last
}

var emptyWireRegion = cmi.Region{First: 1, Last: 0}

func (region Region) toWire() cmi.Region {
	return cmi.Region{First: region.First, Last: region.Last}
}

func regionFromWire(wireRegion cmi.Region) Region {
	return Region{First: wireRegion.First, Last: wireRegion.Last}
}

// Element describes the stripe address space of a metadata element: user
// stripes first, then paged metadata stripes, then (optionally) a single
// non-paged stripe.
type Element struct {
	ObjectID     cmi.ObjectID
	UserStripes  uint64
	PagedStripes uint64
	NonPaged     bool
}

// StripeCount returns the number of lockable stripes of the element.
func (element Element) StripeCount() (stripeCount uint64) {
	stripeCount = element.UserStripes + element.PagedStripes
	if element.NonPaged {
		stripeCount++
	}
	return
}

// Opcode is the kind of an Operation.
type Opcode uint8

const (
	OpcodeInvalid Opcode = iota
	OpcodeReadLock
	OpcodeReadUnlock
	OpcodeWriteLock
	OpcodeWriteUnlock
	OpcodeStart
	OpcodeStop
)

func (opcode Opcode) String() string {
	switch opcode {
	case OpcodeReadLock:
		return "READ_LOCK"
	case OpcodeReadUnlock:
		return "READ_UNLOCK"
	case OpcodeWriteLock:
		return "WRITE_LOCK"
	case OpcodeWriteUnlock:
		return "WRITE_UNLOCK"
	case OpcodeStart:
		return "START"
	case OpcodeStop:
		return "STOP"
	}
	return fmt.Sprintf("Opcode(%d)", uint8(opcode))
}

// Status is the outcome of an Operation.
type Status uint8

const (
	StatusInvalid Status = iota
	StatusInitialized
	StatusPending
	StatusOK
	StatusIllegalRequest
	StatusDropped
	StatusAborted
	StatusCancelled
)

func (status Status) String() string {
	switch status {
	case StatusInvalid:
		return "INVALID"
	case StatusInitialized:
		return "INITIALIZED"
	case StatusPending:
		return "PENDING"
	case StatusOK:
		return "OK"
	case StatusIllegalRequest:
		return "ILLEGAL_REQUEST"
	case StatusDropped:
		return "DROPPED"
	case StatusAborted:
		return "ABORTED"
	case StatusCancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("Status(%d)", uint8(status))
}

// Flags are the public operation flags. The first five may be set by the
// caller; the rest report what happened to the operation.
type Flags uint32

const (
	// FlagAllowHold lets a lock request wait. Without it any collision,
	// local or with the peer, completes the operation DROPPED.
	FlagAllowHold Flags = 1 << iota
	FlagSyncMode
	FlagDoNotLock
	// FlagNoAbort keeps a waiting operation alive across aborts, deadlock
	// resolution and peer loss.
	FlagNoAbort
	// FlagMonitorOp marks background monitor traffic. It is throttled on the
	// wire and aborted first.
	FlagMonitorOp

	FlagWaitingForPeer
	FlagRetry
	FlagPeerRequest
	FlagFullSlot
	// FlagHoldingPeer marks a granted operation a peer request is waiting on.
	FlagHoldingPeer
	FlagGrant
	FlagGranted
	FlagPeerCollision
	FlagLocalRequest
	FlagDeadLock
	FlagPeerLost
)

const callerFlags = FlagAllowHold | FlagSyncMode | FlagDoNotLock | FlagNoAbort | FlagMonitorOp

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagAllowHold, "ALLOW_HOLD"},
	{FlagSyncMode, "SYNC_MODE"},
	{FlagDoNotLock, "DO_NOT_LOCK"},
	{FlagNoAbort, "NO_ABORT"},
	{FlagMonitorOp, "MONITOR_OP"},
	{FlagWaitingForPeer, "WAITING_FOR_PEER"},
	{FlagRetry, "RETRY"},
	{FlagPeerRequest, "PEER_REQUEST"},
	{FlagFullSlot, "FULL_SLOT"},
	{FlagHoldingPeer, "HOLDING_PEER"},
	{FlagGrant, "GRANT"},
	{FlagGranted, "GRANTED"},
	{FlagPeerCollision, "PEER_COLLISION"},
	{FlagLocalRequest, "LOCAL_REQUEST"},
	{FlagDeadLock, "DEAD_LOCK"},
	{FlagPeerLost, "PEER_LOST"},
}

func (flags Flags) String() string {
	var names []string
	for _, flagName := range flagNames {
		if flags&flagName.flag != 0 {
			names = append(names, flagName.name)
		}
	}
	return strings.Join(names, "|")
}

// AbortAttributes select which waiting operations Manager.Abort terminates.
// They stay set on the element, aborting new matching requests, until
// cleared with Manager.ClearAbort.
type AbortAttributes uint32

const (
	AbortStripeLocks AbortAttributes = 1 << iota
	AbortMonitorOps
	// DestroyAbortStripeLocks also aborts NO_ABORT operations.
	DestroyAbortStripeLocks
)

// CompletionFunc is called once per submitted operation, after the manager
// has dropped its locks, when the operation reaches a terminal status or is
// granted.
type CompletionFunc func(op *Operation)

// PeerLostHandler is told which granted operations of an element held
// rights the lost peer was involved in. Those operations keep their locks.
type PeerLostHandler func(objectID cmi.ObjectID, handles []Handle)

// Messenger is the slice of cmi.Service the manager needs.
type Messenger interface {
	Send(msg *cmi.StripeLockMessage) (err error)
	IsActive() bool
	PeerAlive() bool
}

// Config tunes a Manager.
type Config struct {
	Name           string // bucketstats group name
	StripesPerSlot uint64
	DefaultDivisor uint64 // stripes per shard once hashing is enabled
	HashEnable     bool
}

// Err maps the status of a completed operation to a blunder error. It is nil
// for OK and while the operation has not completed.
func (op *Operation) Err() (err error) {
	switch op.status {
	case StatusIllegalRequest:
		err = blunder.NewError(blunder.IllegalRequestError, "%s %v illegal request", op.Opcode, op.Region)
	case StatusDropped:
		err = blunder.NewError(blunder.DroppedError, "%s %v dropped (%v)", op.Opcode, op.Region, op.Flags())
	case StatusAborted:
		switch {
		case op.flags&FlagDeadLock != 0:
			err = blunder.NewError(blunder.DeadlockError, "%s %v aborted to break a deadlock", op.Opcode, op.Region)
		case op.flags&FlagPeerLost != 0:
			err = blunder.NewError(blunder.PeerLostError, "%s %v aborted on peer loss", op.Opcode, op.Region)
		default:
			err = blunder.NewError(blunder.AbortedError, "%s %v aborted", op.Opcode, op.Region)
		}
	case StatusCancelled:
		err = blunder.NewError(blunder.CanceledError, "%s %v cancelled", op.Opcode, op.Region)
	}
	return
}

// Wait blocks until a submitted operation completes or ctx is done.
func (op *Operation) Wait(ctx context.Context) (err error) {
	if op.done == nil {
		err = blunder.NewError(blunder.NotStartedError, "operation was not submitted")
		return
	}
	select {
	case <-op.done:
		err = op.Err()
	case <-ctx.Done():
		err = blunder.AddError(ctx.Err(), blunder.TimedOut)
	}
	return
}
