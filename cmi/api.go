// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package cmi carries stripe lock traffic between the two storage processors
// (SPs) of an array over the cluster messaging interconnect.
//
// A Service owns one Transport (an in-process loopback pair or a TCP
// connection), encodes messages with cstruct, tracks the liveness of the peer
// with heartbeats and hands every received lock message to its registered
// Client. When the peer stops answering, or the transport closes, the Client's
// PeerLost() is called and the surviving SP becomes the active one.
package cmi

import (
	"fmt"
	"time"
)

// Version is the wire version of every message sent by this package. A
// message carrying any other version is dropped.
const Version uint8 = 1

// CorrelationID names an operation in the handle table of the SP that issued
// it. Zero is never a valid handle.
type CorrelationID uint64

// ObjectID names a metadata element.
type ObjectID uint64

type MessageType uint8

const (
	MessageTypeInvalid MessageType = iota
	StripeLockStart
	StripeLockStop
	StripeWriteLock
	StripeReadLock
	StripeWriteGrant
	StripeReadGrant
	StripeRelease
	StripeAborted
	HeartBeat
)

func (messageType MessageType) String() string {
	switch messageType {
	case StripeLockStart:
		return "STRIPE_LOCK_START"
	case StripeLockStop:
		return "STRIPE_LOCK_STOP"
	case StripeWriteLock:
		return "STRIPE_WRITE_LOCK"
	case StripeReadLock:
		return "STRIPE_READ_LOCK"
	case StripeWriteGrant:
		return "STRIPE_WRITE_GRANT"
	case StripeReadGrant:
		return "STRIPE_READ_GRANT"
	case StripeRelease:
		return "STRIPE_RELEASE"
	case StripeAborted:
		return "STRIPE_ABORTED"
	case HeartBeat:
		return "HEARTBEAT"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(messageType))
}

// IsRequest returns true for the message types that expect a grant or an
// aborted reply.
func (messageType MessageType) IsRequest() bool {
	return messageType == StripeWriteLock || messageType == StripeReadLock
}

// IsReply returns true for the message types that answer a request.
func (messageType MessageType) IsReply() bool {
	return messageType == StripeWriteGrant || messageType == StripeReadGrant || messageType == StripeAborted
}

// MessageFlags are carried in the body of a StripeLockMessage.
type MessageFlags uint32

const (
	// FlagNeedRelease marks a grant as a lease: the requester must send
	// StripeRelease naming GrantHandle when it is done.
	FlagNeedRelease MessageFlags = 1 << iota
	// FlagAbortDestroy marks an aborted reply caused by the element stopping.
	FlagAbortDestroy
	// FlagMonitorOp marks traffic on behalf of a monitor operation. Monitor
	// requests are throttled.
	FlagMonitorOp
	// FlagStartOwner marks a StripeLockStart whose sender took every slot of
	// the element.
	FlagStartOwner
)

func (flags MessageFlags) String() string {
	var s string
	for _, f := range []struct {
		flag MessageFlags
		name string
	}{
		{FlagNeedRelease, "NEED_RELEASE"},
		{FlagAbortDestroy, "ABORT_DESTROY"},
		{FlagMonitorOp, "MONITOR_OP"},
		{FlagStartOwner, "START_OWNER"},
	} {
		if flags&f.flag != 0 {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	return s
}

// Region is an inclusive stripe range. An empty region has First > Last.
type Region struct {
	First uint64
	Last  uint64
}

// Header starts every message on the wire.
type Header struct {
	Version        uint8
	MessageType    MessageType
	OperationFlags uint16
	ObjectID       ObjectID
	SenderHandle   CorrelationID
	ReceiverHandle CorrelationID
}

// StripeLockMessage is the single message format of the lock protocol.
//
// Requests name the requesting operation in Header.SenderHandle. Replies name
// it in Header.ReceiverHandle and echo it in RequestHandle. GrantHandle is only
// meaningful together with FlagNeedRelease.
type StripeLockMessage struct {
	Header        Header
	WriteRegion   Region
	ReadRegion    Region
	Packet        uint64
	RequestHandle CorrelationID
	GrantHandle   CorrelationID
	Flags         MessageFlags
}

func (msg *StripeLockMessage) String() string {
	return fmt.Sprintf("%v obj %#x sender %d receiver %d write [%d,%d] read [%d,%d] req %d grant %d flags %v",
		msg.Header.MessageType, uint64(msg.Header.ObjectID), msg.Header.SenderHandle, msg.Header.ReceiverHandle,
		msg.WriteRegion.First, msg.WriteRegion.Last, msg.ReadRegion.First, msg.ReadRegion.Last,
		msg.RequestHandle, msg.GrantHandle, msg.Flags)
}

// Client receives the lock traffic of a Service.
type Client interface {
	// ReceiveMessage is called, in arrival order, on the transport goroutine.
	ReceiveMessage(msg *StripeLockMessage)
	// PeerLost is called once each time the peer is declared lost.
	PeerLost()
}

// Transport moves opaque frames to the peer SP, in order.
type Transport interface {
	// Start begins delivery. receive is called for each inbound frame on a
	// single goroutine; closed is called when the link to the peer fails.
	Start(receive func(frame []byte), closed func(err error)) (err error)
	Send(frame []byte) (err error)
	Close() (err error)
}

// Config holds the tunables of a Service. See ParseConfMap().
type Config struct {
	Name                string        // bucketstats group name
	Active              bool          // this SP starts as the active SP
	HeartbeatInterval   time.Duration // time between heartbeats; 0 disables them
	HeartbeatMissLimit  int           // missed intervals before the peer is lost
	MonitorOpsPerSecond float64       // 0 means unthrottled
}

// NewService returns a Service that is not yet Up().
func NewService(config Config, transport Transport) (service *Service) {
	return newService(config, transport)
}

// RegisterClient sets the receiver of lock messages. It must be called before
// Up().
func (service *Service) RegisterClient(client Client) {
	service.Lock()
	service.client = client
	service.Unlock()
}

// Up starts the transport and the heartbeat.
func (service *Service) Up() (err error) {
	return service.up()
}

// Down stops the heartbeat and closes the transport.
func (service *Service) Down() (err error) {
	return service.down()
}

// Send encodes msg and sends it to the peer. Monitor requests beyond the
// configured rate are delayed, not dropped.
func (service *Service) Send(msg *StripeLockMessage) (err error) {
	return service.send(msg)
}

// IsActive returns true if this SP is the active SP.
func (service *Service) IsActive() bool {
	service.Lock()
	defer service.Unlock()
	return service.active
}

// PeerAlive returns true if the peer has been heard from within the miss limit.
func (service *Service) PeerAlive() bool {
	service.Lock()
	defer service.Unlock()
	return service.peerAlive
}

// Outstanding returns the number of requests sent that have not been answered.
func (service *Service) Outstanding() int64 {
	service.Lock()
	defer service.Unlock()
	return service.outstanding
}

// DeclarePeerLost treats the peer as lost now, as if its heartbeats had
// stopped.
func (service *Service) DeclarePeerLost(reason string) {
	service.peerLost(reason)
}
