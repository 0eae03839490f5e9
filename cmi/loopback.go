// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmi

import (
	"sync"

	"github.com/NVIDIA/stripelock/blunder"
)

// LoopbackPair connects two in-process Transports. Frames are delivered in
// order, one at a time, on a goroutine per receiving end.
type LoopbackPair struct {
	sync.Mutex
	cond    *sync.Cond
	A       *LoopbackTransport
	B       *LoopbackTransport
	pending int // frames queued or being delivered, both directions
	severed bool
}

// LoopbackTransport is one end of a LoopbackPair.
type LoopbackTransport struct {
	pair    *LoopbackPair
	peer    *LoopbackTransport
	name    string
	inbound [][]byte
	started bool
	stopped bool
	receive func(frame []byte)
	closed  func(err error)
	doneWG  sync.WaitGroup
}

// NewLoopbackPair returns a connected pair of transports.
func NewLoopbackPair() (pair *LoopbackPair) {
	pair = &LoopbackPair{}
	pair.cond = sync.NewCond(&pair.Mutex)
	pair.A = &LoopbackTransport{pair: pair, name: "A"}
	pair.B = &LoopbackTransport{pair: pair, name: "B"}
	pair.A.peer = pair.B
	pair.B.peer = pair.A
	return
}

// WaitIdle blocks until no frame is queued or being delivered in either
// direction.
func (pair *LoopbackPair) WaitIdle() {
	pair.Lock()
	for pair.pending > 0 {
		pair.cond.Wait()
	}
	pair.Unlock()
}

// Sever breaks the link. Queued frames are discarded and both started ends
// see their closed callback.
func (pair *LoopbackPair) Sever() {
	pair.Lock()
	if pair.severed {
		pair.Unlock()
		return
	}
	pair.severed = true
	var callbacks []func(err error)
	for _, end := range []*LoopbackTransport{pair.A, pair.B} {
		pair.pending -= len(end.inbound)
		end.inbound = nil
		if end.started && !end.stopped && end.closed != nil {
			callbacks = append(callbacks, end.closed)
		}
	}
	pair.cond.Broadcast()
	pair.Unlock()

	err := blunder.NewError(blunder.NotConnectedError, "loopback pair severed")
	for _, closed := range callbacks {
		closed(err)
	}
}

func (end *LoopbackTransport) Start(receive func(frame []byte), closed func(err error)) (err error) {
	pair := end.pair

	pair.Lock()
	defer pair.Unlock()

	if end.started {
		err = blunder.NewError(blunder.FileExistsError, "loopback end %s already started", end.name)
		return
	}
	end.started = true
	end.stopped = false
	end.receive = receive
	end.closed = closed

	end.doneWG.Add(1)
	go end.deliver()
	return
}

// Send queues a copy of frame for the other end. Frames sent before the other
// end starts are delivered once it does.
func (end *LoopbackTransport) Send(frame []byte) (err error) {
	pair := end.pair

	pair.Lock()
	defer pair.Unlock()

	if pair.severed || end.stopped || end.peer.stopped {
		err = blunder.NewError(blunder.NotConnectedError, "loopback end %s is not connected", end.name)
		return
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	end.peer.inbound = append(end.peer.inbound, buf)
	pair.pending++
	pair.cond.Broadcast()
	return
}

// Close stops delivery to this end. The other end sees its closed callback.
func (end *LoopbackTransport) Close() (err error) {
	pair := end.pair

	pair.Lock()
	if !end.started || end.stopped {
		pair.Unlock()
		return
	}
	end.stopped = true
	pair.pending -= len(end.inbound)
	end.inbound = nil
	pair.cond.Broadcast()
	peerClosed := end.peer.closed
	notifyPeer := end.peer.started && !end.peer.stopped && !pair.severed
	pair.Unlock()

	end.doneWG.Wait()

	pair.Lock()
	end.started = false
	pair.Unlock()

	if notifyPeer && peerClosed != nil {
		peerClosed(blunder.NewError(blunder.NotConnectedError, "loopback end %s closed", end.name))
	}
	return
}

func (end *LoopbackTransport) deliver() {
	pair := end.pair

	defer end.doneWG.Done()

	pair.Lock()
	for {
		for len(end.inbound) == 0 && !end.stopped {
			pair.cond.Wait()
		}
		if end.stopped {
			pair.Unlock()
			return
		}

		frame := end.inbound[0]
		end.inbound = end.inbound[1:]
		receive := end.receive
		pair.Unlock()

		receive(frame)

		pair.Lock()
		pair.pending--
		pair.cond.Broadcast()
	}
}
