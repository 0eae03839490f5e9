// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmi

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/logger"
)

const (
	frameMagic uint32 = 0x4d434c53 // "SLCM" little-endian
	helloMagic uint32 = 0x4f4c4548 // "HELO" little-endian

	defaultDialTimeout  = 5 * time.Second
	defaultMaxFrameSize = 64 * 1024
)

// TCPConfig configures a TCPTransport. Exactly one SP sets PeerAddress and
// dials; the other listens on ListenAddress.
type TCPConfig struct {
	ListenAddress string
	PeerAddress   string
	DialTimeout   time.Duration
	MaxFrameSize  uint32
}

type frameHeader struct {
	Magic    uint32
	Length   uint32
	Checksum uint32 // cityhash.Hash32 of the payload
}

type helloMessage struct {
	Magic       uint32
	Version     uint8
	Incarnation [16]byte
}

var (
	frameHeaderSize uint64
	helloSize       uint64
)

func init() {
	var err error

	frameHeaderSize, _, err = cstruct.Examine(&frameHeader{})
	if err != nil {
		panic(err)
	}
	helloSize, _, err = cstruct.Examine(&helloMessage{})
	if err != nil {
		panic(err)
	}
}

// TCPTransport carries frames over a single TCP connection that is
// re-established whenever it drops. Each process has a fresh incarnation,
// exchanged when connecting, so a restarted peer is always seen as a new
// connection after a closed one.
type TCPTransport struct {
	sync.Mutex
	config          TCPConfig
	listener        net.Listener
	incarnation     uuid.UUID
	peerIncarnation uuid.UUID
	conn            net.Conn
	writeLock       sync.Mutex
	ctx             context.Context
	cancel          context.CancelFunc
	receive         func(frame []byte)
	closed          func(err error)
	runWG           sync.WaitGroup
}

// NewTCPTransport validates config and, for the listening side, opens the
// listener so that Addr() is known before Start().
func NewTCPTransport(config TCPConfig) (transport *TCPTransport, err error) {
	if config.PeerAddress == "" && config.ListenAddress == "" {
		err = blunder.NewError(blunder.InvalidArgError, "TCPConfig needs a ListenAddress or a PeerAddress")
		return
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = defaultMaxFrameSize
	}

	transport = &TCPTransport{
		config:      config,
		incarnation: uuid.New(),
	}

	if config.PeerAddress == "" {
		transport.listener, err = net.Listen("tcp", config.ListenAddress)
		if err != nil {
			err = blunder.AddError(err, blunder.NotConnectedError)
			transport = nil
			return
		}
	}
	return
}

// Addr returns the listening address, or nil for the dialing side.
func (transport *TCPTransport) Addr() net.Addr {
	if transport.listener == nil {
		return nil
	}
	return transport.listener.Addr()
}

func (transport *TCPTransport) Incarnation() uuid.UUID {
	return transport.incarnation
}

// PeerIncarnation returns the incarnation of the last connected peer, or
// uuid.Nil.
func (transport *TCPTransport) PeerIncarnation() uuid.UUID {
	transport.Lock()
	defer transport.Unlock()
	return transport.peerIncarnation
}

func (transport *TCPTransport) Start(receive func(frame []byte), closed func(err error)) (err error) {
	transport.Lock()
	defer transport.Unlock()

	if transport.ctx != nil {
		err = blunder.NewError(blunder.FileExistsError, "TCPTransport already started")
		return
	}
	transport.receive = receive
	transport.closed = closed
	transport.ctx, transport.cancel = context.WithCancel(context.Background())

	transport.runWG.Add(1)
	go transport.run()
	return
}

func (transport *TCPTransport) Send(frame []byte) (err error) {
	if uint64(len(frame)) > uint64(transport.config.MaxFrameSize) {
		err = blunder.NewError(blunder.MessageTooLongError, "frame of %d bytes exceeds MaxFrameSize %d",
			len(frame), transport.config.MaxFrameSize)
		return
	}

	transport.Lock()
	conn := transport.conn
	transport.Unlock()
	if conn == nil {
		err = blunder.NewError(blunder.NotConnectedError, "TCPTransport not connected")
		return
	}

	hdr, err := cstruct.Pack(&frameHeader{
		Magic:    frameMagic,
		Length:   uint32(len(frame)),
		Checksum: cityhash.Hash32(frame),
	}, cstruct.LittleEndian)
	if err != nil {
		return
	}

	transport.writeLock.Lock()
	defer transport.writeLock.Unlock()

	_, err = conn.Write(append(hdr, frame...))
	if err != nil {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}

func (transport *TCPTransport) Close() (err error) {
	transport.Lock()
	if transport.ctx == nil {
		transport.Unlock()
		if transport.listener != nil {
			err = transport.listener.Close()
		}
		return
	}
	transport.cancel()
	if transport.conn != nil {
		_ = transport.conn.Close()
	}
	transport.Unlock()

	if transport.listener != nil {
		_ = transport.listener.Close()
	}

	transport.runWG.Wait()
	return
}

func (transport *TCPTransport) run() {
	defer transport.runWG.Done()

	for {
		conn, err := transport.connect()
		if err != nil {
			if transport.ctx.Err() == nil {
				logger.ErrorfWithError(err, "cmi tcp: giving up connecting")
			}
			return
		}

		err = transport.handshake(conn)
		if err != nil {
			logger.WarnfWithError(err, "cmi tcp: handshake with %v failed", conn.RemoteAddr())
			_ = conn.Close()
			if transport.listener == nil {
				select {
				case <-transport.ctx.Done():
					return
				case <-time.After(transport.config.DialTimeout):
				}
			}
			continue
		}

		transport.Lock()
		transport.conn = conn
		transport.Unlock()

		err = transport.serve(conn)

		transport.Lock()
		transport.conn = nil
		transport.Unlock()

		if transport.ctx.Err() != nil {
			return
		}
		transport.closed(err)
	}
}

func (transport *TCPTransport) connect() (conn net.Conn, err error) {
	if transport.listener != nil {
		conn, err = transport.listener.Accept()
		return
	}

	dialer := net.Dialer{Timeout: transport.config.DialTimeout}
	for {
		conn, err = dialer.DialContext(transport.ctx, "tcp", transport.config.PeerAddress)
		if err == nil {
			return
		}
		logger.TracefWithError(err, "cmi tcp: dial %s failed", transport.config.PeerAddress)

		select {
		case <-transport.ctx.Done():
			err = transport.ctx.Err()
			return
		case <-time.After(transport.config.DialTimeout):
		}
	}
}

func (transport *TCPTransport) handshake(conn net.Conn) (err error) {
	_ = conn.SetDeadline(time.Now().Add(transport.config.DialTimeout))
	defer func() {
		_ = conn.SetDeadline(time.Time{})
	}()

	buf, err := cstruct.Pack(&helloMessage{
		Magic:       helloMagic,
		Version:     Version,
		Incarnation: transport.incarnation,
	}, cstruct.LittleEndian)
	if err != nil {
		return
	}
	_, err = conn.Write(buf)
	if err != nil {
		return
	}

	buf = make([]byte, helloSize)
	_, err = io.ReadFull(conn, buf)
	if err != nil {
		return
	}
	var hello helloMessage
	_, err = cstruct.Unpack(buf, &hello, cstruct.LittleEndian)
	if err != nil {
		return
	}
	if hello.Magic != helloMagic {
		err = blunder.NewError(blunder.ProtocolError, "bad hello magic %#x", hello.Magic)
		return
	}
	if hello.Version != Version {
		err = blunder.NewError(blunder.VersionMismatch, "peer speaks version %d, expected %d", hello.Version, Version)
		return
	}

	peerIncarnation := uuid.UUID(hello.Incarnation)

	transport.Lock()
	previous := transport.peerIncarnation
	transport.peerIncarnation = peerIncarnation
	transport.Unlock()

	if previous != uuid.Nil && previous != peerIncarnation {
		logger.Infof("cmi tcp: peer restarted, incarnation %v replaces %v", peerIncarnation, previous)
	} else {
		logger.Infof("cmi tcp: connected to %v incarnation %v", conn.RemoteAddr(), peerIncarnation)
	}
	return
}

// serve reads frames until the connection fails or the transport is closed.
func (transport *TCPTransport) serve(conn net.Conn) (err error) {
	group, ctx := errgroup.WithContext(transport.ctx)

	group.Go(func() error {
		for {
			frame, err := transport.readFrame(conn)
			if err != nil {
				return err
			}
			transport.receive(frame)
		}
	})
	group.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	err = group.Wait()
	return
}

func (transport *TCPTransport) readFrame(conn net.Conn) (frame []byte, err error) {
	buf := make([]byte, frameHeaderSize)
	_, err = io.ReadFull(conn, buf)
	if err != nil {
		return
	}

	var hdr frameHeader
	_, err = cstruct.Unpack(buf, &hdr, cstruct.LittleEndian)
	if err != nil {
		return
	}
	if hdr.Magic != frameMagic {
		err = blunder.NewError(blunder.ProtocolError, "bad frame magic %#x", hdr.Magic)
		return
	}
	if hdr.Length > transport.config.MaxFrameSize {
		err = blunder.NewError(blunder.MessageTooLongError, "frame of %d bytes exceeds MaxFrameSize %d",
			hdr.Length, transport.config.MaxFrameSize)
		return
	}

	frame = make([]byte, hdr.Length)
	_, err = io.ReadFull(conn, frame)
	if err != nil {
		frame = nil
		return
	}
	if cityhash.Hash32(frame) != hdr.Checksum {
		frame = nil
		err = blunder.NewError(blunder.ProtocolError, "frame checksum mismatch")
	}
	return
}
