// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmi

import (
	"net"
	"testing"
	"time"

	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/stripelock/blunder"
)

func TestTCPTransport(t *testing.T) {
	assert := assert.New(t)
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	listener, err := NewTCPTransport(TCPConfig{ListenAddress: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NotNil(t, listener.Addr())

	dialer, err := NewTCPTransport(TCPConfig{
		PeerAddress: listener.Addr().String(),
		DialTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Nil(dialer.Addr())

	clientA := &recordingClient{}
	clientB := &recordingClient{}
	svcA := NewService(Config{Name: "tcpa", Active: true, HeartbeatInterval: 20 * time.Millisecond}, listener)
	svcA.RegisterClient(clientA)
	svcB := NewService(Config{Name: "tcpb", HeartbeatInterval: 20 * time.Millisecond}, dialer)
	svcB.RegisterClient(clientB)

	require.NoError(t, svcA.Up())
	require.NoError(t, svcB.Up())

	require.Eventually(t, func() bool { return svcA.PeerAlive() && svcB.PeerAlive() },
		5*time.Second, 10*time.Millisecond)

	assert.Equal(dialer.Incarnation(), listener.PeerIncarnation())
	assert.Equal(listener.Incarnation(), dialer.PeerIncarnation())
	assert.NotEqual(listener.Incarnation(), dialer.Incarnation())

	require.NoError(t, svcB.Send(&StripeLockMessage{
		Header:      Header{MessageType: StripeReadLock, ObjectID: 9, SenderHandle: 4},
		ReadRegion:  Region{First: 0, Last: 3},
		WriteRegion: Region{First: 1, Last: 0},
	}))
	require.Eventually(t, func() bool { n, _, _ := clientA.count(); return n == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(Region{First: 0, Last: 3}, clientA.last().ReadRegion)

	// closing one side is a peer loss on the other
	require.NoError(t, svcB.Down())
	require.Eventually(t, func() bool { return !svcA.PeerAlive() }, 5*time.Second, 10*time.Millisecond)
	_, lost, _ := clientA.count()
	assert.Equal(1, lost)

	require.NoError(t, svcA.Down())
}

func TestTCPConfig(t *testing.T) {
	_, err := NewTCPTransport(TCPConfig{})
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))

	transport, err := NewTCPTransport(TCPConfig{PeerAddress: "127.0.0.1:1", MaxFrameSize: 8})
	require.NoError(t, err)
	err = transport.Send(make([]byte, 9))
	assert.True(t, blunder.Is(err, blunder.MessageTooLongError))
	err = transport.Send(make([]byte, 8))
	assert.True(t, blunder.Is(err, blunder.NotConnectedError))
	assert.NoError(t, transport.Close())
}

func TestTCPReadFrame(t *testing.T) {
	assert := assert.New(t)

	transport := &TCPTransport{config: TCPConfig{MaxFrameSize: 64}}

	writeFrame := func(conn net.Conn, hdr frameHeader, payload []byte) {
		buf, err := cstruct.Pack(&hdr, cstruct.LittleEndian)
		if err == nil {
			_, _ = conn.Write(append(buf, payload...))
		}
	}

	payload := []byte("stripe")
	good := frameHeader{Magic: frameMagic, Length: uint32(len(payload)), Checksum: cityhash.Hash32(payload)}

	for _, tc := range []struct {
		name    string
		hdr     frameHeader
		payload []byte
		errno   blunder.FsError
	}{
		{"good", good, payload, blunder.SuccessError},
		{"checksum", frameHeader{Magic: frameMagic, Length: good.Length, Checksum: good.Checksum + 1}, payload, blunder.ProtocolError},
		{"magic", frameHeader{Magic: 1, Length: good.Length, Checksum: good.Checksum}, payload, blunder.ProtocolError},
		{"size", frameHeader{Magic: frameMagic, Length: 65}, nil, blunder.MessageTooLongError},
	} {
		reader, writer := net.Pipe()
		go writeFrame(writer, tc.hdr, tc.payload)

		frame, err := transport.readFrame(reader)
		if tc.errno == blunder.SuccessError {
			assert.NoError(err, tc.name)
			assert.Equal(payload, frame, tc.name)
		} else {
			assert.True(blunder.Is(err, tc.errno), tc.name)
			assert.Nil(frame, tc.name)
		}
		_ = reader.Close()
		_ = writer.Close()
	}
}
