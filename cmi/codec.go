// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmi

import (
	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/stripelock/blunder"
)

type heartbeatMessage struct {
	Header    Header
	Sequence  uint64
	Active    bool
	StartTime int64 // UnixNano when the sending Service came Up()
}

var (
	headerSize            uint64
	stripeLockMessageSize uint64
	heartbeatMessageSize  uint64
)

func init() {
	var err error

	headerSize, _, err = cstruct.Examine(&Header{})
	if err != nil {
		panic(err)
	}
	stripeLockMessageSize, _, err = cstruct.Examine(&StripeLockMessage{})
	if err != nil {
		panic(err)
	}
	heartbeatMessageSize, _, err = cstruct.Examine(&heartbeatMessage{})
	if err != nil {
		panic(err)
	}
}

// EncodeMessage packs msg little-endian, stamping the current Version.
func EncodeMessage(msg *StripeLockMessage) (buf []byte, err error) {
	msg.Header.Version = Version
	buf, err = cstruct.Pack(msg, cstruct.LittleEndian)
	if err != nil {
		err = blunder.NewError(blunder.PackError, "cstruct.Pack(%v) failed: %v", msg.Header.MessageType, err)
	}
	return
}

func encodeHeartbeat(msg *heartbeatMessage) (buf []byte, err error) {
	msg.Header.Version = Version
	msg.Header.MessageType = HeartBeat
	buf, err = cstruct.Pack(msg, cstruct.LittleEndian)
	if err != nil {
		err = blunder.NewError(blunder.PackError, "cstruct.Pack(heartbeat) failed: %v", err)
	}
	return
}

// peekHeader unpacks only the header of buf.
func peekHeader(buf []byte) (header Header, err error) {
	if uint64(len(buf)) < headerSize {
		err = blunder.NewError(blunder.ProtocolError, "frame of %d bytes is shorter than a header", len(buf))
		return
	}
	_, err = cstruct.Unpack(buf, &header, cstruct.LittleEndian)
	if err != nil {
		err = blunder.NewError(blunder.UnpackError, "cstruct.Unpack(Header) of %d bytes failed: %v", len(buf), err)
		return
	}
	if header.Version != Version {
		err = blunder.NewError(blunder.VersionMismatch, "message %v has version %d, expected %d",
			header.MessageType, header.Version, Version)
	}
	return
}

// DecodeMessage unpacks a lock message. Heartbeats and messages of another
// version are rejected.
func DecodeMessage(buf []byte) (msg *StripeLockMessage, err error) {
	header, err := peekHeader(buf)
	if err != nil {
		return
	}
	if header.MessageType == HeartBeat || header.MessageType == MessageTypeInvalid || header.MessageType > HeartBeat {
		err = blunder.NewError(blunder.ProtocolError, "%v is not a lock message", header.MessageType)
		return
	}
	if uint64(len(buf)) != stripeLockMessageSize {
		err = blunder.NewError(blunder.ProtocolError, "%v of %d bytes, expected %d",
			header.MessageType, len(buf), stripeLockMessageSize)
		return
	}

	msg = &StripeLockMessage{}
	_, err = cstruct.Unpack(buf, msg, cstruct.LittleEndian)
	if err != nil {
		msg = nil
		err = blunder.NewError(blunder.UnpackError, "cstruct.Unpack(%v) failed: %v", header.MessageType, err)
	}
	return
}

func decodeHeartbeat(buf []byte) (msg *heartbeatMessage, err error) {
	if uint64(len(buf)) != heartbeatMessageSize {
		err = blunder.NewError(blunder.ProtocolError, "heartbeat of %d bytes, expected %d",
			len(buf), heartbeatMessageSize)
		return
	}
	msg = &heartbeatMessage{}
	_, err = cstruct.Unpack(buf, msg, cstruct.LittleEndian)
	if err != nil {
		msg = nil
		err = blunder.NewError(blunder.UnpackError, "cstruct.Unpack(heartbeat) failed: %v", err)
	}
	return
}
