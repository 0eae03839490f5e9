// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmi

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/bucketstats"
	"github.com/NVIDIA/stripelock/conf"
	"github.com/NVIDIA/stripelock/transitions"
)

var testConfStrings = []string{
	"Logging.LogFilePath=/dev/null",
	"Logging.LogToConsole=false",
	"TrackedLock.LockHoldTimeLimit=0s",
	"TrackedLock.LockCheckPeriod=0s",
}

func testSetup(t *testing.T) (confMap conf.ConfMap) {
	confMap, err := conf.MakeConfMapFromStrings(testConfStrings)
	require.NoError(t, err)
	require.NoError(t, transitions.Up(confMap))
	return
}

func testTeardown(t *testing.T, confMap conf.ConfMap) {
	require.NoError(t, transitions.Down(confMap))
}

type recordingClient struct {
	sync.Mutex
	msgs     []*StripeLockMessage
	peerLost int
	joined   int
	notSent  []*StripeLockMessage
}

func (client *recordingClient) SendFailed(msg *StripeLockMessage, err error) {
	client.Lock()
	client.notSent = append(client.notSent, msg)
	client.Unlock()
}

func (client *recordingClient) failed() (msgs []*StripeLockMessage) {
	client.Lock()
	defer client.Unlock()
	return append(msgs, client.notSent...)
}

func (client *recordingClient) ReceiveMessage(msg *StripeLockMessage) {
	client.Lock()
	client.msgs = append(client.msgs, msg)
	client.Unlock()
}

func (client *recordingClient) PeerLost() {
	client.Lock()
	client.peerLost++
	client.Unlock()
}

func (client *recordingClient) PeerJoined() {
	client.Lock()
	client.joined++
	client.Unlock()
}

func (client *recordingClient) count() (msgs int, peerLost int, joined int) {
	client.Lock()
	defer client.Unlock()
	return len(client.msgs), client.peerLost, client.joined
}

func (client *recordingClient) last() *StripeLockMessage {
	client.Lock()
	defer client.Unlock()
	if len(client.msgs) == 0 {
		return nil
	}
	return client.msgs[len(client.msgs)-1]
}

// fakeTransport lets a test inject inbound frames and inspect outbound ones.
type fakeTransport struct {
	sync.Mutex
	receive   func(frame []byte)
	closed    func(err error)
	sent      [][]byte
	failSends bool
}

func (transport *fakeTransport) setFailSends(fail bool) {
	transport.Lock()
	transport.failSends = fail
	transport.Unlock()
}

func (transport *fakeTransport) Start(receive func(frame []byte), closed func(err error)) error {
	transport.Lock()
	transport.receive = receive
	transport.closed = closed
	transport.Unlock()
	return nil
}

func (transport *fakeTransport) Send(frame []byte) error {
	transport.Lock()
	defer transport.Unlock()
	if transport.failSends {
		return blunder.NewError(blunder.NotConnectedError, "fake transport failing sends")
	}
	transport.sent = append(transport.sent, frame)
	return nil
}

func (transport *fakeTransport) Close() error {
	return nil
}

// sentLockMessages returns the lock messages sent so far, skipping heartbeats.
func (transport *fakeTransport) sentLockMessages() (msgs []*StripeLockMessage) {
	transport.Lock()
	defer transport.Unlock()
	for _, frame := range transport.sent {
		msg, err := DecodeMessage(frame)
		if err == nil {
			msgs = append(msgs, msg)
		}
	}
	return
}

func (transport *fakeTransport) inject(t *testing.T, frame []byte) {
	transport.Lock()
	receive := transport.receive
	transport.Unlock()
	require.NotNil(t, receive)
	receive(frame)
}

func heartbeatFrame(t *testing.T, active bool, startTime int64) []byte {
	buf, err := encodeHeartbeat(&heartbeatMessage{Sequence: 1, Active: active, StartTime: startTime})
	require.NoError(t, err)
	return buf
}

func startLoopbackServices(t *testing.T, interval time.Duration) (pair *LoopbackPair,
	svcA *Service, clientA *recordingClient, svcB *Service, clientB *recordingClient) {

	pair = NewLoopbackPair()
	clientA = &recordingClient{}
	clientB = &recordingClient{}

	svcA = NewService(Config{Name: "spa", Active: true, HeartbeatInterval: interval}, pair.A)
	svcA.RegisterClient(clientA)
	svcB = NewService(Config{Name: "spb", HeartbeatInterval: interval}, pair.B)
	svcB.RegisterClient(clientB)

	require.NoError(t, svcA.Up())
	require.NoError(t, svcB.Up())

	require.Eventually(t, func() bool { return svcA.PeerAlive() && svcB.PeerAlive() },
		2*time.Second, 5*time.Millisecond)
	return
}

func TestServiceExchange(t *testing.T) {
	assert := assert.New(t)
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	pair, svcA, clientA, svcB, clientB := startLoopbackServices(t, 20*time.Millisecond)
	defer func() {
		assert.NoError(svcA.Down())
		assert.NoError(svcB.Down())
	}()

	assert.True(svcA.IsActive())
	assert.False(svcB.IsActive())
	_, _, joinedA := clientA.count()
	assert.Equal(1, joinedA)

	request := &StripeLockMessage{
		Header:      Header{MessageType: StripeWriteLock, ObjectID: 5, SenderHandle: 3},
		WriteRegion: Region{First: 10, Last: 10},
		ReadRegion:  Region{First: 1, Last: 0},
	}
	require.NoError(t, svcA.Send(request))
	pair.WaitIdle()
	assert.Equal(int64(1), svcA.Outstanding())

	got := clientB.last()
	require.NotNil(t, got)
	assert.Equal(StripeWriteLock, got.Header.MessageType)
	assert.Equal(CorrelationID(3), got.Header.SenderHandle)
	assert.Equal(Region{First: 10, Last: 10}, got.WriteRegion)

	grant := &StripeLockMessage{
		Header:        Header{MessageType: StripeWriteGrant, ObjectID: 5, ReceiverHandle: 3},
		WriteRegion:   got.WriteRegion,
		RequestHandle: 3,
	}
	require.NoError(t, svcB.Send(grant))
	pair.WaitIdle()
	assert.Equal(int64(0), svcA.Outstanding())
	assert.Equal(CorrelationID(3), clientA.last().RequestHandle)

	stats := bucketstats.SprintStats(bucketstats.StatFormatParsable1, "cmi", "spa")
	assert.Contains(stats, "cmi.spa.RequestsSent total:1\n")
	assert.Contains(stats, "cmi.spa.RepliesReceived total:1\n")
}

func TestServicePeerLostOnSever(t *testing.T) {
	assert := assert.New(t)
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	pair, svcA, clientA, svcB, clientB := startLoopbackServices(t, 0)
	defer func() {
		assert.NoError(svcA.Down())
		assert.NoError(svcB.Down())
	}()

	pair.Sever()

	_, lostA, _ := clientA.count()
	_, lostB, _ := clientB.count()
	assert.Equal(1, lostA)
	assert.Equal(1, lostB)
	assert.False(svcB.PeerAlive())
	assert.True(svcB.IsActive())

	err := svcB.Send(&StripeLockMessage{Header: Header{MessageType: StripeReadLock}})
	assert.True(blunder.Is(err, blunder.PeerLostError))

	// a second loss is not reported twice
	svcB.DeclarePeerLost("again")
	_, lostB, _ = clientB.count()
	assert.Equal(1, lostB)
}

func TestServiceHeartbeatMiss(t *testing.T) {
	assert := assert.New(t)
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	transport := &fakeTransport{}
	client := &recordingClient{}
	svc := NewService(Config{Name: "miss", HeartbeatInterval: 10 * time.Millisecond, HeartbeatMissLimit: 3}, transport)
	svc.RegisterClient(client)
	require.NoError(t, svc.Up())
	defer func() { assert.NoError(svc.Down()) }()

	assert.False(svc.PeerAlive())

	transport.inject(t, heartbeatFrame(t, true, time.Now().UnixNano()))
	assert.True(svc.PeerAlive())

	// the peer claims active, so we stay passive
	assert.False(svc.IsActive())

	require.Eventually(t, func() bool { return !svc.PeerAlive() }, 2*time.Second, 5*time.Millisecond)
	_, lost, joined := client.count()
	assert.Equal(1, lost)
	assert.Equal(1, joined)
	assert.True(svc.IsActive())

	stats := bucketstats.SprintStats(bucketstats.StatFormatParsable1, "cmi", "miss")
	assert.Contains(stats, "cmi.miss.PeerLostEvents total:1\n")
	assert.False(strings.Contains(stats, "cmi.miss.HeartbeatsMissed total:0\n"))
}

func TestServiceVersionMismatch(t *testing.T) {
	assert := assert.New(t)
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	transport := &fakeTransport{}
	client := &recordingClient{}
	svc := NewService(Config{Name: "version"}, transport)
	svc.RegisterClient(client)
	require.NoError(t, svc.Up())
	defer func() { assert.NoError(svc.Down()) }()

	buf, err := EncodeMessage(testGrantMessage())
	require.NoError(t, err)
	buf[0] = Version + 1
	transport.inject(t, buf)

	msgs, _, _ := client.count()
	assert.Equal(0, msgs)
	assert.Contains(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "cmi", "version"),
		"cmi.version.VersionMismatches total:1\n")

	buf[0] = Version
	transport.inject(t, buf)
	msgs, _, _ = client.count()
	assert.Equal(1, msgs)
}

func TestServiceRoles(t *testing.T) {
	assert := assert.New(t)
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	transport := &fakeTransport{}
	svc := NewService(Config{Name: "roles", Active: true}, transport)
	svc.RegisterClient(&recordingClient{})
	require.NoError(t, svc.Up())
	defer func() { assert.NoError(svc.Down()) }()

	// a younger active peer does not demote us
	transport.inject(t, heartbeatFrame(t, true, time.Now().Add(time.Hour).UnixNano()))
	assert.True(svc.IsActive())

	// an older active peer does
	transport.inject(t, heartbeatFrame(t, true, 1))
	assert.False(svc.IsActive())

	// with nobody active the older SP takes over
	transport.inject(t, heartbeatFrame(t, false, time.Now().Add(time.Hour).UnixNano()))
	assert.True(svc.IsActive())
}

func TestServiceMonitorThrottle(t *testing.T) {
	assert := assert.New(t)
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	transport := &fakeTransport{}
	svc := NewService(Config{Name: "throttle", MonitorOpsPerSecond: 5}, transport)
	svc.RegisterClient(&recordingClient{})
	require.NoError(t, svc.Up())
	defer func() { assert.NoError(svc.Down()) }()

	transport.inject(t, heartbeatFrame(t, false, time.Now().UnixNano()))
	require.True(t, svc.PeerAlive())

	for i := 0; i < 6; i++ {
		msg := &StripeLockMessage{
			Header: Header{MessageType: StripeReadLock, SenderHandle: CorrelationID(i + 1)},
			Flags:  FlagMonitorOp,
		}
		require.NoError(t, svc.Send(msg))
	}
	// non-monitor traffic is never delayed
	require.NoError(t, svc.Send(&StripeLockMessage{Header: Header{MessageType: StripeWriteLock, SenderHandle: 100}}))

	assert.Equal(6, len(transport.sentLockMessages()))
	assert.Contains(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "cmi", "throttle"),
		"cmi.throttle.MonitorOpsThrottled total:1\n")

	require.Eventually(t, func() bool { return len(transport.sentLockMessages()) == 7 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(int64(7), svc.Outstanding())
}

func TestServiceThrottledSendFailure(t *testing.T) {
	assert := assert.New(t)
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	transport := &fakeTransport{}
	client := &recordingClient{}
	svc := NewService(Config{Name: "throttlefail", MonitorOpsPerSecond: 5}, transport)
	svc.RegisterClient(client)
	require.NoError(t, svc.Up())
	defer func() { assert.NoError(svc.Down()) }()

	transport.inject(t, heartbeatFrame(t, false, time.Now().UnixNano()))
	require.True(t, svc.PeerAlive())

	for i := 0; i < 6; i++ {
		msg := &StripeLockMessage{
			Header: Header{MessageType: StripeWriteLock, SenderHandle: CorrelationID(i + 1)},
			Flags:  FlagMonitorOp,
		}
		require.NoError(t, svc.Send(msg))
	}
	transport.setFailSends(true)

	// the delayed request reports its failure to the client
	require.Eventually(t, func() bool { return len(client.failed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(CorrelationID(6), client.failed()[0].Header.SenderHandle)
	assert.Equal(int64(5), svc.Outstanding())
	assert.Equal(5, len(transport.sentLockMessages()))

	// an immediate failure is returned to the caller instead
	err := svc.Send(&StripeLockMessage{Header: Header{MessageType: StripeReadLock, SenderHandle: 7}})
	assert.True(blunder.Is(err, blunder.NotConnectedError))
	assert.Equal(int64(5), svc.Outstanding())
	assert.Len(client.failed(), 1)
}

func TestServiceNotUp(t *testing.T) {
	svc := NewService(Config{Name: "down"}, &fakeTransport{})
	err := svc.Send(&StripeLockMessage{Header: Header{MessageType: StripeReadLock}})
	assert.True(t, blunder.Is(err, blunder.NotConnectedError))
	assert.NoError(t, svc.Down())
}

func TestParseConfMap(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"CMI.Active=true",
		"CMI.HeartbeatInterval=250ms",
		"CMI.HeartbeatMissLimit=5",
		"CMI.PeerAddress=10.0.0.2:7070",
		"CMI.MaxFrameSize=4096",
		"StripeLock.MonitorOpsPerSecond=50",
	})
	require.NoError(t, err)

	config, tcpConfig, err := ParseConfMap(confMap)
	require.NoError(t, err)
	assert.True(config.Active)
	assert.Equal(250*time.Millisecond, config.HeartbeatInterval)
	assert.Equal(5, config.HeartbeatMissLimit)
	assert.Equal(float64(50), config.MonitorOpsPerSecond)
	assert.Equal("10.0.0.2:7070", tcpConfig.PeerAddress)
	assert.Equal("", tcpConfig.ListenAddress)
	assert.Equal(uint32(4096), tcpConfig.MaxFrameSize)
	assert.Equal(defaultDialTimeout, tcpConfig.DialTimeout)

	confMap, err = conf.MakeConfMapFromStrings([]string{"Logging.LogFilePath=/dev/null"})
	require.NoError(t, err)
	config, _, err = ParseConfMap(confMap)
	require.NoError(t, err)
	assert.False(config.Active)
	assert.Equal(defaultHeartbeatInterval, config.HeartbeatInterval)
	assert.Equal(defaultHeartbeatMissLimit, config.HeartbeatMissLimit)
}
