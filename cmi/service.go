// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/bucketstats"
	"github.com/NVIDIA/stripelock/logger"
	"github.com/NVIDIA/stripelock/trackedlock"
)

type serviceStats struct {
	MessagesSent        bucketstats.Total
	MessagesReceived    bucketstats.Total
	MessagesDropped     bucketstats.Total
	RequestsSent        bucketstats.Total
	RepliesReceived     bucketstats.Total
	MonitorOpsThrottled bucketstats.Total
	HeartbeatsSent      bucketstats.Total
	HeartbeatsReceived  bucketstats.Total
	HeartbeatsMissed    bucketstats.Total
	VersionMismatches   bucketstats.Total
	PeerLostEvents      bucketstats.Total
}

// Service is the CMI endpoint of one SP.
type Service struct {
	trackedlock.Mutex
	config       Config
	transport    Transport
	client       Client
	isUp         bool
	active       bool
	peerAlive    bool
	startTime    int64 // UnixNano of Up(), breaks active/active ties
	lastHeard    time.Time
	heartbeatSeq uint64
	outstanding  int64 // requests sent and not yet answered
	limiter      *rate.Limiter
	stopChan     chan struct{}
	heartbeatWG  sync.WaitGroup
	stats        serviceStats
}

// PeerJoinedClient is implemented by a Client that wants to know when the
// peer is first heard from.
type PeerJoinedClient interface {
	PeerJoined()
}

// SendFailedClient is implemented by a Client that wants to know about a
// throttled request that could not be sent once its delay expired.
type SendFailedClient interface {
	SendFailed(msg *StripeLockMessage, err error)
}

func newService(config Config, transport Transport) (service *Service) {
	if config.Name == "" {
		config.Name = "service"
	}
	if config.HeartbeatMissLimit <= 0 {
		config.HeartbeatMissLimit = 3
	}

	service = &Service{
		config:    config,
		transport: transport,
		active:    config.Active,
	}
	if config.MonitorOpsPerSecond > 0 {
		burst := int(config.MonitorOpsPerSecond)
		if burst < 1 {
			burst = 1
		}
		service.limiter = rate.NewLimiter(rate.Limit(config.MonitorOpsPerSecond), burst)
	}
	return
}

func (service *Service) up() (err error) {
	service.Lock()
	if service.isUp {
		service.Unlock()
		err = blunder.NewError(blunder.FileExistsError, "cmi service %s is already up", service.config.Name)
		return
	}
	service.isUp = true
	service.startTime = time.Now().UnixNano()
	service.lastHeard = time.Now()
	service.stopChan = make(chan struct{})
	service.Unlock()

	bucketstats.Register("cmi", service.config.Name, &service.stats)

	err = service.transport.Start(service.receive, service.transportClosed)
	if err != nil {
		service.Lock()
		service.isUp = false
		service.Unlock()
		bucketstats.UnRegister("cmi", service.config.Name)
		logger.ErrorfWithError(err, "cmi %s: transport failed to start", service.config.Name)
		return
	}

	service.sendHeartbeat()

	if service.config.HeartbeatInterval > 0 {
		service.heartbeatWG.Add(1)
		go service.heartbeater()
	}

	logger.Infof("cmi %s up: active %v heartbeat %v miss limit %d",
		service.config.Name, service.config.Active, service.config.HeartbeatInterval, service.config.HeartbeatMissLimit)
	return
}

func (service *Service) down() (err error) {
	service.Lock()
	if !service.isUp {
		service.Unlock()
		return
	}
	service.isUp = false
	service.peerAlive = false
	close(service.stopChan)
	service.Unlock()

	service.heartbeatWG.Wait()

	err = service.transport.Close()
	bucketstats.UnRegister("cmi", service.config.Name)

	logger.Infof("cmi %s down", service.config.Name)
	return
}

func (service *Service) heartbeater() {
	defer service.heartbeatWG.Done()

	ticker := time.NewTicker(service.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-service.stopChan:
			return
		case <-ticker.C:
			service.sendHeartbeat()
			service.checkLiveness()
		}
	}
}

func (service *Service) sendHeartbeat() {
	service.Lock()
	service.heartbeatSeq++
	msg := &heartbeatMessage{
		Sequence:  service.heartbeatSeq,
		Active:    service.active,
		StartTime: service.startTime,
	}
	service.Unlock()

	buf, err := encodeHeartbeat(msg)
	if err != nil {
		logger.ErrorWithError(err)
		return
	}
	err = service.transport.Send(buf)
	if err != nil {
		logger.TracefWithError(err, "cmi %s: heartbeat %d not sent", service.config.Name, msg.Sequence)
		return
	}
	service.stats.HeartbeatsSent.Increment()
}

func (service *Service) checkLiveness() {
	service.Lock()
	if !service.peerAlive {
		service.Unlock()
		return
	}
	silence := time.Since(service.lastHeard)
	limit := service.config.HeartbeatInterval * time.Duration(service.config.HeartbeatMissLimit)
	service.Unlock()

	if silence <= service.config.HeartbeatInterval {
		return
	}
	service.stats.HeartbeatsMissed.Increment()

	if silence > limit {
		service.peerLost("heartbeat miss limit reached")
	}
}

func (service *Service) transportClosed(err error) {
	logger.WarnfWithError(err, "cmi %s: transport closed", service.config.Name)
	service.peerLost("transport closed")
}

func (service *Service) peerLost(reason string) {
	service.Lock()
	if !service.peerAlive {
		service.Unlock()
		return
	}
	service.peerAlive = false
	service.active = true
	service.outstanding = 0
	client := service.client
	service.Unlock()

	service.stats.PeerLostEvents.Increment()
	logger.Warnf("cmi %s: peer lost (%s), now active", service.config.Name, reason)

	if client != nil {
		client.PeerLost()
	}
}

// receive runs on the transport goroutine.
func (service *Service) receive(frame []byte) {
	header, err := peekHeader(frame)
	if err != nil {
		if blunder.Is(err, blunder.VersionMismatch) {
			service.stats.VersionMismatches.Increment()
			logger.WarnfWithError(err, "cmi %s: dropping message from peer running another wire version",
				service.config.Name)
		} else {
			service.stats.MessagesDropped.Increment()
			logger.ErrorfWithError(err, "cmi %s: dropping malformed frame", service.config.Name)
		}
		return
	}

	service.Lock()
	service.lastHeard = time.Now()
	joined := !service.peerAlive && service.isUp
	if service.isUp {
		service.peerAlive = true
	}

	if header.MessageType == HeartBeat {
		hb, err := decodeHeartbeat(frame)
		if err == nil {
			service.resolveRole(hb)
		}
		client := service.client
		service.Unlock()

		if err != nil {
			service.stats.MessagesDropped.Increment()
			logger.ErrorWithError(err)
			return
		}
		service.stats.HeartbeatsReceived.Increment()
		service.peerJoined(joined, client)
		return
	}

	if header.MessageType.IsReply() && service.outstanding > 0 {
		service.outstanding--
	}
	client := service.client
	service.Unlock()

	service.peerJoined(joined, client)

	msg, err := DecodeMessage(frame)
	if err != nil {
		service.stats.MessagesDropped.Increment()
		logger.ErrorfWithError(err, "cmi %s: dropping message", service.config.Name)
		return
	}
	service.stats.MessagesReceived.Increment()
	if header.MessageType.IsReply() {
		service.stats.RepliesReceived.Increment()
	}
	logger.DebugfID(logger.DbgWire, "cmi %s: received %v", service.config.Name, msg)

	if client == nil {
		service.stats.MessagesDropped.Increment()
		logger.Warnf("cmi %s: no client registered, dropping %v", service.config.Name, header.MessageType)
		return
	}
	client.ReceiveMessage(msg)
}

func (service *Service) peerJoined(joined bool, client Client) {
	if !joined {
		return
	}
	logger.Infof("cmi %s: peer joined", service.config.Name)
	if joinedClient, ok := client.(PeerJoinedClient); ok {
		joinedClient.PeerJoined()
	}
}

// resolveRole keeps exactly one active SP: the one that came up first. Called
// with the service locked.
func (service *Service) resolveRole(hb *heartbeatMessage) {
	switch {
	case hb.Active && service.active && hb.StartTime < service.startTime:
		service.active = false
		logger.Warnf("cmi %s: peer is active and older, becoming passive", service.config.Name)
	case !hb.Active && !service.active && hb.StartTime > service.startTime:
		service.active = true
		logger.Warnf("cmi %s: neither SP is active, becoming active", service.config.Name)
	}
}

func (service *Service) send(msg *StripeLockMessage) (err error) {
	var delay time.Duration

	service.Lock()
	if !service.isUp {
		service.Unlock()
		err = blunder.NewError(blunder.NotConnectedError, "cmi %s is not up", service.config.Name)
		return
	}
	if !service.peerAlive {
		service.Unlock()
		service.stats.MessagesDropped.Increment()
		err = blunder.NewError(blunder.PeerLostError, "cmi %s: peer not alive, %v not sent",
			service.config.Name, msg.Header.MessageType)
		return
	}
	if service.limiter != nil && msg.Flags&FlagMonitorOp != 0 && msg.Header.MessageType.IsRequest() {
		delay = service.limiter.Reserve().Delay()
	}
	if msg.Header.MessageType.IsRequest() {
		service.outstanding++
	}
	service.Unlock()

	buf, err := EncodeMessage(msg)
	if err != nil {
		logger.ErrorWithError(err)
		return
	}
	if msg.Header.MessageType.IsRequest() {
		service.stats.RequestsSent.Increment()
	}
	logger.DebugfID(logger.DbgWire, "cmi %s: sending %v", service.config.Name, msg)

	if delay > 0 {
		service.stats.MonitorOpsThrottled.Increment()
		time.AfterFunc(delay, func() {
			sendErr := service.transmit(buf)
			if sendErr != nil {
				service.requestNotSent(msg, sendErr)
			}
		})
		return
	}
	err = service.transmit(buf)
	if err != nil && msg.Header.MessageType.IsRequest() {
		service.Lock()
		if service.outstanding > 0 {
			service.outstanding--
		}
		service.Unlock()
	}
	return
}

// requestNotSent hands a delayed request that failed back to the client.
func (service *Service) requestNotSent(msg *StripeLockMessage, err error) {
	service.Lock()
	if service.outstanding > 0 {
		service.outstanding--
	}
	client := service.client
	service.Unlock()

	if failedClient, ok := client.(SendFailedClient); ok {
		failedClient.SendFailed(msg, err)
	}
}

func (service *Service) transmit(buf []byte) (err error) {
	err = service.transport.Send(buf)
	if err != nil {
		service.stats.MessagesDropped.Increment()
		logger.WarnfWithError(err, "cmi %s: send failed", service.config.Name)
		return
	}
	service.stats.MessagesSent.Increment()
	return
}
