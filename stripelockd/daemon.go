// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package stripelockd runs the stripe lock manager of one SP, talking to the
// peer SP over CMI.
package stripelockd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/bucketstats"
	"github.com/NVIDIA/stripelock/cmi"
	"github.com/NVIDIA/stripelock/conf"
	"github.com/NVIDIA/stripelock/logger"
	"github.com/NVIDIA/stripelock/stripelock"
	"github.com/NVIDIA/stripelock/transitions"
)

const (
	spName                       = "stripelockd"
	defaultPeerLostRecoveryDelay = 5 * time.Second
)

// sp is the running lock service of this SP.
type sp struct {
	transport     *cmi.TCPTransport
	service       *cmi.Service
	manager       *stripelock.Manager
	elements      []stripelock.Element
	recoveryDelay time.Duration
	peerLostChan  chan struct{}
}

// spClient hands CMI traffic to the manager and wakes the recovery loop when
// the peer is lost.
type spClient struct {
	*stripelock.Manager
	peerLostChan chan struct{}
}

func (client *spClient) PeerLost() {
	client.Manager.PeerLost()
	select {
	case client.peerLostChan <- struct{}{}:
	default:
	}
}

// parseElements reads the elements listed in StripeLockd.Elements. Each is
// described by its own [Element:<name>] section.
func parseElements(confMap conf.ConfMap) (elements []stripelock.Element, err error) {
	names, err := confMap.FetchOptionValueStringSlice("StripeLockd", "Elements")
	if err != nil {
		names = []string{}
		err = nil
	}

	for _, name := range names {
		var element stripelock.Element
		section := "Element:" + name

		objectID, fetchErr := confMap.FetchOptionValueUint64(section, "ObjectID")
		if fetchErr != nil {
			err = blunder.AddError(fetchErr, blunder.InvalidArgError)
			return
		}
		element.ObjectID = cmi.ObjectID(objectID)

		element.UserStripes, fetchErr = confMap.FetchOptionValueUint64(section, "UserStripes")
		if fetchErr != nil {
			err = blunder.AddError(fetchErr, blunder.InvalidArgError)
			return
		}

		element.PagedStripes, fetchErr = confMap.FetchOptionValueUint64(section, "PagedStripes")
		if fetchErr != nil {
			element.PagedStripes = 0
		}
		element.NonPaged, fetchErr = confMap.FetchOptionValueBool(section, "NonPaged")
		if fetchErr != nil {
			element.NonPaged = false
		}

		elements = append(elements, element)
	}
	return
}

func upSP(confMap conf.ConfMap) (s *sp, err error) {
	cmiConfig, tcpConfig, err := cmi.ParseConfMap(confMap)
	if err != nil {
		return
	}
	cmiConfig.Name = spName

	managerConfig, err := stripelock.ParseConfMap(confMap)
	if err != nil {
		return
	}
	managerConfig.Name = spName

	elements, err := parseElements(confMap)
	if err != nil {
		return
	}

	recoveryDelay, err := confMap.FetchOptionValueDuration("StripeLockd", "PeerLostRecoveryDelay")
	if err != nil {
		logger.Warnf("config variable 'StripeLockd.PeerLostRecoveryDelay' defaulting to '%v'",
			defaultPeerLostRecoveryDelay)
		recoveryDelay = defaultPeerLostRecoveryDelay
	}

	transport, err := cmi.NewTCPTransport(tcpConfig)
	if err != nil {
		return
	}

	s = &sp{
		transport:     transport,
		service:       cmi.NewService(cmiConfig, transport),
		elements:      elements,
		recoveryDelay: recoveryDelay,
		peerLostChan:  make(chan struct{}, 1),
	}

	s.manager, err = stripelock.NewManager(managerConfig, s.service)
	if err != nil {
		_ = transport.Close()
		s = nil
		return
	}
	s.manager.SetPeerLostHandler(func(objectID cmi.ObjectID, handles []stripelock.Handle) {
		logger.Warnf("stripelockd: element %#x has %d granted operations that involved the lost peer",
			uint64(objectID), len(handles))
	})
	s.service.RegisterClient(&spClient{Manager: s.manager, peerLostChan: s.peerLostChan})

	err = s.service.Up()
	if err != nil {
		_ = transport.Close()
		_ = s.manager.Close()
		s = nil
		return
	}

	for _, element := range s.elements {
		var op stripelock.Operation
		op.BuildStart(element)
		op.SetSyncMode(true)
		err = s.manager.Submit(context.Background(), &op, nil)
		if err != nil {
			logger.ErrorfWithError(err, "stripelockd: start of element %#x failed", uint64(element.ObjectID))
			s.down()
			s = nil
			return
		}
	}

	logger.Infof("stripelockd: up with %d elements", len(elements))
	return
}

func (s *sp) down() {
	for _, dump := range s.manager.DumpAll() {
		var op stripelock.Operation
		op.BuildStop(dump.ObjectID)
		op.SetSyncMode(true)
		err := s.manager.Submit(context.Background(), &op, nil)
		if err != nil {
			logger.WarnfWithError(err, "stripelockd: stop of element %#x failed", uint64(dump.ObjectID))
		}
	}

	err := s.service.Down()
	if err != nil {
		logger.WarnfWithError(err, "stripelockd: cmi down failed")
	}
	err = s.manager.Close()
	if err != nil {
		logger.WarnfWithError(err, "stripelockd: manager close failed")
	}
}

// recoverPeerLocks takes back the slots of a lost peer once it has stayed
// away for the recovery delay.
func (s *sp) recoverPeerLocks(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.peerLostChan:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.recoveryDelay):
		}

		if s.service.PeerAlive() {
			logger.Infof("stripelockd: peer is back, recovery skipped")
			continue
		}
		for _, dump := range s.manager.DumpAll() {
			err := s.manager.ReleasePeerLocks(dump.ObjectID)
			if err != nil {
				logger.WarnfWithError(err, "stripelockd: peer lock release of %#x failed", uint64(dump.ObjectID))
			}
		}
	}
}

func (s *sp) logState() {
	for _, dump := range s.manager.DumpAll() {
		logger.Infof("stripelockd: %v", dump)
	}
	logger.Infof("stripelockd stats:\n%s", bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*"))
}

// Daemon is launched as a GoRoutine that runs the stripe lock service. During
// startup, the parent should read errChan to await Daemon getting to the point
// where it is ready to handle the specified signal set. Any errors encountered
// before or after this point will be sent to errChan (and be non-nil of
// course).
func Daemon(confFile string, confStrings []string, errChan chan error, wg *sync.WaitGroup, execArgs []string, signals ...os.Signal) {
	var (
		confMap conf.ConfMap
		err     error
	)

	confMap, err = conf.MakeConfMapFromFile(confFile)
	if err != nil {
		errChan <- err
		return
	}

	err = confMap.UpdateFromStrings(confStrings)
	if err != nil {
		errChan <- err
		return
	}

	// signalChan must be buffered so that a signal arriving before we block
	// on it is not lost.
	signalChan := make(chan os.Signal, 16)

	// if signals is empty it means "catch all signals" it is possible to catch
	signal.Notify(signalChan, signals...)
	defer signal.Stop(signalChan)

	err = transitions.Up(confMap)
	if err != nil {
		errChan <- err
		return
	}

	s, err := upSP(confMap)
	if err != nil {
		_ = transitions.Down(confMap)
		errChan <- err
		return
	}

	wg.Add(1)
	logger.Infof("stripelockd is starting up (PID %d); invoked as '%s'",
		os.Getpid(), strings.Join(execArgs, "' '"))

	group, ctx := errgroup.WithContext(context.Background())
	group.Go(func() error {
		return s.recoverPeerLocks(ctx)
	})
	group.Go(func() error {
		// The signal loop ends the group: its error, or errDone, cancels ctx.
		return s.signalLoop(ctx, signalChan, confFile, confStrings)
	})

	// indicate transitions finished and signal handlers have been armed successfully
	errChan <- nil

	err = group.Wait()
	if err == errDone {
		err = nil
	}

	logger.Infof("stripelockd is shutting down (PID %d)", os.Getpid())
	s.down()
	downErr := transitions.Down(confMap)
	if downErr != nil {
		logger.Errorf("transitions.Down() failed: %v", downErr)
		if err == nil {
			err = downErr
		}
	}
	errChan <- err
	wg.Done()
}

var errDone = fmt.Errorf("stripelockd: exiting")

// signalLoop awaits signals: SIGHUP reloads confFile, SIGUSR1 logs the lock
// state and statistics, anything else not ignored exits.
func (s *sp) signalLoop(ctx context.Context, signalChan chan os.Signal, confFile string, confStrings []string) error {
	for {
		var signalReceived os.Signal

		select {
		case <-ctx.Done():
			return nil
		case signalReceived = <-signalChan:
		}
		logger.Infof("Received signal: '%v'", signalReceived)

		switch signalReceived {
		case unix.SIGCHLD, unix.SIGURG, unix.SIGWINCH, unix.SIGCONT, unix.SIGPIPE:
			logger.Infof("Ignored signal: '%v'", signalReceived)
			continue
		case unix.SIGUSR1:
			s.logState()
			continue
		case unix.SIGHUP:
		default:
			if signalReceived != unix.SIGTERM && signalReceived != unix.SIGINT {
				logger.Errorf("stripelockd received unexpected signal: %v", signalReceived)
			}
			return errDone
		}

		// caught SIGHUP -- recompute confMap and re-apply
		confMap, err := conf.MakeConfMapFromFile(confFile)
		if err != nil {
			return fmt.Errorf("failed to load updated config: %v", err)
		}
		err = confMap.UpdateFromStrings(confStrings)
		if err != nil {
			return fmt.Errorf("failed to reapply config overrides: %v", err)
		}
		err = transitions.Signaled(confMap)
		if err != nil {
			return fmt.Errorf("transitions.Signaled() failed: %v", err)
		}
	}
}
