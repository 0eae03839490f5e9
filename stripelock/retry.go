// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"context"
	"math/rand"
	"time"

	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/logger"
)

// RetryPolicy controls LockWithRetry. Each delay is the previous one times
// Multiplier, capped at MaxDelay, and randomized by +/- Variance (a
// fraction).
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Variance     float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
		Variance:     0.2,
	}
}

// retryable reports an outcome another attempt may change. Peer collision
// aborts qualify; aborts on peer loss wait for ReleasePeerLocks.
func retryable(op *Operation) bool {
	switch {
	case op.status == StatusDropped:
		return true
	case op.flags&FlagDeadLock != 0:
		return true
	case op.status == StatusAborted:
		return op.flags&FlagPeerCollision != 0 && op.flags&FlagPeerLost == 0
	}
	return false
}

// LockWithRetry submits a lock operation in SYNC_MODE and resubmits it
// after DROPPED, DEAD_LOCK and PEER_COLLISION aborts, backing off between
// attempts. It gives up with blunder.TimedOut once the next attempt would
// pass the deadline of ctx.
func (manager *Manager) LockWithRetry(ctx context.Context, op *Operation, policy RetryPolicy) (err error) {
	if !op.isLock() {
		err = blunder.NewError(blunder.IllegalRequestError, "LockWithRetry of %s", op.Opcode)
		return
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 1.0
	}

	delay := policy.InitialDelay
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			op.resetForRetry()
		}
		op.SetSyncMode(true)

		err = manager.Submit(ctx, op, nil)
		if err == nil || !retryable(op) {
			return
		}

		sleep := delay
		if policy.Variance > 0 {
			sleep += time.Duration((rand.Float64()*2 - 1) * policy.Variance * float64(delay))
		}
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(sleep).After(deadline) {
			err = blunder.NewError(blunder.TimedOut, "%s %v not granted after %d attempts: %v",
				op.Opcode, op.Region, attempt, err)
			return
		}
		logger.Tracef("stripelock: attempt %d of %v failed (%v), retrying in %v", attempt, op, err, sleep)

		select {
		case <-ctx.Done():
			err = blunder.NewError(blunder.TimedOut, "%s %v not granted after %d attempts", op.Opcode, op.Region, attempt)
			return
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
