// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"github.com/NVIDIA/stripelock/bucketstats"
)

type managerStats struct {
	LockRequests         bucketstats.Total
	UnlockRequests       bucketstats.Total
	LocalGrants          bucketstats.Total
	PeerRequestsSent     bucketstats.Total
	PeerRequestsReceived bucketstats.Total
	GrantsSent           bucketstats.Total
	GrantsReceived       bucketstats.Total
	LeasesGranted        bucketstats.Total
	LeasesReceived       bucketstats.Total
	LeasesReleased       bucketstats.Total
	Collisions           bucketstats.Total
	Deadlocks            bucketstats.Total
	Aborts               bucketstats.Total
	Drops                bucketstats.Total
	Cancels              bucketstats.Total
	IllegalRequests      bucketstats.Total
	LargeRequests        bucketstats.Total
	LargeRetries         bucketstats.Total
	StaleReplies         bucketstats.Total
	SendFailures         bucketstats.Total
	PeerLostEvents       bucketstats.Total
	GrantLatencyUsec     bucketstats.Average
	GrantLatencyBuckets  bucketstats.BucketLog2
}
