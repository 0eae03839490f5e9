// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"github.com/NVIDIA/stripelock/logger"
)

// peerNode stands for every operation of the peer SP in the wait-for graph.
const peerNode Handle = 0

// waitForGraph has an edge from each waiting operation to the operations
// it waits on.
type waitForGraph struct {
	edges map[Handle][]Handle
}

func newWaitForGraph() *waitForGraph {
	return &waitForGraph{edges: make(map[Handle][]Handle)}
}

func (graph *waitForGraph) addEdge(from Handle, to Handle) {
	for _, existing := range graph.edges[from] {
		if existing == to {
			return
		}
	}
	graph.edges[from] = append(graph.edges[from], to)
}

// findCycle returns a cycle through start, as the path of nodes from start,
// or nil.
func (graph *waitForGraph) findCycle(start Handle) (cycle []Handle) {
	visited := make(map[Handle]bool)
	recStack := make(map[Handle]bool)
	var path []Handle

	var visit func(node Handle) bool
	visit = func(node Handle) bool {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, next := range graph.edges[node] {
			if next == start {
				return true
			}
			if !visited[next] && visit(next) {
				return true
			}
		}

		recStack[node] = false
		path = path[:len(path)-1]
		return false
	}

	if visit(start) {
		cycle = path
	}
	return
}

// buildWaitForGraph links waiters to the holders and earlier waiters they
// are blocked by, local operations waiting on the peer to peerNode, and
// peerNode to the queued proxies.
func (blob *blob) buildWaitForGraph() (graph *waitForGraph, proxies int) {
	graph = newWaitForGraph()

	waiters := blob.waitingOps()
	for i, op := range waiters {
		for _, holder := range blob.shards.holders(op.Region) {
			if holder != op && holder.conflictsWith(op) {
				graph.addEdge(op.handle, holder.handle)
			}
		}
		if op.isProxy() {
			proxies++
			graph.addEdge(peerNode, op.handle)
			continue
		}
		for _, earlier := range waiters[:i] {
			if earlier.conflictsWith(op) {
				graph.addEdge(op.handle, earlier.handle)
			}
		}
	}
	for _, handle := range blob.peerQueue {
		graph.addEdge(handle, peerNode)
	}
	return
}

// breakDeadlock looks for a cycle through the peer. Only the passive SP
// picks a victim: its youngest operation on the cycle that waits on the
// peer. It reports whether a victim was taken.
func (blob *blob) breakDeadlock(b *batch) bool {
	if len(blob.peerQueue) == 0 {
		return false
	}
	graph, proxies := blob.buildWaitForGraph()
	if proxies == 0 {
		return false
	}
	cycle := graph.findCycle(peerNode)
	if cycle == nil {
		return false
	}

	manager := blob.manager
	if manager.isActive() {
		logger.Tracef("stripelock: element %#x deadlocked with the peer; waiting for the passive SP",
			blob.element.ObjectID)
		return false
	}

	var victim *Operation
	for _, handle := range cycle {
		if handle == peerNode {
			continue
		}
		op := blob.lookup(handle)
		if op.state != opWaitingForPeer {
			continue
		}
		if victim == nil || op.seq > victim.seq {
			victim = op
		}
	}
	if victim == nil {
		return false
	}

	manager.stats.Deadlocks.Increment()
	logger.Infof("stripelock: breaking deadlock on element %#x with %v", blob.element.ObjectID, victim)

	victim.flags |= FlagDeadLock
	if victim.flags&FlagNoAbort == 0 {
		blob.finish(victim, StatusAborted, b)
		return true
	}

	blob.removeFromPeerQueue(victim)
	blob.dropRefs(victim)
	victim.priv &^= privPending
	victim.flags |= FlagRetry
	victim.state = opQueued
	blob.shards.enqueue(victim)
	return true
}
