// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardMapSpan(t *testing.T) {
	assert := assert.New(t)

	shards := newShardMap(256)
	assert.Equal(1, shards.tableSize)
	first, last := shards.span(Region{First: 0, Last: 999})
	assert.Equal(0, first)
	assert.Equal(0, last)

	shards.reshard(256, 1041)
	assert.Equal(5, shards.tableSize)
	first, last = shards.span(Region{First: 0, Last: 999})
	assert.Equal(0, first)
	assert.Equal(3, last)

	region := Region{First: 100, Last: 600}
	assert.Equal(Region{First: 100, Last: 255}, shards.subRegion(region, 0))
	assert.Equal(Region{First: 256, Last: 511}, shards.subRegion(region, 1))
	assert.Equal(Region{First: 512, Last: 600}, shards.subRegion(region, 2))
	assert.Equal(4, shards.shardFor(1040))

	shards.reshard(math.MaxUint64, 1041)
	assert.Equal(1, shards.tableSize)
	assert.Equal(0, shards.shardFor(1040))
	assert.Equal(region, shards.subRegion(region, 0))
}

func TestShardMapHolders(t *testing.T) {
	assert := assert.New(t)

	shards := newShardMap(256)
	shards.reshard(256, 1024)

	a := &Operation{Region: Region{First: 10, Last: 20}, handle: 1, seq: 1}
	b := &Operation{Region: Region{First: 200, Last: 300}, handle: 2, seq: 2}
	c := &Operation{Region: Region{First: 290, Last: 290}, handle: 3, seq: 3}
	for _, op := range []*Operation{a, b, c} {
		shards.addHolder(op)
	}

	assert.Equal([]*Operation{a}, shards.holders(Region{First: 0, Last: 15}))
	assert.Empty(shards.holders(Region{First: 21, Last: 199}))
	assert.ElementsMatch([]*Operation{b, c}, shards.holders(Region{First: 260, Last: 295}))
	assert.Equal([]*Operation{b}, shards.holders(Region{First: 250, Last: 255}))
	assert.Equal([]*Operation{a, b, c}, shards.allHolders())
	assert.False(shards.idle())

	shards.removeHolder(b)
	assert.Equal([]*Operation{c}, shards.holders(Region{First: 200, Last: 300}))
	shards.removeHolder(a)
	shards.removeHolder(c)
	assert.True(shards.idle())
}

func TestShardMapWaitQueue(t *testing.T) {
	assert := assert.New(t)

	shards := newShardMap(256)
	shards.reshard(256, 1024)

	late := &Operation{Region: Region{First: 0, Last: 600}, handle: 7, seq: 7}
	early := &Operation{Region: Region{First: 300, Last: 300}, handle: 4, seq: 4}
	other := &Operation{Region: Region{First: 900, Last: 900}, handle: 5, seq: 5}

	shards.enqueue(late)
	shards.enqueue(other)
	// a re-queued operation keeps its place
	shards.enqueue(early)

	assert.Equal([]Handle{4, 5, 7}, shards.waiters())
	assert.Len(shards.entries[0].waiters, 1)
	assert.Equal(Handle(4), shards.entries[1].waiters[0].handle)
	assert.Equal(Handle(7), shards.entries[1].waiters[1].handle)

	shards.dequeue(late)
	assert.Equal([]Handle{4, 5}, shards.waiters())
	assert.Empty(shards.entries[0].waiters)
	shards.dequeue(early)
	shards.dequeue(other)
	assert.True(shards.idle())
}
