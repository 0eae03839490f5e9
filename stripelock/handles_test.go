// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleTable(t *testing.T) {
	assert := assert.New(t)

	table := newHandleTable()
	a := &Operation{ObjectID: 1, Region: Region{First: 4, Last: 4}}
	b := &Operation{ObjectID: 2, Region: Region{First: 5, Last: 6}, priv: privRead}
	c := &Operation{ObjectID: 1, Region: Region{First: 7, Last: 7}}

	assert.Equal(Handle(1), table.insert(a))
	assert.Equal(Handle(2), table.insert(b))
	assert.Equal(Handle(3), table.insert(c))
	assert.Equal(Handle(2), b.Handle())
	assert.Equal(3, table.len())

	assert.Equal(a, table.lookup(1))
	assert.Nil(table.lookup(0))
	assert.Nil(table.lookup(9))

	table.bury(a)
	table.bury(b)
	entry := table.get(1)
	assert.Nil(entry.op)
	assert.Equal(tombstone{objectID: 1, region: Region{First: 4, Last: 4}, exclusive: true}, *entry.tombstone)
	assert.False(table.get(2).tombstone.exclusive)
	assert.Nil(table.lookup(1))

	assert.Equal([]Handle{1}, table.tombstones(1))
	assert.Equal([]Handle{2}, table.tombstones(2))

	table.remove(1)
	table.remove(2)
	assert.Empty(table.tombstones(1))
	assert.Equal(1, table.len())

	// handles are never reused
	table.remove(3)
	assert.Equal(Handle(4), table.insert(a))
}
