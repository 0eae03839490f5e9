// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/NVIDIA/stripelock/blunder"
	"github.com/NVIDIA/stripelock/cmi"
)

// SlotDump describes a slot that is busy or not owned locally.
type SlotDump struct {
	Index         int    `json:"index"`
	State         string `json:"state"`
	SharedRefs    uint32 `json:"sharedRefs"`
	ExclusiveRefs uint32 `json:"exclusiveRefs"`
	PeerOwned     bool   `json:"peerOwned,omitempty"`
	PeerShared    bool   `json:"peerShared,omitempty"`
	PeerLease     bool   `json:"peerLease,omitempty"`
}

type OperationDump struct {
	Handle Handle `json:"handle"`
	Seq    uint64 `json:"seq"`
	Opcode string `json:"opcode"`
	Status string `json:"status"`
	Flags  string `json:"flags"`
	First  uint64 `json:"first"`
	Last   uint64 `json:"last"`
}

// BlobDump is a snapshot of the lock state of one element.
type BlobDump struct {
	ObjectID        cmi.ObjectID    `json:"objectId"`
	StripeCount     uint64          `json:"stripeCount"`
	StripesPerSlot  uint64          `json:"stripesPerSlot"`
	Flags           string          `json:"flags"`
	AbortAttributes uint32          `json:"abortAttributes"`
	WriteCount      uint64          `json:"writeCount"`
	Divisor         uint64          `json:"divisor"`
	TableSize       int             `json:"tableSize"`
	LargeCount      int             `json:"largeCount"`
	PackedState     []byte          `json:"packedState"`
	Slots           []SlotDump      `json:"slots"`
	Holders         []OperationDump `json:"holders"`
	Waiters         []OperationDump `json:"waiters"`
	PeerQueue       []OperationDump `json:"peerQueue"`
}

func dumpOperation(op *Operation) OperationDump {
	return OperationDump{
		Handle: op.handle,
		Seq:    op.seq,
		Opcode: op.Opcode.String(),
		Status: op.status.String(),
		Flags:  op.Flags().String(),
		First:  op.Region.First,
		Last:   op.Region.Last,
	}
}

func (blob *blob) dump() (dump *BlobDump) {
	dump = &BlobDump{
		ObjectID:        blob.element.ObjectID,
		StripeCount:     blob.element.StripeCount(),
		StripesPerSlot:  blob.slots.stripesPerSlot,
		Flags:           blob.flags.String(),
		AbortAttributes: uint32(blob.abortAttributes),
		WriteCount:      blob.writeCount,
		Divisor:         blob.shards.divisor,
		TableSize:       blob.shards.tableSize,
		LargeCount:      blob.shards.count,
		PackedState:     blob.slots.PackedState(),
	}

	for i := range blob.slots.slots {
		slot := &blob.slots.slots[i]
		if slot.state == SlotExclusiveLocal && slot.idle() && slot.flags == 0 {
			continue
		}
		dump.Slots = append(dump.Slots, SlotDump{
			Index:         i,
			State:         slot.state.String(),
			SharedRefs:    slot.sharedRefs,
			ExclusiveRefs: slot.exclusiveRefs,
			PeerOwned:     slot.flags&slotPeerOwned != 0,
			PeerShared:    slot.flags&slotPeerShared != 0,
			PeerLease:     slot.flags&slotPeerLease != 0,
		})
	}
	for _, op := range blob.shards.allHolders() {
		dump.Holders = append(dump.Holders, dumpOperation(op))
	}
	for _, op := range blob.waitingOps() {
		dump.Waiters = append(dump.Waiters, dumpOperation(op))
	}
	for _, op := range blob.peerQueueOps() {
		dump.PeerQueue = append(dump.PeerQueue, dumpOperation(op))
	}
	return
}

// Dump returns a snapshot of the lock state of objectID.
func (manager *Manager) Dump(objectID cmi.ObjectID) (dump *BlobDump, err error) {
	blob := manager.lookupBlob(objectID)
	if blob == nil {
		err = blunder.NewError(blunder.NotStartedError, "element %#x not started", objectID)
		return
	}

	blob.Lock()
	dump = blob.dump()
	blob.Unlock()
	return
}

// DumpAll returns a snapshot of every started element in ObjectID order.
func (manager *Manager) DumpAll() (dumps []*BlobDump) {
	manager.Lock()
	blobs := make([]*blob, 0, len(manager.blobs))
	for _, blob := range manager.blobs {
		blobs = append(blobs, blob)
	}
	manager.Unlock()

	sort.Slice(blobs, func(i, j int) bool { return blobs[i].element.ObjectID < blobs[j].element.ObjectID })
	for _, blob := range blobs {
		blob.Lock()
		dumps = append(dumps, blob.dump())
		blob.Unlock()
	}
	return
}

func (dump *BlobDump) JSON() (buf []byte, err error) {
	return json.MarshalIndent(dump, "", "  ")
}

func (dump *BlobDump) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "element %#x: %d stripes, %d per slot, flags %s, writeCount %d\n",
		dump.ObjectID, dump.StripeCount, dump.StripesPerSlot, dump.Flags, dump.WriteCount)
	fmt.Fprintf(&sb, "  shards: divisor %d tableSize %d large %d\n", dump.Divisor, dump.TableSize, dump.LargeCount)
	fmt.Fprintf(&sb, "  packed: %x\n", dump.PackedState)
	for _, slot := range dump.Slots {
		fmt.Fprintf(&sb, "  slot %d %s shared %d exclusive %d", slot.Index, slot.State, slot.SharedRefs, slot.ExclusiveRefs)
		if slot.PeerOwned {
			sb.WriteString(" peerOwned")
		}
		if slot.PeerShared {
			sb.WriteString(" peerShared")
		}
		if slot.PeerLease {
			sb.WriteString(" peerLease")
		}
		sb.WriteString("\n")
	}
	for _, section := range []struct {
		name string
		ops  []OperationDump
	}{
		{"holder", dump.Holders},
		{"waiter", dump.Waiters},
		{"peerQueue", dump.PeerQueue},
	} {
		for _, op := range section.ops {
			fmt.Fprintf(&sb, "  %s %d seq %d %s [%d,%d] %s %s\n",
				section.name, op.Handle, op.Seq, op.Opcode, op.First, op.Last, op.Status, op.Flags)
		}
	}
	return sb.String()
}
