// VirtIO input device driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package input implements the VirtIO input (HID) device driver (spec
// §4.8): a single event queue whose slots are pre-posted and lazily
// re-posted on each consumed event.
package input

import (
	"encoding/binary"
	"sync"

	"github.com/usbarmory/virtio-drivers/dma"
	"github.com/usbarmory/virtio-drivers/virtio"
)

// queueSize is the fixed size of the event queue (spec §4.8).
const queueSize = 32

// eventSize is the fixed size of one event record: {type, code: u16,
// value: u32}.
const eventSize = 8

const (
	regSelect = 0
	regSubsel = 1
	regSize   = 2
	// regData is an 128-byte buffer starting at offset 8.
	regData = 8
)

// Event is a single HID event record (spec §4.8).
type Event struct {
	Type  uint16
	Code  uint16
	Value uint32
}

func decodeEvent(buf []byte) Event {
	return Event{
		Type:  binary.LittleEndian.Uint16(buf[0:]),
		Code:  binary.LittleEndian.Uint16(buf[2:]),
		Value: binary.LittleEndian.Uint32(buf[4:]),
	}
}

// slot is one of the event queue's 32 pre-posted receive buffers.
type slot struct {
	addr uint
	buf  []byte
}

// Device is a VirtIO input device instance (spec §4.8).
type Device struct {
	mu sync.Mutex

	transport *virtio.MMIO
	queue     *virtio.Queue

	slots [queueSize]slot
}

// New negotiates and initializes an input device over transport,
// pre-posting all 32 event-queue slots (spec §4.8).
func New(transport *virtio.MMIO) (*Device, error) {
	if _, err := transport.BeginInit(0); err != nil {
		return nil, err
	}

	queue, err := virtio.NewQueue(transport, 0, queueSize)
	if err != nil {
		return nil, err
	}

	d := &Device{
		transport: transport,
		queue:     queue,
	}

	for i := range d.slots {
		addr, buf := dma.Reserve(eventSize, 1)
		d.slots[i] = slot{addr: addr, buf: buf}

		if _, err := queue.Add([]virtio.Buffer{{Addr: uint64(addr), Len: eventSize, Flags: virtio.DescWrite}}); err != nil {
			return nil, err
		}
	}

	if queue.ShouldNotify() {
		transport.Notify(0)
	}

	transport.FinishInit()

	return d, nil
}

// PopPendingEvent consults peek_used; if a token is ready, it pops it,
// snapshots the event record, and re-posts the same slot (spec §4.8
// pop_pending_event). Re-posting relies on every slot being posted, so the
// free list is empty until pop_used appends the popped descriptor to it;
// the immediately following add then takes that very same index from the
// front, which is why the re-post token equals the popped one.
func (d *Device) PopPendingEvent() (Event, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	token, ok := d.queue.PeekUsed()
	if !ok {
		return Event{}, false, nil
	}

	if _, err := d.queue.PopUsed(token); err != nil {
		return Event{}, false, err
	}

	buf := d.findSlot(token)
	ev := decodeEvent(buf)

	repostToken, err := d.queue.Add([]virtio.Buffer{{Addr: uint64(d.slotAddr(token)), Len: eventSize, Flags: virtio.DescWrite}})
	if err != nil {
		return Event{}, false, err
	}

	if repostToken != token {
		return Event{}, false, virtio.ErrWrongToken
	}

	if d.queue.ShouldNotify() {
		d.transport.Notify(0)
	}

	return ev, true, nil
}

func (d *Device) findSlot(token uint16) []byte {
	return d.slots[token].buf
}

func (d *Device) slotAddr(token uint16) uint {
	return d.slots[token].addr
}

// Config reads a variable-length configuration response by paging select/
// subsel into the device's 128-byte config-space data buffer (spec §4.8).
func (d *Device) Config(selVal, subsel uint8) ([]byte, error) {
	d.transport.WriteConfig8(regSelect, selVal)
	d.transport.WriteConfig8(regSubsel, subsel)

	cfg, err := d.transport.Config(regData + 128)
	if err != nil {
		return nil, err
	}
	size := cfg[regSize]

	return cfg[regData : regData+int(size)], nil
}
