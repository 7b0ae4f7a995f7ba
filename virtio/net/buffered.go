// VirtIO network card driver — buffered layer
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package net

import (
	"sync"

	"github.com/usbarmory/virtio-drivers/virtio"
)

// rxSlot tracks one of the buffered layer's pre-allocated receive
// buffers, cycling Posted -> Completed -> Consumed-by-user -> Posted
// again (spec §4.10 state machine per receive slot).
type rxSlot struct {
	buf   []byte
	token uint16
	addr  uint
}

// Buffered is the per-slot buffered network layer built on Raw (spec
// §4.10 "Buffered"): pre-allocates N receive buffers of the configured
// size and posts them all at construction.
type Buffered struct {
	mu  sync.Mutex
	raw *Raw

	slots []rxSlot
}

// NewBuffered wraps raw with N pre-posted receive buffers of bufLen bytes
// (at least MinReceiveBufferLen).
func NewBuffered(raw *Raw, n int, bufLen int) (*Buffered, error) {
	if bufLen < MinReceiveBufferLen {
		bufLen = MinReceiveBufferLen
	}

	b := &Buffered{raw: raw, slots: make([]rxSlot, n)}

	for i := 0; i < n; i++ {
		buf := make([]byte, bufLen)

		token, addr, err := raw.ReceiveBegin(buf)
		if err != nil {
			return nil, err
		}

		b.slots[i] = rxSlot{buf: buf, token: token, addr: addr}
	}

	return b, nil
}

// Receive returns the next completed packet's bytes (header stripped),
// copying into out, and re-posts that slot (spec §4.10 Buffered.receive).
// Returns 0, nil if nothing is pending yet.
func (b *Buffered) Receive(out []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.slots {
		s := &b.slots[i]

		if !b.raw.PollReceive(s.token) {
			continue
		}

		_, packetLen, err := b.raw.ReceiveComplete(s.token, s.addr, out)
		if err != nil {
			return 0, err
		}

		token, addr, err := b.raw.ReceiveBegin(s.buf)
		if err != nil {
			return 0, err
		}

		s.token = token
		s.addr = addr

		return packetLen, nil
	}

	return 0, nil
}

// Send delegates to Raw.Send (spec §4.10 Buffered.send).
func (b *Buffered) Send(buf []byte) error {
	return b.raw.Send(buf)
}

// ReceiveBlock loops Receive until a packet is available, spinning
// cooperatively between polls (spec §5 blocking points).
func (b *Buffered) ReceiveBlock(out []byte) (int, error) {
	for {
		n, err := b.Receive(out)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
		virtio.Spin()
	}
}
