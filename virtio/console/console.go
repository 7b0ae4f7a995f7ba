// VirtIO console device driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package console implements the VirtIO console device driver (spec
// §4.7): a framed byte stream over a receive and a transmit queue, plus an
// emergency-write path direct to configuration space.
package console

import (
	"sync"

	"github.com/usbarmory/virtio-drivers/dma"
	"github.com/usbarmory/virtio-drivers/virtio"
)

const (
	queueSize = 2

	// bufSize is the page-sized receive buffer spec §4.7 describes.
	bufSize = virtio.PageSize

	// regEmergWrite is the byte offset of the emerg_wr config-space
	// register (cols u16 + rows u16 + max_nr_ports u32 = offset 8).
	regEmergWrite = 8
)

// noToken is the sentinel recorded when no receive request is currently
// outstanding.
const noToken = ^uint16(0)

// Device is a VirtIO console device instance (spec §4.7).
type Device struct {
	mu sync.Mutex

	transport *virtio.MMIO
	rx        *virtio.Queue
	tx        *virtio.Queue

	rxAddr uint
	rxBuf  []byte

	token      uint16
	hasToken   bool
	cursor     int
	pendingLen int
}

// New negotiates and initializes a console device over transport.
func New(transport *virtio.MMIO) (*Device, error) {
	if _, err := transport.BeginInit(0); err != nil {
		return nil, err
	}

	rx, err := virtio.NewQueue(transport, 0, queueSize)
	if err != nil {
		return nil, err
	}

	tx, err := virtio.NewQueue(transport, 1, queueSize)
	if err != nil {
		return nil, err
	}

	rxAddr, rxBuf := dma.Reserve(bufSize, 1)

	d := &Device{
		transport: transport,
		rx:        rx,
		tx:        tx,
		rxAddr:    rxAddr,
		rxBuf:     rxBuf,
	}

	transport.FinishInit()

	return d, nil
}

// pollRetrieve posts a fresh receive request if there is neither an
// outstanding one nor bytes remaining in the current buffer (spec §4.7
// poll_retrieve).
func (d *Device) pollRetrieve() error {
	if d.hasToken || d.cursor < d.pendingLen {
		return nil
	}

	token, err := d.rx.Add([]virtio.Buffer{{Addr: uint64(d.rxAddr), Len: uint32(len(d.rxBuf)), Flags: virtio.DescWrite}})
	if err != nil {
		return err
	}

	if d.rx.ShouldNotify() {
		d.transport.Notify(0)
	}

	d.token = token
	d.hasToken = true

	return nil
}

// finishReceive consumes the outstanding token if it has completed (spec
// §4.7 finish_receive).
func (d *Device) finishReceive() error {
	if !d.hasToken {
		return nil
	}

	if !d.rx.CanPop(d.token) {
		return nil
	}

	length, err := d.rx.PopUsed(d.token)
	if err != nil {
		return err
	}

	d.cursor = 0
	d.pendingLen = int(length)
	d.hasToken = false

	return nil
}

// Recv returns the byte at the current cursor, if any is pending, without
// requiring a blocking wait (spec §4.7 recv). If consume is true, the
// cursor advances and a fresh receive may be posted.
func (d *Device) Recv(consume bool) (byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.finishReceive(); err != nil {
		return 0, false, err
	}

	if d.cursor >= d.pendingLen {
		if err := d.pollRetrieve(); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}

	b := d.rxBuf[d.cursor]

	if consume {
		d.cursor++
		if err := d.pollRetrieve(); err != nil {
			return 0, false, err
		}
	}

	return b, true, nil
}

// RecvBlock loops finishReceive/pollRetrieve until a byte is available
// (spec §4.7 recv_block).
func (d *Device) RecvBlock() (byte, error) {
	for {
		b, ok, err := d.Recv(true)
		if err != nil {
			return 0, err
		}
		if ok {
			return b, nil
		}
		virtio.Spin()
	}
}

// Send transmits one byte via add_notify_wait_pop on the transmit queue
// (spec §4.7 send).
func (d *Device) Send(b byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	addr, buf := dma.Reserve(1, 1)
	defer dma.Release(addr)

	buf[0] = b

	_, err := d.tx.AddNotifyWaitPop([]virtio.Buffer{{Addr: uint64(addr), Len: 1}})
	return err
}

// EmergencyWrite writes a single byte directly to the emerg_wr
// configuration-space register, bypassing the transmit queue entirely —
// intended for panic/early-boot diagnostics when the queue may not be
// serviceable (spec SPEC_FULL §12).
func (d *Device) EmergencyWrite(b byte) {
	d.transport.WriteConfig8(regEmergWrite, b)
}
