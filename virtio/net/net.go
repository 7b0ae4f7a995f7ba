// VirtIO network card driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package net implements the VirtIO network device driver (spec §4.10): a
// receive and a transmit queue, each frame prefixed with a 10-byte virtio-
// net header, split into a raw descriptor-level layer and a buffered
// per-slot layer on top of it.
package net

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"

	"github.com/usbarmory/virtio-drivers/dma"
	"github.com/usbarmory/virtio-drivers/virtio"
)

// HeaderLen is the size of the virtio-net packet header prefixed to every
// frame on both paths (spec §4.10).
const HeaderLen = 10

// MinReceiveBufferLen is the minimum size a receive buffer must be (spec
// §4.10: "Min receive buffer = 1526 bytes").
const MinReceiveBufferLen = 1526

// MinTransmitBufferLen is the minimum size a transmit buffer must be (the
// header alone, spec §4.10).
const MinTransmitBufferLen = HeaderLen

const featureMAC = 5

// Header is the virtio-net packet header (spec §4.10).
type Header struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CsumStart  uint16
	CsumOffset uint16
}

func (h *Header) encode(buf []byte) {
	buf[0] = h.Flags
	buf[1] = h.GSOType
	binary.LittleEndian.PutUint16(buf[2:], h.HdrLen)
	binary.LittleEndian.PutUint16(buf[4:], h.GSOSize)
	binary.LittleEndian.PutUint16(buf[6:], h.CsumStart)
	binary.LittleEndian.PutUint16(buf[8:], h.CsumOffset)
}

func decodeHeader(buf []byte) Header {
	return Header{
		Flags:      buf[0],
		GSOType:    buf[1],
		HdrLen:     binary.LittleEndian.Uint16(buf[2:]),
		GSOSize:    binary.LittleEndian.Uint16(buf[4:]),
		CsumStart:  binary.LittleEndian.Uint16(buf[6:]),
		CsumOffset: binary.LittleEndian.Uint16(buf[8:]),
	}
}

// Raw is the descriptor-level network layer (spec §4.10 "Raw"): the
// caller supplies buffers, the driver only manages descriptors.
type Raw struct {
	mu sync.Mutex

	transport *virtio.MMIO
	rx        *virtio.Queue
	tx        *virtio.Queue

	pendingTx map[uint16]uint

	// MAC is the device's negotiated (or locally generated) hardware
	// address.
	MAC net.HardwareAddr
}

// NewRaw negotiates and initializes the raw network layer over transport.
// If the MAC feature is not negotiated, a random locally-administered
// unicast MAC is generated
// (spec SPEC_FULL §12, grounded in the teacher's own net.go MAC fallback).
func NewRaw(transport *virtio.MMIO, queueSize uint16) (*Raw, error) {
	negotiated, err := transport.BeginInit(1 << featureMAC)
	if err != nil {
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

	r := &Raw{transport: transport, rx: rx, tx: tx, pendingTx: make(map[uint16]uint)}

	if negotiated&(1<<featureMAC) != 0 {
		cfg, err := transport.Config(6)
		if err != nil {
			return nil, err
		}
		r.MAC = net.HardwareAddr(cfg)
	} else {
		mac := make(net.HardwareAddr, 6)
		rand.Read(mac)
		mac[0] &= 0xfe
		mac[0] |= 0x02
		r.MAC = mac
	}

	transport.FinishInit()

	return r, nil
}

// TransmitBegin posts buf (which must already have the 10-byte header
// prefixed) to the transmit queue and returns a token (spec §4.10
// transmit_begin).
func (r *Raw) TransmitBegin(buf []byte) (uint16, error) {
	if len(buf) < MinTransmitBufferLen {
		return 0, virtio.ErrInvalidParam
	}

	addr, dmaBuf := dma.Reserve(len(buf), 1)
	copy(dmaBuf, buf)

	r.mu.Lock()
	defer r.mu.Unlock()

	token, err := r.tx.Add([]virtio.Buffer{{Addr: uint64(addr), Len: uint32(len(dmaBuf))}})
	if err != nil {
		dma.Release(addr)
		return 0, err
	}

	if r.tx.ShouldNotify() {
		r.transport.Notify(1)
	}

	r.pendingTx[token] = addr

	return token, nil
}

// PollTransmit reports whether token's transmission has completed (spec
// §4.10 poll_transmit).
func (r *Raw) PollTransmit(token uint16) bool {
	return r.tx.CanPop(token)
}

// TransmitComplete consumes token's completion and releases its DMA
// buffer, returning the number of bytes the device reports sent (spec
// §4.10 transmit_complete).
func (r *Raw) TransmitComplete(token uint16) (uint32, error) {
	r.mu.Lock()
	addr, ok := r.pendingTx[token]
	r.mu.Unlock()

	n, err := r.tx.PopUsed(token)

	if ok {
		dma.Release(addr)
		r.mu.Lock()
		delete(r.pendingTx, token)
		r.mu.Unlock()
	}

	return n, err
}

// Send is the blocking convenience wrapper around transmit_begin/
// transmit_complete (spec §4.10 send). buf must already carry the 10-byte
// header.
func (r *Raw) Send(buf []byte) error {
	token, err := r.TransmitBegin(buf)
	if err != nil {
		return err
	}

	for !r.PollTransmit(token) {
		virtio.Spin()
	}

	_, err = r.TransmitComplete(token)
	return err
}

// ReceiveBegin posts buf (at least MinReceiveBufferLen) to the receive
// queue and returns a token (spec §4.10 receive trio).
func (r *Raw) ReceiveBegin(buf []byte) (uint16, uint, error) {
	if len(buf) < MinReceiveBufferLen {
		return 0, 0, virtio.ErrInvalidParam
	}

	addr, _ := dma.Reserve(len(buf), 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	token, err := r.rx.Add([]virtio.Buffer{{Addr: uint64(addr), Len: uint32(len(buf)), Flags: virtio.DescWrite}})
	if err != nil {
		dma.Release(addr)
		return 0, 0, err
	}

	if r.rx.ShouldNotify() {
		r.transport.Notify(0)
	}

	return token, addr, nil
}

// PollReceive reports whether token's reception has completed.
func (r *Raw) PollReceive(token uint16) bool {
	return r.rx.CanPop(token)
}

// ReceiveComplete consumes token's completion, copying the received
// payload (stripped of the 10-byte header) into out, and returns
// (headerLen, packetLen). It validates the used-ring length against the
// 10-byte header per SPEC_FULL §13's open-question resolution: a length
// shorter than the header is reported as ErrIO rather than underflowing.
func (r *Raw) ReceiveComplete(token uint16, addr uint, out []byte) (int, int, error) {
	total, err := r.rx.PopUsed(token)
	if err != nil {
		return 0, 0, err
	}

	if total < HeaderLen {
		dma.Release(addr)
		return 0, 0, virtio.ErrIO
	}

	buf := make([]byte, total)
	dma.Read(addr, 0, buf)
	dma.Release(addr)

	packetLen := int(total) - HeaderLen
	if packetLen > len(out) {
		packetLen = len(out)
	}

	copy(out, buf[HeaderLen:HeaderLen+packetLen])

	return HeaderLen, packetLen, nil
}

// ReceiveWait is the blocking convenience wrapper on receive (spec §4.10
// receive_wait).
func (r *Raw) ReceiveWait(buf []byte) (int, error) {
	token, addr, err := r.ReceiveBegin(buf)
	if err != nil {
		return 0, err
	}

	for !r.PollReceive(token) {
		virtio.Spin()
	}

	_, packetLen, err := r.ReceiveComplete(token, addr, buf)
	return packetLen, err
}
