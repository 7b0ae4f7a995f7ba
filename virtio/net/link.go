// VirtIO network card driver — gVisor netstack adapter
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package net

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// ethHeaderLen is the size of a standard Ethernet II frame header:
// destination(6) + source(6) + ethertype(2).
const ethHeaderLen = 14

// Link adapts a Buffered VirtIO network device to a gVisor channel
// endpoint, following the same pattern the teacher's USB Ethernet NIC
// uses to bridge a raw link to gVisor's tcpip stack (imx6/usb/ethernet's
// ECMRx/ECMTx), substituting the VirtIO receive/transmit trio for the
// USB endpoint callbacks.
type Link struct {
	// Host is the peer's Ethernet address (the side gVisor frames are
	// addressed to).
	Host [6]byte
	// Device is this device's own Ethernet address.
	Device [6]byte

	// Endpoint is the gVisor channel endpoint packets are injected into
	// (on receive) and read from (on transmit).
	Endpoint *channel.Endpoint

	net *Buffered
}

// NewLink wires a Buffered VirtIO network device to a fresh gVisor
// channel endpoint of the given queue depth and MTU.
func NewLink(device *Buffered, host, self [6]byte, queueDepth int, mtu uint32) *Link {
	return &Link{
		Host:     host,
		Device:   self,
		Endpoint: channel.New(queueDepth, mtu, tcpip.LinkAddress(self[:])),
		net:      device,
	}
}

// DeliverInbound reads one frame from the VirtIO receive path and injects
// it into the gVisor stack, splitting the Ethernet header from the
// payload the way ECMRx does for USB Ethernet.
func (l *Link) DeliverInbound(buf []byte) error {
	n, err := l.net.Receive(buf)
	if err != nil {
		return err
	}

	if n < ethHeaderLen {
		return nil
	}

	frame := buf[:n]

	hdr := buffer.NewViewFromBytes(frame[:ethHeaderLen])
	proto := tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(frame[12:14]))
	payload := buffer.NewViewFromBytes(frame[ethHeaderLen:])

	pkt := &stack.PacketBuffer{
		LinkHeader: hdr,
		Data:       payload.ToVectorisedView(),
	}

	l.Endpoint.InjectInbound(proto, pkt)

	return nil
}

// DeliverOutbound reads one outbound packet queued by gVisor and
// transmits it over the VirtIO network device, prefixing the Ethernet
// header the way ECMTx does for USB Ethernet.
func (l *Link) DeliverOutbound() error {
	info, ok := l.Endpoint.Read()
	if !ok {
		return nil
	}

	hdr := info.Pkt.Header.View()
	payload := info.Pkt.Data.ToView()

	proto := make([]byte, 2)
	binary.BigEndian.PutUint16(proto, uint16(info.Proto))

	frame := make([]byte, HeaderLen, HeaderLen+ethHeaderLen+len(hdr)+len(payload))
	frame = append(frame, l.Host[:]...)
	frame = append(frame, l.Device[:]...)
	frame = append(frame, proto...)
	frame = append(frame, hdr...)
	frame = append(frame, payload...)

	return l.net.Send(frame)
}
