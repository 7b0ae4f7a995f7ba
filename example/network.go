// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
//
// +build tamago

package main

import (
	"log"
	netpkg "net"
	"runtime"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/usbarmory/virtio-drivers/virtio"
	virtionet "github.com/usbarmory/virtio-drivers/virtio/net"
)

const hostMAC = "1a:55:89:a2:69:42"
const deviceMAC = "1a:55:89:a2:69:41"
const networkIP = "10.0.0.1"
const networkMTU = 1500

// configureNetworkStack builds a gVisor stack bridged to a VirtIO network
// device via virtionet.Link, replacing the teacher's USB CDC-ECM bridge
// (example/usb_ethernet.go) with the VirtIO transport's raw/buffered
// layers (spec §4.10).
func configureNetworkStack(transport *virtio.MMIO, addr tcpip.Address, nic tcpip.NICID) (*stack.Stack, *virtionet.Buffered, error) {
	host, err := netpkg.ParseMAC(hostMAC)
	if err != nil {
		return nil, nil, err
	}

	device, err := netpkg.ParseMAC(deviceMAC)
	if err != nil {
		return nil, nil, err
	}

	var hostArr, deviceArr [6]byte
	copy(hostArr[:], host)
	copy(deviceArr[:], device)

	raw, err := virtionet.NewRaw(transport, 16)
	if err != nil {
		return nil, nil, err
	}

	buffered, err := virtionet.NewBuffered(raw, 16, virtionet.MinReceiveBufferLen)
	if err != nil {
		return nil, nil, err
	}

	link := virtionet.NewLink(buffered, hostArr, deviceArr, 256, networkMTU)

	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocol{
			ipv4.NewProtocol(),
			arp.NewProtocol(),
		},
		TransportProtocols: []stack.TransportProtocol{
			udp.NewProtocol(),
			icmp.NewProtocol4(),
		},
	})

	if err := s.CreateNIC(nic, link.Endpoint); err != nil {
		return nil, nil, err
	}

	if err := s.AddAddress(nic, arp.ProtocolNumber, arp.ProtocolAddress); err != nil {
		return nil, nil, err
	}

	if err := s.AddAddress(nic, ipv4.ProtocolNumber, addr); err != nil {
		return nil, nil, err
	}

	subnet, err := tcpip.NewSubnet("\x00\x00\x00\x00", "\x00\x00\x00\x00")
	if err != nil {
		return nil, nil, err
	}

	s.SetRouteTable([]tcpip.Route{{Destination: subnet, NIC: nic}})

	go pumpInbound(link)

	return s, buffered, nil
}

// pumpInbound repeatedly drains completed receive buffers into the
// gVisor stack. A real deployment would drive this from the PLIC
// interrupt line via net.Handler instead of a polling goroutine.
func pumpInbound(link *virtionet.Link) {
	buf := make([]byte, virtionet.MinReceiveBufferLen)

	for {
		if err := link.DeliverInbound(buf); err != nil {
			log.Printf("virtio-net: receive error: %v\n", err)
		}

		runtime.Gosched()
	}
}

func startICMPEndpoint(s *stack.Stack, addr tcpip.Address, port uint16, nic tcpip.NICID) error {
	var wq waiter.Queue

	fullAddr := tcpip.FullAddress{Addr: addr, Port: port, NIC: nic}
	ep, err := s.NewEndpoint(icmp.ProtocolNumber4, ipv4.ProtocolNumber, &wq)
	if err != nil {
		return err
	}

	return ep.Bind(fullAddr)
}

func startEchoServer(s *stack.Stack, addr tcpip.Address, port uint16, nic tcpip.NICID) {
	fullAddr := tcpip.FullAddress{Addr: addr, Port: port, NIC: nic}
	conn, err := gonet.DialUDP(s, &fullAddr, nil, ipv4.ProtocolNumber)
	if err != nil {
		log.Printf("udp listener error: %v\n", err)
		return
	}

	for {
		runtime.Gosched()

		buf := make([]byte, 1024)
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			log.Printf("udp recv error: %v\n", err)
			continue
		}

		if _, err := conn.WriteTo(buf[0:n], from); err != nil {
			log.Printf("udp send error: %v\n", err)
		}
	}
}

// startNetworking brings up the gVisor stack over the VirtIO network
// device and launches an ICMP responder plus a UDP echo service, mirroring
// the teacher's StartUSBEthernet test harness.
func startNetworking(transport *virtio.MMIO) {
	addr := tcpip.Address(netpkg.ParseIP(networkIP)).To4()

	s, _, err := configureNetworkStack(transport, addr, 1)
	if err != nil {
		log.Printf("virtio-net: stack setup failed: %v\n", err)
		return
	}

	if err := startICMPEndpoint(s, addr, 0, 1); err != nil {
		log.Printf("virtio-net: icmp endpoint failed: %v\n", err)
	}

	go startEchoServer(s, addr, 1234, 1)
}
