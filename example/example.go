// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
//
// +build tamago

// Basic test example wiring up the VirtIO guest driver framework against
// a set of MMIO transport windows discovered from the platform device
// tree.
package main

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"time"

	"github.com/usbarmory/virtio-drivers/virtio"
	"github.com/usbarmory/virtio-drivers/virtio/block"
	"github.com/usbarmory/virtio-drivers/virtio/console"
	"github.com/usbarmory/virtio-drivers/virtio/gpu"
	"github.com/usbarmory/virtio-drivers/virtio/input"
)

const banner = "Hello from virtio-drivers!"
const verbose = true

var exit chan bool

func init() {
	log.SetFlags(0)

	if verbose {
		log.SetOutput(os.Stdout)
	} else {
		log.SetOutput(ioutil.Discard)
	}
}

// Node describes one "virtio,mmio" device-tree node: the platform
// discovery loop (external to this package, spec §6) is expected to
// populate one of these per compatible node before handing control here.
type Node struct {
	Base uint32
	Size uint32
	IRQ  int
}

// probe attempts to bring up an MMIO transport at node.Base, returning
// the *virtio.MMIOError from NewMMIO if the magic or version is wrong or
// no device is present (DeviceID==0), per spec §7's recovery policy: the
// probe driver (bringUp) logs it and continues with the next node.
func probe(node Node) (*virtio.MMIO, error) {
	io := virtio.NewDeviceIO(node.Base, node.Size)

	transport, err := virtio.NewMMIO(io, node.Size)
	if err != nil {
		return nil, err
	}

	return transport, nil
}

// bringUp walks the discovered nodes and routes each to the matching
// device package by VirtIO subsystem device ID.
func bringUp(nodes []Node) {
	const (
		deviceIDNetwork = 1
		deviceIDBlock   = 2
		deviceIDConsole = 3
		deviceIDInput   = 18
		deviceIDGPU     = 16
	)

	for _, node := range nodes {
		transport, err := probe(node)
		if err != nil {
			fmt.Printf("virtio: skipping node at %#x: %v\n", node.Base, err)
			continue
		}

		switch transport.DeviceID() {
		case deviceIDBlock:
			dev, err := block.New(transport)
			if err != nil {
				fmt.Printf("virtio-blk: init failed: %v\n", err)
				continue
			}
			fmt.Printf("virtio-blk: capacity %d sectors\n", dev.Capacity)
		case deviceIDConsole:
			if _, err := console.New(transport); err != nil {
				fmt.Printf("virtio-console: init failed: %v\n", err)
			}
		case deviceIDInput:
			if _, err := input.New(transport); err != nil {
				fmt.Printf("virtio-input: init failed: %v\n", err)
			}
		case deviceIDGPU:
			dev, err := gpu.New(transport)
			if err != nil {
				fmt.Printf("virtio-gpu: init failed: %v\n", err)
				continue
			}
			rect, err := dev.Resolution()
			if err != nil {
				fmt.Printf("virtio-gpu: resolution query failed: %v\n", err)
				continue
			}
			fmt.Printf("virtio-gpu: display %dx%d\n", rect.Width, rect.Height)

			drawStartupScreen(dev, rect)
		case deviceIDNetwork:
			startNetworking(transport)
		default:
			fmt.Printf("virtio: unhandled device id %#x at %#x\n", transport.DeviceID(), node.Base)
		}
	}
}

func main() {
	start := time.Now()
	exit = make(chan bool)
	n := 0

	fmt.Println("-- main --------------------------------------------------------------")
	fmt.Printf("%s (epoch %d)\n", banner, start.UnixNano())

	// Discovery (device-tree walking) is external to this framework
	// per spec §6; this example assumes the caller already resolved
	// MMIO windows for the QEMU virt machine's default virtio-mmio bus.
	nodes := []Node{
		{Base: 0x0a000000, Size: 0x200, IRQ: 48},
		{Base: 0x0a000200, Size: 0x200, IRQ: 49},
		{Base: 0x0a000400, Size: 0x200, IRQ: 50},
		{Base: 0x0a000600, Size: 0x200, IRQ: 51},
	}

	n++
	go func() {
		fmt.Println("-- virtio ------------------------------------------------------------")
		bringUp(nodes)
		exit <- true
	}()

	fmt.Printf("launched %d test goroutines\n", n)

	for i := 1; i <= n; i++ {
		<-exit
	}

	fmt.Printf("----------------------------------------------------------------------\n")
	fmt.Printf("completed %d goroutines (%s)\n", n, time.Since(start))
	fmt.Printf("Goodbye from virtio-drivers (%s)\n", time.Since(start))
}
