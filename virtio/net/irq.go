// VirtIO network card driver — interrupt/driver coordination
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package net

import "sync"

// completion records a finished receive's header/packet length split, as
// observed by the IRQ handler but not yet consumed by the main loop.
type completion struct {
	headerLen int
	packetLen int
}

// Handler is the single point where driver-thread and interrupt-context
// meet for the net device (spec §5): on external IRQ it acknowledges the
// transport, polls every outstanding receive token, and stashes completed
// (header_len, packet_len) pairs into a lock-guarded table the main loop
// drains.
type Handler struct {
	mu sync.Mutex

	raw     *Raw
	pending map[uint16]completion
	tokens  []uint16
}

// NewHandler creates an IRQ handler that tracks no receive tokens yet;
// register them with Track.
func NewHandler(raw *Raw) *Handler {
	return &Handler{raw: raw, pending: make(map[uint16]completion)}
}

// Track registers a receive token the handler should poll on the next
// interrupt.
func (h *Handler) Track(token uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.tokens = append(h.tokens, token)
}

// HandleIRQ acknowledges the transport and polls every tracked token,
// moving any that completed into the pending completion table (spec §5
// "Interrupt handling"). Must be safe to call from trap context.
func (h *Handler) HandleIRQ(transport interface {
	AckInterrupt() (used bool, config bool, ok bool)
}) {
	if _, _, ok := transport.AckInterrupt(); !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	remaining := h.tokens[:0]

	for _, token := range h.tokens {
		if !h.raw.PollReceive(token) {
			remaining = append(remaining, token)
			continue
		}

		length, err := h.raw.rx.GetDescLen(token)
		if err != nil {
			continue
		}

		headerLen := HeaderLen
		packetLen := int(length) - HeaderLen
		if packetLen < 0 {
			headerLen = 0
			packetLen = 0
		}

		h.pending[token] = completion{headerLen: headerLen, packetLen: packetLen}
	}

	h.tokens = remaining
}

// Take returns and removes the stashed completion for token, if any,
// for the main loop to consume (spec §5).
func (h *Handler) Take(token uint16) (headerLen int, packetLen int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.pending[token]
	if ok {
		delete(h.pending, token)
	}

	return c.headerLen, c.packetLen, ok
}
