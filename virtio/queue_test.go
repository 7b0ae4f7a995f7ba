// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import "testing"

func newTestQueue(t *testing.T, size uint16) (*Queue, *fakeTransport) {
	t.Helper()

	ft := &fakeTransport{maxSize: size}

	q, err := NewQueue(ft, 0, size)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	return q, ft
}

func TestNewQueueInitialState(t *testing.T) {
	q, _ := newTestQueue(t, 16)

	if q.AvailableDescriptors() != 16 {
		t.Fatalf("expected 16 free descriptors, got %d", q.AvailableDescriptors())
	}

	flags, idx := q.page.availFlagsIdx()
	if flags != 0 || idx != 0 {
		t.Fatalf("expected avail flags=0 idx=0, got flags=%d idx=%d", flags, idx)
	}

	_, uidx := q.page.usedFlagsIdx()
	if uidx != 0 {
		t.Fatalf("expected used idx=0, got %d", uidx)
	}

	if q.lastSeenUsed != 0 {
		t.Fatalf("expected lastSeenUsed=0, got %d", q.lastSeenUsed)
	}

	for i, v := range q.free {
		if v != uint16(i) {
			t.Fatalf("expected free list in order 0..N, got %v", q.free)
		}
	}
}

func TestNewQueueAlreadyUsed(t *testing.T) {
	ft := &fakeTransport{maxSize: 16, used: true}

	_, err := NewQueue(ft, 0, 16)
	if err != ErrAlreadyUsed {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
}

func TestNewQueueInvalidSize(t *testing.T) {
	ft := &fakeTransport{maxSize: 16}

	if _, err := NewQueue(ft, 0, 17); err != ErrInvalidParam {
		t.Fatalf("expected ErrInvalidParam for non-power-of-two size, got %v", err)
	}

	ft2 := &fakeTransport{maxSize: 8}
	if _, err := NewQueue(ft2, 0, 16); err != ErrInvalidParam {
		t.Fatalf("expected ErrInvalidParam for size exceeding device max, got %v", err)
	}
}

// simulateDeviceCompletion mimics the device side: marks the used ring
// entry at position idx (mod size) as completed for the given descriptor
// token/length and bumps used.idx by one.
func simulateDeviceCompletion(q *Queue, token uint16, length uint32) {
	_, idx := q.page.usedFlagsIdx()
	off := q.page.usedOff + 4 + int(idx%q.size)*8
	putUint32 := func(b []byte, v uint32) {
		b[0] = byte(v)
		b[1] = byte(v >> 8)
		b[2] = byte(v >> 16)
		b[3] = byte(v >> 24)
	}
	putUint32(q.page.buf[off:], uint32(token))
	putUint32(q.page.buf[off+4:], length)
	q.page.buf[q.page.usedOff+2] = byte(idx + 1)
	q.page.buf[q.page.usedOff+3] = byte((idx + 1) >> 8)
}

func TestAddQueueFullMutatesNoState(t *testing.T) {
	q, _ := newTestQueue(t, 2)

	chain := []Buffer{{Addr: 0x1000, Len: 8}, {Addr: 0x1008, Len: 8}, {Addr: 0x1010, Len: 8}}

	before := append([]uint16(nil), q.free...)

	_, err := q.Add(chain)
	if err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	if len(q.free) != len(before) {
		t.Fatalf("Add mutated free list on failure: before=%v after=%v", before, q.free)
	}

	_, idx := q.page.availFlagsIdx()
	if idx != 0 {
		t.Fatalf("Add mutated avail.idx on failure: %d", idx)
	}
}

func TestPopUsedNotReady(t *testing.T) {
	q, _ := newTestQueue(t, 4)

	if _, err := q.PopUsed(0); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestAddPopUsedRoundTrip(t *testing.T) {
	q, ft := newTestQueue(t, 4)

	token, err := q.Add([]Buffer{{Addr: 0x2000, Len: 512, Flags: DescWrite}})
	if err != nil {
		t.Fatal(err)
	}

	if !q.ShouldNotify() {
		t.Fatal("expected ShouldNotify to be true by default (used.flags==0)")
	}

	simulateDeviceCompletion(q, token, 512)

	if !q.CanPop(token) {
		t.Fatal("expected CanPop to be true after device completion")
	}

	length, err := q.PopUsed(token)
	if err != nil {
		t.Fatal(err)
	}

	if length != 512 {
		t.Fatalf("expected length 512, got %d", length)
	}

	if len(q.free) != 4 {
		t.Fatalf("expected descriptor to be returned to free list, got %d free", len(q.free))
	}

	if ft.notifyCount != 0 {
		t.Fatal("Add itself must not notify; AddNotifyWaitPop does")
	}
}

// TestFreeListInvariant checks: |free| + sum(published chains) == N at
// every quiescent point (spec §8).
func TestFreeListInvariant(t *testing.T) {
	q, _ := newTestQueue(t, 8)

	const N = 8
	tokens := []uint16{}

	for i := 0; i < 3; i++ {
		tok, err := q.Add([]Buffer{{Addr: uint64(i * 16), Len: 16}})
		if err != nil {
			t.Fatal(err)
		}
		tokens = append(tokens, tok)
	}

	published := len(tokens)
	if len(q.free)+published != N {
		t.Fatalf("invariant broken: free=%d published=%d N=%d", len(q.free), published, N)
	}

	// pop out of order: second, then first, then third
	order := []int{1, 0, 2}
	for _, i := range order {
		simulateDeviceCompletion(q, tokens[i], 16)
		if _, err := q.PopUsed(tokens[i]); err != nil {
			t.Fatalf("PopUsed(%d): %v", tokens[i], err)
		}
		published--

		if len(q.free)+published != N {
			t.Fatalf("invariant broken after pop: free=%d published=%d N=%d", len(q.free), published, N)
		}
	}

	if len(q.free) != N {
		t.Fatalf("expected all descriptors free after draining, got %d", len(q.free))
	}
}

// TestWrapping exercises 65536 add/pop cycles on a size-16 queue, checking
// the engine remains correct across a full 16-bit index wrap (spec §8).
func TestWrapping(t *testing.T) {
	q, _ := newTestQueue(t, 16)

	for i := 0; i < 65536; i++ {
		token, err := q.Add([]Buffer{{Addr: uint64(i), Len: 4, Flags: DescWrite}})
		if err != nil {
			t.Fatalf("iteration %d: Add: %v", i, err)
		}

		simulateDeviceCompletion(q, token, 4)

		if !q.CanPop(token) {
			t.Fatalf("iteration %d: CanPop false", i)
		}

		length, err := q.PopUsed(token)
		if err != nil {
			t.Fatalf("iteration %d: PopUsed: %v", i, err)
		}

		if length != 4 {
			t.Fatalf("iteration %d: expected length 4, got %d", i, length)
		}
	}

	if len(q.free) != 16 {
		t.Fatalf("expected 16 free descriptors after wraparound, got %d", len(q.free))
	}
}

func TestPeekUsedDoesNotConsume(t *testing.T) {
	q, _ := newTestQueue(t, 4)

	token, err := q.Add([]Buffer{{Addr: 0x3000, Len: 64, Flags: DescWrite}})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := q.PeekUsed(); ok {
		t.Fatal("expected no used entry yet")
	}

	simulateDeviceCompletion(q, token, 64)

	peeked, ok := q.PeekUsed()
	if !ok || peeked != token {
		t.Fatalf("expected PeekUsed to return %d, got %d ok=%v", token, peeked, ok)
	}

	// peeking must not consume: PopUsed should still work afterwards.
	if _, err := q.PopUsed(token); err != nil {
		t.Fatalf("PopUsed after PeekUsed: %v", err)
	}
}
