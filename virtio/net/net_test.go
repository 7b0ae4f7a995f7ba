// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package net

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Flags: 1, GSOType: 2, HdrLen: 10, GSOSize: 0, CsumStart: 0, CsumOffset: 0}

	buf := make([]byte, HeaderLen)
	h.encode(buf)

	got := decodeHeader(buf)

	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestReceiveCompleteHeaderLen(t *testing.T) {
	r := &Raw{}

	// a PopUsed call is required to reach ReceiveComplete's short-length
	// check, which this package's tests do not set up, so this test only
	// pins the HeaderLen constant that check compares against.
	if HeaderLen != 10 {
		t.Fatalf("expected HeaderLen=10, got %d", HeaderLen)
	}

	_ = r
}

func TestMinBufferLens(t *testing.T) {
	if MinReceiveBufferLen != 1526 {
		t.Fatalf("expected MinReceiveBufferLen=1526, got %d", MinReceiveBufferLen)
	}
	if MinTransmitBufferLen != HeaderLen {
		t.Fatalf("expected MinTransmitBufferLen == HeaderLen")
	}
}
