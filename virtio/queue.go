// VirtIO split virtqueue engine
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/usbarmory/virtio-drivers/dma"
)

// Descriptor flags (spec §3 Data Model).
const (
	DescNext     uint16 = 1 << 0
	DescWrite    uint16 = 1 << 1
	DescIndirect uint16 = 1 << 2
)

// PageSize is the alignment the legacy MMIO transport's queue PFN register
// requires (spec §4.5, §6).
const PageSize = 4096

// Buffer is one scatter-gather element of a request, as supplied by a
// device driver to Queue.Add. The engine computes NEXT linkage and
// descriptor indices itself; callers only set WRITE (and, in principle,
// INDIRECT, though the core does not implement indirect descriptors per
// spec.md's Non-goals).
type Buffer struct {
	Addr  uint64
	Len   uint32
	Flags uint16
}

// Transport is the subset of the MMIO transport a Queue needs: programming
// queue addresses, reading the device's maximum queue size, detecting an
// already-configured queue, and ringing the doorbell. MMIO implements it.
type Transport interface {
	QueueUsed(index int) (bool, error)
	MaxQueueSize(index int) (uint16, error)
	SetQueue(index int, size uint16, descPA, driverPA, devicePA uint64) error
	UnsetQueue(index int) error
	Notify(index int)
}

// queuePage owns the single DMA allocation backing a queue's descriptor
// table, available ring and used ring. Per spec §9's design note on
// "cyclic borrowing", it is the sole owner of the bytes and every other
// type reinterprets fixed offsets through its accessor methods rather than
// holding a long-lived typed view.
type queuePage struct {
	buf      []byte
	paddr    uint
	size     uint16
	availOff int
	usedOff  int
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func newQueuePage(size uint16) (*queuePage, error) {
	n := int(size)
	descSize := 16 * n
	availSize := 6 + 2*n // flags(2) + idx(2) + ring(2*n) + used_event(2)
	usedSize := 6 + 8*n  // flags(2) + idx(2) + ring(8*n) + avail_event(2)

	availOff := descSize
	usedOff := alignUp(availOff+availSize, PageSize)
	total := alignUp(usedOff+usedSize, PageSize)

	paddr, buf := dma.Reserve(total, PageSize)

	if paddr == 0 {
		return nil, ErrDMA
	}

	for i := range buf {
		buf[i] = 0
	}

	return &queuePage{
		buf:      buf,
		paddr:    paddr,
		size:     size,
		availOff: availOff,
		usedOff:  usedOff,
	}, nil
}

func (p *queuePage) destroy() {
	dma.Release(p.paddr)
}

func (p *queuePage) descAddr() uint64 { return uint64(p.paddr) }
func (p *queuePage) driverAddr() uint64 {
	return uint64(p.paddr + uint(p.availOff))
}
func (p *queuePage) deviceAddr() uint64 {
	return uint64(p.paddr + uint(p.usedOff))
}

func (p *queuePage) setDescriptor(i uint16, addr uint64, length uint32, flags uint16, next uint16) {
	off := int(i) * 16
	binary.LittleEndian.PutUint64(p.buf[off:], addr)
	binary.LittleEndian.PutUint32(p.buf[off+8:], length)
	binary.LittleEndian.PutUint16(p.buf[off+12:], flags)
	binary.LittleEndian.PutUint16(p.buf[off+14:], next)
}

func (p *queuePage) descriptor(i uint16) (addr uint64, length uint32, flags uint16, next uint16) {
	off := int(i) * 16
	addr = binary.LittleEndian.Uint64(p.buf[off:])
	length = binary.LittleEndian.Uint32(p.buf[off+8:])
	flags = binary.LittleEndian.Uint16(p.buf[off+12:])
	next = binary.LittleEndian.Uint16(p.buf[off+14:])
	return
}

// loadPair atomically loads a little-endian {u16,u16} pair stored back to
// back (flags followed by idx, in both the available and used ring
// headers) as one 32-bit atomic word. This is what gives
// Queue.Add / Queue.PopUsed the acquire/release ordering spec §4.4
// mandates between descriptor writes and the avail.idx bump the device
// observes, and between observing used.idx and reading the used entry it
// guards — the same role package reg's atomic.Load/StoreUint32 plays for
// MMIO registers, applied here to queue memory instead.
func loadPair(buf []byte, off int) (lo, hi uint16) {
	w := atomic.LoadUint32((*uint32)(unsafe.Pointer(&buf[off])))
	return uint16(w), uint16(w >> 16)
}

func storeHi(buf []byte, off int, hi uint16) {
	addr := (*uint32)(unsafe.Pointer(&buf[off]))
	for {
		old := atomic.LoadUint32(addr)
		next := (old &^ 0xffff0000) | (uint32(hi) << 16)
		if atomic.CompareAndSwapUint32(addr, old, next) {
			return
		}
	}
}

func storeLo(buf []byte, off int, lo uint16) {
	addr := (*uint32)(unsafe.Pointer(&buf[off]))
	for {
		old := atomic.LoadUint32(addr)
		next := (old &^ 0x0000ffff) | uint32(lo)
		if atomic.CompareAndSwapUint32(addr, old, next) {
			return
		}
	}
}

func (p *queuePage) availFlagsIdx() (flags, idx uint16) {
	return loadPair(p.buf, p.availOff)
}

func (p *queuePage) setAvailFlags(v uint16) { storeLo(p.buf, p.availOff, v) }
func (p *queuePage) setAvailIdx(v uint16)   { storeHi(p.buf, p.availOff, v) }

func (p *queuePage) setAvailRing(n uint16, id uint16) {
	off := p.availOff + 4 + int(n)*2
	binary.LittleEndian.PutUint16(p.buf[off:], id)
}

func (p *queuePage) setUsedEvent(v uint16) {
	off := p.availOff + 4 + int(p.size)*2
	binary.LittleEndian.PutUint16(p.buf[off:], v)
}

func (p *queuePage) usedFlagsIdx() (flags, idx uint16) {
	return loadPair(p.buf, p.usedOff)
}

func (p *queuePage) usedRing(n uint16) (id uint32, length uint32) {
	off := p.usedOff + 4 + int(n)*8
	id = binary.LittleEndian.Uint32(p.buf[off:])
	length = binary.LittleEndian.Uint32(p.buf[off+4:])
	return
}

// Queue is the split virtqueue engine (spec §4.4): a free-descriptor
// allocator, chain assembly, availability publication and out-of-order
// used-ring consumption, layered over a Transport and a queuePage.
type Queue struct {
	mu sync.Mutex

	transport Transport
	index     int
	size      uint16

	page *queuePage

	free         []uint16
	lastSeenUsed uint16
	popped       map[uint16]struct{}
}

func isPowerOfTwo(n uint16) bool {
	return n != 0 && n&(n-1) == 0
}

// NewQueue creates and installs a queue of the given size at the given
// index on transport (spec §4.4 create). It fails with ErrAlreadyUsed if
// the transport reports the queue already configured, and ErrInvalidParam
// if size is not a power of two, exceeds 65535, or exceeds the device's
// advertised maximum queue size.
func NewQueue(transport Transport, index int, size uint16) (*Queue, error) {
	used, err := transport.QueueUsed(index)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, ErrAlreadyUsed
	}

	if !isPowerOfTwo(size) {
		return nil, ErrInvalidParam
	}

	max, err := transport.MaxQueueSize(index)
	if err != nil {
		return nil, err
	}
	if max == 0 || size > max {
		return nil, ErrInvalidParam
	}

	page, err := newQueuePage(size)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		transport: transport,
		index:     index,
		size:      size,
		page:      page,
		popped:    make(map[uint16]struct{}),
	}

	q.free = make([]uint16, size)
	for i := uint16(0); i < size; i++ {
		q.free[i] = i
	}

	if err := transport.SetQueue(index, size, page.descAddr(), page.driverAddr(), page.deviceAddr()); err != nil {
		page.destroy()
		return nil, err
	}

	return q, nil
}

// Destroy tears the queue down: unsets it at the transport and releases
// its DMA page (spec §3 Lifecycle).
func (q *Queue) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.transport.UnsetQueue(q.index); err != nil {
		return err
	}

	q.page.destroy()
	return nil
}

// Size returns the queue's negotiated size.
func (q *Queue) Size() uint16 {
	return q.size
}

// AvailableDescriptors returns the number of free descriptor slots.
func (q *Queue) AvailableDescriptors() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.free)
}

// Add publishes a descriptor chain (spec §4.4 add). The chain is written
// into the descriptor table in reverse, so each descriptor's next points
// at the previously written one; all but the last carry DescNext. The
// head index is written into the available ring and avail.idx is bumped
// with release ordering, then returned as the token the caller must
// present to PopUsed.
func (q *Queue) Add(chain []Buffer) (uint16, error) {
	if len(chain) == 0 {
		return 0, ErrInvalidParam
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(chain)
	if n > len(q.free) {
		return 0, ErrQueueFull
	}

	popped := make([]uint16, n)
	for k := 0; k < n; k++ {
		popped[k] = q.free[0]
		q.free = q.free[1:]
	}

	var next uint16
	var head uint16

	for i := n - 1; i >= 0; i-- {
		idx := popped[n-1-i]
		flags := chain[i].Flags

		if i != n-1 {
			flags |= DescNext
			q.page.setDescriptor(idx, chain[i].Addr, chain[i].Len, flags, next)
		} else {
			flags &^= DescNext
			q.page.setDescriptor(idx, chain[i].Addr, chain[i].Len, flags, 0)
		}

		next = idx
		head = idx
	}

	_, avail := q.page.availFlagsIdx()
	q.page.setAvailRing(avail%q.size, head)
	q.page.setAvailIdx(avail + 1)

	return head, nil
}

// ShouldNotify reports whether the device has not suppressed notification
// (spec §4.4 should_notify): used.flags bit 0 clear.
func (q *Queue) ShouldNotify() bool {
	flags, _ := q.page.usedFlagsIdx()
	return flags&1 == 0
}

// CanPop reports whether token is present in the unread used-ring range
// (spec §4.4 can_pop). Purely observational.
func (q *Queue) CanPop(token uint16) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.canPopLocked(token)
}

func (q *Queue) canPopLocked(token uint16) bool {
	_, idx := q.page.usedFlagsIdx()
	if q.lastSeenUsed == idx {
		return false
	}

	for i := q.lastSeenUsed; i != idx; i++ {
		id, _ := q.page.usedRing(i % q.size)
		if uint16(id) == token {
			return true
		}
	}

	return false
}

// PeekUsed returns the head token of the first unread used-ring entry
// without consuming it (spec §4.4 peek_used).
func (q *Queue) PeekUsed() (uint16, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, idx := q.page.usedFlagsIdx()
	if idx == q.lastSeenUsed {
		return 0, false
	}

	id, _ := q.page.usedRing(q.lastSeenUsed % q.size)
	return uint16(id), true
}

// GetDescLen returns the length the device wrote for the used-ring entry
// matching token, without consuming it. Returns ErrNotReady if token is
// not yet present.
func (q *Queue) GetDescLen(token uint16) (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, idx := q.page.usedFlagsIdx()
	for i := q.lastSeenUsed; i != idx; i++ {
		id, length := q.page.usedRing(i % q.size)
		if uint16(id) == token {
			return length, nil
		}
	}

	return 0, ErrNotReady
}

// PopUsed consumes the used-ring entry for token (spec §4.4 pop_used): it
// requires the token to be present in the unread range (else ErrNotReady),
// records the entry's ring position in the out-of-order completion set,
// walks the descriptor chain returning every index to the free list, and
// advances last_seen_used past every contiguous completed position.
func (q *Queue) PopUsed(token uint16) (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, idx := q.page.usedFlagsIdx()
	if q.lastSeenUsed == idx {
		return 0, ErrNotReady
	}

	var pos uint16
	var length uint32
	found := false

	for i := q.lastSeenUsed; i != idx; i++ {
		id, l := q.page.usedRing(i % q.size)
		if uint16(id) == token {
			pos = i
			length = l
			found = true
			break
		}
	}

	if !found {
		return 0, ErrNotReady
	}

	q.popped[pos] = struct{}{}

	cur := token
	for {
		_, _, flags, next := q.page.descriptor(cur)
		q.free = append(q.free, cur)

		if flags&DescNext == 0 {
			break
		}
		cur = next
	}

	for {
		if _, ok := q.popped[q.lastSeenUsed]; !ok {
			break
		}
		delete(q.popped, q.lastSeenUsed)
		q.lastSeenUsed++
	}

	q.page.setUsedEvent(q.lastSeenUsed)

	return length, nil
}

// AddNotifyWaitPop is the convenience helper spec §4.4 describes: add,
// notify the device if it hasn't suppressed notifications, busy-wait for
// completion, then pop. Used by block writes, GPU commands and console
// transmit (spec §5: the only blocking points in the core).
func (q *Queue) AddNotifyWaitPop(chain []Buffer) (uint32, error) {
	token, err := q.Add(chain)
	if err != nil {
		return 0, err
	}

	if q.ShouldNotify() {
		q.transport.Notify(q.index)
	}

	for !q.CanPop(token) {
		spin()
	}

	return q.PopUsed(token)
}
