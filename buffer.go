package evloop

import "io"

// extent is a single heap region in the buffer chain. Bytes between
// readOff and writeOff are readable; bytes past writeOff are appendable.
type extent struct {
	data     []byte
	readOff  int
	writeOff int
	prev     *extent
	next     *extent
}

func newExtent(size int) *extent {
	return &extent{data: make([]byte, size)}
}

func (e *extent) readable() int    { return e.writeOff - e.readOff }
func (e *extent) appendable() int  { return len(e.data) - e.writeOff }
func (e *extent) prependable() int { return e.readOff }

// Buffer is a non-contiguous byte queue backed by a circular doubly-linked
// list of extents with a sentinel head. Only the tail extent is appended
// into and only the head extent is consumed from, so slices handed out by
// PeekExtents stay valid until the next mutating call.
type Buffer struct {
	head *extent
	size int
}

func NewBuffer() *Buffer {
	b := &Buffer{}
	b.lazyInit()
	return b
}

func (b *Buffer) lazyInit() {
	if b.head == nil {
		b.head = &extent{}
		b.head.prev = b.head
		b.head.next = b.head
	}
}

func (b *Buffer) listEmpty() bool {
	return b.head == nil || b.head.next == b.head
}

func (b *Buffer) reset() {
	b.head.prev = b.head
	b.head.next = b.head
	b.size = 0
}

// linkBack inserts the chain [first, last] before the sentinel.
func (b *Buffer) linkBack(first, last *extent) {
	first.prev = b.head.prev
	first.prev.next = first
	last.next = b.head
	b.head.prev = last
}

// linkFront inserts the chain [first, last] after the sentinel.
func (b *Buffer) linkFront(first, last *extent) {
	last.next = b.head.next
	last.next.prev = last
	first.prev = b.head
	b.head.next = first
}

func (b *Buffer) unlink(e *extent) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}

func (b *Buffer) Size() int { return b.size }

func (b *Buffer) Empty() bool { return b.size == 0 }

// Append copies p to the tail of the buffer.
func (b *Buffer) Append(p []byte) {
	b.lazyInit()
	remain := p
	for len(remain) > 0 {
		tail := b.head.prev
		if b.listEmpty() || tail.appendable() == 0 {
			tail = newExtent(len(remain))
			b.linkBack(tail, tail)
		}
		n := copy(tail.data[tail.writeOff:], remain)
		tail.writeOff += n
		remain = remain[n:]
	}
	b.size += len(p)
}

// AppendString copies s to the tail of the buffer.
func (b *Buffer) AppendString(s string) {
	b.Append([]byte(s))
}

// AppendBuffer splices the contents of o to the tail of b in O(1) and
// leaves o empty.
func (b *Buffer) AppendBuffer(o *Buffer) {
	b.lazyInit()
	o.lazyInit()
	if o.listEmpty() {
		return
	}
	first, last := o.head.next, o.head.prev
	b.linkBack(first, last)
	b.size += o.size
	o.reset()
}

// Prepend copies p to the front of the buffer.
func (b *Buffer) Prepend(p []byte) {
	b.lazyInit()
	remain := len(p)
	for remain > 0 {
		var front *extent
		if !b.listEmpty() {
			front = b.head.next
		}
		if front == nil || front.prependable() == 0 {
			front = newExtent(remain)
			n := copy(front.data, p[:remain])
			front.writeOff = n
			b.linkFront(front, front)
			remain -= n
			continue
		}
		n := front.prependable()
		if n > remain {
			n = remain
		}
		copy(front.data[front.readOff-n:front.readOff], p[remain-n:remain])
		front.readOff -= n
		remain -= n
	}
	b.size += len(p)
}

// PrependString copies s to the front of the buffer.
func (b *Buffer) PrependString(s string) {
	b.Prepend([]byte(s))
}

// PrependBuffer splices the contents of o to the front of b in O(1) and
// leaves o empty.
func (b *Buffer) PrependBuffer(o *Buffer) {
	b.lazyInit()
	o.lazyInit()
	if o.listEmpty() {
		return
	}
	first, last := o.head.next, o.head.prev
	b.linkFront(first, last)
	b.size += o.size
	o.reset()
}

func (b *Buffer) copyOut(p []byte, consume bool) int {
	b.lazyInit()
	total := 0
	cur := b.head.next
	for cur != b.head && total < len(p) {
		n := copy(p[total:], cur.data[cur.readOff:cur.writeOff])
		total += n
		if consume {
			cur.readOff += n
			next := cur.next
			if cur.readable() == 0 {
				b.unlink(cur)
			}
			cur = next
		} else {
			cur = cur.next
		}
	}
	if consume {
		b.size -= total
	}
	return total
}

// Read copies up to len(p) bytes from the head of the buffer into p,
// consuming them. Returns io.EOF if the buffer is empty and len(p) > 0.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.size == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return b.copyOut(p, true), nil
}

// Peek copies up to len(p) bytes from the head of the buffer into p
// without consuming them.
func (b *Buffer) Peek(p []byte) int {
	return b.copyOut(p, false)
}

// PeekExtents returns slices describing up to max readable bytes in place.
// The slices are valid until the next mutating call on the buffer.
func (b *Buffer) PeekExtents(max int) [][]byte {
	b.lazyInit()
	var extents [][]byte
	remain := max
	for cur := b.head.next; cur != b.head && remain > 0; cur = cur.next {
		n := cur.readable()
		if n == 0 {
			continue
		}
		if n > remain {
			n = remain
		}
		extents = append(extents, cur.data[cur.readOff:cur.readOff+n])
		remain -= n
	}
	return extents
}

// Reserve guarantees at least n bytes of writable tail space, allocating a
// new tail extent for any shortfall.
func (b *Buffer) Reserve(n int) {
	b.lazyInit()
	avail := 0
	if !b.listEmpty() {
		avail = b.head.prev.appendable()
	}
	if avail >= n {
		return
	}
	e := newExtent(n - avail)
	b.linkBack(e, e)
}

// ReserveExtents reserves n bytes of tail space and returns the writable
// slices covering it, for scatter reads. Use Commit to make filled bytes
// readable. The slices are valid until the next mutating call.
func (b *Buffer) ReserveExtents(n int) [][]byte {
	b.Reserve(n)
	var extents [][]byte
	remain := n
	for cur := b.head.prev; cur != b.head && remain > 0; cur = cur.prev {
		avail := cur.appendable()
		if avail == 0 {
			break
		}
		if avail > remain {
			avail = remain
		}
		extents = append([][]byte{cur.data[cur.writeOff : cur.writeOff+avail]}, extents...)
		remain -= avail
	}
	return extents
}

// Commit marks n bytes of previously reserved tail space as readable.
func (b *Buffer) Commit(n int) {
	b.lazyInit()
	remain := n
	for cur := b.head.next; cur != b.head && remain > 0; cur = cur.next {
		adv := cur.appendable()
		if adv == 0 {
			continue
		}
		if adv > remain {
			adv = remain
		}
		cur.writeOff += adv
		remain -= adv
	}
	b.size += n - remain
}

// Drain discards up to n bytes from the head of the buffer, saturating at
// Size. Returns the number of bytes discarded.
func (b *Buffer) Drain(n int) int {
	b.lazyInit()
	remain := n
	for remain > 0 && !b.listEmpty() {
		cur := b.head.next
		consume := cur.readable()
		if consume > remain {
			consume = remain
		}
		cur.readOff += consume
		remain -= consume
		if cur.readable() > 0 {
			break
		}
		if cur != b.head.prev || cur.appendable() == 0 {
			b.unlink(cur)
			continue
		}
		// Tail extent with reserved space left; keep it for appends.
		break
	}
	drained := n - remain
	b.size -= drained
	return drained
}
