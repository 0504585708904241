package evloop

import (
	"bytes"
	"io"
	"testing"
)

func TestBufferAppendRead(t *testing.T) {
	b := NewBuffer()
	payload := []byte("the quick brown fox jumps over the lazy dog")
	b.Append(payload)
	if b.Size() != len(payload) {
		t.Fatalf("size %d != %d", b.Size(), len(payload))
	}
	out := make([]byte, len(payload))
	n, err := b.Read(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(payload) || !bytes.Equal(out, payload) {
		t.Fatalf("read %d bytes %q", n, out[:n])
	}
	if !b.Empty() {
		t.Fatalf("buffer not empty after full read")
	}
	if _, err := b.Read(out); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestBufferMultiExtentOrder(t *testing.T) {
	b := NewBuffer()
	var want []byte
	for i := 0; i < 64; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i%26)}, 17)
		b.Append(chunk)
		want = append(want, chunk...)
	}
	out := make([]byte, len(want))
	n, _ := b.Read(out)
	if n != len(want) || !bytes.Equal(out, want) {
		t.Fatalf("multi-extent read mismatch, n=%d", n)
	}
}

func TestBufferPeekIdempotent(t *testing.T) {
	b := NewBuffer()
	b.AppendString("hello world")
	first := make([]byte, 5)
	second := make([]byte, 5)
	if n := b.Peek(first); n != 5 {
		t.Fatalf("peek returned %d", n)
	}
	if n := b.Peek(second); n != 5 {
		t.Fatalf("peek returned %d", n)
	}
	if !bytes.Equal(first, second) || string(first) != "hello" {
		t.Fatalf("peeks disagree: %q vs %q", first, second)
	}
	if b.Size() != 11 {
		t.Fatalf("peek consumed bytes, size %d", b.Size())
	}
}

func TestBufferPrepend(t *testing.T) {
	b := NewBuffer()
	b.AppendString("world")
	b.PrependString("hello ")
	out := make([]byte, b.Size())
	b.Read(out)
	if string(out) != "hello world" {
		t.Fatalf("got %q", out)
	}
}

func TestBufferPrependIntoDrainedHead(t *testing.T) {
	b := NewBuffer()
	b.AppendString("abcdef")
	b.Drain(3)
	b.PrependString("xyz")
	out := make([]byte, b.Size())
	b.Read(out)
	if string(out) != "xyzdef" {
		t.Fatalf("got %q", out)
	}
}

func TestBufferSpliceEmptiesDonor(t *testing.T) {
	a := NewBuffer()
	b := NewBuffer()
	a.AppendString("left-")
	b.AppendString("right")
	before := b.Size()
	a.AppendBuffer(b)
	if !b.Empty() {
		t.Fatalf("donor not empty after splice")
	}
	if a.Size() != 5+before {
		t.Fatalf("size %d after splice", a.Size())
	}
	out := make([]byte, a.Size())
	a.Read(out)
	if string(out) != "left-right" {
		t.Fatalf("got %q", out)
	}
}

func TestBufferPrependBuffer(t *testing.T) {
	a := NewBuffer()
	b := NewBuffer()
	a.AppendString("tail")
	b.AppendString("head-")
	a.PrependBuffer(b)
	if !b.Empty() {
		t.Fatalf("donor not empty after splice")
	}
	out := make([]byte, a.Size())
	a.Read(out)
	if string(out) != "head-tail" {
		t.Fatalf("got %q", out)
	}
}

func TestBufferDrainSaturates(t *testing.T) {
	b := NewBuffer()
	b.AppendString("0123456789")
	if n := b.Drain(4); n != 4 {
		t.Fatalf("drained %d", n)
	}
	if n := b.Drain(100); n != 6 {
		t.Fatalf("drained %d", n)
	}
	if !b.Empty() {
		t.Fatalf("buffer not empty after saturating drain")
	}
	if n := b.Drain(1); n != 0 {
		t.Fatalf("drain on empty returned %d", n)
	}
}

func TestBufferPeekExtentsStable(t *testing.T) {
	b := NewBuffer()
	b.AppendString("first")
	b.AppendBuffer(func() *Buffer {
		o := NewBuffer()
		o.AppendString("second")
		return o
	}())
	extents := b.PeekExtents(1 << 20)
	if len(extents) < 2 {
		t.Fatalf("expected multiple extents, got %d", len(extents))
	}
	var joined []byte
	for _, e := range extents {
		joined = append(joined, e...)
	}
	if string(joined) != "firstsecond" {
		t.Fatalf("got %q", joined)
	}
	// A second peek without mutators sees the same bytes.
	again := b.PeekExtents(1 << 20)
	var joined2 []byte
	for _, e := range again {
		joined2 = append(joined2, e...)
	}
	if !bytes.Equal(joined, joined2) {
		t.Fatalf("peeks disagree")
	}
}

func TestBufferPeekExtentsBounded(t *testing.T) {
	b := NewBuffer()
	b.AppendString("0123456789")
	extents := b.PeekExtents(4)
	total := 0
	for _, e := range extents {
		total += len(e)
	}
	if total != 4 {
		t.Fatalf("peeked %d bytes", total)
	}
}

func TestBufferReserveCommit(t *testing.T) {
	b := NewBuffer()
	b.AppendString("abc")
	extents := b.ReserveExtents(16)
	total := 0
	for _, e := range extents {
		for i := range e {
			e[i] = 'z'
		}
		total += len(e)
	}
	if total < 16 {
		t.Fatalf("reserved only %d bytes", total)
	}
	b.Commit(8)
	if b.Size() != 3+8 {
		t.Fatalf("size %d after commit", b.Size())
	}
	out := make([]byte, b.Size())
	b.Read(out)
	if string(out) != "abczzzzzzzz" {
		t.Fatalf("got %q", out)
	}
}

func TestBufferSizeAccounting(t *testing.T) {
	b := NewBuffer()
	b.AppendString("aaaa")
	b.PrependString("bb")
	b.Drain(1)
	b.AppendString("c")
	if b.Size() != 6 {
		t.Fatalf("size %d", b.Size())
	}
	out := make([]byte, 6)
	n, _ := b.Read(out)
	if n != 6 || string(out) != "baaaac" {
		t.Fatalf("got %q (%d)", out[:n], n)
	}
}
