package evloop

import (
	"bytes"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

type testWriteCb struct {
	complete func(int)
	err      func(error)
}

func (c *testWriteCb) Complete(written int) {
	if c.complete != nil {
		c.complete(written)
	}
}

func (c *testWriteCb) Error(err error) {
	if c.err != nil {
		c.err(err)
	}
}

type testReadCb struct {
	available func(*Buffer)
	err       func(error)
	eof       func()
}

func (c *testReadCb) Available(buf *Buffer) {
	if c.available != nil {
		c.available(buf)
	}
}

func (c *testReadCb) Error(err error) {
	if c.err != nil {
		c.err(err)
	}
}

func (c *testReadCb) Eof() {
	if c.eof != nil {
		c.eof()
	}
}

type testConnectCb struct {
	complete func()
	err      func(error)
}

func (c *testConnectCb) Complete() {
	if c.complete != nil {
		c.complete()
	}
}

func (c *testConnectCb) Error(err error) {
	if c.err != nil {
		c.err(err)
	}
}

func testStream(t *testing.T, el *EventLoop, fd int) *Stream {
	t.Helper()
	s, err := NewStream(el, fd)
	if err != nil {
		t.Fatalf("can't create stream: %+v", err)
	}
	return s
}

func drainBuffer(t *testing.T, buf *Buffer, into *bytes.Buffer) {
	t.Helper()
	tmp := make([]byte, 4096)
	for !buf.Empty() {
		n, err := buf.Read(tmp)
		if err != nil {
			t.Fatalf("buffer read: %+v", err)
		}
		into.Write(tmp[:n])
	}
}

func testListenSocket(t *testing.T) (int, string) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	sa := &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(fd, sa); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(fd, 8); err != nil {
		t.Fatalf("listen: %v", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	port := bound.(*unix.SockaddrInet4).Port
	t.Cleanup(func() { unix.Close(fd) })
	return fd, fmt.Sprintf("127.0.0.1:%d", port)
}

func TestStreamWriteCompletesAndDisarms(t *testing.T) {
	el := newTestLoop(t, "write")
	a, b := testSocketpair(t)
	defer unix.Close(b)

	s := testStream(t, el, a)
	payload := []byte("hello, stream")
	var completed int
	s.Write(payload, &testWriteCb{
		complete: func(written int) { completed = written },
		err:      func(err error) { t.Errorf("write failed: %+v", err) },
	})
	el.Loop(UntilEmpty)

	if completed != len(payload) {
		t.Fatalf("completed %d of %d bytes", completed, len(payload))
	}
	if s.handler.Watched().IsWrite() {
		t.Fatalf("write readiness still armed after flush")
	}
	if s.Sent() != uint64(len(payload)) {
		t.Fatalf("sent counter %d", s.Sent())
	}

	got := make([]byte, len(payload)+1)
	n, err := unix.Read(b, got)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if !bytes.Equal(got[:n], payload) {
		t.Fatalf("peer got %q", got[:n])
	}
	s.Close()
}

func TestStreamWriteOrderAcrossRequests(t *testing.T) {
	el := newTestLoop(t, "write-order")
	a, b := testSocketpair(t)
	defer unix.Close(b)

	s := testStream(t, el, a)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		s.Write([]byte{byte('a' + i)}, &testWriteCb{
			complete: func(int) { order = append(order, i) },
		})
	}
	el.Loop(UntilEmpty)

	for i, v := range order {
		if v != i {
			t.Fatalf("completions out of order: %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("got %d completions", len(order))
	}

	got := make([]byte, 16)
	n, _ := unix.Read(b, got)
	if string(got[:n]) != "abcde" {
		t.Fatalf("peer got %q", got[:n])
	}
	s.Close()
}

func TestStreamLargeTransfer(t *testing.T) {
	el := newTestLoop(t, "large")
	a, b := testSocketpair(t)

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}

	writer := testStream(t, el, a)
	reader := testStream(t, el, b)

	var got bytes.Buffer
	reader.StartRead(&testReadCb{
		available: func(buf *Buffer) {
			drainBuffer(t, buf, &got)
			if got.Len() >= len(payload) {
				reader.StopRead()
			}
		},
		err: func(err error) { t.Errorf("read failed: %+v", err) },
	})

	writeDone := false
	writer.Write(payload, &testWriteCb{
		complete: func(int) { writeDone = true },
		err:      func(err error) { t.Errorf("write failed: %+v", err) },
	})

	for i := 0; i < 10000 && (!writeDone || got.Len() < len(payload)); i++ {
		el.Loop(Once)
	}

	if !writeDone {
		t.Fatalf("write never completed, sent %d", writer.Sent())
	}
	if !bytes.Equal(got.Bytes(), payload) {
		t.Fatalf("transfer corrupted: got %d bytes, want %d", got.Len(), len(payload))
	}
	if reader.Received() != uint64(len(payload)) {
		t.Fatalf("received counter %d", reader.Received())
	}
	writer.Close()
	reader.Close()
}

func TestStreamWriteAfterPeerClose(t *testing.T) {
	el := newTestLoop(t, "peer-close")
	a, b := testSocketpair(t)
	unix.Close(b)

	s := testStream(t, el, a)
	var failed error
	s.Write(bytes.Repeat([]byte("x"), 1<<16), &testWriteCb{
		complete: func(int) { t.Errorf("write completed against closed peer") },
		err:      func(err error) { failed = err },
	})
	el.Loop(UntilEmpty)

	if failed == nil {
		t.Fatalf("write against closed peer did not fail")
	}
	s.Close()
}

func TestStreamCloseFiresEofOnceAndDisablesOps(t *testing.T) {
	el := newTestLoop(t, "close")
	a, b := testSocketpair(t)
	defer unix.Close(b)

	s := testStream(t, el, a)
	eofs := 0
	s.StartRead(&testReadCb{eof: func() { eofs++ }})

	s.Close()
	s.Close()
	if eofs != 1 {
		t.Fatalf("eof fired %d times", eofs)
	}

	s.Write([]byte("late"), &testWriteCb{
		complete: func(int) { t.Errorf("write completed on closed stream") },
		err:      func(error) { t.Errorf("write errored on closed stream") },
	})
	s.StartRead(&testReadCb{available: func(*Buffer) { t.Errorf("read started on closed stream") }})
	el.Loop(UntilEmpty)
}

func TestStreamPeerEofDelivered(t *testing.T) {
	el := newTestLoop(t, "peer-eof")
	a, b := testSocketpair(t)

	s := testStream(t, el, a)
	var got bytes.Buffer
	eofs := 0
	s.StartRead(&testReadCb{
		available: func(buf *Buffer) { drainBuffer(t, buf, &got) },
		eof: func() {
			eofs++
			s.Close()
		},
	})

	if _, err := unix.Write(b, []byte("bye")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	unix.Close(b)
	el.Loop(UntilEmpty)

	if got.String() != "bye" {
		t.Fatalf("got %q before eof", got.String())
	}
	if eofs != 1 {
		t.Fatalf("eof fired %d times", eofs)
	}
}

func TestStreamConnect(t *testing.T) {
	el := newTestLoop(t, "connect")
	_, addr := testListenSocket(t)

	client := NewClientStream(el)
	connected := false
	client.Connect(addr, &testConnectCb{
		complete: func() { connected = true },
		err:      func(err error) { t.Errorf("connect failed: %+v", err) },
	})
	el.Loop(UntilEmpty)

	if !connected {
		t.Fatalf("connect did not complete")
	}
	if client.Fd() < 0 {
		t.Fatalf("connected stream has no descriptor")
	}
	client.Close()
}

func TestStreamConnectRefused(t *testing.T) {
	el := newTestLoop(t, "refused")
	fd, addr := testListenSocket(t)
	unix.Close(fd)

	client := NewClientStream(el)
	var failed error
	client.Connect(addr, &testConnectCb{
		complete: func() { t.Errorf("connect to dead port completed") },
		err:      func(err error) { failed = err },
	})
	el.Loop(UntilEmpty)

	if failed == nil {
		t.Fatalf("connect to dead port did not fail")
	}
	client.Close()
}

func TestStreamEchoRoundTrip(t *testing.T) {
	el := newTestLoop(t, "echo")
	listenFd, addr := testListenSocket(t)

	client := NewClientStream(el)
	client.Connect(addr, &testConnectCb{
		err: func(err error) { t.Errorf("connect failed: %+v", err) },
	})
	el.Loop(UntilEmpty)

	connFd, _, err := unix.Accept(listenFd)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	server := testStream(t, el, connFd)
	server.StartRead(&testReadCb{
		available: func(buf *Buffer) {
			data := make([]byte, buf.Size())
			if _, err := buf.Read(data); err != nil {
				t.Errorf("server read: %+v", err)
			}
			server.Write(data, nil)
		},
	})

	payload := []byte("ping over the loopback")
	var echoed bytes.Buffer
	client.StartRead(&testReadCb{
		available: func(buf *Buffer) {
			drainBuffer(t, buf, &echoed)
			if echoed.Len() >= len(payload) {
				client.Close()
				server.Close()
			}
		},
	})
	client.Write(payload, nil)
	el.Loop(UntilEmpty)

	if !bytes.Equal(echoed.Bytes(), payload) {
		t.Fatalf("echo mismatch: %q", echoed.Bytes())
	}
}
