//go:build unix

package netpoll

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// socketPair returns the accepted server side wrapped for raw I/O and the
// dialing client.
func socketPair(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatalf("accept failed")
	}
	wrapped, err := WrapConn(server)
	if err != nil {
		t.Fatalf("WrapConn: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return wrapped, client
}

// waitFor polls until an event for fd satisfying match arrives.
func waitFor(t *testing.T, p Poller, fd int, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := p.Poll(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("%s Poll: %v", p.Name(), err)
		}
		for _, ev := range events {
			if ev.FD == fd && match(ev) {
				return ev
			}
		}
	}
	t.Fatalf("%s: no matching event for fd %d", p.Name(), fd)
	return Event{}
}

func eachBackend(t *testing.T, fn func(t *testing.T, p Poller)) {
	for _, name := range Available() {
		t.Run(name, func(t *testing.T) {
			p, err := New(name)
			if err != nil {
				t.Fatalf("New(%q): %v", name, err)
			}
			defer p.Close()
			if p.Name() != name {
				t.Errorf("Name() = %q, want %q", p.Name(), name)
			}
			fn(t, p)
		})
	}
}

func TestReadableAfterPeerWrites(t *testing.T) {
	eachBackend(t, func(t *testing.T, p Poller) {
		server, client := socketPair(t)
		if err := p.Register(server.FD(), Readable); err != nil {
			t.Fatalf("Register: %v", err)
		}

		events, err := p.Poll(20 * time.Millisecond)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		for _, ev := range events {
			if ev.FD == server.FD() {
				t.Fatalf("unexpected event before any data: %+v", ev)
			}
		}

		if _, err := client.Write([]byte("ping\n")); err != nil {
			t.Fatalf("client write: %v", err)
		}
		waitFor(t, p, server.FD(), func(ev Event) bool { return ev.Readable })

		buf := make([]byte, 64)
		n, err := server.ReadAvailable(buf)
		if err != nil {
			t.Fatalf("ReadAvailable: %v", err)
		}
		if got := string(buf[:n]); got != "ping\n" {
			t.Errorf("read %q, want %q", got, "ping\n")
		}

		n, err = server.ReadAvailable(buf)
		if err != nil || n != 0 {
			t.Errorf("drained socket read = (%d, %v), want (0, nil)", n, err)
		}
	})
}

func TestDuplicateRegister(t *testing.T) {
	eachBackend(t, func(t *testing.T, p Poller) {
		server, _ := socketPair(t)
		if err := p.Register(server.FD(), Readable); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := p.Register(server.FD(), Readable); !errors.Is(err, ErrAlreadyRegistered) {
			t.Errorf("second Register err = %v, want ErrAlreadyRegistered", err)
		}
	})
}

func TestModifyAddsWritable(t *testing.T) {
	eachBackend(t, func(t *testing.T, p Poller) {
		server, _ := socketPair(t)
		if err := p.Modify(server.FD(), Writable); !errors.Is(err, ErrNotRegistered) {
			t.Errorf("Modify before Register err = %v, want ErrNotRegistered", err)
		}
		if err := p.Register(server.FD(), Readable); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := p.Modify(server.FD(), Readable|Writable); err != nil {
			t.Fatalf("Modify: %v", err)
		}
		waitFor(t, p, server.FD(), func(ev Event) bool { return ev.Writable })

		n, err := server.WriteAvailable([]byte("pong\n"))
		if err != nil || n != 5 {
			t.Errorf("WriteAvailable = (%d, %v), want (5, nil)", n, err)
		}
	})
}

func TestDeregisterStopsEvents(t *testing.T) {
	eachBackend(t, func(t *testing.T, p Poller) {
		server, client := socketPair(t)
		if err := p.Register(server.FD(), Readable); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := p.Deregister(server.FD()); err != nil {
			t.Fatalf("Deregister: %v", err)
		}
		if err := p.Deregister(server.FD()); err != nil {
			t.Errorf("repeated Deregister: %v", err)
		}
		if _, err := client.Write([]byte("x")); err != nil {
			t.Fatalf("client write: %v", err)
		}
		events, err := p.Poll(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		for _, ev := range events {
			if ev.FD == server.FD() {
				t.Errorf("event after Deregister: %+v", ev)
			}
		}
	})
}

func TestPeerCloseReadsEOF(t *testing.T) {
	eachBackend(t, func(t *testing.T, p Poller) {
		server, client := socketPair(t)
		if err := p.Register(server.FD(), Readable); err != nil {
			t.Fatalf("Register: %v", err)
		}
		client.Close()
		waitFor(t, p, server.FD(), func(ev Event) bool { return ev.Readable || ev.Err })

		_, err := server.ReadAvailable(make([]byte, 16))
		if !errors.Is(err, io.EOF) {
			t.Errorf("read after peer close err = %v, want io.EOF", err)
		}
	})
}

func TestPollTimeoutReturnsEmpty(t *testing.T) {
	eachBackend(t, func(t *testing.T, p Poller) {
		start := time.Now()
		events, err := p.Poll(30 * time.Millisecond)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("events = %+v, want none", events)
		}
		if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
			t.Errorf("Poll returned after %v, expected to wait for the timeout", elapsed)
		}
	})
}

func TestClosedDescriptorReportsError(t *testing.T) {
	eachBackend(t, func(t *testing.T, p Poller) {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			t.Fatalf("socket: %v", err)
		}
		if err := p.Register(fd, Readable); err != nil {
			t.Fatalf("Register: %v", err)
		}
		unix.Close(fd)
		ev := waitFor(t, p, fd, func(ev Event) bool { return ev.Err })
		if !ev.Err {
			t.Errorf("event = %+v, want Err", ev)
		}
	})
}

func TestClosedDescriptorReportedWhileOthersBusy(t *testing.T) {
	eachBackend(t, func(t *testing.T, p Poller) {
		server, client := socketPair(t)
		if _, err := client.Write([]byte("stays unread")); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := p.Register(server.FD(), Readable); err != nil {
			t.Fatalf("Register: %v", err)
		}

		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			t.Fatalf("socket: %v", err)
		}
		if err := p.Register(fd, Readable); err != nil {
			t.Fatalf("Register: %v", err)
		}
		unix.Close(fd)

		ev := waitFor(t, p, fd, func(ev Event) bool { return ev.Err })
		if !ev.Err {
			t.Errorf("event = %+v, want Err", ev)
		}
	})
}

func TestNewAutoAndUnknown(t *testing.T) {
	p, err := New("auto")
	if err != nil {
		t.Fatalf("New(auto): %v", err)
	}
	defer p.Close()
	if want := Available()[0]; p.Name() != want {
		t.Errorf("auto picked %q, want %q", p.Name(), want)
	}

	if _, err := New("kqueue-ish"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("New(unknown) err = %v, want ErrUnsupported", err)
	}
}

func TestListenerDescriptor(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	fd, err := FD(ln.(*net.TCPListener))
	if err != nil || fd < 0 {
		t.Fatalf("FD = (%d, %v)", fd, err)
	}

	p, err := New("auto")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	if err := p.Register(fd, Readable); err != nil {
		t.Fatalf("Register listener: %v", err)
	}
	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	waitFor(t, p, fd, func(ev Event) bool { return ev.Readable })
}

func TestWakerInterruptsPoll(t *testing.T) {
	eachBackend(t, func(t *testing.T, p Poller) {
		w, err := NewWaker()
		if err != nil {
			t.Fatalf("NewWaker: %v", err)
		}
		defer w.Close()
		if err := p.Register(w.FD(), Readable); err != nil {
			t.Fatalf("Register: %v", err)
		}

		go func() {
			time.Sleep(20 * time.Millisecond)
			w.Wake()
			w.Wake()
		}()
		start := time.Now()
		waitFor(t, p, w.FD(), func(ev Event) bool { return ev.Readable })
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("wakeup took %v", elapsed)
		}

		w.Drain()
		events, err := p.Poll(10 * time.Millisecond)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		for _, ev := range events {
			if ev.FD == w.FD() {
				t.Errorf("waker still readable after Drain")
			}
		}
	})
}
