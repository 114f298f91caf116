package connector

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crss-project/crss/internal/protocol"
)

const testTimeout = 2 * time.Second

// fakeClock hands every requested timer and ticker to the test, which
// decides when they fire.
type fakeClock struct {
	afters  chan *fakeTimer
	tickers chan *fakeTicker
}

type fakeTimer struct {
	d time.Duration
	c chan time.Time
}

func (t *fakeTimer) fire() { t.c <- time.Now() }

type fakeTicker struct {
	d       time.Duration
	c       chan time.Time
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }
func (t *fakeTicker) tick()               { t.c <- time.Now() }

func newFakeClock() *fakeClock {
	return &fakeClock{
		afters:  make(chan *fakeTimer, 16),
		tickers: make(chan *fakeTicker, 16),
	}
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	t := &fakeTimer{d: d, c: make(chan time.Time, 1)}
	f.afters <- t
	return t.c
}

func (f *fakeClock) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{d: d, c: make(chan time.Time, 1)}
	f.tickers <- t
	return t
}

func (f *fakeClock) nextTimer(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case timer := <-f.afters:
		return timer
	case <-time.After(testTimeout):
		t.Fatal("no reconnect timer scheduled")
		return nil
	}
}

func (f *fakeClock) nextTicker(t *testing.T) *fakeTicker {
	t.Helper()
	select {
	case ticker := <-f.tickers:
		return ticker
	case <-time.After(testTimeout):
		t.Fatal("no keep-alive ticker started")
		return nil
	}
}

// fakeServer is a loopback TCP listener standing in for the status plugin.
type fakeServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("error initializing test listener: %v", err)
	}

	s := &fakeServer{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns <- conn
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(testTimeout):
		t.Fatal("client did not connect")
		return nil
	}
}

func (s *fakeServer) expectNoConnection(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-s.conns:
		t.Fatal("unexpected connection")
	case <-time.After(wait):
	}
}

func readFrame(t *testing.T, conn net.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	f, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return f
}

func expectFrame(t *testing.T, conn net.Conn, typ protocol.PacketType) protocol.Frame {
	t.Helper()
	f := readFrame(t, conn)
	if f.Type != typ {
		t.Fatalf("got %s frame, want %s", f.Type, typ)
	}
	return f
}

// expectSilence asserts the client sends nothing for wait.
func expectSilence(t *testing.T, conn net.Conn, wait time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	f, err := protocol.ReadFrame(conn)
	if err == nil {
		t.Fatalf("unexpected %s frame", f.Type)
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func sendFrame(t *testing.T, conn net.Conn, typ protocol.PacketType, payload []byte) {
	t.Helper()
	if err := protocol.WriteFrame(conn, typ, payload); err != nil {
		t.Fatalf("failed to send %s: %v", typ, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
