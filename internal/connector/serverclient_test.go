package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/crss-project/crss/internal/events"
	"github.com/crss-project/crss/internal/protocol"
)

const testKey = "secret-key"

func newTestClient(t *testing.T, addr string, clock *fakeClock, bus *events.EventBus) *ServerClient {
	t.Helper()
	c := newServerClient("main", addr, Options{
		ServerKey: testKey,
		Clock:     clock,
		EventBus:  bus,
	})
	go c.run()
	t.Cleanup(c.Close)
	return c
}

// handshake accepts the client's connection and completes Hello/Ack/Info,
// reporting version 1.2.3.
func handshake(t *testing.T, srv *fakeServer, c *ServerClient) net.Conn {
	t.Helper()
	conn := srv.accept(t)

	hello := expectFrame(t, conn, protocol.PktHello)
	if string(hello.Payload) != testKey {
		t.Fatalf("hello payload = %q, want %q", hello.Payload, testKey)
	}

	sendFrame(t, conn, protocol.PktAck, []byte{byte(protocol.PktHello)})
	expectFrame(t, conn, protocol.PktInfo)
	sendFrame(t, conn, protocol.PktInfo, []byte(`{"version":"1.2.3"}`))

	waitFor(t, "version", func() bool { return c.Version() == "1.2.3" })
	return conn
}

type result[T any] struct {
	val T
	err error
}

func async[T any](fn func() (T, error)) <-chan result[T] {
	ch := make(chan result[T], 1)
	go func() {
		v, err := fn()
		ch <- result[T]{v, err}
	}()
	return ch
}

func await[T any](t *testing.T, ch <-chan result[T]) result[T] {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(testTimeout):
		t.Fatal("query did not complete")
		return result[T]{}
	}
}

func TestInitialState(t *testing.T) {
	c := newServerClient("main", "", Options{})
	if c.Address() != DefaultAddress {
		t.Fatalf("address = %q, want %q", c.Address(), DefaultAddress)
	}
	if c.Version() != "0.0.0" {
		t.Fatalf("version = %q", c.Version())
	}
	if c.Status() || c.State() != StateDisconnected {
		t.Fatalf("new client should be disconnected, got %s", c.State())
	}
}

func TestHelloIsFirstAndInfoWaitsForAck(t *testing.T) {
	srv := newFakeServer(t)
	clock := newFakeClock()
	c := newTestClient(t, srv.addr(), clock, nil)

	conn := srv.accept(t)
	hello := expectFrame(t, conn, protocol.PktHello)
	if string(hello.Payload) != testKey {
		t.Fatalf("hello payload = %q", hello.Payload)
	}

	waitFor(t, "status", c.Status)
	if c.State() != StateConnected {
		t.Fatalf("state = %s", c.State())
	}

	// Nothing else goes out until the server acks the hello.
	expectSilence(t, conn, 100*time.Millisecond)

	// An ack for some other packet type does not complete the handshake.
	sendFrame(t, conn, protocol.PktAck, []byte{byte(protocol.PktPlayers)})
	expectSilence(t, conn, 100*time.Millisecond)

	sendFrame(t, conn, protocol.PktAck, []byte{byte(protocol.PktHello)})
	info := expectFrame(t, conn, protocol.PktInfo)
	if len(info.Payload) != 0 {
		t.Fatalf("info request payload = %q", info.Payload)
	}

	sendFrame(t, conn, protocol.PktInfo, []byte(`{"version":"1.2.3"}`))
	waitFor(t, "version", func() bool { return c.Version() == "1.2.3" })
}

func TestGetInfoResolves(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv.addr(), newFakeClock(), nil)
	conn := handshake(t, srv, c)

	ch := async(func() (ServerInfo, error) { return c.GetInfo(context.Background()) })

	expectFrame(t, conn, protocol.PktInfo)
	sendFrame(t, conn, protocol.PktInfo,
		[]byte(`{"version":"1.2.3","players":{"online":3,"max":20},"worlds":["world","nether"]}`))

	r := await(t, ch)
	if r.err != nil {
		t.Fatalf("GetInfo: %v", r.err)
	}
	want := ServerInfo{
		Version: "1.2.3",
		Players: PlayerCounts{Online: 3, Max: 20},
		Worlds:  []string{"world", "nether"},
	}
	if diff := deep.Equal(r.val, want); diff != nil {
		t.Fatal(diff)
	}
}

func TestGetPlayerResolvesOnceAndHandlerIsRemoved(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv.addr(), newFakeClock(), nil)
	conn := handshake(t, srv, c)

	ch := async(func() (Player, error) { return c.GetPlayer(context.Background(), "abc") })

	req := expectFrame(t, conn, protocol.PktPlayer)
	if string(req.Payload) != "abc" {
		t.Fatalf("player request payload = %q", req.Payload)
	}
	sendFrame(t, conn, protocol.PktPlayer, []byte(`{"uuid":"abc","name":"Steve"}`))

	r := await(t, ch)
	if r.err != nil {
		t.Fatalf("GetPlayer: %v", r.err)
	}
	if diff := deep.Equal(r.val, Player{UUID: "abc", Name: "Steve"}); diff != nil {
		t.Fatal(diff)
	}

	// A stray second response has no waiter and must not leak into the
	// next request. The Players round trip guarantees it was consumed.
	sendFrame(t, conn, protocol.PktPlayer, []byte(`{"uuid":"stale","name":"Alex"}`))

	players := async(func() ([]string, error) { return c.GetPlayers(context.Background()) })
	expectFrame(t, conn, protocol.PktPlayers)
	sendFrame(t, conn, protocol.PktPlayers, []byte(`["abc","def"]`))
	pr := await(t, players)
	if pr.err != nil {
		t.Fatalf("GetPlayers: %v", pr.err)
	}
	if diff := deep.Equal(pr.val, []string{"abc", "def"}); diff != nil {
		t.Fatal(diff)
	}

	ch = async(func() (Player, error) { return c.GetPlayer(context.Background(), "def") })
	expectFrame(t, conn, protocol.PktPlayer)
	sendFrame(t, conn, protocol.PktPlayer, []byte(`{"uuid":"def","name":"Notch"}`))
	r = await(t, ch)
	if r.err != nil || r.val.UUID != "def" {
		t.Fatalf("second GetPlayer = %+v, %v", r.val, r.err)
	}
}

func TestQueriesFailFastWhenDisconnected(t *testing.T) {
	c := newServerClient("main", "127.0.0.1:1", Options{})
	ctx := context.Background()

	if _, err := c.GetInfo(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("GetInfo: %v", err)
	}
	if _, err := c.GetPlayers(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("GetPlayers: %v", err)
	}
	if _, err := c.GetPlayer(ctx, "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("GetPlayer: %v", err)
	}
}

func TestByeDisconnectsAndRetriesAfterSixtySeconds(t *testing.T) {
	srv := newFakeServer(t)
	clock := newFakeClock()
	bus := events.NewEventBus()
	disconnects := make(chan events.DisconnectPayload, 4)
	bus.Subscribe(events.EventServerDisconnected, "test", func(ctx context.Context, e events.Event) error {
		disconnects <- e.Payload.(events.DisconnectPayload)
		return nil
	})

	c := newTestClient(t, srv.addr(), clock, bus)
	conn := srv.accept(t)
	expectFrame(t, conn, protocol.PktHello)
	ticker := clock.nextTicker(t)

	sendFrame(t, conn, protocol.PktBye, nil)

	timer := clock.nextTimer(t)
	if timer.d != 60*time.Second {
		t.Fatalf("reconnect delay = %s, want 60s", timer.d)
	}
	if c.Status() || c.State() != StateDisconnected {
		t.Fatalf("client still connected after bye (%s)", c.State())
	}
	if !ticker.stopped.Load() {
		t.Fatal("keep-alive ticker not stopped")
	}

	// Queries are refused and nothing is written: the socket is closed.
	if _, err := c.GetInfo(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("GetInfo after bye: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if f, err := protocol.ReadFrame(conn); err == nil {
		t.Fatalf("client sent %s after bye", f.Type)
	}
	srv.expectNoConnection(t, 100*time.Millisecond)

	select {
	case d := <-disconnects:
		if d.Reason != events.ReasonBye || d.RetryIn != 60*time.Second {
			t.Fatalf("disconnect event = %+v", d)
		}
	case <-time.After(testTimeout):
		t.Fatal("no disconnect event")
	}

	timer.fire()
	conn2 := srv.accept(t)
	expectFrame(t, conn2, protocol.PktHello)
	waitFor(t, "reconnect", c.Status)
}

func TestTransportErrorRetriesAfterFiveSeconds(t *testing.T) {
	srv := newFakeServer(t)
	clock := newFakeClock()
	c := newTestClient(t, srv.addr(), clock, nil)
	conn := handshake(t, srv, c)

	conn.Close()

	timer := clock.nextTimer(t)
	if timer.d != 5*time.Second {
		t.Fatalf("reconnect delay = %s, want 5s", timer.d)
	}
	if c.Status() {
		t.Fatal("client still connected after socket error")
	}
	if c.Version() != "1.2.3" {
		t.Fatalf("version lost across disconnect: %q", c.Version())
	}

	timer.fire()
	conn2 := srv.accept(t)
	expectFrame(t, conn2, protocol.PktHello)
}

func TestDialFailureRetriesForever(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	clock := newFakeClock()
	c := newTestClient(t, addr, clock, nil)

	for i := 0; i < 3; i++ {
		timer := clock.nextTimer(t)
		if timer.d != 5*time.Second {
			t.Fatalf("attempt %d: delay = %s, want 5s", i, timer.d)
		}
		if c.Status() {
			t.Fatal("status true without a connection")
		}
		timer.fire()
	}
}

func TestPendingQueryRejectedOnConnectionLoss(t *testing.T) {
	srv := newFakeServer(t)
	clock := newFakeClock()
	c := newTestClient(t, srv.addr(), clock, nil)
	conn := handshake(t, srv, c)

	ch := async(func() ([]string, error) { return c.GetPlayers(context.Background()) })
	expectFrame(t, conn, protocol.PktPlayers)
	conn.Close()

	r := await(t, ch)
	if !errors.Is(r.err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", r.err)
	}
}

func TestSameTypeRequestSupersedesEarlierWaiter(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv.addr(), newFakeClock(), nil)
	conn := handshake(t, srv, c)

	first := async(func() (ServerInfo, error) { return c.GetInfo(context.Background()) })
	expectFrame(t, conn, protocol.PktInfo)

	second := async(func() (ServerInfo, error) { return c.GetInfo(context.Background()) })
	expectFrame(t, conn, protocol.PktInfo)

	if r := await(t, first); !errors.Is(r.err, ErrSuperseded) {
		t.Fatalf("first waiter: expected ErrSuperseded, got %v", r.err)
	}

	sendFrame(t, conn, protocol.PktInfo, []byte(`{"version":"2.0.0"}`))
	r := await(t, second)
	if r.err != nil || r.val.Version != "2.0.0" {
		t.Fatalf("second waiter = %+v, %v", r.val, r.err)
	}
}

func TestPollInfoSharesPendingResponse(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv.addr(), newFakeClock(), nil)
	conn := handshake(t, srv, c)

	user := async(func() (ServerInfo, error) { return c.GetInfo(context.Background()) })
	expectFrame(t, conn, protocol.PktInfo)

	poll := async(func() (ServerInfo, error) { return c.PollInfo(context.Background()) })
	expectSilence(t, conn, 100*time.Millisecond)

	sendFrame(t, conn, protocol.PktInfo, []byte(`{"version":"2.0.0"}`))

	for name, ch := range map[string]<-chan result[ServerInfo]{"user": user, "poll": poll} {
		r := await(t, ch)
		if r.err != nil || r.val.Version != "2.0.0" {
			t.Errorf("%s waiter = %+v, %v", name, r.val, r.err)
		}
	}
}

func TestGetInfoTakesOverPendingPoll(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv.addr(), newFakeClock(), nil)
	conn := handshake(t, srv, c)

	poll := async(func() (ServerInfo, error) { return c.PollInfo(context.Background()) })
	expectFrame(t, conn, protocol.PktInfo)

	user := async(func() (ServerInfo, error) { return c.GetInfo(context.Background()) })
	expectFrame(t, conn, protocol.PktInfo)

	sendFrame(t, conn, protocol.PktInfo, []byte(`{"version":"2.0.0"}`))

	for name, ch := range map[string]<-chan result[ServerInfo]{"user": user, "poll": poll} {
		r := await(t, ch)
		if r.err != nil || r.val.Version != "2.0.0" {
			t.Errorf("%s waiter = %+v, %v", name, r.val, r.err)
		}
	}
}

func TestPendingPollFailsOnConnectionLoss(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv.addr(), newFakeClock(), nil)
	conn := handshake(t, srv, c)

	user := async(func() (ServerInfo, error) { return c.GetInfo(context.Background()) })
	expectFrame(t, conn, protocol.PktInfo)
	poll := async(func() (ServerInfo, error) { return c.PollInfo(context.Background()) })
	expectSilence(t, conn, 100*time.Millisecond)

	conn.Close()

	for name, ch := range map[string]<-chan result[ServerInfo]{"user": user, "poll": poll} {
		if r := await(t, ch); !errors.Is(r.err, ErrConnectionLost) {
			t.Errorf("%s waiter: expected ErrConnectionLost, got %v", name, r.err)
		}
	}
}

func TestMalformedResponseFailsOnlyTheRequest(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv.addr(), newFakeClock(), nil)
	conn := handshake(t, srv, c)

	ch := async(func() (Player, error) { return c.GetPlayer(context.Background(), "abc") })
	expectFrame(t, conn, protocol.PktPlayer)
	sendFrame(t, conn, protocol.PktPlayer, []byte("not json"))

	r := await(t, ch)
	if !errors.Is(r.err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", r.err)
	}
	if !c.Status() {
		t.Fatal("malformed payload dropped the connection")
	}

	players := async(func() ([]string, error) { return c.GetPlayers(context.Background()) })
	expectFrame(t, conn, protocol.PktPlayers)
	sendFrame(t, conn, protocol.PktPlayers, []byte(`[]`))
	if pr := await(t, players); pr.err != nil {
		t.Fatalf("GetPlayers after malformed response: %v", pr.err)
	}
}

func TestQueryHonorsContext(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv.addr(), newFakeClock(), nil)
	conn := handshake(t, srv, c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ch := async(func() (ServerInfo, error) { return c.GetInfo(ctx) })
	expectFrame(t, conn, protocol.PktInfo)

	if r := await(t, ch); !errors.Is(r.err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", r.err)
	}
}

func TestKeepAliveSendsRandomPayload(t *testing.T) {
	srv := newFakeServer(t)
	clock := newFakeClock()
	c := newTestClient(t, srv.addr(), clock, nil)
	conn := handshake(t, srv, c)

	ticker := clock.nextTicker(t)
	if ticker.d != 10*time.Second {
		t.Fatalf("keep-alive interval = %s, want 10s", ticker.d)
	}

	for i := 0; i < 2; i++ {
		ticker.tick()
		f := expectFrame(t, conn, protocol.PktKeepAlive)
		if len(f.Payload) != 4 {
			t.Fatalf("keep-alive payload = %q", f.Payload)
		}
	}
}

func TestErrorFramePublishesEvent(t *testing.T) {
	srv := newFakeServer(t)
	bus := events.NewEventBus()
	got := make(chan events.ErrorPayload, 1)
	bus.Subscribe(events.EventServerError, "test", func(ctx context.Context, e events.Event) error {
		got <- e.Payload.(events.ErrorPayload)
		return nil
	})

	c := newTestClient(t, srv.addr(), newFakeClock(), bus)
	conn := handshake(t, srv, c)
	sendFrame(t, conn, protocol.PktError, []byte("invalid key"))

	select {
	case p := <-got:
		if p.Message != "invalid key" || p.ServerID != "main" {
			t.Fatalf("error event = %+v", p)
		}
	case <-time.After(testTimeout):
		t.Fatal("no error event")
	}
	if !c.Status() {
		t.Fatal("error frame should not drop the connection")
	}
}

func TestCloseRejectsPendingAndStops(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv.addr(), newFakeClock(), nil)
	conn := handshake(t, srv, c)

	ch := async(func() ([]string, error) { return c.GetPlayers(context.Background()) })
	expectFrame(t, conn, protocol.PktPlayers)

	c.Close()

	r := await(t, ch)
	if !errors.Is(r.err, ErrConnectionLost) && !errors.Is(r.err, ErrClientClosed) {
		t.Fatalf("expected ErrConnectionLost or ErrClientClosed, got %v", r.err)
	}
	if c.Status() {
		t.Fatal("closed client reports connected")
	}
	srv.expectNoConnection(t, 100*time.Millisecond)
}

func TestLogErrorHandlesJoinedErrors(t *testing.T) {
	joined := fmt.Errorf("dial: %w", errors.Join(errors.New("ipv4 refused"), errors.New("ipv6 refused")))
	var multi interface{ Unwrap() []error }
	if !errors.As(joined, &multi) || len(multi.Unwrap()) != 2 {
		t.Fatal("joined error not detected")
	}
	logError(newServerClient("x", "", Options{}).logger, joined, "test")
}
