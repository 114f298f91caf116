// Package connector implements the long-lived status clients that keep one
// TCP connection open to each game server's status plugin. A client performs
// the Hello/Ack/Info handshake, sends keep-alives, reconnects forever at a
// fixed delay and answers Info/Players/Player queries by correlating
// response frames with the waiting caller.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crss-project/crss/internal/events"
	"github.com/crss-project/crss/internal/protocol"
	"github.com/crss-project/crss/internal/util"
)

const (
	DefaultAddress           = "localhost:25580"
	DefaultServerKey         = "undefined"
	DefaultKeepAliveInterval = 10 * time.Second
	DefaultErrorRetryDelay   = 5 * time.Second
	DefaultByeRetryDelay     = 60 * time.Second
	DefaultDialTimeout       = 10 * time.Second

	keepAlivePayloadLen = 4
	writeTimeout        = 10 * time.Second
)

// Options configures every ServerClient created by a Registry.
type Options struct {
	// ServerKey is sent as the Hello payload.
	ServerKey string

	KeepAliveInterval time.Duration
	ErrorRetryDelay   time.Duration
	ByeRetryDelay     time.Duration
	DialTimeout       time.Duration

	Clock    Clock
	EventBus *events.EventBus
}

func (o Options) withDefaults() Options {
	if o.ServerKey == "" {
		o.ServerKey = DefaultServerKey
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.ErrorRetryDelay <= 0 {
		o.ErrorRetryDelay = DefaultErrorRetryDelay
	}
	if o.ByeRetryDelay <= 0 {
		o.ByeRetryDelay = DefaultByeRetryDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	return o
}

// request is a query handed to the client's goroutine. reply is buffered so
// the goroutine never blocks on a caller that gave up.
//
// A yielding request never supersedes a waiter with the same type and
// payload. It joins that waiter and receives the same response.
type request struct {
	typ     protocol.PacketType
	payload []byte
	reply   chan response
	yield   bool
	joined  []*request
}

type response struct {
	payload []byte
	err     error
}

func (r *request) resolve(payload []byte) {
	r.send(response{payload: payload})
}

func (r *request) fail(err error) {
	r.send(response{err: err})
}

func (r *request) send(resp response) {
	select {
	case r.reply <- resp:
	default:
	}
	for _, j := range r.joined {
		j.send(resp)
	}
}

// ServerClient maintains the connection to one game server. All socket,
// timer and pending-request state is owned by the goroutine started in run;
// other goroutines only read the published status/version snapshot.
type ServerClient struct {
	id      string
	address string
	opts    Options
	logger  zerolog.Logger

	status atomic.Bool

	mu      sync.RWMutex
	state   State
	version string

	requests  chan *request
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newServerClient(id, address string, opts Options) *ServerClient {
	if address == "" {
		address = DefaultAddress
	}
	opts = opts.withDefaults()

	return &ServerClient{
		id:      id,
		address: address,
		opts:    opts,
		version: "0.0.0",
		logger: util.ComponentLogger("server_client").With().
			Str("server", id).
			Str("addr", address).
			Logger(),
		requests: make(chan *request),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the identifier the client was registered under.
func (c *ServerClient) ID() string { return c.id }

// Address returns the host:port the client dials.
func (c *ServerClient) Address() string { return c.address }

// Status reports whether the client currently holds a live connection.
func (c *ServerClient) Status() bool { return c.status.Load() }

// Version returns the server version learned during the last handshake.
func (c *ServerClient) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// State returns the current connection state.
func (c *ServerClient) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Close stops the client permanently, closing any open connection and
// rejecting pending queries. It blocks until the client goroutine exits.
func (c *ServerClient) Close() {
	c.closeOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

func (c *ServerClient) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *ServerClient) setVersion(v string) {
	c.mu.Lock()
	c.version = v
	c.mu.Unlock()
}

func (c *ServerClient) emit(t events.EventType, payload interface{}) {
	c.opts.EventBus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "server_client:" + c.id,
		Payload: payload,
	})
}

// run is the client goroutine: connect, serve the session, wait, repeat.
func (c *ServerClient) run() {
	defer close(c.done)

	for {
		delay, ok := c.session()
		if !ok {
			return
		}
		if !c.wait(delay) {
			return
		}
	}
}

// wait sleeps for the reconnect delay. Queries arriving meanwhile are rejected.
func (c *ServerClient) wait(delay time.Duration) bool {
	c.logger.Debug().Dur("retry_in", delay).Msg("reconnect scheduled")
	timer := c.opts.Clock.After(delay)

	for {
		select {
		case <-timer:
			return true
		case <-c.stopCh:
			return false
		case req := <-c.requests:
			req.fail(ErrNotConnected)
		}
	}
}

// session runs one connect/serve cycle. It returns the delay before the next
// attempt, and false once the client has been closed.
func (c *ServerClient) session() (time.Duration, bool) {
	sessionID := uuid.NewString()
	logger := c.logger.With().Str("session", sessionID).Logger()

	c.setState(StateConnecting)
	c.emit(events.EventServerConnecting, events.ConnectionPayload{
		ServerID: c.id,
		Address:  c.address,
		Session:  sessionID,
	})

	conn, err := c.dial()
	if err != nil {
		c.setState(StateDisconnected)
		select {
		case <-c.stopCh:
			return 0, false
		default:
		}

		logError(logger, err, "failed to connect to server")
		c.emit(events.EventServerDisconnected, events.DisconnectPayload{
			ServerID: c.id,
			Address:  c.address,
			Session:  sessionID,
			Reason:   events.ReasonDial,
			Error:    err.Error(),
			RetryIn:  c.opts.ErrorRetryDelay,
		})
		return c.opts.ErrorRetryDelay, true
	}

	s := &session{
		client:     c,
		id:         sessionID,
		conn:       conn,
		logger:     logger,
		pending:    make(map[protocol.PacketType]*request),
		frames:     make(chan protocol.Frame),
		readErr:    make(chan error, 1),
		quit:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	return s.serve()
}

func (c *ServerClient) dial() (net.Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	return dialer.DialContext(ctx, "tcp", c.address)
}

// session is the state of one live connection. It is only touched by the
// client goroutine, except for the reader which only sends on frames/readErr.
type session struct {
	client  *ServerClient
	id      string
	conn    net.Conn
	logger  zerolog.Logger
	ticker  Ticker
	pending map[protocol.PacketType]*request

	frames     chan protocol.Frame
	readErr    chan error
	quit       chan struct{}
	readerDone chan struct{}
}

func (s *session) serve() (time.Duration, bool) {
	c := s.client

	c.status.Store(true)
	c.setState(StateConnected)
	s.logger.Info().Msg("connected to server")
	c.emit(events.EventServerConnected, events.ConnectionPayload{
		ServerID: c.id,
		Address:  c.address,
		Session:  s.id,
	})

	go s.readLoop()

	if err := s.write(protocol.PktHello, []byte(c.opts.ServerKey)); err != nil {
		return s.teardown(events.ReasonTransport, err, c.opts.ErrorRetryDelay), true
	}
	s.ticker = c.opts.Clock.NewTicker(c.opts.KeepAliveInterval)

	for {
		select {
		case <-c.stopCh:
			s.teardown(events.ReasonShutdown, nil, 0)
			return 0, false

		case req := <-c.requests:
			if prev, ok := s.pending[req.typ]; ok {
				if s.register(prev, req) {
					continue
				}
			}
			s.pending[req.typ] = req
			if err := s.write(req.typ, req.payload); err != nil {
				return s.teardown(events.ReasonTransport, err, c.opts.ErrorRetryDelay), true
			}

		case <-s.ticker.C():
			payload := []byte(protocol.RandomString(keepAlivePayloadLen))
			if err := s.write(protocol.PktKeepAlive, payload); err != nil {
				return s.teardown(events.ReasonTransport, err, c.opts.ErrorRetryDelay), true
			}

		case f := <-s.frames:
			if f.Type == protocol.PktBye {
				s.logger.Info().Msg("server sent bye")
				return s.teardown(events.ReasonBye, nil, c.opts.ByeRetryDelay), true
			}
			if err := s.handleFrame(f); err != nil {
				return s.teardown(events.ReasonTransport, err, c.opts.ErrorRetryDelay), true
			}

		case err := <-s.readErr:
			return s.teardown(events.ReasonTransport, err, c.opts.ErrorRetryDelay), true
		}
	}
}

// register resolves a new request against the waiter already pending for
// its type. It reports true when req joined prev and needs no frame of its
// own. Otherwise req takes over: a yielding prev rides along on req, any
// other prev fails with ErrSuperseded.
func (s *session) register(prev, req *request) bool {
	sameQuery := bytes.Equal(prev.payload, req.payload)
	if req.yield && sameQuery {
		prev.joined = append(prev.joined, req)
		return true
	}

	req.joined, prev.joined = prev.joined, nil
	if prev.yield && sameQuery {
		req.joined = append(req.joined, prev)
		return false
	}
	prev.fail(ErrSuperseded)
	return false
}

// handleFrame applies the built-in handshake handling, then resolves the
// pending query for the frame's type, if any.
func (s *session) handleFrame(f protocol.Frame) error {
	c := s.client

	s.logger.Trace().Stringer("packet", f.Type).Int("len", len(f.Payload)).Msg("frame received")

	switch f.Type {
	case protocol.PktAck:
		if len(f.Payload) > 0 && protocol.PacketType(f.Payload[0]) == protocol.PktHello {
			s.logger.Debug().Msg("handshake acknowledged")
			if err := s.write(protocol.PktInfo, nil); err != nil {
				return err
			}
		}

	case protocol.PktInfo:
		var info struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(f.Payload, &info); err != nil {
			s.logger.Warn().Err(err).Msg("failed to parse info payload")
		} else if info.Version != c.Version() {
			c.setVersion(info.Version)
			s.logger.Info().Str("version", info.Version).Msg("server version updated")
			c.emit(events.EventServerVersion, events.VersionPayload{
				ServerID: c.id,
				Version:  info.Version,
			})
		}

	case protocol.PktError:
		s.logger.Warn().Str("message", string(f.Payload)).Msg("server reported error")
		c.emit(events.EventServerError, events.ErrorPayload{
			ServerID: c.id,
			Message:  string(f.Payload),
		})
	}

	if req, ok := s.pending[f.Type]; ok {
		delete(s.pending, f.Type)
		req.resolve(f.Payload)
	}
	return nil
}

func (s *session) write(t protocol.PacketType, payload []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteFrame(s.conn, t, payload); err != nil {
		return err
	}
	s.logger.Trace().Stringer("packet", t).Int("len", len(payload)).Msg("frame sent")
	return nil
}

// readLoop decodes frames off the socket until it fails or the session ends.
func (s *session) readLoop() {
	defer close(s.readerDone)

	for {
		f, err := protocol.ReadFrame(s.conn)
		if err != nil {
			s.readErr <- err
			return
		}

		select {
		case s.frames <- f:
		case <-s.quit:
			return
		}
	}
}

// teardown leaves the Connected state: it closes the socket, stops the
// keep-alive ticker and rejects every pending query.
func (s *session) teardown(reason events.DisconnectReason, err error, retry time.Duration) time.Duration {
	c := s.client

	c.status.Store(false)
	c.setState(StateDisconnected)

	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.conn.Close()
	close(s.quit)
	<-s.readerDone

	abandoned := len(s.pending)
	for typ, req := range s.pending {
		req.fail(ErrConnectionLost)
		delete(s.pending, typ)
	}

	payload := events.DisconnectPayload{
		ServerID:  c.id,
		Address:   c.address,
		Session:   s.id,
		Reason:    reason,
		RetryIn:   retry,
		Abandoned: abandoned,
	}

	if err != nil {
		logError(s.logger, err, "connection error")
		payload.Error = err.Error()
	}
	s.logger.Info().
		Str("reason", string(reason)).
		Dur("retry_in", retry).
		Int("abandoned_requests", abandoned).
		Msg("disconnected from server")

	c.emit(events.EventServerDisconnected, payload)
	return retry
}

// logError logs err, or each of its causes when it joins several.
func logError(logger zerolog.Logger, err error, msg string) {
	var multi interface{ Unwrap() []error }
	if errors.As(err, &multi) {
		for _, e := range multi.Unwrap() {
			logger.Error().Err(e).Msg(msg)
		}
		return
	}
	logger.Error().Err(err).Msg(msg)
}
