package rdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/tomyan/rdprun/internal/logging"
	"github.com/tomyan/rdprun/internal/metrics"
)

// DefaultBackoff is the fixed delay before every resend attempt.
const DefaultBackoff = 100 * time.Millisecond

const queueSize = 256

// Conn is the subset of *websocket.Conn the transport needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to a WebSocket URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// TransportOptions configures a Transport.
type TransportOptions struct {
	Backoff        time.Duration // delay before each resend; DefaultBackoff if zero
	MaxSendRetries int           // 0 retries forever
	Dialer         Dialer        // WebSocketDialer if nil
	Log            *logging.Logger
	Metrics        *metrics.Registry
}

func (o TransportOptions) withDefaults() TransportOptions {
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.Dialer == nil {
		o.Dialer = WebSocketDialer{}
	}
	o.Log = logging.OrDefault(o.Log)
	return o
}

type outbound struct {
	ctx     context.Context
	payload []byte
	done    chan error
}

// Transport owns the single physical socket to one target. Outbound
// payloads are written one at a time from a FIFO; a failed write tears the
// socket down, reconnects and resends the same payload before moving on.
type Transport struct {
	url  string
	opts TransportOptions
	log  *logging.Logger

	mu      sync.Mutex
	conn    Conn
	dials   int
	handler func([]byte)

	connect    singleflight.Group
	queue      chan *outbound
	closeOnce  sync.Once
	closed     chan struct{}
	writerDone chan struct{}
}

// NewTransport creates a transport for url. No socket is opened until
// Connect or the first Send.
func NewTransport(url string, opts TransportOptions) *Transport {
	opts = opts.withDefaults()
	t := &Transport{
		url:        url,
		opts:       opts,
		log:        opts.Log.WithComponent("transport").With("url", url),
		queue:      make(chan *outbound, queueSize),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// URL returns the WebSocket URL this transport dials.
func (t *Transport) URL() string {
	return t.url
}

// SetHandler registers the listener for inbound frames. Frames are
// delivered in arrival order from the socket's reader goroutine.
func (t *Transport) SetHandler(h func([]byte)) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Connected reports whether a socket is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect opens the socket if it is not already open. Concurrent callers
// share a single dial.
func (t *Transport) Connect(ctx context.Context) error {
	_, err := t.ensureConn(ctx)
	return err
}

// Reset discards the current socket and opens a fresh one. Frames still
// arriving on the old socket are dropped.
func (t *Transport) Reset(ctx context.Context) error {
	t.mu.Lock()
	old := t.conn
	t.conn = nil
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
	t.log.Debug("reset")
	return t.Connect(ctx)
}

// Send queues payload and waits until it has been written. Write failures
// are retried on a fresh socket; the caller only sees an error if ctx ends
// before the payload is written, the transport closes, or MaxSendRetries
// is exceeded.
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	o, err := t.enqueue(ctx, payload)
	if err != nil {
		return err
	}
	return t.await(o)
}

// Close stops the writer and closes the socket. Queued sends fail with ErrClosed.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		c := t.conn
		t.conn = nil
		t.mu.Unlock()
		if c != nil {
			err = c.Close()
		}
		<-t.writerDone
	})
	return err
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) enqueue(ctx context.Context, payload []byte) (*outbound, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	o := &outbound{ctx: ctx, payload: payload, done: make(chan error, 1)}
	select {
	case t.queue <- o:
		return o, nil
	case <-t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) await(o *outbound) error {
	select {
	case err := <-o.done:
		return err
	case <-o.ctx.Done():
		return o.ctx.Err()
	case <-t.closed:
		return ErrClosed
	}
}

func (t *Transport) writeLoop() {
	defer close(t.writerDone)
	for {
		select {
		case <-t.closed:
			return
		case o := <-t.queue:
			o.done <- t.deliver(o)
		}
	}
}

// deliver writes one payload, retrying on a fresh socket until it succeeds.
func (t *Transport) deliver(o *outbound) error {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if t.opts.MaxSendRetries > 0 && attempt > t.opts.MaxSendRetries {
				return fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt)
			}
			t.opts.Metrics.SendRetried()
			timer := time.NewTimer(t.opts.Backoff)
			select {
			case <-timer.C:
			case <-o.ctx.Done():
				timer.Stop()
				return o.ctx.Err()
			case <-t.closed:
				timer.Stop()
				return ErrClosed
			}
		}
		if err := o.ctx.Err(); err != nil {
			return err
		}

		conn, err := t.ensureConn(o.ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			t.log.Warn("connect failed, retrying", "attempt", attempt+1, "error", err)
			continue
		}

		// a write stalled past the caller's deadline takes the socket down
		stop := context.AfterFunc(o.ctx, func() { t.drop(conn) })
		err = conn.WriteMessage(websocket.TextMessage, o.payload)
		if !stop() {
			return o.ctx.Err()
		}
		if err != nil {
			t.log.Warn("send failed, reconnecting", "attempt", attempt+1, "error", err)
			t.drop(conn)
			continue
		}
		return nil
	}
}

func (t *Transport) ensureConn(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.conn != nil {
		c := t.conn
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	v, err, _ := t.connect.Do("connect", func() (interface{}, error) {
		return t.dial(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

func (t *Transport) dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	if t.conn != nil {
		c := t.conn
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	conn, err := t.opts.Dialer.Dial(ctx, t.url)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", t.url, err)
	}

	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	t.conn = conn
	t.dials++
	reconnect := t.dials > 1
	t.mu.Unlock()

	if reconnect {
		t.opts.Metrics.Reconnected()
		t.log.Debug("reconnected")
	}
	go t.readLoop(conn)
	return conn, nil
}

// drop forgets conn if it is still current and closes it.
func (t *Transport) drop(conn Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	conn.Close()
}

func (t *Transport) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.drop(conn)
			return
		}

		t.mu.Lock()
		current := t.conn == conn
		h := t.handler
		t.mu.Unlock()

		if !current {
			continue
		}
		if h != nil {
			h(data)
		}
	}
}
