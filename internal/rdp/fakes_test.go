package rdp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeConn is an in-memory socket. Frames pushed to inbound are returned by
// ReadMessage; writes are recorded unless failWrites is still positive.
// With stallWrites set, every write blocks until the conn is closed.
type fakeConn struct {
	mu          sync.Mutex
	writes      [][]byte
	failWrites  int
	stallWrites bool
	onWrite     func(c *fakeConn, data []byte)

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	default:
	}
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return errors.New("use of closed connection")
	default:
	}
	if c.stallWrites {
		c.mu.Unlock()
		<-c.closed
		return errors.New("use of closed connection")
	}
	if c.failWrites > 0 {
		c.failWrites--
		c.mu.Unlock()
		return errBrokenPipe
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	hook := c.onWrite
	c.mu.Unlock()

	if hook != nil {
		hook(c, data)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

func (c *fakeConn) push(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.inbound <- data
}

// fakeDialer hands out connections from newConn, one per dial.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	newConn func(n int) *fakeConn
	gate    chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var c *fakeConn
	if d.newConn != nil {
		c = d.newConn(len(d.conns))
	} else {
		c = newFakeConn()
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// echoResponder answers every request with {"id": id, "result": {"method": method}}.
func echoResponder(c *fakeConn, data []byte) {
	var req struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	c.push(map[string]interface{}{
		"id":     req.ID,
		"result": map[string]string{"method": req.Method},
	})
}

func echoConn(int) *fakeConn {
	c := newFakeConn()
	c.onWrite = echoResponder
	return c
}
