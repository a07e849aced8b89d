package rdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tomyan/rdprun/internal/logging"
	"github.com/tomyan/rdprun/internal/metrics"
)

type route struct {
	fork       *Fork
	originalID int64
}

// Mixer exposes many logical connections (forks) over one Transport.
// Outbound request ids are rewritten into a Mixer-wide sequence and mapped
// back on the way in; notifications are broadcast to every attached fork.
type Mixer struct {
	transport *Transport
	log       *logging.Logger
	metrics   *metrics.Registry

	mu       sync.Mutex
	nextID   int64
	requests map[int64]route
	forks    []*Fork
}

// NewMixer takes over inbound delivery on t.
func NewMixer(t *Transport) *Mixer {
	m := &Mixer{
		transport: t,
		log:       t.opts.Log.WithComponent("mixer").With("url", t.url),
		metrics:   t.opts.Metrics,
		requests:  make(map[int64]route),
	}
	t.SetHandler(m.dispatch)
	return m
}

// Dial connects a new transport to wsURL and wraps it in a Mixer.
func Dial(ctx context.Context, wsURL string, opts TransportOptions) (*Mixer, error) {
	t := NewTransport(wsURL, opts)
	m := NewMixer(t)
	if err := t.Connect(ctx); err != nil {
		t.Close()
		return nil, err
	}
	return m, nil
}

// Transport returns the underlying transport.
func (m *Mixer) Transport() *Transport {
	return m.transport
}

// Fork mints a new logical connection. It receives every notification
// that arrives while it is attached.
func (m *Mixer) Fork(name string) *Fork {
	f := newFork(m, name)
	m.mu.Lock()
	m.forks = append(m.forks, f)
	m.mu.Unlock()
	return f
}

// Release detaches f. Its in-flight calls fail with ErrForkReleased and
// later responses addressed to it are dropped.
func (m *Mixer) Release(f *Fork) {
	m.mu.Lock()
	for i, other := range m.forks {
		if other == f {
			m.forks = append(m.forks[:i:i], m.forks[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	f.release()
}

// Forks returns the names of attached forks in attachment order.
func (m *Mixer) Forks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.forks))
	for i, f := range m.forks {
		names[i] = f.name
	}
	return names
}

// Reset forgets every in-flight request and reopens the socket. Responses
// to requests sent before the reset are dropped.
func (m *Mixer) Reset(ctx context.Context) error {
	m.mu.Lock()
	dropped := len(m.requests)
	m.requests = make(map[int64]route)
	m.mu.Unlock()
	m.log.Debug("reset", "abandoned", dropped)
	return m.transport.Reset(ctx)
}

// Close closes the transport.
func (m *Mixer) Close() error {
	return m.transport.Close()
}

// send assigns a Mixer-wide id to msg, records the route back to f and
// writes it. The id is recorded and the payload queued under one lock so
// wire order matches id order.
func (m *Mixer) send(ctx context.Context, f *Fork, msg *Message) error {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	data, err := json.Marshal(msg.withID(id))
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("encoding message: %w", err)
	}
	m.requests[id] = route{fork: f, originalID: *msg.ID}
	o, err := m.transport.enqueue(ctx, data)
	if err != nil {
		delete(m.requests, id)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if err := m.transport.await(o); err != nil {
		m.mu.Lock()
		delete(m.requests, id)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Mixer) dispatch(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		m.log.Warn("dropping undecodable frame", "error", err)
		return
	}

	if msg.IsNotification() {
		m.mu.Lock()
		forks := append([]*Fork(nil), m.forks...)
		m.mu.Unlock()
		m.metrics.NotificationBroadcast()
		for _, f := range forks {
			f.dispatch(msg)
		}
		return
	}

	m.mu.Lock()
	r, ok := m.requests[*msg.ID]
	if ok {
		delete(m.requests, *msg.ID)
	}
	m.mu.Unlock()

	if !ok {
		m.metrics.ResponseDropped()
		m.log.Debug("dropping unroutable response", "id", *msg.ID)
		return
	}
	r.fork.dispatch(msg.withID(r.originalID))
}
