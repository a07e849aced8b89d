package rdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type notificationHandler struct {
	fn func(*Message)
}

// Fork is one logical connection on a Mixer. It keeps its own id sequence
// and pending-call table; the Mixer only holds it for routing.
type Fork struct {
	name  string
	mixer *Mixer

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan *Message
	handlers []*notificationHandler
	released bool
}

func newFork(m *Mixer, name string) *Fork {
	return &Fork{
		name:    name,
		mixer:   m,
		pending: make(map[int64]chan *Message),
	}
}

// Name returns the name the fork was created with.
func (f *Fork) Name() string {
	return f.name
}

// Call sends method with params and waits for the result. A protocol-level
// error response is returned as *ProtocolError.
func (f *Fork) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	data, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	resp, err := f.CallRaw(ctx, &Message{Method: method, Params: data})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// CallRaw sends a prebuilt request and returns the whole response, error
// object included. The request's id is kept, so the response carries the
// same id back; a request without an id gets the fork's next one.
func (f *Fork) CallRaw(ctx context.Context, req *Message) (*Message, error) {
	req, ch, err := f.register(req)
	if err != nil {
		return nil, err
	}
	id := *req.ID
	defer f.forget(id, ch)

	f.mixer.log.Debug("=>", "fork", f.name, "id", id, "method", req.Method)
	if err := f.mixer.send(ctx, f, req); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrForkReleased
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnNotification registers h for notifications delivered to this fork.
// Handlers run on the transport's reader goroutine in registration order
// and must not block for long or mutate the message. The returned func
// removes the handler.
func (f *Fork) OnNotification(h func(*Message)) (unsubscribe func()) {
	nh := &notificationHandler{fn: h}
	f.mu.Lock()
	f.handlers = append(f.handlers, nh)
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, other := range f.handlers {
			if other == nh {
				f.handlers = append(f.handlers[:i:i], f.handlers[i+1:]...)
				return
			}
		}
	}
}

func (f *Fork) register(req *Message) (*Message, chan *Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.released {
		return nil, nil, ErrForkReleased
	}
	if req.ID == nil {
		f.nextID++
		for f.pending[f.nextID] != nil {
			f.nextID++
		}
		req = req.withID(f.nextID)
	}
	id := *req.ID
	if _, dup := f.pending[id]; dup {
		return nil, nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	ch := make(chan *Message, 1)
	f.pending[id] = ch
	return req, ch, nil
}

func (f *Fork) forget(id int64, ch chan *Message) {
	f.mu.Lock()
	if f.pending[id] == ch {
		delete(f.pending, id)
	}
	f.mu.Unlock()
}

func (f *Fork) dispatch(msg *Message) {
	if msg.IsNotification() {
		f.mu.Lock()
		if f.released {
			f.mu.Unlock()
			return
		}
		handlers := append([]*notificationHandler(nil), f.handlers...)
		f.mu.Unlock()

		for _, h := range handlers {
			h.fn(msg)
		}
		return
	}

	f.mu.Lock()
	ch, ok := f.pending[*msg.ID]
	if ok {
		delete(f.pending, *msg.ID)
	}
	f.mu.Unlock()

	// late response after the caller gave up
	if !ok {
		return
	}
	f.mixer.log.Debug("<=", "fork", f.name, "id", *msg.ID)
	ch <- msg
}

func (f *Fork) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return
	}
	f.released = true
	f.handlers = nil
	for id, ch := range f.pending {
		close(ch)
		delete(f.pending, id)
	}
}
