package rdp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyan/rdprun/internal/logging"
	"github.com/tomyan/rdprun/internal/metrics"
)

func testOptions(d Dialer) TransportOptions {
	return TransportOptions{
		Backoff: 5 * time.Millisecond,
		Dialer:  d,
		Log:     logging.Discard(),
	}
}

func TestTransport_Connect_SharesInFlightDial(t *testing.T) {
	dialer := &fakeDialer{gate: make(chan struct{})}
	tr := NewTransport("ws://fake/devtools/page/1", testOptions(dialer))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tr.Connect(ctx)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(dialer.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, dialer.dials())
	assert.True(t, tr.Connected())
}

func TestTransport_Send_RetriesSamePayloadOnFailure(t *testing.T) {
	dialer := &fakeDialer{newConn: func(n int) *fakeConn {
		c := newFakeConn()
		if n == 0 {
			c.failWrites = 1
		}
		return c
	}}
	reg := metrics.New()
	opts := testOptions(dialer)
	opts.Metrics = reg
	tr := NewTransport("ws://fake", opts)
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, []byte(`{"id":1}`)))
	require.NoError(t, tr.Send(ctx, []byte(`{"id":2}`)))

	require.Equal(t, 2, dialer.dials())
	assert.True(t, dialer.conn(0).isClosed(), "failed socket should be discarded")
	assert.Empty(t, dialer.conn(0).written())
	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`}, dialer.conn(1).written())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.SendRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Reconnects))
}

func TestTransport_Send_PreservesFIFOAcrossFailures(t *testing.T) {
	dialer := &fakeDialer{newConn: func(n int) *fakeConn {
		c := newFakeConn()
		if n < 2 {
			c.failWrites = 1
		}
		return c
	}}
	tr := NewTransport("ws://fake", testOptions(dialer))
	defer tr.Close()

	ctx := context.Background()
	var pending []*outbound
	for _, p := range []string{"a", "b", "c"} {
		o, err := tr.enqueue(ctx, []byte(p))
		require.NoError(t, err)
		pending = append(pending, o)
	}
	for _, o := range pending {
		require.NoError(t, tr.await(o))
	}

	assert.Equal(t, 3, dialer.dials())
	assert.Equal(t, []string{"a", "b", "c"}, dialer.conn(2).written())
}

func TestTransport_Send_MaxRetries(t *testing.T) {
	dialer := &fakeDialer{newConn: func(int) *fakeConn {
		c := newFakeConn()
		c.failWrites = 1
		return c
	}}
	opts := testOptions(dialer)
	opts.MaxSendRetries = 2
	tr := NewTransport("ws://fake", opts)
	defer tr.Close()

	err := tr.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, dialer.dials())
}

func TestTransport_Send_ContextEndsDuringRetry(t *testing.T) {
	dialer := &fakeDialer{newConn: func(int) *fakeConn {
		c := newFakeConn()
		c.failWrites = 1
		return c
	}}
	tr := NewTransport("ws://fake", testOptions(dialer))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tr.Send(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransport_Send_SkipsCancelledPayload(t *testing.T) {
	dialer := &fakeDialer{}
	tr := NewTransport("ws://fake", testOptions(dialer))
	defer tr.Close()
	require.NoError(t, tr.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := &outbound{ctx: ctx, payload: []byte("late"), done: make(chan error, 1)}
	tr.queue <- o

	assert.ErrorIs(t, tr.await(o), context.Canceled)

	require.NoError(t, tr.Send(context.Background(), []byte("next")))
	assert.Equal(t, []string{"next"}, dialer.conn(0).written())
}

func TestTransport_Send_QueuedBehindStalledWriteHonoursContext(t *testing.T) {
	dialer := &fakeDialer{newConn: func(int) *fakeConn {
		c := newFakeConn()
		c.stallWrites = true
		return c
	}}
	tr := NewTransport("ws://fake", testOptions(dialer))
	defer tr.Close()

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	first := make(chan error, 1)
	go func() { first <- tr.Send(firstCtx, []byte("stuck")) }()
	require.Eventually(t, func() bool { return dialer.dials() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := tr.Send(ctx, []byte("queued"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	cancelFirst()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled send did not return after its context ended")
	}
	assert.True(t, dialer.conn(0).isClosed(), "stalled socket torn down")
}

func TestTransport_Reset_DropsFramesFromOldSocket(t *testing.T) {
	dialer := &fakeDialer{}
	tr := NewTransport("ws://fake", testOptions(dialer))
	defer tr.Close()

	received := make(chan string, 4)
	tr.SetHandler(func(data []byte) { received <- string(data) })

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	old := dialer.conn(0)

	require.NoError(t, tr.Reset(ctx))
	require.Equal(t, 2, dialer.dials())
	assert.True(t, old.isClosed())

	old.inbound <- []byte("stale")
	dialer.conn(1).inbound <- []byte("fresh")

	select {
	case got := <-received:
		assert.Equal(t, "fresh", got)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered from the new socket")
	}
	select {
	case got := <-received:
		t.Fatalf("unexpected frame %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransport_RemoteCloseTriggersReconnectOnNextSend(t *testing.T) {
	dialer := &fakeDialer{}
	tr := NewTransport("ws://fake", testOptions(dialer))
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	dialer.conn(0).Close()

	require.Eventually(t, func() bool { return !tr.Connected() }, time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Send(ctx, []byte("after")))
	assert.Equal(t, 2, dialer.dials())
	assert.Equal(t, []string{"after"}, dialer.conn(1).written())
}

func TestTransport_Close(t *testing.T) {
	dialer := &fakeDialer{}
	tr := NewTransport("ws://fake", testOptions(dialer))
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, tr.Close())
	assert.True(t, dialer.conn(0).isClosed())

	err := tr.Send(context.Background(), []byte("x"))
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, tr.Connect(context.Background()), ErrClosed)
}
