package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/sync/errgroup"

	"github.com/tomyan/rdprun/internal/instrument"
	"github.com/tomyan/rdprun/internal/logging"
	"github.com/tomyan/rdprun/internal/metrics"
	"github.com/tomyan/rdprun/internal/rdp"
)

const (
	// DefaultWatchdog is the time a test gets to report notifyDone.
	DefaultWatchdog = 5 * time.Second
	// DefaultSetupTimeout bounds target reset and domain setup.
	DefaultSetupTimeout = 10 * time.Second
)

// Config configures an Orchestrator.
type Config struct {
	// FrontendURL is the front-end page loaded for every test.
	FrontendURL string
	// Watchdog bounds a test from navigation until notifyDone, and again
	// the final read of the rendered text.
	Watchdog time.Duration
	// SetupTimeout bounds the reset and domain setup before navigation.
	SetupTimeout time.Duration
	Shard        int

	Log     *logging.Logger
	Metrics *metrics.Registry

	// OnState observes state transitions. It runs on the run's event loop
	// and must not block.
	OnState func(tc TestCase, s State)
}

func (c Config) withDefaults() Config {
	if c.Watchdog <= 0 {
		c.Watchdog = DefaultWatchdog
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = DefaultSetupTimeout
	}
	c.Log = logging.OrDefault(c.Log)
	return c
}

// Orchestrator runs tests one after another against a pair of targets:
// the inspected tab, which loads each test page, and the front-end tab,
// which loads the front end under test. Run must not be called
// concurrently.
type Orchestrator struct {
	cfg       Config
	log       *logging.Logger
	inspected *rdp.Mixer
	frontend  *rdp.Mixer

	// identifier of the host stub registered on the front end
	hostScript string
}

// NewOrchestrator returns an Orchestrator driving the given targets.
func NewOrchestrator(inspected, frontend *rdp.Mixer, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:       cfg,
		log:       cfg.Log.WithComponent("orchestrator").With("shard", cfg.Shard),
		inspected: inspected,
		frontend:  frontend,
	}
}

// Run executes one test and reports its outcome. Run returns only once
// every call it started has finished, so nothing from this test reaches
// either target afterwards.
func (o *Orchestrator) Run(ctx context.Context, tc TestCase) Result {
	start := time.Now()
	res := newRun(ctx, o, tc).execute()
	res.Test = tc
	res.Duration = time.Since(start)
	res.Shard = o.cfg.Shard

	o.cfg.Metrics.ObserveTest(strings.ToLower(res.Outcome.String()), res.Duration)
	if res.Err != nil && res.Outcome != Success {
		o.log.Info("test finished", "test", tc.Name(), "outcome", res.Outcome, "duration", res.Duration, "error", res.Err)
	} else {
		o.log.Info("test finished", "test", tc.Name(), "outcome", res.Outcome, "duration", res.Duration)
	}
	return res
}

func (o *Orchestrator) installHost(ctx context.Context, f *rdp.Fork, tc TestCase) error {
	if o.hostScript != "" {
		if _, err := f.Call(ctx, "Page.removeScriptToEvaluateOnLoad", map[string]string{"identifier": o.hostScript}); err != nil {
			o.log.Debug("removing previous host stub", "error", err)
		}
		o.hostScript = ""
	}

	path, err := filepath.Abs(tc.Path)
	if err != nil {
		path = tc.Path
	}
	raw, err := f.Call(ctx, "Page.addScriptToEvaluateOnLoad", map[string]string{
		"scriptSource": instrument.FrontendHostScript(filepath.ToSlash(path)),
	})
	if err != nil {
		return err
	}
	var added struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(raw, &added); err == nil {
		o.hostScript = added.Identifier
	}
	return nil
}

type eventKind int

const (
	evTestRunner      eventKind = iota // console line from the inspected page
	evFrontend                         // console line from the front end
	evBackend                          // notification from the inspected target
	evBackendResponse                  // response to a relayed front-end request
	evEvaluated                        // front-end evaluation finished
	evRendered                         // final read finished
)

type event struct {
	kind eventKind
	text string
	data []byte
	err  error
}

// run is the transient state of one test. All fields below wg are owned
// by the event loop; everything else reaches the loop through events.
type run struct {
	o   *Orchestrator
	tc  TestCase
	log *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	stop   chan struct{}
	relay  *relayQueue
	wg     sync.WaitGroup

	runner, backend, frontend *rdp.Fork
	unsubscribe               []func()

	state       State
	done        bool
	ready       bool
	evaluating  bool
	evaluations []string
	watchdog    *time.Timer
}

func newRun(parent context.Context, o *Orchestrator, tc TestCase) *run {
	ctx, cancel := context.WithCancel(parent)
	return &run{
		o:      o,
		tc:     tc,
		log:    o.log.With("test", tc.Name()),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan event, 256),
		stop:   make(chan struct{}),
		relay:  newRelayQueue(ctx),
	}
}

func (r *run) execute() Result {
	defer r.teardown()

	expected, err := LoadExpectation(r.tc.ExpectedPath)
	if err != nil {
		return r.fail(err)
	}

	setupCtx, cancel := context.WithTimeout(r.ctx, r.o.cfg.SetupTimeout)
	defer cancel()

	r.enter(Resetting)
	if err := r.o.inspected.Reset(setupCtx); err != nil {
		return r.fail(fmt.Errorf("%w: resetting inspected target: %w", ErrTargetUnavailable, err))
	}

	r.enter(Loading)
	r.runner = r.o.inspected.Fork("test-runner")
	r.backend = r.o.inspected.Fork("inspected")
	r.frontend = r.o.frontend.Fork("frontend")
	if err := r.prepare(setupCtx); err != nil {
		return r.fail(fmt.Errorf("preparing targets: %w", err))
	}
	// after setup, so console messages replayed by Console.enable are not
	// taken for this test's commands
	r.attach()

	r.enter(AwaitingReady)
	r.watchdog = time.NewTimer(r.o.cfg.Watchdog)
	defer r.watchdog.Stop()
	r.startRelay()
	r.navigate()
	return r.loop(expected)
}

func (r *run) prepare(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := enable(gctx, r.runner, "Console", "Page"); err != nil {
			return fmt.Errorf("inspected target: %w", err)
		}
		_, err := r.runner.Call(gctx, "Page.addScriptToEvaluateOnLoad", map[string]string{
			"scriptSource": instrument.TestRunnerScript(),
		})
		if err != nil {
			return fmt.Errorf("inspected target: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := enable(gctx, r.frontend, "Console", "Page", "Runtime"); err != nil {
			return fmt.Errorf("front end: %w", err)
		}
		if err := r.o.installHost(gctx, r.frontend, r.tc); err != nil {
			return fmt.Errorf("front end: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func enable(ctx context.Context, f *rdp.Fork, domains ...string) error {
	for _, domain := range domains {
		if _, err := f.Call(ctx, domain+".enable", nil); err != nil {
			return fmt.Errorf("enabling %s: %w", domain, err)
		}
	}
	return nil
}

func (r *run) attach() {
	r.unsubscribe = []func(){
		r.runner.OnNotification(r.console(evTestRunner)),
		r.frontend.OnNotification(r.console(evFrontend)),
		r.backend.OnNotification(func(msg *rdp.Message) {
			data, err := json.Marshal(msg)
			if err != nil {
				return
			}
			r.post(event{kind: evBackend, data: data})
		}),
	}
}

func (r *run) console(kind eventKind) func(*rdp.Message) {
	return func(msg *rdp.Message) {
		if text, ok := instrument.ConsoleText(msg); ok {
			r.post(event{kind: kind, text: text})
		}
	}
}

// detach stops all relaying. It is idempotent.
func (r *run) detach() {
	for _, unsubscribe := range r.unsubscribe {
		unsubscribe()
	}
	r.unsubscribe = nil
	r.relay.close()
}

func (r *run) teardown() {
	r.detach()
	close(r.stop)
	r.cancel()
	r.wg.Wait()

	if r.runner != nil {
		r.o.inspected.Release(r.runner)
		r.o.inspected.Release(r.backend)
		r.o.frontend.Release(r.frontend)
	}
}

func (r *run) post(ev event) {
	select {
	case r.events <- ev:
	case <-r.stop:
	}
}

func (r *run) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *run) call(f *rdp.Fork, method string, params interface{}) (json.RawMessage, error) {
	return r.callContext(r.ctx, f, method, params)
}

func (r *run) callContext(ctx context.Context, f *rdp.Fork, method string, params interface{}) (json.RawMessage, error) {
	result, err := f.Call(ctx, method, params)
	if err != nil && ctx.Err() == nil {
		r.log.Warn("call failed", "fork", f.Name(), "method", method, "error", err)
	}
	return result, err
}

func (r *run) navigate() {
	testURL := fileURL(r.tc.Path)
	r.spawn(func() { r.call(r.runner, "Page.navigate", map[string]string{"url": testURL}) })
	r.spawn(func() { r.call(r.frontend, "Page.navigate", map[string]string{"url": r.o.cfg.FrontendURL}) })
}

func fileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// startRelay dispatches queued backend traffic to the front end, one
// message at a time and in queue order. Detaching cancels a dispatch that
// has not reached the socket yet.
func (r *run) startRelay() {
	r.spawn(func() {
		for {
			data, ok := r.relay.next()
			if !ok {
				return
			}
			r.callContext(r.relay.ctx, r.frontend, "Runtime.evaluate", map[string]string{
				"expression": instrument.DispatchExpression(data),
			})
		}
	})
}

func (r *run) loop(expected string) Result {
	for {
		select {
		case <-r.ctx.Done():
			return r.fail(r.ctx.Err())
		case <-r.watchdog.C:
			return r.timeout()
		case ev := <-r.events:
			if res, finished := r.handle(ev, expected); finished {
				return res
			}
		}
	}
}

func (r *run) handle(ev event, expected string) (Result, bool) {
	if ev.kind == evRendered {
		return r.finish(ev, expected), true
	}
	if r.done {
		return Result{}, false
	}

	switch ev.kind {
	case evTestRunner, evFrontend:
		cmd, ok := instrument.Decode(ev.text)
		if !ok {
			return Result{}, false
		}
		return r.command(cmd, ev.kind == evFrontend)
	case evBackend, evBackendResponse:
		r.relay.push(ev.data)
	case evEvaluated:
		r.evaluating = false
		r.drain()
	}
	return Result{}, false
}

func (r *run) command(cmd instrument.Command, fromFrontend bool) (Result, bool) {
	r.log.Debug("command", "method", cmd.Method, "frontend", fromFrontend)

	switch cmd.Kind {
	case instrument.Malformed:
		return r.fail(fmt.Errorf("%w: %v", ErrMalformedInstrumentation, cmd.Err)), true

	case instrument.EvaluateInWebInspector:
		code, ok := cmd.StringArg(1)
		if !ok {
			return r.fail(fmt.Errorf("%w: evaluateInWebInspector without code", ErrMalformedInstrumentation)), true
		}
		r.evaluations = append(r.evaluations, code)
		r.drain()

	case instrument.ReadyForTest:
		if fromFrontend && !r.ready {
			r.ready = true
			r.enter(Running)
			r.drain()
		}

	case instrument.SendMessageToBackend:
		if fromFrontend {
			return r.forward(cmd)
		}

	case instrument.NotifyDone:
		if !fromFrontend {
			r.complete()
		}
	}
	return Result{}, false
}

// forward sends a front-end request to the inspected target unchanged and
// queues the response for the front end.
func (r *run) forward(cmd instrument.Command) (Result, bool) {
	payload, ok := cmd.StringArg(0)
	if !ok {
		return r.fail(fmt.Errorf("%w: sendMessageToBackend without message", ErrMalformedInstrumentation)), true
	}
	req, err := rdp.ParseMessage([]byte(payload))
	if err != nil || req.Method == "" {
		return r.fail(fmt.Errorf("%w: backend message %q", ErrMalformedInstrumentation, payload)), true
	}

	r.spawn(func() {
		resp, err := r.backend.CallRaw(r.ctx, req)
		if err != nil {
			if r.ctx.Err() == nil {
				r.log.Warn("relaying to backend", "method", req.Method, "error", err)
			}
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		r.post(event{kind: evBackendResponse, data: data})
	})
	return Result{}, false
}

// drain starts the next queued front-end evaluation once the front end is
// ready and the previous one has finished.
func (r *run) drain() {
	if !r.ready || r.evaluating || r.done || len(r.evaluations) == 0 {
		return
	}
	code := r.evaluations[0]
	r.evaluations = r.evaluations[1:]
	r.evaluating = true

	r.spawn(func() {
		r.call(r.frontend, "Runtime.evaluate", map[string]string{"expression": code})
		r.post(event{kind: evEvaluated})
	})
}

func (r *run) complete() {
	r.done = true
	r.watchdog.Stop()
	r.detach()
	r.enter(Completing)

	r.spawn(func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.o.cfg.Watchdog)
		defer cancel()
		text, err := r.readRendered(ctx)
		r.post(event{kind: evRendered, text: text, err: err})
	})
}

func (r *run) readRendered(ctx context.Context) (string, error) {
	if _, err := r.runner.Call(ctx, "Runtime.enable", nil); err != nil {
		return "", err
	}
	raw, err := r.runner.Call(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    instrument.RenderedTextExpression,
		"returnByValue": true,
	})
	if err != nil {
		return "", err
	}

	var evaluated struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &evaluated); err != nil {
		return "", fmt.Errorf("decoding evaluation: %w", err)
	}
	if evaluated.ExceptionDetails != nil {
		return "", fmt.Errorf("evaluation threw: %s", evaluated.ExceptionDetails.Text)
	}
	var text string
	if err := json.Unmarshal(evaluated.Result.Value, &text); err != nil {
		return "", fmt.Errorf("rendered text is %s, not a string", evaluated.Result.Type)
	}
	return text, nil
}

func (r *run) finish(ev event, expected string) Result {
	if ev.err != nil {
		if errors.Is(ev.err, context.DeadlineExceeded) && r.ctx.Err() == nil {
			return r.timeout()
		}
		return r.fail(fmt.Errorf("reading rendered text: %w", ev.err))
	}

	actual := ev.text + "\n"
	res := Result{Actual: actual, Expected: expected}
	if actual == expected {
		r.enter(Succeeded)
		res.Outcome = Success
		return res
	}

	r.enter(Failed)
	res.Outcome = Failure
	res.Err = ErrOutputMismatch
	res.Diff = unifiedDiff(expected, actual)
	return res
}

func unifiedDiff(expected, actual string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(actual),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

func (r *run) fail(err error) Result {
	r.settle(Failed)
	return Result{Outcome: Failure, Err: err}
}

func (r *run) timeout() Result {
	r.settle(TimedOut)
	return Result{Outcome: Timeout, Err: ErrWatchdog}
}

func (r *run) settle(s State) {
	r.done = true
	if r.watchdog != nil {
		r.watchdog.Stop()
	}
	r.detach()
	r.enter(s)
}

func (r *run) enter(s State) {
	if r.state == s {
		return
	}
	r.log.Debug("state", "from", r.state, "to", s)
	r.state = s
	if r.o.cfg.OnState != nil {
		r.o.cfg.OnState(r.tc, s)
	}
}

// relayQueue is an unbounded FIFO between the event loop and the relay
// goroutine, so the loop never blocks on a slow front end. Its context
// ends when the queue is closed.
type relayQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	items  [][]byte
	closed bool
	signal chan struct{}
}

func newRelayQueue(parent context.Context) *relayQueue {
	ctx, cancel := context.WithCancel(parent)
	return &relayQueue{ctx: ctx, cancel: cancel, signal: make(chan struct{}, 1)}
}

func (q *relayQueue) push(data []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, data)
	q.mu.Unlock()
	q.notify()
}

func (q *relayQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.cancel()
	q.notify()
}

func (q *relayQueue) next() ([]byte, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			data := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return data, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-q.ctx.Done():
			return nil, false
		}
	}
}

func (q *relayQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
