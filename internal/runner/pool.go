package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomyan/rdprun/internal/logging"
	"github.com/tomyan/rdprun/internal/rdp"
)

// Runner executes tests one at a time.
type Runner interface {
	Run(ctx context.Context, tc TestCase) Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, tc TestCase) Result

func (f RunnerFunc) Run(ctx context.Context, tc TestCase) Result {
	return f(ctx, tc)
}

// RunnerFactory acquires the resources for one shard. The returned func
// releases them.
type RunnerFactory func(ctx context.Context, shard int) (Runner, func(), error)

// Partition splits tests into at most n contiguous shards of
// ceil(len/n) tests each. Order is preserved.
func Partition(tests []TestCase, n int) [][]TestCase {
	if len(tests) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	size := (len(tests) + n - 1) / n
	shards := make([][]TestCase, 0, n)
	for start := 0; start < len(tests); start += size {
		end := min(start+size, len(tests))
		shards = append(shards, tests[start:end])
	}
	return shards
}

// Pool runs shards in parallel, each on its own Runner, and the tests of a
// shard in order.
type Pool struct {
	Jobs      int
	NewRunner RunnerFactory
	// OnResult is called once per finished test. Calls are serialized.
	OnResult func(Result)
	Log      *logging.Logger
}

// Run executes tests and returns the merged summary. A shard that cannot
// acquire its runner aborts the whole run; the summary still holds every
// result reported before that.
func (p *Pool) Run(ctx context.Context, tests []TestCase) (Summary, error) {
	log := logging.OrDefault(p.Log).WithComponent("pool")
	shards := Partition(tests, p.Jobs)
	log.Info("starting", "tests", len(tests), "shards", len(shards))

	summaries := make([]Summary, len(shards))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		g.Go(func() error {
			runner, release, err := p.NewRunner(gctx, i)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			defer release()

			for _, tc := range shard {
				if err := gctx.Err(); err != nil {
					return err
				}
				res := runner.Run(gctx, tc)
				res.Shard = i
				summaries[i].Add(res)
				if p.OnResult != nil {
					mu.Lock()
					p.OnResult(res)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	err := g.Wait()

	var total Summary
	for _, s := range summaries {
		total = total.Merge(s)
	}
	log.Info("finished", "succeeded", total.Succeeded, "failed", total.Failed, "timed_out", total.TimedOut)
	return total, err
}

// BrowserRunners returns a factory that opens an inspected tab and a
// front-end tab per shard and drives them with an Orchestrator.
func BrowserRunners(server *rdp.Server, cfg Config, opts rdp.TransportOptions) RunnerFactory {
	return func(ctx context.Context, shard int) (Runner, func(), error) {
		var cleanup []func()
		release := func() {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
		closeTab := func(id string) func() {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.CloseTab(ctx, id)
			}
		}

		inspectedTab, err := server.NewTab(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: opening inspected tab: %w", ErrTargetUnavailable, err)
		}
		cleanup = append(cleanup, closeTab(inspectedTab.ID))

		frontendTab, err := server.NewTab(ctx)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("%w: opening front-end tab: %w", ErrTargetUnavailable, err)
		}
		cleanup = append(cleanup, closeTab(frontendTab.ID))

		// background tabs get throttled timers
		if err := server.ActivateTab(ctx, frontendTab.ID); err != nil {
			logging.OrDefault(cfg.Log).WithComponent("pool").Warn("activating front-end tab", "shard", shard, "error", err)
		}

		inspected, err := rdp.Dial(ctx, inspectedTab.WebSocketDebuggerURL, opts)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("%w: connecting to inspected tab: %w", ErrTargetUnavailable, err)
		}
		cleanup = append(cleanup, func() { inspected.Close() })

		frontend, err := rdp.Dial(ctx, frontendTab.WebSocketDebuggerURL, opts)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("%w: connecting to front-end tab: %w", ErrTargetUnavailable, err)
		}
		cleanup = append(cleanup, func() { frontend.Close() })

		c := cfg
		c.Shard = shard
		return NewOrchestrator(inspected, frontend, c), release, nil
	}
}
