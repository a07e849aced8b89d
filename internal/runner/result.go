package runner

import (
	"fmt"
	"time"
)

// Outcome is the verdict on one test.
type Outcome int

const (
	Success Outcome = iota
	Failure
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "SUCCESS"
	case Failure:
		return "FAILURE"
	case Timeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MarshalText encodes the outcome as its name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result is the report for one test.
type Result struct {
	Test     TestCase
	Outcome  Outcome
	Actual   string
	Expected string
	Diff     string // unified diff, expected to actual, on mismatch
	Err      error
	Duration time.Duration
	Shard    int
}

// Summary tallies results.
type Summary struct {
	Succeeded int
	Failed    int
	TimedOut  int
	Results   []Result
}

// Add records r.
func (s *Summary) Add(r Result) {
	switch r.Outcome {
	case Success:
		s.Succeeded++
	case Failure:
		s.Failed++
	case Timeout:
		s.TimedOut++
	}
	s.Results = append(s.Results, r)
}

// Merge returns the sum of s and other. Results keep s's first.
func (s Summary) Merge(other Summary) Summary {
	return Summary{
		Succeeded: s.Succeeded + other.Succeeded,
		Failed:    s.Failed + other.Failed,
		TimedOut:  s.TimedOut + other.TimedOut,
		Results:   append(append([]Result(nil), s.Results...), other.Results...),
	}
}

// Total returns the number of results.
func (s Summary) Total() int {
	return s.Succeeded + s.Failed + s.TimedOut
}

// OK reports whether every test succeeded.
func (s Summary) OK() bool {
	return s.Failed == 0 && s.TimedOut == 0
}
