package runner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "SUCCESS", Success.String())
	assert.Equal(t, "FAILURE", Failure.String())
	assert.Equal(t, "TIMEOUT", Timeout.String())

	data, err := json.Marshal(map[string]Outcome{"outcome": Timeout})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"outcome":"TIMEOUT"}`, string(data))
}

func TestSummary(t *testing.T) {
	var a Summary
	a.Add(Result{Test: NewTestCase("a.html"), Outcome: Success})
	a.Add(Result{Test: NewTestCase("b.html"), Outcome: Failure})

	var b Summary
	b.Add(Result{Test: NewTestCase("c.html"), Outcome: Timeout})
	b.Add(Result{Test: NewTestCase("d.html"), Outcome: Success})

	total := a.Merge(b)
	assert.Equal(t, 2, total.Succeeded)
	assert.Equal(t, 1, total.Failed)
	assert.Equal(t, 1, total.TimedOut)
	assert.Equal(t, 4, total.Total())
	assert.False(t, total.OK())
	assert.Equal(t, "a.html", total.Results[0].Test.Path)
	assert.Equal(t, "d.html", total.Results[3].Test.Path)

	// merging leaves the operands alone
	assert.Len(t, a.Results, 2)

	var ok Summary
	ok.Add(Result{Outcome: Success})
	assert.True(t, ok.OK())
	assert.True(t, Summary{}.OK())
}

func TestState(t *testing.T) {
	assert.Equal(t, "awaiting-ready", AwaitingReady.String())
	assert.Equal(t, "invalid", State(99).String())
	assert.True(t, TimedOut.Terminal())
	assert.False(t, Completing.Terminal())
}
