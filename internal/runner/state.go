package runner

// State is an Orchestrator's position in a single test run.
type State int

const (
	Idle State = iota
	Resetting
	Loading
	AwaitingReady
	Running
	Completing
	Succeeded
	Failed
	TimedOut
)

var stateNames = [...]string{
	Idle:          "idle",
	Resetting:     "resetting",
	Loading:       "loading",
	AwaitingReady: "awaiting-ready",
	Running:       "running",
	Completing:    "completing",
	Succeeded:     "succeeded",
	Failed:        "failed",
	TimedOut:      "timed-out",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == TimedOut
}
