// Package instrument decodes the tagged console lines that the injected
// in-page scripts use to talk to the runner, and provides those scripts.
package instrument

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tomyan/rdprun/internal/rdp"
)

// Marker prefixes every console line carrying a command.
const Marker = "#devtools-tests#"

// Kind identifies a decoded command.
type Kind int

const (
	Malformed Kind = iota
	Unknown
	EvaluateInWebInspector
	NotifyDone
	SendMessageToBackend
	ReadyForTest
	LoadCompleted
)

var kindNames = map[string]Kind{
	"evaluateInWebInspector": EvaluateInWebInspector,
	"notifyDone":             NotifyDone,
	"sendMessageToBackend":   SendMessageToBackend,
	"readyForTest":           ReadyForTest,
	"loadCompleted":          LoadCompleted,
}

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case EvaluateInWebInspector:
		return "evaluateInWebInspector"
	case NotifyDone:
		return "notifyDone"
	case SendMessageToBackend:
		return "sendMessageToBackend"
	case ReadyForTest:
		return "readyForTest"
	case LoadCompleted:
		return "loadCompleted"
	default:
		return "unknown"
	}
}

// Command is one decoded envelope. Kind is Malformed when the payload
// after the marker is not a valid envelope, in which case Err says why.
type Command struct {
	Kind   Kind
	Method string
	Args   []json.RawMessage
	Raw    string
	Err    error
}

// StringArg returns argument i if it is a JSON string.
func (c Command) StringArg(i int) (string, bool) {
	if i < 0 || i >= len(c.Args) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(c.Args[i], &s); err != nil {
		return "", false
	}
	return s, true
}

// Decode parses a console line. The bool is false when the line does not
// start with Marker and so is not a command at all. Decode never fails:
// an unparsable envelope yields a Malformed command.
func Decode(text string) (Command, bool) {
	if !strings.HasPrefix(text, Marker) {
		return Command{}, false
	}
	raw := text[len(Marker):]
	cmd := Command{Raw: raw}

	var env struct {
		Method string          `json:"method"`
		Args   json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		cmd.Err = fmt.Errorf("decoding envelope: %w", err)
		return cmd, true
	}
	if env.Method == "" {
		cmd.Err = errors.New("envelope has no method")
		return cmd, true
	}
	cmd.Method = env.Method

	args := bytes.TrimSpace(env.Args)
	switch {
	case len(args) == 0, bytes.Equal(args, []byte("null")), args[0] == '{':
		// the test runner stub sends {} when there are no arguments
	case args[0] == '[':
		if err := json.Unmarshal(args, &cmd.Args); err != nil {
			cmd.Err = fmt.Errorf("decoding args: %w", err)
			return cmd, true
		}
	default:
		cmd.Err = fmt.Errorf("args must be an array, got %s", args)
		return cmd, true
	}

	if k, ok := kindNames[env.Method]; ok {
		cmd.Kind = k
	} else {
		cmd.Kind = Unknown
	}
	return cmd, true
}

// ConsoleText extracts the text of a Console.messageAdded notification.
func ConsoleText(msg *rdp.Message) (string, bool) {
	if msg == nil || msg.Method != "Console.messageAdded" || len(msg.Params) == 0 {
		return "", false
	}
	var params struct {
		Message struct {
			Text string `json:"text"`
		} `json:"message"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return "", false
	}
	return params.Message.Text, true
}
