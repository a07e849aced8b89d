package instrument

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyan/rdprun/internal/rdp"
)

func TestDecode_NotACommand(t *testing.T) {
	for _, text := range []string{"", "hello", " #devtools-tests#{}", "devtools-tests"} {
		_, ok := Decode(text)
		assert.False(t, ok, "%q", text)
	}
}

func TestDecode_Kinds(t *testing.T) {
	tests := []struct {
		text string
		kind Kind
	}{
		{`#devtools-tests#{"method":"notifyDone","args":[]}`, NotifyDone},
		{`#devtools-tests#{"method":"readyForTest","args":[]}`, ReadyForTest},
		{`#devtools-tests#{"method":"loadCompleted"}`, LoadCompleted},
		{`#devtools-tests#{"method":"sendMessageToBackend","args":["{}"]}`, SendMessageToBackend},
		{`#devtools-tests#{"method":"evaluateInWebInspector","args":[1,"code"]}`, EvaluateInWebInspector},
		{`#devtools-tests#{"method":"bringToFront","args":[]}`, Unknown},
	}
	for _, tt := range tests {
		cmd, ok := Decode(tt.text)
		require.True(t, ok)
		assert.Equal(t, tt.kind, cmd.Kind, tt.text)
		assert.NoError(t, cmd.Err)
	}
}

func TestDecode_EmptyObjectArgs(t *testing.T) {
	cmd, ok := Decode(`#devtools-tests#{"method":"notifyDone","args":{}}`)
	require.True(t, ok)
	assert.Equal(t, NotifyDone, cmd.Kind)
	assert.Empty(t, cmd.Args)
}

func TestDecode_Malformed(t *testing.T) {
	for _, text := range []string{
		`#devtools-tests#{not json`,
		`#devtools-tests#`,
		`#devtools-tests#{"args":[]}`,
		`#devtools-tests#{"method":"notifyDone","args":"x"}`,
		`#devtools-tests#[1,2]`,
	} {
		cmd, ok := Decode(text)
		require.True(t, ok, text)
		assert.Equal(t, Malformed, cmd.Kind, text)
		assert.Error(t, cmd.Err, text)
		assert.Equal(t, strings.TrimPrefix(text, Marker), cmd.Raw)
	}
}

func TestCommand_StringArg(t *testing.T) {
	cmd, _ := Decode(`#devtools-tests#{"method":"evaluateInWebInspector","args":[3,"InspectorTest.run()"]}`)

	code, ok := cmd.StringArg(1)
	assert.True(t, ok)
	assert.Equal(t, "InspectorTest.run()", code)

	_, ok = cmd.StringArg(0)
	assert.False(t, ok, "number is not a string")
	_, ok = cmd.StringArg(2)
	assert.False(t, ok, "out of range")
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "notifyDone", NotifyDone.String())
	assert.Equal(t, "malformed", Malformed.String())
	assert.Equal(t, "unknown", Unknown.String())
}

func TestConsoleText(t *testing.T) {
	msg := &rdp.Message{
		Method: "Console.messageAdded",
		Params: json.RawMessage(`{"message":{"source":"console-api","level":"log","text":"hello"}}`),
	}
	text, ok := ConsoleText(msg)
	assert.True(t, ok)
	assert.Equal(t, "hello", text)

	_, ok = ConsoleText(&rdp.Message{Method: "Page.loadEventFired", Params: json.RawMessage(`{}`)})
	assert.False(t, ok)
	_, ok = ConsoleText(&rdp.Message{Method: "Console.messageAdded", Params: json.RawMessage(`[`)})
	assert.False(t, ok)
	_, ok = ConsoleText(nil)
	assert.False(t, ok)
}

func TestScripts(t *testing.T) {
	runner := TestRunnerScript()
	assert.True(t, strings.HasPrefix(runner, "(function"))
	assert.True(t, strings.HasSuffix(runner, ")()"))
	assert.Contains(t, runner, Marker)
	assert.Contains(t, runner, "notifyDone")

	host := FrontendHostScript(`/tests/a "quoted".html`)
	assert.Contains(t, host, "window.InspectorFrontendHost")
	assert.True(t, strings.HasSuffix(host, `)("/tests/a \"quoted\".html")`))
}

func TestDispatchExpression(t *testing.T) {
	payload := []byte(`{"method":"Page.loadEventFired","params":{}}`)
	expr := DispatchExpression(payload)
	assert.Equal(t, `InspectorFrontendHost.dispatchMessageOnFrontend({"method":"Page.loadEventFired","params":{}})`, expr)

	got, ok := DispatchedMessage(expr)
	assert.True(t, ok)
	assert.Equal(t, string(payload), got)

	_, ok = DispatchedMessage(RenderedTextExpression)
	assert.False(t, ok)
}
