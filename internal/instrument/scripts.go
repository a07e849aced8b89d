package instrument

import (
	_ "embed"
	"encoding/json"
)

// RenderedTextExpression reads the page's rendered text.
const RenderedTextExpression = "document.documentElement.innerText"

const dispatchFunction = "InspectorFrontendHost.dispatchMessageOnFrontend"

//go:embed scripts/test_runner.js
var testRunnerSource string

//go:embed scripts/frontend_host.js
var frontendHostSource string

// TestRunnerScript installs window.testRunner in the inspected page.
func TestRunnerScript() string {
	return "(" + testRunnerSource + ")()"
}

// FrontendHostScript installs the InspectorFrontendHost stub in the front
// end, told which test it is serving.
func FrontendHostScript(testPath string) string {
	arg, _ := json.Marshal(testPath)
	return "(" + frontendHostSource + ")(" + string(arg) + ")"
}

// DispatchExpression hands a raw protocol message to the front end.
// message must be a JSON document, which is also a valid JS expression.
func DispatchExpression(message []byte) string {
	return dispatchFunction + "(" + string(message) + ")"
}

// DispatchedMessage is the inverse of DispatchExpression.
func DispatchedMessage(expression string) (string, bool) {
	prefix := dispatchFunction + "("
	if len(expression) < len(prefix)+1 || expression[:len(prefix)] != prefix || expression[len(expression)-1] != ')' {
		return "", false
	}
	return expression[len(prefix) : len(expression)-1], true
}
