// Package runner drives protocol-level front-end tests: one Orchestrator
// per browser tab pair, many pairs in a Pool.
package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ConsoleMessagePrefix marks expectation lines that record console output.
// The runner compares rendered text only, so these lines are dropped.
const ConsoleMessagePrefix = "CONSOLE MESSAGE:"

// Errors
var (
	ErrTargetUnavailable        = errors.New("target unavailable")
	ErrMalformedInstrumentation = errors.New("malformed instrumentation message")
	ErrNoExpectation            = errors.New("no expectation file")
	ErrOutputMismatch           = errors.New("output does not match expectation")
	ErrWatchdog                 = errors.New("watchdog expired")
)

// TestCase is one HTML test page and its expected-output file.
type TestCase struct {
	Path         string `json:"path"`
	ExpectedPath string `json:"expected_path"`
}

// NewTestCase pairs path with its expectation: foo.html expects
// foo-expected.txt.
func NewTestCase(path string) TestCase {
	return TestCase{Path: path, ExpectedPath: ExpectedPath(path)}
}

// ExpectedPath returns the expectation file for a test page.
func ExpectedPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "-expected.txt"
}

// Name is the path used in reports.
func (tc TestCase) Name() string {
	return filepath.ToSlash(tc.Path)
}

// LoadExpectation reads and filters an expectation file.
func LoadExpectation(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNoExpectation, path)
	}
	if err != nil {
		return "", fmt.Errorf("reading expectation: %w", err)
	}
	return FilterExpectation(string(data)), nil
}

// FilterExpectation removes console-message lines.
func FilterExpectation(text string) string {
	var b strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		if strings.HasPrefix(line, ConsoleMessagePrefix) {
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}
