package ingest

import (
	"strings"
	"time"
)

// Go test2json (TestEvent) action constants for JSON test output
// See https://cs.opensource.google/go/go/+/master:src/cmd/test2json/main.go;l=34-60
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
)

// TestEvent represents a single event from the go test JSON output
type TestEvent struct {
	Time    time.Time // Time the event occurred
	Action  string    // The action taken (run, pause, cont, pass, fail, skip, output)
	Package string    // The package being tested
	Test    string    // The test function name (may be empty for package events)
	Output  string    // Output text (may be empty)
	Elapsed float64   // Elapsed time in seconds for the specific action
}

var framingPrefixes = []string{
	"=== RUN", "=== PAUSE", "=== CONT", "=== NAME",
	"--- PASS:", "--- FAIL:", "--- SKIP:",
}

// isFraming reports whether line is a status line written by the test
// framework rather than by the test.
func isFraming(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	for _, p := range framingPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}
