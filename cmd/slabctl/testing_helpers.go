package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testConfigPath writes a heap-backed config to a temp dir, points
// --config at it and restores the global flags when the test ends.
func testConfigPath(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slabkit.jsonc")
	data := `{
	// heap backing keeps tests off mmap
	"page": {"backing": "heap", "cache_blocks": -1},
	"log": {"level": "error"},
	` + extra + `
}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	origConfig, origJSON, origQuiet, origVerbose := configPath, jsonOut, quiet, verbose
	t.Cleanup(func() {
		configPath, jsonOut, quiet, verbose = origConfig, origJSON, origQuiet, origVerbose
	})
	configPath = path
	jsonOut = false
	quiet = false
	verbose = false
	return path
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	// Save original stdout
	origStdout := os.Stdout

	// Create a pipe to capture output
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}

	// Redirect stdout to pipe
	os.Stdout = w

	// Drain concurrently so large reports cannot fill the pipe
	done := make(chan struct{})
	var buf bytes.Buffer
	go func() {
		_, _ = buf.ReadFrom(r)
		close(done)
	}()

	// Run function
	fnErr := fn()

	// Close write end and restore stdout
	w.Close()
	os.Stdout = origStdout
	<-done
	r.Close()

	return buf.String(), fnErr
}

// assertJSON checks that output is valid JSON
func assertJSON(t *testing.T, output string) {
	t.Helper()
	var result interface{}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Errorf("invalid JSON output: %v\nOutput: %s", err, output)
	}
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}
