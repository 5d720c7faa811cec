package main

import (
	"io"
	"log/slog"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/joshuapare/slabkit/pkg/slabkit"
)

// openTestSystem opens a heap-backed system that is closed with the test.
func openTestSystem(t *testing.T) *slabkit.System {
	t.Helper()
	cfg := slabkit.DefaultConfig()
	cfg.Page.Backing = "heap"
	cfg.Page.CacheBlocks = -1
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	sys, err := slabkit.Open(cfg)
	if err != nil {
		t.Fatalf("open system: %v", err)
	}
	t.Cleanup(func() { _ = sys.Close() })
	return sys
}

// TestHelper provides utilities for testing TUI components
type TestHelper struct {
	model Model
	cmd   tea.Cmd
}

// NewTestHelper creates a test helper with a model
func NewTestHelper(sys *slabkit.System) *TestHelper {
	return &TestHelper{
		model: NewModel(sys, defaultInterval),
	}
}

func (h *TestHelper) send(msg tea.Msg) *TestHelper {
	updated, cmd := h.model.Update(msg)
	h.model = updated.(Model)
	h.cmd = cmd
	return h
}

// SendKey simulates a key press
func (h *TestHelper) SendKey(keyType tea.KeyType) *TestHelper {
	return h.send(tea.KeyMsg{Type: keyType})
}

// SendKeyRune simulates a character key press
func (h *TestHelper) SendKeyRune(r rune) *TestHelper {
	return h.send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
}

// SendWindowSize simulates a window resize
func (h *TestHelper) SendWindowSize(width, height int) *TestHelper {
	return h.send(tea.WindowSizeMsg{Width: width, Height: height})
}

// Tick simulates the refresh timer firing
func (h *TestHelper) Tick() *TestHelper {
	return h.send(tickMsg{})
}

// LastCmd returns the command returned by the last update
func (h *TestHelper) LastCmd() tea.Cmd {
	return h.cmd
}

// GetModel returns the current model
func (h *TestHelper) GetModel() Model {
	return h.model
}

// GetView returns the rendered view
func (h *TestHelper) GetView() string {
	return h.model.View()
}

// RowNames returns the cache names in display order
func (h *TestHelper) RowNames() []string {
	names := make([]string, len(h.model.rows))
	for i, ci := range h.model.rows {
		names[i] = ci.Name
	}
	return names
}
