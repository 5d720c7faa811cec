package main

import (
	"bytes"
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/joshuapare/slabkit/cmd/slabtop/logger"
	"github.com/joshuapare/slabkit/pkg/slabinfo"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		if !m.paused {
			m.refresh()
		}
		return m, m.tick()

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Any help, esc or quit key closes the overlay
	if m.showHelp {
		if key.Matches(msg, m.keys.Help, m.keys.Esc, m.keys.Quit) {
			m.showHelp = false
		}
		return m, nil
	}

	m.statusMessage = ""
	page := max(m.table.Height, 1)

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		m.moveCursor(-1)
	case key.Matches(msg, m.keys.Down):
		m.moveCursor(1)
	case key.Matches(msg, m.keys.PageUp):
		m.moveCursor(-page)
	case key.Matches(msg, m.keys.PageDown):
		m.moveCursor(page)
	case key.Matches(msg, m.keys.Home):
		m.moveCursor(-len(m.rows))
	case key.Matches(msg, m.keys.End):
		m.moveCursor(len(m.rows))

	case key.Matches(msg, m.keys.SortObjects):
		m.setSort(sortByObjects)
	case key.Matches(msg, m.keys.SortActive):
		m.setSort(sortByActive)
	case key.Matches(msg, m.keys.SortName):
		m.setSort(sortByName)
	case key.Matches(msg, m.keys.SortSize):
		m.setSort(sortBySize)
	case key.Matches(msg, m.keys.SortUsage):
		m.setSort(sortByUsage)
	case key.Matches(msg, m.keys.SortBytes):
		m.setSort(sortByBytes)
	case key.Matches(msg, m.keys.SortSlabs):
		m.setSort(sortBySlabs)
	case key.Matches(msg, m.keys.Reverse):
		m.reverse = !m.reverse
		m.refresh()

	case key.Matches(msg, m.keys.Pause):
		m.paused = !m.paused
		if !m.paused {
			m.refresh()
		}
	case key.Matches(msg, m.keys.HideEmpty):
		m.hideEmpty = !m.hideEmpty
		m.refresh()
	case key.Matches(msg, m.keys.Shrink):
		n := m.sys.Slabs().ShrinkAll()
		logger.Info("shrink", "slabs", n)
		m.statusMessage = fmt.Sprintf("Released %d empty slabs", n)
		m.refresh()
	case key.Matches(msg, m.keys.Copy):
		m.statusMessage = m.copyReport()
	case key.Matches(msg, m.keys.Help):
		m.showHelp = true
	}
	return m, nil
}

// setSort orders by k, or flips the order when k is already selected.
func (m *Model) setSort(k sortKey) {
	if m.sortBy == k {
		m.reverse = !m.reverse
	} else {
		m.sortBy = k
		m.reverse = false
	}
	m.refresh()
}

func (m Model) copyReport() string {
	var buf bytes.Buffer
	if err := slabinfo.Write(&buf, m.sys.Caches()); err != nil {
		return fmt.Sprintf("Copy failed: %v", err)
	}
	if err := m.copyText(buf.String()); err != nil {
		logger.Warn("clipboard write failed", "error", err)
		return fmt.Sprintf("Copy failed: %v", err)
	}
	return fmt.Sprintf("Copied slabinfo (%d bytes)", buf.Len())
}
