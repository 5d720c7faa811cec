package main

import (
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/joshuapare/slabkit/mm/slab"
	"github.com/joshuapare/slabkit/pkg/slabinfo"
	"github.com/joshuapare/slabkit/pkg/slabkit"
)

// Layout constants
const (
	headerHeight = 5                // title, three summary lines, blank
	chromeHeight = headerHeight + 4 // table border and column header, status bar

	defaultInterval = time.Second
)

// tickMsg triggers a periodic refresh.
type tickMsg time.Time

// Model is the main application model
type Model struct {
	sys      *slabkit.System
	keys     KeyMap
	interval time.Duration

	rows        []slab.CacheInfo
	totals      slabinfo.Totals
	activeSlabs int

	sortBy    sortKey
	reverse   bool
	hideEmpty bool
	paused    bool
	showHelp  bool

	cursor int
	table  viewport.Model
	width  int
	height int

	statusMessage string
	refreshed     time.Time
	err           error

	// copyText puts text on the clipboard.
	copyText func(string) error
}

// NewModel creates a model showing sys, refreshed every interval.
func NewModel(sys *slabkit.System, interval time.Duration) Model {
	if interval <= 0 {
		interval = defaultInterval
	}
	m := Model{
		sys:      sys,
		keys:     DefaultKeyMap(),
		interval: interval,
		table:    viewport.New(0, 0),
		copyText: clipboard.WriteAll,
	}
	m.refresh()
	return m
}

// Init starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return m.tick()
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refresh takes a new snapshot, keeping the cursor on the same cache.
func (m *Model) refresh() {
	selected := ""
	if m.cursor < len(m.rows) {
		selected = m.rows[m.cursor].Name
	}

	infos := m.sys.Caches()
	m.totals = slabinfo.Sum(infos)
	m.activeSlabs = 0
	for _, ci := range infos {
		m.activeSlabs += ci.ActiveSlabs
	}
	if m.hideEmpty {
		infos = filterEmpty(infos)
	}
	sortInfos(infos, m.sortBy, m.reverse)
	m.rows = infos
	m.refreshed = time.Now()

	m.cursor = 0
	for i, ci := range m.rows {
		if ci.Name == selected {
			m.cursor = i
			break
		}
	}
	m.updateTable()
}

// Selected returns the cache under the cursor.
func (m Model) Selected() (slab.CacheInfo, bool) {
	if m.cursor >= len(m.rows) {
		return slab.CacheInfo{}, false
	}
	return m.rows[m.cursor], true
}

// moveCursor moves the cursor by delta rows, clamped to the table.
func (m *Model) moveCursor(delta int) {
	m.cursor = max(0, min(m.cursor+delta, len(m.rows)-1))
	m.updateTable()
}

// updateTable redraws the rows and keeps the cursor visible.
func (m *Model) updateTable() {
	m.table.SetContent(m.renderRows())

	visible := m.table.Height
	if visible <= 0 {
		return
	}
	if m.cursor < m.table.YOffset {
		m.table.YOffset = m.cursor
	} else if m.cursor >= m.table.YOffset+visible {
		m.table.YOffset = m.cursor - visible + 1
	}
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height
	m.table.Width = max(width-4, 0)
	m.table.Height = max(height-chromeHeight, 1)
	m.updateTable()
}
