package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	overlay "github.com/rmhubbert/bubbletea-overlay"
)

// columns of the cache table, in display order.
var columns = []struct {
	title string
	width int
	sort  sortKey
}{
	{"OBJS", 7, sortByObjects},
	{"ACTIVE", 7, sortByActive},
	{"USE", 4, sortByUsage},
	{"OBJ SIZE", 9, sortBySize},
	{"SLABS", 6, sortBySlabs},
	{"OBJ/SLAB", 8, -1},
	{"CACHE SIZE", 10, sortByBytes},
	{"NAME", 0, sortByName},
}

// View renders the entire UI
func (m Model) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.showHelp {
		// Recreated each render; Update returns new models so a stored
		// pointer would be stale.
		help := overlay.New(
			helpModel{keys: m.keys},
			mainView{model: &m},
			overlay.Center,
			overlay.Center,
			0,
			0,
		)
		return help.View()
	}
	return m.renderMain()
}

func (m Model) renderMain() string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.renderHeader(),
		m.renderTable(),
		m.renderStatus(),
	)
}

// renderHeader renders the title and the summary lines.
func (m Model) renderHeader() string {
	t := m.totals
	title := headerStyle.Render("slabtop - " + m.refreshed.Format("15:04:05"))
	if m.paused {
		title = lipgloss.JoinHorizontal(lipgloss.Top, title, "  ", pausedStyle.Render("PAUSED"))
	}

	line := func(label string, active, total float64, unit string) string {
		return summaryLabelStyle.Render(fmt.Sprintf(" %-32s: ", label)) +
			summaryValueStyle.Render(fmt.Sprintf("%.*f%s / %.*f%s (%.1f%%)",
				decimals(unit), active, unit, decimals(unit), total, unit, percent(active, total)))
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		line("Active / Total Objects (% used)", float64(t.ActiveObjs), float64(t.TotalObjs), ""),
		line("Active / Total Slabs (% used)", float64(m.activeSlabs), float64(t.Slabs), ""),
		line("Active / Total Size (% used)", float64(t.ActiveBytes)/1024, float64(t.SlabBytes)/1024, "K"),
		"",
	)
}

func decimals(unit string) int {
	if unit == "" {
		return 0
	}
	return 2
}

func percent(part, whole float64) float64 {
	if whole == 0 {
		return 0
	}
	return part * 100 / whole
}

// renderTable renders the column header and the scrolling rows.
func (m Model) renderTable() string {
	var hdr strings.Builder
	for i, col := range columns {
		if i > 0 {
			hdr.WriteString(" ")
		}
		title := col.title
		if col.width > 0 {
			title = fmt.Sprintf("%*s", col.width, title)
		}
		if col.sort == m.sortBy {
			hdr.WriteString(tableSortedStyle.Render(title))
		} else {
			hdr.WriteString(tableHeaderStyle.Render(title))
		}
	}
	body := lipgloss.JoinVertical(lipgloss.Left, hdr.String(), m.table.View())
	if m.width > 2 {
		return paneStyle.Width(m.width - 2).Render(body)
	}
	return paneStyle.Render(body)
}

// renderRows renders every row; the viewport shows the visible part.
func (m Model) renderRows() string {
	if len(m.rows) == 0 {
		return tableIdleStyle.Render("no caches")
	}
	lines := make([]string, len(m.rows))
	for i, ci := range m.rows {
		row := fmt.Sprintf("%7d %7d %3d%% %8.2fK %6d %8d %9dK %s",
			ci.TotalObjs,
			ci.ActiveObjs,
			usage(ci),
			float64(ci.ObjectSize)/1024,
			ci.Slabs,
			ci.ObjsPerSlab,
			cacheBytes(ci)/1024,
			ci.Name,
		)
		switch {
		case i == m.cursor:
			lines[i] = tableSelectedStyle.Render(row)
		case ci.Slabs == 0:
			lines[i] = tableIdleStyle.Render(row)
		default:
			lines[i] = tableRowStyle.Render(row)
		}
	}
	return strings.Join(lines, "\n")
}

// renderStatus renders the status bar
func (m Model) renderStatus() string {
	if m.statusMessage != "" {
		return statusStyle.Width(m.width).Render(statusMessageStyle.Render(m.statusMessage))
	}

	var help strings.Builder
	fmt.Fprintf(&help, "sorted by %s", m.sortBy)
	if m.reverse {
		help.WriteString(" (reversed)")
	}
	if m.hideEmpty {
		help.WriteString(" • empty hidden")
	}
	if ci, ok := m.Selected(); ok {
		fmt.Fprintf(&help, " • %s %s", ci.Name, ci.FlagNames)
	}
	help.WriteString(" • ? help • q quit")
	return statusStyle.Width(m.width).Render(help.String())
}

// mainView adapts the main screen to a tea.Model so it can sit under an
// overlay.
type mainView struct {
	model *Model
}

func (v mainView) Init() tea.Cmd                       { return nil }
func (v mainView) Update(tea.Msg) (tea.Model, tea.Cmd) { return v, nil }
func (v mainView) View() string                        { return v.model.renderMain() }

// helpModel renders the keyboard shortcut overlay.
type helpModel struct {
	keys KeyMap
}

func (h helpModel) Init() tea.Cmd                       { return nil }
func (h helpModel) Update(tea.Msg) (tea.Model, tea.Cmd) { return h, nil }

func (h helpModel) View() string {
	sections := []struct {
		title    string
		bindings []key.Binding
	}{
		{"Navigation", []key.Binding{h.keys.Up, h.keys.Down, h.keys.PageUp, h.keys.PageDown, h.keys.Home, h.keys.End}},
		{"Sorting", []key.Binding{
			h.keys.SortObjects, h.keys.SortActive, h.keys.SortName, h.keys.SortSize,
			h.keys.SortUsage, h.keys.SortBytes, h.keys.SortSlabs, h.keys.Reverse,
		}},
		{"Commands", []key.Binding{h.keys.Pause, h.keys.HideEmpty, h.keys.Shrink, h.keys.Copy, h.keys.Help, h.keys.Quit}},
	}

	const keyWidth = 8
	var b strings.Builder
	b.WriteString(helpTitleStyle.Render("Keyboard Shortcuts"))
	b.WriteString("\n")
	for i, sec := range sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(helpSectionStyle.Render(sec.title))
		b.WriteString("\n")
		for _, kb := range sec.bindings {
			hb := kb.Help()
			b.WriteString(helpKeyStyle.Width(keyWidth).Render(hb.Key))
			b.WriteString("  ")
			b.WriteString(helpDescStyle.Render(hb.Desc))
			b.WriteString("\n")
		}
	}
	return modalStyle.Render(strings.TrimSuffix(b.String(), "\n"))
}
