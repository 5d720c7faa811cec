package main

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard shortcuts
type KeyMap struct {
	// Navigation
	Up       key.Binding
	Down     key.Binding
	PageUp   key.Binding
	PageDown key.Binding
	Home     key.Binding
	End      key.Binding

	// Sorting
	SortObjects key.Binding
	SortActive  key.Binding
	SortName    key.Binding
	SortSize    key.Binding
	SortUsage   key.Binding
	SortBytes   key.Binding
	SortSlabs   key.Binding
	Reverse     key.Binding

	// Commands
	Pause     key.Binding
	HideEmpty key.Binding
	Shrink    key.Binding
	Copy      key.Binding
	Help      key.Binding
	Esc       key.Binding
	Quit      key.Binding
}

// DefaultKeyMap returns the default keybindings
func DefaultKeyMap() KeyMap {
	return KeyMap{
		// Navigation
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "move up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "move down"),
		),
		PageUp: key.NewBinding(
			key.WithKeys("pgup"),
			key.WithHelp("pgup", "page up"),
		),
		PageDown: key.NewBinding(
			key.WithKeys("pgdown"),
			key.WithHelp("pgdn", "page down"),
		),
		Home: key.NewBinding(
			key.WithKeys("home", "g"),
			key.WithHelp("g", "go to top"),
		),
		End: key.NewBinding(
			key.WithKeys("end", "G"),
			key.WithHelp("G", "go to bottom"),
		),

		// Sorting
		SortObjects: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "sort by objects"),
		),
		SortActive: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "sort by active objects"),
		),
		SortName: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "sort by name"),
		),
		SortSize: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "sort by object size"),
		),
		SortUsage: key.NewBinding(
			key.WithKeys("u"),
			key.WithHelp("u", "sort by use"),
		),
		SortBytes: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "sort by cache size"),
		),
		SortSlabs: key.NewBinding(
			key.WithKeys("b"),
			key.WithHelp("b", "sort by slabs"),
		),
		Reverse: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reverse order"),
		),

		// Commands
		Pause: key.NewBinding(
			key.WithKeys(" ", "p"),
			key.WithHelp("space", "pause/resume"),
		),
		HideEmpty: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "hide empty caches"),
		),
		Shrink: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "shrink all caches"),
		),
		Copy: key.NewBinding(
			key.WithKeys("y"),
			key.WithHelp("y", "copy slabinfo"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Esc: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
