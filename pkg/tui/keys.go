package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Interrupt key.Binding
	Quit      key.Binding
	Submit    key.Binding
	Up        key.Binding
	Down      key.Binding
	Toggle    key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Interrupt: key.NewBinding(key.WithKeys("esc", "ctrl+c"), key.WithHelp("esc", "interrupt")),
		Quit:      key.NewBinding(key.WithKeys("ctrl+d"), key.WithHelp("ctrl+d", "quit")),
		Submit:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "submit")),
		Up:        key.NewBinding(key.WithKeys("up", "ctrl+p"), key.WithHelp("↑", "up")),
		Down:      key.NewBinding(key.WithKeys("down", "ctrl+n"), key.WithHelp("↓", "down")),
		Toggle:    key.NewBinding(key.WithKeys(" "), key.WithHelp("space", "toggle")),
	}
}
