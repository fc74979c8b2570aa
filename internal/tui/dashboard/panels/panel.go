// Package panels renders the sections of the live dashboard.
package panels

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
)

// Priority orders panels when space is short.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// PanelConfig describes a panel.
type PanelConfig struct {
	ID              string
	Title           string
	Priority        Priority
	RefreshInterval time.Duration
	MinWidth        int
	MinHeight       int
	Collapsible     bool
}

// Keybinding is a panel-specific shortcut.
type Keybinding struct {
	Key         key.Binding
	Description string
	Action      string
}

// PanelBase carries the size and focus state every panel shares.
type PanelBase struct {
	config  PanelConfig
	width   int
	height  int
	focused bool
}

// NewPanelBase creates a PanelBase.
func NewPanelBase(cfg PanelConfig) PanelBase {
	return PanelBase{config: cfg}
}

func (p *PanelBase) Config() PanelConfig { return p.config }
func (p *PanelBase) Width() int          { return p.width }
func (p *PanelBase) Height() int         { return p.height }
func (p *PanelBase) IsFocused() bool     { return p.focused }
func (p *PanelBase) Focus()              { p.focused = true }
func (p *PanelBase) Blur()               { p.focused = false }

// SetSize sets the panel dimensions.
func (p *PanelBase) SetSize(width, height int) {
	p.width = width
	p.height = height
}

// Keybindings returns no shortcuts by default.
func (p *PanelBase) Keybindings() []Keybinding { return nil }
