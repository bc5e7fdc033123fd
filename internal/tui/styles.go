package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/0x6d61/cagebridge/pkg/schema"
)

// Color palette
var (
	colorPrimary      = lipgloss.Color("#00D7FF") // cyan: focus / blue team
	colorSecondary    = lipgloss.Color("#AF87FF") // purple: discovery
	colorSuccess      = lipgloss.Color("#87FF5F") // green: clean / restored
	colorWarning      = lipgloss.Color("#FFD700") // yellow: analysed / decoy
	colorDanger       = lipgloss.Color("#FF5555") // red: red team / compromised
	colorMuted        = lipgloss.Color("#555577") // dim gray: timestamps / hints
	colorBorder       = lipgloss.Color("#333355") // default border
	colorBorderActive = lipgloss.Color("#00D7FF") // focused border
	colorTitle        = lipgloss.Color("#FFFFFF") // pane titles
)

// Pane borders
var (
	leftPaneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder)

	leftPaneActiveStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorBorderActive)

	rightPaneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder)

	rightPaneActiveStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorBorderActive)
)

// Footer (last red / blue action)
var footerStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(colorBorder)

// Status bar (top)
var statusBarStyle = lipgloss.NewStyle().
	Background(lipgloss.Color("#0D0D1A")).
	Foreground(colorPrimary).
	Padding(0, 1)

// Quit confirmation dialog (centered overlay)
var confirmQuitBoxStyle = lipgloss.NewStyle().
	Border(lipgloss.DoubleBorder()).
	BorderForeground(colorDanger).
	Padding(0, 2)

// Host label color styles
var (
	labelCleanStyle       = lipgloss.NewStyle().Foreground(colorMuted)
	labelCompromisedStyle = lipgloss.NewStyle().Foreground(colorDanger).Bold(true)
	labelDecoyStyle       = lipgloss.NewStyle().Foreground(colorWarning)
	labelRestoredStyle    = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	labelAnalysedStyle    = lipgloss.NewStyle().Foreground(colorPrimary)
)

// Event type tags
var (
	eventStepStyle     = lipgloss.NewStyle().Foreground(colorMuted)
	eventRedStyle      = lipgloss.NewStyle().Foreground(colorDanger).Bold(true)
	eventDiscoverStyle = lipgloss.NewStyle().Foreground(colorSecondary)
	eventDetectStyle   = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	eventBlueStyle     = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	eventErrorStyle    = lipgloss.NewStyle().Foreground(colorDanger)
	eventCompleteStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
)

func labelStyle(l schema.HostLabel) lipgloss.Style {
	switch l {
	case schema.LabelCompromised:
		return labelCompromisedStyle
	case schema.LabelDecoy:
		return labelDecoyStyle
	case schema.LabelRestored:
		return labelRestoredStyle
	case schema.LabelAnalysed:
		return labelAnalysedStyle
	default:
		return labelCleanStyle
	}
}

func eventStyle(t schema.EventType) lipgloss.Style {
	switch t {
	case schema.EventRed:
		return eventRedStyle
	case schema.EventDiscover:
		return eventDiscoverStyle
	case schema.EventDetect:
		return eventDetectStyle
	case schema.EventBlue:
		return eventBlueStyle
	case schema.EventError:
		return eventErrorStyle
	case schema.EventComplete:
		return eventCompleteStyle
	default:
		return eventStepStyle
	}
}
