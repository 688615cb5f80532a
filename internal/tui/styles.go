package tui

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	colorGreen  = lipgloss.Color("40")
	colorYellow = lipgloss.Color("220")
	colorRed    = lipgloss.Color("196")
	colorCyan   = lipgloss.Color("39")
	colorGray   = lipgloss.Color("244")
	colorWhite  = lipgloss.Color("255")
	colorDim    = lipgloss.Color("240")
)

// Text styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite)

	hintStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	// Label style for field names
	labelStyle = lipgloss.NewStyle().
			Width(20).
			Foreground(colorGray)

	valueStyle = lipgloss.NewStyle().
			Foreground(colorWhite)

	sectionStyle = lipgloss.NewStyle().
			Foreground(colorGray).
			Bold(true)

	statusRunningStyle = lipgloss.NewStyle().
				Foreground(colorGreen).
				Bold(true)

	statusStoppedStyle = lipgloss.NewStyle().
				Foreground(colorRed)

	addrStyle = lipgloss.NewStyle().
			Foreground(colorCyan)

	// Pending approval rows
	approvalStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	selectedStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Reverse(true)

	kindStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Width(6)

	codeStyle = lipgloss.NewStyle().
			Foreground(colorWhite)

	okStyle = lipgloss.NewStyle().
		Foreground(colorGreen)

	failStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	durationStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	logStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed)
)

// StatusText returns styled bridge status text.
func StatusText(running bool) string {
	if running {
		return statusRunningStyle.Render("running")
	}
	return statusStoppedStyle.Render("stopped")
}

// ResultText renders a command outcome marker.
func ResultText(success bool) string {
	if success {
		return okStyle.Render("ok  ")
	}
	return failStyle.Render("fail")
}

// StateText colors a connection state.
func StateText(state string) string {
	switch state {
	case "approved":
		return okStyle.Render(state)
	case "pending":
		return approvalStyle.Render(state)
	default:
		return hintStyle.Render(state)
	}
}
