// Package ui holds the terminal styling used by CLI output.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	labelStyle   = lipgloss.NewStyle().Faint(true)
)

func RenderTitle(s string) string   { return titleStyle.Render(s) }
func RenderAccent(s string) string  { return accentStyle.Render(s) }
func RenderSuccess(s string) string { return successStyle.Render(s) }
func RenderWarn(s string) string    { return warnStyle.Render(s) }
func RenderError(s string) string   { return errorStyle.Render(s) }

// KV renders one aligned "label: value" line for report output.
func KV(label string, value any) string {
	return fmt.Sprintf("  %s %v", labelStyle.Render(fmt.Sprintf("%-16s", label+":")), value)
}

// Rule renders a horizontal separator the width of typical report output.
func Rule() string {
	return labelStyle.Render(strings.Repeat("─", 50))
}
