package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

// statusStyle colours the lifecycle states shared by anchors and witnesses
func statusStyle(status string) string {
	color := fgColor
	switch status {
	case "ACTIVE", "IDLE", "WITNESSED", "OK":
		color = accentColor
	case "RETIRED", "PULLING", "PUSHING":
		color = warningColor
	case "REVOKED", "BANNED", "ERROR", "NOT WITNESSED", "REJECTED":
		color = dangerColor
	}
	return lipgloss.NewStyle().Foreground(color).Bold(true).Render(status)
}

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers(headers...)
	for _, r := range rows {
		t.Row(r...)
	}
	return t.Render()
}

// renderFields prints aligned label/value pairs under a title
func renderFields(title string, fields [][2]string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	for _, f := range fields {
		b.WriteString(labelStyle.Render(f[0]))
		b.WriteString(valueStyle.Render(f[1]))
		b.WriteString("\n")
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return mutedStyle.Render("-")
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return mutedStyle.Render("-")
	}
	return formatTime(time.UnixMilli(ms))
}

func orDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s…", s[:n])
}
