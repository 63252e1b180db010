package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/runbox/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// detailHeaderLines is the height of the fixed part of the detail view
// above the history viewport.
const detailHeaderLines = 14

func (a *App) renderTaskDetail() string {
	if a.current == nil {
		return "\n  Loading...\n"
	}
	t := a.current

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%s  %s", t.Type, t.ID)))
	b.WriteString("\n")
	b.WriteString(renderField("Status", formatStatus(t.Status)))
	b.WriteString(renderField("Owner", t.Owner))
	b.WriteString(renderField("Plan", planLabel(t)))
	b.WriteString(renderField("Limits", fmt.Sprintf("%.2f cpu, %d MB, %ds", t.Limits.CPUShare, t.Limits.MemoryMB, t.Limits.TimeoutSec)))
	b.WriteString(renderField("Created", t.CreatedAt.Local().Format(time.DateTime)))
	if t.StartedAt != nil {
		b.WriteString(renderField("Elapsed", elapsed(*t, time.Now())))
	}
	if t.SandboxID != "" {
		b.WriteString(renderField("Sandbox", shortID(t.SandboxID)))
	}
	if t.Usage != nil {
		b.WriteString(renderField("Usage", fmt.Sprintf("%.1fs wall, %.1f cpu-s, %.0f MB-s", t.Usage.WallSeconds, t.Usage.CPUSeconds, t.Usage.MemoryMBSeconds)))
	}
	if len(t.Output) > 0 {
		b.WriteString(renderField("Output", truncate(string(t.Output), 100)))
	}
	if t.Error != "" {
		b.WriteString(renderField("Error", statusFailed.Render(truncate(t.Error, 100))))
	}

	b.WriteString(sectionStyle.Render("History"))
	b.WriteString("\n")
	b.WriteString(a.viewport.View())
	return b.String()
}

func renderField(label, value string) string {
	return fmt.Sprintf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-8s", label+":")), valueStyle.Render(value))
}

func planLabel(t *models.Task) string {
	if t.Overage {
		return t.Plan + " (overage)"
	}
	return t.Plan
}

func renderHistory(entries []models.PDREntry) string {
	if len(entries) == 0 {
		return mutedStyle.Render("  no decision records")
	}
	var lines []string
	for _, e := range entries {
		var outcome string
		switch e.Outcome {
		case string(models.TaskStatusFailed):
			outcome = statusFailed.Render(e.Outcome)
		case string(models.TaskStatusCanceled):
			outcome = statusCanceled.Render(e.Outcome)
		default:
			outcome = statusCompleted.Render(e.Outcome)
		}
		line := fmt.Sprintf("  %s  %-14s %s", e.Timestamp.Local().Format("15:04:05"), e.Action, outcome)
		if e.Details != "" {
			line += "  " + mutedStyle.Render(truncate(e.Details, 60))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
