package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/runbox/internal/models"
)

var (
	statusPending   = lipgloss.NewStyle().Foreground(warningColor)
	statusQueued    = lipgloss.NewStyle().Foreground(secondaryColor)
	statusRunning   = lipgloss.NewStyle().Foreground(primaryColor)
	statusCompleted = lipgloss.NewStyle().Foreground(successColor)
	statusFailed    = lipgloss.NewStyle().Foreground(errorColor)
	statusCanceled  = lipgloss.NewStyle().Foreground(mutedColor)
)

func formatStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending:
		return statusPending.Render("○ PENDING  ")
	case models.TaskStatusQueued:
		return statusQueued.Render("◐ QUEUED   ")
	case models.TaskStatusRunning:
		return statusRunning.Render("◑ RUNNING  ")
	case models.TaskStatusCompleted:
		return statusCompleted.Render("● DONE     ")
	case models.TaskStatusFailed:
		return statusFailed.Render("✗ FAILED   ")
	case models.TaskStatusCanceled:
		return statusCanceled.Render("⊘ CANCELED ")
	default:
		return string(status)
	}
}

func formatStatusPlain(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending:
		return "○"
	case models.TaskStatusQueued:
		return "◐"
	case models.TaskStatusRunning:
		return "◑"
	case models.TaskStatusCompleted:
		return "●"
	case models.TaskStatusFailed:
		return "✗"
	case models.TaskStatusCanceled:
		return "⊘"
	default:
		return "?"
	}
}

func (a *App) renderTaskList(height int) string {
	if a.loading && len(a.tasks) == 0 {
		return "\n  " + a.spinner.View() + " Loading tasks...\n"
	}
	if len(a.tasks) == 0 {
		return "\n  No tasks found.\n"
	}

	var lines []string
	for i, task := range a.tasks {
		row := fmt.Sprintf("%s  %-16s  %-14s  %8s", shortID(task.ID), truncate(task.Owner, 16), truncate(task.Type, 14), elapsed(task, time.Now()))
		if task.Overage {
			row += "  overage"
		}
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("▶ %s %s  %s", formatStatusPlain(task.Status), task.Status, row)))
		} else {
			lines = append(lines, taskItemStyle.Render(fmt.Sprintf("  %s %s", formatStatus(task.Status), row)))
		}
	}

	if len(lines) > height {
		start := a.selectedIdx - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}

	return strings.Join(lines, "\n")
}

// elapsed is the run time of a started task, or its age while it waits.
func elapsed(t models.Task, now time.Time) string {
	if t.StartedAt == nil {
		return formatDuration(now.Sub(t.CreatedAt))
	}
	end := now
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return formatDuration(end.Sub(*t.StartedAt))
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
