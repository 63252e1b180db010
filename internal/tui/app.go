// Package tui provides the runbox watch dashboard.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/runbox/internal/apiclient"
	"github.com/fentz26/runbox/internal/controlplane"
	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/processor"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	taskItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// API is the part of the daemon API the dashboard uses.
type API interface {
	ListTasks(ctx context.Context, q apiclient.TaskQuery) ([]models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	TaskHistory(ctx context.Context, id string) ([]models.PDREntry, error)
	CancelTask(ctx context.Context, id string) (*controlplane.CancelResponse, error)
	WorkerStatus(ctx context.Context) (*processor.WorkerStatus, error)
}

// Options tunes the dashboard.
type Options struct {
	// Owner limits the task list to one owner. Empty shows every owner.
	Owner    string
	Interval time.Duration
	Limit    int
}

type mode int

const (
	modeList mode = iota
	modeDetail
)

var filters = []string{"", "pending", "queued", "running", "completed", "failed", "canceled"}
var filterNames = []string{"ALL", "PENDING", "QUEUED", "RUNNING", "DONE", "FAILED", "CANCELED"}

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Open    key.Binding
	Back    key.Binding
	Filter  key.Binding
	Cancel  key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Open, k.Back, k.Filter, k.Cancel, k.Refresh, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Open:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "detail")),
		Back:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
		Filter:  key.NewBinding(key.WithKeys("f", "tab"), key.WithHelp("f", "filter")),
		Cancel:  key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel task")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// App is the dashboard model.
type App struct {
	api  API
	opts Options

	keys     keyMap
	help     help.Model
	spinner  spinner.Model
	viewport viewport.Model

	width  int
	height int
	mode   mode

	tasks       []models.Task
	selectedIdx int
	filterIdx   int
	workers     *processor.WorkerStatus
	current     *models.Task
	history     []models.PDREntry

	message      string
	loading      bool
	daemonOnline bool
	lastRefresh  time.Time
}

// New creates the dashboard.
func New(api API, opts Options) *App {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = 200
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return &App{
		api:      api,
		opts:     opts,
		keys:     defaultKeyMap(),
		help:     help.New(),
		spinner:  sp,
		viewport: viewport.New(80, 20),
		mode:     modeList,
	}
}

// Run starts the dashboard and blocks until the user quits.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.spinner.Tick,
		a.fetchTasks(),
		a.fetchWorkers(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		a.viewport.Width = msg.Width - 4
		a.viewport.Height = max(3, msg.Height-detailHeaderLines-6)

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tasksLoadedMsg:
		a.loading = false
		a.daemonOnline = true
		a.lastRefresh = time.Now()
		a.tasks = msg.tasks
		if a.selectedIdx >= len(a.tasks) {
			a.selectedIdx = max(0, len(a.tasks)-1)
		}

	case workersLoadedMsg:
		a.daemonOnline = true
		a.workers = msg.status

	case taskDetailLoadedMsg:
		if a.mode == modeDetail && a.current != nil && a.current.ID == msg.task.ID {
			a.current = msg.task
			a.history = msg.history
			a.viewport.SetContent(renderHistory(a.history))
		}

	case canceledMsg:
		a.message = fmt.Sprintf("✓ Task %s: %s", shortID(msg.id), msg.status)
		return a, a.refresh()

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
		var apiErr *apiclient.APIError
		if !errors.As(msg.err, &apiErr) {
			a.daemonOnline = false
		}
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, a.keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, a.keys.Refresh):
		a.message = ""
		return a, a.refresh()

	case key.Matches(msg, a.keys.Cancel):
		return a, a.cancelSelected()

	case key.Matches(msg, a.keys.Back):
		if a.mode == modeDetail {
			a.mode = modeList
			a.current = nil
			a.history = nil
			return a, a.fetchTasks()
		}
		return a, nil
	}

	if a.mode == modeDetail {
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}

	switch {
	case key.Matches(msg, a.keys.Up):
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}
	case key.Matches(msg, a.keys.Down):
		if a.selectedIdx < len(a.tasks)-1 {
			a.selectedIdx++
		}
	case key.Matches(msg, a.keys.Filter):
		a.filterIdx = (a.filterIdx + 1) % len(filters)
		a.selectedIdx = 0
		return a, a.fetchTasks()
	case key.Matches(msg, a.keys.Open):
		task := a.selected()
		if task == nil {
			return a, nil
		}
		a.mode = modeDetail
		a.current = task
		a.history = nil
		a.viewport.SetContent("")
		a.viewport.GotoTop()
		return a, a.fetchTaskDetail(task.ID)
	}
	return a, nil
}

func (a *App) selected() *models.Task {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.tasks) {
		return nil
	}
	t := a.tasks[a.selectedIdx]
	return &t
}

func (a *App) cancelSelected() tea.Cmd {
	task := a.selected()
	if a.mode == modeDetail {
		task = a.current
	}
	if task == nil {
		return nil
	}
	if task.Status.IsTerminal() {
		a.message = fmt.Sprintf("Task %s already %s", shortID(task.ID), task.Status)
		return nil
	}
	return a.cancelTask(task.ID)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.renderHeader() + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 40)) + "\n")

	contentHeight := a.height - 8
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case modeList:
		filterLabel := fmt.Sprintf(" Filter: [%s]", filterNames[a.filterIdx])
		if a.opts.Owner != "" {
			filterLabel += fmt.Sprintf("  Owner: %s", a.opts.Owner)
		}
		b.WriteString(mutedStyle.Render(filterLabel) + "\n")
		b.WriteString(a.renderTaskList(contentHeight - 1))
	case modeDetail:
		b.WriteString(a.renderTaskDetail())
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(statusBarStyle.Width(max(a.width, 40)).Render(a.help.View(a.keys)))

	return b.String()
}

func (a *App) renderHeader() string {
	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}

	header := titleStyle.Render("runbox watch") + "  " + daemonStatus
	if a.workers != nil {
		w := a.workers
		slots := fmt.Sprintf("[slots %d/%d]", w.RunningCount, w.Slots)
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(slots)
		depth := fmt.Sprintf("queue ready:%d leased:%d dead:%d",
			w.QueueDepth[models.JobStateReady], w.QueueDepth[models.JobStateLeased], w.QueueDepth[models.JobStateDead])
		header += "  " + mutedStyle.Render(depth)
	}
	if a.loading {
		header += "  " + a.spinner.View()
	} else if !a.lastRefresh.IsZero() {
		header += "  " + mutedStyle.Render("updated "+a.lastRefresh.Format("15:04:05"))
	}
	return header
}

func (a *App) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), apiclient.DefaultClientTimeout)
}

func (a *App) refresh() tea.Cmd {
	cmds := []tea.Cmd{a.fetchTasks(), a.fetchWorkers()}
	if a.mode == modeDetail && a.current != nil {
		cmds = append(cmds, a.fetchTaskDetail(a.current.ID))
	}
	return tea.Batch(cmds...)
}

func (a *App) fetchTasks() tea.Cmd {
	a.loading = true
	q := apiclient.TaskQuery{
		Owner:  a.opts.Owner,
		Status: filters[a.filterIdx],
		Limit:  a.opts.Limit,
	}
	return func() tea.Msg {
		ctx, cancel := a.ctx()
		defer cancel()
		tasks, err := a.api.ListTasks(ctx, q)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) fetchWorkers() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := a.ctx()
		defer cancel()
		st, err := a.api.WorkerStatus(ctx)
		if err != nil {
			return errMsg{err}
		}
		return workersLoadedMsg{st}
	}
}

func (a *App) fetchTaskDetail(taskID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := a.ctx()
		defer cancel()
		task, err := a.api.GetTask(ctx, taskID)
		if err != nil {
			return errMsg{err}
		}
		history, err := a.api.TaskHistory(ctx, taskID)
		if err != nil {
			return errMsg{err}
		}
		return taskDetailLoadedMsg{task, history}
	}
}

func (a *App) cancelTask(taskID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := a.ctx()
		defer cancel()
		resp, err := a.api.CancelTask(ctx, taskID)
		if err != nil {
			return errMsg{err}
		}
		return canceledMsg{id: taskID, status: resp.Status}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.opts.Interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type errMsg struct {
	err error
}

type tasksLoadedMsg struct {
	tasks []models.Task
}

type workersLoadedMsg struct {
	status *processor.WorkerStatus
}

type taskDetailLoadedMsg struct {
	task    *models.Task
	history []models.PDREntry
}

type canceledMsg struct {
	id     string
	status models.TaskStatus
}

type tickMsg time.Time
