// internal/tui/app.go
//
// The run monitor for labflow. It uses bubbletea, which follows The Elm
// Architecture:
//
// 1. Model: the run state (stages, current prompt, totals)
// 2. Update: folds sequencer events and key presses into that state
// 3. View: renders the state to a string
//
// The sequencer runs on its own goroutine and talks to the model through
// Bridge, which sends messages into the program.

package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/labflow/internal/logbook"
	"github.com/kingrea/labflow/internal/operator"
	"github.com/kingrea/labflow/internal/sequencer"
	"github.com/kingrea/labflow/internal/stage"
)

var (
	colorAccent  = lipgloss.Color("#5B8DEF")
	colorOK      = lipgloss.Color("#4CAF50")
	colorFail    = lipgloss.Color("#FF6B6B")
	colorPrompt  = lipgloss.Color("#F7B801")
	colorMuted   = lipgloss.Color("#888888")
	colorBorder  = lipgloss.Color("#444444")
	colorLogText = lipgloss.Color("#AAAAAA")

	labelStyleDone    = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	labelStyleFailed  = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	labelStylePending = lipgloss.NewStyle().Foreground(colorMuted)
)

// EventMsg carries a sequencer event into the program.
type EventMsg struct{ Event sequencer.Event }

// PromptMsg asks the operator to confirm. The model closes Reply when the
// operator presses enter.
type PromptMsg struct {
	Prompt operator.Prompt
	Reply  chan struct{}
}

// PromptClosedMsg withdraws a prompt that was answered elsewhere or whose
// wait was cancelled. Reply identifies the prompt and is left open.
type PromptClosedMsg struct {
	ID    string
	Reply chan struct{}
}

// FinishedMsg reports the outcome of the run.
type FinishedMsg struct {
	Report sequencer.Report
	Err    error
}

type rowState int

const (
	rowPending rowState = iota
	rowRunning
	rowDone
	rowFailed
)

type stageRow struct {
	id     string
	name   string
	kind   stage.Kind
	state  rowState
	detail string
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithCancel is called when the operator aborts with ctrl+c.
func WithCancel(cancel context.CancelFunc) AppOption {
	return func(a *App) { a.cancel = cancel }
}

// WithLogbook shows the tail of book under the stage list.
func WithLogbook(book *logbook.Logbook) AppOption {
	return func(a *App) { a.logbook = book }
}

// WithStages pre-fills the stage list before the run starts.
func WithStages(refs ...StageLabel) AppOption {
	return func(a *App) {
		for _, r := range refs {
			a.rows = append(a.rows, stageRow{id: r.ID, name: r.Name, kind: r.Kind})
		}
	}
}

// StageLabel names a stage for WithStages.
type StageLabel struct {
	ID   string
	Name string
	Kind stage.Kind
}

// App is the run monitor model.
type App struct {
	title   string
	runID   string
	total   int
	rows    []stageRow
	prompt  *PromptMsg
	report  *sequencer.Report
	err     error
	done    bool
	aborted bool

	cancel  context.CancelFunc
	logbook *logbook.Logbook

	spinner  spinner.Model
	progress progress.Model

	statusMsg string
	width     int
	height    int
}

// NewApp creates the monitor for a run of the named protocol.
func NewApp(title string, opts ...AppOption) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorAccent)
	a := &App{
		title:     title,
		spinner:   sp,
		progress:  progress.New(progress.WithGradient(string(colorAccent), string(colorOK))),
		statusMsg: "Preparing deck…",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.total = len(a.rows)
	return a
}

// Init starts the spinner.
func (a *App) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.progress.Width = max(10, msg.Width-8)
		return a, nil

	case EventMsg:
		a.handleEvent(msg.Event)
		return a, nil

	case PromptMsg:
		p := msg
		a.prompt = &p
		a.statusMsg = "Waiting for operator · press enter to continue"
		return a, nil

	case PromptClosedMsg:
		if a.prompt != nil && a.prompt.Reply == msg.Reply {
			a.prompt = nil
			if !a.done {
				a.statusMsg = "Resuming…"
			}
		}
		return a, nil

	case FinishedMsg:
		a.done = true
		a.err = msg.Err
		r := msg.Report
		a.report = &r
		a.releasePrompt()
		if msg.Err != nil {
			a.statusMsg = "Run failed · press q to exit"
		} else {
			a.statusMsg = "Run complete · press q to exit"
		}
		return a, nil

	case spinner.TickMsg:
		if a.done {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case progress.FrameMsg:
		model, cmd := a.progress.Update(msg)
		if pm, ok := model.(progress.Model); ok {
			a.progress = pm
		}
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if !a.done {
				a.aborted = true
				a.statusMsg = "Aborting run…"
				if a.cancel != nil {
					a.cancel()
				}
			}
			return a, tea.Quit
		case "q":
			if a.done {
				return a, tea.Quit
			}
		case "enter":
			if a.prompt != nil {
				a.releasePrompt()
				a.statusMsg = "Resuming…"
			}
		}
	}
	return a, nil
}

func (a *App) releasePrompt() {
	if a.prompt == nil {
		return
	}
	close(a.prompt.Reply)
	a.prompt = nil
}

func (a *App) handleEvent(e sequencer.Event) {
	if e.Type != sequencer.EventRunStarted && e.Type != sequencer.EventRunFinished && e.Stage == nil {
		return
	}
	switch e.Type {
	case sequencer.EventRunStarted:
		a.runID = e.RunID
		if e.Total > 0 {
			a.total = e.Total
		}
		a.statusMsg = fmt.Sprintf("Run %s started", e.RunID)
	case sequencer.EventStageStarted:
		row := a.row(e.Stage)
		row.state = rowRunning
		row.detail = ""
		a.statusMsg = fmt.Sprintf("Running %s", row.name)
	case sequencer.EventStageFinished:
		row := a.row(e.Stage)
		st := e.Stage
		if st.Status == stage.StatusFailed {
			row.state = rowFailed
			row.detail = st.Error
			return
		}
		row.state = rowDone
		row.detail = fmt.Sprintf("%d wells · %.0f µL · %d tips · %s",
			st.Wells, st.Tally.Aspirated, st.Tally.Tips, humanizeDuration(st.Duration))
	}
}

// row returns the row for st, appending one when the list was not pre-filled.
func (a *App) row(st *sequencer.StageReport) *stageRow {
	for st.Index >= len(a.rows) {
		a.rows = append(a.rows, stageRow{})
	}
	r := &a.rows[st.Index]
	r.id = st.ID
	r.kind = st.Kind
	if st.Name != "" {
		r.name = st.Name
	} else if r.name == "" {
		r.name = st.ID
	}
	return r
}

// Completed counts finished stages.
func (a *App) Completed() int {
	n := 0
	for _, r := range a.rows {
		if r.state == rowDone {
			n++
		}
	}
	return n
}

// Aborted reports whether the operator quit before the run finished.
func (a *App) Aborted() bool { return a.aborted }

// View renders the monitor.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(colorFail).
		MarginBottom(1).
		Render("⬡ LABFLOW · " + a.title)

	lines := []string{a.renderRunLine(), "", a.renderStages(width - 6)}
	if a.prompt != nil {
		lines = append(lines, "", a.renderPrompt(width-6))
	}
	if a.report != nil {
		lines = append(lines, "", a.renderSummary())
	}
	body := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorBorder).
		Padding(0, 1).
		Width(max(20, width-2)).
		Render(strings.Join(lines, "\n"))

	sections := []string{header, body}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(colorMuted).
		MarginTop(1).
		Render(a.statusMsg)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderRunLine() string {
	ratio := 0.0
	if a.total > 0 {
		ratio = float64(a.Completed()) / float64(a.total)
	}
	run := a.runID
	if run == "" {
		run = "pending"
	}
	return fmt.Sprintf("Run %s · %d/%d stages\n%s", run, a.Completed(), a.total, a.progress.ViewAs(ratio))
}

func (a *App) renderStages(width int) string {
	if len(a.rows) == 0 {
		return labelStylePending.Render("Waiting for the first stage…")
	}
	var out []string
	for i, r := range a.rows {
		var label string
		switch r.state {
		case rowRunning:
			label = labelStyleRunning.Render(a.spinner.View() + " running")
		case rowDone:
			label = labelStyleDone.Render("✓ done")
		case rowFailed:
			label = labelStyleFailed.Render("✗ failed")
		default:
			label = labelStylePending.Render("· pending")
		}
		name := r.name
		if name == "" {
			name = r.id
		}
		line := fmt.Sprintf("%2d. %-28s %-14s %s", i+1, name, r.kind, label)
		if r.detail != "" {
			line += "\n    " + lipgloss.NewStyle().Foreground(colorMuted).Render(r.detail)
		}
		out = append(out, line)
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(out, "\n"))
}

func (a *App) renderPrompt(width int) string {
	title := lipgloss.NewStyle().Bold(true).Foreground(colorPrompt).Render("OPERATOR ACTION")
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(colorPrompt).
		Padding(0, 1).
		Width(max(20, width)).
		Render(fmt.Sprintf("%s\n%s\n\n[enter] continue", title, a.prompt.Prompt.Message))
}

func (a *App) renderSummary() string {
	r := a.report
	style := labelStyleDone
	if r.Status == sequencer.StatusFailed {
		style = labelStyleFailed
	}
	lines := []string{
		style.Render(strings.ToUpper(string(r.Status))) + " in " + humanizeDuration(r.Duration()),
		fmt.Sprintf("Aspirated %.0f µL · dispensed %.0f µL · %d tips · %d mixes",
			r.Totals.Aspirated, r.Totals.TotalDispensed(), r.Totals.Tips, r.Totals.Mixes),
	}
	if r.Error != "" {
		lines = append(lines, labelStyleFailed.Render(r.Error))
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, _ := a.logbook.Tail(8)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(colorAccent).
		Render(fmt.Sprintf("LOG · %s", fileName))
	body := lipgloss.NewStyle().
		Foreground(colorLogText).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorBorder).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

func humanizeDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
