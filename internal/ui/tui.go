package ui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Aman-CERP/tamizdat/internal/catalog"
)

// stopTimeout bounds how long Stop waits for the program to exit.
const stopTimeout = 2 * time.Second

// pipeline is the stage strip shown at the top of the view.
var pipeline = []struct {
	stage catalog.Stage
	name  string
}{
	{catalog.StageReading, "Read"},
	{catalog.StageAuthors, "Authors"},
	{catalog.StageBooks, "Books"},
	{catalog.StageLinks, "Links"},
	{catalog.StageIndexing, "Index"},
	{catalog.StageCommitting, "Commit"},
}

// TUIRenderer draws import progress with bubbletea.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *importModel
	tracker *ProgressTracker
	done    chan struct{}
}

// NewTUIRenderer fails when cfg.Output is not a terminal.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, errors.New("output is not a TTY")
	}
	tracker := NewProgressTracker()
	model := newImportModel(tracker, cfg.Source)
	model.styles = GetStyles(cfg.NoColor || DetectNoColor())
	return &TUIRenderer{
		cfg:     cfg,
		tracker: tracker,
		model:   model,
		done:    make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.program != nil {
		return nil
	}

	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	r.program = tea.NewProgram(r.model, opts...)

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(p catalog.Progress) {
	r.tracker.Observe(p)
	r.send(refreshMsg{})
}

// Warn implements Renderer.
func (r *TUIRenderer) Warn(msg string) {
	r.tracker.Warn(msg)
	r.send(refreshMsg{})
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(result *catalog.ImportResult) {
	r.send(completeMsg{result: result})
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	program := r.program
	r.mu.Unlock()

	if program == nil {
		return nil
	}
	program.Quit()
	select {
	case <-r.done:
	case <-time.After(stopTimeout):
	}
	return nil
}

func (r *TUIRenderer) send(msg tea.Msg) {
	r.mu.Lock()
	program := r.program
	r.mu.Unlock()
	if program != nil {
		program.Send(msg)
	}
}

type refreshMsg struct{}

type completeMsg struct {
	result *catalog.ImportResult
}

type tickMsg time.Time

// importModel is the bubbletea model of the import view.
type importModel struct {
	tracker  *ProgressTracker
	source   string
	width    int
	bar      progress.Model
	spinner  spinner.Model
	styles   Styles
	result   *catalog.ImportResult
	quitting bool
}

func newImportModel(tracker *ProgressTracker, source string) *importModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime))

	return &importModel{
		tracker: tracker,
		source:  source,
		width:   80,
		bar: progress.New(
			progress.WithSolidFill(ColorLime),
			progress.WithWidth(50),
			progress.WithoutPercentage(),
		),
		spinner: s,
		styles:  DefaultStyles(),
	}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m *importModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

// Update implements tea.Model.
func (m *importModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(20, msg.Width-20)
	case completeMsg:
		m.result = msg.result
		return m, tea.Quit
	case tickMsg:
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *importModel) View() string {
	if m.result != nil {
		return m.renderComplete()
	}
	if m.quitting {
		return "Cancelled.\n"
	}

	stats := m.tracker.Stats()
	width := max(40, m.width-4)

	sections := []string{
		m.renderStages(stats.Stage),
		m.styles.Border.Render(strings.Repeat("─", width)),
		m.renderProgress(stats),
		m.renderSpeed(stats),
		m.styles.Label.Render(m.tracker.RenderSparkline(max(10, width-12))) + " " + m.styles.Dim.Render("rows/s"),
	}

	title := "tamizdat import"
	if m.source != "" {
		title += " • " + m.source
	}
	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorDarkGray)).
		Padding(0, 1).
		Width(width)

	view := lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Header.Render(title),
		panel.Render(strings.Join(sections, "\n")),
	)
	if stats.Warnings > 0 {
		view += "\n" + m.styles.Warning.Render(fmt.Sprintf("⚠ %d warnings", stats.Warnings))
	}
	return view + "\n"
}

func (m *importModel) renderStages(current catalog.Stage) string {
	parts := make([]string, 0, len(pipeline))
	for _, s := range pipeline {
		switch {
		case s.stage < current:
			parts = append(parts, m.styles.Success.Render("● "+s.name))
		case s.stage == current:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.name))
		default:
			parts = append(parts, m.styles.Dim.Render("○ "+s.name))
		}
	}
	return strings.Join(parts, m.styles.Dim.Render(" → "))
}

func (m *importModel) renderProgress(stats ProgressStats) string {
	if stats.Total == 0 {
		return fmt.Sprintf("%s %s %s", m.spinner.View(), stats.Stage,
			m.styles.Label.Render(fmt.Sprintf("%d %s", stats.Current, unitOf(stats.Stage))))
	}
	return fmt.Sprintf("%s  %s\n%s",
		m.bar.ViewAs(stats.Progress),
		m.styles.Active.Render(fmt.Sprintf("%3.0f%%", stats.Progress*100)),
		m.styles.Label.Render(fmt.Sprintf("%d / %d %s", stats.Current, stats.Total, unitOf(stats.Stage))))
}

func (m *importModel) renderSpeed(stats ProgressStats) string {
	line := fmt.Sprintf("Speed: %.0f/s", stats.Speed.Current)
	if stats.Speed.Avg > 0 {
		line += fmt.Sprintf(" (avg: %.0f, peak: %.0f)", stats.Speed.Avg, stats.Speed.Peak)
	}
	if stats.ETA > 0 {
		line += "  •  ETA: " + formatDuration(stats.ETA)
	}
	return m.styles.Label.Render(line)
}

func (m *importModel) renderComplete() string {
	r := m.result
	lines := []string{
		m.styles.Success.Render("✓ Import complete"),
		"",
		fmt.Sprintf("%s  %d", m.styles.Label.Render("Cards:   "), r.Cards),
		fmt.Sprintf("%s  %d", m.styles.Label.Render("Books:   "), r.Books),
		fmt.Sprintf("%s  %d", m.styles.Label.Render("Authors: "), r.Authors),
		fmt.Sprintf("%s  %s", m.styles.Label.Render("Duration:"), formatDuration(r.Duration)),
	}
	if r.Skipped > 0 {
		lines = append(lines, "", m.styles.Warning.Render(fmt.Sprintf("⚠ %d rows skipped", r.Skipped)))
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorLime)).
		Padding(1, 2).
		Width(max(40, m.width-4)).
		Render(strings.Join(lines, "\n")) + "\n"
}

// formatDuration prints 42s, 3m 5s or 1h 2m.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		m, s := int(d.Minutes()), int(d.Seconds())%60
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

var _ Renderer = (*TUIRenderer)(nil)
