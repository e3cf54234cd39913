// Package tui implements the cadence watch dashboard.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/opencode-ai/cadence/internal/daemon"
	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/tui/components"
	"github.com/opencode-ai/cadence/internal/tui/styles"
)

// Snapshot is one poll of a running daemon.
type Snapshot struct {
	Status      *daemon.StatusResponse
	Experiments []*models.Experiment
}

// Fetcher loads a snapshot from the daemon.
type Fetcher func(ctx context.Context) (*Snapshot, error)

// Options configures the dashboard.
type Options struct {
	// Target is the daemon address shown in the header.
	Target   string
	Interval time.Duration
	Theme    string
}

// Run launches the dashboard and blocks until the user quits.
func Run(fetch Fetcher, opts Options) error {
	program := tea.NewProgram(newModel(fetch, opts), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

type model struct {
	width    int
	height   int
	styles   styles.Styles
	fetch    Fetcher
	target   string
	interval time.Duration

	snapshot    *Snapshot
	err         error
	fetching    bool
	lastUpdated time.Time
	now         time.Time
}

const (
	minWidth        = 60
	minHeight       = 15
	defaultInterval = 2 * time.Second
	maxRateLimitRow = 5
)

func newModel(fetch Fetcher, opts Options) model {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return model{
		styles:   styles.StylesFor(opts.Theme),
		fetch:    fetch,
		target:   opts.Target,
		interval: interval,
		now:      time.Now(),
		fetching: true,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "r":
			if !m.fetching {
				m.fetching = true
				return m, m.fetchCmd()
			}
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.now = time.Time(msg)
		if m.fetching {
			return m, tickCmd(m.interval)
		}
		m.fetching = true
		return m, tea.Batch(m.fetchCmd(), tickCmd(m.interval))
	case snapshotMsg:
		m.fetching = false
		m.err = msg.err
		if msg.err == nil {
			m.snapshot = msg.snapshot
			m.lastUpdated = msg.at
		}
	}
	return m, nil
}

func (m model) View() string {
	if m.width > 0 && m.height > 0 && (m.width < minWidth || m.height < minHeight) {
		return joinLines([]string{
			m.styles.Warning.Render(fmt.Sprintf("Terminal too small (%dx%d).", m.width, m.height)),
			m.styles.Muted.Render(fmt.Sprintf("Resize to at least %dx%d.", minWidth, minHeight)),
			m.styles.Muted.Render("Press q to quit."),
		}) + "\n"
	}

	lines := []string{m.styles.Title.Render("Cadence") + "  " + m.styles.Muted.Render(m.target), ""}

	switch {
	case m.err != nil:
		lines = append(lines, components.DaemonUnreachable(m.err).Render(m.styles))
	case m.snapshot == nil || m.snapshot.Status == nil:
		lines = append(lines, m.styles.Muted.Render("Connecting..."))
	default:
		lines = append(lines, m.statusLines()...)
	}

	lines = append(lines, "", m.styles.Muted.Render(m.lastUpdatedLine()))
	lines = append(lines, m.styles.Muted.Render("Shortcuts: q quit | r refresh"))
	return joinLines(lines) + "\n"
}

func (m model) statusLines() []string {
	status := m.snapshot.Status
	s := m.styles

	header := fmt.Sprintf("version %s  up %s", status.Version, status.Uptime)
	if status.Hostname != "" {
		header = status.Hostname + "  " + header
	}
	lines := []string{s.Text.Render(header), ""}

	lines = append(lines, s.Accent.Render("Scheduler"))
	if stats := status.Scheduler; stats != nil {
		lines = append(lines,
			"  "+components.RenderSchedulerBadge(s, stats.Running, stats.Paused),
			fmt.Sprintf("  ticks %d  advanced %d  skipped %d  conflicts %d  failed %s",
				stats.Ticks, stats.Advanced, stats.Skipped, stats.Conflicts, m.countStyle(stats.Failed)),
			fmt.Sprintf("  intents dispatched %d  failed %s", stats.IntentsDispatched, m.countStyle(stats.IntentsFailed)),
		)
		if stats.LastTickAt != nil {
			lines = append(lines, s.Muted.Render("  last tick "+stats.LastTickAt.Local().Format("15:04:05")))
		}
	} else {
		lines = append(lines, s.Muted.Render("  not attached"))
	}

	if len(status.Health) > 0 {
		lines = append(lines, "", s.Accent.Render("Health"))
		names := make([]string, 0, len(status.Health))
		for name := range status.Health {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			lines = append(lines, fmt.Sprintf("  %-12s %s", name, components.RenderHealthBadge(s, status.Health[name])))
		}
	}

	lines = append(lines, "", s.Accent.Render("Experiments"))
	if len(m.snapshot.Experiments) == 0 {
		lines = append(lines, indent(components.EmptyExperiments().Render(s)))
	}
	for _, exp := range m.snapshot.Experiments {
		lines = append(lines, fmt.Sprintf("  %-24s %s  %d variants  %d%% traffic",
			truncate(exp.Name, 24), components.RenderExperimentBadge(s, exp.Status), len(exp.Variants), exp.TrafficAllocation))
	}

	if limited := busiestMethods(status.RateLimit, maxRateLimitRow); len(limited) > 0 {
		lines = append(lines, "", s.Accent.Render("Rate limits"))
		for _, ms := range limited {
			lines = append(lines, fmt.Sprintf("  %-24s %6d req  %s denied", ms.Method, ms.TotalRequests, m.countStyle(ms.DeniedRequests)))
		}
	}
	return lines
}

func (m model) countStyle(n int64) string {
	if n > 0 {
		return m.styles.Error.Render(fmt.Sprint(n))
	}
	return fmt.Sprint(n)
}

func (m model) lastUpdatedLine() string {
	if m.lastUpdated.IsZero() {
		return "Last updated: --"
	}
	label := m.lastUpdated.Format("15:04:05")
	if m.isStale() {
		label += " (stale)"
	}
	return "Last updated: " + label
}

// isStale reports whether more than three poll intervals passed without a
// successful refresh.
func (m model) isStale() bool {
	if m.lastUpdated.IsZero() || m.now.IsZero() {
		return false
	}
	return m.now.Sub(m.lastUpdated) > 3*m.interval
}

type tickMsg time.Time

type snapshotMsg struct {
	snapshot *Snapshot
	err      error
	at       time.Time
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) fetchCmd() tea.Cmd {
	fetch, timeout := m.fetch, m.interval
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		snap, err := fetch(ctx)
		return snapshotMsg{snapshot: snap, err: err, at: time.Now()}
	}
}

func busiestMethods(stats []daemon.MethodStats, limit int) []daemon.MethodStats {
	out := make([]daemon.MethodStats, 0, len(stats))
	for _, ms := range stats {
		if ms.TotalRequests > 0 {
			out = append(out, ms)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalRequests > out[j].TotalRequests
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func indent(block string) string {
	return "  " + strings.ReplaceAll(block, "\n", "\n  ")
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
