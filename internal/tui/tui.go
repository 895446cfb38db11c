// Package tui renders the live fleet dashboard behind `simfleet watch`.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/simfleet/internal/persistence"
)

type Snapshot struct {
	DBOK      bool
	Counts    persistence.StateCounts
	Dead      int
	LastError string
	Uptime    time.Duration
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	feed     *ActivityFeed
	snap     Snapshot
	interval time.Duration
}

type tickMsg time.Time

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return m.tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			if m.feed != nil {
				m.feed.Toggle()
			}
		}
	case tickMsg:
		m.snap = m.provider()
		if m.feed != nil {
			m.feed.CleanupOld(time.Minute)
		}
		return m, m.tick()
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(14)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func (m model) View() string {
	s := m.snap
	var b strings.Builder
	b.WriteString(titleStyle.Render("simfleet") + "\n\n")

	db := okStyle.Render("ok")
	if !s.DBOK {
		db = badStyle.Render("unreachable")
	}
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	row("Ledger", db)
	row("Progress", progressBar(s.Counts, 30))
	row("Not executed", fmt.Sprintf("%d", s.Counts.NotExecuted))
	row("Executing", fmt.Sprintf("%d", s.Counts.Executing))
	row("Executed", fmt.Sprintf("%d", s.Counts.Executed))
	failed := fmt.Sprintf("%d", s.Counts.Failed)
	if s.Counts.Failed > 0 {
		failed = badStyle.Render(failed)
	}
	row("Failed", failed)
	dead := fmt.Sprintf("%d", s.Dead)
	if s.Dead > 0 {
		dead = badStyle.Render(dead + " (see `simfleet dead`)")
	}
	row("Dead", dead)
	row("Uptime", s.Uptime.Truncate(time.Second).String())
	if s.LastError != "" {
		row("Last error", badStyle.Render(s.LastError))
	}
	if m.feed != nil {
		if v := m.feed.View(); v != "" {
			b.WriteString("\n" + v)
		}
	}
	b.WriteString("\n" + dimStyle.Render("q quit · a toggle activity") + "\n")
	return b.String()
}

// progressBar renders executed/total as a fixed-width bar.
func progressBar(c persistence.StateCounts, width int) string {
	total := c.Total()
	if total == 0 {
		return dimStyle.Render("(no tasks)")
	}
	filled := c.Executed * width / total
	bar := okStyle.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %d/%d", bar, c.Executed, total)
}

// Run shows the dashboard until the user quits or ctx is canceled. feed may
// be nil when no event stream is available.
func Run(ctx context.Context, provider StatusProvider, feed *ActivityFeed, interval time.Duration) error {
	defer bestEffortResetTTY()
	if interval <= 0 {
		interval = time.Second
	}

	m := model{provider: provider, feed: feed, snap: provider(), interval: interval}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
