// Package tui is a read-only operator status viewer over the engine's live
// state: open positions, in-flight pipeline executions, and recent exits.
// It is deliberately a viewer rather than an interactive console — no
// config editing, manual buy/sell, or theme cycling — since interactive
// trade control belongs to the outer request-handling layer, not the
// engine core. This view only observes the event bus and polls the
// Position Manager / Pipeline.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/events"
	"solfarm-engine/internal/execution"
	"solfarm-engine/internal/position"
)

const maxRecentEvents = 12

// Model is the bubbletea model for the status viewer.
type Model struct {
	posMgr   *position.Manager
	pipeline *execution.Pipeline
	sub      <-chan events.Event
	unsub    func()

	recent []events.Event
	width  int
	height int
}

func NewModel(posMgr *position.Manager, pipeline *execution.Pipeline, bus *events.Bus) Model {
	sub, unsub := bus.Subscribe()
	return Model{posMgr: posMgr, pipeline: pipeline, sub: sub, unsub: unsub}
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-sub
		if !ok {
			return nil
		}
		return e
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), waitForEvent(m.sub))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.unsub()
			return m, tea.Quit
		}
		return m, nil
	case tickMsg:
		return m, tick()
	case events.Event:
		m.recent = append(m.recent, msg)
		if len(m.recent) > maxRecentEvents {
			m.recent = m.recent[len(m.recent)-maxRecentEvents:]
		}
		return m, waitForEvent(m.sub)
	default:
		return m, nil
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(StyleHeader.Render(fmt.Sprintf("solfarm-engine — live status [%s]", GetTheme().Name)) + "\n\n")

	b.WriteString(StyleTableHeader.Render(fmt.Sprintf("%-10s %-14s %8s %8s %8s", "MINT", "STATUS", "ENTRY", "PRICE", "PNL%")) + "\n")
	for _, p := range m.posMgr.GetOpenPositions() {
		pnlStyle := StyleProfit
		if p.UnrealizedPnLPercent < 0 {
			pnlStyle = StyleLoss
		}
		row := fmt.Sprintf("%-10s %-14s %8.4f %8.6f %7.1f%%",
			truncate(p.TokenMint, 10), p.Status, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnLPercent)
		b.WriteString(pnlStyle.Render(row) + "\n")
	}
	if len(m.posMgr.GetOpenPositions()) == 0 {
		b.WriteString(lipgloss.NewStyle().Foreground(ColorGray).Render("  (no open positions)") + "\n")
	}

	stats := m.posMgr.GetStats()
	b.WriteString(fmt.Sprintf("\n%d open, %.4f base at risk\n", stats.OpenCount, stats.TotalBaseAtRisk))

	b.WriteString("\n" + StyleHeader.Render("pending executions") + "\n")
	pending := m.pipeline.GetPending()
	if len(pending) == 0 {
		b.WriteString(lipgloss.NewStyle().Foreground(ColorGray).Render("  (none)") + "\n")
	}
	for _, pe := range pending {
		if pe.Status == domain.StatusCompleted || pe.Status == domain.StatusFailed || pe.Status == domain.StatusRejected {
			continue
		}
		b.WriteString(fmt.Sprintf("  %s  %-20s\n", pe.EdgeID, pe.Status))
	}

	b.WriteString("\n" + StyleHeader.Render("recent events") + "\n")
	for i := len(m.recent) - 1; i >= 0; i-- {
		e := m.recent[i]
		b.WriteString(fmt.Sprintf("  [%s] %s\n", e.At.Format("15:04:05"), e.Topic))
	}

	b.WriteString("\n" + StyleFooter.Render("q: quit") + "\n")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
