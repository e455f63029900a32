// Package console is the operator TUI: a live table of open auctions and a
// view of the server logs.
package console

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/Martin-Hayot/fleet-allocation/pkg/utils"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
)

var (
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
)

const (
	refreshEvery = time.Second
	logLines     = 15
)

// Source feeds the auction table.
type Source interface {
	ActiveAuctions(ctx context.Context) ([]types.Auction, error)
	Leader(a types.Auction) (types.Bid, bool)
}

// LogBuffer collects log output for the logs view. Loggers write to it from
// many goroutines while the UI reads it.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Lines returns the last n lines.
func (b *LogBuffer) Lines(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := strings.Split(strings.TrimRight(b.buf.String(), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Every(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	source    Source
	clock     clockwork.Clock
	table     table.Model
	viewport  viewport.Model
	logs      *LogBuffer
	showTable bool
	quitting  bool
}

func newModel(source Source, clock clockwork.Clock, logs *LogBuffer) model {
	columns := []table.Column{
		{Title: "AUCTION ID", Width: 10},
		{Title: "CAR", Width: 12},
		{Title: "BIDS", Width: 5},
		{Title: "LEADER", Width: 24},
		{Title: "TIME LEFT", Width: 12},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(10),
		table.WithFocused(true),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	vp := viewport.New(100, logLines)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)

	m := model{source: source, clock: clock, table: t, viewport: vp, logs: logs, showTable: true}
	m.table.SetRows(m.rows())
	return m
}

// rows renders one line per open auction, soonest deadline first.
func (m model) rows() []table.Row {
	ctx, cancel := context.WithTimeout(context.Background(), refreshEvery)
	defer cancel()

	auctions, err := m.source.ActiveAuctions(ctx)
	if err != nil {
		log.Error("Error getting auctions", "error", err)
		return []table.Row{}
	}

	now := m.clock.Now()
	rows := make([]table.Row, 0, len(auctions))
	for _, a := range auctions {
		leader := "-"
		if bid, ok := m.source.Leader(a); ok {
			leader = fmt.Sprintf("%s %.0f (%s)", utils.ShortID(bid.UserID), bid.OfferPrice, utils.FormatTrust(bid.TrustScoreSnapshot))
		}
		rows = append(rows, table.Row{
			utils.ShortID(a.ID),
			utils.ShortID(a.CarID),
			fmt.Sprint(a.BidCount()),
			leader,
			utils.FormatCountdown(a.AuctionEnd, now),
		})
	}
	return rows
}

func (m model) Init() tea.Cmd {
	return tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tickMsg:
		if m.showTable {
			m.table.SetRows(m.rows())
		} else {
			m.refreshLogs()
		}
		return m, tick()

	case tea.KeyMsg:
		switch msg.String() {
		case "up":
			if !m.showTable {
				m.viewport.LineUp(1)
			}
		case "down":
			if !m.showTable {
				m.viewport.LineDown(1)
			}
		case "tab":
			m.showTable = !m.showTable
			if !m.showTable {
				m.refreshLogs()
			}
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	}

	if m.showTable {
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	}
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) refreshLogs() {
	if m.logs == nil {
		return
	}
	m.viewport.SetContent(strings.Join(utils.ColorizeLogs(m.logs.Lines(logLines)), "\n"))
}

func (m model) View() string {
	if m.quitting {
		return "Bye!\n"
	}
	if m.showTable {
		return baseStyle.Render(m.table.View()) + "\n" + helpStyle.Render("• tab: switch modes • q: exit\n")
	}
	return m.viewport.View() + "\n" + helpStyle.Render("• tab: switch modes • q: exit\n")
}

// Run blocks until the operator quits.
func Run(source Source, clock clockwork.Clock, logs *LogBuffer) error {
	p := tea.NewProgram(newModel(source, clock, logs), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := p.Run()
	return err
}
