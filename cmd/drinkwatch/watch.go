package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kalambet/drinkwatch/internal/storage"
	"github.com/kalambet/drinkwatch/internal/stream"
	"github.com/kalambet/drinkwatch/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow capture updates live",
	Long: `Follow the event stream of a running server. With --target, targeted
events for that request (such as its similarity score) are shown as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		path := "/feed/sse"
		if target != "" {
			if _, err := uuid.Parse(target); err != nil {
				return fmt.Errorf("invalid --target: %w", err)
			}
			path += "/" + target
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if !isatty.IsTerminal(os.Stdout.Fd()) {
			return watchPlain(ctx, client, path)
		}

		m := newWatchModel(path, followStream(ctx, client, path))
		final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
		if err != nil {
			return err
		}
		if fm, ok := final.(watchModel); ok && fm.err != nil {
			return fm.err
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().String("target", "", "external id of a request whose targeted events to include")
}

// watchPlain prints one line per event, for pipes and logs.
func watchPlain(ctx context.Context, client *apiClient, path string) error {
	resp, err := client.stream(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	for msg, err := range stream.Read(resp.Body) {
		if err != nil {
			return err
		}
		fmt.Printf("%s  %-10s %s\n", time.Now().Format(time.TimeOnly), eventLabel(msg), summarize(msg))
	}
	return nil
}

type (
	streamOpenedMsg struct{}
	streamEventMsg  struct {
		msg stream.Message
		at  time.Time
	}
	streamClosedMsg struct{ err error }
)

// followStream reads the event stream in the background and delivers it as
// tea messages. The channel closes once the stream ends or ctx is done.
func followStream(ctx context.Context, client *apiClient, path string) <-chan tea.Msg {
	ch := make(chan tea.Msg, 16)
	send := func(msg tea.Msg) bool {
		select {
		case ch <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(ch)
		resp, err := client.stream(ctx, path)
		if err != nil {
			send(streamClosedMsg{err: err})
			return
		}
		defer resp.Body.Close()
		if !send(streamOpenedMsg{}) {
			return
		}
		for msg, err := range stream.Read(resp.Body) {
			if err != nil {
				if ctx.Err() == nil {
					send(streamClosedMsg{err: err})
				}
				return
			}
			if !send(streamEventMsg{msg: msg, at: time.Now()}) {
				return
			}
		}
		send(streamClosedMsg{})
	}()
	return ch
}

func waitFor(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

const maxWatchEntries = 200

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	watchEventStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Width(11)
)

type watchEntry struct {
	at      time.Time
	event   string
	summary string
}

type watchModel struct {
	path   string
	events <-chan tea.Msg

	entries   []watchEntry // newest first
	spinner   spinner.Model
	filter    textinput.Model
	connected bool
	closed    bool
	err       error
	height    int
}

func newWatchModel(path string, events <-chan tea.Msg) watchModel {
	ti := textinput.New()
	ti.Placeholder = "filter"
	ti.Prompt = "/ "
	ti.CharLimit = 64
	return watchModel{
		path:    path,
		events:  events,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		filter:  ti,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitFor(m.events))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height
		return m, nil
	case spinner.TickMsg:
		if m.connected || m.closed {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case streamOpenedMsg:
		m.connected = true
		return m, waitFor(m.events)
	case streamEventMsg:
		entry := watchEntry{at: msg.at, event: eventLabel(msg.msg), summary: summarize(msg.msg)}
		m.entries = append([]watchEntry{entry}, m.entries...)
		if len(m.entries) > maxWatchEntries {
			m.entries = m.entries[:maxWatchEntries]
		}
		return m, waitFor(m.events)
	case streamClosedMsg:
		m.connected = false
		m.closed = true
		m.err = msg.err
		return m, nil
	case tea.KeyMsg:
		return m.updateKey(msg)
	}
	return m, nil
}

func (m watchModel) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m, tea.Quit
	}
	if m.filter.Focused() {
		switch msg.Type {
		case tea.KeyEnter:
			m.filter.Blur()
			return m, nil
		case tea.KeyEsc:
			m.filter.Reset()
			m.filter.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.filter, cmd = m.filter.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "esc":
		return m, tea.Quit
	case "/":
		cmd := m.filter.Focus()
		return m, cmd
	case "c":
		m.entries = nil
	}
	return m, nil
}

// visible returns the entries matching the filter.
func (m watchModel) visible() []watchEntry {
	q := strings.ToLower(strings.TrimSpace(m.filter.Value()))
	if q == "" {
		return m.entries
	}
	var out []watchEntry
	for _, e := range m.entries {
		if strings.Contains(strings.ToLower(e.event+" "+e.summary), q) {
			out = append(out, e)
		}
	}
	return out
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(watchTitleStyle.Render("drinkwatch") + " " + watchMutedStyle.Render(m.path) + "\n")

	switch {
	case m.closed && m.err != nil:
		b.WriteString(watchErrorStyle.Render("disconnected: "+m.err.Error()) + "\n")
	case m.closed:
		b.WriteString(watchErrorStyle.Render("stream closed by server") + "\n")
	case m.connected:
		b.WriteString(watchOKStyle.Render("● connected") + "\n")
	default:
		b.WriteString(m.spinner.View() + " connecting...\n")
	}
	if m.filter.Focused() || m.filter.Value() != "" {
		b.WriteString(m.filter.View() + "\n")
	}
	b.WriteString("\n")

	rows := m.visible()
	if limit := m.height - 6; limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	if len(rows) == 0 {
		b.WriteString(watchMutedStyle.Render("waiting for events") + "\n")
	}
	for _, e := range rows {
		fmt.Fprintf(&b, "%s  %s %s\n", watchMutedStyle.Render(e.at.Format(time.TimeOnly)), watchEventStyle.Render(e.event), e.summary)
	}

	b.WriteString("\n" + watchMutedStyle.Render("/ filter • c clear • q quit"))
	return b.String()
}

func eventLabel(msg stream.Message) string {
	if msg.Event == "" {
		return "update"
	}
	return msg.Event
}

// summarize renders one event for display. Feed updates carry the capture
// that became the latest; other events are shown as sent.
func summarize(msg stream.Message) string {
	switch msg.Event {
	case "":
		var u watcher.Update
		if err := json.Unmarshal([]byte(msg.Data), &u); err != nil {
			return msg.Data
		}
		return fmt.Sprintf("capture %d  %s  %s", u.ID, storage.ParseOrigin(u.Origin).Title(), u.ExternalID)
	case "similarity":
		return "score " + msg.Data
	}
	return msg.Data
}
