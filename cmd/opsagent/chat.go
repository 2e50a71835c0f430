package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"opsagent/internal/audit"
	"opsagent/internal/logging"
	"opsagent/internal/pipeline"
)

const eventPanelLines = 8

// chatCmd starts the interactive interface
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive chat interface",
	Long: `Opens a terminal chat with the assistant. Conversation history is kept for
the reasoning engine; requests blocked by a guardrail are not remembered.

Keys: enter sends, ctrl+e toggles the audit event panel, ctrl+l clears the
history, ctrl+c or "exit" quits.`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := context.WithCancel(parent)
	defer stop()

	// The TUI owns stdout; events still reach the mirror file and the panel.
	a, err := bootstrap(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	p := tea.NewProgram(newChatModel(ctx, a), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat interface failed: %w", err)
	}
	return nil
}

type chatStyles struct {
	Header  lipgloss.Style
	User    lipgloss.Style
	Muted   lipgloss.Style
	Blocked lipgloss.Style
	Panel   lipgloss.Style
	Input   lipgloss.Style
}

func defaultChatStyles() chatStyles {
	accent := lipgloss.Color("63")
	return chatStyles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(accent).Padding(0, 1),
		User:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Blocked: lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		Panel:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1),
		Input:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accent).Padding(0, 1),
	}
}

// answerMsg carries a finished request back into the update loop.
type answerMsg struct {
	res    *pipeline.Result
	events []audit.Event
}

type chatModel struct {
	ctx context.Context
	app *app

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	styles   chatStyles

	transcript []string
	events     []string
	showEvents bool
	busy       bool
	ready      bool
	quitting   bool
	width      int
	height     int
}

func newChatModel(ctx context.Context, a *app) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Ask about an incident, calculate, or manage a ticket..."
	ti.Prompt = "> "
	ti.CharLimit = 4000
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return chatModel{
		ctx:      ctx,
		app:      a,
		input:    ti,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		styles:   defaultChatStyles(),
		transcript: []string{
			"Incident Ops Agent ready. Type 'exit' to quit.",
		},
	}
}

func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyCtrlE:
			m.showEvents = !m.showEvents
			m.layout()
			return m, nil
		case tea.KeyCtrlL:
			m.app.pipeline.ClearHistory()
			m.transcript = append(m.transcript, m.styles.Muted.Render("History cleared."))
			m.refresh()
			return m, nil
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.busy {
				return m, nil
			}
			m.input.Reset()
			switch strings.ToLower(text) {
			case "exit", "quit":
				m.quitting = true
				return m, tea.Quit
			}
			m.transcript = append(m.transcript, m.styles.User.Render("[You]: ")+text)
			m.busy = true
			m.refresh()
			return m, tea.Batch(m.spinner.Tick, m.ask(text))
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true
		m.renderer = newRenderer(msg.Width - 4)
		m.layout()

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case answerMsg:
		m.busy = false
		m.transcript = append(m.transcript, m.renderAnswer(msg.res))
		for _, ev := range msg.events {
			m.events = append(m.events, formatEvent(ev))
		}
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// ask runs the request off the update loop.
func (m chatModel) ask(text string) tea.Cmd {
	return func() tea.Msg {
		res := m.app.pipeline.Handle(m.ctx, text)
		return answerMsg{res: res, events: m.app.emitter.Trail(res.RequestID)}
	}
}

func (m *chatModel) layout() {
	if !m.ready {
		return
	}
	h := m.height - 1 - 3 - 1 // header, bordered input, footer
	if m.showEvents {
		h -= eventPanelLines + 2
	}
	if h < 3 {
		h = 3
	}
	m.viewport.Width = m.width
	m.viewport.Height = h
	m.input.Width = m.width - 6
	m.refresh()
}

func (m *chatModel) refresh() {
	m.viewport.SetContent(strings.Join(m.transcript, "\n\n"))
	m.viewport.GotoBottom()
}

func (m chatModel) renderAnswer(res *pipeline.Result) string {
	body := res.Text
	if m.renderer != nil && res.Outcome == pipeline.OutcomeAnswered {
		if out, err := m.renderer.Render(body); err == nil {
			body = strings.TrimSpace(out)
		} else {
			logging.Get(logging.CategoryBoot).Debug("markdown render failed: %v", err)
		}
	}
	if res.Outcome != pipeline.OutcomeAnswered {
		body = m.styles.Blocked.Render(body)
	}
	meta := m.styles.Muted.Render(fmt.Sprintf("[Source]: %s  [Confidence]: %s  (%s, %v)",
		sourceLabel(res), res.Confidence, res.Outcome, res.Duration.Round(time.Millisecond)))
	return "[Agent]: " + body + "\n" + meta
}

func (m chatModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Initializing..."
	}

	status := m.styles.Muted.Render("Ready")
	if m.busy {
		status = m.spinner.View() + " Thinking..."
	}
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		m.styles.Header.Render(" opsagent "), "  ",
		m.styles.Muted.Render(m.app.engine.Name()), "  ", status)

	parts := []string{header, m.viewport.View()}
	if m.showEvents {
		parts = append(parts, m.renderEventPanel())
	}
	parts = append(parts,
		m.styles.Input.Width(m.width-2).Render(m.input.View()),
		m.styles.Muted.Render("enter: send  ctrl+e: events  ctrl+l: clear history  ctrl+c: quit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m chatModel) renderEventPanel() string {
	lines := m.events
	if len(lines) > eventPanelLines {
		lines = lines[len(lines)-eventPanelLines:]
	}
	if len(lines) == 0 {
		lines = []string{"no events yet"}
	}
	return m.styles.Panel.Width(m.width - 2).Render(strings.Join(lines, "\n"))
}

func newRenderer(width int) *glamour.TermRenderer {
	if width < 20 {
		width = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		logging.BootWarn("markdown renderer unavailable: %v", err)
		return nil
	}
	return r
}

// formatEvent renders one audit event as "seq type key=value ..." with keys sorted.
func formatEvent(ev audit.Event) string {
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		if k == "call_ref" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%3d %-17s", ev.Seq, ev.Type)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev.Payload[k])
	}
	return b.String()
}
