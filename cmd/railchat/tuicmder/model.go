package tuicmder

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/papercomputeco/railchat/pkg/chat"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))
	userLabel      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")).Render("You")
	botLabel       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208")).Render("Bot")
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	separatorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

// Messages carry the id of the stream they belong to so that output of a
// stopped stream is ignored.
type chunkMsg struct {
	id      int
	content string
}

type doneMsg struct{ id int }

type model struct {
	ctx       context.Context
	responder *chat.Responder
	system    string

	turns    []chat.Turn
	pending  *chat.Turn
	stream   <-chan string
	streamID int
	cancel   context.CancelFunc

	input    textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	width    int
	height   int
	status   string
}

func newModel(ctx context.Context, responder *chat.Responder, system string) model {
	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return model{
		ctx:       ctx,
		responder: responder,
		system:    system,
		input:     ta,
		viewport:  viewport.New(80, 20),
		spinner:   sp,
		width:     80,
		height:    24,
		status:    "enter send · ctrl+r regenerate · ctrl+u delete previous · ctrl+l clear · ctrl+c quit",
	}
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) streaming() bool { return m.pending != nil }

// send starts answering msg against the current turns.
func (m model) send(msg string) (model, tea.Cmd) {
	ctx, cancel := context.WithCancel(m.ctx)
	ch := make(chan string)
	req := chat.Request{Message: msg, History: append([]chat.Turn(nil), m.turns...), SystemPrompt: m.system}

	go func() {
		defer close(ch)
		for s := range m.responder.Respond(ctx, req) {
			select {
			case ch <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	m.streamID++
	m.pending = &chat.Turn{User: msg}
	m.stream = ch
	m.cancel = cancel
	m.refresh()
	return m, tea.Batch(waitForChunk(m.streamID, ch), m.spinner.Tick)
}

func waitForChunk(id int, ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return doneMsg{id: id}
		}
		return chunkMsg{id: id, content: s}
	}
}

func (m model) finish() model {
	if m.pending != nil {
		m.turns = append(m.turns, *m.pending)
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.pending, m.stream, m.cancel = nil, nil, nil
	m.refresh()
	return m
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.SetWidth(msg.Width)
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-m.input.Height()-4, 3)
		m.refresh()
		return m, nil

	case chunkMsg:
		if m.pending == nil || msg.id != m.streamID {
			return m, nil
		}
		m.pending.Assistant = msg.content
		m.refresh()
		return m, waitForChunk(msg.id, m.stream)

	case doneMsg:
		if m.pending == nil || msg.id != m.streamID {
			return m, nil
		}
		return m.finish(), nil

	case spinner.TickMsg:
		if !m.streaming() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit

		case tea.KeyEsc:
			if m.streaming() {
				return m.finish(), nil
			}
			return m, nil

		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if m.streaming() || text == "" {
				return m, nil
			}
			m.input.Reset()
			return m.send(text)

		case tea.KeyCtrlR:
			if m.streaming() || len(m.turns) == 0 {
				return m, nil
			}
			last := m.turns[len(m.turns)-1]
			m.turns = m.turns[:len(m.turns)-1]
			return m.send(last.User)

		case tea.KeyCtrlU:
			if !m.streaming() && len(m.turns) > 0 {
				m.turns = m.turns[:len(m.turns)-1]
				m.refresh()
			}
			return m, nil

		case tea.KeyCtrlL:
			if !m.streaming() {
				m.turns = nil
				m.refresh()
			}
			return m, nil
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// refresh re-renders the transcript into the viewport.
func (m *model) refresh() {
	wrap := lipgloss.NewStyle().Width(max(m.width-2, 10))

	var b strings.Builder
	write := func(t chat.Turn) {
		fmt.Fprintf(&b, "%s\n%s\n\n%s\n%s\n\n", userLabel, wrap.Render(t.User), botLabel, wrap.Render(t.Assistant))
	}
	for _, t := range m.turns {
		write(t)
	}
	if m.pending != nil {
		write(*m.pending)
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m model) View() string {
	title := titleStyle.Render("Chatbot using Ollama with " + m.responder.Model())

	status := m.status
	if m.streaming() {
		status = m.spinner.View() + " generating · esc to stop"
	}
	status = ansi.Truncate(status, m.width, "…")

	return strings.Join([]string{
		title,
		m.viewport.View(),
		separatorStyle.Render(strings.Repeat("─", max(m.width, 1))),
		m.input.View(),
		statusStyle.Render(status),
	}, "\n")
}
