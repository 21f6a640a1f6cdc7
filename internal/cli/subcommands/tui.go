package subcommands

import (
	"cmp"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"PocketLM/internal/config"
	"PocketLM/internal/logging"
	"PocketLM/internal/runtime"
)

var (
	accent = lipgloss.Color("#7DD3FC")
	muted  = lipgloss.Color("#6B7280")
	ink    = lipgloss.Color("#0F172A")
)

type theme struct {
	banner, model          lipgloss.Style
	you, bot, note         lipgloss.Style
	stats, busy, hint      lipgloss.Style
	frame, input           lipgloss.Style
	chip, chipOn           lipgloss.Style
	menu, menuItem, menuOn lipgloss.Style
}

func newTheme() theme {
	label := lipgloss.NewStyle().Bold(true).PaddingLeft(1)
	return theme{
		banner:   lipgloss.NewStyle().Bold(true).Foreground(ink).Background(accent).Padding(0, 1),
		model:    lipgloss.NewStyle().Foreground(muted).PaddingLeft(2),
		you:      label.Foreground(lipgloss.Color("#F472B6")),
		bot:      label.Foreground(accent),
		note:     label.Foreground(lipgloss.Color("#FACC15")),
		stats:    lipgloss.NewStyle().Foreground(muted).Italic(true).PaddingLeft(2),
		busy:     lipgloss.NewStyle().Foreground(accent).Italic(true),
		hint:     lipgloss.NewStyle().Foreground(muted).PaddingLeft(1),
		frame:    lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(muted),
		input:    lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(accent),
		chip:     lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
		chipOn:   lipgloss.NewStyle().Foreground(ink).Background(accent).Padding(0, 1),
		menu:     lipgloss.NewStyle().Border(lipgloss.DoubleBorder()).BorderForeground(accent).Padding(1, 2),
		menuItem: lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
		menuOn:   lipgloss.NewStyle().Bold(true).Foreground(ink).Background(accent).Padding(0, 1),
	}
}

type keyMap struct {
	send, stop, quit, menu key.Binding
	up, down, accept       key.Binding
}

var keys = keyMap{
	send:   key.NewBinding(key.WithKeys("ctrl+s"), key.WithHelp("ctrl+s", "send")),
	stop:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "stop")),
	quit:   key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
	menu:   key.NewBinding(key.WithKeys("ctrl+o"), key.WithHelp("ctrl+o", "menu")),
	up:     key.NewBinding(key.WithKeys("up")),
	down:   key.NewBinding(key.WithKeys("down")),
	accept: key.NewBinding(key.WithKeys("tab", "enter")),
}

func (k keyMap) hint() string {
	var parts []string
	for _, b := range []key.Binding{k.send, k.stop, k.menu, k.quit} {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " · ")
}

var slashCommands = []string{"/clear", "/config", "/exit", "/help", "/quit", "/set", "/stats"}

// completer offers slash commands matching a partially typed one.
type completer struct {
	matches []string
	cursor  int
}

func (c *completer) refresh(input string) {
	c.matches = c.matches[:0]
	if !strings.HasPrefix(input, "/") || strings.ContainsAny(input, " \n") {
		return
	}
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd, input) {
			c.matches = append(c.matches, cmd)
		}
	}
	if c.cursor >= len(c.matches) {
		c.cursor = 0
	}
}

func (c *completer) open() bool { return len(c.matches) > 0 }

func (c *completer) move(delta int) {
	n := len(c.matches)
	c.cursor = ((c.cursor+delta)%n + n) % n
}

func (c *completer) close() { c.matches = c.matches[:0] }

type menuEntry struct {
	label string
	run   func(m *chatModel) tea.Cmd
}

var chatMenu = []menuEntry{
	{"Clear history", func(m *chatModel) tea.Cmd { m.clearHistory(); return nil }},
	{"Toggle streaming", func(m *chatModel) tea.Cmd {
		m.opts.Stream = !m.opts.Stream
		m.note(fmt.Sprintf("Streaming: %v", m.opts.Stream))
		return nil
	}},
	{"Toggle stats", func(m *chatModel) tea.Cmd {
		m.opts.ShowStats = !m.opts.ShowStats
		m.note(fmt.Sprintf("Stats: %v", m.opts.ShowStats))
		return nil
	}},
	{"Quit", func(*chatModel) tea.Cmd { return tea.Quit }},
}

type speaker int

const (
	speakerNote speaker = iota
	speakerYou
	speakerBot
)

type turn struct {
	who    speaker
	text   string
	stats  *runtime.Stats
	finish string
	took   time.Duration
}

type (
	tokenMsg string
	replyMsg struct {
		text   string
		stats  runtime.Stats
		finish string
		took   time.Duration
		err    error
	}
)

type chatModel struct {
	ctx  context.Context
	mgr  *runtime.Manager
	cfg  config.Config
	opts ChatOptions
	conv *conversation

	th       theme
	log      viewport.Model
	input    textarea.Model
	spin     spinner.Model
	md       *glamour.TermRenderer
	complete completer

	turns         []turn
	width, height int
	sized         bool

	// Set while a reply is being generated.
	busy    bool
	asked   string
	events  chan tea.Msg
	abort   context.CancelFunc
	menuAt  int
	menuSet bool
}

func newChatModel(ctx context.Context, cfg config.Config, mgr *runtime.Manager, opts ChatOptions) *chatModel {
	ta := textarea.New()
	ta.Placeholder = "Ask anything, or /help"
	ta.Prompt = "│ "
	ta.CharLimit = 10000
	ta.ShowLineNumbers = false
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.SetWidth(80)
	ta.SetHeight(4)
	ta.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.MiniDot))
	sp.Style = lipgloss.NewStyle().Foreground(accent)

	m := &chatModel{
		ctx:   ctx,
		mgr:   mgr,
		cfg:   cfg,
		opts:  opts,
		conv:  newConversation(opts),
		th:    newTheme(),
		input: ta,
		spin:  sp,
	}
	m.setWrap(80)
	return m
}

func (m *chatModel) setWrap(width int) {
	if r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width)); err == nil {
		m.md = r
	}
}

func (m *chatModel) Init() tea.Cmd { return textarea.Blink }

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := m.onKey(msg); handled {
			return m, cmd
		}
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
	case tokenMsg:
		m.turns[len(m.turns)-1].text += string(msg)
		m.redraw()
		return m, next(m.events)
	case replyMsg:
		m.finishReply(msg)
		return m, nil
	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		m.redraw()
		return m, cmd
	}

	var inCmd, logCmd tea.Cmd
	m.input, inCmd = m.input.Update(msg)
	m.complete.refresh(m.input.Value())
	m.log, logCmd = m.log.Update(msg)
	return m, tea.Batch(inCmd, logCmd)
}

// onKey reports whether the key was consumed; unconsumed keys reach the
// textarea and the viewport.
func (m *chatModel) onKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	if m.menuSet {
		switch {
		case key.Matches(msg, keys.up):
			m.menuAt = (m.menuAt + len(chatMenu) - 1) % len(chatMenu)
		case key.Matches(msg, keys.down):
			m.menuAt = (m.menuAt + 1) % len(chatMenu)
		case key.Matches(msg, keys.accept):
			m.menuSet = false
			return chatMenu[m.menuAt].run(m), true
		case key.Matches(msg, keys.stop, keys.menu):
			m.menuSet = false
		}
		return nil, true
	}

	if m.complete.open() {
		switch {
		case key.Matches(msg, keys.up):
			m.complete.move(-1)
			return nil, true
		case key.Matches(msg, keys.down):
			m.complete.move(1)
			return nil, true
		case key.Matches(msg, keys.accept):
			m.input.SetValue(m.complete.matches[m.complete.cursor] + " ")
			m.input.CursorEnd()
			m.complete.close()
			return nil, true
		case key.Matches(msg, keys.stop):
			m.complete.close()
			return nil, true
		}
	}

	switch {
	case key.Matches(msg, keys.quit):
		m.stop()
		return tea.Quit, true
	case key.Matches(msg, keys.stop):
		if m.busy {
			m.stop()
			return nil, true
		}
		return tea.Quit, true
	case key.Matches(msg, keys.menu):
		m.menuSet, m.menuAt = true, 0
		return nil, true
	case key.Matches(msg, keys.send):
		return m.submit(), true
	}
	return nil, false
}

func (m *chatModel) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if m.busy || text == "" {
		return nil
	}
	m.input.Reset()
	m.complete.close()
	if cmd, ok := m.command(text); ok {
		return cmd
	}

	m.turns = append(m.turns, turn{who: speakerYou, text: text}, turn{who: speakerBot})
	m.busy, m.asked = true, text
	cmd := m.ask(text)
	m.redraw()
	return tea.Batch(m.spin.Tick, cmd)
}

func (m *chatModel) stop() {
	if m.abort != nil {
		m.abort()
	}
}

// ask generates on its own goroutine and feeds the model through events,
// one next() command per message.
func (m *chatModel) ask(text string) tea.Cmd {
	ctx, cancel := context.WithCancel(m.ctx)
	events := make(chan tea.Msg, 32)
	m.abort, m.events = cancel, events

	req := runtime.Request{Prompt: m.conv.prompt(text), Options: m.opts.generation()}
	stream, mgr := m.opts.Stream, m.mgr
	go func() {
		defer cancel()
		start := time.Now()
		var reply replyMsg
		if stream {
			var sb strings.Builder
			reply.err = mgr.Stream(ctx, req, func(evt runtime.StreamEvent) error {
				if evt.Final {
					reply.finish = evt.Finish
					if evt.Stats != nil {
						reply.stats = *evt.Stats
					}
					return nil
				}
				sb.WriteString(evt.Token)
				select {
				case events <- tokenMsg(evt.Token):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			reply.text = sb.String()
		} else {
			resp, err := mgr.Generate(ctx, req)
			reply.text, reply.stats, reply.finish, reply.err = resp.Text, resp.Stats, resp.Finish, err
		}
		reply.took = time.Since(start)
		events <- reply
	}()
	return next(events)
}

func next(events <-chan tea.Msg) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg { return <-events }
}

func (m *chatModel) finishReply(r replyMsg) {
	last := &m.turns[len(m.turns)-1]
	switch {
	case r.err == nil:
		last.text, last.finish, last.took = r.text, r.finish, r.took
		last.stats = &r.stats
		m.conv.add(m.asked, r.text)
	case last.text == "":
		last.text = "Error: " + r.err.Error()
	default:
		last.text += "\n\n_" + r.err.Error() + "_"
	}
	m.busy, m.asked = false, ""
	m.abort, m.events = nil, nil
	m.redraw()
}

func (m *chatModel) note(text string) {
	m.turns = append(m.turns, turn{who: speakerNote, text: text})
	m.redraw()
}

func (m *chatModel) clearHistory() {
	m.turns = nil
	m.conv.reset()
	m.redraw()
}

const chatHelp = `
### Commands
- **/help** this message
- **/stats** runtime and token cache figures
- **/config** session settings
- **/clear** forget the conversation
- **/set <param> <value>** stream, stats, max-tokens, temperature, top-k, seed
- **/exit** leave

Ctrl+S sends. Esc stops a running reply.
`

// command runs a slash command or exit word. ok is false for chat input.
func (m *chatModel) command(text string) (cmd tea.Cmd, ok bool) {
	switch strings.ToLower(text) {
	case "exit", "quit":
		return tea.Quit, true
	}
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}

	fields := strings.Fields(text)
	switch name := strings.ToLower(fields[0]); name {
	case "/exit", "/quit":
		return tea.Quit, true
	case "/clear":
		m.clearHistory()
	case "/help":
		m.note(chatHelp)
	case "/stats":
		m.note(runtimeNote(m.mgr.Info()))
	case "/config":
		m.note(fmt.Sprintf("### Session\n- **Backend**: %s\n- **Streaming**: %v\n- **Stats**: %v\n"+
			"- **Chat template**: %v\n- **Max tokens**: %d\n- **Temperature**: %.2f\n- **History turns**: %d\n"+
			"- **Log file**: %s\n",
			m.cfg.Runtime.Backend, m.opts.Stream, m.opts.ShowStats, !m.opts.Raw,
			m.opts.MaxTokens, m.opts.Temperature, m.opts.HistoryTurns, cmp.Or(logging.LogFilePath(), "stderr")))
	case "/set":
		if len(fields) < 3 {
			m.note("Usage: /set <param> <value>")
			break
		}
		out, err := handleSetParam(&m.opts, fields[1], fields[2])
		if err != nil {
			out = err.Error()
		}
		m.note(out)
	default:
		m.note("Unknown command " + name)
	}
	return nil, true
}

func runtimeNote(info runtime.Info) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### Runtime\n- **Backend**: %s\n- **Model**: %s\n- **Context**: %d tokens\n- **Decode policy**: %s\n",
		info.Backend, info.Model.Description, info.ContextSize, info.DecodePolicy)
	if tc := info.TokenCache; tc != nil {
		fmt.Fprintf(&sb, "- **Token cache**: %d hits, %d misses, %d entries\n", tc.Hits, tc.Misses, tc.Entries)
	}
	return sb.String()
}

func (m *chatModel) resize(w, h int) {
	m.width, m.height = w, h
	// Banner, input box and hint line.
	chrome := 2 + m.input.Height() + 2 + 3
	if !m.sized {
		m.log = viewport.New(w-2, h-chrome)
		m.sized = true
	} else {
		m.log.Width, m.log.Height = w-2, h-chrome
	}
	m.input.SetWidth(w - 4)
	m.setWrap(m.log.Width - 4)
	m.redraw()
}

func (m *chatModel) redraw() {
	if !m.sized {
		return
	}
	var sb strings.Builder
	for i, t := range m.turns {
		switch t.who {
		case speakerNote:
			sb.WriteString(m.th.note.Render("note") + "\n" + m.markdown(t.text) + "\n")
		case speakerYou:
			sb.WriteString(m.th.you.Render("you") + "\n" + t.text + "\n\n")
		case speakerBot:
			sb.WriteString(m.th.bot.Render("pocketlm") + "\n")
			if m.busy && i == len(m.turns)-1 {
				// Raw while streaming; markdown once complete.
				sb.WriteString(t.text + "\n")
			} else {
				sb.WriteString(m.markdown(t.text))
			}
			if m.opts.ShowStats && t.stats != nil {
				line := formatStats(*t.stats, t.finish) + " | " + t.took.Truncate(time.Millisecond).String()
				sb.WriteString("\n" + m.th.stats.Render(line) + "\n")
			}
			sb.WriteString("\n")
		}
	}
	if m.busy {
		sb.WriteString("\n" + m.spin.View() + m.th.busy.Render(" generating"))
	}
	m.log.SetContent(sb.String())
	m.log.GotoBottom()
}

func (m *chatModel) markdown(s string) string {
	if s == "" || m.md == nil {
		return s
	}
	if out, err := m.md.Render(s); err == nil {
		return out
	}
	return s
}

func (m *chatModel) View() string {
	if !m.sized {
		return "\n  starting PocketLM..."
	}
	if m.menuSet {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.menuView())
	}

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		m.th.banner.Render("PocketLM"),
		m.th.model.Render(m.mgr.Info().Model.Description),
	)
	box := m.input.View()
	if m.complete.open() {
		chips := make([]string, len(m.complete.matches))
		for i, c := range m.complete.matches {
			style := m.th.chip
			if i == m.complete.cursor {
				style = m.th.chipOn
			}
			chips[i] = style.Render(c)
		}
		box = lipgloss.JoinVertical(lipgloss.Left, lipgloss.JoinHorizontal(lipgloss.Top, chips...), box)
	}
	mode := "blocking"
	if m.opts.Stream {
		mode = "streaming"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.th.frame.Render(m.log.View()),
		m.th.input.Render(box),
		m.th.hint.Render(keys.hint()+" · "+mode),
	)
}

func (m *chatModel) menuView() string {
	rows := []string{m.th.bot.Render("options"), ""}
	for i, e := range chatMenu {
		if i == m.menuAt {
			rows = append(rows, m.th.menuOn.Render("> "+e.label))
		} else {
			rows = append(rows, m.th.menuItem.Render("  "+e.label))
		}
	}
	return m.th.menu.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// RunTui runs the full-screen chat.
func RunTui(ctx context.Context, cfg config.Config, registry runtime.Registry, opts ChatOptions) error {
	mgr, err := runtime.NewManager(cfg.Runtime, registry)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer mgr.Close()

	p := tea.NewProgram(newChatModel(ctx, cfg, mgr, chatOptionsFrom(cfg, opts)),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
