package replay

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/muesli/reflow/wordwrap"
)

var (
	pagerTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	pagerChromeStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("8"))
)

// Pager displays rendered timeline content in an interactive viewport, with
// optional live reloading when the record file changes on disk.
type Pager struct {
	title string
}

// NewPager creates a pager with the given title bar text.
func NewPager(title string) *Pager {
	return &Pager{title: title}
}

// Run shows static content until the user quits.
func (p *Pager) Run(content string) error {
	prog := tea.NewProgram(
		&pagerModel{title: p.title, content: content},
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err := prog.Run()
	return err
}

// RunLive watches path and re-renders via renderFunc whenever it changes.
func (p *Pager) RunLive(path string, renderFunc func() (string, error)) error {
	content, err := renderFunc()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	prog := tea.NewProgram(
		&pagerModel{
			title:      p.title,
			content:    content,
			live:       true,
			renderFunc: renderFunc,
			watcher:    watcher,
		},
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err = prog.Run()
	return err
}

type recordChangedMsg struct{}

type pagerModel struct {
	viewport viewport.Model
	title    string
	content  string
	wrapped  string
	ready    bool

	live       bool
	follow     bool // stick to the bottom as content grows
	renderFunc func() (string, error)
	watcher    *fsnotify.Watcher

	searching   bool
	searchInput textinput.Model
	query       string
	matches     []int
	matchIdx    int
}

func (m *pagerModel) Init() tea.Cmd {
	if m.live && m.watcher != nil {
		return m.awaitChange()
	}
	return nil
}

// awaitChange blocks on the watcher until the record file is written.
func (m *pagerModel) awaitChange() tea.Cmd {
	return func() tea.Msg {
		for {
			select {
			case ev, ok := <-m.watcher.Events:
				if !ok {
					return nil
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					// Let the writer finish the line before re-reading.
					time.Sleep(100 * time.Millisecond)
					return recordChangedMsg{}
				}
			case _, ok := <-m.watcher.Errors:
				if !ok {
					return nil
				}
			}
		}
	}
}

func (m *pagerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	if m.searching {
		if key, ok := msg.(tea.KeyMsg); ok {
			switch key.String() {
			case "enter":
				m.query = m.searchInput.Value()
				m.searching = false
				m.runSearch()
				if len(m.matches) > 0 {
					m.scrollToMatch(0)
				}
				return m, nil
			case "esc", "ctrl+c":
				m.searching = false
				m.clearSearch()
				return m, nil
			}
		}
		m.searchInput, cmd = m.searchInput.Update(msg)
		return m, cmd
	}

	switch msg := msg.(type) {
	case recordChangedMsg:
		m.reload()
		cmds = append(cmds, m.awaitChange())

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.query != "" {
				m.clearSearch()
			} else {
				return m, tea.Quit
			}
		case "g":
			m.follow = false
			m.viewport.GotoTop()
		case "G":
			m.viewport.GotoBottom()
		case "f":
			if m.live {
				m.follow = !m.follow
				if m.follow {
					m.viewport.GotoBottom()
				}
			}
		case "/":
			m.searching = true
			m.searchInput = textinput.New()
			m.searchInput.Placeholder = "Search..."
			m.searchInput.CharLimit = 100
			m.searchInput.Width = 40
			m.searchInput.SetValue(m.query)
			m.searchInput.Focus()
			return m, textinput.Blink
		case "n":
			if len(m.matches) > 0 {
				m.matchIdx = (m.matchIdx + 1) % len(m.matches)
				m.scrollToMatch(m.matchIdx)
			}
		case "N":
			if len(m.matches) > 0 {
				m.matchIdx--
				if m.matchIdx < 0 {
					m.matchIdx = len(m.matches) - 1
				}
				m.scrollToMatch(m.matchIdx)
			}
		}

	case tea.WindowSizeMsg:
		const chromeHeight = 2 // title + status line
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-chromeHeight)
			m.viewport.YPosition = 1
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - chromeHeight
		}
		m.wrapped = wrapToWidth(m.content, msg.Width)
		m.viewport.SetContent(m.wrapped)
		if m.query != "" {
			m.runSearch()
		}
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// reload re-renders the record, preserving scroll position unless the pager
// is following the tail.
func (m *pagerModel) reload() {
	if m.renderFunc == nil {
		return
	}
	content, err := m.renderFunc()
	if err != nil {
		return
	}
	offset := m.viewport.YOffset
	m.content = content
	m.wrapped = wrapToWidth(content, m.viewport.Width)
	m.viewport.SetContent(m.wrapped)
	if m.follow {
		m.viewport.GotoBottom()
	} else if offset <= m.viewport.TotalLineCount() {
		m.viewport.YOffset = offset
	}
	if m.query != "" {
		m.runSearch()
	}
}

func (m *pagerModel) runSearch() {
	m.matches = nil
	m.matchIdx = 0
	if m.query == "" {
		return
	}
	query := strings.ToLower(m.query)
	for i, line := range strings.Split(m.wrapped, "\n") {
		if strings.Contains(strings.ToLower(line), query) {
			m.matches = append(m.matches, i)
		}
	}
}

func (m *pagerModel) clearSearch() {
	m.query = ""
	m.matches = nil
	m.matchIdx = 0
}

func (m *pagerModel) scrollToMatch(idx int) {
	if idx < 0 || idx >= len(m.matches) {
		return
	}
	target := m.matches[idx] - m.viewport.Height/2
	limit := m.viewport.TotalLineCount() - m.viewport.Height
	if target > limit {
		target = limit
	}
	if target < 0 {
		target = 0
	}
	m.viewport.YOffset = target
}

func (m *pagerModel) View() string {
	if !m.ready {
		return "\n  Loading..."
	}

	title := pagerTitleStyle.Render(m.title)
	rule := strings.Repeat("─", intMax(0, m.viewport.Width-lipgloss.Width(title)))
	header := lipgloss.JoinHorizontal(lipgloss.Center, title, pagerChromeStyle.Render(rule))

	var status string
	switch {
	case m.searching:
		status = warnStyle.Render("/") + m.searchInput.View()
	case m.query != "" && len(m.matches) == 0:
		status = errorStyle.Render("Pattern not found") + pagerChromeStyle.Render("  /: search  esc: clear")
	case len(m.matches) > 0:
		status = warnStyle.Render(fmt.Sprintf("[%d/%d]", m.matchIdx+1, len(m.matches))) +
			pagerChromeStyle.Render("  n/N: next/prev  /: search  esc: clear")
	case m.live && m.follow:
		status = successStyle.Render("● FOLLOW") + pagerChromeStyle.Render("  q: quit  f: unfollow  /: search")
	case m.live:
		status = successStyle.Render("● LIVE") + pagerChromeStyle.Render("  q: quit  f: follow  /: search  g/G: top/bottom")
	default:
		status = pagerChromeStyle.Render("q: quit  /: search  n/N: next/prev  g/G: top/bottom")
	}

	pct := fmt.Sprintf(" %d%% ", m.scrollPercent())
	pad := intMax(0, m.viewport.Width-lipgloss.Width(status)-lipgloss.Width(pct))
	footer := status + pagerChromeStyle.Render(strings.Repeat("─", pad)+pct)

	return header + "\n" + m.viewport.View() + "\n" + footer
}

func (m *pagerModel) scrollPercent() int {
	total := m.viewport.TotalLineCount()
	if total <= m.viewport.Height {
		return 100
	}
	pct := int(float64(m.viewport.YOffset) / float64(intMax(1, total-m.viewport.Height)) * 100)
	if pct > 100 {
		pct = 100
	}
	return pct
}

func intMax(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// wrapToWidth soft-wraps long lines so the viewport never clips ANSI-styled
// content horizontally.
func wrapToWidth(content string, width int) string {
	if width <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if lipgloss.Width(line) <= width {
			out = append(out, line)
			continue
		}
		out = append(out, strings.Split(wordwrap.String(line, width), "\n")...)
	}
	return strings.Join(out, "\n")
}
