// Package setup provides the interactive first-run wizard. It walks through
// the reasoning model, record backend, and storage choices and writes
// opspilot.toml in the current directory.
package setup

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/opspilot-ai/opspilot/internal/config"
)

// ConfigFile is where the wizard writes its result.
const ConfigFile = "opspilot.toml"

// Step identifies a wizard screen.
type Step int

const (
	StepWelcome Step = iota
	StepProvider
	StepModel
	StepRecordBackend
	StepStorage
	StepNATS
	StepConfirm
	StepComplete
)

var providers = []string{"anthropic", "openai", "google", "mistral", "groq", "none (heuristics only)"}

var recordBackends = []string{"file", "sqlite", "none"}

// defaultModels suggests a model per provider; the user can edit it.
var defaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-5",
	"openai":    "gpt-4o",
	"google":    "gemini-2.0-flash",
	"mistral":   "mistral-large-latest",
	"groq":      "llama-3.3-70b-versatile",
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginBottom(1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("170")).
			Bold(true)

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

// Model is the bubbletea model for the wizard.
type Model struct {
	step      Step
	cfg       *config.Config
	cursor    int
	textInput textinput.Model
	err       error

	editMode bool // an opspilot.toml already existed
	written  bool
}

// New creates the wizard, preloading an existing opspilot.toml when present.
func New() Model {
	ti := textinput.New()
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 50

	m := Model{step: StepWelcome, textInput: ti, cfg: config.New()}
	if existing, err := config.LoadFile(ConfigFile); err == nil {
		m.cfg = existing
		m.editMode = true
	}
	return m
}

// Written reports whether the wizard wrote a config file before exiting.
func (m Model) Written() bool { return m.written }

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(msg)
		return m, cmd
	}

	switch key.String() {
	case "ctrl+c", "q":
		if m.step != StepModel && m.step != StepStorage {
			return m, tea.Quit
		}
	case "esc":
		return m, tea.Quit
	}

	switch m.step {
	case StepWelcome:
		if key.Type == tea.KeyEnter {
			m.step = StepProvider
			m.cursor = indexOf(providers, m.cfg.LLM.Provider)
		}
	case StepProvider:
		m.updateChoice(key, providers, func(choice string) {
			if strings.HasPrefix(choice, "none") {
				m.cfg.LLM.Provider = ""
				m.cfg.LLM.Model = ""
				m.step = StepRecordBackend
				m.cursor = indexOf(recordBackends, m.cfg.Record.Backend)
				return
			}
			m.cfg.LLM.Provider = choice
			m.textInput.SetValue(modelFor(m.cfg))
			m.step = StepModel
		})
		return m, nil
	case StepModel:
		if key.Type == tea.KeyEnter {
			m.cfg.LLM.Model = strings.TrimSpace(m.textInput.Value())
			m.step = StepRecordBackend
			m.cursor = indexOf(recordBackends, m.cfg.Record.Backend)
			return m, nil
		}
	case StepRecordBackend:
		m.updateChoice(key, recordBackends, func(choice string) {
			m.cfg.Record.Backend = choice
			m.textInput.SetValue(m.cfg.Storage.Path)
			m.step = StepStorage
		})
		return m, nil
	case StepStorage:
		if key.Type == tea.KeyEnter {
			if path := strings.TrimSpace(m.textInput.Value()); path != "" {
				m.cfg.Storage.Path = path
			}
			m.step = StepNATS
			m.cursor = boolCursor(m.cfg.Broadcast.NATS.Enabled)
			return m, nil
		}
	case StepNATS:
		m.updateChoice(key, []string{"no", "yes"}, func(choice string) {
			m.cfg.Broadcast.NATS.Enabled = choice == "yes"
			m.step = StepConfirm
		})
		return m, nil
	case StepConfirm:
		if key.Type == tea.KeyEnter {
			m.err = write(m.cfg)
			m.written = m.err == nil
			m.step = StepComplete
			return m, nil
		}
	case StepComplete:
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

// updateChoice handles up/down/enter on a single-select list. The apply
// callback mutates the same model, so this takes a pointer.
func (m *Model) updateChoice(key tea.KeyMsg, options []string, apply func(string)) {
	switch key.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(options)-1 {
			m.cursor++
		}
	case "enter":
		apply(options[m.cursor])
		m.cursor = 0
	}
}

func (m Model) View() string {
	var b strings.Builder

	switch m.step {
	case StepWelcome:
		b.WriteString(titleStyle.Render("opspilot setup"))
		b.WriteString("\n")
		if m.editMode {
			b.WriteString(subtitleStyle.Render("Existing opspilot.toml found; current values preloaded."))
		} else {
			b.WriteString(subtitleStyle.Render("Configure the reasoning model and storage for task automation."))
		}
		b.WriteString("\n" + dimStyle.Render("enter to begin, q to quit"))
	case StepProvider:
		m.renderChoice(&b, "Reasoning provider", "Used to analyze tasks and order agent sequences.", providers)
	case StepModel:
		b.WriteString(titleStyle.Render("Model"))
		b.WriteString("\n" + subtitleStyle.Render(fmt.Sprintf("Model name for %s.", m.cfg.LLM.Provider)))
		b.WriteString("\n" + m.textInput.View())
		b.WriteString("\n\n" + dimStyle.Render(fmt.Sprintf("API key is read from %s", config.DefaultAPIKeyEnv(m.cfg.LLM.Provider))))
	case StepRecordBackend:
		m.renderChoice(&b, "Record backend", "Where the replayable plan history is kept.", recordBackends)
	case StepStorage:
		b.WriteString(titleStyle.Render("Storage directory"))
		b.WriteString("\n" + subtitleStyle.Render("Base directory for checkpoints and records."))
		b.WriteString("\n" + m.textInput.View())
	case StepNATS:
		m.renderChoice(&b, "NATS mirroring", "Mirror progress events to a NATS subject per plan.", []string{"no", "yes"})
	case StepConfirm:
		b.WriteString(titleStyle.Render("Review"))
		b.WriteString("\n")
		provider := m.cfg.LLM.Provider
		if provider == "" {
			provider = "none (heuristics only)"
		}
		fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render("provider:"), normalStyle.Render(provider))
		if m.cfg.LLM.Model != "" {
			fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render("model:   "), normalStyle.Render(m.cfg.LLM.Model))
		}
		fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render("records: "), normalStyle.Render(m.cfg.Record.Backend))
		fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render("storage: "), normalStyle.Render(m.cfg.Storage.Path))
		fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render("nats:    "), normalStyle.Render(yesNo(m.cfg.Broadcast.NATS.Enabled)))
		b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("enter writes %s, q aborts", ConfigFile)))
	case StepComplete:
		if m.err != nil {
			b.WriteString(errorStyle.Render("setup failed: " + m.err.Error()))
		} else {
			b.WriteString(successStyle.Render("Wrote " + ConfigFile))
			b.WriteString("\n" + dimStyle.Render(`Try: opspilot run "verify the invoice from the supplier email"`))
		}
		b.WriteString("\n" + dimStyle.Render("press any key to exit"))
	}

	b.WriteString("\n")
	return b.String()
}

func (m Model) renderChoice(b *strings.Builder, title, subtitle string, options []string) {
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n" + subtitleStyle.Render(subtitle) + "\n")
	for i, opt := range options {
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> "+opt) + "\n")
		} else {
			b.WriteString(normalStyle.Render("  "+opt) + "\n")
		}
	}
	b.WriteString("\n" + dimStyle.Render("↑/↓ to choose, enter to confirm"))
}

// Run executes the wizard and reports whether a config file was written.
func Run() (bool, error) {
	final, err := tea.NewProgram(New()).Run()
	if err != nil {
		return false, fmt.Errorf("setup wizard failed: %w", err)
	}
	m, ok := final.(Model)
	if !ok {
		return false, nil
	}
	if m.err != nil {
		return false, m.err
	}
	return m.Written(), nil
}

// write encodes the config as TOML, replacing any existing file.
func write(cfg *config.Config) error {
	f, err := os.Create(ConfigFile)
	if err != nil {
		return fmt.Errorf("creating %s: %w", ConfigFile, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding %s: %w", ConfigFile, err)
	}
	return nil
}

func modelFor(cfg *config.Config) string {
	if cfg.LLM.Model != "" {
		return cfg.LLM.Model
	}
	return defaultModels[cfg.LLM.Provider]
}

func indexOf(options []string, value string) int {
	for i, opt := range options {
		if opt == value {
			return i
		}
	}
	return 0
}

func boolCursor(b bool) int {
	if b {
		return 1
	}
	return 0
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
