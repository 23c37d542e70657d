// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/sqlwarden/sqlwarden/internal/config"
	"github.com/sqlwarden/sqlwarden/internal/provider"
	"github.com/sqlwarden/sqlwarden/internal/secrets"
	"github.com/sqlwarden/sqlwarden/internal/sqlrunner"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// initValidateTimeout bounds the test chat sent to check an API key.
const initValidateTimeout = 20 * time.Second

// initWizardStep tracks which step of the wizard is active.
type initWizardStep int

const (
	stepProvider    initWizardStep = iota // select LLM provider
	stepAPIKey                            // enter API key
	stepValidateKey                       // validating key (spinner)
	stepDatabase                          // select database provider
	stepDSN                               // enter connection string
	stepDone                              // wizard complete
	stepError                             // terminal error
)

// initResult holds the collected wizard configuration.
type initResult struct {
	Provider   string
	Model      string
	APIKey     string
	DBProvider string
	DSN        string
}

type (
	keyValidMsg   struct{}
	keyInvalidMsg struct{ err error }
)
type configWrittenMsg struct{ path string }

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	promptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

var supportedDatabases = []string{
	sqlrunner.ProviderSQLite,
	sqlrunner.ProviderOracle,
	sqlrunner.ProviderMSSQL,
}

// needsAPIKey reports whether provider p requires a key. A local LM Studio
// endpoint does not.
func needsAPIKey(p string) bool { return p != "lmstudio" }

// initModel is the bubbletea model for the init wizard.
type initModel struct {
	step           initWizardStep
	providerIdx    int
	databaseIdx    int
	apiKeyInput    textinput.Model
	dsnInput       textinput.Model
	spinner        spinner.Model
	result         initResult
	validationErr  string
	configPath     string
	secretStore    secrets.Store
	errFinal       error
	forceOverwrite bool
}

func newInitModel(store secrets.Store) initModel {
	apiKey := textinput.New()
	apiKey.Placeholder = "paste API key here"
	apiKey.EchoMode = textinput.EchoPassword
	apiKey.EchoCharacter = '•'

	dsn := textinput.New()
	dsn.Placeholder = "path or connection string"

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return initModel{
		step:        stepProvider,
		apiKeyInput: apiKey,
		dsnInput:    dsn,
		spinner:     sp,
		secretStore: store,
	}
}

func (m initModel) Init() tea.Cmd {
	return nil
}

func (m initModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case keyValidMsg:
		m.step = stepDatabase
		return m, nil

	case keyInvalidMsg:
		m.validationErr = msg.err.Error()
		m.step = stepAPIKey
		m.apiKeyInput.Focus()
		return m, nil

	case configWrittenMsg:
		m.step = stepDone
		m.configPath = msg.path
		return m, tea.Quit

	case error:
		m.step = stepError
		m.errFinal = msg
		return m, tea.Quit
	}

	return m.updateInputs(msg)
}

func (m initModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.step {
	case stepProvider:
		return m.handleProviderKey(msg)
	case stepAPIKey:
		return m.handleAPIKeyInput(msg)
	case stepDatabase:
		return m.handleDatabaseKey(msg)
	case stepDSN:
		return m.handleDSNInput(msg)
	}
	return m, nil
}

func (m initModel) handleProviderKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.providerIdx > 0 {
			m.providerIdx--
		}
	case "down", "j":
		if m.providerIdx < len(config.LLMProviders)-1 {
			m.providerIdx++
		}
	case "enter":
		m.result.Provider = config.LLMProviders[m.providerIdx]
		m.result.Model = defaultModelForProvider(m.result.Provider)
		m.validationErr = ""
		if !needsAPIKey(m.result.Provider) {
			m.step = stepDatabase
			return m, nil
		}
		m.step = stepAPIKey
		m.apiKeyInput.SetValue("")
		m.apiKeyInput.Focus()
		return m, textinput.Blink
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m initModel) handleAPIKeyInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		key := strings.TrimSpace(m.apiKeyInput.Value())
		if key == "" {
			m.validationErr = "API key must not be empty"
			return m, nil
		}
		m.result.APIKey = key
		m.validationErr = ""
		m.step = stepValidateKey
		return m, tea.Batch(
			m.spinner.Tick,
			validateProviderKeyCmd(m.result),
		)
	case "ctrl+c":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.apiKeyInput, cmd = m.apiKeyInput.Update(msg)
	return m, cmd
}

func (m initModel) handleDatabaseKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.databaseIdx > 0 {
			m.databaseIdx--
		}
	case "down", "j":
		if m.databaseIdx < len(supportedDatabases)-1 {
			m.databaseIdx++
		}
	case "enter":
		m.result.DBProvider = supportedDatabases[m.databaseIdx]
		m.step = stepDSN
		m.validationErr = ""
		m.dsnInput.SetValue("")
		if m.result.DBProvider == sqlrunner.ProviderSQLite {
			m.dsnInput.SetValue("sqlwarden.db")
		}
		m.dsnInput.Focus()
		return m, textinput.Blink
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m initModel) handleDSNInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		dsn := strings.TrimSpace(m.dsnInput.Value())
		if dsn == "" {
			m.validationErr = "connection string must not be empty"
			return m, nil
		}
		m.result.DSN = dsn
		m.validationErr = ""
		return m, writeConfigCmd(m.result, m.secretStore, m.forceOverwrite)
	case "ctrl+c":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.dsnInput, cmd = m.dsnInput.Update(msg)
	return m, cmd
}

func (m initModel) updateInputs(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.step {
	case stepAPIKey:
		m.apiKeyInput, cmd = m.apiKeyInput.Update(msg)
	case stepDSN:
		m.dsnInput, cmd = m.dsnInput.Update(msg)
	}
	return m, cmd
}

func (m initModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("  SQLWarden Setup  ") + "\n\n")

	switch m.step {
	case stepProvider:
		b.WriteString(promptStyle.Render("Step 1/2: Choose the LLM provider") + "\n\n")
		writeChoices(&b, config.LLMProviders, m.providerIdx)
		b.WriteString("\n" + dimStyle.Render("↑/↓ to navigate  enter to select  q to quit"))

	case stepAPIKey:
		b.WriteString(promptStyle.Render("Step 1/2: "+m.result.Provider+" API key") + "\n\n")
		b.WriteString(m.apiKeyInput.View() + "\n")
		writeValidationErr(&b, m.validationErr)
		b.WriteString("\n" + dimStyle.Render("enter to continue  ctrl+c to quit"))

	case stepValidateKey:
		b.WriteString(m.spinner.View() + " Checking " + m.result.Provider + " API key…\n")

	case stepDatabase:
		b.WriteString(promptStyle.Render("Step 2/2: Choose the database") + "\n\n")
		writeChoices(&b, supportedDatabases, m.databaseIdx)
		b.WriteString("\n" + dimStyle.Render("↑/↓ to navigate  enter to select  q to quit"))

	case stepDSN:
		label := "connection string"
		if m.result.DBProvider == sqlrunner.ProviderSQLite {
			label = "database file"
		}
		b.WriteString(promptStyle.Render("Step 2/2: "+m.result.DBProvider+" "+label) + "\n\n")
		b.WriteString(m.dsnInput.View() + "\n")
		writeValidationErr(&b, m.validationErr)
		b.WriteString("\n" + dimStyle.Render("enter to finish  ctrl+c to quit"))

	case stepDone:
		b.WriteString(successStyle.Render("  Setup complete!  ") + "\n\n")
		if m.configPath != "" {
			b.WriteString(dimStyle.Render("Config written to: "+m.configPath) + "\n\n")
		}
		b.WriteString("Run " + promptStyle.Render("sqlwarden serve") + " and " + promptStyle.Render("sqlwarden ask") + " to get started.\n")
		b.WriteString("Run " + promptStyle.Render("sqlwarden doctor") + " to verify setup.\n")

	case stepError:
		b.WriteString(errorStyle.Render("Setup failed: "+m.errFinal.Error()) + "\n")
	}

	return boxStyle.Render(b.String())
}

func writeChoices(b *strings.Builder, choices []string, selected int) {
	for i, c := range choices {
		if i == selected {
			b.WriteString(selectedStyle.Render("  > "+c) + "\n")
		} else {
			b.WriteString(dimStyle.Render("    "+c) + "\n")
		}
	}
}

func writeValidationErr(b *strings.Builder, msg string) {
	if msg != "" {
		b.WriteString("\n" + errorStyle.Render("  "+msg) + "\n")
	}
}

// validateProviderKeyCmd sends a short chat with the entered key.
func validateProviderKeyCmd(result initResult) tea.Cmd {
	return func() tea.Msg {
		if err := validateProviderKey(result); err != nil {
			return keyInvalidMsg{err: err}
		}
		return keyValidMsg{}
	}
}

func validateProviderKey(result initResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), initValidateTimeout)
	defer cancel()

	p, err := providerFactory(ctx, config.LLMConfig{Provider: result.Provider, APIKey: result.APIKey})
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	events, err := p.Chat(ctx, provider.ChatRequest{
		Model:    result.Model,
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "ping"}},
		Options:  provider.ChatOptions{MaxTokens: 8},
	})
	if err != nil {
		return err
	}
	_, err = provider.Collect(ctx, p.Name(), events)
	return err
}

func writeConfigCmd(result initResult, store secrets.Store, forceOverwrite bool) tea.Cmd {
	return func() tea.Msg {
		path, err := storeSecretsAndWriteConfig(result, store, forceOverwrite)
		if err != nil {
			return err
		}
		return configWrittenMsg{path: path}
	}
}

// GenerateConfigYAML produces a minimal sqlwarden.yaml from the wizard
// result. The API key, and the DSN of server databases, are referenced via
// keyring:// URIs; storeSecretsAndWriteConfig stores the values.
func GenerateConfigYAML(result initResult) string {
	var sb strings.Builder
	sb.WriteString("# SQLWarden configuration, generated by sqlwarden init.\n")
	sb.WriteString("# See `sqlwarden serve --help`; every key can be overridden with SQLWARDEN_* variables.\n\n")

	sb.WriteString("server:\n")
	sb.WriteString("  listen: \"" + defaultAddress + "\"\n\n")

	sb.WriteString("llm:\n")
	sb.WriteString(fmt.Sprintf("  provider: %s\n", result.Provider))
	sb.WriteString(fmt.Sprintf("  model: %q\n", result.Model))
	if needsAPIKey(result.Provider) {
		sb.WriteString(fmt.Sprintf("  api_key: %q\n", secrets.URI(secrets.KeyLLMAPIKey)))
	}
	sb.WriteString("\n")

	sb.WriteString("database:\n")
	sb.WriteString(fmt.Sprintf("  provider: %s\n", result.DBProvider))
	if dsnIsSecret(result.DBProvider) {
		sb.WriteString(fmt.Sprintf("  dsn: %q\n", secrets.URI(secrets.KeyDatabaseDSN)))
	} else {
		sb.WriteString(fmt.Sprintf("  dsn: %q\n", result.DSN))
	}
	sb.WriteString("\n")

	sb.WriteString("guard:\n")
	sb.WriteString("  allow_list_policy: fail_closed\n")
	sb.WriteString("  allow_list_refresh: \"@every 15m\"\n")

	return sb.String()
}

// dsnIsSecret reports whether the provider's DSN carries credentials. A
// sqlite DSN is a file path.
func dsnIsSecret(dbProvider string) bool {
	return dbProvider != sqlrunner.ProviderSQLite
}

// defaultModelForProvider returns a sensible default model for a provider.
func defaultModelForProvider(p string) string {
	switch p {
	case "openai":
		return "gpt-4o-mini"
	case "groq":
		return "llama-3.3-70b-versatile"
	case "gemini", "google":
		return "gemini-2.0-flash"
	case "anthropic":
		return "claude-sonnet-4-5"
	default:
		return "gemma-3n"
	}
}

// storeSecretsAndWriteConfig saves secrets to the store and writes the
// config YAML to the default config path. An existing file is only replaced
// when forceOverwrite is set. Secrets already stored are not rolled back if
// the write fails; a re-run overwrites them.
func storeSecretsAndWriteConfig(result initResult, store secrets.Store, forceOverwrite bool) (string, error) {
	cfgPath, err := configPathForWrite()
	if err != nil {
		return "", err
	}
	if !forceOverwrite {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return "", wardenerr.Errorf(wardenerr.CodeCLISetupFailure,
				"config file already exists at %s; use --force to overwrite", cfgPath)
		}
	}

	if needsAPIKey(result.Provider) {
		if err := store.Store(secrets.Service, secrets.KeyLLMAPIKey, result.APIKey); err != nil {
			return "", wardenerr.Errorf(wardenerr.CodeSecretStoreFailure, "storing %s API key: %w", result.Provider, err)
		}
	}
	if dsnIsSecret(result.DBProvider) {
		if err := store.Store(secrets.Service, secrets.KeyDatabaseDSN, result.DSN); err != nil {
			return "", wardenerr.Errorf(wardenerr.CodeSecretStoreFailure, "storing database DSN: %w", err)
		}
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", wardenerr.Errorf(wardenerr.CodeConfigLoadReadFailure, "creating config directory %s: %w", dir, err)
	}
	if err := os.WriteFile(cfgPath, []byte(GenerateConfigYAML(result)), 0o600); err != nil {
		return "", wardenerr.Errorf(wardenerr.CodeConfigLoadReadFailure, "writing config to %s: %w", cfgPath, err)
	}

	return cfgPath, nil
}

// configPathForWrite returns the path init writes to. Tests override it.
var configPathForWrite = config.DefaultConfigPath

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard for sqlwarden",
		Long: `Run an interactive TUI wizard that walks you through:
  1. Choosing the LLM provider and entering its API key
  2. Choosing the database and its connection string

API keys and database credentials are stored in the OS keyring and referenced
via keyring:// URIs in the config file. No secrets are written in plain text.

After completion, run:
  sqlwarden serve    start the server
  sqlwarden ask      ask a question
  sqlwarden doctor   verify your setup`,
		RunE: runInit,
	}

	cmd.Flags().Bool("force", false, "Overwrite existing config file")

	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !isTerminal(f) {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(),
			"sqlwarden init requires an interactive terminal.\n"+
				"To configure sqlwarden non-interactively, edit ~/.config/sqlwarden/sqlwarden.yaml directly.")
		return wardenerr.New(wardenerr.CodeCLISetupFailure, "sqlwarden init: not an interactive terminal")
	}

	forceOverwrite, _ := cmd.Flags().GetBool("force")

	m := newInitModel(secretStoreFactory())
	m.forceOverwrite = forceOverwrite

	finalModel, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "init wizard error: %w", err)
	}

	fm, ok := finalModel.(initModel)
	if !ok {
		return wardenerr.New(wardenerr.CodeCLISetupFailure, "unexpected model type after wizard")
	}
	if fm.errFinal != nil {
		return wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "init failed: %w", fm.errFinal)
	}
	return nil
}

// isTerminal reports whether f is a terminal file descriptor.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
