// Package accountform is the form for adding a CalDAV/CardDAV account.
package accountform

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/pimsync/internal/account"
	"github.com/nhle/pimsync/internal/model"
	"github.com/nhle/pimsync/internal/theme"
)

// SubmittedMsg is dispatched when the form is complete and, if asked for,
// the credentials were accepted by the server.
type SubmittedMsg struct {
	Request account.Request
}

// CredentialsTestedMsg carries the result of a connection test.
type CredentialsTestedMsg struct {
	Request account.Request
	OK      bool
	Err     error
}

// CancelMsg is dispatched when the user cancels the form.
type CancelMsg struct{}

// Tester checks credentials against a server.
type Tester interface {
	TestCredentials(ctx context.Context, serverURL, username, password string) (bool, error)
}

// formBindings holds form field values on the heap so that huh's Value()
// pointers remain valid across Bubble Tea model copies.
type formBindings struct {
	serverURL   string
	username    string
	password    string
	displayName string
	email       string
	test        bool
}

// Model is the Bubble Tea model for the add-account form.
type Model struct {
	form    *huh.Form
	fb      *formBindings
	tester  Tester
	timeout time.Duration
	testing bool
	err     string
	width   int
	height  int
}

// New creates an account form. Connection tests give up after timeout.
func New(tester Tester, timeout time.Duration, width, height int) Model {
	return Model{
		fb:      &formBindings{test: true},
		tester:  tester,
		timeout: timeout,
		width:   width,
		height:  height,
	}
}

// Start resets the form for a new account.
func (m *Model) Start() tea.Cmd {
	*m.fb = formBindings{test: true}
	m.err = ""
	m.testing = false
	m.form = m.buildForm()
	return m.form.Init()
}

// Update handles messages for the account form.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if tested, ok := msg.(CredentialsTestedMsg); ok {
		return m.handleTested(tested)
	}
	if m.form == nil || m.testing {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		return m.handleSubmit()
	case huh.StateAborted:
		return m, func() tea.Msg { return CancelMsg{} }
	}
	return m, cmd
}

// View renders the account form.
func (m Model) View() string {
	if m.form == nil {
		return ""
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)

	content := titleStyle.Render("Add Account") + "\n"
	switch {
	case m.testing:
		content += theme.HelpStyle.Render("Testing connection to " + m.fb.serverURL + "...")
	default:
		if m.err != "" {
			content += theme.ErrorStyle.Render(m.err) + "\n\n"
		}
		content += m.form.View()
	}

	return lipgloss.NewStyle().
		Padding(1, 2).
		Render(content)
}

// SetSize updates the form dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

func (m *Model) buildForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server").
				Placeholder("https://cloud.example.com").
				Value(&m.fb.serverURL).
				Validate(validateServerURL),
			huh.NewInput().
				Title("Username").
				Value(&m.fb.username).
				Validate(validateRequired("Username")),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&m.fb.password).
				Validate(validateRequired("Password")),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Display Name").
				Placeholder("Optional, defaults to user@host").
				Value(&m.fb.displayName),
			huh.NewInput().
				Title("Email").
				Placeholder("Optional").
				Value(&m.fb.email).
				Validate(validateOptionalEmail),
			huh.NewConfirm().
				Title("Test connection before saving?").
				Value(&m.fb.test),
		),
	).WithWidth(m.formWidth()).WithHeight(m.formHeight())
}

func (m Model) request() account.Request {
	return account.Request{
		ServerURL:   strings.TrimSpace(m.fb.serverURL),
		Username:    strings.TrimSpace(m.fb.username),
		Password:    m.fb.password,
		DisplayName: strings.TrimSpace(m.fb.displayName),
		Email:       strings.TrimSpace(m.fb.email),
		AuthKind:    model.AuthKindBasic,
	}
}

func (m Model) handleSubmit() (Model, tea.Cmd) {
	req := m.request()
	if !m.fb.test || m.tester == nil {
		return m, func() tea.Msg { return SubmittedMsg{Request: req} }
	}

	m.testing = true
	tester, timeout := m.tester, m.timeout
	return m, func() tea.Msg {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		ok, err := tester.TestCredentials(ctx, req.ServerURL, req.Username, req.Password)
		return CredentialsTestedMsg{Request: req, OK: ok, Err: err}
	}
}

// handleTested submits on success. On failure the form is rebuilt with the
// entered values so the user can correct them.
func (m Model) handleTested(msg CredentialsTestedMsg) (Model, tea.Cmd) {
	m.testing = false
	if msg.OK {
		req := msg.Request
		return m, func() tea.Msg { return SubmittedMsg{Request: req} }
	}

	m.err = "Connection test failed"
	if msg.Err != nil {
		m.err = fmt.Sprintf("Connection test failed: %v", msg.Err)
	}
	m.form = m.buildForm()
	return m, m.form.Init()
}

func (m Model) formWidth() int {
	w := m.width - 4
	if w < 40 {
		w = 40
	}
	if w > 100 {
		w = 100
	}
	return w
}

func (m Model) formHeight() int {
	h := m.height - 4
	if h < 10 {
		h = 10
	}
	return h
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validateServerURL(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("Server is required")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid server address")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server must use http or https")
	}
	return nil
}

func validateOptionalEmail(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if at := strings.IndexByte(s, '@'); at <= 0 || at == len(s)-1 {
		return fmt.Errorf("invalid email address")
	}
	return nil
}
