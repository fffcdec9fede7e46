// Package app is the root of the terminal UI. It routes between the
// status view and the add-account form.
package app

import (
	"context"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/pimsync/internal/account"
	"github.com/nhle/pimsync/internal/keys"
	"github.com/nhle/pimsync/internal/ui"
	"github.com/nhle/pimsync/internal/ui/accountform"
	"github.com/nhle/pimsync/internal/ui/status"
)

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewStatus ViewState = iota
	ViewAccountForm
)

// AccountCreator adds an account from form input.
type AccountCreator interface {
	Create(ctx context.Context, req account.Request) (*account.CreateResult, error)
}

// Model is the root Bubble Tea model that manages view routing.
type Model struct {
	currentView ViewState
	layout      ui.Layout
	keys        *keys.KeyMap
	status      *status.Model
	form        accountform.Model
	accounts    AccountCreator
	ready       bool
}

// New creates the root model. The status view must be built with the
// same key map.
func New(sv *status.Model, form accountform.Model, accounts AccountCreator, km *keys.KeyMap) Model {
	if km == nil {
		km = keys.DefaultKeyMap()
	}
	return Model{
		currentView: ViewStatus,
		layout:      ui.NewLayout(80, 24),
		keys:        km,
		status:      sv,
		form:        form,
		accounts:    accounts,
	}
}

// Init starts the status view.
func (m Model) Init() tea.Cmd {
	return m.status.Init()
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		m.status.SetSize(msg.Width, msg.Height)
		m.form.SetSize(m.layout.ContentWidth(), m.layout.ContentHeight())
		return m, nil

	case tea.KeyMsg:
		if m.currentView == ViewStatus && key.Matches(msg, m.keys.AddAccount) {
			m.currentView = ViewAccountForm
			return m, m.form.Start()
		}

	case accountform.SubmittedMsg:
		m.currentView = ViewStatus
		m.status.SetNotice("adding account " + msg.Request.Username + "...")
		return m, m.createAccount(msg.Request)

	case accountform.CancelMsg:
		m.currentView = ViewStatus
		return m, nil

	case accountCreatedMsg:
		m.status.SetNotice(describeCreated(msg))
		return m, m.status.Reload()

	case accountform.CredentialsTestedMsg:
		var cmd tea.Cmd
		m.form, cmd = m.form.Update(msg)
		return m, cmd
	}

	return m.updateActiveView(msg)
}

// updateActiveView dispatches the message to the currently active view.
// Subscription messages always reach the status view so its wait loops
// keep running while the form is open.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg.(type) {
	case status.SnapshotMsg, status.SelectionMsg, status.CollectionsLoadedMsg, status.BulkDoneMsg, spinner.TickMsg:
		_, cmd := m.status.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	switch m.currentView {
	case ViewAccountForm:
		m.form, cmd = m.form.Update(msg)
	default:
		_, cmd = m.status.Update(msg)
	}
	return m, cmd
}

// View renders the active view.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	if m.currentView == ViewAccountForm {
		header := m.layout.RenderHeader("pimsync", "new account")
		statusBar := m.layout.RenderStatusBar("enter next | esc cancel")
		return m.layout.RenderWithFrame(header, m.form.View(), statusBar)
	}
	return m.status.View()
}
