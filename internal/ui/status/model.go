// Package status is the terminal view over accounts and collections. It
// renders the orchestrator's busy state and the batch selection as they
// change and forwards key presses to the orchestrator and bulk operations.
package status

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/pimsync/internal/batch"
	"github.com/nhle/pimsync/internal/keys"
	"github.com/nhle/pimsync/internal/model"
	"github.com/nhle/pimsync/internal/store"
	pimsync "github.com/nhle/pimsync/internal/sync"
	"github.com/nhle/pimsync/internal/theme"
	"github.com/nhle/pimsync/internal/ui"
	"github.com/nhle/pimsync/internal/ui/help"
)

// SnapshotMsg carries a new orchestrator snapshot.
type SnapshotMsg struct {
	Snapshot pimsync.Snapshot
}

// SelectionMsg carries a new batch selection snapshot.
type SelectionMsg struct {
	Snapshot batch.Snapshot
}

// CollectionsLoadedMsg is sent when accounts and collections were read
// from the store.
type CollectionsLoadedMsg struct {
	Accounts    []model.Account
	Collections []model.Collection
	Err         error
}

// BulkDoneMsg reports the outcome of a bulk operation.
type BulkDoneMsg struct {
	Op      string
	Summary batch.Summary
	Err     error
}

// Orchestrator is the part of the sync orchestrator the view drives.
type Orchestrator interface {
	State() pimsync.Observable
	SyncCollection(collectionID string, trigger model.Trigger) bool
	SyncAll(trigger model.Trigger) bool
	RefreshCollections(accountID string) bool
}

var _ Orchestrator = (*pimsync.Orchestrator)(nil)

// Deps are the collaborators of the view.
type Deps struct {
	Store        store.Store
	Orchestrator Orchestrator
	Selection    *batch.Selection
	Bulk         *batch.Bulk
	Keys         *keys.KeyMap
}

// Model is the Bubble Tea model of the status view.
type Model struct {
	deps    Deps
	layout  ui.Layout
	spinner spinner.Model
	help    help.Model

	showHelp bool
	tab      int
	cursor   int
	notice   string

	accounts    map[string]model.Account
	collections []model.Collection
	snap        pimsync.Snapshot
	sel         batch.Snapshot

	snapCh      <-chan pimsync.Snapshot
	selCh       <-chan batch.Snapshot
	unsubscribe []func()
}

// New creates the status view and subscribes to state changes. Call
// Close when the program exits.
func New(deps Deps, width, height int) *Model {
	if deps.Keys == nil {
		deps.Keys = keys.DefaultKeyMap()
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.SpinnerStyle

	m := &Model{
		deps:     deps,
		layout:   ui.NewLayout(width, height),
		spinner:  sp,
		help:     help.New(deps.Keys, width, height),
		accounts: make(map[string]model.Account),
	}

	snapCh, cancelSnap := deps.Orchestrator.State().Subscribe()
	selCh, cancelSel := deps.Selection.Subscribe()
	m.snapCh, m.selCh = snapCh, selCh
	m.unsubscribe = []func(){cancelSnap, cancelSel}
	m.snap = deps.Orchestrator.State().Current()
	m.sel = deps.Selection.Current()
	return m
}

// Close drops the state subscriptions.
func (m *Model) Close() {
	for _, fn := range m.unsubscribe {
		fn()
	}
	m.unsubscribe = nil
}

// Init starts the spinner, the subscriptions and the first load.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitSnapshot(m.snapCh),
		waitSelection(m.selCh),
		m.load(),
	)
}

// Update handles messages for the status view.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)
		return m, nil

	case SnapshotMsg:
		wasBusy := m.snap.IsBusy()
		m.snap = msg.Snapshot
		cmds := []tea.Cmd{waitSnapshot(m.snapCh)}
		// Outcomes are recorded when work finishes; reread them.
		if wasBusy && !m.snap.IsBusy() {
			cmds = append(cmds, m.load())
		}
		return m, tea.Batch(cmds...)

	case SelectionMsg:
		m.sel = msg.Snapshot
		return m, waitSelection(m.selCh)

	case CollectionsLoadedMsg:
		if msg.Err != nil {
			m.notice = "loading collections: " + msg.Err.Error()
			return m, nil
		}
		m.accounts = make(map[string]model.Account, len(msg.Accounts))
		for _, a := range msg.Accounts {
			m.accounts[a.ID] = a
		}
		m.collections = msg.Collections
		m.clampCursor()
		return m, nil

	case BulkDoneMsg:
		m.notice = describeBulk(msg)
		return m, m.load()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	k := m.deps.Keys
	kind := m.kind()
	// Selection changes are applied synchronously; render them without
	// waiting for the subscription to catch up.
	defer func() { m.sel = m.deps.Selection.Current() }()
	batchMode := m.deps.Selection.Current().InBatchMode(kind)

	switch {
	case key.Matches(msg, k.Quit):
		m.Close()
		return m, tea.Quit

	case key.Matches(msg, k.Help):
		m.showHelp = !m.showHelp

	case key.Matches(msg, k.Down):
		m.cursor++
		m.clampCursor()

	case key.Matches(msg, k.Up):
		m.cursor--
		m.clampCursor()

	case key.Matches(msg, k.NextTab):
		m.tab = (m.tab + 1) % len(batch.Kinds)
		m.cursor = 0

	case key.Matches(msg, k.PrevTab):
		m.tab = (m.tab + len(batch.Kinds) - 1) % len(batch.Kinds)
		m.cursor = 0

	case key.Matches(msg, k.Back):
		m.deps.Selection.Exit()

	case key.Matches(msg, k.BatchToggle):
		m.deps.Selection.Toggle(kind)

	case key.Matches(msg, k.Select):
		col, ok := m.current()
		if !ok {
			break
		}
		if !m.deps.Selection.Tap(kind, col.ID) {
			m.deps.Selection.LongPress(kind, col.ID)
		}

	case key.Matches(msg, k.Delete):
		if batchMode {
			return m, m.bulk("delete", m.deps.Bulk.DeleteSelected)
		}

	case key.Matches(msg, k.Sync):
		if batchMode {
			return m, m.bulk("sync", m.deps.Bulk.SyncSelected)
		}
		col, ok := m.current()
		if !ok {
			break
		}
		if !m.deps.Orchestrator.SyncCollection(col.ID, model.TriggerManual) {
			m.notice = col.DisplayName + " is already syncing"
		}

	case key.Matches(msg, k.SyncAll):
		if !m.deps.Orchestrator.SyncAll(model.TriggerManual) {
			m.notice = "a full sync is already running"
		}

	case key.Matches(msg, k.Refresh):
		col, ok := m.current()
		if !ok {
			break
		}
		if !m.deps.Orchestrator.RefreshCollections(col.AccountID) {
			m.notice = "collections are already refreshing"
		}
	}
	return m, nil
}

// View renders the status view.
func (m *Model) View() string {
	if m.showHelp {
		return m.help.View()
	}

	header := m.layout.RenderHeader("pimsync", m.busyText())
	hints := m.notice
	if hints == "" {
		hints = m.help.ShortView()
	}
	statusBar := m.layout.RenderStatusBar(hints)

	content := lipgloss.JoinVertical(lipgloss.Left, m.renderTabs(), m.renderList())
	content = lipgloss.NewStyle().Height(m.layout.ContentHeight()).Render(content)

	return m.layout.RenderWithFrame(header, content, statusBar)
}

func (m *Model) busyText() string {
	switch {
	case m.snap.FullSync:
		return m.spinner.View() + " full sync"
	case m.snap.IsBusy():
		n := 0
		for _, k := range batch.Kinds {
			n += len(m.snap.InFlightIDs(k))
		}
		return fmt.Sprintf("%s syncing %d", m.spinner.View(), n)
	default:
		return "idle"
	}
}

func (m *Model) renderTabs() string {
	tabs := make([]string, 0, len(batch.Kinds))
	for i, k := range batch.Kinds {
		label := tabLabel(k)
		if n := len(m.sel.Selected[k]); m.sel.InBatchMode(k) {
			label = fmt.Sprintf("%s [%d]", label, n)
		}
		style := theme.KindLabelStyle(string(k))
		if i == m.tab {
			style = style.Underline(true)
		}
		tabs = append(tabs, style.Render(label))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m *Model) renderList() string {
	cols := m.visible()
	if len(cols) == 0 {
		return lipgloss.NewStyle().
			Foreground(theme.ColorGray).
			Padding(1, 2).
			Render("No collections.\nRun 'pimsync account add' to get started.")
	}

	kind := m.kind()
	batchMode := m.sel.InBatchMode(kind)

	var b strings.Builder
	for i, c := range cols {
		var line strings.Builder
		if batchMode {
			if m.sel.IsSelected(kind, c.ID) {
				line.WriteString("[x] ")
			} else {
				line.WriteString("[ ] ")
			}
		}
		line.WriteString(theme.Swatch(c.Color))
		line.WriteString(" ")
		line.WriteString(c.DisplayName)
		acct, known := m.accounts[c.AccountID]
		if known {
			line.WriteString(lipgloss.NewStyle().Foreground(theme.ColorGray).Render("  " + acct.DisplayName))
		}
		line.WriteString(" ")
		line.WriteString(m.stateLabel(c))
		if known && acct.Principal != nil && c.IsSharedBy(*acct.Principal) {
			line.WriteString(theme.HelpStyle.Render(" shared by " + *c.OwnerPrincipal))
		}
		if c.IsReadOnly() {
			line.WriteString(theme.HelpStyle.Render(" read-only"))
		}
		if c.WifiOnly {
			line.WriteString(theme.HelpStyle.Render(" wifi-only"))
		}

		style := theme.ListItemStyle
		if i == m.cursor {
			style = theme.SelectedItemStyle
		}
		b.WriteString(style.Render(line.String()))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) stateLabel(c model.Collection) string {
	switch {
	case m.snap.Contains(c.ID):
		return m.spinner.View()
	case !c.Enabled:
		return theme.OutcomeStyle("").Render("off")
	case c.LastSyncOutcome == "":
		return theme.OutcomeStyle("").Render("never synced")
	default:
		return theme.OutcomeStyle(c.LastSyncOutcome).Render(c.LastSyncOutcome)
	}
}

func (m *Model) kind() model.CollectionKind {
	return batch.Kinds[m.tab]
}

func (m *Model) visible() []model.Collection {
	kind := m.kind()
	out := make([]model.Collection, 0, len(m.collections))
	for _, c := range m.collections {
		if c.Kind == kind && c.Visible {
			out = append(out, c)
		}
	}
	return out
}

func (m *Model) current() (model.Collection, bool) {
	cols := m.visible()
	if m.cursor < 0 || m.cursor >= len(cols) {
		return model.Collection{}, false
	}
	return cols[m.cursor], true
}

func (m *Model) clampCursor() {
	n := len(m.visible())
	if m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// Reload rereads accounts and collections.
func (m *Model) Reload() tea.Cmd {
	return m.load()
}

// SetNotice shows msg in the status bar until the next notice.
func (m *Model) SetNotice(msg string) {
	m.notice = msg
}

// SetSize updates the view dimensions.
func (m *Model) SetSize(width, height int) {
	m.layout = ui.NewLayout(width, height)
	m.help.SetSize(width, height)
}

// load reads accounts and visible collections from the store.
func (m *Model) load() tea.Cmd {
	s := m.deps.Store
	return func() tea.Msg {
		ctx := context.Background()
		accts, err := s.ListAccounts(ctx)
		if err != nil {
			return CollectionsLoadedMsg{Err: err}
		}
		cols, err := s.ListCollections(ctx, store.CollectionFilter{})
		return CollectionsLoadedMsg{Accounts: accts, Collections: cols, Err: err}
	}
}

func (m *Model) bulk(op string, run func(context.Context) (batch.Summary, error)) tea.Cmd {
	return func() tea.Msg {
		sum, err := run(context.Background())
		return BulkDoneMsg{Op: op, Summary: sum, Err: err}
	}
}

func waitSnapshot(ch <-chan pimsync.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return nil
		}
		return SnapshotMsg{Snapshot: snap}
	}
}

func waitSelection(ch <-chan batch.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return nil
		}
		return SelectionMsg{Snapshot: snap}
	}
}

func describeBulk(msg BulkDoneMsg) string {
	if msg.Err != nil {
		return fmt.Sprintf("bulk %s: %v", msg.Op, msg.Err)
	}
	s := msg.Summary
	return fmt.Sprintf("bulk %s: %d succeeded, %d skipped, %d failed", msg.Op, s.Succeeded, s.Skipped, s.Failed)
}

func tabLabel(k model.CollectionKind) string {
	switch k {
	case model.KindCalendar:
		return "Calendars"
	case model.KindAddressBook:
		return "Address books"
	case model.KindWebCal:
		return "Subscriptions"
	default:
		return string(k)
	}
}
