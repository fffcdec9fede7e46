package app

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/pimsync/internal/account"
)

// accountCreatedMsg is sent after an account was created or rejected.
type accountCreatedMsg struct {
	result *account.CreateResult
	err    error
}

// createAccount discovers and persists a new account.
func (m *Model) createAccount(req account.Request) tea.Cmd {
	svc := m.accounts
	return func() tea.Msg {
		res, err := svc.Create(context.Background(), req)
		return accountCreatedMsg{result: res, err: err}
	}
}

func describeCreated(msg accountCreatedMsg) string {
	if msg.err != nil {
		return "adding account failed: " + msg.err.Error()
	}
	res := msg.result
	text := fmt.Sprintf("added %s with %d collections", res.Account.DisplayName, len(res.Collections))
	if n := len(res.Warnings); n > 0 {
		text += fmt.Sprintf(" (%d warnings)", n)
	}
	return text
}
