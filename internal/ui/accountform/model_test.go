package accountform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/pimsync/internal/model"
)

type fakeTester struct {
	ok    bool
	err   error
	calls int
}

func (f *fakeTester) TestCredentials(_ context.Context, _, _, _ string) (bool, error) {
	f.calls++
	return f.ok, f.err
}

func filled(tester Tester) Model {
	m := New(tester, time.Second, 80, 24)
	m.Start()
	m.fb.serverURL = " https://dav.example.com "
	m.fb.username = "alice"
	m.fb.password = "hunter2"
	m.fb.email = "alice@example.com"
	return m
}

func TestSubmitTestsCredentialsFirst(t *testing.T) {
	tester := &fakeTester{ok: true}
	m, cmd := filled(tester).handleSubmit()
	require.NotNil(t, cmd)
	assert.True(t, m.testing)

	tested, ok := cmd().(CredentialsTestedMsg)
	require.True(t, ok)
	assert.Equal(t, 1, tester.calls)
	assert.True(t, tested.OK)

	m, cmd = m.Update(tested)
	assert.False(t, m.testing)
	sub, ok := cmd().(SubmittedMsg)
	require.True(t, ok)
	assert.Equal(t, "https://dav.example.com", sub.Request.ServerURL)
	assert.Equal(t, "alice", sub.Request.Username)
	assert.Equal(t, model.AuthKindBasic, sub.Request.AuthKind)
}

func TestFailedTestKeepsEnteredValues(t *testing.T) {
	tester := &fakeTester{err: errors.New("401 unauthorized")}
	m, cmd := filled(tester).handleSubmit()

	m, _ = m.Update(cmd())
	assert.False(t, m.testing)
	assert.Contains(t, m.err, "401 unauthorized")
	assert.Equal(t, "alice", m.fb.username)
	assert.Contains(t, m.View(), "Connection test failed")
}

func TestSubmitWithoutTest(t *testing.T) {
	tester := &fakeTester{}
	m := filled(tester)
	m.fb.test = false

	_, cmd := m.handleSubmit()
	_, ok := cmd().(SubmittedMsg)
	assert.True(t, ok)
	assert.Zero(t, tester.calls)
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"https://dav.example.com", false},
		{"dav.example.com", false},
		{"http://localhost:5232/", false},
		{"", true},
		{"ftp://dav.example.com", true},
		{"https://", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			err := validateServerURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateOptionalEmail(t *testing.T) {
	assert.NoError(t, validateOptionalEmail(""))
	assert.NoError(t, validateOptionalEmail("a@b.c"))
	assert.Error(t, validateOptionalEmail("@b.c"))
	assert.Error(t, validateOptionalEmail("alice@"))
}
