package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestLogger(format string) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(NewHandler(&buf, format, slog.LevelDebug)), &buf
}

func TestSecretsAreRedacted(t *testing.T) {
	log, buf := newTestLogger("text")

	log.Info("storing credential", "password", "hunter2", "app_password", "abc", "user", "demo")

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "=abc")
	assert.Contains(t, out, "password="+redacted)
	assert.Contains(t, out, "user=demo")
}

func TestContextIDsAreAppended(t *testing.T) {
	log, buf := newTestLogger("json")

	ctx := WithCollection(WithAccount(context.Background(), "acc-1"), "col-9")
	log.InfoContext(ctx, "sync finished")

	out := buf.String()
	assert.Contains(t, out, `"account_id":"acc-1"`)
	assert.Contains(t, out, `"collection_id":"col-9"`)
}

func TestOrDiscardNeverReturnsNil(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := slog.Default()
	assert.Same(t, l, OrDiscard(l))
}
