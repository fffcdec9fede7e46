package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/pimsync/internal/model"
)

func TestIsDemo(t *testing.T) {
	assert.True(t, IsDemo("demo.local", "demo", "demo"))
	assert.True(t, IsDemo("https://DEMO.local/", "demo", "demo"))
	assert.False(t, IsDemo("demo.local", "demo", "wrong"))
	assert.False(t, IsDemo("demo.example.com", "demo", "demo"))
	assert.False(t, IsDemo("demo.local", "alice", "demo"))
}

func TestDemoResultSeed(t *testing.T) {
	res := DemoResult()
	require.NoError(t, res.Err())

	counts := map[model.CollectionKind]int{}
	tasks := 0
	for _, e := range res.Entries() {
		counts[e.Kind()]++
		if c, ok := e.(CalendarEntry); ok && c.SupportsComponent("VTODO") {
			tasks++
		}
	}
	assert.Equal(t, 3, counts[model.KindCalendar])
	assert.Equal(t, 1, counts[model.KindWebCal])
	assert.Equal(t, 2, counts[model.KindAddressBook])
	assert.Equal(t, 1, tasks)
}

func TestDemoResultIsDeterministic(t *testing.T) {
	a, b := DemoResult().Entries(), DemoResult().Entries()
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].Info().URL, b[i].Info().URL)
	}
}

func TestToCollectionSubscriptionIsReadOnly(t *testing.T) {
	var sub Entry
	for _, e := range DemoResult().Entries() {
		if _, ok := e.(SubscriptionEntry); ok {
			sub = e
		}
	}
	require.NotNil(t, sub)

	col := ToCollection("acct", sub)
	assert.Equal(t, model.KindWebCal, col.Kind)
	assert.Equal(t, "acct", col.AccountID)
	require.NotNil(t, col.Source)
	assert.True(t, col.IsReadOnly())
	assert.True(t, col.Enabled)
}
