package sync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/model"
	pimsync "github.com/nhle/pimsync/internal/sync"
)

func TestEvaluate(t *testing.T) {
	src := "https://feeds.example.com/holidays.ics"

	tests := []struct {
		name    string
		mutate  func(c *model.Collection)
		network string
		want    pimsync.Decision
	}{
		{name: "writable on wifi", network: model.NetworkWifi, want: pimsync.Run},
		{
			name:    "disabled wins over offline",
			mutate:  func(c *model.Collection) { c.Enabled = false },
			network: model.NetworkOffline,
			want:    pimsync.Skip,
		},
		{name: "offline is attempted", network: model.NetworkOffline, want: pimsync.Run},
		{
			name:    "wifi only offline",
			mutate:  func(c *model.Collection) { c.WifiOnly = true },
			network: model.NetworkOffline,
			want:    pimsync.Defer,
		},
		{
			name:    "wifi only on cellular",
			mutate:  func(c *model.Collection) { c.WifiOnly = true },
			network: model.NetworkCellular,
			want:    pimsync.Defer,
		},
		{
			name:    "wifi only on wifi",
			mutate:  func(c *model.Collection) { c.WifiOnly = true },
			network: model.NetworkWifi,
			want:    pimsync.Run,
		},
		{
			name:    "forced read-only",
			mutate:  func(c *model.Collection) { c.ForceReadOnly = true },
			network: model.NetworkCellular,
			want:    pimsync.PullOnly,
		},
		{
			name:    "server read-only",
			mutate:  func(c *model.Collection) { c.ServerWritable = false },
			network: model.NetworkWifi,
			want:    pimsync.PullOnly,
		},
		{
			name: "subscription",
			mutate: func(c *model.Collection) {
				c.Kind = model.KindWebCal
				c.Source = &src
			},
			network: model.NetworkWifi,
			want:    pimsync.PullOnly,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col := calendar("cal-1")
			if tt.mutate != nil {
				tt.mutate(&col)
			}

			got, err := pimsync.Evaluate(col, tt.network)
			assert.Equal(t, tt.want, got, "got %s", got)
			if tt.want == pimsync.Defer {
				assert.True(t, apperr.IsKind(err, apperr.PolicyDeferred))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRoute(t *testing.T) {
	assert.Equal(t, pimsync.PathAdapter, pimsync.Route(model.KindAddressBook, pimsync.ScopeAccount))
	assert.Equal(t, pimsync.PathTask, pimsync.Route(model.KindAddressBook, pimsync.ScopeCollection))
	assert.Equal(t, pimsync.PathTask, pimsync.Route(model.KindCalendar, pimsync.ScopeAccount))
	assert.Equal(t, pimsync.PathTask, pimsync.Route(model.KindWebCal, pimsync.ScopeAccount))
}
