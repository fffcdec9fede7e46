package sync

import "github.com/nhle/pimsync/internal/model"

// NetworkMonitor reports the current network type: model.NetworkWifi,
// model.NetworkCellular or model.NetworkOffline.
type NetworkMonitor interface {
	Current() string
}

// StaticNetwork always reports the same network type, usually taken
// from configuration.
type StaticNetwork string

func (n StaticNetwork) Current() string {
	if n == "" {
		return model.NetworkWifi
	}
	return string(n)
}

// NetworkFunc adapts a function to NetworkMonitor.
type NetworkFunc func() string

func (f NetworkFunc) Current() string {
	return f()
}
