package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// AuthKind identifies how the credentials of an account were obtained.
type AuthKind string

const (
	AuthKindBasic       AuthKind = "basic"
	AuthKindAppPassword AuthKind = "app_password"
)

// Account is a logical remote identity on one CalDAV/CardDAV server.
// No two accounts share the same (normalized server URL, username) pair.
type Account struct {
	// ID is the internal unique identifier for this account.
	ID string `json:"id" db:"id"`

	// ServerURL is the normalized base URL of the server.
	ServerURL string `json:"server_url" db:"server_url"`

	// Username is the login name used against the server.
	Username string `json:"username" db:"username"`

	// DisplayName is the user-facing label, also used as the main
	// platform identity name.
	DisplayName string `json:"display_name" db:"display_name"`

	Email *string `json:"email,omitempty" db:"email"`

	AuthKind AuthKind `json:"auth_kind" db:"auth_kind"`

	// ClientCertAlias references a client certificate held outside the
	// database (never the certificate itself).
	ClientCertAlias *string `json:"client_cert_alias,omitempty" db:"client_cert_alias"`

	// Principal is the account's own current-user-principal, used to tell
	// shared collections from owned ones.
	Principal *string `json:"principal,omitempty" db:"principal"`

	// Per-service enablement flags.
	CalendarEnabled bool `json:"calendar_enabled" db:"calendar_enabled"`
	ContactsEnabled bool `json:"contacts_enabled" db:"contacts_enabled"`
	TasksEnabled    bool `json:"tasks_enabled" db:"tasks_enabled"`

	// SyncIntervalSec is the default interval inherited by collections
	// without their own override. Zero means the configured default.
	SyncIntervalSec int `json:"sync_interval_sec" db:"sync_interval_sec"`

	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	LastAuthenticatedAt *time.Time `json:"last_authenticated_at,omitempty" db:"last_authenticated_at"`
}

// DedupKey returns the key that identifies an account for duplicate checks.
// ServerURL must already be normalized.
func (a Account) DedupKey() string {
	return a.Username + "@" + a.ServerURL
}

// NormalizeServerURL canonicalizes a user-typed server URL so that two
// spellings of the same server compare equal. A missing scheme defaults
// to https; default ports, trailing slashes, query and fragment are
// dropped; scheme and host are lower-cased.
func NormalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("server url must not be empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing server url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q in server url", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host

	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	return u.String(), nil
}

// Hostname returns the host part of the account's server URL.
func (a Account) Hostname() string {
	u, err := url.Parse(a.ServerURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
