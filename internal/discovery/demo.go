package discovery

import (
	"net/url"
	"strings"
)

// Demo account credentials. Creating an account with these seeds a fixed
// set of collections without touching the network.
const (
	DemoHost     = "demo.local"
	DemoUsername = "demo"
	DemoPassword = "demo"
)

const demoPrincipal = "/principals/demo/"

// IsDemo reports whether the given login is the built-in demo account.
func IsDemo(serverURL, username, password string) bool {
	if username != DemoUsername || password != DemoPassword {
		return false
	}
	raw := serverURL
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), DemoHost)
}

// DemoResult returns the fixed demo seed: three calendars (one of which
// accepts tasks), one subscription and two address books.
func DemoResult() *Result {
	color := func(s string) int32 { return ParseColor(&s) }
	owner := demoPrincipal
	writable := func(url, name, hex string, comps ...string) EntryInfo {
		return EntryInfo{
			URL:            url,
			DisplayName:    name,
			Color:          color(hex),
			OwnerPrincipal: &owner,
			CanWrite:       true,
			CanUnbind:      true,
			Components:     comps,
		}
	}

	return &Result{
		CalDAV: ServiceResult{
			Service:   ServiceCalDAV,
			Principal: demoPrincipal,
			HomeSet:   "/calendars/demo/",
			Entries: []Entry{
				CalendarEntry{writable("/calendars/demo/personal/", "Personal", "4CAF50", "VEVENT")},
				CalendarEntry{writable("/calendars/demo/work/", "Work", "2196F3", "VEVENT")},
				CalendarEntry{writable("/calendars/demo/tasks/", "Tasks", "FF9800", "VEVENT", "VTODO")},
				SubscriptionEntry{
					EntryInfo: EntryInfo{
						URL:         "/calendars/demo/holidays/",
						DisplayName: "Holidays",
						Description: "Public holidays",
						Color:       color("F44336"),
						Components:  []string{"VEVENT"},
					},
					Source: "https://demo.local/feeds/holidays.ics",
				},
			},
		},
		CardDAV: ServiceResult{
			Service:   ServiceCardDAV,
			Principal: demoPrincipal,
			HomeSet:   "/addressbooks/demo/",
			Entries: []Entry{
				AddressBookEntry{EntryInfo: writable("/addressbooks/demo/contacts/", "Contacts", "9C27B0")},
				AddressBookEntry{EntryInfo: writable("/addressbooks/demo/family/", "Family", "E91E63")},
			},
		},
	}
}

func hasComponent(comps []string, name string) bool {
	for _, c := range comps {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

func lastSegment(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
