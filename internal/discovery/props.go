package discovery

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/emersion/go-webdav"

	"github.com/nhle/pimsync/internal/model"
)

// XML namespaces used by the extended collection properties.
const (
	nsDAV       = "DAV:"
	nsCalDAV    = "urn:ietf:params:xml:ns:caldav"
	nsCardDAV   = "urn:ietf:params:xml:ns:carddav"
	nsCalServer = "http://calendarserver.org/ns/"
	nsAppleICal = "http://apple.com/ns/ical/"
)

// collectionPropfind asks a home-set for the properties go-webdav's
// collection listing does not report.
const collectionPropfind = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:card="urn:ietf:params:xml:ns:carddav" xmlns:cs="http://calendarserver.org/ns/" xmlns:ical="http://apple.com/ns/ical/">
  <d:prop>
    <d:resourcetype/>
    <d:displayname/>
    <d:owner/>
    <d:current-user-privilege-set/>
    <ical:calendar-color/>
    <cs:source/>
    <cs:getctag/>
    <c:calendar-description/>
    <c:supported-calendar-component-set/>
    <card:addressbook-description/>
  </d:prop>
</d:propfind>`

type msMultistatus struct {
	XMLName   xml.Name     `xml:"DAV: multistatus"`
	Responses []msResponse `xml:"DAV: response"`
}

type msResponse struct {
	Href      string       `xml:"DAV: href"`
	Propstats []msPropstat `xml:"DAV: propstat"`
}

type msPropstat struct {
	Prop   msProp `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type msProp struct {
	DisplayName            *string         `xml:"DAV: displayname"`
	ResourceType           *msResourceType `xml:"DAV: resourcetype"`
	Owner                  *msHref         `xml:"DAV: owner"`
	PrivilegeSet           *msPrivilegeSet `xml:"DAV: current-user-privilege-set"`
	Color                  *string         `xml:"http://apple.com/ns/ical/ calendar-color"`
	Source                 *msHref         `xml:"http://calendarserver.org/ns/ source"`
	CTag                   *string         `xml:"http://calendarserver.org/ns/ getctag"`
	CalendarDescription    *string         `xml:"urn:ietf:params:xml:ns:caldav calendar-description"`
	AddressBookDescription *string         `xml:"urn:ietf:params:xml:ns:carddav addressbook-description"`
	ComponentSet           *msComponentSet `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set"`
}

type msResourceType struct {
	Calendar    *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar"`
	AddressBook *struct{} `xml:"urn:ietf:params:xml:ns:carddav addressbook"`
	Subscribed  *struct{} `xml:"http://calendarserver.org/ns/ subscribed"`
}

type msHref struct {
	Href string `xml:"DAV: href"`
}

type msPrivilegeSet struct {
	Privileges []msPrivilege `xml:"DAV: privilege"`
}

type msPrivilege struct {
	Names []msAny `xml:",any"`
}

type msAny struct {
	XMLName xml.Name
}

type msComponentSet struct {
	Comps []struct {
		Name string `xml:"name,attr"`
	} `xml:"urn:ietf:params:xml:ns:caldav comp"`
}

// extendedProps is the merged 200-status view of one PROPFIND response.
type extendedProps struct {
	href        string
	displayName string
	description string
	color       *string
	owner       *string
	source      string
	ctag        *string
	components  []string
	subscribed  bool

	// privileges is nil when the server did not report a privilege set.
	privileges []string
}

func (p extendedProps) has(privs ...string) bool {
	for _, have := range p.privileges {
		for _, want := range privs {
			if have == want {
				return true
			}
		}
	}
	return false
}

// canWrite treats a missing privilege set as writable.
func (p extendedProps) canWrite() bool {
	return p.privileges == nil || p.has("all", "write", "write-content")
}

func (p extendedProps) canUnbind() bool {
	return p.privileges == nil || p.has("all", "write", "unbind")
}

// propfindCollections runs a Depth:1 PROPFIND on a home-set and returns
// the extended properties of its members keyed by hrefKey.
func propfindCollections(
	ctx context.Context,
	client webdav.HTTPClient,
	target string,
) (map[string]extendedProps, error) {
	return propfind(ctx, client, target, "1")
}

// FetchCTag reads the getctag property of a single collection. A nil tag
// means the server does not report one.
func FetchCTag(ctx context.Context, client webdav.HTTPClient, target string) (*string, error) {
	props, err := propfind(ctx, client, target, "0")
	if err != nil {
		return nil, err
	}
	if p, ok := props[hrefKey(target)]; ok {
		return p.ctag, nil
	}
	for _, p := range props {
		return p.ctag, nil
	}
	return nil, nil
}

func propfind(
	ctx context.Context,
	client webdav.HTTPClient,
	target, depth string,
) (map[string]extendedProps, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", target,
		strings.NewReader(collectionPropfind))
	if err != nil {
		return nil, fmt.Errorf("creating PROPFIND request: %w", err)
	}
	req.Header.Set("Depth", depth)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing PROPFIND %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("unexpected status %d on PROPFIND %s", resp.StatusCode, target)
	}

	var ms msMultistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("decoding PROPFIND response from %s: %w", target, err)
	}

	out := make(map[string]extendedProps, len(ms.Responses))
	for _, r := range ms.Responses {
		p := extendedProps{href: r.Href}
		for _, ps := range r.Propstats {
			if !strings.Contains(ps.Status, " 200") {
				continue
			}
			mergeProp(&p, ps.Prop)
		}
		out[hrefKey(r.Href)] = p
	}
	return out, nil
}

func mergeProp(p *extendedProps, prop msProp) {
	if prop.DisplayName != nil {
		p.displayName = strings.TrimSpace(*prop.DisplayName)
	}
	if prop.CalendarDescription != nil {
		p.description = strings.TrimSpace(*prop.CalendarDescription)
	}
	if prop.AddressBookDescription != nil {
		p.description = strings.TrimSpace(*prop.AddressBookDescription)
	}
	if prop.Color != nil && strings.TrimSpace(*prop.Color) != "" {
		c := strings.TrimSpace(*prop.Color)
		p.color = &c
	}
	if prop.Owner != nil && prop.Owner.Href != "" {
		o := strings.TrimSpace(prop.Owner.Href)
		p.owner = &o
	}
	if prop.Source != nil {
		p.source = strings.TrimSpace(prop.Source.Href)
	}
	if prop.CTag != nil {
		t := strings.TrimSpace(*prop.CTag)
		p.ctag = &t
	}
	if prop.ResourceType != nil && prop.ResourceType.Subscribed != nil {
		p.subscribed = true
	}
	if prop.ComponentSet != nil {
		for _, c := range prop.ComponentSet.Comps {
			p.components = append(p.components, strings.ToUpper(c.Name))
		}
	}
	if prop.PrivilegeSet != nil {
		p.privileges = []string{}
		for _, priv := range prop.PrivilegeSet.Privileges {
			for _, n := range priv.Names {
				if n.XMLName.Space == nsDAV {
					p.privileges = append(p.privileges, n.XMLName.Local)
				}
			}
		}
	}
}

type mkcolRequest struct {
	XMLName   xml.Name `xml:"d:mkcol"`
	XmlnsD    string   `xml:"xmlns:d,attr"`
	XmlnsC    string   `xml:"xmlns:c,attr"`
	XmlnsCard string   `xml:"xmlns:card,attr"`
	XmlnsICal string   `xml:"xmlns:ical,attr"`
	Set       mkcolSet `xml:"d:set"`
}

type mkcolSet struct {
	Prop mkcolProp `xml:"d:prop"`
}

type mkcolProp struct {
	ResourceType mkcolResourceType `xml:"d:resourcetype"`
	DisplayName  string            `xml:"d:displayname"`
	Color        string            `xml:"ical:calendar-color,omitempty"`
	Components   *mkcolComponents  `xml:"c:supported-calendar-component-set,omitempty"`
}

type mkcolResourceType struct {
	Collection  struct{}  `xml:"d:collection"`
	Calendar    *struct{} `xml:"c:calendar,omitempty"`
	AddressBook *struct{} `xml:"card:addressbook,omitempty"`
}

type mkcolComponents struct {
	Comps []mkcolComp `xml:"c:comp"`
}

type mkcolComp struct {
	Name string `xml:"name,attr"`
}

// mkcol creates a calendar or address book with an extended MKCOL.
func mkcol(
	ctx context.Context,
	client webdav.HTTPClient,
	target string,
	kind model.CollectionKind,
	displayName string,
	components []string,
) error {
	body := mkcolRequest{
		XmlnsD:    nsDAV,
		XmlnsC:    nsCalDAV,
		XmlnsCard: nsCardDAV,
		XmlnsICal: nsAppleICal,
	}
	body.Set.Prop.DisplayName = displayName
	switch kind {
	case model.KindCalendar:
		body.Set.Prop.ResourceType.Calendar = &struct{}{}
		body.Set.Prop.Color = FormatColor(DefaultColor)
		comps := &mkcolComponents{}
		for _, c := range components {
			comps.Comps = append(comps.Comps, mkcolComp{Name: c})
		}
		body.Set.Prop.Components = comps
	case model.KindAddressBook:
		body.Set.Prop.ResourceType.AddressBook = &struct{}{}
	default:
		return fmt.Errorf("collections of kind %s cannot be created", kind)
	}

	data, err := xml.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling MKCOL body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "MKCOL", target,
		bytes.NewReader(append([]byte(xml.Header), data...)))
	if err != nil {
		return fmt.Errorf("creating MKCOL request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("executing MKCOL %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d on MKCOL %s", resp.StatusCode, target)
	}
	return nil
}

// hrefKey normalizes an href so that go-webdav paths and raw PROPFIND
// hrefs of the same collection compare equal.
func hrefKey(href string) string {
	p := href
	if u, err := url.Parse(href); err == nil {
		p = u.Path
	}
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	return strings.TrimRight(p, "/")
}

// ResolveHref resolves a server-relative href against an endpoint URL.
func ResolveHref(endpoint, href string) string {
	base, err := url.Parse(endpoint)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
