package davxml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrUnexpectedRoot is returned when a body has the wrong root element.
var ErrUnexpectedRoot = errors.New("unexpected root element")

// Propfind is a parsed PROPFIND body. An empty body means allprop.
type Propfind struct {
	AllProp  bool
	PropName bool
	Props    []xml.Name
}

// ParsePropfind reads a DAV:propfind body.
func ParsePropfind(r io.Reader) (*Propfind, error) {
	root, err := Parse(r)
	if errors.Is(err, ErrEmptyBody) {
		return &Propfind{AllProp: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := expectRoot(root, NSDAV, "propfind"); err != nil {
		return nil, err
	}

	pf := &Propfind{}
	switch {
	case root.Find(NSDAV, "propname") != nil:
		pf.PropName = true
	case root.Find(NSDAV, "prop") != nil:
		for _, c := range root.Find(NSDAV, "prop").Children {
			pf.Props = append(pf.Props, c.Name)
		}
	default:
		pf.AllProp = true
	}
	return pf, nil
}

// PropUpdate is one property of a PROPPATCH, MKCOL or MKCALENDAR body.
type PropUpdate struct {
	Name   xml.Name
	Value  string
	Remove bool
	// Element is the full property element of a set instruction.
	Element *Element
}

// ParseProppatch reads a DAV:propertyupdate body. Instructions are
// returned in document order.
func ParseProppatch(r io.Reader) ([]PropUpdate, error) {
	root, err := Parse(r)
	if err != nil {
		return nil, err
	}
	if err := expectRoot(root, NSDAV, "propertyupdate"); err != nil {
		return nil, err
	}

	var updates []PropUpdate
	for _, instr := range root.Children {
		if instr.Name.Space != NSDAV || (instr.Name.Local != "set" && instr.Name.Local != "remove") {
			continue
		}
		remove := instr.Name.Local == "remove"
		for _, prop := range instr.FindAll(NSDAV, "prop") {
			for _, p := range prop.Children {
				u := PropUpdate{Name: p.Name, Remove: remove}
				if !remove {
					u.Value = p.Text
					u.Element = p
				}
				updates = append(updates, u)
			}
		}
	}
	return updates, nil
}

// Mkcol is a parsed extended MKCOL or MKCALENDAR body.
type Mkcol struct {
	ResourceType []xml.Name
	Props        []PropUpdate
}

// HasResourceType reports whether the body asks for the given type.
func (m *Mkcol) HasResourceType(ns, local string) bool {
	for _, n := range m.ResourceType {
		if n.Space == ns && n.Local == local {
			return true
		}
	}
	return false
}

// ParseMkcol reads a DAV:mkcol (RFC 5689) or caldav:mkcalendar body. An
// empty body yields an empty Mkcol.
func ParseMkcol(r io.Reader) (*Mkcol, error) {
	root, err := Parse(r)
	if errors.Is(err, ErrEmptyBody) {
		return &Mkcol{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !(root.Name.Space == NSDAV && root.Name.Local == "mkcol") &&
		!(root.Name.Space == NSCalDAV && root.Name.Local == "mkcalendar") {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedRoot, Clark(root.Name))
	}

	m := &Mkcol{}
	for _, set := range root.FindAll(NSDAV, "set") {
		for _, prop := range set.FindAll(NSDAV, "prop") {
			for _, p := range prop.Children {
				if p.Name.Space == NSDAV && p.Name.Local == "resourcetype" {
					for _, rt := range p.Children {
						m.ResourceType = append(m.ResourceType, rt.Name)
					}
					continue
				}
				m.Props = append(m.Props, PropUpdate{Name: p.Name, Value: p.Text, Element: p})
			}
		}
	}
	return m, nil
}

// ShareSet is one oc:set entry of an oc:share body.
type ShareSet struct {
	Href       string
	CommonName string
	Summary    string
	ReadWrite  bool
}

// Share is a parsed oc:share body.
type Share struct {
	Set    []ShareSet
	Remove []string
}

// ParseShare reads an oc:share body.
func ParseShare(r io.Reader) (*Share, error) {
	root, err := Parse(r)
	if err != nil {
		return nil, err
	}
	if err := expectRoot(root, NSOwnCloud, "share"); err != nil {
		return nil, err
	}

	s := &Share{}
	for _, set := range root.FindAll(NSOwnCloud, "set") {
		href := set.Find(NSDAV, "href")
		if href == nil || href.Text == "" {
			continue
		}
		entry := ShareSet{Href: href.Text, ReadWrite: set.Find(NSOwnCloud, "read-write") != nil}
		if cn := set.Find(NSOwnCloud, "common-name"); cn != nil {
			entry.CommonName = cn.Text
		}
		if summary := set.Find(NSOwnCloud, "summary"); summary != nil {
			entry.Summary = summary.Text
		}
		s.Set = append(s.Set, entry)
	}
	for _, rm := range root.FindAll(NSOwnCloud, "remove") {
		if href := rm.Find(NSDAV, "href"); href != nil && href.Text != "" {
			s.Remove = append(s.Remove, href.Text)
		}
	}
	return s, nil
}

// IsShareRequest reports whether a POST body content type may carry an
// oc:share document.
func IsShareRequest(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return ct == "application/xml" || ct == "text/xml"
}

// BuildPropstats answers pf from the available properties. Requested
// properties that are not available are reported with 404.
func BuildPropstats(pf *Propfind, available []*Element) []Propstat {
	switch {
	case pf.PropName:
		names := make([]*Element, len(available))
		for i, p := range available {
			names[i] = p.Empty()
		}
		return []Propstat{{Status: http.StatusOK, Props: names}}
	case pf.AllProp:
		return []Propstat{{Status: http.StatusOK, Props: available}}
	}

	byName := make(map[xml.Name]*Element, len(available))
	for _, p := range available {
		byName[p.Name] = p
	}
	var found, missing []*Element
	for _, n := range pf.Props {
		if p, ok := byName[n]; ok {
			found = append(found, p)
		} else {
			missing = append(missing, &Element{Name: n})
		}
	}

	var out []Propstat
	if len(found) > 0 {
		out = append(out, Propstat{Status: http.StatusOK, Props: found})
	}
	if len(missing) > 0 {
		out = append(out, Propstat{Status: http.StatusNotFound, Props: missing})
	}
	return out
}

func expectRoot(root *Element, ns, local string) error {
	if root.Name.Space != ns || root.Name.Local != local {
		return fmt.Errorf("%w: %s", ErrUnexpectedRoot, Clark(root.Name))
	}
	return nil
}
