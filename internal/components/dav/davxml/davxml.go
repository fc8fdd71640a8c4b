// Package davxml reads WebDAV request bodies and writes multistatus
// responses for the namespaces the DAV server speaks.
package davxml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Namespaces.
const (
	NSDAV            = "DAV:"
	NSCalDAV         = "urn:ietf:params:xml:ns:caldav"
	NSCardDAV        = "urn:ietf:params:xml:ns:carddav"
	NSOwnCloud       = "http://owncloud.org/ns"
	NSNextcloud      = "http://nextcloud.com/ns"
	NSApple          = "http://apple.com/ns/ical/"
	NSCalendarServer = "http://calendarserver.org/ns/"
	NSSabre          = "http://sabredav.org/ns"
)

// MaxBodySize bounds request bodies the parsers read.
const MaxBodySize = 1 << 20

var prefixes = map[string]string{
	NSDAV:            "d",
	NSCalDAV:         "cal",
	NSCardDAV:        "card",
	NSOwnCloud:       "oc",
	NSNextcloud:      "nc",
	NSApple:          "x1",
	NSCalendarServer: "cs",
	NSSabre:          "s",
}

// ErrEmptyBody is returned by Parse for a request without a body.
var ErrEmptyBody = errors.New("empty request body")

// Element is a generic XML element tree.
type Element struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Text     string
	Children []*Element
}

// New creates an element with children.
func New(ns, local string, children ...*Element) *Element {
	return &Element{Name: xml.Name{Space: ns, Local: local}, Children: children}
}

// Text creates an element holding character data.
func Text(ns, local, text string) *Element {
	return &Element{Name: xml.Name{Space: ns, Local: local}, Text: text}
}

// Href creates a DAV:href element.
func Href(href string) *Element {
	return Text(NSDAV, "href", href)
}

// Empty returns a childless copy of e carrying only its name.
func (e *Element) Empty() *Element {
	return &Element{Name: e.Name}
}

// Find returns the first child with the given name, or nil.
func (e *Element) Find(ns, local string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.Name.Space == ns && c.Name.Local == local {
			return c
		}
	}
	return nil
}

// FindAll returns all children with the given name.
func (e *Element) FindAll(ns, local string) []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	for _, c := range e.Children {
		if c.Name.Space == ns && c.Name.Local == local {
			out = append(out, c)
		}
	}
	return out
}

// UnmarshalXML implements xml.Unmarshaler. Text is trimmed.
func (e *Element) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	e.Name = start.Name
	e.Attrs = start.Attr
	var text strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child := &Element{}
			if err := child.UnmarshalXML(d, t); err != nil {
				return err
			}
			e.Children = append(e.Children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			e.Text = strings.TrimSpace(text.String())
			return nil
		}
	}
}

// Parse reads one document from r, at most MaxBodySize bytes.
func Parse(r io.Reader) (*Element, error) {
	var root Element
	err := xml.NewDecoder(io.LimitReader(r, MaxBodySize)).Decode(&root)
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyBody
	}
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	return &root, nil
}

// Clark renders a name as {namespace}local.
func Clark(n xml.Name) string {
	return "{" + n.Space + "}" + n.Local
}

// ParseClark is the inverse of Clark. Names without a namespace are
// returned with an empty Space.
func ParseClark(s string) xml.Name {
	if strings.HasPrefix(s, "{") {
		if i := strings.Index(s, "}"); i > 0 {
			return xml.Name{Space: s[1:i], Local: s[i+1:]}
		}
	}
	return xml.Name{Local: s}
}

// EscapeHref escapes a slash separated path for use in a DAV:href.
func EscapeHref(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}

// Propstat groups properties sharing one status.
type Propstat struct {
	Status int
	Props  []*Element
}

// Response is one DAV:response of a multistatus. Status is used when
// there are no propstats.
type Response struct {
	Href      string
	Propstats []Propstat
	Status    int
}

// WriteMultistatus writes a 207 response.
func WriteMultistatus(w http.ResponseWriter, responses []*Response) {
	body := MarshalMultistatus(responses)
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write(body)
}

// MarshalMultistatus renders a multistatus document.
func MarshalMultistatus(responses []*Response) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<d:multistatus")
	writeNamespaceDecls(&buf)
	buf.WriteString(">")
	for _, r := range responses {
		buf.WriteString("<d:response><d:href>")
		xml.EscapeText(&buf, []byte(r.Href))
		buf.WriteString("</d:href>")
		if len(r.Propstats) == 0 {
			writeStatus(&buf, r.Status)
		}
		for _, ps := range r.Propstats {
			buf.WriteString("<d:propstat><d:prop>")
			for _, p := range ps.Props {
				p.write(&buf)
			}
			buf.WriteString("</d:prop>")
			writeStatus(&buf, ps.Status)
			buf.WriteString("</d:propstat>")
		}
		buf.WriteString("</d:response>")
	}
	buf.WriteString("</d:multistatus>")
	return buf.Bytes()
}

// Marshal renders e as a standalone document with all known namespaces
// declared on the root.
func Marshal(e *Element) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	e.writeRoot(&buf)
	return buf.Bytes()
}

func writeNamespaceDecls(buf *bytes.Buffer) {
	namespaces := make([]string, 0, len(prefixes))
	for ns := range prefixes {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	for _, ns := range namespaces {
		fmt.Fprintf(buf, ` xmlns:%s="%s"`, prefixes[ns], ns)
	}
}

func writeStatus(buf *bytes.Buffer, code int) {
	if code == 0 {
		code = http.StatusOK
	}
	fmt.Fprintf(buf, "<d:status>HTTP/1.1 %d %s</d:status>", code, http.StatusText(code))
}

func (e *Element) writeRoot(buf *bytes.Buffer) {
	prefix, ok := prefixes[e.Name.Space]
	if !ok {
		e.write(buf)
		return
	}
	buf.WriteString("<" + prefix + ":" + e.Name.Local)
	writeNamespaceDecls(buf)
	e.writeRest(buf, prefix+":"+e.Name.Local)
}

func (e *Element) write(buf *bytes.Buffer) {
	var tag string
	if prefix, ok := prefixes[e.Name.Space]; ok {
		tag = prefix + ":" + e.Name.Local
		buf.WriteString("<" + tag)
	} else {
		tag = e.Name.Local
		buf.WriteString("<" + tag)
		if e.Name.Space != "" {
			buf.WriteString(` xmlns="`)
			xml.EscapeText(buf, []byte(e.Name.Space))
			buf.WriteString(`"`)
		}
	}
	e.writeRest(buf, tag)
}

func (e *Element) writeRest(buf *bytes.Buffer, tag string) {
	for _, a := range e.Attrs {
		if a.Name.Space != "" {
			continue
		}
		buf.WriteString(" " + a.Name.Local + `="`)
		xml.EscapeText(buf, []byte(a.Value))
		buf.WriteString(`"`)
	}
	if e.Text == "" && len(e.Children) == 0 {
		buf.WriteString("/>")
		return
	}
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(e.Text))
	for _, c := range e.Children {
		c.write(buf)
	}
	buf.WriteString("</" + tag + ">")
}
