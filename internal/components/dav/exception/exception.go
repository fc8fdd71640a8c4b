// Package exception defines the typed errors DAV handlers return and their
// XML error bodies.
package exception

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// Namespace of the exception and message elements in error bodies.
const Namespace = "http://sabredav.org/ns"

// NeedPrivilege names a privilege that was missing on a resource.
type NeedPrivilege struct {
	Href      string
	Privilege string // Clark notation, e.g. {DAV:}write
}

// Error is a DAV exception. It maps to one HTTP status.
type Error struct {
	Status    int
	Exception string
	Message   string

	// NeedPrivileges is rendered as a DAV:need-privileges precondition.
	NeedPrivileges []NeedPrivilege

	// RetryAfter is sent as a Retry-After header when positive (seconds).
	RetryAfter int

	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Exception
	}
	return e.Exception + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap attaches a cause for logging. The cause is never sent to clients.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

func newError(status int, exception, msg string) *Error {
	return &Error{Status: status, Exception: exception, Message: msg}
}

func Forbidden(msg string) *Error {
	return newError(http.StatusForbidden, "Forbidden", msg)
}

func NotAuthenticated(msg string) *Error {
	return newError(http.StatusUnauthorized, "NotAuthenticated", msg)
}

func NotFound(msg string) *Error {
	return newError(http.StatusNotFound, "NotFound", msg)
}

func TooManyRequests(msg string) *Error {
	return newError(http.StatusTooManyRequests, "TooManyRequests", msg)
}

func Conflict(msg string) *Error {
	return newError(http.StatusConflict, "Conflict", msg)
}

func BadRequest(msg string) *Error {
	return newError(http.StatusBadRequest, "BadRequest", msg)
}

func MethodNotAllowed(msg string) *Error {
	return newError(http.StatusMethodNotAllowed, "MethodNotAllowed", msg)
}

func UnsupportedMediaType(msg string) *Error {
	return newError(http.StatusUnsupportedMediaType, "UnsupportedMediaType", msg)
}

// NeedPrivileges is a Forbidden carrying the missing privileges.
func NeedPrivileges(href string, privileges ...string) *Error {
	e := Forbidden(fmt.Sprintf("User did not have the required privileges (%v) for path %q", privileges, href))
	e.Exception = "NeedPrivileges"
	for _, p := range privileges {
		e.NeedPrivileges = append(e.NeedPrivileges, NeedPrivilege{Href: href, Privilege: p})
	}
	return e
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Write renders e as a DAV:error body.
func Write(w http.ResponseWriter, e *Error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<d:error xmlns:d="DAV:" xmlns:s="` + Namespace + `">`)
	buf.WriteString("<s:exception>")
	xml.EscapeText(&buf, []byte(e.Exception))
	buf.WriteString("</s:exception><s:message>")
	xml.EscapeText(&buf, []byte(e.Message))
	buf.WriteString("</s:message>")
	if len(e.NeedPrivileges) > 0 {
		buf.WriteString("<d:need-privileges>")
		for _, np := range e.NeedPrivileges {
			buf.WriteString("<d:resource><d:href>")
			xml.EscapeText(&buf, []byte(np.Href))
			buf.WriteString("</d:href><d:privilege>")
			writeClarkElement(&buf, np.Privilege)
			buf.WriteString("</d:privilege></d:resource>")
		}
		buf.WriteString("</d:need-privileges>")
	}
	buf.WriteString("</d:error>")

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	if e.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="davshare", charset="UTF-8"`)
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.Status)
	w.Write(buf.Bytes())
}

// writeClarkElement writes {ns}local as an empty element with its own
// namespace declaration.
func writeClarkElement(buf *bytes.Buffer, clark string) {
	ns, local := "", clark
	if len(clark) > 0 && clark[0] == '{' {
		for i := 1; i < len(clark); i++ {
			if clark[i] == '}' {
				ns, local = clark[1:i], clark[i+1:]
				break
			}
		}
	}
	if ns == "DAV:" {
		buf.WriteString("<d:" + local + "/>")
		return
	}
	buf.WriteString("<x:" + local + ` xmlns:x="`)
	xml.EscapeText(buf, []byte(ns))
	buf.WriteString(`"/>`)
}
