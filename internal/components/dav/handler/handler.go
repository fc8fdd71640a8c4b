// Package handler serves the CalDAV/CardDAV tree: principals, calendar and
// address book homes, collections and the objects inside them.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/caldav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/carddav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/exception"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/storage"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

// DAVHeader is advertised on OPTIONS.
const DAVHeader = "1, 3, access-control, calendar-access, addressbook, extended-mkcol, calendarserver-sharing, calendarserver-subscribed"

const allowHeader = "OPTIONS, GET, HEAD, DELETE, PROPFIND, PUT, PROPPATCH, COPY, MOVE, REPORT, MKCOL, MKCALENDAR, POST, ACL, LOCK, UNLOCK"

// PrincipalBackend is what the handler needs from principal resolution.
type PrincipalBackend interface {
	GetPrincipalByPath(ctx context.Context, uri string) (*principals.Principal, error)
	GetGroupMembership(ctx context.Context, uri string) ([]string, error)
	List(ctx context.Context) ([]*principals.Principal, error)
}

// BindGuard runs before a collection is created at a path relative to the
// DAV root.
type BindGuard interface {
	BeforeBind(ctx context.Context, path string) error
}

// Config reads app settings.
type Config interface {
	GetValueString(ctx context.Context, appID, key, def string) string
}

// Deps holds the handler collaborators.
type Deps struct {
	Prefix       string
	Principals   PrincipalBackend
	ACL          *acl.LegacyACL
	Calendars    *caldav.Backend
	AddressBooks *carddav.Backend
	CalObjects   *storage.Store
	BookObjects  *storage.Store
	Guard        BindGuard
	Config       Config
	Logger       *slog.Logger
}

// Handler is the DAV server.
type Handler struct {
	prefix      string
	principals  PrincipalBackend
	acl         *acl.LegacyACL
	calendars   *caldav.Backend
	books       *carddav.Backend
	calObjects  *storage.Store
	bookObjects *storage.Store
	guard       BindGuard
	config      Config
	log         *slog.Logger
}

// New creates a DAV handler mounted at d.Prefix.
func New(d Deps) *Handler {
	return &Handler{
		prefix:      strings.TrimSuffix(d.Prefix, "/"),
		principals:  d.Principals,
		acl:         d.ACL,
		calendars:   d.Calendars,
		books:       d.AddressBooks,
		calObjects:  d.CalObjects,
		bookObjects: d.BookObjects,
		guard:       d.Guard,
		config:      d.Config,
		log:         logutil.NoopIfNil(d.Logger).With("component", "dav"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.serve(w, r); err != nil {
		h.writeError(w, r, err)
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) error {
	if r.Method == http.MethodOptions {
		w.Header().Set("DAV", DAVHeader)
		w.Header().Set("Allow", allowHeader)
		w.Header().Set("MS-Author-Via", "DAV")
		w.WriteHeader(http.StatusOK)
		return nil
	}

	ctx := r.Context()
	if appctx.UserID(ctx) == "" {
		return exception.NotAuthenticated("No public access to this resource.")
	}

	rel, ok := h.relPath(r.URL.Path)
	if !ok {
		return exception.NotFound("Resource not found")
	}

	// Creation targets do not exist yet; they are resolved by their parent.
	switch r.Method {
	case "MKCALENDAR", "MKCOL":
		return h.handleMkcol(w, r, rel)
	}

	n, err := h.resolve(ctx, rel)
	if err != nil {
		return err
	}
	if n.rest != "" {
		return h.handleObject(w, r, n)
	}

	switch r.Method {
	case "PROPFIND":
		return h.handlePropfind(w, r, n)
	case "PROPPATCH":
		return h.handleProppatch(w, r, n)
	case http.MethodPost:
		return h.handlePost(w, r, n)
	case http.MethodDelete:
		return h.handleDelete(w, r, n)
	case "ACL":
		return exception.Forbidden("Changing ACLs is not supported, use sharing instead")
	case http.MethodGet, http.MethodHead:
		if err := h.acl.Check(ctx, n, h.href(n.path, true), acl.Read); err != nil {
			return err
		}
		return exception.MethodNotAllowed("GET is not allowed on collections")
	default:
		return exception.MethodNotAllowed(r.Method + " is not allowed on this resource")
	}
}

// relPath strips the mount prefix. The DAV root is "".
func (h *Handler) relPath(p string) (string, bool) {
	if p != h.prefix && !strings.HasPrefix(p, h.prefix+"/") {
		return "", false
	}
	return strings.Trim(strings.TrimPrefix(p, h.prefix), "/"), true
}

// href builds the URL path of a node. Collections end in a slash.
func (h *Handler) href(rel string, collection bool) string {
	p := h.prefix + "/"
	if rel != "" {
		p += rel
		if collection {
			p += "/"
		}
	}
	return p
}

func (h *Handler) principalHref(uri string) string {
	return h.href(principals.ToV2(uri), true)
}

func isNotFound(err error) bool {
	if e, ok := exception.As(err); ok {
		return e.Status == http.StatusNotFound
	}
	return errors.Is(err, caldav.ErrNotFound) || errors.Is(err, carddav.ErrNotFound) || errors.Is(err, principals.ErrNotFound)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := appctx.GetLogger(r.Context())

	e, ok := exception.As(err)
	switch {
	case ok:
	case errors.Is(err, caldav.ErrNotFound), errors.Is(err, carddav.ErrNotFound), errors.Is(err, principals.ErrNotFound):
		e = exception.NotFound("Resource not found")
	case errors.Is(err, caldav.ErrExists), errors.Is(err, carddav.ErrExists):
		e = exception.MethodNotAllowed("The resource you tried to create already exists")
	case errors.Is(err, context.Canceled):
		return
	default:
		e = &exception.Error{Status: http.StatusInternalServerError, Exception: "InternalServerError", Message: "Internal server error"}
	}
	if e.Status >= http.StatusInternalServerError {
		log.Error("dav request failed", "method", r.Method, "path", r.URL.Path, "status", e.Status, "error", err)
	} else {
		log.Debug("dav exception", "status", e.Status, "exception", e.Exception, "message", e.Message)
	}
	exception.Write(w, e)
}
