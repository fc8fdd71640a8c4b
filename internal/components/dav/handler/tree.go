package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/caldav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/carddav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/exception"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/sharing"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
)

type kind int

const (
	kindRoot kind = iota
	kindPrincipals
	kindPrincipalSet
	kindPrincipal
	kindCalendarRoot
	kindCalendarHome
	kindCalendar
	kindSubscription
	kindBookRoot
	kindBookUsers
	kindBookHome
	kindAddressBook
)

// node is a resolved resource of the DAV tree.
type node struct {
	kind kind
	// path is relative to the DAV root, without slashes at either end.
	path  string
	owner string
	acl   []acl.ACE

	principal    *principals.Principal
	calendar     *caldav.Calendar
	subscription *caldav.Subscription
	book         *carddav.AddressBook
	// shared is set for a collection reached through a sharee's home.
	shared   bool
	readOnly bool

	// rest names an object inside a calendar or address book.
	rest string
}

func (n *node) Owner() string { return n.owner }

func (n *node) ACL() []acl.ACE { return n.acl }

func (n *node) isCollection() bool {
	return n.kind == kindCalendar || n.kind == kindAddressBook
}

// resourceID returns the calendar or address book id.
func (n *node) resourceID() int64 {
	switch {
	case n.calendar != nil:
		return n.calendar.ID
	case n.book != nil:
		return n.book.ID
	}
	return 0
}

func notFound() error {
	return exception.NotFound("Resource not found")
}

// resolve maps a path relative to the DAV root onto the tree.
func (h *Handler) resolve(ctx context.Context, rel string) (*node, error) {
	var seg []string
	if rel != "" {
		seg = strings.Split(rel, "/")
	}
	if len(seg) == 0 {
		return &node{kind: kindRoot, acl: acl.ReadOnlyACL()}, nil
	}

	switch seg[0] {
	case "principals":
		return h.resolvePrincipal(ctx, seg)
	case "calendars":
		return h.resolveCalendars(ctx, seg)
	case "addressbooks":
		return h.resolveAddressBooks(ctx, seg)
	default:
		return nil, notFound()
	}
}

func (h *Handler) resolvePrincipal(ctx context.Context, seg []string) (*node, error) {
	switch len(seg) {
	case 1:
		return &node{kind: kindPrincipals, path: "principals", acl: acl.ReadOnlyACL()}, nil
	case 2:
		if seg[1] != "users" && seg[1] != "groups" {
			return nil, notFound()
		}
		return &node{kind: kindPrincipalSet, path: strings.Join(seg, "/"), acl: acl.ReadOnlyACL()}, nil
	case 3:
		uri := strings.Join(seg, "/")
		if !principals.IsUser(uri) && !principals.IsGroup(uri) {
			return nil, notFound()
		}
		p, err := h.principals.GetPrincipalByPath(ctx, uri)
		if err != nil {
			return nil, err
		}
		entries := acl.ReadOnlyACL()
		owner := ""
		if p.Type == principals.TypeUser {
			owner = p.URI
			entries = append(entries, acl.OwnerOnlyACL(p.URI)...)
		}
		return &node{kind: kindPrincipal, path: uri, owner: owner, acl: entries, principal: p}, nil
	default:
		return nil, notFound()
	}
}

func (h *Handler) resolveCalendars(ctx context.Context, seg []string) (*node, error) {
	if len(seg) == 1 {
		return &node{kind: kindCalendarRoot, path: "calendars", acl: acl.ReadOnlyACL()}, nil
	}

	owner, err := h.userPrincipal(ctx, seg[1])
	if err != nil {
		return nil, err
	}
	home := "calendars/" + seg[1]
	if len(seg) == 2 {
		return &node{kind: kindCalendarHome, path: home, owner: owner, acl: acl.OwnerOnlyACL(owner)}, nil
	}

	n, err := h.resolveCalendar(ctx, owner, seg[2])
	if err != nil {
		return nil, err
	}
	n.path = home + "/" + seg[2]
	n.rest = strings.Join(seg[3:], "/")
	if n.rest != "" && n.kind == kindSubscription {
		return nil, notFound()
	}
	return n, nil
}

func (h *Handler) resolveCalendar(ctx context.Context, owner, name string) (*node, error) {
	cal, err := h.calendars.GetCalendar(ctx, owner, name)
	if err == nil {
		entries, err := h.calendars.ACL(ctx, cal)
		if err != nil {
			return nil, err
		}
		return &node{kind: kindCalendar, owner: cal.PrincipalURI, acl: entries, calendar: cal}, nil
	}
	if !errors.Is(err, caldav.ErrNotFound) {
		return nil, err
	}

	sub, err := h.calendars.GetSubscription(ctx, owner, name)
	if err == nil {
		return &node{kind: kindSubscription, owner: sub.PrincipalURI, acl: acl.OwnerOnlyACL(sub.PrincipalURI), subscription: sub}, nil
	}
	if !errors.Is(err, caldav.ErrNotFound) {
		return nil, err
	}

	if _, _, ok := sharing.ParseViewURI(name); !ok {
		return nil, notFound()
	}
	groups, err := h.principals.GetGroupMembership(ctx, owner)
	if err != nil {
		return nil, err
	}
	shared, err := h.calendars.GetSharedCalendar(ctx, owner, groups, name)
	if err != nil {
		return nil, err
	}
	entries, err := h.calendars.ACL(ctx, shared.Calendar)
	if err != nil {
		return nil, err
	}
	return &node{
		kind:     kindCalendar,
		owner:    shared.PrincipalURI,
		acl:      entries,
		calendar: shared.Calendar,
		shared:   true,
		readOnly: shared.ReadOnly,
	}, nil
}

func (h *Handler) resolveAddressBooks(ctx context.Context, seg []string) (*node, error) {
	switch {
	case len(seg) == 1:
		return &node{kind: kindBookRoot, path: "addressbooks", acl: acl.ReadOnlyACL()}, nil
	case seg[1] != "users":
		return nil, notFound()
	case len(seg) == 2:
		return &node{kind: kindBookUsers, path: "addressbooks/users", acl: acl.ReadOnlyACL()}, nil
	}

	owner, err := h.userPrincipal(ctx, seg[2])
	if err != nil {
		return nil, err
	}
	home := "addressbooks/users/" + seg[2]
	if len(seg) == 3 {
		return &node{kind: kindBookHome, path: home, owner: owner, acl: acl.OwnerOnlyACL(owner)}, nil
	}

	n, err := h.resolveAddressBook(ctx, owner, seg[3])
	if err != nil {
		return nil, err
	}
	n.path = home + "/" + seg[3]
	n.rest = strings.Join(seg[4:], "/")
	return n, nil
}

func (h *Handler) resolveAddressBook(ctx context.Context, owner, name string) (*node, error) {
	book, err := h.books.GetAddressBook(ctx, owner, name)
	if err == nil {
		entries, err := h.books.ACL(ctx, book)
		if err != nil {
			return nil, err
		}
		return &node{kind: kindAddressBook, owner: book.PrincipalURI, acl: entries, book: book}, nil
	}
	if !errors.Is(err, carddav.ErrNotFound) {
		return nil, err
	}

	if _, _, ok := sharing.ParseViewURI(name); !ok {
		return nil, notFound()
	}
	groups, err := h.principals.GetGroupMembership(ctx, owner)
	if err != nil {
		return nil, err
	}
	shared, err := h.books.GetSharedAddressBook(ctx, owner, groups, name)
	if err != nil {
		return nil, err
	}
	entries, err := h.books.ACL(ctx, shared.AddressBook)
	if err != nil {
		return nil, err
	}
	return &node{
		kind:     kindAddressBook,
		owner:    shared.PrincipalURI,
		acl:      entries,
		book:     shared.AddressBook,
		shared:   true,
		readOnly: shared.ReadOnly,
	}, nil
}

// userPrincipal returns the principal of a home owner, or NotFound.
func (h *Handler) userPrincipal(ctx context.Context, uid string) (string, error) {
	p, err := h.principals.GetPrincipalByPath(ctx, principals.User(uid))
	if errors.Is(err, principals.ErrNotFound) {
		return "", notFound()
	}
	if err != nil {
		return "", err
	}
	return p.URI, nil
}
