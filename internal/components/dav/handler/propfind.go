package handler

import (
	"context"
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/davxml"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/exception"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/sharing"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/appctx"
)

func (h *Handler) handlePropfind(w http.ResponseWriter, r *http.Request, n *node) error {
	ctx := r.Context()
	// Infinite depth is served as depth 1.
	depth := r.Header.Get("Depth")
	switch depth {
	case "0", "1":
	case "", "infinity":
		depth = "1"
	default:
		return exception.BadRequest("Invalid Depth header")
	}

	pf, err := davxml.ParsePropfind(r.Body)
	if err != nil {
		return exception.BadRequest("Invalid PROPFIND body").Wrap(err)
	}

	if err := h.acl.Check(ctx, n, h.href(n.path, true), acl.Read); err != nil {
		return err
	}

	self, err := h.properties(ctx, n)
	if err != nil {
		return err
	}
	responses := []*davxml.Response{{
		Href:      davxml.EscapeHref(h.href(n.path, true)),
		Propstats: davxml.BuildPropstats(pf, self),
	}}

	if depth == "1" {
		children, err := h.children(ctx, n)
		if err != nil {
			return err
		}
		for _, c := range children {
			if !h.acl.Has(ctx, c, acl.Read) {
				continue
			}
			props, err := h.properties(ctx, c)
			if err != nil {
				return err
			}
			responses = append(responses, &davxml.Response{
				Href:      davxml.EscapeHref(h.href(c.path, true)),
				Propstats: davxml.BuildPropstats(pf, props),
			})
		}
		if n.isCollection() {
			objects, err := h.objectResponses(n, pf)
			if err != nil {
				return err
			}
			responses = append(responses, objects...)
		}
	}

	davxml.WriteMultistatus(w, responses)
	return nil
}

// children lists the child collections of n.
func (h *Handler) children(ctx context.Context, n *node) ([]*node, error) {
	current := principals.User(appctx.UserID(ctx))
	_, uid := principals.Split(current)

	switch n.kind {
	case kindRoot:
		return []*node{
			{kind: kindPrincipals, path: "principals", acl: acl.ReadOnlyACL()},
			{kind: kindCalendarRoot, path: "calendars", acl: acl.ReadOnlyACL()},
			{kind: kindBookRoot, path: "addressbooks", acl: acl.ReadOnlyACL()},
		}, nil
	case kindPrincipals:
		return []*node{
			{kind: kindPrincipalSet, path: principals.PrefixUsers, acl: acl.ReadOnlyACL()},
			{kind: kindPrincipalSet, path: principals.PrefixGroups, acl: acl.ReadOnlyACL()},
		}, nil
	case kindPrincipalSet:
		all, err := h.principals.List(ctx)
		if err != nil {
			return nil, err
		}
		var out []*node
		for _, p := range all {
			if strings.HasPrefix(p.URI, n.path+"/") {
				child, err := h.resolvePrincipal(ctx, strings.Split(p.URI, "/"))
				if err != nil {
					return nil, err
				}
				out = append(out, child)
			}
		}
		return out, nil
	case kindCalendarRoot:
		return []*node{{kind: kindCalendarHome, path: "calendars/" + uid, owner: current, acl: acl.OwnerOnlyACL(current)}}, nil
	case kindBookRoot:
		return []*node{{kind: kindBookUsers, path: "addressbooks/users", acl: acl.ReadOnlyACL()}}, nil
	case kindBookUsers:
		return []*node{{kind: kindBookHome, path: "addressbooks/users/" + uid, owner: current, acl: acl.OwnerOnlyACL(current)}}, nil
	case kindCalendarHome:
		return h.calendarHomeChildren(ctx, n)
	case kindBookHome:
		return h.bookHomeChildren(ctx, n)
	default:
		return nil, nil
	}
}

func (h *Handler) calendarHomeChildren(ctx context.Context, home *node) ([]*node, error) {
	if home.owner == principals.User(appctx.UserID(ctx)) {
		if err := h.calendars.EnsureDefault(ctx, home.owner); err != nil {
			return nil, err
		}
	}

	cals, err := h.calendars.CalendarsForUser(ctx, home.owner)
	if err != nil {
		return nil, err
	}
	groups, err := h.principals.GetGroupMembership(ctx, home.owner)
	if err != nil {
		return nil, err
	}
	shared, err := h.calendars.SharedCalendarsForUser(ctx, home.owner, groups)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(cals)+len(shared))
	for _, c := range cals {
		ids = append(ids, c.ID)
	}
	for _, s := range shared {
		ids = append(ids, s.ID)
	}
	if err := h.calendars.Shares().PreloadShares(ctx, ids); err != nil {
		return nil, err
	}

	var out []*node
	for _, c := range cals {
		entries, err := h.calendars.ACL(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, &node{kind: kindCalendar, path: home.path + "/" + c.URI, owner: c.PrincipalURI, acl: entries, calendar: c})
	}
	for _, s := range shared {
		entries, err := h.calendars.ACL(ctx, s.Calendar)
		if err != nil {
			return nil, err
		}
		out = append(out, &node{
			kind: kindCalendar, path: home.path + "/" + s.URI, owner: s.PrincipalURI, acl: entries,
			calendar: s.Calendar, shared: true, readOnly: s.ReadOnly,
		})
	}

	subs, err := h.calendars.SubscriptionsForUser(ctx, home.owner)
	if err != nil {
		return nil, err
	}
	for _, s := range subs {
		out = append(out, &node{kind: kindSubscription, path: home.path + "/" + s.URI, owner: s.PrincipalURI, acl: acl.OwnerOnlyACL(s.PrincipalURI), subscription: s})
	}
	return out, nil
}

func (h *Handler) bookHomeChildren(ctx context.Context, home *node) ([]*node, error) {
	if home.owner == principals.User(appctx.UserID(ctx)) {
		if err := h.books.EnsureDefault(ctx, home.owner); err != nil {
			return nil, err
		}
	}

	books, err := h.books.AddressBooksForUser(ctx, home.owner)
	if err != nil {
		return nil, err
	}
	groups, err := h.principals.GetGroupMembership(ctx, home.owner)
	if err != nil {
		return nil, err
	}
	shared, err := h.books.SharedAddressBooksForUser(ctx, home.owner, groups)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(books)+len(shared))
	for _, b := range books {
		ids = append(ids, b.ID)
	}
	for _, s := range shared {
		ids = append(ids, s.ID)
	}
	if err := h.books.Shares().PreloadShares(ctx, ids); err != nil {
		return nil, err
	}

	var out []*node
	for _, b := range books {
		entries, err := h.books.ACL(ctx, b)
		if err != nil {
			return nil, err
		}
		out = append(out, &node{kind: kindAddressBook, path: home.path + "/" + b.URI, owner: b.PrincipalURI, acl: entries, book: b})
	}
	for _, s := range shared {
		entries, err := h.books.ACL(ctx, s.AddressBook)
		if err != nil {
			return nil, err
		}
		out = append(out, &node{
			kind: kindAddressBook, path: home.path + "/" + s.URI, owner: s.PrincipalURI, acl: entries,
			book: s.AddressBook, shared: true, readOnly: s.ReadOnly,
		})
	}
	return out, nil
}

// objectResponses describes the objects stored in a collection.
func (h *Handler) objectResponses(n *node, pf *davxml.Propfind) ([]*davxml.Response, error) {
	store, contentType := h.calObjects, "text/calendar; charset=utf-8"
	if n.kind == kindAddressBook {
		store, contentType = h.bookObjects, "text/vcard; charset=utf-8"
	}
	objects, err := store.List(n.resourceID())
	if err != nil {
		return nil, err
	}

	out := make([]*davxml.Response, 0, len(objects))
	for _, o := range objects {
		props := []*davxml.Element{
			davxml.New(davxml.NSDAV, "resourcetype"),
			davxml.Text(davxml.NSDAV, "getetag", o.ETag),
			davxml.Text(davxml.NSDAV, "getcontentlength", strconv.FormatInt(o.Size, 10)),
			davxml.Text(davxml.NSDAV, "getcontenttype", contentType),
			davxml.Text(davxml.NSDAV, "getlastmodified", o.ModTime.UTC().Format(http.TimeFormat)),
		}
		out = append(out, &davxml.Response{
			Href:      davxml.EscapeHref(h.href(n.path+"/"+o.Name, false)),
			Propstats: davxml.BuildPropstats(pf, props),
		})
	}
	return out, nil
}

// properties returns every property n exposes.
func (h *Handler) properties(ctx context.Context, n *node) ([]*davxml.Element, error) {
	props := []*davxml.Element{
		h.resourceType(n),
		h.currentUserPrincipal(ctx),
		davxml.New(davxml.NSDAV, "principal-collection-set", davxml.Href(h.href("principals", true))),
	}

	privs, err := h.acl.CurrentUserPrivilegeSet(ctx, n)
	if err != nil {
		return nil, err
	}
	props = append(props, privilegeSet(privs), h.aclProperty(n))
	if n.owner != "" {
		props = append(props, davxml.New(davxml.NSDAV, "owner", davxml.Href(h.principalHref(n.owner))))
	}

	switch n.kind {
	case kindPrincipal:
		more, err := h.principalProperties(ctx, n)
		if err != nil {
			return nil, err
		}
		props = append(props, more...)
	case kindCalendar:
		more, err := h.calendarProperties(ctx, n)
		if err != nil {
			return nil, err
		}
		props = append(props, more...)
	case kindSubscription:
		s := n.subscription
		props = append(props,
			davxml.Text(davxml.NSDAV, "displayname", s.DisplayName),
			davxml.New(davxml.NSCalendarServer, "source", davxml.Href(s.Source)),
			davxml.Text(davxml.NSApple, "calendar-color", s.Color),
			davxml.Text(davxml.NSApple, "refreshrate", s.RefreshRate),
		)
	case kindAddressBook:
		more, err := h.addressBookProperties(ctx, n)
		if err != nil {
			return nil, err
		}
		props = append(props, more...)
	}
	return props, nil
}

func (h *Handler) resourceType(n *node) *davxml.Element {
	rt := davxml.New(davxml.NSDAV, "resourcetype", davxml.New(davxml.NSDAV, "collection"))
	switch n.kind {
	case kindPrincipal:
		rt.Children = append(rt.Children, davxml.New(davxml.NSDAV, "principal"))
	case kindCalendar:
		rt.Children = append(rt.Children, davxml.New(davxml.NSCalDAV, "calendar"))
		if n.shared {
			rt.Children = append(rt.Children, davxml.New(davxml.NSCalendarServer, "shared"))
		}
	case kindSubscription:
		rt.Children = append(rt.Children, davxml.New(davxml.NSCalendarServer, "subscribed"))
	case kindAddressBook:
		rt.Children = append(rt.Children, davxml.New(davxml.NSCardDAV, "addressbook"))
	}
	return rt
}

func (h *Handler) currentUserPrincipal(ctx context.Context) *davxml.Element {
	current := h.acl.CurrentUserPrincipal(ctx)
	if current == "" {
		return davxml.New(davxml.NSDAV, "current-user-principal", davxml.New(davxml.NSDAV, "unauthenticated"))
	}
	return davxml.New(davxml.NSDAV, "current-user-principal", davxml.Href(h.principalHref(current)))
}

func privilegeSet(privs []string) *davxml.Element {
	set := davxml.New(davxml.NSDAV, "current-user-privilege-set")
	for _, p := range privs {
		name := davxml.ParseClark(p)
		set.Children = append(set.Children, davxml.New(davxml.NSDAV, "privilege", davxml.New(name.Space, name.Local)))
	}
	return set
}

func (h *Handler) aclProperty(n *node) *davxml.Element {
	list := davxml.New(davxml.NSDAV, "acl")
	for _, ace := range n.ACL() {
		var principal *davxml.Element
		if strings.HasPrefix(ace.Principal, "{") {
			name := davxml.ParseClark(ace.Principal)
			principal = davxml.New(davxml.NSDAV, "principal", davxml.New(name.Space, name.Local))
		} else {
			principal = davxml.New(davxml.NSDAV, "principal", davxml.Href(h.principalHref(ace.Principal)))
		}
		priv := davxml.ParseClark(ace.Privilege)
		e := davxml.New(davxml.NSDAV, "ace",
			principal,
			davxml.New(davxml.NSDAV, "grant", davxml.New(davxml.NSDAV, "privilege", davxml.New(priv.Space, priv.Local))),
		)
		if ace.Protected {
			e.Children = append(e.Children, davxml.New(davxml.NSDAV, "protected"))
		}
		list.Children = append(list.Children, e)
	}
	return list
}

func (h *Handler) principalProperties(ctx context.Context, n *node) ([]*davxml.Element, error) {
	p := n.principal
	props := []*davxml.Element{
		davxml.Text(davxml.NSDAV, "displayname", p.DisplayName),
		davxml.New(davxml.NSDAV, "principal-URL", davxml.Href(h.principalHref(p.URI))),
	}
	if p.Type != principals.TypeUser {
		return append(props, davxml.Text(davxml.NSCalDAV, "calendar-user-type", "GROUP")), nil
	}

	_, uid := principals.Split(p.URI)
	props = append(props,
		davxml.Text(davxml.NSCalDAV, "calendar-user-type", "INDIVIDUAL"),
		davxml.New(davxml.NSCalDAV, "calendar-home-set", davxml.Href(h.href("calendars/"+uid, true))),
		davxml.New(davxml.NSCardDAV, "addressbook-home-set", davxml.Href(h.href("addressbooks/users/"+uid, true))),
	)

	addresses := davxml.New(davxml.NSCalDAV, "calendar-user-address-set", davxml.Href(h.principalHref(p.URI)))
	alternate := davxml.New(davxml.NSDAV, "alternate-URI-set")
	if p.Email != "" {
		addresses.Children = append([]*davxml.Element{davxml.Href("mailto:" + p.Email)}, addresses.Children...)
		alternate.Children = append(alternate.Children, davxml.Href("mailto:"+p.Email))
		props = append(props, davxml.Text(davxml.NSSabre, "email-address", p.Email))
	}
	props = append(props, addresses, alternate)

	groups, err := h.principals.GetGroupMembership(ctx, p.URI)
	if err != nil {
		return nil, err
	}
	membership := davxml.New(davxml.NSDAV, "group-membership")
	for _, g := range groups {
		membership.Children = append(membership.Children, davxml.Href(h.principalHref(g)))
	}
	return append(props, membership), nil
}

func (h *Handler) calendarProperties(ctx context.Context, n *node) ([]*davxml.Element, error) {
	c := n.calendar
	components := davxml.New(davxml.NSCalDAV, "supported-calendar-component-set")
	for _, comp := range strings.Split(c.Components, ",") {
		if comp = strings.TrimSpace(comp); comp != "" {
			e := davxml.New(davxml.NSCalDAV, "comp")
			e.Attrs = []xml.Attr{{Name: xml.Name{Local: "name"}, Value: comp}}
			components.Children = append(components.Children, e)
		}
	}

	props := []*davxml.Element{
		davxml.Text(davxml.NSDAV, "displayname", c.DisplayName),
		davxml.Text(davxml.NSCalDAV, "calendar-description", c.Description),
		davxml.Text(davxml.NSApple, "calendar-color", c.Color),
		davxml.Text(davxml.NSApple, "calendar-order", strconv.Itoa(c.Order)),
		components,
		davxml.Text(davxml.NSCalendarServer, "getctag", syncToken(c.SyncToken)),
		davxml.Text(davxml.NSDAV, "sync-token", syncToken(c.SyncToken)),
		davxml.Text(davxml.NSOwnCloud, "owner-principal", c.PrincipalURI),
	}
	shared, err := h.sharingProperties(ctx, h.calendars.Shares(), n)
	if err != nil {
		return nil, err
	}
	return append(props, shared...), nil
}

func (h *Handler) addressBookProperties(ctx context.Context, n *node) ([]*davxml.Element, error) {
	b := n.book
	props := []*davxml.Element{
		davxml.Text(davxml.NSDAV, "displayname", b.DisplayName),
		davxml.Text(davxml.NSCardDAV, "addressbook-description", b.Description),
		davxml.Text(davxml.NSCalendarServer, "getctag", syncToken(b.SyncToken)),
		davxml.Text(davxml.NSDAV, "sync-token", syncToken(b.SyncToken)),
		davxml.Text(davxml.NSOwnCloud, "owner-principal", b.PrincipalURI),
	}
	shared, err := h.sharingProperties(ctx, h.books.Shares(), n)
	if err != nil {
		return nil, err
	}
	return append(props, shared...), nil
}

// sharingProperties renders oc:invite and the read-only flag of a shared
// view. The sharee list is only shown to the owner.
func (h *Handler) sharingProperties(ctx context.Context, shares *sharing.Backend, n *node) ([]*davxml.Element, error) {
	props := []*davxml.Element{davxml.Text(davxml.NSOwnCloud, "read-only", strconv.FormatBool(n.shared && n.readOnly))}
	if n.shared {
		return props, nil
	}

	list, err := shares.GetShares(ctx, n.resourceID())
	if err != nil {
		return nil, err
	}
	invite := davxml.New(davxml.NSOwnCloud, "invite")
	for _, s := range list {
		access := davxml.New(davxml.NSOwnCloud, "read-write")
		if s.ReadOnly {
			access = davxml.New(davxml.NSOwnCloud, "read")
		}
		invite.Children = append(invite.Children, davxml.New(davxml.NSOwnCloud, "user",
			davxml.Href(s.Href),
			davxml.Text(davxml.NSOwnCloud, "common-name", s.CommonName),
			davxml.New(davxml.NSOwnCloud, "invite-accepted"),
			davxml.New(davxml.NSOwnCloud, "access", access),
		))
	}
	return append(props, invite), nil
}

func syncToken(n int64) string {
	return "http://sabre.io/ns/sync/" + strconv.FormatInt(n, 10)
}
