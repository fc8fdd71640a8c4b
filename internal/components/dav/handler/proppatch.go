package handler

import (
	"encoding/xml"
	"net/http"
	"slices"
	"strconv"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/caldav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/carddav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/davxml"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/exception"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/appctx"
)

var (
	propDisplayName            = xml.Name{Space: davxml.NSDAV, Local: "displayname"}
	propCalendarDescription    = xml.Name{Space: davxml.NSCalDAV, Local: "calendar-description"}
	propCalendarColor          = xml.Name{Space: davxml.NSApple, Local: "calendar-color"}
	propCalendarOrder          = xml.Name{Space: davxml.NSApple, Local: "calendar-order"}
	propComponentSet           = xml.Name{Space: davxml.NSCalDAV, Local: "supported-calendar-component-set"}
	propRefreshRate            = xml.Name{Space: davxml.NSApple, Local: "refreshrate"}
	propSource                 = xml.Name{Space: davxml.NSCalendarServer, Local: "source"}
	propAddressBookDescription = xml.Name{Space: davxml.NSCardDAV, Local: "addressbook-description"}
)

// handleProppatch updates the display properties of a collection. The
// update is all or nothing: one unsupported property fails the others
// with 424.
func (h *Handler) handleProppatch(w http.ResponseWriter, r *http.Request, n *node) error {
	ctx := r.Context()

	// Properties are stored on the owner's row, so anyone but the owner
	// needs full write access.
	privilege := acl.WriteProperties
	if n.shared || collectionOwner(n) != principals.User(appctx.UserID(ctx)) {
		privilege = acl.Write
	}
	if err := h.acl.Check(ctx, n, h.href(n.path, true), privilege); err != nil {
		return err
	}

	updates, err := davxml.ParseProppatch(r.Body)
	if err != nil {
		return exception.BadRequest("Invalid PROPPATCH body").Wrap(err)
	}

	var props caldav.Properties
	var failed []xml.Name
	for _, u := range updates {
		value := u.Value
		if u.Remove {
			value = ""
		}
		if !setProperty(n.kind, &props, u.Name, value) {
			failed = append(failed, u.Name)
		}
	}

	var ok []*davxml.Element
	var forbidden []*davxml.Element
	for _, u := range updates {
		e := davxml.New(u.Name.Space, u.Name.Local)
		if slices.Contains(failed, u.Name) {
			forbidden = append(forbidden, e)
		} else {
			ok = append(ok, e)
		}
	}

	var propstats []davxml.Propstat
	if len(failed) > 0 {
		propstats = append(propstats, davxml.Propstat{Status: http.StatusForbidden, Props: forbidden})
		if len(ok) > 0 {
			propstats = append(propstats, davxml.Propstat{Status: http.StatusFailedDependency, Props: ok})
		}
	} else {
		if len(updates) > 0 {
			if err := h.applyProperties(r, n, props); err != nil {
				return err
			}
		}
		propstats = append(propstats, davxml.Propstat{Status: http.StatusOK, Props: ok})
	}

	davxml.WriteMultistatus(w, []*davxml.Response{{
		Href:      davxml.EscapeHref(h.href(n.path, true)),
		Propstats: propstats,
	}})
	return nil
}

// setProperty maps one property onto props. It reports false for
// properties that cannot be changed on a collection of kind k.
func setProperty(k kind, props *caldav.Properties, name xml.Name, value string) bool {
	switch {
	case name == propDisplayName && (k == kindCalendar || k == kindSubscription || k == kindAddressBook):
		props.DisplayName = &value
	case name == propCalendarDescription && k == kindCalendar,
		name == propAddressBookDescription && k == kindAddressBook:
		props.Description = &value
	case name == propCalendarColor && (k == kindCalendar || k == kindSubscription):
		props.Color = &value
	case name == propCalendarOrder && k == kindCalendar:
		order, err := strconv.Atoi(value)
		if value != "" && err != nil {
			return false
		}
		props.Order = &order
	default:
		return false
	}
	return true
}

// collectionOwner returns the principal owning the stored collection behind n.
func collectionOwner(n *node) string {
	switch {
	case n.calendar != nil:
		return principals.ToV2(n.calendar.PrincipalURI)
	case n.subscription != nil:
		return principals.ToV2(n.subscription.PrincipalURI)
	case n.book != nil:
		return principals.ToV2(n.book.PrincipalURI)
	}
	return n.owner
}

func (h *Handler) applyProperties(r *http.Request, n *node, props caldav.Properties) error {
	ctx := r.Context()
	switch n.kind {
	case kindCalendar:
		return h.calendars.UpdateCalendar(ctx, n.calendar.ID, props)
	case kindSubscription:
		return h.calendars.UpdateSubscription(ctx, n.subscription.ID, props)
	case kindAddressBook:
		return h.books.UpdateAddressBook(ctx, n.book.ID, carddav.Properties{
			DisplayName: props.DisplayName,
			Description: props.Description,
		})
	}
	return nil
}
