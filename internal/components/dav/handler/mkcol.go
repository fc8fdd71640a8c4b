package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/caldav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/carddav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/davxml"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/exception"
)

// handleMkcol creates calendars, subscriptions and address books. The
// target is resolved through its parent home.
func (h *Handler) handleMkcol(w http.ResponseWriter, r *http.Request, rel string) error {
	ctx := r.Context()
	seg := strings.Split(rel, "/")

	var (
		home *node
		name string
		err  error
	)
	switch {
	case len(seg) == 3 && seg[0] == "calendars":
		home, err = h.resolve(ctx, strings.Join(seg[:2], "/"))
		name = seg[2]
	case len(seg) == 4 && seg[0] == "addressbooks" && seg[1] == "users":
		home, err = h.resolve(ctx, strings.Join(seg[:3], "/"))
		name = seg[3]
	default:
		if n, err := h.resolve(ctx, rel); err == nil && n != nil {
			return exception.MethodNotAllowed("The resource you tried to create already exists")
		}
		return exception.Forbidden("Collections can only be created in a calendar or address book home")
	}
	if err != nil {
		return err
	}
	if err := h.acl.Check(ctx, home, h.href(home.path, true), acl.Bind); err != nil {
		return err
	}
	if _, err := h.resolve(ctx, rel); err == nil {
		return exception.MethodNotAllowed("The resource you tried to create already exists")
	} else if !isNotFound(err) {
		return err
	}

	m, err := davxml.ParseMkcol(r.Body)
	if err != nil {
		return exception.BadRequest("Invalid MKCOL body").Wrap(err)
	}

	if home.kind == kindCalendarHome {
		switch {
		case r.Method == "MKCALENDAR" || m.HasResourceType(davxml.NSCalDAV, "calendar"):
			err = h.createCalendar(ctx, home.owner, rel, name, m)
		case m.HasResourceType(davxml.NSCalendarServer, "subscribed"):
			err = h.createSubscription(ctx, home.owner, rel, name, m)
		default:
			return exception.Forbidden("Only calendars and subscriptions can be created in a calendar home")
		}
	} else {
		if r.Method == "MKCALENDAR" || !m.HasResourceType(davxml.NSCardDAV, "addressbook") {
			return exception.Forbidden("Only address books can be created in an address book home")
		}
		err = h.createAddressBook(ctx, home.owner, rel, name, m)
	}
	if err != nil {
		return err
	}

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (h *Handler) beforeBind(ctx context.Context, rel string) error {
	if h.guard == nil {
		return nil
	}
	return h.guard.BeforeBind(ctx, rel)
}

func (h *Handler) createCalendar(ctx context.Context, owner, rel, name string, m *davxml.Mkcol) error {
	cal := &caldav.Calendar{PrincipalURI: owner, URI: name}
	for _, p := range m.Props {
		switch p.Name {
		case propDisplayName:
			cal.DisplayName = p.Value
		case propCalendarDescription:
			cal.Description = p.Value
		case propCalendarColor:
			cal.Color = p.Value
		case propCalendarOrder:
			cal.Order, _ = strconv.Atoi(p.Value)
		case propComponentSet:
			var comps []string
			for _, c := range p.Element.FindAll(davxml.NSCalDAV, "comp") {
				for _, a := range c.Attrs {
					if a.Name.Local == "name" && a.Value != "" {
						comps = append(comps, strings.ToUpper(a.Value))
					}
				}
			}
			cal.Components = strings.Join(comps, ",")
		}
	}

	if err := h.beforeBind(ctx, rel); err != nil {
		return err
	}
	if err := h.calendars.CreateCalendar(ctx, cal); err != nil {
		return err
	}
	if err := h.calObjects.Ensure(cal.ID); err != nil {
		return err
	}
	h.log.Info("calendar created", "principal", owner, "uri", name, "calendar_id", cal.ID)
	return nil
}

func (h *Handler) createSubscription(ctx context.Context, owner, rel, name string, m *davxml.Mkcol) error {
	sub := &caldav.Subscription{PrincipalURI: owner, URI: name}
	for _, p := range m.Props {
		switch p.Name {
		case propDisplayName:
			sub.DisplayName = p.Value
		case propCalendarColor:
			sub.Color = p.Value
		case propRefreshRate:
			sub.RefreshRate = p.Value
		case propSource:
			if href := p.Element.Find(davxml.NSDAV, "href"); href != nil {
				sub.Source = href.Text
			} else {
				sub.Source = p.Value
			}
		}
	}
	if sub.Source == "" {
		return exception.BadRequest("A subscription needs a {http://calendarserver.org/ns/}source")
	}

	if err := h.beforeBind(ctx, rel); err != nil {
		return err
	}
	if err := h.calendars.CreateSubscription(ctx, sub); err != nil {
		return err
	}
	h.log.Info("subscription created", "principal", owner, "uri", name, "source", sub.Source)
	return nil
}

func (h *Handler) createAddressBook(ctx context.Context, owner, rel, name string, m *davxml.Mkcol) error {
	book := &carddav.AddressBook{PrincipalURI: owner, URI: name}
	for _, p := range m.Props {
		switch p.Name {
		case propDisplayName:
			book.DisplayName = p.Value
		case propAddressBookDescription:
			book.Description = p.Value
		}
	}

	if err := h.beforeBind(ctx, rel); err != nil {
		return err
	}
	if err := h.books.CreateAddressBook(ctx, book); err != nil {
		return err
	}
	if err := h.bookObjects.Ensure(book.ID); err != nil {
		return err
	}
	h.log.Info("address book created", "principal", owner, "uri", name, "addressbook_id", book.ID)
	return nil
}
