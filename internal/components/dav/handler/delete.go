package handler

import (
	"net/http"
	"strings"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/exception"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/appctx"
)

// homeOwner returns the user principal whose home contains the collection
// at path.
func homeOwner(path string) string {
	seg := strings.Split(path, "/")
	switch {
	case len(seg) >= 3 && seg[0] == "calendars":
		return principals.User(seg[1])
	case len(seg) >= 4 && seg[0] == "addressbooks":
		return principals.User(seg[2])
	}
	return ""
}

// handleDelete removes a collection from the current user's home. Deleting
// a shared view only removes the share for that user.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, n *node) error {
	ctx := r.Context()
	current := principals.User(appctx.UserID(ctx))

	switch n.kind {
	case kindCalendar, kindSubscription, kindAddressBook:
	default:
		return exception.Forbidden("This resource cannot be deleted")
	}
	if homeOwner(n.path) != current {
		return exception.NeedPrivileges(h.href(n.path, true), acl.Unbind)
	}

	var err error
	switch {
	case n.kind == kindSubscription:
		err = h.calendars.DeleteSubscription(ctx, n.subscription.ID)
	case n.kind == kindCalendar && n.shared:
		_, err = h.calendars.Shares().Unshare(ctx, n.calendar, current)
	case n.kind == kindCalendar:
		err = h.calendars.DeleteCalendar(ctx, n.calendar.ID)
	case n.shared:
		_, err = h.books.Shares().Unshare(ctx, n.book, current)
	default:
		err = h.books.DeleteAddressBook(ctx, n.book.ID)
	}
	if err != nil {
		return err
	}

	h.log.Info("collection deleted", "path", n.path, "shared", n.shared)
	w.WriteHeader(http.StatusNoContent)
	return nil
}
