package handler

import (
	"net/http"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/caldav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/carddav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/exception"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/storage"
)

// handleObject serves requests for objects inside a calendar or address
// book after checking the privilege the method needs on the collection.
func (h *Handler) handleObject(w http.ResponseWriter, r *http.Request, n *node) error {
	ctx := r.Context()
	if r.Method == "MKCOL" || r.Method == "MKCALENDAR" {
		return exception.MethodNotAllowed("Collections cannot be nested")
	}
	privilege := storage.RequiredPrivilege(r.Method)
	if privilege == "" {
		return exception.MethodNotAllowed(r.Method + " is not allowed on this resource")
	}
	if err := h.acl.Check(ctx, n, h.href(n.path+"/"+n.rest, false), privilege); err != nil {
		return err
	}

	objects := h.calObjects
	if n.kind == kindAddressBook {
		objects = h.bookObjects
	}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	objects.Serve(rec, r, n.resourceID(), h.href(n.path, false))

	if changes(r.Method) && rec.status < http.StatusMultipleChoices {
		var err error
		if n.kind == kindCalendar {
			err = h.calendars.UpdateCalendar(ctx, n.calendar.ID, caldav.Properties{})
		} else {
			err = h.books.UpdateAddressBook(ctx, n.book.ID, carddav.Properties{})
		}
		if err != nil {
			h.log.Warn("sync token not bumped", "path", n.path, "error", err)
		}
	}
	return nil
}

func changes(method string) bool {
	switch method {
	case http.MethodPut, http.MethodDelete, "MOVE", "COPY", "PROPPATCH":
		return true
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
