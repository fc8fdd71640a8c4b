package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/MahdiBaghbani/davshare-go/internal/components/appconfig"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/davxml"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/exception"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/sharing"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/appctx"
)

// handlePost accepts oc:share requests on calendars and address books.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request, n *node) error {
	ctx := r.Context()
	if !n.isCollection() {
		return exception.MethodNotAllowed("POST is not allowed on this resource")
	}
	if !davxml.IsShareRequest(r.Header.Get("Content-Type")) {
		return exception.UnsupportedMediaType("POST requests must carry an XML body")
	}

	req, err := davxml.ParseShare(r.Body)
	if err != nil {
		return exception.BadRequest("Invalid share request").Wrap(err)
	}

	if err := h.canShare(ctx, n); err != nil {
		return err
	}

	add := make([]sharing.Sharee, 0, len(req.Set))
	for _, s := range req.Set {
		readOnly := !s.ReadWrite
		add = append(add, sharing.Sharee{
			Href:       s.Href,
			CommonName: s.CommonName,
			Summary:    s.Summary,
			ReadOnly:   &readOnly,
		})
	}

	var shares *sharing.Backend
	var target sharing.Shareable
	if n.kind == kindCalendar {
		shares, target = h.calendars.Shares(), n.calendar
	} else {
		shares, target = h.books.Shares(), n.book
	}
	if err := shares.UpdateShares(ctx, target, add, req.Remove); err != nil {
		return err
	}

	h.log.Info("shares updated", "path", n.path, "by", appctx.UserID(ctx), "set", len(add), "remove", len(req.Remove))
	w.WriteHeader(http.StatusOK)
	return nil
}

// canShare requires write access. When sharing is limited to owners, only
// the owner may change the share list.
func (h *Handler) canShare(ctx context.Context, n *node) error {
	if err := h.acl.Check(ctx, n, h.href(n.path, true), acl.Write); err != nil {
		return err
	}
	if h.config == nil {
		return nil
	}
	limit := h.config.GetValueString(ctx, appconfig.AppDAV, appconfig.KeyLimitSharingToOwner, "no")
	if strings.EqualFold(limit, "yes") && principals.ToV2(n.owner) != principals.User(appctx.UserID(ctx)) {
		return exception.Forbidden("Only the owner may share this resource")
	}
	return nil
}
