package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/MahdiBaghbani/davshare-go/internal/components/appconfig"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/caldav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/carddav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/sharing"
	"github.com/MahdiBaghbani/davshare-go/internal/components/identity"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

var principalName = regexp.MustCompile(`^[A-Za-z0-9._@-]+$`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("principalname", func(fl validator.FieldLevel) bool {
		return principalName.MatchString(fl.Field().String())
	})
	return v
}

// AdminDeps are the collaborators of the admin API.
type AdminDeps struct {
	Users        identity.PartyRepo
	Groups       identity.GroupRepo
	UserAuth     *identity.UserAuth
	Calendars    *caldav.Backend
	AddressBooks *carddav.Backend
	Config       *appconfig.Store
	Log          *slog.Logger

	// CreationLimits is optional. Deleted users get their creation windows
	// reset.
	CreationLimits UserForgetter
}

// UserForgetter drops per-user state kept outside the database.
type UserForgetter interface {
	ForgetUser(ctx context.Context, uid string) error
}

// Admin serves user, group, app config and share administration.
type Admin struct {
	d        AdminDeps
	log      *slog.Logger
	validate *validator.Validate
}

// NewAdmin creates the admin handlers.
func NewAdmin(d AdminDeps) *Admin {
	return &Admin{d: d, log: logutil.NoopIfNil(d.Log), validate: newValidator()}
}

// Routes mounts the admin endpoints on r.
func (a *Admin) Routes(r chi.Router) {
	r.Get("/users", a.listUsers)
	r.Post("/users", a.createUser)
	r.Delete("/users/{username}", a.deleteUser)

	r.Get("/groups", a.listGroups)
	r.Post("/groups", a.createGroup)
	r.Delete("/groups/{gid}", a.deleteGroup)
	r.Put("/groups/{gid}/members/{username}", a.addMember)
	r.Delete("/groups/{gid}/members/{username}", a.removeMember)

	r.Get("/appconfig/{app}", a.listConfig)
	r.Get("/appconfig/{app}/{key}", a.getConfig)
	r.Put("/appconfig/{app}/{key}", a.setConfig)
	r.Delete("/appconfig/{app}/{key}", a.deleteConfig)

	r.Get("/shares/{type}/{id}", a.listShares)
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the caller may continue.
func (a *Admin) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		WriteBadRequest(w, ReasonBadRequest, "invalid JSON body")
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			reason := ReasonInvalidField
			if verrs[0].Tag() == "required" {
				reason = ReasonMissingField
			}
			WriteBadRequest(w, reason, "invalid field "+verrs[0].Field()+": "+verrs[0].Tag())
			return false
		}
		WriteBadRequest(w, ReasonBadRequest, err.Error())
		return false
	}
	return true
}

func (a *Admin) internal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	appctx.GetLogger(r.Context()).Error(msg, "error", err)
	WriteInternalError(w, msg)
}

// UserView is a user as returned by the API.
type UserView struct {
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Role        string   `json:"role"`
	Principal   string   `json:"principal"`
	Groups      []string `json:"groups"`
}

func (a *Admin) userView(r *http.Request, u *identity.User) (UserView, error) {
	groups, err := a.d.Groups.GroupsForUser(r.Context(), u.Username)
	if err != nil {
		return UserView{}, err
	}
	if groups == nil {
		groups = []string{}
	}
	return UserView{
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		Principal:   principals.User(u.Username),
		Groups:      groups,
	}, nil
}

func (a *Admin) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.d.Users.List(r.Context())
	if err != nil {
		a.internal(w, r, "failed to list users", err)
		return
	}
	out := make([]UserView, 0, len(users))
	for _, u := range users {
		v, err := a.userView(r, u)
		if err != nil {
			a.internal(w, r, "failed to list users", err)
			return
		}
		out = append(out, v)
	}
	WriteJSON(w, http.StatusOK, out)
}

// CreateUserRequest is the body of POST /api/users.
type CreateUserRequest struct {
	Username    string `json:"username" validate:"required,max=64,principalname"`
	Password    string `json:"password" validate:"required,min=8"`
	Email       string `json:"email" validate:"omitempty,email"`
	DisplayName string `json:"display_name" validate:"max=255"`
	Role        string `json:"role" validate:"omitempty,oneof=user admin"`
}

func (a *Admin) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !a.decode(w, r, &req) {
		return
	}
	hash, err := a.d.UserAuth.HashPassword(req.Password)
	if err != nil {
		a.internal(w, r, "failed to hash password", err)
		return
	}

	u := &identity.User{
		Username:     req.Username,
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Role:         req.Role,
	}
	switch err := a.d.Users.Create(r.Context(), u); {
	case errors.Is(err, identity.ErrUserExists), errors.Is(err, identity.ErrEmailExists):
		WriteConflict(w, err.Error())
		return
	case err != nil:
		a.internal(w, r, "failed to create user", err)
		return
	}

	a.log.Info("user created", "username", u.Username, "role", u.Role)
	v, err := a.userView(r, u)
	if err != nil {
		a.internal(w, r, "failed to load user", err)
		return
	}
	WriteJSON(w, http.StatusCreated, v)
}

// deleteUser removes the account, everything it owns in its homes and the
// shares it received.
func (a *Admin) deleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := chi.URLParam(r, "username")

	u, err := a.d.Users.GetByUsername(ctx, username)
	if errors.Is(err, identity.ErrUserNotFound) {
		WriteNotFound(w, "user not found")
		return
	} else if err != nil {
		a.internal(w, r, "failed to load user", err)
		return
	}
	if u.IsSuperAdmin() {
		WriteForbidden(w, ReasonProtected, identity.ErrSuperAdminProtected.Error())
		return
	}

	principal := principals.User(username)
	if err := a.d.Calendars.DeletePrincipal(ctx, principal); err != nil {
		a.internal(w, r, "failed to delete calendars", err)
		return
	}
	if err := a.d.AddressBooks.DeletePrincipal(ctx, principal); err != nil {
		a.internal(w, r, "failed to delete address books", err)
		return
	}
	if err := a.d.Users.Delete(ctx, u.ID); err != nil {
		a.internal(w, r, "failed to delete user", err)
		return
	}
	if a.d.CreationLimits != nil {
		if err := a.d.CreationLimits.ForgetUser(ctx, username); err != nil {
			a.log.Warn("failed to reset creation limits", "username", username, "error", err)
		}
	}

	a.log.Info("user deleted", "username", username)
	w.WriteHeader(http.StatusNoContent)
}

// GroupView is a group with its members.
type GroupView struct {
	GID         string   `json:"gid"`
	DisplayName string   `json:"display_name,omitempty"`
	Principal   string   `json:"principal"`
	Members     []string `json:"members"`
}

func (a *Admin) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.d.Groups.ListGroups(r.Context())
	if err != nil {
		a.internal(w, r, "failed to list groups", err)
		return
	}
	out := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		members, err := a.d.Groups.Members(r.Context(), g.GID)
		if err != nil {
			a.internal(w, r, "failed to list group members", err)
			return
		}
		if members == nil {
			members = []string{}
		}
		out = append(out, GroupView{
			GID:         g.GID,
			DisplayName: g.DisplayName,
			Principal:   principals.Group(g.GID),
			Members:     members,
		})
	}
	WriteJSON(w, http.StatusOK, out)
}

// CreateGroupRequest is the body of POST /api/groups.
type CreateGroupRequest struct {
	GID         string `json:"gid" validate:"required,max=64,principalname"`
	DisplayName string `json:"display_name" validate:"max=255"`
}

func (a *Admin) createGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if !a.decode(w, r, &req) {
		return
	}
	g := &identity.Group{GID: req.GID, DisplayName: req.DisplayName}
	switch err := a.d.Groups.CreateGroup(r.Context(), g); {
	case errors.Is(err, identity.ErrGroupExists):
		WriteConflict(w, err.Error())
		return
	case err != nil:
		a.internal(w, r, "failed to create group", err)
		return
	}
	a.log.Info("group created", "gid", g.GID)
	WriteJSON(w, http.StatusCreated, GroupView{
		GID:         g.GID,
		DisplayName: g.DisplayName,
		Principal:   principals.Group(g.GID),
		Members:     []string{},
	})
}

// deleteGroup removes the group and every share granted to it.
func (a *Admin) deleteGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gid := chi.URLParam(r, "gid")

	switch err := a.d.Groups.DeleteGroup(ctx, gid); {
	case errors.Is(err, identity.ErrGroupNotFound):
		WriteNotFound(w, "group not found")
		return
	case err != nil:
		a.internal(w, r, "failed to delete group", err)
		return
	}

	principal := principals.Group(gid)
	for _, s := range []*sharing.Backend{a.d.Calendars.Shares(), a.d.AddressBooks.Shares()} {
		if err := s.DeleteAllSharesByUser(ctx, principal); err != nil {
			a.internal(w, r, "failed to delete group shares", err)
			return
		}
	}
	a.log.Info("group deleted", "gid", gid)
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) addMember(w http.ResponseWriter, r *http.Request) {
	gid, username := chi.URLParam(r, "gid"), chi.URLParam(r, "username")
	switch err := a.d.Groups.AddMember(r.Context(), gid, username); {
	case errors.Is(err, identity.ErrGroupNotFound):
		WriteNotFound(w, "group not found")
	case errors.Is(err, identity.ErrUserNotFound):
		WriteNotFound(w, "user not found")
	case err != nil:
		a.internal(w, r, "failed to add member", err)
	default:
		a.log.Info("group member added", "gid", gid, "username", username)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *Admin) removeMember(w http.ResponseWriter, r *http.Request) {
	gid, username := chi.URLParam(r, "gid"), chi.URLParam(r, "username")
	if err := a.d.Groups.RemoveMember(r.Context(), gid, username); err != nil {
		a.internal(w, r, "failed to remove member", err)
		return
	}
	a.log.Info("group member removed", "gid", gid, "username", username)
	w.WriteHeader(http.StatusNoContent)
}

// ConfigValue is one app config entry.
type ConfigValue struct {
	App   string `json:"app"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (a *Admin) listConfig(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	keys, err := a.d.Config.Keys(r.Context(), app)
	if err != nil {
		a.internal(w, r, "failed to read app config", err)
		return
	}
	out := make([]ConfigValue, 0, len(keys))
	for _, k := range keys {
		v, err := a.d.Config.GetValue(r.Context(), app, k)
		if err != nil {
			continue
		}
		out = append(out, ConfigValue{App: app, Key: k, Value: v})
	}
	WriteJSON(w, http.StatusOK, out)
}

func (a *Admin) getConfig(w http.ResponseWriter, r *http.Request) {
	app, key := chi.URLParam(r, "app"), chi.URLParam(r, "key")
	v, err := a.d.Config.GetValue(r.Context(), app, key)
	if errors.Is(err, appconfig.ErrNotFound) {
		WriteNotFound(w, "config key not found")
		return
	} else if err != nil {
		a.internal(w, r, "failed to read app config", err)
		return
	}
	WriteJSON(w, http.StatusOK, ConfigValue{App: app, Key: key, Value: v})
}

// SetConfigRequest is the body of PUT /api/appconfig/{app}/{key}.
type SetConfigRequest struct {
	Value *string `json:"value" validate:"required"`
}

func (a *Admin) setConfig(w http.ResponseWriter, r *http.Request) {
	app, key := chi.URLParam(r, "app"), chi.URLParam(r, "key")
	var req SetConfigRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.d.Config.SetValue(r.Context(), app, key, *req.Value); err != nil {
		a.internal(w, r, "failed to write app config", err)
		return
	}
	a.log.Info("app config set", "app", app, "key", key)
	WriteJSON(w, http.StatusOK, ConfigValue{App: app, Key: key, Value: *req.Value})
}

func (a *Admin) deleteConfig(w http.ResponseWriter, r *http.Request) {
	app, key := chi.URLParam(r, "app"), chi.URLParam(r, "key")
	switch err := a.d.Config.DeleteKey(r.Context(), app, key); {
	case errors.Is(err, appconfig.ErrNotFound):
		WriteNotFound(w, "config key not found")
	case err != nil:
		a.internal(w, r, "failed to delete app config", err)
	default:
		a.log.Info("app config deleted", "app", app, "key", key)
		w.WriteHeader(http.StatusNoContent)
	}
}

// SharesView lists the shares of one calendar or address book.
type SharesView struct {
	Type       string          `json:"type"`
	ResourceID int64           `json:"resource_id"`
	Owner      string          `json:"owner"`
	URI        string          `json:"uri"`
	Shares     []sharing.Share `json:"shares"`
}

func (a *Admin) listShares(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	typ := chi.URLParam(r, "type")
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteBadRequest(w, ReasonInvalidField, "id must be a positive integer")
		return
	}

	view := SharesView{Type: typ, ResourceID: id}
	var shares *sharing.Backend
	switch typ {
	case sharing.TypeCalendar:
		cal, err := a.d.Calendars.GetCalendarByID(ctx, id)
		if errors.Is(err, caldav.ErrNotFound) {
			WriteNotFound(w, "calendar not found")
			return
		} else if err != nil {
			a.internal(w, r, "failed to load calendar", err)
			return
		}
		view.Owner, view.URI, shares = cal.PrincipalURI, cal.URI, a.d.Calendars.Shares()
	case sharing.TypeAddressBook:
		book, err := a.d.AddressBooks.GetAddressBookByID(ctx, id)
		if errors.Is(err, carddav.ErrNotFound) {
			WriteNotFound(w, "address book not found")
			return
		} else if err != nil {
			a.internal(w, r, "failed to load address book", err)
			return
		}
		view.Owner, view.URI, shares = book.PrincipalURI, book.URI, a.d.AddressBooks.Shares()
	default:
		WriteBadRequest(w, ReasonInvalidField, "type must be calendar or addressbook")
		return
	}

	view.Shares, err = shares.GetShares(ctx, id)
	if err != nil {
		a.internal(w, r, "failed to load shares", err)
		return
	}
	if view.Shares == nil {
		view.Shares = []sharing.Share{}
	}
	WriteJSON(w, http.StatusOK, view)
}
