package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/MahdiBaghbani/davshare-go/internal/components/api"
	"github.com/MahdiBaghbani/davshare-go/internal/components/appconfig"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/caldav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/carddav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/sharing"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/storage"
	"github.com/MahdiBaghbani/davshare-go/internal/components/identity"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/cache/memory"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/store/testutil"
)

type adminFixture struct {
	router    chi.Router
	users     *identity.GormPartyRepo
	groups    *identity.GormGroupRepo
	calendars *caldav.Backend
	books     *carddav.Backend
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	return newAdminFixtureWith(t, nil)
}

func newAdminFixtureWith(t *testing.T, limits api.UserForgetter) *adminFixture {
	t.Helper()
	models := append(identity.Models(), &sharing.Row{}, &appconfig.Entry{})
	models = append(models, caldav.Models()...)
	models = append(models, carddav.Models()...)
	db := testutil.OpenDB(t, models...)

	users := identity.NewGormPartyRepo(db)
	groups := identity.NewGormGroupRepo(db)
	p := principals.NewBackend(users, groups, nil, nil)
	mem := memory.New(time.Minute, 0)
	t.Cleanup(func() { mem.Close() })

	calendars := caldav.NewBackend(db, sharing.New(db, sharing.TypeCalendar, p, mem, time.Minute, nil),
		storage.New(t.TempDir(), storage.KindCalendars, nil), nil)
	books := carddav.NewBackend(db, sharing.New(db, sharing.TypeAddressBook, p, mem, time.Minute, nil),
		storage.New(t.TempDir(), storage.KindAddressBooks, nil), nil)

	admin := api.NewAdmin(api.AdminDeps{
		Users:        users,
		Groups:       groups,
		UserAuth:     identity.NewUserAuthFast(),
		Calendars:    calendars,
		AddressBooks: books,
		Config: appconfig.New(db, map[string]map[string]string{
			appconfig.AppDAV: {appconfig.KeyMaximumCalendarsSubscriptions: "30"},
		}),
		CreationLimits: limits,
	})
	r := chi.NewRouter()
	admin.Routes(r)
	return &adminFixture{router: r, users: users, groups: groups, calendars: calendars, books: books}
}

func (f *adminFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	return rec
}

func expectCode(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestAdmin_Users(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodPost, "/users", `{"username":"alice","password":"correct horse","email":"Alice@Example.com"}`)
	expectCode(t, rec, http.StatusCreated)
	created := decodeBody[api.UserView](t, rec)
	want := api.UserView{
		Username:  "alice",
		Email:     "alice@example.com",
		Role:      identity.RoleUser,
		Principal: "principals/users/alice",
		Groups:    []string{},
	}
	if diff := cmp.Diff(want, created); diff != "" {
		t.Errorf("created user mismatch (-want +got):\n%s", diff)
	}

	expectCode(t, f.do(t, http.MethodPost, "/users", `{"username":"alice","password":"another one"}`), http.StatusConflict)

	list := decodeBody[[]api.UserView](t, f.do(t, http.MethodGet, "/users", ""))
	if len(list) != 1 || list[0].Username != "alice" {
		t.Errorf("unexpected user list %+v", list)
	}
}

func TestAdmin_CreateUserValidation(t *testing.T) {
	f := newAdminFixture(t)

	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"not json", `{`, api.ReasonBadRequest},
		{"missing password", `{"username":"bob"}`, api.ReasonMissingField},
		{"short password", `{"username":"bob","password":"short"}`, api.ReasonInvalidField},
		{"slash in name", `{"username":"bo/b","password":"long enough"}`, api.ReasonInvalidField},
		{"bad email", `{"username":"bob","password":"long enough","email":"nope"}`, api.ReasonInvalidField},
		{"unknown role", `{"username":"bob","password":"long enough","role":"super_admin"}`, api.ReasonInvalidField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/users", tt.body)
			expectCode(t, rec, http.StatusBadRequest)
			if env := decodeBody[api.ErrorEnvelope](t, rec); env.Error.ReasonCode != tt.reason {
				t.Errorf("reason_code = %q, want %q", env.Error.ReasonCode, tt.reason)
			}
		})
	}
}

func TestAdmin_DeleteUserRemovesCollectionsAndShares(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob"} {
		expectCode(t, f.do(t, http.MethodPost, "/users", `{"username":"`+name+`","password":"long enough"}`), http.StatusCreated)
	}
	cal := &caldav.Calendar{PrincipalURI: "principals/users/bob", URI: "work"}
	if err := f.calendars.CreateCalendar(ctx, cal); err != nil {
		t.Fatal(err)
	}
	aliceCal := &caldav.Calendar{PrincipalURI: "principals/users/alice", URI: "home"}
	if err := f.calendars.CreateCalendar(ctx, aliceCal); err != nil {
		t.Fatal(err)
	}
	if err := f.calendars.Shares().UpdateShares(ctx, aliceCal, []sharing.Sharee{{Href: "principal:principals/users/bob"}}, nil); err != nil {
		t.Fatal(err)
	}

	expectCode(t, f.do(t, http.MethodDelete, "/users/bob", ""), http.StatusNoContent)
	expectCode(t, f.do(t, http.MethodDelete, "/users/bob", ""), http.StatusNotFound)

	cals, err := f.calendars.CalendarsForUser(ctx, "principals/users/bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(cals) != 0 {
		t.Errorf("expected bob's calendars to be removed, got %d", len(cals))
	}
	shares, err := f.calendars.Shares().GetShares(ctx, aliceCal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 0 {
		t.Errorf("expected share to bob to be removed, got %+v", shares)
	}
}

func TestAdmin_SuperAdminIsProtected(t *testing.T) {
	f := newAdminFixture(t)
	if err := f.users.Create(context.Background(), &identity.User{Username: "root", Role: identity.RoleSuperAdmin}); err != nil {
		t.Fatal(err)
	}
	rec := f.do(t, http.MethodDelete, "/users/root", "")
	expectCode(t, rec, http.StatusForbidden)
	if env := decodeBody[api.ErrorEnvelope](t, rec); env.Error.ReasonCode != api.ReasonProtected {
		t.Errorf("reason_code = %q, want %q", env.Error.ReasonCode, api.ReasonProtected)
	}
}

func TestAdmin_Groups(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	expectCode(t, f.do(t, http.MethodPost, "/users", `{"username":"carol","password":"long enough"}`), http.StatusCreated)

	expectCode(t, f.do(t, http.MethodPost, "/groups", `{"gid":"staff","display_name":"Staff"}`), http.StatusCreated)
	expectCode(t, f.do(t, http.MethodPost, "/groups", `{"gid":"staff"}`), http.StatusConflict)

	expectCode(t, f.do(t, http.MethodPut, "/groups/staff/members/carol", ""), http.StatusNoContent)
	expectCode(t, f.do(t, http.MethodPut, "/groups/staff/members/nobody", ""), http.StatusNotFound)
	expectCode(t, f.do(t, http.MethodPut, "/groups/nogroup/members/carol", ""), http.StatusNotFound)

	groups := decodeBody[[]api.GroupView](t, f.do(t, http.MethodGet, "/groups", ""))
	want := []api.GroupView{{GID: "staff", DisplayName: "Staff", Principal: "principals/groups/staff", Members: []string{"carol"}}}
	if diff := cmp.Diff(want, groups); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}

	users := decodeBody[[]api.UserView](t, f.do(t, http.MethodGet, "/users", ""))
	if diff := cmp.Diff([]string{"staff"}, users[0].Groups); diff != "" {
		t.Errorf("user groups mismatch (-want +got):\n%s", diff)
	}

	expectCode(t, f.do(t, http.MethodDelete, "/groups/staff/members/carol", ""), http.StatusNoContent)
	if members, _ := f.groups.Members(ctx, "staff"); len(members) != 0 {
		t.Errorf("expected no members, got %v", members)
	}

	book := &carddav.AddressBook{PrincipalURI: "principals/users/carol", URI: "team"}
	if err := f.books.CreateAddressBook(ctx, book); err != nil {
		t.Fatal(err)
	}
	if err := f.books.Shares().UpdateShares(ctx, book, []sharing.Sharee{{Href: "principal:principals/groups/staff"}}, nil); err != nil {
		t.Fatal(err)
	}
	expectCode(t, f.do(t, http.MethodDelete, "/groups/staff", ""), http.StatusNoContent)
	expectCode(t, f.do(t, http.MethodDelete, "/groups/staff", ""), http.StatusNotFound)
	if shares, _ := f.books.Shares().GetShares(ctx, book.ID); len(shares) != 0 {
		t.Errorf("expected group share to be removed, got %+v", shares)
	}
}

func TestAdmin_AppConfig(t *testing.T) {
	f := newAdminFixture(t)
	key := "/appconfig/dav/" + appconfig.KeyMaximumCalendarsSubscriptions

	got := decodeBody[api.ConfigValue](t, f.do(t, http.MethodGet, key, ""))
	if got.Value != "30" {
		t.Errorf("default value = %q, want 30", got.Value)
	}

	expectCode(t, f.do(t, http.MethodPut, key, `{"value":"-1"}`), http.StatusOK)
	got = decodeBody[api.ConfigValue](t, f.do(t, http.MethodGet, key, ""))
	if got.Value != "-1" {
		t.Errorf("stored value = %q, want -1", got.Value)
	}

	expectCode(t, f.do(t, http.MethodPut, "/appconfig/dav/"+appconfig.KeyLimitSharingToOwner, `{"value":"yes"}`), http.StatusOK)
	list := decodeBody[[]api.ConfigValue](t, f.do(t, http.MethodGet, "/appconfig/dav", ""))
	want := []api.ConfigValue{
		{App: "dav", Key: appconfig.KeyLimitSharingToOwner, Value: "yes"},
		{App: "dav", Key: appconfig.KeyMaximumCalendarsSubscriptions, Value: "-1"},
	}
	if diff := cmp.Diff(want, list); diff != "" {
		t.Errorf("config list mismatch (-want +got):\n%s", diff)
	}

	expectCode(t, f.do(t, http.MethodPut, key, `{}`), http.StatusBadRequest)

	expectCode(t, f.do(t, http.MethodDelete, key, ""), http.StatusNoContent)
	expectCode(t, f.do(t, http.MethodDelete, key, ""), http.StatusNotFound)
	got = decodeBody[api.ConfigValue](t, f.do(t, http.MethodGet, key, ""))
	if got.Value != "30" {
		t.Errorf("value after delete = %q, want default 30", got.Value)
	}
	expectCode(t, f.do(t, http.MethodGet, "/appconfig/dav/unknownKey", ""), http.StatusNotFound)
}

func TestAdmin_ListShares(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	for _, name := range []string{"alice", "bob"} {
		expectCode(t, f.do(t, http.MethodPost, "/users", `{"username":"`+name+`","password":"long enough"}`), http.StatusCreated)
	}
	cal := &caldav.Calendar{PrincipalURI: "principals/users/alice", URI: "team"}
	if err := f.calendars.CreateCalendar(ctx, cal); err != nil {
		t.Fatal(err)
	}
	readOnly := false
	if err := f.calendars.Shares().UpdateShares(ctx, cal, []sharing.Sharee{{Href: "principal:principals/users/bob", ReadOnly: &readOnly}}, nil); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/shares/calendar/"+strconv.FormatInt(cal.ID, 10), "")
	expectCode(t, rec, http.StatusOK)
	view := decodeBody[api.SharesView](t, rec)
	if view.Owner != "principals/users/alice" || view.URI != "team" {
		t.Errorf("unexpected resource %+v", view)
	}
	if len(view.Shares) != 1 || view.Shares[0].Principal != "principals/users/bob" || view.Shares[0].ReadOnly {
		t.Errorf("unexpected shares %+v", view.Shares)
	}

	expectCode(t, f.do(t, http.MethodGet, "/shares/calendar/9999", ""), http.StatusNotFound)
	expectCode(t, f.do(t, http.MethodGet, "/shares/addressbook/9999", ""), http.StatusNotFound)
	expectCode(t, f.do(t, http.MethodGet, "/shares/calendar/abc", ""), http.StatusBadRequest)
	expectCode(t, f.do(t, http.MethodGet, "/shares/task/1", ""), http.StatusBadRequest)
}

type forgetter struct {
	uids []string
	err  error
}

func (f *forgetter) ForgetUser(_ context.Context, uid string) error {
	f.uids = append(f.uids, uid)
	return f.err
}

func TestDeleteUser_ResetsCreationLimits(t *testing.T) {
	limits := &forgetter{}
	f := newAdminFixtureWith(t, limits)

	expectCode(t, f.do(t, http.MethodPost, "/users", `{"username":"bob","password":"long enough"}`), http.StatusCreated)
	expectCode(t, f.do(t, http.MethodDelete, "/users/bob", ""), http.StatusNoContent)
	if diff := cmp.Diff([]string{"bob"}, limits.uids); diff != "" {
		t.Errorf("forgotten users mismatch (-want +got):\n%s", diff)
	}

	// A failing reset does not fail the deletion.
	limits.err = errors.New("cache down")
	expectCode(t, f.do(t, http.MethodPost, "/users", `{"username":"carol","password":"long enough"}`), http.StatusCreated)
	expectCode(t, f.do(t, http.MethodDelete, "/users/carol", ""), http.StatusNoContent)
}
