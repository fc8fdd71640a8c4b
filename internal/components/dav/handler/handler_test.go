package handler_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MahdiBaghbani/davshare-go/internal/components/appconfig"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/caldav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/carddav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/handler"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/ratelimit"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/sharing"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/storage"
	"github.com/MahdiBaghbani/davshare-go/internal/components/identity"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/cache/memory"
	limiter "github.com/MahdiBaghbani/davshare-go/internal/platform/ratelimit"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/store/testutil"
)

const prefix = "/remote.php/dav"

type fixture struct {
	handler   *handler.Handler
	config    *appconfig.Store
	calendars *caldav.Backend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	models := append(identity.Models(), &sharing.Row{}, &appconfig.Entry{})
	models = append(models, caldav.Models()...)
	models = append(models, carddav.Models()...)
	db := testutil.OpenDB(t, models...)
	ctx := context.Background()

	users := identity.NewGormPartyRepo(db)
	groups := identity.NewGormGroupRepo(db)
	for _, u := range []*identity.User{
		{Username: "alice", DisplayName: "Alice", Email: "alice@example.com"},
		{Username: "bob", DisplayName: "Bob"},
		{Username: "carol", DisplayName: "Carol"},
	} {
		if err := users.Create(ctx, u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	if err := groups.CreateGroup(ctx, &identity.Group{GID: "staff", DisplayName: "Staff"}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := groups.AddMember(ctx, "staff", "carol"); err != nil {
		t.Fatalf("add member: %v", err)
	}

	p := principals.NewBackend(users, groups, nil, nil)
	mem := memory.New(time.Minute, 0)
	t.Cleanup(func() { mem.Close() })

	calObjects := storage.New(t.TempDir(), storage.KindCalendars, nil)
	bookObjects := storage.New(t.TempDir(), storage.KindAddressBooks, nil)
	calendars := caldav.NewBackend(db, sharing.New(db, sharing.TypeCalendar, p, mem, time.Minute, nil), calObjects, nil)
	books := carddav.NewBackend(db, sharing.New(db, sharing.TypeAddressBook, p, mem, time.Minute, nil), bookObjects, nil)
	cfg := appconfig.New(db, nil)

	h := handler.New(handler.Deps{
		Prefix:       prefix,
		Principals:   p,
		ACL:          acl.NewLegacyACL(p),
		Calendars:    calendars,
		AddressBooks: books,
		CalObjects:   calObjects,
		BookObjects:  bookObjects,
		Guard:        ratelimit.NewPlugin(calendars, books, limiter.New(mem, ""), cfg, nil),
		Config:       cfg,
	})
	return &fixture{handler: h, config: cfg, calendars: calendars}
}

func (f *fixture) do(t *testing.T, uid, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, prefix+path, r)
	if uid != "" {
		req = req.WithContext(appctx.WithUserID(req.Context(), uid))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) set(t *testing.T, key, value string) {
	t.Helper()
	if err := f.config.SetValue(context.Background(), appconfig.AppDAV, key, value); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body:\n%s", rec.Code, want, rec.Body.String())
	}
}

func (f *fixture) mkcalendar(t *testing.T, uid, name string) {
	t.Helper()
	expectStatus(t, f.do(t, uid, "MKCALENDAR", "/calendars/"+uid+"/"+name, ""), http.StatusCreated)
}

func shareBody(href string, readWrite bool) string {
	access := ""
	if readWrite {
		access = "<oc:read-write/>"
	}
	return `<oc:share xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns"><oc:set><d:href>` + href + `</d:href>` + access + `</oc:set></oc:share>`
}

func (f *fixture) share(t *testing.T, uid, path, href string, readWrite bool) {
	t.Helper()
	rec := f.do(t, uid, http.MethodPost, path, shareBody(href, readWrite), "Content-Type", "application/xml")
	expectStatus(t, rec, http.StatusOK)
}

const propfindInvite = `<d:propfind xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop><d:resourcetype/><d:displayname/><oc:invite/><oc:read-only/><cs:getctag/></d:prop>
</d:propfind>`

func TestOptionsAndAuthentication(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "", http.MethodOptions, "/", "")
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Header().Get("DAV"), "calendarserver-sharing") {
		t.Errorf("DAV header = %q", rec.Header().Get("DAV"))
	}

	rec = f.do(t, "", "PROPFIND", "/calendars/alice/", "", "Depth", "0")
	expectStatus(t, rec, http.StatusUnauthorized)
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}

	expectStatus(t, f.do(t, "alice", "PROPFIND", "/nowhere", "", "Depth", "0"), http.StatusNotFound)
	expectStatus(t, f.do(t, "alice", "PROPFIND", "/calendars/nobody/", "", "Depth", "0"), http.StatusNotFound)
}

func TestMkcalendar(t *testing.T) {
	f := newFixture(t)

	body := `<c:mkcalendar xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:d="DAV:" xmlns:x1="http://apple.com/ns/ical/">
  <d:set><d:prop>
    <d:displayname>Work</d:displayname>
    <x1:calendar-color>#00ff00</x1:calendar-color>
    <c:supported-calendar-component-set><c:comp name="VEVENT"/></c:supported-calendar-component-set>
  </d:prop></d:set>
</c:mkcalendar>`
	expectStatus(t, f.do(t, "alice", "MKCALENDAR", "/calendars/alice/work", body), http.StatusCreated)

	cal, err := f.calendars.GetCalendar(context.Background(), "principals/users/alice", "work")
	if err != nil {
		t.Fatalf("GetCalendar: %v", err)
	}
	if cal.DisplayName != "Work" || cal.Color != "#00ff00" || cal.Components != "VEVENT" {
		t.Errorf("calendar = %+v", cal)
	}

	expectStatus(t, f.do(t, "alice", "MKCALENDAR", "/calendars/alice/work", ""), http.StatusMethodNotAllowed)
	expectStatus(t, f.do(t, "bob", "MKCALENDAR", "/calendars/alice/other", ""), http.StatusForbidden)
	expectStatus(t, f.do(t, "alice", "MKCALENDAR", "/calendars/alice/work/nested", ""), http.StatusMethodNotAllowed)
}

func TestMkcol_SubscriptionAndAddressBook(t *testing.T) {
	f := newFixture(t)

	sub := `<d:mkcol xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:set><d:prop>
    <d:resourcetype><d:collection/><cs:subscribed/></d:resourcetype>
    <d:displayname>Holidays</d:displayname>
    <cs:source><d:href>https://example.com/holidays.ics</d:href></cs:source>
  </d:prop></d:set>
</d:mkcol>`
	expectStatus(t, f.do(t, "alice", "MKCOL", "/calendars/alice/holidays", sub), http.StatusCreated)

	rec := f.do(t, "alice", "PROPFIND", "/calendars/alice/holidays", "", "Depth", "0")
	expectStatus(t, rec, http.StatusMultiStatus)
	if !strings.Contains(rec.Body.String(), "https://example.com/holidays.ics") {
		t.Errorf("subscription source missing:\n%s", rec.Body.String())
	}

	book := `<d:mkcol xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">
  <d:set><d:prop>
    <d:resourcetype><d:collection/><card:addressbook/></d:resourcetype>
    <d:displayname>Team</d:displayname>
  </d:prop></d:set>
</d:mkcol>`
	expectStatus(t, f.do(t, "alice", "MKCOL", "/addressbooks/users/alice/team", book), http.StatusCreated)
	expectStatus(t, f.do(t, "alice", "MKCOL", "/addressbooks/users/alice/plain", ""), http.StatusForbidden)
	expectStatus(t, f.do(t, "alice", "MKCOL", "/calendars/alice/plain", ""), http.StatusForbidden)
}

func TestShareReadOnly(t *testing.T) {
	f := newFixture(t)
	f.mkcalendar(t, "alice", "work")
	f.share(t, "alice", "/calendars/alice/work/", "principal:principals/users/bob", false)

	rec := f.do(t, "alice", "PROPFIND", "/calendars/alice/work/", propfindInvite, "Depth", "0")
	expectStatus(t, rec, http.StatusMultiStatus)
	body := rec.Body.String()
	for _, want := range []string{"<d:href>principal:principals/users/bob</d:href>", "<oc:read/>", "<oc:common-name>Bob</oc:common-name>"} {
		if !strings.Contains(body, want) {
			t.Errorf("owner view missing %s:\n%s", want, body)
		}
	}

	rec = f.do(t, "bob", "PROPFIND", "/calendars/bob/", propfindInvite, "Depth", "1")
	expectStatus(t, rec, http.StatusMultiStatus)
	body = rec.Body.String()
	if !strings.Contains(body, prefix+"/calendars/bob/work_shared_by_alice/") {
		t.Fatalf("shared view missing from sharee home:\n%s", body)
	}
	if !strings.Contains(body, "<cs:shared/>") || !strings.Contains(body, "<oc:read-only>true</oc:read-only>") {
		t.Errorf("shared view not marked read-only:\n%s", body)
	}

	rec = f.do(t, "bob", http.MethodPut, "/calendars/bob/work_shared_by_alice/event.ics", "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n")
	expectStatus(t, rec, http.StatusForbidden)
	if !strings.Contains(rec.Body.String(), "need-privileges") {
		t.Errorf("expected need-privileges body:\n%s", rec.Body.String())
	}

	expectStatus(t, f.do(t, "carol", "PROPFIND", "/calendars/alice/work/", "", "Depth", "0"), http.StatusForbidden)
}

func TestShareReadWrite_ObjectsAndSyncToken(t *testing.T) {
	f := newFixture(t)
	f.mkcalendar(t, "alice", "work")
	f.share(t, "alice", "/calendars/alice/work/", "principals/users/bob", true)

	ev := "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:1\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	expectStatus(t, f.do(t, "bob", http.MethodPut, "/calendars/bob/work_shared_by_alice/event.ics", ev), http.StatusCreated)

	rec := f.do(t, "alice", http.MethodGet, "/calendars/alice/work/event.ics", "")
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != ev {
		t.Errorf("GET body = %q", rec.Body.String())
	}

	cal, err := f.calendars.GetCalendar(context.Background(), "principals/users/alice", "work")
	if err != nil {
		t.Fatalf("GetCalendar: %v", err)
	}
	if cal.SyncToken < 2 {
		t.Errorf("sync token not bumped: %d", cal.SyncToken)
	}

	rec = f.do(t, "alice", "PROPFIND", "/calendars/alice/work/", "", "Depth", "1")
	expectStatus(t, rec, http.StatusMultiStatus)
	if !strings.Contains(rec.Body.String(), prefix+"/calendars/alice/work/event.ics") {
		t.Errorf("object missing from listing:\n%s", rec.Body.String())
	}

	expectStatus(t, f.do(t, "bob", http.MethodDelete, "/calendars/bob/work_shared_by_alice/event.ics", ""), http.StatusNoContent)
	expectStatus(t, f.do(t, "alice", http.MethodGet, "/calendars/alice/work/event.ics", ""), http.StatusNotFound)
}

func TestShareRemoveAndUnshare(t *testing.T) {
	f := newFixture(t)
	f.mkcalendar(t, "alice", "work")
	f.share(t, "alice", "/calendars/alice/work/", "principal:principals/users/bob", false)

	expectStatus(t, f.do(t, "bob", http.MethodDelete, "/calendars/bob/work_shared_by_alice/", ""), http.StatusNoContent)
	expectStatus(t, f.do(t, "bob", "PROPFIND", "/calendars/bob/work_shared_by_alice/", "", "Depth", "0"), http.StatusNotFound)

	rec := f.do(t, "alice", "PROPFIND", "/calendars/alice/work/", propfindInvite, "Depth", "0")
	if strings.Contains(rec.Body.String(), "principals/users/bob") {
		t.Errorf("bob still listed after unshare:\n%s", rec.Body.String())
	}

	// The owner's calendar survives a sharee delete.
	expectStatus(t, f.do(t, "alice", "PROPFIND", "/calendars/alice/work/", "", "Depth", "0"), http.StatusMultiStatus)

	remove := `<oc:share xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns"><oc:remove><d:href>principal:principals/users/bob</d:href></oc:remove></oc:share>`
	f.share(t, "alice", "/calendars/alice/work/", "principal:principals/users/bob", false)
	expectStatus(t, f.do(t, "alice", http.MethodPost, "/calendars/alice/work/", remove, "Content-Type", "text/xml"), http.StatusOK)
	expectStatus(t, f.do(t, "bob", "PROPFIND", "/calendars/bob/work_shared_by_alice/", "", "Depth", "0"), http.StatusNotFound)
}

func TestGroupShareUnshareLeavesOthers(t *testing.T) {
	f := newFixture(t)
	f.mkcalendar(t, "alice", "work")
	f.share(t, "alice", "/calendars/alice/work/", "principal:principals/groups/staff", false)

	expectStatus(t, f.do(t, "carol", "PROPFIND", "/calendars/carol/work_shared_by_alice/", "", "Depth", "0"), http.StatusMultiStatus)
	expectStatus(t, f.do(t, "carol", http.MethodDelete, "/calendars/carol/work_shared_by_alice/", ""), http.StatusNoContent)

	rec := f.do(t, "carol", "PROPFIND", "/calendars/carol/", "", "Depth", "1")
	expectStatus(t, rec, http.StatusMultiStatus)
	if strings.Contains(rec.Body.String(), "work_shared_by_alice") {
		t.Errorf("unshared group view still listed:\n%s", rec.Body.String())
	}

	rec = f.do(t, "alice", "PROPFIND", "/calendars/alice/work/", propfindInvite, "Depth", "0")
	if !strings.Contains(rec.Body.String(), "principal:principals/groups/staff") {
		t.Errorf("group share removed for everyone:\n%s", rec.Body.String())
	}
}

func TestShare_Permissions(t *testing.T) {
	f := newFixture(t)
	f.mkcalendar(t, "alice", "work")
	f.share(t, "alice", "/calendars/alice/work/", "principals/users/bob", true)

	// A read-write sharee may reshare unless sharing is limited to owners.
	f.share(t, "bob", "/calendars/bob/work_shared_by_alice/", "principals/users/carol", false)

	f.set(t, appconfig.KeyLimitSharingToOwner, "yes")
	rec := f.do(t, "bob", http.MethodPost, "/calendars/bob/work_shared_by_alice/", shareBody("principals/users/carol", true), "Content-Type", "application/xml")
	expectStatus(t, rec, http.StatusForbidden)
	f.share(t, "alice", "/calendars/alice/work/", "principals/users/carol", true)

	rec = f.do(t, "carol", http.MethodPost, "/calendars/alice/personal/", shareBody("principals/users/bob", false), "Content-Type", "application/xml")
	expectStatus(t, rec, http.StatusNotFound)

	rec = f.do(t, "alice", http.MethodPost, "/calendars/alice/work/", "x", "Content-Type", "text/plain")
	expectStatus(t, rec, http.StatusUnsupportedMediaType)
}

func TestProppatch(t *testing.T) {
	f := newFixture(t)
	f.mkcalendar(t, "alice", "work")

	ok := `<d:propertyupdate xmlns:d="DAV:" xmlns:x1="http://apple.com/ns/ical/">
  <d:set><d:prop><d:displayname>Renamed</d:displayname><x1:calendar-color>#123456</x1:calendar-color></d:prop></d:set>
</d:propertyupdate>`
	rec := f.do(t, "alice", "PROPPATCH", "/calendars/alice/work/", ok)
	expectStatus(t, rec, http.StatusMultiStatus)
	if !strings.Contains(rec.Body.String(), "HTTP/1.1 200 OK") {
		t.Errorf("expected 200 propstat:\n%s", rec.Body.String())
	}

	bad := `<d:propertyupdate xmlns:d="DAV:"><d:set><d:prop><d:displayname>Other</d:displayname><d:getetag>x</d:getetag></d:prop></d:set></d:propertyupdate>`
	rec = f.do(t, "alice", "PROPPATCH", "/calendars/alice/work/", bad)
	expectStatus(t, rec, http.StatusMultiStatus)
	body := rec.Body.String()
	if !strings.Contains(body, "403 Forbidden") || !strings.Contains(body, "424 Failed Dependency") {
		t.Errorf("expected 403 and 424 propstats:\n%s", body)
	}

	cal, err := f.calendars.GetCalendar(context.Background(), "principals/users/alice", "work")
	if err != nil {
		t.Fatalf("GetCalendar: %v", err)
	}
	if cal.DisplayName != "Renamed" || cal.Color != "#123456" {
		t.Errorf("calendar = %+v", cal)
	}

	f.share(t, "alice", "/calendars/alice/work/", "principals/users/bob", false)
	expectStatus(t, f.do(t, "bob", "PROPPATCH", "/calendars/bob/work_shared_by_alice/", ok), http.StatusForbidden)
}

func TestProppatch_ShareeOnOwnerPath(t *testing.T) {
	f := newFixture(t)
	f.mkcalendar(t, "alice", "work")
	f.mkcalendar(t, "alice", "team")
	f.share(t, "alice", "/calendars/alice/work/", "principals/users/bob", false)
	f.share(t, "alice", "/calendars/alice/team/", "principals/users/bob", true)

	rename := `<d:propertyupdate xmlns:d="DAV:"><d:set><d:prop><d:displayname>Renamed by bob</d:displayname></d:prop></d:set></d:propertyupdate>`
	ctx := context.Background()

	// A read-only sharee cannot rename the owner's calendar.
	expectStatus(t, f.do(t, "bob", "PROPPATCH", "/calendars/alice/work/", rename), http.StatusForbidden)
	cal, err := f.calendars.GetCalendar(ctx, "principals/users/alice", "work")
	if err != nil {
		t.Fatalf("GetCalendar: %v", err)
	}
	if cal.DisplayName == "Renamed by bob" {
		t.Errorf("read-only sharee changed the owner's display name")
	}

	// Read-write access covers property changes.
	expectStatus(t, f.do(t, "bob", "PROPPATCH", "/calendars/alice/team/", rename), http.StatusMultiStatus)
	cal, err = f.calendars.GetCalendar(ctx, "principals/users/alice", "team")
	if err != nil {
		t.Fatalf("GetCalendar: %v", err)
	}
	if cal.DisplayName != "Renamed by bob" {
		t.Errorf("display name = %q", cal.DisplayName)
	}
}

func TestDeleteOwnedCalendar(t *testing.T) {
	f := newFixture(t)
	f.mkcalendar(t, "alice", "work")
	f.share(t, "alice", "/calendars/alice/work/", "principals/users/bob", true)

	expectStatus(t, f.do(t, "bob", http.MethodDelete, "/calendars/alice/work/", ""), http.StatusForbidden)
	expectStatus(t, f.do(t, "alice", http.MethodDelete, "/calendars/alice/work/", ""), http.StatusNoContent)
	expectStatus(t, f.do(t, "bob", "PROPFIND", "/calendars/bob/work_shared_by_alice/", "", "Depth", "0"), http.StatusNotFound)
}

func TestHomeListingCreatesDefaults(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "alice", "PROPFIND", "/calendars/alice/", "", "Depth", "1")
	expectStatus(t, rec, http.StatusMultiStatus)
	if !strings.Contains(rec.Body.String(), prefix+"/calendars/alice/personal/") {
		t.Errorf("default calendar missing:\n%s", rec.Body.String())
	}

	rec = f.do(t, "alice", "PROPFIND", "/addressbooks/users/alice/", "", "Depth", "1")
	expectStatus(t, rec, http.StatusMultiStatus)
	if !strings.Contains(rec.Body.String(), prefix+"/addressbooks/users/alice/contacts/") {
		t.Errorf("default address book missing:\n%s", rec.Body.String())
	}
}

func TestPrincipalProperties(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "carol", "PROPFIND", "/principals/users/carol/", "", "Depth", "0")
	expectStatus(t, rec, http.StatusMultiStatus)
	body := rec.Body.String()
	for _, want := range []string{
		prefix + "/calendars/carol/",
		prefix + "/addressbooks/users/carol/",
		prefix + "/principals/groups/staff/",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("principal response missing %s:\n%s", want, body)
		}
	}

	rec = f.do(t, "alice", "PROPFIND", "/principals/users/", "", "Depth", "1")
	expectStatus(t, rec, http.StatusMultiStatus)
	if !strings.Contains(rec.Body.String(), prefix+"/principals/users/bob/") {
		t.Errorf("user listing incomplete:\n%s", rec.Body.String())
	}
}

func TestCalendarCreationRateLimit(t *testing.T) {
	f := newFixture(t)
	f.set(t, appconfig.KeyRateLimitCalendarCreation, "1")

	f.mkcalendar(t, "alice", "one")
	rec := f.do(t, "alice", "MKCALENDAR", "/calendars/alice/two", "")
	expectStatus(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// Limits are per user.
	f.mkcalendar(t, "bob", "one")
}

func TestCalendarQuota(t *testing.T) {
	f := newFixture(t)
	f.set(t, appconfig.KeyMaximumCalendarsSubscriptions, "1")

	f.mkcalendar(t, "alice", "one")
	rec := f.do(t, "alice", "MKCALENDAR", "/calendars/alice/two", "")
	expectStatus(t, rec, http.StatusForbidden)
	if !strings.Contains(rec.Body.String(), "Calendar limit reached") {
		t.Errorf("unexpected quota message:\n%s", rec.Body.String())
	}
}

func TestAddressBookSharing(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "alice", "PROPFIND", "/addressbooks/users/alice/", "", "Depth", "1")
	expectStatus(t, rec, http.StatusMultiStatus)
	f.share(t, "alice", "/addressbooks/users/alice/contacts/", "principals/users/bob", false)

	rec = f.do(t, "bob", "PROPFIND", "/addressbooks/users/bob/", propfindInvite, "Depth", "1")
	expectStatus(t, rec, http.StatusMultiStatus)
	if !strings.Contains(rec.Body.String(), prefix+"/addressbooks/users/bob/contacts_shared_by_alice/") {
		t.Fatalf("shared address book missing:\n%s", rec.Body.String())
	}

	card := "BEGIN:VCARD\r\nVERSION:3.0\r\nFN:X\r\nEND:VCARD\r\n"
	expectStatus(t, f.do(t, "bob", http.MethodPut, "/addressbooks/users/bob/contacts_shared_by_alice/x.vcf", card), http.StatusForbidden)
	expectStatus(t, f.do(t, "alice", http.MethodPut, "/addressbooks/users/alice/contacts/x.vcf", card), http.StatusCreated)
	expectStatus(t, f.do(t, "bob", http.MethodGet, "/addressbooks/users/bob/contacts_shared_by_alice/x.vcf", ""), http.StatusOK)
}
