package sharing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gorm.io/gorm"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/sharing"
	"github.com/MahdiBaghbani/davshare-go/internal/components/identity"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/cache/memory"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/store/testutil"
)

type calendar struct {
	id    int64
	owner string
}

func (c calendar) ResourceID() int64 { return c.id }
func (c calendar) Owner() string { return c.owner }

func boolPtr(b bool) *bool { return &b }

type fixture struct {
	db      *gorm.DB
	backend *sharing.Backend
	groups  *identity.GormGroupRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newDirectoryFixture(t, nil)
}

// directory is an external group source that knows a fixed set of groups.
type directory map[string]bool

func (d directory) GroupsForUser(context.Context, string) ([]string, error) { return nil, nil }

func (d directory) GroupExists(_ context.Context, gid string) (bool, error) { return d[gid], nil }

func newDirectoryFixture(t *testing.T, ext principals.MembershipProvider) *fixture {
	t.Helper()
	models := append(identity.Models(), &sharing.Row{})
	db := testutil.OpenDB(t, models...)
	ctx := context.Background()

	users := identity.NewGormPartyRepo(db)
	groups := identity.NewGormGroupRepo(db)
	for _, u := range []*identity.User{
		{Username: "alice", DisplayName: "Alice", Email: "alice@example.com"},
		{Username: "bob", DisplayName: "Bob", Email: "bob@example.com"},
		{Username: "carol"},
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

	p := principals.NewBackend(users, groups, ext, nil)
	c := memory.New(time.Minute, 0)
	t.Cleanup(func() { c.Close() })

	return &fixture{
		db:      db,
		backend: sharing.New(db, sharing.TypeCalendar, p, c, time.Minute, nil),
		groups:  groups,
	}
}

func (f *fixture) rows(t *testing.T) []sharing.Row {
	t.Helper()
	var rows []sharing.Row
	if err := f.db.Order("principaluri").Find(&rows).Error; err != nil {
		t.Fatalf("list rows: %v", err)
	}
	for i := range rows {
		rows[i].ID = 0
	}
	return rows
}

var cal = calendar{id: 7, owner: "principals/users/alice"}

func TestUpdateShares_AccessLevels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{
		{Href: "principal:principals/users/bob", ReadOnly: boolPtr(false)},
		{Href: "principal:principals/groups/staff"},
	}, nil)
	if err != nil {
		t.Fatalf("UpdateShares: %v", err)
	}

	want := []sharing.Row{
		{PrincipalURI: "principals/groups/staff", Type: "calendar", Access: sharing.AccessRead, ResourceID: 7},
		{PrincipalURI: "principals/users/bob", Type: "calendar", Access: sharing.AccessReadWrite, ResourceID: 7},
	}
	if diff := cmp.Diff(want, f.rows(t)); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateShares_ReshareReplaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	add := func(readOnly bool) {
		t.Helper()
		err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{
			{Href: "principals/users/bob", ReadOnly: boolPtr(readOnly)},
		}, nil)
		if err != nil {
			t.Fatalf("UpdateShares: %v", err)
		}
	}
	add(false)
	add(true)

	rows := f.rows(t)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Access != sharing.AccessRead {
		t.Errorf("access = %d, want %d", rows[0].Access, sharing.AccessRead)
	}
}

func TestUpdateShares_SkipsInvalidSharees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{
		{Href: "principal:principals/users/alice"},  // owner
		{Href: "principal:principals/users/ALICE"},  // owner, other case
		{Href: "principal:principals/users/nobody"}, // unknown user
		{Href: "principal:principals/system/x"},     // invalid prefix
		{Href: "mailto:unknown@example.com"},        // unresolvable
		{Href: "urn:uuid:1234"},                     // unresolvable
	}, nil)
	if err != nil {
		t.Fatalf("UpdateShares: %v", err)
	}
	if rows := f.rows(t); len(rows) != 0 {
		t.Errorf("expected no rows, got %+v", rows)
	}
}

func TestUpdateShares_DirectoryGroups(t *testing.T) {
	f := newDirectoryFixture(t, directory{"ldap-devs": true})
	ctx := context.Background()

	err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{
		{Href: "principal:principals/groups/ldap-devs"},
		{Href: "principal:principals/groups/no-such-group"},
	}, nil)
	if err != nil {
		t.Fatalf("UpdateShares: %v", err)
	}

	want := []sharing.Row{
		{PrincipalURI: "principals/groups/ldap-devs", Type: "calendar", Access: sharing.AccessRead, ResourceID: 7},
	}
	if diff := cmp.Diff(want, f.rows(t)); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateShares_MailtoAndLegacy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{
		{Href: "mailto:bob@example.com"},
		{Href: "/remote.php/dav/principals/carol/"},
	}, nil)
	if err != nil {
		t.Fatalf("UpdateShares: %v", err)
	}
	got := f.rows(t)
	if len(got) != 2 || got[0].PrincipalURI != "principals/users/bob" || got[1].PrincipalURI != "principals/users/carol" {
		t.Errorf("unexpected rows %+v", got)
	}
}

func TestUpdateShares_Remove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{
		{Href: "principal:principals/users/bob"},
		{Href: "principal:principals/users/carol"},
	}, nil); err != nil {
		t.Fatalf("UpdateShares add: %v", err)
	}
	// Prime the cache; removal must invalidate it.
	if shares, _ := f.backend.GetShares(ctx, cal.id); len(shares) != 2 {
		t.Fatalf("expected 2 shares, got %d", len(shares))
	}

	if err := f.backend.UpdateShares(ctx, cal, nil, []string{"principal:principals/users/bob"}); err != nil {
		t.Fatalf("UpdateShares remove: %v", err)
	}
	shares, err := f.backend.GetShares(ctx, cal.id)
	if err != nil {
		t.Fatalf("GetShares: %v", err)
	}
	if len(shares) != 1 || shares[0].Principal != "principals/users/carol" {
		t.Errorf("unexpected shares %+v", shares)
	}
}

func TestGetShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{
		{Href: "principal:principals/users/bob", ReadOnly: boolPtr(false)},
		{Href: "principal:principals/groups/staff", ReadOnly: boolPtr(true)},
	}, nil); err != nil {
		t.Fatalf("UpdateShares: %v", err)
	}

	got, err := f.backend.GetShares(ctx, cal.id)
	if err != nil {
		t.Fatalf("GetShares: %v", err)
	}
	want := []sharing.Share{
		{
			Href:       "principal:principals/users/bob",
			CommonName: "Bob",
			Status:     sharing.StatusAccepted,
			ReadOnly:   false,
			Principal:  "principals/users/bob",
		},
		{
			Href:       "principal:principals/groups/staff",
			CommonName: "Staff",
			Status:     sharing.StatusAccepted,
			ReadOnly:   true,
			Principal:  "principals/groups/staff",
			GroupShare: true,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetShares mismatch (-want +got):\n%s", diff)
	}

	other, err := f.backend.GetShares(ctx, 99)
	if err != nil {
		t.Fatalf("GetShares other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no shares for unshared resource, got %+v", other)
	}
}

func TestGetShares_TypeIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{{Href: "principal:principals/users/bob"}}, nil); err != nil {
		t.Fatalf("UpdateShares: %v", err)
	}
	books := sharing.New(f.db, sharing.TypeAddressBook, principals.NewBackend(
		identity.NewGormPartyRepo(f.db), f.groups, nil, nil), nil, 0, nil)

	shares, err := books.GetShares(ctx, cal.id)
	if err != nil {
		t.Fatalf("GetShares: %v", err)
	}
	if len(shares) != 0 {
		t.Errorf("address book backend saw calendar shares: %+v", shares)
	}
}

func TestPreloadShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := calendar{id: 8, owner: "principals/users/alice"}
	for _, c := range []calendar{cal, other} {
		if err := f.backend.UpdateShares(ctx, c, []sharing.Sharee{{Href: "principal:principals/users/bob"}}, nil); err != nil {
			t.Fatalf("UpdateShares: %v", err)
		}
	}
	if err := f.backend.PreloadShares(ctx, []int64{7, 8, 9}); err != nil {
		t.Fatalf("PreloadShares: %v", err)
	}

	// Rows deleted behind the backend's back stay invisible until the cache
	// entry is invalidated.
	if err := f.db.Where("1 = 1").Delete(&sharing.Row{}).Error; err != nil {
		t.Fatalf("delete rows: %v", err)
	}
	for _, id := range []int64{7, 8} {
		shares, err := f.backend.GetShares(ctx, id)
		if err != nil {
			t.Fatalf("GetShares(%d): %v", id, err)
		}
		if len(shares) != 1 {
			t.Errorf("GetShares(%d) = %d shares, want 1 from cache", id, len(shares))
		}
	}
}

func TestApplyShareACL(t *testing.T) {
	f := newFixture(t)

	shares := []sharing.Share{
		{Principal: "principals/users/bob", ReadOnly: false},
		{Principal: "principals/groups/staff", ReadOnly: true},
	}
	base := []acl.ACE{{Principal: "principals/users/alice", Privilege: acl.All, Protected: true}}

	got := f.backend.ApplyShareACL(shares, base)
	want := []acl.ACE{
		{Principal: "principals/users/alice", Privilege: acl.All, Protected: true},
		{Principal: "principals/users/bob", Privilege: acl.Read, Protected: true},
		{Principal: "principals/users/bob", Privilege: acl.Write, Protected: true},
		{Principal: "principals/groups/staff", Privilege: acl.Read, Protected: true},
		{Principal: "principals/groups/staff", Privilege: acl.WriteProperties, Protected: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ApplyShareACL mismatch (-want +got):\n%s", diff)
	}
}

func TestUnshare_DirectShare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{{Href: "principal:principals/users/bob"}}, nil); err != nil {
		t.Fatalf("UpdateShares: %v", err)
	}
	ok, err := f.backend.Unshare(ctx, cal, "principals/users/bob")
	if err != nil || !ok {
		t.Fatalf("Unshare = %v, %v", ok, err)
	}
	if rows := f.rows(t); len(rows) != 0 {
		t.Errorf("expected no rows after direct unshare, got %+v", rows)
	}
}

func TestUnshare_GroupShareLeavesMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{{Href: "principal:principals/groups/staff"}}, nil); err != nil {
		t.Fatalf("UpdateShares: %v", err)
	}
	ok, err := f.backend.Unshare(ctx, cal, "principals/users/carol")
	if err != nil || !ok {
		t.Fatalf("Unshare = %v, %v", ok, err)
	}

	want := []sharing.Row{
		{PrincipalURI: "principals/groups/staff", Type: "calendar", Access: sharing.AccessRead, ResourceID: 7},
		{PrincipalURI: "principals/users/carol", Type: "calendar", Access: sharing.AccessUnshared, ResourceID: 7},
	}
	if diff := cmp.Diff(want, f.rows(t)); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	shares, err := f.backend.GetShares(ctx, cal.id)
	if err != nil {
		t.Fatalf("GetShares: %v", err)
	}
	if len(shares) != 1 || shares[0].Principal != "principals/groups/staff" {
		t.Errorf("marker leaked into shares: %+v", shares)
	}

	grants, unshared, err := f.backend.SharesForPrincipals(ctx, []string{"principals/users/carol", "principals/groups/staff"})
	if err != nil {
		t.Fatalf("SharesForPrincipals: %v", err)
	}
	if len(grants) != 1 || !unshared[7] {
		t.Errorf("grants = %+v, unshared = %v", grants, unshared)
	}

	// A direct re-share from the owner clears the opt-out.
	if err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{{Href: "principal:principals/users/carol"}}, nil); err != nil {
		t.Fatalf("UpdateShares: %v", err)
	}
	_, unshared, err = f.backend.SharesForPrincipals(ctx, []string{"principals/users/carol"})
	if err != nil {
		t.Fatalf("SharesForPrincipals: %v", err)
	}
	if unshared[7] {
		t.Error("re-share did not clear the opt-out marker")
	}
}

func TestUnshare_OwnerAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if ok, err := f.backend.Unshare(ctx, cal, "principals/users/alice"); err != nil || ok {
		t.Errorf("owner Unshare = %v, %v; want false, nil", ok, err)
	}
	if ok, err := f.backend.Unshare(ctx, cal, "urn:uuid:x"); err != nil || ok {
		t.Errorf("unknown Unshare = %v, %v; want false, nil", ok, err)
	}
}

func TestSharesForPrincipals_StrongestAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{
		{Href: "principal:principals/users/carol", ReadOnly: boolPtr(true)},
		{Href: "principal:principals/groups/staff", ReadOnly: boolPtr(false)},
	}, nil); err != nil {
		t.Fatalf("UpdateShares: %v", err)
	}

	grants, unshared, err := f.backend.SharesForPrincipals(ctx, []string{"principals/users/carol", "principals/groups/staff"})
	if err != nil {
		t.Fatalf("SharesForPrincipals: %v", err)
	}
	want := []sharing.Grant{{ResourceID: 7, Access: sharing.AccessReadWrite}}
	if diff := cmp.Diff(want, grants); diff != "" {
		t.Errorf("grants mismatch (-want +got):\n%s", diff)
	}
	if len(unshared) != 0 {
		t.Errorf("unexpected markers %v", unshared)
	}
}

func TestDeleteAllShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := calendar{id: 8, owner: "principals/users/alice"}
	for _, c := range []calendar{cal, other} {
		if err := f.backend.UpdateShares(ctx, c, []sharing.Sharee{{Href: "principal:principals/users/bob"}}, nil); err != nil {
			t.Fatalf("UpdateShares: %v", err)
		}
	}
	if err := f.backend.DeleteAllShares(ctx, cal.id); err != nil {
		t.Fatalf("DeleteAllShares: %v", err)
	}
	rows := f.rows(t)
	if len(rows) != 1 || rows[0].ResourceID != 8 {
		t.Errorf("unexpected rows %+v", rows)
	}
}

func TestDeleteAllSharesByUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.backend.UpdateShares(ctx, cal, []sharing.Sharee{
		{Href: "principal:principals/users/bob"},
		{Href: "principal:principals/users/carol"},
	}, nil); err != nil {
		t.Fatalf("UpdateShares: %v", err)
	}
	if _, err := f.backend.GetShares(ctx, cal.id); err != nil {
		t.Fatalf("GetShares: %v", err)
	}

	if err := f.backend.DeleteAllSharesByUser(ctx, "principals/bob"); err != nil {
		t.Fatalf("DeleteAllSharesByUser: %v", err)
	}
	shares, err := f.backend.GetShares(ctx, cal.id)
	if err != nil {
		t.Fatalf("GetShares: %v", err)
	}
	if len(shares) != 1 || shares[0].Principal != "principals/users/carol" {
		t.Errorf("unexpected shares %+v", shares)
	}
}
