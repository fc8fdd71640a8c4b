package identity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MahdiBaghbani/davshare-go/internal/components/identity"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/store/testutil"
)

func newRepos(t *testing.T) (*identity.GormPartyRepo, *identity.GormGroupRepo) {
	t.Helper()
	db := testutil.OpenDB(t, identity.Models()...)
	return identity.NewGormPartyRepo(db), identity.NewGormGroupRepo(db)
}

func TestGormPartyRepo_CRUD(t *testing.T) {
	repo, _ := newRepos(t)
	ctx := context.Background()

	user := &identity.User{
		Username:     "alice",
		Email:        " Alice@Example.com ",
		DisplayName:  "Alice Smith",
		PasswordHash: "hashed",
	}

	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if user.ID == "" {
		t.Error("ID should be assigned on create")
	}
	if user.Role != identity.RoleUser {
		t.Errorf("expected default role user, got %q", user.Role)
	}

	got, err := repo.Get(ctx, user.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("expected username 'alice', got %q", got.Username)
	}

	got, err = repo.GetByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("GetByEmail failed: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("ID mismatch")
	}

	user.DisplayName = "Alice Updated"
	if err := repo.Update(ctx, user); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = repo.GetByUsername(ctx, "alice")
	if got.DisplayName != "Alice Updated" {
		t.Errorf("expected updated display name, got %q", got.DisplayName)
	}

	users, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("expected 1 user, got %d", len(users))
	}

	if err := repo.Delete(ctx, user.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.Get(ctx, user.ID); !errors.Is(err, identity.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound after delete, got %v", err)
	}
}

func TestGormPartyRepo_Duplicates(t *testing.T) {
	repo, _ := newRepos(t)
	ctx := context.Background()

	if err := repo.Create(ctx, &identity.User{Username: "alice", Email: "a@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, &identity.User{Username: "alice"}); !errors.Is(err, identity.ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
	if err := repo.Create(ctx, &identity.User{Username: "bob", Email: "A@example.com"}); !errors.Is(err, identity.ErrEmailExists) {
		t.Errorf("expected ErrEmailExists, got %v", err)
	}
	// Empty emails never collide.
	if err := repo.Create(ctx, &identity.User{Username: "carol"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, &identity.User{Username: "dave"}); err != nil {
		t.Errorf("second user without email should be allowed: %v", err)
	}
	if _, err := repo.GetByEmail(ctx, ""); !errors.Is(err, identity.ErrUserNotFound) {
		t.Errorf("empty email lookup should be not found, got %v", err)
	}
}

func TestGormGroupRepo_Membership(t *testing.T) {
	users, groups := newRepos(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob"} {
		if err := users.Create(ctx, &identity.User{Username: name}); err != nil {
			t.Fatal(err)
		}
	}
	for _, gid := range []string{"staff", "admins"} {
		if err := groups.CreateGroup(ctx, &identity.Group{GID: gid}); err != nil {
			t.Fatal(err)
		}
	}
	if err := groups.CreateGroup(ctx, &identity.Group{GID: "staff"}); !errors.Is(err, identity.ErrGroupExists) {
		t.Errorf("expected ErrGroupExists, got %v", err)
	}

	groups.AddMember(ctx, "staff", "alice")
	groups.AddMember(ctx, "admins", "alice")
	groups.AddMember(ctx, "staff", "bob")
	// Adding twice is a no-op.
	if err := groups.AddMember(ctx, "staff", "alice"); err != nil {
		t.Errorf("duplicate AddMember should succeed: %v", err)
	}
	if err := groups.AddMember(ctx, "staff", "nobody"); !errors.Is(err, identity.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if err := groups.AddMember(ctx, "ghosts", "alice"); !errors.Is(err, identity.ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}

	gids, err := groups.GroupsForUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(gids) != 2 || gids[0] != "admins" || gids[1] != "staff" {
		t.Errorf("expected [admins staff], got %v", gids)
	}

	members, _ := groups.Members(ctx, "staff")
	if len(members) != 2 {
		t.Errorf("expected 2 staff members, got %v", members)
	}

	groups.RemoveMember(ctx, "staff", "bob")
	members, _ = groups.Members(ctx, "staff")
	if len(members) != 1 || members[0] != "alice" {
		t.Errorf("expected [alice], got %v", members)
	}

	if err := groups.DeleteGroup(ctx, "admins"); err != nil {
		t.Fatal(err)
	}
	gids, _ = groups.GroupsForUser(ctx, "alice")
	if len(gids) != 1 {
		t.Errorf("memberships of deleted group should be gone, got %v", gids)
	}
	if err := groups.DeleteGroup(ctx, "admins"); !errors.Is(err, identity.ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestGormPartyRepo_DeleteDropsMemberships(t *testing.T) {
	users, groups := newRepos(t)
	ctx := context.Background()

	u := &identity.User{Username: "alice"}
	users.Create(ctx, u)
	groups.CreateGroup(ctx, &identity.Group{GID: "staff"})
	groups.AddMember(ctx, "staff", "alice")

	if err := users.Delete(ctx, u.ID); err != nil {
		t.Fatal(err)
	}
	members, _ := groups.Members(ctx, "staff")
	if len(members) != 0 {
		t.Errorf("expected no members after user delete, got %v", members)
	}
}

func TestGormPartyRepo_RenameMovesMemberships(t *testing.T) {
	users, groups := newRepos(t)
	ctx := context.Background()

	u := &identity.User{Username: "alice"}
	users.Create(ctx, u)
	groups.CreateGroup(ctx, &identity.Group{GID: "staff"})
	groups.AddMember(ctx, "staff", "alice")

	u.Username = "alicia"
	if err := users.Update(ctx, u); err != nil {
		t.Fatal(err)
	}
	gids, _ := groups.GroupsForUser(ctx, "alicia")
	if len(gids) != 1 || gids[0] != "staff" {
		t.Errorf("membership should follow rename, got %v", gids)
	}
}

func TestUUIDv7(t *testing.T) {
	a := identity.UUIDv7()
	b := identity.UUIDv7()
	if a == b {
		t.Error("UUIDs should be unique")
	}
	if len(a) != 36 || a[14] != '7' {
		t.Errorf("expected version 7 UUID, got %q", a)
	}
}
