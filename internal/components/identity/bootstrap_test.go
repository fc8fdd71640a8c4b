package identity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MahdiBaghbani/davshare-go/internal/components/identity"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

func TestBootstrap_Run(t *testing.T) {
	repo, groups := newRepos(t)
	auth := identity.NewUserAuthFast()
	bootstrap := identity.NewBootstrap(repo, groups, auth, logutil.Noop())
	ctx := context.Background()

	seeded := []identity.SeededUser{
		{Username: "alice", Password: "alicepass", Groups: []string{"staff"}},
		{Username: "bob", Password: "bobpass", Role: identity.RoleAdmin, Groups: []string{"staff"}},
	}

	count, err := bootstrap.Run(ctx, seeded)
	if err != nil {
		t.Fatalf("Bootstrap.Run failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 users created, got %d", count)
	}

	user, err := repo.GetByUsername(ctx, "bob")
	if err != nil {
		t.Fatalf("bob not found: %v", err)
	}
	if !user.IsAdmin() {
		t.Errorf("expected role admin, got %q", user.Role)
	}
	members, _ := groups.Members(ctx, "staff")
	if len(members) != 2 {
		t.Errorf("expected 2 staff members, got %v", members)
	}

	count, err = bootstrap.Run(ctx, seeded)
	if err != nil {
		t.Fatalf("Bootstrap.Run (second) failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 users created on second run, got %d", count)
	}
}

func TestBootstrap_EnsureSuperAdmin(t *testing.T) {
	repo, groups := newRepos(t)
	auth := identity.NewUserAuthFast()
	bootstrap := identity.NewBootstrap(repo, groups, auth, nil)
	ctx := context.Background()

	if err := bootstrap.EnsureSuperAdmin(ctx, "superadmin", "secret123", true); err != nil {
		t.Fatalf("EnsureSuperAdmin failed: %v", err)
	}

	user, err := repo.GetByUsername(ctx, "superadmin")
	if err != nil {
		t.Fatalf("super admin not found: %v", err)
	}
	if !user.IsSuperAdmin() {
		t.Errorf("expected role 'super_admin', got %q", user.Role)
	}

	// Second call is idempotent but rotates the password.
	if err := bootstrap.EnsureSuperAdmin(ctx, "different", "rotated", true); err != nil {
		t.Fatalf("EnsureSuperAdmin (second) failed: %v", err)
	}
	if _, err := repo.GetByUsername(ctx, "different"); !errors.Is(err, identity.ErrUserNotFound) {
		t.Error("expected no 'different' user to be created")
	}
	if _, err := auth.Authenticate(ctx, repo, "superadmin", "rotated"); err != nil {
		t.Errorf("expected rotated password to work: %v", err)
	}
}

func TestBootstrap_EnsureSuperAdmin_AutoGenPassword(t *testing.T) {
	repo, groups := newRepos(t)
	bootstrap := identity.NewBootstrap(repo, groups, identity.NewUserAuthFast(), nil)
	ctx := context.Background()

	if err := bootstrap.EnsureSuperAdmin(ctx, "", "", false); err != nil {
		t.Fatalf("EnsureSuperAdmin failed: %v", err)
	}
	user, err := repo.GetByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("super admin not found: %v", err)
	}
	if user.PasswordHash == "" {
		t.Error("password hash should be set")
	}
}

func TestSuperAdmin_Protected(t *testing.T) {
	repo, groups := newRepos(t)
	bootstrap := identity.NewBootstrap(repo, groups, identity.NewUserAuthFast(), nil)
	ctx := context.Background()

	if err := bootstrap.EnsureSuperAdmin(ctx, "superadmin", "secret", true); err != nil {
		t.Fatal(err)
	}
	user, _ := repo.GetByUsername(ctx, "superadmin")

	if err := repo.Delete(ctx, user.ID); !errors.Is(err, identity.ErrSuperAdminProtected) {
		t.Errorf("expected ErrSuperAdminProtected, got %v", err)
	}

	user.Role = identity.RoleUser
	if err := repo.Update(ctx, user); !errors.Is(err, identity.ErrSuperAdminRoleChange) {
		t.Errorf("expected ErrSuperAdminRoleChange, got %v", err)
	}
}
