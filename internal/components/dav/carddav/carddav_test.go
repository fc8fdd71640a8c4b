package carddav_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/carddav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/sharing"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/storage"
	"github.com/MahdiBaghbani/davshare-go/internal/components/identity"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/store/testutil"
)

func newBackend(t *testing.T) *carddav.Backend {
	t.Helper()
	models := append(identity.Models(), &sharing.Row{})
	models = append(models, carddav.Models()...)
	db := testutil.OpenDB(t, models...)

	users := identity.NewGormPartyRepo(db)
	for _, name := range []string{"alice", "bob"} {
		if err := users.Create(context.Background(), &identity.User{Username: name}); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	p := principals.NewBackend(users, identity.NewGormGroupRepo(db), nil, nil)
	shares := sharing.New(db, sharing.TypeAddressBook, p, nil, 0, nil)
	return carddav.NewBackend(db, shares, storage.New(t.TempDir(), storage.KindAddressBooks, nil), nil)
}

func TestEnsureDefault(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.EnsureDefault(ctx, "principals/users/alice"); err != nil {
			t.Fatalf("EnsureDefault: %v", err)
		}
	}
	books, err := b.AddressBooksForUser(ctx, "principals/users/alice")
	if err != nil {
		t.Fatalf("AddressBooksForUser: %v", err)
	}
	if len(books) != 1 || books[0].URI != carddav.DefaultURI {
		t.Errorf("unexpected books %+v", books)
	}
}

func TestCreateDuplicate(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	if err := b.CreateAddressBook(ctx, &carddav.AddressBook{PrincipalURI: "principals/users/alice", URI: "work"}); err != nil {
		t.Fatalf("CreateAddressBook: %v", err)
	}
	err := b.CreateAddressBook(ctx, &carddav.AddressBook{PrincipalURI: "principals/alice", URI: "work"})
	if !errors.Is(err, carddav.ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	n, err := b.AddressBooksForUserCount(ctx, "principals/users/alice")
	if err != nil || n != 1 {
		t.Errorf("AddressBooksForUserCount = %d, %v", n, err)
	}
}

func TestSharedAddressBooks(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	book := &carddav.AddressBook{PrincipalURI: "principals/users/alice", URI: "work"}
	if err := b.CreateAddressBook(ctx, book); err != nil {
		t.Fatalf("CreateAddressBook: %v", err)
	}
	readWrite := false
	if err := b.Shares().UpdateShares(ctx, book, []sharing.Sharee{{Href: "principal:principals/users/bob", ReadOnly: &readWrite}}, nil); err != nil {
		t.Fatalf("UpdateShares: %v", err)
	}

	got, err := b.GetSharedAddressBook(ctx, "principals/users/bob", nil, "work_shared_by_alice")
	if err != nil {
		t.Fatalf("GetSharedAddressBook: %v", err)
	}
	if got.ID != book.ID || got.ReadOnly {
		t.Errorf("unexpected shared book %+v", got)
	}

	entries, err := b.ACL(ctx, book)
	if err != nil {
		t.Fatalf("ACL: %v", err)
	}
	node := acl.Resource{OwnerPrincipal: book.PrincipalURI, Entries: entries}
	for _, e := range node.ACL() {
		if e.Privilege == acl.ReadFreeBusy {
			t.Errorf("address book ACL grants %s", acl.ReadFreeBusy)
		}
	}
	last := entries[len(entries)-1]
	if last.Principal != "principals/users/bob" || last.Privilege != acl.Write {
		t.Errorf("last ACE = %+v, want bob write", last)
	}

	if err := b.DeleteAddressBook(ctx, book.ID); err != nil {
		t.Fatalf("DeleteAddressBook: %v", err)
	}
	if _, err := b.GetSharedAddressBook(ctx, "principals/users/bob", nil, "work_shared_by_alice"); !errors.Is(err, carddav.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
