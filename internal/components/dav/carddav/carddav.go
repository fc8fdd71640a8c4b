// Package carddav stores address books and resolves the address books
// shared with a user.
package carddav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/sharing"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/store"
)

var (
	ErrNotFound = errors.New("address book not found")
	ErrExists   = errors.New("address book already exists")
)

// DefaultURI is the address book every user gets on first access.
const DefaultURI = "contacts"

// AddressBook is a row of the addressbooks table.
type AddressBook struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	PrincipalURI string    `json:"principaluri" gorm:"column:principaluri;size:255;not null;uniqueIndex:addressbook_index,priority:1"`
	URI          string    `json:"uri" gorm:"column:uri;size:255;not null;uniqueIndex:addressbook_index,priority:2"`
	DisplayName  string    `json:"displayname" gorm:"column:displayname"`
	Description  string    `json:"description" gorm:"column:description"`
	SyncToken    int64     `json:"synctoken" gorm:"column:synctoken;not null;default:1"`
	CreatedAt    time.Time `json:"created_at"`
}

func (AddressBook) TableName() string { return "addressbooks" }

func (a *AddressBook) ResourceID() int64 { return a.ID }

func (a *AddressBook) Owner() string { return a.PrincipalURI }

// Models lists the tables owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&AddressBook{}}
}

// Properties is a partial update. Nil fields are left untouched.
type Properties struct {
	DisplayName *string
	Description *string
}

// SharedAddressBook is an address book as seen from a sharee's home.
type SharedAddressBook struct {
	*AddressBook
	URI      string
	ReadOnly bool
}

// ObjectStore removes the stored vCards of an address book.
type ObjectStore interface {
	Remove(ctx context.Context, id int64) error
}

// Backend is the address book repository.
type Backend struct {
	db      *gorm.DB
	shares  *sharing.Backend
	objects ObjectStore
	log     *slog.Logger
}

func NewBackend(db *gorm.DB, shares *sharing.Backend, objects ObjectStore, log *slog.Logger) *Backend {
	return &Backend{
		db:      db,
		shares:  shares,
		objects: objects,
		log:     logutil.NoopIfNil(log).With("component", "carddav"),
	}
}

func (b *Backend) Shares() *sharing.Backend { return b.shares }

func (b *Backend) CreateAddressBook(ctx context.Context, book *AddressBook) error {
	book.PrincipalURI = principals.ToV2(book.PrincipalURI)
	if book.SyncToken == 0 {
		book.SyncToken = 1
	}
	if err := b.db.WithContext(ctx).Create(book).Error; err != nil {
		return mapError("create address book", err)
	}
	b.log.Info("address book created", "principal", book.PrincipalURI, "uri", book.URI, "addressbook_id", book.ID)
	return nil
}

func (b *Backend) GetAddressBook(ctx context.Context, principal, uri string) (*AddressBook, error) {
	var book AddressBook
	err := b.db.WithContext(ctx).
		Where("principaluri = ? AND uri = ?", principals.ToV2(principal), uri).
		First(&book).Error
	if err != nil {
		return nil, mapError("get address book", err)
	}
	return &book, nil
}

func (b *Backend) GetAddressBookByID(ctx context.Context, id int64) (*AddressBook, error) {
	var book AddressBook
	if err := b.db.WithContext(ctx).First(&book, id).Error; err != nil {
		return nil, mapError("get address book", err)
	}
	return &book, nil
}

// AddressBooksForUser returns the address books owned by principal.
func (b *Backend) AddressBooksForUser(ctx context.Context, principal string) ([]*AddressBook, error) {
	var books []*AddressBook
	err := b.db.WithContext(ctx).
		Where("principaluri = ?", principals.ToV2(principal)).
		Order("id").
		Find(&books).Error
	if err != nil {
		return nil, fmt.Errorf("list address books: %w", err)
	}
	return books, nil
}

// AddressBooksForUserCount counts owned address books only.
func (b *Backend) AddressBooksForUserCount(ctx context.Context, principal string) (int64, error) {
	var n int64
	err := b.db.WithContext(ctx).Model(&AddressBook{}).
		Where("principaluri = ?", principals.ToV2(principal)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count address books: %w", err)
	}
	return n, nil
}

// EnsureDefault creates the default address book of principal when the
// user has none.
func (b *Backend) EnsureDefault(ctx context.Context, principal string) error {
	n, err := b.AddressBooksForUserCount(ctx, principal)
	if err != nil || n > 0 {
		return err
	}
	err = b.CreateAddressBook(ctx, &AddressBook{PrincipalURI: principal, URI: DefaultURI, DisplayName: "Contacts"})
	if errors.Is(err, ErrExists) {
		return nil
	}
	return err
}

func (b *Backend) UpdateAddressBook(ctx context.Context, id int64, props Properties) error {
	updates := map[string]any{"synctoken": gorm.Expr("synctoken + 1")}
	if props.DisplayName != nil {
		updates["displayname"] = *props.DisplayName
	}
	if props.Description != nil {
		updates["description"] = *props.Description
	}
	res := b.db.WithContext(ctx).Model(&AddressBook{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update address book: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAddressBook removes an address book with its shares and vCards.
func (b *Backend) DeleteAddressBook(ctx context.Context, id int64) error {
	res := b.db.WithContext(ctx).Delete(&AddressBook{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete address book: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	if err := b.shares.DeleteAllShares(ctx, id); err != nil {
		return err
	}
	if b.objects != nil {
		if err := b.objects.Remove(ctx, id); err != nil {
			return err
		}
	}
	b.log.Info("address book deleted", "addressbook_id", id)
	return nil
}

// ACL returns owner entries followed by the entries granted by shares.
func (b *Backend) ACL(ctx context.Context, book *AddressBook) ([]acl.ACE, error) {
	shares, err := b.shares.GetShares(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	return b.shares.ApplyShareACL(shares, acl.CollectionACL(book.PrincipalURI, false)), nil
}

func (b *Backend) SharedAddressBooksForUser(ctx context.Context, principal string, groups []string) ([]*SharedAddressBook, error) {
	principal = principals.ToV2(principal)
	grants, unshared, err := b.shares.SharesForPrincipals(ctx, append([]string{principal}, groups...))
	if err != nil {
		return nil, err
	}

	var ids []int64
	access := make(map[int64]sharing.Access, len(grants))
	for _, g := range grants {
		if !unshared[g.ResourceID] {
			ids = append(ids, g.ResourceID)
			access[g.ResourceID] = g.Access
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var books []*AddressBook
	err = b.db.WithContext(ctx).
		Where("id IN ? AND principaluri <> ?", ids, principal).
		Order("id").
		Find(&books).Error
	if err != nil {
		return nil, fmt.Errorf("list shared address books: %w", err)
	}

	out := make([]*SharedAddressBook, 0, len(books))
	for _, book := range books {
		out = append(out, &SharedAddressBook{
			AddressBook: book,
			URI:         sharing.ViewURI(book.URI, book.PrincipalURI),
			ReadOnly:    access[book.ID] == sharing.AccessRead,
		})
	}
	return out, nil
}

func (b *Backend) GetSharedAddressBook(ctx context.Context, principal string, groups []string, view string) (*SharedAddressBook, error) {
	uri, ownerUID, ok := sharing.ParseViewURI(view)
	if !ok {
		return nil, ErrNotFound
	}
	shared, err := b.SharedAddressBooksForUser(ctx, principal, groups)
	if err != nil {
		return nil, err
	}
	for _, s := range shared {
		if s.AddressBook.URI == uri && s.PrincipalURI == principals.User(ownerUID) {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// DeletePrincipal removes the address books of principal and the shares
// it received.
func (b *Backend) DeletePrincipal(ctx context.Context, principal string) error {
	books, err := b.AddressBooksForUser(ctx, principal)
	if err != nil {
		return err
	}
	for _, book := range books {
		if err := b.DeleteAddressBook(ctx, book.ID); err != nil {
			return err
		}
	}
	return b.shares.DeleteAllSharesByUser(ctx, principal)
}

func mapError(op string, err error) error {
	switch err = store.MapError(err); {
	case errors.Is(err, store.ErrAlreadyExists):
		return ErrExists
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
