// Package caldav stores calendars and calendar subscriptions and resolves
// the calendars shared with a user.
package caldav

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
	ErrNotFound = errors.New("calendar not found")
	ErrExists   = errors.New("calendar already exists")
)

const (
	// DefaultComponents is the component set of calendars created without one.
	DefaultComponents = "VEVENT,VTODO"

	// DefaultURI is the calendar every user gets on first access.
	DefaultURI = "personal"
)

// Calendar is a row of the calendars table.
type Calendar struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	PrincipalURI string    `json:"principaluri" gorm:"column:principaluri;size:255;not null;uniqueIndex:calendars_index,priority:1"`
	URI          string    `json:"uri" gorm:"column:uri;size:255;not null;uniqueIndex:calendars_index,priority:2"`
	DisplayName  string    `json:"displayname" gorm:"column:displayname"`
	Description  string    `json:"description" gorm:"column:description"`
	Color        string    `json:"calendarcolor" gorm:"column:calendarcolor"`
	Order        int       `json:"calendarorder" gorm:"column:calendarorder"`
	Components   string    `json:"components" gorm:"column:components"`
	SyncToken    int64     `json:"synctoken" gorm:"column:synctoken;not null;default:1"`
	CreatedAt    time.Time `json:"created_at"`
}

func (Calendar) TableName() string { return "calendars" }

// ResourceID implements sharing.Shareable.
func (c *Calendar) ResourceID() int64 { return c.ID }

// Owner implements sharing.Shareable.
func (c *Calendar) Owner() string { return c.PrincipalURI }

// Subscription is a row of the calendarsubscriptions table.
type Subscription struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	PrincipalURI string    `json:"principaluri" gorm:"column:principaluri;size:255;not null;uniqueIndex:calsub_index,priority:1"`
	URI          string    `json:"uri" gorm:"column:uri;size:255;not null;uniqueIndex:calsub_index,priority:2"`
	Source       string    `json:"source" gorm:"column:source;not null"`
	DisplayName  string    `json:"displayname" gorm:"column:displayname"`
	Color        string    `json:"calendarcolor" gorm:"column:calendarcolor"`
	RefreshRate  string    `json:"refreshrate" gorm:"column:refreshrate"`
	CreatedAt    time.Time `json:"created_at"`
}

func (Subscription) TableName() string { return "calendarsubscriptions" }

// Models lists the tables owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&Calendar{}, &Subscription{}}
}

// Properties is a partial update of a collection's display properties.
// Nil fields are left untouched.
type Properties struct {
	DisplayName *string
	Description *string
	Color       *string
	Order       *int
}

// SharedCalendar is a calendar as seen from a sharee's home.
type SharedCalendar struct {
	*Calendar
	// URI is the name of the view in the sharee's home.
	URI      string
	ReadOnly bool
}

// ObjectStore removes the stored objects of a collection.
type ObjectStore interface {
	Remove(ctx context.Context, id int64) error
}

// Backend is the calendar repository.
type Backend struct {
	db      *gorm.DB
	shares  *sharing.Backend
	objects ObjectStore
	log     *slog.Logger
}

// NewBackend creates a calendar backend. objects may be nil.
func NewBackend(db *gorm.DB, shares *sharing.Backend, objects ObjectStore, log *slog.Logger) *Backend {
	return &Backend{
		db:      db,
		shares:  shares,
		objects: objects,
		log:     logutil.NoopIfNil(log).With("component", "caldav"),
	}
}

// Shares returns the sharing backend for calendars.
func (b *Backend) Shares() *sharing.Backend { return b.shares }

// CreateCalendar stores a new calendar. Returns ErrExists when the owner
// already has a calendar or subscription with that uri.
func (b *Backend) CreateCalendar(ctx context.Context, cal *Calendar) error {
	cal.PrincipalURI = principals.ToV2(cal.PrincipalURI)
	if cal.Components == "" {
		cal.Components = DefaultComponents
	}
	if cal.SyncToken == 0 {
		cal.SyncToken = 1
	}

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := b.subscriptionExists(tx, cal.PrincipalURI, cal.URI)
		if err != nil {
			return err
		}
		if taken {
			return ErrExists
		}
		return tx.Create(cal).Error
	})
	if err != nil {
		return mapError("create calendar", err)
	}
	b.log.Info("calendar created", "principal", cal.PrincipalURI, "uri", cal.URI, "calendar_id", cal.ID)
	return nil
}

// GetCalendar returns the calendar uri owned by principal.
func (b *Backend) GetCalendar(ctx context.Context, principal, uri string) (*Calendar, error) {
	var cal Calendar
	err := b.db.WithContext(ctx).
		Where("principaluri = ? AND uri = ?", principals.ToV2(principal), uri).
		First(&cal).Error
	if err != nil {
		return nil, mapError("get calendar", err)
	}
	return &cal, nil
}

// GetCalendarByID returns a calendar by id.
func (b *Backend) GetCalendarByID(ctx context.Context, id int64) (*Calendar, error) {
	var cal Calendar
	if err := b.db.WithContext(ctx).First(&cal, id).Error; err != nil {
		return nil, mapError("get calendar", err)
	}
	return &cal, nil
}

// CalendarsForUser returns the calendars owned by principal.
func (b *Backend) CalendarsForUser(ctx context.Context, principal string) ([]*Calendar, error) {
	var cals []*Calendar
	err := b.db.WithContext(ctx).
		Where("principaluri = ?", principals.ToV2(principal)).
		Order("calendarorder, id").
		Find(&cals).Error
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	return cals, nil
}

// CalendarsForUserCount counts the calendars owned by principal. Shared
// calendars are not included.
func (b *Backend) CalendarsForUserCount(ctx context.Context, principal string) (int64, error) {
	var n int64
	err := b.db.WithContext(ctx).Model(&Calendar{}).
		Where("principaluri = ?", principals.ToV2(principal)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count calendars: %w", err)
	}
	return n, nil
}

// EnsureDefault creates the default calendar of principal when the user
// owns no calendar yet.
func (b *Backend) EnsureDefault(ctx context.Context, principal string) error {
	n, err := b.CalendarsForUserCount(ctx, principal)
	if err != nil || n > 0 {
		return err
	}
	err = b.CreateCalendar(ctx, &Calendar{PrincipalURI: principal, URI: DefaultURI, DisplayName: "Personal"})
	if errors.Is(err, ErrExists) {
		return nil
	}
	return err
}

// UpdateCalendar applies props and bumps the sync token.
func (b *Backend) UpdateCalendar(ctx context.Context, id int64, props Properties) error {
	updates := map[string]any{"synctoken": gorm.Expr("synctoken + 1")}
	if props.DisplayName != nil {
		updates["displayname"] = *props.DisplayName
	}
	if props.Description != nil {
		updates["description"] = *props.Description
	}
	if props.Color != nil {
		updates["calendarcolor"] = *props.Color
	}
	if props.Order != nil {
		updates["calendarorder"] = *props.Order
	}

	res := b.db.WithContext(ctx).Model(&Calendar{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update calendar: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCalendar removes a calendar together with its shares and objects.
func (b *Backend) DeleteCalendar(ctx context.Context, id int64) error {
	res := b.db.WithContext(ctx).Delete(&Calendar{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete calendar: %w", res.Error)
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
	b.log.Info("calendar deleted", "calendar_id", id)
	return nil
}

// ACL returns the ACL of a calendar: owner entries followed by the entries
// its shares grant.
func (b *Backend) ACL(ctx context.Context, cal *Calendar) ([]acl.ACE, error) {
	shares, err := b.shares.GetShares(ctx, cal.ID)
	if err != nil {
		return nil, err
	}
	return b.shares.ApplyShareACL(shares, acl.CollectionACL(cal.PrincipalURI, true)), nil
}

// SharedCalendarsForUser returns the calendars shared with principal
// directly or through groups, minus those the user opted out of.
func (b *Backend) SharedCalendarsForUser(ctx context.Context, principal string, groups []string) ([]*SharedCalendar, error) {
	principal = principals.ToV2(principal)
	grants, unshared, err := b.shares.SharesForPrincipals(ctx, append([]string{principal}, groups...))
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(grants))
	access := make(map[int64]sharing.Access, len(grants))
	for _, g := range grants {
		if unshared[g.ResourceID] {
			continue
		}
		ids = append(ids, g.ResourceID)
		access[g.ResourceID] = g.Access
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var cals []*Calendar
	err = b.db.WithContext(ctx).
		Where("id IN ? AND principaluri <> ?", ids, principal).
		Order("id").
		Find(&cals).Error
	if err != nil {
		return nil, fmt.Errorf("list shared calendars: %w", err)
	}

	out := make([]*SharedCalendar, 0, len(cals))
	for _, c := range cals {
		out = append(out, &SharedCalendar{
			Calendar: c,
			URI:      sharing.ViewURI(c.URI, c.PrincipalURI),
			ReadOnly: access[c.ID] == sharing.AccessRead,
		})
	}
	return out, nil
}

// GetSharedCalendar resolves a view name from principal's home.
func (b *Backend) GetSharedCalendar(ctx context.Context, principal string, groups []string, view string) (*SharedCalendar, error) {
	uri, ownerUID, ok := sharing.ParseViewURI(view)
	if !ok {
		return nil, ErrNotFound
	}
	shared, err := b.SharedCalendarsForUser(ctx, principal, groups)
	if err != nil {
		return nil, err
	}
	owner := principals.User(ownerUID)
	for _, s := range shared {
		if s.Calendar.URI == uri && s.PrincipalURI == owner {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// CreateSubscription stores a new subscription. Calendars and
// subscriptions of one owner share a namespace.
func (b *Backend) CreateSubscription(ctx context.Context, sub *Subscription) error {
	sub.PrincipalURI = principals.ToV2(sub.PrincipalURI)
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Calendar{}).
			Where("principaluri = ? AND uri = ?", sub.PrincipalURI, sub.URI).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		return tx.Create(sub).Error
	})
	if err != nil {
		return mapError("create subscription", err)
	}
	b.log.Info("subscription created", "principal", sub.PrincipalURI, "uri", sub.URI)
	return nil
}

// GetSubscription returns the subscription uri owned by principal.
func (b *Backend) GetSubscription(ctx context.Context, principal, uri string) (*Subscription, error) {
	var sub Subscription
	err := b.db.WithContext(ctx).
		Where("principaluri = ? AND uri = ?", principals.ToV2(principal), uri).
		First(&sub).Error
	if err != nil {
		return nil, mapError("get subscription", err)
	}
	return &sub, nil
}

// SubscriptionsForUser returns the subscriptions of principal.
func (b *Backend) SubscriptionsForUser(ctx context.Context, principal string) ([]*Subscription, error) {
	var subs []*Subscription
	err := b.db.WithContext(ctx).
		Where("principaluri = ?", principals.ToV2(principal)).
		Order("id").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// SubscriptionsForUserCount counts the subscriptions of principal.
func (b *Backend) SubscriptionsForUserCount(ctx context.Context, principal string) (int64, error) {
	var n int64
	err := b.db.WithContext(ctx).Model(&Subscription{}).
		Where("principaluri = ?", principals.ToV2(principal)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

// UpdateSubscription applies the display name and color of props.
func (b *Backend) UpdateSubscription(ctx context.Context, id int64, props Properties) error {
	updates := map[string]any{}
	if props.DisplayName != nil {
		updates["displayname"] = *props.DisplayName
	}
	if props.Color != nil {
		updates["calendarcolor"] = *props.Color
	}
	if len(updates) == 0 {
		return nil
	}
	res := b.db.WithContext(ctx).Model(&Subscription{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription.
func (b *Backend) DeleteSubscription(ctx context.Context, id int64) error {
	res := b.db.WithContext(ctx).Delete(&Subscription{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePrincipal removes everything a principal owns, and the shares it
// received.
func (b *Backend) DeletePrincipal(ctx context.Context, principal string) error {
	cals, err := b.CalendarsForUser(ctx, principal)
	if err != nil {
		return err
	}
	for _, c := range cals {
		if err := b.DeleteCalendar(ctx, c.ID); err != nil {
			return err
		}
	}
	if err := b.db.WithContext(ctx).
		Where("principaluri = ?", principals.ToV2(principal)).
		Delete(&Subscription{}).Error; err != nil {
		return fmt.Errorf("delete subscriptions: %w", err)
	}
	return b.shares.DeleteAllSharesByUser(ctx, principal)
}

func (b *Backend) subscriptionExists(tx *gorm.DB, principal, uri string) (bool, error) {
	var n int64
	err := tx.Model(&Subscription{}).
		Where("principaluri = ? AND uri = ?", principal, uri).
		Count(&n).Error
	return n > 0, err
}

func mapError(op string, err error) error {
	switch err = store.MapError(err); {
	case errors.Is(err, ErrExists), errors.Is(err, store.ErrAlreadyExists):
		return ErrExists
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
