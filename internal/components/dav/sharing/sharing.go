// Package sharing stores calendar and address book shares in the dav_shares
// table and turns them into ACL entries.
package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/cache"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

// Access is the access level stored on a share row.
type Access int

const (
	AccessOwner     Access = 1
	AccessReadWrite Access = 2
	AccessRead      Access = 3
	// AccessUnshared marks a sharee that removed a group share from its own
	// view. It never grants anything.
	AccessUnshared Access = 5
)

// Resource types.
const (
	TypeCalendar    = "calendar"
	TypeAddressBook = "addressbook"
)

// StatusAccepted is the only invite status; shares need no acceptance.
const StatusAccepted = 1

// Row is a record of the dav_shares table.
type Row struct {
	ID           int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	PrincipalURI string `json:"principaluri" gorm:"column:principaluri;size:255;not null;uniqueIndex:dav_shares_index,priority:3;index:dav_shares_principal"`
	Type         string `json:"type" gorm:"column:type;size:255;not null;uniqueIndex:dav_shares_index,priority:2"`
	Access       Access `json:"access" gorm:"column:access;not null"`
	ResourceID   int64  `json:"resourceid" gorm:"column:resourceid;not null;uniqueIndex:dav_shares_index,priority:1"`
}

func (Row) TableName() string { return "dav_shares" }

// Sharee is one entry of a share request. A nil ReadOnly means read-only.
type Sharee struct {
	Href       string
	CommonName string
	Summary    string
	ReadOnly   *bool
}

// Share is a share as exposed through oc:invite and the admin API.
type Share struct {
	Href       string `json:"href"`
	CommonName string `json:"commonName"`
	Status     int    `json:"status"`
	ReadOnly   bool   `json:"readOnly"`
	Principal  string `json:"principal"`
	GroupShare bool   `json:"groupShare"`
}

// Grant is the effective access a set of principals holds on a resource.
type Grant struct {
	ResourceID int64
	Access     Access
}

// Shareable is a calendar or address book that can be shared.
type Shareable interface {
	ResourceID() int64
	// Owner returns the owner principal URI.
	Owner() string
}

// PrincipalBackend is the part of the principal backend sharing relies on.
type PrincipalBackend interface {
	FindByURI(ctx context.Context, href string) (string, error)
	GetPrincipalByPath(ctx context.Context, uri string) (*principals.Principal, error)
	GetGroupMembership(ctx context.Context, uri string) ([]string, error)
}

// Backend manages shares of one resource type.
type Backend struct {
	db           *gorm.DB
	resourceType string
	principals   PrincipalBackend
	cache        cache.Cache
	ttl          time.Duration
	log          *slog.Logger
}

// New creates a sharing backend for resourceType. c may be nil, in which
// case share lists are read from the database on every call.
func New(db *gorm.DB, resourceType string, p PrincipalBackend, c cache.Cache, ttl time.Duration, log *slog.Logger) *Backend {
	if ttl <= 0 {
		ttl = cache.TTLShares
	}
	return &Backend{
		db:           db,
		resourceType: resourceType,
		principals:   p,
		cache:        c,
		ttl:          ttl,
		log:          logutil.NoopIfNil(log).With("component", "sharing", "type", resourceType),
	}
}

// ResourceType returns calendar or addressbook.
func (b *Backend) ResourceType() string { return b.resourceType }

// UpdateShares adds and removes sharees of a resource. Sharees that do not
// resolve to an existing user or group, and the owner itself, are skipped.
// Adding an existing sharee replaces its access.
func (b *Backend) UpdateShares(ctx context.Context, s Shareable, add []Sharee, remove []string) error {
	owner := principals.ToV2(s.Owner())

	var toAdd []Row
	for _, sharee := range add {
		uri, ok, err := b.resolveSharee(ctx, sharee.Href, owner)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		access := AccessRead
		if sharee.ReadOnly != nil && !*sharee.ReadOnly {
			access = AccessReadWrite
		}
		toAdd = append(toAdd, Row{
			PrincipalURI: uri,
			Type:         b.resourceType,
			Access:       access,
			ResourceID:   s.ResourceID(),
		})
	}

	var toRemove []string
	for _, href := range remove {
		uri, err := b.principals.FindByURI(ctx, href)
		if err != nil {
			return fmt.Errorf("resolve sharee %q: %w", href, err)
		}
		if uri == "" || strings.EqualFold(uri, owner) {
			continue
		}
		toRemove = append(toRemove, uri)
	}

	if len(toAdd) == 0 && len(toRemove) == 0 {
		return nil
	}

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range toAdd {
			row := &toAdd[i]
			if err := b.scope(tx, row.ResourceID).
				Where("principaluri = ?", row.PrincipalURI).
				Delete(&Row{}).Error; err != nil {
				return err
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		for _, uri := range toRemove {
			if err := b.scope(tx, s.ResourceID()).
				Where("principaluri = ? AND access <> ?", uri, AccessUnshared).
				Delete(&Row{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update shares of %s %d: %w", b.resourceType, s.ResourceID(), err)
	}

	b.log.Debug("shares updated", "resource_id", s.ResourceID(), "added", len(toAdd), "removed", len(toRemove))
	b.invalidate(ctx, s.ResourceID())
	return nil
}

// resolveSharee returns the principal URI a sharee href refers to and
// whether it may receive a share.
func (b *Backend) resolveSharee(ctx context.Context, href, owner string) (string, bool, error) {
	uri, err := b.principals.FindByURI(ctx, href)
	if err != nil {
		return "", false, fmt.Errorf("resolve sharee %q: %w", href, err)
	}
	if uri == "" {
		return "", false, nil
	}
	if !principals.IsUser(uri) && !principals.IsGroup(uri) {
		b.log.Debug("sharee is not a user or group principal", "principal", uri)
		return "", false, nil
	}
	if strings.EqualFold(uri, owner) {
		return "", false, nil
	}
	p, err := b.principals.GetPrincipalByPath(ctx, uri)
	if errors.Is(err, principals.ErrNotFound) {
		b.log.Debug("sharee does not exist", "principal", uri)
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup sharee %s: %w", uri, err)
	}
	return p.URI, true, nil
}

// GetShares returns the shares of a resource, opt-out markers excluded.
func (b *Backend) GetShares(ctx context.Context, resourceID int64) ([]Share, error) {
	if shares, ok := b.cached(ctx, resourceID); ok {
		return shares, nil
	}

	var rows []Row
	err := b.scope(b.db.WithContext(ctx), resourceID).
		Where("access <> ?", AccessUnshared).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get shares of %s %d: %w", b.resourceType, resourceID, err)
	}

	shares := b.toShares(ctx, rows)
	b.store(ctx, resourceID, shares)
	return shares, nil
}

// PreloadShares loads the shares of several resources with a single query
// and primes the cache, so that following GetShares calls are served from
// it. A no-op without a cache.
func (b *Backend) PreloadShares(ctx context.Context, resourceIDs []int64) error {
	if b.cache == nil || len(resourceIDs) == 0 {
		return nil
	}

	var missing []int64
	for _, id := range resourceIDs {
		if _, ok := b.cached(ctx, id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var rows []Row
	err := b.db.WithContext(ctx).
		Where("type = ? AND resourceid IN ? AND access <> ?", b.resourceType, missing, AccessUnshared).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("preload shares: %w", err)
	}

	byResource := make(map[int64][]Row, len(missing))
	for _, r := range rows {
		byResource[r.ResourceID] = append(byResource[r.ResourceID], r)
	}
	for _, id := range missing {
		b.store(ctx, id, b.toShares(ctx, byResource[id]))
	}
	return nil
}

// ApplyShareACL appends the entries granted by shares to list. Every sharee
// gets read. Read-write sharees also get write, read-only sharees get
// write-properties so they can adjust their own display properties.
func (b *Backend) ApplyShareACL(shares []Share, list []acl.ACE) []acl.ACE {
	for _, s := range shares {
		list = append(list, acl.ACE{Principal: s.Principal, Privilege: acl.Read, Protected: true})
		if !s.ReadOnly {
			list = append(list, acl.ACE{Principal: s.Principal, Privilege: acl.Write, Protected: true})
		} else {
			list = append(list, acl.ACE{Principal: s.Principal, Privilege: acl.WriteProperties, Protected: true})
		}
	}
	return list
}

// Unshare removes a resource from the view of a sharee. The direct share is
// deleted. When the sharee still has access through one of its groups, an
// opt-out marker is stored instead. Returns false when the principal does
// not resolve or owns the resource.
func (b *Backend) Unshare(ctx context.Context, s Shareable, principal string) (bool, error) {
	uri, err := b.principals.FindByURI(ctx, principal)
	if err != nil {
		return false, fmt.Errorf("resolve principal %q: %w", principal, err)
	}
	if uri == "" || strings.EqualFold(uri, principals.ToV2(s.Owner())) {
		return false, nil
	}

	groups, err := b.principals.GetGroupMembership(ctx, uri)
	if err != nil {
		return false, err
	}

	id := s.ResourceID()
	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := b.scope(tx, id).Where("principaluri = ?", uri).Delete(&Row{}).Error; err != nil {
			return err
		}
		if len(groups) == 0 {
			return nil
		}
		var viaGroup int64
		if err := b.scope(tx.Model(&Row{}), id).
			Where("principaluri IN ? AND access <> ?", groups, AccessUnshared).
			Count(&viaGroup).Error; err != nil {
			return err
		}
		if viaGroup == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resourceid"}, {Name: "type"}, {Name: "principaluri"}},
			DoUpdates: clause.AssignmentColumns([]string{"access"}),
		}).Create(&Row{PrincipalURI: uri, Type: b.resourceType, Access: AccessUnshared, ResourceID: id}).Error
	})
	if err != nil {
		return false, fmt.Errorf("unshare %s %d for %s: %w", b.resourceType, id, uri, err)
	}

	b.log.Debug("resource unshared", "resource_id", id, "principal", uri)
	b.invalidate(ctx, id)
	return true, nil
}

// DeleteAllShares removes every row of a resource, markers included.
func (b *Backend) DeleteAllShares(ctx context.Context, resourceID int64) error {
	if err := b.scope(b.db.WithContext(ctx), resourceID).Delete(&Row{}).Error; err != nil {
		return fmt.Errorf("delete shares of %s %d: %w", b.resourceType, resourceID, err)
	}
	b.invalidate(ctx, resourceID)
	return nil
}

// DeleteAllSharesByUser removes every row naming principal as sharee.
func (b *Backend) DeleteAllSharesByUser(ctx context.Context, principal string) error {
	principal = principals.ToV2(principal)

	var ids []int64
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Row{}).
			Where("type = ? AND principaluri = ?", b.resourceType, principal).
			Distinct().Pluck("resourceid", &ids).Error; err != nil {
			return err
		}
		return tx.Where("type = ? AND principaluri = ?", b.resourceType, principal).Delete(&Row{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete %s shares of %s: %w", b.resourceType, principal, err)
	}
	for _, id := range ids {
		b.invalidate(ctx, id)
	}
	return nil
}

// SharesForPrincipals returns the resources shared with any of uris, one
// grant per resource carrying the strongest access. Resources with an
// opt-out marker for one of uris are reported in unshared; the grants still
// include them.
func (b *Backend) SharesForPrincipals(ctx context.Context, uris []string) (grants []Grant, unshared map[int64]bool, err error) {
	unshared = make(map[int64]bool)
	if len(uris) == 0 {
		return nil, unshared, nil
	}

	var rows []Row
	err = b.db.WithContext(ctx).
		Where("type = ? AND principaluri IN ?", b.resourceType, uris).
		Find(&rows).Error
	if err != nil {
		return nil, nil, fmt.Errorf("shares for principals: %w", err)
	}

	best := make(map[int64]Access)
	for _, r := range rows {
		if r.Access == AccessUnshared {
			unshared[r.ResourceID] = true
			continue
		}
		// Lower values grant more.
		if cur, ok := best[r.ResourceID]; !ok || r.Access < cur {
			best[r.ResourceID] = r.Access
		}
	}

	grants = make([]Grant, 0, len(best))
	for id, access := range best {
		grants = append(grants, Grant{ResourceID: id, Access: access})
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].ResourceID < grants[j].ResourceID })
	return grants, unshared, nil
}

func (b *Backend) scope(tx *gorm.DB, resourceID int64) *gorm.DB {
	return tx.Where("resourceid = ? AND type = ?", resourceID, b.resourceType)
}

func (b *Backend) toShares(ctx context.Context, rows []Row) []Share {
	shares := make([]Share, 0, len(rows))
	for _, r := range rows {
		var commonName string
		p, err := b.principals.GetPrincipalByPath(ctx, r.PrincipalURI)
		switch {
		case err == nil:
			commonName = p.DisplayName
		case !errors.Is(err, principals.ErrNotFound):
			b.log.Warn("sharee lookup failed", "principal", r.PrincipalURI, "error", err)
		}
		shares = append(shares, Share{
			Href:       "principal:" + r.PrincipalURI,
			CommonName: commonName,
			Status:     StatusAccepted,
			ReadOnly:   r.Access == AccessRead,
			Principal:  r.PrincipalURI,
			GroupShare: principals.IsGroup(r.PrincipalURI),
		})
	}
	return shares
}

func (b *Backend) cacheKey(resourceID int64) string {
	return "dav:shares:" + b.resourceType + ":" + strconv.FormatInt(resourceID, 10)
}

func (b *Backend) cached(ctx context.Context, resourceID int64) ([]Share, bool) {
	if b.cache == nil {
		return nil, false
	}
	raw, err := b.cache.Get(ctx, b.cacheKey(resourceID))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) && !errors.Is(err, cache.ErrExpired) {
			b.log.Warn("share cache read failed", "resource_id", resourceID, "error", err)
		}
		return nil, false
	}
	var shares []Share
	if err := json.Unmarshal(raw, &shares); err != nil {
		return nil, false
	}
	return shares, true
}

func (b *Backend) store(ctx context.Context, resourceID int64, shares []Share) {
	if b.cache == nil {
		return
	}
	raw, err := json.Marshal(shares)
	if err != nil {
		return
	}
	if err := b.cache.Set(ctx, b.cacheKey(resourceID), raw, b.ttl); err != nil {
		b.log.Warn("share cache write failed", "resource_id", resourceID, "error", err)
	}
}

func (b *Backend) invalidate(ctx context.Context, resourceID int64) {
	if b.cache == nil {
		return
	}
	if err := b.cache.Delete(ctx, b.cacheKey(resourceID)); err != nil && !errors.Is(err, cache.ErrNotFound) {
		b.log.Warn("share cache invalidation failed", "resource_id", resourceID, "error", err)
	}
}
