// Package appconfig stores per-app key/value settings with operator defaults.
package appconfig

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("config key not found")

// Keys of the dav app.
const (
	AppDAV = "dav"

	KeyMaximumCalendarsSubscriptions      = "maximumCalendarsSubscriptions"
	KeyRateLimitCalendarCreation          = "rateLimitCalendarCreation"
	KeyRateLimitPeriodCalendarCreation    = "rateLimitPeriodCalendarCreation"
	KeyMaximumAddressBooks                = "maximumAdressbooks"
	KeyRateLimitAddressBookCreation       = "rateLimitAddressBookCreation"
	KeyRateLimitPeriodAddressBookCreation = "rateLimitPeriodAddressBookCreation"

	// KeyLimitSharingToOwner set to "yes" lets only owners share, even
	// when a sharee holds write access.
	KeyLimitSharingToOwner = "limitAddressBookAndCalendarSharingToOwner"
)

// Entry is a row of the appconfig table.
type Entry struct {
	AppID       string `json:"appid" gorm:"column:appid;primaryKey"`
	ConfigKey   string `json:"configkey" gorm:"column:configkey;primaryKey"`
	ConfigValue string `json:"configvalue" gorm:"column:configvalue"`
}

func (Entry) TableName() string { return "appconfig" }

// Store reads through an in-process copy of the table. Stored values win
// over defaults, defaults win over the fallback passed by the caller.
type Store struct {
	db       *gorm.DB
	defaults map[string]map[string]string

	mu     sync.RWMutex
	loaded map[string]map[string]string
}

// New creates a store. defaults is keyed by app id, then config key.
func New(db *gorm.DB, defaults map[string]map[string]string) *Store {
	if defaults == nil {
		defaults = map[string]map[string]string{}
	}
	return &Store{
		db:       db,
		defaults: defaults,
		loaded:   make(map[string]map[string]string),
	}
}

func (s *Store) app(ctx context.Context, appID string) (map[string]string, error) {
	s.mu.RLock()
	values, ok := s.loaded[appID]
	s.mu.RUnlock()
	if ok {
		return values, nil
	}

	var rows []Entry
	if err := s.db.WithContext(ctx).Where("appid = ?", appID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load app config %s: %w", appID, err)
	}
	values = make(map[string]string, len(rows))
	for _, r := range rows {
		values[r.ConfigKey] = r.ConfigValue
	}

	s.mu.Lock()
	s.loaded[appID] = values
	s.mu.Unlock()
	return values, nil
}

// GetValue returns the stored value, then the configured default.
func (s *Store) GetValue(ctx context.Context, appID, key string) (string, error) {
	values, err := s.app(ctx, appID)
	if err != nil {
		return "", err
	}
	if v, ok := values[key]; ok {
		return v, nil
	}
	if v, ok := s.defaults[appID][key]; ok {
		return v, nil
	}
	return "", ErrNotFound
}

// GetValueString is GetValue with a fallback. Load errors yield the fallback.
func (s *Store) GetValueString(ctx context.Context, appID, key, def string) string {
	v, err := s.GetValue(ctx, appID, key)
	if err != nil {
		return def
	}
	return v
}

// GetValueInt parses the value as an integer. Unparseable values yield def.
func (s *Store) GetValueInt(ctx context.Context, appID, key string, def int) int {
	v, err := s.GetValue(ctx, appID, key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// SetValue upserts a stored value.
func (s *Store) SetValue(ctx context.Context, appID, key, value string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "appid"}, {Name: "configkey"}},
		DoUpdates: clause.AssignmentColumns([]string{"configvalue"}),
	}).Create(&Entry{AppID: appID, ConfigKey: key, ConfigValue: value}).Error
	if err != nil {
		return fmt.Errorf("set app config %s/%s: %w", appID, key, err)
	}
	s.invalidate(appID)
	return nil
}

// DeleteKey removes a stored value, restoring the default.
func (s *Store) DeleteKey(ctx context.Context, appID, key string) error {
	res := s.db.WithContext(ctx).Where("appid = ? AND configkey = ?", appID, key).Delete(&Entry{})
	if res.Error != nil {
		return fmt.Errorf("delete app config %s/%s: %w", appID, key, res.Error)
	}
	s.invalidate(appID)
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Keys lists the keys that have a stored value or a default, sorted.
func (s *Store) Keys(ctx context.Context, appID string) ([]string, error) {
	values, err := s.app(ctx, appID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for k := range values {
		seen[k] = true
	}
	for k := range s.defaults[appID] {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) invalidate(appID string) {
	s.mu.Lock()
	delete(s.loaded, appID)
	s.mu.Unlock()
}
