// Package ratelimit guards calendar and address book creation with a
// per-user quota and a per-user creation rate.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/MahdiBaghbani/davshare-go/internal/components/appconfig"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/exception"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
	limiter "github.com/MahdiBaghbani/davshare-go/internal/platform/ratelimit"
)

// Limiter identifiers.
const (
	IdentifierCalendar    = "caldav-create-calendar"
	IdentifierAddressBook = "carddav-create-address-book"
)

// Defaults used when the app config has no value.
const (
	DefaultMaximumCalendars   = 30
	DefaultMaximumAddressBook = 10
	DefaultCreationLimit      = 10
	DefaultCreationPeriod     = 3600
)

// CalendarCounter counts what a user owns in the calendar home.
type CalendarCounter interface {
	CalendarsForUserCount(ctx context.Context, principal string) (int64, error)
	SubscriptionsForUserCount(ctx context.Context, principal string) (int64, error)
}

// AddressBookCounter counts the address books a user owns.
type AddressBookCounter interface {
	AddressBooksForUserCount(ctx context.Context, principal string) (int64, error)
}

// RequestLimiter registers requests against a per-user window.
type RequestLimiter interface {
	RegisterUserRequest(ctx context.Context, identifier, uid string, limit int64, period time.Duration) (*limiter.Result, error)
	ResetUser(ctx context.Context, identifier, uid string) error
}

// Config reads integer settings.
type Config interface {
	GetValueInt(ctx context.Context, appID, key string, def int) int
}

// Plugin runs before a new collection is bound into a home.
type Plugin struct {
	calendars CalendarCounter
	books     AddressBookCounter
	limiter   RequestLimiter
	config    Config
	log       *slog.Logger
}

func NewPlugin(calendars CalendarCounter, books AddressBookCounter, l RequestLimiter, config Config, log *slog.Logger) *Plugin {
	return &Plugin{
		calendars: calendars,
		books:     books,
		limiter:   l,
		config:    config,
		log:       logutil.NoopIfNil(log).With("component", "dav-ratelimit"),
	}
}

type rule struct {
	maximumKey     string
	maximumDef     int
	limitKey       string
	periodKey      string
	identifier     string
	quotaMessage   string
	rateMessage    string
	countPrincipal func(ctx context.Context, principal string) (int64, error)
}

// BeforeBind checks path, relative to the DAV root, before a collection is
// created there. calendars/<user>/<name> is checked against the calendar
// quota and rate, addressbooks/users/<user>/<name> against the address book
// ones. Anonymous requests and other paths pass.
func (p *Plugin) BeforeBind(ctx context.Context, path string) error {
	uid := appctx.UserID(ctx)
	if uid == "" {
		return nil
	}

	r, ok := p.ruleFor(strings.Split(strings.Trim(path, "/"), "/"))
	if !ok {
		return nil
	}
	principal := principals.User(uid)

	if maximum := p.config.GetValueInt(ctx, appconfig.AppDAV, r.maximumKey, r.maximumDef); maximum != -1 {
		n, err := r.countPrincipal(ctx, principal)
		if err != nil {
			return err
		}
		if n >= int64(maximum) {
			p.log.Info("collection quota reached", "uid", uid, "count", n, "limit", maximum)
			return exception.Forbidden(r.quotaMessage)
		}
	}

	limit := p.config.GetValueInt(ctx, appconfig.AppDAV, r.limitKey, DefaultCreationLimit)
	period := p.config.GetValueInt(ctx, appconfig.AppDAV, r.periodKey, DefaultCreationPeriod)
	res, err := p.limiter.RegisterUserRequest(ctx, r.identifier, uid, int64(limit), time.Duration(period)*time.Second)
	if errors.Is(err, limiter.ErrRateLimitExceeded) {
		p.log.Info("collection creation rate exceeded", "uid", uid, "identifier", r.identifier)
		e := exception.TooManyRequests(r.rateMessage).Wrap(err)
		if res != nil {
			e.RetryAfter = int(math.Ceil(time.Until(res.ResetAt).Seconds()))
		}
		return e
	}
	return err
}

// ForgetUser drops the creation windows of uid so a deleted account does
// not leave its history to a new account with the same name.
func (p *Plugin) ForgetUser(ctx context.Context, uid string) error {
	return errors.Join(
		p.limiter.ResetUser(ctx, IdentifierCalendar, uid),
		p.limiter.ResetUser(ctx, IdentifierAddressBook, uid),
	)
}

func (p *Plugin) ruleFor(segments []string) (rule, bool) {
	switch {
	case len(segments) == 3 && segments[0] == "calendars" && p.calendars != nil:
		return rule{
			maximumKey:     appconfig.KeyMaximumCalendarsSubscriptions,
			maximumDef:     DefaultMaximumCalendars,
			limitKey:       appconfig.KeyRateLimitCalendarCreation,
			periodKey:      appconfig.KeyRateLimitPeriodCalendarCreation,
			identifier:     IdentifierCalendar,
			quotaMessage:   "Calendar limit reached",
			rateMessage:    "Too many calendars created",
			countPrincipal: p.calendarHomeCount,
		}, true
	case len(segments) == 4 && segments[0] == "addressbooks" && segments[1] == "users" && p.books != nil:
		return rule{
			maximumKey:     appconfig.KeyMaximumAddressBooks,
			maximumDef:     DefaultMaximumAddressBook,
			limitKey:       appconfig.KeyRateLimitAddressBookCreation,
			periodKey:      appconfig.KeyRateLimitPeriodAddressBookCreation,
			identifier:     IdentifierAddressBook,
			quotaMessage:   "Address book limit reached",
			rateMessage:    "Too many address books created",
			countPrincipal: p.books.AddressBooksForUserCount,
		}, true
	default:
		return rule{}, false
	}
}

// calendarHomeCount counts owned calendars and subscriptions together.
func (p *Plugin) calendarHomeCount(ctx context.Context, principal string) (int64, error) {
	cals, err := p.calendars.CalendarsForUserCount(ctx, principal)
	if err != nil {
		return 0, err
	}
	subs, err := p.calendars.SubscriptionsForUserCount(ctx, principal)
	if err != nil {
		return 0, err
	}
	return cals + subs, nil
}
