// Package deps provides shared dependencies for all services.
package deps

import (
	"sync"

	"gorm.io/gorm"

	"github.com/MahdiBaghbani/davshare-go/internal/components/appconfig"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/caldav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/carddav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/ratelimit"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/storage"
	"github.com/MahdiBaghbani/davshare-go/internal/components/identity"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/cache"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/config"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/http/auth"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/http/realip"
)

var (
	sharedDeps     *Deps
	sharedDepsOnce sync.Once
)

// Deps holds the dependencies shared by all services. Everything lives in
// one process, so services share the same backends and caches.
type Deps struct {
	Config *config.Config
	DB     *gorm.DB

	// Identity
	Users    identity.PartyRepo
	Groups   identity.GroupRepo
	UserAuth *identity.UserAuth

	// DAV backends
	Principals   *principals.Backend
	ACL          *acl.LegacyACL
	Calendars    *caldav.Backend
	AddressBooks *carddav.Backend
	CalObjects   *storage.Store
	BookObjects  *storage.Store

	// AppConfig holds runtime-tunable app settings.
	AppConfig *appconfig.Store

	// CreationLimits guards calendar and address book creation.
	CreationLimits *ratelimit.Plugin

	// Cache backs share lists, LDAP lookups and rate limit counters.
	Cache cache.CacheWithCounter

	// RealIP is the single source of client identity for logging and
	// rate limiting.
	RealIP *realip.TrustedProxies

	// LoginThrottle may be nil.
	LoginThrottle *auth.Throttle
}

// SetDeps sets the shared dependencies. Must be called once at startup
// before any services are constructed.
func SetDeps(d *Deps) {
	sharedDepsOnce.Do(func() {
		sharedDeps = d
	})
}

// GetDeps returns the shared dependencies.
// Returns nil if SetDeps has not been called.
func GetDeps() *Deps {
	return sharedDeps
}

// ResetDeps is for testing only. Resets the singleton.
func ResetDeps() {
	sharedDeps = nil
	sharedDepsOnce = sync.Once{}
}
