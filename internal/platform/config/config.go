// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Config holds the server configuration.
type Config struct {
	// Mode is the operating mode: strict or dev.
	Mode string `toml:"mode" validate:"oneof=strict dev"`

	// PublicOrigin is the public origin (scheme + host + port) for this instance.
	// Example: "https://dav.example.org"
	PublicOrigin string `toml:"public_origin"`

	// ListenAddr is the address to listen on.
	// Example: ":9200"
	ListenAddr string `toml:"listen_addr" validate:"required"`

	// DataDir holds the database and calendar object storage.
	DataDir string `toml:"data_dir" validate:"required"`

	Server  ServerConfig  `toml:"server"`
	TLS     TLSConfig     `toml:"tls"`
	Store   StoreConfig   `toml:"store"`
	Cache   CacheConfig   `toml:"cache"`
	Logging LoggingConfig `toml:"logging"`

	// DAV holds the defaults for the dav app config keys and share caching.
	DAV DAVConfig `toml:"dav"`

	Principals PrincipalsConfig `toml:"principals"`

	// HTTP holds per-service and per-interceptor configuration.
	HTTP HTTPConfig `toml:"http"`
}

// HTTPConfig holds per-service HTTP configuration.
// Services are configured under [http.services.<svcname>].
// Interceptors are configured under [http.interceptors.<name>].
type HTTPConfig struct {
	// Services maps service names to their raw config maps.
	// Each service decodes its own config via cfg.Decode() with Setter interface.
	Services map[string]map[string]any `toml:"services"`

	// Interceptors maps interceptor names to their raw config maps.
	// Ratelimit profiles live at [http.interceptors.ratelimit.profiles.<name>].
	// Per-service opt-in is [http.services.<svc>.ratelimit] with profile = "<name>".
	Interceptors map[string]map[string]any `toml:"interceptors"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	// Default: info in strict mode, debug in dev mode.
	Level string `toml:"level" validate:"oneof=trace debug info warn error"`
}

// StoreConfig selects the persistence driver.
type StoreConfig struct {
	Driver string `toml:"driver" validate:"oneof=sqlite"`

	// DSN overrides <data_dir>/davshare.db.
	DSN string `toml:"dsn"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	// Driver is the cache driver name: memory (default) or redis.
	Driver string `toml:"driver" validate:"omitempty,oneof=memory redis"`

	// Drivers holds per-driver configuration.
	// Example: [cache.drivers.redis] addr = "localhost:6379"
	Drivers map[string]any `toml:"drivers"`
}

// DAVConfig seeds the dav app config defaults. Values stored through the
// admin API take precedence at runtime.
type DAVConfig struct {
	// MaximumCalendarsSubscriptions caps calendars plus subscriptions per user. -1 disables.
	MaximumCalendarsSubscriptions int `toml:"maximum_calendars_subscriptions" validate:"gte=-1"`

	RateLimitCalendarCreation       int `toml:"rate_limit_calendar_creation" validate:"gte=1"`
	RateLimitPeriodCalendarCreation int `toml:"rate_limit_period_calendar_creation" validate:"gte=1"`

	// MaximumAddressBooks caps address books per user. -1 disables.
	MaximumAddressBooks int `toml:"maximum_address_books" validate:"gte=-1"`

	RateLimitAddressBookCreation       int `toml:"rate_limit_address_book_creation" validate:"gte=1"`
	RateLimitPeriodAddressBookCreation int `toml:"rate_limit_period_address_book_creation" validate:"gte=1"`

	// LimitSharingToOwner lets only owners share, even sharees with write access.
	LimitSharingToOwner bool `toml:"limit_sharing_to_owner"`

	// ShareCacheTTLSeconds is how long share lists stay cached per resource.
	ShareCacheTTLSeconds int `toml:"share_cache_ttl_seconds" validate:"gte=0"`

	LoginThrottle LoginThrottleConfig `toml:"login_throttle"`
}

// LoginThrottleConfig limits failed Basic auth attempts per client address.
type LoginThrottleConfig struct {
	// PerMinute is the sustained number of failed attempts allowed.
	PerMinute float64 `toml:"per_minute" validate:"gte=0"`
	Burst     int     `toml:"burst" validate:"gte=0"`
}

// PrincipalsConfig configures principal lookups.
type PrincipalsConfig struct {
	LDAP LDAPConfig `toml:"ldap"`
}

// LDAPConfig configures the optional LDAP group membership provider.
type LDAPConfig struct {
	Enabled bool `toml:"enabled"`

	// URL is ldap:// or ldaps://.
	URL          string `toml:"url" validate:"required_if=Enabled true"`
	BindDN       string `toml:"bind_dn"`
	BindPassword string `toml:"bind_password"`
	BaseDN       string `toml:"base_dn" validate:"required_if=Enabled true"`

	// GroupFilter is applied with %s replaced by the escaped member value.
	// Default: (&(objectClass=groupOfNames)(member=%s))
	GroupFilter string `toml:"group_filter"`

	// MemberValue selects what is substituted into GroupFilter: dn or uid.
	MemberValue string `toml:"member_value" validate:"omitempty,oneof=dn uid"`

	// UserDNTemplate builds a user DN from the uid when MemberValue is dn.
	// Example: uid=%s,ou=people,dc=example,dc=org
	UserDNTemplate string `toml:"user_dn_template"`

	// GroupNameAttr is the attribute holding the group id. Default: cn.
	GroupNameAttr string `toml:"group_name_attr"`

	// GroupLookupFilter finds a group by id, %s replaced by the escaped gid.
	// Default: (&(objectClass=groupOfNames)(<group_name_attr>=%s))
	GroupLookupFilter string `toml:"group_lookup_filter"`

	StartTLS           bool `toml:"start_tls"`
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
	TimeoutSeconds     int  `toml:"timeout_seconds" validate:"gte=0"`
}

// ServerConfig holds server-level settings.
type ServerConfig struct {
	// TrustedProxies is a list of CIDR ranges for trusted reverse proxies.
	// X-Forwarded-* headers are only honored from these addresses.
	// Default: ["127.0.0.0/8", "::1/128"]
	TrustedProxies []string `toml:"trusted_proxies" validate:"dive,cidr"`

	// BootstrapAdmin holds super admin bootstrap configuration.
	BootstrapAdmin BootstrapAdminConfig `toml:"bootstrap_admin"`

	// SeedUsers are created on startup when missing. Existing users are left alone.
	SeedUsers []SeedUserConfig `toml:"seed_users" validate:"dive"`
}

// SeedUserConfig is one [[server.seed_users]] entry.
type SeedUserConfig struct {
	Username    string   `toml:"username" validate:"required"`
	Password    string   `toml:"password" validate:"required"`
	Email       string   `toml:"email" validate:"omitempty,email"`
	DisplayName string   `toml:"display_name"`
	Groups      []string `toml:"groups"`
}

// BootstrapAdminConfig holds bootstrap admin credentials.
type BootstrapAdminConfig struct {
	// Username for the super admin. Default: "admin"
	Username string `toml:"username"`

	// Password for the super admin. If empty on first boot, a random password is generated.
	Password string `toml:"password"`
}

// TLSConfig holds TLS-related settings.
type TLSConfig struct {
	// Mode is one of: off, static, selfsigned, acme
	Mode string `toml:"mode" validate:"oneof=off static selfsigned acme"`

	// CertFile and KeyFile for static mode
	CertFile string `toml:"cert_file" validate:"required_if=Mode static"`
	KeyFile  string `toml:"key_file" validate:"required_if=Mode static"`

	// HTTPPort for HTTP listener (used for ACME challenges and redirects)
	HTTPPort int `toml:"http_port" validate:"gte=0,lte=65535"`

	// HTTPSPort for HTTPS listener
	HTTPSPort int `toml:"https_port" validate:"gte=0,lte=65535"`

	// SelfSignedDir is where self-signed certs are stored
	SelfSignedDir string `toml:"self_signed_dir"`

	// ACME configuration
	ACME ACMEConfig `toml:"acme"`
}

// ACMEConfig holds ACME/Let's Encrypt settings.
type ACMEConfig struct {
	// Email for ACME registration
	Email string `toml:"email" validate:"omitempty,email"`

	// Domain is the domain to obtain a certificate for
	Domain string `toml:"domain"`

	// Directory is the ACME server URL (default: Let's Encrypt production)
	Directory string `toml:"directory" validate:"omitempty,url"`

	// StorageDir is where ACME certificates and account info are stored
	StorageDir string `toml:"storage_dir"`

	// UseStaging uses Let's Encrypt staging (for testing)
	UseStaging bool `toml:"use_staging"`

	// RootCAFile and RootCADir add trust roots for talking to a private
	// ACME directory.
	RootCAFile string `toml:"root_ca_file"`
	RootCADir  string `toml:"root_ca_dir"`
}

// BuildServiceConfig returns the raw service config map for a given service name.
// Returns nil if the service is not configured in [http.services.<name>].
func (c *Config) BuildServiceConfig(serviceName string) map[string]any {
	if c.HTTP.Services == nil {
		return nil
	}
	svcCfg, ok := c.HTTP.Services[serviceName]
	if !ok {
		return nil
	}
	// Return a copy to prevent mutation
	result := make(map[string]any, len(svcCfg))
	for k, v := range svcCfg {
		result[k] = v
	}
	return result
}

// Redacted returns a string representation of the config with secrets redacted.
func (c *Config) Redacted() string {
	var sb strings.Builder
	sb.WriteString("Config{\n")
	fmt.Fprintf(&sb, "  Mode: %q,\n", c.Mode)
	fmt.Fprintf(&sb, "  PublicOrigin: %q,\n", c.PublicOrigin)
	fmt.Fprintf(&sb, "  ListenAddr: %q,\n", c.ListenAddr)
	fmt.Fprintf(&sb, "  DataDir: %q,\n", c.DataDir)
	sb.WriteString("  Server: {\n")
	fmt.Fprintf(&sb, "    TrustedProxies: %v,\n", c.Server.TrustedProxies)
	fmt.Fprintf(&sb, "    BootstrapAdmin: {Username: %q, Password: [REDACTED]},\n", c.Server.BootstrapAdmin.Username)
	fmt.Fprintf(&sb, "    SeedUsers: %d,\n", len(c.Server.SeedUsers))
	sb.WriteString("  },\n")
	sb.WriteString("  TLS: {\n")
	fmt.Fprintf(&sb, "    Mode: %q,\n", c.TLS.Mode)
	fmt.Fprintf(&sb, "    CertFile: %q,\n", c.TLS.CertFile)
	fmt.Fprintf(&sb, "    KeyFile: %q,\n", c.TLS.KeyFile)
	fmt.Fprintf(&sb, "    HTTPPort: %d,\n", c.TLS.HTTPPort)
	fmt.Fprintf(&sb, "    HTTPSPort: %d,\n", c.TLS.HTTPSPort)
	fmt.Fprintf(&sb, "    SelfSignedDir: %q,\n", c.TLS.SelfSignedDir)
	fmt.Fprintf(&sb, "    ACME.Domain: %q,\n", c.TLS.ACME.Domain)
	fmt.Fprintf(&sb, "    ACME.UseStaging: %v,\n", c.TLS.ACME.UseStaging)
	sb.WriteString("  },\n")
	fmt.Fprintf(&sb, "  Store: {Driver: %q, DSN: %q},\n", c.Store.Driver, c.Store.DSN)
	fmt.Fprintf(&sb, "  Cache: {Driver: %q, Drivers: %v},\n", c.Cache.Driver, sortedKeys(c.Cache.Drivers))
	fmt.Fprintf(&sb, "  Logging: {Level: %q},\n", c.Logging.Level)
	sb.WriteString("  DAV: {\n")
	fmt.Fprintf(&sb, "    MaximumCalendarsSubscriptions: %d,\n", c.DAV.MaximumCalendarsSubscriptions)
	fmt.Fprintf(&sb, "    RateLimitCalendarCreation: %d per %ds,\n", c.DAV.RateLimitCalendarCreation, c.DAV.RateLimitPeriodCalendarCreation)
	fmt.Fprintf(&sb, "    MaximumAddressBooks: %d,\n", c.DAV.MaximumAddressBooks)
	fmt.Fprintf(&sb, "    RateLimitAddressBookCreation: %d per %ds,\n", c.DAV.RateLimitAddressBookCreation, c.DAV.RateLimitPeriodAddressBookCreation)
	fmt.Fprintf(&sb, "    ShareCacheTTLSeconds: %d,\n", c.DAV.ShareCacheTTLSeconds)
	sb.WriteString("  },\n")
	sb.WriteString("  Principals.LDAP: {\n")
	fmt.Fprintf(&sb, "    Enabled: %v,\n", c.Principals.LDAP.Enabled)
	fmt.Fprintf(&sb, "    URL: %q,\n", c.Principals.LDAP.URL)
	fmt.Fprintf(&sb, "    BindDN: %q,\n", c.Principals.LDAP.BindDN)
	sb.WriteString("    BindPassword: [REDACTED],\n")
	fmt.Fprintf(&sb, "    BaseDN: %q,\n", c.Principals.LDAP.BaseDN)
	sb.WriteString("  },\n")
	services := make([]string, 0, len(c.HTTP.Services))
	for name := range c.HTTP.Services {
		services = append(services, name)
	}
	sort.Strings(services)
	fmt.Fprintf(&sb, "  HTTP: {Services: %q},\n", services)
	sb.WriteString("}")
	return sb.String()
}

// PublicScheme returns "http" or "https" from PublicOrigin.
// Returns "https" if PublicOrigin is empty or unparseable.
func (c *Config) PublicScheme() string {
	if c.PublicOrigin == "" {
		return "https"
	}
	u, err := url.Parse(c.PublicOrigin)
	if err != nil || u.Scheme == "" {
		return "https"
	}
	return strings.ToLower(u.Scheme)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
