// Package main is the entrypoint for the davshare server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/MahdiBaghbani/davshare-go/internal/components/appconfig"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/caldav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/carddav"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/ratelimit"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/sharing"
	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/storage"
	"github.com/MahdiBaghbani/davshare-go/internal/components/identity"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals/ldap"
	"github.com/MahdiBaghbani/davshare-go/internal/frameworks/service"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/cache"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/config"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/deps"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/http/auth"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/http/realip"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/http/server"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
	limiter "github.com/MahdiBaghbani/davshare-go/internal/platform/ratelimit"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/store"

	_ "github.com/MahdiBaghbani/davshare-go/internal/platform/cache/loader"
	_ "github.com/MahdiBaghbani/davshare-go/internal/platform/store/sqlite"
	_ "github.com/MahdiBaghbani/davshare-go/internal/services/loader"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	modeFlag := flag.String("mode", "", "Operating mode: strict or dev (overrides config)")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	publicOrigin := flag.String("public-origin", "", "Public origin (overrides config)")
	tlsMode := flag.String("tls-mode", "", "TLS mode: off, static, selfsigned, or acme (overrides config)")
	adminUsername := flag.String("admin-username", "", "Bootstrap admin username (overrides config)")
	adminPassword := flag.String("admin-password", "", "Bootstrap admin password (overrides config)")
	loggingLevel := flag.String("logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	dataDir := flag.String("data-dir", "", "Directory for the database and object files (overrides config)")
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// Precedence: mode preset -> TOML file -> CLI flags
	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		ModeFlag:   *modeFlag,
		FlagOverrides: config.FlagOverrides{
			ListenAddr:    listenAddr,
			PublicOrigin:  publicOrigin,
			TLSMode:       tlsMode,
			AdminUsername: adminUsername,
			AdminPassword: adminPassword,
			LoggingLevel:  loggingLevel,
			DataDir:       dataDir,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logutil.ParseLevel(cfg.Logging.Level)}))
	slog.SetDefault(logger)
	logger.Info("effective configuration", "config", cfg.Redacted())

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	driver, err := store.New(&store.DriverConfig{Driver: cfg.Store.Driver, DataDir: cfg.DataDir, DSN: cfg.Store.DSN})
	if err != nil {
		return err
	}
	if err := driver.Init(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer driver.Close()
	db := driver.DB()
	if err := migrate(db); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	cacheInstance, err := cache.NewFromConfig(cfg.Cache.Driver, cfg.Cache.Drivers)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	defer cacheInstance.Close()

	users := identity.NewGormPartyRepo(db)
	groups := identity.NewGormGroupRepo(db)
	userAuth := identity.NewUserAuth()

	bootstrap := identity.NewBootstrap(users, groups, userAuth, logger)
	admin := cfg.Server.BootstrapAdmin
	if err := bootstrap.EnsureSuperAdmin(ctx, admin.Username, admin.Password, admin.Password != ""); err != nil {
		return fmt.Errorf("failed to bootstrap super admin: %w", err)
	}
	if n, err := bootstrap.Run(ctx, seededUsers(cfg.Server.SeedUsers)); err != nil {
		return fmt.Errorf("failed to seed users: %w", err)
	} else if n > 0 {
		logger.Info("seeded users", "created", n)
	}

	var membership principals.MembershipProvider
	if l := cfg.Principals.LDAP; l.Enabled {
		membership = ldap.New(ldapConfig(l), cacheInstance, logger)
		logger.Info("ldap group membership enabled", "url", l.URL, "base_dn", l.BaseDN)
	}
	principalBackend := principals.NewBackend(users, groups, membership, logger)

	shareTTL := time.Duration(cfg.DAV.ShareCacheTTLSeconds) * time.Second
	calObjects := storage.New(cfg.DataDir, storage.KindCalendars, logger)
	bookObjects := storage.New(cfg.DataDir, storage.KindAddressBooks, logger)
	calendars := caldav.NewBackend(db, sharing.New(db, sharing.TypeCalendar, principalBackend, cacheInstance, shareTTL, logger), calObjects, logger)
	books := carddav.NewBackend(db, sharing.New(db, sharing.TypeAddressBook, principalBackend, cacheInstance, shareTTL, logger), bookObjects, logger)

	appConfig := appconfig.New(db, map[string]map[string]string{appconfig.AppDAV: davDefaults(cfg.DAV)})

	deps.SetDeps(&deps.Deps{
		Config:         cfg,
		DB:             db,
		Users:          users,
		Groups:         groups,
		UserAuth:       userAuth,
		Principals:     principalBackend,
		ACL:            acl.NewLegacyACL(principalBackend),
		Calendars:      calendars,
		AddressBooks:   books,
		CalObjects:     calObjects,
		BookObjects:    bookObjects,
		AppConfig:      appConfig,
		CreationLimits: ratelimit.NewPlugin(calendars, books, limiter.New(cacheInstance, ""), appConfig, logger),
		Cache:          cacheInstance,
		RealIP:         realip.NewTrustedProxies(cfg.Server.TrustedProxies),
		LoginThrottle:  auth.NewThrottle(cfg.DAV.LoginThrottle.PerMinute, cfg.DAV.LoginThrottle.Burst),
	})

	services, err := buildServices(cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, logger, services)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("server started, press Ctrl+C to stop")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func migrate(db *gorm.DB) error {
	models := append(identity.Models(), &sharing.Row{}, &appconfig.Entry{})
	models = append(models, caldav.Models()...)
	models = append(models, carddav.Models()...)
	return db.AutoMigrate(models...)
}

// buildServices constructs core services plus any extra [http.services.*].
func buildServices(cfg *config.Config, logger *slog.Logger) (map[string]service.Service, error) {
	names := append([]string{}, service.CoreServices...)
	for name := range cfg.HTTP.Services {
		if !contains(names, name) {
			names = append(names, name)
		}
	}

	services := make(map[string]service.Service, len(names))
	for _, name := range names {
		newFunc := service.Get(name)
		if newFunc == nil {
			return nil, fmt.Errorf("unknown service %q", name)
		}
		svc, err := newFunc(cfg.BuildServiceConfig(name), logger.With("service", name))
		if err != nil {
			return nil, fmt.Errorf("failed to create service %s: %w", name, err)
		}
		services[name] = svc
	}
	return services, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// davDefaults turns [dav] into appconfig defaults for the dav app.
func davDefaults(d config.DAVConfig) map[string]string {
	limitToOwner := "no"
	if d.LimitSharingToOwner {
		limitToOwner = "yes"
	}
	return map[string]string{
		appconfig.KeyLimitSharingToOwner:                limitToOwner,
		appconfig.KeyMaximumCalendarsSubscriptions:      strconv.Itoa(d.MaximumCalendarsSubscriptions),
		appconfig.KeyRateLimitCalendarCreation:          strconv.Itoa(d.RateLimitCalendarCreation),
		appconfig.KeyRateLimitPeriodCalendarCreation:    strconv.Itoa(d.RateLimitPeriodCalendarCreation),
		appconfig.KeyMaximumAddressBooks:                strconv.Itoa(d.MaximumAddressBooks),
		appconfig.KeyRateLimitAddressBookCreation:       strconv.Itoa(d.RateLimitAddressBookCreation),
		appconfig.KeyRateLimitPeriodAddressBookCreation: strconv.Itoa(d.RateLimitPeriodAddressBookCreation),
	}
}

func seededUsers(in []config.SeedUserConfig) []identity.SeededUser {
	out := make([]identity.SeededUser, 0, len(in))
	for _, s := range in {
		out = append(out, identity.SeededUser{
			Username:    s.Username,
			Password:    s.Password,
			Email:       s.Email,
			DisplayName: s.DisplayName,
			Groups:      s.Groups,
		})
	}
	return out
}

func ldapConfig(l config.LDAPConfig) ldap.Config {
	return ldap.Config{
		URL:                l.URL,
		BindDN:             l.BindDN,
		BindPassword:       l.BindPassword,
		BaseDN:             l.BaseDN,
		GroupFilter:        l.GroupFilter,
		MemberValue:        l.MemberValue,
		UserDNTemplate:     l.UserDNTemplate,
		GroupNameAttr:      l.GroupNameAttr,
		GroupLookupFilter:  l.GroupLookupFilter,
		StartTLS:           l.StartTLS,
		InsecureSkipVerify: l.InsecureSkipVerify,
		Timeout:            time.Duration(l.TimeoutSeconds) * time.Second,
	}
}
