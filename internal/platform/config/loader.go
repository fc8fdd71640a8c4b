package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Mode represents the server operating mode.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeDev    Mode = "dev"
)

// ParseMode parses a mode string, returning an error for invalid values.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return ModeStrict, nil
	case "dev":
		return ModeDev, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be one of strict, dev", s)
	}
}

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but file is missing or invalid, loading fails.
	ConfigPath string

	// ModeFlag is the --mode flag value (overrides config file mode).
	ModeFlag string

	// FlagOverrides are CLI flag values that override config file values.
	FlagOverrides FlagOverrides

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
type FlagOverrides struct {
	ListenAddr    *string
	PublicOrigin  *string
	TLSMode       *string
	AdminUsername *string
	AdminPassword *string
	LoggingLevel  *string
	DataDir       *string
}

// Load loads configuration with the following precedence:
//  1. Determine effective mode: --mode flag > mode in config file > default (strict)
//  2. Start from mode preset defaults
//  3. Overlay TOML config file values
//  4. Overlay CLI flags
//  5. Derive paths that were left empty and validate
//
// If ConfigPath is provided but the file is missing, unreadable, or invalid TOML,
// Load returns an error (fail fast). Unknown/undecoded TOML keys produce a warning
// but do not fail the load.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var data string
	var probe struct {
		Mode string `toml:"mode"`
	}
	if opts.ConfigPath != "" {
		raw, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		data = string(raw)
		if _, err := toml.Decode(data, &probe); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
	}

	modeStr := probe.Mode
	if opts.ModeFlag != "" {
		modeStr = opts.ModeFlag
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, err
	}

	cfg := presetForMode(mode)

	// Keys absent from the file keep their preset value.
	if opts.ConfigPath != "" {
		md, err := toml.Decode(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}
	}
	cfg.Mode = string(mode)

	overlayFlags(cfg, opts.FlagOverrides)
	deriveDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// presetForMode returns the base config for a given mode.
func presetForMode(mode Mode) *Config {
	if mode == ModeDev {
		return DevConfig()
	}
	return StrictConfig()
}

// StrictConfig returns production-safe strict defaults.
func StrictConfig() *Config {
	return &Config{
		Mode:         string(ModeStrict),
		PublicOrigin: "https://localhost:9200",
		ListenAddr:   ":9200",
		DataDir:      ".davshare",
		Server: ServerConfig{
			TrustedProxies: []string{"127.0.0.0/8", "::1/128"},
			BootstrapAdmin: BootstrapAdminConfig{Username: "admin"},
		},
		TLS: TLSConfig{
			Mode:      "selfsigned",
			HTTPPort:  9280,
			HTTPSPort: 9200,
			ACME: ACMEConfig{
				Directory: "https://acme-v02.api.letsencrypt.org/directory",
			},
		},
		Store: StoreConfig{Driver: "sqlite"},
		Cache: CacheConfig{Driver: "memory"},
		Logging: LoggingConfig{
			Level: "info",
		},
		DAV: DefaultDAVConfig(),
	}
}

// DevConfig returns development mode defaults.
func DevConfig() *Config {
	cfg := StrictConfig()
	cfg.Mode = string(ModeDev)
	cfg.PublicOrigin = "http://localhost:9200"
	cfg.TLS.Mode = "off"
	cfg.TLS.ACME.Directory = "https://acme-staging-v02.api.letsencrypt.org/directory"
	cfg.TLS.ACME.UseStaging = true
	cfg.Logging.Level = "debug"
	return cfg
}

// DefaultDAVConfig returns the stock dav limits.
func DefaultDAVConfig() DAVConfig {
	return DAVConfig{
		MaximumCalendarsSubscriptions:      30,
		RateLimitCalendarCreation:          10,
		RateLimitPeriodCalendarCreation:    3600,
		MaximumAddressBooks:                10,
		RateLimitAddressBookCreation:       10,
		RateLimitPeriodAddressBookCreation: 3600,
		ShareCacheTTLSeconds:               300,
		LoginThrottle: LoginThrottleConfig{
			PerMinute: 10,
			Burst:     5,
		},
	}
}

// deriveDefaults fills paths that depend on data_dir.
func deriveDefaults(cfg *Config) {
	if cfg.TLS.SelfSignedDir == "" {
		cfg.TLS.SelfSignedDir = filepath.Join(cfg.DataDir, "certs")
	}
	if cfg.TLS.ACME.StorageDir == "" {
		cfg.TLS.ACME.StorageDir = filepath.Join(cfg.DataDir, "acme")
	}
	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = "memory"
	}
}

// overlayFlags applies CLI flag values onto cfg.
func overlayFlags(cfg *Config, f FlagOverrides) {
	if f.ListenAddr != nil && *f.ListenAddr != "" {
		cfg.ListenAddr = *f.ListenAddr
	}
	if f.PublicOrigin != nil && *f.PublicOrigin != "" {
		cfg.PublicOrigin = *f.PublicOrigin
	}
	if f.TLSMode != nil && *f.TLSMode != "" {
		cfg.TLS.Mode = *f.TLSMode
	}
	if f.AdminUsername != nil && *f.AdminUsername != "" {
		cfg.Server.BootstrapAdmin.Username = *f.AdminUsername
	}
	if f.AdminPassword != nil && *f.AdminPassword != "" {
		cfg.Server.BootstrapAdmin.Password = *f.AdminPassword
	}
	if f.LoggingLevel != nil && *f.LoggingLevel != "" {
		cfg.Logging.Level = *f.LoggingLevel
	}
	if f.DataDir != nil && *f.DataDir != "" {
		cfg.DataDir = *f.DataDir
	}
}
