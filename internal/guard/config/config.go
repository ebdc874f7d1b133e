package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for every environment variable read by Load.
const EnvPrefix = "LINKGUARD_"

// ConfigFileEnv names the optional YAML config file. Environment values override it.
const ConfigFileEnv = EnvPrefix + "CONFIG"

// AppConfig holds the daemon configuration.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	Log         LogConfig         `koanf:"log"`
	Cache       CacheConfig       `koanf:"cache"`
	Guard       GuardConfig       `koanf:"guard"`
	Classifier  ClassifierConfig  `koanf:"classifier"`
	Launcher    LauncherConfig    `koanf:"launcher"`
	API         APIConfig         `koanf:"api"`
	History     HistoryConfig     `koanf:"history"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
	Protection  ProtectionConfig  `koanf:"protection"`
}

// LogConfig controls verbosity and the optional rotating file sink.
type LogConfig struct {
	Level      string `koanf:"level" validate:"required,oneof=debug info warn error"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `koanf:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"gte=0"`
}

// CacheConfig configures the approval cache layers.
type CacheConfig struct {
	// DB is the path of the bbolt approvals file.
	DB string `koanf:"db" validate:"required"`

	// HotSize is the in-memory LRU capacity. Zero disables the hot cache.
	HotSize int `koanf:"hot_size" validate:"gte=0"`

	// Preload is how many recent records are loaded into the hot cache on start.
	Preload int `koanf:"preload" validate:"gte=0"`

	// TTL is the lifetime of every approval.
	TTL time.Duration `koanf:"ttl" validate:"gt=0"`

	// BloomFPRate is the false positive rate of the negative prefilter.
	BloomFPRate float64 `koanf:"bloom_fp_rate" validate:"gt=0,lt=1"`
}

// GuardConfig configures the decision engine.
type GuardConfig struct {
	// MaxAttempts is the loop ceiling. The attempt after it is forced open.
	MaxAttempts int `koanf:"max_attempts" validate:"required,gte=1"`

	// ClassifyTimeout bounds a single classification at the call site.
	ClassifyTimeout time.Duration `koanf:"classify_timeout" validate:"gt=0"`

	// SingleFlight collapses concurrent classifications of the same URL.
	SingleFlight bool `koanf:"single_flight"`

	// RecentSize and RecentTTL bound the screen-scan duplicate window.
	RecentSize int           `koanf:"recent_size" validate:"gte=0"`
	RecentTTL  time.Duration `koanf:"recent_ttl" validate:"gte=0"`
}

// ClassifierConfig points at the remote classification service.
type ClassifierConfig struct {
	Endpoint string        `koanf:"endpoint" validate:"required,http_url"`
	Timeout  time.Duration `koanf:"timeout" validate:"gt=0"`
}

// LauncherConfig lists the browsers the daemon hands URLs to. Both fields name
// concrete graphical browsers: a desktop dispatcher would route the URL back to
// linkguard, and the daemon has no terminal for a text-mode browser.
type LauncherConfig struct {
	// Handlers are tried in order with the URL appended as the last argument.
	Handlers []string `koanf:"handlers" validate:"required,min=1,dive,required,desktop_browser"`

	// Fallback is the browser used for forced opens.
	Fallback string `koanf:"fallback" validate:"required,desktop_browser"`
}

// APIConfig is the loopback listener for entry points.
type APIConfig struct {
	Addr string `koanf:"addr" validate:"required,loopback_addr"`
}

// HistoryConfig configures the scan-history ledger.
type HistoryConfig struct {
	Enabled bool   `koanf:"enabled"`
	DB      string `koanf:"db" validate:"required_if=Enabled true"`
}

// MaintenanceConfig schedules the expiry purge.
type MaintenanceConfig struct {
	Interval      time.Duration `koanf:"interval" validate:"gt=0"`
	RetryInterval time.Duration `koanf:"retry_interval" validate:"gt=0"`
}

// ProtectionConfig is the initial per-layer protection state.
type ProtectionConfig struct {
	LinkHook   bool `koanf:"link_hook"`
	ScreenScan bool `koanf:"screen_scan"`
}

// DEFAULT_APP_CONFIG defines the default configuration for the link guard daemon.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LogConfig{
		Level:      "info",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	},
	Cache: CacheConfig{
		DB:          "/var/lib/linkguard/approvals.db",
		HotSize:     300,
		Preload:     200,
		TTL:         24 * time.Hour,
		BloomFPRate: 0.01,
	},
	Guard: GuardConfig{
		MaxAttempts:     3,
		ClassifyTimeout: 15 * time.Second,
		SingleFlight:    true,
		RecentSize:      100,
		RecentTTL:       10 * time.Minute,
	},
	Classifier: ClassifierConfig{
		Endpoint: "http://127.0.0.1:8000/predict",
		Timeout:  30 * time.Second,
	},
	Launcher: LauncherConfig{
		Handlers: []string{"firefox", "chromium", "google-chrome"},
		Fallback: "firefox",
	},
	API: APIConfig{
		Addr: "127.0.0.1:7543",
	},
	History: HistoryConfig{
		Enabled: true,
		DB:      "/var/lib/linkguard/history.db",
	},
	Maintenance: MaintenanceConfig{
		Interval:      24 * time.Hour,
		RetryInterval: 15 * time.Minute,
	},
	Protection: ProtectionConfig{
		LinkHook:   true,
		ScreenScan: true,
	},
}

// envKeyMap maps environment variable suffixes onto nested koanf keys.
// Variables not listed here are ignored.
var envKeyMap = map[string]string{
	"ENV":                        "env",
	"LOG_LEVEL":                  "log.level",
	"LOG_FILE":                   "log.file",
	"LOG_MAX_SIZE_MB":            "log.max_size_mb",
	"LOG_MAX_BACKUPS":            "log.max_backups",
	"LOG_MAX_AGE_DAYS":           "log.max_age_days",
	"CACHE_DB":                   "cache.db",
	"CACHE_HOT_SIZE":             "cache.hot_size",
	"CACHE_PRELOAD":              "cache.preload",
	"CACHE_TTL":                  "cache.ttl",
	"CACHE_BLOOM_FP_RATE":        "cache.bloom_fp_rate",
	"GUARD_MAX_ATTEMPTS":         "guard.max_attempts",
	"GUARD_CLASSIFY_TIMEOUT":     "guard.classify_timeout",
	"GUARD_SINGLE_FLIGHT":        "guard.single_flight",
	"GUARD_RECENT_SIZE":          "guard.recent_size",
	"GUARD_RECENT_TTL":           "guard.recent_ttl",
	"CLASSIFIER_ENDPOINT":        "classifier.endpoint",
	"CLASSIFIER_TIMEOUT":         "classifier.timeout",
	"LAUNCHER_HANDLERS":          "launcher.handlers",
	"LAUNCHER_FALLBACK":          "launcher.fallback",
	"API_ADDR":                   "api.addr",
	"HISTORY_ENABLED":            "history.enabled",
	"HISTORY_DB":                 "history.db",
	"MAINTENANCE_INTERVAL":       "maintenance.interval",
	"MAINTENANCE_RETRY_INTERVAL": "maintenance.retry_interval",
	"PROTECTION_LINK_HOOK":       "protection.link_hook",
	"PROTECTION_SCREEN_SCAN":     "protection.screen_scan",
}

// listKeys are split on commas when read from the environment.
var listKeys = map[string]bool{
	"launcher.handlers": true,
}

// validLoopbackAddr accepts host:port where host is a loopback IP or "localhost".
func validLoopbackAddr(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || host == "" || port == "" {
		return false
	}
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return false
		}
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0
}

// dispatchers hand a URL to the desktop's default handler, which is linkguard itself.
var dispatchers = map[string]bool{
	"xdg-open": true, "gio": true, "sensible-browser": true, "x-www-browser": true,
	"www-browser": true, "gnome-open": true, "kde-open": true, "kde-open5": true,
	"exo-open": true, "open": true,
}

// textBrowsers need a terminal the daemon does not have.
var textBrowsers = map[string]bool{
	"lynx": true, "w3m": true, "links": true, "elinks": true, "browsh": true,
}

// validDesktopBrowser rejects dispatchers and text-mode browsers, by executable name or path.
func validDesktopBrowser(fl validator.FieldLevel) bool {
	fields := strings.Fields(fl.Field().String())
	if len(fields) == 0 {
		return false
	}
	name := filepath.Base(fields[0])
	return !dispatchers[name] && !textBrowsers[name]
}

// envTransform maps a raw environment variable onto its koanf key.
// Unknown variables return an empty key, which koanf skips.
func envTransform(key, value string) (string, any) {
	mapped, ok := envKeyMap[strings.TrimPrefix(key, EnvPrefix)]
	if !ok {
		return "", nil
	}
	value = strings.TrimSpace(value)
	if listKeys[mapped] && value != "" {
		parts := strings.FieldsFunc(value, func(r rune) bool { return r == ',' })
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return mapped, parts
	}
	return mapped, value
}

// dotenvLoader loads a .env file from the working directory if one exists.
var dotenvLoader = func() error {
	err := godotenv.Load()
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader merges the YAML file named by LINKGUARD_CONFIG, when set.
var fileLoader = func(k *koanf.Koanf) error {
	path := strings.TrimSpace(os.Getenv(ConfigFileEnv))
	if path == "" {
		return nil
	}
	return k.Load(file.Provider(path), yaml.Parser())
}

// envLoader merges LINKGUARD_* environment variables. It can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envTransform,
	}), nil)
}

// registerValidation registers the custom "loopback_addr" and "desktop_browser" rules.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("loopback_addr", validLoopbackAddr); err != nil {
		return err
	}
	return v.RegisterValidation("desktop_browser", validDesktopBrowser)
}

// Load builds the AppConfig from defaults, the optional YAML file, .env and the environment,
// in that order of increasing precedence, and validates the result.
func Load() (*AppConfig, error) {
	if err := dotenvLoader(); err != nil {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}
	if err := fileLoader(k); err != nil {
		return nil, fmt.Errorf("error loading config file: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
