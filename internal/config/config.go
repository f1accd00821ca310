// Package config reads the engine's UPKEEP_* settings from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/upkeep/internal/backup"
	"github.com/dukerupert/upkeep/internal/database"
	"github.com/dukerupert/upkeep/internal/dbdump"
	"github.com/dukerupert/upkeep/internal/proc"
	"github.com/dukerupert/upkeep/internal/scheduler"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// Migration modes.
const (
	MigrateNone    = "none"
	MigrateGoose   = "goose"
	MigrateCommand = "command"
)

type Config struct {
	LogLevel  string
	LogFormat string

	// StateDB is the engine's own SQLite database.
	StateDB string
	// AppVersion seeds the installed version on first start.
	AppVersion string
	Operators  []string

	Port           string
	APIToken       string
	OriginPatterns string
	UpstreamURL    string

	AppRoot         string
	BackupDir       string
	DownloadDir     string
	TempDir         string
	Exclude         []string
	MaintenanceFile string
	RetryAfter      time.Duration

	ReleaseURL      string
	ReleaseByTagURL string
	ReleaseToken    string
	CheckTTL        time.Duration

	MinRuntime       string
	RequiredCommands []string
	MinFreeSpace     uint64
	WritableDirs     []string

	Database        dbdump.Connection
	BackupFiles     bool
	Keep            int
	BackupExpiry    time.Duration
	S3              backup.S3Config
	MigrateMode     string
	MigrationsDir   string
	MigrateCommand  []string
	Hooks           []proc.Command
	CommandTimeout  time.Duration
	HookTimeout     time.Duration
	DownloadTimeout time.Duration
	DownloadRetries uint64
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	CheckSchedule   string
	CleanupSchedule string
	AutoUpdate      bool
	CheckRetention  time.Duration
}

// Load reads envFile when it exists and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return LoadFrom(os.Getenv)
}

// LoadFrom builds a Config from getenv, applying defaults. Malformed values
// are reported together.
func LoadFrom(getenv func(string) string) (*Config, error) {
	r := reader{getenv: getenv}

	appRoot := r.str("UPKEEP_APP_ROOT", ".")
	if abs, err := filepath.Abs(appRoot); err == nil {
		appRoot = abs
	}
	under := func(rel string) string { return filepath.Join(appRoot, rel) }

	cfg := &Config{
		LogLevel:  r.str("UPKEEP_LOG_LEVEL", "info"),
		LogFormat: r.str("UPKEEP_LOG_FORMAT", "text"),

		StateDB:    r.stateDB("UPKEEP_STATE_DB", "upkeep.db"),
		AppVersion: r.str("UPKEEP_APP_VERSION", "0.0.0"),
		Operators:  r.list("UPKEEP_OPERATORS", ",", nil),

		Port:           r.str("UPKEEP_PORT", "8080"),
		APIToken:       r.str("UPKEEP_API_TOKEN", ""),
		OriginPatterns: r.str("UPKEEP_WS_ORIGINS", ""),
		UpstreamURL:    r.str("UPKEEP_UPSTREAM_URL", ""),

		AppRoot:         appRoot,
		BackupDir:       r.path("UPKEEP_BACKUP_DIR", under("storage/backups")),
		DownloadDir:     r.path("UPKEEP_DOWNLOAD_DIR", under("storage/updates")),
		TempDir:         r.path("UPKEEP_TEMP_DIR", os.TempDir()),
		Exclude:         r.list("UPKEEP_EXCLUDE", ",", []string{".env", ".git", "storage"}),
		MaintenanceFile: r.path("UPKEEP_MAINTENANCE_FILE", "upkeep-maintenance.json"),
		RetryAfter:      r.duration("UPKEEP_RETRY_AFTER", time.Minute),

		ReleaseURL:      r.str("UPKEEP_RELEASE_URL", ""),
		ReleaseByTagURL: r.str("UPKEEP_RELEASE_TAG_URL", ""),
		ReleaseToken:    r.str("UPKEEP_RELEASE_TOKEN", ""),
		CheckTTL:        r.duration("UPKEEP_CHECK_TTL", time.Hour),

		MinRuntime:       r.str("UPKEEP_MIN_RUNTIME", ""),
		RequiredCommands: r.list("UPKEEP_REQUIRED_COMMANDS", ",", nil),
		MinFreeSpace:     r.bytes("UPKEEP_MIN_FREE_SPACE", 500*humanize.MiByte),
		WritableDirs:     r.list("UPKEEP_WRITABLE_DIRS", ",", []string{appRoot, under("storage"), under("config")}),

		BackupFiles:     r.boolean("UPKEEP_BACKUP_FILES", true),
		Keep:            r.integer("UPKEEP_BACKUP_KEEP", 3),
		BackupExpiry:    r.duration("UPKEEP_BACKUP_EXPIRY", backup.DefaultExpiry),
		MigrateMode:     strings.ToLower(r.str("UPKEEP_MIGRATE", MigrateNone)),
		MigrationsDir:   r.str("UPKEEP_MIGRATIONS_DIR", "migrations"),
		MigrateCommand:  strings.Fields(r.str("UPKEEP_MIGRATE_COMMAND", "")),
		CommandTimeout:  r.duration("UPKEEP_COMMAND_TIMEOUT", 30*time.Minute),
		HookTimeout:     r.duration("UPKEEP_HOOK_TIMEOUT", 5*time.Minute),
		DownloadTimeout: r.duration("UPKEEP_DOWNLOAD_TIMEOUT", 30*time.Minute),
		DownloadRetries: uint64(r.integer("UPKEEP_DOWNLOAD_RETRIES", 3)),
		RedisAddr:       r.str("UPKEEP_REDIS_ADDR", ""),
		RedisPassword:   r.str("UPKEEP_REDIS_PASSWORD", ""),
		RedisDB:         r.integer("UPKEEP_REDIS_DB", 0),
		CheckSchedule:   r.str("UPKEEP_CHECK_SCHEDULE", scheduler.DefaultCheckSchedule),
		CleanupSchedule: r.str("UPKEEP_CLEANUP_SCHEDULE", scheduler.DefaultCleanupSchedule),
		AutoUpdate:      r.boolean("UPKEEP_AUTO_UPDATE", false),
		CheckRetention:  r.duration("UPKEEP_CHECK_RETENTION", 90*24*time.Hour),

		S3: backup.S3Config{
			Endpoint:   r.str("UPKEEP_S3_ENDPOINT", ""),
			Bucket:     r.str("UPKEEP_S3_BUCKET", ""),
			Region:     r.str("UPKEEP_S3_REGION", ""),
			AccessKey:  r.str("UPKEEP_S3_ACCESS_KEY", ""),
			SecretKey:  r.str("UPKEEP_S3_SECRET_KEY", ""),
			Prefix:     r.str("UPKEEP_S3_PREFIX", ""),
			Passphrase: r.str("UPKEEP_BACKUP_PASSPHRASE", ""),
		},
	}

	if engine := r.str("UPKEEP_DB_ENGINE", ""); engine != "" {
		e, err := dbdump.ParseEngine(engine)
		if err != nil {
			r.errs = append(r.errs, err)
		}
		cfg.Database = dbdump.Connection{
			Engine:   e,
			Host:     r.str("UPKEEP_DB_HOST", "127.0.0.1"),
			Port:     r.integer("UPKEEP_DB_PORT", 0),
			Username: r.str("UPKEEP_DB_USER", ""),
			Password: r.str("UPKEEP_DB_PASSWORD", ""),
			Database: r.str("UPKEEP_DB_NAME", ""),
			Path:     r.path("UPKEEP_DB_FILE", ""),
		}
	}

	for _, line := range r.list("UPKEEP_HOOKS", ";", nil) {
		fields := strings.Fields(line)
		cfg.Hooks = append(cfg.Hooks, proc.Command{Name: fields[0], Args: fields[1:]})
	}

	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.Keep < 1 {
		errs = append(errs, fmt.Errorf("UPKEEP_BACKUP_KEEP must be at least 1, got %d", c.Keep))
	}
	if c.Database.Engine != "" {
		if err := c.Database.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	s3 := c.S3
	if s3.Bucket != "" || s3.AccessKey != "" || s3.SecretKey != "" {
		if !s3.Enabled() {
			errs = append(errs, errors.New("S3 mirror needs UPKEEP_S3_BUCKET, UPKEEP_S3_ACCESS_KEY, UPKEEP_S3_SECRET_KEY and UPKEEP_BACKUP_PASSPHRASE"))
		}
	}
	switch c.MigrateMode {
	case MigrateNone:
	case MigrateGoose:
		if c.Database.Engine == "" {
			errs = append(errs, errors.New("UPKEEP_MIGRATE=goose needs UPKEEP_DB_ENGINE"))
		}
	case MigrateCommand:
		if len(c.MigrateCommand) == 0 {
			errs = append(errs, errors.New("UPKEEP_MIGRATE=command needs UPKEEP_MIGRATE_COMMAND"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown UPKEEP_MIGRATE mode %q", c.MigrateMode))
	}
	if c.AutoUpdate && c.CheckSchedule == "" {
		errs = append(errs, errors.New("UPKEEP_AUTO_UPDATE needs UPKEEP_CHECK_SCHEDULE"))
	}
	return errors.Join(errs...)
}

// MigrationsPath resolves MigrationsDir against the application root.
func (c *Config) MigrationsPath() string {
	if filepath.IsAbs(c.MigrationsDir) {
		return c.MigrationsDir
	}
	return filepath.Join(c.AppRoot, c.MigrationsDir)
}

// reader collects parse errors so every bad variable is reported at once.
type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

// stateDB resolves the state database path like path, keeping the
// in-memory name as is.
func (r *reader) stateDB(key, def string) string {
	if v := r.str(key, def); v == database.Memory {
		return v
	}
	return r.path(key, def)
}

func (r *reader) path(key, def string) string {
	v := r.str(key, def)
	if v == "" {
		return ""
	}
	if abs, err := filepath.Abs(v); err == nil {
		return abs
	}
	return v
}

func (r *reader) list(key, sep string, def []string) []string {
	v := r.getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

// bytes accepts sizes like "500MB" or "1.5GiB".
func (r *reader) bytes(key string, def uint64) uint64 {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a size", key, v))
		return def
	}
	return n
}
