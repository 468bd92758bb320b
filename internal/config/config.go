package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/wesm/caseload/internal/store"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Store backends.
const (
	StorePostgREST = "postgrest"
	StoreSQLite    = "sqlite"
	StorePostgres  = "postgres"
)

// DefaultLocalTable names the session table of the local SQLite
// store when no table is configured.
const DefaultLocalTable = "sessions"

// MaxRemotePageSize is the row cap a PostgREST server applies to a
// single response by default (Supabase max-rows). A larger page size
// makes the first page look short and ends pagination early.
const MaxRemotePageSize = 1000

// Config holds all application configuration.
type Config struct {
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	DataDir        string            `json:"data_dir"`
	DBPath         string            `json:"-"`
	Store          string            `json:"store"`
	RestURL        string            `json:"rest_url"`
	APIKey         string            `json:"api_key,omitempty"`
	PostgresDSN    string            `json:"postgres_dsn,omitempty"`
	Table          string            `json:"table"`
	Columns        store.Columns     `json:"columns"`
	PageSize       int               `json:"page_size"`
	MaxPages       int               `json:"max_pages"`
	RateLimit      float64           `json:"rate_limit"`
	RequestTimeout time.Duration     `json:"-"`
	WriteTimeout   time.Duration     `json:"-"`
	Timezone       string            `json:"timezone"`
	TherapistNames map[string]string `json:"therapist_names,omitempty"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".caseload")
	return Config{
		Host:           "127.0.0.1",
		Port:           8080,
		DataDir:        dataDir,
		DBPath:         filepath.Join(dataDir, "caseload.db"),
		Store:          StoreSQLite,
		Columns:        store.DefaultColumns(),
		PageSize:       MaxRemotePageSize,
		MaxPages:       100,
		RateLimit:      10,
		RequestTimeout: 30 * time.Second,
		WriteTimeout:   60 * time.Second,
		Timezone:       "Local",
	}, nil
}

// Load builds a Config by layering: defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, fs)
	return cfg, nil
}

// LoadMinimal builds a Config from defaults, config file, and env,
// without parsing CLI flags. Use this for subcommands that manage
// their own flag sets.
func LoadMinimal() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	// The data dir decides where the config file lives, so its
	// env override applies first.
	if v := os.Getenv("CASELOAD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	if err := cfg.loadEnv(); err != nil {
		return cfg, fmt.Errorf("loading environment: %w", err)
	}
	cfg.Columns = cfg.Columns.WithDefaults()
	cfg.DBPath = filepath.Join(cfg.DataDir, "caseload.db")
	return cfg, nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		Host           string            `json:"host"`
		Port           int               `json:"port"`
		Store          string            `json:"store"`
		RestURL        string            `json:"rest_url"`
		APIKey         string            `json:"api_key"`
		PostgresDSN    string            `json:"postgres_dsn"`
		Table          string            `json:"table"`
		Columns        *store.Columns    `json:"columns"`
		PageSize       int               `json:"page_size"`
		MaxPages       int               `json:"max_pages"`
		RateLimit      *float64          `json:"rate_limit"`
		RequestTimeout string            `json:"request_timeout"`
		WriteTimeout   string            `json:"write_timeout"`
		Timezone       string            `json:"timezone"`
		TherapistNames map[string]string `json:"therapist_names"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	setString(&c.Host, file.Host)
	setString(&c.Store, file.Store)
	setString(&c.RestURL, file.RestURL)
	setString(&c.APIKey, file.APIKey)
	setString(&c.PostgresDSN, file.PostgresDSN)
	setString(&c.Table, file.Table)
	setString(&c.Timezone, file.Timezone)
	if file.Port != 0 {
		c.Port = file.Port
	}
	if file.PageSize != 0 {
		c.PageSize = file.PageSize
	}
	if file.MaxPages != 0 {
		c.MaxPages = file.MaxPages
	}
	if file.RateLimit != nil {
		c.RateLimit = *file.RateLimit
	}
	if file.Columns != nil {
		c.Columns = *file.Columns
	}
	if len(file.TherapistNames) > 0 {
		c.TherapistNames = file.TherapistNames
	}
	if err := setDuration(&c.RequestTimeout, file.RequestTimeout); err != nil {
		return fmt.Errorf("request_timeout: %w", err)
	}
	if err := setDuration(&c.WriteTimeout, file.WriteTimeout); err != nil {
		return fmt.Errorf("write_timeout: %w", err)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("CASELOAD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CASELOAD_STORE"); v != "" {
		c.Store = v
	}
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.RestURL = v
	}
	if v := os.Getenv("SUPABASE_ANON_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("CASELOAD_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("CASELOAD_TABLE"); v != "" {
		c.Table = v
	}
	if v := os.Getenv("CASELOAD_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("CASELOAD_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CASELOAD_PAGE_SIZE: %w", err)
		}
		c.PageSize = n
	}
	return nil
}

// Validate reports the first configuration problem that would
// prevent the selected store from being opened.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgREST:
		if c.RestURL == "" {
			return fmt.Errorf("%w: rest_url is required for the postgrest store", ErrInvalid)
		}
		if c.APIKey == "" {
			return fmt.Errorf("%w: api_key is required for the postgrest store", ErrInvalid)
		}
		if c.Table == "" {
			return fmt.Errorf("%w: table is required for the postgrest store", ErrInvalid)
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres_dsn is required for the postgres store", ErrInvalid)
		}
		if c.Table == "" {
			return fmt.Errorf("%w: table is required for the postgres store", ErrInvalid)
		}
	case StoreSQLite:
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalid, c.Store)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("%w: page_size must be at least 1, got %d", ErrInvalid, c.PageSize)
	}
	if c.Store == StorePostgREST && c.PageSize > MaxRemotePageSize {
		return fmt.Errorf(
			"%w: page_size %d exceeds the postgrest row limit of %d",
			ErrInvalid, c.PageSize, MaxRemotePageSize,
		)
	}
	if c.MaxPages < 1 {
		return fmt.Errorf("%w: max_pages must be at least 1, got %d", ErrInvalid, c.MaxPages)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: rate_limit must not be negative", ErrInvalid)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: timezone: %v", ErrInvalid, err)
	}
	return nil
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// LocalTable returns the table used by the local SQLite store.
func (c *Config) LocalTable() string {
	if c.Store == StoreSQLite && c.Table != "" {
		return c.Table
	}
	return DefaultLocalTable
}

// RegisterServeFlags registers serve-command flags on fs.
// The caller must call fs.Parse before passing fs to Load.
func RegisterServeFlags(fs *flag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8080, "Port to listen on")
	fs.String(
		"store", StoreSQLite,
		"Row store: postgrest, sqlite, or postgres",
	)
	fs.String("timezone", "Local", "Time zone for calendar periods")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	if fs == nil {
		return
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = f.Value.String()
		case "port":
			// flag already validated the int; ignore parse error
			cfg.Port, _ = strconv.Atoi(f.Value.String())
		case "store":
			cfg.Store = f.Value.String()
		case "timezone":
			cfg.Timezone = f.Value.String()
		}
	})
}

// SaveTherapistName persists a display name to the config file,
// keeping every other key. An empty name removes the mapping.
func (c *Config) SaveTherapistName(id, name string) error {
	if id == "" {
		return fmt.Errorf("therapist id is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	existing := make(map[string]any)
	data, err := os.ReadFile(c.configPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf(
				"existing config is invalid, cannot update: %w",
				err,
			)
		}
	}

	names := make(map[string]any)
	if m, ok := existing["therapist_names"].(map[string]any); ok {
		names = m
	}
	if name == "" {
		delete(names, id)
	} else {
		names[id] = name
	}
	existing["therapist_names"] = names

	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(c.configPath(), out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	if c.TherapistNames == nil {
		c.TherapistNames = make(map[string]string)
	}
	if name == "" {
		delete(c.TherapistNames, id)
	} else {
		c.TherapistNames[id] = name
	}
	return nil
}
