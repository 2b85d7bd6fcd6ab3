// Package config loads and validates the migration's configuration from
// environment variables (prefixed MIG_, sections nested via "__") and/or a
// ".env" file, producing one immutable Config value passed by reference
// into each component constructor.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
)

// IngestMode selects which Gmail write endpoint GmailClient calls.
type IngestMode string

const (
	ModeImport IngestMode = "import"
	ModeInsert IngestMode = "insert"
)

// InternalDateSource selects what Gmail records as the message's internal
// date.
type InternalDateSource string

const (
	DateSourceHeader   InternalDateSource = "dateHeader"
	DateSourceReceived InternalDateSource = "receivedTime"
)

// IMAPConfig configures the source mailbox connection and scan parameters.
type IMAPConfig struct {
	Username      string
	AppPassword   string
	Host          string
	Port          int
	SSL           bool
	Connections   int
	BatchSize     int
	SearchQuery   string
	FolderInclude []string
	FolderExclude []string
}

// Addr returns the host:port pair for dialing.
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GmailConfig configures the destination account and ingest behavior.
type GmailConfig struct {
	TargetUserEmail    string
	CredentialsFile    string
	TokenFile          string
	Mode               IngestMode
	InternalDateSource InternalDateSource
	LabelPrefix        string
}

// FilterConfig selects which source messages are migrated.
type FilterConfig struct {
	TargetAddresses  []string
	IncludeSender    bool
	IncludeRecipients bool
}

// StorageConfig configures on-disk layout under RootDir.
type StorageConfig struct {
	RootDir             string
	EvidenceDir         string
	ReportsDir          string
	SQLitePath          string
	FingerprintBodyBytes int
}

// ConcurrencyConfig bounds the pipeline's resource usage.
type ConcurrencyConfig struct {
	GmailWorkers         int
	IMAPFetchConcurrency int
	QueueMaxSize         int
}

// Config is the fully resolved, validated configuration for one migration
// run. Once Load returns, a Config is never mutated.
type Config struct {
	IMAP        IMAPConfig
	Gmail       GmailConfig
	Filter      FilterConfig
	Storage     StorageConfig
	Concurrency ConcurrencyConfig
}

const envPrefix = "MIG_"

// Load reads envFile (if non-empty) into the process environment via
// godotenv, then parses and validates every MIG_-prefixed variable into a
// Config. envFile may be empty, in which case only variables already present
// in the environment are used.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, migerr.New(migerr.ConfigInvalid, fmt.Errorf("config: load env file %s: %w", envFile, err))
		}
	}

	cfg := &Config{
		IMAP: IMAPConfig{
			Username:    getEnv("IMAP__USERNAME", ""),
			AppPassword: getEnv("IMAP__APP_PASSWORD", ""),
			Host:        getEnv("IMAP__HOST", "imap.mail.me.com"),
			Port:        mustGetEnvInt("IMAP__PORT", 993),
			SSL:         getEnvBool("IMAP__SSL", true),
			Connections: mustGetEnvInt("IMAP__CONNECTIONS", 2),
			BatchSize:   mustGetEnvInt("IMAP__BATCH_SIZE", 50),
			SearchQuery: getEnv("IMAP__SEARCH_QUERY", "ALL"),
			FolderInclude: getEnvList("IMAP__FOLDER_INCLUDE", nil),
			FolderExclude: getEnvList("IMAP__FOLDER_EXCLUDE", nil),
		},
		Gmail: GmailConfig{
			TargetUserEmail:    getEnv("GMAIL__TARGET_USER_EMAIL", ""),
			CredentialsFile:    expandPath(getEnv("GMAIL__CREDENTIALS_FILE", "credentials.json")),
			TokenFile:          expandPath(getEnv("GMAIL__TOKEN_FILE", "token.json")),
			Mode:               IngestMode(getEnv("GMAIL__MODE", string(ModeImport))),
			InternalDateSource: InternalDateSource(getEnv("GMAIL__INTERNAL_DATE_SOURCE", string(DateSourceHeader))),
			LabelPrefix:        getEnv("GMAIL__LABEL_PREFIX", "iCloud"),
		},
		Filter: FilterConfig{
			TargetAddresses:   getEnvList("FILTER__TARGET_ADDRESSES", nil),
			IncludeSender:     getEnvBool("FILTER__INCLUDE_SENDER", true),
			IncludeRecipients: getEnvBool("FILTER__INCLUDE_RECIPIENTS", true),
		},
		Storage: StorageConfig{
			RootDir:              getEnv("STORAGE__ROOT_DIR", "./data"),
			FingerprintBodyBytes: mustGetEnvInt("STORAGE__FINGERPRINT_BODY_BYTES", 4096),
		},
		Concurrency: ConcurrencyConfig{
			GmailWorkers:         mustGetEnvInt("CONCURRENCY__GMAIL_WORKERS", 10),
			IMAPFetchConcurrency: mustGetEnvInt("CONCURRENCY__IMAP_FETCH_CONCURRENCY", 5),
			QueueMaxSize:         mustGetEnvInt("CONCURRENCY__QUEUE_MAXSIZE", 1000),
		},
	}

	cfg.Storage.RootDir = expandPath(cfg.Storage.RootDir)
	cfg.Storage.EvidenceDir = getEnv("STORAGE__EVIDENCE_DIR", filepath.Join(cfg.Storage.RootDir, "evidence"))
	cfg.Storage.ReportsDir = getEnv("STORAGE__REPORTS_DIR", filepath.Join(cfg.Storage.RootDir, "reports"))
	cfg.Storage.SQLitePath = getEnv("STORAGE__SQLITE_PATH", filepath.Join(cfg.Storage.RootDir, "state.sqlite3"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.IMAP.Username == "" {
		return migerr.New(migerr.ConfigInvalid, fmt.Errorf("config: MIG_IMAP__USERNAME is required"))
	}
	if c.IMAP.AppPassword == "" {
		return migerr.New(migerr.ConfigInvalid, fmt.Errorf("config: MIG_IMAP__APP_PASSWORD is required"))
	}
	if err := rangeCheck("MIG_IMAP__CONNECTIONS", c.IMAP.Connections, 1, 10); err != nil {
		return err
	}
	if err := rangeCheck("MIG_IMAP__BATCH_SIZE", c.IMAP.BatchSize, 1, 500); err != nil {
		return err
	}
	if c.Gmail.Mode != ModeImport && c.Gmail.Mode != ModeInsert {
		return migerr.New(migerr.ConfigInvalid, fmt.Errorf("config: MIG_GMAIL__MODE must be %q or %q, got %q", ModeImport, ModeInsert, c.Gmail.Mode))
	}
	if c.Gmail.InternalDateSource != DateSourceHeader && c.Gmail.InternalDateSource != DateSourceReceived {
		return migerr.New(migerr.ConfigInvalid, fmt.Errorf("config: MIG_GMAIL__INTERNAL_DATE_SOURCE must be %q or %q, got %q", DateSourceHeader, DateSourceReceived, c.Gmail.InternalDateSource))
	}
	if c.Gmail.TargetUserEmail == "" {
		return migerr.New(migerr.ConfigInvalid, fmt.Errorf("config: MIG_GMAIL__TARGET_USER_EMAIL is required"))
	}
	if err := rangeCheck("MIG_STORAGE__FINGERPRINT_BODY_BYTES", c.Storage.FingerprintBodyBytes, 0, 1048576); err != nil {
		return err
	}
	if err := rangeCheck("MIG_CONCURRENCY__GMAIL_WORKERS", c.Concurrency.GmailWorkers, 1, 50); err != nil {
		return err
	}
	if err := rangeCheck("MIG_CONCURRENCY__IMAP_FETCH_CONCURRENCY", c.Concurrency.IMAPFetchConcurrency, 1, 50); err != nil {
		return err
	}
	if c.Concurrency.QueueMaxSize < 1 {
		return migerr.New(migerr.ConfigInvalid, fmt.Errorf("config: MIG_CONCURRENCY__QUEUE_MAXSIZE must be >= 1, got %d", c.Concurrency.QueueMaxSize))
	}
	return nil
}

func rangeCheck(name string, v, lo, hi int) error {
	if v < lo || v > hi {
		return migerr.New(migerr.ConfigInvalid, fmt.Errorf("config: %s must be between %d and %d, got %d", name, lo, hi, v))
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// mustGetEnvInt parses an integer env var, falling back to def on absence or
// malformed input. Validation of the resulting range happens in validate()
// so the caller can report a single, named error rather than a parse panic.
func mustGetEnvInt(key string, def int) int {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// getEnvList parses either a JSON array or a comma-separated list.
func getEnvList(key string, def []string) []string {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}

	var out []string
	if json.Unmarshal([]byte(v), &out) == nil {
		return out
	}

	parts := strings.Split(v, ",")
	out = make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandPath expands a leading "~" to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
