package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/andrewmaspero/imap-icloud-migration/internal/config"
)

func clearMigEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		if len(e) > 4 && e[:4] == "MIG_" {
			key := e[:indexByte(e, '=')]
			os.Unsetenv(key)
			t.Cleanup(func() { os.Unsetenv(key) })
		}
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	os.Setenv(key, val)
	t.Cleanup(func() { os.Unsetenv(key) })
}

func minimalValidEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "MIG_IMAP__USERNAME", "user@icloud.com")
	setEnv(t, "MIG_IMAP__APP_PASSWORD", "app-specific-password")
	setEnv(t, "MIG_GMAIL__TARGET_USER_EMAIL", "user@gmail.com")
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearMigEnv(t)
	minimalValidEnv(t)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.IMAP.Host != "imap.mail.me.com" {
		t.Errorf("IMAP.Host = %q, want default", cfg.IMAP.Host)
	}
	if cfg.IMAP.Port != 993 {
		t.Errorf("IMAP.Port = %d, want 993", cfg.IMAP.Port)
	}
	if !cfg.IMAP.SSL {
		t.Error("IMAP.SSL should default true")
	}
	if cfg.IMAP.Connections != 2 {
		t.Errorf("IMAP.Connections = %d, want 2", cfg.IMAP.Connections)
	}
	if cfg.IMAP.BatchSize != 50 {
		t.Errorf("IMAP.BatchSize = %d, want 50", cfg.IMAP.BatchSize)
	}
	if cfg.IMAP.SearchQuery != "ALL" {
		t.Errorf("IMAP.SearchQuery = %q, want ALL", cfg.IMAP.SearchQuery)
	}
	if cfg.Gmail.Mode != config.ModeImport {
		t.Errorf("Gmail.Mode = %q, want import", cfg.Gmail.Mode)
	}
	if cfg.Gmail.InternalDateSource != config.DateSourceHeader {
		t.Errorf("Gmail.InternalDateSource = %q, want dateHeader", cfg.Gmail.InternalDateSource)
	}
	if cfg.Gmail.LabelPrefix != "iCloud" {
		t.Errorf("Gmail.LabelPrefix = %q, want iCloud", cfg.Gmail.LabelPrefix)
	}
	if !cfg.Filter.IncludeSender || !cfg.Filter.IncludeRecipients {
		t.Error("Filter include flags should default true")
	}
	if cfg.Storage.FingerprintBodyBytes != 4096 {
		t.Errorf("Storage.FingerprintBodyBytes = %d, want 4096", cfg.Storage.FingerprintBodyBytes)
	}
	if cfg.Concurrency.GmailWorkers != 10 {
		t.Errorf("Concurrency.GmailWorkers = %d, want 10", cfg.Concurrency.GmailWorkers)
	}
	if cfg.Concurrency.IMAPFetchConcurrency != 5 {
		t.Errorf("Concurrency.IMAPFetchConcurrency = %d, want 5", cfg.Concurrency.IMAPFetchConcurrency)
	}
	if cfg.Concurrency.QueueMaxSize != 1000 {
		t.Errorf("Concurrency.QueueMaxSize = %d, want 1000", cfg.Concurrency.QueueMaxSize)
	}
}

func TestLoadComputesStoragePaths(t *testing.T) {
	clearMigEnv(t)
	minimalValidEnv(t)
	setEnv(t, "MIG_STORAGE__ROOT_DIR", "/tmp/migtest")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, want := cfg.Storage.EvidenceDir, filepath.Join("/tmp/migtest", "evidence"); got != want {
		t.Errorf("EvidenceDir = %q, want %q", got, want)
	}
	if got, want := cfg.Storage.SQLitePath, filepath.Join("/tmp/migtest", "state.sqlite3"); got != want {
		t.Errorf("SQLitePath = %q, want %q", got, want)
	}
}

func TestLoadMissingUsernameFails(t *testing.T) {
	clearMigEnv(t)
	setEnv(t, "MIG_IMAP__APP_PASSWORD", "x")
	setEnv(t, "MIG_GMAIL__TARGET_USER_EMAIL", "user@gmail.com")

	if _, err := config.Load(""); err == nil {
		t.Error("expected error when MIG_IMAP__USERNAME is missing")
	}
}

func TestLoadRejectsOutOfRangeConnections(t *testing.T) {
	clearMigEnv(t)
	minimalValidEnv(t)
	setEnv(t, "MIG_IMAP__CONNECTIONS", "99")

	if _, err := config.Load(""); err == nil {
		t.Error("expected error for MIG_IMAP__CONNECTIONS out of [1,10]")
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	clearMigEnv(t)
	minimalValidEnv(t)
	setEnv(t, "MIG_GMAIL__MODE", "delete")

	if _, err := config.Load(""); err == nil {
		t.Error("expected error for invalid MIG_GMAIL__MODE")
	}
}

func TestLoadParsesJSONList(t *testing.T) {
	clearMigEnv(t)
	minimalValidEnv(t)
	setEnv(t, "MIG_FILTER__TARGET_ADDRESSES", `["a@example.com", "b@example.com"]`)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Filter.TargetAddresses) != 2 || cfg.Filter.TargetAddresses[0] != "a@example.com" {
		t.Errorf("TargetAddresses = %v, want [a@example.com b@example.com]", cfg.Filter.TargetAddresses)
	}
}

func TestLoadParsesCSVList(t *testing.T) {
	clearMigEnv(t)
	minimalValidEnv(t)
	setEnv(t, "MIG_IMAP__FOLDER_EXCLUDE", "Trash, Junk , Spam")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"Trash", "Junk", "Spam"}
	if len(cfg.IMAP.FolderExclude) != len(want) {
		t.Fatalf("FolderExclude = %v, want %v", cfg.IMAP.FolderExclude, want)
	}
	for i := range want {
		if cfg.IMAP.FolderExclude[i] != want[i] {
			t.Errorf("FolderExclude[%d] = %q, want %q", i, cfg.IMAP.FolderExclude[i], want[i])
		}
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	clearMigEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	contents := "MIG_IMAP__USERNAME=fromfile@icloud.com\n" +
		"MIG_IMAP__APP_PASSWORD=secret\n" +
		"MIG_GMAIL__TARGET_USER_EMAIL=fromfile@gmail.com\n"
	if err := os.WriteFile(envPath, []byte(contents), 0600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := config.Load(envPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IMAP.Username != "fromfile@icloud.com" {
		t.Errorf("IMAP.Username = %q, want value loaded from .env file", cfg.IMAP.Username)
	}
}
