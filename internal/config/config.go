// Package config loads bmail's runtime configuration from a bmail.toml
// file plus BMAIL_-prefixed environment variables, following the
// env-var-with-fallback idiom of klistr's internal/config.Load but
// layering a TOML file underneath for the user/key settings spec.md §6
// requires to be file-configurable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds bmail's resolved runtime configuration.
type Config struct {
	UserHandle   string // user.handle / BMAIL_USER_HANDLE
	UserPassword string // user.password / BMAIL_USER_PASSWORD
	KeyFilePath  string // key.file_path / BMAIL_KEY_FILE_PATH

	PDSURL string // pds.url / BMAIL_PDS_URL

	// Tunable performance constants (spec.md §9 open question on
	// backfill pacing), each with a sensible default.
	FirehoseBuffer   int           // BMAIL_FIREHOSE_BUFFER — ingestor channel capacity (default 32)
	BackfillPageSize int           // BMAIL_BACKFILL_PAGE_SIZE — listRecords page size during backfill (default 50)
	BackfillRate     float64       // BMAIL_BACKFILL_RATE — resolver profile fetches and handle resolutions per second (default 5); backfill listRecords pages are not rate-limited
	DebugServerAddr  string        // BMAIL_DEBUG_ADDR — local status HTTP surface (default 127.0.0.1:8787)
	FirehoseRetry    time.Duration // BMAIL_FIREHOSE_RETRY (default 5s); parsed but not passed to the ingestor, which always reconnects after a fixed 5s
}

// fileConfig mirrors the bmail.toml layout of spec.md §6.
type fileConfig struct {
	User struct {
		Handle   string `toml:"handle"`
		Password string `toml:"password"`
	} `toml:"user"`
	Key struct {
		FilePath string `toml:"file_path"`
	} `toml:"key"`
	PDS struct {
		URL string `toml:"url"`
	} `toml:"pds"`
}

// Load reads bmail.toml (if present) from the working directory, then
// overlays BMAIL_-prefixed environment variables, which always win.
// Returns an error if user.handle or user.password end up unset, since
// the engine cannot authenticate without them.
func Load() (*Config, error) {
	var fc fileConfig
	if _, err := os.Stat("bmail.toml"); err == nil {
		if _, err := toml.DecodeFile("bmail.toml", &fc); err != nil {
			return nil, fmt.Errorf("bmail: parse bmail.toml: %w", err)
		}
	}

	cfg := &Config{
		UserHandle:       firstNonEmpty(os.Getenv("BMAIL_USER_HANDLE"), fc.User.Handle),
		UserPassword:     firstNonEmpty(os.Getenv("BMAIL_USER_PASSWORD"), fc.User.Password),
		KeyFilePath:      firstNonEmpty(os.Getenv("BMAIL_KEY_FILE_PATH"), fc.Key.FilePath, "bmail_identity.key"),
		PDSURL:           firstNonEmpty(os.Getenv("BMAIL_PDS_URL"), fc.PDS.URL, "https://bsky.social"),
		FirehoseBuffer:   parseInt(os.Getenv("BMAIL_FIREHOSE_BUFFER"), 32),
		BackfillPageSize: parseInt(os.Getenv("BMAIL_BACKFILL_PAGE_SIZE"), 50),
		BackfillRate:     parseFloat(os.Getenv("BMAIL_BACKFILL_RATE"), 5),
		DebugServerAddr:  firstNonEmpty(os.Getenv("BMAIL_DEBUG_ADDR"), "127.0.0.1:8787"),
		FirehoseRetry:    parseDuration(os.Getenv("BMAIL_FIREHOSE_RETRY"), 5*time.Second),
	}

	if cfg.UserHandle == "" || cfg.UserPassword == "" {
		return nil, fmt.Errorf("bmail: user.handle and user.password must be set via bmail.toml or BMAIL_USER_HANDLE/BMAIL_USER_PASSWORD")
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}

func parseFloat(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
