// Package sqlstore is bmail's durable local cache: it persists the
// recipient_active_time highwater marks and a local copy of the rc_map
// directory so a restart does not force a full backfill. It is adapted
// from klistr's internal/db.Store — same dual-driver Open/Migrate/ph()
// placeholder pattern and KV/audit-log tables — repurposed from
// ActivityPub/Nostr object bridging to bmail's sync bookkeeping.
package sqlstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection holding bmail's local durable
// cache.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. url may be a bare file path or
// "sqlite://..." (SQLite), or "postgres://..." (PostgreSQL).
func Open(url string) (*Store, error) {
	driver, dsn := detectDriver(url)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("bmail: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("bmail: ping db: %w", err)
	}

	if driver == "sqlite" {
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("bmail: sqlite pragma (%s): %w", pragma, err)
			}
		}
		slog.Info("sqlite local cache opened", "max_conns", sqliteMaxConns)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS recipient_active_time (
		conversation_id TEXT NOT NULL,
		participant_did TEXT NOT NULL,
		active_time     TEXT NOT NULL,
		PRIMARY KEY (conversation_id, participant_did)
	)`,
	`CREATE TABLE IF NOT EXISTS rc_map_cache (
		owner_did        TEXT NOT NULL,
		participants_key TEXT NOT NULL,
		conversation_id  TEXT NOT NULL,
		PRIMARY KEY (owner_did, participants_key)
	)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		ts     TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_ts ON audit_log(ts)`,
}

// Migrate runs all pending migrations.
func (s *Store) Migrate() error {
	slog.Info("running local cache migrations")
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("bmail: migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("local cache migrations complete")
	return nil
}

// SetRecipientActiveTime upserts the highwater mark for participant
// within conversation.
func (s *Store) SetRecipientActiveTime(conversationID, participantDID string, t time.Time) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO recipient_active_time (conversation_id, participant_did, active_time)
		     VALUES (?, ?, ?)
		     ON CONFLICT(conversation_id, participant_did) DO UPDATE SET active_time=excluded.active_time`
	} else {
		q = `INSERT INTO recipient_active_time (conversation_id, participant_did, active_time)
		     VALUES ($1, $2, $3)
		     ON CONFLICT(conversation_id, participant_did) DO UPDATE SET active_time=EXCLUDED.active_time`
	}
	_, err := s.db.Exec(q, conversationID, participantDID, t.UTC().Format(time.RFC3339Nano))
	return err
}

// RecipientActiveTime returns the cached highwater mark for participant
// within conversation, if any.
func (s *Store) RecipientActiveTime(conversationID, participantDID string) (time.Time, bool) {
	var raw string
	err := s.db.QueryRow(
		`SELECT active_time FROM recipient_active_time WHERE conversation_id = `+s.ph(1)+` AND participant_did = `+s.ph(2),
		conversationID, participantDID,
	).Scan(&raw)
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CacheRCMapEntry records that ownerDID's rc_map maps participantsKey to
// conversationID, so a later lookup can skip the network round-trip.
func (s *Store) CacheRCMapEntry(ownerDID, participantsKey, conversationID string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO rc_map_cache (owner_did, participants_key, conversation_id)
		     VALUES (?, ?, ?)
		     ON CONFLICT(owner_did, participants_key) DO UPDATE SET conversation_id=excluded.conversation_id`
	} else {
		q = `INSERT INTO rc_map_cache (owner_did, participants_key, conversation_id)
		     VALUES ($1, $2, $3)
		     ON CONFLICT(owner_did, participants_key) DO UPDATE SET conversation_id=EXCLUDED.conversation_id`
	}
	_, err := s.db.Exec(q, ownerDID, participantsKey, conversationID)
	return err
}

// LookupRCMapEntry returns the cached ConversationID for ownerDID's
// participantsKey, if any.
func (s *Store) LookupRCMapEntry(ownerDID, participantsKey string) (string, bool) {
	var conversationID string
	err := s.db.QueryRow(
		`SELECT conversation_id FROM rc_map_cache WHERE owner_did = `+s.ph(1)+` AND participants_key = `+s.ph(2),
		ownerDID, participantsKey,
	).Scan(&conversationID)
	if err != nil {
		return "", false
	}
	return conversationID, true
}

// SetKV upserts a key-value pair, used for persistent state like the
// last-seen firehose sequence number.
func (s *Store) SetKV(key, value string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	} else {
		q = `INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`
	}
	_, err := s.db.Exec(q, key, value)
	return err
}

// GetKV retrieves a value by key. Returns ("", false) if not found.
func (s *Store) GetKV(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = `+s.ph(1), key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// WriteAuditLog appends a best-effort entry to the audit log.
func (s *Store) WriteAuditLog(action, detail string) error {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO audit_log (ts, action, detail) VALUES (?, ?, ?)`
	} else {
		q = `INSERT INTO audit_log (ts, action, detail) VALUES ($1, $2, $3)`
	}
	_, err := s.db.Exec(q, ts, action, detail)
	return err
}

// ph returns the SQL placeholder token for the nth argument (1-based).
// SQLite uses ? for every argument; PostgreSQL uses $n.
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}
