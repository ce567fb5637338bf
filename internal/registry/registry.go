// Package registry persists licenses, subscriptions, customers, and the
// audit log in SQLite.
package registry

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Registry provides storage operations backed by SQLite.
type Registry struct {
	db *sql.DB
}

// New opens (or creates) the license registry database in dir.
func New(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "keygate.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		email       TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		external_id          TEXT PRIMARY KEY,
		customer_id          INTEGER NOT NULL REFERENCES customers(id),
		tier                 TEXT NOT NULL,
		status               TEXT NOT NULL,
		current_period_start INTEGER,
		current_period_end   INTEGER,
		cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
		canceled_at          INTEGER,
		price_id             TEXT NOT NULL DEFAULT '',
		product_id           TEXT NOT NULL DEFAULT '',
		billing_cycle        TEXT NOT NULL DEFAULT '',
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_customer ON subscriptions(customer_id);

	CREATE TABLE IF NOT EXISTS licenses (
		id                TEXT PRIMARY KEY,
		key_hash          TEXT NOT NULL UNIQUE,
		customer_id       INTEGER NOT NULL REFERENCES customers(id),
		tier              TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'active',
		subscription_id   TEXT NOT NULL DEFAULT '',
		expires_at        INTEGER,
		revoked_at        INTEGER,
		revoked_reason    TEXT NOT NULL DEFAULT '',
		suspend_reason    TEXT NOT NULL DEFAULT '',
		last_validated_at INTEGER,
		validation_count  INTEGER NOT NULL DEFAULT 0,
		last_instance_id  TEXT NOT NULL DEFAULT '',
		last_hostname     TEXT NOT NULL DEFAULT '',
		notes             TEXT NOT NULL DEFAULT '',
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_customer ON licenses(customer_id);
	CREATE INDEX IF NOT EXISTS idx_licenses_subscription ON licenses(subscription_id);
	CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status);

	CREATE TABLE IF NOT EXISTS audit_log (
		id          TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		action      TEXT NOT NULL,
		actor_type  TEXT NOT NULL,
		actor_id    TEXT NOT NULL DEFAULT '',
		details     TEXT NOT NULL DEFAULT '',
		ip_address  TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping() error {
	return r.db.Ping()
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// IsUniqueViolation reports whether err is a SQLite uniqueness-constraint
// failure. Key issuance relies on this to retry with a fresh nonce.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
