// Package store persists users, Kiro tokens, custom API accounts, and
// sessions in a single SQL database. Secrets are encrypted before they reach
// a column; lookups go through the stable token hash.
//
// Two engines are supported, chosen by the DSN: an embedded SQLite file
// (default) and PostgreSQL for deployments that already run one.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/router-for-me/KiroGateAPI/internal/crypto"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders to the $N form PostgreSQL expects. SQLite
// queries pass through untouched.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Store is the persistence layer. All mutating operations serialize through
// mu so multi-statement updates stay atomic on the embedded engine; reads go
// straight to the pool.
type Store struct {
	db      *sql.DB
	cipher  *crypto.Cipher
	dialect dialect

	mu sync.Mutex
}

// Open connects to the database named by dsn, creates missing tables, and
// runs column migrations. A dsn starting with postgres:// or postgresql://
// selects the PostgreSQL driver; anything else is treated as a SQLite path.
func Open(ctx context.Context, dsn string, cipher *crypto.Cipher) (*Store, error) {
	if cipher == nil {
		return nil, fmt.Errorf("store: cipher is required")
	}

	driver, dataSource, d := resolveDriver(dsn)
	db, err := sql.Open(driver, dataSource)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, cipher: cipher, dialect: d}
	if err = s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err = s.ensureColumns(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.WithFields(log.Fields{"kind": driver}).Info("store opened")
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func resolveDriver(dsn string) (driver, dataSource string, d dialect) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx", dsn, dialectPostgres
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	return "sqlite", dsn, dialectSQLite
}

func (s *Store) createSchema(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == dialectPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id ` + pk + `,
			credential_identifier TEXT NOT NULL UNIQUE,
			password_digest TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id ` + pk + `,
			user_id BIGINT NOT NULL DEFAULT 0,
			token_hash TEXT NOT NULL UNIQUE,
			refresh_token TEXT NOT NULL,
			auth_type TEXT NOT NULL DEFAULT 'social',
			client_id TEXT,
			client_secret TEXT,
			region TEXT NOT NULL DEFAULT 'us-east-1',
			visibility TEXT NOT NULL DEFAULT 'private',
			status TEXT NOT NULL DEFAULT 'active',
			success_count BIGINT NOT NULL DEFAULT 0,
			fail_count BIGINT NOT NULL DEFAULT 0,
			last_used TIMESTAMP,
			last_check TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS custom_api_accounts (
			id ` + pk + `,
			user_id BIGINT NOT NULL DEFAULT 0,
			name TEXT,
			api_base TEXT NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			format TEXT NOT NULL DEFAULT 'openai',
			status TEXT NOT NULL DEFAULT 'active',
			success_count BIGINT NOT NULL DEFAULT 0,
			fail_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}
	return nil
}

// columnMigrations lists columns added after the initial schema. ensureColumns
// backfills them on open so older database files keep working.
var columnMigrations = []struct {
	table  string
	column string
	ddl    string
}{
	{"users", "api_key_hash", "TEXT NOT NULL DEFAULT ''"},
	{"tokens", "opus_enabled", "BOOLEAN NOT NULL DEFAULT FALSE"},
	{"tokens", "check_note", "TEXT NOT NULL DEFAULT ''"},
	{"custom_api_accounts", "provider", "TEXT"},
	{"custom_api_accounts", "model", "TEXT"},
}

func (s *Store) ensureColumns(ctx context.Context) error {
	existing := map[string]map[string]bool{}
	for _, m := range columnMigrations {
		cols, ok := existing[m.table]
		if !ok {
			var err error
			cols, err = s.listColumns(ctx, m.table)
			if err != nil {
				return err
			}
			existing[m.table] = cols
		}
		if cols[m.column] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.ddl)
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("store: add column %s.%s: %w", m.table, m.column, err)
		}
		log.WithFields(log.Fields{"kind": "migration"}).Infof("added column %s.%s", m.table, m.column)
	}
	return nil
}

func (s *Store) listColumns(ctx context.Context, table string) (map[string]bool, error) {
	cols := map[string]bool{}

	if s.dialect == dialectPostgres {
		rows, err := s.db.QueryContext(ctx,
			`SELECT column_name FROM information_schema.columns WHERE table_name = $1`, table)
		if err != nil {
			return nil, fmt.Errorf("store: list columns of %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err = rows.Scan(&name); err != nil {
				return nil, err
			}
			cols[name] = true
		}
		return cols, rows.Err()
	}

	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return nil, fmt.Errorf("store: list columns of %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err = rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// insertReturningID runs an INSERT and reports the generated id. PostgreSQL
// has no LastInsertId, so the query gains a RETURNING clause there.
func (s *Store) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	if s.dialect == dialectPostgres {
		var id int64
		err := s.db.QueryRowContext(ctx, s.dialect.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
