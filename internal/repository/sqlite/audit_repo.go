package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xela07ax/webasset-gate/internal/audit"

	_ "modernc.org/sqlite"
)

// timeLayout фиксированной ширины: строки сравниваются так же, как время.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// AuditRepo — журнал аудита в локальном SQLite файле (одиночный узел, стенды, gatectl).
type AuditRepo struct {
	db *sql.DB
}

// Open открывает (или создает) файл журнала и прогоняет миграцию.
func Open(path string) (*AuditRepo, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: failed to create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}
	// Один писатель: хвост цепочки читается и продлевается без гонок
	db.SetMaxOpenConns(1)

	r := &AuditRepo{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *AuditRepo) migrate() error {
	const ddl = `
        CREATE TABLE IF NOT EXISTS audit_events (
            seq            INTEGER PRIMARY KEY,
            id             TEXT    NOT NULL UNIQUE,
            actor_id       TEXT    NOT NULL,
            action         TEXT    NOT NULL,
            details        TEXT    NOT NULL DEFAULT '{}',
            source_address TEXT    NOT NULL DEFAULT '',
            created_at     TEXT    NOT NULL,
            prev_hash      TEXT    NOT NULL,
            hash           TEXT    NOT NULL
        );
        CREATE INDEX IF NOT EXISTS idx_audit_events_actor_time ON audit_events(actor_id, created_at);
    `
	if _, err := r.db.Exec(ddl); err != nil {
		return fmt.Errorf("sqlite: audit migration failed: %w", err)
	}
	return nil
}

func (r *AuditRepo) Append(ctx context.Context, e *audit.Event) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin audit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // после Commit это no-op

	var prevSeq int64
	prevHash := audit.GenesisHash
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: read audit chain tail: %w", err)
	}

	if err := audit.Seal(prevSeq, prevHash, e); err != nil {
		return err
	}

	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("sqlite: encode details: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO audit_events (seq, id, actor_id, action, details, source_address, created_at, prev_hash, hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID, e.ActorID, string(e.Action), string(details), e.SourceAddress,
		e.Timestamp.Format(timeLayout), e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert audit event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit audit event: %w", err)
	}
	return nil
}

func (r *AuditRepo) Query(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	var (
		where = []string{"actor_id = ?"}
		args  = []any{f.ActorID}
	)
	if !f.Start.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, audit.NormalizeTime(f.Start).Format(timeLayout))
	}
	if !f.End.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, audit.NormalizeTime(f.End).Format(timeLayout))
	}
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, `
        SELECT seq, id, actor_id, action, details, source_address, created_at, prev_hash, hash
        FROM audit_events WHERE `+strings.Join(where, " AND ")+`
        ORDER BY created_at DESC, seq DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: audit query failed: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, nil)
}

func (r *AuditRepo) Walk(ctx context.Context, fn func(audit.Event) error) error {
	rows, err := r.db.QueryContext(ctx, `
        SELECT seq, id, actor_id, action, details, source_address, created_at, prev_hash, hash
        FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("sqlite: audit walk failed: %w", err)
	}
	defer rows.Close()
	_, err = scanRows(rows, fn)
	return err
}

// Close закрывает соединение с файлом.
func (r *AuditRepo) Close() error {
	return r.db.Close()
}

// scanRows собирает события в срез либо, если задан fn, отдает их по одному.
func scanRows(rows *sql.Rows, fn func(audit.Event) error) ([]audit.Event, error) {
	var out []audit.Event
	for rows.Next() {
		var (
			e               audit.Event
			action, details string
			createdAt       string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.ActorID, &action, &details, &e.SourceAddress, &createdAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit event: %w", err)
		}
		e.Action = audit.Action(action)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("sqlite: decode details of seq %d: %w", e.Seq, err)
		}
		ts, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse timestamp of seq %d: %w", e.Seq, err)
		}
		e.Timestamp = ts

		if fn != nil {
			if err := fn(e); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
