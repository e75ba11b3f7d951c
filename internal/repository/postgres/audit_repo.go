package postgres

/*
Файл audit_repo.go — append-only журнал аудита с хеш-цепочкой.
Хвост цепочки читается и продлевается внутри одной транзакции под
pg_advisory_xact_lock, поэтому несколько инстансов шлюза пишут в одну
цепочку без разрывов.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/webasset-gate/internal/audit"
)

// auditChainLockKey — ключ advisory lock для сериализации Append.
const auditChainLockKey int64 = 0x77656261756431 // "webaud1"

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// Migrate создает таблицу, если ее нет.
func (r *AuditRepo) Migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS audit_events (
			seq            BIGINT PRIMARY KEY,
			id             UUID        NOT NULL UNIQUE,
			actor_id       TEXT        NOT NULL,
			action         TEXT        NOT NULL,
			details        JSONB       NOT NULL DEFAULT '{}'::jsonb,
			source_address TEXT        NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			prev_hash      TEXT        NOT NULL,
			hash           TEXT        NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_actor_time ON audit_events (actor_id, created_at DESC);`

	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: audit migration failed: %w", err)
	}
	return nil
}

func (r *AuditRepo) Append(ctx context.Context, e *audit.Event) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin audit tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // после Commit это no-op

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
		return fmt.Errorf("postgres: audit chain lock: %w", err)
	}

	var prevSeq int64
	prevHash := audit.GenesisHash
	err = tx.QueryRow(ctx, `SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: read audit chain tail: %w", err)
	}

	if err := audit.Seal(prevSeq, prevHash, e); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (seq, id, actor_id, action, details, source_address, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.Seq, e.ID, e.ActorID, string(e.Action), e.Details, e.SourceAddress, e.Timestamp, e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert audit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit audit event: %w", err)
	}
	return nil
}

func (r *AuditRepo) Query(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	var (
		where = []string{"actor_id = $1"}
		args  = []any{f.ActorID}
	)
	if !f.Start.IsZero() {
		args = append(args, f.Start)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.End.IsZero() {
		args = append(args, f.End)
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	args = append(args, f.Limit)

	query := fmt.Sprintf(`
		SELECT seq, id, actor_id, action, details, source_address, created_at, prev_hash, hash
		FROM audit_events
		WHERE %s
		ORDER BY created_at DESC, seq DESC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: audit query failed: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *AuditRepo) Walk(ctx context.Context, fn func(audit.Event) error) error {
	rows, err := r.pool.Query(ctx, `
		SELECT seq, id, actor_id, action, details, source_address, created_at, prev_hash, hash
		FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("postgres: audit walk failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanEvent(row pgx.Row) (audit.Event, error) {
	var (
		e      audit.Event
		action string
	)
	err := row.Scan(&e.Seq, &e.ID, &e.ActorID, &action, &e.Details, &e.SourceAddress, &e.Timestamp, &e.PrevHash, &e.Hash)
	if err != nil {
		return audit.Event{}, fmt.Errorf("postgres: scan audit event: %w", err)
	}
	e.Action = audit.Action(action)
	e.Timestamp = audit.NormalizeTime(e.Timestamp)
	return e, nil
}
