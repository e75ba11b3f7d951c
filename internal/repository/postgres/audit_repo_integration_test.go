//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/xela07ax/webasset-gate/internal/audit"
	"go.uber.org/zap"
)

// startPostgres поднимает чистый Postgres в контейнере и возвращает DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("gate_test"),
		tcpostgres.WithUsername("gate"),
		tcpostgres.WithPassword("gate_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func openRepo(t *testing.T, dsn string) (*AuditRepo, *pgxpool.Pool) {
	t.Helper()
	pool, err := NewPool(context.Background(), dsn, 4, 0)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := NewAuditRepo(pool)
	require.NoError(t, repo.Migrate(context.Background()))
	return repo, pool
}

func TestAuditRepo_Postgres(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	t.Run("two instances share one chain", func(t *testing.T) {
		a, _ := openRepo(t, dsn)
		b, _ := openRepo(t, dsn)
		trails := []*audit.Trail{
			audit.NewTrail(a, nil, zap.NewNop()),
			audit.NewTrail(b, nil, zap.NewNop()),
		}

		var wg sync.WaitGroup
		for i := range 30 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := trails[i%2].Record(ctx, audit.Event{
					ActorID: fmt.Sprintf("u-%d", i%3),
					Action:  audit.ActionLogin,
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		report, err := trails[0].Verify(ctx)
		require.NoError(t, err)
		assert.True(t, report.OK, report.Reason)
		assert.Equal(t, int64(30), report.Checked)
	})

	t.Run("query round-trips details and addresses", func(t *testing.T) {
		repo, _ := openRepo(t, dsn)
		trail := audit.NewTrail(repo, nil, zap.NewNop())
		base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

		for i := range 4 {
			_, err := trail.Record(ctx, audit.Event{
				ActorID:       "owner-pg",
				Action:        audit.ActionSessionStart,
				Details:       map[string]string{audit.DetailSessionID: fmt.Sprintf("s-%d", i), audit.DetailAsset: "bmg"},
				SourceAddress: "10.0.0.9",
				Timestamp:     base.Add(time.Duration(i) * time.Hour),
			})
			require.NoError(t, err)
		}

		events, err := trail.Query(ctx, "owner-pg", time.Time{}, time.Time{}, 0)
		require.NoError(t, err)
		require.Len(t, events, 4)
		assert.Equal(t, "s-3", events[0].Details[audit.DetailSessionID])
		assert.Equal(t, "bmg", events[0].Details[audit.DetailAsset])
		assert.Equal(t, "10.0.0.9", events[0].SourceAddress)
		assert.NotEmpty(t, events[0].ID)
		assert.True(t, events[0].Timestamp.Equal(base.Add(3*time.Hour)))

		events, err = trail.Query(ctx, "owner-pg", base.Add(time.Hour), base.Add(2*time.Hour), 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "s-2", events[0].Details[audit.DetailSessionID])

		events, err = trail.Query(ctx, "owner-pg", time.Time{}, time.Time{}, 1)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("verify detects a rewritten row", func(t *testing.T) {
		repo, pool := openRepo(t, dsn)
		trail := audit.NewTrail(repo, nil, zap.NewNop())

		var seq int64
		require.NoError(t, pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_events`).Scan(&seq))
		_, err := trail.Record(ctx, audit.Event{ActorID: "victim", Action: audit.ActionSessionStart, Details: map[string]string{audit.DetailAsset: "bmg"}})
		require.NoError(t, err)

		_, err = pool.Exec(ctx, `UPDATE audit_events SET details = '{"asset":"icred"}'::jsonb WHERE seq = $1`, seq)
		require.NoError(t, err)

		report, err := trail.Verify(ctx)
		require.NoError(t, err)
		assert.False(t, report.OK)
		assert.Equal(t, seq, report.BrokenSeq)
	})
}
