// Package repository выбирает бэкенд журнала аудита по конфигу.
package repository

import (
	"context"
	"fmt"

	"github.com/xela07ax/webasset-gate/internal/audit"
	"github.com/xela07ax/webasset-gate/internal/infra"
	"github.com/xela07ax/webasset-gate/internal/repository/postgres"
	"github.com/xela07ax/webasset-gate/internal/repository/sqlite"
)

// OpenAuditStore открывает журнал (postgres или sqlite) и прогоняет миграции.
// Возвращаемый close освобождает соединения.
func OpenAuditStore(ctx context.Context, cfg infra.DatabaseConfig) (audit.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.URL, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		repo := postgres.NewAuditRepo(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, pool.Close, nil
	case "sqlite":
		repo, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("repository: unknown database driver %q", cfg.Driver)
	}
}
