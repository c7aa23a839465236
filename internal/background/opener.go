package background

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/Markmu/sector-strength-sub001/internal/config"
	"github.com/Markmu/sector-strength-sub001/internal/platform/postgres"
	"github.com/Markmu/sector-strength-sub001/internal/task"
)

// PoolBinder builds, from the executor's pool, the decorator applied to
// every handler context. Handler collaborators that write to the database
// are attached here so they never borrow connections from the API pool.
type PoolBinder func(db *sql.DB) func(ctx context.Context) context.Context

// SQLOpener returns an opener that gives the executor its own pool of at
// most maxConns connections to the configured database. bind may be nil.
func SQLOpener(cfg config.DatabaseConfig, maxConns int, logger *slog.Logger, bind PoolBinder, opts ...task.ManagerOption) task.ManagerOpener {
	return func(ctx context.Context) (*task.Session, error) {
		db, err := postgres.Open(ctx, cfg, maxConns)
		if err != nil {
			return nil, err
		}
		sess := &task.Session{
			Manager: task.NewManager(postgres.NewTaskStore(db), logger, opts...),
			Closer:  db,
		}
		if bind != nil {
			sess.Bind = bind(db)
		}
		return sess, nil
	}
}
