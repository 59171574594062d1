package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills one backend of the current
// database whose application_name matches appLike. An empty appLike matches
// every backend except the caller's own.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appLike string, stop <-chan struct{}) {
	if appLike == "" {
		appLike = "%"
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `
					SELECT pg_terminate_backend(pid)
					FROM pg_stat_activity
					WHERE datname = current_database()
					  AND pid <> pg_backend_pid()
					  AND application_name LIKE $1
					ORDER BY random()
					LIMIT 1`, appLike)
			}
		}
	}
}
