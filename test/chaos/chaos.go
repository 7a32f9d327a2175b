package chaos

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Kills counts terminated backends.
var Kills atomic.Int64

// TerminateRandomBackend periodically kills one backend connected under
// appName, simulating a dropped connection mid-command. An empty appName
// targets any backend of the current database except the caller's.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, rng *rand.Rand, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.IntN(5) != 0 {
				continue
			}
			var killed int64
			_ = pool.QueryRow(ctx, `
SELECT count(*) FILTER (WHERE pg_terminate_backend(pid))
FROM (
    SELECT pid FROM pg_stat_activity
    WHERE datname = current_database()
      AND pid <> pg_backend_pid()
      AND ($1::text = '' OR application_name = $1::text)
    ORDER BY random()
    LIMIT 1
) victim`, appName).Scan(&killed)
			Kills.Add(killed)
		}
	}
}
