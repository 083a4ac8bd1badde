package lock

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/cuemby/sokovan/pkg/schederr"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker implements Locker with session-level advisory locks
// (pg_try_advisory_lock), holding the connection for the lease's
// lifetime the way Postgres advisory locks require: the lock is tied
// to the session, so releasing it means returning the very connection
// that acquired it.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

type pgxLease struct {
	conn    *pgxpool.Conn
	lockKey int64
}

func (l *pgxLease) Release(ctx context.Context) error {
	defer l.conn.Release()
	_, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.lockKey)
	return err
}

func (rl *PostgresLocker) Acquire(ctx context.Context, key string, _ time.Duration) (Lease, error) {
	conn, err := rl.pool.Acquire(ctx)
	if err != nil {
		return nil, schederr.Wrap(schederr.CodeLockContention, "acquire pg connection", err)
	}

	lockKey := int64(fnvHash(key))
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&acquired); err != nil {
		conn.Release()
		return nil, schederr.Wrap(schederr.CodeLockContention, "pg_try_advisory_lock failed", err)
	}
	if !acquired {
		conn.Release()
		return nil, schederr.New(schederr.CodeLockContention, "advisory lock held by another session: "+key)
	}
	return &pgxLease{conn: conn, lockKey: lockKey}, nil
}

func fnvHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
