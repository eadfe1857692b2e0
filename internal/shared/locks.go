package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RequisitionLockKey builds redis keys guarding requisition completion.
func RequisitionLockKey(requisitionID int64) string {
	return fmt.Sprintf("stock:requisition:%d:lock", requisitionID)
}

// StockCountLockKey builds redis keys guarding stock count finalization.
func StockCountLockKey(countID int64) string {
	return fmt.Sprintf("stock:count:%d:lock", countID)
}

// ErrLockHeld indicates another process owns the lock.
var ErrLockHeld = errors.New("lock held by another process")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short lived redis locks for critical sections spanning a whole workflow action.
// It never blocks: a held lock fails immediately.
type Locker struct {
	client *redis.Client
}

// NewLocker constructs Locker. A nil client yields a Locker whose Acquire always succeeds.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire takes the lock for ttl and returns the release func.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, &ConcurrencyConflictError{Resource: key, Err: ErrLockHeld}
	}
	return func() {
		// The caller's context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}, nil
}
