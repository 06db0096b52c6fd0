package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
)

// Lease is the exclusivity primitive the coordinator uses to enforce §5's
// lock-mode choice across process instances: at most one process may hold
// the lease for a given subject id at a time.
type Lease interface {
	Acquire(ctx context.Context, subjectID document.ID, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, subjectID document.ID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, subjectID document.ID) error
	// MarkProcessing records sagaID as in-flight with an absolute deadline,
	// for the recovery worker's backstop sweep of abandoned sagas.
	MarkProcessing(ctx context.Context, sagaID document.ID, deadline time.Time) error
	CompleteProcessing(ctx context.Context, sagaID document.ID) error
	// ExpiredProcessing returns sagaIDs whose deadline has already passed,
	// meaning the process that owned them died without completing.
	ExpiredProcessing(ctx context.Context) ([]document.ID, error)
}

// RedisLease implements Lease over a single Redis instance. Per-subject
// exclusivity uses SET NX PX, the standard Redis single-instance lock
// recipe; in-flight deadline tracking reuses the reference corpus's
// queue/redis/queue.go MarkProcessing/CompleteJob sorted-set pattern
// verbatim, since it is already exactly "member scored by deadline unix
// time, scan for expired members" — nothing in that shape is specific to
// job queues.
type RedisLease struct {
	client *redis.Client
	prefix string
}

func NewRedisLease(client *redis.Client, keyPrefix string) *RedisLease {
	if keyPrefix == "" {
		keyPrefix = "saga:"
	}
	return &RedisLease{client: client, prefix: keyPrefix}
}

func (l *RedisLease) lockKey(subjectID document.ID) string {
	return fmt.Sprintf("%slock:%s", l.prefix, subjectID.String())
}

func (l *RedisLease) processingKey() string {
	return l.prefix + "processing"
}

func (l *RedisLease) Acquire(ctx context.Context, subjectID document.ID, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.lockKey(subjectID), "1", ttl).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindTransient, "acquire saga lease", err).WithBackend("saga-lease")
	}
	return ok, nil
}

func (l *RedisLease) Renew(ctx context.Context, subjectID document.ID, ttl time.Duration) (bool, error) {
	ok, err := l.client.Expire(ctx, l.lockKey(subjectID), ttl).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindTransient, "renew saga lease", err).WithBackend("saga-lease")
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context, subjectID document.ID) error {
	if err := l.client.Del(ctx, l.lockKey(subjectID)).Err(); err != nil {
		return errs.Wrap(errs.KindTransient, "release saga lease", err).WithBackend("saga-lease")
	}
	return nil
}

func (l *RedisLease) MarkProcessing(ctx context.Context, sagaID document.ID, deadline time.Time) error {
	err := l.client.ZAdd(ctx, l.processingKey(), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: sagaID.String(),
	}).Err()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "mark saga processing", err).WithBackend("saga-lease")
	}
	return nil
}

func (l *RedisLease) CompleteProcessing(ctx context.Context, sagaID document.ID) error {
	if err := l.client.ZRem(ctx, l.processingKey(), sagaID.String()).Err(); err != nil {
		return errs.Wrap(errs.KindTransient, "complete saga processing", err).WithBackend("saga-lease")
	}
	return nil
}

func (l *RedisLease) ExpiredProcessing(ctx context.Context) ([]document.ID, error) {
	now := float64(time.Now().Unix())
	members, err := l.client.ZRangeByScore(ctx, l.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list expired saga leases", err).WithBackend("saga-lease")
	}
	out := make([]document.ID, 0, len(members))
	for _, m := range members {
		id, err := document.ParseID(m)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
