package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrLockNotAcquired is returned when every attempt to take a named lock failed.
var ErrLockNotAcquired = errors.New("named lock not acquired")

const (
	// DefaultLockAttemptTimeout is how long one acquisition attempt may wait.
	DefaultLockAttemptTimeout = time.Second
	// DefaultLockMaxRetries bounds the number of attempts.
	DefaultLockMaxRetries = 30
	// DefaultLockTTL releases locks left behind by a crashed holder.
	DefaultLockTTL = time.Hour
)

// Locker hands out short-timeout advisory locks by name.
type Locker interface {
	// Acquire makes up to MaxRetries attempts of one AttemptTimeout each and
	// returns ErrLockNotAcquired when all of them fail.
	Acquire(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
}

// WithLock runs fn while holding name. ErrLockNotAcquired is returned unchanged
// so callers can treat it as "skip this cycle".
func WithLock(ctx context.Context, locker Locker, logger *slog.Logger, name string, fn func(ctx context.Context) error) error {
	if err := locker.Acquire(ctx, name); err != nil {
		return err
	}
	defer func() {
		if err := locker.Release(context.WithoutCancel(ctx), name); err != nil {
			logger.Warn("Failed to release named lock", slog.String("lock", name), slog.Any("error", err))
		}
	}()
	return fn(ctx)
}

// NamedLock is a row in named_locks. One row per held lock.
type NamedLock struct {
	Name      string    `gorm:"primaryKey;size:191"`
	Owner     string    `gorm:"size:64;not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (NamedLock) TableName() string { return "named_locks" }

// DBLocker implements Locker with an insert-if-absent row per lock name.
// It works the same on SQLite and PostgreSQL.
type DBLocker struct {
	db             *gorm.DB
	logger         *slog.Logger
	owner          string
	AttemptTimeout time.Duration
	MaxRetries     int
	TTL            time.Duration
	now            func() time.Time
}

// NewDBLocker returns a table-backed locker with the default retry policy.
func NewDBLocker(conn Connector, logger *slog.Logger, maxRetries int) *DBLocker {
	if maxRetries <= 0 {
		maxRetries = DefaultLockMaxRetries
	}
	return &DBLocker{
		db:             conn.GetConnection(),
		logger:         logger,
		owner:          uuid.NewString(),
		AttemptTimeout: DefaultLockAttemptTimeout,
		MaxRetries:     maxRetries,
		TTL:            DefaultLockTTL,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (l *DBLocker) tryAcquire(ctx context.Context, name string) (bool, error) {
	now := l.now()
	db := l.db.WithContext(ctx)

	if err := db.Where("name = ? AND expires_at < ?", name, now).Delete(&NamedLock{}).Error; err != nil {
		return false, fmt.Errorf("expire stale lock %s: %w", name, err)
	}

	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&NamedLock{
		Name:      name,
		Owner:     l.owner,
		ExpiresAt: now.Add(l.TTL),
	})
	if result.Error != nil {
		return false, fmt.Errorf("insert lock %s: %w", name, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (l *DBLocker) Acquire(ctx context.Context, name string) error {
	for attempt := 1; attempt <= l.MaxRetries; attempt++ {
		ok, err := l.tryAcquire(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		l.logger.Debug("Named lock busy", slog.String("lock", name), slog.Int("attempt", attempt))
		if attempt == l.MaxRetries {
			break
		}
		select {
		case <-time.After(l.AttemptTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s", ErrLockNotAcquired, name)
}

func (l *DBLocker) Release(ctx context.Context, name string) error {
	return l.db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, l.owner).
		Delete(&NamedLock{}).Error
}
