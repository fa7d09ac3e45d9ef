// Package lock provides scoped, cross-process exclusive locks on a file path.
//
// Locks are advisory (flock(2) on Unix, LockFileEx on Windows, via gofrs/flock)
// and acquisition is bounded: a contended lock is retried with exponential
// backoff and gives up with a *TimeoutError once the retry budget is spent.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/steveyegge/killswitch/internal/util"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("lock acquisition timed out")

var errBusy = errors.New("lock held by another owner")

// TimeoutError reports a lock that could not be acquired within the retry budget.
type TimeoutError struct {
	Path     string
	Attempts int
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock %s not acquired after %d attempts (%v)", e.Path, e.Attempts, e.Waited.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrTimeout) true for any *TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// DefaultPolicy is one attempt plus three retries at 0.5s, 1s and 2s.
func DefaultPolicy() util.RetryPolicy {
	return util.RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
	}
}

// Handle is an acquired exclusive lock. Release is idempotent.
type Handle struct {
	Path       string
	Owner      string
	AcquiredAt time.Time

	fl   *flock.Flock
	once sync.Once
	err  error
}

// Release unlocks the file. Safe to call more than once.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if err := h.fl.Unlock(); err != nil {
			h.err = fmt.Errorf("releasing lock %s: %w", h.Path, err)
		}
	})
	return h.err
}

// Acquire takes the exclusive lock at path, retrying contention per policy.
// The lock file and its directory are created if missing.
func Acquire(ctx context.Context, path, owner string, policy util.RetryPolicy) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	fl := flock.New(path)
	start := time.Now()
	attempts := 0

	policy.IsRetryable = func(err error) bool { return errors.Is(err, errBusy) }
	err := util.RetryDo(ctx, policy, func() error {
		attempts++
		locked, err := fl.TryLock()
		if err != nil {
			return util.MarkPermanent(fmt.Errorf("acquiring lock %s: %w", path, err))
		}
		if !locked {
			return errBusy
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errBusy) {
			return nil, &TimeoutError{Path: path, Attempts: attempts, Waited: time.Since(start)}
		}
		return nil, err
	}

	return &Handle{
		Path:       path,
		Owner:      owner,
		AcquiredAt: time.Now().UTC(),
		fl:         fl,
	}, nil
}

// With runs fn while holding the lock at path. The lock is released on every
// exit path, including when fn returns an error.
func With(ctx context.Context, path, owner string, policy util.RetryPolicy, fn func(*Handle) error) (err error) {
	h, err := Acquire(ctx, path, owner, policy)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := h.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn(h)
}

// Held reports whether another owner currently holds the lock at path.
func Held(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("probing lock %s: %w", path, err)
	}
	if locked {
		_ = fl.Unlock()
		return false, nil
	}
	return true, nil
}
