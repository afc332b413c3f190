// Package filelock implements cross-process mutual exclusion via atomic
// directory creation, the same primitive the teacher's content-addressed
// stores use for atomic write-then-rename, generalized here to a
// lock/release pair bounded by retry count rather than content hash.
package filelock

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/atlas-gate/gatekernel/pkg/errs"
)

// Lock represents an acquired cross-process mutex backed by a directory.
type Lock struct {
	path string
}

// errBusy signals EEXIST to backoff.Retry as a retryable condition.
var errBusy = errors.New("filelock: directory exists")

// jitteredConstant wraps backoff.ConstantBackOff and adds the
// uniform_jitter(0, 20ms) spec.md §4.B calls for on top of the fixed
// retry interval.
type jitteredConstant struct {
	*backoff.ConstantBackOff
}

func (j jitteredConstant) NextBackOff() time.Duration {
	return j.ConstantBackOff.NextBackOff() + time.Duration(rand.Intn(20))*time.Millisecond
}

// Acquire attempts mkdir(path) as the mutual-exclusion primitive. On
// EEXIST it retries at a constant retryInterval with uniform jitter in
// [0, 20ms) added by jitteredConstant, for at most maxRetries retries
// after the first attempt, after which it fails LOCK_ACQUISITION_FAILED.
func Acquire(path string, retryInterval time.Duration, maxRetries int) (*Lock, error) {
	bo := backoff.NewConstantBackOff(retryInterval)

	operation := func() (struct{}, error) {
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return struct{}{}, nil
		}
		if !os.IsExist(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, errBusy
	}

	_, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(jitteredConstant{bo}),
		backoff.WithMaxTries(uint(maxRetries)+1),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, errs.Wrap(errs.CodeAuditLockFailed, "lock directory could not be created", perm.Unwrap())
		}
		return nil, errs.Wrap(errs.CodeAuditLockFailed, "lock acquisition exhausted retries", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock directory. A missing directory (ENOENT) is
// treated idempotently: releasing an already-released lock is not an
// error.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.CodeAuditLockFailed, "failed to release lock", err)
	}
	return nil
}
