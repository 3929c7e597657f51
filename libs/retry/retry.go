// Package retry classifies failures as transient or permanent and provides the
// backoff schedules used by the unit of work and the broker buses.
//
// Classification rules:
//   - an error wrapped with Permanent, or a *backoff.PermanentError, is permanent;
//   - any error matching a sentinel registered with RegisterPermanent is permanent;
//   - everything else is left to the caller's Classifier.
package retry

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrPermanent matches every error marked with Permanent.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (e *permanentError) Is(target error) bool { return target == ErrPermanent }

// Permanent marks err so that no retry layer re-attempts it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

var (
	sentinelsMu sync.RWMutex
	sentinels   []error
)

// RegisterPermanent declares sentinel errors that are always permanent.
// Packages call it from init.
func RegisterPermanent(errs ...error) {
	sentinelsMu.Lock()
	defer sentinelsMu.Unlock()
	sentinels = append(sentinels, errs...)
}

func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return true
	}
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		return true
	}
	sentinelsMu.RLock()
	defer sentinelsMu.RUnlock()
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// AnyButPermanent retries every error that is not marked permanent.
func AnyButPermanent(err error) bool {
	return err != nil && !IsPermanent(err)
}

// Only retries errors accepted by match, and never permanent ones.
func Only(match func(error) bool) Classifier {
	return func(err error) bool {
		return err != nil && !IsPermanent(err) && match(err)
	}
}

// Incremental waits initial, then initial+increment, initial+2*increment, ...
// It implements backoff.BackOff.
type Incremental struct {
	Initial   time.Duration
	Increment time.Duration
	Max       time.Duration

	attempt int
}

var _ backoff.BackOff = (*Incremental)(nil)

func (b *Incremental) NextBackOff() time.Duration {
	d := b.Initial + time.Duration(b.attempt)*b.Increment
	b.attempt++
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	if d < 0 {
		return 0
	}
	return d
}

func (b *Incremental) Reset() { b.attempt = 0 }

// Exponential returns the jittered exponential schedule used for database
// retries.
func Exponential(initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Reset()
	return b
}
