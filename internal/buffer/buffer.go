// Package buffer coalesces bursts of user messages into one agent call.
//
// Buffer holds the per-user state (pending fragments, last activity, the
// processing lock), Ingestor is the entry point for each inbound message and
// Processor waits out the quiet period and drains a batch.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"dm-agent/internal/domain"
	"dm-agent/internal/observability"
	"dm-agent/internal/store"
)

const (
	DefaultBufferTTL = 5 * time.Minute
	DefaultLockTTL   = 60 * time.Second

	keyBuffer = "BUF#"
	keySeen   = "SEEN#"
	keyLock   = "LOCK#"
)

// Buffer is the per-user message queue, last-activity timestamp and
// processing lock. Each method is a single store round trip.
type Buffer struct {
	store     store.Store
	bufferTTL time.Duration
	lockTTL   time.Duration
	now       func() time.Time
}

type Option func(*Buffer)

func WithBufferTTL(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.bufferTTL = d
		}
	}
}

func WithLockTTL(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.lockTTL = d
		}
	}
}

// WithClock overrides the time source for last-activity stamps.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		b.now = now
	}
}

func New(s store.Store, opts ...Option) (*Buffer, error) {
	if s == nil {
		return nil, errors.New("buffer: store must not be nil")
	}
	b := &Buffer{
		store:     s,
		bufferTTL: DefaultBufferTTL,
		lockTTL:   DefaultLockTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func bufferKey(userID string) string { return keyBuffer + userID }
func seenKey(userID string) string   { return keySeen + userID }
func lockKey(userID string) string   { return keyLock + userID }

// Append pushes f onto the tail of the user's queue and refreshes its TTL.
func (b *Buffer) Append(ctx context.Context, userID string, f domain.Fragment) error {
	raw, err := f.Encode()
	if err != nil {
		return fmt.Errorf("buffer: append: %w", err)
	}
	if err := b.store.Append(ctx, bufferKey(userID), raw, b.bufferTTL); err != nil {
		return fmt.Errorf("buffer: append: %w", err)
	}
	return nil
}

// TouchTimer records now as the user's last activity.
func (b *Buffer) TouchTimer(ctx context.Context, userID string) error {
	stamp := strconv.FormatInt(b.now().UnixMilli(), 10)
	if err := b.store.Set(ctx, seenKey(userID), stamp, b.bufferTTL); err != nil {
		return fmt.Errorf("buffer: touch timer: %w", err)
	}
	return nil
}

// DrainAll atomically takes every pending fragment in append order. Stored
// values that no longer decode are logged and skipped.
func (b *Buffer) DrainAll(ctx context.Context, userID string) ([]domain.Fragment, error) {
	raws, err := b.store.Drain(ctx, bufferKey(userID))
	if err != nil {
		return nil, fmt.Errorf("buffer: drain: %w", err)
	}
	frags := make([]domain.Fragment, 0, len(raws))
	for _, raw := range raws {
		f, err := domain.DecodeFragment(raw)
		if err != nil {
			slog.WarnContext(ctx, "skipping undecodable fragment",
				"user", observability.MaskID(userID), "err", err)
			continue
		}
		frags = append(frags, f)
	}
	return frags, nil
}

// LastActivity returns the last TouchTimer stamp, or the zero time.
func (b *Buffer) LastActivity(ctx context.Context, userID string) (time.Time, error) {
	e, ok, err := b.store.Get(ctx, seenKey(userID))
	if err != nil {
		return time.Time{}, fmt.Errorf("buffer: last activity: %w", err)
	}
	if !ok {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(e.Value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("buffer: last activity: parse %q: %w", e.Value, err)
	}
	return time.UnixMilli(ms), nil
}

// TryAcquireLock is an atomic test-and-set of the user's processing lock.
func (b *Buffer) TryAcquireLock(ctx context.Context, userID string) (bool, error) {
	ok, err := b.store.SetIfAbsent(ctx, lockKey(userID), "1", b.lockTTL)
	if err != nil {
		return false, fmt.Errorf("buffer: acquire lock: %w", err)
	}
	return ok, nil
}

// LockExpiry returns when the user's processing lock expires, or the zero
// time when it is not held.
func (b *Buffer) LockExpiry(ctx context.Context, userID string) (time.Time, error) {
	e, ok, err := b.store.Get(ctx, lockKey(userID))
	if err != nil {
		return time.Time{}, fmt.Errorf("buffer: lock expiry: %w", err)
	}
	if !ok {
		return time.Time{}, nil
	}
	return e.ExpiresAt, nil
}

// ReleaseLock deletes the lock. Releasing a free lock is not an error.
func (b *Buffer) ReleaseLock(ctx context.Context, userID string) error {
	if _, err := b.store.Delete(ctx, lockKey(userID)); err != nil {
		return fmt.Errorf("buffer: release lock: %w", err)
	}
	return nil
}
