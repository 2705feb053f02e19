// Package blocker suppresses agent replies while a human operator is talking
// to a user, and tells the agent's own echoed sends apart from the operator's.
//
// Every method degrades to "not blocked" and "no marker" when the store
// fails; the chat path never sees a blocker error.
package blocker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strings"
	"time"

	"dm-agent/internal/observability"
	"dm-agent/internal/store"
)

const (
	DefaultBlockTTL = 5 * time.Minute
	DefaultEchoTTL  = 120 * time.Second

	fingerprintLen = 20

	keyBlock = "BLOCK#"
	keyEcho  = "ECHO#"

	blockValue = "manual"
)

type Blocker struct {
	store    store.Store
	blockTTL time.Duration
	echoTTL  time.Duration
	now      func() time.Time
}

type Option func(*Blocker)

func WithBlockTTL(d time.Duration) Option {
	return func(b *Blocker) {
		if d > 0 {
			b.blockTTL = d
		}
	}
}

func WithEchoTTL(d time.Duration) Option {
	return func(b *Blocker) {
		if d > 0 {
			b.echoTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Blocker) {
		b.now = now
	}
}

func New(s store.Store, opts ...Option) (*Blocker, error) {
	if s == nil {
		return nil, errors.New("blocker: store must not be nil")
	}
	b := &Blocker{
		store:    s,
		blockTTL: DefaultBlockTTL,
		echoTTL:  DefaultEchoTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Fingerprint is the first 20 hex chars of the SHA-256 of the trimmed text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

func blockKey(userID string) string { return keyBlock + userID }

func echoKey(userID, text string) string {
	return keyEcho + userID + "#" + Fingerprint(text)
}

// MarkInteraction blocks the user for the block TTL. An existing block keeps
// its original expiry.
func (b *Blocker) MarkInteraction(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	log := observability.LoggerFromContext(ctx).With("user", observability.MaskID(userID))
	created, err := b.store.SetIfAbsent(ctx, blockKey(userID), blockValue, b.blockTTL)
	if err != nil {
		log.Error("failed to mark manual interaction", "err", err)
		return
	}
	if created {
		log.Info("agent blocked after manual message", "ttl_seconds", int(b.blockTTL.Seconds()))
		return
	}
	log.Debug("agent already blocked")
}

func (b *Blocker) IsBlocked(ctx context.Context, userID string) bool {
	_, ok := b.RemainingSeconds(ctx, userID)
	return ok
}

// RemainingSeconds returns the whole seconds left on the user's block,
// rounded up, and false when the user is not blocked.
func (b *Blocker) RemainingSeconds(ctx context.Context, userID string) (int, bool) {
	if userID == "" {
		return 0, false
	}
	e, ok, err := b.store.Get(ctx, blockKey(userID))
	if err != nil {
		observability.LoggerFromContext(ctx).Error("failed to read block",
			"user", observability.MaskID(userID), "err", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	left := e.ExpiresAt.Sub(b.now())
	if left <= 0 {
		return 0, false
	}
	return int(math.Ceil(left.Seconds())), true
}

// Unblock lifts the user's block and reports whether one was active.
func (b *Blocker) Unblock(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	existed, err := b.store.Delete(ctx, blockKey(userID))
	if err != nil {
		observability.LoggerFromContext(ctx).Error("failed to unblock",
			"user", observability.MaskID(userID), "err", err)
		return false
	}
	return existed
}

// RegisterOutboundMessage records that the agent just sent text to the user,
// so the platform echo of it is not taken for an operator message.
func (b *Blocker) RegisterOutboundMessage(ctx context.Context, userID, text string) {
	if userID == "" || strings.TrimSpace(text) == "" {
		return
	}
	if err := b.store.Set(ctx, echoKey(userID, text), "1", b.echoTTL); err != nil {
		observability.LoggerFromContext(ctx).Error("failed to register outbound echo",
			"user", observability.MaskID(userID), "err", err)
	}
}

// ConsumeOutboundEcho deletes the marker for (user, text) and reports whether
// it existed. A marker is consumed at most once.
func (b *Blocker) ConsumeOutboundEcho(ctx context.Context, userID, text string) bool {
	if userID == "" || strings.TrimSpace(text) == "" {
		return false
	}
	existed, err := b.store.Delete(ctx, echoKey(userID, text))
	if err != nil {
		observability.LoggerFromContext(ctx).Error("failed to consume outbound echo",
			"user", observability.MaskID(userID), "err", err)
		return false
	}
	return existed
}
