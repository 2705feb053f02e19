package blocker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dm-agent/internal/store"
	"dm-agent/internal/store/memory"
)

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type unreachableStore struct{}

var errUnreachable = errors.New("dial tcp: connection refused")

func (unreachableStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errUnreachable
}
func (unreachableStore) Set(context.Context, string, string, time.Duration) error {
	return errUnreachable
}
func (unreachableStore) Get(context.Context, string) (store.Entry, bool, error) {
	return store.Entry{}, false, errUnreachable
}
func (unreachableStore) Delete(context.Context, string) (bool, error) { return false, errUnreachable }
func (unreachableStore) Append(context.Context, string, string, time.Duration) error {
	return errUnreachable
}
func (unreachableStore) Drain(context.Context, string) ([]string, error) {
	return nil, errUnreachable
}

func newTestBlocker(t *testing.T) (*Blocker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: t0}
	b, err := New(memory.New(memory.WithClock(clock.Now)), WithClock(clock.Now))
	require.NoError(t, err)
	return b, clock
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestMarkInteraction_BlocksForTTL(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBlocker(t)

	require.False(t, b.IsBlocked(ctx, "42"))
	b.MarkInteraction(ctx, "42")
	require.True(t, b.IsBlocked(ctx, "42"))

	secs, ok := b.RemainingSeconds(ctx, "42")
	require.True(t, ok)
	require.Equal(t, 300, secs)

	clock.Advance(DefaultBlockTTL)
	require.False(t, b.IsBlocked(ctx, "42"))
	_, ok = b.RemainingSeconds(ctx, "42")
	require.False(t, ok)
}

func TestMarkInteraction_DoesNotExtendBlock(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBlocker(t)

	b.MarkInteraction(ctx, "42")
	clock.Advance(60 * time.Second)
	b.MarkInteraction(ctx, "42")

	secs, ok := b.RemainingSeconds(ctx, "42")
	require.True(t, ok)
	require.Equal(t, 240, secs)

	clock.Advance(240*time.Second - time.Millisecond)
	require.True(t, b.IsBlocked(ctx, "42"))
	clock.Advance(time.Millisecond)
	require.False(t, b.IsBlocked(ctx, "42"), "block must end 5 minutes after the first mark")
}

func TestMarkInteraction_NewWindowAfterExpiry(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBlocker(t)

	b.MarkInteraction(ctx, "42")
	clock.Advance(DefaultBlockTTL + time.Second)
	b.MarkInteraction(ctx, "42")

	secs, ok := b.RemainingSeconds(ctx, "42")
	require.True(t, ok)
	require.Equal(t, 300, secs)
}

func TestRemainingSeconds_RoundsUp(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBlocker(t)

	b.MarkInteraction(ctx, "42")
	clock.Advance(299*time.Second + 500*time.Millisecond)
	secs, ok := b.RemainingSeconds(ctx, "42")
	require.True(t, ok)
	require.Equal(t, 1, secs)
}

func TestUnblock(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBlocker(t)

	b.MarkInteraction(ctx, "42")
	require.True(t, b.Unblock(ctx, "42"))
	require.False(t, b.IsBlocked(ctx, "42"))
	require.False(t, b.Unblock(ctx, "42"))
}

func TestBlocksArePerUser(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBlocker(t)

	b.MarkInteraction(ctx, "42")
	require.True(t, b.IsBlocked(ctx, "42"))
	require.False(t, b.IsBlocked(ctx, "43"))
}

func TestOutboundEcho_ConsumedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBlocker(t)

	b.RegisterOutboundMessage(ctx, "42", "hello")
	require.True(t, b.ConsumeOutboundEcho(ctx, "42", "hello"))
	require.False(t, b.ConsumeOutboundEcho(ctx, "42", "hello"))
}

func TestOutboundEcho_MatchesTrimmedTextOnly(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBlocker(t)

	b.RegisterOutboundMessage(ctx, "42", "hello there")
	require.False(t, b.ConsumeOutboundEcho(ctx, "42", "hello"))
	require.False(t, b.ConsumeOutboundEcho(ctx, "43", "hello there"))
	require.True(t, b.ConsumeOutboundEcho(ctx, "42", "  hello there\n"))
}

func TestOutboundEcho_Expires(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBlocker(t)

	b.RegisterOutboundMessage(ctx, "42", "hello")
	clock.Advance(DefaultEchoTTL)
	require.False(t, b.ConsumeOutboundEcho(ctx, "42", "hello"))
}

func TestOutboundEcho_IgnoresEmptyInput(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBlocker(t)

	b.RegisterOutboundMessage(ctx, "42", "   ")
	b.RegisterOutboundMessage(ctx, "", "hello")
	require.False(t, b.ConsumeOutboundEcho(ctx, "42", "   "))
	require.False(t, b.ConsumeOutboundEcho(ctx, "", "hello"))
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("hello")
	require.Len(t, fp, 20)
	require.Equal(t, "2cf24dba5fb0a30e26e8", fp)
	require.Equal(t, fp, Fingerprint(" hello \n"))
	require.NotEqual(t, fp, Fingerprint("Hello"))
}

func TestDegradedMode(t *testing.T) {
	ctx := context.Background()
	b, err := New(unreachableStore{})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		b.MarkInteraction(ctx, "42")
		b.RegisterOutboundMessage(ctx, "42", "hello")
	})
	require.False(t, b.IsBlocked(ctx, "42"))
	_, ok := b.RemainingSeconds(ctx, "42")
	require.False(t, ok)
	require.False(t, b.ConsumeOutboundEcho(ctx, "42", "hello"))
	require.False(t, b.Unblock(ctx, "42"))
}
