package buffer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"dm-agent/internal/domain"
	"dm-agent/internal/observability"
)

const (
	DefaultQuietPeriod = 5 * time.Second
	// DefaultLockMargin is kept between the end of the wait and the lock
	// expiry for the drain round trip.
	DefaultLockMargin = 5 * time.Second
)

// Transcriber turns an audio attachment URL into text.
type Transcriber interface {
	Transcribe(ctx context.Context, url string) (string, error)
}

// Replier delivers a combined batch to the agent and back to the user.
// Implementations handle their own failures.
type Replier interface {
	Reply(ctx context.Context, userID, text string)
	NotifyUnreadableAudio(ctx context.Context, userID string)
}

// Processor runs one debounce cycle for a user whose lock the caller holds.
type Processor struct {
	buf         *Buffer
	replier     Replier
	transcriber Transcriber
	quietPeriod time.Duration
	maxWait     time.Duration
	lockMargin  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type ProcessorOption func(*Processor)

func WithQuietPeriod(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.quietPeriod = d
		}
	}
}

// WithMaxWait bounds the total quiet-period wait of one cycle. When it is
// exceeded the buffer is drained even if the user is still typing.
func WithMaxWait(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.maxWait = d
	}
}

// WithLockMargin sets how long before the lock expiry the wait gives up.
func WithLockMargin(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d >= 0 {
			p.lockMargin = d
		}
	}
}

// WithTranscriber enables audio fragments. Without one they count as unreadable.
func WithTranscriber(t Transcriber) ProcessorOption {
	return func(p *Processor) {
		p.transcriber = t
	}
}

func NewProcessor(buf *Buffer, r Replier, opts ...ProcessorOption) (*Processor, error) {
	if buf == nil {
		return nil, errors.New("buffer: buffer must not be nil")
	}
	if r == nil {
		return nil, errors.New("buffer: replier must not be nil")
	}
	p := &Processor{
		buf:         buf,
		replier:     r,
		quietPeriod: DefaultQuietPeriod,
		lockMargin:  DefaultLockMargin,
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run waits until the user has been quiet for the quiet period, drains the
// buffer, releases the lock and hands the batch downstream. The lock is
// released on every path and nothing is returned to the caller.
func (p *Processor) Run(ctx context.Context, userID string) {
	log := observability.LoggerFromContext(ctx).With("user", observability.MaskID(userID))

	held := true
	release := func() {
		if !held {
			return
		}
		held = false
		if err := p.buf.ReleaseLock(context.WithoutCancel(ctx), userID); err != nil {
			log.Error("failed to release processing lock", "err", err)
		}
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			log.Error("processor panicked", "panic", r)
		}
	}()

	if err := p.waitQuiet(ctx, userID); err != nil {
		log.Error("quiet period wait aborted", "err", err)
		return
	}

	frags, err := p.buf.DrainAll(ctx, userID)
	if err != nil {
		log.Error("failed to drain buffer", "err", err)
		return
	}
	if len(frags) == 0 {
		log.Debug("buffer already drained")
		return
	}

	// A message arriving from here on starts a new cycle with its own lock.
	release()

	text, unreadable := p.resolve(ctx, log, frags)
	if text == "" {
		if unreadable > 0 {
			p.replier.NotifyUnreadableAudio(ctx, userID)
		}
		return
	}
	log.Info("dispatching batch", "fragments", len(frags), "preview", observability.Preview(text))
	p.replier.Reply(ctx, userID, text)
}

// waitQuiet returns once the user has been quiet for the quiet period or the
// wait deadline has passed. The deadline is the earlier of start+maxWait and
// lockMargin before the processing lock expires, so the batch is drained
// while this run still owns the lock.
func (p *Processor) waitQuiet(ctx context.Context, userID string) error {
	deadline, err := p.waitDeadline(ctx, userID)
	if err != nil {
		return err
	}
	for {
		last, err := p.buf.LastActivity(ctx, userID)
		if err != nil {
			return err
		}
		now := p.now()
		remaining := p.quietPeriod - now.Sub(last)
		if last.IsZero() || remaining <= 0 {
			return nil
		}
		if !deadline.IsZero() {
			left := deadline.Sub(now)
			if left <= 0 {
				return nil
			}
			remaining = min(remaining, left)
		}
		if err := p.sleep(ctx, remaining); err != nil {
			return err
		}
	}
}

func (p *Processor) waitDeadline(ctx context.Context, userID string) (time.Time, error) {
	var deadline time.Time
	if p.maxWait > 0 {
		deadline = p.now().Add(p.maxWait)
	}
	expires, err := p.buf.LockExpiry(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	if !expires.IsZero() {
		if lockDeadline := expires.Add(-p.lockMargin); deadline.IsZero() || lockDeadline.Before(deadline) {
			deadline = lockDeadline
		}
	}
	return deadline, nil
}

// resolve turns fragments into one text joined by newlines and counts the
// audio fragments that could not be transcribed.
func (p *Processor) resolve(ctx context.Context, log *slog.Logger, frags []domain.Fragment) (string, int) {
	parts := make([]string, 0, len(frags))
	unreadable := 0
	for _, f := range frags {
		switch f.Kind {
		case domain.FragmentText:
			parts = append(parts, f.Body)
		case domain.FragmentAudio:
			if p.transcriber == nil {
				unreadable++
				continue
			}
			t, err := p.transcriber.Transcribe(ctx, f.Body)
			if err != nil {
				log.Warn("audio transcription failed", "err", err)
				unreadable++
				continue
			}
			if t = strings.TrimSpace(t); t == "" {
				unreadable++
				continue
			}
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n"), unreadable
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
