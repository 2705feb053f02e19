package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dm-agent/internal/domain"
	"dm-agent/internal/observability"
)

// Dispatcher starts a Processor run for a user whose lock was just acquired.
// It must not wait for the run to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string) error
}

// Ingestor is the buffering path for one inbound fragment.
type Ingestor struct {
	buf        *Buffer
	dispatcher Dispatcher
}

func NewIngestor(buf *Buffer, d Dispatcher) (*Ingestor, error) {
	if buf == nil {
		return nil, errors.New("buffer: buffer must not be nil")
	}
	if d == nil {
		return nil, errors.New("buffer: dispatcher must not be nil")
	}
	return &Ingestor{buf: buf, dispatcher: d}, nil
}

// Ingest appends f, stamps the user's activity and, if no processor is active
// for the user, dispatches one. Losing the lock race is not an error: the
// active processor picks f up on its drain.
func (i *Ingestor) Ingest(ctx context.Context, userID string, f domain.Fragment) error {
	if err := i.buf.Append(ctx, userID, f); err != nil {
		return err
	}
	if err := i.buf.TouchTimer(ctx, userID); err != nil {
		return err
	}
	acquired, err := i.buf.TryAcquireLock(ctx, userID)
	if err != nil {
		return err
	}
	log := observability.LoggerFromContext(ctx).With("user", observability.MaskID(userID))
	if !acquired {
		log.Debug("processor already active")
		return nil
	}
	if err := i.dispatcher.Dispatch(ctx, userID); err != nil {
		if rerr := i.buf.ReleaseLock(context.WithoutCancel(ctx), userID); rerr != nil {
			log.Error("failed to release lock after dispatch failure", "err", rerr)
		}
		return fmt.Errorf("buffer: dispatch: %w", err)
	}
	log.Info("processor dispatched")
	return nil
}

// InlineDispatcher runs the Processor in a goroutine of this process. Runs
// outlive the request that started them.
type InlineDispatcher struct {
	proc *Processor
	wg   sync.WaitGroup
}

func NewInlineDispatcher(p *Processor) (*InlineDispatcher, error) {
	if p == nil {
		return nil, errors.New("buffer: processor must not be nil")
	}
	return &InlineDispatcher{proc: p}, nil
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, userID string) error {
	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.proc.Run(runCtx, userID)
	}()
	return nil
}

// Wait blocks until every dispatched run has returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
