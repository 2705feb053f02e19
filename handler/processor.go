package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"dm-agent/internal/integrations/lambdainvoke"
	"dm-agent/internal/observability"
)

// Runner runs one buffer processing cycle for a user.
type Runner interface {
	Run(ctx context.Context, userID string)
}

// Processor is the entry point of the asynchronously invoked processor
// function.
type Processor struct {
	runner Runner
}

func NewProcessor(r Runner) (*Processor, error) {
	if r == nil {
		return nil, errors.New("handler: runner must not be nil")
	}
	return &Processor{runner: r}, nil
}

// Handle returns nil even for an unusable payload so Lambda does not retry
// an event that can never succeed.
func (h *Processor) Handle(ctx context.Context, in lambdainvoke.Payload) error {
	ctx = observability.WithCorrelationID(ctx, uuid.NewString())
	log := observability.LoggerFromContext(ctx)

	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		log.Warn("processor invoked without user id")
		return nil
	}
	log.Info("processor started", "user", observability.MaskID(userID))
	h.runner.Run(ctx, userID)
	return nil
}
