// Package classifier decides what each webhook messaging event means and
// routes it: user input to the buffer, agent echoes to nowhere, operator
// messages to the blocker.
package classifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"dm-agent/internal/domain"
	"dm-agent/internal/observability"
)

type Kind int

const (
	// KindDrop is an event with nothing to act on.
	KindDrop Kind = iota
	// KindOutgoing is a send by the business account that carries no text to match.
	KindOutgoing
	// KindEcho is a business account send with text: the agent's own echo or an operator message.
	KindEcho
	// KindInbound is user input.
	KindInbound
)

func (k Kind) String() string {
	switch k {
	case KindOutgoing:
		return "outgoing"
	case KindEcho:
		return "echo"
	case KindInbound:
		return "inbound"
	default:
		return "drop"
	}
}

// Decision is the result of Classify. UserID is the user who owns the
// conversation, whichever side sent the event.
type Decision struct {
	Kind     Kind
	UserID   string
	Text     string
	AudioURL string
}

// Classify is a pure function of the event.
func Classify(ev domain.Event) Decision {
	outgoing := ev.AccountID != "" && ev.SenderID == ev.AccountID
	text := strings.TrimSpace(ev.Text)

	if ev.IsEcho || outgoing {
		userID := ev.SenderID
		if outgoing {
			userID = ev.RecipientID
		}
		if ev.IsEcho && userID != "" && text != "" {
			return Decision{Kind: KindEcho, UserID: userID, Text: ev.Text}
		}
		return Decision{Kind: KindOutgoing, UserID: userID}
	}

	if ev.SenderID == "" {
		return Decision{Kind: KindDrop}
	}
	if !ev.HasContent() {
		return Decision{Kind: KindDrop, UserID: ev.SenderID}
	}
	if text != "" {
		return Decision{Kind: KindInbound, UserID: ev.SenderID, Text: ev.Text}
	}
	return Decision{Kind: KindInbound, UserID: ev.SenderID, AudioURL: ev.AudioURL()}
}

// Blocker is the part of blocker.Blocker the router needs.
type Blocker interface {
	IsBlocked(ctx context.Context, userID string) bool
	MarkInteraction(ctx context.Context, userID string)
	ConsumeOutboundEcho(ctx context.Context, userID, text string) bool
}

// Ingestor accepts user input for buffering.
type Ingestor interface {
	Ingest(ctx context.Context, userID string, f domain.Fragment) error
}

// Outcome is what Route did with an event.
type Outcome string

const (
	OutcomeDropped   Outcome = "dropped"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeAgentEcho Outcome = "agent_echo"
	OutcomeManual    Outcome = "manual"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeBuffered  Outcome = "buffered"
	OutcomeFailed    Outcome = "failed"
)

type Router struct {
	blocker  Blocker
	ingestor Ingestor
	now      func() time.Time
}

func NewRouter(b Blocker, in Ingestor) (*Router, error) {
	if b == nil {
		return nil, errors.New("classifier: blocker must not be nil")
	}
	if in == nil {
		return nil, errors.New("classifier: ingestor must not be nil")
	}
	return &Router{blocker: b, ingestor: in, now: time.Now}, nil
}

// Route classifies ev and applies its side effects. Failures are logged and
// reported in the outcome, never returned.
func (r *Router) Route(ctx context.Context, ev domain.Event) Outcome {
	d := Classify(ev)
	log := observability.LoggerFromContext(ctx).With(
		"kind", d.Kind.String(),
		"user", observability.MaskID(d.UserID),
		"mid", ev.MessageID,
	)

	switch d.Kind {
	case KindOutgoing:
		log.Debug("outgoing event ignored", "echo", ev.IsEcho)
		return OutcomeIgnored

	case KindEcho:
		if r.blocker.ConsumeOutboundEcho(ctx, d.UserID, d.Text) {
			log.Info("agent echo ignored")
			return OutcomeAgentEcho
		}
		log.Info("manual operator message detected", "preview", observability.Preview(d.Text))
		r.blocker.MarkInteraction(ctx, d.UserID)
		return OutcomeManual

	case KindInbound:
		if r.blocker.IsBlocked(ctx, d.UserID) {
			log.Info("agent blocked, inbound message skipped")
			return OutcomeBlocked
		}
		f := domain.TextFragment(d.Text, r.now())
		if d.Text == "" {
			f = domain.AudioFragment(d.AudioURL, r.now())
			log.Info("inbound audio received")
		} else {
			log.Info("inbound text received", "preview", observability.Preview(d.Text))
		}
		if err := r.ingestor.Ingest(ctx, d.UserID, f); err != nil {
			log.Error("failed to buffer inbound message", "err", err)
			return OutcomeFailed
		}
		return OutcomeBuffered

	default:
		log.Debug("event dropped", "has_sender", ev.SenderID != "")
		return OutcomeDropped
	}
}
