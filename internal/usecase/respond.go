package usecase

import (
	"context"
	"errors"
	"strings"

	"dm-agent/internal/observability"
)

// MaxChunkRunes is the longest text sent in one platform message.
const MaxChunkRunes = 1000

const (
	DefaultApologyText         = "Desculpe, tive um problema para responder agora. Pode tentar novamente em instantes?"
	DefaultUnreadableAudioText = "Recebi seu áudio, mas não consegui transcrever agora. Pode enviar em texto?"
)

type ReplyGenerator interface {
	GenerateReply(ctx context.Context, userID, text string) (string, error)
}

type Sender interface {
	SendText(ctx context.Context, userID, text string) error
}

// EchoTracker is the part of the blocker the responder needs.
type EchoTracker interface {
	IsBlocked(ctx context.Context, userID string) bool
	RegisterOutboundMessage(ctx context.Context, userID, text string)
}

// Responder delivers a drained batch: it asks the agent for a reply and sends
// it, registering every sent chunk so its echo is recognized.
type Responder struct {
	agent      ReplyGenerator
	sender     Sender
	echoes     EchoTracker
	apology    string
	unreadable string
}

func NewResponder(agent ReplyGenerator, sender Sender, echoes EchoTracker, apology, unreadableAudio string) (*Responder, error) {
	if agent == nil {
		return nil, errors.New("usecase: reply generator must not be nil")
	}
	if sender == nil {
		return nil, errors.New("usecase: sender must not be nil")
	}
	if echoes == nil {
		return nil, errors.New("usecase: echo tracker must not be nil")
	}
	if strings.TrimSpace(apology) == "" {
		apology = DefaultApologyText
	}
	if strings.TrimSpace(unreadableAudio) == "" {
		unreadableAudio = DefaultUnreadableAudioText
	}
	return &Responder{
		agent:      agent,
		sender:     sender,
		echoes:     echoes,
		apology:    apology,
		unreadable: unreadableAudio,
	}, nil
}

// Reply never returns an error: failures end in a log line and, once the
// agent has been asked, at most one apology.
func (r *Responder) Reply(ctx context.Context, userID, text string) {
	log := observability.LoggerFromContext(ctx).With("user", observability.MaskID(userID))

	// An operator may have taken over while the batch was forming.
	if r.echoes.IsBlocked(ctx, userID) {
		log.Info("agent blocked, batch dropped")
		return
	}

	reply, err := r.agent.GenerateReply(ctx, userID, text)
	if err != nil {
		log.Error("agent failed to reply", errorAttrs(err)...)
		if !r.send(ctx, userID, r.apology) {
			log.Error("failed to send apology")
		}
		return
	}
	if reply == "" {
		log.Warn("empty reply from agent")
		return
	}

	chunks := SplitChunks(reply, MaxChunkRunes)
	for i, chunk := range chunks {
		if !r.send(ctx, userID, chunk) {
			log.Error("reply delivery stopped", "chunk", i+1, "chunks", len(chunks))
			return
		}
	}
	log.Info("reply sent", "chunks", len(chunks), "preview", observability.Preview(reply))
}

// NotifyUnreadableAudio asks the user to write instead.
func (r *Responder) NotifyUnreadableAudio(ctx context.Context, userID string) {
	if !r.send(ctx, userID, r.unreadable) {
		observability.LoggerFromContext(ctx).Error("failed to send unreadable audio notice",
			"user", observability.MaskID(userID))
	}
}

func (r *Responder) send(ctx context.Context, userID, text string) bool {
	if err := r.sender.SendText(ctx, userID, text); err != nil {
		observability.LoggerFromContext(ctx).Warn("send failed",
			"user", observability.MaskID(userID), "err", err)
		return false
	}
	r.echoes.RegisterOutboundMessage(ctx, userID, text)
	return true
}

// SplitChunks cuts text into pieces of at most size runes, in order.
func SplitChunks(text string, size int) []string {
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
