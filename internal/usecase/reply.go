package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"dm-agent/internal/domain"
	"dm-agent/internal/observability"
)

const (
	defaultMaxContext    = 20
	defaultMaxMessageLen = 4000
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

type StateReadWriter interface {
	GetConversationTurnCount(ctx context.Context, userID string) (int, error)
	GetHistory(ctx context.Context, userID string, limit int) ([]domain.Message, error)
	SaveCompletedTurn(ctx context.Context, userID, text, answer string, turns int) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ReplyService is the agent: it turns a user's combined batch into a reply,
// with the user's recent conversation as context.
type ReplyService struct {
	params          ParamGetter
	llm             LLMClient
	state           StateReadWriter
	paramPrefix     string
	maxContextItems int
	maxMessageLen   int

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	systemPrompt string
	openaiModel  string
}

func NewReplyService(p ParamGetter, llm LLMClient, s StateReadWriter, paramPrefix string, maxContextItems, maxMessageLen int) (*ReplyService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxContextItems <= 0 {
		maxContextItems = defaultMaxContext
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	return &ReplyService{
		params:          p,
		llm:             llm,
		state:           s,
		paramPrefix:     paramPrefix,
		maxContextItems: maxContextItems,
		maxMessageLen:   maxMessageLen,
	}, nil
}

// GenerateReply returns the agent's reply to text, or "" when the model had
// nothing to say. Errors are *Error.
func (s *ReplyService) GenerateReply(ctx context.Context, userID, text string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", newError(ErrorInvalidInput, "empty_user", nil)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.maxMessageLen {
		return "", newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return "", newError(ErrorInternal, "ssm_load_error", err)
	}

	turns, err := s.state.GetConversationTurnCount(ctx, userID)
	if err != nil {
		return "", newError(ErrorInternal, "dynamodb_turn_count_error", err)
	}

	flagged, err := s.llm.Moderate(ctx, text)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return "", newError(ErrorRateLimited, "moderation_rate_limited", err)
		}
		return "", newError(ErrorUpstream, "moderation_error", err)
	}
	if flagged {
		return "", newError(ErrorInvalidMessage, "moderation_flagged", nil)
	}

	history, err := s.state.GetHistory(ctx, userID, s.maxContextItems)
	if err != nil {
		return "", newError(ErrorInternal, "dynamodb_history_error", err)
	}

	raw, err := s.llm.Chat(ctx, s.openaiModel, buildPromptMessages(s.systemPrompt, text, history))
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return "", newError(ErrorRateLimited, "openai_rate_limited", err)
		}
		return "", newError(ErrorUpstream, "openai_error", err)
	}
	answer := strings.TrimSpace(raw)
	if answer == "" {
		return "", nil
	}

	// The reply goes out even if history cannot be saved.
	if err := s.state.SaveCompletedTurn(ctx, userID, text, answer, turns+1); err != nil {
		observability.LoggerFromContext(ctx).Warn("failed to save conversation turn",
			"user", observability.MaskID(userID), "err", err)
	}
	return answer, nil
}

func (s *ReplyService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	systemPrompt, openaiModel, err := s.loadSSMParams(ctx)
	if err != nil {
		return err
	}

	s.systemPrompt = systemPrompt
	s.openaiModel = openaiModel
	s.cacheLoaded = true
	return nil
}

func (s *ReplyService) loadSSMParams(ctx context.Context) (systemPrompt, openaiModel string, err error) {
	systemPrompt, err = s.params.GetParameter(ctx, s.paramPrefix+"/system_prompt")
	if err != nil {
		return "", "", fmt.Errorf("usecase: load system prompt: %w", err)
	}
	openaiModel, err = s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return "", "", fmt.Errorf("usecase: load openai model: %w", err)
	}
	openaiModel = strings.TrimSpace(openaiModel)
	if openaiModel == "" {
		return "", "", errors.New("usecase: openai model parameter is empty")
	}
	return systemPrompt, openaiModel, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
