package usecase

import (
	"strings"

	"dm-agent/internal/domain"
)

const statusComplete = "complete"

func buildPromptMessages(systemPrompt, text string, history []domain.Message) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildChannelPrompt()},
	}
	if p := strings.TrimSpace(systemPrompt); p != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: p})
	}

	for _, m := range history {
		messages = append(messages, historyToPromptMessages(m)...)
	}

	messages = append(messages, domain.ChatMessage{
		Role:    "user",
		Content: text,
	})
	return messages
}

func buildChannelPrompt() string {
	return strings.Join([]string{
		"Channel:",
		"You are replying to a customer in an Instagram Direct Message conversation.",
		"",
		"Input:",
		"The user message may combine several short messages sent in a row, one per line.",
		"Lines may be transcriptions of voice messages and can contain recognition errors.",
		"",
		"Behavior Rules:",
		behaviorRules(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer everything the user asked across all lines in a single reply.",
		"2) Reply in the language the user writes in.",
		"3) Keep replies short and conversational; this is a chat, not an email.",
		"4) Use plain text only: no markdown, tables or code blocks.",
		"5) Never invent prices, stock or policies that are not in your instructions.",
	}, "\n")
}

func historyToPromptMessages(m domain.Message) []domain.ChatMessage {
	if m.Status != statusComplete {
		return nil
	}
	text := strings.TrimSpace(m.Text)
	answer := strings.TrimSpace(m.Answer)
	if text == "" || answer == "" {
		return nil
	}
	return []domain.ChatMessage{
		{Role: "user", Content: text},
		{Role: "assistant", Content: answer},
	}
}
