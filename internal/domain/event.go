package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event is one validated messaging event from an Instagram webhook delivery.
type Event struct {
	AccountID   string
	SenderID    string
	RecipientID string
	MessageID   string
	Text        string
	IsEcho      bool
	Attachments []Attachment
}

// Attachment is a media item carried by an event.
type Attachment struct {
	Type string
	URL  string
}

// AudioURL returns the URL of the first audio-like attachment, or "".
func (e Event) AudioURL() string {
	for _, a := range e.Attachments {
		if (a.Type == "audio" || a.Type == "file") && a.URL != "" {
			return a.URL
		}
	}
	return ""
}

// HasContent reports whether the event carries text or an audio attachment.
func (e Event) HasContent() bool {
	return strings.TrimSpace(e.Text) != "" || e.AudioURL() != ""
}

type webhookPayload struct {
	Object string            `json:"object"`
	Entry  []json.RawMessage `json:"entry"`
}

type webhookEntry struct {
	ID        string            `json:"id"`
	Messaging []json.RawMessage `json:"messaging"`
}

type webhookMessaging struct {
	Sender    *webhookParty   `json:"sender"`
	Recipient *webhookParty   `json:"recipient"`
	Message   *webhookMessage `json:"message"`
}

type webhookParty struct {
	ID string `json:"id"`
}

type webhookMessage struct {
	MID         string            `json:"mid"`
	Text        string            `json:"text"`
	IsEcho      bool              `json:"is_echo"`
	Attachments []json.RawMessage `json:"attachments"`
}

type webhookAttachment struct {
	Type    string                    `json:"type"`
	Payload *webhookAttachmentPayload `json:"payload"`
}

type webhookAttachmentPayload struct {
	URL string `json:"url"`
}

// ParseEvents decodes a webhook body into validated events. Entries and
// messaging items that fail to decode or validate are skipped and counted in
// dropped; only an undecodable envelope is an error.
func ParseEvents(body []byte) (events []Event, dropped int, err error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, 0, fmt.Errorf("domain: decode webhook payload: %w", err)
	}

	for _, rawEntry := range payload.Entry {
		var entry webhookEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			dropped++
			continue
		}
		for _, rawMsg := range entry.Messaging {
			ev, err := parseMessaging(entry.ID, rawMsg)
			if err != nil {
				dropped++
				continue
			}
			events = append(events, ev)
		}
	}
	return events, dropped, nil
}

func parseMessaging(accountID string, raw json.RawMessage) (Event, error) {
	var m webhookMessaging
	if err := json.Unmarshal(raw, &m); err != nil {
		return Event{}, fmt.Errorf("domain: decode messaging: %w", err)
	}
	if m.Sender == nil || m.Sender.ID == "" {
		return Event{}, errors.New("domain: messaging event has no sender")
	}
	if !isNumericID(m.Sender.ID) {
		return Event{}, errors.New("domain: sender id must be numeric")
	}

	ev := Event{
		AccountID: strings.TrimSpace(accountID),
		SenderID:  m.Sender.ID,
	}
	if m.Recipient != nil {
		if m.Recipient.ID != "" && !isNumericID(m.Recipient.ID) {
			return Event{}, errors.New("domain: recipient id must be numeric")
		}
		ev.RecipientID = m.Recipient.ID
	}
	if m.Message == nil {
		return ev, nil
	}
	ev.MessageID = m.Message.MID
	ev.Text = m.Message.Text
	ev.IsEcho = m.Message.IsEcho
	for _, rawAtt := range m.Message.Attachments {
		var a webhookAttachment
		if err := json.Unmarshal(rawAtt, &a); err != nil {
			continue
		}
		att := Attachment{Type: a.Type}
		if a.Payload != nil {
			att.URL = a.Payload.URL
		}
		ev.Attachments = append(ev.Attachments, att)
	}
	return ev, nil
}

func isNumericID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
