package domain

// Message is one persisted exchange: the combined user batch and the agent
// reply sent for it.
type Message struct {
	PK     string
	SK     string
	UserID string
	Text   string
	Answer string
	Status string
	TTL    int64
}

// ConversationMeta stores aggregate per-user conversation state.
type ConversationMeta struct {
	PK           string
	SK           string
	UserID       string
	LastActivity string
	Turns        int
	TTL          int64
}
