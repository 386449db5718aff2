package history

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

type Conversation struct {
	ID              int64
	ChatID          string
	StartTime       time.Time
	LastMessageTime time.Time
	Metadata        map[string]any
}

type Message struct {
	ID             int64
	ConversationID int64
	ChatID         string
	Role           Role
	Content        string
	// TokenCount is nil until counted for some model.
	TokenCount *int
	Timestamp  time.Time
	Metadata   map[string]any
}

// HistoryQuery bounds a history read. Zero values mean the configured
// history length and token budget, the chat's current conversation, and the
// character estimate for uncounted messages. A ConversationID must belong to
// the chat being read.
type HistoryQuery struct {
	MaxMessages    int
	ExcludeSystem  bool
	ConversationID int64
	MaxTokenBudget int
	ModelID        string
}

type messageOptions struct {
	conversationID int64
	modelID        string
	metadata       map[string]any
}

type MessageOption func(*messageOptions)

// InConversation targets a specific conversation instead of the current one.
func InConversation(id int64) MessageOption {
	return func(o *messageOptions) { o.conversationID = id }
}

// WithModel counts the message's tokens eagerly for modelID.
func WithModel(modelID string) MessageOption {
	return func(o *messageOptions) { o.modelID = modelID }
}

func WithMetadata(md map[string]any) MessageOption {
	return func(o *messageOptions) { o.metadata = md }
}
