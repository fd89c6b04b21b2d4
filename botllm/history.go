package botllm

import (
	"fmt"
	"sync"
)

// MaxConversationTurns is the number of user/model turn pairs retained
// per conversation; the stored sequence never exceeds twice this.
const MaxConversationTurns = 10

type TurnRole string

const (
	TurnRoleUser  TurnRole = "user"
	TurnRoleModel TurnRole = "model"
)

// TurnPart is one piece of a turn's content: either text, or inline
// binary data with its MIME type (an attachment forwarded to the model).
type TurnPart struct {
	Text     string
	Data     []byte
	MimeType string
}

// Turn is one user message or one model response within a conversation's
// bounded history.
type Turn struct {
	Role  TurnRole
	Parts []TurnPart
}

func textTurn(role TurnRole, text string) Turn {
	return Turn{Role: role, Parts: []TurnPart{{Text: text}}}
}

// ConversationKey derives the history key for a request. Channel-scoped
// conversations and direct messages use disjoint identity spaces, so a
// channel ID and a user ID can never collide.
func ConversationKey(channelID, userID string) string {
	if channelID != "" {
		return fmt.Sprintf("channel:%s", channelID)
	}
	return fmt.Sprintf("dm:%s", userID)
}

// ConversationLog keeps a bounded, per-conversation message history used
// as model context.
type ConversationLog struct {
	mu        sync.Mutex
	histories map[string][]Turn
}

func NewConversationLog() *ConversationLog {
	return &ConversationLog{histories: map[string][]Turn{}}
}

// Turns returns a copy of the stored history for the given conversation,
// empty if none exists yet.
func (c *ConversationLog) Turns(key string) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.histories[key]...)
}

// Append records a completed exchange, then truncates the history to the
// most recent 2×[MaxConversationTurns] entries, dropping the oldest
// first.
func (c *ConversationLog) Append(key string, userTurn Turn, modelTurn Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := append(c.histories[key], userTurn, modelTurn)
	if limit := MaxConversationTurns * 2; len(history) > limit {
		history = history[len(history)-limit:]
	}
	c.histories[key] = history
}
