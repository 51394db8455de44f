package convo

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role identifies which side of the conversation produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus tracks delivery state for a single turn.
type MessageStatus string

const (
	StatusCompleted  MessageStatus = "completed"
	StatusInProgress MessageStatus = "in_progress"
	StatusFailed     MessageStatus = "failed"
)

// Message is one conversation turn. The Manager exclusively owns the
// append-only sequence of messages for the active session; consumers receive
// copies and append-only notifications, never a mutable reference.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Text      string        `json:"text"`
	CreatedAt time.Time     `json:"created_at"`
	Status    MessageStatus `json:"status"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newMessageID returns a unique, creation-ordered identifier. ULIDs are
// timestamp-prefixed and the shared entropy source is monotonic within a
// millisecond, so lexical order matches append order.
func newMessageID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

func newMessage(role Role, text string, status MessageStatus, now time.Time) Message {
	return Message{
		ID:        newMessageID(now),
		Role:      role,
		Text:      text,
		CreatedAt: now,
		Status:    status,
	}
}
