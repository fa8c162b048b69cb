package chat

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status is a message's delivery state. It only moves forward:
// sending, then sent, then seen.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusSeen    Status = "seen"
)

func (s Status) valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusSeen:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

// TimeLayout is the createdAt format: UTC with millisecond precision,
// so string order is time order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Author identifies who wrote a message.
type Author struct {
	Name string `json:"name"`
}

// Message is one chat message as it travels on the wire.
type Message struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	User      Author `json:"user"`
	CreatedAt string `json:"createdAt"`
	Status    Status `json:"status,omitempty"`
}

// NewMessage builds an outgoing message in the sending state.
func NewMessage(content, username string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		User:      Author{Name: username},
		CreatedAt: now.UTC().Format(TimeLayout),
		Status:    StatusSending,
	}
}

// MergeMessages combines message lists, keeping the first copy of each
// id, ordered by createdAt ascending. Messages with equal timestamps
// keep their input order.
func MergeMessages(lists ...[]Message) []Message {
	seen := make(map[string]bool)
	var merged []Message
	for _, list := range lists {
		for _, m := range list {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			merged = append(merged, m)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt < merged[j].CreatedAt
	})
	return merged
}

// RoomName names the direct-message room of two users. Both sides get
// the same name regardless of argument order.
func RoomName(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "chat-" + a + "-" + b
}
