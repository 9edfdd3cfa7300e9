package llm

import "sync"

// Conversation is the append-only history of one call.
type Conversation struct {
	mu       sync.RWMutex
	messages []Message
}

func NewConversation() *Conversation {
	return &Conversation{}
}

// Append adds a turn. Empty text is ignored.
func (c *Conversation) Append(role Role, text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	c.messages = append(c.messages, Message{Role: role, Text: text})
	c.mu.Unlock()
}

// Messages returns a copy of the full history.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Window returns at most max trailing messages for a request. Whole
// user/assistant pairs are dropped from the front so the window never
// starts with an assistant turn. max <= 0 means unlimited.
func (c *Conversation) Window(max int) []Message {
	all := c.Messages()
	if max <= 0 || len(all) <= max {
		return all
	}
	excess := len(all) - max
	if excess%2 != 0 {
		excess++
	}
	out := all[excess:]
	for len(out) > 0 && out[0].Role != RoleUser {
		out = out[1:]
	}
	return out
}

// Len reports the number of stored turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
