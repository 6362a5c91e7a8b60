package controller

import (
	"sync"

	"github.com/overseer-io/overseer/internal/model"
)

// mailbox holds out-of-band messages per token until the owning job drains
// them. Messages survive until the job finishes so a signal pushed before
// dispatch is still observed at the first checkpoint.
type mailbox struct {
	mu       sync.Mutex
	messages map[model.Token][]Message
}

func newMailbox() *mailbox {
	return &mailbox{messages: make(map[model.Token][]Message)}
}

func (m *mailbox) push(token model.Token, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[token] = append(m.messages[token], msg)
}

// peek returns the first pending message of the given type without removing
// it, so repeated checkpoints keep observing the signal.
func (m *mailbox) peek(token model.Token, msgType string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages[token] {
		if msg.Type == msgType {
			return msg, true
		}
	}
	return Message{}, false
}

// clear drops all messages for a token once its job has finished.
func (m *mailbox) clear(token model.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, token)
}
