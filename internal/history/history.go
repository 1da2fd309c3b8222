// Package history holds the in-session conversation transcript.
// Sessions are ephemeral: nothing is persisted across process restarts.
package history

import (
	"strings"
	"sync"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is an append-only transcript plus a best-effort running token
// total. It is mutated only by the orchestrator's completion handler.
type Session struct {
	mu         sync.Mutex
	messages   []Message
	tokensUsed int
}

func NewSession() *Session {
	return &Session{}
}

// AppendUser records the user's turn before the upstream call is made.
func (s *Session) AppendUser(content string) {
	s.append(RoleUser, content)
}

// AppendAssistant records a completed assistant turn. Empty content is
// dropped: a stream that produced no resolved answer leaves no entry.
func (s *Session) AppendAssistant(content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	s.append(RoleAssistant, content)
}

func (s *Session) append(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: role, Content: content})
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// AddTokens adds a turn's token count to the running total.
func (s *Session) AddTokens(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokensUsed += n
}

func (s *Session) TokensUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokensUsed
}

// Clear drops the whole transcript and token total.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.tokensUsed = 0
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
