package models

import "time"

// DefaultSessionTitle is the label given to sessions created without one.
const DefaultSessionTitle = "New Chat"

// Session is one conversation thread owned by a user.
type Session struct {
	SessionID  string     `json:"sessionId"`
	UserID     string     `json:"userId"`
	Title      string     `json:"title"`
	Messages   []*Message `json:"messages"`
	LastActive time.Time  `json:"lastActive"`
	// Revision is bumped on every save and compared at write time.
	Revision int64 `json:"revision,omitempty"`
}

// UserMessageCount reports how many messages in the session were authored by the user.
func (s *Session) UserMessageCount() int {
	n := 0
	for _, m := range s.Messages {
		if m != nil && m.Role == RoleUser {
			n++
		}
	}
	return n
}

// Recent returns the last n messages (all of them when fewer exist).
func (s *Session) Recent(n int) []*Message {
	if n <= 0 || len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// Clone returns a deep copy so callers can mutate it without touching the stored record.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]*Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m == nil {
			continue
		}
		cp := *m
		out.Messages = append(out.Messages, &cp)
	}
	return &out
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	SessionID  string    `json:"sessionId"`
	Title      string    `json:"title"`
	LastActive time.Time `json:"lastActive"`
}

// TitleFrom returns the first n runes of message, used as a session label.
func TitleFrom(message string, n int) string {
	r := []rune(message)
	if n <= 0 || len(r) <= n {
		return message
	}
	return string(r[:n])
}
