package models

import "time"

// Role identifies who authored a message. The values match the generative
// API's conversation roles so stored history can be replayed as-is.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one turn of a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
