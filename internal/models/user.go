package models

import "time"

// User is a chat participant together with what the assistant remembers about them.
type User struct {
	UserID      string                 `json:"userId"`
	Username    string                 `json:"username"`
	Password    string                 `json:"password,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Facts       []string               `json:"facts"`
	Preferences map[string]interface{} `json:"preferences"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// DisplayName picks the name used to address the user in prompts.
func (u *User) DisplayName() string {
	switch {
	case u == nil:
		return "friend"
	case u.Name != "":
		return u.Name
	case u.Username != "":
		return u.Username
	default:
		return "friend"
	}
}

// Clone returns a deep copy of the user record.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.Facts = append([]string(nil), u.Facts...)
	if u.Preferences != nil {
		out.Preferences = make(map[string]interface{}, len(u.Preferences))
		for k, v := range u.Preferences {
			out.Preferences[k] = v
		}
	}
	return &out
}
