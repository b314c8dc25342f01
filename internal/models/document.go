package models

// Document is the whole persisted state: every user and every session.
type Document struct {
	// Version is bumped by the store on each write. Legacy files lack it and read as 0.
	Version  int64      `json:"version,omitempty"`
	Users    []*User    `json:"users"`
	Sessions []*Session `json:"sessions"`
}

// NewDocument returns an empty document with initialized collections.
func NewDocument() *Document {
	return &Document{Users: []*User{}, Sessions: []*Session{}}
}

// Normalize replaces nil collections so the document always encodes as arrays.
func (d *Document) Normalize() {
	if d.Users == nil {
		d.Users = []*User{}
	}
	if d.Sessions == nil {
		d.Sessions = []*Session{}
	}
	for _, u := range d.Users {
		if u != nil && u.Facts == nil {
			u.Facts = []string{}
		}
	}
	for _, s := range d.Sessions {
		if s != nil && s.Messages == nil {
			s.Messages = []*Message{}
		}
	}
}
