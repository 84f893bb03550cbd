package domain

import (
	"time"
)

type PasteType string

const (
	TypeText  PasteType = "text"
	TypeImage PasteType = "image"
)

func (t PasteType) Valid() bool {
	return t == TypeText || t == TypeImage
}

// Paste is the stored record. Timestamps are epoch milliseconds; a zero
// ExpiresAt means the paste never expires.
type Paste struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Type         PasteType `json:"type"`
	CreatedAt    int64     `json:"createdAt"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	ExpiresAt    int64     `json:"expiresAt,omitempty"`
	FileName     string    `json:"fileName,omitempty"`
}

func (p Paste) RecordID() string { return p.ID }

func (p Paste) RecordExpiry() time.Time {
	if p.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.ExpiresAt)
}

func (p Paste) Protected() bool {
	return p.PasswordHash != ""
}

// Expired reports whether the paste is past its expiry at now.
func (p Paste) Expired(now time.Time) bool {
	return p.ExpiresAt != 0 && p.ExpiresAt <= now.UnixMilli()
}

type CreateParams struct {
	Content   string
	Type      PasteType
	Password  string
	ExpiresIn int64
	FileName  string
}

// Raw is a paste payload in its native media type.
type Raw struct {
	Body        []byte
	ContentType string
	FileName    string
}
