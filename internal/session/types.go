package session

import (
	"errors"
	"time"

	"github.com/ent0n29/avatarcore/internal/avatars"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority accepts "", normal and high.
func ParsePriority(raw string) (Priority, error) {
	switch Priority(raw) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	default:
		return "", ErrInvalidPriority
	}
}

type EndReason string

const (
	EndExplicit   EndReason = "ended"
	EndDisconnect EndReason = "disconnected"
	EndIdle       EndReason = "idle"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrInvalidRequest  = errors.New("userId and avatarId are required")
	ErrInvalidPriority = errors.New("priority must be normal or high")
)

type Session struct {
	ID             string         `json:"sessionId"`
	UserID         string         `json:"userId"`
	AvatarID       string         `json:"avatarId"`
	Avatar         avatars.Config `json:"avatarConfig"`
	ConnID         string         `json:"-"`
	Priority       Priority       `json:"priority"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	MessageCount   int            `json:"messageCount"`
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID   string
	AvatarID string
	Priority string
	ConnID   string
	Avatar   avatars.Config
}

// Ended is the payload of a session_ended event.
type Ended struct {
	SessionID string    `json:"sessionId"`
	Reason    EndReason `json:"reason"`
}

const EventSessionEnded = "session_ended"
