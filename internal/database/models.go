package database

import "time"

// SessionRecord is one row of the session audit trail: written when a session
// becomes active and completed when it terminates.
type SessionRecord struct {
	ID           uint       `gorm:"primarykey" json:"-"`
	SessionID    string     `gorm:"uniqueIndex" json:"session_id"`
	ContainerID  string     `json:"container_id"`
	RemoteAddr   string     `json:"remote_addr"`
	CreatedAt    time.Time  `json:"created_at"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}
