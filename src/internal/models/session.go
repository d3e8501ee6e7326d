package models

import "time"

// SessionRecord is the audit trail entry written for every local sign-in.
type SessionRecord struct {
	SessionID    string     `bson:"session_id" json:"sessionId"`
	UserID       string     `bson:"user_id" json:"userId"`
	TabID        string     `bson:"tab_id" json:"tabId"`
	Role         string     `bson:"role,omitempty" json:"role,omitempty"`
	IsActive     bool       `bson:"is_active" json:"isActive"`
	CreatedAt    time.Time  `bson:"created_at" json:"createdAt"`
	LogoutAt     *time.Time `bson:"logout_at,omitempty" json:"logoutAt,omitempty"`
	LastActiveAt time.Time  `bson:"last_active_at" json:"lastActiveAt"`
}
