package session

import (
	"encoding/json"
	"time"
)

// Profile is the user as returned by the remote API on sign-in.
type Profile struct {
	UserID  string         `json:"_id"`
	Name    string         `json:"name,omitempty"`
	Email   string         `json:"email,omitempty"`
	Role    string         `json:"role,omitempty"`
	SpaceID string         `json:"space_id,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// Session is the identity a tab is signed in as.
type Session struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"-"`
	Profile   Profile   `json:"profile"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// IsExpired reports whether the token's own expiry has passed. Tokens without
// an expiry never expire locally.
func (s Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type State int

const (
	Anonymous State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "anonymous"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Origin tells listeners what caused a change.
type Origin string

const (
	OriginLocal     Origin = "local"
	OriginBroadcast Origin = "broadcast"
	OriginRecovery  Origin = "recovery"
)

// Change is emitted to listeners after every state transition or re-sync.
type Change struct {
	TabID  string `json:"tabId"`
	From   State  `json:"from"`
	To     State  `json:"to"`
	UserID string `json:"userId"`
	// PreviousUserID is set when the tab switched directly from one user to another.
	PreviousUserID string    `json:"previousUserId,omitempty"`
	Origin         Origin    `json:"origin"`
	Session        *Session  `json:"session,omitempty"`
	At             time.Time `json:"at"`
}

// userRecord is the value stored under user_{userId}.
type userRecord struct {
	Profile
	IssuedAt time.Time `json:"issuedAt"`
}

type loginEvent struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}
