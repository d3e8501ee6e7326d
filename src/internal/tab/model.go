package tab

import (
	"civic-session-svc/src/internal/session"
)

type SignInRequest struct {
	Token   string          `json:"token"`
	Profile session.Profile `json:"profile"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type SessionResponse struct {
	TabID    string           `json:"tabId"`
	State    session.State    `json:"state"`
	Session  *session.Session `json:"session,omitempty"`
	Degraded bool             `json:"degraded"`
	Warning  string           `json:"warning,omitempty"`
}

func newSessionResponse(t *Tab, warning error) SessionResponse {
	resp := SessionResponse{
		TabID:    t.ID,
		State:    t.Store.State(),
		Degraded: t.Store.Degraded(),
	}
	if sess, ok := t.Store.Current(); ok {
		resp.Session = &sess
	}
	if warning != nil {
		resp.Warning = warning.Error()
	}
	return resp
}
