package models

import "time"

type ActivityMessage struct {
	UserID      string            `json:"user_id"`
	TabID       string            `json:"tab_id"`
	ServiceName string            `json:"service_name"`
	Action      string            `json:"action"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Activity action constants
const (
	ActionSignedIn         = "signed_in"
	ActionSignedOut        = "signed_out"
	ActionSessionRecovered = "session_recovered"
	ActionSessionSynced    = "session_synced"
	ActionReportStatus     = "report_status_update"
	ActionReportSubmitted  = "report_submitted"
)

// Service name constants
const (
	ServiceSessionStore = "session.store"
	ServiceReportStatus = "tab.handler.report_status"
	ServiceReportSubmit = "tab.handler.report_submit"
)
