package models

const (
	ReportStatusPending    = "pending"
	ReportStatusInProgress = "in_progress"
	ReportStatusResolved   = "resolved"
)

func IsValidReportStatus(status string) bool {
	switch status {
	case ReportStatusPending, ReportStatusInProgress, ReportStatusResolved:
		return true
	}
	return false
}

// Report is a new issue report forwarded to the Report Submission API.
type Report struct {
	Category     string
	Subcategory  string
	Description  string
	Latitude     string
	Longitude    string
	LocationName string
	ImageName    string
	Image        []byte
}
