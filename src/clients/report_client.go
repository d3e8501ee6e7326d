package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"civic-session-svc/src/internal/config"
	"civic-session-svc/src/internal/models"

	"github.com/sirupsen/logrus"
)

// ReportClient calls the remote Report Status and Report Submission APIs on
// behalf of a signed-in user.
type ReportClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewReportClient(cfg *config.ReportAPIConfig) *ReportClient {
	return &ReportClient{
		baseURL: strings.TrimRight(cfg.Url, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

// UpdateStatus sets the status of a report.
func (c *ReportClient) UpdateStatus(ctx context.Context, userID, token, reportID, status string) error {
	if !models.IsValidReportStatus(status) {
		return fmt.Errorf("%w: %q", models.ErrInvalidStatus, status)
	}
	if strings.TrimSpace(reportID) == "" {
		return fmt.Errorf("%w: report id is required", models.ErrInvalidReport)
	}

	body, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/reports/report/status/%s", c.baseURL, url.PathEscape(reportID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	authorize(req, userID, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call report service: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id":   userID,
			"report_id": reportID,
		}).Warn("Report status update rejected")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":   userID,
		"report_id": reportID,
		"status":    status,
	}).Debug("Report status updated")

	return nil
}

// Submit creates a report and returns its id.
func (c *ReportClient) Submit(ctx context.Context, userID, token string, report *models.Report) (string, error) {
	if report.Category == "" || report.Description == "" {
		return "", fmt.Errorf("%w: category and description are required", models.ErrInvalidReport)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	fields := []struct{ name, value string }{
		{"category", report.Category},
		{"subcategory", report.Subcategory},
		{"description", report.Description},
		{"location_lat", report.Latitude},
		{"location_long", report.Longitude},
		{"location_name", report.LocationName},
	}
	for _, f := range fields {
		if err := form.WriteField(f.name, f.value); err != nil {
			return "", fmt.Errorf("failed to write form field: %w", err)
		}
	}

	if len(report.Image) > 0 {
		name := report.ImageName
		if name == "" {
			name = "image"
		}
		part, err := form.CreateFormFile("image", name)
		if err != nil {
			return "", fmt.Errorf("failed to create image part: %w", err)
		}
		if _, err := part.Write(report.Image); err != nil {
			return "", fmt.Errorf("failed to write image part: %w", err)
		}
	}

	if err := form.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	endpoint := c.baseURL + "/api/reports/report"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	authorize(req, userID, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call report service: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var response struct {
		ID string `json:"_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"user_id":   userID,
		"report_id": response.ID,
		"category":  report.Category,
	}).Info("Report submitted")

	return response.ID, nil
}

func authorize(req *http.Request, userID, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-ID", userID)
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return models.ErrNotAuthenticated
	case resp.StatusCode == http.StatusNotFound:
		return models.ErrReportNotFound
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: status %d: %s", models.ErrReportAPIRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
}
