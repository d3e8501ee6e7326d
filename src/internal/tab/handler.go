package tab

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"civic-session-svc/src/internal/config"
	"civic-session-svc/src/internal/models"
	"civic-session-svc/src/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxImageSize = 10 << 20

// ReportAPI is satisfied by clients.ReportClient.
type ReportAPI interface {
	UpdateStatus(ctx context.Context, userID, token, reportID, status string) error
	Submit(ctx context.Context, userID, token string, report *models.Report) (string, error)
}

// ActivityPublisher is satisfied by clients.ActivityPublisher.
type ActivityPublisher interface {
	PublishActivityWithMetadata(userID, tabID, serviceName, action string, metadata map[string]string) error
}

type Handler interface {
	OpenTab(c *gin.Context)
	CloseTab(c *gin.Context)
	GetSession(c *gin.Context)
	SignIn(c *gin.Context)
	SignOut(c *gin.Context)
	Events(c *gin.Context)
	Socket(c *gin.Context)
	UpdateReportStatus(c *gin.Context)
	SubmitReport(c *gin.Context)
	GetStats(c *gin.Context)
}

type handler struct {
	config    *config.Configuration
	registry  *Registry
	reports   ReportAPI
	publisher ActivityPublisher
}

// NewHandler builds the tab HTTP handler. publisher may be nil.
func NewHandler(cfg *config.Configuration, registry *Registry, reports ReportAPI, publisher ActivityPublisher) Handler {
	return &handler{
		config:    cfg,
		registry:  registry,
		reports:   reports,
		publisher: publisher,
	}
}

func (h *handler) timeout(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), time.Duration(h.config.App.Timeout)*time.Second)
}

func (h *handler) OpenTab(c *gin.Context) {
	ctx, cancel := h.timeout(c)
	defer cancel()

	t, _, err := h.registry.Open(ctx)
	if t == nil {
		logrus.WithError(err).Error("Failed to open tab")
		sendErrorResponse(c, http.StatusInternalServerError, "Failed to open tab", err)
		return
	}

	c.JSON(http.StatusCreated, newSessionResponse(t, err))
}

func (h *handler) CloseTab(c *gin.Context) {
	id := c.Param("tabId")
	if err := h.registry.Close(id); err != nil {
		sendErrorResponse(c, http.StatusNotFound, "Tab not found", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Tab closed",
	})
}

func (h *handler) GetSession(c *gin.Context) {
	t, ok := FromContext(c)
	if !ok {
		sendErrorResponse(c, http.StatusNotFound, "Tab not found", models.ErrTabNotFound)
		return
	}

	c.JSON(http.StatusOK, newSessionResponse(t, nil))
}

func (h *handler) SignIn(c *gin.Context) {
	ctx, cancel := h.timeout(c)
	defer cancel()

	t, ok := FromContext(c)
	if !ok {
		sendErrorResponse(c, http.StatusNotFound, "Tab not found", models.ErrTabNotFound)
		return
	}

	var req SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := t.Store.SignIn(ctx, req.Token, req.Profile)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, newSessionResponse(t, nil))
	case errors.Is(err, models.ErrInvalidCredentials):
		sendErrorResponse(c, http.StatusBadRequest, "Invalid credentials", err)
	case t.Store.State() == session.Anonymous:
		logrus.WithError(err).WithField("tab_id", t.ID).Error("Sign-in failed")
		sendErrorResponse(c, http.StatusInternalServerError, "Sign-in failed", err)
	default:
		// Signed in, but the durable write or the broadcast did not go through.
		c.JSON(http.StatusOK, newSessionResponse(t, err))
	}
}

func (h *handler) SignOut(c *gin.Context) {
	ctx, cancel := h.timeout(c)
	defer cancel()

	t, ok := FromContext(c)
	if !ok {
		sendErrorResponse(c, http.StatusNotFound, "Tab not found", models.ErrTabNotFound)
		return
	}

	err := t.Store.SignOut(ctx)
	c.JSON(http.StatusOK, newSessionResponse(t, err))
}

// Events streams session changes as Server-Sent Events until the client goes
// away or the tab closes.
func (h *handler) Events(c *gin.Context) {
	t, ok := FromContext(c)
	if !ok {
		sendErrorResponse(c, http.StatusNotFound, "Tab not found", models.ErrTabNotFound)
		return
	}

	events, stop := t.Events()
	defer stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("session", newSessionResponse(t, nil))
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case change, open := <-events:
			if !open {
				return false
			}
			c.SSEvent("change", change)
			return true
		case <-t.Done():
			c.SSEvent("closed", gin.H{"tabId": t.ID})
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *handler) UpdateReportStatus(c *gin.Context) {
	ctx, cancel := h.timeout(c)
	defer cancel()

	t, _ := FromContext(c)
	sess, ok := SessionFromContext(c)
	if t == nil || !ok {
		sendErrorResponse(c, http.StatusUnauthorized, "No active user found, please sign in again", models.ErrNotAuthenticated)
		return
	}

	reportID := c.Param("reportId")
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	logger := logrus.WithFields(logrus.Fields{
		"tab_id":    t.ID,
		"user_id":   sess.UserID,
		"report_id": reportID,
		"status":    req.Status,
	})
	logger.Info("UpdateReportStatus request received")

	if err := h.reports.UpdateStatus(ctx, sess.UserID, sess.Token, reportID, req.Status); err != nil {
		logger.WithError(err).Warn("Failed to update report status")
		sendReportError(c, err)
		return
	}

	h.publish(sess.UserID, t.ID, models.ServiceReportStatus, models.ActionReportStatus, map[string]string{
		"report_id": reportID,
		"status":    req.Status,
	})

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"reportId": reportID,
			"status":   req.Status,
		},
		"message": "Report status updated successfully",
	})
}

func (h *handler) SubmitReport(c *gin.Context) {
	ctx, cancel := h.timeout(c)
	defer cancel()

	t, _ := FromContext(c)
	sess, ok := SessionFromContext(c)
	if t == nil || !ok {
		sendErrorResponse(c, http.StatusUnauthorized, "No active user found, please sign in again", models.ErrNotAuthenticated)
		return
	}

	report := &models.Report{
		Category:     c.PostForm("category"),
		Subcategory:  c.PostForm("subcategory"),
		Description:  c.PostForm("description"),
		Latitude:     c.PostForm("location_lat"),
		Longitude:    c.PostForm("location_long"),
		LocationName: c.PostForm("location_name"),
	}

	if header, err := c.FormFile("image"); err == nil {
		if header.Size > maxImageSize {
			sendErrorResponse(c, http.StatusRequestEntityTooLarge, "Image too large", models.ErrInvalidReport)
			return
		}
		file, err := header.Open()
		if err != nil {
			sendErrorResponse(c, http.StatusBadRequest, "Unreadable image", err)
			return
		}
		report.Image, err = io.ReadAll(file)
		file.Close()
		if err != nil {
			sendErrorResponse(c, http.StatusBadRequest, "Unreadable image", err)
			return
		}
		report.ImageName = header.Filename
	}

	id, err := h.reports.Submit(ctx, sess.UserID, sess.Token, report)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"tab_id":  t.ID,
			"user_id": sess.UserID,
		}).Warn("Failed to submit report")
		sendReportError(c, err)
		return
	}

	h.publish(sess.UserID, t.ID, models.ServiceReportSubmit, models.ActionReportSubmitted, map[string]string{
		"report_id": id,
		"category":  report.Category,
	})

	c.JSON(http.StatusCreated, gin.H{"_id": id})
}

func (h *handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.registry.Stats(),
	})
}

func (h *handler) publish(userID, tabID, service, action string, metadata map[string]string) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.PublishActivityWithMetadata(userID, tabID, service, action, metadata); err != nil {
		logrus.WithError(err).WithField("action", action).Warn("Failed to publish activity")
	}
}

func sendReportError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidStatus), errors.Is(err, models.ErrInvalidReport):
		sendErrorResponse(c, http.StatusBadRequest, "Invalid report request", err)
	case errors.Is(err, models.ErrNotAuthenticated):
		sendErrorResponse(c, http.StatusUnauthorized, "Authentication error, please sign in again", err)
	case errors.Is(err, models.ErrReportNotFound):
		sendErrorResponse(c, http.StatusNotFound, "Report not found", err)
	default:
		sendErrorResponse(c, http.StatusBadGateway, "Report service unavailable", err)
	}
}

func sendErrorResponse(c *gin.Context, status int, message string, err error) {
	c.JSON(status, gin.H{
		"error":   message,
		"message": err.Error(),
	})
}
