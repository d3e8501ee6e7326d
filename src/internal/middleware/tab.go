package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"civic-session-svc/src/internal/models"
	"civic-session-svc/src/internal/tab"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const tabHeader = "X-Tab-ID"

// TabMiddleware resolves the calling tab and, for report routes, its session.
type TabMiddleware struct {
	registry *tab.Registry
	timeout  time.Duration
}

func NewTabMiddleware(registry *tab.Registry, timeout time.Duration) *TabMiddleware {
	return &TabMiddleware{
		registry: registry,
		timeout:  timeout,
	}
}

// RequireTab loads the tab named by the tabId path parameter or the X-Tab-ID
// header.
func (m *TabMiddleware) RequireTab() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("tabId")
		if id == "" {
			id = c.GetHeader(tabHeader)
		}
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Tab id is required",
			})
			c.Abort()
			return
		}

		t, err := m.registry.Get(id)
		if err != nil {
			logrus.WithField("tab_id", id).Debug("Unknown tab")
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Tab not found - open a new tab",
			})
			c.Abort()
			return
		}

		c.Set(tab.ContextTabKey, t)
		c.Next()
	}
}

// RequireSession rejects anonymous tabs and tabs whose token has expired. Must
// run after RequireTab.
func (m *TabMiddleware) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		t, ok := tab.FromContext(c)
		if !ok {
			logrus.Error("Tab not found in context - ensure RequireTab middleware runs first")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			c.Abort()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), m.timeout)
		defer cancel()

		sess, err := t.Store.Authorize(ctx)
		if err != nil {
			message := "No active user found - please sign in again"
			if errors.Is(err, models.ErrSessionExpired) {
				message = "Session expired - please sign in again"
			}
			logrus.WithError(err).WithField("tab_id", t.ID).Warn("Session authorization failed")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": message,
			})
			c.Abort()
			return
		}

		c.Set(tab.ContextSessionKey, sess)
		c.Set("user_id", sess.UserID)
		c.Set("user_role", sess.Profile.Role)

		logrus.WithFields(logrus.Fields{
			"tab_id":    t.ID,
			"user_id":   sess.UserID,
			"user_role": sess.Profile.Role,
		}).Debug("Tab session authorized")

		c.Next()
	}
}
