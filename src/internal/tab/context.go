package tab

import (
	"civic-session-svc/src/internal/session"

	"github.com/gin-gonic/gin"
)

const (
	ContextTabKey     = "tab"
	ContextSessionKey = "session"
)

func FromContext(c *gin.Context) (*Tab, bool) {
	v, ok := c.Get(ContextTabKey)
	if !ok {
		return nil, false
	}
	t, ok := v.(*Tab)
	return t, ok
}

// SessionFromContext returns the session authorized by the session middleware.
func SessionFromContext(c *gin.Context) (session.Session, bool) {
	v, ok := c.Get(ContextSessionKey)
	if !ok {
		return session.Session{}, false
	}
	s, ok := v.(session.Session)
	return s, ok
}
