package tab

import (
	"net/http"
	"time"

	"civic-session-svc/src/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Socket pushes the same frames as Events over a WebSocket. Messages from the
// client are read only to notice when it goes away.
func (h *handler) Socket(c *gin.Context) {
	t, ok := FromContext(c)
	if !ok {
		sendErrorResponse(c, http.StatusNotFound, "Tab not found", models.ErrTabNotFound)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).WithField("tab_id", t.ID).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events, stop := t.Events()
	defer stop()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(frame wsFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(frame)
	}

	if err := write(wsFrame{Type: "session", Data: newSessionResponse(t, nil)}); err != nil {
		return
	}

	for {
		select {
		case change, open := <-events:
			if !open {
				return
			}
			if err := write(wsFrame{Type: "change", Data: change}); err != nil {
				logrus.WithError(err).WithField("tab_id", t.ID).Debug("WebSocket write failed")
				return
			}
		case <-t.Done():
			_ = write(wsFrame{Type: "closed", Data: gin.H{"tabId": t.ID}})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tab closed"),
				time.Now().Add(wsWriteTimeout))
			return
		case <-gone:
			return
		}
	}
}
