package v1

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect from a separate origin
		return true
	},
}

const (
	wsReadLimit    = 4096
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// StreamEvents upgrades the connection and fans the thread's round
// events out to the client until it disconnects.
// GET /v1/threads/:thread_id/ws
func (h *Handler) StreamEvents(c echo.Context) error {
	if h.eventHub == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "event streaming not enabled"})
	}

	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	// Reject unknown threads before upgrading.
	if _, err := h.service.OpenThread(ctx, threadID); err != nil {
		return errorResponse(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := h.eventHub.NewConnection(ws, threadID)
	h.eventHub.Register(conn)

	ws.SetReadLimit(wsReadLimit)

	go conn.WriteLoop(wsPingInterval, wsWriteTimeout)
	go h.readLoop(conn.Conn, func() { h.eventHub.Unregister(conn) })

	return nil
}

// readLoop drains client frames so pongs are processed, unregistering
// on close. The endpoint is server-push only; inbound frames are
// discarded.
func (h *Handler) readLoop(ws *websocket.Conn, unregister func()) {
	defer func() {
		unregister()
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}
