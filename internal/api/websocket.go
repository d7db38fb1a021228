package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"aifx-advisor/internal/dispatch"
	"aifx-advisor/internal/market"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin filtering happens in the CORS layer for the REST surface;
	// the socket accepts any origin and relies on token auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and joins the client to its
// user room plus a room per watched pair (?pairs=EUR/USD,GBP/USD).
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "websocket transport disabled"})
		return
	}

	// The browser websocket API cannot set headers, so the token rides
	// in a query param on this endpoint.
	id := c.GetHeader("X-Subscriber-ID")
	if id == "" {
		id = c.Query("subscriber_id")
	}
	if id == "" {
		id = "anonymous"
	}

	rooms := []string{dispatch.UserRoom(id)}
	if raw := c.Query("pairs"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			pair, err := market.ParsePair(p)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			rooms = append(rooms, dispatch.PairRoom(string(pair)))
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.Register(conn, rooms)
	s.log.Debug("websocket client connected", "subscriber", id, "rooms", len(rooms))
}
