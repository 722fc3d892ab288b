package controllers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"FlowChat/pkg/apperr"
	"FlowChat/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS handled at HTTP level; allow WS here
		return true
	},
}

// ResumeWS is the websocket form of Resume. Lookup failures are answered
// over HTTP before the upgrade.
// Server protocol (JSON messages):
//
//	<- {type: "frame", data: string}   one wire frame, newline included
//	<- {type: "done", ok: true}
//	<- {type: "error", error: string}
//	-> {type: "stop"}                  ends the replay early
func (h *Chat) ResumeWS(c *gin.Context) {
	requestedAt := h.now()
	if !h.registry.Enabled() {
		metrics.ResumeOutcomes.WithLabelValues("disabled").Inc()
		c.Status(http.StatusNoContent)
		return
	}
	sessionID := strings.TrimSpace(c.Query("chatId"))
	if sessionID == "" {
		apperr.Respond(c, apperr.BadRequest("chatId is required"))
		return
	}
	log := h.logger(c).With().Str("session_id", sessionID).Logger()

	replay, err := h.openResume(c.Request.Context(), sessionID, requestedAt)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	defer replay.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20) // 1MB
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// reader goroutine: a stop message or a closed socket ends the replay
	stopCh := make(chan struct{})
	go func() {
		defer close(stopCh)
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
				continue
			}
			var obj struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(msg, &obj)
			if strings.ToLower(strings.TrimSpace(obj.Type)) == "stop" {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case f, ok := <-replay.Frames():
			if !ok {
				if err := replay.Err(); err != nil {
					log.Error().Err(err).Msg("resumed stream failed")
					_ = conn.WriteJSON(gin.H{"type": "error", "error": "stream interrupted"})
					return
				}
				_ = conn.WriteJSON(gin.H{"type": "done", "ok": true})
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(gin.H{"type": "frame", "data": string(f)}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-stopCh:
			_ = conn.WriteJSON(gin.H{"type": "done", "ok": true, "stopped": true})
			return
		}
	}
}
