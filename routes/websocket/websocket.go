package websocket

import (
	"FlowChat/controllers"
	"FlowChat/middleware"

	"github.com/gin-gonic/gin"
)

func Register(r *gin.Engine, h *controllers.Chat) {
	r.GET("/ws/chat/resume", middleware.RateLimit(), h.ResumeWS)
}
