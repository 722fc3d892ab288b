package conversation

import (
	"FlowChat/controllers"
	"FlowChat/middleware"

	"github.com/gin-gonic/gin"
)

// Register registers the chat API.
func Register(g *gin.RouterGroup, h *controllers.Chat) {
	// rate limiting only guards the endpoint that calls the flow service
	g.POST("/chat", middleware.RateLimit(), h.Post)
	g.GET("/chat", h.Resume)
	g.DELETE("/chat", h.Delete)
	g.GET("/chat/:id/messages", h.Messages)
	g.DELETE("/chat/messages/:messageId/trailing", h.DeleteTrailing)
	g.GET("/history", h.History)
}
