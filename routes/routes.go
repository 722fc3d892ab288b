package routes

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"FlowChat/controllers"
	"FlowChat/middleware"
	"FlowChat/pkg/config"

	convRoutes "FlowChat/routes/conversation"
	websocketRoutes "FlowChat/routes/websocket"
)

// NewEngine builds the gin engine with the shared middleware stack and all routes.
func NewEngine(cfg *config.Config, h *controllers.Chat, logger zerolog.Logger) *gin.Engine {
	if cfg.IsProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(logger), middleware.Metrics())

	// CORS configuration
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Requested-With", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	RegisterRoutes(r, h)
	return r
}

func RegisterRoutes(r *gin.Engine, h *controllers.Chat) {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "flow chat relay running"})
	})
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	websocketRoutes.Register(r, h)

	api := r.Group("/api")
	convRoutes.Register(api, h)
}
