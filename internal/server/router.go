// Package server assembles the HTTP surface of the relay: the transport
// route, the health check and the admin control plane.
package server

import (
	"collab-relay/internal/admin"
	"collab-relay/internal/gateway"
	"collab-relay/internal/logging"
	"collab-relay/internal/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type Options struct {
	Environment string
	AdminSecret string
	Gateway     *gateway.Gateway
	Admin       *admin.Handler
	Logger      zerolog.Logger
}

func NewRouter(opts Options) *gin.Engine {
	if opts.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.UseJSONFieldNames()

	router := gin.New()
	router.Use(gin.Recovery(), logging.GinLogger(opts.Logger), middleware.ErrorHandler(opts.Logger))

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", logging.RequestIDHeader},
		AllowCredentials: false,
		AllowAllOrigins:  true,
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", opts.Admin.Health)

	adminGroup := router.Group("/admin", middleware.AdminAuth(opts.AdminSecret))
	adminGroup.POST("/close-room", opts.Admin.CloseRoom)
	adminGroup.GET("/rooms", opts.Admin.ListRooms)
	adminGroup.POST("/broadcast", opts.Admin.Broadcast)
	adminGroup.PUT("/documents/:documentId/permission", opts.Admin.ChangePermission)
	adminGroup.DELETE("/documents/:documentId", opts.Admin.DeleteDocument)

	// transport: GET /{documentId}?token=...
	router.GET("/", opts.Gateway.Handle)
	router.GET("/:documentId", opts.Gateway.Handle)

	return router
}
