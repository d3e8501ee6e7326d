package server

import (
	"context"
	"time"

	"civic-session-svc/src/internal/dependency"
	"civic-session-svc/src/internal/middleware"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(deps *dependency.Manager) {
	router := deps.Router
	router.Use(enableCORS)

	setupHealthEndpoint(deps)
	setupTabRoutes(router, deps)
}

func setupHealthEndpoint(deps *dependency.Manager) {
	router := deps.Router
	cfg := deps.Config

	router.GET("/health", func(c *gin.Context) {
		log.Debug("Health check endpoint requested")

		c.JSON(200, gin.H{
			"status":    "ok",
			"service":   cfg.App.Name,
			"version":   cfg.App.Version,
			"storage":   cfg.Storage.Backend,
			"mongodb":   pingStatus(c, mongoPinger(deps)),
			"redis":     pingStatus(c, redisPinger(deps)),
			"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	})

	router.GET("/health/detailed", func(c *gin.Context) {
		log.Debug("Detailed health check endpoint requested")

		rabbitStatus := "disabled"
		if deps.RabbitMQ != nil {
			rabbitStatus = getStatus(deps.RabbitMQ.IsConnected())
		}

		c.JSON(200, gin.H{
			"status":  "operational",
			"service": cfg.App.Name,
			"version": cfg.App.Version,
			"components": gin.H{
				"database": gin.H{
					"mongodb": connectionStatus(c, mongoPinger(deps)),
					"redis":   connectionStatus(c, redisPinger(deps)),
				},
				"queue": gin.H{
					"rabbitmq": rabbitStatus,
				},
				"tabs": deps.Registry.Stats(),
			},
		})
	})
}

func setupTabRoutes(router *gin.Engine, deps *dependency.Manager) {
	tabs := middleware.NewTabMiddleware(deps.Registry, time.Duration(deps.Config.App.Timeout)*time.Second)
	handler := deps.TabHandler

	api := router.Group("/api/v1")
	{
		api.POST("/tabs", setRouteName("openTab"), handler.OpenTab)
		api.GET("/stats/tabs", setRouteName("tabStats"), handler.GetStats)
		api.DELETE("/tabs/:tabId", setRouteName("closeTab"), handler.CloseTab)

		tab := api.Group("/tabs/:tabId", tabs.RequireTab())
		{
			tab.GET("/session", setRouteName("getSession"), handler.GetSession)
			tab.POST("/sign-in", setRouteName("signIn"), handler.SignIn)
			tab.POST("/sign-out", setRouteName("signOut"), handler.SignOut)
			tab.GET("/events", setRouteName("sessionEvents"), handler.Events)
			tab.GET("/ws", setRouteName("sessionSocket"), handler.Socket)

			tab.PUT("/reports/:reportId/status",
				setRouteName("updateReportStatus"),
				tabs.RequireSession(),
				handler.UpdateReportStatus)

			tab.POST("/reports",
				setRouteName("submitReport"),
				tabs.RequireSession(),
				handler.SubmitReport)
		}
	}
}

func setRouteName(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("route_name", name)
		c.Next()
	}
}

type pinger func(ctx context.Context) error

func mongoPinger(deps *dependency.Manager) pinger {
	if deps.Mongodb == nil {
		return nil
	}
	return deps.Mongodb.Ping
}

func redisPinger(deps *dependency.Manager) pinger {
	if deps.Redis == nil {
		return nil
	}
	return deps.Redis.Ping
}

func pingStatus(c *gin.Context, ping pinger) string {
	if ping == nil {
		return "disabled"
	}
	if err := ping(c.Request.Context()); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func connectionStatus(c *gin.Context, ping pinger) string {
	if ping == nil {
		return "disabled"
	}
	return getStatus(ping(c.Request.Context()) == nil)
}

func enableCORS(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tab-ID")

	if c.Request.Method == "OPTIONS" {
		c.AbortWithStatus(204)
		return
	}

	c.Next()
}

func getStatus(b bool) string {
	if b {
		return "connected"
	}
	return "disconnected"
}
