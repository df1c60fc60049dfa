package api

import (
	"net/http"
	"strconv"

	"ohbridge/internal/web/middleware"
	webmodels "ohbridge/internal/web/models"

	"github.com/gin-gonic/gin"
)

func RegisterStatusRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, nodes Nodes) {
	group := r.Group("/")
	group.Use(middleware.RequireAuth())
	{
		group.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, webmodels.StatusResponse{
				Connection: nodes.ConnectionStatus(),
				Nodes:      nodes.Board().Snapshot(),
				Failed:     nodes.Failed(),
			})
		})

		group.GET("/messages", func(c *gin.Context) {
			limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
			if err != nil || limit < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			c.JSON(http.StatusOK, webmodels.MessagesResponse{Messages: nodes.Recent(limit)})
		})

		group.POST("/refresh", func(c *gin.Context) {
			if err := nodes.Refresh(c); err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"refreshed": true})
		})
	}
}
