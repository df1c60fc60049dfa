package api

import (
	"context"
	"net/http"
	"strings"

	"ohbridge/internal/models"
	"ohbridge/internal/web/middleware"
	webmodels "ohbridge/internal/web/models"

	"github.com/gin-gonic/gin"
)

// Items is the hub REST surface used by the item routes
type Items interface {
	ListItems(ctx context.Context, forceRefresh bool) ([]models.Item, error)
	GetItem(ctx context.Context, name string) (models.Item, error)
	SendCommand(ctx context.Context, item string, kind models.CommandKind, payload string) error
}

func RegisterItemRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, items Items) {
	group := r.Group("/items")
	group.Use(middleware.RequireAuth())
	{
		group.GET("", func(c *gin.Context) {
			list, err := items.ListItems(c, c.Query("forceRefresh") == "true")
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, list)
		})

		group.GET("/:name", func(c *gin.Context) {
			item, err := items.GetItem(c, c.Param("name"))
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, item)
		})

		group.PUT("/:name/state", func(c *gin.Context) {
			sendItem(c, items, models.Update)
		})

		group.POST("/:name/command", func(c *gin.Context) {
			sendItem(c, items, models.Command)
		})
	}
}

// sendItem accepts {"value": "..."} or a plain text body
func sendItem(c *gin.Context, items Items, kind models.CommandKind) {
	var value string
	if c.ContentType() == "application/json" {
		var req webmodels.CommandRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		value = req.Value
	} else {
		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		value = strings.TrimSpace(string(raw))
	}
	if value == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}

	name := c.Param("name")
	if err := items.SendCommand(c, name, kind, value); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"item": name, "kind": kind, "value": value})
}
