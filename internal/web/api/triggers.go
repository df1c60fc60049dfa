package api

import (
	"context"
	"net/http"
	"strconv"

	"ohbridge/internal/engine"
	"ohbridge/internal/models"
	"ohbridge/internal/status"
	"ohbridge/internal/trigger"
	"ohbridge/internal/web/middleware"

	"github.com/gin-gonic/gin"
)

// Nodes is the engine surface used by the node and status routes
type Nodes interface {
	ConnectionStatus() status.Display
	Board() *status.Board
	Failed() map[string]string
	Triggers() []trigger.Snapshot
	TriggerSnapshot(name string) (trigger.Snapshot, bool)
	Input(node string, in trigger.Input) error
	Recent(n int) []models.Message
	Refresh(ctx context.Context) error
}

// History returns recorded trigger messages, newest first
type History interface {
	History(ctx context.Context, node string, limit int) ([]models.HistoryEntry, error)
}

// RegisterTriggerRoutes adds the trigger routes. The history route is only
// added when history is non-nil.
func RegisterTriggerRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, nodes Nodes, history History) {
	triggers := r.Group("/triggers")
	triggers.Use(middleware.RequireAuth())
	{
		triggers.GET("", func(c *gin.Context) {
			c.JSON(http.StatusOK, nodes.Triggers())
		})

		triggers.GET("/:name", func(c *gin.Context) {
			snap, ok := nodes.TriggerSnapshot(c.Param("name"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found"})
				return
			}
			c.JSON(http.StatusOK, snap)
		})

		triggers.POST("/:name/input", func(c *gin.Context) {
			raw, err := c.GetRawData()
			if err != nil || len(raw) == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			name := c.Param("name")
			if err := nodes.Input(name, engine.DecodeInput(raw)); err != nil {
				writeError(c, err)
				return
			}
			snap, _ := nodes.TriggerSnapshot(name)
			c.JSON(http.StatusOK, snap)
		})

		if history != nil {
			triggers.GET("/:name/history", func(c *gin.Context) {
				limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
				if err != nil || limit <= 0 {
					c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
					return
				}
				name := c.Param("name")
				if _, ok := nodes.TriggerSnapshot(name); !ok {
					c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found"})
					return
				}
				entries, err := history.History(c, name, limit)
				if err != nil {
					writeError(c, err)
					return
				}
				c.JSON(http.StatusOK, entries)
			})
		}
	}
}
