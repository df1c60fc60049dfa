package api

import (
	"errors"
	"net/http"

	"ohbridge/internal/engine"
	"ohbridge/internal/openhab"
	"ohbridge/internal/trigger"

	"github.com/gin-gonic/gin"
)

// writeError maps engine and hub errors to a status code
func writeError(c *gin.Context, err error) {
	var cerr *openhab.CommandError
	switch {
	case errors.Is(err, engine.ErrNodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, trigger.ErrUnknownInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, openhab.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &cerr) && cerr.Status == http.StatusNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": cerr.Reason()})
	case errors.As(err, &cerr):
		c.JSON(http.StatusBadGateway, gin.H{"error": cerr.Reason()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
