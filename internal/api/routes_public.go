package api

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
)

// handlePing is the liveness probe.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "courier",
	})
}

func (s *Server) handleGetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":       "courier",
		"version":    s.version,
		"go_version": runtime.Version(),
	})
}
