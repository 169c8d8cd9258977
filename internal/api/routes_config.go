package api

import (
	"bytes"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/events"
)

const redacted = "********"

// handleGetConfig returns the current configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	td := s.cfg.GetTransferData()
	if td.FTPPassword != "" {
		td.FTPPassword = redacted
	}
	app := s.cfg.GetApplicationData()
	if app.Notify.WebhookURL != "" {
		app.Notify.WebhookURL = redacted
	}

	c.JSON(http.StatusOK, gin.H{
		"transfer":         td,
		"application_data": app,
	})
}

// handleSetTransferConfig applies a set of transfer fields. Either every
// field is applied and the result validates, or nothing changes.
func (s *Server) handleSetTransferConfig(c *gin.Context) {
	var fields map[string]interface{}
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	previous := s.cfg.GetTransferData()
	for _, key := range keys {
		if err := s.cfg.UpdateTransferField(key, fields[key]); err != nil {
			s.cfg.SetTransferData(previous)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.commitConfig(c, "transfer", func() { s.cfg.SetTransferData(previous) })
}

// handleSetAppConfig replaces whole application sections, for example
// {"notify": {...}}.
func (s *Server) handleSetAppConfig(c *gin.Context) {
	var sections map[string]interface{}
	if err := c.ShouldBindJSON(&sections); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetApplicationData()
	for key, value := range sections {
		if err := s.cfg.UpdateAppField(key, value); err != nil {
			s.cfg.SetApplicationData(previous)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.commitConfig(c, "application_data", func() { s.cfg.SetApplicationData(previous) })
}

func (s *Server) commitConfig(c *gin.Context, section string, revert func()) {
	if result := config.Validate(s.cfg); !result.IsValid() {
		revert()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration", "details": result.Errors})
		return
	}

	if s.cfg.Path() != "" {
		if err := s.cfg.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
			return
		}
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:    events.EventConfigChanged,
		Source:  "api",
		Payload: events.ConfigChangedPayload{Section: section},
	})
	log.Info().Str("section", section).Str("client_ip", c.ClientIP()).Msg("API: config updated")

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type consoleRequest struct {
	Command string `json:"command" binding:"required"`
}

// handleConsole runs one console command and returns what it printed.
func (s *Server) handleConsole(c *gin.Context) {
	var req consoleRequest
	var err error
	if isForm(c) {
		err = bindConsoleForm(c, &req)
	} else {
		err = c.ShouldBindJSON(&req)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var out bytes.Buffer
	if err := s.console.Execute(c.Request.Context(), &out, req.Command); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "output": out.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out.String()})
}
