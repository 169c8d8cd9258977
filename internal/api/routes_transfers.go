package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/fetch"
	"github.com/energizer-project/courier/internal/transfer"
)

type createTransferRequest struct {
	URL      string            `json:"url" binding:"required"`
	Method   string            `json:"method"`
	Body     string            `json:"body"`
	Headers  map[string]string `json:"headers"`
	SaveAs   string            `json:"save_as"`
	User     string            `json:"user"`
	Password string            `json:"password"`
}

func (s *Server) handleListTransfers(c *gin.Context) {
	jobs := s.fetch.List()
	c.JSON(http.StatusOK, gin.H{
		"transfers": jobs,
		"active":    s.fetch.ActiveCount(),
		"capacity":  s.fetch.Capacity(),
	})
}

// handleCreateTransfer queues a transfer from a JSON or urlencoded body. The
// response carries only the id; progress is read back from /api/transfers/:id.
func (s *Server) handleCreateTransfer(c *gin.Context) {
	var req createTransferRequest
	var err error
	if isForm(c) {
		err = bindTransferForm(c, &req)
	} else {
		err = c.ShouldBindJSON(&req)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spec := fetch.JobSpec{
		URL:    req.URL,
		Method: req.Method,
		SaveAs: req.SaveAs,
		Source: "api",
		Credentials: transfer.Credentials{
			User:     req.User,
			Password: req.Password,
		},
	}
	if req.Body != "" {
		spec.Body = []byte(req.Body)
	}
	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec.Headers = append(spec.Headers, transfer.Header{Name: name, Value: req.Headers[name]})
	}

	id, err := s.fetch.Submit(spec)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, fetch.ErrBusy) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	log.Info().Uint64("id", id).Str("url", req.URL).Str("client_ip", c.ClientIP()).Msg("API: transfer queued")
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) handleGetTransfer(c *gin.Context) {
	id, ok := transferID(c)
	if !ok {
		return
	}
	info, found := s.fetch.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleGetTransferBody returns the received body of a finished transfer.
// Transfers saved to disk are served from the file.
func (s *Server) handleGetTransferBody(c *gin.Context) {
	id, ok := transferID(c)
	if !ok {
		return
	}

	info, body, err := s.fetch.Result(id)
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found"})
		return
	case errors.Is(err, fetch.ErrRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "transfer still running", "state": info.State})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if info.SavedTo != "" {
		c.File(info.SavedTo)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", body)
}

func (s *Server) handleCancelTransfer(c *gin.Context) {
	id, ok := transferID(c)
	if !ok {
		return
	}

	err := s.fetch.Cancel(id)
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found"})
	case errors.Is(err, fetch.ErrFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		log.Info().Uint64("id", id).Msg("API: transfer cancelled")
		c.JSON(http.StatusOK, gin.H{"status": "cancelled", "id": id})
	}
}

func transferID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transfer ID"})
		return 0, false
	}
	return id, true
}
