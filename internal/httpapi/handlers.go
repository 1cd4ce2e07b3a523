package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/supervisor"
)

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions_running": s.sessions.Running()})
}

func (s *Server) startSession(c *gin.Context) {
	var req config.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.RequestID == "" {
		req.RequestID = c.GetString("request_id")
	}

	id, err := s.sessions.StartSession(req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Location", "/v1/sessions/"+id)
	c.JSON(http.StatusAccepted, gin.H{"session_id": id, "status": "started"})
}

func (s *Server) listSessions(c *gin.Context) {
	list := s.sessions.List()
	c.JSON(http.StatusOK, gin.H{"sessions": list, "count": len(list)})
}

func (s *Server) getSession(c *gin.Context) {
	st, err := s.sessions.GetStatus(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// stopSession requests teardown; with ?wait=true it responds with the terminal status.
func (s *Server) stopSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.sessions.StopSession(id); err != nil {
		abortWithError(c, err)
		return
	}
	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, gin.H{"session_id": id, "status": "stopping"})
		return
	}
	st, err := s.sessions.Wait(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, supervisor.ErrCapacity):
		status = http.StatusTooManyRequests
	case errors.Is(err, supervisor.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, config.ErrInvalidRequest):
		status = http.StatusBadRequest
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
