package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"carrera.app/race"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"races":  len(s.reg.ListSessions()),
	})
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Snapshot())
}

func (s *Server) listRaces(c *gin.Context) {
	c.JSON(http.StatusOK, s.reg.ListSessions())
}

func (s *Server) getRace(c *gin.Context) {
	snap, err := s.reg.Session(c.Param("id"))
	if err != nil {
		s.apiError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getParticipants(c *gin.Context) {
	ps, err := s.reg.ListParticipants(c.Param("id"))
	if err != nil {
		s.apiError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

func (s *Server) getPositions(c *gin.Context) {
	ps, err := s.reg.ListPositions(c.Param("id"))
	if err != nil {
		s.apiError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

func (s *Server) apiError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, race.ErrNotFound) {
		status = http.StatusNotFound
	}
	c.JSON(status, errorMessage(err))
}
