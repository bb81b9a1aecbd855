package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) CheckAccess(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	decision, err := s.gate.Check(c.Request.Context(), id, c.Param("feature"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decision})
}

func (s *Server) ListFeatures(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.gate.Catalog()})
}
