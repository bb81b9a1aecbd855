package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/nestbill/internal/observability/context"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
)

func (s *Server) StartTrial(c *gin.Context) {
	var req subscriptiondomain.StartTrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	familyID := strings.TrimSpace(req.FamilyID)
	ctx := obscontext.WithActor(c.Request.Context(), "family", familyID)
	resp, err := s.subscriptionSvc.StartTrial(ctx, subscriptiondomain.StartTrialRequest{
		FamilyID: familyID,
		PlanTier: strings.TrimSpace(req.PlanTier),
		Cadence:  strings.TrimSpace(req.Cadence),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetSubscription(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	item, err := s.subscriptionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) RequestCancellation(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.subscriptionSvc.RequestCancellation(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) Reactivate(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	item, err := s.subscriptionSvc.Reactivate(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}
