package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	conversiondomain "github.com/smallbiznis/nestbill/internal/conversion/domain"
)

func (s *Server) ConvertToPaid(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req conversiondomain.ConvertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.conversionSvc.ConvertToPaid(c.Request.Context(), conversiondomain.ConvertRequest{
		SubscriptionID:     id,
		PaymentMethodToken: strings.TrimSpace(req.PaymentMethodToken),
		Jurisdiction:       strings.TrimSpace(req.Jurisdiction),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
