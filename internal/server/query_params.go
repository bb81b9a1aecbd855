package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// parseIDParam reads a snowflake id path parameter.
func parseIDParam(c *gin.Context, name string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(c.Param(name))
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return parsed, nil
}
