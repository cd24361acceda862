package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/services"
)

// Context keys set by the identity middleware.
const (
	ContextUserID   = "user_id"
	ContextUserRole = "user_role"
)

func ParseStringIDParam(c *gin.Context, param string) string {
	idStr := strings.TrimSpace(c.Param(param))
	if idStr == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid " + param,
			Details: "ID cannot be empty",
		})
		return ""
	}
	return idStr
}

// actorFrom builds the service-layer capability context from the
// authenticated request. Aborts with 401 when identity is missing.
func actorFrom(c *gin.Context) (services.Actor, bool) {
	userID, exists := c.Get(ContextUserID)
	if !exists {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Message: "User not authenticated",
		})
		return services.Actor{}, false
	}

	role := models.RoleStudent
	if raw, ok := c.Get(ContextUserRole); ok {
		if r, ok := raw.(models.UserRole); ok {
			role = r
		}
	}

	return services.Actor{
		UserID: userID.(string),
		Role:   role,
	}, true
}

// IdentityMiddleware trusts the gateway-authenticated identity headers.
// Token verification happens upstream; this service only consumes the
// resolved user id and role.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := strings.TrimSpace(c.GetHeader("X-User-ID")); userID != "" {
			c.Set(ContextUserID, userID)
		}
		if role := strings.TrimSpace(c.GetHeader("X-User-Role")); role != "" {
			c.Set(ContextUserRole, models.UserRole(role))
		}
		c.Next()
	}
}
