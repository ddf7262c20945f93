package middlewares

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/models"
	"github.com/psicosafe/laudos_backend/utils"
)

// SessionMiddleware authenticates the bearer token and loads the request
// identity into context. Requests without a token pass through; handlers
// that need identity reject them individually.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		claim, err := utils.JwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		// Logout marks the token revoked before its JWT expiry.
		if _, revoked, err := config.GetRedisValue("session:revoked:" + token); err == nil && revoked {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		var user models.User
		loaded := false
		if exists, err := config.GetRedisObject("User:"+strconv.Itoa(claim.ID), &user); err == nil && exists {
			loaded = true
		}
		if !loaded {
			db := config.GetDB()
			if db == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
				c.Abort()
				return
			}
			if err := db.WithContext(c.Request.Context()).First(&user, claim.ID).Error; err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				c.Abort()
				return
			}
		}
		if user.IsActive == nil || !*user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetCompanyIdInContext(ctx, user.CompanyId)
		ctx = utils.SetUsernameInContext(ctx, user.Username)
		ctx = utils.SetUserIdInContext(ctx, user.ID)
		ctx = utils.SetUserNameInContext(ctx, user.Name)
		ctx = utils.SetIsAdminInContext(ctx, user.Role == models.UserRoleAdmin)
		switch user.Role {
		case models.UserRoleManager:
			ctx = utils.SetRequesterRoleInContext(ctx, string(models.RequesterRoleEntityManager))
		default:
			ctx = utils.SetRequesterRoleInContext(ctx, string(models.RequesterRoleInternalHR))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
