package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rongwang/shipprep-server/internal/auth"
	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/models"
)

// Context keys set by AuthMiddleware
const (
	ctxIdentity = "identity"
	ctxUserID   = "userId"
)

// AuthMiddleware returns a Gin middleware for authentication
func AuthMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get the JWT token from the Authorization header
		tokenString, err := auth.TokenFromRequest(c.Request, false)
		if err != nil {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{
				Status:  "error",
				Code:    common.Code(common.ErrUnauthorized),
				Message: "Authentication required",
			})
			c.Abort()
			return
		}

		identity, err := verifier.Verify(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{
				Status:  "error",
				Code:    common.Code(common.ErrUnauthorized),
				Message: "Invalid token",
			})
			c.Abort()
			return
		}

		// Set the caller in the context
		c.Set(ctxIdentity, identity)
		c.Set(ctxUserID, identity.UserID)
		c.Next()
	}
}

// CORSMiddleware allows browser clients from the configured origins. A "*"
// entry allows every origin.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			break
		}
	}
	if !cfg.AllowAllOrigins {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func identityFrom(c *gin.Context) models.Identity {
	if v, ok := c.Get(ctxIdentity); ok {
		if id, ok := v.(models.Identity); ok {
			return id
		}
	}
	return models.Identity{}
}
