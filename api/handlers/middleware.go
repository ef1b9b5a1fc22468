package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/compose-paas/backend/internal/model"
)

const userIDKey = "userID"

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the user id in the context.
func AuthMiddleware(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			sendModelError(c, model.NewError(model.CodeUnauthorized, "missing bearer token"))
			return
		}
		userID, err := tokens.Validate(token)
		if err != nil {
			sendModelError(c, err)
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// getUserID extracts the user ID set by AuthMiddleware.
func getUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// CORSMiddleware allows cross-origin requests from the configured origins.
// An empty list allows every origin.
func CORSMiddleware(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && originAllowed(allowed, origin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
