package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	iauth "github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/middleware"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if c.Request != nil && c.Request.Context() != nil {
		return c.Request.Context()
	}
	return context.Background()
}

// currentClaims extracts the session claims placed by the auth middleware.
func currentClaims(c *gin.Context) (*iauth.Claims, bool) {
	value, ok := c.Get(middleware.CtxClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*iauth.Claims)
	return claims, ok
}

// currentAccountID extracts the authenticated account id from the context.
func currentAccountID(c *gin.Context) (string, bool) {
	value, ok := c.Get(middleware.CtxAccountIDKey)
	if !ok {
		return "", false
	}
	id, ok := value.(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
