package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/handlers"
	"github.com/tallyhq/tally/internal/middleware"
)

// Deps bundles everything the router needs.
type Deps struct {
	DB         *gorm.DB
	JWT        *iauth.JWTService
	MFAHandler *handlers.MFAHandler
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.MFAHandler == nil {
		return nil, fmt.Errorf("mfa handler must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	// Coarse transport limiter; the lockout guard enforces per-account policy
	r.Use(middleware.RateLimit(100, time.Minute))

	r.GET("/health", handlers.Health(deps.DB))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(middleware.Auth(deps.JWT))

	registerMFARoutes(api, deps.MFAHandler)

	return r, nil
}
