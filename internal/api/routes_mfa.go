package api

import (
	"github.com/gin-gonic/gin"

	"github.com/tallyhq/tally/internal/handlers"
)

func registerMFARoutes(api *gin.RouterGroup, h *handlers.MFAHandler) {
	mfa := api.Group("/mfa")
	{
		mfa.POST("/enroll/start", h.EnrollStart)
		mfa.POST("/enroll/finish", h.EnrollFinish)
		mfa.POST("/challenge", h.Challenge)
		mfa.POST("/verify", h.Verify)
		mfa.POST("/recovery/regenerate", h.RecoveryRegenerate)
		mfa.POST("/device/check", h.DeviceCheck)
		mfa.POST("/device/add", h.DeviceAdd)
		mfa.POST("/disable", h.Disable)
	}
}
