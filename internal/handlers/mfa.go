package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	iauth "github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/mfa"
	"github.com/tallyhq/tally/internal/services"
	"github.com/tallyhq/tally/pkg/errors"
	"github.com/tallyhq/tally/pkg/logger"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/response"
)

// MFAHandler exposes the second-factor surface: enrollment, challenges,
// verification, recovery codes, trusted devices, and disablement.
type MFAHandler struct {
	enrollment *mfa.EnrollmentService
	verifier   *mfa.Verifier
	vault      *mfa.RecoveryVault
	devices    *mfa.DeviceRegistry
	jwt        *iauth.JWTService
	audit      *services.AuditService
}

// NewMFAHandler wires the MFA services into an HTTP handler.
func NewMFAHandler(
	enrollment *mfa.EnrollmentService,
	verifier *mfa.Verifier,
	vault *mfa.RecoveryVault,
	devices *mfa.DeviceRegistry,
	jwt *iauth.JWTService,
	audit *services.AuditService,
) *MFAHandler {
	return &MFAHandler{
		enrollment: enrollment,
		verifier:   verifier,
		vault:      vault,
		devices:    devices,
		jwt:        jwt,
		audit:      audit,
	}
}

type enrollStartRequest struct {
	AccountName string `json:"account_name" validate:"required"`
}

type enrollStartResponse struct {
	FactorID        string `json:"factor_id"`
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
	QRCodePNG       string `json:"qr_code_png"` // base64
}

// POST /api/mfa/enroll/start
func (h *MFAHandler) EnrollStart(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req enrollStartRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ticket, err := h.enrollment.StartEnrollment(requestContext(c), accountID, req.AccountName)
	if err != nil {
		metrics.MFAEnrollments.WithLabelValues("start", "failure").Inc()
		response.Error(c, err)
		return
	}

	metrics.MFAEnrollments.WithLabelValues("start", "success").Inc()
	h.auditLog(c, accountID, services.AuditActionEnrollStart, "success", map[string]any{"factor_id": ticket.FactorID})

	response.Success(c, http.StatusOK, enrollStartResponse{
		FactorID:        ticket.FactorID,
		Secret:          ticket.Secret,
		ProvisioningURI: ticket.ProvisioningURI,
		QRCodePNG:       base64.StdEncoding.EncodeToString(ticket.QRCode),
	})
}

type enrollFinishRequest struct {
	FactorID string `json:"factor_id" validate:"required,uuid4"`
	Code     string `json:"code" validate:"required"`
}

// POST /api/mfa/enroll/finish
func (h *MFAHandler) EnrollFinish(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req enrollFinishRequest
	if !bindAndValidate(c, &req) {
		return
	}

	codes, err := h.enrollment.FinalizeEnrollment(requestContext(c), accountID, req.FactorID, req.Code, mfa.AttemptMeta{
		Identifier: accountID,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		metrics.MFAEnrollments.WithLabelValues("finish", "failure").Inc()
		h.auditLog(c, accountID, services.AuditActionEnrollFinish, "failure", map[string]any{"factor_id": req.FactorID})
		response.Error(c, err)
		return
	}

	metrics.MFAEnrollments.WithLabelValues("finish", "success").Inc()
	h.auditLog(c, accountID, services.AuditActionEnrollFinish, "success", map[string]any{"factor_id": req.FactorID})

	token, err := h.jwt.GenerateSessionToken(accountID, iauth.MFAStateSatisfied)
	if err != nil {
		response.Error(c, errors.Wrap(err, "issuing session token"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"recovery_codes": codes,
		"session_token":  token,
	})
}

type challengeRequest struct {
	FactorID string `json:"factor_id" validate:"required,uuid4"`
}

// POST /api/mfa/challenge
func (h *MFAHandler) Challenge(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req challengeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	challenge, err := h.verifier.IssueChallenge(requestContext(c), accountID, req.FactorID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, challenge)
}

type verifyRequest struct {
	ChallengeID    string `json:"challenge_id" validate:"required,uuid4"`
	Code           string `json:"code" validate:"required"`
	Kind           string `json:"kind" validate:"required,oneof=totp recovery"`
	RememberDevice bool   `json:"remember_device"`
}

// POST /api/mfa/verify
func (h *MFAHandler) Verify(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req verifyRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.verifier.Verify(requestContext(c), mfa.VerifyInput{
		ChallengeID: req.ChallengeID,
		AccountID:   accountID,
		Code:        req.Code,
		Kind:        req.Kind,
		Identifier:  accountID,
		IPAddress:   c.ClientIP(),
	})
	if err != nil {
		result := "failure"
		if errors.FromError(err) == errors.ErrRateLimited {
			result = "rate_limited"
			h.auditLog(c, accountID, services.AuditActionLockout, result, nil)
		} else {
			h.auditLog(c, accountID, services.AuditActionVerify, result, map[string]any{"kind": req.Kind})
		}
		response.Error(c, err)
		return
	}

	h.auditLog(c, accountID, services.AuditActionVerify, "success", map[string]any{"kind": req.Kind})

	token, err := h.jwt.GenerateSessionToken(accountID, iauth.MFAStateSatisfied)
	if err != nil {
		response.Error(c, errors.Wrap(err, "issuing session token"))
		return
	}

	payload := gin.H{"session_token": token}

	if req.RememberDevice {
		deviceToken, err := h.devices.Add(requestContext(c), accountID)
		if err != nil {
			response.Error(c, errors.Wrap(err, "registering trusted device"))
			return
		}
		payload["device_token"] = deviceToken
		h.auditLog(c, accountID, services.AuditActionDeviceAdd, "success", nil)
	}

	response.Success(c, http.StatusOK, payload)
}

// POST /api/mfa/recovery/regenerate
func (h *MFAHandler) RecoveryRegenerate(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if _, err := h.enrollment.VerifiedFactor(requestContext(c), accountID); err != nil {
		response.Error(c, err)
		return
	}

	codes, err := h.vault.Generate(requestContext(c), accountID)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.auditLog(c, accountID, services.AuditActionRecoveryRegen, "success", nil)
	response.Success(c, http.StatusOK, gin.H{"recovery_codes": codes})
}

type deviceCheckRequest struct {
	DeviceToken string `json:"device_token" validate:"required"`
}

// POST /api/mfa/device/check
func (h *MFAHandler) DeviceCheck(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req deviceCheckRequest
	if !bindAndValidate(c, &req) {
		return
	}

	trusted, err := h.devices.Check(requestContext(c), accountID, req.DeviceToken)
	if err != nil {
		response.Error(c, err)
		return
	}

	payload := gin.H{"trusted": trusted}

	if trusted {
		// A trusted device bypasses the challenge entirely.
		token, err := h.jwt.GenerateSessionToken(accountID, iauth.MFAStateSatisfied)
		if err != nil {
			response.Error(c, errors.Wrap(err, "issuing session token"))
			return
		}
		payload["session_token"] = token
	}

	response.Success(c, http.StatusOK, payload)
}

// POST /api/mfa/device/add
func (h *MFAHandler) DeviceAdd(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	claims, ok := currentClaims(c)
	if !ok || !claims.Satisfied() {
		response.Error(c, errors.ErrNotVerifiedThisSession)
		return
	}

	token, err := h.devices.Add(requestContext(c), accountID)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.auditLog(c, accountID, services.AuditActionDeviceAdd, "success", nil)
	response.Success(c, http.StatusOK, gin.H{"device_token": token})
}

// POST /api/mfa/disable
func (h *MFAHandler) Disable(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.enrollment.Disable(requestContext(c), accountID); err != nil {
		response.Error(c, err)
		return
	}

	h.auditLog(c, accountID, services.AuditActionDisable, "success", nil)
	response.Success(c, http.StatusOK, gin.H{"disabled": true})
}

func (h *MFAHandler) auditLog(c *gin.Context, accountID, action, result string, metadata map[string]any) {
	if h.audit == nil {
		return
	}

	err := h.audit.Log(requestContext(c), services.AuditEntry{
		AccountID: &accountID,
		Action:    action,
		Result:    result,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Metadata:  metadata,
	})
	if err != nil {
		logger.WithModule("mfa").Warn("audit log write failed", zap.Error(err))
	}
}
