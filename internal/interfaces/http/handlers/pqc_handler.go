package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qutemail/qkms/internal/application"
	"github.com/qutemail/qkms/pkg/constants"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// PQCHandler serves the post-quantum identity endpoints.
type PQCHandler struct {
	service *application.PQCService
	logger  logger.Logger
}

// NewPQCHandler creates a PQCHandler.
func NewPQCHandler(service *application.PQCService, log logger.Logger) *PQCHandler {
	return &PQCHandler{
		service: service,
		logger:  log.WithFields(logger.Fields{"component": "pqc_handler"}),
	}
}

// EnsureKeypairRequest is the body of POST /pqc/keypair.
type EnsureKeypairRequest struct {
	Principal string `json:"principal" binding:"required"`
}

// EnsureKeypair handles POST /api/v1/pqc/keypair.
func (h *PQCHandler) EnsureKeypair(c *gin.Context) {
	var req EnsureKeypairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ErrValidation("invalid request body").WithCause(err))
		return
	}
	if err := validateIdentities(req.Principal); err != nil {
		respondError(c, err)
		return
	}

	pub, isNew, err := h.service.EnsureKeypair(c.Request.Context(), req.Principal)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"status":     "ok",
		"principal":  req.Principal,
		"algorithm":  constants.AlgorithmMLKEM768,
		"public_key": base64.StdEncoding.EncodeToString(pub),
		"created":    isNew,
	})
}

// GetPublicKey handles GET /api/v1/pqc/public-key/:principal.
func (h *PQCHandler) GetPublicKey(c *gin.Context) {
	principal := c.Param("principal")

	pub, err := h.service.GetPublicKey(c.Request.Context(), principal)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"principal":  principal,
		"algorithm":  constants.AlgorithmMLKEM768,
		"public_key": base64.StdEncoding.EncodeToString(pub),
	})
}

// GetPrivateKey handles GET /api/v1/pqc/private-key/:principal. The caller
// identity comes from the "caller" query parameter or the authenticated
// principal, and must match the path principal.
func (h *PQCHandler) GetPrivateKey(c *gin.Context) {
	principal := c.Param("principal")
	caller := callerIdentity(c)
	if err := validateIdentities(caller); err != nil {
		respondError(c, err)
		return
	}

	priv, err := h.service.GetPrivateKey(c.Request.Context(), caller, principal)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"principal":   principal,
		"algorithm":   constants.AlgorithmMLKEM768,
		"private_key": base64.StdEncoding.EncodeToString(priv),
	})
}
