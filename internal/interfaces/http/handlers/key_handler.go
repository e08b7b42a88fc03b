// Package handlers implements the REST endpoints of the key management API.
package handlers

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qutemail/qkms/internal/application"
	"github.com/qutemail/qkms/internal/domain/models"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// KeyHandler serves the key lifecycle endpoints.
type KeyHandler struct {
	service *application.KeyService
	logger  logger.Logger
}

// NewKeyHandler creates a KeyHandler.
func NewKeyHandler(service *application.KeyService, log logger.Logger) *KeyHandler {
	return &KeyHandler{
		service: service,
		logger:  log.WithFields(logger.Fields{"component": "key_handler"}),
	}
}

// RequestKeyRequest is the body of POST /keys/request.
type RequestKeyRequest struct {
	Requester  string `json:"requester" binding:"required"`
	Recipient  string `json:"recipient" binding:"required"`
	SizeBits   int    `json:"size_bits"`
	Count      int    `json:"count"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// KeyView is the wire representation of a key with material.
type KeyView struct {
	KeyID     string `json:"key_id"`
	Requester string `json:"requester"`
	Recipient string `json:"recipient"`
	SizeBits  int    `json:"size_bits"`
	Algorithm string `json:"algorithm"`
	Material  string `json:"material,omitempty"` // base64
	State     string `json:"state"`
	PairingID string `json:"pairing_id,omitempty"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
}

// RequestKeyResponse is the body returned by POST /keys/request.
type RequestKeyResponse struct {
	Status string     `json:"status"`
	Keys   []*KeyView `json:"keys"`
}

// RequestKey handles POST /api/v1/keys/request.
func (h *KeyHandler) RequestKey(c *gin.Context) {
	var req RequestKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ErrValidation("invalid request body").WithCause(err))
		return
	}
	if err := validateIdentities(req.Requester, req.Recipient); err != nil {
		respondError(c, err)
		return
	}

	descs, err := h.service.RequestKey(c.Request.Context(), application.RequestKeyParams{
		Requester: req.Requester,
		Recipient: req.Recipient,
		SizeBits:  req.SizeBits,
		Count:     req.Count,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]*KeyView, 0, len(descs))
	for _, d := range descs {
		views = append(views, descriptorView(d))
	}
	c.JSON(http.StatusOK, RequestKeyResponse{Status: "ok", Keys: views})
}

// GetKeyResponse is the body returned by GET /keys/:key_id.
type GetKeyResponse struct {
	Status string   `json:"status"`
	Key    *KeyView `json:"key"`
}

// GetKey handles GET /api/v1/keys/:key_id. The caller identity comes from the
// "caller" query parameter, or from the authenticated principal when auth is
// enabled.
func (h *KeyHandler) GetKey(c *gin.Context) {
	keyID := c.Param("key_id")
	caller := callerIdentity(c)
	if err := validateIdentities(caller); err != nil {
		respondError(c, err)
		return
	}

	desc, err := h.service.GetKey(c.Request.Context(), caller, keyID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, GetKeyResponse{Status: "ok", Key: descriptorView(desc)})
}

// ConsumeKeyRequest is the body of POST /keys/consume.
type ConsumeKeyRequest struct {
	KeyID  string `json:"key_id" binding:"required"`
	Caller string `json:"caller"`
}

// ConsumeKey handles POST /api/v1/keys/consume.
func (h *KeyHandler) ConsumeKey(c *gin.Context) {
	var req ConsumeKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ErrValidation("invalid request body").WithCause(err))
		return
	}
	caller := req.Caller
	if v, ok := c.Get("principal"); ok {
		caller = v.(string)
	}
	if err := validateIdentities(caller); err != nil {
		respondError(c, err)
		return
	}

	if err := h.service.ConsumeKey(c.Request.Context(), caller, req.KeyID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "key_id": req.KeyID, "state": string(models.KeyStateConsumed)})
}

// Cleanup handles POST /api/v1/keys/cleanup.
func (h *KeyHandler) Cleanup(c *gin.Context) {
	deleted, err := h.service.CleanupExpired(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted": deleted})
}

// ListKeys handles GET /api/v1/keys/list.
func (h *KeyHandler) ListKeys(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	records, err := h.service.ListKeys(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]*KeyView, 0, len(records))
	for _, r := range records {
		views = append(views, recordView(r))
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "keys": views, "count": len(views)})
}

// Status handles GET /api/v1/status.
func (h *KeyHandler) Status(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "stats": stats})
}

func descriptorView(d *application.KeyDescriptor) *KeyView {
	return &KeyView{
		KeyID:     d.KeyID,
		Requester: d.Requester,
		Recipient: d.Recipient,
		SizeBits:  d.SizeBits,
		Algorithm: d.Algorithm,
		Material:  base64.StdEncoding.EncodeToString(d.Material),
		State:     string(d.State),
		PairingID: d.PairingID,
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
		ExpiresAt: d.ExpiresAt.Format(time.RFC3339),
	}
}

func recordView(r *models.KeyRecord) *KeyView {
	return &KeyView{
		KeyID:     r.KeyID,
		Requester: r.Requester,
		Recipient: r.Recipient,
		SizeBits:  r.SizeBits,
		Algorithm: r.Algorithm,
		State:     string(r.State),
		PairingID: r.PairingID,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
		ExpiresAt: r.ExpiresAt.Format(time.RFC3339),
	}
}

// callerIdentity prefers the authenticated principal over the query parameter.
func callerIdentity(c *gin.Context) string {
	if v, ok := c.Get("principal"); ok {
		return v.(string)
	}
	return c.Query("caller")
}

// validateIdentities rejects principals that do not look like addresses.
// Party identities are address-shaped; a malformed one is a failed identity
// check, not a malformed request. Empty identities are left to the service
// layer, which reports the missing field.
func validateIdentities(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if !strings.Contains(id, "@") {
			return errors.ErrAuthenticationFailed("identity must be an address").
				WithMetadata("identity", id)
		}
	}
	return nil
}

// respondError maps service errors onto the wire error envelope.
func respondError(c *gin.Context, err error) {
	c.JSON(errors.HTTPStatusOf(err), errors.ToErrorResponse(err))
}
