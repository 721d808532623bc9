package admin

import (
	"errors"
	"net/http"
	"time"

	"matchgate/internal/db"
	"matchgate/internal/keymanager"
	"matchgate/internal/model"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	keys keymanager.Manager
}

func NewHandler(keys keymanager.Manager) *Handler {
	return &Handler{keys: keys}
}

// CreateKeyRequest is the payload for provisioning a new client credential.
type CreateKeyRequest struct {
	Name          string   `json:"name" binding:"required"`
	ClientID      string   `json:"client_id" binding:"required"`
	RateLimit     int      `json:"rate_limit"`
	ExpiresInDays int      `json:"expires_in_days"`
	AllowedIPs    []string `json:"allowed_ips"`
	ContactEmail  string   `json:"contact_email"`
	Notes         string   `json:"notes"`
}

// UpdateKeyRequest carries the mutable credential fields. Pointers
// distinguish "leave alone" from "set to zero value".
type UpdateKeyRequest struct {
	Name         *string    `json:"name"`
	IsActive     *bool      `json:"is_active"`
	RateLimit    *int       `json:"rate_limit"`
	ExpiresAt    *time.Time `json:"expires_at"`
	AllowedIPs   *[]string  `json:"allowed_ips"`
	ContactEmail *string    `json:"contact_email"`
	Notes        *string    `json:"notes"`
}

// keyView is the administrative projection of a credential record. The
// secret appears only as a masked preview.
type keyView struct {
	ClientID     string     `json:"client_id"`
	Name         string     `json:"name"`
	KeyPreview   string     `json:"key_preview"`
	IsActive     bool       `json:"is_active"`
	RateLimit    int        `json:"rate_limit"`
	UsageCount   int64      `json:"usage_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	AllowedIPs   []string   `json:"allowed_ips"`
	ContactEmail string     `json:"contact_email,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func viewOf(record *model.APIKey) keyView {
	ips := record.AllowedIPs
	if ips == nil {
		ips = model.StringList{}
	}
	return keyView{
		ClientID:     record.ClientID,
		Name:         record.Name,
		KeyPreview:   record.MaskedKey(),
		IsActive:     record.IsActive,
		RateLimit:    record.RateLimit,
		UsageCount:   record.UsageCount,
		LastUsedAt:   record.LastUsedAt,
		ExpiresAt:    record.ExpiresAt,
		AllowedIPs:   ips,
		ContactEmail: record.ContactEmail,
		Notes:        record.Notes,
		CreatedAt:    record.CreatedAt,
	}
}

func (h *Handler) ListKeysHandler(c *gin.Context) {
	records, err := h.keys.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list keys"})
		return
	}
	views := make([]keyView, len(records))
	for i := range records {
		views[i] = viewOf(&records[i])
	}
	c.JSON(http.StatusOK, gin.H{"keys": views})
}

// CreateKeyHandler provisions a credential. The response is the only place
// the plaintext secret ever appears.
func (h *Handler) CreateKeyHandler(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	record, secret, err := h.keys.Create(keymanager.CreateParams{
		Name:          req.Name,
		ClientID:      req.ClientID,
		RateLimit:     req.RateLimit,
		ExpiresInDays: req.ExpiresInDays,
		AllowedIPs:    req.AllowedIPs,
		ContactEmail:  req.ContactEmail,
		Notes:         req.Notes,
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicateClient) {
			c.JSON(http.StatusConflict, gin.H{"error": "Client ID already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":    secret,
		"record": viewOf(record),
	})
}

func (h *Handler) GetKeyHandler(c *gin.Context) {
	record, err := h.keys.Get(c.Param("client_id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get key"})
		return
	}
	c.JSON(http.StatusOK, viewOf(record))
}

func (h *Handler) UpdateKeyHandler(c *gin.Context) {
	var req UpdateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	fields := make(map[string]any)
	if req.Name != nil {
		fields["name"] = *req.Name
	}
	if req.IsActive != nil {
		fields["is_active"] = *req.IsActive
	}
	if req.RateLimit != nil {
		if *req.RateLimit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Rate limit must be positive"})
			return
		}
		fields["rate_limit"] = *req.RateLimit
	}
	if req.ExpiresAt != nil {
		fields["expires_at"] = *req.ExpiresAt
	}
	if req.AllowedIPs != nil {
		fields["allowed_ips"] = *req.AllowedIPs
	}
	if req.ContactEmail != nil {
		fields["contact_email"] = *req.ContactEmail
	}
	if req.Notes != nil {
		fields["notes"] = *req.Notes
	}

	record, err := h.keys.Update(c.Param("client_id"), fields)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update key"})
		return
	}
	c.JSON(http.StatusOK, viewOf(record))
}

// RotateKeyHandler replaces the secret and returns the new one exactly once.
func (h *Handler) RotateKeyHandler(c *gin.Context) {
	secret, err := h.keys.Regenerate(c.Param("client_id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to rotate key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": secret})
}

func (h *Handler) DeleteKeyHandler(c *gin.Context) {
	hard := c.Query("hard") == "true"
	if err := h.keys.Revoke(c.Param("client_id"), hard); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "hard": hard})
}
