package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pigment-org/key-service/internal/credential"
	"github.com/pigment-org/key-service/internal/issuer"
	"github.com/pigment-org/key-service/internal/logger"
)

// KeyIssuer is the slice of the issuance service the handler needs.
type KeyIssuer interface {
	Issue(ctx context.Context, req issuer.IssueRequest) (*credential.Record, error)
}

// KeysHandler serves key issuance requests.
type KeysHandler struct {
	log    *logger.Logger
	issuer KeyIssuer
}

func NewKeysHandler(log *logger.Logger, keyIssuer KeyIssuer) *KeysHandler {
	return &KeysHandler{log: log, issuer: keyIssuer}
}

type generateRequest struct {
	Project string `json:"project"`
	Email   string `json:"email"`
}

type generateResponse struct {
	APIKey    string `json:"api_key"`
	RateLimit int64  `json:"rate_limit"`
	ExpiresIn *int64 `json:"expires_in"`
	Message   string `json:"message"`
}

// GenerateKey handles POST /keys.
func (h *KeysHandler) GenerateKey(c *gin.Context) {
	var req generateRequest
	// Both fields are optional and the body may be absent entirely;
	// malformed input falls back to server-side defaults.
	_ = c.ShouldBindJSON(&req)

	rec, err := h.issuer.Issue(c.Request.Context(), issuer.IssueRequest{
		Project:   req.Project,
		Email:     req.Email,
		IP:        clientIP(c),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		// Both failure modes surface as the same opaque 500 to avoid
		// leaking upstream details, but are logged distinguishably.
		switch {
		case errors.Is(err, issuer.ErrUpstreamIssuance):
			h.log.Error("Upstream key issuance failed", "error", err)
		case errors.Is(err, issuer.ErrPersistence):
			h.log.Error("Failed to persist issued key", "error", err)
		default:
			h.log.Error("Key generation failed", "error", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate key"})
		return
	}

	c.JSON(http.StatusOK, generateResponse{
		APIKey:    rec.Key,
		RateLimit: rec.RateLimit,
		ExpiresIn: nil,
		Message:   fmt.Sprintf("Key generated. Rate limit: %d requests/minute", rec.RateLimit),
	})
}

func clientIP(c *gin.Context) string {
	if ip := c.GetHeader("X-Forwarded-For"); ip != "" {
		return ip
	}
	return c.ClientIP()
}
