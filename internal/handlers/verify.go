package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pigment-org/key-service/internal/admission"
	"github.com/pigment-org/key-service/internal/logger"
)

// HeaderAPIKey carries the presented credential on verification requests.
const HeaderAPIKey = "X-API-Key"

// Verifier is the slice of the admission controller the handler needs.
type Verifier interface {
	Verify(ctx context.Context, presentedKey string, now time.Time) (admission.Decision, error)
}

// VerifyHandler serves key verification requests.
type VerifyHandler struct {
	log      *logger.Logger
	verifier Verifier
}

func NewVerifyHandler(log *logger.Logger, verifier Verifier) *VerifyHandler {
	return &VerifyHandler{log: log, verifier: verifier}
}

// VerifyKey handles POST /verify.
func (h *VerifyHandler) VerifyKey(c *gin.Context) {
	presentedKey := c.GetHeader(HeaderAPIKey)
	if presentedKey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "No API key provided"})
		return
	}

	decision, err := h.verifier.Verify(c.Request.Context(), presentedKey, time.Now())
	if err != nil {
		if errors.Is(err, admission.ErrUnauthenticated) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}
		// Durable-store failures land here and fail closed.
		h.log.Error("Key verification failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if !decision.Allowed {
		// An exhausted window is a decision outcome, not an error.
		h.log.Debug("Rate limit exceeded", "limit", decision.Limit, "reset", decision.Reset)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":     "Rate limit exceeded",
			"limit":     decision.Limit,
			"remaining": 0,
			"reset":     decision.Reset,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":   true,
		"remaining": decision.Remaining,
		"limit":     decision.Limit,
	})
}
