package scheduler

import (
	"crypto/subtle"
	"net/http"

	"outreach-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const headerSchedulerSecret = "X-Scheduler-Secret"

// Handler exposes the external cron trigger. Authentication is a shared
// secret, not a user JWT: the caller is a platform cron, not a tenant.
type Handler struct {
	svc    *Service
	secret string
}

func NewHandler(svc *Service, secret string) *Handler {
	return &Handler{svc: svc, secret: secret}
}

// Trigger runs one tick. The endpoint is safe to call repeatedly and
// concurrently; overlap is absorbed by the tick guard and, failing that, by
// billing idempotency.
func (h *Handler) Trigger(c *gin.Context) {
	provided := c.GetHeader(headerSchedulerSecret)
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(h.secret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sum, err := h.svc.Tick(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("tick failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":     "tick failed",
			"processed": sum.Processed(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"skipped":    sum.Skipped,
		"processed":  sum.Processed(),
		"reconciled": sum.Reconciled,
		"dispatched": sum.Dispatched,
		"errors":     sum.Errors,
	})
}
