package dialer

import (
	"context"
	"net/http"

	"outreach-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RecordingCallbackForm captures the subset of the provider's
// recording-status webhook the platform stores. The webhook shortens latency
// only; the scheduler's polling remains authoritative for correctness.
type RecordingCallbackForm struct {
	CallSid         string
	RecordingSid    string
	RecordingURL    string
	RecordingStatus string
}

func ParseRecordingCallback(r *http.Request) (RecordingCallbackForm, error) {
	if err := r.ParseForm(); err != nil {
		return RecordingCallbackForm{}, err
	}
	return RecordingCallbackForm{
		CallSid:         r.PostFormValue("CallSid"),
		RecordingSid:    r.PostFormValue("RecordingSid"),
		RecordingURL:    r.PostFormValue("RecordingUrl"),
		RecordingStatus: r.PostFormValue("RecordingStatus"),
	}, nil
}

// RecordingSink persists a finished recording reference; injected to avoid
// persistence assumptions in the adapter.
type RecordingSink func(ctx context.Context, callSID, recordingURL string) error

// RecordingWebhookHandler stores completed-recording references. Missing or
// unknown call handles are acknowledged and dropped.
type RecordingWebhookHandler struct {
	Sink RecordingSink
}

func (h RecordingWebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseRecordingCallback(c.Request)
	if err != nil {
		log.Warn("recording callback parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	if form.RecordingStatus != "completed" || form.CallSid == "" || form.RecordingURL == "" {
		c.Status(http.StatusNoContent)
		return
	}

	if h.Sink != nil {
		if err := h.Sink(c.Request.Context(), form.CallSid, form.RecordingURL); err != nil {
			// Best effort: log and acknowledge so the provider stops retrying.
			log.Warn("recording reference store failed", "call_sid", form.CallSid, "err", err)
		}
	}
	c.Status(http.StatusNoContent)
}
