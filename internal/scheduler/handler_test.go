package scheduler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTriggerRouter(t *testing.T, e *env) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(e.svc, "tick-secret")
	r.GET("/internal/scheduler/tick", h.Trigger)
	return r
}

func TestTrigger_RejectsMissingOrWrongSecret(t *testing.T) {
	e := newEnv(t)
	r := newTriggerRouter(t, e)

	for _, secret := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/internal/scheduler/tick", nil)
		if secret != "" {
			req.Header.Set("X-Scheduler-Secret", secret)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("secret %q: status = %d, want 401", secret, w.Code)
		}
	}
	if len(e.disp.placed) != 0 {
		t.Fatalf("unauthorized trigger must not run a tick")
	}
}

func TestTrigger_RunsTickAndReportsCounts(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.fund(t, "owner-1", 100)
	r := newTriggerRouter(t, e)

	req := httptest.NewRequest(http.MethodGet, "/internal/scheduler/tick", nil)
	req.Header.Set("X-Scheduler-Secret", "tick-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Processed  int `json:"processed"`
		Dispatched int `json:"dispatched"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Processed != 1 || body.Dispatched != 1 {
		t.Fatalf("unexpected counts: %+v", body)
	}
}
