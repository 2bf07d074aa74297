package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"outreach-platform/internal/auth"
	"outreach-platform/internal/campaign"
	"outreach-platform/internal/contact"
	"outreach-platform/internal/credits"
	"outreach-platform/internal/dialer"

	"github.com/gin-gonic/gin"
)

type stubDispatcher struct {
	placed int
}

func (d *stubDispatcher) PlaceCall(ctx context.Context, req dialer.PlaceCallRequest) (dialer.PlaceCallResult, error) {
	d.placed++
	return dialer.PlaceCallResult{CallSID: "CA1", Path: dialer.DialPathNative}, nil
}

func (d *stubDispatcher) FetchCallStatus(ctx context.Context, ownerID, callSID string) (dialer.CallProgress, error) {
	return dialer.CallProgress{}, nil
}

func (d *stubDispatcher) StartRecording(ctx context.Context, ownerID, callSID, callbackURL string) error {
	return nil
}

type testAPI struct {
	router    *gin.Engine
	handlers  Handlers
	dispatch  *stubDispatcher
	campaigns *campaign.MemoryStore
	contacts  *contact.MemoryStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	a := &testAPI{
		dispatch:  &stubDispatcher{},
		campaigns: campaign.NewMemoryStore(),
		contacts:  contact.NewMemoryStore(),
	}
	a.handlers = Handlers{
		Credits:        credits.NewService(credits.NewMemoryStore()),
		Campaigns:      a.campaigns,
		Contacts:       a.contacts,
		Dialer:         a.dispatch,
		ManualCallCost: 10,
	}

	r := gin.New()
	// Identity stub standing in for the JWT middleware.
	r.Use(func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "user-1", "owner-1", "owner")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.GET("/v1/credits", a.handlers.GetCredits)
	r.POST("/v1/credits/add", a.handlers.AddCredits)
	r.POST("/v1/credits/consume", a.handlers.ConsumeCredits)
	r.POST("/v1/campaigns", a.handlers.CreateCampaign)
	r.POST("/v1/campaigns/:id/enroll", a.handlers.EnrollContact)
	r.POST("/v1/calls", a.handlers.ManualCall)

	a.router = r
	return a
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) seedCampaignAndContact(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := a.campaigns.CreateCampaign(ctx, campaign.Campaign{
		ID: "camp-1", OwnerID: "owner-1", Name: "c", Status: campaign.CampaignStatusActive,
	}); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	if err := a.contacts.Put(ctx, contact.Contact{
		ID: "contact-1", OwnerID: "owner-1", Name: "Ada", Phone: "+15551234567",
	}); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
}

func TestEnroll_DuplicateReturnsConflict(t *testing.T) {
	a := newTestAPI(t)
	a.seedCampaignAndContact(t)

	body := `{"contact_id":"contact-1"}`
	if w := a.do(t, http.MethodPost, "/v1/campaigns/camp-1/enroll", body); w.Code != http.StatusCreated {
		t.Fatalf("first enroll: status = %d, body %s", w.Code, w.Body.String())
	}
	if w := a.do(t, http.MethodPost, "/v1/campaigns/camp-1/enroll", body); w.Code != http.StatusConflict {
		t.Fatalf("second enroll: status = %d, want 409", w.Code)
	}
}

func TestEnroll_UnknownCampaignReturnsNotFound(t *testing.T) {
	a := newTestAPI(t)
	a.seedCampaignAndContact(t)

	w := a.do(t, http.MethodPost, "/v1/campaigns/missing/enroll", `{"contact_id":"contact-1"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestConsumeCredits_InsufficientReturns402(t *testing.T) {
	a := newTestAPI(t)

	if w := a.do(t, http.MethodPost, "/v1/credits/add", `{"amount":5}`); w.Code != http.StatusOK {
		t.Fatalf("add: status = %d", w.Code)
	}
	w := a.do(t, http.MethodPost, "/v1/credits/consume", `{"amount":10,"idempotency_key":"k1"}`)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
}

func TestManualCall_RetryWithSameKeyChargesOnce(t *testing.T) {
	a := newTestAPI(t)
	a.seedCampaignAndContact(t)

	if w := a.do(t, http.MethodPost, "/v1/credits/add", `{"amount":100}`); w.Code != http.StatusOK {
		t.Fatalf("add: status = %d", w.Code)
	}

	body := `{"contact_id":"contact-1","script":"Hi","idempotency_key":"call-1"}`
	for i := 0; i < 2; i++ {
		if w := a.do(t, http.MethodPost, "/v1/calls", body); w.Code != http.StatusOK {
			t.Fatalf("call %d: status = %d, body %s", i, w.Code, w.Body.String())
		}
	}

	w := a.do(t, http.MethodGet, "/v1/credits", "")
	var st struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Balance != 90 {
		t.Fatalf("balance = %d, want 90 (charged once)", st.Balance)
	}
}

func TestManualCall_MissingKeyRejected(t *testing.T) {
	a := newTestAPI(t)
	a.seedCampaignAndContact(t)

	w := a.do(t, http.MethodPost, "/v1/calls", `{"contact_id":"contact-1","script":"Hi"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
