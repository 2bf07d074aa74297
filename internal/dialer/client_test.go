package dialer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"15551234567", "+15551234567", false},
		{"+44 20 7946 0958", "+442079460958", false},
		{"555-1234", "", true},     // too short
		{"call me maybe", "", true}, // not a number
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizePhone(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("NormalizePhone(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizePhone(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMapProviderStatus(t *testing.T) {
	cases := map[string]CallStatus{
		"queued":      CallStatusQueued,
		"initiated":   CallStatusQueued,
		"ringing":     CallStatusRinging,
		"in-progress": CallStatusInProgress,
		"completed":   CallStatusCompleted,
		"busy":        CallStatusBusy,
		"no-answer":   CallStatusNoAnswer,
		"canceled":    CallStatusCanceled,
		"failed":      CallStatusFailed,
		"weird":       CallStatusUnknown,
	}
	for raw, want := range cases {
		if got := mapProviderStatus(raw); got != want {
			t.Fatalf("mapProviderStatus(%q) = %q, want %q", raw, got, want)
		}
	}
	if !CallStatusCompleted.Final() || CallStatusRinging.Final() {
		t.Fatalf("Final() misclassifies statuses")
	}
}

func TestPlaceCall_NativePath(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = r.ParseForm()
		gotBody = r.PostFormValue("Twiml")
		if r.PostFormValue("To") != "+15551234567" {
			t.Errorf("unexpected To: %q", r.PostFormValue("To"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "CA900", "status": "queued"})
	}))
	defer srv.Close()

	client := NewClient(StaticResolver{Config: ProviderConfig{
		TwilioAccountSID: "AC1",
		TwilioAuthToken:  "tok",
		FromNumber:       "+15550000000",
	}}, srv.URL, "")

	res, err := client.PlaceCall(context.Background(), PlaceCallRequest{
		OwnerID: "o1",
		To:      "+15551234567",
		Script:  "Hello there",
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if res.CallSID != "CA900" || res.Path != DialPathNative {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotPath != "/2010-04-01/Accounts/AC1/Calls.json" {
		t.Fatalf("unexpected endpoint: %q", gotPath)
	}
	if !strings.Contains(gotBody, "<Say") || !strings.Contains(gotBody, "Hello there") {
		t.Fatalf("expected inline say document, got %q", gotBody)
	}
}

func TestPlaceCall_VoiceAgentPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/convai/twilio/outbound-call" {
			t.Errorf("unexpected path: %q", r.URL.Path)
		}
		if r.Header.Get("xi-api-key") != "agent-key" {
			t.Errorf("missing agent api key header")
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["agent_id"] != "agent-7" {
			t.Errorf("unexpected agent id: %v", payload["agent_id"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"callSid": "CA901", "conversation_id": "conv-1"})
	}))
	defer srv.Close()

	client := NewClient(StaticResolver{Config: ProviderConfig{
		TwilioAccountSID:   "AC1",
		TwilioAuthToken:    "tok",
		FromNumber:         "+15550000000",
		AgentAPIKey:        "agent-key",
		AgentPhoneNumberID: "pn-1",
	}}, "http://unused.invalid", srv.URL)

	res, err := client.PlaceCall(context.Background(), PlaceCallRequest{
		OwnerID: "o1",
		To:      "+15551234567",
		Script:  "Hi from the agent",
		AgentID: "agent-7",
		Contact: ContactContext{Name: "Ada"},
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if res.CallSID != "CA901" || res.ConversationID != "conv-1" || res.Path != DialPathVoiceAgent {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPlaceCall_AgentWithoutBindingFails(t *testing.T) {
	client := NewClient(StaticResolver{Config: ProviderConfig{
		AgentID:     "agent-7",
		AgentAPIKey: "agent-key",
	}}, "http://unused.invalid", "http://unused.invalid")

	_, err := client.PlaceCall(context.Background(), PlaceCallRequest{
		OwnerID: "o1",
		To:      "+15551234567",
		Script:  "x",
	})
	if err == nil {
		t.Fatalf("expected missing binding error")
	}
}

func TestFetchCallStatus_ParsesDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC1/Calls/CA900.json" {
			t.Errorf("unexpected path: %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "completed", "duration": "125"})
	}))
	defer srv.Close()

	client := NewClient(StaticResolver{Config: ProviderConfig{
		TwilioAccountSID: "AC1",
		TwilioAuthToken:  "tok",
	}}, srv.URL, "")

	prog, err := client.FetchCallStatus(context.Background(), "o1", "CA900")
	if err != nil {
		t.Fatalf("FetchCallStatus: %v", err)
	}
	if prog.Status != CallStatusCompleted || prog.DurationSeconds != 125 {
		t.Fatalf("unexpected progress: %+v", prog)
	}
}

func TestFetchCallStatus_ProviderErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code": 20404}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(StaticResolver{Config: ProviderConfig{
		TwilioAccountSID: "AC1",
		TwilioAuthToken:  "tok",
	}}, srv.URL, "")

	if _, err := client.FetchCallStatus(context.Background(), "o1", "CA900"); err == nil {
		t.Fatalf("expected error on provider 404")
	}
}

func TestCachingResolver_OneLookupPerOwner(t *testing.T) {
	calls := 0
	inner := resolverFunc(func(ctx context.Context, ownerID string) (ProviderConfig, error) {
		calls++
		return ProviderConfig{TwilioAccountSID: "AC-" + ownerID}, nil
	})
	r := NewCachingResolver(inner)

	for i := 0; i < 5; i++ {
		cfg, err := r.Resolve(context.Background(), "o1")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if cfg.TwilioAccountSID != "AC-o1" {
			t.Fatalf("unexpected config: %+v", cfg)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one inner lookup, got %d", calls)
	}
}

func TestPlaceCall_UncachedResolverLooksUpPerCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "CA900", "status": "queued"})
	}))
	defer srv.Close()

	calls := 0
	resolver := resolverFunc(func(ctx context.Context, ownerID string) (ProviderConfig, error) {
		calls++
		return ProviderConfig{
			TwilioAccountSID: "AC1",
			TwilioAuthToken:  "tok",
			FromNumber:       "+15550000000",
		}, nil
	})
	client := NewClient(resolver, srv.URL, "")

	for i := 0; i < 3; i++ {
		if _, err := client.PlaceCall(context.Background(), PlaceCallRequest{
			OwnerID: "o1",
			To:      "+15551234567",
			Script:  "Hello",
		}); err != nil {
			t.Fatalf("PlaceCall %d: %v", i, err)
		}
	}
	if calls != 3 {
		t.Fatalf("expected a fresh credential lookup per call, got %d for 3 calls", calls)
	}
}

type resolverFunc func(ctx context.Context, ownerID string) (ProviderConfig, error)

func (f resolverFunc) Resolve(ctx context.Context, ownerID string) (ProviderConfig, error) {
	return f(ctx, ownerID)
}
