package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is the HTTP Dispatcher over the telephony REST API and the
// voice-agent API.
type Client struct {
	httpClient *http.Client
	resolver   ConfigResolver

	twilioBaseURL string
	agentBaseURL  string
}

var (
	ErrMissingTelephonyConfig = errors.New("dialer: telephony credentials not configured")
	ErrMissingAgentBinding    = errors.New("dialer: voice agent has no phone-number binding")
)

func NewClient(resolver ConfigResolver, twilioBaseURL, agentBaseURL string) *Client {
	if twilioBaseURL == "" {
		twilioBaseURL = "https://api.twilio.com"
	}
	return &Client{
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		resolver:      resolver,
		twilioBaseURL: strings.TrimRight(twilioBaseURL, "/"),
		agentBaseURL:  strings.TrimRight(agentBaseURL, "/"),
	}
}

func (c *Client) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.OwnerID == "" || req.To == "" {
		return PlaceCallResult{}, errors.New("dialer: owner and destination required")
	}
	cfg, err := c.resolver.Resolve(ctx, req.OwnerID)
	if err != nil {
		return PlaceCallResult{}, err
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = cfg.AgentID
	}
	if agentID != "" && cfg.AgentAPIKey != "" {
		return c.placeAgentCall(ctx, cfg, agentID, req)
	}
	return c.placeNativeCall(ctx, cfg, req)
}

// placeNativeCall dials through the telephony REST API with an inline
// speak-this-script document.
func (c *Client) placeNativeCall(ctx context.Context, cfg ProviderConfig, req PlaceCallRequest) (PlaceCallResult, error) {
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.FromNumber == "" {
		return PlaceCallResult{}, ErrMissingTelephonyConfig
	}

	twiml, err := RenderSayTwiML(req.Script)
	if err != nil {
		return PlaceCallResult{}, err
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", cfg.FromNumber)
	form.Set("Twiml", twiml)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.twilioBaseURL, cfg.TwilioAccountSID)
	var out struct {
		Sid    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := c.twilioPost(ctx, cfg, endpoint, form, &out); err != nil {
		return PlaceCallResult{}, err
	}
	if out.Sid == "" {
		return PlaceCallResult{}, errors.New("dialer: provider returned no call sid")
	}
	return PlaceCallResult{CallSID: out.Sid, Path: DialPathNative}, nil
}

// placeAgentCall bridges the owner's telephony number to a conversational
// voice agent, passing contact context and the rendered script as the
// agent's first message.
func (c *Client) placeAgentCall(ctx context.Context, cfg ProviderConfig, agentID string, req PlaceCallRequest) (PlaceCallResult, error) {
	if c.agentBaseURL == "" {
		return PlaceCallResult{}, errors.New("dialer: voice agent base url not configured")
	}
	if cfg.AgentPhoneNumberID == "" {
		return PlaceCallResult{}, ErrMissingAgentBinding
	}

	payload := map[string]any{
		"agent_id":              agentID,
		"agent_phone_number_id": cfg.AgentPhoneNumberID,
		"to_number":             req.To,
		"conversation_initiation_client_data": map[string]any{
			"dynamic_variables": map[string]any{
				"contact_name":  req.Contact.Name,
				"contact_email": req.Contact.Email,
				"contact_phone": req.Contact.Phone,
				"campaign_id":   req.CampaignID,
			},
			"conversation_config_override": map[string]any{
				"agent": map[string]any{
					"first_message": req.Script,
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return PlaceCallResult{}, err
	}

	endpoint := c.agentBaseURL + "/v1/convai/twilio/outbound-call"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return PlaceCallResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", cfg.AgentAPIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("dialer: agent call request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PlaceCallResult{}, providerError("agent call", resp)
	}

	var out struct {
		CallSid        string `json:"callSid"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PlaceCallResult{}, fmt.Errorf("dialer: agent call response decode failed: %w", err)
	}
	if out.CallSid == "" {
		return PlaceCallResult{}, errors.New("dialer: agent call returned no call sid")
	}
	return PlaceCallResult{CallSID: out.CallSid, ConversationID: out.ConversationID, Path: DialPathVoiceAgent}, nil
}

func (c *Client) FetchCallStatus(ctx context.Context, ownerID, callSID string) (CallProgress, error) {
	if ownerID == "" || callSID == "" {
		return CallProgress{}, errors.New("dialer: owner and call sid required")
	}
	cfg, err := c.resolver.Resolve(ctx, ownerID)
	if err != nil {
		return CallProgress{}, err
	}
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		return CallProgress{}, ErrMissingTelephonyConfig
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.twilioBaseURL, cfg.TwilioAccountSID, callSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CallProgress{}, err
	}
	httpReq.SetBasicAuth(cfg.TwilioAccountSID, cfg.TwilioAuthToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CallProgress{}, fmt.Errorf("dialer: status fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CallProgress{}, providerError("status fetch", resp)
	}

	var out struct {
		Status   string `json:"status"`
		Duration string `json:"duration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CallProgress{}, fmt.Errorf("dialer: status response decode failed: %w", err)
	}

	// Duration arrives as a string and is empty until the call ends.
	seconds := 0
	if out.Duration != "" {
		if n, err := strconv.Atoi(out.Duration); err == nil && n > 0 {
			seconds = n
		}
	}
	return CallProgress{Status: mapProviderStatus(out.Status), DurationSeconds: seconds}, nil
}

func (c *Client) StartRecording(ctx context.Context, ownerID, callSID, callbackURL string) error {
	if ownerID == "" || callSID == "" {
		return errors.New("dialer: owner and call sid required")
	}
	cfg, err := c.resolver.Resolve(ctx, ownerID)
	if err != nil {
		return err
	}
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		return ErrMissingTelephonyConfig
	}

	form := url.Values{}
	if callbackURL != "" {
		form.Set("RecordingStatusCallback", callbackURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s/Recordings.json", c.twilioBaseURL, cfg.TwilioAccountSID, callSID)
	return c.twilioPost(ctx, cfg, endpoint, form, nil)
}

func (c *Client) twilioPost(ctx context.Context, cfg ProviderConfig, endpoint string, form url.Values, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(cfg.TwilioAccountSID, cfg.TwilioAuthToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dialer: provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return providerError("provider request", resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dialer: provider response decode failed: %w", err)
	}
	return nil
}

// providerError surfaces a truncated body snippet; full payloads may contain
// destination numbers and are kept out of error strings.
func providerError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	return fmt.Errorf("dialer: %s returned status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
