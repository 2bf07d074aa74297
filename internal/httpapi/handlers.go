package httpapi

import (
	"errors"
	"net/http"
	"time"

	"outreach-platform/internal/auth"
	"outreach-platform/internal/campaign"
	"outreach-platform/internal/contact"
	"outreach-platform/internal/credits"
	"outreach-platform/internal/dialer"
	"outreach-platform/internal/rbac"
	"outreach-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth      *auth.Manager
	Credits   *credits.Service
	Campaigns campaign.Store
	Contacts  contact.Store
	Dialer    dialer.Dispatcher

	// ManualCallCost is the fixed charge for one-off calls placed outside the
	// campaign flow (same rate as a scheduler dispatch).
	ManualCallCost int64
}

// --- Auth ---

type loginRequest struct {
	UserID  string `json:"user_id"`
	OwnerID string `json:"owner_id"`
	Role    string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.OwnerID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, owner_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.OwnerID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Credits ---

func (h Handlers) GetCredits(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	st, err := h.Credits.GetState(c.Request.Context(), ownerID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "credits lookup failed"})
		return
	}
	c.JSON(http.StatusOK, st)
}

type addCreditsRequest struct {
	Amount int64 `json:"amount"`
}

func (h Handlers) AddCredits(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	var req addCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	st, err := h.Credits.AddCredits(c.Request.Context(), ownerID, req.Amount)
	if err != nil {
		if errors.Is(err, credits.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "amount must be >= 0"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "credit failed"})
		return
	}
	c.JSON(http.StatusOK, st)
}

type consumeCreditsRequest struct {
	Amount int64 `json:"amount"`

	// IdempotencyKey makes the debit replay-safe; empty means a plain debit
	// with no replay protection.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (h Handlers) ConsumeCredits(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	var req consumeCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Credits.ConsumeCreditsOnce(c.Request.Context(), ownerID, req.Amount, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, credits.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid amount or idempotency key"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "debit failed"})
		return
	}
	if !res.OK {
		c.JSON(http.StatusPaymentRequired, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type setAutoTopUpRequest struct {
	Enabled bool `json:"enabled"`
}

func (h Handlers) SetAutoTopUp(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	var req setAutoTopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	st, err := h.Credits.SetAutoTopUp(c.Request.Context(), ownerID, req.Enabled)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h Handlers) RecentSpend(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	entries, err := h.Credits.RecentSpend(c.Request.Context(), ownerID, 50)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ledger lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// --- Campaigns ---

type campaignRequest struct {
	Name           string   `json:"name"`
	Status         string   `json:"status,omitempty"`
	Script         string   `json:"script"`
	VoiceAgentID   string   `json:"voice_agent_id,omitempty"`
	AudienceTagIDs []string `json:"audience_tag_ids,omitempty"`
}

func (h Handlers) CreateCampaign(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Name == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	status := campaign.CampaignStatusDraft
	if req.Status != "" {
		status = campaign.CampaignStatus(req.Status)
		if !status.Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
	}
	created, err := h.Campaigns.CreateCampaign(c.Request.Context(), campaign.Campaign{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Name:           req.Name,
		Status:         status,
		Script:         req.Script,
		VoiceAgentID:   req.VoiceAgentID,
		AudienceTagIDs: req.AudienceTagIDs,
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h Handlers) ListCampaigns(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	list, err := h.Campaigns.ListCampaigns(c.Request.Context(), ownerID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": list})
}

func (h Handlers) GetCampaign(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	camp, err := h.Campaigns.GetCampaign(c.Request.Context(), ownerID, c.Param("id"))
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, camp)
}

// UpdateCampaign patches name/status/script/agent/audience. The scheduler
// reads status on every dispatch, so pausing here takes effect next tick.
func (h Handlers) UpdateCampaign(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	camp, err := h.Campaigns.GetCampaign(c.Request.Context(), ownerID, c.Param("id"))
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Name != "" {
		camp.Name = req.Name
	}
	if req.Status != "" {
		status := campaign.CampaignStatus(req.Status)
		if !status.Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		camp.Status = status
	}
	if req.Script != "" {
		camp.Script = req.Script
	}
	if req.VoiceAgentID != "" {
		camp.VoiceAgentID = req.VoiceAgentID
	}
	if req.AudienceTagIDs != nil {
		camp.AudienceTagIDs = req.AudienceTagIDs
	}

	updated, err := h.Campaigns.UpdateCampaign(c.Request.Context(), camp)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

type enrollRequest struct {
	ContactID string `json:"contact_id"`

	// NextCallAt defaults to now (immediately eligible).
	NextCallAt *time.Time `json:"next_call_at,omitempty"`
}

func (h Handlers) EnrollContact(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ContactID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "contact_id required"})
		return
	}

	campaignID := c.Param("id")
	if _, err := h.Campaigns.GetCampaign(c.Request.Context(), ownerID, campaignID); err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if _, err := h.Contacts.Get(c.Request.Context(), ownerID, req.ContactID); err != nil {
		if errors.Is(err, contact.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "contact not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	next := time.Now().UTC()
	if req.NextCallAt != nil {
		next = req.NextCallAt.UTC()
	}

	enr, err := h.Campaigns.Enroll(c.Request.Context(), campaign.Enrollment{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		CampaignID: campaignID,
		ContactID:  req.ContactID,
		Status:     campaign.EnrollmentStatusQueued,
		NextCallAt: &next,
	})
	if err != nil {
		if errors.Is(err, campaign.ErrAlreadyEnrolled) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "contact already enrolled"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "enroll failed"})
		return
	}
	c.JSON(http.StatusCreated, enr)
}

func (h Handlers) GetEnrollment(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	enr, err := h.Campaigns.GetEnrollment(c.Request.Context(), ownerID, c.Param("id"))
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "enrollment not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, enr)
}

// --- Contacts ---

type contactRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

func (h Handlers) PutContact(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Name == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	ct := contact.Contact{
		ID:      req.ID,
		OwnerID: ownerID,
		Name:    req.Name,
		Email:   req.Email,
		Phone:   req.Phone,
	}
	if ct.ID == "" {
		ct.ID = uuid.NewString()
	}
	if err := h.Contacts.Put(c.Request.Context(), ct); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}
	c.JSON(http.StatusOK, ct)
}

func (h Handlers) GetContact(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	ct, err := h.Contacts.Get(c.Request.Context(), ownerID, c.Param("id"))
	if err != nil {
		if errors.Is(err, contact.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "contact not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, ct)
}

// --- Manual calls ---

type manualCallRequest struct {
	ContactID string `json:"contact_id"`
	Script    string `json:"script"`
	AgentID   string `json:"agent_id,omitempty"`

	// IdempotencyKey guards the charge for this one-off call; retried requests
	// with the same key are billed once.
	IdempotencyKey string `json:"idempotency_key"`
}

// ManualCall places a single call outside the campaign flow. It reuses the
// dispatcher and billing, but no enrollment state machine: no retries, no
// polling, no settlement, just a fixed fee charged up front.
func (h Handlers) ManualCall(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}
	var req manualCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ContactID == "" || req.Script == "" || req.IdempotencyKey == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "contact_id, script, idempotency_key required"})
		return
	}

	ct, err := h.Contacts.Get(c.Request.Context(), ownerID, req.ContactID)
	if err != nil {
		if errors.Is(err, contact.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "contact not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	to, err := dialer.NormalizePhone(ct.Phone)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "contact phone is not dialable"})
		return
	}

	res, err := h.Credits.ConsumeCreditsOnce(c.Request.Context(), ownerID, h.ManualCallCost, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, credits.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid idempotency key"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "billing failed"})
		return
	}
	if !res.OK {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits", "balance": res.State.Balance})
		return
	}

	placed, err := h.Dialer.PlaceCall(c.Request.Context(), dialer.PlaceCallRequest{
		OwnerID: ownerID,
		To:      to,
		Script:  req.Script,
		AgentID: req.AgentID,
		Contact: dialer.ContactContext{Name: ct.Name, Email: ct.Email, Phone: to},
	})
	if err != nil {
		logger.FromGin(c).Error("manual call placement failed", "owner_id", ownerID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "call placement failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_sid": placed.CallSID, "path": placed.Path})
}

// --- Helpers ---

func requireOwner(c *gin.Context) (string, bool) {
	ownerID, err := auth.OwnerID(c.Request.Context())
	if err != nil || ownerID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "owner_id required"})
		return "", false
	}
	return ownerID, true
}

// Convenience middleware bundles.

func RequireOwnerAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireOwner(), rbac.RequireAnyRole(roles...)}
}
