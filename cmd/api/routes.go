package main

import (
	"outreach-platform/internal/auth"
	"outreach-platform/internal/dialer"
	"outreach-platform/internal/httpapi"
	"outreach-platform/internal/rbac"
	"outreach-platform/internal/scheduler"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(
	r *gin.Engine,
	authMW gin.HandlerFunc,
	h httpapi.Handlers,
	sched *scheduler.Handler,
	recording dialer.RecordingWebhookHandler,
) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Scheduler trigger: authorized by shared secret, not a user JWT.
	r.GET("/internal/scheduler/tick", sched.Trigger)

	// Provider webhooks (public).
	// NOTE: This endpoint should be protected by Twilio signature validation in production.
	r.POST("/webhooks/twilio/recording", recording.Handle)

	v1 := r.Group("/v1")

	// AUTH routes (token issuance).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	v1.POST("/auth/login", h.Login)

	// protected API group
	protected := v1.Group("")
	protected.Use(authMW)
	protected.Use(rbac.RequireOwner())
	{
		// Placeholder route to demonstrate identity extraction via context.
		protected.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			oid, _ := auth.OwnerID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "owner_id": oid, "role": role})
		})

		// CREDITS routes
		creditsGroup := protected.Group("/credits")
		{
			creditsGroup.GET("", h.GetCredits)
			creditsGroup.GET("/ledger", h.RecentSpend)
			creditsGroup.POST("/consume", h.ConsumeCredits)

			// Balance mutations are owner/finance actions.
			writes := creditsGroup.Group("")
			writes.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleFinance))
			{
				writes.POST("/add", h.AddCredits)
				writes.POST("/auto-top-up", h.SetAutoTopUp)
			}
		}

		// CAMPAIGNS routes
		campaigns := protected.Group("/campaigns")
		campaigns.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleMember))
		{
			campaigns.POST("", h.CreateCampaign)
			campaigns.GET("", h.ListCampaigns)
			campaigns.GET("/:id", h.GetCampaign)
			campaigns.PATCH("/:id", h.UpdateCampaign)
			campaigns.POST("/:id/enroll", h.EnrollContact)
		}
		protected.GET("/enrollments/:id", h.GetEnrollment)

		// CONTACTS routes
		contacts := protected.Group("/contacts")
		contacts.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleMember))
		{
			contacts.PUT("", h.PutContact)
			contacts.GET("/:id", h.GetContact)
		}

		// CALLS routes (manual one-off calls outside the campaign flow)
		calls := protected.Group("/calls")
		calls.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleMember))
		{
			calls.POST("", h.ManualCall)
		}
	}
}
