package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"slotshare/auth"
	"slotshare/dispute"
	"slotshare/inventory"
	"slotshare/ledger"
)

type inventoryService interface {
	CreateListing(ctx context.Context, p inventory.CreateListingParams) (ledger.Listing, error)
	Listing(ctx context.Context, id string) (ledger.Listing, error)
	ListingsForUser(ctx context.Context, userID string) ([]ledger.Listing, error)
	Activate(ctx context.Context, listingID, actorID string) (ledger.Listing, error)
	SuspendListing(ctx context.Context, listingID, actorID string) (ledger.Listing, error)
	ReinstateListing(ctx context.Context, listingID, actorID string) (ledger.Listing, error)
	RemoveListing(ctx context.Context, listingID, actorID string) (ledger.Listing, error)
	Join(ctx context.Context, listingID, subscriberID string, opts ...inventory.JoinOption) (ledger.Membership, error)
	Members(ctx context.Context, listingID, actorID string) ([]ledger.Membership, error)
	Membership(ctx context.Context, id string) (ledger.Membership, error)
	Leave(ctx context.Context, membershipID, actorID string) error
	SuspendMember(ctx context.Context, membershipID, actorID string) error
	MarkPayment(ctx context.Context, membershipID string, status ledger.PaymentStatus) (ledger.Membership, error)
	AuditTrail(ctx context.Context, entityID string) ([]ledger.AuditRecord, error)
}

type disputeService interface {
	Open(ctx context.Context, p dispute.OpenParams) (ledger.DisputeCase, error)
	Get(ctx context.Context, caseID, actorID string) (ledger.DisputeCase, error)
	ListForUser(ctx context.Context, userID string) ([]ledger.DisputeCase, error)
	Transition(ctx context.Context, caseID string, to ledger.DisputeStatus, actorID, notes string) (ledger.DisputeCase, error)
	Resolve(ctx context.Context, caseID string, outcome ledger.Outcome, actorID string) (ledger.DisputeCase, error)
	Escalate(ctx context.Context, caseID, actorID, notes string) (ledger.DisputeCase, error)
	PostMessage(ctx context.Context, caseID, actorID, message string) (ledger.DisputeCase, error)
	AttachEvidence(ctx context.Context, caseID, actorID string, refs []string) (ledger.DisputeCase, error)
	AddAdminNote(ctx context.Context, caseID, actorID, note string) (ledger.DisputeCase, error)
}

type tokenVerifier interface {
	Verify(token string) (string, error)
}

type Server struct {
	inventory   inventoryService
	disputes    disputeService
	directory   auth.Directory
	tokens      tokenVerifier
	logger      *zap.Logger
	serviceName string
}

type ctxKey string

const ctxKeyUserID ctxKey = "userID"

func userIDFrom(c *gin.Context) string {
	id, _ := c.Request.Context().Value(ctxKeyUserID).(string)
	return id
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	if s.serviceName != "" {
		router.Use(otelgin.Middleware(s.serviceName))
	}
	router.Use(s.recovery(), s.requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", s.authenticate())
	{
		api.POST("/listings", s.handleCreateListing)
		api.GET("/listings", s.handleListListings)
		api.GET("/listings/:id", s.handleGetListing)
		api.DELETE("/listings/:id", s.handleRemoveListing)
		api.POST("/listings/:id/activate", s.handleListingStatus(inventoryService.Activate))
		api.POST("/listings/:id/suspend", s.handleListingStatus(inventoryService.SuspendListing))
		api.POST("/listings/:id/reinstate", s.handleListingStatus(inventoryService.ReinstateListing))
		api.POST("/listings/:id/join", s.handleJoin)
		api.GET("/listings/:id/members", s.handleMembers)
		api.GET("/listings/:id/audit", s.handleAuditTrail)

		api.GET("/memberships/:id", s.handleGetMembership)
		api.POST("/memberships/:id/leave", s.handleLeave)
		api.POST("/memberships/:id/suspend", s.handleSuspendMember)
		api.PUT("/memberships/:id/payment", s.handleMarkPayment)

		api.GET("/dispute-reasons", s.handleDisputeReasons)
		api.POST("/disputes", s.handleOpenDispute)
		api.GET("/disputes", s.handleListDisputes)
		api.GET("/disputes/:id", s.handleGetDispute)
		api.POST("/disputes/:id/transition", s.handleTransition)
		api.POST("/disputes/:id/resolve", s.handleResolve)
		api.POST("/disputes/:id/escalate", s.handleEscalate)
		api.POST("/disputes/:id/messages", s.handlePostMessage)
		api.POST("/disputes/:id/evidence", s.handleAttachEvidence)
		api.POST("/disputes/:id/notes", s.handleAddAdminNote)
	}
	return router
}

// authenticate binds the request to the actor named by its bearer token.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			writeProblem(c, newProblem(http.StatusUnauthorized, "Unauthorized", "missing or malformed bearer token"))
			return
		}
		actorID, err := s.tokens.Verify(strings.TrimSpace(token))
		if err != nil {
			writeProblem(c, newProblem(http.StatusUnauthorized, "Unauthorized", "invalid token"))
			return
		}
		ctx := context.WithValue(c.Request.Context(), ctxKeyUserID, actorID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if id := userIDFrom(c); id != "" {
			fields = append(fields, zap.String("actor_id", id))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Warn("request failed", fields...)
			return
		}
		s.logger.Debug("request", fields...)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic while handling request",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path))
		writeProblem(c, newProblem(http.StatusInternalServerError, "Internal Server Error", ""))
	})
}

// isStaff reports whether actorID holds a moderation role. Lookup failures
// count as not staff.
func (s *Server) isStaff(ctx context.Context, actorID string) bool {
	if s.directory == nil {
		return false
	}
	p, err := s.directory.Lookup(ctx, actorID)
	return err == nil && p.IsStaff()
}
