package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"slotshare/auth"
	"slotshare/inventory"
	"slotshare/ledger"
)

const idempotencyHeader = "Idempotency-Key"

type createListingRequest struct {
	ServiceID    string `json:"serviceId" binding:"required"`
	PricePerSlot int64  `json:"pricePerSlot"`
	TotalSlots   int    `json:"totalSlots"`
}

func (s *Server) handleCreateListing(c *gin.Context) {
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request: serviceId is required")
		return
	}
	l, err := s.inventory.CreateListing(c.Request.Context(), inventory.CreateListingParams{
		OwnerID:      userIDFrom(c),
		ServiceID:    req.ServiceID,
		PricePerSlot: req.PricePerSlot,
		TotalSlots:   req.TotalSlots,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toListingResponse(l))
}

func (s *Server) handleListListings(c *gin.Context) {
	listings, err := s.inventory.ListingsForUser(c.Request.Context(), userIDFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listOf(mapSlice(listings, toListingResponse)))
}

func (s *Server) handleGetListing(c *gin.Context) {
	l, err := s.inventory.Listing(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toListingResponse(l))
}

type listingAction func(svc inventoryService, ctx context.Context, listingID, actorID string) (ledger.Listing, error)

func (s *Server) handleListingStatus(action listingAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		l, err := action(s.inventory, c.Request.Context(), c.Param("id"), userIDFrom(c))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toListingResponse(l))
	}
}

func (s *Server) handleRemoveListing(c *gin.Context) {
	l, err := s.inventory.RemoveListing(c.Request.Context(), c.Param("id"), userIDFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toListingResponse(l))
}

// handleJoin claims a slot for the caller. Resubmitting with the same
// Idempotency-Key returns the original membership.
func (s *Server) handleJoin(c *gin.Context) {
	var opts []inventory.JoinOption
	if key := strings.TrimSpace(c.GetHeader(idempotencyHeader)); key != "" {
		opts = append(opts, inventory.WithIdempotencyKey(key))
	}
	m, err := s.inventory.Join(c.Request.Context(), c.Param("id"), userIDFrom(c), opts...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toMembershipResponse(m))
}

func (s *Server) handleMembers(c *gin.Context) {
	members, err := s.inventory.Members(c.Request.Context(), c.Param("id"), userIDFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listOf(mapSlice(members, toMembershipResponse)))
}

func (s *Server) handleAuditTrail(c *gin.Context) {
	ctx := c.Request.Context()
	if !s.isStaff(ctx, userIDFrom(c)) {
		s.writeError(c, auth.ErrNotPermitted)
		return
	}
	records, err := s.inventory.AuditTrail(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listOf(mapSlice(records, toAuditResponse)))
}

// handleGetMembership shows a membership to its subscriber, the listing
// owner and staff.
func (s *Server) handleGetMembership(c *gin.Context) {
	m, ok := s.loadMembership(c, false)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toMembershipResponse(m))
}

func (s *Server) handleLeave(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.inventory.Leave(ctx, c.Param("id"), userIDFrom(c)); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondMembership(c)
}

func (s *Server) handleSuspendMember(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.inventory.SuspendMember(ctx, c.Param("id"), userIDFrom(c)); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondMembership(c)
}

type markPaymentRequest struct {
	Status string `json:"status" binding:"required"`
}

// handleMarkPayment records a payment status reported for a membership. Only
// the listing owner and staff may set it.
func (s *Server) handleMarkPayment(c *gin.Context) {
	var req markPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "status is required")
		return
	}
	if _, ok := s.loadMembership(c, true); !ok {
		return
	}
	m, err := s.inventory.MarkPayment(c.Request.Context(), c.Param("id"), ledger.PaymentStatus(req.Status))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMembershipResponse(m))
}

func (s *Server) respondMembership(c *gin.Context) {
	m, err := s.inventory.Membership(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMembershipResponse(m))
}

// loadMembership fetches the membership named in the path and checks that
// the caller may see it. With ownerOnly the subscriber is not enough.
func (s *Server) loadMembership(c *gin.Context, ownerOnly bool) (ledger.Membership, bool) {
	ctx := c.Request.Context()
	actorID := userIDFrom(c)
	m, err := s.inventory.Membership(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return ledger.Membership{}, false
	}
	if !ownerOnly && m.SubscriberID == actorID {
		return m, true
	}
	l, err := s.inventory.Listing(ctx, m.ListingID)
	if err != nil {
		s.writeError(c, err)
		return ledger.Membership{}, false
	}
	if l.OwnerID == actorID || s.isStaff(ctx, actorID) {
		return m, true
	}
	s.writeError(c, auth.ErrNotPermitted)
	return ledger.Membership{}, false
}
