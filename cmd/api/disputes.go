package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"slotshare/dispute"
	"slotshare/ledger"
)

func (s *Server) handleDisputeReasons(c *gin.Context) {
	role := ledger.PartyRole(c.DefaultQuery("role", string(ledger.PartyParticipant)))
	if role != ledger.PartyParticipant && role != ledger.PartyOwner {
		s.badRequest(c, "role must be participant or owner")
		return
	}
	c.JSON(http.StatusOK, listOf(dispute.ReasonsFor(role)))
}

type openDisputeRequest struct {
	Role         string   `json:"role" binding:"required"`
	AccusedID    string   `json:"accusedId" binding:"required"`
	ListingID    string   `json:"listingId"`
	Reason       string   `json:"reason" binding:"required"`
	Description  string   `json:"description" binding:"required"`
	EvidenceRefs []string `json:"evidenceRefs"`
}

// handleOpenDispute files a case with the caller as initiator. The accused
// takes the other role.
func (s *Server) handleOpenDispute(c *gin.Context) {
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request: role, accusedId, reason and description are required")
		return
	}
	ctx := c.Request.Context()
	actorID := userIDFrom(c)

	role := ledger.PartyRole(req.Role)
	accusedRole := ledger.PartyOwner
	if role == ledger.PartyOwner {
		accusedRole = ledger.PartyParticipant
	}
	initiator := ledger.Party{ID: actorID, Name: s.displayName(c, actorID), Role: role}
	accused := ledger.Party{ID: req.AccusedID, Name: s.displayName(c, req.AccusedID), Role: accusedRole}

	out, err := s.disputes.Open(ctx, dispute.OpenParams{
		Initiator:      initiator,
		Accused:        accused,
		ListingID:      req.ListingID,
		Reason:         ledger.DisputeReason(req.Reason),
		Description:    req.Description,
		EvidenceRefs:   req.EvidenceRefs,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(idempotencyHeader)),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toDisputeResponse(out, false))
}

func (s *Server) displayName(c *gin.Context, id string) string {
	if s.directory == nil {
		return ""
	}
	p, err := s.directory.Lookup(c.Request.Context(), id)
	if err != nil {
		return ""
	}
	return p.Name
}

func (s *Server) handleListDisputes(c *gin.Context) {
	cases, err := s.disputes.ListForUser(c.Request.Context(), userIDFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	items := make([]disputeResponse, 0, len(cases))
	for _, dc := range cases {
		items = append(items, toDisputeResponse(dc, false))
	}
	c.JSON(http.StatusOK, listOf(items))
}

func (s *Server) handleGetDispute(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := userIDFrom(c)
	out, err := s.disputes.Get(ctx, c.Param("id"), actorID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDisputeResponse(out, s.isStaff(ctx, actorID)))
}

type transitionRequest struct {
	Status string `json:"status" binding:"required"`
	Notes  string `json:"notes"`
}

func (s *Server) handleTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "status is required")
		return
	}
	out, err := s.disputes.Transition(c.Request.Context(), c.Param("id"), ledger.DisputeStatus(req.Status), userIDFrom(c), req.Notes)
	s.respondDispute(c, out, err)
}

type resolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

func (s *Server) handleResolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "outcome is required")
		return
	}
	out, err := s.disputes.Resolve(c.Request.Context(), c.Param("id"), ledger.Outcome(req.Outcome), userIDFrom(c))
	s.respondDispute(c, out, err)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleEscalate(c *gin.Context) {
	var req notesRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "invalid request body")
			return
		}
	}
	out, err := s.disputes.Escalate(c.Request.Context(), c.Param("id"), userIDFrom(c), req.Notes)
	s.respondDispute(c, out, err)
}

type messageRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) handlePostMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "message is required")
		return
	}
	out, err := s.disputes.PostMessage(c.Request.Context(), c.Param("id"), userIDFrom(c), req.Message)
	s.respondDispute(c, out, err)
}

type evidenceRequest struct {
	Refs []string `json:"refs" binding:"required"`
}

func (s *Server) handleAttachEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "refs is required")
		return
	}
	out, err := s.disputes.AttachEvidence(c.Request.Context(), c.Param("id"), userIDFrom(c), req.Refs)
	s.respondDispute(c, out, err)
}

type adminNoteRequest struct {
	Note string `json:"note" binding:"required"`
}

func (s *Server) handleAddAdminNote(c *gin.Context) {
	var req adminNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "note is required")
		return
	}
	out, err := s.disputes.AddAdminNote(c.Request.Context(), c.Param("id"), userIDFrom(c), req.Note)
	s.respondDispute(c, out, err)
}

// respondDispute renders the outcome of a case mutation. A resolution whose
// membership change could not be applied yet is committed and answered with
// 202; the reconciler finishes it.
func (s *Server) respondDispute(c *gin.Context, out ledger.DisputeCase, err error) {
	ctx := c.Request.Context()
	staff := s.isStaff(ctx, userIDFrom(c))
	if err != nil {
		if out.ID != "" && out.Status.Terminal() && !out.Resolution.Applied() && ledger.Retryable(err) {
			s.logger.Warn("resolution accepted pending application", zap.String("dispute_id", out.ID), zap.Error(err))
			c.JSON(http.StatusAccepted, toDisputeResponse(out, staff))
			return
		}
		if errors.Is(err, dispute.ErrAlreadyResolved) && out.ID != "" {
			writeProblem(c, newProblem(http.StatusConflict, "Conflict", "case already resolved as "+string(out.Status)))
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDisputeResponse(out, staff))
}
