package ledger

import "time"

// ListingStatus is the lifecycle of a shared-subscription offer.
type ListingStatus string

const (
	ListingRecruiting ListingStatus = "recruiting"
	ListingActive     ListingStatus = "active"
	ListingFull       ListingStatus = "full"
	ListingSuspended  ListingStatus = "suspended"
	ListingRemoved    ListingStatus = "removed"
)

// Joinable reports whether new memberships may be created in this status.
func (s ListingStatus) Joinable() bool {
	return s == ListingRecruiting || s == ListingActive
}

// Listing mirrors the listings table.
type Listing struct {
	ID           string
	OwnerID      string
	ServiceID    string
	PricePerSlot int64
	TotalSlots   int
	FilledSlots  int
	Status       ListingStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int64
}

// OpenSlots is the remaining capacity.
func (l Listing) OpenSlots() int {
	return l.TotalSlots - l.FilledSlots
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

type ReleaseReason string

const (
	ReleaseVoluntaryLeave    ReleaseReason = "voluntary_leave"
	ReleaseOwnerSuspension   ReleaseReason = "owner_suspension"
	ReleaseDisputeResolution ReleaseReason = "dispute_resolution"
	ReleaseAdminAction       ReleaseReason = "admin_action"
)

func (r ReleaseReason) Valid() bool {
	switch r {
	case ReleaseVoluntaryLeave, ReleaseOwnerSuspension, ReleaseDisputeResolution, ReleaseAdminAction:
		return true
	}
	return false
}

// Membership is a subscriber's occupancy of one slot. A (listing, subscriber)
// pair owns at most one row; rejoining reactivates it.
type Membership struct {
	ID            string
	ListingID     string
	SubscriberID  string
	JoinedAt      time.Time
	Active        bool
	PaymentStatus PaymentStatus
	ReleasedAt    *time.Time
	ReleaseReason ReleaseReason
	UpdatedAt     time.Time
	Version       int64
}

type PartyRole string

const (
	PartyParticipant PartyRole = "participant"
	PartyOwner       PartyRole = "owner"
)

type Party struct {
	ID   string
	Name string
	Role PartyRole
}

type DisputeStatus string

const (
	DisputeNew                 DisputeStatus = "new"
	DisputePendingUserResponse DisputeStatus = "pending_user_response"
	DisputePendingAdminReview  DisputeStatus = "pending_admin_review"
	DisputeEscalated           DisputeStatus = "escalated"
	DisputeResolvedFavorUser   DisputeStatus = "resolved_favor_user"
	DisputeResolvedFavorSharer DisputeStatus = "resolved_favor_sharer"
	DisputeResolvedDismissed   DisputeStatus = "resolved_dismissed"
)

// Terminal reports whether the status is one of the Resolved-* states.
func (s DisputeStatus) Terminal() bool {
	switch s {
	case DisputeResolvedFavorUser, DisputeResolvedFavorSharer, DisputeResolvedDismissed:
		return true
	}
	return false
}

type Outcome string

const (
	OutcomeFavorUser   Outcome = "favor_user"
	OutcomeFavorSharer Outcome = "favor_sharer"
	OutcomeDismissed   Outcome = "dismissed"
)

// Status maps an outcome onto its terminal dispute status.
func (o Outcome) Status() (DisputeStatus, bool) {
	switch o {
	case OutcomeFavorUser:
		return DisputeResolvedFavorUser, true
	case OutcomeFavorSharer:
		return DisputeResolvedFavorSharer, true
	case OutcomeDismissed:
		return DisputeResolvedDismissed, true
	}
	return "", false
}

// OutcomeFor is the inverse of Outcome.Status.
func OutcomeFor(s DisputeStatus) (Outcome, bool) {
	switch s {
	case DisputeResolvedFavorUser:
		return OutcomeFavorUser, true
	case DisputeResolvedFavorSharer:
		return OutcomeFavorSharer, true
	case DisputeResolvedDismissed:
		return OutcomeDismissed, true
	}
	return "", false
}

type DisputeReason string

type LogEntry struct {
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	System    bool      `json:"system,omitempty"`
}

type MutationKind string

const (
	MutationNone      MutationKind = "none"
	MutationRelease   MutationKind = "release"
	MutationReinstate MutationKind = "reinstate"
	MutationJoin      MutationKind = "join"
)

type PaymentAction string

const (
	PaymentActionRefund   PaymentAction = "refund"
	PaymentActionNoAction PaymentAction = "no_action"
)

// Resolution is the compensating record stored with a terminal case. It is
// written in the same transaction as the terminal status and marked applied
// once the membership mutation has committed.
type Resolution struct {
	Outcome              Outcome       `json:"outcome"`
	DecidedBy            string        `json:"decided_by"`
	DecidedAt            time.Time     `json:"decided_at"`
	PreviousStatus       DisputeStatus `json:"previous_status"`
	Mutation             MutationKind  `json:"mutation"`
	ListingID            string        `json:"listing_id,omitempty"`
	SubscriberID         string        `json:"subscriber_id,omitempty"`
	MembershipID         string        `json:"membership_id,omitempty"`
	PaymentAction        PaymentAction `json:"payment_action,omitempty"`
	RefundAmount         *int64        `json:"refund_amount,omitempty"`
	AppliedAt            *time.Time    `json:"applied_at,omitempty"`
	MembershipMutationID *string       `json:"membership_mutation_id,omitempty"`
}

func (r *Resolution) Applied() bool {
	return r != nil && r.AppliedAt != nil
}

type DisputeCase struct {
	ID               string
	DateCreated      time.Time
	Initiator        Party
	Accused          Party
	ListingID        string
	Reason           DisputeReason
	Description      string
	Status           DisputeStatus
	EvidenceRefs     []string
	CommunicationLog []LogEntry
	AdminNotes       string
	LastUpdate       time.Time
	Resolution       *Resolution
	Version          int64
}

// Party returns the party with the given id, if any.
func (c DisputeCase) Party(id string) (Party, bool) {
	switch id {
	case c.Initiator.ID:
		return c.Initiator, true
	case c.Accused.ID:
		return c.Accused, true
	}
	return Party{}, false
}

// Participant is the subscriber side of the case regardless of who opened it.
func (c DisputeCase) Participant() Party {
	if c.Initiator.Role == PartyParticipant {
		return c.Initiator
	}
	return c.Accused
}

// AuditRecord is an append-only entry; its ID doubles as the mutation id
// referenced by dispute resolutions.
type AuditRecord struct {
	ID         string
	EntityType string
	EntityID   string
	Action     string
	ActorID    string
	At         time.Time
	Payload    map[string]any
}

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxDead      OutboxStatus = "dead"
)

const (
	TopicEvents   = "events"
	TopicPayments = "payments"
)

type OutboxMessage struct {
	ID            string
	Topic         string
	Key           string
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}
