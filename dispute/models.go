package dispute

import (
	"strings"
	"unicode/utf8"

	"slotshare/ledger"
)

// Reasons a participant may raise against a listing owner.
const (
	ReasonAccessRevoked         ledger.DisputeReason = "access_revoked"
	ReasonCredentialsInvalid    ledger.DisputeReason = "credentials_invalid"
	ReasonServiceNotAsDescribed ledger.DisputeReason = "service_not_as_described"
	ReasonOvercharged           ledger.DisputeReason = "overcharged"
)

// Reasons an owner may raise against a participant.
const (
	ReasonNonPayment      ledger.DisputeReason = "non_payment"
	ReasonTermsViolation  ledger.DisputeReason = "terms_violation"
	ReasonAbusiveBehavior ledger.DisputeReason = "abusive_behavior"
	ReasonAccountMisuse   ledger.DisputeReason = "account_misuse"
)

const ReasonOther ledger.DisputeReason = "other"

var reasonsByRole = map[ledger.PartyRole][]ledger.DisputeReason{
	ledger.PartyParticipant: {ReasonAccessRevoked, ReasonCredentialsInvalid, ReasonServiceNotAsDescribed, ReasonOvercharged, ReasonOther},
	ledger.PartyOwner:       {ReasonNonPayment, ReasonTermsViolation, ReasonAbusiveBehavior, ReasonAccountMisuse, ReasonOther},
}

// ReasonsFor lists the reasons an initiator of the given role may choose.
func ReasonsFor(role ledger.PartyRole) []ledger.DisputeReason {
	return append([]ledger.DisputeReason(nil), reasonsByRole[role]...)
}

func validReason(role ledger.PartyRole, r ledger.DisputeReason) bool {
	for _, candidate := range reasonsByRole[role] {
		if candidate == r {
			return true
		}
	}
	return false
}

// concernsAccess reports whether the complaint is about a subscriber losing
// access to the shared service.
func concernsAccess(r ledger.DisputeReason) bool {
	return r == ReasonAccessRevoked || r == ReasonCredentialsInvalid
}

const (
	MaxDescriptionLength = 4000
	MaxMessageLength     = 2000
	MaxEvidenceRefs      = 20
)

// OpenParams describes a new case. ListingID is optional.
type OpenParams struct {
	Initiator      ledger.Party
	Accused        ledger.Party
	ListingID      string
	Reason         ledger.DisputeReason
	Description    string
	EvidenceRefs   []string
	IdempotencyKey string
}

func (p OpenParams) validate() error {
	var problems []string
	if strings.TrimSpace(p.Initiator.ID) == "" || strings.TrimSpace(p.Accused.ID) == "" {
		problems = append(problems, "initiator and accused are required")
	} else if p.Initiator.ID == p.Accused.ID {
		problems = append(problems, "initiator and accused must differ")
	}
	if !complementary(p.Initiator.Role, p.Accused.Role) {
		problems = append(problems, "initiator and accused must be one participant and one owner")
	} else if !validReason(p.Initiator.Role, p.Reason) {
		problems = append(problems, "reason "+string(p.Reason)+" is not available to a "+string(p.Initiator.Role))
	}
	desc := strings.TrimSpace(p.Description)
	if desc == "" {
		problems = append(problems, "description is required")
	} else if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		problems = append(problems, "description is too long")
	}
	if len(p.EvidenceRefs) > MaxEvidenceRefs {
		problems = append(problems, "too many evidence references")
	}
	for _, ref := range p.EvidenceRefs {
		if strings.TrimSpace(ref) == "" {
			problems = append(problems, "evidence references must not be blank")
			break
		}
	}
	if len(problems) > 0 {
		return invalid(ErrInvalidCase, problems)
	}
	return nil
}

func complementary(a, b ledger.PartyRole) bool {
	return (a == ledger.PartyParticipant && b == ledger.PartyOwner) ||
		(a == ledger.PartyOwner && b == ledger.PartyParticipant)
}
