package dispute

import "slotshare/ledger"

var resolvedStates = []ledger.DisputeStatus{
	ledger.DisputeResolvedFavorUser,
	ledger.DisputeResolvedFavorSharer,
	ledger.DisputeResolvedDismissed,
}

// transitions lists every legal move. Anything absent is InvalidTransition.
// New may resolve directly so staff can close clear-cut cases immediately.
var transitions = map[ledger.DisputeStatus][]ledger.DisputeStatus{
	ledger.DisputeNew: append([]ledger.DisputeStatus{
		ledger.DisputePendingUserResponse,
		ledger.DisputePendingAdminReview,
		ledger.DisputeEscalated,
	}, resolvedStates...),
	ledger.DisputePendingUserResponse: {
		ledger.DisputePendingAdminReview,
		ledger.DisputeEscalated,
	},
	ledger.DisputePendingAdminReview: append([]ledger.DisputeStatus{
		ledger.DisputeEscalated,
	}, resolvedStates...),
	ledger.DisputeEscalated: resolvedStates,
}

// CanTransition reports whether from -> to appears in the state table.
func CanTransition(from, to ledger.DisputeStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next returns the statuses reachable from s in one step.
func Next(s ledger.DisputeStatus) []ledger.DisputeStatus {
	return append([]ledger.DisputeStatus(nil), transitions[s]...)
}

// AllStatuses is every status in lifecycle order.
func AllStatuses() []ledger.DisputeStatus {
	return []ledger.DisputeStatus{
		ledger.DisputeNew,
		ledger.DisputePendingUserResponse,
		ledger.DisputePendingAdminReview,
		ledger.DisputeEscalated,
		ledger.DisputeResolvedFavorUser,
		ledger.DisputeResolvedFavorSharer,
		ledger.DisputeResolvedDismissed,
	}
}

// partyMayMove reports whether a party to the case, rather than staff, may
// perform the move. Parties can only hand a case back after responding.
func partyMayMove(from, to ledger.DisputeStatus) bool {
	return from == ledger.DisputePendingUserResponse && to == ledger.DisputePendingAdminReview
}
