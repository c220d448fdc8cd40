// Package policy is the single source of truth for what a role may do to a
// document in a given workflow status. It is pure: every call site consults
// it instead of re-deriving the rules.
package policy

type Role string
type Status string

const (
	RoleReviewer Role = "reviewer"
	RoleApprover Role = "approver"
)

const (
	StatusNew          Status = "new"
	StatusPending      Status = "pending"
	StatusWithReviewer Status = "with_reviewer"
	StatusWithApprover Status = "with_approver"
	StatusApproved     Status = "approved"
)

// StatusApproved is terminal: no transition leaves it.

func ValidStatus(status Status) bool {
	switch status {
	case StatusNew, StatusPending, StatusWithReviewer, StatusWithApprover, StatusApproved:
		return true
	default:
		return false
	}
}

func NormalizeRole(role string) Role {
	switch Role(role) {
	case RoleReviewer, RoleApprover:
		return Role(role)
	default:
		return RoleReviewer
	}
}

// CanEdit reports whether the editor buffer may accept edits at all for
// this role and status.
func CanEdit(role Role, status Status) bool {
	switch role {
	case RoleReviewer:
		return status == StatusNew || status == StatusPending || status == StatusWithReviewer
	case RoleApprover:
		return status == StatusWithApprover
	default:
		return false
	}
}

// AllowedNext returns the set of statuses the role may move the document
// into from the current status. Empty means no transition is permitted.
func AllowedNext(role Role, status Status) []Status {
	switch role {
	case RoleReviewer:
		switch status {
		case StatusNew, StatusPending:
			return []Status{StatusWithReviewer}
		case StatusWithReviewer:
			return []Status{StatusWithApprover}
		}
	case RoleApprover:
		if status == StatusWithApprover {
			return []Status{StatusWithReviewer, StatusApproved}
		}
	}
	return nil
}

// CanTransition reports whether role may move a document from one status to
// another. Anything not in the AllowedNext table is a policy violation.
func CanTransition(role Role, from, to Status) bool {
	for _, next := range AllowedNext(role, from) {
		if next == to {
			return true
		}
	}
	return false
}
