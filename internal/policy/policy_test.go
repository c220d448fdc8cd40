package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allRoles = []Role{RoleReviewer, RoleApprover}

var allStatuses = []Status{
	StatusNew, StatusPending, StatusWithReviewer, StatusWithApprover, StatusApproved,
}

// The authoritative capability table, written out in full so the whole
// role x status cross product is pinned down.
var capabilityTable = map[Role]map[Status]struct {
	editable bool
	next     []Status
}{
	RoleReviewer: {
		StatusNew:          {editable: true, next: []Status{StatusWithReviewer}},
		StatusPending:      {editable: true, next: []Status{StatusWithReviewer}},
		StatusWithReviewer: {editable: true, next: []Status{StatusWithApprover}},
		StatusWithApprover: {editable: false, next: nil},
		StatusApproved:     {editable: false, next: nil},
	},
	RoleApprover: {
		StatusNew:          {editable: false, next: nil},
		StatusPending:      {editable: false, next: nil},
		StatusWithReviewer: {editable: false, next: nil},
		StatusWithApprover: {editable: true, next: []Status{StatusWithReviewer, StatusApproved}},
		StatusApproved:     {editable: false, next: nil},
	},
}

func TestCapabilityTableCrossProduct(t *testing.T) {
	for _, role := range allRoles {
		for _, status := range allStatuses {
			want := capabilityTable[role][status]
			assert.Equal(t, want.editable, CanEdit(role, status),
				"CanEdit(%s, %s)", role, status)
			assert.ElementsMatch(t, want.next, AllowedNext(role, status),
				"AllowedNext(%s, %s)", role, status)
		}
	}
}

func TestApprovedIsTerminal(t *testing.T) {
	for _, role := range allRoles {
		assert.Empty(t, AllowedNext(role, StatusApproved), "role %s", role)
		for _, to := range allStatuses {
			assert.False(t, CanTransition(role, StatusApproved, to),
				"CanTransition(%s, approved, %s)", role, to)
		}
	}
}

func TestCanTransitionMatchesAllowedNext(t *testing.T) {
	for _, role := range allRoles {
		for _, from := range allStatuses {
			allowed := map[Status]bool{}
			for _, next := range AllowedNext(role, from) {
				allowed[next] = true
			}
			for _, to := range allStatuses {
				assert.Equal(t, allowed[to], CanTransition(role, from, to),
					"CanTransition(%s, %s, %s)", role, from, to)
			}
		}
	}
}

func TestUnknownRoleHasNoCapabilities(t *testing.T) {
	assert.False(t, CanEdit(Role("auditor"), StatusWithReviewer))
	assert.Empty(t, AllowedNext(Role("auditor"), StatusWithReviewer))
}

func TestNormalizeRole(t *testing.T) {
	assert.Equal(t, RoleApprover, NormalizeRole("approver"))
	assert.Equal(t, RoleReviewer, NormalizeRole("reviewer"))
	assert.Equal(t, RoleReviewer, NormalizeRole(""))
	assert.Equal(t, RoleReviewer, NormalizeRole("admin"))
}

func TestValidStatus(t *testing.T) {
	for _, status := range allStatuses {
		assert.True(t, ValidStatus(status), "status %s", status)
	}
	assert.False(t, ValidStatus(Status("archived")))
	assert.False(t, ValidStatus(Status("")))
}
