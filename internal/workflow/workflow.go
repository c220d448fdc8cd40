// Package workflow owns the document status state machine. Every status
// mutation in the system goes through Machine, which consults the policy
// table before touching storage.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"docket/internal/policy"
	"docket/internal/store"
)

var (
	ErrPolicyViolation    = errors.New("transition not permitted for role and status")
	ErrPreconditionFailed = errors.New("transition precondition not met")
)

// Actor is the identity attempting an operation.
type Actor struct {
	ID    string
	Email string
	Role  policy.Role
}

// DocumentStore is the slice of storage the machine mutates through.
type DocumentStore interface {
	UpdateDocument(ctx context.Context, id string, params store.UpdateDocumentParams) error
	SetReviewer(ctx context.Context, documentID, reviewerID string) error
	AddApprovers(ctx context.Context, documentID string, userIDs []string) error
}

// Result reports what a transition did. Callers must re-fetch the canonical
// document afterwards; the stored row owns last_modified and derived fields.
type Result struct {
	Changed         bool
	From            policy.Status
	To              policy.Status
	AlreadyApproved bool
}

type Machine struct {
	store DocumentStore
}

func New(documentStore DocumentStore) *Machine {
	return &Machine{store: documentStore}
}

// Open claims a new or pending document for the acting reviewer. Opening a
// document the actor cannot claim is legal: the caller just views it
// read-only, so no error is returned for that case.
func (m *Machine) Open(ctx context.Context, doc store.Document, actor Actor) (Result, error) {
	from := policy.Status(doc.Status)
	if from != policy.StatusNew && from != policy.StatusPending {
		return Result{From: from, To: from}, nil
	}
	if !policy.CanTransition(actor.Role, from, policy.StatusWithReviewer) {
		return Result{From: from, To: from}, nil
	}

	status := string(policy.StatusWithReviewer)
	summary := fmt.Sprintf("Claimed for review by %s", actor.Email)
	if err := m.store.UpdateDocument(ctx, doc.ID, store.UpdateDocumentParams{
		Status:         &status,
		ChangesSummary: &summary,
	}); err != nil {
		return Result{}, err
	}
	if err := m.store.SetReviewer(ctx, doc.ID, actor.ID); err != nil {
		return Result{}, err
	}
	return Result{Changed: true, From: from, To: policy.StatusWithReviewer}, nil
}

// Transition moves the document to the requested status, enforcing the
// policy table and the non-empty-approvers precondition. Approving an
// already-approved document is reported as already satisfied, not an error.
func (m *Machine) Transition(ctx context.Context, doc store.Document, actor Actor, to policy.Status, notes, changesSummary string) (Result, error) {
	from := policy.Status(doc.Status)

	if from == policy.StatusApproved && to == policy.StatusApproved {
		return Result{From: from, To: from, AlreadyApproved: true}, nil
	}

	if !policy.ValidStatus(to) {
		return Result{}, fmt.Errorf("%w: unknown status %q", ErrPolicyViolation, to)
	}
	if !policy.CanTransition(actor.Role, from, to) {
		return Result{}, fmt.Errorf("%w: %s may not move %s -> %s", ErrPolicyViolation, actor.Role, from, to)
	}
	if to == policy.StatusWithApprover && len(doc.Approvers) == 0 {
		return Result{}, fmt.Errorf("%w: approvers must be assigned before submission", ErrPreconditionFailed)
	}

	status := string(to)
	params := store.UpdateDocumentParams{Status: &status}
	if notes != "" {
		params.Notes = &notes
	}
	if changesSummary == "" {
		changesSummary = fmt.Sprintf("Status %s -> %s by %s", from, to, actor.Email)
	}
	params.ChangesSummary = &changesSummary

	if err := m.store.UpdateDocument(ctx, doc.ID, params); err != nil {
		return Result{}, err
	}
	return Result{Changed: true, From: from, To: to}, nil
}

// AssignApprovers union-merges ids into the approver set. Legal in any
// non-terminal state; never changes status.
func (m *Machine) AssignApprovers(ctx context.Context, doc store.Document, userIDs []string) error {
	if policy.Status(doc.Status) == policy.StatusApproved {
		return fmt.Errorf("%w: approvers cannot change on an approved document", ErrPolicyViolation)
	}
	if len(userIDs) == 0 {
		return fmt.Errorf("%w: approver_ids must be non-empty", ErrPreconditionFailed)
	}
	return m.store.AddApprovers(ctx, doc.ID, userIDs)
}
