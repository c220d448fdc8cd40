package client

import (
	"context"
	"fmt"

	"docket/internal/policy"
)

// Workflow drives status transitions from the client side. Every action
// consults the policy table locally first, so a forbidden transition never
// reaches the network, and every successful mutation replaces the snapshot
// entry with the canonical document the server returned.
type Workflow struct {
	client   *Client
	snapshot *Snapshot
}

func NewWorkflow(c *Client, snapshot *Snapshot) *Workflow {
	return &Workflow{client: c, snapshot: snapshot}
}

func (w *Workflow) role() (policy.Role, error) {
	creds, ok := w.client.Session()
	if !ok {
		return "", &AuthError{}
	}
	return policy.NormalizeRole(creds.Role), nil
}

func (w *Workflow) current(ctx context.Context, id string) (Document, error) {
	if doc, ok := w.snapshot.Get(id); ok {
		return doc, nil
	}
	doc, err := w.client.GetDocument(ctx, id)
	if err != nil {
		return Document{}, err
	}
	w.snapshot.Replace(doc)
	return doc, nil
}

// Open claims a new or pending document for review. When the policy table
// does not allow the claim the document is simply opened read-only: the
// fresh server copy is returned and no transition is attempted.
func (w *Workflow) Open(ctx context.Context, id string) (Document, error) {
	role, err := w.role()
	if err != nil {
		return Document{}, err
	}
	doc, err := w.client.GetDocument(ctx, id)
	if err != nil {
		return Document{}, err
	}
	w.snapshot.Replace(doc)

	if !policy.CanTransition(role, policy.Status(doc.Status), policy.StatusWithReviewer) {
		return doc, nil
	}
	return w.transition(ctx, id, policy.StatusWithReviewer, nil)
}

// Submit hands the document to its approvers. Requires the reviewer to hold
// it and at least one assigned approver.
func (w *Workflow) Submit(ctx context.Context, id string, changesSummary string) (Document, error) {
	role, err := w.role()
	if err != nil {
		return Document{}, err
	}
	doc, err := w.current(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if !policy.CanTransition(role, policy.Status(doc.Status), policy.StatusWithApprover) {
		return Document{}, &PolicyViolationError{
			Message: fmt.Sprintf("%s may not submit a %s document", role, doc.Status),
		}
	}
	if len(doc.Approvers) == 0 {
		return Document{}, &PreconditionFailedError{
			Message: "assign at least one approver before submitting",
		}
	}
	var summary *string
	if changesSummary != "" {
		summary = &changesSummary
	}
	return w.transition(ctx, id, policy.StatusWithApprover, summary)
}

// SendBack returns the document to its reviewer for another pass.
func (w *Workflow) SendBack(ctx context.Context, id string, notes string) (Document, error) {
	role, err := w.role()
	if err != nil {
		return Document{}, err
	}
	doc, err := w.current(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if !policy.CanTransition(role, policy.Status(doc.Status), policy.StatusWithReviewer) {
		return Document{}, &PolicyViolationError{
			Message: fmt.Sprintf("%s may not send back a %s document", role, doc.Status),
		}
	}

	status := string(policy.StatusWithReviewer)
	update := DocumentUpdate{Status: &status}
	if notes != "" {
		update.Notes = &notes
	}
	updated, _, err := w.client.PutDocument(ctx, id, update)
	if err != nil {
		return Document{}, err
	}
	w.snapshot.Replace(updated)
	return updated, nil
}

// Approve finishes the workflow. Approving an already-approved document is
// reported as already satisfied, never as an error.
func (w *Workflow) Approve(ctx context.Context, id string) (Document, bool, error) {
	role, err := w.role()
	if err != nil {
		return Document{}, false, err
	}
	doc, err := w.current(ctx, id)
	if err != nil {
		return Document{}, false, err
	}
	if policy.Status(doc.Status) != policy.StatusApproved &&
		!policy.CanTransition(role, policy.Status(doc.Status), policy.StatusApproved) {
		return Document{}, false, &PolicyViolationError{
			Message: fmt.Sprintf("%s may not approve a %s document", role, doc.Status),
		}
	}

	status := string(policy.StatusApproved)
	updated, already, err := w.client.PutDocument(ctx, id, DocumentUpdate{Status: &status})
	if err != nil {
		return Document{}, false, err
	}
	w.snapshot.Replace(updated)
	return updated, already, nil
}

// AssignApprovers union-merges ids into the approver set.
func (w *Workflow) AssignApprovers(ctx context.Context, id string, approverIDs []string) (Document, error) {
	if len(approverIDs) == 0 {
		return Document{}, &PreconditionFailedError{Message: "approver_ids must be non-empty"}
	}
	doc, err := w.current(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if policy.Status(doc.Status) == policy.StatusApproved {
		return Document{}, &PolicyViolationError{Message: "approvers cannot change on an approved document"}
	}
	updated, err := w.client.PostApprovers(ctx, id, approverIDs)
	if err != nil {
		return Document{}, err
	}
	w.snapshot.Replace(updated)
	return updated, nil
}

// SaveContent uploads an edited body. Editability follows the policy table
// for the caller's role and the document's current status.
func (w *Workflow) SaveContent(ctx context.Context, id string, content []byte, changesSummary string) (Document, error) {
	role, err := w.role()
	if err != nil {
		return Document{}, err
	}
	doc, err := w.current(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if !policy.CanEdit(role, policy.Status(doc.Status)) {
		return Document{}, &PolicyViolationError{
			Message: fmt.Sprintf("%s may not edit a %s document", role, doc.Status),
		}
	}
	update := DocumentUpdate{Content: content}
	if changesSummary != "" {
		update.ChangesSummary = &changesSummary
	}
	updated, _, err := w.client.PutDocument(ctx, id, update)
	if err != nil {
		return Document{}, err
	}
	w.snapshot.Replace(updated)
	return updated, nil
}

func (w *Workflow) transition(ctx context.Context, id string, to policy.Status, changesSummary *string) (Document, error) {
	status := string(to)
	updated, _, err := w.client.PutDocument(ctx, id, DocumentUpdate{Status: &status, ChangesSummary: changesSummary})
	if err != nil {
		return Document{}, err
	}
	w.snapshot.Replace(updated)
	return updated, nil
}
