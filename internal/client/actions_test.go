package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkflowDocumentLifecycle(t *testing.T) {
	fs, server := newFakeServer(t)
	fs.seed(Document{ID: "doc_1", Title: "Vendor agreement", Status: "new", Priority: "normal"})

	revSnap := NewSnapshot()
	rev := NewWorkflow(loginAs(t, server.URL, "reviewer@docket.dev"), revSnap)
	appSnap := NewSnapshot()
	app := NewWorkflow(loginAs(t, server.URL, "approver@docket.dev"), appSnap)
	ctx := t.Context()

	// Reviewer claims the document.
	doc, err := rev.Open(ctx, "doc_1")
	require.NoError(t, err)
	require.Equal(t, "with_reviewer", doc.Status)
	require.Equal(t, "usr_rev", doc.ReviewerID)

	// Submitting without approvers fails locally, before any request.
	puts := fs.count("PUT", "/documents/doc_1")
	_, err = rev.Submit(ctx, "doc_1", "initial review done")
	var precondition *PreconditionFailedError
	require.ErrorAs(t, err, &precondition)
	require.Equal(t, puts, fs.count("PUT", "/documents/doc_1"))

	doc, err = rev.AssignApprovers(ctx, "doc_1", []string{"usr_app"})
	require.NoError(t, err)
	require.Equal(t, []string{"usr_app"}, doc.Approvers)

	doc, err = rev.Submit(ctx, "doc_1", "initial review done")
	require.NoError(t, err)
	require.Equal(t, "with_approver", doc.Status)

	// Approver sends it back with notes.
	doc, err = app.SendBack(ctx, "doc_1", "tighten the liability clause")
	require.NoError(t, err)
	require.Equal(t, "with_reviewer", doc.Status)
	require.Equal(t, "tighten the liability clause", doc.Notes)

	// Reviewer resubmits after refreshing their local copy.
	fresh, err := rev.client.GetDocument(ctx, "doc_1")
	require.NoError(t, err)
	revSnap.Replace(fresh)
	doc, err = rev.Submit(ctx, "doc_1", "liability clause reworked")
	require.NoError(t, err)
	require.Equal(t, "with_approver", doc.Status)

	// Reviewer may not approve.
	_, _, err = rev.Approve(ctx, "doc_1")
	var policyErr *PolicyViolationError
	require.ErrorAs(t, err, &policyErr)

	fresh, err = app.client.GetDocument(ctx, "doc_1")
	require.NoError(t, err)
	appSnap.Replace(fresh)
	doc, already, err := app.Approve(ctx, "doc_1")
	require.NoError(t, err)
	require.False(t, already)
	require.Equal(t, "approved", doc.Status)

	// Approving again reports the terminal state, never an error.
	_, already, err = app.Approve(ctx, "doc_1")
	require.NoError(t, err)
	require.True(t, already)

	// Nothing leaves approved.
	puts = fs.count("PUT", "/documents/doc_1")
	_, err = app.SendBack(ctx, "doc_1", "")
	require.ErrorAs(t, err, &policyErr)
	require.Equal(t, puts, fs.count("PUT", "/documents/doc_1"))
}

func TestWorkflowOpenIsReadOnlyWhenClaimDisallowed(t *testing.T) {
	fs, server := newFakeServer(t)
	fs.seed(Document{ID: "doc_1", Status: "new"})

	app := NewWorkflow(loginAs(t, server.URL, "approver@docket.dev"), NewSnapshot())

	doc, err := app.Open(t.Context(), "doc_1")
	require.NoError(t, err)
	require.Equal(t, "new", doc.Status)
	require.Empty(t, doc.ReviewerID)
	require.Equal(t, 0, fs.count("PUT", "/documents/doc_1"))
}

func TestWorkflowSaveContentBlockedByPolicy(t *testing.T) {
	fs, server := newFakeServer(t)
	fs.seed(Document{ID: "doc_1", Status: "with_approver", Approvers: []string{"usr_app"}})

	rev := NewWorkflow(loginAs(t, server.URL, "reviewer@docket.dev"), NewSnapshot())

	_, err := rev.SaveContent(t.Context(), "doc_1", []byte("edited"), "tweak")
	var policyErr *PolicyViolationError
	require.ErrorAs(t, err, &policyErr)
	require.Equal(t, 0, fs.count("PUT", "/documents/doc_1"))
}

func TestWorkflowSaveContentCarriesSummary(t *testing.T) {
	fs, server := newFakeServer(t)
	fs.seed(Document{ID: "doc_1", Status: "with_reviewer", ReviewerID: "usr_rev"})

	rev := NewWorkflow(loginAs(t, server.URL, "reviewer@docket.dev"), NewSnapshot())

	doc, err := rev.SaveContent(t.Context(), "doc_1", []byte("new body"), "rewrote section 2")
	require.NoError(t, err)
	require.Equal(t, []byte("new body"), doc.Content)
	require.Equal(t, "rewrote section 2", doc.ChangesSummary)
	require.Equal(t, "with_reviewer", doc.Status)
}

func TestWorkflowRequiresSession(t *testing.T) {
	_, server := newFakeServer(t)
	c := New(server.URL, NewSessionStore(t.TempDir()+"/session"))
	w := NewWorkflow(c, NewSnapshot())

	_, err := w.Open(t.Context(), "doc_1")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}
