package app

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"docket/internal/assistant"
	"docket/internal/compliance"
	"docket/internal/history"
	"docket/internal/search"
	"docket/internal/store"
)

// memDocs is a stateful document table backing the lifecycle tests.
type memDocs struct {
	mu   sync.Mutex
	docs map[string]store.Document
}

func newMemStore(seed ...store.Document) (*fakeStore, *memDocs) {
	m := &memDocs{docs: map[string]store.Document{}}
	for _, doc := range seed {
		m.docs[doc.ID] = doc
	}
	fs := &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			doc, ok := m.docs[id]
			if !ok {
				return store.Document{}, sql.ErrNoRows
			}
			return doc, nil
		},
		listDocumentsFn: func(_ context.Context, status string) ([]store.Document, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			var out []store.Document
			for _, doc := range m.docs {
				if status == "" || doc.Status == status {
					out = append(out, doc)
				}
			}
			return out, nil
		},
		insertDocumentFn: func(_ context.Context, doc store.Document) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.docs[doc.ID] = doc
			return nil
		},
		updateDocumentFn: func(_ context.Context, id string, params store.UpdateDocumentParams) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			doc, ok := m.docs[id]
			if !ok {
				return sql.ErrNoRows
			}
			if params.Status != nil {
				doc.Status = *params.Status
			}
			if params.Content != nil {
				doc.Content = params.Content
			}
			if params.Notes != nil {
				doc.Notes = *params.Notes
			}
			if params.ChangesSummary != nil {
				doc.ChangesSummary = *params.ChangesSummary
			}
			doc.LastModified = time.Now()
			m.docs[id] = doc
			return nil
		},
		setReviewerFn: func(_ context.Context, id, reviewerID string) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			doc := m.docs[id]
			doc.ReviewerID = reviewerID
			m.docs[id] = doc
			return nil
		},
		addApproversFn: func(_ context.Context, id string, userIDs []string) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			doc := m.docs[id]
			for _, userID := range userIDs {
				present := false
				for _, existing := range doc.Approvers {
					if existing == userID {
						present = true
						break
					}
				}
				if !present {
					doc.Approvers = append(doc.Approvers, userID)
				}
			}
			m.docs[id] = doc
			return nil
		},
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			if id == "usr_app" {
				return store.User{ID: id, Email: "approver@docket.dev", Role: "approver"}, nil
			}
			return store.User{}, sql.ErrNoRows
		},
	}
	return fs, m
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	return rr, payload
}

func documentStatus(t *testing.T, payload map[string]any) string {
	t.Helper()
	doc, ok := payload["document"].(map[string]any)
	if !ok {
		t.Fatalf("no document in payload: %v", payload)
	}
	status, _ := doc["status"].(string)
	return status
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	fs, _ := newMemStore(store.Document{ID: "doc_1", Title: "Privacy Policy", Status: "new", Priority: "normal"})
	svc := newTestService(fs)
	handler := NewHTTPServer(svc, "*").Handler()

	reviewer := bearerFor(t, reviewerSession())
	approver := bearerFor(t, approverSession())

	// Reviewer claims the new document.
	rr, payload := doJSON(t, handler, http.MethodPut, "/documents/doc_1", reviewer, map[string]any{"status": "with_reviewer"})
	if rr.Code != http.StatusOK {
		t.Fatalf("claim: %d body=%s", rr.Code, rr.Body.String())
	}
	if got := documentStatus(t, payload); got != "with_reviewer" {
		t.Fatalf("status after claim = %q", got)
	}
	doc := payload["document"].(map[string]any)
	if doc["reviewer_id"] != "usr_rev" {
		t.Fatalf("reviewer_id = %v", doc["reviewer_id"])
	}

	// Submit without approvers fails the precondition.
	rr, payload = doJSON(t, handler, http.MethodPut, "/documents/doc_1", reviewer, map[string]any{"status": "with_approver"})
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "PRECONDITION_FAILED" {
		t.Fatalf("submit without approvers: %d %v", rr.Code, payload["code"])
	}

	// Assign an approver, then submit.
	rr, _ = doJSON(t, handler, http.MethodPost, "/documents/doc_1/approvers", reviewer, map[string]any{"approver_ids": []string{"usr_app"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("assign: %d body=%s", rr.Code, rr.Body.String())
	}
	rr, payload = doJSON(t, handler, http.MethodPut, "/documents/doc_1", reviewer, map[string]any{"status": "with_approver"})
	if rr.Code != http.StatusOK || documentStatus(t, payload) != "with_approver" {
		t.Fatalf("submit: %d body=%s", rr.Code, rr.Body.String())
	}

	// Approver sends back, reviewer resubmits.
	rr, payload = doJSON(t, handler, http.MethodPut, "/documents/doc_1", approver, map[string]any{"status": "with_reviewer"})
	if rr.Code != http.StatusOK || documentStatus(t, payload) != "with_reviewer" {
		t.Fatalf("send back: %d body=%s", rr.Code, rr.Body.String())
	}
	rr, _ = doJSON(t, handler, http.MethodPut, "/documents/doc_1", reviewer, map[string]any{"status": "with_approver"})
	if rr.Code != http.StatusOK {
		t.Fatalf("resubmit: %d body=%s", rr.Code, rr.Body.String())
	}

	// Reviewer may not approve.
	rr, payload = doJSON(t, handler, http.MethodPut, "/documents/doc_1", reviewer, map[string]any{"status": "approved"})
	if rr.Code != http.StatusForbidden || payload["code"] != "POLICY_VIOLATION" {
		t.Fatalf("reviewer approve: %d %v", rr.Code, payload["code"])
	}

	// Approver approves; the second approve reports already satisfied.
	rr, payload = doJSON(t, handler, http.MethodPut, "/documents/doc_1", approver, map[string]any{"status": "approved"})
	if rr.Code != http.StatusOK || documentStatus(t, payload) != "approved" {
		t.Fatalf("approve: %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["already_approved"] != false {
		t.Fatalf("first approve already_approved = %v", payload["already_approved"])
	}
	rr, payload = doJSON(t, handler, http.MethodPut, "/documents/doc_1", approver, map[string]any{"status": "approved"})
	if rr.Code != http.StatusOK || payload["already_approved"] != true {
		t.Fatalf("second approve: %d %v", rr.Code, payload["already_approved"])
	}

	// approved is terminal for everyone.
	rr, payload = doJSON(t, handler, http.MethodPut, "/documents/doc_1", approver, map[string]any{"status": "with_reviewer"})
	if rr.Code != http.StatusForbidden || payload["code"] != "POLICY_VIOLATION" {
		t.Fatalf("leave approved: %d %v", rr.Code, payload["code"])
	}
}

func TestEventsStreamDeliversUpdate(t *testing.T) {
	fs, _ := newMemStore(store.Document{ID: "doc_1", Status: "new"})
	svc := newTestService(fs)
	handler := NewHTTPServer(svc, "*").Handler()
	server := httptest.NewServer(handler)
	defer server.Close()

	reviewer := bearerFor(t, reviewerSession())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events?token="+reviewer, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if strings.HasPrefix(scanner.Text(), "data: ") {
				lines <- strings.TrimPrefix(scanner.Text(), "data: ")
			}
		}
	}()

	// Give the subscription a moment, then mutate.
	time.Sleep(100 * time.Millisecond)
	rr, _ := doJSON(t, handler, http.MethodPut, "/documents/doc_1", reviewer, map[string]any{"status": "with_reviewer"})
	if rr.Code != http.StatusOK {
		t.Fatalf("mutate: %d", rr.Code)
	}

	select {
	case line := <-lines:
		var event struct {
			Event      string `json:"event"`
			DocumentID string `json:"document_id"`
		}
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("parse event %q: %v", line, err)
		}
		if event.Event != "document_updated" || event.DocumentID != "doc_1" {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received on stream")
	}
}

func TestChatEndpointStreamsText(t *testing.T) {
	fs, _ := newMemStore()
	svc := newTestService(fs)
	svc.assistant = &fakeAssistant{chunks: []assistant.Chunk{{Text: "Hel"}, {Text: "lo"}}}
	handler := NewHTTPServer(svc, "*").Handler()

	reviewer := bearerFor(t, reviewerSession())
	rr, _ := doJSON(t, handler, http.MethodPost, "/api/chat", reviewer, map[string]any{
		"query":       "summarize",
		"document_id": "doc_1",
		"filetype":    "docx",
		"top_k":       3,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("chat: %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "Hello" {
		t.Fatalf("streamed %q", rr.Body.String())
	}
}

func TestComplianceEndpointReturnsReport(t *testing.T) {
	fs, _ := newMemStore(store.Document{ID: "doc_1", Title: "Policy", Status: "new", Content: []byte("retention text")})
	svc := newTestService(fs)
	svc.search = &fakeSearch{results: []search.Result{
		{Title: "Data retention", Score: 0.8},
		{Title: "Erasure", Score: 0.2, Recommendation: "Add erasure steps."},
	}}
	svc.compliance = compliance.NewService(svc.search)
	handler := NewHTTPServer(svc, "*").Handler()

	reviewer := bearerFor(t, reviewerSession())
	rr, payload := doJSON(t, handler, http.MethodPost, "/api/compliance", reviewer, map[string]any{
		"document_id": "doc_1",
		"domain":      "gdpr",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("compliance: %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["domain"] != "gdpr" {
		t.Fatalf("domain = %v", payload["domain"])
	}
	matches, ok := payload["clause_matches"].([]any)
	if !ok || len(matches) != 2 {
		t.Fatalf("clause_matches = %v", payload["clause_matches"])
	}
	if fmt.Sprint(payload["score"]) != "50" {
		t.Fatalf("score = %v", payload["score"])
	}
}

func TestHistoryEndpointListsCommits(t *testing.T) {
	fs, _ := newMemStore(store.Document{ID: "doc_1", Status: "new"})
	svc := newTestService(fs)
	svc.history = &fakeHistory{historyFn: func(string, int) ([]history.CommitInfo, error) {
		return []history.CommitInfo{
			{Hash: "bbb", Author: "reviewer@docket.dev", Message: "Tightened wording"},
			{Hash: "aaa", Author: "seed@docket.dev", Message: "Import document baseline"},
		}, nil
	}}
	handler := NewHTTPServer(svc, "*").Handler()

	reviewer := bearerFor(t, reviewerSession())
	rr, payload := doJSON(t, handler, http.MethodGet, "/documents/doc_1/history", reviewer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history: %d body=%s", rr.Code, rr.Body.String())
	}
	commits, ok := payload["commits"].([]any)
	if !ok || len(commits) != 2 {
		t.Fatalf("commits = %v", payload["commits"])
	}
}
