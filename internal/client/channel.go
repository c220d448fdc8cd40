package client

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Reconciler consumes the server's push channel and folds updates into the
// snapshot. A push event carries only the document id; the reconciler
// re-fetches the document and replaces it wholesale. Delivery is at most
// once: a dropped event is simply never applied, and a reconnect starts
// from live traffic with no replay.
type Reconciler struct {
	client    *Client
	snapshot  *Snapshot
	backoff   time.Duration
	onApplied func(Document)
}

func NewReconciler(c *Client, snapshot *Snapshot) *Reconciler {
	return &Reconciler{
		client:   c,
		snapshot: snapshot,
		backoff:  2 * time.Second,
	}
}

// Run connects to the push channel and applies updates until ctx is done,
// reconnecting after transport failures.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		if err := r.consume(ctx); err != nil && ctx.Err() == nil {
			log.Printf("push channel disconnected: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.backoff):
		}
	}
}

func (r *Reconciler) consume(ctx context.Context) error {
	token, err := r.client.bearer()
	if err != nil {
		return err
	}

	endpoint := r.client.baseURL + "/events?token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &TransportError{Op: "events", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream is long-lived; the request client must not time it out.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return &TransportError{Op: "events", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return r.client.errorFromResponse("events", resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event struct {
			Event      string `json:"event"`
			DocumentID string `json:"document_id"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		if event.Event != "document_updated" || event.DocumentID == "" {
			continue
		}
		r.apply(ctx, event.DocumentID)
	}
	return scanner.Err()
}

// apply performs the targeted re-fetch for one update. A failed fetch is
// logged and dropped; the next event or a full refresh will catch up.
func (r *Reconciler) apply(ctx context.Context, documentID string) {
	doc, err := r.client.GetDocument(ctx, documentID)
	if err != nil {
		log.Printf("reconcile fetch failed for document=%s: %v", documentID, err)
		return
	}
	r.snapshot.Replace(doc)
	if r.onApplied != nil {
		r.onApplied(doc)
	}
}

// Refresh seeds or refreshes the snapshot from a full listing.
func (r *Reconciler) Refresh(ctx context.Context) error {
	docs, err := r.client.ListDocuments(ctx, "")
	if err != nil {
		return err
	}
	r.snapshot.ReplaceAll(docs)
	return nil
}
