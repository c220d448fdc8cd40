package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxClauses = "docket_clauses"

// Meili serves clause retrieval via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the clause index.
// An unreachable server is tolerated; the health loop picks it up later.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxClauses,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxClauses, err)
	}

	index := m.client.Index(idxClauses)
	filterable := []interface{}{"domain"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs: %v", err)
	}
	searchable := []string{"title", "body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search returns the top clause matches for the query.
func (m *Meili) Search(q Query) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	request := &meili.SearchRequest{
		Limit:            int64(normalizeTopK(q.TopK)),
		ShowRankingScore: true,
	}
	if q.Domain != "" {
		request.Filter = fmt.Sprintf("domain = %q", q.Domain)
	}

	resp, err := m.client.Index(idxClauses).Search(q.Text, request)
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, nil
}

// IndexClauses bulk-indexes clause records.
func (m *Meili) IndexClauses(clauses []ClauseRecord) error {
	if len(clauses) == 0 {
		return nil
	}
	_, err := m.client.Index(idxClauses).AddDocuments(clauses, nil)
	return err
}

// DeleteClause removes a clause from the index.
func (m *Meili) DeleteClause(id string) error {
	_, err := m.client.Index(idxClauses).DeleteDocument(id, nil)
	return err
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ClauseID:       decodeString(hit, "id"),
		Domain:         decodeString(hit, "domain"),
		Title:          decodeString(hit, "title"),
		Body:           decodeString(hit, "body"),
		Recommendation: decodeString(hit, "recommendation"),
	}
	if raw, ok := hit["_rankingScore"]; ok {
		var score float64
		if err := json.Unmarshal(raw, &score); err == nil {
			r.Score = score
		}
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
