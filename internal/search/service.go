package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to
// PG FTS. meili may be nil when Meilisearch is not configured.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(q)
		if err == nil {
			return nonNil(results), nil
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.pgfts == nil {
		return []Result{}, nil
	}
	results, err := s.pgfts.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return nonNil(results), nil
}

// IndexClause pushes a clause into Meilisearch (fire-and-forget).
func (s *Service) IndexClause(record ClauseRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexClauses([]ClauseRecord{record}); err != nil {
			log.Printf("search: index clause %s: %v", record.ID, err)
		}
	}()
}

// ReindexAllFromPG pushes every stored clause into Meilisearch. Called at
// bootstrap when Meilisearch is reachable.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexClauses(records); err != nil {
		log.Printf("search: reindex clauses: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
