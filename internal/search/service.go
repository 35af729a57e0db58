package search

import (
	"context"
	"log"
)

// Index is the full-text index the service prefers over a scan. *Meili implements it.
type Index interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	IndexSeries(records ...SeriesRecord) error
	IndexSermons(records ...SermonRecord) error
	IndexGroups(records ...GroupRecord) error
	Delete(rtyp ResultType, id string) error
}

// Service is the facade that tries Meilisearch first and falls back to a store scan.
type Service struct {
	meili Index
	scan  *Scan
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili Index, scan *Scan) *Service {
	return &Service{meili: meili, scan: scan}
}

func (s *Service) meiliReady() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

// Indexing reports whether index writes currently reach Meilisearch.
func (s *Service) Indexing() bool {
	return s.meiliReady()
}

// Search tries Meilisearch if healthy, otherwise falls back to the scan.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to scan: %v", err)
	}

	if s.scan == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.scan.Search(ctx, q)
	if err != nil {
		log.Printf("search: scan error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSeries indexes a series (fire-and-forget to Meilisearch).
func (s *Service) IndexSeries(record SeriesRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexSeries(record); err != nil {
			log.Printf("search: index series %s: %v", record.ID, err)
		}
	}()
}

func (s *Service) IndexSermon(record SermonRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexSermons(record); err != nil {
			log.Printf("search: index sermon %s: %v", record.ID, err)
		}
	}()
}

func (s *Service) IndexGroup(record GroupRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexGroups(record); err != nil {
			log.Printf("search: index group %s: %v", record.ID, err)
		}
	}()
}

// Remove drops an entity from the index (fire-and-forget).
func (s *Service) Remove(rtyp ResultType, id string) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.Delete(rtyp, id); err != nil {
			log.Printf("search: delete %s %s: %v", rtyp, id, err)
		}
	}()
}

// ReindexAll loads every record through the scan source and pushes it to Meilisearch.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.meiliReady() || s.scan == nil {
		return
	}
	series, sermons, groups, err := s.scan.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexSeries(series...); err != nil {
		log.Printf("search: reindex series: %v", err)
	}
	if err := s.meili.IndexSermons(sermons...); err != nil {
		log.Printf("search: reindex sermons: %v", err)
	}
	if err := s.meili.IndexGroups(groups...); err != nil {
		log.Printf("search: reindex groups: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
