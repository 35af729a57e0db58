package search

import (
	"context"
	"fmt"
	"strings"
)

// Scan searches by substring over the records of a RecordSource. It backs the search
// endpoint whenever Meilisearch is not configured or unhealthy.
type Scan struct {
	source RecordSource
}

func NewScan(source RecordSource) *Scan {
	return &Scan{source: source}
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}

	var results []Result
	if q.FilterType == "" || q.FilterType == ResultSeries {
		series, err := s.source.ListSeries(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("scan series: %w", err)
		}
		for _, item := range series {
			if matches(needle, item.Title, item.Description, item.Theme) {
				results = append(results, Result{
					Type:    ResultSeries,
					ID:      item.ID,
					Title:   item.Title,
					Snippet: firstNonBlank(item.Description, item.Theme),
				})
			}
		}
	}
	if q.FilterType == "" || q.FilterType == ResultSermon {
		sermons, err := s.source.ListSermons(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("scan sermons: %w", err)
		}
		for _, item := range sermons {
			if matches(needle, item.Title, item.Verse) {
				results = append(results, Result{
					Type:     ResultSermon,
					ID:       item.ID,
					Title:    item.Title,
					Snippet:  item.Verse,
					SeriesID: deref(item.SeriesID),
				})
			}
		}
	}
	if q.FilterType == "" || q.FilterType == ResultGroup {
		groups, err := s.source.ListGroups(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("scan groups: %w", err)
		}
		for _, item := range groups {
			if matches(needle, item.Title, item.Description) {
				results = append(results, Result{
					Type:     ResultGroup,
					ID:       item.ID,
					Title:    item.Title,
					Snippet:  item.Description,
					SeriesID: deref(item.SeriesID),
				})
			}
		}
	}

	return page(results, q.Limit, q.Offset), len(results), nil
}

// LoadAllRecords returns all searchable records for full reindexing.
func (s *Scan) LoadAllRecords(ctx context.Context) ([]SeriesRecord, []SermonRecord, []GroupRecord, error) {
	series, err := s.source.ListSeries(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load series: %w", err)
	}
	sermons, err := s.source.ListSermons(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load sermons: %w", err)
	}
	groups, err := s.source.ListGroups(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load groups: %w", err)
	}

	seriesRecords := make([]SeriesRecord, 0, len(series))
	for _, item := range series {
		seriesRecords = append(seriesRecords, SeriesRecordFrom(item))
	}
	sermonRecords := make([]SermonRecord, 0, len(sermons))
	for _, item := range sermons {
		sermonRecords = append(sermonRecords, SermonRecordFrom(item))
	}
	groupRecords := make([]GroupRecord, 0, len(groups))
	for _, item := range groups {
		groupRecords = append(groupRecords, GroupRecordFrom(item))
	}
	return seriesRecords, sermonRecords, groupRecords, nil
}

func matches(needle string, fields ...string) bool {
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func page(results []Result, limit, offset int) []Result {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(results) {
		return nil
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}
