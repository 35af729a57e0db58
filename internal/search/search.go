package search

import (
	"context"

	"sermonprep/api/internal/store"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSeries ResultType = "series"
	ResultSermon ResultType = "sermon"
	ResultGroup  ResultType = "group"
)

// ParseResultType accepts "" (all types) or one of the indexed entity kinds.
func ParseResultType(value string) (ResultType, bool) {
	switch t := ResultType(value); t {
	case "", ResultSeries, ResultSermon, ResultGroup:
		return t, true
	default:
		return "", false
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	SeriesID string     `json:"seriesId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// RecordSource loads every searchable entity for scans and full reindexing.
type RecordSource interface {
	ListSeries(ctx context.Context) ([]store.Series, error)
	ListSermons(ctx context.Context) ([]store.Sermon, error)
	ListGroups(ctx context.Context) ([]store.Group, error)
}

type SeriesRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Theme       string `json:"theme"`
}

type SermonRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Verse    string `json:"verse"`
	SeriesID string `json:"seriesId"`
}

type GroupRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	SeriesID    string `json:"seriesId"`
}

func SeriesRecordFrom(s store.Series) SeriesRecord {
	return SeriesRecord{ID: s.ID, Title: s.Title, Description: s.Description, Theme: s.Theme}
}

func SermonRecordFrom(s store.Sermon) SermonRecord {
	return SermonRecord{ID: s.ID, Title: s.Title, Verse: s.Verse, SeriesID: deref(s.SeriesID)}
}

func GroupRecordFrom(g store.Group) GroupRecord {
	return GroupRecord{ID: g.ID, Title: g.Title, Description: g.Description, SeriesID: deref(g.SeriesID)}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
