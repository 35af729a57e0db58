package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"sermonprep/api/internal/config"
	"sermonprep/api/internal/docstore"
	"sermonprep/api/internal/search"
	"sermonprep/api/internal/store"
)

type dataStore interface {
	Ping(context.Context) error
	FetchSeries(context.Context, string) (*store.Series, error)
	ListSeries(context.Context) ([]store.Series, error)
	InsertSeries(context.Context, store.Series) (store.Series, error)
	UpdateSeriesDetails(context.Context, string, store.SeriesDetails) error
	DeleteSeries(context.Context, string) error
	AddMember(context.Context, string, store.ItemType, string, *int) error
	RemoveSermonFromSeries(context.Context, string, string) error
	RemoveGroupFromSeries(context.Context, string, string) error
	RemoveSeriesItem(context.Context, string, string) (store.Member, error)
	ReorderSermonsInSeries(context.Context, string, []string) error
	ReorderGroupsInSeries(context.Context, string, []string) error
	ReorderSeriesItems(context.Context, string, []string) error
	SaveItemPositions(context.Context, string, int64, []store.SeriesItem) error
	InsertSermon(context.Context, store.Sermon) (store.Sermon, error)
	GetSermon(context.Context, string) (store.Sermon, error)
	ListSermons(context.Context) ([]store.Sermon, error)
	DeleteSermon(context.Context, string) error
	UpdateSermonSeriesInfo(context.Context, string, *string, *int) error
	InsertGroup(context.Context, store.Group) (store.Group, error)
	GetGroup(context.Context, string) (store.Group, error)
	ListGroups(context.Context) ([]store.Group, error)
	DeleteGroup(context.Context, string) error
	UpdateGroupSeriesInfo(context.Context, string, *string, *int) error
	GetBackReference(context.Context, store.ItemType, string) (store.BackReference, error)
	ListBackReferences(context.Context, store.ItemType, string) ([]store.BackReference, error)
	ClearSeriesInfoOp(store.ItemType, string) docstore.Op
	CommitBatch(context.Context, []docstore.Op) error
}

// backReferenceWriter writes the seriesId/seriesPosition pair of one member entity.
type backReferenceWriter func(ctx context.Context, entityID string, seriesID *string, position *int) error

type Service struct {
	cfg     config.Config
	store   dataStore
	search  *search.Service
	writers map[store.ItemType]backReferenceWriter
}

func New(cfg config.Config, dataStore dataStore, searchService *search.Service) *Service {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		search: searchService,
	}
	s.writers = map[store.ItemType]backReferenceWriter{
		store.ItemSermon: s.reindexing(store.ItemSermon, dataStore.UpdateSermonSeriesInfo),
		store.ItemGroup:  s.reindexing(store.ItemGroup, dataStore.UpdateGroupSeriesInfo),
	}
	return s
}

// reindexing refreshes the member's search record after every successful write.
func (s *Service) reindexing(t store.ItemType, write backReferenceWriter) backReferenceWriter {
	return func(ctx context.Context, entityID string, seriesID *string, position *int) error {
		if err := write(ctx, entityID, seriesID, position); err != nil {
			return err
		}
		s.reindexMember(ctx, t, entityID)
		return nil
	}
}

// reindexMember pushes the stored sermon or group, back-reference included, to the index.
func (s *Service) reindexMember(ctx context.Context, t store.ItemType, entityID string) {
	if !s.search.Indexing() {
		return
	}
	var err error
	switch t {
	case store.ItemSermon:
		var sermon store.Sermon
		if sermon, err = s.store.GetSermon(ctx, entityID); err == nil {
			s.search.IndexSermon(search.SermonRecordFrom(sermon))
		}
	case store.ItemGroup:
		var group store.Group
		if group, err = s.store.GetGroup(ctx, entityID); err == nil {
			s.search.IndexGroup(search.GroupRecordFrom(group))
		}
	}
	if err != nil && !store.IsNotFound(err) {
		log.Printf("search: reload %s %s: %v", t, entityID, err)
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap pushes every record into the search index when Meilisearch is available.
func (s *Service) Bootstrap(ctx context.Context) {
	s.search.ReindexAll(ctx)
}

func (s *Service) Search(ctx context.Context, text, filterType string, limit, offset int) (search.Response, error) {
	rtyp, ok := search.ParseResultType(strings.TrimSpace(filterType))
	if !ok {
		return search.Response{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "type must be series, sermon or group", map[string]any{"type": filterType})
	}
	if limit < 0 || limit > 100 {
		return search.Response{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 0 and 100", nil)
	}
	return s.search.Search(ctx, search.Query{Text: text, FilterType: rtyp, Limit: limit, Offset: offset}), nil
}

type CreateSermonInput struct {
	Title string `json:"title"`
	Verse string `json:"verse"`
}

func (s *Service) CreateSermon(ctx context.Context, input CreateSermonInput) (store.Sermon, error) {
	sermon, err := s.store.InsertSermon(ctx, store.Sermon{Title: strings.TrimSpace(input.Title), Verse: strings.TrimSpace(input.Verse)})
	if err != nil {
		return store.Sermon{}, err
	}
	s.search.IndexSermon(search.SermonRecordFrom(sermon))
	return sermon, nil
}

func (s *Service) GetSermon(ctx context.Context, sermonID string) (store.Sermon, error) {
	return s.store.GetSermon(ctx, sermonID)
}

func (s *Service) ListSermons(ctx context.Context) ([]store.Sermon, error) {
	return s.store.ListSermons(ctx)
}

type CreateGroupInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Service) CreateGroup(ctx context.Context, input CreateGroupInput) (store.Group, error) {
	group, err := s.store.InsertGroup(ctx, store.Group{Title: strings.TrimSpace(input.Title), Description: strings.TrimSpace(input.Description)})
	if err != nil {
		return store.Group{}, err
	}
	s.search.IndexGroup(search.GroupRecordFrom(group))
	return group, nil
}

func (s *Service) GetGroup(ctx context.Context, groupID string) (store.Group, error) {
	return s.store.GetGroup(ctx, groupID)
}

func (s *Service) ListGroups(ctx context.Context) ([]store.Group, error) {
	return s.store.ListGroups(ctx)
}

func (s *Service) writerFor(t store.ItemType) (backReferenceWriter, error) {
	writer, ok := s.writers[t]
	if !ok {
		return nil, fmt.Errorf("%w: no back-reference writer for item type %q", store.ErrInvalidInput, t)
	}
	return writer, nil
}

func (s *Service) syncConcurrency() int {
	if s.cfg.SyncConcurrency < 1 {
		return 16
	}
	return s.cfg.SyncConcurrency
}

func (s *Service) batchLimit() int {
	if s.cfg.BatchLimit < 1 || s.cfg.BatchLimit > docstore.MaxBatchOps {
		return docstore.MaxBatchOps
	}
	return s.cfg.BatchLimit
}

func parseTime(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return &parsed, nil
		}
	}
	return nil, fmt.Errorf("%w: startDate must be RFC 3339 or YYYY-MM-DD", store.ErrInvalidInput)
}
