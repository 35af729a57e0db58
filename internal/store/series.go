package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"sermonprep/api/internal/docstore"
	"sermonprep/api/internal/util"
)

// Store is the series, sermon and group repository over a document store.
type Store struct {
	docs     docstore.Store
	attempts int
	now      func() time.Time
}

// New wraps docs; attempts bounds the read-modify-write retries of series mutations.
func New(docs docstore.Store, attempts int) *Store {
	if attempts < 1 {
		attempts = 1
	}
	return &Store{docs: docs, attempts: attempts, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.docs.Ping(ctx)
}

func (s *Store) Close() error {
	return s.docs.Close()
}

// FetchSeries returns nil, nil when the series does not exist.
func (s *Store) FetchSeries(ctx context.Context, seriesID string) (*Series, error) {
	raw, err := s.docs.Get(ctx, CollectionSeries, seriesID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch series %s: %w", seriesID, err)
	}
	var series Series
	if err := json.Unmarshal(raw, &series); err != nil {
		return nil, fmt.Errorf("decode series %s: %w", seriesID, err)
	}
	return &series, nil
}

func (s *Store) ListSeries(ctx context.Context) ([]Series, error) {
	docs, err := s.docs.List(ctx, CollectionSeries)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	out := make([]Series, 0, len(docs))
	for _, raw := range docs {
		var series Series
		if err := json.Unmarshal(raw, &series); err != nil {
			return nil, fmt.Errorf("decode series: %w", err)
		}
		out = append(out, series)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) InsertSeries(ctx context.Context, series Series) (Series, error) {
	if err := requireID("title", series.Title); err != nil {
		return Series{}, err
	}
	if series.ID == "" {
		series.ID = util.NewID("ser")
	}
	now := s.now().UTC()
	series.Version = 1
	series.CreatedAt = now
	series.UpdatedAt = now
	if series.Items == nil {
		series.Items = []SeriesItem{}
	}
	if series.SermonIDs == nil {
		series.SermonIDs = []string{}
	}
	if err := s.docs.Set(ctx, CollectionSeries, series.ID, series); err != nil {
		return Series{}, fmt.Errorf("insert series: %w", err)
	}
	return series, nil
}

func (s *Store) UpdateSeriesDetails(ctx context.Context, seriesID string, details SeriesDetails) error {
	if details.Title != nil {
		if err := requireID("title", *details.Title); err != nil {
			return err
		}
	}
	return s.mutateSeries(ctx, seriesID, func(*Series) (map[string]any, error) {
		fields := map[string]any{}
		if details.Title != nil {
			fields["title"] = *details.Title
		}
		if details.Description != nil {
			fields["description"] = *details.Description
		}
		if details.Theme != nil {
			fields["theme"] = *details.Theme
		}
		if details.Color != nil {
			fields["color"] = *details.Color
		}
		if details.StartDate != nil {
			fields["startDate"] = details.StartDate.UTC()
		}
		if details.IsActive != nil {
			fields["isActive"] = *details.IsActive
		}
		return fields, nil
	})
}

// DeleteSeries removes only the series document; back-references are the caller's concern.
func (s *Store) DeleteSeries(ctx context.Context, seriesID string) error {
	if err := s.docs.Delete(ctx, CollectionSeries, seriesID); err != nil {
		return fmt.Errorf("delete series %s: %w", seriesID, err)
	}
	return nil
}

func (s *Store) AddSermonToSeries(ctx context.Context, seriesID, sermonID string, position *int) error {
	return s.AddMember(ctx, seriesID, ItemSermon, sermonID, position)
}

func (s *Store) AddGroupToSeries(ctx context.Context, seriesID, groupID string, position *int) error {
	return s.AddMember(ctx, seriesID, ItemGroup, groupID, position)
}

// AddMember inserts refID at the 1-based position, or appends when position is nil.
// A sermon added to a legacy series stays on sermonIds; anything else lands on items,
// seeding items from sermonIds first when needed.
func (s *Store) AddMember(ctx context.Context, seriesID string, t ItemType, refID string, position *int) error {
	if err := requireID(string(t)+"Id", refID); err != nil {
		return err
	}
	return s.mutateSeries(ctx, seriesID, func(series *Series) (map[string]any, error) {
		if series.HasMember(t, refID) {
			return nil, fmt.Errorf("%w: %s %s is already in series %s", ErrAlreadyMember, t, refID, seriesID)
		}
		if t == ItemSermon && series.Mode() == ModeLegacy {
			return map[string]any{"sermonIds": insertAt(series.SermonIDs, refID, position)}, nil
		}
		item := SeriesItem{ID: util.NewID("item"), Type: t, RefID: refID}
		return itemsFields(numbered(insertAt(series.workingItems(), item, position))), nil
	})
}

func (s *Store) RemoveSermonFromSeries(ctx context.Context, seriesID, sermonID string) error {
	_, err := s.removeWhere(ctx, seriesID, func(m Member) bool {
		return m.Type == ItemSermon && m.RefID == sermonID
	})
	return err
}

func (s *Store) RemoveGroupFromSeries(ctx context.Context, seriesID, groupID string) error {
	_, err := s.removeWhere(ctx, seriesID, func(m Member) bool {
		return m.Type == ItemGroup && m.RefID == groupID
	})
	return err
}

// RemoveSeriesItem removes the item with itemID and returns the member it pointed at.
// For a legacy series the item id is the sermon id.
func (s *Store) RemoveSeriesItem(ctx context.Context, seriesID, itemID string) (Member, error) {
	return s.removeWhere(ctx, seriesID, func(m Member) bool {
		return m.ItemID == itemID
	})
}

// removeWhere drops the first member matching match. Remaining positions are left as
// stored; the next sync renumbers them.
func (s *Store) removeWhere(ctx context.Context, seriesID string, match func(Member) bool) (Member, error) {
	var removed Member
	err := s.mutateSeries(ctx, seriesID, func(series *Series) (map[string]any, error) {
		found := false
		for _, m := range series.Members() {
			if match(m) {
				removed, found = m, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: series %s", ErrMemberNotFound, seriesID)
		}
		if series.Mode() == ModeLegacy {
			sermonIDs := make([]string, 0, len(series.SermonIDs))
			for _, id := range series.SermonIDs {
				if id != removed.RefID {
					sermonIDs = append(sermonIDs, id)
				}
			}
			return map[string]any{"sermonIds": sermonIDs}, nil
		}
		items := make([]SeriesItem, 0, len(series.Items))
		for _, item := range series.Items {
			if item.ID != removed.ItemID {
				items = append(items, item)
			}
		}
		return itemsFields(items), nil
	})
	if err != nil {
		return Member{}, err
	}
	return removed, nil
}

func (s *Store) ReorderSermonsInSeries(ctx context.Context, seriesID string, sermonIDs []string) error {
	return s.reorderType(ctx, seriesID, ItemSermon, sermonIDs)
}

func (s *Store) ReorderGroupsInSeries(ctx context.Context, seriesID string, groupIDs []string) error {
	return s.reorderType(ctx, seriesID, ItemGroup, groupIDs)
}

// reorderType permutes the members of one type among the slots that type already
// occupies, leaving every other member where it is.
func (s *Store) reorderType(ctx context.Context, seriesID string, t ItemType, refIDs []string) error {
	return s.mutateSeries(ctx, seriesID, func(series *Series) (map[string]any, error) {
		if err := validatePermutation(series.refsOfType(t), refIDs); err != nil {
			return nil, err
		}
		if t == ItemSermon && series.Mode() == ModeLegacy {
			return map[string]any{"sermonIds": append([]string(nil), refIDs...)}, nil
		}
		items := series.workingItems()
		byRef := make(map[string]SeriesItem, len(refIDs))
		for _, item := range items {
			if item.Type == t {
				byRef[item.RefID] = item
			}
		}
		next := 0
		for i := range items {
			if items[i].Type != t {
				continue
			}
			items[i] = byRef[refIDs[next]]
			next++
		}
		return itemsFields(numbered(items)), nil
	})
}

// ReorderSeriesItems replaces the whole item order. A legacy series moves onto items.
func (s *Store) ReorderSeriesItems(ctx context.Context, seriesID string, itemIDs []string) error {
	return s.mutateSeries(ctx, seriesID, func(series *Series) (map[string]any, error) {
		items := series.workingItems()
		current := make([]string, len(items))
		byID := make(map[string]SeriesItem, len(items))
		for i, item := range items {
			current[i] = item.ID
			byID[item.ID] = item
		}
		if err := validatePermutation(current, itemIDs); err != nil {
			return nil, err
		}
		ordered := make([]SeriesItem, len(itemIDs))
		for i, id := range itemIDs {
			ordered[i] = byID[id]
		}
		return itemsFields(numbered(ordered)), nil
	})
}

// SaveItemPositions writes items back only if the series is still at version.
func (s *Store) SaveItemPositions(ctx context.Context, seriesID string, version int64, items []SeriesItem) error {
	fields := itemsFields(items)
	fields["version"] = version + 1
	fields["updatedAt"] = s.now().UTC()
	err := s.docs.Update(ctx, CollectionSeries, seriesID, fields, versionGuard(version))
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, seriesID)
	case errors.Is(err, docstore.ErrConflict):
		return fmt.Errorf("%w: %s", ErrSeriesConflict, seriesID)
	case err != nil:
		return fmt.Errorf("save item positions %s: %w", seriesID, err)
	}
	return nil
}

// mutateSeries reads the series, lets fn compute the changed fields and writes them
// guarded by the version it read. A concurrent write makes it start over, up to the
// configured number of attempts.
func (s *Store) mutateSeries(ctx context.Context, seriesID string, fn func(*Series) (map[string]any, error)) error {
	if err := requireID("seriesId", seriesID); err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		series, err := s.FetchSeries(ctx, seriesID)
		if err != nil {
			return err
		}
		if series == nil {
			return fmt.Errorf("%w: %s", ErrSeriesNotFound, seriesID)
		}
		fields, err := fn(series)
		if err != nil {
			return err
		}
		fields["version"] = series.Version + 1
		fields["updatedAt"] = s.now().UTC()

		err = s.docs.Update(ctx, CollectionSeries, seriesID, fields, versionGuard(series.Version))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, docstore.ErrNotFound):
			return fmt.Errorf("%w: %s", ErrSeriesNotFound, seriesID)
		case !errors.Is(err, docstore.ErrConflict):
			return fmt.Errorf("update series %s: %w", seriesID, err)
		case attempt >= s.attempts:
			return fmt.Errorf("%w: %s after %d attempts", ErrSeriesConflict, seriesID, attempt)
		}
	}
}

// itemsFields writes items and marks the series as having left sermonIds behind.
func itemsFields(items []SeriesItem) map[string]any {
	return map[string]any{"items": items, "itemsOnly": true}
}

// Series written before versioning carry no version field, which reads as 0.
func versionGuard(version int64) docstore.Precondition {
	if version == 0 {
		return docstore.FieldEquals("version", nil)
	}
	return docstore.FieldEquals("version", version)
}
