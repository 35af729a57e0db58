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

func notFoundFor(t ItemType) error {
	if t == ItemGroup {
		return ErrGroupNotFound
	}
	return ErrSermonNotFound
}

func (s *Store) InsertSermon(ctx context.Context, sermon Sermon) (Sermon, error) {
	if err := requireID("title", sermon.Title); err != nil {
		return Sermon{}, err
	}
	if sermon.ID == "" {
		sermon.ID = util.NewID("srm")
	}
	now := s.now().UTC()
	sermon.CreatedAt, sermon.UpdatedAt = now, now
	sermon.SeriesID, sermon.SeriesPosition = nil, nil
	if err := s.docs.Set(ctx, CollectionSermons, sermon.ID, sermon); err != nil {
		return Sermon{}, fmt.Errorf("insert sermon: %w", err)
	}
	return sermon, nil
}

func (s *Store) GetSermon(ctx context.Context, sermonID string) (Sermon, error) {
	var sermon Sermon
	if err := s.getEntity(ctx, ItemSermon, sermonID, &sermon); err != nil {
		return Sermon{}, err
	}
	return sermon, nil
}

func (s *Store) ListSermons(ctx context.Context) ([]Sermon, error) {
	docs, err := s.docs.List(ctx, CollectionSermons)
	if err != nil {
		return nil, fmt.Errorf("list sermons: %w", err)
	}
	out := make([]Sermon, 0, len(docs))
	for _, raw := range docs {
		var sermon Sermon
		if err := json.Unmarshal(raw, &sermon); err != nil {
			return nil, fmt.Errorf("decode sermon: %w", err)
		}
		out = append(out, sermon)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteSermon(ctx context.Context, sermonID string) error {
	if err := s.docs.Delete(ctx, CollectionSermons, sermonID); err != nil {
		return fmt.Errorf("delete sermon %s: %w", sermonID, err)
	}
	return nil
}

func (s *Store) UpdateSermonSeriesInfo(ctx context.Context, sermonID string, seriesID *string, position *int) error {
	return s.UpdateSeriesInfo(ctx, ItemSermon, sermonID, seriesID, position)
}

func (s *Store) InsertGroup(ctx context.Context, group Group) (Group, error) {
	if err := requireID("title", group.Title); err != nil {
		return Group{}, err
	}
	if group.ID == "" {
		group.ID = util.NewID("grp")
	}
	now := s.now().UTC()
	group.CreatedAt, group.UpdatedAt = now, now
	group.SeriesID, group.SeriesPosition = nil, nil
	if err := s.docs.Set(ctx, CollectionGroups, group.ID, group); err != nil {
		return Group{}, fmt.Errorf("insert group: %w", err)
	}
	return group, nil
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var group Group
	if err := s.getEntity(ctx, ItemGroup, groupID, &group); err != nil {
		return Group{}, err
	}
	return group, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	docs, err := s.docs.List(ctx, CollectionGroups)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	out := make([]Group, 0, len(docs))
	for _, raw := range docs {
		var group Group
		if err := json.Unmarshal(raw, &group); err != nil {
			return nil, fmt.Errorf("decode group: %w", err)
		}
		out = append(out, group)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	if err := s.docs.Delete(ctx, CollectionGroups, groupID); err != nil {
		return fmt.Errorf("delete group %s: %w", groupID, err)
	}
	return nil
}

func (s *Store) UpdateGroupSeriesInfo(ctx context.Context, groupID string, seriesID *string, position *int) error {
	return s.UpdateSeriesInfo(ctx, ItemGroup, groupID, seriesID, position)
}

// GetBackReference reads the series pointer of a sermon or group.
func (s *Store) GetBackReference(ctx context.Context, t ItemType, id string) (BackReference, error) {
	var ref BackReference
	if err := s.getEntity(ctx, t, id, &ref); err != nil {
		return BackReference{}, err
	}
	ref.Type = t
	return ref, nil
}

// UpdateSeriesInfo writes the back-reference of one entity. The pair is written
// together: a nil seriesID or position clears both.
func (s *Store) UpdateSeriesInfo(ctx context.Context, t ItemType, id string, seriesID *string, position *int) error {
	collection := t.Collection()
	if collection == "" {
		return invalidf("unknown item type %q", t)
	}
	err := s.docs.Update(ctx, collection, id, seriesInfoFields(seriesID, position, s.now().UTC()))
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", notFoundFor(t), id)
	}
	if err != nil {
		return fmt.Errorf("update %s %s series info: %w", t, id, err)
	}
	return nil
}

// ListBackReferences returns the entities of type t whose seriesId names seriesID.
func (s *Store) ListBackReferences(ctx context.Context, t ItemType, seriesID string) ([]BackReference, error) {
	docs, err := s.docs.Query(ctx, t.Collection(), "seriesId", seriesID)
	if err != nil {
		return nil, fmt.Errorf("query %s back-references: %w", t, err)
	}
	refs := make([]BackReference, 0, len(docs))
	for _, raw := range docs {
		var ref BackReference
		if err := json.Unmarshal(raw, &ref); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		ref.Type = t
		refs = append(refs, ref)
	}
	return refs, nil
}

// ClearSeriesInfoOp is a batch op nulling the back-reference of one entity. It is
// skipped when the entity no longer exists.
func (s *Store) ClearSeriesInfoOp(t ItemType, id string) docstore.Op {
	op := docstore.UpdateOp(t.Collection(), id, seriesInfoFields(nil, nil, s.now().UTC()))
	op.SkipMissing = true
	return op
}

// CommitBatch applies ops atomically.
func (s *Store) CommitBatch(ctx context.Context, ops []docstore.Op) error {
	if len(ops) == 0 {
		return nil
	}
	if err := s.docs.Batch(ctx, ops); err != nil {
		return fmt.Errorf("commit batch of %d ops: %w", len(ops), err)
	}
	return nil
}

func (s *Store) getEntity(ctx context.Context, t ItemType, id string, dst any) error {
	if err := requireID(string(t)+"Id", id); err != nil {
		return err
	}
	raw, err := s.docs.Get(ctx, t.Collection(), id)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", notFoundFor(t), id)
	}
	if err != nil {
		return fmt.Errorf("get %s %s: %w", t, id, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s %s: %w", t, id, err)
	}
	return nil
}

func seriesInfoFields(seriesID *string, position *int, now time.Time) map[string]any {
	fields := map[string]any{"seriesId": nil, "seriesPosition": nil, "updatedAt": now}
	if seriesID != nil && position != nil {
		fields["seriesId"] = *seriesID
		fields["seriesPosition"] = *position
	}
	return fields
}
