package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"sermonprep/api/internal/docstore"
	"sermonprep/api/internal/search"
	"sermonprep/api/internal/store"
)

// DeleteSeries clears the back-reference of every member, plus any entity still pointing
// at the series, then deletes the series. Clears are committed in batches of at most
// the configured limit; a failed batch stops the cascade and leaves the series in place
// so the delete can be rerun. Deleting a missing series succeeds.
func (s *Service) DeleteSeries(ctx context.Context, seriesID string) error {
	series, err := s.store.FetchSeries(ctx, seriesID)
	if err != nil {
		return err
	}
	if series == nil {
		return nil
	}

	seen := map[store.Member]struct{}{}
	var ops []docstore.Op
	add := func(t store.ItemType, refID string) {
		key := store.Member{Type: t, RefID: refID}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		ops = append(ops, s.store.ClearSeriesInfoOp(t, refID))
	}
	for _, m := range series.Members() {
		add(m.Type, m.RefID)
	}
	for _, t := range store.ItemTypes {
		refs, err := s.store.ListBackReferences(ctx, t, seriesID)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			add(t, ref.EntityID)
		}
	}

	chunks := docstore.ChunkOps(ops, s.batchLimit())
	for i, chunk := range chunks {
		if err := s.store.CommitBatch(ctx, chunk); err != nil {
			log.Printf("cascade: series %s stopped at batch %d of %d: %v", seriesID, i+1, len(chunks), err)
			return fmt.Errorf("clear back-references of series %s (batch %d of %d): %w", seriesID, i+1, len(chunks), err)
		}
	}

	for member := range seen {
		s.reindexMember(ctx, member.Type, member.RefID)
	}

	if err := s.store.DeleteSeries(ctx, seriesID); err != nil {
		return err
	}
	s.search.Remove(search.ResultSeries, seriesID)
	return nil
}

// DeleteGroup removes the group from every series listing it, renumbering each, and
// then deletes the group.
func (s *Service) DeleteGroup(ctx context.Context, groupID string) error {
	if err := s.detachEverywhere(ctx, store.ItemGroup, groupID, s.store.RemoveGroupFromSeries); err != nil {
		return err
	}
	if err := s.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	s.search.Remove(search.ResultGroup, groupID)
	return nil
}

// DeleteSermon is DeleteGroup for sermons, covering legacy sermonIds as well.
func (s *Service) DeleteSermon(ctx context.Context, sermonID string) error {
	if err := s.detachEverywhere(ctx, store.ItemSermon, sermonID, s.store.RemoveSermonFromSeries); err != nil {
		return err
	}
	if err := s.store.DeleteSermon(ctx, sermonID); err != nil {
		return err
	}
	s.search.Remove(search.ResultSermon, sermonID)
	return nil
}

func (s *Service) detachEverywhere(ctx context.Context, t store.ItemType, refID string, remove func(context.Context, string, string) error) error {
	list, err := s.store.ListSeries(ctx)
	if err != nil {
		return err
	}
	for _, series := range list {
		if !series.HasMember(t, refID) {
			continue
		}
		err := remove(ctx, series.ID, refID)
		if errors.Is(err, store.ErrSeriesNotFound) {
			continue
		}
		if err != nil && !errors.Is(err, store.ErrMemberNotFound) {
			return err
		}
		err = s.SyncSeriesPositions(ctx, series.ID)
		var partial *SyncError
		switch {
		case err == nil, errors.Is(err, store.ErrSeriesNotFound):
		case errors.As(err, &partial):
			log.Printf("cascade: %s %s detached from series %s, renumbering incomplete: %v", t, refID, series.ID, err)
		default:
			return err
		}
	}
	return nil
}
