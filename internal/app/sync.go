package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"sermonprep/api/internal/store"
)

// SyncSeriesPositions re-reads the series and writes seriesId and the 1-based position
// of every member onto that member. Writes run concurrently and are all attempted;
// failures come back as a *SyncError without undoing the writes that landed.
func (s *Service) SyncSeriesPositions(ctx context.Context, seriesID string) error {
	series, err := s.fetchSeries(ctx, seriesID)
	if err != nil {
		return err
	}
	return s.syncSeries(ctx, series)
}

type ResyncResult struct {
	SeriesID string `json:"seriesId"`
	Members  int    `json:"members"`
	Cleared  int    `json:"cleared"`
}

// Resync syncs the series and then clears back-references that still name the series
// although the entity is no longer a member.
func (s *Service) Resync(ctx context.Context, seriesID string) (ResyncResult, error) {
	series, err := s.fetchSeries(ctx, seriesID)
	if err != nil {
		return ResyncResult{}, err
	}
	members := series.Members()
	result := ResyncResult{SeriesID: seriesID, Members: len(members)}

	syncErr := s.syncSeries(ctx, series)
	var partial *SyncError
	if syncErr != nil && !errors.As(syncErr, &partial) {
		return result, syncErr
	}

	current := make(map[store.Member]struct{}, len(members))
	for _, m := range members {
		current[store.Member{Type: m.Type, RefID: m.RefID}] = struct{}{}
	}
	var errs []error
	for _, t := range store.ItemTypes {
		refs, err := s.store.ListBackReferences(ctx, t, seriesID)
		if err != nil {
			return result, err
		}
		writer, err := s.writerFor(t)
		if err != nil {
			return result, err
		}
		for _, ref := range refs {
			if _, ok := current[store.Member{Type: t, RefID: ref.EntityID}]; ok {
				continue
			}
			if err := writer(ctx, ref.EntityID, nil, nil); err != nil && !store.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("clear %s %s: %w", t, ref.EntityID, err))
				continue
			}
			result.Cleared++
		}
	}

	if partial != nil || len(errs) > 0 {
		total := len(members) + result.Cleared + len(errs)
		failed := len(errs)
		if partial != nil {
			errs = append([]error{partial.Err}, errs...)
			failed += partial.Failed
		}
		return result, &SyncError{SeriesID: seriesID, Failed: failed, Total: total, Err: errors.Join(errs...)}
	}
	return result, nil
}

func (s *Service) fetchSeries(ctx context.Context, seriesID string) (store.Series, error) {
	series, err := s.store.FetchSeries(ctx, seriesID)
	if err != nil {
		return store.Series{}, err
	}
	if series == nil {
		return store.Series{}, fmt.Errorf("%w: %s", store.ErrSeriesNotFound, seriesID)
	}
	return *series, nil
}

func (s *Service) syncSeries(ctx context.Context, series store.Series) error {
	members := series.Members()
	err := s.fanOut(ctx, series.ID, members)
	s.saveItemPositions(ctx, series)
	return err
}

func (s *Service) fanOut(ctx context.Context, seriesID string, members []store.Member) error {
	if len(members) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	// Plain group: one failed write must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(s.syncConcurrency())
	for i, member := range members {
		position := i + 1
		g.Go(func() error {
			err := s.writeBackReference(ctx, member, seriesID, position)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s %s: %w", member.Type, member.RefID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return &SyncError{SeriesID: seriesID, Failed: len(errs), Total: len(members), Err: errors.Join(errs...)}
	}
	return nil
}

func (s *Service) writeBackReference(ctx context.Context, member store.Member, seriesID string, position int) error {
	writer, err := s.writerFor(member.Type)
	if err != nil {
		return err
	}
	return writer(ctx, member.RefID, &seriesID, &position)
}

// saveItemPositions rewrites the stored item positions when they no longer read 1..N.
func (s *Service) saveItemPositions(ctx context.Context, series store.Series) {
	if series.Mode() != store.ModeItems {
		return
	}
	items := make([]store.SeriesItem, len(series.Items))
	stale := false
	for i, item := range series.Items {
		if item.Position != i+1 {
			item.Position = i + 1
			stale = true
		}
		items[i] = item
	}
	if !stale {
		return
	}
	err := s.store.SaveItemPositions(ctx, series.ID, series.Version, items)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrSeriesConflict):
		log.Printf("sync: series %s changed before positions were saved, leaving them to the next sync", series.ID)
	default:
		log.Printf("sync: save positions for series %s: %v", series.ID, err)
	}
}
