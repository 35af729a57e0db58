package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"sermonprep/api/internal/search"
	"sermonprep/api/internal/store"
)

type SeriesInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Theme       *string `json:"theme"`
	Color       *string `json:"color"`
	StartDate   *string `json:"startDate"`
	IsActive    *bool   `json:"isActive"`
}

func (in SeriesInput) details() (store.SeriesDetails, error) {
	details := store.SeriesDetails{
		Title:       trimmed(in.Title),
		Description: in.Description,
		Theme:       in.Theme,
		Color:       in.Color,
		IsActive:    in.IsActive,
	}
	if in.StartDate != nil {
		startDate, err := parseTime(*in.StartDate)
		if err != nil {
			return store.SeriesDetails{}, err
		}
		details.StartDate = startDate
	}
	return details, nil
}

func trimmed(value *string) *string {
	if value == nil {
		return nil
	}
	out := strings.TrimSpace(*value)
	return &out
}

// SeriesView is a series together with its resolved membership.
type SeriesView struct {
	store.Series
	Mode    store.MembershipMode `json:"mode"`
	Members []store.Member       `json:"members"`
}

func viewOf(series store.Series) SeriesView {
	members := series.Members()
	if members == nil {
		members = []store.Member{}
	}
	return SeriesView{Series: series, Mode: series.Mode(), Members: members}
}

func (s *Service) ListSeries(ctx context.Context) ([]SeriesView, error) {
	list, err := s.store.ListSeries(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]SeriesView, 0, len(list))
	for _, series := range list {
		views = append(views, viewOf(series))
	}
	return views, nil
}

func (s *Service) GetSeries(ctx context.Context, seriesID string) (SeriesView, error) {
	series, err := s.fetchSeries(ctx, seriesID)
	if err != nil {
		return SeriesView{}, err
	}
	return viewOf(series), nil
}

func (s *Service) CreateSeries(ctx context.Context, input SeriesInput) (SeriesView, error) {
	details, err := input.details()
	if err != nil {
		return SeriesView{}, err
	}
	series := store.Series{IsActive: true}
	if details.Title != nil {
		series.Title = *details.Title
	}
	if details.Description != nil {
		series.Description = *details.Description
	}
	if details.Theme != nil {
		series.Theme = *details.Theme
	}
	if details.Color != nil {
		series.Color = *details.Color
	}
	if details.IsActive != nil {
		series.IsActive = *details.IsActive
	}
	series.StartDate = details.StartDate

	created, err := s.store.InsertSeries(ctx, series)
	if err != nil {
		return SeriesView{}, err
	}
	s.search.IndexSeries(search.SeriesRecordFrom(created))
	return viewOf(created), nil
}

func (s *Service) UpdateSeries(ctx context.Context, seriesID string, input SeriesInput) (SeriesView, error) {
	details, err := input.details()
	if err != nil {
		return SeriesView{}, err
	}
	if err := s.store.UpdateSeriesDetails(ctx, seriesID, details); err != nil {
		return SeriesView{}, err
	}
	view, err := s.GetSeries(ctx, seriesID)
	if err != nil {
		return SeriesView{}, err
	}
	s.search.IndexSeries(search.SeriesRecordFrom(view.Series))
	return view, nil
}

// AddSeriesItem adds a sermon or group by type name; see AddMember.
func (s *Service) AddSeriesItem(ctx context.Context, seriesID, itemType, refID string, position *int) error {
	t, err := store.ParseItemType(itemType)
	if err != nil {
		return err
	}
	return s.AddMember(ctx, seriesID, t, refID, position)
}

func (s *Service) AddSermonToSeries(ctx context.Context, seriesID, sermonID string, position *int) error {
	return s.AddMember(ctx, seriesID, store.ItemSermon, sermonID, position)
}

func (s *Service) AddGroupToSeries(ctx context.Context, seriesID, groupID string, position *int) error {
	return s.AddMember(ctx, seriesID, store.ItemGroup, groupID, position)
}

// AddMember inserts the entity into the series and syncs. An entity already pointing
// at another series has to be removed from it first.
func (s *Service) AddMember(ctx context.Context, seriesID string, t store.ItemType, refID string, position *int) error {
	refID = strings.TrimSpace(refID)
	if refID == "" {
		return fmt.Errorf("%w: refId is required", store.ErrInvalidInput)
	}
	ref, err := s.store.GetBackReference(ctx, t, refID)
	if err != nil {
		return err
	}
	if ref.SeriesID != nil && *ref.SeriesID != seriesID {
		return domainError(http.StatusConflict, "ALREADY_IN_SERIES",
			fmt.Sprintf("%s %s already belongs to another series", t, refID),
			map[string]any{"seriesId": *ref.SeriesID})
	}
	if err := s.store.AddMember(ctx, seriesID, t, refID, position); err != nil {
		return err
	}
	return s.SyncSeriesPositions(ctx, seriesID)
}

func (s *Service) RemoveSermonFromSeries(ctx context.Context, seriesID, sermonID string) error {
	if err := s.store.RemoveSermonFromSeries(ctx, seriesID, sermonID); err != nil {
		return err
	}
	return s.afterRemove(ctx, seriesID, store.Member{Type: store.ItemSermon, RefID: sermonID})
}

func (s *Service) RemoveGroupFromSeries(ctx context.Context, seriesID, groupID string) error {
	if err := s.store.RemoveGroupFromSeries(ctx, seriesID, groupID); err != nil {
		return err
	}
	return s.afterRemove(ctx, seriesID, store.Member{Type: store.ItemGroup, RefID: groupID})
}

func (s *Service) RemoveSeriesItem(ctx context.Context, seriesID, itemID string) error {
	removed, err := s.store.RemoveSeriesItem(ctx, seriesID, itemID)
	if err != nil {
		return err
	}
	return s.afterRemove(ctx, seriesID, removed)
}

// afterRemove clears the removed entity's back-reference and renumbers the rest.
// An entity that no longer exists has nothing to clear.
func (s *Service) afterRemove(ctx context.Context, seriesID string, removed store.Member) error {
	writer, err := s.writerFor(removed.Type)
	if err != nil {
		return err
	}
	if err := writer(ctx, removed.RefID, nil, nil); err != nil && !store.IsNotFound(err) {
		return err
	}
	return s.SyncSeriesPositions(ctx, seriesID)
}

func (s *Service) ReorderSermonsInSeries(ctx context.Context, seriesID string, sermonIDs []string) error {
	if err := s.store.ReorderSermonsInSeries(ctx, seriesID, sermonIDs); err != nil {
		return err
	}
	return s.SyncSeriesPositions(ctx, seriesID)
}

func (s *Service) ReorderGroupsInSeries(ctx context.Context, seriesID string, groupIDs []string) error {
	if err := s.store.ReorderGroupsInSeries(ctx, seriesID, groupIDs); err != nil {
		return err
	}
	return s.SyncSeriesPositions(ctx, seriesID)
}

func (s *Service) ReorderSeriesItems(ctx context.Context, seriesID string, itemIDs []string) error {
	if err := s.store.ReorderSeriesItems(ctx, seriesID, itemIDs); err != nil {
		return err
	}
	return s.SyncSeriesPositions(ctx, seriesID)
}
