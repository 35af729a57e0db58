package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"sermonprep/api/internal/docstore"
	"sermonprep/api/internal/store"
)

// seedLargeSeries writes a series with n sermon members, each already carrying its
// back-reference, straight into the document store.
func seedLargeSeries(t *testing.T, fs *fakeStore, seriesID string, n int) []string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	ids := make([]string, n)
	items := make([]store.SeriesItem, n)
	for i := range ids {
		id := fmt.Sprintf("srm_%04d", i)
		position := i + 1
		sermon := store.Sermon{ID: id, Title: id, SeriesID: &seriesID, SeriesPosition: &position, CreatedAt: now, UpdatedAt: now}
		if err := fs.docs.Set(ctx, store.CollectionSermons, id, sermon); err != nil {
			t.Fatalf("seed sermon: %v", err)
		}
		ids[i] = id
		items[i] = store.SeriesItem{ID: "item_" + id, Type: store.ItemSermon, RefID: id, Position: position}
	}
	series := store.Series{ID: seriesID, Title: "Large", Items: items, SermonIDs: []string{}, Version: 1, CreatedAt: now, UpdatedAt: now}
	if err := fs.docs.Set(ctx, store.CollectionSeries, seriesID, series); err != nil {
		t.Fatalf("seed series: %v", err)
	}
	return ids
}

func TestDeleteSeriesClearsEveryMember(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	seriesID := mustCreateSeries(t, svc, "Hebrews")
	sermonID := mustCreateSermon(t, svc, "S1")
	groupID := mustCreateGroup(t, svc, "G1")
	mustSetup(t, svc.AddSermonToSeries(ctx, seriesID, sermonID, nil))
	mustSetup(t, svc.AddGroupToSeries(ctx, seriesID, groupID, nil))

	if err := svc.DeleteSeries(ctx, seriesID); err != nil {
		t.Fatalf("DeleteSeries failed: %v", err)
	}

	assertBackReference(t, fs, store.ItemSermon, sermonID, "", 0)
	assertBackReference(t, fs, store.ItemGroup, groupID, "", 0)
	if _, err := svc.GetSeries(ctx, seriesID); !errors.Is(err, store.ErrSeriesNotFound) {
		t.Fatalf("expected series to be gone, got %v", err)
	}

	if err := svc.DeleteSeries(ctx, seriesID); err != nil {
		t.Fatalf("second DeleteSeries should be a no-op, got %v", err)
	}
}

func TestDeleteSeriesClearsStrayBackReferences(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	seriesID := mustCreateSeries(t, svc, "Ruth")
	stray := mustCreateSermon(t, svc, "Stray")
	mustSetup(t, fs.Store.UpdateSermonSeriesInfo(ctx, stray, &seriesID, intPtr(4)))

	if err := svc.DeleteSeries(ctx, seriesID); err != nil {
		t.Fatalf("DeleteSeries failed: %v", err)
	}
	assertBackReference(t, fs, store.ItemSermon, stray, "", 0)
}

func TestDeleteSeriesSkipsDeletedMembers(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	seriesID := mustCreateSeries(t, svc, "Esther")
	kept := mustCreateSermon(t, svc, "Kept")
	gone := mustCreateGroup(t, svc, "Gone")
	mustSetup(t, svc.AddSermonToSeries(ctx, seriesID, kept, nil))
	mustSetup(t, svc.AddGroupToSeries(ctx, seriesID, gone, nil))
	mustSetup(t, fs.Store.DeleteGroup(ctx, gone))

	if err := svc.DeleteSeries(ctx, seriesID); err != nil {
		t.Fatalf("DeleteSeries failed: %v", err)
	}
	assertBackReference(t, fs, store.ItemSermon, kept, "", 0)
}

func TestDeleteSeriesChunksAtBatchLimit(t *testing.T) {
	tests := []struct {
		name    string
		members int
		batches []int
	}{
		{name: "exactly one batch", members: 500, batches: []int{500}},
		{name: "one over the limit", members: 501, batches: []int{500, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, fs := setupService(t)
			ctx := context.Background()
			ids := seedLargeSeries(t, fs, "ser_large", tt.members)

			if err := svc.DeleteSeries(ctx, "ser_large"); err != nil {
				t.Fatalf("DeleteSeries failed: %v", err)
			}
			if !reflect.DeepEqual(fs.batchSizes, tt.batches) {
				t.Fatalf("expected batches %v, got %v", tt.batches, fs.batchSizes)
			}

			refs, err := fs.ListBackReferences(ctx, store.ItemSermon, "ser_large")
			if err != nil {
				t.Fatalf("ListBackReferences failed: %v", err)
			}
			if len(refs) != 0 {
				t.Fatalf("expected no remaining back-references, got %d", len(refs))
			}
			assertBackReference(t, fs, store.ItemSermon, ids[len(ids)-1], "", 0)
		})
	}
}

func TestDeleteSeriesFailedBatchIsResumable(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	svc.cfg.BatchLimit = 2
	seriesID := mustCreateSeries(t, svc, "Daniel")
	for i := 0; i < 5; i++ {
		mustSetup(t, svc.AddSermonToSeries(ctx, seriesID, mustCreateSermon(t, svc, fmt.Sprintf("S%d", i)), nil))
	}

	calls := 0
	fs.commitBatchFn = func(ctx context.Context, ops []docstore.Op) error {
		calls++
		if calls == 2 {
			return errors.New("deadline exceeded")
		}
		return fs.Store.CommitBatch(ctx, ops)
	}

	if err := svc.DeleteSeries(ctx, seriesID); err == nil {
		t.Fatal("expected the failed batch to surface")
	}
	if calls != 2 {
		t.Fatalf("expected the cascade to stop at the failed batch, got %d calls", calls)
	}
	if _, err := svc.GetSeries(ctx, seriesID); err != nil {
		t.Fatalf("series should survive a failed cascade: %v", err)
	}

	fs.commitBatchFn = nil
	fs.batchSizes = nil
	if err := svc.DeleteSeries(ctx, seriesID); err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	if !reflect.DeepEqual(fs.batchSizes, []int{2, 2, 1}) {
		t.Fatalf("expected batches [2 2 1], got %v", fs.batchSizes)
	}
	refs, _ := fs.ListBackReferences(ctx, store.ItemSermon, seriesID)
	if len(refs) != 0 {
		t.Fatalf("expected all back-references cleared, got %v", refs)
	}
}

func TestDeleteGroupRemovesItFromEverySeries(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	seriesID := mustCreateSeries(t, svc, "Exodus")
	s1 := mustCreateSermon(t, svc, "S1")
	g1 := mustCreateGroup(t, svc, "G1")
	s2 := mustCreateSermon(t, svc, "S2")
	mustSetup(t, svc.AddSermonToSeries(ctx, seriesID, s1, nil))
	mustSetup(t, svc.AddGroupToSeries(ctx, seriesID, g1, nil))
	mustSetup(t, svc.AddSermonToSeries(ctx, seriesID, s2, nil))

	// A second series still listing the group, left over from an interrupted move.
	other := mustCreateSeries(t, svc, "Leviticus")
	if err := fs.Store.AddGroupToSeries(ctx, other, g1, nil); err != nil {
		t.Fatalf("AddGroupToSeries failed: %v", err)
	}

	if err := svc.DeleteGroup(ctx, g1); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}

	if refs := seriesRefs(t, svc, seriesID); !reflect.DeepEqual(refs, []string{s1, s2}) {
		t.Fatalf("expected [%s %s], got %v", s1, s2, refs)
	}
	if refs := seriesRefs(t, svc, other); len(refs) != 0 {
		t.Fatalf("expected the second series to be empty, got %v", refs)
	}
	assertBackReference(t, fs, store.ItemSermon, s2, seriesID, 2)
	if _, err := svc.GetGroup(ctx, g1); !errors.Is(err, store.ErrGroupNotFound) {
		t.Fatalf("expected group to be deleted, got %v", err)
	}

	if err := svc.DeleteGroup(ctx, g1); err != nil {
		t.Fatalf("deleting a missing group should succeed, got %v", err)
	}
}

func TestDeleteSermonCoversLegacySeries(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	a := mustCreateSermon(t, svc, "A")
	b := mustCreateSermon(t, svc, "B")
	c := mustCreateSermon(t, svc, "C")
	seedLegacySeries(t, fs, "ser_legacy", a, b, c)
	if err := svc.SyncSeriesPositions(ctx, "ser_legacy"); err != nil {
		t.Fatalf("SyncSeriesPositions failed: %v", err)
	}

	if err := svc.DeleteSermon(ctx, b); err != nil {
		t.Fatalf("DeleteSermon failed: %v", err)
	}

	series, err := fs.FetchSeries(ctx, "ser_legacy")
	if err != nil || series == nil {
		t.Fatalf("FetchSeries failed: %v", err)
	}
	if !reflect.DeepEqual(series.SermonIDs, []string{a, c}) {
		t.Fatalf("expected sermonIds [%s %s], got %v", a, c, series.SermonIDs)
	}
	assertBackReference(t, fs, store.ItemSermon, a, "ser_legacy", 1)
	assertBackReference(t, fs, store.ItemSermon, c, "ser_legacy", 2)
	if _, err := svc.GetSermon(ctx, b); !errors.Is(err, store.ErrSermonNotFound) {
		t.Fatalf("expected sermon to be deleted, got %v", err)
	}
}

func TestDeleteGroupContinuesPastUnrelatedSyncFailure(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	first := mustCreateSeries(t, svc, "Numbers")
	second := mustCreateSeries(t, svc, "Deuteronomy")
	sermonID := mustCreateSermon(t, svc, "Census")
	groupID := mustCreateGroup(t, svc, "Wilderness")
	mustSetup(t, svc.AddSermonToSeries(ctx, first, sermonID, nil))
	mustSetup(t, svc.AddGroupToSeries(ctx, first, groupID, nil))
	mustSetup(t, fs.Store.AddGroupToSeries(ctx, second, groupID, nil))

	fs.updateSermonSeriesInfoFn = func(context.Context, string, *string, *int) error {
		return errors.New("write timed out")
	}

	if err := svc.DeleteGroup(ctx, groupID); err != nil {
		t.Fatalf("DeleteGroup should not fail on another member's sync, got %v", err)
	}
	if refs := seriesRefs(t, svc, first); !reflect.DeepEqual(refs, []string{sermonID}) {
		t.Fatalf("expected [%s], got %v", sermonID, refs)
	}
	if refs := seriesRefs(t, svc, second); len(refs) != 0 {
		t.Fatalf("expected the second series to be empty, got %v", refs)
	}
	if _, err := svc.GetGroup(ctx, groupID); !errors.Is(err, store.ErrGroupNotFound) {
		t.Fatalf("expected group to be deleted, got %v", err)
	}
}
