package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"sermonprep/api/internal/config"
	"sermonprep/api/internal/docstore"
	"sermonprep/api/internal/search"
	"sermonprep/api/internal/store"
)

// fakeStore is the real repository over miniredis with hooks for failure injection.
type fakeStore struct {
	*store.Store
	docs docstore.Store

	updateSermonSeriesInfoFn func(context.Context, string, *string, *int) error
	updateGroupSeriesInfoFn  func(context.Context, string, *string, *int) error
	commitBatchFn            func(context.Context, []docstore.Op) error

	mu         sync.Mutex
	batchSizes []int
}

func (f *fakeStore) UpdateSermonSeriesInfo(ctx context.Context, sermonID string, seriesID *string, position *int) error {
	if f.updateSermonSeriesInfoFn != nil {
		return f.updateSermonSeriesInfoFn(ctx, sermonID, seriesID, position)
	}
	return f.Store.UpdateSermonSeriesInfo(ctx, sermonID, seriesID, position)
}

func (f *fakeStore) UpdateGroupSeriesInfo(ctx context.Context, groupID string, seriesID *string, position *int) error {
	if f.updateGroupSeriesInfoFn != nil {
		return f.updateGroupSeriesInfoFn(ctx, groupID, seriesID, position)
	}
	return f.Store.UpdateGroupSeriesInfo(ctx, groupID, seriesID, position)
}

func (f *fakeStore) CommitBatch(ctx context.Context, ops []docstore.Op) error {
	f.mu.Lock()
	f.batchSizes = append(f.batchSizes, len(ops))
	f.mu.Unlock()
	if f.commitBatchFn != nil {
		return f.commitBatchFn(ctx, ops)
	}
	return f.Store.CommitBatch(ctx, ops)
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	s := miniredis.RunT(t)
	docs, err := docstore.NewRedisStore("redis://"+s.Addr(), "test:")
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = docs.Close() })
	return &fakeStore{Store: store.New(docs, 3), docs: docs}
}

func newTestService(fs *fakeStore) *Service {
	cfg := config.Config{BatchLimit: 500, SyncConcurrency: 4, MutationAttempts: 3}
	return New(cfg, fs, search.NewService(nil, search.NewScan(fs)))
}

func setupService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	fs := newFakeStore(t)
	return newTestService(fs), fs
}

func mustCreateSeries(t *testing.T, svc *Service, title string) string {
	t.Helper()
	view, err := svc.CreateSeries(context.Background(), SeriesInput{Title: &title})
	if err != nil {
		t.Fatalf("CreateSeries failed: %v", err)
	}
	return view.ID
}

func mustCreateSermon(t *testing.T, svc *Service, title string) string {
	t.Helper()
	sermon, err := svc.CreateSermon(context.Background(), CreateSermonInput{Title: title})
	if err != nil {
		t.Fatalf("CreateSermon failed: %v", err)
	}
	return sermon.ID
}

func mustCreateGroup(t *testing.T, svc *Service, title string) string {
	t.Helper()
	group, err := svc.CreateGroup(context.Background(), CreateGroupInput{Title: title})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	return group.ID
}

// assertBackReference checks the stored seriesId/seriesPosition pair; an empty
// seriesID expects both fields cleared.
func assertBackReference(t *testing.T, fs *fakeStore, typ store.ItemType, id, seriesID string, position int) {
	t.Helper()
	ref, err := fs.GetBackReference(context.Background(), typ, id)
	if err != nil {
		t.Fatalf("GetBackReference(%s %s) failed: %v", typ, id, err)
	}
	if seriesID == "" {
		if ref.SeriesID != nil || ref.SeriesPosition != nil {
			t.Fatalf("%s %s: expected cleared back-reference, got %v/%v", typ, id, deref(ref.SeriesID), derefInt(ref.SeriesPosition))
		}
		return
	}
	if ref.SeriesID == nil || *ref.SeriesID != seriesID || ref.SeriesPosition == nil || *ref.SeriesPosition != position {
		t.Fatalf("%s %s: expected %s@%d, got %v@%v", typ, id, seriesID, position, deref(ref.SeriesID), derefInt(ref.SeriesPosition))
	}
}

func deref(value *string) string {
	if value == nil {
		return "<nil>"
	}
	return *value
}

func derefInt(value *int) string {
	if value == nil {
		return "<nil>"
	}
	return fmt.Sprint(*value)
}

func seriesRefs(t *testing.T, svc *Service, seriesID string) []string {
	t.Helper()
	view, err := svc.GetSeries(context.Background(), seriesID)
	if err != nil {
		t.Fatalf("GetSeries failed: %v", err)
	}
	refs := make([]string, 0, len(view.Members))
	for _, m := range view.Members {
		refs = append(refs, m.RefID)
	}
	return refs
}

func intPtr(v int) *int { return &v }

func mustSetup(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
}

func TestWriterRegistryCoversEveryItemType(t *testing.T) {
	svc, _ := setupService(t)
	for _, typ := range store.ItemTypes {
		if _, err := svc.writerFor(typ); err != nil {
			t.Errorf("item type %s has no back-reference writer: %v", typ, err)
		}
	}
	if _, err := svc.writerFor(store.ItemType("note")); !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown type, got %v", err)
	}
}

func TestAddSermonAtFrontRenumbersMembers(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	seriesID := mustCreateSeries(t, svc, "Romans")
	itemY := mustCreateSermon(t, svc, "Y")
	itemZ := mustCreateGroup(t, svc, "Z")
	sermonX := mustCreateSermon(t, svc, "X")

	if err := svc.AddSermonToSeries(ctx, seriesID, itemY, nil); err != nil {
		t.Fatalf("AddSermonToSeries failed: %v", err)
	}
	if err := svc.AddGroupToSeries(ctx, seriesID, itemZ, nil); err != nil {
		t.Fatalf("AddGroupToSeries failed: %v", err)
	}
	if err := svc.AddSermonToSeries(ctx, seriesID, sermonX, intPtr(1)); err != nil {
		t.Fatalf("AddSermonToSeries failed: %v", err)
	}

	assertBackReference(t, fs, store.ItemSermon, sermonX, seriesID, 1)
	assertBackReference(t, fs, store.ItemSermon, itemY, seriesID, 2)
	assertBackReference(t, fs, store.ItemGroup, itemZ, seriesID, 3)

	view, _ := svc.GetSeries(ctx, seriesID)
	for i, item := range view.Items {
		if item.Position != i+1 {
			t.Fatalf("item %d stored at position %d", i, item.Position)
		}
	}
}

func TestRemoveRenumbersRemainingMembers(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	seriesID := mustCreateSeries(t, svc, "John")
	a := mustCreateSermon(t, svc, "A")
	b := mustCreateSermon(t, svc, "B")
	c := mustCreateSermon(t, svc, "C")
	for _, id := range []string{a, b, c} {
		if err := svc.AddSermonToSeries(ctx, seriesID, id, nil); err != nil {
			t.Fatalf("AddSermonToSeries failed: %v", err)
		}
	}

	if err := svc.RemoveSermonFromSeries(ctx, seriesID, b); err != nil {
		t.Fatalf("RemoveSermonFromSeries failed: %v", err)
	}

	assertBackReference(t, fs, store.ItemSermon, a, seriesID, 1)
	assertBackReference(t, fs, store.ItemSermon, b, "", 0)
	assertBackReference(t, fs, store.ItemSermon, c, seriesID, 2)

	view, _ := svc.GetSeries(ctx, seriesID)
	if len(view.Items) != 2 || view.Items[1].Position != 2 {
		t.Fatalf("expected stored positions renumbered, got %+v", view.Items)
	}
}

func TestRemoveSeriesItemOfDeletedEntity(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	seriesID := mustCreateSeries(t, svc, "Acts")
	groupID := mustCreateGroup(t, svc, "G")
	mustSetup(t, svc.AddGroupToSeries(ctx, seriesID, groupID, nil))
	// Delete the document behind the series' back.
	if err := fs.Store.DeleteGroup(ctx, groupID); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}

	view, _ := svc.GetSeries(ctx, seriesID)
	if err := svc.RemoveSeriesItem(ctx, seriesID, view.Items[0].ID); err != nil {
		t.Fatalf("RemoveSeriesItem should tolerate a missing entity: %v", err)
	}
	if refs := seriesRefs(t, svc, seriesID); len(refs) != 0 {
		t.Fatalf("expected empty series, got %v", refs)
	}
}

func seedLegacySeries(t *testing.T, fs *fakeStore, seriesID string, sermonIDs ...string) {
	t.Helper()
	doc := map[string]any{"id": seriesID, "title": "Legacy", "sermonIds": sermonIDs}
	if err := fs.docs.Set(context.Background(), store.CollectionSeries, seriesID, doc); err != nil {
		t.Fatalf("seed legacy series: %v", err)
	}
}

func TestLegacySeriesSyncAndSeeding(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	s1 := mustCreateSermon(t, svc, "S1")
	s2 := mustCreateSermon(t, svc, "S2")
	s3 := mustCreateSermon(t, svc, "S3")
	seedLegacySeries(t, fs, "ser_legacy", s1, s2, s3)

	if err := svc.SyncSeriesPositions(ctx, "ser_legacy"); err != nil {
		t.Fatalf("SyncSeriesPositions failed: %v", err)
	}
	assertBackReference(t, fs, store.ItemSermon, s1, "ser_legacy", 1)
	assertBackReference(t, fs, store.ItemSermon, s2, "ser_legacy", 2)
	assertBackReference(t, fs, store.ItemSermon, s3, "ser_legacy", 3)

	g := mustCreateGroup(t, svc, "G")
	if err := svc.AddGroupToSeries(ctx, "ser_legacy", g, intPtr(2)); err != nil {
		t.Fatalf("AddGroupToSeries failed: %v", err)
	}
	if want := []string{s1, g, s2, s3}; !reflect.DeepEqual(seriesRefs(t, svc, "ser_legacy"), want) {
		t.Fatalf("expected %v, got %v", want, seriesRefs(t, svc, "ser_legacy"))
	}
	assertBackReference(t, fs, store.ItemSermon, s1, "ser_legacy", 1)
	assertBackReference(t, fs, store.ItemGroup, g, "ser_legacy", 2)
	assertBackReference(t, fs, store.ItemSermon, s2, "ser_legacy", 3)
	assertBackReference(t, fs, store.ItemSermon, s3, "ser_legacy", 4)
}

type recordedWrite struct {
	seriesID string
	position int
}

func TestSyncIsIdempotent(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	seriesID := mustCreateSeries(t, svc, "Psalms")
	for i := 0; i < 3; i++ {
		mustSetup(t, svc.AddSermonToSeries(ctx, seriesID, mustCreateSermon(t, svc, fmt.Sprintf("S%d", i)), nil))
		mustSetup(t, svc.AddGroupToSeries(ctx, seriesID, mustCreateGroup(t, svc, fmt.Sprintf("G%d", i)), intPtr(1)))
	}

	var mu sync.Mutex
	var writes map[string]recordedWrite
	record := func(id string, seriesID *string, position *int) {
		mu.Lock()
		defer mu.Unlock()
		writes[id] = recordedWrite{seriesID: *seriesID, position: *position}
	}
	fs.updateSermonSeriesInfoFn = func(ctx context.Context, id string, seriesID *string, position *int) error {
		record(id, seriesID, position)
		return fs.Store.UpdateSermonSeriesInfo(ctx, id, seriesID, position)
	}
	fs.updateGroupSeriesInfoFn = func(ctx context.Context, id string, seriesID *string, position *int) error {
		record(id, seriesID, position)
		return fs.Store.UpdateGroupSeriesInfo(ctx, id, seriesID, position)
	}

	writes = map[string]recordedWrite{}
	if err := svc.SyncSeriesPositions(ctx, seriesID); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	first := writes

	writes = map[string]recordedWrite{}
	if err := svc.SyncSeriesPositions(ctx, seriesID); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if len(first) != 6 || !reflect.DeepEqual(first, writes) {
		t.Fatalf("syncs differ:\nfirst  %v\nsecond %v", first, writes)
	}

	seen := map[int]bool{}
	for _, w := range writes {
		seen[w.position] = true
	}
	for position := 1; position <= 6; position++ {
		if !seen[position] {
			t.Fatalf("position %d missing from %v", position, writes)
		}
	}
}

func TestSyncReportsPartialFailure(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	seriesID := mustCreateSeries(t, svc, "Job")
	s1 := mustCreateSermon(t, svc, "S1")
	g1 := mustCreateGroup(t, svc, "G1")
	s2 := mustCreateSermon(t, svc, "S2")
	for _, add := range []func() error{
		func() error { return svc.AddSermonToSeries(ctx, seriesID, s1, nil) },
		func() error { return svc.AddGroupToSeries(ctx, seriesID, g1, nil) },
		func() error { return svc.AddSermonToSeries(ctx, seriesID, s2, nil) },
	} {
		if err := add(); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	// Clear s2 so the sync has visible work to do after the failure.
	mustSetup(t, fs.Store.UpdateSermonSeriesInfo(ctx, s2, nil, nil))

	writeErr := errors.New("store unavailable")
	fs.updateGroupSeriesInfoFn = func(context.Context, string, *string, *int) error {
		return writeErr
	}

	err := svc.SyncSeriesPositions(ctx, seriesID)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected *SyncError, got %v", err)
	}
	if syncErr.Failed != 1 || syncErr.Total != 3 || !errors.Is(err, writeErr) {
		t.Fatalf("unexpected sync error %+v", syncErr)
	}
	// Successful writes are kept.
	assertBackReference(t, fs, store.ItemSermon, s2, seriesID, 3)

	fs.updateGroupSeriesInfoFn = nil
	if err := svc.SyncSeriesPositions(ctx, seriesID); err != nil {
		t.Fatalf("rerun should converge, got %v", err)
	}
	assertBackReference(t, fs, store.ItemGroup, g1, seriesID, 2)
}

func TestAddMemberValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	first := mustCreateSeries(t, svc, "First")
	second := mustCreateSeries(t, svc, "Second")
	sermonID := mustCreateSermon(t, svc, "Shared")
	if err := svc.AddSermonToSeries(ctx, first, sermonID, nil); err != nil {
		t.Fatalf("AddSermonToSeries failed: %v", err)
	}

	err := svc.AddSermonToSeries(ctx, second, sermonID, nil)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "ALREADY_IN_SERIES" {
		t.Fatalf("expected ALREADY_IN_SERIES, got %v", err)
	}

	if err := svc.AddSermonToSeries(ctx, first, sermonID, nil); !errors.Is(err, store.ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
	if err := svc.AddSermonToSeries(ctx, first, "srm_missing", nil); !errors.Is(err, store.ErrSermonNotFound) {
		t.Fatalf("expected ErrSermonNotFound, got %v", err)
	}
	if err := svc.AddSeriesItem(ctx, first, "note", sermonID, nil); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad type, got %v", err)
	}
	if err := svc.AddSeriesItem(ctx, first, "group", " ", nil); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing refId, got %v", err)
	}
}

func TestConcurrentAddsBothLand(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	seriesID := mustCreateSeries(t, svc, "Luke")
	g1 := mustCreateGroup(t, svc, "G1")
	g2 := mustCreateGroup(t, svc, "G2")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, groupID := range []string{g1, g2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = svc.AddGroupToSeries(ctx, seriesID, groupID, nil)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("concurrent add failed: %v", err)
		}
	}

	refs := seriesRefs(t, svc, seriesID)
	if len(refs) != 2 {
		t.Fatalf("expected both groups in the series, got %v", refs)
	}
	if err := svc.SyncSeriesPositions(ctx, seriesID); err != nil {
		t.Fatalf("SyncSeriesPositions failed: %v", err)
	}
	assertBackReference(t, fs, store.ItemGroup, refs[0], seriesID, 1)
	assertBackReference(t, fs, store.ItemGroup, refs[1], seriesID, 2)
}

func TestResyncClearsStaleBackReferences(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	seriesID := mustCreateSeries(t, svc, "Genesis")
	member := mustCreateSermon(t, svc, "Member")
	stray := mustCreateGroup(t, svc, "Stray")
	mustSetup(t, svc.AddSermonToSeries(ctx, seriesID, member, nil))
	mustSetup(t, fs.Store.UpdateGroupSeriesInfo(ctx, stray, &seriesID, intPtr(9)))
	mustSetup(t, fs.Store.UpdateSermonSeriesInfo(ctx, member, &seriesID, intPtr(5)))

	result, err := svc.Resync(ctx, seriesID)
	if err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if result.Members != 1 || result.Cleared != 1 {
		t.Fatalf("unexpected resync result %+v", result)
	}
	assertBackReference(t, fs, store.ItemSermon, member, seriesID, 1)
	assertBackReference(t, fs, store.ItemGroup, stray, "", 0)

	if _, err := svc.Resync(ctx, "ser_missing"); !errors.Is(err, store.ErrSeriesNotFound) {
		t.Fatalf("expected ErrSeriesNotFound, got %v", err)
	}
}

func TestReorderSyncsPositions(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	seriesID := mustCreateSeries(t, svc, "Mark")
	s1 := mustCreateSermon(t, svc, "S1")
	g1 := mustCreateGroup(t, svc, "G1")
	s2 := mustCreateSermon(t, svc, "S2")
	mustSetup(t, svc.AddSermonToSeries(ctx, seriesID, s1, nil))
	mustSetup(t, svc.AddGroupToSeries(ctx, seriesID, g1, nil))
	mustSetup(t, svc.AddSermonToSeries(ctx, seriesID, s2, nil))

	if err := svc.ReorderSermonsInSeries(ctx, seriesID, []string{s2, s1}); err != nil {
		t.Fatalf("ReorderSermonsInSeries failed: %v", err)
	}
	assertBackReference(t, fs, store.ItemSermon, s2, seriesID, 1)
	assertBackReference(t, fs, store.ItemGroup, g1, seriesID, 2)
	assertBackReference(t, fs, store.ItemSermon, s1, seriesID, 3)

	view, _ := svc.GetSeries(ctx, seriesID)
	order := []string{view.Items[2].ID, view.Items[0].ID, view.Items[1].ID}
	if err := svc.ReorderSeriesItems(ctx, seriesID, order); err != nil {
		t.Fatalf("ReorderSeriesItems failed: %v", err)
	}
	assertBackReference(t, fs, store.ItemSermon, s1, seriesID, 1)
	assertBackReference(t, fs, store.ItemSermon, s2, seriesID, 2)
	assertBackReference(t, fs, store.ItemGroup, g1, seriesID, 3)

	if err := svc.ReorderGroupsInSeries(ctx, seriesID, nil); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty order, got %v", err)
	}
}

// seedDrainedLegacySeries moves a legacy series holding sermonID onto items, empties it
// and then puts sermonID into a second series. It returns that second series.
func seedDrainedLegacySeries(t *testing.T, svc *Service, fs *fakeStore, seriesID, sermonID string) string {
	t.Helper()
	ctx := context.Background()
	seedLegacySeries(t, fs, seriesID, sermonID)
	mustSetup(t, svc.SyncSeriesPositions(ctx, seriesID))

	groupID := mustCreateGroup(t, svc, "Bridge")
	mustSetup(t, svc.AddGroupToSeries(ctx, seriesID, groupID, nil))
	mustSetup(t, svc.RemoveSermonFromSeries(ctx, seriesID, sermonID))

	other := mustCreateSeries(t, svc, "Other")
	mustSetup(t, svc.AddSermonToSeries(ctx, other, sermonID, nil))
	mustSetup(t, svc.RemoveGroupFromSeries(ctx, seriesID, groupID))
	return other
}

func TestDrainedLegacySeriesStaysEmpty(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	sermonID := mustCreateSermon(t, svc, "Moved")
	other := seedDrainedLegacySeries(t, svc, fs, "ser_legacy", sermonID)

	if refs := seriesRefs(t, svc, "ser_legacy"); len(refs) != 0 {
		t.Fatalf("expected the drained series to be empty, got %v", refs)
	}
	assertBackReference(t, fs, store.ItemSermon, sermonID, other, 1)

	if err := svc.SyncSeriesPositions(ctx, "ser_legacy"); err != nil {
		t.Fatalf("SyncSeriesPositions failed: %v", err)
	}
	result, err := svc.Resync(ctx, "ser_legacy")
	if err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if result.Members != 0 || result.Cleared != 0 {
		t.Fatalf("expected nothing to sync or clear, got %+v", result)
	}
	assertBackReference(t, fs, store.ItemSermon, sermonID, other, 1)

	if err := svc.AddSermonToSeries(ctx, "ser_legacy", sermonID, nil); err == nil {
		t.Fatal("a sermon that moved away must not be re-added while it belongs to another series")
	}
}

func TestDeleteDrainedLegacySeriesLeavesMovedSermon(t *testing.T) {
	svc, fs := setupService(t)
	ctx := context.Background()
	sermonID := mustCreateSermon(t, svc, "Moved")
	other := seedDrainedLegacySeries(t, svc, fs, "ser_legacy", sermonID)

	if err := svc.DeleteSeries(ctx, "ser_legacy"); err != nil {
		t.Fatalf("DeleteSeries failed: %v", err)
	}
	assertBackReference(t, fs, store.ItemSermon, sermonID, other, 1)
	if refs := seriesRefs(t, svc, other); !reflect.DeepEqual(refs, []string{sermonID}) {
		t.Fatalf("expected %s to stay in %s, got %v", sermonID, other, refs)
	}
}
