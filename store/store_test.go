package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fieldsync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "fieldsync.db")
	}
	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.InitSchema(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func float(v float64) *float64 { return &v }

func sampleSnapshot(gen int) models.CatalogSnapshot {
	tag := func(name string) string { return fmt.Sprintf("%s-%d", name, gen) }
	return models.CatalogSnapshot{
		Projects: []models.CatalogEntity{
			{ID: 1, Name: tag("Tacna")},
			{ID: 2, Name: tag("Arequipa")},
		},
		Fronts: []models.CatalogEntity{
			{ID: 10, ParentID: 1, Name: tag("Norte")},
			{ID: 11, ParentID: 1, Name: tag("Centro")},
			{ID: 12, ParentID: 99, Name: tag("Huerfano")},
		},
		Localities: []models.CatalogEntity{
			{ID: 100, ParentID: 10, Name: tag("Ciudad Nueva")},
		},
		SectorDetails: []models.CatalogEntity{
			{ID: 42, ParentID: 100, ActivityID: 7, Name: tag("Poste EX-02"), Location: &models.Coordinates{Latitude: -18.01, Longitude: -70.25}, Quantity: float(3)},
			{ID: 43, ParentID: 100, ActivityID: 8, Name: tag("Poste EX-01")},
			{ID: 44, ParentID: 100, ActivityID: 404, Name: tag("Poste sin armado")},
		},
		Activities: []models.CatalogEntity{
			{ID: 7, Name: "Armado A", Category: "MT"},
			{ID: 8, Name: "Armado B"},
		},
	}
}

func TestCatalogReplaceAndQuery(t *testing.T) {
	ctx := context.Background()
	cache := NewCatalogCache(openTestStore(t, ""))

	assert.True(t, cache.LastRefreshed(ctx).IsZero())

	snap := sampleSnapshot(1)
	snap.FetchedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, cache.ReplaceAll(ctx, snap))

	projects, err := cache.Query(ctx, models.VariantProject, nil)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "Arequipa-1", projects[0].Name, "ordered by name")
	assert.Equal(t, models.VariantProject, projects[0].Variant)

	parent := int64(1)
	fronts, err := cache.Query(ctx, models.VariantFront, &parent)
	require.NoError(t, err)
	require.Len(t, fronts, 2)
	assert.Equal(t, []string{"Centro-1", "Norte-1"}, []string{fronts[0].Name, fronts[1].Name})

	all, err := cache.Query(ctx, models.VariantFront, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2, "orphaned front is hidden")

	orphan, err := cache.Get(ctx, models.VariantFront, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(99), orphan.ParentID)

	detail, err := cache.Get(ctx, models.VariantSectorDetail, 42)
	require.NoError(t, err)
	assert.Equal(t, "Armado A", detail.ActivityName)
	require.NotNil(t, detail.Location)
	assert.InDelta(t, -18.01, detail.Location.Latitude, 1e-9)
	require.NotNil(t, detail.Quantity)
	assert.Equal(t, 3.0, *detail.Quantity)

	missingActivity, err := cache.Get(ctx, models.VariantSectorDetail, 44)
	require.NoError(t, err)
	assert.Empty(t, missingActivity.ActivityName)

	activity, err := cache.Get(ctx, models.VariantActivity, 7)
	require.NoError(t, err)
	assert.Equal(t, "MT", activity.Category)

	_, err = cache.Get(ctx, models.VariantProject, 555)
	assert.ErrorIs(t, err, ErrNotFound)

	roots, err := cache.Query(ctx, models.VariantActivity, &parent)
	require.NoError(t, err)
	assert.Empty(t, roots)

	assert.True(t, cache.LastRefreshed(ctx).Equal(snap.FetchedAt))
}

func TestCatalogReplaceRemovesStaleEntities(t *testing.T) {
	ctx := context.Background()
	cache := NewCatalogCache(openTestStore(t, ""))
	require.NoError(t, cache.ReplaceAll(ctx, sampleSnapshot(1)))

	next := sampleSnapshot(2)
	next.Projects = next.Projects[:1]
	require.NoError(t, cache.ReplaceAll(ctx, next))

	projects, err := cache.Query(ctx, models.VariantProject, nil)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "Tacna-2", projects[0].Name)
}

func TestCatalogReplaceRejectsInvalidSnapshot(t *testing.T) {
	ctx := context.Background()
	cache := NewCatalogCache(openTestStore(t, ""))
	require.NoError(t, cache.ReplaceAll(ctx, sampleSnapshot(1)))

	bad := sampleSnapshot(2)
	bad.Fronts = append(bad.Fronts, models.CatalogEntity{ID: 10, ParentID: 1, Name: "dup"})
	require.Error(t, cache.ReplaceAll(ctx, bad))

	projects, err := cache.Query(ctx, models.VariantProject, nil)
	require.NoError(t, err)
	assert.Equal(t, "Arequipa-1", projects[0].Name, "previous snapshot intact")
}

func TestCatalogQueryOnClosedStoreReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "")
	cache := NewCatalogCache(s)
	require.NoError(t, cache.ReplaceAll(ctx, sampleSnapshot(1)))
	require.NoError(t, s.Close())

	entities, err := cache.Query(ctx, models.VariantProject, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotNil(t, entities)
	assert.Empty(t, entities)
}

func TestCatalogSearchDetails(t *testing.T) {
	ctx := context.Background()
	cache := NewCatalogCache(openTestStore(t, ""))
	require.NoError(t, cache.ReplaceAll(ctx, sampleSnapshot(1)))

	details, err := cache.SearchDetails(ctx, 100, "")
	require.NoError(t, err)
	require.Len(t, details, 3)
	assert.Equal(t, "", details[0].ActivityName, "grouped by activity name")
	assert.Equal(t, "Armado A", details[1].ActivityName)
	assert.Equal(t, "Armado B", details[2].ActivityName)

	details, err = cache.SearchDetails(ctx, 100, "ARMADO b")
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, int64(43), details[0].ID)
}

func TestCatalogSnapshotIsNeverMixed(t *testing.T) {
	ctx := context.Background()
	cache := NewCatalogCache(openTestStore(t, ""))
	require.NoError(t, cache.ReplaceAll(ctx, sampleSnapshot(0)))

	const generations = 20
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for gen := 1; gen <= generations; gen++ {
			assert.NoError(t, cache.ReplaceAll(ctx, sampleSnapshot(gen)))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap, err := cache.Snapshot(ctx)
				if !assert.NoError(t, err) {
					return
				}
				gens := map[string]struct{}{}
				for _, coll := range [][]models.CatalogEntity{snap.Projects, snap.Fronts, snap.Localities, snap.SectorDetails} {
					for _, e := range coll {
						gens[lastToken(e.Name)] = struct{}{}
					}
				}
				assert.Len(t, gens, 1, "snapshot mixes refreshes: %v", gens)
			}
		}()
	}
	wg.Wait()
}

func lastToken(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '-' {
			return name[i+1:]
		}
	}
	return name
}

func pendingFixture(userID, comment string) models.PendingSubmission {
	return models.PendingSubmission{
		Payload:     []byte{0xff, 0xd8, 0xff, 0xe0},
		ContentType: "image/jpeg",
		Metadata: models.SubmissionMetadata{
			Bucket:           "field-evidence",
			Path:             "tacna/norte/ciudad_nueva/armado_a_42_" + comment + ".jpg",
			FileName:         "armado_a_42_" + comment + ".jpg",
			UserID:           userID,
			SectorDetailID:   42,
			ActivityID:       7,
			Coordinates:      models.Coordinates{Latitude: -18.01, Longitude: -70.25},
			CoordinateSource: models.CoordinatesGPS,
			Comment:          comment,
			Attribute:        &models.Attribute{PropertyID: 3, Value: "12 m"},
		},
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.InitSchema(ctx))
	sub := pendingFixture("u-1", "crack observed")
	id, err := NewPendingQueue(s).Enqueue(ctx, sub)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openTestStore(t, path)
	subs, err := NewPendingQueue(reopened).ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, id, subs[0].LocalID)
	assert.Equal(t, sub.Metadata, subs[0].Metadata)
	assert.Equal(t, sub.Payload, subs[0].Payload)
	assert.Equal(t, models.QueueStateQueued, subs[0].State)
	assert.False(t, subs[0].CreatedAt.IsZero())
}

func TestQueueOrderingAndRemoval(t *testing.T) {
	ctx := context.Background()
	q := NewPendingQueue(openTestStore(t, ""))

	var ids []int64
	for _, c := range []string{"a", "b", "c"} {
		id, err := q.Enqueue(ctx, pendingFixture("u-1", c))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	require.NoError(t, q.Remove(ctx, ids[1]))
	assert.ErrorIs(t, q.Remove(ctx, ids[1]), ErrNotFound)

	subs, err := q.ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "a", subs[0].Metadata.Comment)
	assert.Equal(t, "c", subs[1].Metadata.Comment)

	id, err := q.Enqueue(ctx, pendingFixture("u-1", "d"))
	require.NoError(t, err)
	assert.Greater(t, id, ids[2], "local ids are never reused")

	summaries, err := q.Summaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Nil(t, summaries[0].Payload)
}

func TestQueueRejectsEmptyPayload(t *testing.T) {
	q := NewPendingQueue(openTestStore(t, ""))
	sub := pendingFixture("u-1", "x")
	sub.Payload = nil
	_, err := q.Enqueue(context.Background(), sub)
	assert.Error(t, err)
}

func TestQueueFailureBookkeeping(t *testing.T) {
	ctx := context.Background()
	q := NewPendingQueue(openTestStore(t, ""))
	id, err := q.Enqueue(ctx, pendingFixture("u-1", "a"))
	require.NoError(t, err)

	attempts, err := q.RecordFailure(ctx, id, "network down", false)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	attempts, err = q.RecordFailure(ctx, id, "invalid sector", true)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	queued, rejected, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, queued)
	assert.Equal(t, 1, rejected)

	subs, err := q.ListQueued(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)

	sub, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStateRejected, sub.State)
	assert.Equal(t, "invalid sector", sub.LastError)

	require.NoError(t, q.Requeue(ctx, id))
	sub, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStateQueued, sub.State)
	assert.Zero(t, sub.Attempts)

	_, err = q.RecordFailure(ctx, 999, "x", false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, q.Requeue(ctx, 999), ErrNotFound)
	_, err = q.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordCache(t *testing.T) {
	ctx := context.Background()
	c := NewRecordCache(openTestStore(t, ""))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.ReplaceUser(ctx, "u-1", []models.RemoteRecord{
		{ID: 1, UserID: "u-1", SectorDetailID: 42, UploadedAt: base, Comment: "old"},
		{ID: 2, UserID: "u-1", SectorDetailID: 43, UploadedAt: base.Add(time.Hour), Comment: "new"},
	}))
	require.NoError(t, c.Upsert(ctx, models.RemoteRecord{ID: 3, UserID: "u-2", SectorDetailID: 42, UploadedAt: base.Add(2 * time.Hour)}))

	mine, err := c.ListByUser(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "new", mine[0].Comment, "newest first")

	byDetail, err := c.ListByDetail(ctx, 42)
	require.NoError(t, err)
	require.Len(t, byDetail, 2)
	assert.Equal(t, int64(3), byDetail[0].ID)

	require.NoError(t, c.ReplaceUser(ctx, "u-1", []models.RemoteRecord{
		{ID: 2, UserID: "u-1", SectorDetailID: 43, UploadedAt: base.Add(time.Hour), Comment: "edited"},
	}))
	mine, err = c.ListByUser(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "edited", mine[0].Comment)

	require.NoError(t, c.Delete(ctx, 2))
	require.NoError(t, c.Delete(ctx, 2))
	mine, err = c.ListByUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, mine)
}
