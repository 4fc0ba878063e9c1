package db

import (
	"context"
	"os"
	"testing"

	"fieldsync/models"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newEmulatorDB connects to the Firestore emulator when
// FIRESTORE_EMULATOR_HOST is set; each test gets its own project id.
func newEmulatorDB(t *testing.T) *FirestoreDB {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	client, err := firestore.NewClient(ctx, "fieldsync-test-"+uuid.NewString()[:8])
	require.NoError(t, err)
	db := &FirestoreDB{client: client, objects: NewMemoryBackend(), logger: zap.NewNop()}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedFirestore(t *testing.T, db *FirestoreDB, snap models.CatalogSnapshot) {
	t.Helper()
	n, err := db.SeedCatalog(context.Background(), snap)
	require.NoError(t, err)
	require.Positive(t, n)
}

func TestFirestoreCatalogAndRecords(t *testing.T) {
	db := newEmulatorDB(t)
	ctx := context.Background()
	seedFirestore(t, db, models.CatalogSnapshot{
		Projects:      []models.CatalogEntity{{ID: 2, Name: "Tacna"}, {ID: 1, Name: "Arequipa"}},
		Fronts:        []models.CatalogEntity{{ID: 10, ParentID: 2, Name: "Norte"}},
		Localities:    []models.CatalogEntity{{ID: 100, ParentID: 10, Name: "Ciudad Nueva"}},
		SectorDetails: []models.CatalogEntity{{ID: 42, ParentID: 100, ActivityID: 7, Name: "Poste 2"}},
		Activities:    []models.CatalogEntity{{ID: 7, Name: "Armado A"}},
	})

	snap, err := db.FetchCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Projects, 2)
	assert.Equal(t, "Arequipa", snap.Projects[0].Name)
	assert.Equal(t, models.VariantProject, snap.Projects[0].Variant)

	key := "tacna/norte/ciudad_nueva/armado_a_42_1.jpg"
	v1, err := db.CreateVerification(ctx, models.VerificationInput{SectorDetailID: 42, Coordinates: models.Coordinates{Latitude: -18, Longitude: -70}, IdempotencyKey: key})
	require.NoError(t, err)
	v2, err := db.CreateVerification(ctx, models.VerificationInput{SectorDetailID: 42, IdempotencyKey: key})
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	in := models.RegistryInput{FileName: "a.jpg", URL: "u", UserID: "u-1", VerificationID: v1, Comment: "crack observed", Path: key, Bucket: "b", IdempotencyKey: key}
	r1, err := db.CreateRegistryRecord(ctx, in)
	require.NoError(t, err)
	r2, err := db.CreateRegistryRecord(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)

	rec, err := db.GetRecord(ctx, r1)
	require.NoError(t, err)
	assert.Equal(t, "Tacna", rec.ProjectName)
	assert.Equal(t, "Armado A", rec.ActivityName)

	require.NoError(t, db.InsertAttribute(ctx, r1, models.Attribute{PropertyID: 3, Value: "12 m"}))
	require.NoError(t, db.InsertAttribute(ctx, r1, models.Attribute{PropertyID: 3, Value: "14 m"}))
	attrs, err := db.Client().Collection(colAttributes).Where("record_id", "==", r1).Documents(ctx).GetAll()
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, "14 m", attrs[0].Data()["value"])
	require.NoError(t, db.UpdateRecord(ctx, r1, models.RecordUpdate{Comment: "edited"}))

	history, err := db.ListUserHistory(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "edited", history[0].Comment)

	require.NoError(t, db.DeleteRecordCascade(ctx, r1))
	_, err = db.GetRecord(ctx, r1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteRecordCascade(ctx, r1), ErrNotFound)
}
