package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fieldsync/models"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Collection names of the remote schema.
const (
	colVerifications = "verifications"
	colRecords       = "records"
	colAttributes    = "record_attributes"
	colCounters      = "counters"
	colIdempotency   = "idempotency_keys"
)

var catalogCollections = map[models.Variant]string{
	models.VariantProject:      "projects",
	models.VariantFront:        "fronts",
	models.VariantLocality:     "localities",
	models.VariantSectorDetail: "sector_details",
	models.VariantActivity:     "activities",
}

// CatalogCollection returns the Firestore collection holding variant v.
func CatalogCollection(v models.Variant) string {
	return catalogCollections[v]
}

// NewFirebaseApp initializes the Firebase app shared by Firestore and auth.
func NewFirebaseApp(ctx context.Context, projectID, credentialsPath string) (*firebase.App, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}
	return app, nil
}

// FirestoreDB implements Backend on Firestore, with payloads kept in an
// ObjectStore. Integer ids come from counter documents so records keep
// the numeric identity the catalog and UI use.
type FirestoreDB struct {
	client  *firestore.Client
	objects ObjectStore
	logger  *zap.Logger
}

// NewFirestoreDB opens the Firestore client of app.
func NewFirestoreDB(ctx context.Context, app *firebase.App, objects ObjectStore, logger *zap.Logger) (*FirestoreDB, error) {
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firestore client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("firestore")
	logger.Info("connected to Firestore")

	return &FirestoreDB{client: client, objects: objects, logger: logger}, nil
}

// Client exposes the underlying Firestore client.
func (db *FirestoreDB) Client() *firestore.Client {
	return db.client
}

// Close closes the Firestore client and the object store when it owns one.
func (db *FirestoreDB) Close() error {
	err := db.client.Close()
	if c, ok := db.objects.(interface{ Close() error }); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// --- Catalog ---

// FetchCatalog reads the five catalog collections in parallel, each
// ordered by name.
func (db *FirestoreDB) FetchCatalog(ctx context.Context) (models.CatalogSnapshot, error) {
	results := make([][]models.CatalogEntity, len(models.Variants))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range models.Variants {
		g.Go(func() error {
			entities, err := db.fetchVariant(gctx, v)
			if err != nil {
				return err
			}
			results[i] = entities
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.CatalogSnapshot{}, err
	}

	snap := models.CatalogSnapshot{FetchedAt: time.Now()}
	for i, v := range models.Variants {
		snap.SetCollection(v, results[i])
	}
	return snap, nil
}

func (db *FirestoreDB) fetchVariant(ctx context.Context, v models.Variant) ([]models.CatalogEntity, error) {
	iter := db.client.Collection(catalogCollections[v]).OrderBy("name", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	entities := []models.CatalogEntity{}
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate %s: %w", catalogCollections[v], err)
		}

		var e models.CatalogEntity
		if err := doc.DataTo(&e); err != nil {
			db.logger.Warn("skipping unparsable catalog document",
				zap.String("collection", catalogCollections[v]), zap.String("doc", doc.Ref.ID), zap.Error(err))
			continue
		}
		e.Variant = v
		entities = append(entities, e)
	}
	return entities, nil
}

// SeedCatalog writes snap into the catalog collections, keyed by id.
// Existing documents with the same ids are overwritten.
func (db *FirestoreDB) SeedCatalog(ctx context.Context, snap models.CatalogSnapshot) (int, error) {
	if err := snap.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	bw := db.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for _, v := range models.Variants {
		for _, e := range snap.Collection(v) {
			job, err := bw.Set(db.client.Collection(catalogCollections[v]).Doc(docID(e.ID)), e)
			if err != nil {
				bw.End()
				return 0, fmt.Errorf("failed to queue %s %d: %w", v, e.ID, err)
			}
			jobs = append(jobs, job)
		}
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return 0, fmt.Errorf("failed to seed catalog: %w", err)
		}
	}
	return len(jobs), nil
}

// --- Objects ---

func (db *FirestoreDB) Upload(ctx context.Context, bucket, path string, data []byte, contentType string, overwrite bool) (string, error) {
	return db.objects.Upload(ctx, bucket, path, data, contentType, overwrite)
}

func (db *FirestoreDB) RemoveObject(ctx context.Context, bucket, path string) error {
	return db.objects.RemoveObject(ctx, bucket, path)
}

// --- Records ---

type verificationDoc struct {
	ID             int64              `firestore:"id"`
	SectorDetailID int64              `firestore:"sector_detail_id"`
	Coordinates    models.Coordinates `firestore:"coordinates"`
	CreatedAt      time.Time          `firestore:"created_at"`
	IdempotencyKey string             `firestore:"idempotency_key,omitempty"`
}

type idempotencyDoc struct {
	Kind string `firestore:"kind"`
	Key  string `firestore:"key"`
	ID   int64  `firestore:"id"`
}

type attributeDoc struct {
	RecordID   int64  `firestore:"record_id"`
	PropertyID int64  `firestore:"property_id"`
	Value      string `firestore:"value"`
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// idempotencyRef maps kind+key to a stable document; object paths contain
// slashes, which document ids may not.
func (db *FirestoreDB) idempotencyRef(kind, key string) *firestore.DocumentRef {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(kind+":"+key))
	return db.client.Collection(colIdempotency).Doc(id.String())
}

// lookupKey returns the id recorded for kind+key inside tx, or 0.
func lookupKey(tx *firestore.Transaction, ref *firestore.DocumentRef) (int64, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var doc idempotencyDoc
	if err := snap.DataTo(&doc); err != nil {
		return 0, err
	}
	return doc.ID, nil
}

// readCounter returns the next id of the named counter inside tx.
func (db *FirestoreDB) readCounter(tx *firestore.Transaction, name string) (*firestore.DocumentRef, int64, error) {
	ref := db.client.Collection(colCounters).Doc(name)
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return ref, 1, nil
	}
	if err != nil {
		return nil, 0, err
	}
	last, err := snap.DataAt("last")
	if err != nil {
		return nil, 0, err
	}
	n, ok := last.(int64)
	if !ok {
		return nil, 0, fmt.Errorf("counter %s is not an integer", name)
	}
	return ref, n + 1, nil
}

// CreateVerification records a verification. A repeated idempotency key
// returns the id created by the first call.
func (db *FirestoreDB) CreateVerification(ctx context.Context, in models.VerificationInput) (int64, error) {
	if in.SectorDetailID <= 0 {
		return 0, fmt.Errorf("%w: sector detail id %d", ErrInvalid, in.SectorDetailID)
	}

	var id int64
	err := db.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var keyRef *firestore.DocumentRef
		if in.IdempotencyKey != "" {
			keyRef = db.idempotencyRef(colVerifications, in.IdempotencyKey)
			existing, err := lookupKey(tx, keyRef)
			if err != nil {
				return err
			}
			if existing != 0 {
				id = existing
				return nil
			}
		}
		counterRef, next, err := db.readCounter(tx, colVerifications)
		if err != nil {
			return err
		}

		id = next
		if err := tx.Set(counterRef, map[string]interface{}{"last": next}); err != nil {
			return err
		}
		if err := tx.Set(db.client.Collection(colVerifications).Doc(docID(id)), verificationDoc{
			ID:             id,
			SectorDetailID: in.SectorDetailID,
			Coordinates:    in.Coordinates,
			CreatedAt:      time.Now(),
			IdempotencyKey: in.IdempotencyKey,
		}); err != nil {
			return err
		}
		if keyRef != nil {
			return tx.Set(keyRef, idempotencyDoc{Kind: colVerifications, Key: in.IdempotencyKey, ID: id})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create verification: %w", err)
	}
	return id, nil
}

// CreateRegistryRecord creates the user-facing record, denormalizing the
// ancestor names of the verified sector detail.
func (db *FirestoreDB) CreateRegistryRecord(ctx context.Context, in models.RegistryInput) (int64, error) {
	var id int64
	err := db.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// Firestore transactions need every read before the first write.
		var keyRef *firestore.DocumentRef
		if in.IdempotencyKey != "" {
			keyRef = db.idempotencyRef(colRecords, in.IdempotencyKey)
			existing, err := lookupKey(tx, keyRef)
			if err != nil {
				return err
			}
			if existing != 0 {
				id = existing
				return nil
			}
		}

		vsnap, err := tx.Get(db.client.Collection(colVerifications).Doc(docID(in.VerificationID)))
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: verification %d", ErrNotFound, in.VerificationID)
		}
		if err != nil {
			return err
		}
		var v verificationDoc
		if err := vsnap.DataTo(&v); err != nil {
			return err
		}

		rec := models.RemoteRecord{
			UploadedAt:     time.Now(),
			UserID:         in.UserID,
			VerificationID: v.ID,
			SectorDetailID: v.SectorDetailID,
			FileName:       in.FileName,
			URL:            in.URL,
			Path:           in.Path,
			Bucket:         in.Bucket,
			Comment:        in.Comment,
			IdempotencyKey: in.IdempotencyKey,
		}
		if !v.Coordinates.IsZero() {
			c := v.Coordinates
			rec.Coordinates = &c
		}
		if err := db.denormalize(tx, &rec); err != nil {
			return err
		}

		counterRef, next, err := db.readCounter(tx, colRecords)
		if err != nil {
			return err
		}
		id = next
		rec.ID = next

		if err := tx.Set(counterRef, map[string]interface{}{"last": next}); err != nil {
			return err
		}
		if err := tx.Set(db.client.Collection(colRecords).Doc(docID(id)), rec); err != nil {
			return err
		}
		if keyRef != nil {
			return tx.Set(keyRef, idempotencyDoc{Kind: colRecords, Key: in.IdempotencyKey, ID: id})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create registry record: %w", err)
	}
	return id, nil
}

// denormalize walks detail → locality → front → project inside tx. Missing
// ancestors leave their names empty.
func (db *FirestoreDB) denormalize(tx *firestore.Transaction, rec *models.RemoteRecord) error {
	get := func(v models.Variant, id int64) (*models.CatalogEntity, error) {
		if id == 0 {
			return nil, nil
		}
		snap, err := tx.Get(db.client.Collection(catalogCollections[v]).Doc(docID(id)))
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var e models.CatalogEntity
		if err := snap.DataTo(&e); err != nil {
			return nil, err
		}
		return &e, nil
	}

	detail, err := get(models.VariantSectorDetail, rec.SectorDetailID)
	if err != nil || detail == nil {
		return err
	}
	rec.DetailName = detail.Name
	rec.Quantity = detail.Quantity
	activity, err := get(models.VariantActivity, detail.ActivityID)
	if err != nil {
		return err
	}
	if activity != nil {
		rec.ActivityName = activity.Name
	}

	locality, err := get(models.VariantLocality, detail.ParentID)
	if err != nil || locality == nil {
		return err
	}
	rec.LocalityName = locality.Name
	front, err := get(models.VariantFront, locality.ParentID)
	if err != nil || front == nil {
		return err
	}
	rec.FrontName = front.Name
	project, err := get(models.VariantProject, front.ParentID)
	if err != nil || project == nil {
		return err
	}
	rec.ProjectName = project.Name
	return nil
}

// InsertAttribute attaches a dynamic property to a record. The document is
// keyed by record and property, so a replayed submission overwrites it.
func (db *FirestoreDB) InsertAttribute(ctx context.Context, recordID int64, attr models.Attribute) error {
	ref := db.client.Collection(colAttributes).Doc(fmt.Sprintf("%d_%d", recordID, attr.PropertyID))
	_, err := ref.Set(ctx, attributeDoc{
		RecordID:   recordID,
		PropertyID: attr.PropertyID,
		Value:      attr.Value,
	})
	if err != nil {
		return fmt.Errorf("failed to insert attribute: %w", err)
	}
	return nil
}

// ListUserHistory retrieves a user's records, newest first.
func (db *FirestoreDB) ListUserHistory(ctx context.Context, userID string) ([]models.RemoteRecord, error) {
	return db.listRecords(ctx, db.client.Collection(colRecords).Where("user_id", "==", userID))
}

// ListDetailHistory retrieves the records of one sector detail, newest first.
func (db *FirestoreDB) ListDetailHistory(ctx context.Context, sectorDetailID int64) ([]models.RemoteRecord, error) {
	return db.listRecords(ctx, db.client.Collection(colRecords).Where("sector_detail_id", "==", sectorDetailID))
}

func (db *FirestoreDB) listRecords(ctx context.Context, q firestore.Query) ([]models.RemoteRecord, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	records := []models.RemoteRecord{}
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate records: %w", err)
		}

		var rec models.RemoteRecord
		if err := doc.DataTo(&rec); err != nil {
			db.logger.Warn("skipping unparsable record", zap.String("doc", doc.Ref.ID), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	// Sorted here so the equality filters need no composite index.
	sortNewestFirst(records)
	return records, nil
}

// GetRecord retrieves a record by id.
func (db *FirestoreDB) GetRecord(ctx context.Context, recordID int64) (models.RemoteRecord, error) {
	doc, err := db.client.Collection(colRecords).Doc(docID(recordID)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return models.RemoteRecord{}, fmt.Errorf("%w: record %d", ErrNotFound, recordID)
	}
	if err != nil {
		return models.RemoteRecord{}, fmt.Errorf("failed to get record: %w", err)
	}

	var rec models.RemoteRecord
	if err := doc.DataTo(&rec); err != nil {
		return models.RemoteRecord{}, fmt.Errorf("failed to parse record: %w", err)
	}
	return rec, nil
}

// UpdateRecord changes the comment and, when given, the photo of a record.
func (db *FirestoreDB) UpdateRecord(ctx context.Context, recordID int64, update models.RecordUpdate) error {
	updates := []firestore.Update{{Path: "comment", Value: update.Comment}}
	if update.ReplacesPhoto() {
		updates = append(updates,
			firestore.Update{Path: "url", Value: update.URL},
			firestore.Update{Path: "path", Value: update.Path},
			firestore.Update{Path: "file_name", Value: update.FileName},
		)
	}

	_, err := db.client.Collection(colRecords).Doc(docID(recordID)).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: record %d", ErrNotFound, recordID)
	}
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return nil
}

// DeleteRecordCascade deletes a record with its attributes, its
// verification and their idempotency keys in one transaction.
func (db *FirestoreDB) DeleteRecordCascade(ctx context.Context, recordID int64) error {
	recRef := db.client.Collection(colRecords).Doc(docID(recordID))
	err := db.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(recRef)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: record %d", ErrNotFound, recordID)
		}
		if err != nil {
			return err
		}
		var rec models.RemoteRecord
		if err := snap.DataTo(&rec); err != nil {
			return err
		}

		verRef := db.client.Collection(colVerifications).Doc(docID(rec.VerificationID))
		var ver verificationDoc
		vsnap, err := tx.Get(verRef)
		switch {
		case status.Code(err) == codes.NotFound:
			verRef = nil
		case err != nil:
			return err
		default:
			if err := vsnap.DataTo(&ver); err != nil {
				return err
			}
		}

		attrs, err := tx.Documents(db.client.Collection(colAttributes).Where("record_id", "==", recordID)).GetAll()
		if err != nil {
			return err
		}

		for _, a := range attrs {
			if err := tx.Delete(a.Ref); err != nil {
				return err
			}
		}
		if rec.IdempotencyKey != "" {
			if err := tx.Delete(db.idempotencyRef(colRecords, rec.IdempotencyKey)); err != nil {
				return err
			}
		}
		if verRef != nil {
			if ver.IdempotencyKey != "" {
				if err := tx.Delete(db.idempotencyRef(colVerifications, ver.IdempotencyKey)); err != nil {
					return err
				}
			}
			if err := tx.Delete(verRef); err != nil {
				return err
			}
		}
		return tx.Delete(recRef)
	})
	if err != nil {
		return fmt.Errorf("failed to delete record %d: %w", recordID, err)
	}
	return nil
}
