// Package repository is the single entry point the UI layer uses. It
// routes reads and writes to the local store or the remote backend
// depending on connectivity.
package repository

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"fieldsync/connectivity"
	"fieldsync/db"
	"fieldsync/logging"
	"fieldsync/models"
	"fieldsync/reconcile"
	"fieldsync/store"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrOffline is returned by operations that need the backend.
	ErrOffline = errors.New("operation requires connectivity")
	// ErrValidation wraps rejected user input.
	ErrValidation = errors.New("invalid input")
)

// Stores groups the local collections the repository reads and writes.
type Stores struct {
	Catalog *store.CatalogCache
	Queue   *store.PendingQueue
	Records *store.RecordCache
}

// Options configure a Repository.
type Options struct {
	Bucket string
	Sync   reconcile.Options
	Now    func() time.Time
}

// Repository works on behalf of one authenticated user. Close it on logout.
type Repository struct {
	user    models.User
	stores  Stores
	backend db.Backend
	oracle  connectivity.Oracle
	sync    *reconcile.Reconciler
	bucket  string
	now     func() time.Time
	logger  *zap.Logger
}

// New builds the repository of user and starts its reconciler.
func New(user models.User, stores Stores, backend db.Backend, oracle connectivity.Oracle, opts Options, logger *zap.Logger) (*Repository, error) {
	if user.UserID == "" {
		return nil, errors.New("repository needs an authenticated user")
	}
	if opts.Bucket == "" {
		return nil, errors.New("repository needs a storage bucket")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("repository").With(zap.String("user_id", user.UserID))

	r := &Repository{
		user:    user,
		stores:  stores,
		backend: backend,
		oracle:  oracle,
		sync:    reconcile.New(stores.Queue, backend, oracle, opts.Sync, logger),
		bucket:  opts.Bucket,
		now:     opts.Now,
		logger:  logger,
	}
	r.sync.Start()
	return r, nil
}

// Close stops scheduled drains. An item already in flight completes first.
func (r *Repository) Close() {
	r.sync.Stop()
}

// User returns the identity the repository works for.
func (r *Repository) User() models.User {
	return r.user
}

func (r *Repository) online() bool {
	return r.oracle.Status() == connectivity.Online
}

// --- Catalog ---

// CatalogView is a catalog read with an optional degradation warning.
type CatalogView struct {
	Entities    []models.CatalogEntity `json:"entities"`
	Warning     string                 `json:"warning,omitempty"`
	RefreshedAt time.Time              `json:"refreshed_at"`
}

// LoadCatalog reads one catalog level from the local cache. A failing
// cache yields an empty view with a warning instead of an error.
func (r *Repository) LoadCatalog(ctx context.Context, v models.Variant, parentID *int64) (CatalogView, error) {
	if !v.Valid() {
		return CatalogView{}, fmt.Errorf("%w: unknown catalog variant %q", ErrValidation, v)
	}
	entities, err := r.stores.Catalog.Query(ctx, v, parentID)
	return r.catalogView(ctx, entities, err), nil
}

// SearchDetails filters the sector details of a locality by text.
func (r *Repository) SearchDetails(ctx context.Context, localityID int64, q string) CatalogView {
	entities, err := r.stores.Catalog.SearchDetails(ctx, localityID, q)
	return r.catalogView(ctx, entities, err)
}

func (r *Repository) catalogView(ctx context.Context, entities []models.CatalogEntity, err error) CatalogView {
	view := CatalogView{Entities: entities, RefreshedAt: r.stores.Catalog.LastRefreshed(ctx)}
	if err != nil {
		r.logger.Warn("catalog unavailable", zap.Error(err))
		view.Entities = []models.CatalogEntity{}
		view.Warning = "local catalog unavailable"
	} else if view.RefreshedAt.IsZero() {
		view.Warning = "catalog not synchronized yet"
	}
	return view
}

// RefreshResult reports the outcome of a catalog refresh.
type RefreshResult struct {
	Refreshed bool           `json:"refreshed"`
	Offline   bool           `json:"offline"`
	Counts    map[string]int `json:"counts,omitempty"`
}

// RefreshCatalog pulls the full catalog and replaces the cache in one
// step. Offline it does nothing; on failure the previous cache stays.
func (r *Repository) RefreshCatalog(ctx context.Context) (RefreshResult, error) {
	if !r.online() {
		return RefreshResult{Offline: true}, nil
	}
	snap, err := r.backend.FetchCatalog(ctx)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("failed to fetch catalog: %w", err)
	}
	if err := r.stores.Catalog.ReplaceAll(ctx, snap); err != nil {
		return RefreshResult{}, err
	}

	counts := make(map[string]int, len(models.Variants))
	for _, v := range models.Variants {
		counts[string(v)] = len(snap.Collection(v))
	}
	logging.Audit(r.logger, r.user.UserID, logging.ActionRefreshCatalog, fmt.Sprintf("%d sector details", counts[string(models.VariantSectorDetail)]))
	return RefreshResult{Refreshed: true, Counts: counts}, nil
}

// --- Submissions ---

// SubmissionInput is what the UI captures for one piece of evidence.
type SubmissionInput struct {
	Payload          []byte
	SectorDetailID   int64
	Coordinates      *models.Coordinates
	CoordinateSource models.CoordinateSource
	Comment          string
	Attribute        *models.Attribute
	CapturedAt       time.Time
}

// SubmitEvidence validates input, enqueues it and requests a drain. It
// returns once the submission is durable; confirmation arrives through
// Subscribe.
func (r *Repository) SubmitEvidence(ctx context.Context, in SubmissionInput) (int64, error) {
	sub, err := r.buildSubmission(ctx, in)
	if err != nil {
		return 0, err
	}
	id, err := r.stores.Queue.Enqueue(ctx, sub)
	if err != nil {
		return 0, err
	}

	logging.Audit(r.logger, r.user.UserID, logging.ActionSubmit, fmt.Sprintf("submission %d for detail %d", id, in.SectorDetailID))
	r.sync.NotifyQueueChanged(ctx)
	r.sync.Trigger()
	return id, nil
}

func (r *Repository) buildSubmission(ctx context.Context, in SubmissionInput) (models.PendingSubmission, error) {
	if len(in.Payload) == 0 {
		return models.PendingSubmission{}, fmt.Errorf("%w: photo is required", ErrValidation)
	}
	if in.SectorDetailID <= 0 {
		return models.PendingSubmission{}, fmt.Errorf("%w: sector detail is required", ErrValidation)
	}
	mtype := mimetype.Detect(in.Payload)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return models.PendingSubmission{}, fmt.Errorf("%w: payload is %s, not an image", ErrValidation, mtype.String())
	}

	detail, err := r.stores.Catalog.Get(ctx, models.VariantSectorDetail, in.SectorDetailID)
	if errors.Is(err, store.ErrNotFound) {
		return models.PendingSubmission{}, fmt.Errorf("%w: unknown sector detail %d", ErrValidation, in.SectorDetailID)
	}
	if err != nil {
		return models.PendingSubmission{}, err
	}
	loc := r.locate(ctx, detail)

	capturedAt := in.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = r.now()
	}
	folder, fileName := ObjectPath(loc, detail.ID, r.user.UserID, capturedAt, mtype.Extension())

	meta := models.SubmissionMetadata{
		Bucket:         r.bucket,
		Path:           path.Join(folder, fileName),
		FileName:       fileName,
		UserID:         r.user.UserID,
		SectorDetailID: detail.ID,
		ActivityID:     detail.ActivityID,
		Comment:        strings.TrimSpace(in.Comment),
		CapturedAt:     capturedAt,
	}
	switch {
	case in.Coordinates != nil && !in.Coordinates.IsZero():
		meta.Coordinates = *in.Coordinates
		meta.CoordinateSource = in.CoordinateSource
		if meta.CoordinateSource == "" {
			meta.CoordinateSource = models.CoordinatesGPS
		}
	case detail.Location != nil:
		meta.Coordinates = *detail.Location
		meta.CoordinateSource = models.CoordinatesCatalog
	}
	if a := in.Attribute; a != nil && a.PropertyID > 0 && strings.TrimSpace(a.Value) != "" {
		meta.Attribute = &models.Attribute{PropertyID: a.PropertyID, Value: strings.TrimSpace(a.Value)}
	}

	return models.PendingSubmission{
		CreatedAt:   r.now(),
		Payload:     in.Payload,
		ContentType: mtype.String(),
		Metadata:    meta,
	}, nil
}

// locate resolves the ancestor names of a sector detail. Missing levels
// fall back to the default folder names.
func (r *Repository) locate(ctx context.Context, detail models.CatalogEntity) ObjectLocation {
	var loc ObjectLocation
	if a, err := r.stores.Catalog.Get(ctx, models.VariantActivity, detail.ActivityID); err == nil {
		loc.Activity = a.Name
	}
	locality, err := r.stores.Catalog.Get(ctx, models.VariantLocality, detail.ParentID)
	if err != nil {
		return loc
	}
	loc.Locality = locality.Name
	front, err := r.stores.Catalog.Get(ctx, models.VariantFront, locality.ParentID)
	if err != nil {
		return loc
	}
	loc.Front = front.Name
	if p, err := r.stores.Catalog.Get(ctx, models.VariantProject, front.ParentID); err == nil {
		loc.Project = p.Name
	}
	return loc
}

// ListPending returns the user's unconfirmed submissions without payloads.
func (r *Repository) ListPending(ctx context.Context) ([]models.PendingSubmission, error) {
	subs, err := r.stores.Queue.Summaries(ctx)
	if err != nil {
		return nil, err
	}
	mine := []models.PendingSubmission{}
	for _, s := range subs {
		if s.Metadata.UserID == r.user.UserID {
			mine = append(mine, s)
		}
	}
	return mine, nil
}

// CancelPending drops a submission that is not being synchronized.
func (r *Repository) CancelPending(ctx context.Context, localID int64) error {
	if err := r.ownPending(ctx, localID); err != nil {
		return err
	}
	err := r.sync.WithItem(localID, func() error {
		return r.stores.Queue.Remove(ctx, localID)
	})
	if err != nil {
		return err
	}
	logging.Audit(r.logger, r.user.UserID, logging.ActionCancel, fmt.Sprintf("submission %d", localID))
	r.sync.NotifyQueueChanged(ctx)
	return nil
}

// RequeuePending returns a rejected submission to the drain set.
func (r *Repository) RequeuePending(ctx context.Context, localID int64) error {
	if err := r.ownPending(ctx, localID); err != nil {
		return err
	}
	if err := r.stores.Queue.Requeue(ctx, localID); err != nil {
		return err
	}
	logging.Audit(r.logger, r.user.UserID, logging.ActionRequeue, fmt.Sprintf("submission %d", localID))
	r.sync.NotifyQueueChanged(ctx)
	r.sync.Trigger()
	return nil
}

// ReplacePending swaps a pending submission for a new one built from in.
// The old entry is removed and the new one enqueued; nothing is edited in
// place.
func (r *Repository) ReplacePending(ctx context.Context, localID int64, in SubmissionInput) (int64, error) {
	if err := r.ownPending(ctx, localID); err != nil {
		return 0, err
	}
	sub, err := r.buildSubmission(ctx, in)
	if err != nil {
		return 0, err
	}

	var newID int64
	err = r.sync.WithItem(localID, func() error {
		if err := r.stores.Queue.Remove(ctx, localID); err != nil {
			return err
		}
		id, err := r.stores.Queue.Enqueue(ctx, sub)
		newID = id
		return err
	})
	if err != nil {
		return 0, err
	}

	logging.Audit(r.logger, r.user.UserID, logging.ActionReplacePending, fmt.Sprintf("submission %d replaced by %d", localID, newID))
	r.sync.NotifyQueueChanged(ctx)
	r.sync.Trigger()
	return newID, nil
}

func (r *Repository) ownPending(ctx context.Context, localID int64) error {
	sub, err := r.stores.Queue.Get(ctx, localID)
	if err != nil {
		return err
	}
	if sub.Metadata.UserID != r.user.UserID {
		return store.ErrNotFound
	}
	return nil
}

// --- Sync ---

// SyncStatus is the aggregate state shown in the UI badge.
type SyncStatus struct {
	Online      bool             `json:"online"`
	Draining    bool             `json:"draining"`
	InFlight    int64            `json:"in_flight,omitempty"`
	Queued      int              `json:"queued"`
	Rejected    int              `json:"rejected"`
	LastDrain   reconcile.Result `json:"last_drain"`
	LastDrainAt time.Time        `json:"last_drain_at"`
	CatalogAt   time.Time        `json:"catalog_refreshed_at"`
}

// Status reports connectivity, queue size and the last drain.
func (r *Repository) Status(ctx context.Context) (SyncStatus, error) {
	queued, rejected, err := r.stores.Queue.Count(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	last, at := r.sync.LastResult()
	return SyncStatus{
		Online:      r.online(),
		Draining:    r.sync.Busy(),
		InFlight:    r.sync.InFlight(),
		Queued:      queued,
		Rejected:    rejected,
		LastDrain:   last,
		LastDrainAt: at,
		CatalogAt:   r.stores.Catalog.LastRefreshed(ctx),
	}, nil
}

// PendingCount returns how many submissions wait and how many were rejected.
func (r *Repository) PendingCount(ctx context.Context) (queued, rejected int, err error) {
	return r.stores.Queue.Count(ctx)
}

// Drain runs a pass now and waits for it.
func (r *Repository) Drain(ctx context.Context) (reconcile.Result, error) {
	return r.sync.Drain(ctx)
}

// Subscribe registers fn for sync events; fn must not block.
func (r *Repository) Subscribe(fn func(models.SyncEvent)) func() {
	return r.sync.Subscribe(fn)
}

// --- Records ---

// RecordSource tells where a record listing came from.
type RecordSource string

const (
	SourceRemote RecordSource = "remote"
	SourceCache  RecordSource = "cache"
)

// RecordsView lists confirmed records next to the still pending ones.
type RecordsView struct {
	Confirmed []models.RemoteRecord      `json:"confirmed"`
	Pending   []models.PendingSubmission `json:"pending"`
	Source    RecordSource               `json:"source"`
	Warning   string                     `json:"warning,omitempty"`
}

// ListUserRecords returns the user's confirmed records from the backend
// when online, writing them through to the cache, or the cached copies
// otherwise. Pending submissions are listed separately.
func (r *Repository) ListUserRecords(ctx context.Context) (RecordsView, error) {
	view, err := r.history(ctx,
		func() ([]models.RemoteRecord, error) { return r.backend.ListUserHistory(ctx, r.user.UserID) },
		func(records []models.RemoteRecord) error {
			return r.stores.Records.ReplaceUser(ctx, r.user.UserID, records)
		},
		func() ([]models.RemoteRecord, error) { return r.stores.Records.ListByUser(ctx, r.user.UserID) },
	)
	if err != nil {
		return view, err
	}
	pending, err := r.ListPending(ctx)
	if err != nil {
		return view, err
	}
	view.Pending = pending
	return view, nil
}

// DetailHistory lists confirmed evidence of one sector detail.
func (r *Repository) DetailHistory(ctx context.Context, sectorDetailID int64) (RecordsView, error) {
	view, err := r.history(ctx,
		func() ([]models.RemoteRecord, error) { return r.backend.ListDetailHistory(ctx, sectorDetailID) },
		func(records []models.RemoteRecord) error { return r.stores.Records.Upsert(ctx, records...) },
		func() ([]models.RemoteRecord, error) { return r.stores.Records.ListByDetail(ctx, sectorDetailID) },
	)
	if err != nil {
		return view, err
	}
	view.Pending = []models.PendingSubmission{}
	pending, err := r.ListPending(ctx)
	if err != nil {
		return view, err
	}
	for _, p := range pending {
		if p.Metadata.SectorDetailID == sectorDetailID {
			view.Pending = append(view.Pending, p)
		}
	}
	return view, nil
}

func (r *Repository) history(
	ctx context.Context,
	remote func() ([]models.RemoteRecord, error),
	writeThrough func([]models.RemoteRecord) error,
	cached func() ([]models.RemoteRecord, error),
) (RecordsView, error) {
	var warning string
	if r.online() {
		records, err := remote()
		if err == nil {
			if err := writeThrough(records); err != nil {
				r.logger.Warn("record cache not updated", zap.Error(err))
			}
			return RecordsView{Confirmed: records, Source: SourceRemote}, nil
		}
		r.logger.Warn("remote history unavailable, serving cache", zap.Error(err))
		warning = "backend unreachable, showing cached records"
	}

	records, err := cached()
	if err != nil {
		return RecordsView{}, err
	}
	return RecordsView{Confirmed: records, Source: SourceCache, Warning: warning}, nil
}

// DeleteRecord removes a confirmed record, its stored object and its
// dependent rows.
func (r *Repository) DeleteRecord(ctx context.Context, recordID int64) error {
	if !r.online() {
		return ErrOffline
	}
	rec, err := r.ownRecord(ctx, recordID)
	if err != nil {
		return err
	}

	if rec.Bucket != "" && rec.Path != "" {
		if err := r.backend.RemoveObject(ctx, rec.Bucket, rec.Path); err != nil {
			r.logger.Warn("stored object not removed", zap.String("path", rec.Path), zap.Error(err))
		}
	}
	if err := r.backend.DeleteRecordCascade(ctx, recordID); err != nil {
		return err
	}
	if err := r.stores.Records.Delete(ctx, recordID); err != nil {
		r.logger.Warn("record cache not updated", zap.Error(err))
	}

	logging.Audit(r.logger, r.user.UserID, logging.ActionDeleteRecord, fmt.Sprintf("record %d", recordID))
	return nil
}

// RecordEdit changes the comment of a record and optionally its photo.
type RecordEdit struct {
	Comment string
	Payload []byte
}

// UpdateRecord applies edit to a confirmed record. A new photo is stored
// next to the old one under a fresh name; the old object is removed once
// the record points at the new one.
func (r *Repository) UpdateRecord(ctx context.Context, recordID int64, edit RecordEdit) (models.RemoteRecord, error) {
	if !r.online() {
		return models.RemoteRecord{}, ErrOffline
	}
	rec, err := r.ownRecord(ctx, recordID)
	if err != nil {
		return models.RemoteRecord{}, err
	}

	update := models.RecordUpdate{Comment: strings.TrimSpace(edit.Comment)}
	bucket := rec.Bucket
	if bucket == "" {
		bucket = r.bucket
	}
	if len(edit.Payload) > 0 {
		mtype := mimetype.Detect(edit.Payload)
		if !strings.HasPrefix(mtype.String(), "image/") {
			return models.RemoteRecord{}, fmt.Errorf("%w: payload is %s, not an image", ErrValidation, mtype.String())
		}
		update.FileName = "edit_" + uuid.NewString() + mtype.Extension()
		update.Path = path.Join(FolderOf(rec.Path), update.FileName)
		url, err := r.backend.Upload(ctx, bucket, update.Path, edit.Payload, mtype.String(), false)
		if err != nil {
			return models.RemoteRecord{}, fmt.Errorf("failed to upload replacement photo: %w", err)
		}
		update.URL = url
	}

	if err := r.backend.UpdateRecord(ctx, recordID, update); err != nil {
		if update.ReplacesPhoto() {
			if rerr := r.backend.RemoveObject(ctx, bucket, update.Path); rerr != nil {
				r.logger.Warn("replacement photo not cleaned up", zap.String("path", update.Path), zap.Error(rerr))
			}
		}
		return models.RemoteRecord{}, err
	}
	if update.ReplacesPhoto() && rec.Path != "" {
		if err := r.backend.RemoveObject(ctx, bucket, rec.Path); err != nil {
			r.logger.Warn("previous photo not removed", zap.String("path", rec.Path), zap.Error(err))
		}
	}

	updated, err := r.backend.GetRecord(ctx, recordID)
	if err != nil {
		return models.RemoteRecord{}, err
	}
	if err := r.stores.Records.Upsert(ctx, updated); err != nil {
		r.logger.Warn("record cache not updated", zap.Error(err))
	}
	logging.Audit(r.logger, r.user.UserID, logging.ActionUpdateRecord, fmt.Sprintf("record %d", recordID))
	return updated, nil
}

func (r *Repository) ownRecord(ctx context.Context, recordID int64) (models.RemoteRecord, error) {
	rec, err := r.backend.GetRecord(ctx, recordID)
	if err != nil {
		return models.RemoteRecord{}, err
	}
	if rec.UserID != r.user.UserID {
		return models.RemoteRecord{}, fmt.Errorf("%w: record %d", db.ErrNotFound, recordID)
	}
	return rec, nil
}
