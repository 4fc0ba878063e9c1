package db

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"fieldsync/models"
)

// Op names a MemoryBackend operation for fault injection and call logs.
type Op string

const (
	OpFetchCatalog Op = "fetch_catalog"
	OpUpload       Op = "upload"
	OpRemoveObject Op = "remove_object"
	OpVerify       Op = "create_verification"
	OpRegister     Op = "create_registry_record"
	OpAttribute    Op = "insert_attribute"
	OpHistory      Op = "list_history"
	OpUpdate       Op = "update_record"
	OpDelete       Op = "delete_record"
)

// FaultFunc decides whether a call fails. key is the object path or
// idempotency key of the call, or the record id for record operations.
type FaultFunc func(key string) error

// Call is one logged backend invocation.
type Call struct {
	Op  Op
	Key string
}

type memObject struct {
	data        []byte
	contentType string
	uploads     int
}

type memVerification struct {
	id             int64
	sectorDetailID int64
	coordinates    models.Coordinates
	key            string
}

// MemoryBackend is an in-process Backend used in development mode and
// tests. It keeps catalog, objects and records in maps guarded by one lock.
type MemoryBackend struct {
	mu sync.RWMutex

	catalog       models.CatalogSnapshot
	objects       map[string]*memObject
	verifications map[int64]memVerification
	records       map[int64]models.RemoteRecord
	attributes    map[int64][]models.Attribute
	verifyKeys    map[string]int64
	recordKeys    map[string]int64

	nextVerification int64
	nextRecord       int64
	lastStamp        time.Time

	faults  map[Op]FaultFunc
	calls   []Call
	baseURL string
	now     func() time.Time
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects:       make(map[string]*memObject),
		verifications: make(map[int64]memVerification),
		records:       make(map[int64]models.RemoteRecord),
		attributes:    make(map[int64][]models.Attribute),
		verifyKeys:    make(map[string]int64),
		recordKeys:    make(map[string]int64),
		faults:        make(map[Op]FaultFunc),
		baseURL:       "http://storage.local",
		now:           time.Now,
	}
}

// SeedCatalog sets the catalog served by FetchCatalog.
func (m *MemoryBackend) SeedCatalog(snap models.CatalogSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog = snap
}

// InjectFault makes op consult fn before doing any work. A nil fn clears it.
func (m *MemoryBackend) InjectFault(op Op, fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = fn
}

// Calls returns the logged invocations, in order.
func (m *MemoryBackend) Calls() []Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Call(nil), m.calls...)
}

// CallsOf returns the keys of logged invocations of op, in order.
func (m *MemoryBackend) CallsOf(op Op) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for _, c := range m.calls {
		if c.Op == op {
			keys = append(keys, c.Key)
		}
	}
	return keys
}

// ObjectCount returns how many distinct objects are stored.
func (m *MemoryBackend) ObjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Object returns the stored bytes at bucket/path and how many uploads hit it.
func (m *MemoryBackend) Object(bucket, path string) ([]byte, int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[bucket+"/"+path]
	if !ok {
		return nil, 0, false
	}
	return obj.data, obj.uploads, true
}

// RecordCount returns how many registry records exist.
func (m *MemoryBackend) RecordCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// VerificationCount returns how many verification records exist.
func (m *MemoryBackend) VerificationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.verifications)
}

// Attributes returns the attributes stored for a record.
func (m *MemoryBackend) Attributes(recordID int64) []models.Attribute {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Attribute(nil), m.attributes[recordID]...)
}

// enter logs the call and runs the injected fault, if any. Callers hold mu.
func (m *MemoryBackend) enter(ctx context.Context, op Op, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.calls = append(m.calls, Call{Op: op, Key: key})
	if fn, ok := m.faults[op]; ok {
		if err := fn(key); err != nil {
			return fmt.Errorf("%s %s: %w", op, key, err)
		}
	}
	return nil
}

// stamp returns a strictly increasing timestamp. Callers hold mu.
func (m *MemoryBackend) stamp() time.Time {
	t := m.now()
	if !t.After(m.lastStamp) {
		t = m.lastStamp.Add(time.Microsecond)
	}
	m.lastStamp = t
	return t
}

func (m *MemoryBackend) FetchCatalog(ctx context.Context) (models.CatalogSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpFetchCatalog, ""); err != nil {
		return models.CatalogSnapshot{}, err
	}

	var snap models.CatalogSnapshot
	for _, v := range models.Variants {
		src := m.catalog.Collection(v)
		entities := make([]models.CatalogEntity, len(src))
		copy(entities, src)
		for i := range entities {
			entities[i].Variant = v
		}
		sort.SliceStable(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
		snap.SetCollection(v, entities)
	}
	snap.FetchedAt = m.now()
	return snap, nil
}

func (m *MemoryBackend) Upload(ctx context.Context, bucket, path string, data []byte, contentType string, overwrite bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpUpload, path); err != nil {
		return "", err
	}
	if bucket == "" || path == "" {
		return "", fmt.Errorf("%w: empty bucket or path", ErrInvalid)
	}

	key := bucket + "/" + path
	obj, exists := m.objects[key]
	if exists && !overwrite {
		return "", fmt.Errorf("%w: object %s already exists", ErrInvalid, key)
	}
	if !exists {
		obj = &memObject{}
		m.objects[key] = obj
	}
	obj.data = append([]byte(nil), data...)
	obj.contentType = contentType
	obj.uploads++
	return PublicURL(m.baseURL, bucket, path), nil
}

func (m *MemoryBackend) RemoveObject(ctx context.Context, bucket, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpRemoveObject, path); err != nil {
		return err
	}
	delete(m.objects, bucket+"/"+path)
	return nil
}

func (m *MemoryBackend) CreateVerification(ctx context.Context, in models.VerificationInput) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpVerify, in.IdempotencyKey); err != nil {
		return 0, err
	}
	if in.SectorDetailID <= 0 {
		return 0, fmt.Errorf("%w: sector detail id %d", ErrInvalid, in.SectorDetailID)
	}
	if in.IdempotencyKey != "" {
		if id, ok := m.verifyKeys[in.IdempotencyKey]; ok {
			return id, nil
		}
	}

	m.nextVerification++
	id := m.nextVerification
	m.verifications[id] = memVerification{
		id:             id,
		sectorDetailID: in.SectorDetailID,
		coordinates:    in.Coordinates,
		key:            in.IdempotencyKey,
	}
	if in.IdempotencyKey != "" {
		m.verifyKeys[in.IdempotencyKey] = id
	}
	return id, nil
}

func (m *MemoryBackend) CreateRegistryRecord(ctx context.Context, in models.RegistryInput) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpRegister, in.IdempotencyKey); err != nil {
		return 0, err
	}
	if in.IdempotencyKey != "" {
		if id, ok := m.recordKeys[in.IdempotencyKey]; ok {
			return id, nil
		}
	}
	v, ok := m.verifications[in.VerificationID]
	if !ok {
		return 0, fmt.Errorf("%w: verification %d", ErrNotFound, in.VerificationID)
	}

	m.nextRecord++
	rec := models.RemoteRecord{
		ID:             m.nextRecord,
		UploadedAt:     m.stamp(),
		UserID:         in.UserID,
		VerificationID: v.id,
		SectorDetailID: v.sectorDetailID,
		FileName:       in.FileName,
		URL:            in.URL,
		Path:           in.Path,
		Bucket:         in.Bucket,
		Comment:        in.Comment,
		IdempotencyKey: in.IdempotencyKey,
	}
	if !v.coordinates.IsZero() {
		c := v.coordinates
		rec.Coordinates = &c
	}
	m.denormalize(&rec)
	m.records[rec.ID] = rec
	if in.IdempotencyKey != "" {
		m.recordKeys[in.IdempotencyKey] = rec.ID
	}
	return rec.ID, nil
}

// denormalize copies ancestor names from the seeded catalog. Callers hold mu.
func (m *MemoryBackend) denormalize(rec *models.RemoteRecord) {
	find := func(v models.Variant, id int64) (models.CatalogEntity, bool) {
		for _, e := range m.catalog.Collection(v) {
			if e.ID == id {
				return e, true
			}
		}
		return models.CatalogEntity{}, false
	}
	detail, ok := find(models.VariantSectorDetail, rec.SectorDetailID)
	if !ok {
		return
	}
	rec.DetailName = detail.Name
	rec.Quantity = detail.Quantity
	if a, ok := find(models.VariantActivity, detail.ActivityID); ok {
		rec.ActivityName = a.Name
	}
	loc, ok := find(models.VariantLocality, detail.ParentID)
	if !ok {
		return
	}
	rec.LocalityName = loc.Name
	front, ok := find(models.VariantFront, loc.ParentID)
	if !ok {
		return
	}
	rec.FrontName = front.Name
	if p, ok := find(models.VariantProject, front.ParentID); ok {
		rec.ProjectName = p.Name
	}
}

func (m *MemoryBackend) InsertAttribute(ctx context.Context, recordID int64, attr models.Attribute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpAttribute, fmt.Sprint(recordID)); err != nil {
		return err
	}
	if _, ok := m.records[recordID]; !ok {
		return fmt.Errorf("%w: record %d", ErrNotFound, recordID)
	}
	for i, a := range m.attributes[recordID] {
		if a.PropertyID == attr.PropertyID {
			m.attributes[recordID][i] = attr
			return nil
		}
	}
	m.attributes[recordID] = append(m.attributes[recordID], attr)
	return nil
}

func (m *MemoryBackend) ListUserHistory(ctx context.Context, userID string) ([]models.RemoteRecord, error) {
	return m.history(ctx, userID, func(r models.RemoteRecord) bool { return r.UserID == userID })
}

func (m *MemoryBackend) ListDetailHistory(ctx context.Context, sectorDetailID int64) ([]models.RemoteRecord, error) {
	return m.history(ctx, fmt.Sprint(sectorDetailID), func(r models.RemoteRecord) bool { return r.SectorDetailID == sectorDetailID })
}

func (m *MemoryBackend) history(ctx context.Context, key string, match func(models.RemoteRecord) bool) ([]models.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpHistory, key); err != nil {
		return nil, err
	}
	records := []models.RemoteRecord{}
	for _, r := range m.records {
		if match(r) {
			records = append(records, r)
		}
	}
	sortNewestFirst(records)
	return records, nil
}

func (m *MemoryBackend) GetRecord(ctx context.Context, recordID int64) (models.RemoteRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return models.RemoteRecord{}, err
	}
	rec, ok := m.records[recordID]
	if !ok {
		return models.RemoteRecord{}, fmt.Errorf("%w: record %d", ErrNotFound, recordID)
	}
	return rec, nil
}

func (m *MemoryBackend) UpdateRecord(ctx context.Context, recordID int64, update models.RecordUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpUpdate, fmt.Sprint(recordID)); err != nil {
		return err
	}
	rec, ok := m.records[recordID]
	if !ok {
		return fmt.Errorf("%w: record %d", ErrNotFound, recordID)
	}
	rec.Comment = update.Comment
	if update.ReplacesPhoto() {
		rec.URL = update.URL
		rec.Path = update.Path
		rec.FileName = update.FileName
	}
	m.records[recordID] = rec
	return nil
}

func (m *MemoryBackend) DeleteRecordCascade(ctx context.Context, recordID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpDelete, fmt.Sprint(recordID)); err != nil {
		return err
	}
	rec, ok := m.records[recordID]
	if !ok {
		return fmt.Errorf("%w: record %d", ErrNotFound, recordID)
	}
	delete(m.attributes, recordID)
	delete(m.records, recordID)
	if rec.IdempotencyKey != "" {
		delete(m.recordKeys, rec.IdempotencyKey)
	}
	if v, ok := m.verifications[rec.VerificationID]; ok {
		delete(m.verifications, v.id)
		if v.key != "" {
			delete(m.verifyKeys, v.key)
		}
	}
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

func sortNewestFirst(records []models.RemoteRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].UploadedAt.Equal(records[j].UploadedAt) {
			return records[i].UploadedAt.After(records[j].UploadedAt)
		}
		return records[i].ID > records[j].ID
	})
}

func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
