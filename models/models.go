// models.go
// Defines the core data structures shared by the local store, the remote backend and the sidecar API.

package models

import (
	"fmt"
	"time"
)

// Variant identifies one of the five catalog collections.
type Variant string

const (
	VariantProject      Variant = "project"
	VariantFront        Variant = "front"
	VariantLocality     Variant = "locality"
	VariantSectorDetail Variant = "sector_detail"
	VariantActivity     Variant = "activity"
)

// Variants lists every catalog variant, roots first.
var Variants = []Variant{
	VariantProject,
	VariantFront,
	VariantLocality,
	VariantSectorDetail,
	VariantActivity,
}

// Valid reports whether v names a known catalog variant.
func (v Variant) Valid() bool {
	switch v {
	case VariantProject, VariantFront, VariantLocality, VariantSectorDetail, VariantActivity:
		return true
	}
	return false
}

// Parent returns the variant an entity of v hangs from. Projects and
// activities are roots.
func (v Variant) Parent() (Variant, bool) {
	switch v {
	case VariantFront:
		return VariantProject, true
	case VariantLocality:
		return VariantFront, true
	case VariantSectorDetail:
		return VariantLocality, true
	}
	return "", false
}

// Coordinates is a WGS84 position.
type Coordinates struct {
	Latitude  float64 `firestore:"lat" json:"lat"`
	Longitude float64 `firestore:"lng" json:"lng"`
}

// IsZero reports whether no position was captured.
func (c Coordinates) IsZero() bool {
	return c.Latitude == 0 && c.Longitude == 0
}

// CatalogEntity is the shared shape of projects, fronts, localities,
// sector details and activities.
type CatalogEntity struct {
	Variant  Variant `firestore:"-" json:"variant"`
	ID       int64   `firestore:"id" json:"id"`
	Name     string  `firestore:"name" json:"name"`
	ParentID int64   `firestore:"parent_id,omitempty" json:"parent_id,omitempty"`

	// Sector detail only.
	ActivityID   int64        `firestore:"activity_id,omitempty" json:"activity_id,omitempty"`
	ActivityName string       `firestore:"-" json:"activity_name,omitempty"`
	Location     *Coordinates `firestore:"location,omitempty" json:"location,omitempty"`
	Quantity     *float64     `firestore:"quantity,omitempty" json:"quantity,omitempty"`

	// Activity only.
	Category string `firestore:"category,omitempty" json:"category,omitempty"`
}

// CatalogSnapshot is one complete pull of the five catalog collections.
type CatalogSnapshot struct {
	Projects      []CatalogEntity `json:"projects"`
	Fronts        []CatalogEntity `json:"fronts"`
	Localities    []CatalogEntity `json:"localities"`
	SectorDetails []CatalogEntity `json:"sector_details"`
	Activities    []CatalogEntity `json:"activities"`
	FetchedAt     time.Time       `json:"fetched_at"`
}

// Collection returns the entities of the given variant.
func (s *CatalogSnapshot) Collection(v Variant) []CatalogEntity {
	switch v {
	case VariantProject:
		return s.Projects
	case VariantFront:
		return s.Fronts
	case VariantLocality:
		return s.Localities
	case VariantSectorDetail:
		return s.SectorDetails
	case VariantActivity:
		return s.Activities
	}
	return nil
}

// SetCollection replaces the entities of the given variant.
func (s *CatalogSnapshot) SetCollection(v Variant, entities []CatalogEntity) {
	switch v {
	case VariantProject:
		s.Projects = entities
	case VariantFront:
		s.Fronts = entities
	case VariantLocality:
		s.Localities = entities
	case VariantSectorDetail:
		s.SectorDetails = entities
	case VariantActivity:
		s.Activities = entities
	}
}

// Validate checks ids are unique within each variant and every entity has a name.
func (s *CatalogSnapshot) Validate() error {
	for _, v := range Variants {
		seen := make(map[int64]struct{})
		for _, e := range s.Collection(v) {
			if e.Name == "" {
				return fmt.Errorf("%s %d has no name", v, e.ID)
			}
			if _, dup := seen[e.ID]; dup {
				return fmt.Errorf("duplicate %s id %d", v, e.ID)
			}
			seen[e.ID] = struct{}{}
		}
	}
	return nil
}

// Attribute is an optional dynamic property attached to a submission.
type Attribute struct {
	PropertyID int64  `firestore:"property_id" json:"property_id"`
	Value      string `firestore:"value" json:"value"`
}

// CoordinateSource records where a submission's position came from.
type CoordinateSource string

const (
	CoordinatesGPS     CoordinateSource = "gps"
	CoordinatesManual  CoordinateSource = "manual"
	CoordinatesCatalog CoordinateSource = "catalog"
)

// SubmissionMetadata is everything the reconciler needs to replay a submission.
type SubmissionMetadata struct {
	Bucket           string           `json:"bucket"`
	Path             string           `json:"path"`
	FileName         string           `json:"file_name"`
	UserID           string           `json:"user_id"`
	SectorDetailID   int64            `json:"sector_detail_id"`
	ActivityID       int64            `json:"activity_id,omitempty"`
	Coordinates      Coordinates      `json:"coordinates"`
	CoordinateSource CoordinateSource `json:"coordinate_source"`
	Comment          string           `json:"comment"`
	Attribute        *Attribute       `json:"attribute,omitempty"`
	CapturedAt       time.Time        `json:"captured_at"`
}

// QueueState is the persisted bookkeeping state of a queued submission.
type QueueState string

const (
	QueueStateQueued   QueueState = "queued"
	QueueStateRejected QueueState = "rejected"
)

// PendingSubmission is one evidence capture not yet confirmed by the backend.
// Content fields never change after enqueue; State, Attempts and LastError
// are queue bookkeeping.
type PendingSubmission struct {
	LocalID     int64              `json:"local_id"`
	CreatedAt   time.Time          `json:"created_at"`
	Payload     []byte             `json:"-"`
	ContentType string             `json:"content_type"`
	Metadata    SubmissionMetadata `json:"metadata"`

	State     QueueState `json:"state"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
}

// SubmissionState is the reconciler's view of one submission during a drain.
type SubmissionState string

const (
	StateQueued      SubmissionState = "queued"
	StateUploading   SubmissionState = "uploading"
	StateRegistering SubmissionState = "registering"
	StateConfirmed   SubmissionState = "confirmed"
	StateFailed      SubmissionState = "failed"
	StateRejected    SubmissionState = "rejected"
)

// RemoteRecord is the confirmed, server-side counterpart of a submission.
type RemoteRecord struct {
	ID             int64        `firestore:"id" json:"id"`
	UploadedAt     time.Time    `firestore:"uploaded_at" json:"uploaded_at"`
	UserID         string       `firestore:"user_id" json:"user_id"`
	VerificationID int64        `firestore:"verification_id" json:"verification_id"`
	SectorDetailID int64        `firestore:"sector_detail_id" json:"sector_detail_id"`
	FileName       string       `firestore:"file_name" json:"file_name"`
	URL            string       `firestore:"url" json:"url"`
	Path           string       `firestore:"path" json:"path"`
	Bucket         string       `firestore:"bucket" json:"bucket"`
	Comment        string       `firestore:"comment" json:"comment"`
	Coordinates    *Coordinates `firestore:"coordinates,omitempty" json:"coordinates,omitempty"`
	Quantity       *float64     `firestore:"quantity,omitempty" json:"quantity,omitempty"`

	ProjectName  string `firestore:"project_name" json:"project_name"`
	FrontName    string `firestore:"front_name" json:"front_name"`
	LocalityName string `firestore:"locality_name" json:"locality_name"`
	DetailName   string `firestore:"detail_name" json:"detail_name"`
	ActivityName string `firestore:"activity_name" json:"activity_name"`

	IdempotencyKey string `firestore:"idempotency_key,omitempty" json:"-"`
}

// VerificationInput binds a submission to a sector detail occurrence.
type VerificationInput struct {
	SectorDetailID int64
	Coordinates    Coordinates
	IdempotencyKey string
}

// RegistryInput is the payload of a registry record creation.
type RegistryInput struct {
	FileName       string
	URL            string
	UserID         string
	VerificationID int64
	Comment        string
	Path           string
	Bucket         string
	IdempotencyKey string
}

// RecordUpdate changes a confirmed record. Empty object fields keep the
// current photo.
type RecordUpdate struct {
	Comment  string
	URL      string
	Path     string
	FileName string
}

// ReplacesPhoto reports whether the update points the record at a new object.
func (u RecordUpdate) ReplacesPhoto() bool {
	return u.Path != ""
}

// EventKind distinguishes sync events.
type EventKind string

const (
	EventItemState     EventKind = "item_state"
	EventDrainStarted  EventKind = "drain_started"
	EventDrainFinished EventKind = "drain_finished"
	EventQueueChanged  EventKind = "queue_changed"
)

// SyncEvent is published by the reconciler so the UI can follow progress
// without waiting on a submit call.
type SyncEvent struct {
	Kind      EventKind       `json:"kind"`
	LocalID   int64           `json:"local_id,omitempty"`
	State     SubmissionState `json:"state,omitempty"`
	Error     string          `json:"error,omitempty"`
	Pending   int             `json:"pending"`
	Confirmed int             `json:"confirmed,omitempty"`
	Failed    int             `json:"failed,omitempty"`
	Rejected  int             `json:"rejected,omitempty"`
	At        time.Time       `json:"at"`
}

// User is the authenticated identity the core works on behalf of.
type User struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}
