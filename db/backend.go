package db

import (
	"context"
	"errors"
	"net/http"

	"fieldsync/models"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotFound is returned when a remote record does not exist.
	ErrNotFound = errors.New("remote record not found")
	// ErrInvalid is returned when the backend refuses the data itself.
	ErrInvalid = errors.New("invalid remote request")
)

// CatalogReader pulls the full catalog.
type CatalogReader interface {
	FetchCatalog(ctx context.Context) (models.CatalogSnapshot, error)
}

// ObjectStore stores evidence payloads.
type ObjectStore interface {
	// Upload writes data to bucket/path and returns the public URL. With
	// overwrite set an existing object at the same path is replaced.
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string, overwrite bool) (string, error)
	// RemoveObject deletes bucket/path. A missing object is not an error.
	RemoveObject(ctx context.Context, bucket, path string) error
}

// RecordService is the relational side of the backend.
type RecordService interface {
	CreateVerification(ctx context.Context, in models.VerificationInput) (int64, error)
	CreateRegistryRecord(ctx context.Context, in models.RegistryInput) (int64, error)
	InsertAttribute(ctx context.Context, recordID int64, attr models.Attribute) error
	ListUserHistory(ctx context.Context, userID string) ([]models.RemoteRecord, error)
	ListDetailHistory(ctx context.Context, sectorDetailID int64) ([]models.RemoteRecord, error)
	GetRecord(ctx context.Context, recordID int64) (models.RemoteRecord, error)
	UpdateRecord(ctx context.Context, recordID int64, update models.RecordUpdate) error
	DeleteRecordCascade(ctx context.Context, recordID int64) error
}

// Backend is the full remote capability the sync core consumes.
type Backend interface {
	CatalogReader
	ObjectStore
	RecordService
	Close() error
}

// IsPermanent reports whether err means the backend rejected the request
// itself, so repeating it unchanged cannot succeed. Network failures,
// timeouts, expired sessions and server-side outages are not permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalid) || errors.Is(err, ErrNotFound) {
		return true
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}
		return gerr.Code >= 400 && gerr.Code < 500
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied,
			codes.NotFound, codes.OutOfRange, codes.Unimplemented:
			return true
		}
	}
	return false
}
