package server

import (
	"context"
	"iter"
	"time"
)

// RecordStore defines typed access to the employee collection. Lookups other
// than by primary key are full scans.
type RecordStore interface {
	// Create fails with ErrAlreadyExists if the primary key is taken.
	Create(ctx context.Context, e *Employee) error
	Get(ctx context.Context, employeeID string) (*Employee, error)
	// Update overwrites the whole item. Last writer wins.
	Update(ctx context.Context, e *Employee) error
	Delete(ctx context.Context, employeeID string) error

	// ScanAll follows store pagination until the collection is exhausted.
	// Each call starts a new scan.
	ScanAll(ctx context.Context) iter.Seq2[*Employee, error]
	// ScanByAttribute is ScanAll filtered on one flat attribute.
	ScanByAttribute(ctx context.Context, name string, match func(string) bool) iter.Seq2[*Employee, error]
	// FindByEmail returns the first record with the given email.
	FindByEmail(ctx context.Context, email string) (*Employee, error)

	Health(ctx context.Context) error
}

// Category selects the key prefix of a blob.
type Category string

const (
	CategoryProfilePicture Category = "profile-picture"
	CategoryDocument       Category = "document"
)

// Prefix returns the key prefix for the category.
func (c Category) Prefix() string {
	if c == CategoryDocument {
		return "documents/"
	}
	return "profile-pictures/"
}

// KeyFilter decides whether a listed key takes part in an operation. A nil
// filter accepts every key.
type KeyFilter func(key string) bool

// ObjectSummary is the cheap per-object listing result.
type ObjectSummary struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// BlobObject describes a stored object with its metadata and a read URL.
type BlobObject struct {
	Key          string    `json:"key"`
	EmployeeID   string    `json:"employee_id"`
	Filename     string    `json:"filename"`
	DocumentType string    `json:"document_type,omitempty"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	URL          string    `json:"url"`
}

// StorageInfo summarizes bucket usage.
type StorageInfo struct {
	BucketName     string  `json:"bucket_name"`
	Region         string  `json:"region,omitempty"`
	TotalObjects   int64   `json:"total_objects"`
	TotalSizeBytes int64   `json:"total_size_bytes"`
	TotalSizeMB    float64 `json:"total_size_mb"`
	Error          string  `json:"error,omitempty"`
}

// BlobStore defines the interface for blob storage operations
type BlobStore interface {
	// Upload stores data under a fresh key and returns it. Existing objects
	// are never overwritten or removed.
	Upload(ctx context.Context, data []byte, employeeID, filename string, category Category, documentType string) (string, error)
	// DeleteByPrefix removes every matching object and returns how many.
	DeleteByPrefix(ctx context.Context, prefix string, filter KeyFilter) (int, error)
	// DeleteOne succeeds when the key is already absent.
	DeleteOne(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string, filter KeyFilter) ([]ObjectSummary, error)
	// ListByPrefix costs one metadata call and one presign per object.
	ListByPrefix(ctx context.Context, prefix string, filter KeyFilter) ([]BlobObject, error)
	ReadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Usage(ctx context.Context) (*StorageInfo, error)
	Health(ctx context.Context) error
}

// collect drains a scan into a slice, stopping at the first error.
func collect(seq iter.Seq2[*Employee, error]) ([]*Employee, error) {
	var out []*Employee
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
