package server

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/TheTimeBug/employee-directory/server"

// Upload is a file handed to the directory by a caller.
type Upload struct {
	Data     []byte
	Filename string
}

// Statistics aggregates the directory from one full scan and one bucket
// listing.
type Statistics struct {
	TotalEmployees        int            `json:"total_employees"`
	TotalDepartments      int            `json:"total_departments"`
	TotalPositions        int            `json:"total_positions"`
	EmployeesWithPictures int            `json:"employees_with_pictures"`
	DepartmentBreakdown   map[string]int `json:"department_breakdown"`
	StorageInfo           *StorageInfo   `json:"storage_info"`
}

// Health is the result of probing both stores.
type Health struct {
	Database bool `json:"database"`
	Storage  bool `json:"storage"`
	Overall  bool `json:"overall"`
}

// Directory sequences calls to the record store and the blob store and keeps
// the two coherent. It holds no locks; concurrent callers race as described
// on each operation.
//
// Stored records keep the blob key of the current profile picture in
// profile_picture_url. Every record returned to a caller carries a freshly
// presigned URL in that field instead, or "" when the employee has no
// picture.
type Directory struct {
	records RecordStore
	blobs   BlobStore
	cache   Cache
	logger  logrus.FieldLogger
	tracer  trace.Tracer
	urlTTL  time.Duration
	now     func() time.Time

	maxFileSize       int64
	pictureExtensions []string
}

// Option configures a Directory.
type Option func(*Directory)

// WithCache enables read-through caching of stored records.
func WithCache(cache Cache) Option {
	return func(d *Directory) { d.cache = cache }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(d *Directory) { d.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Directory) { d.tracer = tracer }
}

// WithURLTTL sets the lifetime of presigned picture URLs.
func WithURLTTL(ttl time.Duration) Option {
	return func(d *Directory) { d.urlTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// WithUploadLimits bounds every upload to maxFileSize bytes (0 disables the
// check) and profile pictures to the given extensions (empty allows any).
func WithUploadLimits(maxFileSize int64, pictureExtensions []string) Option {
	return func(d *Directory) {
		d.maxFileSize = maxFileSize
		d.pictureExtensions = pictureExtensions
	}
}

// NewDirectory creates a directory over the two stores.
func NewDirectory(records RecordStore, blobs BlobStore, opts ...Option) *Directory {
	d := &Directory{
		records: records,
		blobs:   blobs,
		cache:   &NoOpCache{},
		logger:  logrus.StandardLogger(),
		tracer:  otel.Tracer(tracerName),
		urlTTL:  time.Hour,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddEmployee validates e, checks email uniqueness, uploads the optional
// picture and creates the record. The uniqueness check is not atomic with the
// create: two concurrent adds with one email can both succeed. A picture
// uploaded before a failed create is left behind and logged.
func (d *Directory) AddEmployee(ctx context.Context, e *Employee, pic *Upload) (_ *Employee, err error) {
	ctx, span := d.start(ctx, "AddEmployee", employeeIDOf(e))
	defer finish(span, &err)

	if ok, errs := Validate(e); !ok {
		return nil, &ValidationError{Errors: errs}
	}
	if pic != nil {
		if err := d.checkUpload(*pic, CategoryProfilePicture); err != nil {
			return nil, err
		}
	}
	if err := d.checkEmailUnused(ctx, e.Email, ""); err != nil {
		return nil, err
	}

	record := e.Clone()
	record.ProfilePictureURL = ""
	record.stamp(d.now())

	logger := d.logger.WithField("employee_id", record.EmployeeID)
	if pic != nil {
		key, err := d.blobs.Upload(ctx, pic.Data, record.EmployeeID, pic.Filename, CategoryProfilePicture, "")
		if err != nil {
			return nil, err
		}
		record.ProfilePictureURL = key
	}

	if err := d.records.Create(ctx, record); err != nil {
		if record.ProfilePictureURL != "" {
			logger.WithError(err).WithField("key", record.ProfilePictureURL).
				Warn("Employee create failed after picture upload, blob left orphaned")
		}
		return nil, err
	}

	logger.Info("Employee added")
	return d.freshen(ctx, record), nil
}

// GetEmployee returns the employee with a fresh picture URL.
func (d *Directory) GetEmployee(ctx context.Context, employeeID string) (_ *Employee, err error) {
	ctx, span := d.start(ctx, "GetEmployee", employeeID)
	defer finish(span, &err)

	record, err := d.load(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	return d.freshen(ctx, record), nil
}

// ListEmployees returns every employee in scan order. Each record costs at
// least one blob store round trip for its picture URL.
func (d *Directory) ListEmployees(ctx context.Context) (_ []*Employee, err error) {
	ctx, span := d.start(ctx, "ListEmployees", "")
	defer finish(span, &err)

	return d.freshenAll(ctx, d.records.ScanAll(ctx))
}

// SearchByDepartment matches the department exactly.
func (d *Directory) SearchByDepartment(ctx context.Context, department string) (_ []*Employee, err error) {
	ctx, span := d.start(ctx, "SearchByDepartment", "")
	defer finish(span, &err)

	return d.freshenAll(ctx, d.records.ScanByAttribute(ctx, "department", equals(department)))
}

// SearchByPosition matches a case-sensitive substring of the position.
func (d *Directory) SearchByPosition(ctx context.Context, substr string) (_ []*Employee, err error) {
	ctx, span := d.start(ctx, "SearchByPosition", "")
	defer finish(span, &err)

	return d.freshenAll(ctx, d.records.ScanByAttribute(ctx, "position", func(v string) bool {
		return strings.Contains(v, substr)
	}))
}

// UpdateEmployee overwrites the employee with e. created_at and the stored
// picture reference always come from the current record. With pic set, the
// existing pictures are removed before the new one is uploaded; if that
// upload fails the record is saved without a picture and a *PartialFailure
// is returned together with the saved employee.
func (d *Directory) UpdateEmployee(ctx context.Context, e *Employee, pic *Upload) (_ *Employee, err error) {
	ctx, span := d.start(ctx, "UpdateEmployee", employeeIDOf(e))
	defer finish(span, &err)

	if ok, errs := Validate(e); !ok {
		return nil, &ValidationError{Errors: errs}
	}
	if pic != nil {
		if err := d.checkUpload(*pic, CategoryProfilePicture); err != nil {
			return nil, err
		}
	}

	current, err := d.records.Get(ctx, e.EmployeeID)
	if err != nil {
		return nil, err
	}
	if current.Email != e.Email {
		if err := d.checkEmailUnused(ctx, e.Email, e.EmployeeID); err != nil {
			return nil, err
		}
	}

	record := e.Clone()
	record.CreatedAt = current.CreatedAt
	record.UpdatedAt = current.UpdatedAt
	record.ProfilePictureURL = current.ProfilePictureURL
	record.Touch(d.now())

	logger := d.logger.WithField("employee_id", record.EmployeeID)
	var partial error
	if pic != nil {
		if err := d.removePictures(ctx, record.EmployeeID); err != nil {
			return nil, err
		}
		key, err := d.blobs.Upload(ctx, pic.Data, record.EmployeeID, pic.Filename, CategoryProfilePicture, "")
		if err != nil {
			logger.WithError(err).Warn("Old profile picture removed but upload failed, saving employee without picture")
			record.ProfilePictureURL = ""
			partial = &PartialFailure{Op: "UpdateEmployee", Err: err}
		} else {
			record.ProfilePictureURL = key
		}
	}

	if err := d.records.Update(ctx, record); err != nil {
		d.invalidate(ctx, record.EmployeeID)
		if pic != nil {
			logger.WithError(err).WithField("key", record.ProfilePictureURL).
				Error("Employee update failed after picture replacement, stored reference may be stale")
		}
		return nil, err
	}
	d.invalidate(ctx, record.EmployeeID)

	logger.Info("Employee updated")
	return d.freshen(ctx, record), partial
}

// DeleteEmployee removes every blob owned by the employee and then the
// record. Blob cleanup is best effort: when it fails the record is still
// deleted and a *PartialFailure is returned.
func (d *Directory) DeleteEmployee(ctx context.Context, employeeID string) (err error) {
	ctx, span := d.start(ctx, "DeleteEmployee", employeeID)
	defer finish(span, &err)

	if _, err := d.records.Get(ctx, employeeID); err != nil {
		return err
	}

	logger := d.logger.WithField("employee_id", employeeID)
	var cleanupErr error
	for _, category := range []Category{CategoryProfilePicture, CategoryDocument} {
		prefix := EmployeePrefix(category, employeeID)
		if _, err := d.blobs.DeleteByPrefix(ctx, prefix, OwnedBy(category, employeeID)); err != nil {
			logger.WithError(err).WithField("prefix", prefix).Warn("Failed to delete some files for employee, continuing")
			cleanupErr = errors.Join(cleanupErr, err)
		}
	}

	if err := d.records.Delete(ctx, employeeID); err != nil {
		return err
	}
	d.invalidate(ctx, employeeID)

	logger.Info("Employee deleted")
	if cleanupErr != nil {
		return &PartialFailure{Op: "DeleteEmployee", Err: cleanupErr}
	}
	return nil
}

// UploadProfilePicture replaces the employee's picture and returns a read URL
// for it. Once the new blob is stored, later failures (saving the reference,
// presigning the URL) are reported as a *PartialFailure; the URL is "" when
// it could not be presigned.
func (d *Directory) UploadProfilePicture(ctx context.Context, employeeID string, pic Upload) (_ string, err error) {
	ctx, span := d.start(ctx, "UploadProfilePicture", employeeID)
	defer finish(span, &err)

	if err := d.checkUpload(pic, CategoryProfilePicture); err != nil {
		return "", err
	}
	current, err := d.records.Get(ctx, employeeID)
	if err != nil {
		return "", err
	}

	logger := d.logger.WithField("employee_id", employeeID)
	if err := d.removePictures(ctx, employeeID); err != nil {
		return "", err
	}

	record := current.Clone()
	key, err := d.blobs.Upload(ctx, pic.Data, employeeID, pic.Filename, CategoryProfilePicture, "")
	if err != nil {
		if record.ProfilePictureURL != "" {
			d.clearPictureReference(ctx, record)
		}
		return "", err
	}

	record.ProfilePictureURL = key
	record.Touch(d.now())
	var partial error
	if err := d.records.Update(ctx, record); err != nil {
		logger.WithError(err).WithField("key", key).Warn("Picture uploaded but employee reference not saved")
		partial = &PartialFailure{Op: "UploadProfilePicture", Err: err}
	}
	d.invalidate(ctx, employeeID)

	readURL, err := d.blobs.ReadURL(ctx, key, d.urlTTL)
	if err != nil {
		logger.WithError(err).WithField("key", key).Warn("Picture uploaded but read URL not available")
		partial = errors.Join(partial, &PartialFailure{Op: "UploadProfilePicture", Err: err})
	}
	logger.WithField("key", key).Info("Profile picture uploaded")
	return readURL, partial
}

// DeleteProfilePicture removes the employee's pictures and clears the
// reference.
func (d *Directory) DeleteProfilePicture(ctx context.Context, employeeID string) (err error) {
	ctx, span := d.start(ctx, "DeleteProfilePicture", employeeID)
	defer finish(span, &err)

	current, err := d.records.Get(ctx, employeeID)
	if err != nil {
		return err
	}
	if err := d.removePictures(ctx, employeeID); err != nil {
		return err
	}

	record := current.Clone()
	record.ProfilePictureURL = ""
	record.Touch(d.now())
	if err := d.records.Update(ctx, record); err != nil {
		d.logger.WithError(err).WithField("employee_id", employeeID).
			Error("Pictures deleted but employee still references one")
		return err
	}
	d.invalidate(ctx, employeeID)

	d.logger.WithField("employee_id", employeeID).Info("Profile picture deleted")
	return nil
}

// UploadDocument stores a document for an existing employee. Documents are
// never deduplicated. A stored document whose read URL cannot be presigned is
// returned without a URL alongside a *PartialFailure.
func (d *Directory) UploadDocument(ctx context.Context, employeeID string, doc Upload, documentType string) (_ *BlobObject, err error) {
	ctx, span := d.start(ctx, "UploadDocument", employeeID)
	defer finish(span, &err)

	if err := d.checkUpload(doc, CategoryDocument); err != nil {
		return nil, err
	}
	if _, err := d.records.Get(ctx, employeeID); err != nil {
		return nil, err
	}

	key, err := d.blobs.Upload(ctx, doc.Data, employeeID, doc.Filename, CategoryDocument, documentType)
	if err != nil {
		return nil, err
	}
	logger := d.logger.WithFields(logrus.Fields{"employee_id": employeeID, "key": key})
	var partial error
	readURL, err := d.blobs.ReadURL(ctx, key, d.urlTTL)
	if err != nil {
		logger.WithError(err).Warn("Document uploaded but read URL not available")
		partial = &PartialFailure{Op: "UploadDocument", Err: err}
	}

	logger.Info("Document uploaded")
	return &BlobObject{
		Key:          key,
		EmployeeID:   employeeID,
		Filename:     doc.Filename,
		DocumentType: normalizeDocumentType(documentType),
		ContentType:  contentTypeFor(doc.Filename),
		Size:         int64(len(doc.Data)),
		LastModified: d.now().UTC(),
		URL:          readURL,
	}, partial
}

// ListDocuments returns the employee's documents, newest first. An unknown
// employee has no documents.
func (d *Directory) ListDocuments(ctx context.Context, employeeID string) (_ []BlobObject, err error) {
	ctx, span := d.start(ctx, "ListDocuments", employeeID)
	defer finish(span, &err)

	docs, err := d.blobs.ListByPrefix(ctx, EmployeePrefix(CategoryDocument, employeeID), OwnedBy(CategoryDocument, employeeID))
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(docs, func(a, b BlobObject) int {
		return b.LastModified.Compare(a.LastModified)
	})
	return docs, nil
}

// DeleteDocument deletes one document by key. Deleting an absent key
// succeeds.
func (d *Directory) DeleteDocument(ctx context.Context, key string) (err error) {
	ctx, span := d.start(ctx, "DeleteDocument", "")
	defer finish(span, &err)
	span.SetAttributes(attribute.String("blob.key", key))

	rest, ok := strings.CutPrefix(key, CategoryDocument.Prefix())
	if !ok || rest == "" {
		return &ValidationError{Errors: []string{"Document key must start with " + CategoryDocument.Prefix()}}
	}
	if err := d.blobs.DeleteOne(ctx, key); err != nil {
		return err
	}
	d.logger.WithField("key", key).Info("Document deleted")
	return nil
}

// GetDepartments returns the sorted distinct non-empty departments.
func (d *Directory) GetDepartments(ctx context.Context) (_ []string, err error) {
	ctx, span := d.start(ctx, "GetDepartments", "")
	defer finish(span, &err)

	return d.distinct(ctx, "department")
}

// GetPositions returns the sorted distinct non-empty positions.
func (d *Directory) GetPositions(ctx context.Context) (_ []string, err error) {
	ctx, span := d.start(ctx, "GetPositions", "")
	defer finish(span, &err)

	return d.distinct(ctx, "position")
}

// GetStatistics scans the records once and asks the blob store for its
// usage. A usage failure is reported inside StorageInfo.
func (d *Directory) GetStatistics(ctx context.Context) (_ *Statistics, err error) {
	ctx, span := d.start(ctx, "GetStatistics", "")
	defer finish(span, &err)

	employees, err := collect(d.records.ScanAll(ctx))
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		TotalEmployees:      len(employees),
		DepartmentBreakdown: make(map[string]int),
	}
	departments := make(map[string]struct{})
	positions := make(map[string]struct{})
	for _, e := range employees {
		if e.Department != "" {
			departments[e.Department] = struct{}{}
		}
		if e.Position != "" {
			positions[e.Position] = struct{}{}
		}
		if e.ProfilePictureURL != "" {
			stats.EmployeesWithPictures++
		}
		dept := e.Department
		if dept == "" {
			dept = "Unknown"
		}
		stats.DepartmentBreakdown[dept]++
	}
	stats.TotalDepartments = len(departments)
	stats.TotalPositions = len(positions)

	info, err := d.blobs.Usage(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("Error getting bucket info")
		info = &StorageInfo{Error: err.Error()}
	}
	stats.StorageInfo = info
	return stats, nil
}

// HealthCheck checks both stores. It never fails; a check that errors or
// panics reports false.
func (d *Directory) HealthCheck(ctx context.Context) Health {
	ctx, span := d.start(ctx, "HealthCheck", "")
	defer span.End()

	h := Health{
		Database: d.checkStore(ctx, "database", d.records),
		Storage:  d.checkStore(ctx, "storage", d.blobs),
	}
	h.Overall = h.Database && h.Storage
	span.SetAttributes(attribute.Bool("health.overall", h.Overall))
	return h
}

// healthChecker is implemented by both stores.
type healthChecker interface {
	Health(ctx context.Context) error
}

// checkStore calls store.Health inside the recovered frame, so a nil or
// broken store reports false instead of panicking.
func (d *Directory) checkStore(ctx context.Context, name string, store healthChecker) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("store", name).Errorf("Health check panicked: %v", r)
			healthy = false
		}
	}()
	if err := store.Health(ctx); err != nil {
		d.logger.WithError(err).WithField("store", name).Warn("Health check failed")
		return false
	}
	return true
}

// load reads through the cache.
func (d *Directory) load(ctx context.Context, employeeID string) (*Employee, error) {
	cached, err := d.cache.GetEmployee(ctx, employeeID)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrNotFound) {
		d.logger.WithError(err).WithField("employee_id", employeeID).Warn("Cache read failed")
	}

	record, err := d.records.Get(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if err := d.cache.SetEmployee(ctx, record); err != nil {
		d.logger.WithError(err).WithField("employee_id", employeeID).Warn("Cache write failed")
	}
	return record, nil
}

func (d *Directory) invalidate(ctx context.Context, employeeID string) {
	if err := d.cache.DeleteEmployee(ctx, employeeID); err != nil {
		d.logger.WithError(err).WithField("employee_id", employeeID).Warn("Cache invalidation failed")
	}
}

// checkEmailUnused fails with ErrDuplicateEmail when another employee than
// exceptID already has email.
func (d *Directory) checkEmailUnused(ctx context.Context, email, exceptID string) error {
	existing, err := d.records.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.EmployeeID == exceptID {
		return nil
	}
	return fmt.Errorf("email %s belongs to employee %s: %w", email, existing.EmployeeID, ErrDuplicateEmail)
}

func (d *Directory) removePictures(ctx context.Context, employeeID string) error {
	_, err := d.blobs.DeleteByPrefix(ctx, EmployeePrefix(CategoryProfilePicture, employeeID), OwnedBy(CategoryProfilePicture, employeeID))
	if err != nil {
		return fmt.Errorf("failed to remove existing profile picture: %w", err)
	}
	return nil
}

// clearPictureReference is used after the referenced picture is gone and no
// replacement exists.
func (d *Directory) clearPictureReference(ctx context.Context, record *Employee) {
	record.ProfilePictureURL = ""
	record.Touch(d.now())
	if err := d.records.Update(ctx, record); err != nil {
		d.logger.WithError(err).WithField("employee_id", record.EmployeeID).
			Error("Employee references a deleted profile picture")
	}
	d.invalidate(ctx, record.EmployeeID)
}

// freshen returns a copy of record carrying a read URL for the employee's
// newest picture.
func (d *Directory) freshen(ctx context.Context, record *Employee) *Employee {
	out := record.Clone()
	out.ProfilePictureURL = d.pictureURL(ctx, record.EmployeeID)
	return out
}

func (d *Directory) freshenAll(ctx context.Context, seq iter.Seq2[*Employee, error]) ([]*Employee, error) {
	employees, err := collect(seq)
	if err != nil {
		return nil, err
	}
	out := make([]*Employee, 0, len(employees))
	for _, e := range employees {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("failed to load employees: %w: %v", ErrUnavailable, err)
		}
		out = append(out, d.freshen(ctx, e))
	}
	return out, nil
}

func (d *Directory) pictureURL(ctx context.Context, employeeID string) string {
	logger := d.logger.WithField("employee_id", employeeID)

	pictures, err := d.blobs.ListKeys(ctx, EmployeePrefix(CategoryProfilePicture, employeeID), OwnedBy(CategoryProfilePicture, employeeID))
	if err != nil {
		logger.WithError(err).Warn("Error listing profile pictures")
		return ""
	}
	if len(pictures) == 0 {
		return ""
	}

	latest := pictures[0]
	for _, p := range pictures[1:] {
		if p.LastModified.After(latest.LastModified) {
			latest = p
		}
	}

	readURL, err := d.blobs.ReadURL(ctx, latest.Key, d.urlTTL)
	if err != nil {
		logger.WithError(err).WithField("key", latest.Key).Warn("Error generating profile picture URL")
		return ""
	}
	return readURL
}

func (d *Directory) distinct(ctx context.Context, attr string) ([]string, error) {
	seen := make(map[string]struct{})
	for e, err := range d.records.ScanAll(ctx) {
		if err != nil {
			return nil, err
		}
		if v, _ := e.Attribute(attr); v != "" {
			seen[v] = struct{}{}
		}
	}
	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	slices.Sort(values)
	return values, nil
}

func (d *Directory) checkUpload(u Upload, category Category) error {
	var errs []string
	if blank(u.Filename) {
		errs = append(errs, "Filename is required")
	}
	if d.maxFileSize > 0 && int64(len(u.Data)) > d.maxFileSize {
		errs = append(errs, fmt.Sprintf("File must be %d bytes or less", d.maxFileSize))
	}
	if category == CategoryProfilePicture && len(d.pictureExtensions) > 0 && !blank(u.Filename) {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(u.Filename)), ".")
		if !slices.Contains(d.pictureExtensions, ext) {
			errs = append(errs, "Picture must be one of: "+strings.Join(d.pictureExtensions, ", "))
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func (d *Directory) start(ctx context.Context, op, employeeID string) (context.Context, trace.Span) {
	ctx, span := d.tracer.Start(ctx, "Directory."+op)
	if employeeID != "" {
		span.SetAttributes(attribute.String("employee.id", employeeID))
	}
	return ctx, span
}

// finish ends span, recording *errp. Partial failures are recorded without
// marking the span as failed.
func finish(span trace.Span, errp *error) {
	if err := *errp; err != nil {
		span.RecordError(err)
		if !IsPartial(err) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func employeeIDOf(e *Employee) string {
	if e == nil {
		return ""
	}
	return e.EmployeeID
}
