package server

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/sirupsen/logrus"
)

const (
	// DeleteObjects accepts at most this many keys per request.
	maxDeleteBatch = 1000

	// listingURLTTL is the fixed lifetime of URLs handed out by ListByPrefix.
	listingURLTTL = time.Hour

	metaEmployeeID       = "employee_id"
	metaOriginalFilename = "original_filename"
	metaDocumentType     = "document_type"
)

// S3BlobStore implements the BlobStore interface using AWS S3
type S3BlobStore struct {
	client     s3iface.S3API
	uploader   s3manageriface.UploaderAPI
	bucketName string
	timeout    time.Duration
	logger     logrus.FieldLogger
}

// NewS3BlobStore creates a new S3 blob store
func NewS3BlobStore(sess client.ConfigProvider, config *Config, logger logrus.FieldLogger) (*S3BlobStore, error) {
	if config.S3.BucketName == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	cfg := config.awsConfig(config.S3.Endpoint).WithS3ForcePathStyle(config.S3.ForcePathStyle)
	svc := s3.New(sess, cfg)

	return &S3BlobStore{
		client:     svc,
		uploader:   s3manager.NewUploaderWithClient(svc),
		bucketName: config.S3.BucketName,
		timeout:    config.Timeouts.BlobStore,
		logger:     logger.WithField("store", "s3"),
	}, nil
}

// Upload stores data under a new key for the employee.
func (s *S3BlobStore) Upload(ctx context.Context, data []byte, employeeID, filename string, category Category, documentType string) (string, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	key := objectKey(category, employeeID, filename, documentType)
	metadata := map[string]*string{
		metaEmployeeID:       aws.String(employeeID),
		metaOriginalFilename: aws.String(url.QueryEscape(filename)),
	}
	if category == CategoryDocument {
		metadata[metaDocumentType] = aws.String(normalizeDocumentType(documentType))
	}

	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypeFor(filename)),
		Metadata:    metadata,
	})
	if err != nil {
		return "", classifyAWSError("upload blob", err)
	}

	s.logger.WithFields(logrus.Fields{"key": key, "size": len(data)}).Info("Blob uploaded")
	return key, nil
}

// DeleteByPrefix lists the matching keys and removes them in batches.
func (s *S3BlobStore) DeleteByPrefix(ctx context.Context, prefix string, filter KeyFilter) (int, error) {
	summaries, err := s.ListKeys(ctx, prefix, filter)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for start := 0; start < len(summaries); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(summaries))

		objects := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, obj := range summaries[start:end] {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(obj.Key)})
		}

		n, err := s.deleteBatch(ctx, objects)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}

	if deleted > 0 {
		s.logger.WithFields(logrus.Fields{"prefix": prefix, "count": deleted}).Info("Deleted blobs")
	}
	return deleted, nil
}

func (s *S3BlobStore) deleteBatch(ctx context.Context, objects []*s3.ObjectIdentifier) (int, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	output, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucketName),
		Delete: &s3.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return 0, classifyAWSError("delete blobs", err)
	}
	if len(output.Errors) > 0 {
		first := output.Errors[0]
		return len(objects) - len(output.Errors), fmt.Errorf("failed to delete %d of %d blobs (%s: %s): %w",
			len(output.Errors), len(objects), aws.StringValue(first.Key), aws.StringValue(first.Message), ErrUnavailable)
	}
	return len(objects), nil
}

// DeleteOne removes a single object. S3 reports success for absent keys.
func (s *S3BlobStore) DeleteOne(ctx context.Context, key string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyAWSError("delete blob", err)
	}
	return nil
}

// ListKeys returns key, size and modification time of every matching object.
func (s *S3BlobStore) ListKeys(ctx context.Context, prefix string, filter KeyFilter) ([]ObjectSummary, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var summaries []ObjectSummary
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if filter != nil && !filter(key) {
				continue
			}
			summaries = append(summaries, ObjectSummary{
				Key:          key,
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, classifyAWSError("list blobs", err)
	}
	return summaries, nil
}

// ListByPrefix lists matching objects with their metadata and a read URL.
// Objects whose metadata cannot be read are skipped.
func (s *S3BlobStore) ListByPrefix(ctx context.Context, prefix string, filter KeyFilter) ([]BlobObject, error) {
	summaries, err := s.ListKeys(ctx, prefix, filter)
	if err != nil {
		return nil, err
	}

	objects := make([]BlobObject, 0, len(summaries))
	for _, summary := range summaries {
		obj, err := s.describe(ctx, summary)
		if err != nil {
			s.logger.WithError(err).WithField("key", summary.Key).Warn("Error getting blob metadata, skipping")
			continue
		}
		objects = append(objects, *obj)
	}
	return objects, nil
}

func (s *S3BlobStore) describe(ctx context.Context, summary ObjectSummary) (*BlobObject, error) {
	head, err := s.head(ctx, summary.Key)
	if err != nil {
		return nil, err
	}
	readURL, err := s.presign(summary.Key, listingURLTTL)
	if err != nil {
		return nil, err
	}

	filename := "Unknown"
	if v, ok := metadataValue(head.Metadata, metaOriginalFilename); ok {
		if decoded, err := url.QueryUnescape(v); err == nil {
			v = decoded
		}
		filename = v
	}
	employeeID, _ := metadataValue(head.Metadata, metaEmployeeID)

	obj := &BlobObject{
		Key:          summary.Key,
		EmployeeID:   employeeID,
		Filename:     filename,
		ContentType:  aws.StringValue(head.ContentType),
		Size:         summary.Size,
		LastModified: summary.LastModified,
		URL:          readURL,
	}
	if strings.HasPrefix(summary.Key, CategoryDocument.Prefix()) {
		obj.DocumentType = defaultDocumentType
		if v, ok := metadataValue(head.Metadata, metaDocumentType); ok {
			obj.DocumentType = v
		}
	}
	return obj, nil
}

// ReadURL returns a presigned GET URL for an existing key.
func (s *S3BlobStore) ReadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := s.head(ctx, key); err != nil {
		return "", err
	}
	return s.presign(key, ttl)
}

func (s *S3BlobStore) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	output, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyAWSError("get blob metadata", err)
	}
	return output, nil
}

func (s *S3BlobStore) presign(key string, ttl time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	readURL, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return readURL, nil
}

// Usage walks the whole bucket once to count objects and bytes.
func (s *S3BlobStore) Usage(ctx context.Context) (*StorageInfo, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	info := &StorageInfo{BucketName: s.bucketName}

	location, err := s.client.GetBucketLocationWithContext(ctx, &s3.GetBucketLocationInput{
		Bucket: aws.String(s.bucketName),
	})
	if err != nil {
		return nil, classifyAWSError("get bucket location", err)
	}
	info.Region = aws.StringValue(location.LocationConstraint)
	if info.Region == "" {
		info.Region = "us-east-1"
	}

	err = s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			info.TotalObjects++
			info.TotalSizeBytes += aws.Int64Value(obj.Size)
		}
		return true
	})
	if err != nil {
		return nil, classifyAWSError("list bucket", err)
	}

	info.TotalSizeMB = math.Round(float64(info.TotalSizeBytes)/(1024*1024)*100) / 100
	return info, nil
}

// Health lists at most one key.
func (s *S3BlobStore) Health(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucketName),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return classifyAWSError("list bucket", err)
	}
	return nil
}

// metadataValue looks a user-metadata key up case-insensitively; S3 returns
// keys in canonical header form.
func metadataValue(metadata map[string]*string, key string) (string, bool) {
	for k, v := range metadata {
		if strings.EqualFold(k, key) && v != nil {
			return *v, true
		}
	}
	return "", false
}
