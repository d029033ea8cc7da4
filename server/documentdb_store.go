package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"iter"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DocumentDBStore implements the RecordStore interface on an Amazon
// DocumentDB (MongoDB-compatible) collection.
type DocumentDBStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	pageSize   int32
	timeout    time.Duration
	logger     logrus.FieldLogger
}

// NewDocumentDBStore connects to DocumentDB. password may be empty when the
// connection string carries credentials.
func NewDocumentDBStore(ctx context.Context, config *Config, password string, logger logrus.FieldLogger) (*DocumentDBStore, error) {
	logger = logger.WithField("store", "documentdb")

	clientOptions := options.Client().ApplyURI(config.DocumentDB.ConnectionString)
	if password != "" {
		// Username comes from the connection string when present.
		credential := options.Credential{
			AuthMechanism: "SCRAM-SHA-1",
			AuthSource:    "admin",
			Password:      password,
		}
		if clientOptions.Auth != nil {
			credential.Username = clientOptions.Auth.Username
		}
		clientOptions.SetAuth(credential)
	}

	if config.DocumentDB.TLS {
		tlsConfig, err := createTLSConfig(config.DocumentDB.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %v", err)
		}
		clientOptions.SetTLSConfig(tlsConfig)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DocumentDB: %w: %v", ErrUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping DocumentDB: %w: %v", ErrUnavailable, err)
	}
	logger.WithField("database", config.DocumentDB.DatabaseName).Info("Connected to DocumentDB")

	return &DocumentDBStore{
		client:     client,
		collection: client.Database(config.DocumentDB.DatabaseName).Collection(config.DocumentDB.Collection),
		pageSize:   int32(config.RecordStore.ScanPageSize),
		timeout:    config.Timeouts.RecordStore,
		logger:     logger,
	}, nil
}

// createTLSConfig trusts the given CA bundle in addition to nothing else.
func createTLSConfig(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate from %s: %v", caFile, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// Close disconnects the client.
func (s *DocumentDBStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Create checks for an existing document and then inserts. The two steps
// are not atomic.
func (s *DocumentDBStore) Create(ctx context.Context, e *Employee) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	err := s.collection.FindOne(ctx, bson.M{employeeKey: e.EmployeeID}).Err()
	switch {
	case err == nil:
		return fmt.Errorf("employee %s: %w", e.EmployeeID, ErrAlreadyExists)
	case !errors.Is(err, mongo.ErrNoDocuments):
		return classifyMongoError("check employee existence", err)
	}

	if _, err := s.collection.InsertOne(ctx, e); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("employee %s: %w", e.EmployeeID, ErrAlreadyExists)
		}
		return classifyMongoError("insert employee", err)
	}
	return nil
}

// Get retrieves an employee by ID
func (s *DocumentDBStore) Get(ctx context.Context, employeeID string) (*Employee, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var e Employee
	err := s.collection.FindOne(ctx, bson.M{employeeKey: employeeID}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("employee %s: %w", employeeID, ErrNotFound)
	}
	if err != nil {
		return nil, classifyMongoError("get employee", err)
	}
	return &e, nil
}

// Update replaces the whole document.
func (s *DocumentDBStore) Update(ctx context.Context, e *Employee) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.collection.ReplaceOne(ctx, bson.M{employeeKey: e.EmployeeID}, e)
	if err != nil {
		return classifyMongoError("update employee", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("employee %s: %w", e.EmployeeID, ErrNotFound)
	}
	return nil
}

// Delete deletes an employee
func (s *DocumentDBStore) Delete(ctx context.Context, employeeID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.collection.DeleteOne(ctx, bson.M{employeeKey: employeeID})
	if err != nil {
		return classifyMongoError("delete employee", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("employee %s: %w", employeeID, ErrNotFound)
	}
	return nil
}

// ScanAll iterates a cursor over the collection. The driver fetches further
// batches as the cursor advances.
func (s *DocumentDBStore) ScanAll(ctx context.Context) iter.Seq2[*Employee, error] {
	return func(yield func(*Employee, error) bool) {
		ctx, cancel := withTimeout(ctx, s.timeout)
		defer cancel()

		findOptions := options.Find()
		if s.pageSize > 0 {
			findOptions.SetBatchSize(s.pageSize)
		}

		cursor, err := s.collection.Find(ctx, bson.M{}, findOptions)
		if err != nil {
			yield(nil, classifyMongoError("scan employees", err))
			return
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var e Employee
			if err := cursor.Decode(&e); err != nil {
				s.logger.WithError(err).Warn("Failed to decode employee document, skipping")
				continue
			}
			if !yield(&e, nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(nil, classifyMongoError("scan employees", err))
		}
	}
}

// ScanByAttribute filters a full scan on the client, like the DynamoDB store.
func (s *DocumentDBStore) ScanByAttribute(ctx context.Context, name string, match func(string) bool) iter.Seq2[*Employee, error] {
	return filterByAttribute(s.ScanAll(ctx), name, match)
}

// FindByEmail returns the first document with the email.
func (s *DocumentDBStore) FindByEmail(ctx context.Context, email string) (*Employee, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var e Employee
	err := s.collection.FindOne(ctx, bson.M{"email": email}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("employee with email %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, classifyMongoError("find employee by email", err)
	}
	return &e, nil
}

// Health pings the cluster.
func (s *DocumentDBStore) Health(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return classifyMongoError("ping DocumentDB", err)
	}
	return nil
}

func classifyMongoError(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %v", op, ErrUnavailable, err)
}
