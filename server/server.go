package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// multipartMemory bounds the in-memory part of a parsed multipart form.
const multipartMemory = 32 << 20

// OpenDirectory builds the record store, blob store and cache named by config
// and returns a Directory over them. The returned function releases the
// connections.
func OpenDirectory(ctx context.Context, config *Config, logger logrus.FieldLogger) (*Directory, func(context.Context) error, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            aws.Config{Region: aws.String(config.AWS.Region)},
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AWS session: %v", err)
	}
	secrets := secretsmanager.New(sess)

	var closers []func(context.Context) error
	closeAll := func(ctx context.Context) error {
		var errs error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = errors.Join(errs, closers[i](ctx))
		}
		return errs
	}

	var records RecordStore
	switch config.RecordStore.Backend {
	case BackendDocumentDB:
		var password string
		if config.DocumentDB.PasswordSecretArn != "" {
			password, err = getSecretString(ctx, secrets, config.DocumentDB.PasswordSecretArn)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to get DocumentDB password: %v", err)
			}
		}
		store, err := NewDocumentDBStore(ctx, config, password, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create DocumentDB store: %w", err)
		}
		closers = append(closers, store.Close)
		records = store
	default:
		records = NewDynamoDBStore(sess, config, logger)
	}

	blobs, err := NewS3BlobStore(sess, config, logger)
	if err != nil {
		closeAll(ctx)
		return nil, nil, fmt.Errorf("failed to create S3 blob store: %v", err)
	}

	var cache Cache = &NoOpCache{}
	if config.Cache.Address != "" {
		redisCache, err := newRedisCacheFromConfig(ctx, config, secrets)
		if err != nil {
			logger.WithError(err).Warn("Failed to create Redis cache, continuing with NoOpCache")
		} else {
			logger.WithField("address", config.Cache.Address).Info("Connected to Redis cache")
			closers = append(closers, func(context.Context) error { return redisCache.Close() })
			cache = redisCache
		}
	} else {
		logger.Info("No Redis address configured, using NoOpCache")
	}

	directory := NewDirectory(records, blobs,
		WithCache(cache),
		WithLogger(logger),
		WithURLTTL(config.S3.URLTTL),
		WithUploadLimits(config.Upload.MaxFileSize, config.Upload.AllowedPictureExtensions),
	)
	return directory, closeAll, nil
}

func newRedisCacheFromConfig(ctx context.Context, config *Config, secrets *secretsmanager.SecretsManager) (*RedisCache, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var password string
	if config.Cache.PasswordSecretArn != "" {
		var err error
		password, err = getSecretString(ctx, secrets, config.Cache.PasswordSecretArn)
		if err != nil {
			return nil, err
		}
	}
	return NewRedisCache(ctx, config.Cache.Address, password, config.Cache.TTL)
}

// Server exposes a Directory over HTTP/JSON and the gRPC health protocol.
type Server struct {
	config    *Config
	directory *Directory
	logger    logrus.FieldLogger
	grpcSrv   *grpc.Server
	httpSrv   *http.Server
	closers   []func(context.Context) error
}

// NewServer wires tracing, the stores and the directory from config.
func NewServer(ctx context.Context, config *Config, logger logrus.FieldLogger) (*Server, error) {
	shutdownTracing, err := InitTracing(ctx, config, logger)
	if err != nil {
		return nil, err
	}

	directory, closeDirectory, err := OpenDirectory(ctx, config, logger)
	if err != nil {
		shutdownTracing(ctx)
		return nil, err
	}

	s := newServer(config, directory, logger)
	s.closers = append(s.closers, closeDirectory, shutdownTracing)
	return s, nil
}

func newServer(config *Config, directory *Directory, logger logrus.FieldLogger) *Server {
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(grpcSrv, newHealthServer(directory))
	reflection.Register(grpcSrv)

	s := &Server{
		config:    config,
		directory: directory,
		logger:    logger,
		grpcSrv:   grpcSrv,
	}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Server.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves gRPC in the background and HTTP until Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.GRPCPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	go func() {
		s.logger.Infof("gRPC server listening on %s", addr)
		if err := s.grpcSrv.Serve(lis); err != nil {
			s.logger.WithError(err).Error("gRPC server stopped")
		}
	}()

	s.logger.Infof("HTTP server listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts both servers down and releases the stores.
func (s *Server) Stop(ctx context.Context) error {
	s.grpcSrv.GracefulStop()
	err := s.httpSrv.Shutdown(ctx)
	for _, closeFn := range s.closers {
		err = errors.Join(err, closeFn(ctx))
	}
	return err
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/statistics", s.handleStatistics)
	mux.HandleFunc("/api/departments", s.handleDepartments)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/employees", s.handleEmployees)
	mux.HandleFunc("/api/employees/", s.handleEmployeeOrSubresource)
	mux.HandleFunc("/api/documents/", s.handleDocument)
	return mux
}

// handleHealth answers 503 when either store is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health := s.directory.HealthCheck(r.Context())
	status := http.StatusOK
	if !health.Overall {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.directory.GetStatistics(r.Context())
	if err != nil {
		s.writeError(w, "get statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDepartments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	departments, err := s.directory.GetDepartments(r.Context())
	if err != nil {
		s.writeError(w, "get departments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"departments": departments})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	positions, err := s.directory.GetPositions(r.Context())
	if err != nil {
		s.writeError(w, "get positions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

// handleEmployees handles the /api/employees endpoint
func (s *Server) handleEmployees(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		var employees []*Employee
		var err error
		query := r.URL.Query()
		switch {
		case query.Get("department") != "":
			employees, err = s.directory.SearchByDepartment(ctx, query.Get("department"))
		case query.Get("position") != "":
			employees, err = s.directory.SearchByPosition(ctx, query.Get("position"))
		default:
			employees, err = s.directory.ListEmployees(ctx)
		}
		if err != nil {
			s.writeError(w, "list employees", err)
			return
		}
		if employees == nil {
			employees = []*Employee{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"employees": employees})

	case http.MethodPost:
		employee, pic, err := s.decodeEmployee(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if employee.EmployeeID == "" {
			employee.EmployeeID = NewEmployeeID()
		}

		created, err := s.directory.AddEmployee(ctx, employee, pic)
		if err != nil {
			s.writeError(w, "add employee", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleEmployeeOrSubresource handles /api/employees/{id}, /api/employees/{id}/picture
// and /api/employees/{id}/documents
func (s *Server) handleEmployeeOrSubresource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/employees/")
	parts := strings.Split(path, "/")

	switch {
	case parts[0] == "":
		http.NotFound(w, r)
	case len(parts) == 1:
		s.handleEmployee(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "picture":
		s.handlePicture(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "documents":
		s.handleDocuments(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleEmployee(w http.ResponseWriter, r *http.Request, employeeID string) {
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		employee, err := s.directory.GetEmployee(ctx, employeeID)
		if err != nil {
			s.writeError(w, "get employee", err)
			return
		}
		writeJSON(w, http.StatusOK, employee)

	case http.MethodPut:
		employee, pic, err := s.decodeEmployee(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		employee.EmployeeID = employeeID

		updated, err := s.directory.UpdateEmployee(ctx, employee, pic)
		if err != nil && !IsPartial(err) {
			s.writeError(w, "update employee", err)
			return
		}
		writeJSON(w, http.StatusOK, withWarning(map[string]interface{}{"employee": updated}, err))

	case http.MethodDelete:
		err := s.directory.DeleteEmployee(ctx, employeeID)
		if err != nil && !IsPartial(err) {
			s.writeError(w, "delete employee", err)
			return
		}
		writeJSON(w, http.StatusOK, withWarning(map[string]interface{}{"deleted": employeeID}, err))

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePicture takes the raw image as the request body.
func (s *Server) handlePicture(w http.ResponseWriter, r *http.Request, employeeID string) {
	ctx := r.Context()

	switch r.Method {
	case http.MethodPut:
		upload, err := s.readUpload(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		readURL, err := s.directory.UploadProfilePicture(ctx, employeeID, *upload)
		if err != nil && !IsPartial(err) {
			s.writeError(w, "upload profile picture", err)
			return
		}
		writeJSON(w, http.StatusOK, withWarning(map[string]interface{}{"profile_picture_url": readURL}, err))

	case http.MethodDelete:
		if err := s.directory.DeleteProfilePicture(ctx, employeeID); err != nil {
			s.writeError(w, "delete profile picture", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, employeeID string) {
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		documents, err := s.directory.ListDocuments(ctx, employeeID)
		if err != nil {
			s.writeError(w, "list documents", err)
			return
		}
		if documents == nil {
			documents = []BlobObject{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"documents": documents})

	case http.MethodPost:
		upload, err := s.readUpload(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		document, err := s.directory.UploadDocument(ctx, employeeID, *upload, r.URL.Query().Get("type"))
		if err != nil && !IsPartial(err) {
			s.writeError(w, "upload document", err)
			return
		}
		resp := documentResponse{BlobObject: document}
		if err != nil {
			resp.Warning = err.Error()
		}
		writeJSON(w, http.StatusCreated, resp)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDocument deletes /api/documents/{key}; the key keeps its slashes.
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	if err := s.directory.DeleteDocument(r.Context(), key); err != nil {
		s.writeError(w, "delete document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeEmployee reads a JSON body, or a multipart form whose optional
// "profile_picture" file becomes the picture upload.
func (s *Server) decodeEmployee(r *http.Request) (*Employee, *Upload, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var employee Employee
		if err := json.NewDecoder(r.Body).Decode(&employee); err != nil {
			return nil, nil, fmt.Errorf("invalid employee JSON: %v", err)
		}
		return &employee, nil, nil
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, nil, fmt.Errorf("invalid form: %v", err)
	}
	employee := &Employee{
		EmployeeID: r.FormValue("employee_id"),
		FirstName:  r.FormValue("first_name"),
		LastName:   r.FormValue("last_name"),
		Email:      r.FormValue("email"),
		Position:   r.FormValue("position"),
		Department: r.FormValue("department"),
		Phone:      r.FormValue("phone"),
		HireDate:   r.FormValue("hire_date"),
	}

	file, header, err := r.FormFile("profile_picture")
	if errors.Is(err, http.ErrMissingFile) {
		return employee, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("invalid profile picture: %v", err)
	}
	defer file.Close()

	data, err := s.readLimited(file)
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 || header.Filename == "" {
		return employee, nil, nil
	}
	return employee, &Upload{Data: data, Filename: header.Filename}, nil
}

// readUpload takes the body as file content and ?filename= as its name.
func (s *Server) readUpload(r *http.Request) (*Upload, error) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	data, err := s.readLimited(r.Body)
	if err != nil {
		return nil, err
	}
	return &Upload{Data: data, Filename: filename}, nil
}

// readLimited reads one byte past the upload limit so the directory can
// reject oversized files itself.
func (s *Server) readLimited(r io.Reader) ([]byte, error) {
	if limit := s.config.Upload.MaxFileSize; limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %v", err)
	}
	return data, nil
}

// writeError maps error kinds onto status codes.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	var validation *ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "validation failed",
			"errors": validation.Errors,
		})
		return
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	s.logger.WithError(err).Errorf("Failed to %s", op)
	status := http.StatusInternalServerError
	if errors.Is(err, ErrUnavailable) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf("failed to %s", op)})
}

// documentResponse is an uploaded document plus the warning of a partial upload.
type documentResponse struct {
	*BlobObject
	Warning string `json:"warning,omitempty"`
}

func withWarning(body map[string]interface{}, err error) map[string]interface{} {
	if err != nil {
		body["warning"] = err.Error()
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
