package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// Record store backends.
const (
	BackendDynamoDB   = "dynamodb"
	BackendDocumentDB = "documentdb"
)

// ssmPrefix marks a config path that names an SSM parameter instead of a file.
const ssmPrefix = "ssm:"

// Config represents the server configuration
type Config struct {
	Server struct {
		HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
		GRPCPort int `yaml:"grpc_port" env:"GRPC_PORT"`
	} `yaml:"server"`
	AWS struct {
		Region string `yaml:"region" env:"AWS_REGION"`
	} `yaml:"aws"`
	RecordStore struct {
		Backend      string `yaml:"backend" env:"RECORD_STORE_BACKEND"`
		ScanPageSize int64  `yaml:"scan_page_size" env:"RECORD_STORE_SCAN_PAGE_SIZE"`
	} `yaml:"record_store"`
	DynamoDB struct {
		TableName  string `yaml:"table_name" env:"DYNAMODB_TABLE_NAME"`
		Endpoint   string `yaml:"endpoint" env:"DYNAMODB_ENDPOINT_URL"`
		EmailIndex string `yaml:"email_index" env:"DYNAMODB_EMAIL_INDEX"`
	} `yaml:"dynamodb"`
	DocumentDB struct {
		ConnectionString  string `yaml:"connection_string" env:"DOCUMENTDB_CONNECTION_STRING"`
		PasswordSecretArn string `yaml:"password_secret_arn" env:"DOCUMENTDB_PASSWORD_SECRET_ARN"`
		DatabaseName      string `yaml:"database_name" env:"DOCUMENTDB_DATABASE_NAME"`
		Collection        string `yaml:"collection" env:"DOCUMENTDB_COLLECTION"`
		CAFile            string `yaml:"ca_file" env:"DOCUMENTDB_CA_FILE"`
		TLS               bool   `yaml:"tls" env:"DOCUMENTDB_TLS"`
	} `yaml:"documentdb"`
	S3 struct {
		BucketName     string        `yaml:"bucket_name" env:"S3_BUCKET_NAME"`
		Endpoint       string        `yaml:"endpoint" env:"S3_ENDPOINT_URL"`
		ForcePathStyle bool          `yaml:"force_path_style" env:"S3_FORCE_PATH_STYLE"`
		URLTTL         time.Duration `yaml:"url_ttl" env:"S3_URL_TTL"`
	} `yaml:"s3"`
	Cache struct {
		Address           string `yaml:"address" env:"REDIS_ADDRESS"`
		TTL               int    `yaml:"ttl" env:"REDIS_TTL"`
		PasswordSecretArn string `yaml:"password_secret_arn" env:"REDIS_PASSWORD_SECRET_ARN"`
	} `yaml:"cache"`
	Timeouts struct {
		RecordStore time.Duration `yaml:"record_store" env:"RECORD_STORE_TIMEOUT"`
		BlobStore   time.Duration `yaml:"blob_store" env:"BLOB_STORE_TIMEOUT"`
	} `yaml:"timeouts"`
	Upload struct {
		MaxFileSize              int64    `yaml:"max_file_size" env:"MAX_FILE_SIZE"`
		AllowedPictureExtensions []string `yaml:"allowed_picture_extensions" env:"ALLOWED_PICTURE_EXTENSIONS" envSeparator:","`
	} `yaml:"upload"`
	Logging struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"logging"`
	Tracing struct {
		OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
		ServiceName  string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	} `yaml:"tracing"`
}

// LoadConfig loads the configuration from a YAML file, or from SSM Parameter
// Store when path has the form "ssm:/parameter/name". Environment variables
// override either source. An empty path uses defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	var config *Config
	var err error

	switch {
	case path == "":
		config = &Config{}
	case strings.HasPrefix(path, ssmPrefix):
		sess, serr := session.NewSessionWithOptions(session.Options{
			SharedConfigState: session.SharedConfigEnable,
		})
		if serr != nil {
			return nil, fmt.Errorf("failed to create AWS session: %v", serr)
		}
		config, err = loadConfigFromParameterStore(ssm.New(sess), strings.TrimPrefix(path, ssmPrefix))
	default:
		config, err = loadConfigFromFile(path)
	}
	if err != nil {
		return nil, err
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadConfigFromFile loads the configuration from a YAML file
func loadConfigFromFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}
	return &config, nil
}

// loadConfigFromParameterStore loads the configuration from a SecureString
// parameter. The value may be JSON or YAML; JSON parses as YAML.
func loadConfigFromParameterStore(client ssmiface.SSMAPI, name string) (*Config, error) {
	param, err := client.GetParameter(&ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get parameter from Parameter Store: %v", err)
	}
	if param.Parameter == nil || param.Parameter.Value == nil {
		return nil, fmt.Errorf("parameter %s has no value", name)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(aws.StringValue(param.Parameter.Value)), &config); err != nil {
		return nil, fmt.Errorf("failed to parse parameter value: %v", err)
	}
	return &config, nil
}

// applyDefaults sets default values for the configuration
func applyDefaults(config *Config) {
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.Server.GRPCPort == 0 {
		config.Server.GRPCPort = 8081
	}
	if config.AWS.Region == "" {
		config.AWS.Region = "us-east-1"
	}
	if config.RecordStore.Backend == "" {
		config.RecordStore.Backend = BackendDynamoDB
	}
	if config.DynamoDB.TableName == "" {
		config.DynamoDB.TableName = "employees"
	}
	if config.DocumentDB.DatabaseName == "" {
		config.DocumentDB.DatabaseName = "employee-directory"
	}
	if config.DocumentDB.Collection == "" {
		config.DocumentDB.Collection = "employees"
	}
	if config.S3.BucketName == "" {
		config.S3.BucketName = "employee-directory-files"
	}
	if config.S3.URLTTL == 0 {
		config.S3.URLTTL = time.Hour
	}
	if config.Cache.TTL == 0 {
		config.Cache.TTL = 3600
	}
	if config.Upload.MaxFileSize == 0 {
		config.Upload.MaxFileSize = 5 * 1024 * 1024
	}
	if len(config.Upload.AllowedPictureExtensions) == 0 {
		config.Upload.AllowedPictureExtensions = []string{"png", "jpg", "jpeg", "gif"}
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = "employee-directory"
	}
}

// Validate rejects configurations that cannot produce working adapters.
func (c *Config) Validate() error {
	switch c.RecordStore.Backend {
	case BackendDynamoDB, BackendDocumentDB:
	default:
		return fmt.Errorf("unknown record store backend: %q", c.RecordStore.Backend)
	}
	if c.RecordStore.Backend == BackendDocumentDB && c.DocumentDB.ConnectionString == "" {
		return fmt.Errorf("documentdb connection_string is required")
	}
	// Bucket names in templates carry the account id as "[account]".
	if strings.ContainsAny(c.S3.BucketName, "[]") {
		return fmt.Errorf("S3 bucket name contains placeholders: %s", c.S3.BucketName)
	}
	if c.RecordStore.ScanPageSize < 0 {
		return fmt.Errorf("scan_page_size must not be negative")
	}
	return nil
}

// awsConfig returns the SDK config for one service, honoring an endpoint
// override for local emulators.
func (c *Config) awsConfig(endpoint string) *aws.Config {
	cfg := aws.NewConfig().WithRegion(c.AWS.Region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint)
	}
	return cfg
}
