package server

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/sirupsen/logrus"
)

const employeeKey = "employee_id"

// Empty optional attributes are stored as "" rather than NULL.
var employeeEncoder = dynamodbattribute.NewEncoder(func(e *dynamodbattribute.Encoder) {
	e.NullEmptyString = false
})

// DynamoDBStore implements the RecordStore interface using AWS DynamoDB
type DynamoDBStore struct {
	client     dynamodbiface.DynamoDBAPI
	tableName  string
	emailIndex string
	pageSize   int64
	timeout    time.Duration
	logger     logrus.FieldLogger
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(sess client.ConfigProvider, config *Config, logger logrus.FieldLogger) *DynamoDBStore {
	return &DynamoDBStore{
		client:     dynamodb.New(sess, config.awsConfig(config.DynamoDB.Endpoint)),
		tableName:  config.DynamoDB.TableName,
		emailIndex: config.DynamoDB.EmailIndex,
		pageSize:   config.RecordStore.ScanPageSize,
		timeout:    config.Timeouts.RecordStore,
		logger:     logger.WithField("store", "dynamodb"),
	}
}

// Create puts a new item, conditional on the key being unused.
func (s *DynamoDBStore) Create(ctx context.Context, e *Employee) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	av, err := marshalEmployee(e)
	if err != nil {
		return err
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(employee_id)"),
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("employee %s: %w", e.EmployeeID, ErrAlreadyExists)
	}
	if err != nil {
		return classifyAWSError("put employee item", err)
	}
	return nil
}

// Get retrieves an employee by ID
func (s *DynamoDBStore) Get(ctx context.Context, employeeID string) (*Employee, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       keyFor(employeeID),
	})
	if err != nil {
		return nil, classifyAWSError("get employee", err)
	}
	if result.Item == nil {
		return nil, fmt.Errorf("employee %s: %w", employeeID, ErrNotFound)
	}

	var e Employee
	if err := dynamodbattribute.UnmarshalMap(result.Item, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal employee item: %v", err)
	}
	return &e, nil
}

// Update overwrites an existing item.
func (s *DynamoDBStore) Update(ctx context.Context, e *Employee) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	av, err := marshalEmployee(e)
	if err != nil {
		return err
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(employee_id)"),
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("employee %s: %w", e.EmployeeID, ErrNotFound)
	}
	if err != nil {
		return classifyAWSError("update employee", err)
	}
	return nil
}

// Delete deletes an employee
func (s *DynamoDBStore) Delete(ctx context.Context, employeeID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 keyFor(employeeID),
		ConditionExpression: aws.String("attribute_exists(employee_id)"),
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("employee %s: %w", employeeID, ErrNotFound)
	}
	if err != nil {
		return classifyAWSError("delete employee", err)
	}
	return nil
}

// ScanAll walks the table page by page, following LastEvaluatedKey.
func (s *DynamoDBStore) ScanAll(ctx context.Context) iter.Seq2[*Employee, error] {
	return func(yield func(*Employee, error) bool) {
		input := &dynamodb.ScanInput{
			TableName: aws.String(s.tableName),
		}
		if s.pageSize > 0 {
			input.Limit = aws.Int64(s.pageSize)
		}

		for {
			result, err := s.scanPage(ctx, input)
			if err != nil {
				yield(nil, err)
				return
			}

			for _, item := range result.Items {
				var e Employee
				if err := dynamodbattribute.UnmarshalMap(item, &e); err != nil {
					s.logger.WithError(err).Warn("Failed to unmarshal employee item, skipping")
					continue
				}
				if !yield(&e, nil) {
					return
				}
			}

			if len(result.LastEvaluatedKey) == 0 {
				return
			}
			input.ExclusiveStartKey = result.LastEvaluatedKey
		}
	}
}

func (s *DynamoDBStore) scanPage(ctx context.Context, input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.client.ScanWithContext(ctx, input)
	if err != nil {
		return nil, classifyAWSError("scan employees", err)
	}
	return result, nil
}

// ScanByAttribute filters a full scan on the client. This costs a read of
// the whole table per call.
func (s *DynamoDBStore) ScanByAttribute(ctx context.Context, name string, match func(string) bool) iter.Seq2[*Employee, error] {
	return filterByAttribute(s.ScanAll(ctx), name, match)
}

// FindByEmail returns the first employee with the email. With an email index
// configured it queries the index, otherwise it scans.
func (s *DynamoDBStore) FindByEmail(ctx context.Context, email string) (*Employee, error) {
	if s.emailIndex != "" {
		return s.queryEmailIndex(ctx, email)
	}
	for e, err := range s.ScanByAttribute(ctx, "email", equals(email)) {
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("employee with email %s: %w", email, ErrNotFound)
}

// queryEmailIndex queries the email GSI
func (s *DynamoDBStore) queryEmailIndex(ctx context.Context, email string) (*Employee, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	keyCondition := expression.Key("email").Equal(expression.Value(email))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCondition).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %v", err)
	}

	result, err := s.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(s.emailIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int64(1),
	})
	if err != nil {
		return nil, classifyAWSError("query email index", err)
	}
	if len(result.Items) == 0 {
		return nil, fmt.Errorf("employee with email %s: %w", email, ErrNotFound)
	}

	var e Employee
	if err := dynamodbattribute.UnmarshalMap(result.Items[0], &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal employee item: %v", err)
	}
	return &e, nil
}

// Health reports whether the table is ACTIVE.
func (s *DynamoDBStore) Health(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		return classifyAWSError("describe table", err)
	}
	if result.Table == nil || aws.StringValue(result.Table.TableStatus) != dynamodb.TableStatusActive {
		return fmt.Errorf("table %s is not active: %w", s.tableName, ErrUnavailable)
	}
	return nil
}

func keyFor(employeeID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		employeeKey: {
			S: aws.String(employeeID),
		},
	}
}

func marshalEmployee(e *Employee) (map[string]*dynamodb.AttributeValue, error) {
	av, err := employeeEncoder.Encode(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal employee item: %v", err)
	}
	return av.M, nil
}

// filterByAttribute is shared by the record store backends.
func filterByAttribute(seq iter.Seq2[*Employee, error], name string, match func(string) bool) iter.Seq2[*Employee, error] {
	return func(yield func(*Employee, error) bool) {
		for e, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			value, ok := e.Attribute(name)
			if !ok || !match(value) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func equals(want string) func(string) bool {
	return func(got string) bool { return got == want }
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
