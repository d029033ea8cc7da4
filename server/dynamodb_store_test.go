package server

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamoDB keeps one table in memory and honors the condition
// expressions used by DynamoDBStore.
type fakeDynamoDB struct {
	dynamodbiface.DynamoDBAPI

	mu        sync.Mutex
	items     map[string]map[string]*dynamodb.AttributeValue
	order     []string
	status    string
	err       error
	scanCalls int
	queries   []*dynamodb.QueryInput

	// hang makes GetItem and Scan block until the request context is done.
	hang bool
	// afterScan runs after each served Scan page.
	afterScan func()
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{
		items:  make(map[string]map[string]*dynamodb.AttributeValue),
		status: dynamodb.TableStatusActive,
	}
}

// canceled mirrors the SDK's error for a request whose context is done.
func canceled(ctx aws.Context) error {
	return awserr.New(request.CanceledErrorCode, "request context canceled", ctx.Err())
}

func (f *fakeDynamoDB) wait(ctx aws.Context) error {
	if f.hang {
		<-ctx.Done()
	}
	if ctx.Err() != nil {
		return canceled(ctx)
	}
	return nil
}

func conditionalCheckFailed() error {
	return awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
}

func (f *fakeDynamoDB) checkCondition(condition *string, id string) error {
	_, exists := f.items[id]
	switch cond := aws.StringValue(condition); {
	case strings.HasPrefix(cond, "attribute_not_exists"):
		if exists {
			return conditionalCheckFailed()
		}
	case strings.HasPrefix(cond, "attribute_exists"):
		if !exists {
			return conditionalCheckFailed()
		}
	}
	return nil
}

func (f *fakeDynamoDB) PutItemWithContext(ctx aws.Context, input *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	id := aws.StringValue(input.Item[employeeKey].S)
	if err := f.checkCondition(input.ConditionExpression, id); err != nil {
		return nil, err
	}
	if _, exists := f.items[id]; !exists {
		f.order = append(f.order, id)
	}
	f.items[id] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[aws.StringValue(input.Key[employeeKey].S)]}, nil
}

func (f *fakeDynamoDB) DeleteItemWithContext(ctx aws.Context, input *dynamodb.DeleteItemInput, opts ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	id := aws.StringValue(input.Key[employeeKey].S)
	if err := f.checkCondition(input.ConditionExpression, id); err != nil {
		return nil, err
	}
	delete(f.items, id)
	for i, existing := range f.order {
		if existing == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoDB) ScanWithContext(ctx aws.Context, input *dynamodb.ScanInput, opts ...request.Option) (*dynamodb.ScanOutput, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCalls++
	if f.afterScan != nil {
		defer f.afterScan()
	}
	if f.err != nil {
		return nil, f.err
	}

	start := 0
	if input.ExclusiveStartKey != nil {
		last := aws.StringValue(input.ExclusiveStartKey[employeeKey].S)
		for i, id := range f.order {
			if id == last {
				start = i + 1
				break
			}
		}
	}
	end := len(f.order)
	if input.Limit != nil && start+int(*input.Limit) < end {
		end = start + int(*input.Limit)
	}

	output := &dynamodb.ScanOutput{}
	for _, id := range f.order[start:end] {
		output.Items = append(output.Items, f.items[id])
	}
	if end < len(f.order) {
		output.LastEvaluatedKey = keyFor(f.order[end-1])
	}
	return output, nil
}

func (f *fakeDynamoDB) QueryWithContext(ctx aws.Context, input *dynamodb.QueryInput, opts ...request.Option) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, input)
	if f.err != nil {
		return nil, f.err
	}

	var email string
	for _, v := range input.ExpressionAttributeValues {
		email = aws.StringValue(v.S)
	}
	output := &dynamodb.QueryOutput{}
	for _, id := range f.order {
		if item := f.items[id]; item["email"] != nil && aws.StringValue(item["email"].S) == email {
			output.Items = append(output.Items, item)
		}
	}
	return output, nil
}

func (f *fakeDynamoDB) DescribeTableWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.DescribeTableOutput{Table: &dynamodb.TableDescription{
		TableName:   input.TableName,
		TableStatus: aws.String(f.status),
	}}, nil
}

func newTestDynamoDBStore(t *testing.T, fake *fakeDynamoDB) (*DynamoDBStore, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	return &DynamoDBStore{
		client:    fake,
		tableName: "employees",
		pageSize:  2,
		logger:    logger,
	}, hook
}

func TestDynamoDBStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamoDB()
	store, _ := newTestDynamoDBStore(t, fake)

	e := testEmployee("e1", "ada@example.com")
	e.Phone = ""
	e.CreatedAt = "2024-01-01T00:00:00.000000"
	e.UpdatedAt = e.CreatedAt
	require.NoError(t, store.Create(ctx, e))

	phone := fake.items["e1"]["phone"]
	require.NotNil(t, phone)
	assert.NotNil(t, phone.S, "empty attributes are stored as empty strings")
	assert.Nil(t, phone.NULL)

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}

	err = store.Create(ctx, testEmployee("e1", "other@example.com"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
	got, err = store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)
}

func TestDynamoDBStore_GetNotFound(t *testing.T) {
	store, _ := newTestDynamoDBStore(t, newFakeDynamoDB())

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoDBStore_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestDynamoDBStore(t, newFakeDynamoDB())

	assert.ErrorIs(t, store.Update(ctx, testEmployee("e1", "ada@example.com")), ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "e1"), ErrNotFound)

	require.NoError(t, store.Create(ctx, testEmployee("e1", "ada@example.com")))
	changed := testEmployee("e1", "ada@example.com")
	changed.Position = "Analyst"
	require.NoError(t, store.Update(ctx, changed))

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Analyst", got.Position)

	require.NoError(t, store.Delete(ctx, "e1"))
	_, err = store.Get(ctx, "e1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoDBStore_ScanAllFollowsPages(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamoDB()
	store, _ := newTestDynamoDBStore(t, fake)

	ids := []string{"e1", "e2", "e3", "e4", "e5"}
	for _, id := range ids {
		require.NoError(t, store.Create(ctx, testEmployee(id, id+"@example.com")))
	}

	employees, err := collect(store.ScanAll(ctx))
	require.NoError(t, err)
	var got []string
	for _, e := range employees {
		got = append(got, e.EmployeeID)
	}
	assert.Equal(t, ids, got)
	assert.Equal(t, 3, fake.scanCalls)

	// A second scan starts over.
	employees, err = collect(store.ScanAll(ctx))
	require.NoError(t, err)
	assert.Len(t, employees, 5)
}

func TestDynamoDBStore_ScanAllStopsEarly(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamoDB()
	store, _ := newTestDynamoDBStore(t, fake)
	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		require.NoError(t, store.Create(ctx, testEmployee(id, id+"@example.com")))
	}

	for range store.ScanAll(ctx) {
		break
	}
	assert.Equal(t, 1, fake.scanCalls)
}

func TestDynamoDBStore_ScanSkipsMalformedItems(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamoDB()
	store, hook := newTestDynamoDBStore(t, fake)

	require.NoError(t, store.Create(ctx, testEmployee("e1", "e1@example.com")))
	fake.items["bad"] = map[string]*dynamodb.AttributeValue{
		employeeKey:  {S: aws.String("bad")},
		"first_name": {BOOL: aws.Bool(true)},
	}
	fake.order = append(fake.order, "bad")
	require.NoError(t, store.Create(ctx, testEmployee("e2", "e2@example.com")))

	employees, err := collect(store.ScanAll(ctx))
	require.NoError(t, err)
	assert.Len(t, employees, 2)
	assert.NotEmpty(t, hook.AllEntries())
}

func TestDynamoDBStore_ScanError(t *testing.T) {
	fake := newFakeDynamoDB()
	fake.err = awserr.New(dynamodb.ErrCodeProvisionedThroughputExceededException, "slow down", nil)
	store, _ := newTestDynamoDBStore(t, fake)

	_, err := collect(store.ScanAll(context.Background()))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDynamoDBStore_Timeout(t *testing.T) {
	fake := newFakeDynamoDB()
	fake.hang = true
	store, _ := newTestDynamoDBStore(t, fake)
	store.timeout = 20 * time.Millisecond

	start := time.Now()
	_, err := store.Get(context.Background(), "e1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)

	start = time.Now()
	_, err = collect(store.ScanAll(context.Background()))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDynamoDBStore_CanceledContext(t *testing.T) {
	fake := newFakeDynamoDB()
	fake.hang = true
	store, _ := newTestDynamoDBStore(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := store.Get(ctx, "e1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDynamoDBStore_ScanByAttribute(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestDynamoDBStore(t, newFakeDynamoDB())

	for i, dept := range []string{"Engineering", "Product", "Engineering"} {
		e := testEmployee(string(rune('a'+i)), string(rune('a'+i))+"@example.com")
		e.Department = dept
		require.NoError(t, store.Create(ctx, e))
	}

	employees, err := collect(store.ScanByAttribute(ctx, "department", equals("Engineering")))
	require.NoError(t, err)
	require.Len(t, employees, 2)
	assert.Equal(t, "a", employees[0].EmployeeID)
	assert.Equal(t, "c", employees[1].EmployeeID)
}

func TestDynamoDBStore_FindByEmail(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamoDB()
	store, _ := newTestDynamoDBStore(t, fake)

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, store.Create(ctx, testEmployee(id, id+"@example.com")))
	}

	got, err := store.FindByEmail(ctx, "e3@example.com")
	require.NoError(t, err)
	assert.Equal(t, "e3", got.EmployeeID)
	assert.Empty(t, fake.queries)

	_, err = store.FindByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoDBStore_FindByEmailIndex(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamoDB()
	store, _ := newTestDynamoDBStore(t, fake)
	store.emailIndex = "email-index"

	require.NoError(t, store.Create(ctx, testEmployee("e1", "e1@example.com")))
	require.NoError(t, store.Create(ctx, testEmployee("e2", "e2@example.com")))

	got, err := store.FindByEmail(ctx, "e2@example.com")
	require.NoError(t, err)
	assert.Equal(t, "e2", got.EmployeeID)
	require.Len(t, fake.queries, 1)
	assert.Equal(t, "email-index", aws.StringValue(fake.queries[0].IndexName))
	assert.Equal(t, int64(1), aws.Int64Value(fake.queries[0].Limit))
	assert.Zero(t, fake.scanCalls)

	_, err = store.FindByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoDBStore_Health(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamoDB()
	store, _ := newTestDynamoDBStore(t, fake)

	assert.NoError(t, store.Health(ctx))

	fake.status = dynamodb.TableStatusCreating
	assert.ErrorIs(t, store.Health(ctx), ErrUnavailable)

	fake.err = awserr.New(dynamodb.ErrCodeResourceNotFoundException, "no table", nil)
	assert.ErrorIs(t, store.Health(ctx), ErrNotFound)
}
