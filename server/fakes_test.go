package server

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

// memRecordStore is an in-memory RecordStore. Scan order is insertion order.
type memRecordStore struct {
	mu    sync.Mutex
	items map[string]*Employee
	order []string

	createErr error
	updateErr error
	scanErr   error
	healthErr error
	panicky   bool

	gets int
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{items: make(map[string]*Employee)}
}

func (m *memRecordStore) Create(ctx context.Context, e *Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.items[e.EmployeeID]; ok {
		return fmt.Errorf("employee %s: %w", e.EmployeeID, ErrAlreadyExists)
	}
	m.items[e.EmployeeID] = e.Clone()
	m.order = append(m.order, e.EmployeeID)
	return nil
}

func (m *memRecordStore) Get(ctx context.Context, employeeID string) (*Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	e, ok := m.items[employeeID]
	if !ok {
		return nil, fmt.Errorf("employee %s: %w", employeeID, ErrNotFound)
	}
	return e.Clone(), nil
}

func (m *memRecordStore) Update(ctx context.Context, e *Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.items[e.EmployeeID]; !ok {
		return fmt.Errorf("employee %s: %w", e.EmployeeID, ErrNotFound)
	}
	m.items[e.EmployeeID] = e.Clone()
	return nil
}

func (m *memRecordStore) Delete(ctx context.Context, employeeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[employeeID]; !ok {
		return fmt.Errorf("employee %s: %w", employeeID, ErrNotFound)
	}
	delete(m.items, employeeID)
	for i, id := range m.order {
		if id == employeeID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memRecordStore) ScanAll(ctx context.Context) iter.Seq2[*Employee, error] {
	return func(yield func(*Employee, error) bool) {
		m.mu.Lock()
		if m.scanErr != nil {
			err := m.scanErr
			m.mu.Unlock()
			yield(nil, err)
			return
		}
		snapshot := make([]*Employee, 0, len(m.order))
		for _, id := range m.order {
			snapshot = append(snapshot, m.items[id].Clone())
		}
		m.mu.Unlock()

		for _, e := range snapshot {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *memRecordStore) ScanByAttribute(ctx context.Context, name string, match func(string) bool) iter.Seq2[*Employee, error] {
	return filterByAttribute(m.ScanAll(ctx), name, match)
}

func (m *memRecordStore) FindByEmail(ctx context.Context, email string) (*Employee, error) {
	for e, err := range m.ScanByAttribute(ctx, "email", equals(email)) {
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("employee with email %s: %w", email, ErrNotFound)
}

func (m *memRecordStore) Health(ctx context.Context) error {
	if m.panicky {
		panic("record store exploded")
	}
	return m.healthErr
}

func (m *memRecordStore) stored(employeeID string) *Employee {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[employeeID].Clone()
}

func (m *memRecordStore) countEmail(email string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.items {
		if e.Email == email {
			n++
		}
	}
	return n
}

type memBlob struct {
	data         []byte
	employeeID   string
	filename     string
	documentType string
	modified     time.Time
}

// memBlobStore is an in-memory BlobStore. Every upload is one second newer
// than the previous one.
type memBlobStore struct {
	mu      sync.Mutex
	objects map[string]*memBlob
	clock   time.Time

	uploadErr  error
	deleteErr  error
	listErr    error
	usageErr   error
	healthErr  error
	readURLErr error
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{
		objects: make(map[string]*memBlob),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memBlobStore) Upload(ctx context.Context, data []byte, employeeID, filename string, category Category, documentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.clock = m.clock.Add(time.Second)
	key := objectKey(category, employeeID, filename, documentType)
	blob := &memBlob{data: data, employeeID: employeeID, filename: filename, modified: m.clock}
	if category == CategoryDocument {
		blob.documentType = normalizeDocumentType(documentType)
	}
	m.objects[key] = blob
	return key, nil
}

// put stores an object under an arbitrary key.
func (m *memBlobStore) put(key, employeeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = m.clock.Add(time.Second)
	m.objects[key] = &memBlob{employeeID: employeeID, filename: key, modified: m.clock}
}

func (m *memBlobStore) DeleteByPrefix(ctx context.Context, prefix string, filter KeyFilter) (int, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	summaries, err := m.ListKeys(ctx, prefix, filter)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range summaries {
		delete(m.objects, s.Key)
	}
	return len(summaries), nil
}

func (m *memBlobStore) DeleteOne(ctx context.Context, key string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBlobStore) ListKeys(ctx context.Context, prefix string, filter KeyFilter) ([]ObjectSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []ObjectSummary
	for key, blob := range m.objects {
		if !strings.HasPrefix(key, prefix) || (filter != nil && !filter(key)) {
			continue
		}
		out = append(out, ObjectSummary{Key: key, Size: int64(len(blob.data)), LastModified: blob.modified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memBlobStore) ListByPrefix(ctx context.Context, prefix string, filter KeyFilter) ([]BlobObject, error) {
	summaries, err := m.ListKeys(ctx, prefix, filter)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BlobObject, 0, len(summaries))
	for _, s := range summaries {
		blob := m.objects[s.Key]
		out = append(out, BlobObject{
			Key:          s.Key,
			EmployeeID:   blob.employeeID,
			Filename:     blob.filename,
			DocumentType: blob.documentType,
			ContentType:  contentTypeFor(blob.filename),
			Size:         s.Size,
			LastModified: s.LastModified,
			URL:          memURL(s.Key, listingURLTTL),
		})
	}
	return out, nil
}

func (m *memBlobStore) ReadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("blob %s: %w", key, ErrNotFound)
	}
	if m.readURLErr != nil {
		return "", m.readURLErr
	}
	return memURL(key, ttl), nil
}

func (m *memBlobStore) Usage(ctx context.Context) (*StorageInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usageErr != nil {
		return nil, m.usageErr
	}
	info := &StorageInfo{BucketName: "test-bucket", Region: "us-east-1"}
	for _, blob := range m.objects {
		info.TotalObjects++
		info.TotalSizeBytes += int64(len(blob.data))
	}
	return info, nil
}

func (m *memBlobStore) Health(ctx context.Context) error {
	return m.healthErr
}

func (m *memBlobStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func memURL(key string, ttl time.Duration) string {
	return fmt.Sprintf("https://blobs.test/%s?expires=%d", key, int(ttl.Seconds()))
}

// mapCache is a Cache over a map.
type mapCache struct {
	mu      sync.Mutex
	entries map[string]*Employee
	hits    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*Employee)}
}

func (c *mapCache) GetEmployee(ctx context.Context, employeeID string) (*Employee, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[employeeID]
	if !ok {
		return nil, ErrNotFound
	}
	c.hits++
	return e.Clone(), nil
}

func (c *mapCache) SetEmployee(ctx context.Context, e *Employee) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.EmployeeID] = e.Clone()
	return nil
}

func (c *mapCache) DeleteEmployee(ctx context.Context, employeeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, employeeID)
	return nil
}
