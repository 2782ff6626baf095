package blobstore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Операции Memory, для которых можно внедрить ошибку.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpSign   = "sign"
)

type memObject struct {
	data        []byte
	contentType string
}

// Memory — in-memory реализация Store для тестов и режима PM_BLOB_BACKEND=memory.
// Подписанные URL имеют вид memory://{id}?expires=...; они не обслуживаются по HTTP.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	faults  map[string]error
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory создаёт пустое in-memory хранилище.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]memObject),
		faults:  make(map[string]error),
		now:     time.Now,
	}
}

// Fail заставляет операцию op возвращать err (nil — снять ошибку).
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

// Has сообщает, существует ли объект.
func (m *Memory) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[id]
	return ok
}

// Keys возвращает отсортированный список ключей.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) fault(op string) error {
	if err, ok := m.faults[op]; ok {
		return err
	}
	return nil
}

func (m *Memory) Get(_ context.Context, id string, limit int64) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault(OpGet); err != nil {
		return nil, err
	}
	obj, ok := m.objects[id]
	if !ok {
		return nil, ErrNotFound
	}

	data := obj.data
	if limit >= 0 && int64(len(data)) > limit+1 {
		data = data[:limit+1]
	}
	out := make([]byte, len(data))
	copy(out, data)

	return &Object{Data: out, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *Memory) Put(_ context.Context, id string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpPut); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[id] = memObject{data: buf, contentType: contentType}
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpDelete); err != nil {
		return err
	}
	delete(m.objects, id)
	return nil
}

func (m *Memory) SignedURL(_ context.Context, id string, ttl time.Duration, contentDisposition string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault(OpSign); err != nil {
		return "", err
	}
	if _, ok := m.objects[id]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(m.now().Add(ttl).Unix(), 10))
	if contentDisposition != "" {
		q.Set("response-content-disposition", contentDisposition)
	}
	return "memory://" + id + "?" + q.Encode(), nil
}

func (m *Memory) PresignUpload(_ context.Context, id, contentType string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault(OpSign); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(m.now().Add(ttl).Unix(), 10))
	q.Set("content-type", contentType)
	return "memory://" + id + "?" + q.Encode(), nil
}

// CheckReady — in-memory хранилище всегда готово.
func (m *Memory) CheckReady() (status string, message string) {
	return "ok", "in-memory хранилище"
}
