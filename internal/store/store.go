// Package store persists the active task as an opaque blob and mirrors in-memory changes to
// the backend without blocking the caller.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"cyclecount/internal/domain"
)

// ErrMissing is returned by backends when nothing is stored under a key.
var ErrMissing = errors.New("no stored task")

type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

type Store struct {
	Backend Backend
	Log     logrus.FieldLogger
}

func (s Store) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

// Load restores the task under key. Any read or decode failure is logged and reported as
// absent so the caller starts fresh instead of resuming a damaged task.
func (s Store) Load(ctx context.Context, key string) (domain.InventoryTask, bool) {
	log := s.logger().WithFields(logrus.Fields{"module": "store", "func": "Load", "key": key})
	data, err := s.Backend.Get(ctx, key)
	if errors.Is(err, ErrMissing) {
		return domain.InventoryTask{}, false
	}
	if err != nil {
		log.WithError(err).Error("read task state")
		return domain.InventoryTask{}, false
	}
	t, err := Decode(data)
	if err != nil {
		log.WithError(err).Error("decode task state")
		return domain.InventoryTask{}, false
	}
	return t, true
}

func (s Store) Save(ctx context.Context, key string, t domain.InventoryTask) error {
	data, err := Encode(t)
	if err != nil {
		return err
	}
	return s.Backend.Put(ctx, key, data)
}

func (s Store) Clear(ctx context.Context, key string) error {
	return s.Backend.Delete(ctx, key)
}

func Encode(t domain.InventoryTask) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return data, nil
}

// Decode parses a stored blob. A blob without a task id is rejected.
func Decode(data []byte) (domain.InventoryTask, error) {
	var t domain.InventoryTask
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.InventoryTask{}, err
	}
	if t.ID == "" {
		return domain.InventoryTask{}, errors.New("stored task has no id")
	}
	return t, nil
}

// Memory keeps blobs in process. It backs tests and stateless servers.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, ErrMissing
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
