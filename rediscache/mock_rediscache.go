package rediscache

import (
	"context"
	"sync"
	"time"

	"github.com/sharedcode/omen"
)

// mock is an in-process row cache with the same encode/decode behavior as the
// Redis client, so code exercised against it behaves identically in
// production. Entries expire lazily on read.
type mock struct {
	mu        sync.Mutex
	entries   map[string]mockEntry
	marshaler omen.Marshaler
}

type mockEntry struct {
	data    []byte
	expires time.Time // zero means no expiration
}

// NewMock returns the in-process row cache.
func NewMock() omen.RowCache {
	return &mock{
		entries:   make(map[string]mockEntry),
		marshaler: omen.NewMarshaler(),
	}
}

func (m *mock) GetStruct(ctx context.Context, key string, target any) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := m.marshaler.Unmarshal(e.data, target); err != nil {
		return false, omen.Error{Code: omen.StorageFailure, Err: err, UserData: key}
	}
	return true, nil
}

func (m *mock) SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := m.marshaler.Marshal(value)
	if err != nil {
		return omen.Error{Code: omen.StorageFailure, Err: err, UserData: key}
	}
	e := mockEntry{data: data}
	if expiration > 0 {
		e.expires = time.Now().Add(expiration)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *mock) Delete(ctx context.Context, keys []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, key := range keys {
		if _, ok := m.entries[key]; ok {
			delete(m.entries, key)
			found = true
		}
	}
	return found, nil
}

func (m *mock) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]mockEntry)
	return nil
}
