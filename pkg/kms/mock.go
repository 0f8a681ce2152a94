package kms

import (
	"context"
	"sync"
)

// MockProvider is an in-memory Provider for tests. By default it rewraps an
// EDEK by appending the target key version name, so tests can assert on the
// resulting bytes without a real KMS round trip. The worker pool calls a
// Provider from multiple goroutines at once, so every field is guarded by mu.
type MockProvider struct {
	mu sync.Mutex

	// Fail, if set, is called before each batch; a non-nil error fails the
	// whole batch, mirroring a real KMS outage.
	Fail func(batch []Entry) error

	// Calls records every batch submitted, for assertions.
	Calls [][]Entry
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) ReencryptEncryptedKeys(ctx context.Context, targetKeyVersionName string, entries []Entry) ([][]byte, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, entries)
	fail := m.Fail
	m.mu.Unlock()

	if fail != nil {
		if err := fail(entries); err != nil {
			return nil, err
		}
	}
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = append(append([]byte{}, e.EDEK...), []byte(":"+targetKeyVersionName)...)
	}
	return out, nil
}

// CallCount reports how many batches have been submitted so far.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

func (m *MockProvider) Close() error { return nil }

var _ Provider = (*MockProvider)(nil)
