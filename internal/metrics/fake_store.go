package metrics

import (
	"context"
	"sync"
)

// FakeStore is an in-memory Store for tests that don't need a real
// sqlite file, grounded on the same test-double philosophy as
// agent.FakeRunner.
type FakeStore struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Store = (*FakeStore)(nil)

// NewFakeStore returns an empty in-memory Store.
func NewFakeStore() *FakeStore {
	return &FakeStore{}
}

func (f *FakeStore) Record(ctx context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, e)
	return nil
}

func (f *FakeStore) ListForWorkflow(ctx context.Context, epicID string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Entry
	for _, e := range f.entries {
		if e.EpicID == epicID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *FakeStore) Close() error { return nil }

// All returns every recorded entry, for assertions.
func (f *FakeStore) All() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entry(nil), f.entries...)
}
