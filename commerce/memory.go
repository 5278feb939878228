package commerce

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used in tests and development.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	products map[int64]*Product
	variants map[int64]*Variant
	assets   map[int64][]byte

	// SaveAssetCalls counts asset writes; dedup tests assert on it.
	SaveAssetCalls int
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		products: make(map[int64]*Product),
		variants: make(map[int64]*Variant),
		assets:   make(map[int64][]byte),
	}
}

func (s *MemoryStore) CreateProduct(_ context.Context, p *Product) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	stored := *p
	stored.ID = id
	s.products[id] = &stored
	return id, nil
}

func (s *MemoryStore) UpdateProduct(_ context.Context, p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ID]; !ok {
		return ErrNotFound
	}
	stored := *p
	s.products[p.ID] = &stored
	return nil
}

func (s *MemoryStore) CreateVariant(_ context.Context, v *Variant) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	stored := *v
	stored.ID = id
	s.variants[id] = &stored
	return id, nil
}

func (s *MemoryStore) UpdateVariant(_ context.Context, v *Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.variants[v.ID]; !ok {
		return ErrNotFound
	}
	stored := *v
	s.variants[v.ID] = &stored
	return nil
}

func (s *MemoryStore) SaveAsset(_ context.Context, sourceURL, contentType string, data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveAssetCalls++
	id := s.nextID
	s.nextID++
	stored := make([]byte, len(data))
	copy(stored, data)
	s.assets[id] = stored
	return id, nil
}

// Product returns a stored product; test helper.
func (s *MemoryStore) Product(id int64) (*Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, false
	}
	out := *p
	return &out, true
}

// Variant returns a stored variant; test helper.
func (s *MemoryStore) Variant(id int64) (*Variant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[id]
	if !ok {
		return nil, false
	}
	out := *v
	return &out, true
}

// Counts reports how many products and variants exist; test helper.
func (s *MemoryStore) Counts() (products, variants int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.products), len(s.variants)
}
