package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Ensure MemoryCatalog implements Catalog interface
var _ Catalog = (*MemoryCatalog)(nil)

// MemoryCatalog keeps records in a map. It is meant for tests and for
// ephemeral vaults where the catalog does not need to outlive the process.
type MemoryCatalog struct {
	mu      sync.RWMutex
	records map[string]Record
	names   map[string]string // encrypted name -> id
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		records: make(map[string]Record),
		names:   make(map[string]string),
	}
}

func (m *MemoryCatalog) Insert(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return ErrDuplicate
	}
	if _, exists := m.names[rec.EncryptedName]; exists {
		return ErrDuplicate
	}
	m.records[rec.ID] = *rec
	m.names[rec.EncryptedName] = rec.ID
	return nil
}

func (m *MemoryCatalog) FindActive(ctx context.Context, id string, ownerID int64) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok || rec.IsDeleted || rec.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryCatalog) MarkDeleted(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.IsDeleted {
		return ErrNotFound
	}
	rec.IsDeleted = true
	rec.ModifiedAt = time.Now().UTC()
	m.records[id] = rec
	return nil
}

func (m *MemoryCatalog) ListActive(ctx context.Context, ownerID int64, limit, offset int) ([]Record, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	active := m.filter(func(r Record) bool { return !r.IsDeleted && r.OwnerID == ownerID })
	total := len(active)

	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return active[offset:end], total, nil
}

func (m *MemoryCatalog) Search(ctx context.Context, ownerID int64, query string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	q := strings.ToLower(query)
	found := m.filter(func(r Record) bool {
		return !r.IsDeleted && r.OwnerID == ownerID && strings.Contains(strings.ToLower(r.OriginalName), q)
	})
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (m *MemoryCatalog) Stats(ctx context.Context, ownerID int64) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	active := m.filter(func(r Record) bool { return !r.IsDeleted && r.OwnerID == ownerID })
	var total int64
	for _, r := range active {
		total += r.Size
	}
	return NewStats(total, len(active)), nil
}

func (m *MemoryCatalog) ListDeleted(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.filter(func(r Record) bool { return r.IsDeleted }), nil
}

func (m *MemoryCatalog) MarkErased(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	rec.ErasedAt = &now
	m.records[id] = rec
	return nil
}

func (m *MemoryCatalog) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.names, rec.EncryptedName)
	delete(m.records, id)
	return nil
}

func (m *MemoryCatalog) Close() error {
	return nil
}

// filter returns matching copies ordered newest first
func (m *MemoryCatalog) filter(keep func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
