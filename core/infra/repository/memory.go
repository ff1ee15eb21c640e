package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Memory is an in-process Repository used by tests and single-node setups.
type Memory struct {
	mu    sync.RWMutex
	now   func() time.Time
	data  map[Entity]map[string][]byte
	order map[Entity][]string
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		now:   func() time.Time { return time.Now().UTC() },
		data:  map[Entity]map[string][]byte{},
		order: map[Entity][]string{},
	}
}

// WithClock overrides the timestamp source for created documents.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *Memory) Create(_ context.Context, entity Entity, v any) (Doc, error) {
	doc, err := prepareCreate(v, m.now())
	if err != nil {
		return nil, wrap("create", entity, err)
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, wrap("create", entity, err)
	}
	id := doc.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.data[entity]
	if coll == nil {
		coll = map[string][]byte{}
		m.data[entity] = coll
	}
	if _, exists := coll[id]; exists {
		return nil, wrap("create", entity, fmt.Errorf("duplicate key %s", id))
	}
	coll[id] = raw
	m.order[entity] = append(m.order[entity], id)
	return doc, nil
}

func (m *Memory) FindByID(_ context.Context, entity Entity, id string) (Doc, error) {
	m.mu.RLock()
	raw, ok := m.data[entity][id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	doc, err := decodeRaw(raw)
	return doc, wrap("find_by_id", entity, err)
}

func (m *Memory) FindOne(ctx context.Context, entity Entity, filter Filter) (Doc, error) {
	docs, err := m.Find(ctx, entity, filter, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (m *Memory) Find(_ context.Context, entity Entity, filter Filter, opts FindOptions) ([]Doc, error) {
	f, err := normalizeFilter(filter)
	if err != nil {
		return nil, wrap("find", entity, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Doc
	for _, id := range m.order[entity] {
		raw, ok := m.data[entity][id]
		if !ok {
			continue
		}
		doc, err := decodeRaw(raw)
		if err != nil {
			return nil, wrap("find", entity, err)
		}
		hit, err := matches(doc, f)
		if err != nil {
			return nil, wrap("find", entity, err)
		}
		if hit {
			out = append(out, doc)
		}
	}
	if len(opts.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, s := range opts.Sort {
				c := compareValues(out[i][s.Field], out[j][s.Field])
				if c == 0 {
					continue
				}
				if s.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if opts.Limit > 0 && int64(len(out)) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateMany(_ context.Context, entity Entity, filter Filter, patch Patch) (int64, error) {
	f, err := normalizeFilter(filter)
	if err != nil {
		return 0, wrap("update_many", entity, err)
	}
	p, err := normalizePatch(patch)
	if err != nil {
		return 0, wrap("update_many", entity, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range m.order[entity] {
		raw, ok := m.data[entity][id]
		if !ok {
			continue
		}
		doc, err := decodeRaw(raw)
		if err != nil {
			return n, wrap("update_many", entity, err)
		}
		hit, err := matches(doc, f)
		if err != nil {
			return n, wrap("update_many", entity, err)
		}
		if !hit {
			continue
		}
		if err := m.store(entity, doc, p); err != nil {
			return n, wrap("update_many", entity, err)
		}
		n++
	}
	return n, nil
}

func (m *Memory) UpdateByID(_ context.Context, entity Entity, id string, patch Patch) error {
	p, err := normalizePatch(patch)
	if err != nil {
		return wrap("update_by_id", entity, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[entity][id]
	if !ok {
		return ErrNotFound
	}
	doc, err := decodeRaw(raw)
	if err != nil {
		return wrap("update_by_id", entity, err)
	}
	return wrap("update_by_id", entity, m.store(entity, doc, p))
}

func (m *Memory) DeleteByID(_ context.Context, entity Entity, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[entity][id]; !ok {
		return false, nil
	}
	delete(m.data[entity], id)
	order := m.order[entity]
	for i, existing := range order {
		if existing == id {
			m.order[entity] = append(order[:i:i], order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *Memory) Close(context.Context) error { return nil }

// store applies a patch and writes the document back; callers hold mu.
func (m *Memory) store(entity Entity, doc Doc, patch map[string]any) error {
	if err := applyPatch(doc, patch); err != nil {
		return err
	}
	doc["updatedAt"] = primitive.NewDateTimeFromTime(m.now())
	norm, err := toDoc(doc)
	if err != nil {
		return err
	}
	raw, err := bson.Marshal(norm)
	if err != nil {
		return err
	}
	m.data[entity][doc.ID()] = raw
	return nil
}

func decodeRaw(raw []byte) (Doc, error) {
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return Doc(m), nil
}

func normalizeFilter(f Filter) (map[string]any, error) {
	if len(f) == 0 {
		return map[string]any{}, nil
	}
	v, err := normalize(map[string]any(f))
	if err != nil {
		return nil, fmt.Errorf("normalize filter: %w", err)
	}
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("filter is not a document")
	}
	return m, nil
}

func normalizePatch(p Patch) (map[string]any, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("patch is empty")
	}
	v, err := normalize(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("normalize patch: %w", err)
	}
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("patch is not a document")
	}
	return m, nil
}
