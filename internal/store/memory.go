package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemTable is an in-process Table with the same merge and condition
// semantics as the Postgres driver.
type MemTable[T Document] struct {
	mu    sync.RWMutex
	rows  map[string][]byte
	order []string
}

func NewMemTable[T Document]() *MemTable[T] {
	return &MemTable[T]{rows: map[string][]byte{}}
}

func (t *MemTable[T]) Get(_ context.Context, id string) (*T, error) {
	t.mu.RLock()
	raw, ok := t.rows[id]
	t.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var doc T
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (t *MemTable[T]) Create(_ context.Context, doc *T) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	id := (*doc).DocID()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[id]; ok {
		return ErrAlreadyExists
	}
	t.rows[id] = raw
	t.order = append(t.order, id)
	return nil
}

func (t *MemTable[T]) Update(_ context.Context, id string, patch any, conds ...Cond) (int64, error) {
	rawPatch, err := encodePatch(patch)
	if err != nil {
		return 0, err
	}
	patchDoc, err := decodeObject(rawPatch)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	raw, ok := t.rows[id]
	if !ok {
		return 0, nil
	}
	doc, err := decodeObject(raw)
	if err != nil {
		return 0, err
	}
	if !matchAll(doc, conds) {
		return 0, nil
	}
	for k, v := range patchDoc {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	t.rows[id] = merged
	return 1, nil
}

func (t *MemTable[T]) Find(_ context.Context, q Query) ([]T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	type hit struct {
		createdAt int64
		pos       int
		raw       []byte
	}
	hits := make([]hit, 0)
	for pos, id := range t.order {
		raw := t.rows[id]
		doc, err := decodeObject(raw)
		if err != nil {
			return nil, err
		}
		if !matchAll(doc, q.Where) {
			continue
		}
		var createdAt int64
		if n, ok := doc["createdAt"].(json.Number); ok {
			createdAt, _ = n.Int64()
		}
		hits = append(hits, hit{createdAt: createdAt, pos: pos, raw: raw})
	}
	if q.Newest {
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].createdAt != hits[j].createdAt {
				return hits[i].createdAt > hits[j].createdAt
			}
			return hits[i].pos > hits[j].pos
		})
	}
	if len(hits) > q.limit() {
		hits = hits[:q.limit()]
	}

	out := make([]T, 0, len(hits))
	for _, h := range hits {
		var doc T
		if err := json.Unmarshal(h.raw, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (t *MemTable[T]) Count(_ context.Context, conds ...Cond) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var n int64
	for _, raw := range t.rows {
		doc, err := decodeObject(raw)
		if err != nil {
			return 0, err
		}
		if matchAll(doc, conds) {
			n++
		}
	}
	return n, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func matchAll(doc map[string]any, conds []Cond) bool {
	for _, c := range conds {
		v := textAt(doc, c.Path)
		found := false
		for _, want := range c.Values {
			if v == want {
				found = true
				break
			}
		}
		if found == c.Negate {
			return false
		}
	}
	return true
}

// textAt mimics Postgres' #>> operator: scalars as text, objects as JSON,
// missing or null as "".
func textAt(doc map[string]any, path string) string {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}
