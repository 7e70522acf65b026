package web

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// fakeStore is an in-memory Store covering what the web handlers use:
// equality and $or filters, $exists/$gt/$lt conditions, $set/$inc updates
// with dotted paths, and single-key sorting.
type fakeStore struct {
	mu   sync.Mutex
	docs map[string][]bson.M
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string][]bson.M)}
}

func (s *fakeStore) seed(collection string, docs ...bson.M) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		s.docs[collection] = append(s.docs[collection], cloneDoc(doc))
	}
}

func (s *fakeStore) FindOne(_ context.Context, collection string, filter bson.M) (bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range s.docs[collection] {
		if matchFilter(doc, filter) {
			return cloneDoc(doc), nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Find(_ context.Context, collection string, filter bson.M, sortSpec bson.D, limit int64) ([]bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bson.M
	for _, doc := range s.docs[collection] {
		if matchFilter(doc, filter) {
			out = append(out, cloneDoc(doc))
		}
	}
	if len(sortSpec) > 0 {
		key := sortSpec[0].Key
		desc := sortSpec[0].Value == -1
		sort.SliceStable(out, func(i, j int) bool {
			less := toInt64(out[i][key]) < toInt64(out[j][key])
			if desc {
				return !less
			}
			return less
		})
	}
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ApplyUpdate(_ context.Context, collection string, filter, update bson.M, upsert bool) (bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range s.docs[collection] {
		if matchFilter(doc, filter) {
			applyOperators(doc, update)
			return cloneDoc(doc), nil
		}
	}
	if !upsert {
		return nil, nil
	}

	doc := bson.M{}
	for k, v := range filter {
		if !strings.HasPrefix(k, "$") {
			if _, isOp := v.(bson.M); !isOp {
				doc[k] = v
			}
		}
	}
	applyOperators(doc, update)
	s.docs[collection] = append(s.docs[collection], doc)
	return cloneDoc(doc), nil
}

func matchFilter(doc bson.M, filter bson.M) bool {
	for key, cond := range filter {
		if key == "$or" {
			matched := false
			for _, sub := range asSlice(cond) {
				if subFilter, ok := sub.(bson.M); ok && matchFilter(doc, subFilter) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
			continue
		}
		if !matchField(doc, key, cond) {
			return false
		}
	}
	return true
}

func matchField(doc bson.M, key string, cond any) bool {
	value, exists := doc[key]

	if ops, ok := cond.(bson.M); ok && hasOperator(ops) {
		for op, arg := range ops {
			switch op {
			case "$exists":
				if exists != arg.(bool) {
					return false
				}
			case "$gt":
				if !exists || toInt64(value) <= toInt64(arg) {
					return false
				}
			case "$lt":
				if !exists || toInt64(value) >= toInt64(arg) {
					return false
				}
			default:
				panic(fmt.Sprintf("fake store: unsupported operator %s", op))
			}
		}
		return true
	}

	if numericEqual(value, cond) {
		return true
	}
	return reflect.DeepEqual(value, cond)
}

func numericEqual(a, b any) bool {
	ai, aok := asInt64(a)
	bi, bok := asInt64(b)
	return aok && bok && ai == bi
}

func hasOperator(m bson.M) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func applyOperators(doc bson.M, update bson.M) {
	for op, fieldsAny := range update {
		fields, ok := fieldsAny.(bson.M)
		if !ok {
			panic(fmt.Sprintf("fake store: operator %s fields must be bson.M", op))
		}
		switch op {
		case "$set":
			for key, value := range fields {
				setPath(doc, key, value)
			}
		case "$inc":
			for key, value := range fields {
				current, _ := getPath(doc, key)
				setPath(doc, key, toInt64(current)+toInt64(value))
			}
		default:
			panic(fmt.Sprintf("fake store: unsupported update operator %s", op))
		}
	}
}

// getPath and setPath follow dotted field paths into nested subdocuments,
// the way the real store's update operators do.
func getPath(doc bson.M, path string) (any, bool) {
	parts := strings.Split(path, ".")
	current := any(doc)
	for _, part := range parts {
		m, ok := current.(bson.M)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setPath(doc bson.M, path string, value any) {
	parts := strings.Split(path, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(bson.M)
		if !ok {
			next = bson.M{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func asSlice(v any) []any {
	switch s := v.(type) {
	case bson.A:
		return s
	case []any:
		return s
	default:
		return nil
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toInt64(v any) int64 {
	n, _ := asInt64(v)
	return n
}

func cloneDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		if m, ok := v.(bson.M); ok {
			out[k] = cloneDoc(m)
			continue
		}
		out[k] = v
	}
	return out
}
