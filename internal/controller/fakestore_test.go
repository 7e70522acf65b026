package controller

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"newsriver/internal/domain"
)

// fakeStore is an in-memory Store covering the operator subset the
// controller uses: equality filters, $exists, $lte, $or/$and, and the $set /
// $inc / $currentDate update operators with dotted paths.
type fakeStore struct {
	mu     sync.Mutex
	docs   map[string][]bson.M
	seqs   map[string]int64
	nextID int

	failUpdates bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs: make(map[string][]bson.M),
		seqs: make(map[string]int64),
	}
}

func (s *fakeStore) insert(collection string, doc bson.M) bson.M {
	s.nextID++
	stored := cloneDoc(doc)
	if _, ok := stored["_id"]; !ok {
		stored["_id"] = fmt.Sprintf("id-%d", s.nextID)
	}
	s.docs[collection] = append(s.docs[collection], stored)
	return stored
}

func (s *fakeStore) ApplyUpdate(_ context.Context, collection string, filter, update bson.M, upsert bool) (bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpdates {
		return nil, fmt.Errorf("store unavailable")
	}

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
	stored := s.insert(collection, doc)
	applyOperators(stored, update)
	return cloneDoc(stored), nil
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

func (s *fakeStore) Find(_ context.Context, collection string, filter bson.M, _ bson.D, limit int64) ([]bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bson.M
	for _, doc := range s.docs[collection] {
		if matchFilter(doc, filter) {
			out = append(out, cloneDoc(doc))
		}
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) InsertOne(_ context.Context, collection string, doc bson.M) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range []string{"url", "name"} {
		value, ok := doc[key]
		if !ok {
			continue
		}
		for _, existing := range s.docs[collection] {
			if reflect.DeepEqual(existing[key], value) {
				return domain.ErrDuplicate
			}
		}
	}
	s.insert(collection, doc)
	return nil
}

func (s *fakeStore) DeleteOne(_ context.Context, collection string, filter bson.M) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.docs[collection]
	for i, doc := range docs {
		if matchFilter(doc, filter) {
			s.docs[collection] = append(docs[:i], docs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) NextSeq(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seqs[name]
	s.seqs[name] = seq + 1
	return seq, nil
}

func (s *fakeStore) DueFeeds(_ context.Context, since time.Time) ([]bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bson.M
	for _, doc := range s.docs[domain.CollectionFeeds] {
		if isRedirectDoc(doc) {
			continue
		}
		when, ok := pathTime(doc, "crawl_status.when")
		if !ok || !when.After(since) {
			out = append(out, cloneDoc(doc))
		}
	}
	return out, nil
}

func (s *fakeStore) UncrawledArticles(context.Context) ([]bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bson.M
	for _, doc := range s.docs[domain.CollectionArticles] {
		if isRedirectDoc(doc) {
			continue
		}
		_, hasContents := doc["contents"]
		_, crawled := getPath(doc, "crawl_status.when")
		if !hasContents && !crawled {
			out = append(out, cloneDoc(doc))
		}
	}
	sortByLastSeen(out)
	return out, nil
}

func (s *fakeStore) UnscrapedArticles(context.Context) ([]bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bson.M
	for _, doc := range s.docs[domain.CollectionArticles] {
		if isRedirectDoc(doc) {
			continue
		}
		_, hasContents := doc["contents"]
		_, scraped := getPath(doc, "scrape_status.when")
		if hasContents && !scraped {
			out = append(out, cloneDoc(doc))
		}
	}
	sortByLastSeen(out)
	return out, nil
}

// mustFind is a test helper that panics on a missing document.
func (s *fakeStore) mustFind(collection string, filter bson.M) bson.M {
	doc, _ := s.FindOne(context.Background(), collection, filter)
	if doc == nil {
		panic(fmt.Sprintf("document matching %v not found in %s", filter, collection))
	}
	return doc
}

func (s *fakeStore) count(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs[collection])
}

func isRedirectDoc(doc bson.M) bool {
	redirect, _ := doc["is_redirect"].(bool)
	return redirect
}

func sortByLastSeen(docs []bson.M) {
	sort.SliceStable(docs, func(i, j int) bool {
		ti, _ := pathTime(docs[i], "last_seen")
		tj, _ := pathTime(docs[j], "last_seen")
		return ti.After(tj)
	})
}

func matchFilter(doc bson.M, filter bson.M) bool {
	for key, cond := range filter {
		switch key {
		case "$and":
			for _, sub := range asSlice(cond) {
				if !matchFilter(doc, asDoc(sub)) {
					return false
				}
			}
		case "$or":
			matched := false
			for _, sub := range asSlice(cond) {
				if matchFilter(doc, asDoc(sub)) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			if !matchField(doc, key, cond) {
				return false
			}
		}
	}
	return true
}

func matchField(doc bson.M, path string, cond any) bool {
	if ops, ok := cond.(bson.M); ok && hasOperator(ops) {
		value, exists := getPath(doc, path)
		for op, arg := range ops {
			switch op {
			case "$exists":
				if exists != arg.(bool) {
					return false
				}
			case "$lte":
				t, ok := toTime(value)
				limit, ok2 := toTime(arg)
				if !ok || !ok2 || t.After(limit) {
					return false
				}
			default:
				panic(fmt.Sprintf("fake store: unsupported operator %s", op))
			}
		}
		return true
	}

	value, _ := getPath(doc, path)
	return reflect.DeepEqual(value, cond)
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
		fields := asDoc(fieldsAny)
		switch op {
		case "$set":
			for path, value := range fields {
				setPath(doc, path, value)
			}
		case "$inc":
			for path, value := range fields {
				current, _ := getPath(doc, path)
				setPath(doc, path, toInt64(current)+toInt64(value))
			}
		case "$currentDate":
			for path := range fields {
				setPath(doc, path, time.Now())
			}
		default:
			panic(fmt.Sprintf("fake store: unsupported update operator %s", op))
		}
	}
}

func getPath(doc bson.M, path string) (any, bool) {
	parts := strings.Split(path, ".")
	current := any(doc)
	for _, part := range parts {
		m := asDoc(current)
		if m == nil {
			return nil, false
		}
		value, ok := m[part]
		if !ok {
			return nil, false
		}
		current = value
	}
	return current, true
}

func setPath(doc bson.M, path string, value any) {
	parts := strings.Split(path, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next := asDoc(current[part])
		if next == nil {
			next = bson.M{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func pathTime(doc bson.M, path string) (time.Time, bool) {
	value, ok := getPath(doc, path)
	if !ok {
		return time.Time{}, false
	}
	return toTime(value)
}

func toTime(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asDoc(v any) bson.M {
	switch m := v.(type) {
	case bson.M:
		return m
	case map[string]any:
		return m
	case domain.Status:
		// Model the driver's struct-to-subdocument marshaling.
		return bson.M{"ok": m.OK, "when": m.When, "error_type": m.ErrorType, "error": m.Error}
	default:
		return nil
	}
}

func asSlice(v any) []any {
	switch s := v.(type) {
	case bson.A:
		return s
	case []any:
		return s
	case []bson.M:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out
	default:
		return nil
	}
}

func cloneDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		if m := asDoc(v); m != nil {
			out[k] = cloneDoc(m)
			continue
		}
		out[k] = v
	}
	return out
}
