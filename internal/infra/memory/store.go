package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"

	"github.com/rs/zerolog"
)

// Fixed storage keys of the local backend. Every collection is persisted
// under exactly one of them.
const (
	KeyData    = "tq_data_v2"
	KeyUsers   = "tq_users_v2"
	KeySession = "tq_session_v2"
)

// Keys lists every storage key, in load order.
var Keys = []string{KeyData, KeyUsers, KeySession}

// KV is the durable key-value storage behind the local backend.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// storageKey routes a collection to the key it is persisted under: accounts
// and the session identity get their own keys, everything else (quizzes,
// rooms, participants, records) shares the catalog key.
func storageKey(collection string) string {
	root, _, _ := strings.Cut(collection, "/")
	switch root {
	case "users":
		return KeyUsers
	case "session":
		return KeySession
	default:
		return KeyData
	}
}

// snapshot is the serialized form of one storage key.
type snapshot map[string]map[string]domain.Document

// Store is the local, synchronous implementation of app.Store. Every
// mutation is applied in memory and written through to the KV before the
// call returns. It has no change notifications: subscriptions are inert.
type Store struct {
	mu          sync.RWMutex
	kv          KV
	now         func() time.Time
	log         zerolog.Logger
	collections map[string]map[string]domain.Document
}

// NewStore returns an empty store. A nil kv keeps everything in memory only.
func NewStore(kv KV, log zerolog.Logger) *Store {
	return &Store{
		kv:          kv,
		now:         time.Now,
		log:         log.With().Str("component", "local_store").Logger(),
		collections: make(map[string]map[string]domain.Document),
	}
}

// Open returns a store loaded from every storage key of kv.
func Open(ctx context.Context, kv KV, log zerolog.Logger) (*Store, error) {
	s := NewStore(kv, log)
	if kv == nil {
		return s, nil
	}
	for _, key := range Keys {
		raw, ok, err := kv.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: load %s: %v", domain.ErrPersistence, key, err)
		}
		if !ok || len(raw) == 0 {
			continue
		}
		var snap snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			// A corrupt key is treated as empty, like a first run.
			s.log.Warn().Err(err).Str("key", key).Msg("discarding unreadable local state")
			continue
		}
		for collection, docs := range snap {
			s.collections[collection] = docs
		}
	}
	return s, nil
}

func (s *Store) Create(ctx context.Context, collection, id string, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.stageLocked(collection)
	next[id] = doc.ResolveTimestamps(s.now())
	return s.commitLocked(ctx, collection, next)
}

func (s *Store) Get(_ context.Context, collection, id string) (domain.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, false, nil
	}
	return doc.Clone(), true, nil
}

func (s *Store) ListAll(_ context.Context, collection string) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.collections[collection]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]domain.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, docs[id].Clone())
	}
	return out, nil
}

func (s *Store) SetMerge(ctx context.Context, collection, id string, partial domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.stageLocked(collection)
	next[id] = next[id].Merge(partial.ResolveTimestamps(s.now()))
	return s.commitLocked(ctx, collection, next)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collection][id]; !ok {
		return nil
	}
	next := s.stageLocked(collection)
	delete(next, id)
	return s.commitLocked(ctx, collection, next)
}

// SubscribeDocument returns an inert handle: the local backend never pushes
// changes, callers refresh after their own mutations.
func (s *Store) SubscribeDocument(context.Context, string, string, func(domain.Document, bool)) (app.Unsubscribe, error) {
	return func() {}, nil
}

// SubscribeCollection returns an inert handle, see SubscribeDocument.
func (s *Store) SubscribeCollection(context.Context, string, func([]domain.Document)) (app.Unsubscribe, error) {
	return func() {}, nil
}

// stageLocked returns a copy of a collection's document map. Writes edit the
// copy and only replace the live map once it has been persisted.
func (s *Store) stageLocked(collection string) map[string]domain.Document {
	live := s.collections[collection]
	next := make(map[string]domain.Document, len(live)+1)
	for id, doc := range live {
		next[id] = doc
	}
	return next
}

// commitLocked rewrites the storage key holding collection as if it held
// next, then makes next live. A failed write leaves memory untouched.
func (s *Store) commitLocked(ctx context.Context, collection string, next map[string]domain.Document) error {
	if err := s.persistLocked(ctx, collection, next); err != nil {
		return err
	}
	if len(next) == 0 {
		delete(s.collections, collection)
	} else {
		s.collections[collection] = next
	}
	return nil
}

func (s *Store) persistLocked(ctx context.Context, collection string, next map[string]domain.Document) error {
	if s.kv == nil {
		return nil
	}
	key := storageKey(collection)
	snap := make(snapshot)
	for name, docs := range s.collections {
		if storageKey(name) == key && name != collection {
			snap[name] = docs
		}
	}
	if len(next) > 0 {
		snap[collection] = next
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", domain.ErrPersistence, key, err)
	}
	if err := s.kv.Put(ctx, key, data); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("local write failed")
		return fmt.Errorf("%w: save %s: %v", domain.ErrPersistence, key, err)
	}
	return nil
}

var _ app.Store = (*Store)(nil)
