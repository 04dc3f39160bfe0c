package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Store is the remote-reactive implementation of app.Store. Documents are
// hashes of JSON-encoded top-level fields:
//
//	HSET quizroom:doc:{collection}:{id} {field} {json}
//	SADD quizroom:col:{collection} {id}
//
// Every write publishes the document id on the collection channel and on the
// document channel, which is what subscriptions listen to.
type Store struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewStore wraps client. A nil client yields a store whose every operation
// fails with domain.ErrBackendUnavailable.
func NewStore(client *redis.Client, log zerolog.Logger) *Store {
	return &Store{
		client: client,
		log:    log.With().Str("component", "redis_store").Logger(),
	}
}

func docKey(collection, id string) string {
	return "quizroom:doc:" + collection + ":" + id
}

func collectionKey(collection string) string {
	return "quizroom:col:" + collection
}

func collectionChannel(collection string) string {
	return "quizroom:chg:" + collection
}

func documentChannel(collection, id string) string {
	return collectionChannel(collection) + ":" + id
}

func (s *Store) ready() error {
	if s.client == nil {
		return domain.ErrBackendUnavailable
	}
	return nil
}

func (s *Store) Create(ctx context.Context, collection, id string, doc domain.Document) error {
	if err := s.ready(); err != nil {
		return err
	}
	doc, err := s.resolve(ctx, doc)
	if err != nil {
		return err
	}
	key := docKey(collection, id)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(doc) > 0 {
		pipe.HSet(ctx, key, encodeFields(doc))
	}
	s.finishWrite(ctx, pipe, collection, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return classify("create "+collection+"/"+id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (domain.Document, bool, error) {
	if err := s.ready(); err != nil {
		return nil, false, err
	}
	fields, err := s.client.HGetAll(ctx, docKey(collection, id)).Result()
	if err != nil {
		return nil, false, classify("get "+collection+"/"+id, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return decodeFields(fields), true, nil
}

func (s *Store) ListAll(ctx context.Context, collection string) ([]domain.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, collectionKey(collection)).Result()
	if err != nil {
		return nil, classify("list "+collection, err)
	}
	if len(ids) == 0 {
		return []domain.Document{}, nil
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, docKey(collection, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, classify("list "+collection, err)
	}

	docs := make([]domain.Document, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		docs = append(docs, decodeFields(fields))
	}
	return docs, nil
}

func (s *Store) SetMerge(ctx context.Context, collection, id string, partial domain.Document) error {
	if err := s.ready(); err != nil {
		return err
	}
	partial, err := s.resolve(ctx, partial)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	if len(partial) > 0 {
		pipe.HSet(ctx, docKey(collection, id), encodeFields(partial))
	}
	s.finishWrite(ctx, pipe, collection, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return classify("merge "+collection+"/"+id, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, docKey(collection, id))
	pipe.SRem(ctx, collectionKey(collection), id)
	pipe.Publish(ctx, collectionChannel(collection), id)
	pipe.Publish(ctx, documentChannel(collection, id), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return classify("delete "+collection+"/"+id, err)
	}
	return nil
}

// classify maps a failed command onto the domain errors. A command that never
// reached the server means the backend is unreachable; an error reply from
// the server is a persistence failure.
func classify(op string, err error) error {
	if unreachable(err) {
		return fmt.Errorf("%w: %s: %v", domain.ErrBackendUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, op, err)
}

func unreachable(err error) bool {
	var netErr net.Error
	switch {
	case errors.Is(err, redis.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.As(err, &netErr):
		return true
	default:
		return false
	}
}

func (s *Store) finishWrite(ctx context.Context, pipe redis.Pipeliner, collection, id string) {
	pipe.SAdd(ctx, collectionKey(collection), id)
	pipe.Publish(ctx, collectionChannel(collection), id)
	pipe.Publish(ctx, documentChannel(collection, id), id)
}

// resolve replaces ServerTimestamp markers with the Redis server clock.
func (s *Store) resolve(ctx context.Context, doc domain.Document) (domain.Document, error) {
	marked := false
	for _, v := range doc {
		if domain.IsServerTimestamp(v) {
			marked = true
			break
		}
	}
	if !marked {
		return doc, nil
	}
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return nil, classify("server time", err)
	}
	return doc.ResolveTimestamps(now), nil
}

// SubscribeDocument delivers the document's current state, then its state
// after every change, until the returned function is called.
func (s *Store) SubscribeDocument(ctx context.Context, collection, id string, onChange func(domain.Document, bool)) (app.Unsubscribe, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.subscribe(ctx, documentChannel(collection, id), func(ctx context.Context) error {
		doc, ok, err := s.Get(ctx, collection, id)
		if err != nil {
			return err
		}
		onChange(doc, ok)
		return nil
	})
}

// SubscribeCollection delivers the full collection, then the full
// collection again after every change to any of its documents.
func (s *Store) SubscribeCollection(ctx context.Context, collection string, onChange func([]domain.Document)) (app.Unsubscribe, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.subscribe(ctx, collectionChannel(collection), func(ctx context.Context) error {
		docs, err := s.ListAll(ctx, collection)
		if err != nil {
			return err
		}
		onChange(docs)
		return nil
	})
}

// subscribe listens on channel and calls deliver once up front and once per
// message. The returned function blocks until no delivery is in flight, so
// no callback runs after it returns.
func (s *Store) subscribe(ctx context.Context, channel string, deliver func(context.Context) error) (app.Unsubscribe, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	// Wait for confirmation so that no change after this point is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrBackendUnavailable, channel, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	messages := pubsub.Channel()

	go func() {
		defer close(done)
		s.deliver(subCtx, channel, deliver)
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				s.deliver(subCtx, channel, deliver)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := pubsub.Close(); err != nil {
				s.log.Debug().Err(err).Str("channel", channel).Msg("close subscription")
			}
			<-done
		})
	}, nil
}

func (s *Store) deliver(ctx context.Context, channel string, deliver func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if err := deliver(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("subscription refresh failed")
	}
}

func encodeFields(doc domain.Document) map[string]interface{} {
	fields := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		fields[k] = string(v)
	}
	return fields
}

func decodeFields(fields map[string]string) domain.Document {
	doc := make(domain.Document, len(fields))
	for k, v := range fields {
		doc[k] = json.RawMessage(v)
	}
	return doc
}

var _ app.Store = (*Store)(nil)
