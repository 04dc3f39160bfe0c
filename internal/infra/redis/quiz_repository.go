package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"quizroom-service/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// QuizLoader fetches quiz content from its source of truth.
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizRepository keeps whole quizzes in Redis, shared by every server
// process, as SET quizroom:quiz:{quizID} {json} EX ttl. The cache is best
// effort: an unreachable or nil client falls through to the loader.
type QuizRepository struct {
	client *redis.Client
	loader QuizLoader
	ttl    time.Duration
	log    zerolog.Logger
	fills  singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewQuizRepository(client *redis.Client, loader QuizLoader, ttl time.Duration, log zerolog.Logger) *QuizRepository {
	return &QuizRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		log:    log.With().Str("component", "quiz_cache").Logger(),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuizRepository) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := r.read(ctx, quizID); ok {
		return quiz, nil
	}

	v, err, _ := r.fills.Do(quizID, func() (interface{}, error) {
		if quiz, ok := r.read(ctx, quizID); ok {
			return quiz, nil
		}
		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return nil, err
		}
		r.write(ctx, quizID, quiz)
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	// Callers that shared the fill must not share the slices.
	return v.(domain.Quiz).Clone(), nil
}

// Invalidate drops the cached copy of a quiz.
func (r *QuizRepository) Invalidate(ctx context.Context, quizID string) error {
	if r.client == nil {
		return nil
	}
	return r.client.Del(ctx, quizKey(quizID)).Err()
}

func (r *QuizRepository) read(ctx context.Context, quizID string) (domain.Quiz, bool) {
	var quiz domain.Quiz
	if r.client == nil {
		return quiz, false
	}
	data, err := r.client.Get(ctx, quizKey(quizID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return quiz, false
	case err != nil:
		r.log.Warn().Err(err).Str("quiz_id", quizID).Msg("quiz cache read failed")
		return quiz, false
	}
	if err := json.Unmarshal(data, &quiz); err != nil {
		r.log.Warn().Err(err).Str("quiz_id", quizID).Msg("dropping undecodable cached quiz")
		_ = r.client.Del(ctx, quizKey(quizID)).Err()
		return domain.Quiz{}, false
	}
	return quiz, true
}

func (r *QuizRepository) write(ctx context.Context, quizID string, quiz domain.Quiz) {
	if r.client == nil {
		return
	}
	data, err := json.Marshal(quiz)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, quizKey(quizID), data, r.expiry()).Err(); err != nil {
		r.log.Warn().Err(err).Str("quiz_id", quizID).Msg("quiz cache write failed")
	}
}

// expiry is ttl plus up to 10% spread; zero keeps the key forever.
func (r *QuizRepository) expiry() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	spread := time.Duration(r.rnd.Int63n(int64(r.ttl)/10 + 1))
	r.mu.Unlock()
	return r.ttl + spread
}

func quizKey(quizID string) string {
	return "quizroom:quiz:" + quizID
}
