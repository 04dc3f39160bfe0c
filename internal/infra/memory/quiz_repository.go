package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"quizroom-service/internal/domain"

	"golang.org/x/sync/singleflight"
)

// QuizLoader fetches quiz content from its source of truth (the Postgres
// catalog or the room store).
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizRepository keeps saved quizzes in process so starting many rooms from
// the same quiz does not reload it each time. A zero ttl disables caching.
type QuizRepository struct {
	loader QuizLoader
	ttl    time.Duration
	clock  func() time.Time
	fills  singleflight.Group

	mu      sync.Mutex
	rnd     *rand.Rand
	entries map[string]quizEntry
}

type quizEntry struct {
	quiz    domain.Quiz
	staleAt time.Time
}

func NewQuizRepository(loader QuizLoader, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		loader:  loader,
		ttl:     ttl,
		clock:   time.Now,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		entries: make(map[string]quizEntry),
	}
}

// GetQuiz returns a private copy of the quiz; callers may normalise it freely.
func (r *QuizRepository) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := r.fresh(quizID); ok {
		return quiz.Clone(), nil
	}

	v, err, _ := r.fills.Do(quizID, func() (interface{}, error) {
		if quiz, ok := r.fresh(quizID); ok {
			return quiz, nil
		}
		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return nil, err
		}
		r.remember(quizID, quiz)
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return v.(domain.Quiz).Clone(), nil
}

// Invalidate forgets a quiz, e.g. after it was re-saved.
func (r *QuizRepository) Invalidate(_ context.Context, quizID string) error {
	r.mu.Lock()
	delete(r.entries, quizID)
	r.mu.Unlock()
	return nil
}

func (r *QuizRepository) fresh(quizID string) (domain.Quiz, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[quizID]
	switch {
	case !ok:
		return domain.Quiz{}, false
	case r.clock().Before(e.staleAt):
		return e.quiz, true
	default:
		delete(r.entries, quizID)
		return domain.Quiz{}, false
	}
}

func (r *QuizRepository) remember(quizID string, quiz domain.Quiz) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Up to 10% extra so quizzes loaded together do not expire together.
	spread := time.Duration(r.rnd.Int63n(int64(r.ttl)/10 + 1))
	r.entries[quizID] = quizEntry{quiz: quiz, staleAt: r.clock().Add(r.ttl + spread)}
}

// QuizFixtures serves quizzes from a fixed map. Demos and tests use it in
// place of the catalog.
type QuizFixtures map[string]domain.Quiz

func (f QuizFixtures) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	quiz, ok := f[quizID]
	if !ok {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	return quiz, nil
}
