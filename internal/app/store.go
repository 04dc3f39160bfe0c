package app

import (
	"context"

	"quizroom-service/internal/domain"
)

// Collections used by the room service. Participants of a room live in a
// sub-collection under the room document.
const (
	RoomsCollection   = "rooms"
	RecordsCollection = "records"
	QuizzesCollection = "quizzes"
)

// ParticipantsPath returns the collection path holding a room's participants.
func ParticipantsPath(code string) string {
	return RoomsCollection + "/" + code + "/participants"
}

// Unsubscribe stops a subscription. It is safe to call more than once; once
// it returns no further callback is invoked.
type Unsubscribe func()

// Store abstracts the document backend rooms are kept in (local mirror, Redis, etc).
type Store interface {
	// Create writes doc as the full content of collection/id, replacing any previous content.
	Create(ctx context.Context, collection, id string, doc domain.Document) error
	// Get returns the document, or false if it does not exist.
	Get(ctx context.Context, collection, id string) (domain.Document, bool, error)
	// ListAll returns every document of a collection.
	ListAll(ctx context.Context, collection string) ([]domain.Document, error)
	// SetMerge writes the given fields over the stored document, creating it if absent.
	SetMerge(ctx context.Context, collection, id string, partial domain.Document) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// SubscribeDocument calls onChange with the document state whenever it changes.
	SubscribeDocument(ctx context.Context, collection, id string, onChange func(doc domain.Document, exists bool)) (Unsubscribe, error)
	// SubscribeCollection calls onChange with every document of the collection whenever any changes.
	SubscribeCollection(ctx context.Context, collection string, onChange func(docs []domain.Document)) (Unsubscribe, error)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizInvalidator is implemented by quiz repositories that cache; a saved
// quiz is dropped from the cache so the next room loads the new version.
type QuizInvalidator interface {
	Invalidate(ctx context.Context, quizID string) error
}

// QuizCatalog keeps authored quizzes outside the room store.
type QuizCatalog interface {
	SaveQuiz(ctx context.Context, quiz domain.Quiz) error
	ListQuizzes(ctx context.Context) ([]domain.Quiz, error)
}

// StoreQuizLoader loads saved quizzes from the active store's quiz collection.
type StoreQuizLoader struct {
	store Store
}

func NewStoreQuizLoader(store Store) *StoreQuizLoader {
	return &StoreQuizLoader{store: store}
}

func (l *StoreQuizLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	doc, ok, err := l.store.Get(ctx, QuizzesCollection, quizID)
	if err != nil {
		return domain.Quiz{}, err
	}
	if !ok {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	var quiz domain.Quiz
	if err := doc.Decode(&quiz); err != nil {
		return domain.Quiz{}, err
	}
	return quiz, nil
}
