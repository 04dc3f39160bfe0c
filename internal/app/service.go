package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"quizroom-service/internal/domain"
	"quizroom-service/internal/grading"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// codeAttempts bounds how many room codes are drawn before giving up.
	codeAttempts = 6
	// defaultClassSection labels rooms created without a class.
	defaultClassSection = "Default"
)

// Service contains the room use cases: lifecycle, joining, answering and archiving.
type Service struct {
	store    Store
	quizzes  QuizRepository
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time
	codes    func() string
	newID    func() string
	catalog  QuizCatalog
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces time.Now, for deterministic timestamps in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCodeSource replaces the random room code generator.
func WithCodeSource(next func() string) Option {
	return func(s *Service) { s.codes = next }
}

// WithQuizCatalog also writes saved quizzes to an external catalog, which
// then becomes the source Quizzes lists from.
func WithQuizCatalog(catalog QuizCatalog) Option {
	return func(s *Service) { s.catalog = catalog }
}

func NewService(store Store, quizzes QuizRepository, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		quizzes:  quizzes,
		validate: validator.New(),
		log:      log.With().Str("component", "room_service").Logger(),
		now:      time.Now,
		codes:    randomCodes(rand.New(rand.NewSource(time.Now().UnixNano()))),
		newID:    func() string { return "p_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// randomCodes draws 4-digit numeric codes in [1000, 9999].
func randomCodes(rnd *rand.Rand) func() string {
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		return strconv.Itoa(1000 + rnd.Intn(9000))
	}
}

// CreateRoom opens a room over a snapshot of quiz and returns its code.
func (s *Service) CreateRoom(ctx context.Context, quiz domain.Quiz, classLabel, creator string) (string, error) {
	snapshot := quiz.Clone()
	snapshot.Normalize()
	if snapshot.ID == "" {
		snapshot.ID = "quiz_" + uuid.NewString()
	}
	if err := s.checkQuiz(snapshot); err != nil {
		return "", err
	}

	code, err := s.allocateCode(ctx)
	if err != nil {
		return "", err
	}

	if creator == "" {
		creator = snapshot.CreatedBy
	}
	if creator == "" {
		creator = "guest"
	}
	if strings.TrimSpace(classLabel) == "" {
		classLabel = defaultClassSection
	}
	room := domain.Room{
		Code:         code,
		Status:       domain.RoomOpen,
		QuizID:       snapshot.ID,
		QuizTitle:    snapshot.Title,
		Quiz:         snapshot,
		CreatedBy:    creator,
		ClassSection: classLabel,
	}
	doc, err := domain.ToDocument(room)
	if err != nil {
		return "", err
	}
	doc["createdAt"] = domain.ServerTimestamp()
	if err := s.store.Create(ctx, RoomsCollection, code, doc); err != nil {
		return "", err
	}

	s.log.Info().Str("code", code).Str("quiz_id", snapshot.ID).Int("questions", snapshot.TotalQuestions()).Msg("room created")
	return code, nil
}

// CreateRoomFromQuiz opens a room for a saved quiz.
func (s *Service) CreateRoomFromQuiz(ctx context.Context, quizID, classLabel, creator string) (string, error) {
	if s.quizzes == nil {
		return "", fmt.Errorf("%w: no quiz catalog configured", domain.ErrQuizNotFound)
	}
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return "", err
	}
	return s.CreateRoom(ctx, quiz, classLabel, creator)
}

// allocateCode draws codes until one is free. A code is free when no room
// uses it or its room has ended; in the latter case the stale participants
// are purged so the new room starts empty.
func (s *Service) allocateCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code := s.codes()
		doc, ok, err := s.store.Get(ctx, RoomsCollection, code)
		if err != nil {
			return "", err
		}
		if !ok {
			return code, nil
		}
		var existing domain.Room
		if err := doc.Decode(&existing); err != nil || existing.IsOpen() {
			continue
		}
		if err := s.purgeParticipants(ctx, code); err != nil {
			return "", err
		}
		return code, nil
	}
	return "", domain.ErrCodeGenerationExhausted
}

func (s *Service) purgeParticipants(ctx context.Context, code string) error {
	participants, err := s.listParticipants(ctx, code)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if err := s.store.Delete(ctx, ParticipantsPath(code), p.ID); err != nil {
			return err
		}
	}
	return nil
}

// JoinRoom registers a new participant in an open room.
func (s *Service) JoinRoom(ctx context.Context, code, name string) (string, domain.Room, error) {
	code = strings.TrimSpace(code)
	name = strings.TrimSpace(name)
	if code == "" || name == "" {
		return "", domain.Room{}, fmt.Errorf("%w: name and room code are required", domain.ErrValidation)
	}

	room, err := s.Room(ctx, code)
	if err != nil {
		return "", domain.Room{}, err
	}
	if !room.IsOpen() {
		return "", domain.Room{}, fmt.Errorf("%w: %s", domain.ErrRoomClosed, code)
	}

	participant := domain.Participant{
		ID:      s.newID(),
		Name:    name,
		Answers: map[string]domain.AnswerRecord{},
	}
	doc, err := domain.ToDocument(participant)
	if err != nil {
		return "", domain.Room{}, err
	}
	doc["joinedAt"] = domain.ServerTimestamp()
	doc["lastUpdate"] = domain.ServerTimestamp()
	if err := s.store.Create(ctx, ParticipantsPath(code), participant.ID, doc); err != nil {
		return "", domain.Room{}, err
	}

	s.log.Info().Str("code", code).Str("participant_id", participant.ID).Msg("participant joined")
	return participant.ID, room, nil
}

// SubmitAnswer grades a submission for a participant and persists the result.
func (s *Service) SubmitAnswer(ctx context.Context, code, participantID, questionID string, sub domain.Submission) (domain.AnswerRecord, error) {
	room, err := s.Room(ctx, code)
	if err != nil {
		return domain.AnswerRecord{}, err
	}
	if !room.IsOpen() {
		return domain.AnswerRecord{}, fmt.Errorf("%w: %s", domain.ErrRoomClosed, code)
	}
	question, ok := room.Quiz.FindQuestion(questionID)
	if !ok {
		return domain.AnswerRecord{}, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, questionID)
	}
	participant, err := s.Participant(ctx, code, participantID)
	if err != nil {
		return domain.AnswerRecord{}, err
	}
	return s.recordAnswer(ctx, code, &participant, question, sub)
}

// RecordAnswer grades a submission against a participant held by the
// caller. The participant is updated in place before the write is attempted
// and keeps the update when the write fails. Only an ended or vanished room
// refuses the answer; when the status cannot be read the answer is graded
// locally and the write reports the failure.
func (s *Service) RecordAnswer(ctx context.Context, code string, participant *domain.Participant, question domain.Question, sub domain.Submission) (domain.AnswerRecord, error) {
	room, err := s.Room(ctx, code)
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return domain.AnswerRecord{}, err
	case err != nil:
		s.log.Warn().Err(err).Str("code", code).Msg("room status unavailable, grading locally")
	case !room.IsOpen():
		return domain.AnswerRecord{}, fmt.Errorf("%w: %s", domain.ErrRoomClosed, code)
	}
	return s.recordAnswer(ctx, code, participant, question, sub)
}

func (s *Service) recordAnswer(ctx context.Context, code string, participant *domain.Participant, question domain.Question, sub domain.Submission) (domain.AnswerRecord, error) {
	if _, answered := participant.Answers[question.ID]; answered {
		return domain.AnswerRecord{}, fmt.Errorf("%w: %s", domain.ErrAlreadyAnswered, question.ID)
	}

	record := grading.Evaluate(question, sub)
	grading.Apply(participant, question.ID, record)
	participant.LastUpdate = s.now()

	partial := domain.Document{}
	for field, value := range map[string]any{
		"name":         participant.Name,
		"score":        participant.Score,
		"correctCount": participant.CorrectCount,
		"pendingEssay": participant.PendingEssay,
		"answers":      participant.Answers,
	} {
		if err := partial.Set(field, value); err != nil {
			return record, err
		}
	}
	partial["lastUpdate"] = domain.ServerTimestamp()

	if err := s.store.SetMerge(ctx, ParticipantsPath(code), participant.ID, partial); err != nil {
		s.log.Warn().Err(err).Str("code", code).Str("participant_id", participant.ID).Msg("participant update not persisted")
		return record, err
	}
	return record, nil
}

// EndRoom archives the room's results as a Record and closes the room.
// Ending an already ended room returns its record id.
func (s *Service) EndRoom(ctx context.Context, code string) (string, error) {
	var (
		room         domain.Room
		participants []domain.Participant
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := s.Room(gctx, code)
		room = r
		return err
	})
	g.Go(func() error {
		ps, err := s.listParticipants(gctx, code)
		participants = ps
		return err
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	if room.Status == domain.RoomEnded && room.RecordID != "" {
		return room.RecordID, nil
	}

	record := domain.Record{
		ID:           recordID(room),
		Code:         room.Code,
		Quiz:         room.Quiz,
		CreatedBy:    room.CreatedBy,
		ClassSection: room.ClassSection,
		Participants: participants,
	}
	doc, err := domain.ToDocument(record)
	if err != nil {
		return "", &domain.EndRoomError{Code: code, Stage: domain.EndStageArchive, Err: err}
	}
	doc["endedAt"] = domain.ServerTimestamp()
	if err := s.store.Create(ctx, RecordsCollection, record.ID, doc); err != nil {
		return "", &domain.EndRoomError{Code: code, Stage: domain.EndStageArchive, Err: err}
	}

	closing := domain.Document{}
	_ = closing.Set("status", domain.RoomEnded)
	_ = closing.Set("recordId", record.ID)
	closing["endedAt"] = domain.ServerTimestamp()
	if err := s.store.SetMerge(ctx, RoomsCollection, code, closing); err != nil {
		return "", &domain.EndRoomError{Code: code, Stage: domain.EndStageClose, RecordID: record.ID, Err: err}
	}

	s.log.Info().Str("code", code).Str("record_id", record.ID).Int("participants", len(participants)).Msg("room ended")
	return record.ID, nil
}

// recordID is stable for a given room instance so a retried EndRoom
// overwrites the same record instead of archiving twice.
func recordID(room domain.Room) string {
	return "rec_" + room.Code + "_" + strconv.FormatInt(room.CreatedAt.UnixNano(), 36)
}

// SubscribeRoom watches the room document and its participants. Both
// callbacks receive the current state once, then every change.
func (s *Service) SubscribeRoom(ctx context.Context, code string, onRoom func(room domain.Room, exists bool), onParticipants func([]domain.Participant)) (Unsubscribe, error) {
	unsubRoom, err := s.store.SubscribeDocument(ctx, RoomsCollection, code, func(doc domain.Document, exists bool) {
		if !exists {
			onRoom(domain.Room{Code: code}, false)
			return
		}
		var room domain.Room
		if err := doc.Decode(&room); err != nil {
			s.log.Error().Err(err).Str("code", code).Msg("decode room change")
			return
		}
		onRoom(room, true)
	})
	if err != nil {
		return nil, err
	}

	unsubParticipants, err := s.store.SubscribeCollection(ctx, ParticipantsPath(code), func(docs []domain.Document) {
		onParticipants(s.decodeParticipants(docs))
	})
	if err != nil {
		unsubRoom()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubRoom()
			unsubParticipants()
		})
	}, nil
}

// Room loads a room's metadata and quiz snapshot.
func (s *Service) Room(ctx context.Context, code string) (domain.Room, error) {
	doc, ok, err := s.store.Get(ctx, RoomsCollection, code)
	if err != nil {
		return domain.Room{}, err
	}
	if !ok {
		return domain.Room{}, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, code)
	}
	var room domain.Room
	if err := doc.Decode(&room); err != nil {
		return domain.Room{}, fmt.Errorf("%w: decode room %s: %v", domain.ErrPersistence, code, err)
	}
	return room, nil
}

// Participant loads one participant of a room.
func (s *Service) Participant(ctx context.Context, code, participantID string) (domain.Participant, error) {
	doc, ok, err := s.store.Get(ctx, ParticipantsPath(code), participantID)
	if err != nil {
		return domain.Participant{}, err
	}
	if !ok {
		return domain.Participant{}, fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, participantID)
	}
	var p domain.Participant
	if err := doc.Decode(&p); err != nil {
		return domain.Participant{}, fmt.Errorf("%w: decode participant %s: %v", domain.ErrPersistence, participantID, err)
	}
	if p.Answers == nil {
		p.Answers = map[string]domain.AnswerRecord{}
	}
	return p, nil
}

func (s *Service) listParticipants(ctx context.Context, code string) ([]domain.Participant, error) {
	docs, err := s.store.ListAll(ctx, ParticipantsPath(code))
	if err != nil {
		return nil, err
	}
	return s.decodeParticipants(docs), nil
}

// decodeParticipants orders participants by join time; undecodable entries are skipped.
func (s *Service) decodeParticipants(docs []domain.Document) []domain.Participant {
	participants := make([]domain.Participant, 0, len(docs))
	for _, doc := range docs {
		var p domain.Participant
		if err := doc.Decode(&p); err != nil {
			s.log.Warn().Err(err).Msg("skipping undecodable participant")
			continue
		}
		participants = append(participants, p)
	}
	sort.SliceStable(participants, func(i, j int) bool {
		if !participants[i].JoinedAt.Equal(participants[j].JoinedAt) {
			return participants[i].JoinedAt.Before(participants[j].JoinedAt)
		}
		return participants[i].ID < participants[j].ID
	})
	return participants
}

// OpenRooms lists rooms that still accept joins.
func (s *Service) OpenRooms(ctx context.Context) ([]domain.Room, error) {
	docs, err := s.store.ListAll(ctx, RoomsCollection)
	if err != nil {
		return nil, err
	}
	rooms := make([]domain.Room, 0, len(docs))
	for _, doc := range docs {
		var room domain.Room
		if err := doc.Decode(&room); err != nil {
			continue
		}
		if room.IsOpen() {
			rooms = append(rooms, room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Code < rooms[j].Code })
	return rooms, nil
}

// Record loads one archived record.
func (s *Service) Record(ctx context.Context, id string) (domain.Record, error) {
	doc, ok, err := s.store.Get(ctx, RecordsCollection, id)
	if err != nil {
		return domain.Record{}, err
	}
	if !ok {
		return domain.Record{}, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	var rec domain.Record
	if err := doc.Decode(&rec); err != nil {
		return domain.Record{}, fmt.Errorf("%w: decode record %s: %v", domain.ErrPersistence, id, err)
	}
	return rec, nil
}

// Records lists archived records, most recent first.
func (s *Service) Records(ctx context.Context) ([]domain.Record, error) {
	docs, err := s.store.ListAll(ctx, RecordsCollection)
	if err != nil {
		return nil, err
	}
	records := make([]domain.Record, 0, len(docs))
	for _, doc := range docs {
		var rec domain.Record
		if err := doc.Decode(&rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].EndedAt.After(records[j].EndedAt) })
	return records, nil
}

// SaveQuiz validates a quiz and stores it in the catalog, returning its id.
func (s *Service) SaveQuiz(ctx context.Context, quiz domain.Quiz) (string, error) {
	quiz = quiz.Clone()
	quiz.Normalize()
	if quiz.ID == "" {
		quiz.ID = "quiz_" + uuid.NewString()
	}
	if err := s.checkQuiz(quiz); err != nil {
		return "", err
	}
	doc, err := domain.ToDocument(quiz)
	if err != nil {
		return "", err
	}
	if err := s.store.Create(ctx, QuizzesCollection, quiz.ID, doc); err != nil {
		return "", err
	}
	if s.catalog != nil {
		if err := s.catalog.SaveQuiz(ctx, quiz); err != nil {
			return "", fmt.Errorf("%w: catalog: %v", domain.ErrPersistence, err)
		}
	}
	if cache, ok := s.quizzes.(QuizInvalidator); ok {
		if err := cache.Invalidate(ctx, quiz.ID); err != nil {
			s.log.Warn().Err(err).Str("quiz_id", quiz.ID).Msg("cached quiz not invalidated")
		}
	}
	s.log.Info().Str("quiz_id", quiz.ID).Str("title", quiz.Title).Msg("quiz saved")
	return quiz.ID, nil
}

// Quizzes lists the saved quizzes, from the catalog when one is configured.
func (s *Service) Quizzes(ctx context.Context) ([]domain.Quiz, error) {
	if s.catalog != nil {
		quizzes, err := s.catalog.ListQuizzes(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: catalog: %v", domain.ErrPersistence, err)
		}
		if quizzes == nil {
			quizzes = []domain.Quiz{}
		}
		return quizzes, nil
	}
	docs, err := s.store.ListAll(ctx, QuizzesCollection)
	if err != nil {
		return nil, err
	}
	quizzes := make([]domain.Quiz, 0, len(docs))
	for _, doc := range docs {
		var quiz domain.Quiz
		if err := doc.Decode(&quiz); err != nil {
			continue
		}
		quizzes = append(quizzes, quiz)
	}
	return quizzes, nil
}

func (s *Service) checkQuiz(quiz domain.Quiz) error {
	if err := s.validate.Struct(quiz); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%w: %s failed on %q", domain.ErrValidation, fieldErrs[0].Namespace(), fieldErrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return quiz.Check()
}
