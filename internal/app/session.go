package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"quizroom-service/internal/domain"

	"github.com/rs/zerolog"
)

var (
	// ErrSessionClosed is returned once a session has been closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrNoActiveQuestion is returned by Submit when no question is showing.
	ErrNoActiveQuestion = errors.New("no question is being shown")
)

// autoSubmitTimeout bounds the backend write of a timer-driven submission.
const autoSubmitTimeout = 10 * time.Second

// StudentHooks receive what a student's client should present. Hooks run on
// the caller's goroutine for manual actions and on the timer goroutine for
// expiries; they must not call back into the session.
type StudentHooks struct {
	OnStep   func(Step)
	OnAnswer func(Outcome)
	OnTick   func(index, remaining int)
	OnRoom   func(domain.RoomSnapshot)
}

// Outcome reports one graded submission. Err is set when the result could not
// be persisted; the local score already includes it.
type Outcome struct {
	Index        int                 `json:"index"`
	QuestionID   string              `json:"questionId"`
	Record       domain.AnswerRecord `json:"record"`
	Score        int                 `json:"score"`
	CorrectCount int                 `json:"correctCount"`
	Auto         bool                `json:"auto"`
	Err          error               `json:"-"`
}

// StudentSession is one participant's client: its own copy of its
// participant entry, its sequencer, the current input state and its room
// subscription. It exists from join until Close.
type StudentSession struct {
	service *Service
	code    string
	hooks   StudentHooks
	bridge  *Bridge
	seq     *Sequencer
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	participant domain.Participant
	draft       domain.Submission
	closed      bool
}

// Join registers name in the room and starts a client session for it.
func (s *Service) Join(ctx context.Context, code, name string, hooks StudentHooks, opts ...SequencerOption) (*StudentSession, error) {
	participantID, room, err := s.JoinRoom(ctx, code, name)
	if err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &StudentSession{
		service: s,
		code:    room.Code,
		hooks:   hooks,
		bridge:  NewBridge(s),
		log:     s.log.With().Str("code", room.Code).Str("participant_id", participantID).Logger(),
		ctx:     sessCtx,
		cancel:  cancel,
		participant: domain.Participant{
			ID:      participantID,
			Name:    name,
			Answers: map[string]domain.AnswerRecord{},
		},
	}
	if hooks.OnTick != nil {
		opts = append(opts, WithTickHook(hooks.OnTick))
	}
	sess.seq = NewSequencer(room.Quiz, sess.expire, opts...)

	view, err := sess.bridge.Attach(ctx, room.Code)
	if err != nil {
		cancel()
		s.dropParticipant(ctx, room.Code, participantID)
		return nil, err
	}
	updates, _ := view.Watch()
	go sess.watchRoom(updates)
	return sess, nil
}

// dropParticipant removes a participant whose client never started, so it
// does not show up on the dashboard or in the record.
func (s *Service) dropParticipant(ctx context.Context, code, participantID string) {
	if err := s.store.Delete(context.WithoutCancel(ctx), ParticipantsPath(code), participantID); err != nil {
		s.log.Warn().Err(err).Str("code", code).Str("participant_id", participantID).Msg("orphaned participant not removed")
	}
}

// ParticipantID is the id this session writes under.
func (s *StudentSession) ParticipantID() string {
	return s.participant.ID
}

// Code is the room code.
func (s *StudentSession) Code() string {
	return s.code
}

// Participant returns a copy of the locally held participant.
func (s *StudentSession) Participant() domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyParticipant(s.participant)
}

// Index is the sequencer cursor.
func (s *StudentSession) Index() int {
	return s.seq.Index()
}

// View is the room as this client sees it.
func (s *StudentSession) View() *RoomView {
	return s.bridge.View()
}

// Refresh re-reads the room, for backends that do not push changes.
func (s *StudentSession) Refresh(ctx context.Context) error {
	return s.bridge.Refresh(ctx)
}

// Start presents the first screen.
func (s *StudentSession) Start() Step {
	step := s.seq.Advance()
	s.emitStep(step)
	return step
}

// Acknowledge dismisses the directions screen.
func (s *StudentSession) Acknowledge() (Step, error) {
	step, err := s.seq.Acknowledge()
	if err != nil {
		return Step{}, err
	}
	s.emitStep(step)
	return step, nil
}

// SetDraft replaces the current input state; it is what gets submitted,
// manually or when the timer runs out.
func (s *StudentSession) SetDraft(sub domain.Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = sub
}

// Submit grades the current draft for the question being shown.
func (s *StudentSession) Submit(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Outcome{}, ErrSessionClosed
	}
	index, _, ok := s.seq.Current()
	if !ok {
		return Outcome{}, ErrNoActiveQuestion
	}
	return s.submit(ctx, index, false)
}

func (s *StudentSession) expire(index int) {
	ctx, cancel := context.WithTimeout(s.ctx, autoSubmitTimeout)
	defer cancel()
	if _, err := s.submit(ctx, index, true); err != nil && !errors.Is(err, ErrNoActiveQuestion) && !errors.Is(err, ErrSessionClosed) {
		s.log.Warn().Err(err).Int("index", index).Msg("auto submit failed")
	}
}

func (s *StudentSession) submit(ctx context.Context, index int, auto bool) (Outcome, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Outcome{}, ErrSessionClosed
	}
	current, question, ok := s.seq.Current()
	if !ok || current != index || !s.seq.Complete(index) {
		s.mu.Unlock()
		return Outcome{}, ErrNoActiveQuestion
	}
	sub := s.draft
	s.draft = domain.Submission{}

	record, err := s.service.RecordAnswer(ctx, s.code, &s.participant, question, sub)
	outcome := Outcome{
		Index:        index,
		QuestionID:   question.ID,
		Record:       record,
		Score:        s.participant.Score,
		CorrectCount: s.participant.CorrectCount,
		Auto:         auto,
		Err:          err,
	}
	local := copyParticipant(s.participant)
	ended := errors.Is(err, domain.ErrRoomClosed)
	if ended {
		s.closed = true
		s.seq.Stop()
	}
	s.mu.Unlock()

	if view := s.bridge.View(); view != nil && !ended {
		view.ApplyLocal(local)
	}
	if s.hooks.OnAnswer != nil {
		s.hooks.OnAnswer(outcome)
	}
	if !ended {
		s.emitStep(s.seq.Advance())
	}
	return outcome, err
}

// watchRoom follows the room view; when the room ends the run stops.
func (s *StudentSession) watchRoom(updates <-chan domain.RoomSnapshot) {
	for snap := range updates {
		if s.hooks.OnRoom != nil {
			s.hooks.OnRoom(snap)
		}
		if snap.Status == domain.RoomEnded {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			s.seq.Stop()
		}
	}
}

// Close stops the timer and tears down the room subscription.
func (s *StudentSession) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.seq.Stop()
	s.bridge.Detach()
	s.cancel()
}

func (s *StudentSession) emitStep(step Step) {
	if step.Kind == StepFinished {
		s.seq.Stop()
	}
	if s.hooks.OnStep != nil {
		s.hooks.OnStep(step)
	}
}

func copyParticipant(p domain.Participant) domain.Participant {
	out := p
	out.Answers = make(map[string]domain.AnswerRecord, len(p.Answers))
	for id, rec := range p.Answers {
		out.Answers[id] = rec
	}
	return out
}

// TeacherSession is the controlling client of one room: it watches the
// room and may end it.
type TeacherSession struct {
	service *Service
	code    string
	bridge  *Bridge
}

// Host creates a room and attaches a teacher session to it.
func (s *Service) Host(ctx context.Context, quiz domain.Quiz, classLabel, creator string) (*TeacherSession, error) {
	code, err := s.CreateRoom(ctx, quiz, classLabel, creator)
	if err != nil {
		return nil, err
	}
	return s.Watch(ctx, code)
}

// HostSaved creates a room for a saved quiz and attaches a teacher session to it.
func (s *Service) HostSaved(ctx context.Context, quizID, classLabel, creator string) (*TeacherSession, error) {
	code, err := s.CreateRoomFromQuiz(ctx, quizID, classLabel, creator)
	if err != nil {
		return nil, err
	}
	return s.Watch(ctx, code)
}

// Watch attaches a teacher session to an existing room.
func (s *Service) Watch(ctx context.Context, code string) (*TeacherSession, error) {
	if _, err := s.Room(ctx, code); err != nil {
		return nil, err
	}
	t := &TeacherSession{service: s, code: code, bridge: NewBridge(s)}
	if _, err := t.bridge.Attach(ctx, code); err != nil {
		return nil, err
	}
	return t, nil
}

// Code is the room code.
func (t *TeacherSession) Code() string {
	return t.code
}

// View is the room dashboard state.
func (t *TeacherSession) View() *RoomView {
	return t.bridge.View()
}

// Refresh re-reads the room, for backends that do not push changes.
func (t *TeacherSession) Refresh(ctx context.Context) error {
	return t.bridge.Refresh(ctx)
}

// End archives the room and tears the subscription down.
func (t *TeacherSession) End(ctx context.Context) (string, error) {
	recordID, err := t.service.EndRoom(ctx, t.code)
	if err != nil {
		return "", err
	}
	t.bridge.Detach()
	return recordID, nil
}

// Close tears the subscription down without ending the room.
func (t *TeacherSession) Close() {
	t.bridge.Detach()
}
