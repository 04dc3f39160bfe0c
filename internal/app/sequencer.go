package app

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"quizroom-service/internal/domain"
)

// Position locates a question inside a quiz.
type Position struct {
	SetIndex      int `json:"setIndex"`
	QuestionIndex int `json:"questionIndex"`
}

// BuildOrder flattens a quiz into set order, then in-set order.
func BuildOrder(quiz domain.Quiz) []Position {
	order := make([]Position, 0, quiz.TotalQuestions())
	for si, set := range quiz.Sets {
		for qi := range set.Questions {
			order = append(order, Position{SetIndex: si, QuestionIndex: qi})
		}
	}
	return order
}

// StepKind names what a client should present next.
type StepKind string

const (
	StepDirections StepKind = "directions"
	StepQuestion   StepKind = "question"
	StepFinished   StepKind = "finished"
)

// Step is one screen of a participant's run.
type Step struct {
	Kind      StepKind         `json:"kind"`
	Index     int              `json:"index"`
	Total     int              `json:"total"`
	Position  Position         `json:"position"`
	SetTitle  string           `json:"setTitle,omitempty"`
	Direction string           `json:"directions,omitempty"`
	Question  *domain.Question `json:"question,omitempty"`
	Remaining int              `json:"remaining,omitempty"`
}

// ErrNoDirections is returned by Acknowledge when no directions screen is showing.
var ErrNoDirections = errors.New("no directions awaiting acknowledgement")

// Sequencer walks one participant through a quiz, one timed question at a time.
// All methods are safe for concurrent use; the expiry hook is called from the
// timer goroutine without any sequencer lock held.
type Sequencer struct {
	mu        sync.Mutex
	quiz      domain.Quiz
	order     []Position
	index     int
	remaining int
	stage     StepKind
	tick      time.Duration
	stopTimer chan struct{}
	timerGen  int
	onExpire  func(index int)
	onTick    func(index, remaining int)
}

// SequencerOption customises a Sequencer.
type SequencerOption func(*Sequencer)

// WithTick changes the countdown granularity (one second by default).
func WithTick(d time.Duration) SequencerOption {
	return func(s *Sequencer) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithTickHook is called after every countdown step.
func WithTickHook(fn func(index, remaining int)) SequencerOption {
	return func(s *Sequencer) { s.onTick = fn }
}

// NewSequencer builds the question order for quiz. onExpire is invoked with
// the question index when its countdown reaches zero.
func NewSequencer(quiz domain.Quiz, onExpire func(index int), opts ...SequencerOption) *Sequencer {
	s := &Sequencer{
		quiz:     quiz,
		order:    BuildOrder(quiz),
		tick:     time.Second,
		onExpire: onExpire,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Len is the number of questions in the run.
func (s *Sequencer) Len() int {
	return len(s.order)
}

// Index is the current 0-based cursor.
func (s *Sequencer) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Remaining is the seconds left on the active question.
func (s *Sequencer) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// Advance presents whatever comes next at the cursor: the end of the run,
// the directions of a set about to start, or the question itself.
func (s *Sequencer) Advance() Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index >= len(s.order) {
		s.cancelLocked()
		s.stage = StepFinished
		return Step{Kind: StepFinished, Index: s.index, Total: len(s.order)}
	}
	if s.stage == StepQuestion {
		return s.questionStepLocked()
	}

	pos := s.order[s.index]
	set := s.quiz.Sets[pos.SetIndex]
	firstInSet := s.index == 0 || s.order[s.index-1].SetIndex != pos.SetIndex
	if firstInSet && strings.TrimSpace(set.Directions) != "" {
		s.stage = StepDirections
		title := set.Title
		if title == "" {
			title = "Set " + strconv.Itoa(pos.SetIndex+1)
		}
		return Step{Kind: StepDirections, Index: s.index, Total: len(s.order), Position: pos, SetTitle: title, Direction: set.Directions}
	}
	return s.loadLocked(s.index)
}

// Acknowledge dismisses the directions screen and loads its question.
func (s *Sequencer) Acknowledge() (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != StepDirections {
		return Step{}, ErrNoDirections
	}
	return s.loadLocked(s.index), nil
}

// LoadQuestion moves the cursor to i and starts its countdown.
func (s *Sequencer) LoadQuestion(i int) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.order) {
		return Step{}, domain.ErrQuestionNotFound
	}
	return s.loadLocked(i), nil
}

// Current returns the question under the cursor while it is being shown.
func (s *Sequencer) Current() (int, domain.Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != StepQuestion || s.index >= len(s.order) {
		return s.index, domain.Question{}, false
	}
	return s.index, s.questionAt(s.index), true
}

// Complete ends question i: its timer is cancelled and the cursor moves on.
// It reports false when i is no longer the active question, which makes a
// late timer expiry racing a manual submit harmless.
func (s *Sequencer) Complete(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != StepQuestion || s.index != i {
		return false
	}
	s.cancelLocked()
	s.index++
	s.stage = ""
	return true
}

// Stop cancels any running countdown.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Sequencer) loadLocked(i int) Step {
	s.cancelLocked()
	s.index = i
	s.stage = StepQuestion
	s.remaining = s.quiz.TimePerQuestion
	s.startLocked()
	return s.questionStepLocked()
}

func (s *Sequencer) questionStepLocked() Step {
	q := s.questionAt(s.index)
	return Step{
		Kind:      StepQuestion,
		Index:     s.index,
		Total:     len(s.order),
		Position:  s.order[s.index],
		SetTitle:  s.quiz.Sets[s.order[s.index].SetIndex].Title,
		Question:  &q,
		Remaining: s.remaining,
	}
}

func (s *Sequencer) questionAt(i int) domain.Question {
	pos := s.order[i]
	return s.quiz.Sets[pos.SetIndex].Questions[pos.QuestionIndex]
}

// startLocked launches the countdown for the current question. Each timer
// carries a generation so a tick that raced a cancel does nothing.
func (s *Sequencer) startLocked() {
	s.timerGen++
	gen := s.timerGen
	index := s.index
	stop := make(chan struct{})
	s.stopTimer = stop

	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			s.mu.Lock()
			if s.timerGen != gen {
				s.mu.Unlock()
				return
			}
			s.remaining--
			remaining := s.remaining
			expired := remaining <= 0
			if expired {
				s.stopTimer = nil
			}
			s.mu.Unlock()

			if s.onTick != nil {
				s.onTick(index, remaining)
			}
			if expired {
				if s.onExpire != nil {
					s.onExpire(index)
				}
				return
			}
		}
	}()
}

func (s *Sequencer) cancelLocked() {
	s.timerGen++
	if s.stopTimer != nil {
		close(s.stopTimer)
		s.stopTimer = nil
	}
}
