package domain

import (
	"encoding/json"
	"time"
)

// QuestionType tags the variant of a question. Every question in a set shares the set's type.
type QuestionType string

const (
	TypeMCQ   QuestionType = "mcq"
	TypeTF    QuestionType = "tf"
	TypeMatch QuestionType = "match"
	TypeEnum  QuestionType = "enum"
	TypeEssay QuestionType = "essay"
)

// True/false answers are stored as single-letter labels.
const (
	LabelTrue  = "T"
	LabelFalse = "F"
)

// MCQLabels are the option labels of a multiple choice question, in display order.
var MCQLabels = []string{"A", "B", "C", "D"}

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomOpen  RoomStatus = "open"
	RoomEnded RoomStatus = "ended"
)

// MatchPair is one left/right row of a matching question.
type MatchPair struct {
	Left  string `json:"left" yaml:"left" validate:"required"`
	Right string `json:"right" yaml:"right" validate:"required"`
}

// Question is a tagged union keyed by Type; only the fields of that variant are set.
type Question struct {
	ID       string            `json:"id" yaml:"id" validate:"required"`
	Type     QuestionType      `json:"type" yaml:"type" validate:"required,oneof=mcq tf match enum essay"`
	Text     string            `json:"text" yaml:"text" validate:"required"`
	Options  map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
	Correct  string            `json:"correct,omitempty" yaml:"correct,omitempty"`
	Pairs    []MatchPair       `json:"pairs,omitempty" yaml:"pairs,omitempty" validate:"dive"`
	Keywords []string          `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// Set groups questions of one type behind optional directions.
type Set struct {
	Title      string       `json:"title" yaml:"title"`
	Directions string       `json:"directions,omitempty" yaml:"directions,omitempty"`
	Type       QuestionType `json:"type" yaml:"type" validate:"required,oneof=mcq tf match enum essay"`
	Questions  []Question   `json:"questions" yaml:"questions" validate:"required,min=1,dive"`
}

// Quiz is the authored definition a room is created from.
type Quiz struct {
	ID              string `json:"id" yaml:"id"`
	Title           string `json:"title" yaml:"title" validate:"required"`
	TimePerQuestion int    `json:"timePer" yaml:"timePer" validate:"gte=5"`
	Sets            []Set  `json:"sets" yaml:"sets" validate:"required,min=1,dive"`
	CreatedBy       string `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
}

// Room is a live instance of one quiz.
type Room struct {
	Code         string     `json:"code"`
	Status       RoomStatus `json:"status"`
	QuizID       string     `json:"quizId"`
	QuizTitle    string     `json:"quizTitle"`
	Quiz         Quiz       `json:"quiz"`
	CreatedBy    string     `json:"createdBy"`
	ClassSection string     `json:"classSection"`
	CreatedAt    time.Time  `json:"createdAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	RecordID     string     `json:"recordId,omitempty"`

	// Participants live in their own collection; the map is filled in by readers.
	Participants map[string]Participant `json:"-"`
}

// IsOpen reports whether the room still accepts joins and answers.
func (r Room) IsOpen() bool {
	return r.Status == RoomOpen
}

// Participant is one student's live state within a room.
type Participant struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Score        int                     `json:"score"`
	CorrectCount int                     `json:"correctCount"`
	PendingEssay bool                    `json:"pendingEssay"`
	Answers      map[string]AnswerRecord `json:"answers"`
	JoinedAt     time.Time               `json:"joinedAt"`
	LastUpdate   time.Time               `json:"lastUpdate"`
}

// AnswerRecord is the graded outcome of one submission. A nil Correct means
// the answer waits for human review.
type AnswerRecord struct {
	Type         QuestionType    `json:"type"`
	QuestionText string          `json:"questionText"`
	Value        json.RawMessage `json:"value"`
	Correct      *bool           `json:"isCorrect"`
	Pending      bool            `json:"pending,omitempty"`
}

// IsCorrect reports a definite correct result.
func (a AnswerRecord) IsCorrect() bool {
	return a.Correct != nil && *a.Correct
}

// MatchChoice is the stored value of one row of a matching answer.
type MatchChoice struct {
	Left     string `json:"left"`
	Chosen   string `json:"chosen"`
	Expected string `json:"expected"`
}

// Submission is the raw state of a participant's input surface at submit time.
// Choice carries the mcq label or tf value, Matches one right value per pair,
// Tokens the enumeration inputs and Text the essay body.
type Submission struct {
	Choice  string   `json:"choice,omitempty"`
	Matches []string `json:"matches,omitempty"`
	Tokens  []string `json:"tokens,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// Record is the immutable archive of an ended room.
type Record struct {
	ID           string        `json:"id"`
	Code         string        `json:"code"`
	Quiz         Quiz          `json:"quiz"`
	CreatedBy    string        `json:"createdBy"`
	ClassSection string        `json:"classSection"`
	EndedAt      time.Time     `json:"endedAt"`
	Participants []Participant `json:"participants"`
}

// LeaderboardEntry is a snapshot-friendly view of a participant.
type LeaderboardEntry struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Score         int    `json:"score"`
	CorrectCount  int    `json:"correctCount"`
	Answered      int    `json:"answered"`
	PendingEssay  bool   `json:"pendingEssay"`
}

// RoomSnapshot is what an observer renders: room metadata plus the ranked participants.
type RoomSnapshot struct {
	Code           string             `json:"code"`
	Status         RoomStatus         `json:"status"`
	QuizTitle      string             `json:"quizTitle"`
	ClassSection   string             `json:"classSection"`
	TotalQuestions int                `json:"totalQuestions"`
	RecordID       string             `json:"recordId,omitempty"`
	Entries        []LeaderboardEntry `json:"entries"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}
