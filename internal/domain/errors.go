package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when required input is missing or malformed.
	ErrValidation = errors.New("validation failed")
	// ErrRoomNotFound is returned when a room code does not resolve to a room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomClosed is returned when a room exists but has already ended.
	ErrRoomClosed = errors.New("room has ended")
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = errors.New("participant not found in room")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a submitted question ID is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrRecordNotFound indicates an unknown archived record.
	ErrRecordNotFound = errors.New("record not found")
	// ErrAlreadyAnswered rejects a second submission for the same question.
	ErrAlreadyAnswered = errors.New("question already answered")
	// ErrCodeGenerationExhausted means every room code drawn collided with an open room.
	ErrCodeGenerationExhausted = errors.New("could not generate unique room code")
	// ErrBackendUnavailable means the remote backend was never initialised or is unreachable.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrPersistence wraps a read or write that was attempted and failed.
	ErrPersistence = errors.New("persistence failure")
)

// Stages of EndRoom that can fail independently.
const (
	EndStageArchive = "archive"
	EndStageClose   = "close"
)

// EndRoomError reports which half of ending a room failed. When Stage is
// EndStageClose the record was written and RecordID is set.
type EndRoomError struct {
	Code     string
	Stage    string
	RecordID string
	Err      error
}

func (e *EndRoomError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("end room %s: %s step failed (record %s): %v", e.Code, e.Stage, e.RecordID, e.Err)
	}
	return fmt.Sprintf("end room %s: %s step failed: %v", e.Code, e.Stage, e.Err)
}

func (e *EndRoomError) Unwrap() error {
	return e.Err
}
