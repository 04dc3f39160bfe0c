package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"

	"github.com/rs/zerolog"
)

// APIHandler serves the JSON endpoints for quizzes, rooms and records.
type APIHandler struct {
	service *app.Service
	log     zerolog.Logger
}

func NewAPIHandler(service *app.Service, log zerolog.Logger) *APIHandler {
	return &APIHandler{service: service, log: log.With().Str("component", "api").Logger()}
}

// Routes registers every endpoint, websockets included, on mux.
func Routes(mux *http.ServeMux, api *APIHandler, ws *WSHandler) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /quizzes", api.SaveQuiz)
	mux.HandleFunc("GET /quizzes", api.ListQuizzes)
	mux.HandleFunc("POST /rooms", api.CreateRoom)
	mux.HandleFunc("GET /rooms", api.ListRooms)
	mux.HandleFunc("GET /rooms/{code}", api.GetRoom)
	mux.HandleFunc("POST /rooms/{code}/end", api.EndRoom)
	mux.HandleFunc("GET /records", api.ListRecords)
	mux.HandleFunc("GET /records/{id}", api.GetRecord)
	mux.HandleFunc("GET /ws/student", ws.ServeStudent)
	mux.HandleFunc("GET /ws/teacher", ws.ServeTeacher)
}

type createRoomRequest struct {
	Quiz         *domain.Quiz `json:"quiz"`
	QuizID       string       `json:"quizId"`
	ClassSection string       `json:"classSection"`
	CreatedBy    string       `json:"createdBy"`
}

type roomSummary struct {
	Code           string            `json:"code"`
	Status         domain.RoomStatus `json:"status"`
	QuizID         string            `json:"quizId"`
	QuizTitle      string            `json:"quizTitle"`
	ClassSection   string            `json:"classSection"`
	CreatedBy      string            `json:"createdBy"`
	TotalQuestions int               `json:"totalQuestions"`
	RecordID       string            `json:"recordId,omitempty"`
}

func newRoomSummary(room domain.Room) roomSummary {
	return roomSummary{
		Code:           room.Code,
		Status:         room.Status,
		QuizID:         room.QuizID,
		QuizTitle:      room.QuizTitle,
		ClassSection:   room.ClassSection,
		CreatedBy:      room.CreatedBy,
		TotalQuestions: room.Quiz.TotalQuestions(),
		RecordID:       room.RecordID,
	}
}

func (h *APIHandler) SaveQuiz(w http.ResponseWriter, r *http.Request) {
	var quiz domain.Quiz
	if err := json.NewDecoder(r.Body).Decode(&quiz); err != nil {
		h.writeError(w, errors.Join(domain.ErrValidation, err))
		return
	}
	id, err := h.service.SaveQuiz(r.Context(), quiz)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *APIHandler) ListQuizzes(w http.ResponseWriter, r *http.Request) {
	quizzes, err := h.service.Quizzes(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quizzes)
}

func (h *APIHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Join(domain.ErrValidation, err))
		return
	}

	var (
		code string
		err  error
	)
	switch {
	case req.Quiz != nil:
		code, err = h.service.CreateRoom(r.Context(), *req.Quiz, req.ClassSection, req.CreatedBy)
	case req.QuizID != "":
		code, err = h.service.CreateRoomFromQuiz(r.Context(), req.QuizID, req.ClassSection, req.CreatedBy)
	default:
		err = errors.Join(domain.ErrValidation, errors.New("quiz or quizId is required"))
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"code": code})
}

func (h *APIHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.service.OpenRooms(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]roomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, newRoomSummary(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.service.Room(r.Context(), r.PathValue("code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoomSummary(room))
}

func (h *APIHandler) EndRoom(w http.ResponseWriter, r *http.Request) {
	recordID, err := h.service.EndRoom(r.Context(), r.PathValue("code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recordId": recordID})
}

func (h *APIHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.Records(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *APIHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Record(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	payload := errorPayload{Message: err.Error()}
	var endErr *domain.EndRoomError
	if errors.As(err, &endErr) {
		payload.Stage = endErr.Stage
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, payload)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrQuizNotFound),
		errors.Is(err, domain.ErrParticipantNotFound),
		errors.Is(err, domain.ErrQuestionNotFound),
		errors.Is(err, domain.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRoomClosed), errors.Is(err, domain.ErrAlreadyAnswered):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCodeGenerationExhausted), errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
