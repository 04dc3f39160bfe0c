package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSHandler runs student and teacher clients over websockets.
type WSHandler struct {
	service  *app.Service
	upgrader websocket.Upgrader
	log      zerolog.Logger
	refresh  time.Duration
	seqOpts  []app.SequencerOption
}

// WSOption customises a WSHandler.
type WSOption func(*WSHandler)

// WithRefreshInterval makes sockets re-read their room periodically, for
// backends without change notifications. Zero disables it.
func WithRefreshInterval(d time.Duration) WSOption {
	return func(h *WSHandler) { h.refresh = d }
}

// WithSequencerOptions is applied to every student run.
func WithSequencerOptions(opts ...app.SequencerOption) WSOption {
	return func(h *WSHandler) { h.seqOpts = append(h.seqOpts, opts...) }
}

func NewWSHandler(service *app.Service, log zerolog.Logger, opts ...WSOption) *WSHandler {
	h := &WSHandler{
		service: service,
		log:     log.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

type joinedPayload struct {
	ParticipantID  string `json:"participantId"`
	Code           string `json:"code"`
	QuizTitle      string `json:"quizTitle"`
	TotalQuestions int    `json:"totalQuestions"`
	TimePer        int    `json:"timePer"`
}

type tickPayload struct {
	Index     int `json:"index"`
	Remaining int `json:"remaining"`
}

type endedPayload struct {
	RecordID string `json:"recordId"`
}

// questionView is a question as shown to a participant: no answer key.
type questionView struct {
	ID      string              `json:"id"`
	Type    domain.QuestionType `json:"type"`
	Text    string              `json:"text"`
	Options map[string]string   `json:"options,omitempty"`
	Lefts   []string            `json:"lefts,omitempty"`
	Choices []string            `json:"choices,omitempty"`
	Slots   int                 `json:"slots,omitempty"`
}

type stepPayload struct {
	Index      int           `json:"index"`
	Total      int           `json:"total"`
	SetTitle   string        `json:"setTitle,omitempty"`
	Directions string        `json:"directions,omitempty"`
	Question   *questionView `json:"question,omitempty"`
	Remaining  int           `json:"remaining,omitempty"`
}

func newQuestionView(q domain.Question) *questionView {
	view := &questionView{ID: q.ID, Type: q.Type, Text: q.Text}
	switch q.Type {
	case domain.TypeMCQ:
		view.Options = q.Options
	case domain.TypeMatch:
		for _, pair := range q.Pairs {
			view.Lefts = append(view.Lefts, pair.Left)
			view.Choices = append(view.Choices, pair.Right)
		}
		sort.Strings(view.Choices)
	case domain.TypeEnum:
		view.Slots = 5
	}
	return view
}

func newStepPayload(step app.Step) stepPayload {
	payload := stepPayload{
		Index:      step.Index,
		Total:      step.Total,
		SetTitle:   step.SetTitle,
		Directions: step.Direction,
		Remaining:  step.Remaining,
	}
	if step.Question != nil {
		payload.Question = newQuestionView(*step.Question)
	}
	return payload
}

// conn serialises writes to a websocket; emit never blocks past close.
type conn struct {
	ws     *websocket.Conn
	log    zerolog.Logger
	send   chan outboundMessage
	closed chan struct{}
	done   chan struct{}
}

func newConn(ws *websocket.Conn, log zerolog.Logger) *conn {
	c := &conn{
		ws:     ws,
		log:    log,
		send:   make(chan outboundMessage, 32),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Debug().Err(err).Msg("ws write error")
				return
			}
		case <-c.closed:
			// Flush what is already queued, then stop.
			for {
				select {
				case msg := <-c.send:
					if err := c.ws.WriteJSON(msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *conn) emit(typ string, payload any) {
	select {
	case c.send <- outboundMessage{Type: typ, Payload: payload}:
	case <-c.closed:
	case <-c.done:
	}
}

func (c *conn) emitError(err error) {
	payload := errorPayload{Message: err.Error()}
	var endErr *domain.EndRoomError
	if errors.As(err, &endErr) {
		payload.Stage = endErr.Stage
	}
	c.emit("error", payload)
}

// close stops the writer after flushing what is already queued.
func (c *conn) close() {
	close(c.closed)
	<-c.done
}

// ServeStudent joins a room and runs one participant's quiz over the socket.
func (h *WSHandler) ServeStudent(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if code == "" || name == "" {
		http.Error(w, "missing code or name", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer ws.Close()

	c := newConn(ws, h.log.With().Str("code", code).Logger())
	defer c.close()

	// Room snapshots wait until the client has been told who it is.
	ready := make(chan struct{})
	hooks := app.StudentHooks{
		OnStep: func(step app.Step) {
			c.emit(string(step.Kind), newStepPayload(step))
		},
		OnAnswer: func(outcome app.Outcome) {
			c.emit("answerResult", outcome)
			if outcome.Err != nil {
				c.emitError(outcome.Err)
			}
		},
		OnTick: func(index, remaining int) {
			c.emit("tick", tickPayload{Index: index, Remaining: remaining})
		},
		OnRoom: func(snap domain.RoomSnapshot) {
			select {
			case <-ready:
			case <-c.closed:
				return
			}
			c.emit("room", snap)
		},
	}

	sess, err := h.service.Join(r.Context(), code, name, hooks, h.seqOpts...)
	if err != nil {
		close(ready)
		c.emitError(err)
		return
	}
	defer sess.Close()

	room, _ := sess.View().Room()
	c.emit("joined", joinedPayload{
		ParticipantID:  sess.ParticipantID(),
		Code:           sess.Code(),
		QuizTitle:      room.QuizTitle,
		TotalQuestions: room.Quiz.TotalQuestions(),
		TimePer:        room.Quiz.TimePerQuestion,
	})
	close(ready)

	stopRefresh := h.startRefresh(sess.Refresh)
	defer stopRefresh()

	sess.Start()

	for {
		var inbound inboundMessage
		if err := ws.ReadJSON(&inbound); err != nil {
			return
		}
		switch inbound.Type {
		case "draft":
			sub, err := decodeSubmission(inbound.Payload)
			if err != nil {
				c.emit("error", errorPayload{Message: "invalid draft payload"})
				continue
			}
			sess.SetDraft(sub)
		case "ack":
			if _, err := sess.Acknowledge(); err != nil {
				c.emitError(err)
			}
		case "submit":
			if len(inbound.Payload) > 0 && string(inbound.Payload) != "null" {
				sub, err := decodeSubmission(inbound.Payload)
				if err != nil {
					c.emit("error", errorPayload{Message: "invalid submit payload"})
					continue
				}
				sess.SetDraft(sub)
			}
			// Persistence failures are reported through OnAnswer.
			if _, err := sess.Submit(r.Context()); err != nil && !isPersistenceErr(err) {
				c.emitError(err)
			}
		default:
			c.emit("error", errorPayload{Message: "unsupported message type"})
		}
	}
}

// ServeTeacher attaches to a room, streams its dashboard and accepts "end".
func (h *WSHandler) ServeTeacher(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer ws.Close()

	c := newConn(ws, h.log.With().Str("code", code).Logger())
	defer c.close()

	teacher, err := h.service.Watch(r.Context(), code)
	if err != nil {
		c.emitError(err)
		return
	}
	defer teacher.Close()

	updates, cancel := teacher.View().Watch()
	defer cancel()
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for snap := range updates {
			c.emit("room", snap)
		}
	}()

	stopRefresh := h.startRefresh(teacher.Refresh)
	defer stopRefresh()

	for {
		var inbound inboundMessage
		if err := ws.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "end":
			recordID, err := teacher.End(r.Context())
			if err != nil {
				c.emitError(err)
				continue
			}
			<-forwardDone
			c.emit("ended", endedPayload{RecordID: recordID})
		case "refresh":
			if err := teacher.Refresh(r.Context()); err != nil {
				c.emitError(err)
			}
		default:
			c.emit("error", errorPayload{Message: "unsupported message type"})
		}
	}
}

// startRefresh calls refresh every interval until the returned func is called.
func (h *WSHandler) startRefresh(refresh func(context.Context) error) func() {
	if h.refresh <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(h.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := refresh(ctx); err != nil && ctx.Err() == nil {
					h.log.Debug().Err(err).Msg("room refresh failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func decodeSubmission(raw json.RawMessage) (domain.Submission, error) {
	var sub domain.Submission
	if len(raw) == 0 {
		return sub, nil
	}
	err := json.Unmarshal(raw, &sub)
	return sub, err
}

func isPersistenceErr(err error) bool {
	return errors.Is(err, domain.ErrPersistence) || errors.Is(err, domain.ErrBackendUnavailable)
}
