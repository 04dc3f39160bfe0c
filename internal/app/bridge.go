package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"quizroom-service/internal/domain"
)

// RoomView is the room snapshot a client holds locally and renders from.
// Remote changes are merged in field by field; watchers receive a ranked
// snapshot after every merge.
type RoomView struct {
	mu          sync.RWMutex
	room        domain.Room
	exists      bool
	now         func() time.Time
	subscribers map[chan domain.RoomSnapshot]struct{}
}

func NewRoomView(code string) *RoomView {
	return newRoomViewWithClock(code, time.Now)
}

func newRoomViewWithClock(code string, now func() time.Time) *RoomView {
	return &RoomView{
		room:        domain.Room{Code: code, Participants: make(map[string]domain.Participant)},
		now:         now,
		subscribers: make(map[chan domain.RoomSnapshot]struct{}),
	}
}

// ApplyRoom overwrites the held room metadata with an authoritative copy.
// Participants are kept: they arrive through their own channel.
func (v *RoomView) ApplyRoom(room domain.Room, exists bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	participants := v.room.Participants
	if exists {
		v.room = room
	} else {
		v.room.Status = domain.RoomEnded
	}
	v.room.Participants = participants
	v.exists = exists
	v.broadcastLocked()
}

// ApplyParticipants upserts each participant by id; entries not mentioned are left alone.
func (v *RoomView) ApplyParticipants(participants []domain.Participant) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range participants {
		v.room.Participants[p.ID] = p
	}
	v.broadcastLocked()
}

// ApplyLocal records an optimistic local edit of one participant.
func (v *RoomView) ApplyLocal(p domain.Participant) {
	v.ApplyParticipants([]domain.Participant{p})
}

// Room returns a copy of the held room.
func (v *RoomView) Room() (domain.Room, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	room := v.room
	room.Participants = make(map[string]domain.Participant, len(v.room.Participants))
	for id, p := range v.room.Participants {
		room.Participants[id] = p
	}
	return room, v.exists
}

// Snapshot returns the current ranked view.
func (v *RoomView) Snapshot() domain.RoomSnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snapshotLocked()
}

// Watch returns a channel that receives a snapshot after every change,
// starting with the current one. The caller must invoke cancel to avoid leaks.
func (v *RoomView) Watch() (<-chan domain.RoomSnapshot, func()) {
	ch := make(chan domain.RoomSnapshot, 8)

	v.mu.Lock()
	v.subscribers[ch] = struct{}{}
	ch <- v.snapshotLocked()
	v.mu.Unlock()

	cancel := func() {
		v.mu.Lock()
		if _, ok := v.subscribers[ch]; ok {
			delete(v.subscribers, ch)
			close(ch)
		}
		v.mu.Unlock()
	}
	return ch, cancel
}

// close ends every watch.
func (v *RoomView) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for ch := range v.subscribers {
		delete(v.subscribers, ch)
		close(ch)
	}
}

func (v *RoomView) broadcastLocked() {
	snap := v.snapshotLocked()
	for ch := range v.subscribers {
		select {
		case ch <- snap:
		default:
			// A slow watcher only needs the latest state.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (v *RoomView) snapshotLocked() domain.RoomSnapshot {
	entries := make([]domain.LeaderboardEntry, 0, len(v.room.Participants))
	for _, p := range v.room.Participants {
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: p.ID,
			Name:          p.Name,
			Score:         p.Score,
			CorrectCount:  p.CorrectCount,
			Answered:      len(p.Answers),
			PendingEssay:  p.PendingEssay,
		})
	}

	// Score desc, then whoever reached it first, then name.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		pi := v.room.Participants[entries[i].ParticipantID]
		pj := v.room.Participants[entries[j].ParticipantID]
		if !pi.LastUpdate.Equal(pj.LastUpdate) {
			return pi.LastUpdate.Before(pj.LastUpdate)
		}
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})

	return domain.RoomSnapshot{
		Code:           v.room.Code,
		Status:         v.room.Status,
		QuizTitle:      v.room.QuizTitle,
		ClassSection:   v.room.ClassSection,
		TotalQuestions: v.room.Quiz.TotalQuestions(),
		RecordID:       v.room.RecordID,
		Entries:        entries,
		UpdatedAt:      v.now(),
	}
}

// Bridge keeps exactly one room subscription pair alive for a client and
// merges its callbacks into a RoomView.
type Bridge struct {
	service *Service

	mu          sync.Mutex
	code        string
	view        *RoomView
	unsubscribe Unsubscribe
}

func NewBridge(service *Service) *Bridge {
	return &Bridge{service: service}
}

// Attach subscribes to the room, first tearing down any previous subscription.
func (b *Bridge) Attach(ctx context.Context, code string) (*RoomView, error) {
	b.Detach()

	view := NewRoomView(code)
	// Seed the view first; backends that push deliver a newer state afterwards.
	if err := b.load(ctx, code, view); err != nil {
		return nil, err
	}
	unsubscribe, err := b.service.SubscribeRoom(ctx, code, view.ApplyRoom, view.ApplyParticipants)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.code = code
	b.view = view
	b.unsubscribe = unsubscribe
	b.mu.Unlock()
	return view, nil
}

// Refresh re-reads the room and its participants into the view. Backends
// without push notifications rely on this after local mutations.
func (b *Bridge) Refresh(ctx context.Context) error {
	b.mu.Lock()
	code, view := b.code, b.view
	b.mu.Unlock()
	if view == nil {
		return nil
	}
	return b.load(ctx, code, view)
}

func (b *Bridge) load(ctx context.Context, code string, view *RoomView) error {
	room, err := b.service.Room(ctx, code)
	if err != nil {
		return err
	}
	participants, err := b.service.listParticipants(ctx, code)
	if err != nil {
		return err
	}
	view.ApplyRoom(room, true)
	view.ApplyParticipants(participants)
	return nil
}

// View returns the attached view, or nil.
func (b *Bridge) View() *RoomView {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view
}

// Detach stops the current subscription pair. It is idempotent.
func (b *Bridge) Detach() {
	b.mu.Lock()
	unsubscribe, view := b.unsubscribe, b.view
	b.unsubscribe, b.view, b.code = nil, nil, ""
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if view != nil {
		view.close()
	}
}
