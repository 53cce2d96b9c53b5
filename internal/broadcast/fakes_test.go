package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"giveawaybot/internal/store"
	"giveawaybot/internal/telegram"
)

// memStore is an in-memory Store with behavior knobs for fault injection.
type memStore struct {
	mu sync.Mutex

	nextID     int64
	broadcasts map[int64]*store.Broadcast

	users    []int64
	blocked  map[int64]bool
	verified map[int64]time.Time

	active   *store.Giveaway
	entrants []int64

	// cancelAtPoll makes BroadcastCancelled return true from the N-th poll
	// (1-based) onward; 0 means never.
	cancelAtPoll int
	polls        int

	startedCalls int
	finished     map[int64][2]int

	failCancelPoll bool
}

func newMemStore() *memStore {
	return &memStore{
		broadcasts: map[int64]*store.Broadcast{},
		blocked:    map[int64]bool{},
		verified:   map[int64]time.Time{},
		finished:   map[int64][2]int{},
	}
}

func (m *memStore) addBroadcast(b *store.Broadcast) *store.Broadcast {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	b.ID = m.nextID
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.broadcasts[b.ID] = b
	return b
}

func (m *memStore) BroadcastByID(_ context.Context, id int64) (*store.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) CreateBroadcast(_ context.Context, b *store.Broadcast) (int64, error) {
	m.addBroadcast(b)
	return b.ID, nil
}

func (m *memStore) MarkBroadcastStarted(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedCalls++
	b := m.broadcasts[id]
	if b == nil || b.StartedAt != nil {
		return false, nil
	}
	b.StartedAt = &at
	return true, nil
}

func (m *memStore) BroadcastCancelled(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCancelPoll {
		return false, errors.New("store down")
	}
	m.polls++
	if m.cancelAtPoll > 0 && m.polls >= m.cancelAtPoll {
		return true, nil
	}
	b := m.broadcasts[id]
	return b != nil && b.IsCancelled, nil
}

func (m *memStore) FinishBroadcast(_ context.Context, id int64, sentOK, sentFail int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[id] = [2]int{sentOK, sentFail}
	if b := m.broadcasts[id]; b != nil {
		b.SentAt = &at
		b.SentOK = sentOK
		b.SentFail = sentFail
	}
	return nil
}

func (m *memStore) UnblockedUserIDs(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.users))
	for _, id := range m.users {
		if !m.blocked[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) ActiveGiveaway(context.Context) (*store.Giveaway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}

func (m *memStore) ApprovedEntrantIDs(context.Context, int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.entrants...), nil
}

func (m *memStore) MarkUserBlocked(_ context.Context, tgID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[tgID] = true
	return nil
}

func (m *memStore) MarkSubscribedVerified(_ context.Context, tgID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verified[tgID] = at
	return nil
}

type sentMsg struct {
	kind   string
	chatID int64
	fileID string
	text   string
}

// fakeMessenger records sends and pops scripted errors per recipient.
type fakeMessenger struct {
	mu    sync.Mutex
	sent  []sentMsg
	errs  map[int64][]error
	stats map[int64]telegram.MemberStatus
	// lookupErr excludes specific users from membership resolution.
	lookupErr map[int64]error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		errs:      map[int64][]error{},
		stats:     map[int64]telegram.MemberStatus{},
		lookupErr: map[int64]error{},
	}
}

func (f *fakeMessenger) scriptErr(chatID int64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[chatID] = append(f.errs[chatID], errs...)
}

func (f *fakeMessenger) record(kind string, chatID int64, fileID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{kind: kind, chatID: chatID, fileID: fileID, text: text})
	if q := f.errs[chatID]; len(q) > 0 {
		err := q[0]
		f.errs[chatID] = q[1:]
		return err
	}
	return nil
}

func (f *fakeMessenger) sendCount(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.chatID == chatID {
			n++
		}
	}
	return n
}

func (f *fakeMessenger) SendText(_ context.Context, chatID int64, text string) error {
	return f.record("text", chatID, "", text)
}

func (f *fakeMessenger) SendPhoto(_ context.Context, chatID int64, fileID, caption string) error {
	return f.record("photo", chatID, fileID, caption)
}

func (f *fakeMessenger) SendVideo(_ context.Context, chatID int64, fileID, caption string) error {
	return f.record("video", chatID, fileID, caption)
}

func (f *fakeMessenger) SendDocument(_ context.Context, chatID int64, fileID, caption string) error {
	return f.record("document", chatID, fileID, caption)
}

func (f *fakeMessenger) SendVideoNote(_ context.Context, chatID int64, fileID string) error {
	return f.record("video_note", chatID, fileID, "")
}

func (f *fakeMessenger) ChatMemberStatus(_ context.Context, _ string, userID int64) (telegram.MemberStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookupErr[userID]; err != nil {
		return "", err
	}
	st, ok := f.stats[userID]
	if !ok {
		return telegram.MemberLeft, nil
	}
	return st, nil
}
