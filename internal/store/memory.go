package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/partyline/relaybank/internal/apperr"
)

// Memory is an in-process Store. One mutex serializes every unit of work and a
// snapshot of the tables is restored when the work fails. It backs the unit
// tests and relayctl dry runs.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	seq           int64
	profiles      map[string]Profile
	buckets       map[uuid.UUID]Bucket
	bucketSeq     map[uuid.UUID]int64
	sessions      map[uuid.UUID]Session
	sessionSeq    map[uuid.UUID]int64
	selfMeters    map[string]SelfMeter
	events        map[string]WebhookEvent
	subscriptions map[string]Subscription
	customers     map[string]string
	checkouts     map[string]CheckoutSession
	lobbies       map[string]Lobby
	players       map[string]Player
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		profiles:      map[string]Profile{},
		buckets:       map[uuid.UUID]Bucket{},
		bucketSeq:     map[uuid.UUID]int64{},
		sessions:      map[uuid.UUID]Session{},
		sessionSeq:    map[uuid.UUID]int64{},
		selfMeters:    map[string]SelfMeter{},
		events:        map[string]WebhookEvent{},
		subscriptions: map[string]Subscription{},
		customers:     map[string]string{},
		checkouts:     map[string]CheckoutSession{},
		lobbies:       map[string]Lobby{},
		players:       map[string]Player{},
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		seq:           s.seq,
		profiles:      maps.Clone(s.profiles),
		buckets:       maps.Clone(s.buckets),
		bucketSeq:     maps.Clone(s.bucketSeq),
		sessions:      maps.Clone(s.sessions),
		sessionSeq:    maps.Clone(s.sessionSeq),
		selfMeters:    maps.Clone(s.selfMeters),
		events:        maps.Clone(s.events),
		subscriptions: maps.Clone(s.subscriptions),
		customers:     maps.Clone(s.customers),
		checkouts:     maps.Clone(s.checkouts),
		lobbies:       maps.Clone(s.lobbies),
		players:       maps.Clone(s.players),
	}
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memTx{st: m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// PutLobby seeds a game-layer lobby.
func (m *Memory) PutLobby(l Lobby) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.lobbies[l.ID] = l
}

// PutPlayer seeds or replaces a game-layer player.
func (m *Memory) PutPlayer(p Player) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.players[playerKey(p.LobbyID, p.ID)] = p
}

func playerKey(lobbyID, playerID string) string {
	return lobbyID + "/" + playerID
}

type memTx struct {
	st *memState
}

func (t *memTx) next() int64 {
	t.st.seq++
	return t.st.seq
}

func (t *memTx) GetProfile(_ context.Context, userID string) (*Profile, error) {
	p, ok := t.st.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) InsertProfile(_ context.Context, p *Profile) error {
	if _, ok := t.st.profiles[p.UserID]; ok {
		return apperr.Newf(apperr.Conflict, "profile %s already exists", p.UserID)
	}
	t.st.profiles[p.UserID] = *p
	return nil
}

func (t *memTx) UpdateProfile(_ context.Context, p *Profile) error {
	if _, ok := t.st.profiles[p.UserID]; !ok {
		return apperr.Newf(apperr.NotFound, "profile %s not found", p.UserID)
	}
	t.st.profiles[p.UserID] = *p
	return nil
}

func (t *memTx) ListRenewalDue(_ context.Context, dueBefore time.Time, limit int) ([]string, error) {
	var due []string
	for _, p := range t.st.profiles {
		if p.PlanType == PlanFree || p.IsStripeManaged {
			continue
		}
		if p.LastRenewalDate == nil || !p.LastRenewalDate.After(dueBefore) {
			due = append(due, p.UserID)
		}
	}
	sort.Strings(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (t *memTx) ListBuckets(_ context.Context, userID string) ([]Bucket, error) {
	var out []Bucket
	for _, b := range t.st.buckets {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return t.st.bucketSeq[a.ID] < t.st.bucketSeq[b.ID]
	})
	return out, nil
}

func (t *memTx) InsertBucket(_ context.Context, b *Bucket) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	t.st.buckets[b.ID] = *b
	t.st.bucketSeq[b.ID] = t.next()
	return nil
}

func (t *memTx) UpdateBucketRemaining(_ context.Context, id uuid.UUID, remaining float64) error {
	b, ok := t.st.buckets[id]
	if !ok {
		return apperr.Newf(apperr.NotFound, "bucket %s not found", id)
	}
	b.RemainingHours = remaining
	t.st.buckets[id] = b
	return nil
}

func (t *memTx) DeleteBucket(_ context.Context, id uuid.UUID) error {
	delete(t.st.buckets, id)
	delete(t.st.bucketSeq, id)
	return nil
}

func (t *memTx) GetLobby(_ context.Context, lobbyID string) (*Lobby, error) {
	l, ok := t.st.lobbies[lobbyID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (t *memTx) GetPlayer(_ context.Context, lobbyID, playerID string) (*Player, error) {
	p, ok := t.st.players[playerKey(lobbyID, playerID)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) GetSession(_ context.Context, id uuid.UUID) (*Session, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *memTx) ListSessions(_ context.Context, lobbyID string, statuses ...SessionStatus) ([]Session, error) {
	var out []Session
	for _, s := range t.st.sessions {
		if s.LobbyID == lobbyID && HasStatus(s.Status, statuses) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return t.st.sessionSeq[a.ID] > t.st.sessionSeq[b.ID]
	})
	return out, nil
}

func (t *memTx) InsertSession(_ context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if err := t.checkExclusive(s); err != nil {
		return err
	}
	t.st.sessions[s.ID] = *s
	t.st.sessionSeq[s.ID] = t.next()
	return nil
}

func (t *memTx) UpdateSession(_ context.Context, s *Session) error {
	if _, ok := t.st.sessions[s.ID]; !ok {
		return apperr.Newf(apperr.NotFound, "relay session %s not found", s.ID)
	}
	if err := t.checkExclusive(s); err != nil {
		return err
	}
	t.st.sessions[s.ID] = *s
	return nil
}

// checkExclusive mirrors the partial unique index on relay_sessions.
func (t *memTx) checkExclusive(s *Session) error {
	if s.Status != SessionApproved && s.Status != SessionActive {
		return nil
	}
	for id, other := range t.st.sessions {
		if id != s.ID && other.LobbyID == s.LobbyID &&
			(other.Status == SessionApproved || other.Status == SessionActive) {
			return apperr.New(apperr.Conflict, "another relay session is already in progress")
		}
	}
	return nil
}

func (t *memTx) GetSelfMeter(_ context.Context, lobbyID, playerID string) (*SelfMeter, error) {
	m, ok := t.st.selfMeters[playerKey(lobbyID, playerID)]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (t *memTx) UpsertSelfMeter(_ context.Context, m *SelfMeter) error {
	t.st.selfMeters[playerKey(m.LobbyID, m.PlayerID)] = *m
	return nil
}

func (t *memTx) InsertWebhookEvent(_ context.Context, e *WebhookEvent) (bool, error) {
	if _, ok := t.st.events[e.EventID]; ok {
		return false, nil
	}
	t.st.events[e.EventID] = *e
	return true, nil
}

func (t *memTx) GetWebhookEvent(_ context.Context, eventID string) (*WebhookEvent, error) {
	e, ok := t.st.events[eventID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (t *memTx) UpdateWebhookEvent(_ context.Context, e *WebhookEvent) error {
	if _, ok := t.st.events[e.EventID]; !ok {
		return apperr.Newf(apperr.NotFound, "webhook event %s not found", e.EventID)
	}
	t.st.events[e.EventID] = *e
	return nil
}

func (t *memTx) GetSubscription(_ context.Context, userID string) (*Subscription, error) {
	s, ok := t.st.subscriptions[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *memTx) UpsertSubscription(_ context.Context, s *Subscription) error {
	t.st.subscriptions[s.UserID] = *s
	return nil
}

func (t *memTx) LinkCustomer(_ context.Context, customerID, userID string) error {
	if existing, ok := t.st.customers[customerID]; ok && existing != userID {
		return apperr.Newf(apperr.Conflict, "customer %s is linked to another user", customerID)
	}
	t.st.customers[customerID] = userID
	return nil
}

func (t *memTx) UserForCustomer(_ context.Context, customerID string) (string, error) {
	return t.st.customers[customerID], nil
}

func (t *memTx) GetCheckoutSession(_ context.Context, id string) (*CheckoutSession, error) {
	c, ok := t.st.checkouts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t *memTx) UpsertCheckoutSession(_ context.Context, c *CheckoutSession) error {
	t.st.checkouts[c.ID] = *c
	return nil
}
