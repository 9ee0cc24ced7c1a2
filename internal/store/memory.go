package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// InMemoryStore keeps everything in process memory. Values are copied on the
// way in and out so callers never share mutable state with the store.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]models.Session
	stages      map[string][]models.Stage
	agents      map[string]models.Agent
	credentials []models.CalendarCredential
	dedup       map[string]DedupRecord
	outbox      map[string]*OutboxMessage
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		stages:   make(map[string][]models.Stage),
		agents:   make(map[string]models.Agent),
		dedup:    make(map[string]DedupRecord),
		outbox:   make(map[string]*OutboxMessage),
	}
}

func (s *InMemoryStore) GetSession(threadID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[threadID]
	if !ok {
		return nil, nil
	}
	out := sess.Clone()
	return &out, nil
}

func (s *InMemoryStore) SaveSession(session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ThreadID] = session.Clone()
	return nil
}

func (s *InMemoryStore) ListSessions(agentID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if agentID == "" || sess.AgentID == agentID {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out, nil
}

func (s *InMemoryStore) ListStages(agentID string) ([]models.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stages := s.stages[agentID]
	out := make([]models.Stage, len(stages))
	for i, st := range stages {
		out[i] = st
		out[i].RequiredVariables = append([]string(nil), st.RequiredVariables...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *InMemoryStore) SaveStages(agentID string, stages []models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]models.Stage, len(stages))
	for i, st := range stages {
		cp[i] = st
		cp[i].AgentID = agentID
		cp[i].RequiredVariables = append([]string(nil), st.RequiredVariables...)
	}
	s.stages[agentID] = cp
	return nil
}

func (s *InMemoryStore) GetAgent(id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	a.Rules = append([]string(nil), a.Rules...)
	return &a, nil
}

func (s *InMemoryStore) SaveAgent(agent models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent.Rules = append([]string(nil), agent.Rules...)
	s.agents[agent.ID] = agent
	return nil
}

func (s *InMemoryStore) ListAgents() ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		a.Rules = append([]string(nil), a.Rules...)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) GetCalendarCredential(ownerID string) (*models.CalendarCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.credentials {
		if c.OwnerID == ownerID {
			cred := c
			return &cred, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) AnyCalendarCredential() (*models.CalendarCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.credentials) == 0 {
		return nil, nil
	}
	cred := s.credentials[0]
	return &cred, nil
}

func (s *InMemoryStore) SaveCalendarCredential(cred models.CalendarCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	for i, c := range s.credentials {
		if c.ID == cred.ID {
			s.credentials[i] = cred
			return nil
		}
	}
	s.credentials = append(s.credentials, cred)
	sort.SliceStable(s.credentials, func(i, j int) bool {
		return s.credentials[i].CreatedAt.Before(s.credentials[j].CreatedAt)
	})
	return nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, threadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, ThreadID: threadID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(threadID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:          "outbox_" + uuid.NewString(),
		ThreadID:    threadID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		next := nextAttemptAt
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) GiveUpOutboxMessage(id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(m *OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil
	}
	fn(m)
	m.UpdatedAt = time.Now()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
