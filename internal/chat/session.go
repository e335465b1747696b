package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docrag/internal/composer"
	"github.com/kalambet/docrag/internal/llm"
)

// State is the orchestration state of a session.
type State int

const (
	Idle State = iota
	AwaitingResponse
)

func (s State) String() string {
	if s == AwaitingResponse {
		return "awaiting_response"
	}
	return "idle"
}

var (
	// ErrSessionBusy is returned when a chat call arrives while the session
	// is still waiting for a previous answer.
	ErrSessionBusy = errors.New("session is awaiting a response")
	// ErrSessionNotFound is returned by Sessions.Get for unknown ids.
	ErrSessionNotFound = errors.New("session not found")
)

// Turn is one message of a conversation.
type Turn struct {
	Role    llm.Role `json:"role"`
	Content string   `json:"content"`
}

// Limits bounds a session's history. Eviction is FIFO by exchange: the
// oldest user/assistant pair goes first. Zero values disable a limit.
type Limits struct {
	// MaxTurns caps the number of stored messages; odd values round down.
	MaxTurns int
	// MaxTokens caps the estimated token count of stored messages.
	MaxTokens int
}

// Session holds one conversation's history. History always alternates
// user/assistant starting with user, and is never shared between sessions.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu      sync.Mutex
	state   State
	history []Turn
	limits  Limits
}

// NewSession returns an idle session with empty history.
func NewSession(id string, limits Limits) *Session {
	if limits.MaxTurns%2 != 0 {
		limits.MaxTurns--
	}
	return &Session{ID: id, CreatedAt: time.Now().UTC(), limits: limits}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// State returns the current orchestration state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// begin moves the session to AwaitingResponse and returns the history
// contents for prompt assembly.
func (s *Session) begin() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == AwaitingResponse {
		return nil, ErrSessionBusy
	}
	s.state = AwaitingResponse
	contents := make([]string, len(s.history))
	for i, t := range s.history {
		contents[i] = t.Content
	}
	return contents, nil
}

// commit appends a completed exchange, applies the limits and returns to
// Idle.
func (s *Session) commit(query, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		Turn{Role: llm.RoleUser, Content: query},
		Turn{Role: llm.RoleAssistant, Content: answer})
	s.evict()
	s.state = Idle
}

// abort returns to Idle without touching history.
func (s *Session) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
}

func (s *Session) evict() {
	if limit := s.limits.MaxTurns; limit > 0 {
		for len(s.history) > limit {
			s.history = s.history[2:]
		}
	}
	if budget := s.limits.MaxTokens; budget > 0 {
		for len(s.history) > 0 && historyTokens(s.history) > budget {
			s.history = s.history[2:]
		}
	}
}

func historyTokens(turns []Turn) int {
	n := 0
	for _, t := range turns {
		n += composer.EstimateTokens(t.Content)
	}
	return n
}

// Expiry bounds a session registry. Zero values disable a bound. Sessions
// awaiting a response are never expired or evicted.
type Expiry struct {
	// IdleTTL drops sessions not used for longer than this.
	IdleTTL time.Duration
	// MaxSessions caps the registry; the least recently used idle session
	// makes room for a new one.
	MaxSessions int
}

// Sessions is a registry of live sessions keyed by id.
type Sessions struct {
	mu       sync.Mutex
	m        map[string]*Session
	lastUsed map[string]time.Time
	limits   Limits
	expiry   Expiry
	now      func() time.Time
}

// NewSessions returns an empty registry whose sessions use limits.
func NewSessions(limits Limits, expiry Expiry) *Sessions {
	return &Sessions{
		m:        make(map[string]*Session),
		lastUsed: make(map[string]time.Time),
		limits:   limits,
		expiry:   expiry,
		now:      time.Now,
	}
}

// Create registers a new session with a random id.
func (r *Sessions) Create() *Session {
	s := NewSession(uuid.New().String(), r.limits)
	r.mu.Lock()
	r.addLocked(s)
	r.mu.Unlock()
	return s
}

// Get returns the session with the given id. Expired sessions are reported
// as not found.
func (r *Sessions) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.liveLocked(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetOrCreate returns the session with id, registering it when unknown.
// An empty id creates a session with a random id.
func (r *Sessions) GetOrCreate(id string) *Session {
	if id == "" {
		return r.Create()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.liveLocked(id); ok {
		return s
	}
	s := NewSession(id, r.limits)
	r.addLocked(s)
	return s
}

// Delete drops a session. It reports whether the session existed.
func (r *Sessions) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[id]
	r.removeLocked(id)
	return ok
}

// Len returns the number of registered sessions.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Sweep drops every expired session and returns how many were dropped.
func (r *Sessions) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.now())
}

// liveLocked looks up id, dropping it when expired, and marks it used.
func (r *Sessions) liveLocked(id string) (*Session, bool) {
	s, ok := r.m[id]
	if !ok {
		return nil, false
	}
	now := r.now()
	if r.expiredLocked(id, s, now) {
		r.removeLocked(id)
		return nil, false
	}
	r.lastUsed[id] = now
	return s, true
}

func (r *Sessions) addLocked(s *Session) {
	now := r.now()
	r.sweepLocked(now)
	if limit := r.expiry.MaxSessions; limit > 0 {
		for len(r.m) >= limit {
			if !r.evictOldestLocked() {
				break
			}
		}
	}
	r.m[s.ID] = s
	r.lastUsed[s.ID] = now
}

func (r *Sessions) expiredLocked(id string, s *Session, now time.Time) bool {
	return r.expiry.IdleTTL > 0 &&
		now.Sub(r.lastUsed[id]) > r.expiry.IdleTTL &&
		s.State() == Idle
}

func (r *Sessions) sweepLocked(now time.Time) int {
	if r.expiry.IdleTTL <= 0 {
		return 0
	}
	n := 0
	for id, s := range r.m {
		if r.expiredLocked(id, s, now) {
			r.removeLocked(id)
			n++
		}
	}
	return n
}

// evictOldestLocked drops the least recently used idle session. It reports
// false when every session is awaiting a response.
func (r *Sessions) evictOldestLocked() bool {
	var oldest string
	var at time.Time
	for id, s := range r.m {
		if s.State() != Idle {
			continue
		}
		if t := r.lastUsed[id]; oldest == "" || t.Before(at) {
			oldest, at = id, t
		}
	}
	if oldest == "" {
		return false
	}
	r.removeLocked(oldest)
	return true
}

func (r *Sessions) removeLocked(id string) {
	delete(r.m, id)
	delete(r.lastUsed, id)
}
