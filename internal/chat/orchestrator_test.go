package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/docrag/internal/composer"
	"github.com/kalambet/docrag/internal/llm"
	"github.com/kalambet/docrag/internal/retrieval"
)

type mockRetriever struct {
	retrieveFn func(ctx context.Context, query string, k int) ([]string, []string, error)
}

func (m *mockRetriever) Retrieve(ctx context.Context, query string, k int) ([]string, []string, error) {
	return m.retrieveFn(ctx, query, k)
}

func staticRetriever(texts, labels []string) *mockRetriever {
	return &mockRetriever{retrieveFn: func(context.Context, string, int) ([]string, []string, error) {
		return texts, labels, nil
	}}
}

type mockGenerator struct {
	mu         sync.Mutex
	requests   []llm.Request
	generateFn func(ctx context.Context, req llm.Request) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.generateFn(ctx, req)
}

func echoGenerator() *mockGenerator {
	var n atomic.Int32
	return &mockGenerator{generateFn: func(context.Context, llm.Request) (string, error) {
		return "answer " + string(rune('0'+n.Add(1))), nil
	}}
}

func newOrchestrator(r ContextRetriever, g llm.Generator) *Orchestrator {
	return New(r, g, composer.New("", 0), 5)
}

func contents(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Content
	}
	return out
}

func TestChat_TwoTurnsGrowHistory(t *testing.T) {
	gen := echoGenerator()
	o := newOrchestrator(staticRetriever([]string{"ctx"}, []string{"a.pdf (Page 1)"}), gen)
	s := NewSession("s1", Limits{})
	ctx := context.Background()

	if _, err := o.Chat(ctx, s, "first question"); err != nil {
		t.Fatalf("first Chat: %v", err)
	}
	if n := len(s.History()); n != 2 {
		t.Fatalf("history length = %d after first chat, want 2", n)
	}

	reply, err := o.Chat(ctx, s, "second question")
	if err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	if reply.Answer != "answer 2" {
		t.Errorf("answer = %q", reply.Answer)
	}
	hist := s.History()
	if len(hist) != 4 {
		t.Fatalf("history length = %d after second chat, want 4", len(hist))
	}
	wantRoles := []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleUser, llm.RoleAssistant}
	for i, r := range wantRoles {
		if hist[i].Role != r {
			t.Errorf("turn %d role = %s, want %s", i, hist[i].Role, r)
		}
	}

	second := gen.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("second prompt has %d messages, want 3", len(second.Messages))
	}
	if second.Messages[0].Blocks[0].Text != "first question" || second.Messages[1].Blocks[0].Text != "answer 1" {
		t.Errorf("prior turns missing or out of order: %+v", second.Messages[:2])
	}
	if !strings.Contains(second.Messages[2].Blocks[0].Text, "Question: second question") {
		t.Errorf("final turn = %q", second.Messages[2].Blocks[0].Text)
	}
	if second.System != composer.SystemPrompt {
		t.Errorf("system = %q", second.System)
	}
}

func TestChat_SourcesMatchRetrievalOrder(t *testing.T) {
	labels := []string{"b.pdf (Page 2)", "a.pdf (Page 1)", "b.pdf (Page 2)"}
	o := newOrchestrator(staticRetriever([]string{"x", "y", "z"}, labels), echoGenerator())

	reply, err := o.Chat(context.Background(), NewSession("s", Limits{}), "q")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if strings.Join(reply.Sources, "|") != strings.Join(labels, "|") {
		t.Errorf("sources = %v, want %v", reply.Sources, labels)
	}
}

func TestChat_EmptyStoreStillAnswers(t *testing.T) {
	emb := retrieval.NewEmbedder(&letterBackend{}, "m", 0)
	r := retrieval.NewRetriever(emb, retrieval.NewMemoryStore(), 5)
	gen := echoGenerator()
	o := newOrchestrator(r, gen)

	reply, err := o.Chat(context.Background(), NewSession("s", Limits{}), "anything?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.Answer == "" {
		t.Error("expected an answer")
	}
	if reply.Sources == nil || len(reply.Sources) != 0 {
		t.Errorf("sources = %v, want empty", reply.Sources)
	}
	if !strings.HasPrefix(gen.requests[0].Messages[0].Blocks[0].Text, "Context:\n\n\nQuestion: anything?") {
		t.Errorf("prompt = %q", gen.requests[0].Messages[0].Blocks[0].Text)
	}
}

func TestChat_GenerationFailureLeavesHistory(t *testing.T) {
	var calls atomic.Int32
	fail := true
	gen := &mockGenerator{generateFn: func(context.Context, llm.Request) (string, error) {
		calls.Add(1)
		if fail {
			return "", llm.ErrTimeout
		}
		return "ok", nil
	}}
	o := newOrchestrator(staticRetriever(nil, nil), gen)
	s := NewSession("s", Limits{})

	_, err := o.Chat(context.Background(), s, "q")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *GenerationError, got %v", err)
	}
	if !errors.Is(err, llm.ErrTimeout) {
		t.Error("timeout cause should be preserved")
	}
	if calls.Load() != 1 {
		t.Errorf("generator called %d times, want exactly 1", calls.Load())
	}
	if len(s.History()) != 0 {
		t.Errorf("history = %v, want empty", s.History())
	}
	if s.State() != Idle {
		t.Errorf("state = %s, want idle", s.State())
	}

	fail = false
	if _, err := o.Chat(context.Background(), s, "q"); err != nil {
		t.Fatalf("Chat after failure: %v", err)
	}
	if len(s.History()) != 2 {
		t.Errorf("history length = %d, want 2", len(s.History()))
	}
}

func TestChat_RetrievalFailurePropagates(t *testing.T) {
	r := &mockRetriever{retrieveFn: func(context.Context, string, int) ([]string, []string, error) {
		return nil, nil, &retrieval.StoreError{Op: "query", Err: errors.New("disk gone")}
	}}
	gen := echoGenerator()
	o := newOrchestrator(r, gen)
	s := NewSession("s", Limits{})

	_, err := o.Chat(context.Background(), s, "q")
	var storeErr *retrieval.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected *retrieval.StoreError, got %v", err)
	}
	if len(gen.requests) != 0 {
		t.Error("generator should not be called when retrieval fails")
	}
	if len(s.History()) != 0 {
		t.Error("history must stay empty")
	}
}

func TestChat_BusySession(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	gen := &mockGenerator{generateFn: func(context.Context, llm.Request) (string, error) {
		close(entered)
		<-release
		return "done", nil
	}}
	o := newOrchestrator(staticRetriever(nil, nil), gen)
	s := NewSession("s", Limits{})

	errc := make(chan error, 1)
	go func() {
		_, err := o.Chat(context.Background(), s, "slow")
		errc <- err
	}()
	<-entered

	if s.State() != AwaitingResponse {
		t.Errorf("state = %s, want awaiting_response", s.State())
	}
	if _, err := o.Chat(context.Background(), s, "impatient"); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy, got %v", err)
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first Chat: %v", err)
	}
	if got := contents(s.History()); len(got) != 2 || got[0] != "slow" {
		t.Errorf("history = %v", got)
	}
}

func TestChat_SessionsAreIsolated(t *testing.T) {
	o := newOrchestrator(staticRetriever(nil, nil), echoGenerator())
	reg := NewSessions(Limits{}, Expiry{})
	a, b := reg.Create(), reg.Create()

	var wg sync.WaitGroup
	for _, s := range []*Session{a, b} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				if _, err := o.Chat(context.Background(), s, s.ID); err != nil {
					t.Errorf("Chat: %v", err)
				}
			}
		}(s)
	}
	wg.Wait()

	for _, s := range []*Session{a, b} {
		hist := s.History()
		if len(hist) != 6 {
			t.Fatalf("session %s history length = %d, want 6", s.ID, len(hist))
		}
		for i := 0; i < len(hist); i += 2 {
			if hist[i].Content != s.ID {
				t.Errorf("session %s holds foreign turn %q", s.ID, hist[i].Content)
			}
		}
	}
}

func TestSession_MaxTurnsEvictsOldestPair(t *testing.T) {
	o := newOrchestrator(staticRetriever(nil, nil), echoGenerator())
	s := NewSession("s", Limits{MaxTurns: 5})

	for _, q := range []string{"q1", "q2", "q3"} {
		if _, err := o.Chat(context.Background(), s, q); err != nil {
			t.Fatalf("Chat: %v", err)
		}
	}
	got := contents(s.History())
	want := []string{"q2", "answer 2", "q3", "answer 3"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("history = %v, want %v", got, want)
	}
	if s.History()[0].Role != llm.RoleUser {
		t.Error("history must still start with a user turn")
	}
}

func TestSession_TokenBudgetEvicts(t *testing.T) {
	gen := &mockGenerator{generateFn: func(context.Context, llm.Request) (string, error) {
		return strings.Repeat("a", 40), nil
	}}
	o := newOrchestrator(staticRetriever(nil, nil), gen)
	// Each exchange is about 10 + 10 estimated tokens.
	s := NewSession("s", Limits{MaxTokens: 45})

	for _, q := range []string{strings.Repeat("1", 40), strings.Repeat("2", 40), strings.Repeat("3", 40)} {
		if _, err := o.Chat(context.Background(), s, q); err != nil {
			t.Fatalf("Chat: %v", err)
		}
	}
	hist := s.History()
	if len(hist) != 4 {
		t.Fatalf("history length = %d, want 4", len(hist))
	}
	if hist[0].Content[0] != '2' {
		t.Errorf("oldest exchange should have been evicted, first turn = %q", hist[0].Content)
	}
}

func TestSessions_Registry(t *testing.T) {
	reg := NewSessions(Limits{}, Expiry{})
	s := reg.Create()

	got, err := reg.Get(s.ID)
	if err != nil || got != s {
		t.Fatalf("Get(%s) = %v, %v", s.ID, got, err)
	}
	if _, err := reg.Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if reg.GetOrCreate("named") != reg.GetOrCreate("named") {
		t.Error("GetOrCreate should return the same session for an id")
	}
	if reg.Len() != 2 {
		t.Errorf("Len = %d, want 2", reg.Len())
	}
	if !reg.Delete(s.ID) || reg.Delete(s.ID) {
		t.Error("Delete should report existence once")
	}
}

// letterBackend embeds text as letter frequencies.
type letterBackend struct{}

func (letterBackend) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	v := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v, nil
}

// fakeClock lets registry tests move time forward.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func clockedSessions(expiry Expiry) (*Sessions, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := NewSessions(Limits{}, expiry)
	reg.now = clock.now
	return reg, clock
}

func TestSessions_IdleTTLExpires(t *testing.T) {
	reg, clock := clockedSessions(Expiry{IdleTTL: time.Minute})
	stale := reg.Create()
	fresh := reg.Create()

	clock.advance(45 * time.Second)
	if _, err := reg.Get(fresh.ID); err != nil {
		t.Fatalf("Get(fresh): %v", err)
	}
	clock.advance(30 * time.Second)

	if _, err := reg.Get(stale.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("stale session should have expired, got %v", err)
	}
	if _, err := reg.Get(fresh.ID); err != nil {
		t.Errorf("recently used session expired: %v", err)
	}
	if reg.GetOrCreate(stale.ID) == stale {
		t.Error("GetOrCreate should replace an expired session")
	}
}

func TestSessions_SweepKeepsBusySessions(t *testing.T) {
	reg, clock := clockedSessions(Expiry{IdleTTL: time.Minute})
	idle := reg.Create()
	busy := reg.Create()
	if _, err := busy.begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}

	clock.advance(time.Hour)
	if n := reg.Sweep(); n != 1 {
		t.Errorf("Sweep dropped %d sessions, want 1", n)
	}
	if _, err := reg.Get(idle.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("idle session survived sweep: %v", err)
	}
	if _, err := reg.Get(busy.ID); err != nil {
		t.Errorf("busy session was swept: %v", err)
	}
}

func TestSessions_MaxSessionsEvictsLeastRecentlyUsed(t *testing.T) {
	reg, clock := clockedSessions(Expiry{MaxSessions: 2})
	a := reg.Create()
	clock.advance(time.Second)
	b := reg.Create()
	clock.advance(time.Second)
	if _, err := reg.Get(a.ID); err != nil {
		t.Fatalf("Get(a): %v", err)
	}
	clock.advance(time.Second)

	c := reg.Create()
	if reg.Len() != 2 {
		t.Fatalf("Len = %d, want 2", reg.Len())
	}
	if _, err := reg.Get(b.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("least recently used session should be evicted, got %v", err)
	}
	for _, s := range []*Session{a, c} {
		if _, err := reg.Get(s.ID); err != nil {
			t.Errorf("Get(%s): %v", s.ID, err)
		}
	}
}

func TestSessions_MaxSessionsNeverEvictsBusy(t *testing.T) {
	reg, _ := clockedSessions(Expiry{MaxSessions: 1})
	busy := reg.Create()
	if _, err := busy.begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}

	reg.Create()
	if _, err := reg.Get(busy.ID); err != nil {
		t.Errorf("busy session evicted: %v", err)
	}
	if reg.Len() != 2 {
		t.Errorf("Len = %d, want 2", reg.Len())
	}
}
