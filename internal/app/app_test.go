package app

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/go-pdf/fpdf"

	"github.com/kalambet/docrag/internal/config"
	"github.com/kalambet/docrag/internal/llm"
)

type fakeGenerator struct {
	mu       sync.Mutex
	requests []llm.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return "grounded answer", nil
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

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Generation:   config.GenerationConfig{Model: "test-model", MaxTokens: 256, Timeout: "5s"},
		Ollama:       config.OllamaConfig{BaseURL: "http://127.0.0.1:1", EmbedModel: "letters", Timeout: "5s"},
		Ingest:       config.IngestConfig{ChunkSize: 200, ChunkOverlap: 20, Workers: 2, ImageMode: "soft"},
		Retrieval:    config.RetrievalConfig{TopK: 3},
		Conversation: config.ConversationConfig{MaxTurns: 4},
		Storage:      config.StorageConfig{DataDir: t.TempDir()},
	}
}

func textPDF(t *testing.T, pages ...string) []byte {
	t.Helper()
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetFont("Helvetica", "", 12)
	for _, text := range pages {
		doc.AddPage()
		doc.MultiCell(180, 6, text, "", "L", false)
	}
	var out bytes.Buffer
	if err := doc.Output(&out); err != nil {
		t.Fatalf("rendering fixture pdf: %v", err)
	}
	return out.Bytes()
}

func TestNew_WithoutAPIKeyIsReadOnly(t *testing.T) {
	a, err := New(testConfig(t), WithEmbedBackend(letterBackend{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Ingestor != nil || a.Orchestrator != nil {
		t.Error("ingestion and chat should be unavailable without a generator")
	}
	if err := a.CanGenerate(); err == nil || !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("CanGenerate = %v", err)
	}
	if a.Retriever == nil || a.Sessions == nil {
		t.Error("read paths should be wired")
	}
}

func TestNew_RejectsBadChunking(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.ChunkOverlap = cfg.Ingest.ChunkSize
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for overlap >= size")
	}
}

func TestNew_RejectsBadImageMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.ImageMode = "loud"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown image mode")
	}
}

func TestNew_AnthropicFromAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.APIKey = "sk-test"
	a, err := New(cfg, WithEmbedBackend(letterBackend{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	client, ok := a.Generator.(*llm.AnthropicClient)
	if !ok {
		t.Fatalf("Generator = %T, want *llm.AnthropicClient", a.Generator)
	}
	if client.Model() != "test-model" {
		t.Errorf("model = %q", client.Model())
	}
	if err := a.CanGenerate(); err != nil {
		t.Errorf("CanGenerate = %v", err)
	}
}

func TestEnsureReady_SkippedForCustomBackend(t *testing.T) {
	a, err := New(testConfig(t), WithEmbedBackend(letterBackend{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	var out bytes.Buffer
	if err := a.EnsureReady(context.Background(), &out); err != nil {
		t.Errorf("EnsureReady: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestIngestThenChat(t *testing.T) {
	gen := &fakeGenerator{}
	a, err := New(testConfig(t), WithGenerator(gen), WithEmbedBackend(letterBackend{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	data := textPDF(t,
		"Zebras graze on the savanna in large herds.",
		"Quarterly revenue grew by twelve percent.")
	res, err := a.Ingestor.Ingest(ctx, "report.pdf", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Pages != 2 || res.TextChunks != 2 {
		t.Errorf("result = %+v, want 2 pages and 2 text chunks", res)
	}

	n, err := a.Vectors.Count(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Count = %d, %v", n, err)
	}
	run, err := a.Store.GetIngestion(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetIngestion: %v", err)
	}
	if run.Chunks != 2 {
		t.Errorf("recorded chunks = %d", run.Chunks)
	}

	s := a.Sessions.Create()
	reply, err := a.Orchestrator.Chat(ctx, s, "How did revenue grow this quarter?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.Answer != "grounded answer" {
		t.Errorf("answer = %q", reply.Answer)
	}
	if len(reply.Sources) != 2 || reply.Sources[0] != "report.pdf (Page 2)" {
		t.Errorf("sources = %v, want page 2 first", reply.Sources)
	}
	if got := gen.requests[0].Model; got != "test-model" {
		t.Errorf("request model = %q", got)
	}
	if len(s.History()) != 2 {
		t.Errorf("history length = %d", len(s.History()))
	}
}
