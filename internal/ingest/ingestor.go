// Package ingest drives documents through extraction, chunking, image
// description and embedding into the vector store.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docrag/internal/extract"
	"github.com/kalambet/docrag/internal/retrieval"
)

// DefaultWorkers bounds concurrent describe/embed calls per document.
const DefaultWorkers = 4

// PageExtractor splits a document into ordered pages.
type PageExtractor interface {
	Extract(ctx context.Context, source string, r io.Reader) ([]extract.Page, error)
}

// TextSplitter cuts page text into chunks.
type TextSplitter interface {
	Split(text string) []string
}

// ImageDescriber turns an image into text. Unreadable handles an image the
// extractor could not read.
type ImageDescriber interface {
	Describe(ctx context.Context, data []byte) (string, error)
	Unreadable(err error) (string, error)
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkAdder stores chunks atomically.
type ChunkAdder interface {
	Add(ctx context.Context, chunks ...retrieval.Chunk) error
}

// RunRecorder keeps the ingestion log. *storage.Store implements it.
type RunRecorder interface {
	StartIngestion(ctx context.Context, id, source string) error
	FinishIngestion(ctx context.Context, id string, pages, chunks int, runErr error) error
}

// Result summarizes one document.
type Result struct {
	RunID       string        `json:"run_id"`
	Source      string        `json:"source"`
	Pages       int           `json:"pages"`
	TextChunks  int           `json:"text_chunks"`
	ImageChunks int           `json:"image_chunks"`
	Duration    time.Duration `json:"duration"`
	Err         error         `json:"-"`
}

// Chunks returns the number of chunks stored for the document.
func (r Result) Chunks() int { return r.TextChunks + r.ImageChunks }

// Ingestor processes documents. It is safe for concurrent use when its
// collaborators are.
type Ingestor struct {
	extractor PageExtractor
	splitter  TextSplitter
	describer ImageDescriber
	embedder  ContentEmbedder
	store     ChunkAdder
	recorder  RunRecorder
	workers   int
	logger    *slog.Logger
	newID     func() string
}

// New creates an Ingestor. workers <= 0 selects DefaultWorkers.
func New(ex PageExtractor, sp TextSplitter, desc ImageDescriber, emb ContentEmbedder, store ChunkAdder, workers int) *Ingestor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Ingestor{
		extractor: ex,
		splitter:  sp,
		describer: desc,
		embedder:  emb,
		store:     store,
		workers:   workers,
		logger:    slog.Default(),
		newID:     func() string { return uuid.New().String() },
	}
}

// SetRecorder enables the ingestion log.
func (in *Ingestor) SetRecorder(r RunRecorder) { in.recorder = r }

// item is one unit of work: a text chunk to embed or an image to describe
// and embed. Indices are fixed before dispatch.
type item struct {
	meta     retrieval.Metadata
	text     string
	image    []byte
	imageErr error
}

// Ingest extracts, chunks, describes and embeds one document, then stores all
// of its chunks in a single batch. Nothing is stored when any step fails.
func (in *Ingestor) Ingest(ctx context.Context, name string, r io.Reader) (Result, error) {
	res := Result{RunID: in.newID(), Source: name}
	start := time.Now()

	if in.recorder != nil {
		if err := in.recorder.StartIngestion(ctx, res.RunID, name); err != nil {
			in.logger.Warn("recording ingestion start", "source", name, "error", err)
		}
	}

	err := in.ingest(ctx, name, r, &res)
	res.Duration = time.Since(start)
	res.Err = err

	if in.recorder != nil {
		// The log entry is written even when ctx was cancelled mid-run.
		if rerr := in.recorder.FinishIngestion(context.WithoutCancel(ctx), res.RunID, res.Pages, res.Chunks(), err); rerr != nil {
			in.logger.Warn("recording ingestion result", "source", name, "error", rerr)
		}
	}

	if err != nil {
		in.logger.Warn("ingestion failed", "source", name, "error", err)
		return res, err
	}
	in.logger.Info("document ingested",
		"source", name,
		"pages", res.Pages,
		"text_chunks", res.TextChunks,
		"image_chunks", res.ImageChunks,
		"duration", res.Duration)
	return res, nil
}

func (in *Ingestor) ingest(ctx context.Context, name string, r io.Reader, res *Result) error {
	pages, err := in.extractor.Extract(ctx, name, r)
	if err != nil {
		return err
	}
	res.Pages = len(pages)

	items := in.plan(name, pages)
	if len(items) == 0 {
		return nil
	}

	chunks := make([]retrieval.Chunk, len(items))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(in.workers)

	for i, it := range items {
		g.Go(func() error {
			text := it.text
			if it.meta.Type == retrieval.TypeImageAnalysis {
				var desc string
				var err error
				if it.imageErr != nil {
					desc, err = in.describer.Unreadable(it.imageErr)
				} else {
					desc, err = in.describer.Describe(gCtx, it.image)
				}
				if err != nil {
					return fmt.Errorf("page %d image %d: %w", it.meta.Page, it.meta.Index, err)
				}
				text = desc
			}
			vec, err := in.embedder.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("page %d %s %d: %w", it.meta.Page, it.meta.Type, it.meta.Index, err)
			}
			chunks[i] = retrieval.Chunk{ID: in.newID(), Text: text, Embedding: vec, Metadata: it.meta}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := in.store.Add(ctx, chunks...); err != nil {
		return fmt.Errorf("storing chunks of %s: %w", name, err)
	}
	for _, it := range items {
		if it.meta.Type == retrieval.TypeText {
			res.TextChunks++
		} else {
			res.ImageChunks++
		}
	}
	return nil
}

// plan lists the work for a document in storage order: per page, text chunks
// then images.
func (in *Ingestor) plan(name string, pages []extract.Page) []item {
	var items []item
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			for i, text := range in.splitter.Split(p.Text) {
				items = append(items, item{
					meta: retrieval.Metadata{Source: name, Page: p.Number, Type: retrieval.TypeText, Index: i},
					text: text,
				})
			}
		}
		for j, img := range p.Images {
			items = append(items, item{
				meta:     retrieval.Metadata{Source: name, Page: p.Number, Type: retrieval.TypeImageAnalysis, Index: j},
				image:    img.Data,
				imageErr: img.Err,
			})
		}
	}
	return items
}

// Source is a document to ingest. Open is called once, when the document's
// turn comes.
type Source struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileSource returns a Source reading the file at path, named by its base
// name.
func FileSource(path string) Source {
	return Source{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// IngestBatch ingests documents one after another and keeps going past
// failed documents. It returns one Result per source, in order; failures are
// reported in Result.Err. It stops early only when ctx is done.
func (in *Ingestor) IngestBatch(ctx context.Context, sources []Source) []Result {
	results := make([]Result, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			results = append(results, Result{Source: src.Name, Err: err})
			continue
		}
		rc, err := src.Open()
		if err != nil {
			results = append(results, Result{Source: src.Name, Err: fmt.Errorf("opening %s: %w", src.Name, err)})
			continue
		}
		res, _ := in.Ingest(ctx, src.Name, rc)
		rc.Close()
		results = append(results, res)
	}
	return results
}
