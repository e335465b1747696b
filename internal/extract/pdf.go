// Package extract turns PDF bytes into ordered pages of text and embedded
// images.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Page is one extracted page. Number starts at 1. Images are the raw encoded
// image blobs in the order they appear in the document.
type Page struct {
	Number int
	Text   string
	Images []Image
}

// Image is an embedded image as stored in the PDF, re-encoded by pdfcpu into
// a common container format when needed. Err is set, and Data empty, when
// the image object could not be read; it still keeps its position on the
// page.
type Image struct {
	Data     []byte
	FileType string
	Err      error
}

// ExtractionError reports bytes that could not be read as a PDF.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// PDFExtractor reads page text with ledongthuc/pdf and page images with
// pdfcpu. A single unreadable image is reported through Image.Err. When
// pdfcpu cannot open the document at all the pages come back without images
// and a warning is logged. Text extraction failures fail the document.
type PDFExtractor struct {
	logger *slog.Logger
}

// NewPDFExtractor returns a PDFExtractor logging to slog.Default().
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{logger: slog.Default()}
}

// Extract reads the whole document from r and returns its pages in order.
// source names the document in errors and logs.
func (e *PDFExtractor) Extract(ctx context.Context, source string, r io.Reader) ([]Page, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ExtractionError{Source: source, Err: fmt.Errorf("reading document: %w", err)}
	}
	if len(data) == 0 {
		return nil, &ExtractionError{Source: source, Err: errors.New("empty document")}
	}

	pages, err := readText(data)
	if err != nil {
		return nil, &ExtractionError{Source: source, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	images, err := readImages(data)
	if err != nil {
		e.logger.Warn("image extraction failed, continuing with text only", "source", source, "error", err)
		return pages, nil
	}
	for num, imgs := range images {
		if num < 1 || num > len(pages) {
			continue
		}
		pages[num-1].Images = imgs
	}
	return pages, nil
}

// readText returns one Page per document page with its plain text.
func readText(data []byte) (pages []Page, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	rd, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	n := rd.NumPage()
	if n == 0 {
		return nil, errors.New("document has no pages")
	}
	pages = make([]Page, n)
	for i := 1; i <= n; i++ {
		pages[i-1].Number = i
		p := rd.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("reading text of page %d: %w", i, err)
		}
		pages[i-1].Text = text
	}
	return pages, nil
}

// readImages returns the images of every page keyed by page number, each
// page's images ordered by object number.
func readImages(data []byte) (out map[int][]Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("reading pdf for images: %v", r)
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.Cmd = model.EXTRACTIMAGES

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("reading pdf for images: %w", err)
	}

	out = make(map[int][]Image)
	for page := 1; page <= ctx.PageCount; page++ {
		objNrs := pdfcpu.ImageObjNrs(ctx, page)
		if len(objNrs) == 0 {
			continue
		}
		out[page] = collectImages(objNrs, func(objNr int) (*model.Image, error) {
			obj, ok := ctx.Optimize.ImageObjects[objNr]
			if !ok || obj == nil {
				return nil, fmt.Errorf("image object %d not found", objNr)
			}
			return pdfcpu.ExtractImage(ctx, obj.ImageDict, false, obj.ResourceNames[page-1], objNr, false)
		})
	}
	return out, nil
}

// collectImages reads each image object in object-number order. A failed
// object yields an Image carrying the error so later images keep their
// index.
func collectImages(objNrs []int, extractOne func(objNr int) (*model.Image, error)) []Image {
	sorted := slices.Clone(objNrs)
	slices.Sort(sorted)

	images := make([]Image, 0, len(sorted))
	for _, objNr := range sorted {
		images = append(images, readObject(objNr, extractOne))
	}
	return images
}

func readObject(objNr int, extractOne func(objNr int) (*model.Image, error)) (img Image) {
	defer func() {
		if r := recover(); r != nil {
			img = Image{Err: fmt.Errorf("image object %d: %v", objNr, r)}
		}
	}()

	m, err := extractOne(objNr)
	if err != nil {
		return Image{Err: fmt.Errorf("image object %d: %w", objNr, err)}
	}
	if m == nil || m.Reader == nil {
		return Image{Err: fmt.Errorf("image object %d: unsupported image encoding", objNr)}
	}
	b, err := io.ReadAll(m)
	if err != nil {
		return Image{Err: fmt.Errorf("image object %d: %w", objNr, err)}
	}
	return Image{Data: b, FileType: m.FileType}
}
