package extract

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// buildPDF renders one page per entry in texts. Pages whose index is in
// withImage get a small JPEG below the text.
func buildPDF(t *testing.T, texts []string, withImage map[int]bool) []byte {
	t.Helper()
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetFont("Helvetica", "", 14)

	var img bytes.Buffer
	src := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			src.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	if err := jpeg.Encode(&img, src, nil); err != nil {
		t.Fatalf("encoding fixture image: %v", err)
	}
	doc.RegisterImageOptionsReader("swatch", fpdf.ImageOptions{ImageType: "JPG"}, bytes.NewReader(img.Bytes()))

	for i, text := range texts {
		doc.AddPage()
		doc.Cell(120, 10, text)
		if withImage[i] {
			doc.ImageOptions("swatch", 20, 40, 30, 30, false, fpdf.ImageOptions{ImageType: "JPG"}, 0, "")
		}
	}

	var out bytes.Buffer
	if err := doc.Output(&out); err != nil {
		t.Fatalf("rendering fixture pdf: %v", err)
	}
	return out.Bytes()
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func TestExtract_PagesInOrder(t *testing.T) {
	data := buildPDF(t, []string{"AlphaPageOne", "BravoPageTwo", "CharliePageThree"}, nil)

	pages, err := NewPDFExtractor().Extract(context.Background(), "fixture.pdf", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("got %d pages, want 3", len(pages))
	}
	for i, want := range []string{"AlphaPageOne", "BravoPageTwo", "CharliePageThree"} {
		if pages[i].Number != i+1 {
			t.Errorf("page %d numbered %d", i, pages[i].Number)
		}
		if !strings.Contains(squash(pages[i].Text), want) {
			t.Errorf("page %d text = %q, want it to contain %q", i+1, pages[i].Text, want)
		}
	}
}

func TestExtract_Images(t *testing.T) {
	data := buildPDF(t, []string{"NoImageHere", "ImageBelow"}, map[int]bool{1: true})

	pages, err := NewPDFExtractor().Extract(context.Background(), "fixture.pdf", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(pages[0].Images) != 0 {
		t.Errorf("page 1 has %d images, want 0", len(pages[0].Images))
	}
	if len(pages[1].Images) != 1 {
		t.Fatalf("page 2 has %d images, want 1", len(pages[1].Images))
	}
	if len(pages[1].Images[0].Data) == 0 || pages[1].Images[0].Err != nil {
		t.Errorf("image = %d bytes, err %v", len(pages[1].Images[0].Data), pages[1].Images[0].Err)
	}
}

func TestCollectImages_FailedObjectKeepsPosition(t *testing.T) {
	images := collectImages([]int{12, 9, 15}, func(objNr int) (*model.Image, error) {
		switch objNr {
		case 9:
			return &model.Image{Reader: strings.NewReader("first"), FileType: "jpg"}, nil
		case 12:
			return nil, errors.New("unsupported colour space")
		}
		return &model.Image{FileType: "png"}, nil
	})

	if len(images) != 3 {
		t.Fatalf("got %d images, want 3", len(images))
	}
	if string(images[0].Data) != "first" || images[0].Err != nil {
		t.Errorf("image 0 = %+v", images[0])
	}
	if images[1].Err == nil || !strings.Contains(images[1].Err.Error(), "image object 12") {
		t.Errorf("image 1 error = %v", images[1].Err)
	}
	if images[2].Err == nil || len(images[2].Data) != 0 {
		t.Errorf("image without a reader should carry an error, got %+v", images[2])
	}
}

func TestCollectImages_RecoversPanics(t *testing.T) {
	images := collectImages([]int{1, 2}, func(objNr int) (*model.Image, error) {
		if objNr == 1 {
			panic("bad stream dict")
		}
		return &model.Image{Reader: strings.NewReader("ok"), FileType: "png"}, nil
	})
	if images[0].Err == nil {
		t.Error("panicking object should carry an error")
	}
	if string(images[1].Data) != "ok" {
		t.Errorf("image 1 data = %q", images[1].Data)
	}
}

func TestExtract_NotAPDF(t *testing.T) {
	_, err := NewPDFExtractor().Extract(context.Background(), "notes.txt", strings.NewReader("just some text"))
	var extErr *ExtractionError
	if !errors.As(err, &extErr) {
		t.Fatalf("expected *ExtractionError, got %v", err)
	}
	if extErr.Source != "notes.txt" {
		t.Errorf("Source = %q", extErr.Source)
	}
}

func TestExtract_Empty(t *testing.T) {
	_, err := NewPDFExtractor().Extract(context.Background(), "empty.pdf", bytes.NewReader(nil))
	var extErr *ExtractionError
	if !errors.As(err, &extErr) {
		t.Fatalf("expected *ExtractionError, got %v", err)
	}
}

func TestExtract_Truncated(t *testing.T) {
	data := buildPDF(t, []string{"Truncated"}, nil)
	_, err := NewPDFExtractor().Extract(context.Background(), "cut.pdf", bytes.NewReader(data[:len(data)/3]))
	var extErr *ExtractionError
	if !errors.As(err, &extErr) {
		t.Fatalf("expected *ExtractionError, got %v", err)
	}
}
