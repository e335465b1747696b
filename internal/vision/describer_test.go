package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/kalambet/docrag/internal/llm"
)

// mockGenerator implements llm.Generator for testing.
type mockGenerator struct {
	generateFn func(ctx context.Context, req llm.Request) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, req llm.Request) (string, error) {
	return m.generateFn(ctx, req)
}

func pngBytes(t *testing.T, w, h int, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 10, B: 10, A: alpha})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestDescribe_SendsNormalizedJPEG(t *testing.T) {
	var got llm.Request
	gen := &mockGenerator{generateFn: func(_ context.Context, req llm.Request) (string, error) {
		got = req
		return "A red square.", nil
	}}
	d := NewDescriber(gen, FailSoft, 1024)

	desc, err := d.Describe(context.Background(), pngBytes(t, 8, 8, 255))
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if desc != "A red square." {
		t.Errorf("desc = %q", desc)
	}
	if got.System != systemPrompt || got.MaxTokens != 1024 {
		t.Errorf("system=%q max_tokens=%d", got.System, got.MaxTokens)
	}
	blocks := got.Messages[0].Blocks
	if len(blocks) != 2 || !blocks[0].IsImage() || blocks[1].Text != userPrompt {
		t.Fatalf("blocks = %+v", blocks)
	}
	if blocks[0].MediaType != "image/jpeg" {
		t.Errorf("media type = %q", blocks[0].MediaType)
	}
	raw, err := base64.StdEncoding.DecodeString(blocks[0].ImageData)
	if err != nil {
		t.Fatalf("image is not base64: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(raw)); err != nil {
		t.Errorf("image is not a jpeg: %v", err)
	}
}

func TestDescribe_FailSoftOnUndecodable(t *testing.T) {
	called := false
	gen := &mockGenerator{generateFn: func(context.Context, llm.Request) (string, error) {
		called = true
		return "", nil
	}}
	d := NewDescriber(gen, FailSoft, 0)

	desc, err := d.Describe(context.Background(), []byte("not an image"))
	if err != nil {
		t.Fatalf("fail-soft must not return an error, got %v", err)
	}
	if !strings.HasPrefix(desc, "Error analyzing image:") {
		t.Errorf("desc = %q", desc)
	}
	if called {
		t.Error("generator should not be called for undecodable bytes")
	}
}

func TestDescribe_FailSoftOnGeneratorError(t *testing.T) {
	gen := &mockGenerator{generateFn: func(context.Context, llm.Request) (string, error) {
		return "", errors.New("upstream 500")
	}}
	d := NewDescriber(gen, FailSoft, 0)

	desc, err := d.Describe(context.Background(), pngBytes(t, 4, 4, 255))
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if desc != "Error analyzing image: upstream 500" {
		t.Errorf("desc = %q", desc)
	}
}

func TestDescribe_FailFast(t *testing.T) {
	gen := &mockGenerator{generateFn: func(context.Context, llm.Request) (string, error) {
		return "", errors.New("upstream 500")
	}}
	d := NewDescriber(gen, FailFast, 0)

	_, err := d.Describe(context.Background(), pngBytes(t, 4, 4, 255))
	var iaErr *ImageAnalysisError
	if !errors.As(err, &iaErr) {
		t.Fatalf("expected *ImageAnalysisError, got %v", err)
	}
}

func TestUnreadable(t *testing.T) {
	cause := errors.New("image object 4: unsupported encoding")

	desc, err := NewDescriber(nil, FailSoft, 0).Unreadable(cause)
	if err != nil || desc != "Error analyzing image: image object 4: unsupported encoding" {
		t.Errorf("soft = %q, %v", desc, err)
	}

	_, err = NewDescriber(nil, FailFast, 0).Unreadable(cause)
	var iaErr *ImageAnalysisError
	if !errors.As(err, &iaErr) || !errors.Is(err, cause) {
		t.Errorf("fast err = %v", err)
	}
}

func TestDescribe_CancelledContextPropagates(t *testing.T) {
	gen := &mockGenerator{generateFn: func(ctx context.Context, _ llm.Request) (string, error) {
		return "", ctx.Err()
	}}
	d := NewDescriber(gen, FailSoft, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Describe(ctx, pngBytes(t, 4, 4, 255)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNormalize_FlattensTransparency(t *testing.T) {
	out, err := Normalize(pngBytes(t, 4, 4, 0))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("jpeg.Decode: %v", err)
	}
	r, g, b, _ := img.At(1, 1).RGBA()
	if r>>8 < 240 || g>>8 < 240 || b>>8 < 240 {
		t.Errorf("transparent pixel should become white, got %d,%d,%d", r>>8, g>>8, b>>8)
	}
}

func TestNormalize_BoundsLargeImages(t *testing.T) {
	out, err := Normalize(pngBytes(t, MaxEdge*2, 100, 255))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.Width != MaxEdge || cfg.Height != 50 {
		t.Errorf("size = %dx%d, want %dx50", cfg.Width, cfg.Height, MaxEdge)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", FailSoft, false},
		{"soft", FailSoft, false},
		{"fast", FailFast, false},
		{"loud", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}
