// Package vision turns embedded images into searchable text descriptions.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/kalambet/docrag/internal/llm"
)

const (
	systemPrompt = "You are a helpful assistant that analyzes images."
	userPrompt   = "Please describe all text and visual content in this image in detail."

	// ErrorPrefix starts every fail-soft placeholder description.
	ErrorPrefix = "Error analyzing image: "

	// MaxEdge bounds the longest side of an image sent for analysis.
	MaxEdge     = 1568
	jpegQuality = 90
)

// Mode selects what Describe does when an image cannot be analyzed.
type Mode string

const (
	// FailSoft returns a placeholder description and no error.
	FailSoft Mode = "soft"
	// FailFast returns an *ImageAnalysisError.
	FailFast Mode = "fast"
)

// ParseMode validates a mode string. Empty selects FailSoft.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", FailSoft:
		return FailSoft, nil
	case FailFast:
		return FailFast, nil
	}
	return "", fmt.Errorf("unknown image failure mode %q (want %q or %q)", s, FailSoft, FailFast)
}

// ImageAnalysisError reports an image that could not be decoded or described.
type ImageAnalysisError struct {
	Err error
}

func (e *ImageAnalysisError) Error() string { return "analyzing image: " + e.Err.Error() }
func (e *ImageAnalysisError) Unwrap() error { return e.Err }

// Describer asks the generation collaborator for a description of an image.
type Describer struct {
	gen       llm.Generator
	mode      Mode
	maxTokens int
	logger    *slog.Logger
}

// NewDescriber returns a Describer. maxTokens <= 0 uses the generator's
// default.
func NewDescriber(gen llm.Generator, mode Mode, maxTokens int) *Describer {
	if mode == "" {
		mode = FailSoft
	}
	return &Describer{gen: gen, mode: mode, maxTokens: maxTokens, logger: slog.Default()}
}

// Describe returns a textual description of the image. In FailSoft mode any
// failure other than caller cancellation yields a placeholder starting with
// ErrorPrefix and a nil error.
func (d *Describer) Describe(ctx context.Context, data []byte) (string, error) {
	desc, err := d.describe(ctx, data)
	if err == nil {
		return desc, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return d.Unreadable(err)
}

// Unreadable applies the failure mode to an image that could not be
// analyzed, including one that never made it out of the document.
func (d *Describer) Unreadable(err error) (string, error) {
	if d.mode == FailFast {
		return "", &ImageAnalysisError{Err: err}
	}
	d.logger.Warn("image analysis failed", "error", err)
	return ErrorPrefix + err.Error(), nil
}

func (d *Describer) describe(ctx context.Context, data []byte) (string, error) {
	jpg, err := Normalize(data)
	if err != nil {
		return "", err
	}
	req := llm.Request{
		System:    systemPrompt,
		MaxTokens: d.maxTokens,
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Blocks: []llm.Block{
				{ImageData: base64.StdEncoding.EncodeToString(jpg), MediaType: "image/jpeg"},
				{Text: userPrompt},
			},
		}},
	}
	return d.gen.Generate(ctx, req)
}

// Normalize decodes an image in any registered format, flattens it onto a
// white background, bounds it to MaxEdge and re-encodes it as JPEG.
func Normalize(data []byte) ([]byte, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("decoding image: empty %s image", format)
	}
	if long := max(w, h); long > MaxEdge {
		w = max(1, w*MaxEdge/long)
		h = max(1, h*MaxEdge/long)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return out.Bytes(), nil
}
