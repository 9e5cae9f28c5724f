package ai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
)

// Synthetic renders a small deterministic PNG from the prompt. It stands in
// for the remote provider in development and tests.
type Synthetic struct {
	Size int
}

// Generate returns a square image whose colour is derived from the prompt.
func (s Synthetic) Generate(ctx context.Context, req Request) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Transient(err)
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = req.TargetRef
	}
	if prompt == "" {
		return nil, domain.Permanent(errors.New("ai: prompt is required"))
	}
	size := s.Size
	if size <= 0 {
		size = 64
	}
	sum := sha256.Sum256([]byte(string(req.Kind) + "\x00" + prompt))
	fill := color.NRGBA{R: sum[0], G: sum[1], B: sum[2], A: 0xff}
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, domain.Permanent(err)
	}
	return &Artifact{Data: buf.Bytes(), ContentType: "image/png", Width: size, Height: size}, nil
}

var _ Generator = Synthetic{}
