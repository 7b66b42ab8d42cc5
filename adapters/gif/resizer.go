// Package gif resizes animated GIFs frame by frame in pure Go.
package gif

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/media-recoder/core"
	apperrors "github.com/Skryldev/media-recoder/errors"
)

// Resizer is a core.AnimationResizer built on image/gif.
type Resizer struct {
	// MaxBitmapBytes bounds the logical screen of a decoded animation;
	// larger inputs fail with ErrOutOfMemory.  0 = unbounded.
	MaxBitmapBytes int64
}

// New returns a Resizer with the given bitmap ceiling.
func New(maxBitmapBytes int64) *Resizer { return &Resizer{MaxBitmapBytes: maxBitmapBytes} }

// Probe decodes every frame to report the logical size and frame count.
func (r *Resizer) Probe(ctx context.Context, data []byte) (core.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return core.Metadata{}, apperrors.Wrap(apperrors.CategoryDecode, "gif.probe", err)
	}
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return core.Metadata{}, apperrors.Wrap(apperrors.CategoryDecode, "gif.probe", err)
	}
	return core.Metadata{
		Width:     g.Config.Width,
		Height:    g.Config.Height,
		Format:    core.FormatGIF,
		Frames:    len(g.Image),
		SizeBytes: int64(len(data)),
	}, nil
}

// Resize re-encodes data with a width×height logical screen.  Every frame
// keeps its palette, delay and disposal; frame rectangles are scaled and
// never collapse below 1px.
func (r *Resizer) Resize(ctx context.Context, data []byte, width, height int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, "gif.resize", err)
	}
	if width < 1 || height < 1 {
		return nil, apperrors.New(apperrors.CategoryInput, "gif.resize",
			fmt.Errorf("%w: %dx%d", apperrors.ErrInvalidDimensions, width, height))
	}

	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "gif.resize", err)
	}
	srcW, srcH := g.Config.Width, g.Config.Height
	if srcW <= 0 || srcH <= 0 {
		// Some encoders leave the logical screen empty; fall back to frame 0.
		if len(g.Image) == 0 {
			return nil, apperrors.New(apperrors.CategoryDecode, "gif.resize", apperrors.ErrEmptyInput)
		}
		b := g.Image[0].Bounds()
		srcW, srcH = b.Max.X, b.Max.Y
	}
	if r.MaxBitmapBytes > 0 && core.BitmapBytes(max(srcW, width), max(srcH, height)) > r.MaxBitmapBytes {
		return nil, apperrors.OutOfMemory("gif.resize",
			fmt.Errorf("%dx%d screen exceeds %d bytes", srcW, srcH, r.MaxBitmapBytes))
	}

	sx := float64(width) / float64(srcW)
	sy := float64(height) / float64(srcH)
	for i, frame := range g.Image {
		g.Image[i] = scaleFrame(frame, sx, sy, width, height)
	}
	g.Config.Width, g.Config.Height = width, height

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "gif.resize", err)
	}
	return buf.Bytes(), nil
}

func scaleFrame(src *image.Paletted, sx, sy float64, w, h int) *image.Paletted {
	b := src.Bounds()
	x0 := min(w-1, int(math.Floor(float64(b.Min.X)*sx)))
	y0 := min(h-1, int(math.Floor(float64(b.Min.Y)*sy)))
	x1 := min(w, max(x0+1, int(math.Round(float64(b.Max.X)*sx))))
	y1 := min(h, max(y0+1, int(math.Round(float64(b.Max.Y)*sy))))
	rect := image.Rect(max(0, x0), max(0, y0), x1, y1)

	dst := image.NewPaletted(rect, src.Palette)
	xdraw.NearestNeighbor.Scale(dst, rect, src, b, xdraw.Src, nil)
	return dst
}

var _ core.AnimationResizer = (*Resizer)(nil)
