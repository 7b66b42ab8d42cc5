// Package transform rotates, mirrors and scales RasterBitmaps with
// disintegration/imaging.
package transform

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/Skryldev/media-recoder/core"
	apperrors "github.com/Skryldev/media-recoder/errors"
	"github.com/Skryldev/media-recoder/orientation"
	"github.com/Skryldev/media-recoder/utils"
)

// Imaging is a core.Transformer over pure-Go bitmaps.
type Imaging struct {
	Filter imaging.ResampleFilter
}

// New returns a transformer that resamples with Lanczos.
func New() *Imaging { return &Imaging{Filter: imaging.Lanczos} }

// Transform scales src by 1/ScaleFactor and then applies the orientation.
// Scaling first keeps the rotated intermediate at output size.
func (x *Imaging) Transform(ctx context.Context, src core.Bitmap, opts core.TransformOptions) (core.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, "transform", err)
	}
	rb, ok := src.(*core.RasterBitmap)
	if !ok || rb == nil || rb.Released() {
		return nil, apperrors.New(apperrors.CategoryPipeline, "transform",
			fmt.Errorf("%w: expected a live raster bitmap, got %T", apperrors.ErrEmptyInput, src))
	}

	tr := opts.Orientation
	ow, oh := tr.OrientedSize(rb.Width(), rb.Height())
	w := utils.ScaledSize(ow, opts.ScaleFactor)
	h := utils.ScaledSize(oh, opts.ScaleFactor)
	if opts.MaxBitmapBytes > 0 && core.BitmapBytes(w, h) > opts.MaxBitmapBytes {
		return nil, apperrors.OutOfMemory("transform",
			fmt.Errorf("%dx%d bitmap exceeds %d bytes", w, h, opts.MaxBitmapBytes))
	}

	// Target size in source orientation.
	sw, sh := w, h
	if tr.Swapped {
		sw, sh = h, w
	}
	var img *image.NRGBA
	if sw == rb.Width() && sh == rb.Height() {
		img = imaging.Clone(rb.Image())
	} else {
		img = imaging.Resize(rb.Image(), sw, sh, x.Filter)
	}
	return core.NewRasterBitmap(Orient(img, tr)), nil
}

// Orient rotates img clockwise by t.Rotation and then mirrors it.
func Orient(img *image.NRGBA, t orientation.Transform) *image.NRGBA {
	// imaging rotates counter-clockwise.
	switch t.Rotation {
	case 90:
		img = imaging.Rotate270(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate90(img)
	}
	if t.MirrorX == -1 {
		img = imaging.FlipH(img)
	}
	if t.MirrorY == -1 {
		img = imaging.FlipV(img)
	}
	return img
}

var _ core.Transformer = (*Imaging)(nil)
