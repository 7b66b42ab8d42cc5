// Package encoder provides the pure-Go JPEG encoder used for every static
// recode.
package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"

	"github.com/Skryldev/media-recoder/core"
	apperrors "github.com/Skryldev/media-recoder/errors"
)

// JPEG encodes RasterBitmaps to JPEG.
type JPEG struct {
	DefaultQuality int // used when EncodeOptions.Quality == 0
}

func NewJPEG(defaultQuality int) *JPEG {
	if defaultQuality <= 0 {
		defaultQuality = 95
	}
	return &JPEG{DefaultQuality: defaultQuality}
}

func (j *JPEG) CanEncode(format core.Format) bool {
	return format == core.FormatJPEG
}

func (j *JPEG) Encode(ctx context.Context, b core.Bitmap, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "jpeg.encode", err)
	}

	rb, ok := b.(*core.RasterBitmap)
	if !ok || rb == nil || rb.Released() {
		return nil, apperrors.New(apperrors.CategoryEncode, "jpeg.encode",
			fmt.Errorf("%w: expected a live raster bitmap, got %T", apperrors.ErrEmptyInput, b))
	}

	quality := opts.Quality
	if quality <= 0 {
		quality = j.DefaultQuality
	}
	quality = max(1, min(100, quality))

	var buf bytes.Buffer
	buf.Grow(rb.Width() * rb.Height() / 4)
	if err := jpeg.Encode(&buf, rb.Image(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "jpeg.encode", err)
	}
	return buf.Bytes(), nil
}

var _ core.Encoder = (*JPEG)(nil)
