// Package decoder provides pure-Go decoders for the still-image formats the
// recoder accepts.
package decoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"

	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/media-recoder/core"
	apperrors "github.com/Skryldev/media-recoder/errors"
	"github.com/Skryldev/media-recoder/orientation"
	"github.com/Skryldev/media-recoder/utils"
)

type (
	decodeFunc func(io.Reader) (image.Image, error)
	configFunc func(io.Reader) (image.Config, error)
)

// Raster decodes one format through its standard decoder.  Subsampled
// decodes are produced by a bilinear downscale of the full-size image into an
// NRGBA buffer; only the subsampled bitmap is retained.
type Raster struct {
	format core.Format
	decode decodeFunc
	config configFunc
}

func newRaster(f core.Format, d decodeFunc, c configFunc) *Raster {
	return &Raster{format: f, decode: d, config: c}
}

func (r *Raster) op(stage string) string { return string(r.format) + "." + stage }

func (r *Raster) CanDecode(f core.Format) bool { return f == r.format }

// DecodeConfig reads the header only.
func (r *Raster) DecodeConfig(ctx context.Context, data []byte) (core.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return core.Metadata{}, apperrors.Wrap(apperrors.CategoryDecode, r.op("config"), err)
	}
	if len(data) == 0 {
		return core.Metadata{}, apperrors.New(apperrors.CategoryDecode, r.op("config"), apperrors.ErrEmptyInput)
	}
	cfg, err := r.config(bytes.NewReader(data))
	if err != nil {
		return core.Metadata{}, apperrors.Wrap(apperrors.CategoryDecode, r.op("config"), err)
	}
	return core.Metadata{
		Width:       cfg.Width,
		Height:      cfg.Height,
		Format:      r.format,
		Frames:      1,
		Orientation: orientation.Read(data),
		SizeBytes:   int64(len(data)),
	}, nil
}

// Decode returns a RasterBitmap with each axis divided by opts.Subsample.
// The stdlib codecs cannot decode at reduced size, so the full-resolution
// image is held briefly before subsampling; opts.MaxBitmapBytes bounds only
// the returned bitmap.  Use the vips backend to bound decode memory.
func (r *Raster) Decode(ctx context.Context, data []byte, opts core.DecodeOptions) (core.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, r.op("decode"), err)
	}
	meta, err := r.DecodeConfig(ctx, data)
	if err != nil {
		return nil, err
	}
	w := utils.SubsampledSize(meta.Width, opts.Subsample)
	h := utils.SubsampledSize(meta.Height, opts.Subsample)
	if opts.MaxBitmapBytes > 0 && core.BitmapBytes(w, h) > opts.MaxBitmapBytes {
		return nil, apperrors.OutOfMemory(r.op("decode"),
			fmt.Errorf("%dx%d bitmap exceeds %d bytes", w, h, opts.MaxBitmapBytes))
	}

	img, err := r.decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, r.op("decode"), err)
	}
	if w == img.Bounds().Dx() && h == img.Bounds().Dy() {
		return core.NewRasterBitmap(img), nil
	}
	return core.NewRasterBitmap(Subsample(img, w, h)), nil
}

// Subsample scales src into a fresh w×h NRGBA image.
func Subsample(src image.Image, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// RegisterAll installs every decoder in this package into reg.
func RegisterAll(reg core.Registry) {
	for _, d := range []*Raster{NewJPEG(), NewPNG(), NewGIF(), NewWebP(), NewBMP(), NewTIFF()} {
		reg.RegisterDecoder(d.format, d)
	}
}

var _ core.Decoder = (*Raster)(nil)
