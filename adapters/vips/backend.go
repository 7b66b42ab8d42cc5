// Package vips provides a libvips-backed Decoder, Transformer, Encoder and
// AnimationResizer.  JPEG sources use shrink-on-load so a subsampled decode
// never materializes the full-size bitmap.
package vips

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/media-recoder/core"
	apperrors "github.com/Skryldev/media-recoder/errors"
	"github.com/Skryldev/media-recoder/orientation"
	"github.com/Skryldev/media-recoder/utils"
)

// maxJpegShrink is the largest shrink-on-load factor libjpeg supports.
const maxJpegShrink = 8

// BackendConfig configures the libvips backend.
type BackendConfig struct {
	DefaultQuality int
	MaxCacheSize   int
	MaxWorkers     int
	ReportLeaks    bool
}

// Backend is a unified libvips-powered codec.
// Safe for concurrent use across goroutines.
type Backend struct {
	cfg BackendConfig
}

// NewBackend initialises libvips and returns a ready Backend.
// Call Shutdown() when the process exits.
func NewBackend(cfg BackendConfig) *Backend {
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = 95
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	govips.Startup(&govips.Config{
		ConcurrencyLevel: cfg.MaxWorkers,
		MaxCacheSize:     cfg.MaxCacheSize,
		ReportLeaks:      cfg.ReportLeaks,
		CollectStats:     true,
	})
	return &Backend{cfg: cfg}
}

// Shutdown releases all libvips resources. Call once at process exit.
func (b *Backend) Shutdown() {
	govips.Shutdown()
}

// ─── Bitmap ───────────────────────────────────────────────────────────────────

// Bitmap wraps a *govips.ImageRef as a core.Bitmap.
type Bitmap struct {
	ref *govips.ImageRef
}

func (v *Bitmap) Width() int {
	if v.ref == nil {
		return 0
	}
	return v.ref.Width()
}

func (v *Bitmap) Height() int {
	if v.ref == nil {
		return 0
	}
	return v.ref.Height()
}

// Ref returns the underlying image, or nil once released.
func (v *Bitmap) Ref() *govips.ImageRef { return v.ref }

// Release closes the libvips image.
func (v *Bitmap) Release() {
	if v.ref != nil {
		v.ref.Close()
		v.ref = nil
	}
}

func liveRef(op string, b core.Bitmap) (*govips.ImageRef, error) {
	vb, ok := b.(*Bitmap)
	if !ok || vb == nil || vb.ref == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, op,
			fmt.Errorf("%w: expected a live vips bitmap, got %T", apperrors.ErrEmptyInput, b))
	}
	return vb.ref, nil
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

func (b *Backend) CanDecode(f core.Format) bool {
	switch f {
	case core.FormatJPEG, core.FormatPNG, core.FormatGIF, core.FormatWebP, core.FormatTIFF, core.FormatBMP:
		return true
	}
	return false
}

func (b *Backend) DecodeConfig(ctx context.Context, data []byte) (core.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return core.Metadata{}, apperrors.Wrap(apperrors.CategoryDecode, "vips.config", err)
	}
	ref, err := govips.NewImageFromBuffer(data)
	if err != nil {
		return core.Metadata{}, apperrors.Wrap(apperrors.CategoryDecode, "vips.config", err)
	}
	defer ref.Close()

	return core.Metadata{
		Width:       ref.Width(),
		Height:      ref.Height(),
		Format:      vipsFormatToCore(ref.Format()),
		Frames:      max(1, ref.Pages()),
		Orientation: orientation.Orientation(ref.Orientation()),
		SizeBytes:   int64(len(data)),
	}, nil
}

// Decode loads data at 1/opts.Subsample per axis.  JPEG shrinks on load by
// up to 8; any remaining factor is applied with a resize.
func (b *Backend) Decode(ctx context.Context, data []byte, opts core.DecodeOptions) (core.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "vips.decode", err)
	}
	meta, err := b.DecodeConfig(ctx, data)
	if err != nil {
		return nil, err
	}
	sub := max(1, opts.Subsample)
	w := utils.SubsampledSize(meta.Width, sub)
	h := utils.SubsampledSize(meta.Height, sub)
	if opts.MaxBitmapBytes > 0 && core.BitmapBytes(w, h) > opts.MaxBitmapBytes {
		return nil, apperrors.OutOfMemory("vips.decode",
			fmt.Errorf("%dx%d bitmap exceeds %d bytes", w, h, opts.MaxBitmapBytes))
	}

	params := govips.NewImportParams()
	shrink := 1
	if meta.Format == core.FormatJPEG {
		shrink = min(sub, maxJpegShrink)
		params.JpegShrinkFactor.Set(shrink)
	}
	ref, err := govips.LoadImageFromBuffer(data, params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "vips.decode", err)
	}
	if ref.Width() != w || ref.Height() != h {
		hs := float64(w) / float64(ref.Width())
		vs := float64(h) / float64(ref.Height())
		if err := ref.ResizeWithVScale(hs, vs, govips.KernelLinear); err != nil {
			ref.Close()
			return nil, vipsError("vips.decode", err)
		}
	}
	return &Bitmap{ref: ref}, nil
}

// ─── Transformer ──────────────────────────────────────────────────────────────

// Transform scales a copy of src and then rotates and mirrors it.
func (b *Backend) Transform(ctx context.Context, src core.Bitmap, opts core.TransformOptions) (core.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, "vips.transform", err)
	}
	in, err := liveRef("vips.transform", src)
	if err != nil {
		return nil, err
	}

	tr := opts.Orientation
	ow, oh := tr.OrientedSize(in.Width(), in.Height())
	w := utils.ScaledSize(ow, opts.ScaleFactor)
	h := utils.ScaledSize(oh, opts.ScaleFactor)
	if opts.MaxBitmapBytes > 0 && core.BitmapBytes(w, h) > opts.MaxBitmapBytes {
		return nil, apperrors.OutOfMemory("vips.transform",
			fmt.Errorf("%dx%d bitmap exceeds %d bytes", w, h, opts.MaxBitmapBytes))
	}

	ref, err := in.Copy()
	if err != nil {
		return nil, vipsError("vips.transform", err)
	}
	sw, sh := w, h
	if tr.Swapped {
		sw, sh = h, w
	}
	if sw != ref.Width() || sh != ref.Height() {
		hs := float64(sw) / float64(ref.Width())
		vs := float64(sh) / float64(ref.Height())
		if err := ref.ResizeWithVScale(hs, vs, govips.KernelLanczos3); err != nil {
			ref.Close()
			return nil, vipsError("vips.transform", err)
		}
	}
	if err := orient(ref, tr); err != nil {
		ref.Close()
		return nil, vipsError("vips.transform", err)
	}
	return &Bitmap{ref: ref}, nil
}

// orient rotates clockwise, then mirrors.
func orient(ref *govips.ImageRef, t orientation.Transform) error {
	switch t.Rotation {
	case 90:
		if err := ref.Rotate(govips.Angle90); err != nil {
			return err
		}
	case 180:
		if err := ref.Rotate(govips.Angle180); err != nil {
			return err
		}
	case 270:
		if err := ref.Rotate(govips.Angle270); err != nil {
			return err
		}
	}
	if t.MirrorX == -1 {
		if err := ref.Flip(govips.DirectionHorizontal); err != nil {
			return err
		}
	}
	if t.MirrorY == -1 {
		if err := ref.Flip(govips.DirectionVertical); err != nil {
			return err
		}
	}
	return nil
}

// ─── Encoder ──────────────────────────────────────────────────────────────────

func (b *Backend) CanEncode(f core.Format) bool { return f == core.FormatJPEG }

func (b *Backend) Encode(ctx context.Context, bm core.Bitmap, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "vips.encode", err)
	}
	ref, err := liveRef("vips.encode", bm)
	if err != nil {
		return nil, err
	}

	quality := opts.Quality
	if quality <= 0 {
		quality = b.cfg.DefaultQuality
	}
	ep := govips.NewJpegExportParams()
	ep.Quality = quality
	ep.StripMetadata = true
	buf, _, err := ref.ExportJpeg(ep)
	if err != nil {
		return nil, vipsError("vips.encode.jpeg", err)
	}
	return buf, nil
}

// ─── AnimationResizer ─────────────────────────────────────────────────────────

func (b *Backend) Probe(ctx context.Context, data []byte) (core.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return core.Metadata{}, apperrors.Wrap(apperrors.CategoryDecode, "vips.probe", err)
	}
	ref, err := loadAnimated(data)
	if err != nil {
		return core.Metadata{}, apperrors.Wrap(apperrors.CategoryDecode, "vips.probe", err)
	}
	defer ref.Close()
	return core.Metadata{
		Width:     ref.Width(),
		Height:    ref.PageHeight(),
		Format:    core.FormatGIF,
		Frames:    max(1, ref.Pages()),
		SizeBytes: int64(len(data)),
	}, nil
}

// Resize loads every page of data, scales the page strip to width×height
// per page and exports it as GIF.
func (b *Backend) Resize(ctx context.Context, data []byte, width, height int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, "vips.resize", err)
	}
	ref, err := loadAnimated(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "vips.resize", err)
	}
	defer ref.Close()

	pageH := ref.PageHeight()
	if pageH <= 0 {
		pageH = ref.Height()
	}
	hs := float64(width) / float64(ref.Width())
	vs := float64(height) / float64(pageH)
	if err := ref.ResizeWithVScale(hs, vs, govips.KernelNearest); err != nil {
		return nil, vipsError("vips.resize", err)
	}
	if ref.Pages() > 1 {
		if err := ref.SetPageHeight(height); err != nil {
			return nil, vipsError("vips.resize", err)
		}
	}
	buf, _, err := ref.ExportGIF(govips.NewGifExportParams())
	if err != nil {
		return nil, vipsError("vips.encode.gif", err)
	}
	return buf, nil
}

func loadAnimated(data []byte) (*govips.ImageRef, error) {
	params := govips.NewImportParams()
	params.NumPages.Set(-1)
	return govips.LoadImageFromBuffer(data, params)
}

// ─── RegisterVipsBackend ──────────────────────────────────────────────────────

// RegisterVipsBackend replaces the pure-Go codecs with libvips for every
// stage of both recoders.
func RegisterVipsBackend(reg core.Registry, b *Backend) {
	for _, f := range []core.Format{core.FormatJPEG, core.FormatPNG, core.FormatGIF, core.FormatWebP, core.FormatTIFF, core.FormatBMP} {
		reg.RegisterDecoder(f, b)
	}
	reg.RegisterEncoder(core.FormatJPEG, b)
	reg.SetTransformer(b)
	reg.SetAnimationResizer(b)
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// vipsError classifies a libvips failure.  Allocation failures surface as
// plain error strings and become retryable out-of-memory errors.
func vipsError(op string, err error) error {
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "out of memory") {
		return apperrors.OutOfMemory(op, err)
	}
	return apperrors.Wrap(apperrors.CategoryPipeline, op, err)
}

func vipsFormatToCore(f govips.ImageType) core.Format {
	switch f {
	case govips.ImageTypeJPEG:
		return core.FormatJPEG
	case govips.ImageTypePNG:
		return core.FormatPNG
	case govips.ImageTypeGIF:
		return core.FormatGIF
	case govips.ImageTypeWEBP:
		return core.FormatWebP
	case govips.ImageTypeTIFF:
		return core.FormatTIFF
	case govips.ImageTypeBMP:
		return core.FormatBMP
	default:
		return core.FormatUnknown
	}
}

// compile-time interface checks
var (
	_ core.Decoder          = (*Backend)(nil)
	_ core.Encoder          = (*Backend)(nil)
	_ core.Transformer      = (*Backend)(nil)
	_ core.AnimationResizer = (*Backend)(nil)
	_ core.Bitmap           = (*Bitmap)(nil)
)
