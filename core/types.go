package core

import (
	"image"
	"io"
	"strings"

	"github.com/Skryldev/media-recoder/orientation"
)

// Format identifies an image codec.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
	FormatUnknown Format = "unknown"
)

// MIME returns the canonical MIME type of f.
func (f Format) MIME() string {
	if f == FormatUnknown || f == "" {
		return "application/octet-stream"
	}
	return "image/" + string(f)
}

// FormatFromMIME maps MIME types to Format values.
func FormatFromMIME(ct string) Format {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return FormatJPEG
	case "image/png":
		return FormatPNG
	case "image/gif":
		return FormatGIF
	case "image/webp":
		return FormatWebP
	case "image/bmp", "image/x-ms-bmp":
		return FormatBMP
	case "image/tiff":
		return FormatTIFF
	}
	return FormatUnknown
}

// Metadata holds image information read without decoding pixel data.
type Metadata struct {
	Width       int
	Height      int
	Format      Format
	Frames      int // 1 for still images
	Orientation orientation.Orientation
	SizeBytes   int64
}

// Bitmap is a decoded pixel buffer owned by exactly one recode session.
// Release frees it; calling any method after Release is a programming error.
type Bitmap interface {
	Width() int
	Height() int
	Release()
}

// RasterBitmap is the pure-Go Bitmap backed by an image.Image.
type RasterBitmap struct {
	img image.Image
}

// NewRasterBitmap wraps img.
func NewRasterBitmap(img image.Image) *RasterBitmap { return &RasterBitmap{img: img} }

// Image returns the wrapped image, or nil once released.
func (b *RasterBitmap) Image() image.Image { return b.img }

func (b *RasterBitmap) Width() int {
	if b.img == nil {
		return 0
	}
	return b.img.Bounds().Dx()
}

func (b *RasterBitmap) Height() int {
	if b.img == nil {
		return 0
	}
	return b.img.Bounds().Dy()
}

// Release drops the pixel reference so the GC can reclaim it.
func (b *RasterBitmap) Release() { b.img = nil }

// Released reports whether Release has been called.
func (b *RasterBitmap) Released() bool { return b.img == nil }

// BitmapBytes is the in-memory size of a w×h bitmap at 4 bytes per pixel.
func BitmapBytes(w, h int) int64 { return int64(w) * int64(h) * 4 }

// DecodeOptions carries per-call decode parameters.
type DecodeOptions struct {
	Subsample      int   // power-of-two divisor of each axis; 0 or 1 = full size
	MaxBitmapBytes int64 // 0 = unbounded; larger bitmaps fail with ErrOutOfMemory
}

// TransformOptions carries the orientation and scale applied to a bitmap.
type TransformOptions struct {
	Orientation    orientation.Transform
	ScaleFactor    float64 // >= 1; output axes are divided by it
	MaxBitmapBytes int64
}

// EncodeOptions carries format-specific encoding parameters.
type EncodeOptions struct {
	Quality int // 1-100; 0 = use encoder default
}

// Source abstracts where raw bytes come from (reader, file path, URL, etc.).
type Source struct {
	Reader      io.Reader
	ContentType string // optional hint
	Name        string // optional logical name / filename
	Size        int64  // -1 if unknown
}

// SessionKind names the recoder that produced an Attempt.
type SessionKind string

const (
	SessionStatic   SessionKind = "static"
	SessionAnimated SessionKind = "animated"
)

// Attempt describes one round of a recode session for hooks and metrics.
type Attempt struct {
	Kind        SessionKind
	Number      int // 1-based
	Quality     int
	ScaleFactor float64
	Subsample   int
	Width       int // output width of this round, when known
	Height      int
	ByteLimit   int
	Size        int    // encoded size; 0 when the round produced no bytes
	Action      string // policy decision taken after this round, if any
}

// Fits reports whether the attempt produced bytes within its limit.
func (a Attempt) Fits() bool { return a.Size > 0 && a.Size <= a.ByteLimit }
