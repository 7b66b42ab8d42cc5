package utils

import (
	"math"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	formatJPEG    = "jpeg"
	formatPNG     = "png"
	formatGIF     = "gif"
	formatWebP    = "webp"
	formatBMP     = "bmp"
	formatTIFF    = "tiff"
	formatUnknown = "unknown"
)

// DetectFormat sniffs the leading bytes of data and returns the image format.
func DetectFormat(data []byte) string {
	if len(data) < 4 {
		return formatUnknown
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return formatJPEG
	}
	// PNG: 89 50 4E 47
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return formatPNG
	}
	// GIF: "GIF87a" / "GIF89a"
	if len(data) >= 6 && (string(data[:6]) == "GIF87a" || string(data[:6]) == "GIF89a") {
		return formatGIF
	}
	// WebP: RIFF....WEBP
	if len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
		return formatWebP
	}
	// Fallback to content sniffing.
	return FormatFromMIME(DetectMIME(data))
}

// DetectMIME returns the sniffed MIME type of data without parameters.
func DetectMIME(data []byte) string {
	mt := mimetype.Detect(data).String()
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}

// FormatFromMIME maps an image MIME type to a format name.
func FormatFromMIME(mt string) string {
	switch mt {
	case "image/jpeg":
		return formatJPEG
	case "image/png":
		return formatPNG
	case "image/gif":
		return formatGIF
	case "image/webp":
		return formatWebP
	case "image/bmp", "image/x-ms-bmp":
		return formatBMP
	case "image/tiff":
		return formatTIFF
	}
	return formatUnknown
}

// FitDimensions scales (srcW, srcH) down to fit within (maxW, maxH) keeping
// the aspect ratio.  A zero limit leaves that axis unconstrained.  Sizes
// already inside the box are returned unchanged and each axis is at least 1.
func FitDimensions(srcW, srcH, maxW, maxH int) (int, int) {
	if srcW <= 0 || srcH <= 0 {
		return srcW, srcH
	}
	ratio := 1.0
	if maxW > 0 && srcW > maxW {
		ratio = math.Min(ratio, float64(maxW)/float64(srcW))
	}
	if maxH > 0 && srcH > maxH {
		ratio = math.Min(ratio, float64(maxH)/float64(srcH))
	}
	if ratio >= 1 {
		return srcW, srcH
	}
	w := int(math.Max(1, math.Floor(float64(srcW)*ratio)))
	h := int(math.Max(1, math.Floor(float64(srcH)*ratio)))
	return w, h
}

// SubsampledSize is the length of an axis of n pixels decoded at factor f.
func SubsampledSize(n, f int) int {
	if f <= 1 {
		return n
	}
	return (n + f - 1) / f
}

// ScaledSize is the length of an axis of n pixels divided by scale, at least 1.
func ScaledSize(n int, scale float64) int {
	if scale <= 1 {
		return n
	}
	return int(math.Max(1, math.Round(float64(n)/scale)))
}

// CloneBytes returns a copy of b (safe for use after the source buffer is released).
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

