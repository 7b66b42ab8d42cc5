package decoder

import (
	"image/jpeg"

	"github.com/Skryldev/media-recoder/core"
)

// NewJPEG returns a JPEG decoder backed by the standard library.  The EXIF
// orientation is reported in metadata but not applied to pixels.
func NewJPEG() *Raster { return newRaster(core.FormatJPEG, jpeg.Decode, jpeg.DecodeConfig) }
