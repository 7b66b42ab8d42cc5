package decoder

import (
	"image/png"

	"github.com/Skryldev/media-recoder/core"
)

// NewPNG returns a PNG decoder backed by the standard library.
func NewPNG() *Raster { return newRaster(core.FormatPNG, png.Decode, png.DecodeConfig) }
