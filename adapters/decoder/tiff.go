package decoder

import (
	"golang.org/x/image/tiff"

	"github.com/Skryldev/media-recoder/core"
)

// NewTIFF returns a TIFF decoder backed by golang.org/x/image/tiff.
func NewTIFF() *Raster { return newRaster(core.FormatTIFF, tiff.Decode, tiff.DecodeConfig) }
