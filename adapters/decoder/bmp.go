package decoder

import (
	"golang.org/x/image/bmp"

	"github.com/Skryldev/media-recoder/core"
)

// NewBMP returns a BMP decoder backed by golang.org/x/image/bmp.
func NewBMP() *Raster { return newRaster(core.FormatBMP, bmp.Decode, bmp.DecodeConfig) }
