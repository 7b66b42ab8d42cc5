package decoder

import (
	"golang.org/x/image/webp"

	"github.com/Skryldev/media-recoder/core"
)

// NewWebP returns a WebP decoder backed by golang.org/x/image/webp.
// Animated WebP decodes to its first frame.
func NewWebP() *Raster { return newRaster(core.FormatWebP, webp.Decode, webp.DecodeConfig) }
