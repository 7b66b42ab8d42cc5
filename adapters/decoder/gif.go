package decoder

import (
	"image/gif"

	"github.com/Skryldev/media-recoder/core"
)

// NewGIF returns a GIF decoder that yields the first frame.  Animated GIFs
// go through adapters/gif instead.
func NewGIF() *Raster { return newRaster(core.FormatGIF, gif.Decode, gif.DecodeConfig) }
