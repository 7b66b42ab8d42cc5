package recode

import (
	"fmt"
	"math"

	apperrors "github.com/Skryldev/media-recoder/errors"
	"github.com/Skryldev/media-recoder/utils"
)

// MaxSubsample is the largest decode subsample factor the engine will use.
// Later stages may double the factor once more, so it stays well below
// math.MaxInt32.
const MaxSubsample = math.MaxInt32 / 4

// DefaultSlop lets a decoded bitmap exceed its limits by this ratio before a
// coarser subsample is forced.
const DefaultSlop = 1.5

// CapacityParams describes a source and the budget it must be squeezed into.
type CapacityParams struct {
	Width, Height           int
	WidthLimit, HeightLimit int // 0 = unconstrained
	ByteLimit               int
	WorkingMemoryBytes      int64
	Slop                    float64 // 0 = DefaultSlop
}

// pixelLimit is min(workingMemory/8, byteLimit*8*S²).  Working memory is
// divided by 8 to hold one 4-byte decode buffer plus a scaled copy; the byte
// term assumes the encoder reaches at least one bit per pixel.
func (p CapacityParams) pixelLimit(slop float64) float64 {
	byBytes := float64(p.ByteLimit) * 8 * slop * slop
	if p.WorkingMemoryBytes <= 0 {
		return byBytes
	}
	return math.Min(float64(p.WorkingMemoryBytes)/8, byBytes)
}

// EstimateSubsample returns the smallest power-of-two factor whose decoded
// dimensions satisfy the width, height and pixel-count limits.
func EstimateSubsample(p CapacityParams) (int, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return 0, apperrors.New(apperrors.CategoryInput, "recode.estimate",
			fmt.Errorf("%w: %dx%d", apperrors.ErrInvalidDimensions, p.Width, p.Height))
	}
	slop := p.Slop
	if slop <= 0 {
		slop = DefaultSlop
	}
	limit := p.pixelLimit(slop)

	for f := 1; f <= MaxSubsample; f *= 2 {
		w := utils.SubsampledSize(p.Width, f)
		h := utils.SubsampledSize(p.Height, f)
		if fitsCapacity(w, h, p.WidthLimit, p.HeightLimit, slop, limit) {
			return f, nil
		}
	}
	return 0, apperrors.New(apperrors.CategoryBudget, "recode.estimate",
		fmt.Errorf("%w: %dx%d into %d bytes", apperrors.ErrBudgetUnreachable, p.Width, p.Height, p.ByteLimit))
}

func fitsCapacity(w, h, wLimit, hLimit int, slop, pixelLimit float64) bool {
	if hLimit > 0 && float64(h) >= float64(hLimit)*slop {
		return false
	}
	if wLimit > 0 && float64(w) >= float64(wLimit)*slop {
		return false
	}
	return float64(w)*float64(h) < pixelLimit
}
