package recode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Skryldev/media-recoder/config"
	"github.com/Skryldev/media-recoder/core"
	apperrors "github.com/Skryldev/media-recoder/errors"
	"github.com/Skryldev/media-recoder/utils"
)

// oomShrink scales both axes after a resize ran out of memory and left no
// size to estimate from.
const oomShrink = 0.75

// AnimatedRecoder shrinks animated GIFs until they fit a byte budget.  Pixel
// dimensions are the only lever; every attempt starts again from the
// original bytes.
type AnimatedRecoder struct {
	registry core.Registry
	cfg      config.AnimatedConfig
	obs      observer
}

// NewAnimatedRecoder creates a recoder that uses the registry's
// AnimationResizer.
func NewAnimatedRecoder(reg core.Registry, cfg config.Config, opts ...Option) *AnimatedRecoder {
	return &AnimatedRecoder{registry: reg, cfg: cfg.Animated, obs: applyOptions(opts).obs}
}

// Recode runs the GIF attempt loop.
func (r *AnimatedRecoder) Recode(ctx context.Context, src *Source, b Budget) (*Result, error) {
	const op = "recode.animated"
	start := time.Now()

	if src == nil || src.Len() == 0 {
		return nil, apperrors.New(apperrors.CategoryInput, op, apperrors.ErrEmptyInput)
	}
	if b.ByteLimit <= 0 {
		return nil, apperrors.New(apperrors.CategoryInput, op,
			fmt.Errorf("%w: byte limit %d", apperrors.ErrInvalidDimensions, b.ByteLimit))
	}
	rs := r.registry.AnimationResizer()
	if rs == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, op, errors.New("no animation resizer registered"))
	}

	meta, err := src.Metadata(ctx, rs.Probe)
	if err != nil {
		r.obs.outcome(core.SessionAnimated, "decode_failed")
		return nil, apperrors.New(apperrors.CategoryDecode, op,
			fmt.Errorf("%w: %v", apperrors.ErrDecodeFailed, err))
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, apperrors.New(apperrors.CategoryDecode, op,
			fmt.Errorf("%w: %w", apperrors.ErrDecodeFailed, apperrors.ErrInvalidDimensions))
	}

	if src.Len() <= b.ByteLimit && b.withinPixels(meta.Width, meta.Height) {
		r.obs.outcome(core.SessionAnimated, "unchanged")
		return &Result{
			Data:        src.Bytes(),
			Format:      core.FormatGIF,
			Width:       meta.Width,
			Height:      meta.Height,
			ScaleFactor: 1,
			Subsample:   1,
			Unchanged:   true,
			Duration:    time.Since(start),
		}, nil
	}

	maxAttempts := b.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.MaxAttempts
	}
	w, h := r.firstTarget(meta, src.Len(), b)
	maxBitmap := maxBitmapBytes(b.WorkingMemoryBytes)

	r.obs.logger.Debug("recode.animated.start",
		"width", meta.Width, "height", meta.Height, "frames", meta.Frames,
		"bytes", src.Len(), "byte_limit", b.ByteLimit, "target_width", w, "target_height", h,
	)

	res := &Result{Format: core.FormatGIF, Subsample: 1}
	for n := 1; n <= maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			r.finish(res, meta, start, true)
			return res, apperrors.Wrap(apperrors.CategoryPipeline, op, err)
		}

		att := core.Attempt{
			Kind:        core.SessionAnimated,
			Number:      n,
			ScaleFactor: float64(meta.Width) / float64(w),
			Subsample:   1,
			Width:       w,
			Height:      h,
			ByteLimit:   b.ByteLimit,
		}
		r.obs.before(ctx, att)
		t := time.Now()

		var (
			out    []byte
			attErr error
		)
		if need := core.BitmapBytes(max(meta.Width, w), max(meta.Height, h)); maxBitmap > 0 && need > maxBitmap {
			attErr = apperrors.OutOfMemory(op, fmt.Errorf("%dx%d canvas exceeds %d bytes", w, h, maxBitmap))
		} else {
			out, attErr = rs.Resize(ctx, src.Bytes(), w, h)
		}
		att.Size = len(out)
		if attErr != nil && !apperrors.IsOutOfMemory(attErr) {
			attErr = apperrors.New(apperrors.CategoryDecode, op, fmt.Errorf("%w: %v", apperrors.ErrDecodeFailed, attErr))
			r.obs.after(ctx, att, time.Since(t), attErr)
			res.Attempts = append(res.Attempts, att)
			r.finish(res, meta, start, true)
			r.obs.outcome(core.SessionAnimated, "failed")
			return res, attErr
		}

		r.obs.logger.Info("recode.animated.attempt",
			"attempt", n, "width", w, "height", h, "bytes", len(out), "byte_limit", b.ByteLimit)

		if att.Fits() {
			r.obs.after(ctx, att, time.Since(t), nil)
			res.Attempts = append(res.Attempts, att)
			res.Data, res.Width, res.Height = out, w, h
			r.finish(res, meta, start, false)
			r.obs.outcome(core.SessionAnimated, "fit")
			return res, nil
		}
		if len(out) > 0 && (res.Data == nil || len(out) < len(res.Data)) {
			res.Data, res.Width, res.Height = out, w, h
		}

		nw, nh := r.nextTarget(w, h, len(out), b.ByteLimit)
		if nw == w && nh == h {
			att.Action = GiveUp.String()
			r.obs.after(ctx, att, time.Since(t), attErr)
			res.Attempts = append(res.Attempts, att)
			break
		}
		att.Action = ReduceScale.String()
		r.obs.after(ctx, att, time.Since(t), attErr)
		res.Attempts = append(res.Attempts, att)
		w, h = nw, nh
	}

	r.finish(res, meta, start, true)
	r.obs.logger.Warn("recode.animated.exhausted",
		"attempts", len(res.Attempts), "best_bytes", len(res.Data), "byte_limit", b.ByteLimit)
	r.obs.outcome(core.SessionAnimated, "exhausted")
	return res, apperrors.New(apperrors.CategoryBudget, op,
		fmt.Errorf("%w after %d attempts", apperrors.ErrAttemptsExhausted, len(res.Attempts)))
}

// firstTarget fits the source into the pixel limits, then shrinks it by
// the byte ratio the fitted canvas is expected to reach.  The expected size
// scales the source size by the fitted share of its area.
func (r *AnimatedRecoder) firstTarget(meta core.Metadata, size int, b Budget) (int, int) {
	w, h := utils.FitDimensions(meta.Width, meta.Height, b.WidthLimit, b.HeightLimit)
	area := float64(w) * float64(h) / (float64(meta.Width) * float64(meta.Height))
	expected := int(float64(size) * area)
	if expected <= b.ByteLimit {
		return w, h
	}
	return r.nextTarget(w, h, expected, b.ByteLimit)
}

// nextTarget scales (w, h) by sqrt(limit/size * TargetRatio).  Each axis
// stays at least 1px.
func (r *AnimatedRecoder) nextTarget(w, h, size, limit int) (int, int) {
	scale := oomShrink
	if size > 0 {
		ratio := r.cfg.TargetRatio
		if ratio <= 0 {
			ratio = 0.95
		}
		scale = math.Sqrt(float64(limit) / float64(size) * ratio)
	}
	nw := max(1, int(float64(w)*scale))
	nh := max(1, int(float64(h)*scale))
	return nw, nh
}

func (r *AnimatedRecoder) finish(res *Result, meta core.Metadata, start time.Time, bestEffort bool) {
	if res.Width > 0 {
		res.ScaleFactor = float64(meta.Width) / float64(res.Width)
	}
	res.BestEffort = bestEffort
	res.Duration = time.Since(start)
}
