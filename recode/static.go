// Package recode implements the adaptive recompression loops: a capacity
// estimate up front, then repeated decode, transform and encode attempts
// steered by Policy until the output fits its byte budget.
package recode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Skryldev/media-recoder/config"
	"github.com/Skryldev/media-recoder/core"
	apperrors "github.com/Skryldev/media-recoder/errors"
	"github.com/Skryldev/media-recoder/orientation"
	"github.com/Skryldev/media-recoder/utils"
)

// ProbeFunc reads image metadata without decoding pixels.
type ProbeFunc func(ctx context.Context, data []byte) (core.Metadata, error)

// Source is an immutable encoded image.  Its format, orientation and
// metadata are derived on first use and cached.
type Source struct {
	data []byte

	sniffOnce sync.Once
	format    core.Format
	transform orientation.Transform

	metaOnce sync.Once
	meta     core.Metadata
	metaErr  error
}

// NewSource wraps data.  The slice must not be modified afterwards.
func NewSource(data []byte) *Source { return &Source{data: data} }

func (s *Source) Bytes() []byte { return s.data }
func (s *Source) Len() int      { return len(s.data) }

func (s *Source) sniff() {
	s.sniffOnce.Do(func() {
		s.format = core.Format(utils.DetectFormat(s.data))
		s.transform = orientation.Resolve(s.data)
	})
}

// Format is the sniffed container format.
func (s *Source) Format() core.Format {
	s.sniff()
	return s.format
}

// Transform is the orientation correction the source asks for.
func (s *Source) Transform() orientation.Transform {
	s.sniff()
	return s.transform
}

// Metadata probes the source once.  Later calls return the cached result
// regardless of probe.
func (s *Source) Metadata(ctx context.Context, probe ProbeFunc) (core.Metadata, error) {
	s.metaOnce.Do(func() {
		s.meta, s.metaErr = probe(ctx, s.data)
		if s.metaErr == nil {
			s.meta.SizeBytes = int64(len(s.data))
		}
	})
	return s.meta, s.metaErr
}

// Budget is the immutable per-image constraint set.
type Budget struct {
	ByteLimit    int
	WidthLimit   int // 0 = unconstrained
	HeightLimit  int // 0 = unconstrained
	MaxAttempts  int // 0 = configured default
	StartQuality int // 0 = policy start quality

	// WorkingMemoryBytes is this session's share of working memory.  0
	// means the recoder's configured budget.
	WorkingMemoryBytes int64
}

// memory returns the session's working-memory budget.
func (b Budget) memory(def int64) int64 {
	if b.WorkingMemoryBytes > 0 {
		return b.WorkingMemoryBytes
	}
	return def
}

func (b Budget) withinPixels(w, h int) bool {
	return (b.WidthLimit <= 0 || w <= b.WidthLimit) && (b.HeightLimit <= 0 || h <= b.HeightLimit)
}

// Result is the outcome of one recode session.  On failure it still carries
// the smallest bytes produced, flagged BestEffort.
type Result struct {
	Data        []byte
	Format      core.Format
	Width       int
	Height      int
	Quality     int
	ScaleFactor float64
	Subsample   int
	Unchanged   bool
	BestEffort  bool
	Attempts    []core.Attempt
	Duration    time.Duration
}

// Size is len(Data).
func (r *Result) Size() int {
	if r == nil {
		return 0
	}
	return len(r.Data)
}

// observer fans attempt events out to hooks, metrics and the logger.
type observer struct {
	logger  core.Logger
	metrics core.MetricsCollector
	hooks   []core.Hook
}

func (o *observer) before(ctx context.Context, a core.Attempt) {
	for _, h := range o.hooks {
		h.BeforeAttempt(ctx, a)
	}
}

func (o *observer) after(ctx context.Context, a core.Attempt, d time.Duration, err error) {
	for _, h := range o.hooks {
		h.AfterAttempt(ctx, a, d, err)
	}
	if o.metrics != nil {
		o.metrics.RecordProcessingTime(string(a.Kind)+".attempt", d)
		if a.Size > 0 {
			o.metrics.RecordThroughput(int64(a.Size))
		}
		if err != nil {
			o.metrics.RecordError(string(a.Kind)+".attempt", errorCategory(err))
		}
	}
}

func (o *observer) outcome(kind core.SessionKind, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordOutcome(kind, outcome)
	}
}

func errorCategory(err error) string {
	for _, c := range []apperrors.Category{
		apperrors.CategoryTransient, apperrors.CategoryDecode, apperrors.CategoryEncode,
		apperrors.CategoryBudget, apperrors.CategoryInput,
	} {
		if apperrors.IsCategory(err, c) {
			return string(c)
		}
	}
	return string(apperrors.CategoryPipeline)
}

// StaticRecoder re-encodes still images as JPEG within a byte budget.  It
// is safe for concurrent use; every call owns its own buffers.
type StaticRecoder struct {
	registry           core.Registry
	policy             Policy
	cfg                config.RecodeConfig
	workingMemoryBytes int64
	obs                observer
}

// Option customizes a recoder.
type Option func(*settings)

type settings struct {
	obs    observer
	policy *Policy
}

func applyOptions(opts []Option) settings {
	s := settings{obs: observer{logger: core.NopLogger{}}}
	for _, o := range opts {
		o(&s)
	}
	if s.obs.logger == nil {
		s.obs.logger = core.NopLogger{}
	}
	return s
}

// WithLogger sets the session logger.
func WithLogger(l core.Logger) Option {
	return func(s *settings) { s.obs.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m core.MetricsCollector) Option {
	return func(s *settings) { s.obs.metrics = m }
}

// WithHooks appends attempt hooks.
func WithHooks(h ...core.Hook) Option {
	return func(s *settings) { s.obs.hooks = append(s.obs.hooks, h...) }
}

// WithPolicy replaces the policy derived from the configuration.  Only the
// static recoder uses a policy.
func WithPolicy(p Policy) Option {
	return func(s *settings) { s.policy = &p }
}

// NewStaticRecoder creates a recoder that takes its codecs from reg.
func NewStaticRecoder(reg core.Registry, cfg config.Config, opts ...Option) *StaticRecoder {
	st := applyOptions(opts)
	policy := NewPolicy(cfg.Recode)
	if st.policy != nil {
		policy = *st.policy
	}
	return &StaticRecoder{
		registry:           reg,
		policy:             policy,
		cfg:                cfg.Recode,
		workingMemoryBytes: cfg.WorkingMemoryBytes,
		obs:                st.obs,
	}
}

// maxBitmapBytes is the largest single bitmap a session with working
// memory wm may allocate.
func maxBitmapBytes(wm int64) int64 { return wm / 2 }

// Recode runs the attempt loop for src.  ctx is checked between attempts
// only.
func (r *StaticRecoder) Recode(ctx context.Context, src *Source, b Budget) (*Result, error) {
	const op = "recode.static"
	start := time.Now()

	if src == nil || src.Len() == 0 {
		return nil, apperrors.New(apperrors.CategoryInput, op, apperrors.ErrEmptyInput)
	}
	if b.ByteLimit <= 0 {
		return nil, apperrors.New(apperrors.CategoryInput, op,
			fmt.Errorf("%w: byte limit %d", apperrors.ErrInvalidDimensions, b.ByteLimit))
	}

	dec, ok := r.registry.DecoderFor(src.Format())
	if !ok {
		r.obs.outcome(core.SessionStatic, "decode_failed")
		return nil, apperrors.New(apperrors.CategoryDecode, op,
			fmt.Errorf("%w: %w: %s", apperrors.ErrDecodeFailed, apperrors.ErrUnsupportedFormat, src.Format()))
	}
	enc, ok := r.registry.EncoderFor(core.FormatJPEG)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryEncode, op,
			fmt.Errorf("%w: no jpeg encoder registered", apperrors.ErrUnsupportedFormat))
	}

	meta, err := src.Metadata(ctx, dec.DecodeConfig)
	if err != nil {
		r.obs.outcome(core.SessionStatic, "decode_failed")
		return nil, apperrors.New(apperrors.CategoryDecode, op,
			fmt.Errorf("%w: %v", apperrors.ErrDecodeFailed, err))
	}
	tr := src.Transform()
	ow, oh := tr.OrientedSize(meta.Width, meta.Height)

	if src.Format() == core.FormatJPEG && src.Len() <= b.ByteLimit && tr.IsIdentity() && b.withinPixels(ow, oh) {
		r.obs.logger.Debug("recode.static.unchanged", "bytes", src.Len(), "width", ow, "height", oh)
		r.obs.outcome(core.SessionStatic, "unchanged")
		return &Result{
			Data:        src.Bytes(),
			Format:      core.FormatJPEG,
			Width:       ow,
			Height:      oh,
			ScaleFactor: 1,
			Subsample:   1,
			Unchanged:   true,
			Duration:    time.Since(start),
		}, nil
	}

	subsample, err := EstimateSubsample(CapacityParams{
		Width:              ow,
		Height:             oh,
		WidthLimit:         b.WidthLimit,
		HeightLimit:        b.HeightLimit,
		ByteLimit:          b.ByteLimit,
		WorkingMemoryBytes: b.memory(r.workingMemoryBytes),
		Slop:               r.cfg.SlopFactor,
	})
	if err != nil {
		r.obs.outcome(core.SessionStatic, "budget_unreachable")
		return nil, err
	}

	maxAttempts := b.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.MaxAttempts
	}
	st := r.policy.Initial(subsample)
	if b.StartQuality > 0 {
		st.Quality = b.StartQuality
	}

	s := &staticSession{
		r:   r,
		ctx: ctx,
		src: src,
		dec: dec,
		enc: enc,
		tr:  tr,
		b:   b,

		maxBitmap: maxBitmapBytes(b.memory(r.workingMemoryBytes)),
	}
	defer s.bufs.releaseAll()

	r.obs.logger.Debug("recode.static.start",
		"width", ow, "height", oh, "bytes", src.Len(),
		"byte_limit", b.ByteLimit, "subsample", subsample, "max_attempts", maxAttempts,
	)

	res := &Result{Format: core.FormatJPEG}
	for n := 1; n <= maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			res.finish(st, start, true)
			return res, apperrors.Wrap(apperrors.CategoryPipeline, op, err)
		}

		att := core.Attempt{
			Kind:        core.SessionStatic,
			Number:      n,
			Quality:     st.Quality,
			ScaleFactor: st.ScaleFactor,
			Subsample:   st.Subsample,
			ByteLimit:   b.ByteLimit,
		}
		r.obs.before(ctx, att)
		t := time.Now()

		out, attErr := s.attempt(&st)
		att.ScaleFactor = st.ScaleFactor
		att.Size = len(out)
		if s.bufs.scaled != nil {
			att.Width, att.Height = s.bufs.scaled.Width(), s.bufs.scaled.Height()
		}

		if attErr != nil && !apperrors.IsOutOfMemory(attErr) {
			r.obs.after(ctx, att, time.Since(t), attErr)
			res.Attempts = append(res.Attempts, att)
			res.finish(st, start, true)
			r.obs.logger.Error("recode.static.failed", "attempt", n, "error", attErr.Error())
			r.obs.outcome(core.SessionStatic, "failed")
			return res, attErr
		}

		if att.Fits() {
			r.obs.after(ctx, att, time.Since(t), nil)
			res.Attempts = append(res.Attempts, att)
			res.Data = out
			res.Width, res.Height = att.Width, att.Height
			res.finish(st, start, false)
			r.obs.logger.Info("recode.static.fit",
				"attempt", n, "bytes", len(out), "byte_limit", b.ByteLimit,
				"quality", st.Quality, "scale", st.ScaleFactor, "subsample", st.Subsample,
			)
			r.obs.outcome(core.SessionStatic, "fit")
			return res, nil
		}

		if len(out) > 0 && (res.Data == nil || len(out) < len(res.Data)) {
			res.Data = out
			res.Width, res.Height = att.Width, att.Height
		}

		next, action := r.policy.Next(st, Outcome{Size: len(out), ByteLimit: b.ByteLimit})
		att.Action = action.String()
		r.obs.after(ctx, att, time.Since(t), attErr)
		res.Attempts = append(res.Attempts, att)

		r.obs.logger.Debug("recode.static.attempt",
			"attempt", n, "bytes", len(out), "byte_limit", b.ByteLimit,
			"quality", att.Quality, "scale", att.ScaleFactor, "subsample", att.Subsample,
			"action", att.Action,
		)
		if action == GiveUp {
			break
		}
		s.bufs.apply(action)
		st = next
	}

	res.finish(st, start, true)
	r.obs.logger.Warn("recode.static.exhausted",
		"attempts", len(res.Attempts), "best_bytes", len(res.Data), "byte_limit", b.ByteLimit)
	r.obs.outcome(core.SessionStatic, "exhausted")
	return res, apperrors.New(apperrors.CategoryBudget, op,
		fmt.Errorf("%w after %d attempts", apperrors.ErrAttemptsExhausted, len(res.Attempts)))
}

func (r *Result) finish(st State, start time.Time, bestEffort bool) {
	r.Quality = st.Quality
	r.ScaleFactor = st.ScaleFactor
	r.Subsample = st.Subsample
	r.BestEffort = bestEffort
	r.Duration = time.Since(start)
}

// staticSession is the per-call state of StaticRecoder.Recode.
type staticSession struct {
	r    *StaticRecoder
	ctx  context.Context
	src  *Source
	dec  core.Decoder
	enc  core.Encoder
	tr   orientation.Transform
	b    Budget
	bufs buffers

	maxBitmap int64
}

// attempt performs one decode, transform and encode round.  An out-of-memory
// error in any stage comes back with no bytes so the policy can retry.
func (s *staticSession) attempt(st *State) ([]byte, error) {
	limit := s.maxBitmap

	if s.bufs.decoded == nil {
		bm, err := s.dec.Decode(s.ctx, s.src.Bytes(), core.DecodeOptions{
			Subsample:      st.Subsample,
			MaxBitmapBytes: limit,
		})
		if err != nil {
			if apperrors.IsOutOfMemory(err) {
				return nil, err
			}
			return nil, apperrors.New(apperrors.CategoryDecode, "recode.decode",
				fmt.Errorf("%w: %v", apperrors.ErrDecodeFailed, err))
		}
		s.bufs.setDecoded(bm)
	}

	if s.bufs.scaled == nil {
		ow, oh := s.tr.OrientedSize(s.bufs.decoded.Width(), s.bufs.decoded.Height())
		st.ScaleFactor = math.Max(st.ScaleFactor, minScaleFactor(ow, oh, s.b.WidthLimit, s.b.HeightLimit))

		if st.ScaleFactor > 1 || !s.tr.IsIdentity() {
			tf := s.r.registry.Transformer()
			if tf == nil {
				return nil, apperrors.New(apperrors.CategoryPipeline, "recode.transform",
					errors.New("no transformer registered"))
			}
			bm, err := tf.Transform(s.ctx, s.bufs.decoded, core.TransformOptions{
				Orientation:    s.tr,
				ScaleFactor:    st.ScaleFactor,
				MaxBitmapBytes: limit,
			})
			if err != nil {
				if apperrors.IsOutOfMemory(err) {
					return nil, err
				}
				return nil, apperrors.Wrap(apperrors.CategoryPipeline, "recode.transform", err)
			}
			s.bufs.setScaled(bm)
		} else {
			s.bufs.aliasScaled()
		}
	}

	var (
		out []byte
		err error
	)
	for i := 0; i <= s.r.cfg.EncodeRetries; i++ {
		out, err = s.enc.Encode(s.ctx, s.bufs.scaled, core.EncodeOptions{Quality: st.Quality})
		if err == nil || !apperrors.IsOutOfMemory(err) {
			break
		}
		s.r.obs.logger.Warn("recode.encode.oom", "retry", i+1, "quality", st.Quality)
	}
	if err != nil {
		if apperrors.IsOutOfMemory(err) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "recode.encode", err)
	}
	return out, nil
}

// minScaleFactor is the scale needed to bring (w, h) inside the limits.  A
// zero limit contributes 1.
func minScaleFactor(w, h, wLimit, hLimit int) float64 {
	f := 1.0
	if wLimit > 0 && w > wLimit {
		f = math.Max(f, float64(w)/float64(wLimit))
	}
	if hLimit > 0 && h > hLimit {
		f = math.Max(f, float64(h)/float64(hLimit))
	}
	return f
}
