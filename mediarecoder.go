// Package mediarecoder re-encodes images and animated GIFs to fit hard byte
// budgets, and splits a transport envelope's budget among its attachments.
package mediarecoder

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Skryldev/media-recoder/adapters/decoder"
	"github.com/Skryldev/media-recoder/adapters/encoder"
	gifresize "github.com/Skryldev/media-recoder/adapters/gif"
	"github.com/Skryldev/media-recoder/adapters/transform"
	"github.com/Skryldev/media-recoder/adapters/vips"
	"github.com/Skryldev/media-recoder/allocate"
	"github.com/Skryldev/media-recoder/config"
	"github.com/Skryldev/media-recoder/core"
	apperrors "github.com/Skryldev/media-recoder/errors"
	"github.com/Skryldev/media-recoder/recode"
	"github.com/Skryldev/media-recoder/utils"
)

// Default call parameters.
const (
	DefaultStartQuality = 95
	DefaultMaxAttempts  = 6
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Recoder is the primary entry point.  It is safe for concurrent use.
type Recoder struct {
	cfg config.Config
	reg *core.DefaultRegistry

	mu      sync.RWMutex
	logger  core.Logger
	metrics core.MetricsCollector
	hooks   []core.Hook

	// Worker pool.
	jobQueue chan Job
	wg       sync.WaitGroup
	start    sync.Once
	stop     sync.Once
	shutdown chan struct{}

	processedCount int64
	errorCount     int64
}

// New creates a Recoder with the pure-Go codecs registered: decoders for
// JPEG, PNG, GIF, WebP, BMP and TIFF, a JPEG encoder, an imaging-based
// transformer and a frame-by-frame GIF resizer.
func New(cfg config.Config) *Recoder {
	reg := core.NewRegistry()
	decoder.RegisterAll(reg)
	reg.RegisterEncoder(core.FormatJPEG, encoder.NewJPEG(cfg.Recode.StartQuality))
	reg.SetTransformer(transform.New())
	reg.SetAnimationResizer(gifresize.New(cfg.WorkingMemoryBytes / 2))

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Recoder{
		cfg:      cfg,
		reg:      reg,
		logger:   core.NopLogger{},
		jobQueue: make(chan Job, queueSize),
		shutdown: make(chan struct{}),
	}
}

// UseVips routes decode, transform, encode and GIF resizing through libvips.
func (r *Recoder) UseVips(b *vips.Backend) { vips.RegisterVipsBackend(r.reg, b) }

// Registry returns the codec registry so callers can swap implementations.
func (r *Recoder) Registry() *core.DefaultRegistry { return r.reg }

// Config returns the configuration the Recoder was built with.
func (r *Recoder) Config() config.Config { return r.cfg }

// SetLogger attaches a structured logger.
func (r *Recoder) SetLogger(l core.Logger) {
	if l == nil {
		l = core.NopLogger{}
	}
	r.mu.Lock()
	r.logger = l
	r.mu.Unlock()
}

// SetMetrics attaches a metrics collector.
func (r *Recoder) SetMetrics(m core.MetricsCollector) {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
}

// AddHook registers an observer for recode attempts.
func (r *Recoder) AddHook(h core.Hook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

func (r *Recoder) observers() []recode.Option {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opts := []recode.Option{recode.WithLogger(r.logger), recode.WithHooks(r.hooks...)}
	if r.metrics != nil {
		opts = append(opts, recode.WithMetrics(r.metrics))
	}
	return opts
}

func (r *Recoder) currentLogger() core.Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logger
}

func (r *Recoder) staticRecoder() *recode.StaticRecoder {
	return recode.NewStaticRecoder(r.reg, r.cfg, r.observers()...)
}

func (r *Recoder) animatedRecoder() *recode.AnimatedRecoder {
	return recode.NewAnimatedRecoder(r.reg, r.cfg, r.observers()...)
}

// ── Call options ──────────────────────────────────────────────────────────────

// Option adjusts a single recode call.
type Option func(*callOptions)

type callOptions struct {
	startQuality int
	maxAttempts  int
}

// WithStartQuality sets the JPEG quality of the first attempt.
func WithStartQuality(q int) Option { return func(o *callOptions) { o.startQuality = q } }

// WithMaxAttempts bounds the attempt loop.
func WithMaxAttempts(n int) Option { return func(o *callOptions) { o.maxAttempts = n } }

func budget(wLimit, hLimit, byteLimit int, opts []Option) recode.Budget {
	o := callOptions{startQuality: DefaultStartQuality, maxAttempts: DefaultMaxAttempts}
	for _, fn := range opts {
		fn(&o)
	}
	return recode.Budget{
		ByteLimit:    byteLimit,
		WidthLimit:   wLimit,
		HeightLimit:  hLimit,
		MaxAttempts:  o.maxAttempts,
		StartQuality: o.startQuality,
	}
}

// ── Synchronous API ───────────────────────────────────────────────────────────

// RecodeStaticImage re-encodes src as a JPEG no larger than byteLimit bytes
// and no larger than wLimit×hLimit pixels (0 = unconstrained).  On failure
// the smallest output produced, if any, is returned with the error.
func (r *Recoder) RecodeStaticImage(ctx context.Context, src []byte, wLimit, hLimit, byteLimit int, opts ...Option) ([]byte, error) {
	res, err := r.RecodeStaticDetailed(ctx, src, wLimit, hLimit, byteLimit, opts...)
	return res.Data, err
}

// RecodeStaticDetailed is RecodeStaticImage returning the full session
// result.  The result is never nil.
func (r *Recoder) RecodeStaticDetailed(ctx context.Context, src []byte, wLimit, hLimit, byteLimit int, opts ...Option) (*recode.Result, error) {
	res, err := r.staticRecoder().Recode(ctx, recode.NewSource(src), budget(wLimit, hLimit, byteLimit, opts))
	return r.count(res, err)
}

// RecodeAnimatedImage shrinks an animated GIF until it fits byteLimit.  The
// start quality option does not apply.
func (r *Recoder) RecodeAnimatedImage(ctx context.Context, src []byte, wLimit, hLimit, byteLimit int, opts ...Option) ([]byte, error) {
	res, err := r.RecodeAnimatedDetailed(ctx, src, wLimit, hLimit, byteLimit, opts...)
	return res.Data, err
}

// RecodeAnimatedDetailed is RecodeAnimatedImage returning the full session
// result.  The result is never nil.
func (r *Recoder) RecodeAnimatedDetailed(ctx context.Context, src []byte, wLimit, hLimit, byteLimit int, opts ...Option) (*recode.Result, error) {
	res, err := r.animatedRecoder().Recode(ctx, recode.NewSource(src), budget(wLimit, hLimit, byteLimit, opts))
	return r.count(res, err)
}

// Recode picks the animated recoder for GIF sources and the static one for
// everything else.
func (r *Recoder) Recode(ctx context.Context, src []byte, wLimit, hLimit, byteLimit int, opts ...Option) (*recode.Result, error) {
	if utils.DetectFormat(src) == string(core.FormatGIF) {
		return r.RecodeAnimatedDetailed(ctx, src, wLimit, hLimit, byteLimit, opts...)
	}
	return r.RecodeStaticDetailed(ctx, src, wLimit, hLimit, byteLimit, opts...)
}

func (r *Recoder) count(res *recode.Result, err error) (*recode.Result, error) {
	if res == nil {
		res = &recode.Result{}
	}
	if err != nil {
		atomic.AddInt64(&r.errorCount, 1)
	} else {
		atomic.AddInt64(&r.processedCount, 1)
	}
	return res, err
}

// AllocateAndRecompress splits total bytes among atts and recodes the
// images that do not fit.  See allocate.Allocator.
func (r *Recoder) AllocateAndRecompress(ctx context.Context, total int64, atts []allocate.Attachment, wLimit, hLimit int) (*allocate.Batch, error) {
	al := allocate.New(r.staticRecoder(), r.animatedRecoder(), r.reg, r.cfg, r.currentLogger())
	batch, err := al.AllocateAndRecompress(ctx, total, atts, wLimit, hLimit)
	if err != nil {
		atomic.AddInt64(&r.errorCount, 1)
	} else {
		atomic.AddInt64(&r.processedCount, 1)
	}
	return batch, err
}

// Stats returns lightweight processing statistics.
func (r *Recoder) Stats() (processed, errors int64) {
	return atomic.LoadInt64(&r.processedCount), atomic.LoadInt64(&r.errorCount)
}

// ── Sources ───────────────────────────────────────────────────────────────────

// FromReader creates a Source from an io.Reader.
func FromReader(rd io.Reader) core.Source { return core.Source{Reader: rd, Size: -1} }

// FromReaderWithMeta creates a Source with known size and name hints.
func FromReaderWithMeta(rd io.Reader, size int64, contentType, name string) core.Source {
	return core.Source{Reader: rd, Size: size, ContentType: contentType, Name: name}
}

// ReadSource drains src, failing once it exceeds MaxImageBytes.
func (r *Recoder) ReadSource(ctx context.Context, src core.Source) ([]byte, error) {
	if src.Reader == nil {
		return nil, apperrors.New(apperrors.CategoryInput, "read", apperrors.ErrEmptyInput)
	}
	data, err := utils.ReadAll(ctx, src.Reader, r.cfg.MaxImageBytes, r.cfg.ChunkSize)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInput, "read", err)
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.CategoryInput, "read", apperrors.ErrEmptyInput)
	}
	return data, nil
}
