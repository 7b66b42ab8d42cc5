package core

import (
	"context"
	"time"
)

// Decoder converts encoded bytes into a Bitmap.
// Implementations live in adapters/decoder/ and adapters/vips/.
type Decoder interface {
	// DecodeConfig reads dimensions and format without decoding pixels.
	DecodeConfig(ctx context.Context, data []byte) (Metadata, error)
	// Decode returns a bitmap whose axes are divided by opts.Subsample.
	Decode(ctx context.Context, data []byte, opts DecodeOptions) (Bitmap, error)
	// CanDecode reports whether this decoder handles the given format hint.
	CanDecode(format Format) bool
}

// Encoder serialises a Bitmap to bytes in a target format.
// Implementations live in adapters/encoder/ and adapters/vips/.
type Encoder interface {
	Encode(ctx context.Context, b Bitmap, opts EncodeOptions) ([]byte, error)
	CanEncode(format Format) bool
}

// Transformer produces a new, rotated and scaled bitmap.  The source bitmap
// is left untouched and still owned by the caller.
type Transformer interface {
	Transform(ctx context.Context, src Bitmap, opts TransformOptions) (Bitmap, error)
}

// AnimationResizer re-encodes an animated image at new pixel dimensions.
type AnimationResizer interface {
	Probe(ctx context.Context, data []byte) (Metadata, error)
	Resize(ctx context.Context, data []byte, width, height int) ([]byte, error)
}

// MetricsCollector receives performance observations from recode sessions.
type MetricsCollector interface {
	RecordProcessingTime(stage string, d interface{ Seconds() float64 })
	RecordThroughput(bytes int64)
	RecordMemory(bytes int64)
	RecordError(stage string, category string)
	RecordOutcome(kind SessionKind, outcome string)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Hook is an optional observer invoked around every recode attempt.
type Hook interface {
	BeforeAttempt(ctx context.Context, a Attempt)
	AfterAttempt(ctx context.Context, a Attempt, d time.Duration, err error)
}

// Registry maps Format values to codec implementations.
type Registry interface {
	DecoderFor(format Format) (Decoder, bool)
	Decodable(format Format) bool
	EncoderFor(format Format) (Encoder, bool)
	RegisterDecoder(format Format, d Decoder)
	RegisterEncoder(format Format, e Encoder)
	Transformer() Transformer
	SetTransformer(t Transformer)
	AnimationResizer() AnimationResizer
	SetAnimationResizer(r AnimationResizer)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
