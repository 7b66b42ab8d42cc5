package recode_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/Skryldev/media-recoder/config"
	"github.com/Skryldev/media-recoder/core"
	apperrors "github.com/Skryldev/media-recoder/errors"
	"github.com/Skryldev/media-recoder/utils"
)

// pngStub carries a PNG signature so the source sniffs as PNG.  The fake
// decoder never looks past it.
var pngStub = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, bytes.Repeat([]byte{0}, 4096)...)

// plainJPEG is a JPEG prefix without EXIF.
var plainJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x04, 0x00, 0x00, 0xFF, 0xDA, 0x00, 0x02}

// exifJPEG builds a JPEG prefix whose APP1 segment carries orientation v.
func exifJPEG(t *testing.T, v uint16) []byte {
	t.Helper()
	var tiff bytes.Buffer
	tiff.WriteString("MM")
	for _, x := range []any{uint16(42), uint32(8), uint16(1), uint16(0x0112), uint16(3), uint32(1), v, uint16(0), uint32(0)} {
		if err := binary.Write(&tiff, binary.BigEndian, x); err != nil {
			t.Fatalf("write tiff: %v", err)
		}
	}
	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	var out bytes.Buffer
	out.Write([]byte{0xFF, 0xD8, 0xFF, 0xE1})
	_ = binary.Write(&out, binary.BigEndian, uint16(len(payload)+2))
	out.Write(payload)
	out.Write([]byte{0xFF, 0xDA, 0x00, 0x02})
	return out.Bytes()
}

// fakeBitmap counts its releases so tests can assert exactly-once.
type fakeBitmap struct {
	w, h     int
	released int
}

func (b *fakeBitmap) Width() int  { return b.w }
func (b *fakeBitmap) Height() int { return b.h }
func (b *fakeBitmap) Release()    { b.released++ }

// tracker records every bitmap handed out during a session.
type tracker struct {
	mu      sync.Mutex
	bitmaps []*fakeBitmap
}

func (tr *tracker) alloc(w, h int) *fakeBitmap {
	b := &fakeBitmap{w: w, h: h}
	tr.mu.Lock()
	tr.bitmaps = append(tr.bitmaps, b)
	tr.mu.Unlock()
	return b
}

func (tr *tracker) assertReleasedOnce(t *testing.T) {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i, b := range tr.bitmaps {
		if b.released != 1 {
			t.Errorf("bitmap %d (%dx%d) released %d times, want 1", i, b.w, b.h, b.released)
		}
	}
}

type fakeDecoder struct {
	w, h    int
	format  core.Format
	tr      *tracker
	decodes int
	subs    []int
	failErr error
}

func (d *fakeDecoder) DecodeConfig(_ context.Context, _ []byte) (core.Metadata, error) {
	return core.Metadata{Width: d.w, Height: d.h, Format: d.format, Frames: 1}, nil
}

func (d *fakeDecoder) Decode(_ context.Context, _ []byte, opts core.DecodeOptions) (core.Bitmap, error) {
	d.decodes++
	d.subs = append(d.subs, opts.Subsample)
	if d.failErr != nil {
		return nil, d.failErr
	}
	w := utils.SubsampledSize(d.w, opts.Subsample)
	h := utils.SubsampledSize(d.h, opts.Subsample)
	if opts.MaxBitmapBytes > 0 && core.BitmapBytes(w, h) > opts.MaxBitmapBytes {
		return nil, apperrors.OutOfMemory("fake.decode", nil)
	}
	return d.tr.alloc(w, h), nil
}

func (d *fakeDecoder) CanDecode(f core.Format) bool { return f == d.format }

type fakeTransformer struct {
	tr    *tracker
	calls []core.TransformOptions
}

func (x *fakeTransformer) Transform(_ context.Context, src core.Bitmap, opts core.TransformOptions) (core.Bitmap, error) {
	x.calls = append(x.calls, opts)
	ow, oh := opts.Orientation.OrientedSize(src.Width(), src.Height())
	return x.tr.alloc(utils.ScaledSize(ow, opts.ScaleFactor), utils.ScaledSize(oh, opts.ScaleFactor)), nil
}

// fakeEncoder is a deterministic pure function of (pixels, quality):
// size = overhead + w*h*q/400, at least one byte.
type fakeEncoder struct {
	calls    int
	oomLeft  int // the first oomLeft calls fail with ErrOutOfMemory; -1 = always
	overhead int
}

func (e *fakeEncoder) Encode(_ context.Context, b core.Bitmap, opts core.EncodeOptions) ([]byte, error) {
	e.calls++
	if e.oomLeft != 0 {
		if e.oomLeft > 0 {
			e.oomLeft--
		}
		return nil, apperrors.OutOfMemory("fake.encode", errors.New("no heap"))
	}
	n := max(1, e.overhead+b.Width()*b.Height()*opts.Quality/400)
	return make([]byte, n), nil
}

func (e *fakeEncoder) CanEncode(f core.Format) bool { return f == core.FormatJPEG }

type harness struct {
	tr  *tracker
	dec *fakeDecoder
	enc *fakeEncoder
	xf  *fakeTransformer
	reg *core.DefaultRegistry
	cfg config.Config
}

func newHarness(w, h int, format core.Format) *harness {
	tr := &tracker{}
	hs := &harness{
		tr:  tr,
		dec: &fakeDecoder{w: w, h: h, format: format, tr: tr},
		enc: &fakeEncoder{},
		xf:  &fakeTransformer{tr: tr},
		reg: core.NewRegistry(),
		cfg: config.Default(),
	}
	hs.reg.RegisterDecoder(format, hs.dec)
	hs.reg.RegisterEncoder(core.FormatJPEG, hs.enc)
	hs.reg.SetTransformer(hs.xf)
	return hs
}

// fakeResizer models a GIF whose size is frames*w*h/4 plus a fixed header.
type fakeResizer struct {
	w, h, frames int
	inputs       [][]byte
	targets      [][2]int
}

func (r *fakeResizer) Probe(_ context.Context, _ []byte) (core.Metadata, error) {
	return core.Metadata{Width: r.w, Height: r.h, Format: core.FormatGIF, Frames: r.frames}, nil
}

func (r *fakeResizer) Resize(_ context.Context, data []byte, w, h int) ([]byte, error) {
	r.inputs = append(r.inputs, data)
	r.targets = append(r.targets, [2]int{w, h})
	return make([]byte, 100+r.frames*w*h/4), nil
}
