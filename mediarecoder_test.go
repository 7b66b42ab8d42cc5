package mediarecoder_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mediarecoder "github.com/Skryldev/media-recoder"
	"github.com/Skryldev/media-recoder/allocate"
	"github.com/Skryldev/media-recoder/config"
	apperrors "github.com/Skryldev/media-recoder/errors"
	"github.com/Skryldev/media-recoder/hooks"
	"github.com/Skryldev/media-recoder/recode"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

// gradient fills Pix directly; large sources are too slow through Set.
func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := x * 4
			row[i] = uint8(x * 255 / w)
			row[i+1] = uint8(y * 255 / h)
			row[i+2] = uint8((x + y) * 255 / (w + h))
			row[i+3] = 255
		}
	}
	return img
}

func newJPEG(t testing.TB, w, h, q int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gradient(w, h), &jpeg.Options{Quality: q}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func newPNG(t testing.TB, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, gradient(w, h)); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

// withOrientation inserts an EXIF APP1 segment carrying v after the SOI.
func withOrientation(t testing.TB, jpg []byte, v uint16) []byte {
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
	out.Write(jpg[2:])
	return out.Bytes()
}

func newGIF(t testing.TB, w, h, frames int) []byte {
	t.Helper()
	g := &gif.GIF{}
	for i := 0; i < frames; i++ {
		img := image.NewPaletted(image.Rect(0, 0, w, h), palette.WebSafe)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetColorIndex(x, y, uint8((x*7+y*3+i*11)%len(palette.WebSafe)))
			}
		}
		g.Image = append(g.Image, img)
		g.Delay = append(g.Delay, 5)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		t.Fatalf("encode test gif: %v", err)
	}
	return buf.Bytes()
}

func newRecoder(t *testing.T) *mediarecoder.Recoder {
	t.Helper()
	cfg := mediarecoder.DefaultConfig()
	cfg.WorkerCount = 2
	cfg.QueueSize = 16
	r := mediarecoder.New(cfg)
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func jpegSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

// ── Static ────────────────────────────────────────────────────────────────────

func TestRecodeStaticImage_LargeSourceTerminates(t *testing.T) {
	if testing.Short() {
		t.Skip("decodes a 12 MP image")
	}
	r := newRecoder(t)
	raw := newJPEG(t, 4000, 3000, 90)

	res, err := r.RecodeStaticDetailed(context.Background(), raw, 1024, 1024, 65536)
	assert.LessOrEqual(t, len(res.Attempts), mediarecoder.DefaultMaxAttempts)
	if err != nil {
		require.ErrorIs(t, err, apperrors.ErrAttemptsExhausted)
		return
	}
	assert.LessOrEqual(t, len(res.Data), 65536)
	w, h := jpegSize(t, res.Data)
	assert.LessOrEqual(t, w, 1024)
	assert.LessOrEqual(t, h, 1024)
}

func TestRecodeStaticImage_Unchanged(t *testing.T) {
	r := newRecoder(t)
	raw := newJPEG(t, 120, 80, 80)

	out, err := r.RecodeStaticImage(context.Background(), raw, 1024, 1024, len(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestRecodeStaticImage_PNGToJPEG(t *testing.T) {
	r := newRecoder(t)
	raw := newPNG(t, 400, 200)

	out, err := r.RecodeStaticImage(context.Background(), raw, 100, 100, 20000)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 20000)
	w, h := jpegSize(t, out)
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)
}

func TestRecodeStaticImage_AppliesOrientation(t *testing.T) {
	r := newRecoder(t)
	raw := withOrientation(t, newJPEG(t, 400, 300, 85), 6)

	out, err := r.RecodeStaticImage(context.Background(), raw, 0, 0, 1<<20)
	require.NoError(t, err)
	w, h := jpegSize(t, out)
	assert.Equal(t, 300, w, "width is the source height")
	assert.Equal(t, 400, h)
}

func TestRecodeStaticImage_StartQualityOption(t *testing.T) {
	r := newRecoder(t)
	raw := newPNG(t, 200, 200)

	res, err := r.RecodeStaticDetailed(context.Background(), raw, 0, 0, 1<<20, mediarecoder.WithStartQuality(60))
	require.NoError(t, err)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, 60, res.Attempts[0].Quality)
}

func TestRecodeStaticImage_Deterministic(t *testing.T) {
	r := newRecoder(t)
	raw := newPNG(t, 300, 300)

	a, errA := r.RecodeStaticImage(context.Background(), raw, 0, 0, 8000)
	b, errB := r.RecodeStaticImage(context.Background(), raw, 0, 0, 8000)
	assert.Equal(t, errA == nil, errB == nil)
	assert.Equal(t, len(a), len(b))
}

func TestRecodeStaticImage_Corrupt(t *testing.T) {
	r := newRecoder(t)
	_, err := r.RecodeStaticImage(context.Background(), []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 2, 0xFF}, 0, 0, 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDecodeFailed)
	assert.True(t, apperrors.IsTerminal(err))

	_, errors := r.Stats()
	assert.Equal(t, int64(1), errors)
}

func TestRecodeStaticImage_BudgetUnreachable(t *testing.T) {
	cfg := mediarecoder.DefaultConfig()
	cfg.WorkingMemoryBytes = 8
	r := mediarecoder.New(cfg)

	_, err := r.RecodeStaticImage(context.Background(), newPNG(t, 64, 64), 0, 0, 1000)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBudgetUnreachable)
}

// ── Animated ──────────────────────────────────────────────────────────────────

func TestRecodeAnimatedImage(t *testing.T) {
	r := newRecoder(t)
	raw := newGIF(t, 200, 150, 4)
	limit := len(raw) / 3

	out, err := r.RecodeAnimatedImage(context.Background(), raw, 160, 160, limit)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), limit)

	g, err := gif.DecodeAll(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Len(t, g.Image, 4)
	assert.LessOrEqual(t, g.Config.Width, 160)
	assert.LessOrEqual(t, g.Config.Height, 160)
}

func TestRecodeAnimatedImage_Unchanged(t *testing.T) {
	r := newRecoder(t)
	raw := newGIF(t, 40, 30, 2)
	out, err := r.RecodeAnimatedImage(context.Background(), raw, 100, 100, len(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

// ── Allocation ────────────────────────────────────────────────────────────────

func TestAllocateAndRecompress(t *testing.T) {
	r := newRecoder(t)
	a := newPNG(t, 300, 200)
	b := newJPEG(t, 600, 400, 95)
	note := []byte(strings.Repeat("caption ", 100))
	total := int64(len(note) + 6000)

	batch, err := r.AllocateAndRecompress(context.Background(), total, []allocate.Attachment{
		{Name: "a.png", Data: a},
		{Name: "note.txt", Data: note},
		{Name: "b.jpg", Data: b},
	}, 1024, 1024)
	require.NoError(t, err)
	require.Len(t, batch.Outcomes, 3)
	assert.False(t, batch.PassThrough)
	assert.Equal(t, note, batch.Outcomes[1].Data)
	assert.False(t, batch.Outcomes[1].Plan.IsImage)

	var planned int64
	for _, i := range []int{0, 2} {
		o := batch.Outcomes[i]
		require.True(t, o.Plan.IsImage, o.Name)
		planned += o.Plan.AllocatedBytes
		if o.Err != nil {
			// Per-item failures degrade to best effort.
			assert.ErrorIs(t, o.Err, apperrors.ErrAttemptsExhausted, o.Name)
			assert.True(t, o.BestEffort, o.Name)
			assert.NotEmpty(t, o.Data, o.Name)
			continue
		}
		assert.True(t, o.Recoded, o.Name)
		assert.Equal(t, "image/jpeg", o.MIME, o.Name)
		assert.LessOrEqual(t, int64(len(o.Data)), o.Plan.AllocatedBytes, o.Name)
	}
	assert.LessOrEqual(t, planned, batch.Remaining)
	if len(batch.Failed()) == 0 {
		assert.LessOrEqual(t, batch.Size(), total)
	}
}

// ── Worker pool ───────────────────────────────────────────────────────────────

func TestSubmit_Async(t *testing.T) {
	r := newRecoder(t)
	raw := newPNG(t, 100, 100)

	resultCh := make(chan mediarecoder.JobResult, 1)
	job := mediarecoder.Job{
		ID:       "test-job-1",
		Ctx:      context.Background(),
		Source:   mediarecoder.FromReader(bytes.NewReader(raw)),
		Budget:   recode.Budget{ByteLimit: 50000, WidthLimit: 50, HeightLimit: 50},
		ResultCh: resultCh,
	}
	require.NoError(t, r.Submit(job))

	select {
	case res := <-resultCh:
		require.NoError(t, res.Err)
		assert.Equal(t, "test-job-1", res.JobID)
		assert.Equal(t, 50, res.Result.Width)
	case <-time.After(10 * time.Second):
		t.Fatal("async job timed out")
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	cfg := mediarecoder.DefaultConfig()
	cfg.QueueSize = 1
	r := mediarecoder.New(cfg) // not started

	job := mediarecoder.Job{Source: mediarecoder.FromReader(bytes.NewReader([]byte{1}))}
	require.NoError(t, r.Submit(job))
	assert.ErrorIs(t, r.Submit(job), apperrors.ErrWorkerPoolFull)
}

func TestSubmit_JobTimeout(t *testing.T) {
	cfg := mediarecoder.DefaultConfig()
	cfg.WorkerCount = 1
	cfg.JobTimeout = time.Nanosecond
	r := mediarecoder.New(cfg)
	r.Start()
	t.Cleanup(r.Stop)

	resultCh := make(chan mediarecoder.JobResult, 1)
	require.NoError(t, r.Submit(mediarecoder.Job{
		ID:       "slow",
		Source:   mediarecoder.FromReader(bytes.NewReader(newPNG(t, 400, 400))),
		Budget:   recode.Budget{ByteLimit: 2000},
		ResultCh: resultCh,
	}))
	select {
	case res := <-resultCh:
		assert.Error(t, res.Err)
	case <-time.After(10 * time.Second):
		t.Fatal("no result")
	}
}

func TestReadSource_Limit(t *testing.T) {
	cfg := mediarecoder.DefaultConfig()
	cfg.MaxImageBytes = 10
	r := mediarecoder.New(cfg)

	_, err := r.ReadSource(context.Background(), mediarecoder.FromReader(bytes.NewReader(make([]byte, 100))))
	require.ErrorIs(t, err, apperrors.ErrInputTooLarge)

	data, err := r.ReadSource(context.Background(), mediarecoder.FromReader(bytes.NewReader(make([]byte, 10))))
	require.NoError(t, err)
	assert.Len(t, data, 10)
}

// ── Concurrency ───────────────────────────────────────────────────────────────

func TestRecode_ConcurrentSafety(t *testing.T) {
	r := newRecoder(t)
	raw := newPNG(t, 200, 200)

	const goroutines = 12
	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = r.RecodeStaticImage(context.Background(), raw, 100, 100, 30000)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "goroutine %d", i)
	}
	processed, _ := r.Stats()
	assert.Equal(t, int64(goroutines), processed)
}

// ── Hooks / Metrics ───────────────────────────────────────────────────────────

func TestMetricsHook(t *testing.T) {
	m := hooks.NewInMemoryMetrics()
	r := newRecoder(t)
	r.AddHook(hooks.NewMetricsHook(m))
	r.SetMetrics(m)

	_, err := r.RecodeStaticImage(context.Background(), newPNG(t, 100, 100), 50, 0, 1<<20)
	require.NoError(t, err)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.StageCalls["static.attempt"])
	assert.Equal(t, int64(1), snap.Outcomes["static/fit"])
	assert.Equal(t, int64(50*50*4), snap.TotalMemoryB)
}

func TestConfigValidation(t *testing.T) {
	cfg := config.Default()
	cfg.Recode.StartQuality = 0
	assert.Error(t, config.Validate(cfg))
}

// ── Benchmarks ────────────────────────────────────────────────────────────────

func BenchmarkRecodeStatic_1920x1080(b *testing.B) {
	r := mediarecoder.New(mediarecoder.DefaultConfig())
	raw := newJPEG(b, 1920, 1080, 92)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := r.RecodeStaticImage(context.Background(), raw, 1280, 1280, 100000); err != nil {
			b.Fatalf("recode: %v", err)
		}
	}
}
