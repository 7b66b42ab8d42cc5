package main

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/media-recoder/adapters/storage"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestImageCommand(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	out := filepath.Join(dir, "out.jpg")
	writePNG(t, in, 200, 100)

	stdout, err := run(t, "image", in, out, "--max-bytes", "20000", "--width", "100")
	require.NoError(t, err)
	assert.Contains(t, stdout, "out.jpg")

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
}

func TestImageCommandRequiresBudget(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	writePNG(t, in, 10, 10)
	_, err := run(t, "image", in, filepath.Join(dir, "out.jpg"))
	assert.Error(t, err)
}

func TestBatchCommandWritesSidecars(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	writePNG(t, a, 120, 120)
	writePNG(t, b, 60, 60)
	outDir := filepath.Join(dir, "out")

	stdout, err := run(t, "batch", a, b, "--budget", "1000000", "--out-dir", outDir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "envelope:")

	store, err := storage.NewLocal(outDir, 0)
	require.NoError(t, err)
	var meta sidecar
	require.NoError(t, store.ReadMeta(t.Context(), "a.png", &meta))
	assert.Equal(t, "a.png", meta.Source)
	assert.True(t, meta.IsImage)
	assert.False(t, meta.Recoded, "everything fits, so images pass through")
	assert.Equal(t, meta.OriginalBytes, meta.Bytes)
}

func TestMetricsFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	prom := filepath.Join(dir, "metrics.prom")
	writePNG(t, in, 64, 64)

	_, err := run(t, "--metrics-file", prom, "image", in, filepath.Join(dir, "out.jpg"), "--max-bytes", "50000")
	require.NoError(t, err)

	text, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(text), "media_recoder_stage_duration_seconds")
	assert.Contains(t, string(text), "media_recoder_output_bytes_total")
}
