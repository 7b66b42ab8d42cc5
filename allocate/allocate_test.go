package allocate

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/media-recoder/adapters/decoder"
	gifresize "github.com/Skryldev/media-recoder/adapters/gif"
	"github.com/Skryldev/media-recoder/config"
	"github.com/Skryldev/media-recoder/core"
	apperrors "github.com/Skryldev/media-recoder/errors"
	"github.com/Skryldev/media-recoder/recode"
)

const kb = 1024

var pngSig = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// fakeSession shrinks every image to fitTo(original, budget) bytes.  A
// negative result fails the session with ErrAttemptsExhausted and best
// effort bytes of -n.
type fakeSession struct {
	mu      sync.Mutex
	budgets map[int]int // original size -> last budget
	calls   int
	fitTo   func(orig, budget int) int

	running, peak atomic.Int32
	delay         time.Duration

	memory            []int64 // WorkingMemoryBytes of every call
	inUse, peakMemory atomic.Int64
}

func (s *fakeSession) Recode(_ context.Context, src *recode.Source, b recode.Budget) (*recode.Result, error) {
	n := s.running.Add(1)
	defer s.running.Add(-1)
	raise(&s.peak, n)
	m := s.inUse.Add(b.WorkingMemoryBytes)
	defer s.inUse.Add(-b.WorkingMemoryBytes)
	raiseInt64(&s.peakMemory, m)
	time.Sleep(s.delay)

	s.mu.Lock()
	if s.budgets == nil {
		s.budgets = make(map[int]int)
	}
	s.budgets[src.Len()] = b.ByteLimit
	s.memory = append(s.memory, b.WorkingMemoryBytes)
	s.calls++
	s.mu.Unlock()

	size := s.fitTo(src.Len(), b.ByteLimit)
	if size < 0 {
		return &recode.Result{Data: make([]byte, -size), Format: core.FormatJPEG, BestEffort: true},
			apperrors.New(apperrors.CategoryBudget, "fake", apperrors.ErrAttemptsExhausted)
	}
	return &recode.Result{Data: make([]byte, size), Format: core.FormatJPEG}, nil
}

func raise(peak *atomic.Int32, n int32) {
	for {
		p := peak.Load()
		if n <= p || peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func raiseInt64(peak *atomic.Int64, n int64) {
	for {
		p := peak.Load()
		if n <= p || peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func halfBudget(_, budget int) int { return budget / 2 }

func newAllocator(t *testing.T, static, animated Session, mutate func(*config.Config)) *Allocator {
	t.Helper()
	reg := core.NewRegistry()
	decoder.RegisterAll(reg)
	reg.SetAnimationResizer(gifresize.New(0))
	cfg := config.Default()
	cfg.Allocation.HeadroomPercent = 0
	if mutate != nil {
		mutate(&cfg)
	}
	return New(static, animated, reg, cfg, nil)
}

func jpegAtt(name string, n int) Attachment {
	return Attachment{Name: name, Data: make([]byte, n), MIME: "image/jpeg"}
}

func TestProportional(t *testing.T) {
	got := Proportional(300*kb, []int64{100 * kb, 200 * kb, 300 * kb})
	assert.Equal(t, []int64{50 * kb, 100 * kb, 150 * kb}, got)

	assert.Equal(t, []int64{0, 0}, Proportional(0, []int64{5, 5}))
	assert.Equal(t, []int64{0, 10}, Proportional(10, []int64{0, 7}))
	assert.Empty(t, Proportional(10, nil))
}

func TestProportionalRoundingSlack(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(12)
		sizes := make([]int64, n)
		for j := range sizes {
			sizes[j] = 1 + rng.Int63n(5<<20)
		}
		remaining := rng.Int63n(10 << 20)
		var sum int64
		for _, v := range Proportional(remaining, sizes) {
			assert.GreaterOrEqual(t, v, int64(0))
			sum += v
		}
		assert.LessOrEqual(t, sum, remaining)
		assert.LessOrEqual(t, remaining-sum, int64(n-1))
	}
}

func TestPlan(t *testing.T) {
	al := newAllocator(t, &fakeSession{fitTo: halfBudget}, nil, func(c *config.Config) {
		c.Allocation.HeadroomPercent = 5
	})
	atts := []Attachment{
		jpegAtt("a", 100),
		{Name: "note.txt", Data: []byte("hello, this is a note")},
		{Name: "b", Data: append(append([]byte{}, pngSig...), make([]byte, 292)...)},
		{Name: "anim", Data: []byte("GIF89a...."), MIME: "image/gif"},
		{Name: "blob", Data: []byte{1, 2, 3}, MIME: "application/octet-stream"},
	}
	plans, remaining := al.Plan(1000, atts)
	require.Len(t, plans, 5)

	other := int64(len(atts[1].Data) + 3)
	assert.Equal(t, (1000-other)-int64(float64(1000-other)*0.05), remaining)

	assert.True(t, plans[0].IsImage)
	assert.False(t, plans[1].IsImage)
	assert.Contains(t, plans[1].MIME, "text/plain")
	assert.True(t, plans[2].IsImage)
	assert.Equal(t, "image/png", plans[2].MIME)
	assert.True(t, plans[3].IsImage)
	assert.True(t, plans[3].IsGIF)
	assert.False(t, plans[4].IsImage)
	assert.Equal(t, int64(3), plans[4].AllocatedBytes)

	var sum int64
	for _, p := range plans {
		if p.IsImage {
			sum += p.AllocatedBytes
		}
	}
	assert.LessOrEqual(t, sum, remaining)
}

func TestPlanOtherExceedsTotal(t *testing.T) {
	al := newAllocator(t, &fakeSession{fitTo: halfBudget}, nil, nil)
	plans, remaining := al.Plan(10, []Attachment{
		{Name: "big.txt", Data: make([]byte, 50), MIME: "text/plain"},
		jpegAtt("a", 100),
	})
	assert.Zero(t, remaining)
	assert.Zero(t, plans[1].AllocatedBytes)
}

func TestAllocatePassThrough(t *testing.T) {
	s := &fakeSession{fitTo: halfBudget}
	al := newAllocator(t, s, s, nil)
	atts := []Attachment{jpegAtt("a", 100), jpegAtt("b", 200)}

	batch, err := al.AllocateAndRecompress(context.Background(), 1000, atts, 1024, 1024)
	require.NoError(t, err)
	assert.True(t, batch.PassThrough)
	assert.Zero(t, s.calls)
	for i, o := range batch.Outcomes {
		assert.Equal(t, atts[i].Data, o.Data)
		assert.False(t, o.Recoded)
	}
}

func TestAllocateProportionalBudgets(t *testing.T) {
	s := &fakeSession{fitTo: halfBudget}
	al := newAllocator(t, s, nil, nil)
	atts := []Attachment{
		jpegAtt("a", 100*kb),
		{Name: "caption", Data: make([]byte, 10*kb), MIME: "text/plain"},
		jpegAtt("b", 200*kb),
		jpegAtt("c", 300*kb),
	}

	batch, err := al.AllocateAndRecompress(context.Background(), 310*kb, atts, 1024, 1024)
	require.NoError(t, err)
	assert.False(t, batch.PassThrough)
	assert.Equal(t, int64(300*kb), batch.Remaining)
	assert.Equal(t, 1, batch.Rounds)
	assert.Equal(t, map[int]int{100 * kb: 50 * kb, 200 * kb: 100 * kb, 300 * kb: 150 * kb}, s.budgets)

	assert.Equal(t, atts[1].Data, batch.Outcomes[1].Data)
	for _, i := range []int{0, 2, 3} {
		o := batch.Outcomes[i]
		require.NoError(t, o.Err)
		assert.True(t, o.Recoded)
		assert.Equal(t, "image/jpeg", o.MIME)
		assert.LessOrEqual(t, int64(len(o.Data)), o.Plan.AllocatedBytes)
	}
	assert.LessOrEqual(t, batch.Size(), int64(310*kb))
	assert.Len(t, batch.Parts(), 4)
}

func TestAllocateBestEffort(t *testing.T) {
	s := &fakeSession{fitTo: func(orig, budget int) int {
		switch orig {
		case 1000:
			return -600 // fails, best effort smaller than the original
		case 2000:
			return -3000 // fails, best effort larger than the original
		}
		return budget
	}}
	al := newAllocator(t, s, nil, nil)
	atts := []Attachment{jpegAtt("a", 1000), jpegAtt("b", 2000), jpegAtt("c", 3000)}

	batch, err := al.AllocateAndRecompress(context.Background(), 3000, atts, 0, 0)
	require.NoError(t, err)
	require.Len(t, batch.Failed(), 2)

	a := batch.Outcomes[0]
	assert.ErrorIs(t, a.Err, apperrors.ErrAttemptsExhausted)
	assert.True(t, a.BestEffort)
	assert.Len(t, a.Data, 600)

	b := batch.Outcomes[1]
	assert.True(t, b.BestEffort)
	assert.False(t, b.Recoded)
	assert.Equal(t, atts[1].Data, b.Data)

	assert.NoError(t, batch.Outcomes[2].Err)
}

func TestAllocateRedistribute(t *testing.T) {
	// a compresses far below its allocation; b needs more than its share.
	fit := func(orig, budget int) int {
		if orig == 100*kb {
			return 10 * kb
		}
		if budget < 250*kb {
			return -(budget + kb)
		}
		return 240 * kb
	}

	single := &fakeSession{fitTo: fit}
	batch, err := newAllocator(t, single, nil, nil).
		AllocateAndRecompress(context.Background(), 300*kb, []Attachment{jpegAtt("a", 100*kb), jpegAtt("b", 300*kb)}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Rounds)
	assert.Error(t, batch.Outcomes[1].Err, "single pass keeps the failure")

	redist := &fakeSession{fitTo: fit}
	al := newAllocator(t, redist, nil, func(c *config.Config) {
		c.Allocation.Redistribute = true
		c.Allocation.RedistributeRounds = 2
	})
	batch, err = al.AllocateAndRecompress(context.Background(), 300*kb, []Attachment{jpegAtt("a", 100*kb), jpegAtt("b", 300*kb)}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Rounds)
	assert.NoError(t, batch.Outcomes[1].Err)
	assert.Len(t, batch.Outcomes[1].Data, 240*kb)
	assert.Equal(t, 3, redist.calls)
	assert.LessOrEqual(t, batch.Size(), int64(300*kb))
}

func TestAllocateHardCeiling(t *testing.T) {
	s := &fakeSession{fitTo: func(orig, _ int) int { return -orig * 3 / 4 }}
	al := newAllocator(t, s, nil, func(c *config.Config) {
		c.Allocation.HardCeilingBytes = 1200
	})
	batch, err := al.AllocateAndRecompress(context.Background(), 1000, []Attachment{jpegAtt("a", 1000), jpegAtt("b", 1000)}, 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrEnvelopeTooLarge)
	require.NotNil(t, batch)
	assert.Equal(t, int64(1500), batch.Size())
}

func TestAllocateRoutesGIFToAnimated(t *testing.T) {
	static := &fakeSession{fitTo: halfBudget}
	animated := &fakeSession{fitTo: halfBudget}
	al := newAllocator(t, static, animated, nil)
	atts := []Attachment{
		jpegAtt("a", 1000),
		{Name: "anim.gif", Data: append([]byte("GIF89a"), make([]byte, 994)...)},
	}
	_, err := al.AllocateAndRecompress(context.Background(), 1000, atts, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, static.calls)
	assert.Equal(t, 1, animated.calls)
}

func TestAllocateBoundsConcurrency(t *testing.T) {
	s := &fakeSession{fitTo: halfBudget, delay: 5 * time.Millisecond}
	al := newAllocator(t, s, nil, func(c *config.Config) { c.WorkerCount = 2 })
	var atts []Attachment
	for i := 0; i < 8; i++ {
		atts = append(atts, jpegAtt("x", 1000+i))
	}
	_, err := al.AllocateAndRecompress(context.Background(), 4000, atts, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, s.calls)
	assert.LessOrEqual(t, s.peak.Load(), int32(2))
}

func TestAllocateCanceled(t *testing.T) {
	s := &fakeSession{fitTo: halfBudget}
	al := newAllocator(t, s, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batch, err := al.AllocateAndRecompress(ctx, 100, []Attachment{jpegAtt("a", 1000)}, 0, 0)
	require.Error(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, 1000, len(batch.Outcomes[0].Data))
}

func TestAllocateSharesWorkingMemory(t *testing.T) {
	const wm = 1 << 20
	s := &fakeSession{fitTo: halfBudget, delay: 5 * time.Millisecond}
	al := newAllocator(t, s, nil, func(c *config.Config) {
		c.WorkerCount = 3
		c.WorkingMemoryBytes = wm
	})
	assert.Equal(t, int64(wm/3), al.SessionMemory())

	var atts []Attachment
	for i := 0; i < 9; i++ {
		atts = append(atts, jpegAtt("x", 1000+i))
	}
	_, err := al.AllocateAndRecompress(context.Background(), 4000, atts, 0, 0)
	require.NoError(t, err)

	require.Len(t, s.memory, 9)
	for _, m := range s.memory {
		assert.Equal(t, int64(wm/3), m)
	}
	assert.LessOrEqual(t, s.peakMemory.Load(), int64(wm))
	assert.LessOrEqual(t, int64(al.Workers())*al.SessionMemory(), int64(wm))
}

type levelLogger struct {
	mu     sync.Mutex
	levels map[string][]string // msg -> levels
}

func (l *levelLogger) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.levels == nil {
		l.levels = make(map[string][]string)
	}
	l.levels[msg] = append(l.levels[msg], level)
}

func (l *levelLogger) Debug(msg string, _ ...interface{}) { l.log("debug", msg) }
func (l *levelLogger) Info(msg string, _ ...interface{})  { l.log("info", msg) }
func (l *levelLogger) Warn(msg string, _ ...interface{})  { l.log("warn", msg) }
func (l *levelLogger) Error(msg string, _ ...interface{}) { l.log("error", msg) }

type errSession struct{ err error }

func (s errSession) Recode(context.Context, *recode.Source, recode.Budget) (*recode.Result, error) {
	return nil, s.err
}

func TestAllocateLogsTerminalFailuresAsErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		err   error
		level string
	}{
		{"decode", apperrors.New(apperrors.CategoryDecode, "fake", apperrors.ErrDecodeFailed), "error"},
		{"exhausted", apperrors.New(apperrors.CategoryBudget, "fake", apperrors.ErrAttemptsExhausted), "warn"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			reg := core.NewRegistry()
			decoder.RegisterAll(reg)
			cfg := config.Default()
			cfg.Allocation.HeadroomPercent = 0
			log := &levelLogger{}
			al := New(errSession{tc.err}, nil, reg, cfg, log)

			batch, err := al.AllocateAndRecompress(context.Background(), 500, []Attachment{jpegAtt("a", 1000)}, 0, 0)
			require.NoError(t, err)
			require.ErrorIs(t, batch.Outcomes[0].Err, tc.err)
			assert.Len(t, batch.Outcomes[0].Data, 1000, "original bytes are kept")
			assert.Equal(t, []string{tc.level}, log.levels["allocate.recode.failed"])
		})
	}
}
