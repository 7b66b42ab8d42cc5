package allocate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Skryldev/media-recoder/config"
	"github.com/Skryldev/media-recoder/core"
	apperrors "github.com/Skryldev/media-recoder/errors"
	"github.com/Skryldev/media-recoder/recode"
)

// Session recodes one image against a budget.  *recode.StaticRecoder and
// *recode.AnimatedRecoder satisfy it.
type Session interface {
	Recode(ctx context.Context, src *recode.Source, b recode.Budget) (*recode.Result, error)
}

// Outcome is the final state of one attachment.
type Outcome struct {
	Index int
	Name  string
	Plan  Plan
	// Data is what goes into the envelope: the recoded bytes, the best
	// effort of a failed recode, or the original bytes.
	Data          []byte
	MIME          string
	OriginalBytes int
	Recoded       bool // Data came out of a recoder
	BestEffort    bool // the recoder failed; Data is the smallest output seen
	Attempts      int
	Duration      time.Duration
	Err           error
}

// Batch is the result of AllocateAndRecompress.
type Batch struct {
	Outcomes    []Outcome
	Total       int64 // envelope budget
	Remaining   int64 // bytes planned for images
	OtherBytes  int64 // fixed non-image bytes
	PassThrough bool  // every image already fit
	Rounds      int
}

// Size is the envelope size: every outcome's Data.
func (b *Batch) Size() int64 {
	var n int64
	for _, o := range b.Outcomes {
		n += int64(len(o.Data))
	}
	return n
}

// Failed returns the outcomes that carry an error.
func (b *Batch) Failed() []Outcome {
	var out []Outcome
	for _, o := range b.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Parts returns every outcome's Data in input order.
func (b *Batch) Parts() [][]byte {
	out := make([][]byte, len(b.Outcomes))
	for i, o := range b.Outcomes {
		out[i] = o.Data
	}
	return out
}

func (b *Batch) imageBytes() int64 {
	var n int64
	for _, o := range b.Outcomes {
		if o.Plan.IsImage {
			n += int64(len(o.Data))
		}
	}
	return n
}

// Allocator plans envelope budgets and runs the recoders.  It is safe for
// concurrent use; Plans live only for one call.
type Allocator struct {
	static   Session
	animated Session
	registry core.Registry
	cfg      config.AllocationConfig
	workers  int
	memory   int64 // working memory of one session
	logger   core.Logger
}

// New creates an Allocator.  Concurrent sessions are bounded by
// cfg.WorkerCount (NumCPU when unset), and each session gets an equal share
// of cfg.WorkingMemoryBytes so that running sessions never exceed it
// together.
func New(static, animated Session, reg core.Registry, cfg config.Config, logger core.Logger) *Allocator {
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Allocator{
		static:   static,
		animated: animated,
		registry: reg,
		cfg:      cfg.Allocation,
		workers:  workers,
		memory:   sessionMemory(cfg.WorkingMemoryBytes, workers),
		logger:   logger,
	}
}

// sessionMemory splits wm evenly among workers.  A zero result means no
// budget is imposed on the sessions.
func sessionMemory(wm int64, workers int) int64 {
	if wm <= 0 {
		return 0
	}
	return max(1, wm/int64(workers))
}

// SessionMemory is the working-memory share each concurrent session
// recodes within.
func (al *Allocator) SessionMemory() int64 { return al.memory }

// Workers is the number of sessions that may run at once.
func (al *Allocator) Workers() int { return al.workers }

// AllocateAndRecompress fits atts into total bytes.  Per-image failures are
// reported on their Outcome and never fail the batch.  The returned error is
// non-nil only when ctx ends or the finished envelope exceeds
// HardCeilingBytes; the Batch is returned in both cases.
func (al *Allocator) AllocateAndRecompress(ctx context.Context, total int64, atts []Attachment, widthLimit, heightLimit int) (*Batch, error) {
	const op = "allocate"

	plans, remaining := al.Plan(total, atts)
	batch := &Batch{
		Outcomes:  make([]Outcome, len(atts)),
		Total:     total,
		Remaining: remaining,
	}
	var pending []int
	for i, a := range atts {
		batch.Outcomes[i] = Outcome{
			Index:         i,
			Name:          a.Name,
			Plan:          plans[i],
			Data:          a.Data,
			MIME:          plans[i].MIME,
			OriginalBytes: len(a.Data),
		}
		if plans[i].IsImage {
			pending = append(pending, i)
		} else {
			batch.OtherBytes += int64(len(a.Data))
		}
	}

	if batch.imageBytes() <= remaining {
		batch.PassThrough = true
		al.logger.Debug("allocate.passthrough",
			"attachments", len(atts), "image_bytes", batch.imageBytes(), "remaining", remaining)
		return batch, al.checkCeiling(op, batch)
	}

	al.logger.Info("allocate.start",
		"attachments", len(atts), "images", len(pending), "total", total,
		"other_bytes", batch.OtherBytes, "remaining", remaining)

	budgets := make(map[int]int64, len(pending))
	for _, i := range pending {
		budgets[i] = plans[i].AllocatedBytes
	}
	if err := al.run(ctx, atts, batch, budgets, widthLimit, heightLimit); err != nil {
		return batch, apperrors.Wrap(apperrors.CategoryPipeline, op, err)
	}
	batch.Rounds = 1

	if al.cfg.Redistribute {
		for round := 0; round < al.cfg.RedistributeRounds; round++ {
			retry := al.redistribute(batch)
			if len(retry) == 0 {
				break
			}
			if err := al.run(ctx, atts, batch, retry, widthLimit, heightLimit); err != nil {
				return batch, apperrors.Wrap(apperrors.CategoryPipeline, op, err)
			}
			batch.Rounds++
		}
	}

	failed := len(batch.Failed())
	al.logger.Info("allocate.done",
		"images", len(pending), "failed", failed, "rounds", batch.Rounds,
		"envelope_bytes", batch.Size(), "total", total)
	return batch, al.checkCeiling(op, batch)
}

// redistribute gives the bytes left unused by finished images to the
// images that failed for lack of budget.  It returns their new budgets.
func (al *Allocator) redistribute(batch *Batch) map[int]int64 {
	freed := batch.Remaining - batch.imageBytes()
	if freed <= 0 {
		return nil
	}
	var (
		idx   []int
		sizes []int64
	)
	for _, o := range batch.Outcomes {
		if o.Plan.IsImage && retriable(o.Err) {
			idx = append(idx, o.Index)
			sizes = append(sizes, int64(o.OriginalBytes))
		}
	}
	if len(idx) == 0 {
		return nil
	}

	out := make(map[int]int64, len(idx))
	for j, extra := range Proportional(freed, sizes) {
		if extra <= 0 {
			continue
		}
		o := &batch.Outcomes[idx[j]]
		// The image's own bytes are already counted against freed.
		out[o.Index] = int64(len(o.Data)) + extra
	}
	al.logger.Debug("allocate.redistribute", "freed", freed, "retry", len(out))
	return out
}

// retriable reports whether a larger budget could turn err into a fit.
func retriable(err error) bool {
	return errors.Is(err, apperrors.ErrAttemptsExhausted) || errors.Is(err, apperrors.ErrBudgetUnreachable)
}

// run recodes the images named in budgets, at most al.workers at a time.
// A later round replaces an outcome only when it fits or is smaller.
func (al *Allocator) run(ctx context.Context, atts []Attachment, batch *Batch, budgets map[int]int64, wLimit, hLimit int) error {
	sem := semaphore.NewWeighted(int64(al.workers))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for i, budget := range budgets {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			o := al.recodeOne(gctx, atts[i], batch.Outcomes[i].Plan, budget, wLimit, hLimit)

			mu.Lock()
			defer mu.Unlock()
			prev := &batch.Outcomes[i]
			if prev.Recoded && o.Err != nil && len(o.Data) >= len(prev.Data) {
				prev.Err = o.Err
				return nil
			}
			o.Plan.AllocatedBytes = budget
			*prev = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// recodeOne runs one session and folds its result into an Outcome.
func (al *Allocator) recodeOne(ctx context.Context, a Attachment, p Plan, budget int64, wLimit, hLimit int) Outcome {
	const op = "allocate.recode"
	o := Outcome{
		Index:         p.Index,
		Name:          a.Name,
		Plan:          p,
		Data:          a.Data,
		MIME:          p.MIME,
		OriginalBytes: len(a.Data),
	}
	if budget <= 0 {
		o.BestEffort = true
		o.Err = apperrors.New(apperrors.CategoryBudget, op,
			fmt.Errorf("%w: no bytes left for %q", apperrors.ErrBudgetUnreachable, a.Name))
		return o
	}

	session := al.static
	if p.IsGIF {
		session = al.animated
	}
	res, err := session.Recode(ctx, recode.NewSource(a.Data), recode.Budget{
		ByteLimit:          int(min(budget, int64(maxInt))),
		WidthLimit:         wLimit,
		HeightLimit:        hLimit,
		WorkingMemoryBytes: al.memory,
	})
	if res != nil {
		o.Attempts = len(res.Attempts)
		o.Duration = res.Duration
		if len(res.Data) > 0 && (err == nil || len(res.Data) < len(a.Data)) {
			o.Data = res.Data
			o.MIME = res.Format.MIME()
			o.Recoded = true
		}
	}
	if err != nil {
		o.BestEffort = true
		o.Err = err
		log := al.logger.Warn
		if apperrors.IsTerminal(err) {
			log = al.logger.Error
		}
		log("allocate.recode.failed",
			"index", p.Index, "name", a.Name, "budget", budget, "bytes", len(o.Data), "error", err.Error())
	}
	return o
}

const maxInt = int(^uint(0) >> 1)

// checkCeiling fails a batch whose envelope exceeds HardCeilingBytes.
func (al *Allocator) checkCeiling(op string, batch *Batch) error {
	if c := al.cfg.HardCeilingBytes; c > 0 && batch.Size() > c {
		return apperrors.New(apperrors.CategoryBudget, op,
			fmt.Errorf("%w: %d > %d bytes", apperrors.ErrEnvelopeTooLarge, batch.Size(), c))
	}
	return nil
}
