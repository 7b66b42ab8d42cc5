// Package allocate splits one transport envelope's byte budget among its
// image attachments and drives each image through a recoder.
package allocate

import (
	"math/bits"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Skryldev/media-recoder/core"
)

// Attachment is one part of an outgoing envelope.
type Attachment struct {
	Name string
	Data []byte
	MIME string // sniffed from Data when empty
}

// Plan is the allocation for one attachment.  For non-images
// AllocatedBytes is the attachment's own fixed size.
type Plan struct {
	Index          int
	AllocatedBytes int64
	IsImage        bool
	IsGIF          bool
	MIME           string
}

// mime returns the declared MIME type or sniffs one.
func (a Attachment) mime() string {
	if a.MIME != "" {
		return a.MIME
	}
	return mimetype.Detect(a.Data).String()
}

// classify fills in everything but AllocatedBytes.
func (al *Allocator) classify(i int, a Attachment) Plan {
	mt := a.mime()
	f := core.FormatFromMIME(mt)
	p := Plan{Index: i, MIME: mt}
	if f == core.FormatUnknown || len(a.Data) == 0 {
		return p
	}
	if f == core.FormatGIF && al.registry.AnimationResizer() != nil {
		p.IsImage, p.IsGIF = true, true
		return p
	}
	p.IsImage = al.registry.Decodable(f)
	return p
}

// Plan classifies atts and splits what is left of total after non-image
// parts and headroom among the images, proportionally to their size.  It
// returns the plans in input order and the bytes available to images.
func (al *Allocator) Plan(total int64, atts []Attachment) ([]Plan, int64) {
	plans := make([]Plan, len(atts))
	var other int64
	var sizes []int64
	var images []int
	for i, a := range atts {
		plans[i] = al.classify(i, a)
		if plans[i].IsImage {
			images = append(images, i)
			sizes = append(sizes, int64(len(a.Data)))
			continue
		}
		plans[i].AllocatedBytes = int64(len(a.Data))
		other += int64(len(a.Data))
	}

	remaining := al.remaining(total, other)
	for j, n := range Proportional(remaining, sizes) {
		plans[images[j]].AllocatedBytes = n
	}
	return plans, remaining
}

// remaining is total minus other minus the headroom share, never negative.
func (al *Allocator) remaining(total, other int64) int64 {
	r := total - other
	if r <= 0 {
		return 0
	}
	if h := al.cfg.HeadroomPercent; h > 0 {
		r -= int64(float64(r) * h / 100)
	}
	return max(0, r)
}

// Proportional splits remaining as floor(remaining*size_i/Σsize).  The
// result never sums above remaining and falls short by at most
// len(sizes)-1 bytes.  Non-positive sizes get nothing.
func Proportional(remaining int64, sizes []int64) []int64 {
	out := make([]int64, len(sizes))
	if remaining <= 0 {
		return out
	}
	var sum uint64
	for _, s := range sizes {
		if s > 0 {
			sum += uint64(s)
		}
	}
	if sum == 0 {
		return out
	}
	for i, s := range sizes {
		if s <= 0 {
			continue
		}
		hi, lo := bits.Mul64(uint64(remaining), uint64(s))
		q, _ := bits.Div64(hi, lo, sum)
		out[i] = int64(q)
	}
	return out
}
