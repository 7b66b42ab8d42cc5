package recode

import (
	"math"

	"github.com/Skryldev/media-recoder/config"
)

// Action is the policy's decision after an attempt that did not fit.
type Action int

const (
	// ReduceQuality lowers the encode quality and keeps both buffers.
	ReduceQuality Action = iota + 1
	// ReduceScale shrinks the output and rebuilds the scaled buffer.
	ReduceScale
	// RetryIdentical repeats the attempt after the previous round produced
	// no bytes at all.
	RetryIdentical
	// Resubsample re-decodes at twice the subsample factor.
	Resubsample
	// GiveUp ends the session.
	GiveUp
)

func (a Action) String() string {
	switch a {
	case ReduceQuality:
		return "reduce_quality"
	case ReduceScale:
		return "reduce_scale"
	case RetryIdentical:
		return "retry_identical"
	case Resubsample:
		return "resubsample"
	case GiveUp:
		return "give_up"
	}
	return "none"
}

// ReleasesScaled reports whether the scaled buffer must be dropped before the
// next attempt.
func (a Action) ReleasesScaled() bool { return a == ReduceScale || a == Resubsample }

// ReleasesDecoded reports whether the decoded buffer must be dropped before
// the next attempt.
func (a Action) ReleasesDecoded() bool { return a == Resubsample }

// State is the parameter set of one attempt.
type State struct {
	Quality     int
	ScaleFactor float64 // >= 1
	Subsample   int     // power of two
}

// Outcome is what the previous attempt produced.
type Outcome struct {
	Size      int // encoded bytes; <= 0 when nothing was produced
	ByteLimit int
}

// Policy chooses the next attempt's parameters.  It holds no session state,
// so one Policy may serve any number of concurrent sessions.
type Policy struct {
	StartQuality      int
	MinQuality        int
	QualityStepRatio  float64
	MinScaleDownRatio float64
	MaxSubsample      int
}

// NewPolicy builds a Policy from the recode configuration.
func NewPolicy(c config.RecodeConfig) Policy {
	return Policy{
		StartQuality:      c.StartQuality,
		MinQuality:        c.MinQuality,
		QualityStepRatio:  c.QualityStepRatio,
		MinScaleDownRatio: c.MinScaleDownRatio,
		MaxSubsample:      MaxSubsample,
	}
}

// DefaultPolicy is NewPolicy over config.Default().
func DefaultPolicy() Policy { return NewPolicy(config.Default().Recode) }

// Initial is the state of the first attempt at the given subsample.
func (p Policy) Initial(subsample int) State {
	if subsample < 1 {
		subsample = 1
	}
	return State{Quality: p.StartQuality, ScaleFactor: 1, Subsample: subsample}
}

// Next is a pure transition.  The branches are tried in order of cost: a
// quality cut reuses both buffers, a scale cut reuses the decode and a
// resubsample forces a full decode.
func (p Policy) Next(s State, o Outcome) (State, Action) {
	k := p.MinScaleDownRatio

	switch {
	case o.Size > 0 && s.Quality > p.MinQuality:
		ratio := math.Sqrt(float64(o.ByteLimit) / float64(o.Size))
		target := int(float64(s.Quality) * ratio)
		step := int(float64(s.Quality) * p.QualityStepRatio)
		s.Quality = max(p.MinQuality, min(target, step))
		return s, ReduceQuality

	case o.Size > 0 && s.ScaleFactor < 2*k*k:
		s.Quality = p.StartQuality
		s.ScaleFactor /= k
		return s, ReduceScale

	case o.Size <= 0:
		return s, RetryIdentical
	}

	if s.Subsample > p.MaxSubsample/2 {
		return s, GiveUp
	}
	s.Subsample *= 2
	s.Quality = p.StartQuality
	s.ScaleFactor = 1
	return s, Resubsample
}
