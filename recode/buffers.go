package recode

import "github.com/Skryldev/media-recoder/core"

// buffers owns the bitmaps of one static recode session.  The scaled buffer
// may alias the decoded one; an aliased pair is released once.
type buffers struct {
	decoded core.Bitmap
	scaled  core.Bitmap
	aliased bool
}

// setDecoded installs a freshly decoded bitmap.  Any previous buffers must
// already have been released.
func (b *buffers) setDecoded(bm core.Bitmap) {
	b.decoded = bm
}

// aliasScaled makes the scaled buffer refer to the decoded one.
func (b *buffers) aliasScaled() {
	b.scaled = b.decoded
	b.aliased = true
}

func (b *buffers) setScaled(bm core.Bitmap) {
	b.scaled = bm
	b.aliased = false
}

// releaseScaled drops the scaled buffer.  An aliased scaled buffer is only
// forgotten; the decoded owner still holds it.
func (b *buffers) releaseScaled() {
	if b.scaled != nil && !b.aliased {
		b.scaled.Release()
	}
	b.scaled = nil
	b.aliased = false
}

func (b *buffers) releaseDecoded() {
	b.releaseScaled()
	if b.decoded != nil {
		b.decoded.Release()
	}
	b.decoded = nil
}

// apply drops what the policy action requires.
func (b *buffers) apply(a Action) {
	switch {
	case a.ReleasesDecoded():
		b.releaseDecoded()
	case a.ReleasesScaled():
		b.releaseScaled()
	}
}

// releaseAll is the deferred exit path of every session.
func (b *buffers) releaseAll() { b.releaseDecoded() }
