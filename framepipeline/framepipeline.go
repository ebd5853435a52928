// Package framepipeline converts raw emulator framebuffers into compressed
// JPEG images under a bounded concurrency budget. Frames that arrive while
// every compression slot is busy land in a single latest-wins queue slot, so
// spectators always receive the most recent frame the pipeline could afford
// to encode, never a backlog of stale ones.
package framepipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"golang.org/x/sync/semaphore"
)

const (
	// defaultMaxConcurrent is the compression concurrency budget.
	defaultMaxConcurrent = 8

	// jpegQuality is the fixed encoder quality preset. The standard encoder
	// subsamples chroma at 4:2:0 for color input, which is what the wire
	// format expects.
	jpegQuality = 75
)

// Config configures a Pipeline.
type Config struct {
	// Width and Height are the raw framebuffer dimensions, in pixels. Each
	// submitted frame must be exactly Width*Height*4 RGBA bytes.
	Width  int
	Height int

	// MaxConcurrent bounds the number of in-flight compressions. Zero or
	// negative selects the default of 8.
	MaxConcurrent int
}

// Pipeline compresses framebuffers with at most cfg.MaxConcurrent encodes in
// flight. Submit never blocks the caller: when no slot is free the frame is
// parked in the one-deep queue, replacing whatever was parked before it.
type Pipeline struct {
	cfg         Config
	onCompressed func(jpeg []byte)

	sem *semaphore.Weighted

	// encode is swapped out by tests to exercise the queuing policy without
	// paying for real JPEG encodes.
	encode func(frame []byte) ([]byte, error)

	mtx       sync.Mutex
	queued    []byte
	hasQueued bool
}

// New creates a Pipeline delivering each compressed frame to onCompressed.
// onCompressed is invoked from the compression goroutines; callers needing
// ordering must impose it themselves (the hub's broadcast funnel does).
func New(cfg Config, onCompressed func(jpeg []byte)) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	p := &Pipeline{
		cfg:          cfg,
		onCompressed: onCompressed,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	p.encode = p.encodeJPEG
	return p
}

// Submit hands a raw RGBA framebuffer to the pipeline. If a compression slot
// is free the frame begins encoding immediately; otherwise it replaces the
// queued frame. The pipeline takes ownership of the slice.
func (p *Pipeline) Submit(frame []byte) {
	if p.sem.TryAcquire(1) {
		go p.compress(frame)
		return
	}

	p.mtx.Lock()
	if p.hasQueued {
		log.Tracef("replacing queued frame (latest-wins)")
	}
	p.queued = frame
	p.hasQueued = true
	p.mtx.Unlock()
}

// compress encodes one frame, then drains the queue slot if a frame is
// parked there and a slot can be re-acquired. The slot is always restored,
// including on encoder error.
func (p *Pipeline) compress(frame []byte) {
	out, err := p.encode(frame)

	p.sem.Release(1)

	if err != nil {
		log.Errorf("frame compression failed: %v", err)
	} else if p.onCompressed != nil {
		p.onCompressed(out)
	}

	p.mtx.Lock()
	if p.hasQueued && p.sem.TryAcquire(1) {
		next := p.queued
		p.queued = nil
		p.hasQueued = false
		p.mtx.Unlock()
		go p.compress(next)
		return
	}
	p.mtx.Unlock()
}

// encodeJPEG wraps the raw RGBA bytes in an image and runs the standard JPEG
// encoder at the fixed quality preset.
func (p *Pipeline) encodeJPEG(frame []byte) ([]byte, error) {
	want := p.cfg.Width * p.cfg.Height * 4
	if len(frame) != want {
		return nil, fmt.Errorf("framepipeline: frame is %d bytes, want %d", len(frame), want)
	}

	img := &image.RGBA{
		Pix:    frame,
		Stride: p.cfg.Width * 4,
		Rect:   image.Rect(0, 0, p.cfg.Width, p.cfg.Height),
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("framepipeline: encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
