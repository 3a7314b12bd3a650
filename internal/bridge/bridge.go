// Package bridge feeds raw frames from one render context into one encoder
// process, producing a single segment file.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jmylchreest/reelforge/internal/project"
)

// Audio stream layout accepted by WriteAudio: interleaved s16le.
const (
	AudioSampleRate = 48000
	AudioChannels   = 2

	bytesPerPixel = 4

	// DefaultBufferFrames bounds the queue between the socket and the encoder.
	DefaultBufferFrames = 8
)

// Bridge errors.
var (
	ErrFinished    = errors.New("bridge already finished")
	ErrFrameSize   = errors.New("frame size does not match output dimensions")
	ErrAudioLayout = errors.New("audio capture not enabled for this bridge")
)

// EncodeSpec configures the encoder for one segment.
type EncodeSpec struct {
	OutputPath string
	Format     project.Format
	FPS        float64
	Width      int
	Height     int
	Quality    string
	// Audio enables a second PCM input alongside the frames.
	Audio bool
}

// FrameSize returns the byte length of one RGBA frame.
func (s EncodeSpec) FrameSize() int {
	return s.Width * s.Height * bytesPerPixel
}

// Encoder consumes frames and audio for one output file.
type Encoder interface {
	WriteFrame(frame []byte) error
	WriteAudio(chunk []byte) error
	// Close signals end of input.
	Close() error
	// Wait blocks until the encoder has exited.
	Wait() error
}

// EncoderFactory starts encoders.
type EncoderFactory interface {
	Start(ctx context.Context, spec EncodeSpec) (Encoder, error)
}

type packetKind uint8

const (
	packetFrame packetKind = iota
	packetAudio
)

type packet struct {
	kind packetKind
	data []byte
}

// Bridge is a bounded, ordered pipe from one producer into one encoder.
// Pushes block while the queue is full.
type Bridge struct {
	spec   EncodeSpec
	enc    Encoder
	logger *slog.Logger

	queue chan packet

	mu       sync.RWMutex
	finished bool

	failOnce sync.Once
	failed   chan struct{}
	writeErr error

	done chan struct{}
	err  error

	frames atomic.Int64
}

// Start launches an encoder for spec and returns a bridge feeding it.
func Start(ctx context.Context, factory EncoderFactory, spec EncodeSpec, bufferFrames int, logger *slog.Logger) (*Bridge, error) {
	if spec.Width <= 0 || spec.Height <= 0 || spec.FPS <= 0 {
		return nil, fmt.Errorf("invalid encode spec %dx%d@%v", spec.Width, spec.Height, spec.FPS)
	}
	if bufferFrames <= 0 {
		bufferFrames = DefaultBufferFrames
	}
	if logger == nil {
		logger = slog.Default()
	}

	enc, err := factory.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("starting encoder: %w", err)
	}

	b := &Bridge{
		spec:   spec,
		enc:    enc,
		logger: logger,
		queue:  make(chan packet, bufferFrames),
		failed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.drain()
	return b, nil
}

// drain writes queued packets in order, then closes and waits on the encoder.
func (b *Bridge) drain() {
	defer close(b.done)

	for p := range b.queue {
		if b.failure() != nil {
			continue
		}
		var err error
		switch p.kind {
		case packetFrame:
			if err = b.enc.WriteFrame(p.data); err == nil {
				b.frames.Add(1)
			}
		case packetAudio:
			err = b.enc.WriteAudio(p.data)
		}
		if err != nil {
			b.fail(fmt.Errorf("writing to encoder: %w", err))
		}
	}

	closeErr := b.enc.Close()
	waitErr := b.enc.Wait()

	switch {
	case b.failure() != nil:
		b.err = b.failure()
	case waitErr != nil:
		b.err = fmt.Errorf("encoder exited: %w", waitErr)
	case closeErr != nil:
		b.err = fmt.Errorf("closing encoder input: %w", closeErr)
	}

	if b.err != nil {
		b.logger.Error("segment encode failed",
			slog.String("output", b.spec.OutputPath),
			slog.String("error", b.err.Error()),
		)
		return
	}
	b.logger.Debug("segment encoded",
		slog.String("output", b.spec.OutputPath),
		slog.Int64("frames", b.frames.Load()),
	)
}

func (b *Bridge) fail(err error) {
	b.failOnce.Do(func() {
		b.writeErr = err
		close(b.failed)
	})
}

func (b *Bridge) failure() error {
	select {
	case <-b.failed:
		return b.writeErr
	default:
		return nil
	}
}

// PushFrame queues one RGBA frame, blocking while the queue is full.
func (b *Bridge) PushFrame(ctx context.Context, frame []byte) error {
	if len(frame) != b.spec.FrameSize() {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), b.spec.FrameSize())
	}
	return b.push(ctx, packet{kind: packetFrame, data: frame})
}

// PushAudio queues one interleaved PCM chunk.
func (b *Bridge) PushAudio(ctx context.Context, chunk []byte) error {
	if !b.spec.Audio {
		return ErrAudioLayout
	}
	return b.push(ctx, packet{kind: packetAudio, data: chunk})
}

func (b *Bridge) push(ctx context.Context, p packet) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.finished {
		return ErrFinished
	}
	if err := b.failure(); err != nil {
		return err
	}

	select {
	case b.queue <- p:
		return nil
	case <-b.failed:
		return b.writeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish marks the end of input. Safe to call more than once.
func (b *Bridge) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return
	}
	b.finished = true
	close(b.queue)
}

// Wait finishes input and blocks until the encoder exits.
func (b *Bridge) Wait(ctx context.Context) error {
	b.Finish()
	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames returns the number of frames written to the encoder.
func (b *Bridge) Frames() int64 {
	return b.frames.Load()
}

// Spec returns the encode parameters.
func (b *Bridge) Spec() EncodeSpec {
	return b.spec
}
