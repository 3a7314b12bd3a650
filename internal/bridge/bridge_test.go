package bridge

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/reelforge/internal/project"
)

type fakeEncoder struct {
	mu       sync.Mutex
	frames   [][]byte
	audio    [][]byte
	closed   bool
	gate     chan struct{}
	writeErr error
	waitErr  error
}

func (e *fakeEncoder) WriteFrame(frame []byte) error {
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writeErr != nil {
		return e.writeErr
	}
	e.frames = append(e.frames, frame)
	return nil
}

func (e *fakeEncoder) WriteAudio(chunk []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audio = append(e.audio, chunk)
	return nil
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEncoder) Wait() error {
	return e.waitErr
}

type fakeFactory struct {
	enc  *fakeEncoder
	spec EncodeSpec
	err  error
}

func (f *fakeFactory) Start(_ context.Context, spec EncodeSpec) (Encoder, error) {
	f.spec = spec
	if f.err != nil {
		return nil, f.err
	}
	return f.enc, nil
}

func testSpec() EncodeSpec {
	return EncodeSpec{OutputPath: "/tmp/seg.mp4", Format: project.FormatMP4, FPS: 30, Width: 2, Height: 2}
}

func frame(tag byte) []byte {
	f := make([]byte, 2*2*4)
	f[0] = tag
	return f
}

func TestBridge_WritesFramesInOrder(t *testing.T) {
	enc := &fakeEncoder{}
	b, err := Start(context.Background(), &fakeFactory{enc: enc}, testSpec(), 2, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.PushFrame(context.Background(), frame(byte(i))))
	}
	require.NoError(t, b.Wait(context.Background()))

	require.Len(t, enc.frames, 10)
	for i, f := range enc.frames {
		assert.Equal(t, byte(i), f[0])
	}
	assert.True(t, enc.closed)
	assert.EqualValues(t, 10, b.Frames())
}

func TestBridge_PushBlocksWhenQueueFull(t *testing.T) {
	enc := &fakeEncoder{gate: make(chan struct{})}
	b, err := Start(context.Background(), &fakeFactory{enc: enc}, testSpec(), 1, nil)
	require.NoError(t, err)

	// One frame is held by the encoder, one sits in the queue.
	require.NoError(t, b.PushFrame(context.Background(), frame(0)))
	require.NoError(t, b.PushFrame(context.Background(), frame(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = b.PushFrame(ctx, frame(2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(enc.gate)
	require.NoError(t, b.Wait(context.Background()))
	assert.Len(t, enc.frames, 2)
}

func TestBridge_RejectsWrongFrameSize(t *testing.T) {
	b, err := Start(context.Background(), &fakeFactory{enc: &fakeEncoder{}}, testSpec(), 1, nil)
	require.NoError(t, err)
	defer b.Finish()

	err = b.PushFrame(context.Background(), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestBridge_AudioRequiresCapture(t *testing.T) {
	enc := &fakeEncoder{}
	b, err := Start(context.Background(), &fakeFactory{enc: enc}, testSpec(), 1, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, b.PushAudio(context.Background(), []byte{0, 0}), ErrAudioLayout)
	require.NoError(t, b.Wait(context.Background()))

	spec := testSpec()
	spec.Audio = true
	enc = &fakeEncoder{}
	b, err = Start(context.Background(), &fakeFactory{enc: enc}, spec, 1, nil)
	require.NoError(t, err)
	require.NoError(t, b.PushAudio(context.Background(), []byte{0, 0, 0, 0}))
	require.NoError(t, b.Wait(context.Background()))
	assert.Len(t, enc.audio, 1)
}

func TestBridge_PushAfterFinish(t *testing.T) {
	b, err := Start(context.Background(), &fakeFactory{enc: &fakeEncoder{}}, testSpec(), 1, nil)
	require.NoError(t, err)

	b.Finish()
	b.Finish()
	assert.ErrorIs(t, b.PushFrame(context.Background(), frame(0)), ErrFinished)
	assert.NoError(t, b.Wait(context.Background()))
}

func TestBridge_WriteErrorFailsSegment(t *testing.T) {
	broken := errors.New("broken pipe")
	enc := &fakeEncoder{writeErr: broken}
	b, err := Start(context.Background(), &fakeFactory{enc: enc}, testSpec(), 1, nil)
	require.NoError(t, err)

	_ = b.PushFrame(context.Background(), frame(0))
	err = b.Wait(context.Background())
	assert.ErrorIs(t, err, broken)
	assert.True(t, enc.closed)
}

func TestBridge_EncoderExitError(t *testing.T) {
	exit := errors.New("exit status 1")
	b, err := Start(context.Background(), &fakeFactory{enc: &fakeEncoder{waitErr: exit}}, testSpec(), 1, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Wait(context.Background()), exit)
}

func TestStart_FactoryError(t *testing.T) {
	_, err := Start(context.Background(), &fakeFactory{err: errors.New("no ffmpeg")}, testSpec(), 1, nil)
	assert.ErrorContains(t, err, "no ffmpeg")

	bad := testSpec()
	bad.FPS = 0
	_, err = Start(context.Background(), &fakeFactory{enc: &fakeEncoder{}}, bad, 1, nil)
	assert.Error(t, err)
}

func TestFFmpegFactory_Command(t *testing.T) {
	f := NewFFmpegFactory("/usr/bin/ffmpeg", "", nil)

	spec := testSpec()
	spec.Width, spec.Height = 1280, 720
	spec.Quality = project.QualityHigh
	cmd := f.Command(spec)
	str := cmd.String()
	assert.Contains(t, str, "-f rawvideo -pix_fmt rgba -s 1280x720 -r 30 -i pipe:0")
	assert.Contains(t, str, "-c:v libx264 -preset veryfast -crf 18 -pix_fmt yuv420p")
	assert.Contains(t, str, "-movflags +faststart")
	assert.NotContains(t, str, "pipe:3")
	assert.Equal(t, "/tmp/seg.mp4", cmd.Args[len(cmd.Args)-1])

	spec.Format = project.FormatWebM
	spec.Audio = true
	spec.OutputPath = "/tmp/seg.webm"
	str = f.Command(spec).String()
	assert.Contains(t, str, "-f s16le -ar 48000 -ac 2 -i pipe:3")
	assert.Contains(t, str, "-c:v libvpx-vp9")
	assert.Contains(t, str, "-c:a libopus")

	spec.Format = project.FormatGIF
	spec.Audio = false
	str = f.Command(spec).String()
	assert.Contains(t, str, "palettegen")
	assert.NotContains(t, str, "libx264")
}

func TestFFmpegFactory_EncodesSegment(t *testing.T) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}

	spec := EncodeSpec{
		OutputPath: filepath.Join(t.TempDir(), "segment.mp4"),
		Format:     project.FormatMP4,
		FPS:        10,
		Width:      16,
		Height:     16,
		Quality:    project.QualityDraft,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := Start(ctx, NewFFmpegFactory(path, "ultrafast", nil), spec, 4, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, b.PushFrame(ctx, make([]byte, spec.FrameSize())))
	}
	require.NoError(t, b.Wait(ctx))
	assert.FileExists(t, spec.OutputPath)
}
