package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const stderrTailLines = 50

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	logLevel   string
	overwrite  bool
	globalArgs []string
	inputs     [][]string
	filter     string
	outputArgs []string
	output     string
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{binary: ffmpegPath, logLevel: "error"}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Input adds an input with the options that precede its -i.
func (b *CommandBuilder) Input(src string, opts ...string) *CommandBuilder {
	args := append(append([]string(nil), opts...), "-i", src)
	b.inputs = append(b.inputs, args)
	return b
}

// FilterComplex sets the -filter_complex graph.
func (b *CommandBuilder) FilterComplex(graph string) *CommandBuilder {
	b.filter = graph
	return b
}

// Map selects a stream for the output.
func (b *CommandBuilder) Map(spec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-map", spec)
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	args := []string{"-loglevel", b.logLevel}
	args = append(args, b.globalArgs...)
	if b.overwrite {
		args = append(args, "-y")
	}
	for _, in := range b.inputs {
		args = append(args, in...)
	}
	if b.filter != "" {
		args = append(args, "-filter_complex", b.filter)
	}
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{Binary: b.binary, Args: args}
}

// Command is a built FFmpeg invocation.
type Command struct {
	Binary string
	Args   []string
}

// String returns the command line.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Run executes the command and waits for it. The error carries the last
// lines ffmpeg wrote to stderr.
func (c *Command) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	tail := newTailBuffer(stderrTailLines)
	cmd.Stderr = tail
	if err := cmd.Run(); err != nil {
		return &ExitError{Err: err, Stderr: tail.String()}
	}
	return nil
}

// StartOptions configures the pipes of a streaming process.
type StartOptions struct {
	// ExtraPipes adds writable pipes that the child sees as fd 3, 4, ...
	ExtraPipes int
	Logger     *slog.Logger
}

// Process is a running ffmpeg fed through stdin and optional extra pipes.
type Process struct {
	Stdin io.WriteCloser
	Extra []io.WriteCloser

	cmd  *exec.Cmd
	tail *tailBuffer
}

// Start launches the command with stdin and any extra pipes connected.
func (c *Command) Start(ctx context.Context, opts StartOptions) (*Process, error) {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	tail := newTailBuffer(stderrTailLines)
	cmd.Stderr = tail

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdin pipe: %w", err)
	}

	var childEnds []*os.File
	var extra []io.WriteCloser
	closeAll := func() {
		for _, f := range childEnds {
			f.Close()
		}
		for _, w := range extra {
			w.Close()
		}
	}
	for i := 0; i < opts.ExtraPipes; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("creating pipe: %w", err)
		}
		childEnds = append(childEnds, r)
		extra = append(extra, w)
	}
	cmd.ExtraFiles = childEnds

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}
	for _, f := range childEnds {
		f.Close()
	}

	if opts.Logger != nil {
		opts.Logger.Debug("ffmpeg started",
			slog.Int("pid", cmd.Process.Pid),
			slog.String("command", c.String()),
		)
	}

	return &Process{Stdin: stdin, Extra: extra, cmd: cmd, tail: tail}, nil
}

// CloseInputs closes stdin and every extra pipe, signalling end of stream.
func (p *Process) CloseInputs() error {
	errs := []error{p.Stdin.Close()}
	for _, w := range p.Extra {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

// Wait waits for the process to exit.
func (p *Process) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return &ExitError{Err: err, Stderr: p.tail.String()}
	}
	return nil
}

// Kill terminates the process.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// ExitError is a failed ffmpeg run with its stderr tail.
type ExitError struct {
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg: %v: %s", e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial strings.Builder
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	text := t.partial.String() + string(p)
	t.partial.Reset()

	complete := text
	if idx := strings.LastIndexByte(text, '\n'); idx < len(text)-1 {
		t.partial.WriteString(text[idx+1:])
		complete = text[:idx+1]
	}
	scanner := bufio.NewScanner(strings.NewReader(complete))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.lines = append(t.lines, line)
		if len(t.lines) > t.max {
			t.lines = t.lines[len(t.lines)-t.max:]
		}
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := t.lines
	if rest := strings.TrimSpace(t.partial.String()); rest != "" {
		lines = append(append([]string(nil), lines...), rest)
	}
	return strings.Join(lines, "\n")
}
