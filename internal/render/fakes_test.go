package render

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/jmylchreest/reelforge/internal/bridge"
)

const (
	testWidth  = 4
	testHeight = 2
	testFrames = 3
)

// fakeEncoder records frames for one output path.
type fakeEncoder struct {
	mu     sync.Mutex
	frames int
	closed bool
}

func (e *fakeEncoder) WriteFrame([]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames++
	return nil
}

func (e *fakeEncoder) WriteAudio([]byte) error { return nil }

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEncoder) Wait() error { return nil }

func (e *fakeEncoder) state() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames, e.closed
}

type fakeEncoders struct {
	mu    sync.Mutex
	byID  map[string]*fakeEncoder
	specs []bridge.EncodeSpec
}

func newFakeEncoders() *fakeEncoders {
	return &fakeEncoders{byID: make(map[string]*fakeEncoder)}
}

func (f *fakeEncoders) Start(_ context.Context, spec bridge.EncodeSpec) (bridge.Encoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	enc := &fakeEncoder{}
	f.byID[spec.OutputPath] = enc
	f.specs = append(f.specs, spec)
	return enc, nil
}

func (f *fakeEncoders) started() []bridge.EncodeSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.EncodeSpec(nil), f.specs...)
}

func (f *fakeEncoders) get(path string) *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[path]
}

// fakeBrowser plays the page runtime: it fetches the job, streams frames
// over the socket and reports through the exposed callbacks.
type fakeBrowser struct {
	fail map[int]string

	mu        sync.Mutex
	attempted []int
	opened    int
	closed    bool
}

func (b *fakeBrowser) Launch(context.Context) (Browser, error) {
	return b, nil
}

func (b *fakeBrowser) NewContext(context.Context, RequestFilter) (ExecutionContext, error) {
	b.mu.Lock()
	b.opened++
	b.mu.Unlock()
	return &fakePage{browser: b, callbacks: make(map[string]Callback)}, nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBrowser) attemptedSegments() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.attempted...)
}

type fakePage struct {
	browser   *fakeBrowser
	callbacks map[string]Callback
	diag      func(string, bool)
	closed    bool
}

func (p *fakePage) Expose(name string, fn Callback) error {
	p.callbacks[name] = fn
	return nil
}

func (p *fakePage) OnDiagnostic(fn func(string, bool)) {
	p.diag = fn
}

func (p *fakePage) call(name string, args ...any) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, _ := json.Marshal(a)
		raw = append(raw, b)
	}
	p.callbacks[name](raw)
}

func (p *fakePage) Navigate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	q := u.Query()
	index, _ := strconv.Atoi(q.Get("segment"))

	p.browser.mu.Lock()
	p.browser.attempted = append(p.browser.attempted, index)
	p.browser.mu.Unlock()

	origin := u.Scheme + "://" + u.Host
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/jobs/"+q.Get("token"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("job description: %s", resp.Status)
	}

	if msg, ok := p.browser.fail[index]; ok {
		p.diag("console.error: "+msg, true)
		p.call(CallbackError, msg)
		return nil
	}

	ws, err := websocket.Dial(
		fmt.Sprintf("ws://%s/socket?token=%s&segment=%d", u.Host, q.Get("token"), index),
		"", origin,
	)
	if err != nil {
		return err
	}
	defer ws.Close()

	frame := append([]byte{TagFrame}, make([]byte, testWidth*testHeight*4)...)
	for i := 0; i < testFrames; i++ {
		if err := websocket.Message.Send(ws, frame); err != nil {
			return err
		}
		var ack SocketMessage
		if err := websocket.JSON.Receive(ws, &ack); err != nil {
			return err
		}
		if ack.Type != MsgAck {
			return fmt.Errorf("unexpected reply %q: %s", ack.Type, ack.Message)
		}
		p.call(CallbackProgress, i+1, testFrames)
	}
	if err := websocket.JSON.Send(ws, SocketMessage{Type: MsgEnd}); err != nil {
		return err
	}

	p.call(CallbackEnd, StatusSuccess)
	return nil
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}
