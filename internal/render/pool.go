package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Callback is a host function the page invokes with JSON-encoded arguments.
type Callback func(args []json.RawMessage)

// ExecutionContext is one isolated page able to run the scene runtime.
type ExecutionContext interface {
	// Expose makes fn callable from the page as window[name](...). Must be
	// called before Navigate.
	Expose(name string, fn Callback) error
	// OnDiagnostic registers a sink for console, exception and failed request
	// lines. isError marks exceptions and failures.
	OnDiagnostic(fn func(line string, isError bool))
	// Navigate loads url and waits for the network to go idle.
	Navigate(ctx context.Context, url string) error
	Close() error
}

// Browser creates isolated execution contexts that share one sandbox policy.
type Browser interface {
	NewContext(ctx context.Context, filter RequestFilter) (ExecutionContext, error)
	Close() error
}

// Launcher starts a browser owned by a single job.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Browser, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context) (Browser, error) {
	return f(ctx)
}

// Pool caps the number of live execution contexts for one job.
type Pool struct {
	browser Browser
	filter  RequestFilter
	size    int64
	sem     *semaphore.Weighted

	mu     sync.Mutex
	active map[ExecutionContext]struct{}
	closed bool
}

// NewPool creates a pool of at most size concurrent contexts.
func NewPool(browser Browser, size int, filter RequestFilter) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		browser: browser,
		filter:  filter,
		size:    int64(size),
		sem:     semaphore.NewWeighted(int64(size)),
		active:  make(map[ExecutionContext]struct{}),
	}
}

// Size returns the concurrency cap.
func (p *Pool) Size() int {
	return int(p.size)
}

// Acquire blocks for a free slot and opens a fresh context in it.
func (p *Pool) Acquire(ctx context.Context) (ExecutionContext, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}

	ec, err := p.browser.NewContext(ctx, p.filter)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("opening execution context: %w", err)
	}

	p.mu.Lock()
	p.active[ec] = struct{}{}
	p.mu.Unlock()
	return ec, nil
}

// Release closes a context and frees its slot.
func (p *Pool) Release(ec ExecutionContext) error {
	p.mu.Lock()
	_, ok := p.active[ec]
	delete(p.active, ec)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	defer p.sem.Release(1)
	return ec.Close()
}

// Close closes every live context, then the browser. Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	active := make([]ExecutionContext, 0, len(p.active))
	for ec := range p.active {
		active = append(active, ec)
	}
	p.active = map[ExecutionContext]struct{}{}
	p.mu.Unlock()

	var errs []error
	for _, ec := range active {
		if err := ec.Close(); err != nil {
			errs = append(errs, err)
		}
		p.sem.Release(1)
	}
	if err := p.browser.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
