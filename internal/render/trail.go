package render

import "sync"

const trailSize = 30

// trail keeps the most recent page diagnostics for one segment.
type trail struct {
	mu        sync.Mutex
	lines     []string
	lastError string
}

func (t *trail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > trailSize {
		t.lines = t.lines[len(t.lines)-trailSize:]
	}
}

func (t *trail) addError(line string) {
	t.add(line)
	t.mu.Lock()
	t.lastError = line
	t.mu.Unlock()
}

func (t *trail) snapshot() ([]string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...), t.lastError
}
