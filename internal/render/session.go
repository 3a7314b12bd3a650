package render

import (
	"sync"

	"golang.org/x/net/websocket"

	"github.com/jmylchreest/reelforge/internal/bridge"
	"github.com/jmylchreest/reelforge/internal/segment"
)

// Terminal statuses reported by the page runtime.
const StatusSuccess = "success"

type outcome struct {
	status  string
	message string
}

// session is the host-side state of one segment: its socket, its bridge and
// its terminal signal.
type session struct {
	def   segment.Definition
	trail trail

	mu     sync.Mutex
	conn   *websocket.Conn
	bridge *bridge.Bridge

	resultOnce sync.Once
	result     chan outcome

	streamOnce sync.Once
	streamDone chan struct{}
}

func newSession(def segment.Definition) *session {
	return &session{
		def:        def,
		result:     make(chan outcome, 1),
		streamDone: make(chan struct{}),
	}
}

func (s *session) bind(conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return ErrAlreadyBound
	}
	s.conn = conn
	return nil
}

func (s *session) setBridge(b *bridge.Bridge) {
	s.mu.Lock()
	s.bridge = b
	s.mu.Unlock()
}

func (s *session) currentBridge() *bridge.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// finish records the first terminal status.
func (s *session) finish(status, message string) {
	s.resultOnce.Do(func() {
		s.result <- outcome{status: status, message: message}
	})
}

// endStream marks that no more frames will arrive.
func (s *session) endStream() {
	s.streamOnce.Do(func() {
		if b := s.currentBridge(); b != nil {
			b.Finish()
		}
		close(s.streamDone)
	})
}

// close drops the socket and stops the bridge input.
func (s *session) close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	s.endStream()
}
