package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/net/websocket"

	"github.com/jmylchreest/reelforge/internal/bridge"
)

// Binary message tags. JSON control messages start with '{'.
const (
	TagFrame byte = 0x01
	TagAudio byte = 0x02
)

// Socket message types.
const (
	MsgAuth        = "auth"
	MsgStart       = "start"
	MsgEnd         = "end"
	MsgProgress    = "progress"
	MsgRenderEnd   = "render-end"
	MsgRenderError = "render-error"
	MsgAck         = "ack"
	MsgError       = "error"
)

// SocketMessage is a JSON control message on the frame socket.
type SocketMessage struct {
	Type    string      `json:"type"`
	Auth    *SocketAuth `json:"auth,omitempty"`
	Frame   int         `json:"frame,omitempty"`
	Total   int         `json:"total,omitempty"`
	Status  string      `json:"status,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SocketAuth carries the job token when it is not in the query string.
type SocketAuth struct {
	Token string `json:"token"`
}

func (s *jobServer) socketHandler() http.Handler {
	return websocket.Server{
		Handshake: func(_ *websocket.Config, r *http.Request) error {
			if t := r.URL.Query().Get("token"); t != "" && t != s.token {
				s.logger.Warn("socket handshake rejected", slog.String("remote", r.RemoteAddr))
				return ErrUnauthorized
			}
			return nil
		},
		Handler: s.serveSocket,
	}
}

func (s *jobServer) serveSocket(ws *websocket.Conn) {
	defer ws.Close()
	ws.MaxPayloadBytes = s.encodeSpec.FrameSize() + 1<<20

	query := ws.Request().URL.Query()
	if query.Get("token") == "" {
		if err := s.authenticate(ws); err != nil {
			s.sendError(ws, err)
			return
		}
	}

	index, err := strconv.Atoi(query.Get("segment"))
	if err != nil {
		s.sendError(ws, fmt.Errorf("%w: %q", ErrUnknownSegment, query.Get("segment")))
		return
	}
	sess, ok := s.sessions[index]
	if !ok {
		s.sendError(ws, fmt.Errorf("%w: %d", ErrUnknownSegment, index))
		return
	}
	if err := sess.bind(ws); err != nil {
		s.sendError(ws, err)
		return
	}
	defer sess.endStream()

	logger := s.logger.With(slog.Int("segment_index", index))

	spec := s.encodeSpec
	spec.OutputPath = sess.def.OutputPath
	b, err := bridge.Start(s.ctx, s.encoders, spec, s.bufferFrames, logger)
	if err != nil {
		logger.Error("starting segment encoder", slog.String("error", err.Error()))
		sess.trail.addError(err.Error())
		s.sendError(ws, err)
		return
	}
	sess.setBridge(b)
	logger.Debug("frame socket connected", slog.String("output", spec.OutputPath))

	var frames int
	for {
		var data []byte
		if err := websocket.Message.Receive(ws, &data); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("frame socket closed", slog.String("error", err.Error()))
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case TagFrame:
			if err := b.PushFrame(s.ctx, data[1:]); err != nil {
				sess.trail.addError(err.Error())
				s.sendError(ws, err)
				return
			}
			frames++
			if err := websocket.JSON.Send(ws, SocketMessage{Type: MsgAck, Frame: frames}); err != nil {
				return
			}
		case TagAudio:
			if err := b.PushAudio(s.ctx, data[1:]); err != nil {
				sess.trail.addError(err.Error())
				s.sendError(ws, err)
				return
			}
		case '{':
			var msg SocketMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("malformed socket message", slog.String("error", err.Error()))
				continue
			}
			s.handleControl(sess, msg)
		default:
			logger.Warn("unknown socket message tag", slog.Int("tag", int(data[0])))
		}
	}
}

func (s *jobServer) handleControl(sess *session, msg SocketMessage) {
	switch msg.Type {
	case MsgStart, MsgAuth:
	case MsgEnd:
		sess.endStream()
	case MsgProgress:
		s.tracker.Update(sess.def.Index, msg.Frame, msg.Total)
	case MsgRenderEnd:
		sess.finish(msg.Status, "")
	case MsgRenderError:
		sess.trail.addError(msg.Message)
		sess.finish("error", msg.Message)
	}
}

// authenticate reads the auth message that must open a connection made
// without a query token.
func (s *jobServer) authenticate(ws *websocket.Conn) error {
	var msg SocketMessage
	if err := websocket.JSON.Receive(ws, &msg); err != nil {
		return ErrUnauthorized
	}
	if msg.Type != MsgAuth || msg.Auth == nil || msg.Auth.Token != s.token {
		return ErrUnauthorized
	}
	return nil
}

func (s *jobServer) sendError(ws *websocket.Conn, err error) {
	_ = websocket.JSON.Send(ws, SocketMessage{Type: MsgError, Message: err.Error()})
}
