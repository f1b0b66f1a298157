// Package rmaws carries migration window operations over websocket.
//
// Server exposes the channels of a LocalWindow; Client implements
// migration.Window against a Server. Each FETCH_ADD is executed as one
// atomic reservation on the server side, so disjointness holds no matter
// how many clients reserve on the same partition at once.
package rmaws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"heatbugs.ai/internal/protocol"
	"heatbugs.ai/internal/sim/grid"
	"heatbugs.ai/internal/sim/migration"
)

// Idle sessions are closed after readTimeout; clients ping well within it.
const (
	readTimeout  = 60 * time.Second
	pingInterval = 20 * time.Second
)

// Host is the window a Server exposes.
type Host interface {
	migration.Window
	Ranks() []int
	CapacityRecords() int
}

type Server struct {
	host Host
	log  *log.Logger

	upgrader websocket.Upgrader

	sessions  atomic.Int64
	fetchAdds atomic.Uint64
	puts      atomic.Uint64
	failures  atomic.Uint64
}

type ServerStats struct {
	Sessions  int64  `json:"sessions"`
	FetchAdds uint64 `json:"fetch_adds"`
	Puts      uint64 `json:"puts"`
	Failures  uint64 `json:"failures"`
}

func NewServer(host Host, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		host: host,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Stats() ServerStats {
	return ServerStats{
		Sessions:  s.sessions.Load(),
		FetchAdds: s.fetchAdds.Load(),
		Puts:      s.puts.Load(),
		Failures:  s.failures.Load(),
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, ok := s.handshake(conn)
		if !ok {
			return
		}
		s.sessions.Add(1)
		defer s.sessions.Add(-1)

		conn.SetPingHandler(func(data string) error {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Printf("rma session rank=%d closed: %v", hello.Rank, err)
				}
				return
			}
			res := s.handle(ctx, msg)
			if err := writeJSON(conn, res); err != nil {
				s.log.Printf("rma session rank=%d write: %v", hello.Rank, err)
				return
			}
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (protocol.HelloMsg, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return protocol.HelloMsg{}, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return protocol.HelloMsg{}, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return protocol.HelloMsg{}, false
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return protocol.HelloMsg{}, false
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       uuid.NewString(),
		Ranks:           s.host.Ranks(),
		CapacityRecords: s.host.CapacityRecords(),
	}
	if err := writeJSON(conn, welcome); err != nil {
		return protocol.HelloMsg{}, false
	}
	return hello, true
}

func (s *Server) handle(ctx context.Context, msg []byte) protocol.ResultMsg {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return s.fail(0, protocol.ErrProtoBadRequest, "bad json")
	}
	switch base.Type {
	case protocol.TypeFetchAdd:
		var m protocol.FetchAddMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return s.fail(0, protocol.ErrProtoBadRequest, "bad FETCH_ADD")
		}
		if m.Delta <= 0 {
			return s.fail(m.Seq, protocol.ErrProtoBadRequest, "delta must be > 0")
		}
		s.fetchAdds.Add(1)
		off, err := s.host.FetchAndAdd(ctx, m.Rank, m.Delta)
		if err != nil {
			res := s.fail(m.Seq, codeFor(err), err.Error())
			res.Offset = off
			return res
		}
		return protocol.ResultMsg{Type: protocol.TypeResult, Seq: m.Seq, OK: true, Offset: off}

	case protocol.TypePut:
		var m protocol.PutMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return s.fail(0, protocol.ErrProtoBadRequest, "bad PUT")
		}
		if len(m.Slots) == 0 {
			return s.fail(m.Seq, protocol.ErrProtoBadRequest, "empty slots")
		}
		s.puts.Add(1)
		if err := s.host.Put(ctx, m.Rank, m.Offset, m.Slots); err != nil {
			return s.fail(m.Seq, codeFor(err), err.Error())
		}
		return protocol.ResultMsg{Type: protocol.TypeResult, Seq: m.Seq, OK: true, Offset: m.Offset}
	}
	return s.fail(0, protocol.ErrProtoBadRequest, "unexpected type "+base.Type)
}

func (s *Server) fail(seq uint64, code, message string) protocol.ResultMsg {
	s.failures.Add(1)
	return protocol.ResultMsg{Type: protocol.TypeResult, Seq: seq, Code: code, Message: message}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, migration.ErrChannelFull):
		return protocol.ErrChannelFull
	case errors.Is(err, migration.ErrOffsetOutOfRange):
		return protocol.ErrOffsetRange
	case errors.Is(err, grid.ErrUnknownPartition):
		return protocol.ErrUnknownPartition
	}
	return protocol.ErrInternal
}

// errorFor maps a failed RESULT back onto the sentinel errors callers test
// for with errors.Is.
func errorFor(res protocol.ResultMsg) error {
	var base error
	switch res.Code {
	case protocol.ErrChannelFull:
		base = migration.ErrChannelFull
	case protocol.ErrOffsetRange:
		base = migration.ErrOffsetOutOfRange
	case protocol.ErrUnknownPartition:
		base = grid.ErrUnknownPartition
	default:
		return &RemoteError{Code: res.Code, Message: res.Message}
	}
	return &RemoteError{Code: res.Code, Message: res.Message, base: base}
}

// RemoteError is a failure reported by the server.
type RemoteError struct {
	Code    string
	Message string
	base    error
}

func (e *RemoteError) Error() string { return "rma " + e.Code + ": " + e.Message }
func (e *RemoteError) Unwrap() error { return e.base }

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
