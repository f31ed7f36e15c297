package transport

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattjoyce/dispatchd/internal/client"
	"github.com/mattjoyce/dispatchd/internal/protocol"
)

// readPump decodes inbound frames and submits them to the dispatcher
// until the socket closes, then synthesizes ClientClosed so the Reader's
// listener cleanup runs (SPEC_FULL.md §7: transport errors are not
// InvariantViolations, they terminate one connection and leave the
// dispatcher alive).
func (s *Server) readPump(conn *websocket.Conn, handle *client.Conn, logger *slog.Logger, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("connection closed", "error", err)
			break
		}

		serial, req, err := protocol.DecodeFrame(data)
		if err != nil {
			logger.Warn("malformed frame", "error", err)
			handle.Reply(serial, protocol.ErrorResponse{Message: err.Error()})
			continue
		}

		sreq := protocol.ServerRequest{Client: handle, Serial: serial, Request: req}
		if err := s.dispatcher.Submit(sreq); err != nil {
			handle.Reply(serial, protocol.ErrorResponse{Message: "queue full"})
		}
	}

	_ = s.dispatcher.Submit(protocol.ServerRequest{Client: handle, Request: protocol.ClientClosed{}})
	handle.Close()
}

// writePump drains handle's event and reply channels onto the socket.
// This is what makes client.Conn.Send/Reply non-blocking from the
// Reader's perspective: backpressure to the network lives here, not in
// the dispatcher core (spec.md §4.A).
func (s *Server) writePump(conn *websocket.Conn, handle *client.Conn, logger *slog.Logger, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return

		case reply, ok := <-handle.Replies():
			if !ok {
				return
			}
			if err := s.writeJSON(conn, func() ([]byte, error) {
				return protocol.EncodeResponse(reply.Serial, reply.Response)
			}, logger); err != nil {
				return
			}

		case ev, ok := <-handle.Events():
			if !ok {
				return
			}
			evt, isEvent := ev.(protocol.Event)
			if !isEvent {
				logger.Warn("dropping non-event value sent to client", "type", typeOf(ev))
				continue
			}
			if err := s.writeJSON(conn, func() ([]byte, error) {
				return protocol.EncodeEvent(evt)
			}, logger); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, encode func() ([]byte, error), logger *slog.Logger) error {
	data, err := encode()
	if err != nil {
		logger.Warn("failed to encode outbound frame", "error", err)
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func typeOf(v any) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return "unknown"
}
