package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// maxViolations is how many protocol errors a client may accumulate before
// the connection is closed.
const maxViolations = 5

// AgentRun is the slice of a live run the WebSocket controller drives.
// *runner.Run satisfies it.
type AgentRun interface {
	Events() <-chan models.AgentEvent
	Done() <-chan struct{}
	Interrupt(ctx context.Context) error
	Answer(ctx context.Context, toolUseID string, decision models.PermissionDecision) error
}

// RunStarter launches a run for one inbound prompt. The API layer binds it
// to the session, owner, and injector context of the connection.
type RunStarter func(ctx context.Context, req models.QueryRequest) (AgentRun, error)

// ClientMessage is the inbound WebSocket protocol. Type selects the shape:
// "prompt" carries Request, "answer" carries ToolUseID and Decision,
// "interrupt" carries nothing else.
type ClientMessage struct {
	Type      string                    `json:"type"`
	Request   *models.QueryRequest      `json:"request,omitempty"`
	ToolUseID string                    `json:"tool_use_id,omitempty"`
	Decision  models.PermissionDecision `json:"decision,omitempty"`
}

// serverError is the typed error message sent for protocol violations. The
// connection stays usable until the violation budget runs out.
type serverError struct {
	Kind    string `json:"kind"` // always "protocol_error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSSession multiplexes one WebSocket connection: outbound agent events and
// pings on the write side, the prompt/interrupt/answer state machine on the
// read side. One prompt runs at a time; a prompt sent while a run is active
// is a protocol error, not a queued turn.
type WSSession struct {
	conn  *websocket.Conn
	start RunStarter
	cfg   WireConfig

	writeCh chan outFrame
	runCh   chan AgentRun // hands started runs to the writer loop
}

type outFrame struct {
	messageType int
	data        []byte
}

// NewWSSession wraps an upgraded connection.
func NewWSSession(conn *websocket.Conn, start RunStarter, cfg WireConfig) *WSSession {
	return &WSSession{
		conn:    conn,
		start:   start,
		cfg:     cfg.withDefaults(),
		writeCh: make(chan outFrame, 1),
		runCh:   make(chan AgentRun, 1),
	}
}

// Serve pumps both directions until the client disconnects or violates the
// protocol past the budget. It always returns with the connection closed.
func (s *WSSession) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close()

	writerDone := make(chan error, 1)
	go func() { writerDone <- s.writeLoop(ctx) }()

	readErr := s.readLoop(ctx)
	cancel()
	<-writerDone
	return readErr
}

// writeLoop is the single writer: agent events, protocol errors queued by
// the reader, and keepalive pings. A write stalling past the cutoff kills
// the connection.
func (s *WSSession) writeLoop(ctx context.Context) error {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var events <-chan models.AgentEvent
	for {
		select {
		case run := <-s.runCh:
			events = run.Events()
		case ev, ok := <-events:
			if !ok {
				events = nil // run finished; wait for the next prompt
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("WS event encode failed")
				continue
			}
			if err := s.write(websocket.TextMessage, data); err != nil {
				return err
			}
		case frame := <-s.writeCh:
			if err := s.write(frame.messageType, frame.data); err != nil {
				return err
			}
		case <-heartbeat.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *WSSession) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.SlowClientCutoff)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// readLoop is the inbound state machine. idle accepts prompt; running
// accepts interrupt and answer; everything else is a violation.
func (s *WSSession) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(1 << 20)
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.HeartbeatInterval))
	})
	if err := s.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.HeartbeatInterval)); err != nil {
		return err
	}

	var run AgentRun
	violations := 0

	violate := func(code, message string) error {
		violations++
		s.sendError(ctx, code, message)
		if violations >= maxViolations {
			s.sendClose(websocket.ClosePolicyViolation, "too many protocol errors")
			return errors.New("protocol violation budget exhausted")
		}
		return nil
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.HeartbeatInterval)); err != nil {
			return err
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if verr := violate("malformed_message", "message is not valid JSON"); verr != nil {
				return verr
			}
			continue
		}

		// A finished run means we are idle again.
		if run != nil {
			select {
			case <-run.Done():
				run = nil
			default:
			}
		}

		switch msg.Type {
		case "prompt":
			if run != nil {
				if err := violate("run_in_progress", "a prompt is already running"); err != nil {
					return err
				}
				continue
			}
			if msg.Request == nil || msg.Request.Prompt == "" {
				if err := violate("missing_prompt", "prompt message needs a non-empty request.prompt"); err != nil {
					return err
				}
				continue
			}
			started, err := s.start(ctx, *msg.Request)
			if err != nil {
				s.sendAPIError(ctx, err)
				continue
			}
			run = started
			select {
			case s.runCh <- started:
			case <-ctx.Done():
				return ctx.Err()
			}

		case "interrupt":
			if run == nil {
				if err := violate("no_active_run", "nothing to interrupt"); err != nil {
					return err
				}
				continue
			}
			if err := run.Interrupt(ctx); err != nil {
				s.sendAPIError(ctx, err)
			}

		case "answer":
			if run == nil {
				if err := violate("no_active_run", "no run is awaiting a permission decision"); err != nil {
					return err
				}
				continue
			}
			if err := run.Answer(ctx, msg.ToolUseID, msg.Decision); err != nil {
				s.sendAPIError(ctx, err)
			}

		default:
			if err := violate("unknown_type", "type must be prompt, interrupt, or answer"); err != nil {
				return err
			}
		}
	}
}

func (s *WSSession) sendError(ctx context.Context, code, message string) {
	data, _ := json.Marshal(serverError{Kind: "protocol_error", Code: code, Message: message})
	select {
	case s.writeCh <- outFrame{websocket.TextMessage, data}:
	case <-ctx.Done():
	}
}

func (s *WSSession) sendAPIError(ctx context.Context, err error) {
	e := apierr.From(err)
	data, _ := json.Marshal(serverError{Kind: "protocol_error", Code: e.Code, Message: e.Message})
	select {
	case s.writeCh <- outFrame{websocket.TextMessage, data}:
	case <-ctx.Done():
	}
}

func (s *WSSession) sendClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
