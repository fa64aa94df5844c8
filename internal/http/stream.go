package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/orchestrator"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) send(m StreamMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.SetWriteDeadline(time.Now().Add(writeWait))
	return w.WriteJSON(m)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsConn) closeNormal(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = w.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// handleStream replays a run's stored trace, then forwards live events until
// the run reaches a terminal state. from_seq resumes after a known event.
//
// Frames: {"type":"event","event":{...}} per event, then one
// {"type":"status","run":{...}} before a normal close. A client frame
// {"type":"ping"} is answered with {"type":"pong"}.
func (s *Server) handleStream(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.runs.Status(ctx, id); err != nil {
		return notFoundOr(err)
	}
	var last int64
	if raw := c.QueryParam("from_seq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "from_seq must be a non-negative integer")
		}
		last = n
	}

	// subscribe before replaying so nothing falls between the two
	var live <-chan events.TraceEvent
	if s.broadcaster != nil {
		ch, unsubscribe := s.broadcaster.Subscribe(id, s.config.StreamBuffer)
		defer unsubscribe()
		live = ch
	}

	raw, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return nil
	}
	conn := &wsConn{Conn: raw}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.readPump(conn, cancel)

	forward := func(ev events.TraceEvent) (bool, error) {
		if ev.Seq <= last {
			return false, nil
		}
		last = ev.Seq
		if err := conn.send(StreamMessage{Type: "event", Event: &ev}); err != nil {
			return false, err
		}
		return orchestrator.State(ev.Stage).Terminal(), nil
	}

	stored, err := s.history.Events(ctx, id)
	if err != nil {
		s.logger.Warn(ctx, "loading stored trace failed", zap.String("run_id", id), zap.Error(err))
	}
	for _, ev := range stored {
		done, err := forward(ev)
		if err != nil {
			return nil
		}
		if done {
			return s.finishStream(ctx, conn, id)
		}
	}
	run, err := s.runs.Status(ctx, id)
	if live == nil || (err == nil && run.Terminal()) {
		return s.finishStream(ctx, conn, id)
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return nil
			}
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			done, err := forward(ev)
			if err != nil {
				return nil
			}
			if done {
				return s.finishStream(ctx, conn, id)
			}
		}
	}
}

func (s *Server) finishStream(ctx context.Context, conn *wsConn, id string) error {
	if run, err := s.runs.Status(ctx, id); err == nil {
		_ = conn.send(StreamMessage{Type: "status", Run: &run})
	}
	conn.closeNormal("run finished")
	return nil
}

func (s *Server) readPump(conn *wsConn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &in) == nil && in.Type == "ping" {
			if err := conn.send(StreamMessage{Type: "pong"}); err != nil {
				return
			}
		}
	}
}
