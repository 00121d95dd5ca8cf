package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Clients only send control frames.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards are served from other origins; auth is by token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// parseTopics reads ?topics=run,intervention. Empty means every topic.
func parseTopics(raw string) ([]schemas.Topic, error) {
	if raw == "" {
		return nil, nil
	}
	var topics []schemas.Topic
	for _, part := range strings.Split(raw, ",") {
		t := schemas.Topic(strings.TrimSpace(part))
		switch t {
		case schemas.TopicRun, schemas.TopicIntervention, schemas.TopicSystem:
			topics = append(topics, t)
		case "":
		default:
			return nil, schemas.NewValidationError("topics", fmt.Sprintf("unknown topic %q", t))
		}
	}
	return topics, nil
}

// handleSSE streams events as text/event-stream. A connected event opens the
// stream and repeats as a heartbeat.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	topics, err := parseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sub := s.svc.Bus.Subscribe(topics...)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, schemas.NewConnectedEvent(s.now())); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		var evt schemas.Event
		select {
		case <-r.Context().Done():
			return
		case <-s.streams.Done():
			return
		case <-heartbeat.C:
			evt = schemas.NewConnectedEvent(s.now())
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			evt = e
		}
		if err := writeSSE(w, evt); err != nil {
			s.logger.Debug("SSE client went away.", zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, evt schemas.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}

// handleWS streams the same events over a websocket, one JSON text frame per
// event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	topics, err := parseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		s.logger.Debug("Websocket upgrade failed.", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.svc.Bus.Subscribe(topics...)
	defer sub.Close()

	closed := make(chan struct{})
	go s.wsReadPump(conn, closed)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	if err := s.wsWrite(conn, schemas.NewConnectedEvent(s.now())); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-s.streams.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := s.wsWrite(conn, schemas.NewConnectedEvent(s.now())); err != nil {
				return
			}
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			if err := s.wsWrite(conn, evt); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsWrite(conn *websocket.Conn, evt schemas.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("Websocket write failed.", zap.Error(err))
		return err
	}
	return nil
}

// wsReadPump services pongs and close frames. It closes done when the peer
// goes away.
func (s *Server) wsReadPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Websocket closed unexpectedly.", zap.Error(err))
			}
			return
		}
	}
}
