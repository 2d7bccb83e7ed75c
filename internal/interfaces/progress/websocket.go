// Package progress relays one query's on_progress trace steps to at most
// one remote WebSocket subscriber. It is a transport for the on_progress
// contract, not a UI: the payload is the same (step_type, iteration,
// content, token_usage) the Engine already hands a local ProgressFunc.
package progress

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shesha-run/shesha/internal/domain/entity"
	"github.com/shesha-run/shesha/internal/domain/service"
	"github.com/shesha-run/shesha/pkg/safego"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StepMessage is the wire shape of one relayed trace step.
type StepMessage struct {
	StepType   entity.TraceStepType `json:"step_type"`
	Iteration  int                  `json:"iteration"`
	Content    string               `json:"content"`
	TokenUsage entity.TokenUsage    `json:"token_usage"`
	Timestamp  int64                `json:"timestamp"`
}

// subscriber is one query's registered connection. Grounded on the
// teacher's Client (conn + buffered send channel, one writer goroutine).
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Relay holds at most one subscriber per query ID. Registering a query that
// already has a subscriber replaces it; an unsubscribed query's progress
// steps are simply dropped, never buffered indefinitely.
type Relay struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	logger      *zap.Logger
}

// NewRelay creates an empty progress relay.
func NewRelay(logger *zap.Logger) *Relay {
	return &Relay{
		subscribers: make(map[string]*subscriber),
		logger:      logger,
	}
}

// ServeWS upgrades the request to a WebSocket and registers it as the
// subscriber for the query_id query-string parameter, until the client
// disconnects.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	queryID := req.URL.Query().Get("query_id")
	if queryID == "" {
		http.Error(w, "missing query_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("progress relay: upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, 64)}

	r.mu.Lock()
	if old, ok := r.subscribers[queryID]; ok {
		close(old.send)
	}
	r.subscribers[queryID] = sub
	r.mu.Unlock()

	safego.Go(r.logger, "progress-write-pump", func() { r.writePump(queryID, sub) })
	r.readPump(queryID, sub)
}

func (r *Relay) writePump(queryID string, sub *subscriber) {
	defer sub.conn.Close()
	for msg := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump exists only to detect client disconnects and clean up the
// registry entry; the relay never expects inbound messages from a
// subscriber.
func (r *Relay) readPump(queryID string, sub *subscriber) {
	defer r.unregister(queryID, sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Relay) unregister(queryID string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.subscribers[queryID]; ok && current == sub {
		delete(r.subscribers, queryID)
		close(sub.send)
	}
}

// ProgressFunc returns a service.ProgressFunc that fans every trace step
// out to queryID's subscriber, if one is currently registered. Must stay
// non-blocking: a full or absent subscriber channel drops the step rather
// than stalling the engine.
func (r *Relay) ProgressFunc(queryID string) service.ProgressFunc {
	return func(stepType entity.TraceStepType, iteration int, content string, usage entity.TokenUsage) {
		r.mu.Lock()
		sub, ok := r.subscribers[queryID]
		r.mu.Unlock()
		if !ok {
			return
		}

		data, err := json.Marshal(StepMessage{
			StepType:   stepType,
			Iteration:  iteration,
			Content:    content,
			TokenUsage: usage,
			Timestamp:  time.Now().Unix(),
		})
		if err != nil {
			r.logger.Warn("progress relay: marshal failed", zap.Error(err))
			return
		}

		select {
		case sub.send <- data:
		default:
			r.logger.Warn("progress relay: subscriber backlogged, dropping step", zap.String("query_id", queryID))
		}
	}
}
