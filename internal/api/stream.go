package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The staff console is served from a different origin than this API;
	// tenant checks happen in middleware, not at the socket layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventStream bridges the in-process event bus onto websockets. Each
// connection gets its own bus subscription filtered to its tenant; the bus
// drops events for slow subscribers rather than blocking commits, so a stuck
// console never stalls the write path.
type eventStream struct {
	bus    *events.Bus
	logger *log.Logger
}

func newEventStream(bus *events.Bus) *eventStream {
	return &eventStream{
		bus:    bus,
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
}

// streamFrame is the wire shape of one pushed event. Payload is forwarded
// as committed; anything sensitive is already excluded from event payloads.
type streamFrame struct {
	EventID       string                 `json:"event_id"`
	Type          string                 `json:"type"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	Sequence      int64                  `json:"sequence"`
	CommitTS      time.Time              `json:"commit_ts"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

func (st *eventStream) handle(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		st.logger.Printf("❌ Upgrade failed: %v", err)
		return
	}

	sub := st.bus.Subscribe()
	st.logger.Printf("🔌 Stream connected for tenant %s", tenant)

	done := make(chan struct{})
	go st.readLoop(conn, done)
	st.writeLoop(conn, sub, tenant, done)

	st.bus.Unsubscribe(sub)
	conn.Close()
	st.logger.Printf("🔌 Stream closed for tenant %s", tenant)
}

// readLoop drains client frames to service pong handlers and closes done on
// disconnect. Clients send nothing meaningful; the stream is one-way.
func (st *eventStream) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (st *eventStream) writeLoop(conn *websocket.Conn, sub chan *domain.Event, tenant string, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.TenantID != tenant {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			frame := streamFrame{
				EventID:       ev.ID,
				Type:          ev.Type,
				AggregateType: ev.AggregateType,
				AggregateID:   ev.AggregateID,
				Sequence:      ev.Sequence,
				CommitTS:      ev.CommitTS,
				Payload:       ev.Payload,
			}
			if err := conn.WriteJSON(frame); err != nil {
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
