package webui

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/parolfluo/parolfluo/internal/observe"
	"github.com/parolfluo/parolfluo/pkg/types"
)

const (
	// clientQueueSize bounds each board client's outbound queue.
	clientQueueSize = 32

	// writeTimeout is how long a single frame write may block before the
	// client is considered gone and disconnected.
	writeTimeout = 5 * time.Second
)

// partialMessage is the wire shape of an in-progress hypothesis.
type partialMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
}

// finalMessage is the wire shape of a committed line. Translations is always
// present, empty when none were produced.
type finalMessage struct {
	Type         string            `json:"type"`
	Text         string            `json:"text"`
	Speaker      string            `json:"speaker,omitempty"`
	Translations map[string]string `json:"translations"`
}

// client is one connected board websocket with its outbound queue.
type client struct {
	conn  *websocket.Conn
	queue chan []byte
	drops atomic.Int64
}

// push enqueues data for the client's writer, dropping the oldest pending
// message when the queue is full so a stalled browser tab only loses its own
// backlog. Returns how many messages were dropped.
func (c *client) push(data []byte) int {
	dropped := 0
	for {
		select {
		case c.queue <- data:
			if dropped > 0 {
				c.drops.Add(int64(dropped))
			}
			return dropped
		default:
		}
		select {
		case <-c.queue:
			dropped++
		default:
		}
	}
}

// writeLoop sends queued messages until the context ends or a write fails.
func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.queue:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// hub tracks connected board clients and fans transcript events out to them.
// Publishing never blocks: each client has its own queue and writer.
type hub struct {
	metrics *observe.Metrics

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func newHub(m *observe.Metrics) *hub {
	return &hub{metrics: m, clients: make(map[*client]struct{})}
}

// add registers a client. It reports false once the hub has shut down.
func (h *hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcastPartial pushes an in-progress hypothesis to every client.
func (h *hub) broadcastPartial(ev types.TranscriptEvent) {
	h.broadcast(partialMessage{
		Type:    "partial",
		Text:    ev.Text,
		Speaker: ev.Speaker,
	})
}

// broadcastFinal pushes a committed line with its translations.
func (h *hub) broadcastFinal(ev types.EnrichedFinal) {
	translations := ev.Translations
	if translations == nil {
		translations = map[string]string{}
	}
	h.broadcast(finalMessage{
		Type:         "final",
		Text:         ev.Text,
		Speaker:      ev.Speaker,
		Translations: translations,
	})
}

func (h *hub) broadcast(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("webui: marshal broadcast", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if dropped := c.push(data); dropped > 0 {
			h.metrics.WebsocketDrops.Add(context.Background(), int64(dropped))
		}
	}
}

// closeAll disconnects every client and rejects future registrations.
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.closed = true
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
