package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"iot-alerting/internal/alarms/application/events"
	alarms "iot-alerting/internal/alarms/domain"
)

// streamEvent is the SSE payload for one alarm lifecycle change.
type streamEvent struct {
	Event string       `json:"event"`
	Alarm alarms.Alarm `json:"alarm"`
}

type streamClient struct {
	tenantID string
	ch       chan []byte
}

// SSEBroker fans out alarm events to connected clients of the alarm's tenant.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	logger  *zap.Logger
}

// NewSSEBroker constructs a broker.
func NewSSEBroker(logger *zap.Logger) *SSEBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSEBroker{clients: make(map[*streamClient]struct{}), logger: logger}
}

// Publish is subscribed to every alarm event. Slow clients drop events instead of blocking the relay.
func (b *SSEBroker) Publish(_ context.Context, event any) error {
	if b == nil {
		return nil
	}
	alarm, ok := events.AlarmOf(event)
	if !ok {
		return nil
	}
	payload, err := json.Marshal(streamEvent{Event: events.Name(event), Alarm: alarm})
	if err != nil {
		return err
	}
	b.broadcast(alarm.TenantID, payload)
	return nil
}

// subscribe registers a client of the tenant.
func (b *SSEBroker) subscribe(tenantID string) *streamClient {
	if b == nil {
		return nil
	}
	client := &streamClient{tenantID: tenantID, ch: make(chan []byte, 16)}
	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()
	return client
}

// unsubscribe removes a client.
func (b *SSEBroker) unsubscribe(client *streamClient) {
	if b == nil || client == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client.ch)
	}
	b.mu.Unlock()
}

// Clients returns the number of connected clients.
func (b *SSEBroker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *SSEBroker) broadcast(tenantID string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		if client.tenantID != tenantID {
			continue
		}
		select {
		case client.ch <- payload:
		default:
			b.logger.Debug("sse client lagging, event dropped", zap.String("tenant_id", tenantID))
		}
	}
}

// stream handles GET /alarms/stream.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	tenantID, err := tenantOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := h.broker.subscribe(tenantID)
	defer h.broker.unsubscribe(client)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case payload, ok := <-client.ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: alarm\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
