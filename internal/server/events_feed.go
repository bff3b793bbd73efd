package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aristath/vault/internal/events"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	feedBuffer    = 100
	feedWriteWait = 10 * time.Second
	feedHeartbeat = 30 * time.Second
)

// feedMessage is the JSON frame written to feed clients
type feedMessage struct {
	Type      string                 `json:"type"`
	Module    string                 `json:"module,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventsFeed streams bus events to websocket clients.
// A slow client loses events rather than stalling the emitter.
type EventsFeed struct {
	bus     *events.Bus
	log     zerolog.Logger
	closing chan struct{}
	once    sync.Once
}

// NewEventsFeed creates a feed over bus
func NewEventsFeed(bus *events.Bus, log zerolog.Logger) *EventsFeed {
	return &EventsFeed{
		bus:     bus,
		log:     log.With().Str("handler", "events_feed").Logger(),
		closing: make(chan struct{}),
	}
}

// Close disconnects every client. Further connections are refused.
func (f *EventsFeed) Close() {
	f.once.Do(func() { close(f.closing) })
}

// parseTypes reads the comma-separated ?types= filter. Nil means every type.
func parseTypes(raw string) ([]events.EventType, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	known := make(map[events.EventType]bool, len(events.AllEventTypes))
	for _, t := range events.AllEventTypes {
		known[t] = true
	}

	var out []events.EventType
	seen := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		t := events.EventType(strings.TrimSpace(part))
		if t == "" || seen[t] {
			continue
		}
		if !known[t] {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// ServeHTTP upgrades the request and forwards events until the client leaves
func (f *EventsFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-f.closing:
		http.Error(w, "event feed closed", http.StatusServiceUnavailable)
		return
	default:
	}

	types, err := parseTypes(r.URL.Query().Get("types"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Server read/write timeouts would otherwise carry over to the hijacked connection.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		f.log.Warn().Err(err).Msg("Failed to accept websocket")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed terminated")

	// Client frames are ignored; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	eventChan := make(chan *events.Event, feedBuffer)
	forward := func(e *events.Event) {
		select {
		case eventChan <- e:
		default:
			f.log.Warn().Str("event_type", string(e.Type)).Msg("Feed client too slow, event dropped")
		}
	}

	var subs []events.SubscriptionID
	if types == nil {
		subs = append(subs, f.bus.SubscribeAll(forward))
	} else {
		for _, t := range types {
			subs = append(subs, f.bus.Subscribe(t, forward))
		}
	}
	defer func() {
		for _, id := range subs {
			f.bus.Unsubscribe(id)
		}
	}()

	if err := f.write(ctx, conn, feedMessage{Type: "connected", Timestamp: time.Now().UTC()}); err != nil {
		return
	}
	f.log.Info().Int("types", len(types)).Msg("Client connected to event feed")

	heartbeat := time.NewTicker(feedHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			f.log.Info().Msg("Client disconnected from event feed")
			return

		case <-f.closing:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case e := <-eventChan:
			msg := feedMessage{
				Type:      string(e.Type),
				Module:    e.Module,
				Timestamp: e.Timestamp,
				Data:      e.Data,
			}
			if err := f.write(ctx, conn, msg); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := f.write(ctx, conn, feedMessage{Type: "heartbeat", Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

func (f *EventsFeed) write(ctx context.Context, conn *websocket.Conn, msg feedMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, feedWriteWait)
	defer cancel()

	if err := wsjson.Write(writeCtx, conn, msg); err != nil {
		if ctx.Err() == nil {
			f.log.Warn().Err(err).Str("type", msg.Type).Msg("Failed to write to feed client")
		}
		return err
	}
	return nil
}
