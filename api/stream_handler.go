package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/forge"

	"github.com/loomworks/loom/stream"
)

// streamFrame is the client-to-server control frame on the WebSocket
// feed. Clients replenish flow-control credits and adjust their topic
// set without reconnecting.
type streamFrame struct {
	Credits     int64    `json:"credits,omitempty"`
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

// registerStreamRoutes mounts the live event feed. WebSocket is the
// primary transport; SSE is the read-only fallback for clients that
// cannot hold a WebSocket open.
func (a *API) registerStreamRoutes(router forge.Router) {
	if err := router.WebSocket("/v1/stream", a.handleStreamWebSocket); err != nil {
		slog.Default().Error("failed to register stream WebSocket", slog.String("error", err.Error()))
	}
	if err := router.EventStream("/v1/stream/sse", a.handleStreamSSE); err != nil {
		slog.Default().Error("failed to register stream SSE", slog.String("error", err.Error()))
	}
}

// handleStreamWebSocket bridges a WebSocket connection to a broker
// subscriber. Initial topics come from the "topics" query parameter
// (comma-separated); later frames adjust the set and grant credits.
func (a *API) handleStreamWebSocket(ctx forge.Context, conn forge.Connection) error {
	topics, err := parseTopics(ctx.Query("topics"))
	if err != nil {
		//nolint:errcheck // best-effort error response before disconnect
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return err
	}

	connID := conn.ID()
	sub := a.eng.Broker().Subscribe(connID, topics...)
	defer a.eng.Broker().RemoveSubscriber(connID)

	go forwardStreamEvents(conn, sub)

	for {
		data, readErr := conn.Read()
		if readErr != nil {
			return nil // Connection closed.
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			//nolint:errcheck // best-effort error response, keep the connection
			conn.WriteJSON(map[string]string{"error": "invalid frame: " + err.Error()})
			continue
		}

		if frame.Credits > 0 {
			sub.AddCredits(frame.Credits)
		}
		for _, topic := range frame.Subscribe {
			if stream.ValidateTopic(topic) == nil {
				a.eng.Broker().SubscribeTo(connID, topic)
			}
		}
		if len(frame.Unsubscribe) > 0 {
			a.eng.Broker().Unsubscribe(connID, frame.Unsubscribe...)
		}
	}
}

// forwardStreamEvents reads from the subscriber channel and writes
// events to the WebSocket connection.
func forwardStreamEvents(conn forge.Connection, sub *stream.Subscriber) {
	for evt := range sub.C() {
		if err := conn.WriteJSON(evt); err != nil {
			return // Connection gone.
		}
	}
}

// handleStreamSSE serves the read-only SSE feed. Topics come from the
// "topics" query parameter; there is no credit control, slow consumers
// drop events once their buffer fills.
func (a *API) handleStreamSSE(ctx forge.Context, sseStream forge.Stream) error {
	topics, err := parseTopics(ctx.Query("topics"))
	if err != nil {
		return err
	}

	connID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	sub := a.eng.Broker().Subscribe(connID, topics...)
	defer a.eng.Broker().RemoveSubscriber(connID)

	// SSE cannot carry credit frames back, so grant a large allowance
	// up front and rely on the buffer for backpressure.
	sub.AddCredits(1 << 30)

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			if sendErr := sseStream.SendJSON(string(evt.Type), evt); sendErr != nil {
				return sendErr
			}
			if flushErr := sseStream.Flush(); flushErr != nil {
				return flushErr
			}
		case <-sseStream.Context().Done():
			return nil
		}
	}
}

// parseTopics splits and validates a comma-separated topic list.
// An empty list subscribes to the firehose.
func parseTopics(raw string) ([]string, error) {
	if raw == "" {
		return []string{stream.TopicFirehose}, nil
	}
	parts := strings.Split(raw, ",")
	topics := make([]string, 0, len(parts))
	for _, part := range parts {
		topic := strings.TrimSpace(part)
		if topic == "" {
			continue
		}
		if err := stream.ValidateTopic(topic); err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return []string{stream.TopicFirehose}, nil
	}
	return topics, nil
}
