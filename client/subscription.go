package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/loomworks/loom/stream"
)

// Credit flow control: grant a batch up front, replenish once half of
// it has been consumed.
const creditBatch = 256

// streamFrame is the client-to-server control frame on the feed.
type streamFrame struct {
	Credits     int64    `json:"credits,omitempty"`
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

// Subscription is a live feed of lifecycle events on one topic. Each
// subscription holds its own WebSocket connection.
type Subscription struct {
	topic  string
	conn   net.Conn
	ch     chan *stream.Event
	closed atomic.Bool
	logger *slog.Logger

	reconnect  bool
	maxRetries int
	baseDelay  time.Duration
	dial       func(ctx context.Context) (net.Conn, error)
}

// Subscribe opens a live feed on the given topic. Topics follow the
// loom stream convention:
//   - "instance:<instanceID>" — events for a specific instance
//   - "type:<workflowType>"   — all events for a workflow type
//   - "instances"             — all instance lifecycle events
//   - "events"                — all external event deliveries
//   - "firehose"              — everything
func (c *Client) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	wsURL := websocketURL(c.baseURL) + "/v1/stream?topics=" + url.QueryEscape(topic)
	dial := func(ctx context.Context) (net.Conn, error) {
		conn, _, _, err := ws.Dial(ctx, wsURL)
		if err != nil {
			return nil, fmt.Errorf("loom/client: websocket dial: %w", err)
		}
		if err := writeFrame(conn, streamFrame{Credits: creditBatch}); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		topic:      topic,
		conn:       conn,
		ch:         make(chan *stream.Event, 64),
		logger:     c.logger,
		reconnect:  c.reconnect,
		maxRetries: c.maxRetries,
		baseDelay:  c.baseDelay,
		dial:       dial,
	}
	go sub.readLoop()
	return sub, nil
}

// Watch subscribes to events for a specific instance. Convenience for
// Subscribe("instance:<instanceID>").
func (c *Client) Watch(ctx context.Context, instanceID string) (*Subscription, error) {
	return c.Subscribe(ctx, stream.InstanceTopic(instanceID))
}

// C returns the event channel. It is closed when the subscription
// closes or the connection is lost with reconnection disabled.
func (s *Subscription) C() <-chan *stream.Event { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Close closes the subscription and its connection.
func (s *Subscription) Close() error {
	if s.closed.Swap(true) {
		return nil // already closed
	}
	return s.conn.Close()
}

// readLoop reads events from the WebSocket, replenishing credits as it
// consumes them.
func (s *Subscription) readLoop() {
	defer close(s.ch)

	var consumed int64
	for {
		data, err := wsutil.ReadServerText(s.conn)
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Warn("stream subscription read error",
				slog.String("topic", s.topic),
				slog.String("error", err.Error()),
			)
			if !s.reconnect || !s.tryReconnect() {
				return
			}
			consumed = 0
			continue
		}

		var evt stream.Event
		if unmarshalErr := json.Unmarshal(data, &evt); unmarshalErr != nil {
			s.logger.Warn("stream subscription: invalid event",
				slog.String("error", unmarshalErr.Error()),
			)
			continue
		}

		select {
		case s.ch <- &evt:
		default:
			// Drop if the consumer is slow.
		}

		consumed++
		if consumed >= creditBatch/2 {
			if err := writeFrame(s.conn, streamFrame{Credits: consumed}); err != nil {
				s.logger.Warn("stream subscription: credit replenish failed",
					slog.String("error", err.Error()),
				)
			}
			consumed = 0
		}
	}
}

// tryReconnect redials with exponential backoff. Returns false once the
// retry budget is exhausted or the subscription was closed.
func (s *Subscription) tryReconnect() bool {
	delay := s.baseDelay
	for i := range s.maxRetries {
		if s.closed.Load() {
			return false
		}
		s.logger.Info("stream subscription reconnecting",
			slog.String("topic", s.topic),
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)

		conn, err := s.dial(context.Background())
		if err != nil {
			s.logger.Warn("stream subscription reconnect failed", slog.String("error", err.Error()))
			delay = min(delay*2, 30*time.Second)
			continue
		}

		_ = s.conn.Close()
		s.conn = conn
		s.logger.Info("stream subscription reconnected", slog.String("topic", s.topic))
		return true
	}
	s.logger.Error("stream subscription: max reconnection attempts reached",
		slog.String("topic", s.topic),
	)
	return false
}

// writeFrame JSON-encodes and sends a control frame.
func writeFrame(conn net.Conn, frame streamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("loom/client: marshal frame: %w", err)
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		return fmt.Errorf("loom/client: write frame: %w", err)
	}
	return nil
}

// websocketURL converts an http(s) base URL to its ws(s) equivalent.
func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}
