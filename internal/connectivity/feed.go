package connectivity

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DDChuru/inspectsync/internal/logging"
)

// feedEvent is one reachability event on the websocket feed.
type feedEvent struct {
	Online bool `json:"online"`
}

// FeedMonitor subscribes to a websocket reachability feed published by the
// host shell. While the feed itself is unreachable the monitor reports
// offline, which errs on the side of queuing work locally.
type FeedMonitor struct {
	*ManualMonitor

	url    string
	dialer *websocket.Dialer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeedMonitor creates a FeedMonitor and starts its read loop. The
// monitor starts offline until the feed reports otherwise.
func NewFeedMonitor(url string) *FeedMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	m := &FeedMonitor{
		ManualMonitor: NewManualMonitor(false),
		url:           url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		cancel: cancel,
	}

	m.wg.Add(1)
	go m.run(ctx)

	return m
}

// run dials the feed and forwards events, reconnecting with capped backoff.
func (m *FeedMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
		if err != nil {
			m.Set(false)
			logging.Debug("connectivity feed dial failed",
				map[string]interface{}{"url": m.url, "retry_in": backoff.String()})

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		m.readLoop(ctx, conn)
	}
}

func (m *FeedMonitor) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	// Unblock ReadMessage when the monitor closes.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.Set(false)
			logging.Debug("connectivity feed closed", map[string]interface{}{"url": m.url})
			return
		}

		var event feedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			logging.Warn("malformed connectivity event", map[string]interface{}{"data": string(data)})
			continue
		}

		m.Set(event.Online)
	}
}

// Close stops the read loop and releases all subscriptions.
func (m *FeedMonitor) Close() {
	m.cancel()
	m.wg.Wait()
	m.ManualMonitor.Close()
}
