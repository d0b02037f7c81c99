// Package streamclient implements the streaming client of spec.md
// §4.1 (C3): a persistent websocket subscription to the upstream
// firehose that parses frames into Events, reconnecting with backoff
// and round-robinning across configured endpoints.
//
// Grounded on kernel/internal/audit/streamer.go's Run-loop idiom
// (ctx.Done()-gated for-select) and
// on the pack's inclusion of github.com/gorilla/websocket (see
// jordigilh-kubernaut's go.mod) as the dependency of choice for a
// persistent framed-text subscription.
package streamclient

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	pipelineerrors "github.com/brightloom/skywatch/internal/errors"
	"github.com/brightloom/skywatch/internal/logging"
	"github.com/brightloom/skywatch/internal/models"
)

// EventResult is one item of the lazy infinite sequence Subscribe
// returns: either a parsed Event, or a terminal error that ends the
// sequence.
type EventResult struct {
	Event *models.Event
	Err   error
}

// ConnectionStatus is emitted by SubscribeWithStatus on every
// connect/disconnect transition.
type ConnectionStatus struct {
	Connected bool
	LatencyMs *int64
}

// Config configures reconnect behavior.
type Config struct {
	Endpoints              []string
	WantedCollections      []string
	ReconnectDelay         time.Duration // default 5s
	InterEndpointDelay     time.Duration // default 1s
	MaxConsecutiveFailures int           // default 10
}

// Client subscribes to the upstream firehose.
type Client struct {
	endpoints              []string
	wantedCollections      []string
	reconnectDelay         time.Duration
	interEndpointDelay     time.Duration
	maxConsecutiveFailures int
	dialer                 *websocket.Dialer
	logger                 *logging.Logger
}

// New constructs a Client.
func New(cfg Config) *Client {
	reconnect := cfg.ReconnectDelay
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	interEndpoint := cfg.InterEndpointDelay
	if interEndpoint <= 0 {
		interEndpoint = time.Second
	}
	maxFailures := cfg.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 10
	}
	return &Client{
		endpoints:              cfg.Endpoints,
		wantedCollections:      cfg.WantedCollections,
		reconnectDelay:         reconnect,
		interEndpointDelay:     interEndpoint,
		maxConsecutiveFailures: maxFailures,
		dialer:                 websocket.DefaultDialer,
		logger:                 logging.New("streamclient"),
	}
}

// Subscribe returns a channel of EventResults, closed when ctx is
// cancelled or a terminal failure is reached.
func (c *Client) Subscribe(ctx context.Context) <-chan EventResult {
	out := make(chan EventResult)
	go c.run(ctx, out, nil)
	return out
}

// SubscribeWithStatus additionally emits ConnectionStatus transitions
// on the returned status channel (spec.md §4.1).
func (c *Client) SubscribeWithStatus(ctx context.Context) (<-chan EventResult, <-chan ConnectionStatus) {
	out := make(chan EventResult)
	status := make(chan ConnectionStatus, 16)
	go c.run(ctx, out, status)
	return out, status
}

func (c *Client) run(ctx context.Context, out chan<- EventResult, status chan<- ConnectionStatus) {
	defer close(out)
	if status != nil {
		defer close(status)
	}

	endpointIdx := 0
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		endpoint := c.endpoints[endpointIdx%len(c.endpoints)]
		target := buildURL(endpoint, c.wantedCollections)

		connectStart := time.Now()
		conn, _, err := c.dialer.DialContext(ctx, target, nil)
		if err != nil {
			consecutiveFailures++
			c.emitStatus(status, ConnectionStatus{Connected: false})
			if consecutiveFailures >= c.maxConsecutiveFailures {
				c.sendResult(ctx, out, EventResult{Err: pipelineerrors.New(pipelineerrors.KindStreamConnection,
					"exceeded max consecutive reconnect failures", err)})
				return
			}
			endpointIdx++
			if !c.sleep(ctx, c.delayAfterFailure()) {
				return
			}
			continue
		}

		consecutiveFailures = 0
		latency := time.Since(connectStart).Milliseconds()
		c.emitStatus(status, ConnectionStatus{Connected: true, LatencyMs: &latency})

		c.readLoop(ctx, conn, out)
		conn.Close()
		c.emitStatus(status, ConnectionStatus{Connected: false})

		select {
		case <-ctx.Done():
			return
		default:
		}
		if !c.sleep(ctx, c.reconnectDelay) {
			return
		}
	}
}

func (c *Client) delayAfterFailure() time.Duration {
	if len(c.endpoints) > 1 {
		return c.interEndpointDelay
	}
	return c.reconnectDelay
}

// readLoop reads frames until the connection errors or closes. Parse
// failures are logged and skipped, never tearing down the connection
// (spec.md §4.1).
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- EventResult) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Printf("parse failure, skipping frame: %v", err)
			continue
		}
		if ev.Actor == "" {
			c.logger.Printf("empty actor identifier, skipping frame")
			continue
		}
		ev.Timestamp = time.UnixMicro(ev.TimeUs)

		if !c.sendResult(ctx, out, EventResult{Event: &ev}) {
			return
		}
	}
}

func (c *Client) sendResult(ctx context.Context, out chan<- EventResult, r EventResult) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) emitStatus(status chan<- ConnectionStatus, s ConnectionStatus) {
	if status == nil {
		return
	}
	select {
	case status <- s:
	default:
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func buildURL(endpoint string, wantedCollections []string) string {
	u := endpoint
	if !strings.Contains(u, "://") {
		u = "wss://" + u
	}
	q := url.Values{}
	for _, w := range wantedCollections {
		q.Add("wantedCollections", w)
	}
	return u + "/subscribe?" + q.Encode()
}
