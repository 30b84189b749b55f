// internal/notify/webhook.go
// Webhook notifications for finished deliberations.
// Posts fire-and-forget JSON payloads to a configured URL.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"council/internal/council"
	"council/internal/events"
	"council/internal/logging"
)

const (
	EventComplete = "deliberation_complete"
	EventFailed   = "deliberation_error"

	source = "council"
)

// Payload is the webhook body
type Payload struct {
	Type      string           `json:"type"`
	Source    string           `json:"source"`
	Timestamp int64            `json:"timestamp"`
	RequestID string           `json:"request_id"`
	Question  string           `json:"question,omitempty"`
	Summary   *council.Summary `json:"summary,omitempty"`
	Answer    string           `json:"answer,omitempty"`
	Error     string           `json:"error,omitempty"`
	Stage     int              `json:"stage,omitempty"`
}

// Client posts terminal deliberation events to a webhook
type Client struct {
	endpoint   string
	httpClient *http.Client
	log        *logging.Logger
	wg         sync.WaitGroup

	mu              sync.Mutex
	connErrorLogged bool // only log connection errors once
}

// New creates a client. An empty endpoint yields a client that sends nothing.
func New(endpoint string, log *logging.Logger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		log: log,
	}
}

// Enabled reports whether a webhook URL is configured
func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != ""
}

// Notify sends a terminal event asynchronously. Other events are ignored.
func (c *Client) Notify(ev events.Event) {
	if !c.Enabled() || !ev.Terminal() {
		return
	}
	p := payloadFor(ev)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.send(p)
	}()
}

// NotifyResult sends a completion payload for a batch-mode result
func (c *Client) NotifyResult(result *council.Result, err error) {
	if err != nil {
		c.Notify(events.NewFailed(err, true, result))
		return
	}
	c.Notify(events.NewComplete(result))
}

// Tee relays a stream unchanged, notifying on its terminal event
func (c *Client) Tee(in <-chan events.Event) <-chan events.Event {
	out := make(chan events.Event, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			c.Notify(ev)
			out <- ev
		}
	}()
	return out
}

// Wait blocks until in-flight posts finish or timeout elapses
func (c *Client) Wait(timeout time.Duration) {
	if c == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.log.Warn("webhook delivery still pending at exit")
	}
}

func payloadFor(ev events.Event) Payload {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	p := Payload{
		Type:      string(ev.Type),
		Source:    source,
		Timestamp: ts.Unix(),
		RequestID: ev.RequestID,
		Error:     ev.Error,
		Stage:     ev.Stage,
	}
	if ev.Result != nil {
		p.Question = truncate(ev.Result.Question, 200)
		if p.RequestID == "" {
			p.RequestID = ev.Result.ID
		}
		if ev.Result.Stage3 != nil {
			p.Answer = truncate(ev.Result.Stage3.Response, 500)
		}
	}
	if ev.Summary != nil {
		p.Summary = ev.Summary
	}
	return p
}

// send performs the actual HTTP POST (runs in goroutine)
func (c *Client) send(p Payload) {
	body, err := json.Marshal(p)
	if err != nil {
		c.log.Warn("failed to marshal webhook payload", "error", err.Error())
		return
	}

	resp, err := c.httpClient.Post(c.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		c.mu.Lock()
		first := !c.connErrorLogged
		c.connErrorLogged = true
		c.mu.Unlock()
		if first {
			c.log.Warn("webhook unreachable", "endpoint", c.endpoint, "error", err.Error())
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.log.Warn("webhook rejected event", "status", resp.StatusCode, "type", p.Type)
	}
}

// truncate limits a string to maxLen runes
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
