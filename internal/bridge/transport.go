package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pulsefeed/internal/models"
)

const (
	handshakeTimeout      = 10 * time.Second
	readTimeout           = 60 * time.Second
	writeTimeout          = 10 * time.Second
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 60 * time.Second
)

// transportLoop walks the transport preference order. When the
// preferred transport drops it falls through to the next one for a
// single cycle, then retries from the top with backoff.
func (b *Bridge) transportLoop(ctx context.Context) {
	reconnectDelay := initialReconnectDelay

	for {
		if ctx.Err() != nil {
			return
		}
		var err error
		var served string
		for _, transport := range b.cfg.TransportPreference {
			switch transport {
			case "stream":
				err = b.runStream(ctx)
			case "poll":
				err = b.pollOnce(ctx)
			}
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				reconnectDelay = initialReconnectDelay
				served = transport
				break
			}
			b.logger.WithError(err).WithField("transport", transport).
				Warn("transport failed, trying next")
		}

		var wait time.Duration
		switch served {
		case "stream":
			// A clean stream return means the connection closed;
			// reconnect right away.
			wait = initialReconnectDelay
		case "poll":
			wait = b.cfg.PollInterval
		default:
			// Every transport failed; back off before the next round.
			if reconnectDelay < maxReconnectDelay {
				reconnectDelay *= 2
				if reconnectDelay > maxReconnectDelay {
					reconnectDelay = maxReconnectDelay
				}
			}
			wait = reconnectDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// agentEvent is the wire shape of one sample on the agent's endpoints.
type agentEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Duration  float64   `json:"duration"`
	Data      struct {
		App    string `json:"app"`
		Title  string `json:"title"`
		Status string `json:"status"`
	} `json:"data"`
}

// StreamURL is the agent's events stream endpoint.
func (b *Bridge) StreamURL() string {
	return fmt.Sprintf("ws://%s:%s/api/0/events", b.cfg.AgentHost, b.cfg.AgentPort)
}

// QueryURL is the agent's query endpoint used by the poll transport.
func (b *Bridge) QueryURL() string {
	return fmt.Sprintf("http://%s:%s/api/0/query", b.cfg.AgentHost, b.cfg.AgentPort)
}

// runStream holds one streaming connection open, offering each decoded
// sample, until the connection drops or ctx is cancelled. A nil return
// means the server closed the stream cleanly.
func (b *Bridge) runStream(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, b.StreamURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to agent stream: %w", err)
	}
	defer conn.Close()

	b.logger.WithField("url", b.StreamURL()).Info("connected to agent stream")

	subscribe := map[string]any{
		"type":   "subscribe",
		"events": []string{"currentwindow", "afkstatus", "heartbeat"},
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	// Close the socket when ctx ends so the blocked read returns.
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
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("stream read failed: %w", err)
		}

		var raw agentEvent
		if err := json.Unmarshal(message, &raw); err != nil {
			b.logger.WithError(err).Warn("unparseable stream message")
			continue
		}
		b.offerAgentEvent(raw, "stream")
	}
}

// / currentWindowQuery mirrors the agent's query language: the single
// longest-running focused window.
const currentWindowQuery = `SELECT title, app, duration FROM currentwindow WHERE duration > 0 ORDER BY duration DESC LIMIT 1`

// pollOnce queries the agent once for the current window sample. The
// caller provides the cadence.
func (b *Bridge) pollOnce(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"query": currentWindowQuery})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.QueryURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.poll.Do(req)
	if err != nil {
		return fmt.Errorf("agent query failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent query returned status %d", resp.StatusCode)
	}

	var rows []agentEvent
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return fmt.Errorf("agent query body unparseable: %w", err)
	}
	for _, raw := range rows {
		b.offerAgentEvent(raw, "poll")
	}
	return nil
}

// offerAgentEvent maps an agent sample onto the pipeline event model
// and hands it to the accept path.
func (b *Bridge) offerAgentEvent(raw agentEvent, via string) {
	e, ok := mapAgentEvent(raw)
	if !ok {
		b.logger.WithField("type", raw.Type).Debug("skipping unmapped agent event")
		return
	}
	if via == "poll" {
		e.Source = models.SourceAgentPoll
	} else {
		e.Source = models.SourceAgentStream
	}
	b.Offer(e)
}

// mapAgentEvent translates the agent's event vocabulary into the
// pipeline's closed type set. Unknown types are skipped.
func mapAgentEvent(raw agentEvent) (*models.TelemetryEvent, bool) {
	var typ models.EventType
	switch raw.Type {
	case "currentwindow":
		typ = models.EventWindowFocus
	case "afkstatus":
		if raw.Data.Status == "afk" {
			typ = models.EventAFK
		} else {
			typ = models.EventIdle
		}
	case "heartbeat":
		typ = models.EventHeartbeat
	default:
		return nil, false
	}
	return &models.TelemetryEvent{
		Type:            typ,
		OccurredAt:      raw.Timestamp,
		AppName:         raw.Data.App,
		Title:           raw.Data.Title,
		DurationSeconds: raw.Duration,
	}, true
}
