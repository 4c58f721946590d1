package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fruitsalade/bundleproxy/internal/logging"
	"github.com/fruitsalade/bundleproxy/pkg/protocol"
	"github.com/fruitsalade/bundleproxy/pkg/retry"
)

// SSEClient follows the server's cache event stream. After a dropped
// connection it reconnects with Last-Event-ID so retained events are
// replayed.
type SSEClient struct {
	baseURL    string
	types      []string
	httpClient *http.Client
	backoff    retry.Config
	lastID     uint64
}

// NewSSEClient creates a client for the events of the given types ("bundle",
// "catalog.changed", ...). No types means all events.
func NewSSEClient(baseURL string, types ...string) *SSEClient {
	return &SSEClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		types:      types,
		httpClient: &http.Client{},
		backoff: retry.Config{
			InitialWait: time.Second,
			MaxWait:     30 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
	}
}

// Subscribe streams events until ctx is cancelled. Connection errors are
// reported on the error channel without blocking and followed by a
// reconnect.
func (c *SSEClient) Subscribe(ctx context.Context) (<-chan protocol.SSEEvent, <-chan error) {
	events := make(chan protocol.SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		failures := 0
		for ctx.Err() == nil {
			received, err := c.connect(ctx, events)
			if ctx.Err() != nil {
				return
			}
			if received {
				failures = 0
			}
			failures++
			wait := c.backoff.Backoff(failures)
			logging.Warn("event stream interrupted",
				logging.Err(err),
				logging.Duration("reconnect_in", wait))
			select {
			case errs <- err:
			default:
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()

	return events, errs
}

func (c *SSEClient) streamURL() string {
	u := c.baseURL + "/api/v1/events"
	if len(c.types) > 0 {
		u += "?types=" + url.QueryEscape(strings.Join(c.types, ","))
	}
	return u
}

// connect reads one connection until it ends. received reports whether
// any event arrived before that.
func (c *SSEClient) connect(ctx context.Context, events chan<- protocol.SSEEvent) (received bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(), nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(c.lastID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var ev sseFrame
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if line != "" {
			ev.add(line)
			continue
		}
		if ev.data == "" {
			ev = sseFrame{}
			continue
		}

		out, err := ev.decode()
		if err != nil {
			logging.Debug("undecodable event", logging.Err(err))
		}
		if out.ID > c.lastID {
			c.lastID = out.ID
		}
		received = true
		select {
		case events <- out:
		case <-ctx.Done():
			return received, ctx.Err()
		}
		ev = sseFrame{}
	}
	if err := sc.Err(); err != nil {
		return received, fmt.Errorf("read: %w", err)
	}
	return received, fmt.Errorf("connection closed")
}

// sseFrame accumulates the fields of one event block.
type sseFrame struct {
	id, event, data string
}

func (f *sseFrame) add(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	name, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch name {
	case "id":
		f.id = value
	case "event":
		f.event = value
	case "data":
		if f.data != "" {
			f.data += "\n"
		}
		f.data += value
	}
}

func (f *sseFrame) decode() (protocol.SSEEvent, error) {
	var ev protocol.SSEEvent
	err := json.Unmarshal([]byte(f.data), &ev)
	if ev.Type == "" {
		ev.Type = f.event
	}
	if ev.ID == 0 && f.id != "" {
		ev.ID, _ = strconv.ParseUint(f.id, 10, 64)
	}
	return ev, err
}
