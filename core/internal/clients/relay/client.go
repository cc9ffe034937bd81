package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"incident-ops-planning-system/core/internal/syncer"
	"incident-ops-planning-system/shared/config"
	"incident-ops-planning-system/shared/events"
)

// Client talks to the relay service over HTTP. It implements the sync
// engine's RemoteChannel. Transient relay failures trip a circuit breaker so
// an offline stretch does not burn retries against a dead endpoint.
type Client struct {
	baseURL  string
	deviceID string
	retryMax int
	http     *http.Client
	breaker  *circuitBreaker
}

var ErrCircuitOpen = errors.New("relay circuit open")

type pushRequest struct {
	DeviceID string            `json:"device_id"`
	Events   []events.Envelope `json:"events"`
}

type pushResponse struct {
	Accepted []uuid.UUID          `json:"accepted"`
	Rejected map[uuid.UUID]string `json:"rejected,omitempty"`
}

type pullResponse struct {
	Events     []events.Envelope `json:"events"`
	NextCursor int64             `json:"next_cursor"`
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RelayURL == "" {
		return nil, errors.New("RELAY_URL is required")
	}
	timeout := time.Duration(cfg.RelayTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  cfg.RelayURL,
		deviceID: cfg.DeviceID,
		retryMax: 2,
		http:     &http.Client{Timeout: timeout},
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (c *Client) PushEvents(ctx context.Context, batch []events.Envelope) (syncer.PushResult, error) {
	if c == nil || c.http == nil {
		return syncer.PushResult{}, errors.New("relay client not initialized")
	}
	if c.breaker.Open() {
		return syncer.PushResult{}, ErrCircuitOpen
	}
	body, err := json.Marshal(pushRequest{DeviceID: c.deviceID, Events: batch})
	if err != nil {
		return syncer.PushResult{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/events/push", bytes.NewReader(body))
		if err != nil {
			return syncer.PushResult{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.breaker.Fail()
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("relay push failed: %s", resp.Status)
			c.breaker.Fail()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return syncer.PushResult{}, fmt.Errorf("relay push rejected: %s", resp.Status)
		}
		var out pushResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			c.breaker.Fail()
			return syncer.PushResult{}, err
		}
		c.breaker.Success()
		return syncer.PushResult{Accepted: out.Accepted, Rejected: out.Rejected}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("relay push failed")
	}
	return syncer.PushResult{}, lastErr
}

// PullEvents reads the operation's change feed past the given cursor. The
// cursor is the relay's arrival-order sequence, handed back by the previous
// pull.
func (c *Client) PullEvents(ctx context.Context, operationID uuid.UUID, after int64, limit int) ([]events.Envelope, int64, error) {
	if c == nil || c.http == nil {
		return nil, after, errors.New("relay client not initialized")
	}
	if c.breaker.Open() {
		return nil, after, ErrCircuitOpen
	}

	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.baseURL + "/api/v1/operations/" + operationID.String() + "/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, after, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Fail()
		return nil, after, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			c.breaker.Fail()
		}
		return nil, after, fmt.Errorf("relay pull failed: %s", resp.Status)
	}
	var out pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.breaker.Fail()
		return nil, after, err
	}
	c.breaker.Success()
	return out.Events, out.NextCursor, nil
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
