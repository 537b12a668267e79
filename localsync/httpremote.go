// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HTTPRemote implements RemoteStore against the grocerybuddyd REST and
// websocket surface. Requests carry a bearer token minted by the auth
// layer; the server scopes every operation to the token's user.
type HTTPRemote struct {
	baseURL string
	token   func(ctx context.Context) (string, error)
	http    *http.Client
	logger  *slog.Logger

	backoffMin time.Duration
	backoffMax time.Duration
}

// NewHTTPRemote builds an adapter for the given server base URL
// (e.g. "http://localhost:8080"). A remote call that hangs would stall the
// whole sync pass, hence the hard client timeout.
func NewHTTPRemote(baseURL string, token func(ctx context.Context) (string, error), logger *slog.Logger) *HTTPRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		backoffMin: time.Second,
		backoffMax: 60 * time.Second,
	}
}

func (r *HTTPRemote) authHeader(ctx context.Context) (string, error) {
	tok, err := r.token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to obtain token: %w", err)
	}
	return "Bearer " + tok, nil
}

// Upsert posts one row. The conflict key travels as a query parameter so
// the server can assert it matches the table's unique constraint.
func (r *HTTPRemote) Upsert(ctx context.Context, table string, row json.RawMessage, conflictKey string) error {
	auth, err := r.authHeader(ctx)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/v1/%s?on_conflict=%s", r.baseURL, table, url.QueryEscape(conflictKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(row))
	if err != nil {
		return fmt.Errorf("failed to create upsert request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("upsert request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upsert %s: %s", table, readAPIError(resp))
	}
	return nil
}

// Select fetches every row for the user in the table, tombstones included;
// the engine filters what the UI never sees.
func (r *HTTPRemote) Select(ctx context.Context, table string) ([]json.RawMessage, error) {
	auth, err := r.authHeader(ctx)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/v1/%s?include_deleted=true", r.baseURL, table)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create select request: %w", err)
	}
	req.Header.Set("Authorization", auth)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("select request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("select %s: %s", table, readAPIError(resp))
	}

	var body struct {
		Rows []json.RawMessage `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode select response: %w", err)
	}
	return body.Rows, nil
}

// Subscribe opens a websocket to the change feed and invokes onChange for
// every notification about the table. The connection reconnects with
// exponential backoff until cancelled; notifications carry no payload.
func (r *HTTPRemote) Subscribe(table string, onChange func()) (func(), error) {
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	wsURL := strings.Replace(r.baseURL, "http", "ws", 1) + "/v1/changes/ws"

	go func() {
		backoff := r.backoffMin
		for {
			select {
			case <-stop:
				return
			default:
			}

			auth, err := r.authHeader(context.Background())
			if err != nil {
				r.logger.Warn("change feed auth failed", "error", err)
				if !sleepOrStop(stop, backoff) {
					return
				}
				backoff = nextBackoff(backoff, r.backoffMax)
				continue
			}

			header := http.Header{"Authorization": {auth}}
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
			if err != nil {
				r.logger.Warn("change feed dial failed", "error", err)
				if !sleepOrStop(stop, backoff) {
					return
				}
				backoff = nextBackoff(backoff, r.backoffMax)
				continue
			}
			backoff = r.backoffMin

			// Close the socket when cancelled so ReadMessage unblocks.
			done := make(chan struct{})
			go func() {
				select {
				case <-stop:
					conn.Close()
				case <-done:
				}
			}()

			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					break
				}
				var note struct {
					Table string `json:"table"`
				}
				if err := json.Unmarshal(msg, &note); err != nil {
					r.logger.Warn("malformed change notification", "error", err)
					continue
				}
				if note.Table == table {
					onChange()
				}
			}
			close(done)
			conn.Close()
		}
	}()

	return cancel, nil
}

func sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

func readAPIError(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return fmt.Sprintf("%s (%d)", body.Error, resp.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d", resp.StatusCode)
}
