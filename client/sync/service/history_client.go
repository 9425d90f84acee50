package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"msg_client/client/sync/domain"
)

const historyBasePath = "/api/v1"

const (
	defaultHistoryTimeout   = 5 * time.Second
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
)

// HistoryClient fetches conversation and message snapshots from the REST
// collaborator. Endpoints rotate round-robin; an endpoint that fails
// repeatedly is put on cooldown before being tried again. Message and
// conversation identifiers are shared with the push payloads, which is the
// integration invariant reconciliation depends on.
type HistoryClient struct {
	endpoints []string
	http      *http.Client
	next      uint32

	failThreshold    int
	endpointCooldown time.Duration

	mu         sync.Mutex
	token      string
	failureCnt map[string]int
	cooldownTo map[string]time.Time
}

func NewHistoryClient(endpoints ...string) *HistoryClient {
	normalized := make([]string, 0, len(endpoints))
	seen := map[string]struct{}{}
	for _, endpoint := range endpoints {
		trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return &HistoryClient{
		endpoints:        normalized,
		http:             &http.Client{Timeout: defaultHistoryTimeout},
		failThreshold:    defaultFailThreshold,
		endpointCooldown: defaultEndpointCooldown,
		failureCnt:       make(map[string]int, len(normalized)),
		cooldownTo:       make(map[string]time.Time, len(normalized)),
	}
}

// SetToken installs the bearer session token used for every request.
func (c *HistoryClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

type paginatedConversations struct {
	Items      []domain.ConversationSummary `json:"items"`
	NextCursor string                       `json:"next_cursor,omitempty"`
}

type paginatedMessages struct {
	Items      []domain.Message `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func (c *HistoryClient) ListConversations(ctx context.Context, limit int, cursor string) ([]domain.ConversationSummary, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	var out paginatedConversations
	if err := c.get(ctx, historyBasePath+"/conversations", query, &out); err != nil {
		return nil, "", err
	}
	return out.Items, out.NextCursor, nil
}

func (c *HistoryClient) ListMessages(ctx context.Context, conversationID string, limit int, cursor string) ([]domain.Message, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	path := fmt.Sprintf("%s/conversations/%s/messages", historyBasePath, url.PathEscape(conversationID))
	var out paginatedMessages
	if err := c.get(ctx, path, query, &out); err != nil {
		return nil, "", err
	}
	return out.Items, out.NextCursor, nil
}

func (c *HistoryClient) get(ctx context.Context, path string, query url.Values, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("history endpoint is not configured")
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	start := int(atomic.AddUint32(&c.next, 1)-1) % len(c.endpoints)
	var lastErr error
	for offset := 0; offset < len(c.endpoints); offset++ {
		endpoint := c.endpoints[(start+offset)%len(c.endpoints)]
		if c.isCoolingDown(endpoint, time.Now()) {
			continue
		}
		target := endpoint + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if reqErr != nil {
			lastErr = reqErr
			c.onFailure(endpoint, time.Now())
			continue
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			lastErr = fmt.Errorf("history request failed endpoint=%s: %w", endpoint, doErr)
			c.onFailure(endpoint, time.Now())
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			c.onFailure(endpoint, time.Now())
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			// Auth rejection is not an endpoint health problem; trying the
			// other endpoints with the same token cannot help.
			return fmt.Errorf("%w: history fetch rejected with status %d", ErrAuthentication, resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("history fetch status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			c.onFailure(endpoint, time.Now())
			continue
		}
		c.onSuccess(endpoint)
		if out == nil {
			return nil
		}
		return json.Unmarshal(body, out)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all history endpoints are cooling down")
	}
	return lastErr
}

func (c *HistoryClient) isCoolingDown(endpoint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldownTo[endpoint]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.cooldownTo, endpoint)
		c.failureCnt[endpoint] = 0
		return false
	}
	return true
}

func (c *HistoryClient) onFailure(endpoint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCnt[endpoint]++
	if c.failureCnt[endpoint] >= c.failThreshold {
		c.cooldownTo[endpoint] = now.Add(c.endpointCooldown)
	}
}

func (c *HistoryClient) onSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCnt[endpoint] = 0
	delete(c.cooldownTo, endpoint)
}
