package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultPDSURL = "https://bsky.social"

// ProfileCollection and ProfileRKey are the fixed collection/key pair
// bmail piggy-backs every message and profile overlay write on
// (spec.md §4.2/§4.4): the network's single-record-per-key profile
// store, misused as a multi-message log by creating many records in
// the same collection.
const (
	ProfileCollection = "actor.profile"
	ProfileRKey       = "self"
)

// Client is a thin XRPC HTTP client for the AT Protocol PDS. It
// handles authentication and re-authenticates automatically on 401,
// mirroring klistr's bsky.Client one-for-one.
type Client struct {
	PDSURL      string
	Identifier  string
	AppPassword string

	mu                 sync.Mutex
	session            *Session
	http               *http.Client
	rateLimitRemaining int
	rateLimitReset     time.Time

	// reauth serialises re-authentication attempts so that concurrent
	// goroutines (e.g. the firehose ingestor + the coordinator's send
	// path) that both receive a 401 don't each independently call
	// createSession, invalidating each other's session in a thundering
	// herd on the token endpoint.
	reauth sync.Mutex
}

const rateLimitWarnThreshold = 10
const rateLimitRetryMax = 5 * time.Minute

type errRateLimited struct {
	RetryAfter time.Duration
}

func (e *errRateLimited) Error() string {
	return fmt.Sprintf("rate limited by PDS; retry after %s", e.RetryAfter.Round(time.Second))
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if s := resp.Header.Get("RateLimit-Reset"); s != "" {
		if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
			if d := time.Until(time.Unix(ts, 0)); d > 0 {
				return d
			}
		}
	}
	return 30 * time.Second
}

// NewClient creates a new AT Protocol XRPC client against the default
// PDS. Set PDSURL before Authenticate to target a third-party PDS.
func NewClient(identifier, appPassword string) *Client {
	return &Client{
		PDSURL:      defaultPDSURL,
		Identifier:  identifier,
		AppPassword: appPassword,
		http:        &http.Client{Timeout: 15 * time.Second},
	}
}

// Authenticate creates a new session via com.atproto.server.createSession.
func (c *Client) Authenticate(ctx context.Context) error {
	input := CreateSessionInput{Identifier: c.Identifier, Password: c.AppPassword}
	var session Session
	if err := c.xrpcPost(ctx, "com.atproto.server.createSession", input, &session); err != nil {
		return fmt.Errorf("atproto authenticate: %w", err)
	}
	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()
	slog.Info("atproto authenticated", "did", session.DID, "handle", session.Handle)
	return nil
}

func (c *Client) singleAuthenticate(ctx context.Context, staleToken string) error {
	c.reauth.Lock()
	defer c.reauth.Unlock()

	c.mu.Lock()
	var current string
	if c.session != nil {
		current = c.session.AccessJwt
	}
	c.mu.Unlock()

	if staleToken != "" && current != staleToken {
		return nil
	}

	slog.Warn("atproto token expired, re-authenticating")
	return c.Authenticate(ctx)
}

// ResolveHandle resolves a handle to a DID via com.atproto.identity.resolveHandle.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	params := url.Values{}
	params.Set("handle", handle)
	var resp ResolveHandleResponse
	if err := c.authedGet(ctx, "com.atproto.identity.resolveHandle", params, &resp); err != nil {
		return "", fmt.Errorf("atproto resolveHandle: %w", err)
	}
	return resp.DID, nil
}

// GetRecord fetches a single record via com.atproto.repo.getRecord.
func (c *Client) GetRecord(ctx context.Context, repo, collection, rkey string) (*GetRecordResponse, error) {
	params := url.Values{}
	params.Set("repo", repo)
	params.Set("collection", collection)
	params.Set("rkey", rkey)
	var resp GetRecordResponse
	if err := c.authedGet(ctx, "com.atproto.repo.getRecord", params, &resp); err != nil {
		return nil, fmt.Errorf("atproto getRecord: %w", err)
	}
	return &resp, nil
}

// ListRecords lists records in a collection via com.atproto.repo.listRecords,
// one page at a time. Pass an empty cursor to start from the beginning.
func (c *Client) ListRecords(ctx context.Context, repo, collection, cursor string, limit int) (*ListRecordsResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{}
	params.Set("repo", repo)
	params.Set("collection", collection)
	params.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var resp ListRecordsResponse
	if err := c.authedGet(ctx, "com.atproto.repo.listRecords", params, &resp); err != nil {
		return nil, fmt.Errorf("atproto listRecords: %w", err)
	}
	return &resp, nil
}

// CreateRecord creates a record via com.atproto.repo.createRecord.
func (c *Client) CreateRecord(ctx context.Context, req CreateRecordRequest) (*CreateRecordResponse, error) {
	var resp CreateRecordResponse
	if err := c.authedPost(ctx, "com.atproto.repo.createRecord", req, &resp); err != nil {
		return nil, fmt.Errorf("atproto createRecord: %w", err)
	}
	return &resp, nil
}

// PutRecord writes a record at a specific key via com.atproto.repo.putRecord,
// used for the single-key profile overlay (collection "actor.profile", rkey "self").
func (c *Client) PutRecord(ctx context.Context, req PutRecordRequest) (*PutRecordResponse, error) {
	var resp PutRecordResponse
	if err := c.authedPost(ctx, "com.atproto.repo.putRecord", req, &resp); err != nil {
		return nil, fmt.Errorf("atproto putRecord: %w", err)
	}
	return &resp, nil
}

// SubscribeReposURL builds the websocket URL for com.atproto.sync.subscribeRepos.
func (c *Client) SubscribeReposURL() string {
	base := strings.TrimPrefix(strings.TrimPrefix(c.PDSURL, "https://"), "http://")
	return "wss://" + base + "/xrpc/com.atproto.sync.subscribeRepos"
}

// ─── Internal helpers ─────────────────────────────────────────────────────

var errAuthExpired = errors.New("auth expired")

func isAuthError(err error) bool { return errors.Is(err, errAuthExpired) }

func (c *Client) authedPost(ctx context.Context, method string, body, out interface{}) error {
	staleToken := c.currentToken()

	err := c.xrpcPostWithAuth(ctx, method, body, out)
	if isAuthError(err) {
		if authErr := c.singleAuthenticate(ctx, staleToken); authErr != nil {
			return fmt.Errorf("re-authenticate: %w", authErr)
		}
		err = c.xrpcPostWithAuth(ctx, method, body, out)
	}
	var rl *errRateLimited
	if errors.As(err, &rl) {
		wait := rl.RetryAfter
		if wait > rateLimitRetryMax {
			wait = rateLimitRetryMax
		}
		slog.Warn("atproto rate limited on POST, backing off", "method", method, "retry_after", wait.Round(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		err = c.xrpcPostWithAuth(ctx, method, body, out)
	}
	return err
}

func (c *Client) authedGet(ctx context.Context, method string, params url.Values, out interface{}) error {
	staleToken := c.currentToken()

	err := c.xrpcGetWithAuth(ctx, method, params, out)
	if isAuthError(err) {
		if authErr := c.singleAuthenticate(ctx, staleToken); authErr != nil {
			return fmt.Errorf("re-authenticate: %w", authErr)
		}
		err = c.xrpcGetWithAuth(ctx, method, params, out)
	}
	var rl *errRateLimited
	if errors.As(err, &rl) {
		wait := rl.RetryAfter
		if wait > rateLimitRetryMax {
			wait = rateLimitRetryMax
		}
		slog.Warn("atproto rate limited on GET, backing off", "method", method, "retry_after", wait.Round(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		err = c.xrpcGetWithAuth(ctx, method, params, out)
	}
	return err
}

func (c *Client) xrpcPost(ctx context.Context, method string, body, out interface{}) error {
	return c.doPost(ctx, method, body, out, "")
}

func (c *Client) xrpcPostWithAuth(ctx context.Context, method string, body, out interface{}) error {
	return c.doPost(ctx, method, body, out, c.authHeader())
}

func (c *Client) xrpcGetWithAuth(ctx context.Context, method string, params url.Values, out interface{}) error {
	rawURL := c.PDSURL + "/xrpc/" + method
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create GET request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bmail/1.0")
	if auth := c.authHeader(); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return c.doRequest(req, out)
}

func (c *Client) doPost(ctx context.Context, method string, body interface{}, out interface{}, authHeader string) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	rawURL := c.PDSURL + "/xrpc/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bmail/1.0")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	return c.doRequest(req, out)
}

func (c *Client) updateRateLimit(resp *http.Response) {
	s := resp.Header.Get("RateLimit-Remaining")
	if s == "" {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return
	}
	var reset time.Time
	if rs := resp.Header.Get("RateLimit-Reset"); rs != "" {
		if ts, err := strconv.ParseInt(rs, 10, 64); err == nil {
			reset = time.Unix(ts, 0)
		}
	}
	c.mu.Lock()
	c.rateLimitRemaining = n
	c.rateLimitReset = reset
	c.mu.Unlock()
	if n <= rateLimitWarnThreshold {
		slog.Warn("atproto rate limit headroom low", "remaining", n, "reset_in", time.Until(reset).Round(time.Second))
	}
}

func (c *Client) doRequest(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.updateRateLimit(resp)

	if resp.StatusCode == 401 {
		return errAuthExpired
	}
	if resp.StatusCode == 400 && strings.Contains(string(respBody), "ExpiredToken") {
		return errAuthExpired
	}
	if resp.StatusCode == 429 {
		return &errRateLimited{RetryAfter: parseRetryAfter(resp)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) authHeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return "Bearer " + c.session.AccessJwt
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessJwt
}

// DID returns the authenticated user's DID, or empty string if not authenticated.
func (c *Client) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.DID
}

// Handle returns the authenticated user's handle, or empty string if not authenticated.
func (c *Client) Handle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Handle
}
