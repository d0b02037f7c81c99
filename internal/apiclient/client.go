// Package apiclient implements the authenticated, rate-limited bulk
// lookup client of spec.md §4.4 (C4): credentialed GET requests for
// profiles and records, session refresh on 401/ExpiredToken, and
// Retry-After-aware backoff on 429.
//
// Grounded on ai-infra/internal/sentinel/http_client.go's retry-loop
// shape (attempts = retries+1, linear backoff, per-attempt
// context.WithTimeout); session refresh is serialized with a
// sync.Mutex.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pipelineerrors "github.com/brightloom/skywatch/internal/errors"
	"github.com/brightloom/skywatch/internal/logging"
	"github.com/brightloom/skywatch/internal/models"
	"github.com/brightloom/skywatch/internal/ratelimit"
)

const maxIDsPerRequest = 25

// Credentials authenticates a fresh session when no refresh token is
// available or the refresh token itself has expired.
type Credentials struct {
	Identifier string
	Password   string
}

// Config configures the Client's endpoint, retry policy, rate-limit
// governor and credentials; connection pooling is fixed in New.
type Config struct {
	BaseURL     string
	MaxRetries  int
	BaseDelay   time.Duration
	Governor    *ratelimit.Governor
	Credentials Credentials
}

// NamespaceStats mirrors spec.md §4.4's "per-namespace counters
// batches_total and batches_partial".
type NamespaceStats struct {
	BatchesTotal   int64
	BatchesPartial int64
}

// Client is the authenticated bulk-lookup API client.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	governor    *ratelimit.Governor
	session     *sessionStore
	credentials Credentials
	maxRetries  int
	baseDelay   time.Duration
	logger      *logging.Logger

	refreshMu sync.Mutex

	profileBatchesTotal   atomic.Int64
	profileBatchesPartial atomic.Int64
	recordBatchesTotal    atomic.Int64
	recordBatchesPartial  atomic.Int64
}

// New constructs a Client. Connection pooling follows spec.md §4.4:
// idle-per-host 10, idle timeout 30s, TCP keepalive 60s, connect
// timeout 10s, total timeout 30s.
func New(cfg Config) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
	}
	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second, Transport: transport},
		governor:    cfg.Governor,
		session:     &sessionStore{},
		credentials: cfg.Credentials,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		logger:      logging.New("apiclient"),
	}
}

// ShouldRefresh reports whether the current session's access token has
// no known expiry or expires within the hour (spec.md §4.4).
func (c *Client) ShouldRefresh() bool { return c.session.shouldRefresh() }

// RefreshSessions atomically replaces the active session tuple.
func (c *Client) RefreshSessions(access string, refresh *string, expiry *time.Time, handle, identifier string) {
	sess := models.Session{AccessToken: access, Handle: handle, Identifier: identifier}
	if refresh != nil {
		sess.RefreshToken = *refresh
	}
	if expiry != nil {
		sess.Expiry = expiry
	} else {
		sess.Expiry = expiryFromJWT(access)
	}
	c.session.set(sess)
}

// EnsureFreshSession refreshes the session if it's near expiry,
// serialized so at most one refresh is in flight across all callers
// (invariant I4/P3).
func (c *Client) EnsureFreshSession(ctx context.Context) error {
	if !c.session.shouldRefresh() {
		return nil
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	// Re-check: another goroutine may have refreshed while we waited
	// on the lock (ordering guarantee O4).
	if !c.session.shouldRefresh() {
		return nil
	}
	return c.performRefresh(ctx)
}

func (c *Client) performRefresh(ctx context.Context) error {
	sess := c.session.get()
	if sess.RefreshToken != "" {
		if err := c.refreshWithToken(ctx, sess.RefreshToken); err == nil {
			return nil
		} else if !isExpiredTokenErr(err) {
			return err
		}
		c.logger.Printf("refresh token expired, falling back to re-authentication")
	}
	return c.authenticate(ctx)
}

type createSessionResponse struct {
	AccessJwt      string `json:"accessJwt"`
	RefreshJwt     string `json:"refreshJwt"`
	Handle         string `json:"handle"`
	DID            string `json:"did"`
	Email          string `json:"email,omitempty"`
	EmailConfirmed bool   `json:"emailConfirmed,omitempty"`
	Active         bool   `json:"active,omitempty"`
}

func (c *Client) authenticate(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"identifier": c.credentials.Identifier,
		"password":   c.credentials.Password,
	})
	resp, err := c.rawRequest(ctx, http.MethodPost, "/xrpc/com.atproto.server.createSession", body, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var parsed createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.KindSerialization, err, "decode createSession response")
	}
	refresh := parsed.RefreshJwt
	c.RefreshSessions(parsed.AccessJwt, &refresh, nil, parsed.Handle, parsed.DID)
	c.logger.Printf("authenticated as %s", parsed.Handle)
	return nil
}

func (c *Client) refreshWithToken(ctx context.Context, refreshToken string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/xrpc/com.atproto.server.refreshSession", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+refreshToken)
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusBadRequest {
		b, _ := io.ReadAll(resp.Body)
		if strings.Contains(string(b), "ExpiredToken") {
			return pipelineerrors.New(pipelineerrors.KindExpiredToken, "refresh token expired", nil)
		}
		return pipelineerrors.New(pipelineerrors.KindInvalidAPIResponse, "refresh rejected: "+string(b), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return pipelineerrors.New(pipelineerrors.KindInvalidAPIResponse, fmt.Sprintf("refresh failed: %s", resp.Status), nil)
	}
	var parsed createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.KindSerialization, err, "decode refreshSession response")
	}
	refresh := parsed.RefreshJwt
	c.RefreshSessions(parsed.AccessJwt, &refresh, nil, parsed.Handle, parsed.DID)
	return nil
}

func isExpiredTokenErr(err error) bool {
	var pe *pipelineerrors.Error
	return asError(err, &pe) && pe.Kind == pipelineerrors.KindExpiredToken
}

func asError(err error, target **pipelineerrors.Error) bool {
	for err != nil {
		if pe, ok := err.(*pipelineerrors.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// BulkFetchProfiles fetches profiles for ids, returning a slice of the
// same length where element i is non-nil iff the upstream returned a
// profile matching ids[i].
func (c *Client) BulkFetchProfiles(ctx context.Context, ids []string) ([]*models.Profile, error) {
	out := make([]*models.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	for start := 0; start < len(ids); start += maxIDsPerRequest {
		end := start + maxIDsPerRequest
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		profiles, err := c.fetchProfileChunk(ctx, chunk)
		if err != nil {
			return out, err
		}
		for _, p := range profiles {
			if idx, ok := index[p.Identifier]; ok {
				cp := p
				out[idx] = cp
			}
		}
	}
	return out, nil
}

func (c *Client) fetchProfileChunk(ctx context.Context, ids []string) ([]*models.Profile, error) {
	c.profileBatchesTotal.Add(1)
	if len(ids) < maxIDsPerRequest {
		c.profileBatchesPartial.Add(1)
	}
	if total := c.profileBatchesTotal.Load(); total%10 == 0 {
		partial := c.profileBatchesPartial.Load()
		c.logger.Printf("profile batches: total=%d partial=%d (%.1f%%)", total, partial, 100*float64(partial)/float64(total))
	}

	q := url.Values{}
	for _, id := range ids {
		q.Add("actors", id)
	}
	resp, err := c.authedRequest(ctx, http.MethodGet, "/xrpc/app.bsky.actor.getProfiles?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var parsed struct {
		Profiles []models.Profile `json:"profiles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.KindSerialization, err, "decode getProfiles response")
	}
	result := make([]*models.Profile, len(parsed.Profiles))
	for i := range parsed.Profiles {
		result[i] = &parsed.Profiles[i]
	}
	return result, nil
}

// BulkFetchRecords fetches records for uris, returning a slice of the
// same length where element i is non-nil iff the upstream returned a
// record matching uris[i]. URIs failing the validity predicate are
// dropped before issuing the request and contribute nil at their
// original index.
func (c *Client) BulkFetchRecords(ctx context.Context, uris []string) ([]*models.Record, error) {
	out := make([]*models.Record, len(uris))
	valid := make([]string, 0, len(uris))
	index := make(map[string]int, len(uris))
	for i, u := range uris {
		if !models.ValidRecordURI(u) {
			continue
		}
		valid = append(valid, u)
		index[u] = i
	}
	if len(valid) == 0 {
		return out, nil
	}
	for start := 0; start < len(valid); start += maxIDsPerRequest {
		end := start + maxIDsPerRequest
		if end > len(valid) {
			end = len(valid)
		}
		chunk := valid[start:end]
		records, err := c.fetchRecordChunk(ctx, chunk)
		if err != nil {
			return out, err
		}
		for _, r := range records {
			if idx, ok := index[r.CanonicalURI]; ok {
				cp := r
				out[idx] = cp
			}
		}
	}
	return out, nil
}

func (c *Client) fetchRecordChunk(ctx context.Context, uris []string) ([]*models.Record, error) {
	c.recordBatchesTotal.Add(1)
	if len(uris) < maxIDsPerRequest {
		c.recordBatchesPartial.Add(1)
	}
	if total := c.recordBatchesTotal.Load(); total%10 == 0 {
		partial := c.recordBatchesPartial.Load()
		c.logger.Printf("record batches: total=%d partial=%d (%.1f%%)", total, partial, 100*float64(partial)/float64(total))
	}

	q := url.Values{}
	for _, u := range uris {
		q.Add("uris", u)
	}
	resp, err := c.authedRequest(ctx, http.MethodGet, "/xrpc/app.bsky.feed.getPosts?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var parsed struct {
		Posts []models.Record `json:"posts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.KindSerialization, err, "decode getPosts response")
	}
	result := make([]*models.Record, len(parsed.Posts))
	for i := range parsed.Posts {
		result[i] = &parsed.Posts[i]
	}
	return result, nil
}

// ProfileStats returns a snapshot of the profiles namespace's batch counters.
func (c *Client) ProfileStats() NamespaceStats {
	return NamespaceStats{BatchesTotal: c.profileBatchesTotal.Load(), BatchesPartial: c.profileBatchesPartial.Load()}
}

// RecordStats returns a snapshot of the records namespace's batch counters.
func (c *Client) RecordStats() NamespaceStats {
	return NamespaceStats{BatchesTotal: c.recordBatchesTotal.Load(), BatchesPartial: c.recordBatchesPartial.Load()}
}

// authedRequest issues a GET/POST with the current bearer token,
// refreshing and retrying once on 401 or ExpiredToken-shaped 400s.
func (c *Client) authedRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if err := c.EnsureFreshSession(ctx); err != nil {
		return nil, err
	}
	resp, err := c.rawRequest(ctx, method, path, body, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.refreshMu.Lock()
		refreshErr := c.performRefresh(ctx)
		c.refreshMu.Unlock()
		if refreshErr != nil {
			return nil, refreshErr
		}
		return c.rawRequest(ctx, method, path, body, true)
	}
	if resp.StatusCode == http.StatusBadRequest {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if strings.Contains(string(b), "ExpiredToken") {
			c.refreshMu.Lock()
			refreshErr := c.performRefresh(ctx)
			c.refreshMu.Unlock()
			if refreshErr != nil {
				return nil, refreshErr
			}
			return c.rawRequest(ctx, method, path, body, true)
		}
		return nil, pipelineerrors.New(pipelineerrors.KindInvalidAPIResponse, "bad request: "+string(b), nil)
	}
	return resp, nil
}

// rawRequest performs the retry policy of spec.md §4.4 around a single
// logical request: network errors retry up to maxRetries with
// delay = baseDelay * attempt; 429 honors Retry-After or backs off
// exponentially capped at five doublings of baseDelay.
func (c *Client) rawRequest(ctx context.Context, method, path string, body []byte, authed bool) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries+1; attempt++ {
		if c.governor != nil {
			if err := c.governor.UntilReady(ctx); err != nil {
				return nil, pipelineerrors.Wrap(pipelineerrors.KindRateLimitExceeded, err, "rate limit wait")
			}
		}
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
		if authed {
			req.Header.Set("Authorization", "Bearer "+c.session.get().AccessToken)
		}
		resp, err := c.do(ctx, req)
		if err != nil {
			lastErr = pipelineerrors.Wrap(pipelineerrors.KindHTTPTransport, err, "request failed")
			if attempt <= c.maxRetries {
				c.sleep(ctx, c.baseDelay*time.Duration(attempt))
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			if retryAfter <= 0 {
				doublings := attempt
				if doublings > 5 {
					doublings = 5
				}
				retryAfter = c.baseDelay * time.Duration(1<<uint(doublings))
			}
			if c.governor != nil {
				c.governor.SetRetryAfter(retryAfter)
			}
			if attempt <= c.maxRetries {
				c.sleep(ctx, retryAfter)
				continue
			}
			return nil, pipelineerrors.New(pipelineerrors.KindRateLimitExceeded, "rate limited after retries", nil)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			// Let the caller (authedRequest) interpret these.
			return resp, nil
		}

		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, pipelineerrors.New(pipelineerrors.KindInvalidAPIResponse, fmt.Sprintf("unexpected status %s: %s", resp.Status, string(b)), nil)
	}
	return nil, lastErr
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.KindInternal, err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctxAttempt, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return c.httpClient.Do(req.WithContext(ctxAttempt))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
