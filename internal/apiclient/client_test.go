package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/brightloom/skywatch/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body interface{}) *http.Response {
	b, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(b)),
		Header:     make(http.Header),
	}
}

func newTestClient(t *testing.T, transport roundTripFunc) *Client {
	t.Helper()
	c := New(Config{
		BaseURL:     "http://bsky.test",
		MaxRetries:  2,
		BaseDelay:   time.Millisecond,
		Credentials: Credentials{Identifier: "alice", Password: "hunter2"},
	})
	c.httpClient.Transport = transport
	farFuture := time.Now().Add(2 * time.Hour)
	c.session.set(models.Session{AccessToken: "valid-token", RefreshToken: "valid-refresh", Expiry: &farFuture})
	return c
}

func TestBulkFetchProfilesMapsByIdentifier(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if !strings.Contains(r.URL.Path, "getProfiles") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		return jsonResponse(http.StatusOK, map[string]interface{}{
			"profiles": []models.Profile{{Identifier: "did:1", Handle: "a.test"}},
		}), nil
	})
	c := newTestClient(t, transport)

	out, err := c.BulkFetchProfiles(context.Background(), []string{"did:1", "did:2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0] == nil || out[0].Handle != "a.test" {
		t.Fatalf("expected did:1 hydrated, got %+v", out[0])
	}
	if out[1] != nil {
		t.Fatalf("expected did:2 to be nil, got %+v", out[1])
	}
}

func TestBulkFetchRecordsFiltersInvalidURIs(t *testing.T) {
	called := false
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		called = true
		return jsonResponse(http.StatusOK, map[string]interface{}{"posts": []models.Record{}}), nil
	})
	c := newTestClient(t, transport)

	out, err := c.BulkFetchRecords(context.Background(), []string{"not-a-uri"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0] != nil {
		t.Fatalf("expected single nil result, got %+v", out)
	}
	if called {
		t.Fatalf("expected no request for an all-invalid batch")
	}
}

func TestAuthedRequestRefreshesOn401ThenRetries(t *testing.T) {
	attempts := 0
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(r.URL.Path, "refreshSession"):
			return jsonResponse(http.StatusOK, createSessionResponse{
				AccessJwt: "fresh-token", RefreshJwt: "fresh-refresh", Handle: "a.test", DID: "did:1",
			}), nil
		case strings.Contains(r.URL.Path, "getProfiles"):
			attempts++
			if attempts == 1 {
				return jsonResponse(http.StatusUnauthorized, map[string]string{"error": "ExpiredToken"}), nil
			}
			if r.Header.Get("Authorization") != "Bearer fresh-token" {
				t.Fatalf("expected refreshed bearer token, got %s", r.Header.Get("Authorization"))
			}
			return jsonResponse(http.StatusOK, map[string]interface{}{
				"profiles": []models.Profile{{Identifier: "did:1"}},
			}), nil
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
			return nil, nil
		}
	})
	c := newTestClient(t, transport)

	out, err := c.BulkFetchProfiles(context.Background(), []string{"did:1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected one retry after refresh, got %d attempts", attempts)
	}
	if out[0] == nil {
		t.Fatalf("expected hydrated profile after retry")
	}
}

func TestRawRequestHonorsRetryAfterThenSucceeds(t *testing.T) {
	attempts := 0
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		attempts++
		if attempts == 1 {
			resp := jsonResponse(http.StatusTooManyRequests, map[string]string{})
			resp.Header.Set("Retry-After", "0")
			return resp, nil
		}
		return jsonResponse(http.StatusOK, map[string]interface{}{
			"profiles": []models.Profile{{Identifier: "did:1"}},
		}), nil
	})
	c := newTestClient(t, transport)

	out, err := c.BulkFetchProfiles(context.Background(), []string{"did:1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected a retry after 429, got %d attempts", attempts)
	}
	if out[0] == nil {
		t.Fatalf("expected hydrated profile after retry")
	}
}

func TestShouldRefreshWhenNoExpiry(t *testing.T) {
	c := newTestClient(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatalf("no request expected")
		return nil, nil
	}))
	c.session.set(models.Session{AccessToken: "tok"})
	if !c.ShouldRefresh() {
		t.Fatalf("expected ShouldRefresh true when expiry unknown")
	}
}
